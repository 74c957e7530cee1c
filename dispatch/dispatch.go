// Package dispatch implements the single-consumer work queue that the
// broker session drains from its I/O loop. Every caller-facing operation is
// turned into a Job parameterized by a reply sink keyed by an explicit
// correlation ID, rather than looked up by goroutine identity: the ID travels
// with the job from submission through to whichever result eventually lands
// in its sink.
package dispatch

import (
	"context"
	"sync"

	driver "github.com/rabbitmq/amqp091-go"

	"github.com/channel-layer/core/errors"
	"github.com/channel-layer/core/ulid"
)

// Job is a unit of work the dispatcher runs against the operational channel.
// It reports whether the operational channel was open when it ran; a false
// return (with a nil error and nil value) means "try again once the channel
// reopens". value is carried to the caller's Sink as the success result.
type Job func(ch *driver.Channel) (ran bool, value any, err error)

// Token is the payload deposited into a Sink: either a result, or an error
// that re-raises when Wait observes it.
type Token struct {
	Value any
	Err   error
}

// Sink is a bounded, single-item handoff slot used to return a Job's
// outcome from the I/O goroutine to the submitting goroutine.
type Sink struct {
	ch chan Token
}

func newSink() *Sink {
	return &Sink{ch: make(chan Token, 1)}
}

// Wait blocks until a token is deposited or ctx ends, whichever comes first.
func (s *Sink) Wait(ctx context.Context) (any, error) {
	select {
	case tok := <-s.ch:
		return tok.Value, tok.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Sink) deliver(value any, err error) {
	select {
	case s.ch <- Token{Value: value, Err: err}:
	default:
		// Sink already holds a result; by invariant this never happens
		// because each Sink is used for exactly one Job.
	}
}

type item struct {
	id   ulid.ULID
	job  Job
	sink *Sink
}

// Queue is the bounded submission queue shared between caller goroutines and
// the broker's I/O goroutine. Submit is the only caller-facing entry point;
// Drain is called exclusively from the I/O goroutine.
type Queue struct {
	onOpened func() bool // reports whether the operational channel is currently usable

	mu      sync.Mutex
	pending []item
	cap     int
	room    chan struct{}

	sinksInFlight func(delta int) // optional metrics hook
}

// New returns a Queue bounded to size pending items. isOpen reports whether
// the operational channel can currently be used; it is consulted by Drain
// to decide whether to run or requeue a job (the "retry-if-closed" wrapper).
func New(size int, isOpen func() bool) *Queue {
	if size <= 0 {
		size = 1024
	}
	q := &Queue{
		onOpened: isOpen,
		cap:      size,
		room:     make(chan struct{}, size),
	}
	for i := 0; i < size; i++ {
		q.room <- struct{}{}
	}
	return q
}

// OnSinkCount registers a callback invoked with +1/-1 as sinks open/close,
// feeding the reply_sinks_in_flight gauge.
func (q *Queue) OnSinkCount(fn func(delta int)) {
	q.sinksInFlight = fn
}

// Submit enqueues a job and returns a Sink the caller can Wait on. It blocks,
// honoring ctx, when the queue is at capacity (§9 "submission-queue
// saturation").
func (q *Queue) Submit(ctx context.Context, job Job) (*Sink, ulid.ULID, error) {
	select {
	case <-q.room:
	case <-ctx.Done():
		return nil, ulid.ULID{}, ctx.Err()
	}

	id, err := ulid.New()
	if err != nil {
		q.room <- struct{}{}
		return nil, ulid.ULID{}, errors.Wrap(err, "generate correlation id")
	}
	sink := newSink()
	q.mu.Lock()
	q.pending = append(q.pending, item{id: id, job: job, sink: sink})
	q.mu.Unlock()
	if q.sinksInFlight != nil {
		q.sinksInFlight(1)
	}
	return sink, id, nil
}

// Drain runs every pending job against ch in submission order. Jobs that
// report ran=false (operational channel was closed) are requeued unchanged
// for the next Drain call. Jobs that return a synchronous error have that
// error propagated to their sink (the "propagate-error" wrapper); the sink
// is considered closed either way once the job has run.
func (q *Queue) Drain(ch *driver.Channel) {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	var requeue []item
	for _, it := range batch {
		if q.onOpened != nil && !q.onOpened() {
			requeue = append(requeue, it)
			continue
		}
		ran, value, err := q.runSafely(it.job, ch)
		if !ran {
			requeue = append(requeue, it)
			continue
		}
		it.sink.deliver(value, err)
		if q.sinksInFlight != nil {
			q.sinksInFlight(-1)
		}
		q.room <- struct{}{}
	}
	if len(requeue) > 0 {
		q.mu.Lock()
		q.pending = append(requeue, q.pending...)
		q.mu.Unlock()
	}
}

// runSafely turns an internal programming error (panic) raised while running
// a job into a captured, stack-traced error delivered through the normal
// propagate-error path instead of crashing the I/O goroutine.
func (q *Queue) runSafely(job Job, ch *driver.Channel) (ran bool, value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			ran = true
			value = nil
			err = errors.Errorf("job panicked: %v", r)
		}
	}()
	return job(ch)
}

// Len reports the number of jobs currently waiting to run or be requeued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
