// Package channels implements the caller-facing channel-layer facade: point-
// to-point channels, short-lived reply channels, and fan-out groups with
// time-bounded membership, on top of a broker.Session. Every operation except
// SendGroup and NewChannel submits a job to the session's dispatcher and
// blocks on that job's reply sink until a result arrives or the caller's
// context ends; SendGroup returns once its job is enqueued, and NewChannel
// checks existence on a dedicated channel outside the dispatcher.
package channels

import (
	"context"
	"sync"

	driver "github.com/rabbitmq/amqp091-go"

	"github.com/channel-layer/core/broker"
	"github.com/channel-layer/core/config"
	xlog "github.com/channel-layer/core/log"
	"github.com/channel-layer/core/metrics"
)

// Layer is the channel-layer facade. Create one with New and share it across
// every goroutine that sends, receives, or manages group membership.
type Layer struct {
	session *broker.Session
	cfg     config.Settings
	log     xlog.Logger
	metrics metrics.Operator

	mu          sync.Mutex
	pending     map[string]map[string]struct{} // worker id -> channels not yet declared
	workerReady chan string

	dlMu     sync.Mutex
	dlCancel context.CancelFunc
}

// New opens a session against addr and wires the dead-letter topology
// (exchange + queue, both named cfg.DeadLetters) required by group-member
// expiry. metricsOp may be nil, in which case metrics are simply not
// recorded.
func New(addr string, cfg config.Settings, log xlog.Logger, metricsOp metrics.Operator) (*Layer, error) {
	if log == nil {
		log = xlog.Discard()
	}
	topology := broker.Topology{
		Exchanges: []broker.Exchange{{Name: cfg.DeadLetters, Kind: "fanout", Durable: true}},
		Queues:    []broker.Queue{{Name: cfg.DeadLetters, Durable: true}},
		Bindings:  []broker.Binding{{Exchange: cfg.DeadLetters, Queue: cfg.DeadLetters}},
	}
	session, err := broker.Open(addr, cfg.SubmissionQueueSize,
		broker.WithName("channel-layer"),
		broker.WithTopology(topology),
		broker.WithLogger(log),
		broker.WithPrefetch(cfg.PrefetchCount, cfg.PrefetchSize),
	)
	if err != nil {
		return nil, err
	}

	l := &Layer{
		session:     session,
		cfg:         cfg,
		log:         log,
		metrics:     metricsOp,
		pending:     make(map[string]map[string]struct{}),
		workerReady: make(chan string, 16),
	}
	if metricsOp != nil {
		session.OnSinkCount(func(delta int) {
			for i := 0; i < delta; i++ {
				metricsOp.ReplySinkOpened()
			}
			for i := 0; i > delta; i-- {
				metricsOp.ReplySinkClosed()
			}
		})
	}
	session.OnReady(l.startDeadLetterConsumer)
	return l, nil
}

// Close shuts the underlying session down.
func (l *Layer) Close() error {
	return l.session.Close()
}

// WorkerReady delivers a worker's id once every channel it registered via
// RegisterWorker has been declared (§6 "observable side channel").
func (l *Layer) WorkerReady() <-chan string {
	return l.workerReady
}

// RegisterWorker records the set of channels a worker intends to consume.
// WorkerReady fires once every one of them has been passed to
// DeclareChannel.
func (l *Layer) RegisterWorker(id string, channels []string) {
	set := make(map[string]struct{}, len(channels))
	for _, c := range channels {
		set[c] = struct{}{}
	}
	l.mu.Lock()
	l.pending[id] = set
	l.mu.Unlock()
}

func (l *Layer) markDeclared(channel string) {
	l.mu.Lock()
	var ready []string
	for id, set := range l.pending {
		if _, tracked := set[channel]; !tracked {
			continue
		}
		delete(set, channel)
		if len(set) == 0 {
			ready = append(ready, id)
			delete(l.pending, id)
		}
	}
	l.mu.Unlock()
	for _, id := range ready {
		select {
		case l.workerReady <- id:
		default:
			l.log.WithField("worker", id).Warning("worker-ready notification dropped, channel full")
		}
	}
}

// deadLetterArguments is attached to every per-channel queue so expired or
// length-dropped messages land on the dead-letter queue.
func (l *Layer) deadLetterArguments() driver.Table {
	return driver.Table{"x-dead-letter-exchange": l.cfg.DeadLetters}
}
