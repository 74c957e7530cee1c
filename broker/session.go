// Package broker owns the long-lived connection to an AMQP broker, the
// single operational channel used for every declaration/publish/consume the
// rest of this module issues, and the dedicated I/O goroutine that drives
// both. It reopens the operational channel automatically on close and
// re-declares its topology (including the dead-letter exchange and queue)
// on every reopen.
package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	driver "github.com/rabbitmq/amqp091-go"

	"github.com/channel-layer/core/dispatch"
	"github.com/channel-layer/core/errors"
	xlog "github.com/channel-layer/core/log"
	"github.com/channel-layer/core/ulid"
)

// Return captures the fields reported by the server when a publish cannot
// be routed (mandatory flag, no matching queue) or delivered (immediate
// flag, no free consumer).
type Return = driver.Return

const (
	reconnectDelay = 3 * time.Second
	drainInterval  = 20 * time.Millisecond
)

var (
	errAlreadyClosed = "session is already closed"
)

// Session owns one connection and its operational channel, draining a
// dispatch.Queue from a dedicated I/O goroutine. Caller goroutines queue work
// with Submit (or Do, which submits and waits); Channel opens a separate
// channel for operations that must not run on the operational one; Close
// shuts the session down.
type Session struct {
	topology      Topology
	name          string
	addr          string
	log           xlog.Logger
	conn          *driver.Connection
	channel       *driver.Channel
	tlsConf       *tls.Config
	prefetchCount int
	prefetchSize  int

	work *dispatch.Queue

	onReady func(ch *driver.Channel) error

	reconnect       chan bool
	notifyConnClose chan *driver.Error
	notifyChanClose chan *driver.Error

	mu   sync.RWMutex
	rr   bool
	wg   sync.WaitGroup
	ctx  context.Context
	halt context.CancelFunc
}

// Open dials addr (a standard amqp[s] URL) and starts the session's I/O
// loop in the background. queueSize bounds the submission queue (§9
// "submission-queue saturation").
func Open(addr string, queueSize int, options ...Option) (*Session, error) {
	ctx, halt := context.WithCancel(context.Background())
	s := &Session{
		addr:          addr,
		reconnect:     make(chan bool, 5),
		prefetchCount: 1,
		halt:          halt,
		ctx:           ctx,
		log:           xlog.Discard(),
	}
	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.name == "" {
		s.name = randomName("session")
	}
	s.work = dispatch.New(queueSize, s.isReady)

	go s.eventLoop()
	s.reconnect <- true
	return s, nil
}

// OnReady registers a callback invoked every time the operational channel
// becomes usable (on first connect and on every reconnect). Used by the
// channel-layer facade to (re)declare its own topology and restart its
// dead-letter consumer.
func (s *Session) OnReady(fn func(ch *driver.Channel) error) {
	s.mu.Lock()
	s.onReady = fn
	s.mu.Unlock()
}

// OnSinkCount registers a callback fed with +1/-1 as reply sinks open and
// close, driving the reply_sinks_in_flight gauge.
func (s *Session) OnSinkCount(fn func(delta int)) {
	s.work.OnSinkCount(fn)
}

// Submit enqueues a job to run against the operational channel and returns
// a sink the caller can Wait on for its result, along with the correlation
// ID assigned to it (useful for log correlation across the async
// submit/dispatch/reply-sink handoff).
func (s *Session) Submit(ctx context.Context, job dispatch.Job) (*dispatch.Sink, ulid.ULID, error) {
	return s.work.Submit(ctx, job)
}

// Do submits job and blocks until its sink yields a result or ctx ends. Most
// facade operations are a single synchronous step against the operational
// channel, so this is their common entry point.
func (s *Session) Do(ctx context.Context, job dispatch.Job) (any, error) {
	sink, _, err := s.work.Submit(ctx, job)
	if err != nil {
		return nil, err
	}
	return sink.Wait(ctx)
}

// Channel opens a new channel on the live connection, independent of the
// shared operational channel the dispatch queue drains. It waits (honoring
// ctx) until the connection is up. Callers whose operation is expected to
// close its channel as a side effect of a normal protocol response — a
// passive declare against a missing queue, for instance — use this instead
// of Submit/Do so that closure never corrupts a batch of unrelated jobs
// sharing the operational channel.
func (s *Session) Channel(ctx context.Context) (*driver.Channel, error) {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()
	for {
		s.mu.RLock()
		conn, ready := s.conn, s.rr
		s.mu.RUnlock()
		if ready && conn != nil && !conn.IsClosed() {
			return conn.Channel()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close shuts the session down, closing the operational channel and the
// underlying connection.
func (s *Session) Close() error {
	if !s.isReady() {
		return errors.New(errAlreadyClosed)
	}
	s.log.Debug("closing session")
	s.halt()
	<-s.ctx.Done()

	if s.channel != nil {
		if err := s.channel.Close(); err != nil {
			return err
		}
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			return err
		}
	}
	s.updateStatus(false)
	s.wg.Wait()
	return nil
}

func (s *Session) isReady() bool {
	s.mu.RLock()
	v := s.rr
	s.mu.RUnlock()
	return v
}

func (s *Session) updateStatus(value bool) {
	s.mu.Lock()
	s.rr = value
	s.mu.Unlock()
}

// init (re)establishes the connection, opens a fresh operational channel,
// applies Qos, re-declares the preloaded topology and invokes the
// registered OnReady hook.
func (s *Session) init() error {
	if s.conn == nil || s.conn.IsClosed() {
		conn, err := driver.DialTLS(s.addr, s.tlsConf)
		if err != nil {
			return err
		}
		s.setConnection(conn)
		s.log.Info("connected")
	}

	ch, err := s.conn.Channel()
	if err != nil {
		return err
	}
	if err = ch.Qos(s.prefetchCount, s.prefetchSize, false); err != nil {
		return err
	}
	if err = s.loadTopology(ch); err != nil {
		return err
	}

	s.setChannel(ch)
	s.mu.RLock()
	hook := s.onReady
	s.mu.RUnlock()
	if hook != nil {
		if err := hook(ch); err != nil {
			return errors.Wrap(err, "restore session topology")
		}
	}

	s.updateStatus(true)
	s.log.Info("ready")
	return nil
}

func (s *Session) setConnection(conn *driver.Connection) {
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn = conn
	s.notifyConnClose = make(chan *driver.Error)
	s.conn.NotifyClose(s.notifyConnClose)
	s.mu.Unlock()
}

func (s *Session) setChannel(channel *driver.Channel) {
	s.mu.Lock()
	s.channel = channel
	s.notifyChanClose = make(chan *driver.Error)
	s.channel.NotifyClose(s.notifyChanClose)
	s.mu.Unlock()
}

func (s *Session) loadTopology(ch *driver.Channel) error {
	for _, ex := range s.topology.Exchanges {
		if err := addExchange(ex, ch); err != nil {
			return err
		}
	}
	for _, q := range s.topology.Queues {
		if _, err := addQueue(s.name, q, ch); err != nil {
			return err
		}
	}
	for _, b := range s.topology.Bindings {
		if err := addBinding(b, ch); err != nil {
			return err
		}
	}
	return nil
}

func addExchange(ex Exchange, ch *driver.Channel) error {
	return ch.ExchangeDeclare(ex.Name, ex.Kind, ex.Durable, ex.AutoDelete, ex.Internal, false, ex.Arguments)
}

func addQueue(sessionName string, q Queue, ch *driver.Channel) (string, error) {
	if q.Name == "" {
		q.Name = randomName(fmt.Sprintf("%s-gen", sessionName))
	}
	_, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, q.Arguments)
	return q.Name, err
}

func addBinding(b Binding, ch *driver.Channel) error {
	if len(b.RoutingKey) > 0 {
		for _, rk := range b.RoutingKey {
			if err := ch.QueueBind(b.Queue, rk, b.Exchange, false, b.Arguments); err != nil {
				return err
			}
		}
		return nil
	}
	return ch.QueueBind(b.Queue, "", b.Exchange, false, b.Arguments)
}

// eventLoop drives the connection/channel lifecycle and periodically drains
// the submission queue against the current operational channel.
func (s *Session) eventLoop() {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.log.Debug("stop listening for session events")
			return

		case _, ok := <-s.notifyConnClose:
			if !ok {
				continue
			}
			if s.isReady() {
				s.log.Warning("connection closed")
				s.reconnect <- true
			}

		case _, ok := <-s.notifyChanClose:
			if !ok {
				continue
			}
			if s.isReady() {
				s.log.Warning("channel closed")
				s.reconnect <- true
			}

		case <-s.reconnect:
			s.updateStatus(false)
			s.log.Debug("attempting to connect")
			if err := s.init(); err != nil {
				s.log.Warning("failed to connect")
				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					select {
					case <-time.After(reconnectDelay):
						s.reconnect <- true
					case <-s.ctx.Done():
					}
				}()
			}

		case <-ticker.C:
			if s.isReady() {
				s.mu.RLock()
				ch := s.channel
				s.mu.RUnlock()
				s.work.Drain(ch)
			}
		}
	}
}
