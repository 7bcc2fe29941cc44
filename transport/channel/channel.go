// Package channel provides an in-memory transport for process groups whose ranks
// all live in one OS process (tests, single-node runs, goroutine-per-rank tools).
//
// Each mailbox is an unbounded FIFO queue. Publish never blocks: messages sent to a
// mailbox before its owner subscribes (or even registers) are queued and delivered
// once the subscription opens. A mailbox has at most one subscriber.
package channel

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/distmap/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Transport implements transport.Transport using Go channels
type Transport struct {
	status     int32
	mailboxes  sync.Map // map[string]*mailbox
	bufferSize uint
	logger     *slog.Logger

	// Metrics
	publishedCounter metric.Int64Counter
	queuedGauge      metric.Int64UpDownCounter
}

// mailbox is an unbounded queue with at most one reader
type mailbox struct {
	name       string
	mu         sync.Mutex
	queue      []transport.Message
	notify     chan struct{} // capacity 1, signalled on enqueue
	registered bool
	closed     bool
	sub        *subscription
}

func newMailbox(name string) *mailbox {
	return &mailbox{name: name, notify: make(chan struct{}, 1)}
}

// enqueue appends msg; returns false if the mailbox is closed
func (m *mailbox) enqueue(msg transport.Message) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// drain takes all queued messages
func (m *mailbox) drain() ([]transport.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue
	m.queue = nil
	return q, m.closed
}

func (m *mailbox) depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// subscription implements transport.Subscription
type subscription struct {
	id       string
	ch       chan transport.Message
	mb       *mailbox
	closed   int32
	closedCh chan struct{}
	done     chan struct{}
}

func (s *subscription) ID() string {
	return s.id
}

func (s *subscription) Messages() <-chan transport.Message {
	return s.ch
}

func (s *subscription) Close(ctx context.Context) error {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		close(s.closedCh)
		<-s.done
		s.mb.mu.Lock()
		if s.mb.sub == s {
			s.mb.sub = nil
		}
		s.mb.mu.Unlock()
	}
	return nil
}

// pump moves queued messages into the subscription channel in FIFO order
func (s *subscription) pump(t *Transport) {
	defer close(s.done)
	defer close(s.ch)

	var pending []transport.Message
	for {
		if len(pending) == 0 {
			q, closed := s.mb.drain()
			if len(q) == 0 {
				if closed {
					return
				}
				select {
				case <-s.mb.notify:
					continue
				case <-s.closedCh:
					return
				}
			}
			pending = q
		}

		select {
		case s.ch <- pending[0]:
			pending[0] = nil
			pending = pending[1:]
			t.queuedGauge.Add(context.Background(), -1,
				metric.WithAttributes(attribute.String("mailbox", s.mb.name)))
		case <-s.closedCh:
			// undelivered messages go back to the head of the queue
			s.mb.mu.Lock()
			s.mb.queue = append(pending, s.mb.queue...)
			s.mb.mu.Unlock()
			return
		}
	}
}

// New creates a new channel-based transport.
func New(opts ...Option) *Transport {
	o := newOptions(opts...)

	meter := otel.Meter("distmap.transport.channel")
	publishedCounter, _ := meter.Int64Counter("distmap.transport.channel.published",
		metric.WithDescription("Number of messages published to channel mailboxes"),
		metric.WithUnit("{message}"),
	)
	queuedGauge, _ := meter.Int64UpDownCounter("distmap.transport.channel.queued",
		metric.WithDescription("Number of messages waiting in channel mailboxes"),
		metric.WithUnit("{message}"),
	)

	return &Transport{
		status:           1,
		bufferSize:       o.bufferSize,
		logger:           o.logger,
		publishedCounter: publishedCounter,
		queuedGauge:      queuedGauge,
	}
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

func (t *Transport) load(name string) *mailbox {
	val, _ := t.mailboxes.LoadOrStore(name, newMailbox(name))
	return val.(*mailbox)
}

// Register claims a mailbox. Messages published before registration are kept.
func (t *Transport) Register(ctx context.Context, name string) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}

	mb := t.load(name)
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.registered {
		return transport.ErrMailboxAlreadyExists
	}
	mb.registered = true

	t.logger.Debug("registered mailbox", "mailbox", name, "queued", len(mb.queue))
	return nil
}

// Unregister drops a mailbox, its queue and its subscription
func (t *Transport) Unregister(ctx context.Context, name string) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}

	val, ok := t.mailboxes.Load(name)
	if !ok {
		return transport.ErrMailboxNotRegistered
	}
	mb := val.(*mailbox)

	mb.mu.Lock()
	if !mb.registered {
		mb.mu.Unlock()
		return transport.ErrMailboxNotRegistered
	}
	t.mailboxes.Delete(name)
	t.closeMailbox(ctx, mb)

	t.logger.Debug("unregistered mailbox", "mailbox", name)
	return nil
}

// closeMailbox must be called with mb.mu held; it releases the lock
func (t *Transport) closeMailbox(ctx context.Context, mb *mailbox) {
	mb.closed = true
	dropped := len(mb.queue)
	mb.queue = nil
	sub := mb.sub
	mb.mu.Unlock()

	select {
	case mb.notify <- struct{}{}:
	default:
	}
	if dropped > 0 {
		t.queuedGauge.Add(ctx, -int64(dropped), metric.WithAttributes(attribute.String("mailbox", mb.name)))
	}
	if sub != nil {
		sub.Close(ctx)
	}
}

// Publish appends a message to a mailbox queue. It never blocks.
func (t *Transport) Publish(ctx context.Context, name string, msg transport.Message) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}

	if !t.load(name).enqueue(msg) {
		return transport.ErrMailboxNotRegistered
	}

	attrs := metric.WithAttributes(attribute.String("mailbox", name))
	t.publishedCounter.Add(ctx, 1, attrs)
	t.queuedGauge.Add(ctx, 1, attrs)
	return nil
}

// Subscribe opens the single reader of a registered mailbox
func (t *Transport) Subscribe(ctx context.Context, name string, opts ...transport.SubscribeOption) (transport.Subscription, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}

	subOpts := transport.ApplySubscribeOptions(opts...)

	val, ok := t.mailboxes.Load(name)
	if !ok {
		return nil, transport.ErrMailboxNotRegistered
	}
	mb := val.(*mailbox)

	bufSize := t.bufferSize
	if subOpts.BufferSize > 0 {
		bufSize = uint(subOpts.BufferSize)
	}

	mb.mu.Lock()
	if !mb.registered || mb.closed {
		mb.mu.Unlock()
		return nil, transport.ErrMailboxNotRegistered
	}
	if mb.sub != nil {
		mb.mu.Unlock()
		return nil, transport.ErrAlreadySubscribed
	}
	sub := &subscription{
		id:       transport.NewID(),
		ch:       make(chan transport.Message, bufSize),
		mb:       mb,
		closedCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
	mb.sub = sub
	mb.mu.Unlock()

	go sub.pump(t)

	t.logger.Debug("added subscriber", "mailbox", name, "subscriber", sub.id)
	return sub, nil
}

// Close shuts down the transport and all mailboxes
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil // Already closed
	}

	t.mailboxes.Range(func(key, value any) bool {
		mb := value.(*mailbox)
		mb.mu.Lock()
		t.closeMailbox(ctx, mb)
		return true
	})

	t.logger.Debug("transport closed")
	return nil
}

// Health performs a health check on the channel transport
func (t *Transport) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()

	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details:   make(map[string]any),
	}

	if !t.isOpen() {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "transport is closed"
		result.Latency = time.Since(start)
		return result
	}

	var mailboxCount, queued, subscribers int
	t.mailboxes.Range(func(key, value any) bool {
		mb := value.(*mailbox)
		mailboxCount++
		queued += mb.depth()
		mb.mu.Lock()
		if mb.sub != nil {
			subscribers++
		}
		mb.mu.Unlock()
		return true
	})

	result.Status = transport.HealthStatusHealthy
	result.Message = "channel transport is healthy"
	result.Latency = time.Since(start)
	result.Details["type"] = "channel"
	result.Details["mailboxes"] = mailboxCount
	result.Details["subscribers"] = subscribers
	result.Details["queued"] = queued
	result.Details["buffer_size"] = t.bufferSize

	return result
}

// Compile-time interface checks
var _ transport.Transport = (*Transport)(nil)
var _ transport.HealthChecker = (*Transport)(nil)
var _ transport.Subscription = (*subscription)(nil)
