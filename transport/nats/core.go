// NATS Core transport implementation.
//
// Each mailbox is a plain subject. Delivery is at-most-once: the server drops
// messages published while the owner has no subscription. Within a live
// subscription the handler blocks instead of dropping, and pending limits are
// lifted so a slow rank is never flagged as a slow consumer.

package nats

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rbaliyan/distmap/transport"
	"github.com/rbaliyan/distmap/transport/codec"
	"go.opentelemetry.io/otel/trace"
)

// CoreTransport implements transport.Transport using NATS Core pub/sub.
type CoreTransport struct {
	status  int32
	conn    *nats.Conn
	codec   codec.Codec
	logger  *slog.Logger
	onError func(error)

	mailboxes sync.Map // map[string]struct{}
}

// coreSubscription implements transport.Subscription for NATS Core
type coreSubscription struct {
	id       string
	ch       chan transport.Message
	closedCh chan struct{}
	closed   int32
	sub      *nats.Subscription
	codec    codec.Codec
	onError  func(error)
	mu       sync.RWMutex // guards ch against close while a handler sends
}

// CoreOption configures the NATS Core transport
type CoreOption func(*CoreTransport)

// New creates a new NATS Core transport.
//
//	tr, err := nats.New(conn, nats.WithCoreCodec(codec.MsgPack{}))
func New(conn *nats.Conn, opts ...CoreOption) (*CoreTransport, error) {
	if conn == nil {
		return nil, ErrConnRequired
	}

	t := &CoreTransport{
		status:  1,
		conn:    conn,
		codec:   codec.Default(),
		logger:  transport.Logger("transport>nats"),
		onError: func(error) {},
	}

	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

// WithCoreCodec sets the codec for message serialization
func WithCoreCodec(c codec.Codec) CoreOption {
	return func(t *CoreTransport) {
		if c != nil {
			t.codec = c
		}
	}
}

// WithCoreLogger sets the logger
func WithCoreLogger(l *slog.Logger) CoreOption {
	return func(t *CoreTransport) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithCoreErrorHandler sets the error handler callback
func WithCoreErrorHandler(fn func(error)) CoreOption {
	return func(t *CoreTransport) {
		if fn != nil {
			t.onError = fn
		}
	}
}

func (t *CoreTransport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

// Register records a mailbox owned by this process
func (t *CoreTransport) Register(ctx context.Context, mailbox string) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}

	if _, loaded := t.mailboxes.LoadOrStore(mailbox, struct{}{}); loaded {
		return transport.ErrMailboxAlreadyExists
	}

	t.logger.Debug("registered mailbox", "mailbox", mailbox)
	return nil
}

// Unregister forgets a mailbox
func (t *CoreTransport) Unregister(ctx context.Context, mailbox string) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}

	if _, ok := t.mailboxes.LoadAndDelete(mailbox); !ok {
		return transport.ErrMailboxNotRegistered
	}

	t.logger.Debug("unregistered mailbox", "mailbox", mailbox)
	return nil
}

// Publish sends a message to a mailbox subject. Mailboxes of other processes need
// no local registration.
func (t *CoreTransport) Publish(ctx context.Context, mailbox string, msg transport.Message) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}

	data, err := t.codec.Encode(msg)
	if err != nil {
		return err
	}

	if err := t.conn.Publish(mailbox, data); err != nil {
		t.onError(err)
		return err
	}

	return nil
}

// Subscribe opens the mailbox subject and flushes so the server has registered
// the interest before Subscribe returns.
func (t *CoreTransport) Subscribe(ctx context.Context, mailbox string, opts ...transport.SubscribeOption) (transport.Subscription, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}

	if _, ok := t.mailboxes.Load(mailbox); !ok {
		return nil, transport.ErrMailboxNotRegistered
	}

	subOpts := transport.ApplySubscribeOptions(opts...)
	bufSize := DefaultBufferSize
	if subOpts.BufferSize > 0 {
		bufSize = subOpts.BufferSize
	}

	sub := &coreSubscription{
		id:       transport.NewID(),
		ch:       make(chan transport.Message, bufSize),
		closedCh: make(chan struct{}),
		codec:    t.codec,
		onError:  t.onError,
	}

	natsSub, err := t.conn.Subscribe(mailbox, sub.handleMessage)
	if err != nil {
		return nil, err
	}
	if err := natsSub.SetPendingLimits(-1, -1); err != nil {
		natsSub.Unsubscribe()
		return nil, err
	}
	if err := t.conn.Flush(); err != nil {
		natsSub.Unsubscribe()
		return nil, err
	}

	sub.sub = natsSub
	t.logger.Debug("subscribed", "mailbox", mailbox, "subscriber", sub.id)

	return sub, nil
}

// Close shuts down the transport
func (t *CoreTransport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}

	t.logger.Debug("transport closed")
	return nil
}

// Health performs a health check on the NATS Core transport
func (t *CoreTransport) Health(ctx context.Context) *transport.HealthCheckResult {
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

	status := t.conn.Status()
	if status != nats.CONNECTED {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "nats connection not healthy"
		result.Details["connection_status"] = status.String()
		result.Latency = time.Since(start)
		return result
	}

	result.Status = transport.HealthStatusHealthy
	result.Message = "nats core transport is healthy"
	result.Latency = time.Since(start)
	result.Details["type"] = "nats-core"
	result.Details["connection_status"] = status.String()
	result.Details["server_url"] = t.conn.ConnectedUrl()

	return result
}

func (s *coreSubscription) ID() string {
	return s.id
}

func (s *coreSubscription) Messages() <-chan transport.Message {
	return s.ch
}

func (s *coreSubscription) Close(ctx context.Context) error {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		close(s.closedCh)
		if s.sub != nil {
			s.sub.Unsubscribe()
		}
		s.mu.Lock()
		close(s.ch)
		s.mu.Unlock()
	}
	return nil
}

func (s *coreSubscription) handleMessage(msg *nats.Msg) {
	decoded, err := s.codec.Decode(msg.Data)
	if err != nil {
		s.onError(&transport.DecodeError{RawData: msg.Data, Err: err})
		return
	}

	out := transport.NewMessage(decoded.ID(), decoded.Source(), decoded.ContextID(),
		decoded.Tag(), decoded.Payload(), trace.SpanContext{})

	s.mu.RLock()
	defer s.mu.RUnlock()
	if atomic.LoadInt32(&s.closed) == 1 {
		return
	}
	select {
	case <-s.closedCh:
	case s.ch <- out:
	}
}

// Compile-time checks
var (
	_ transport.Transport     = (*CoreTransport)(nil)
	_ transport.HealthChecker = (*CoreTransport)(nil)
	_ transport.Subscription  = (*coreSubscription)(nil)
)
