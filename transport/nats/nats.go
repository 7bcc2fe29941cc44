// Package nats provides NATS transport implementations.
//
// This package provides two transport implementations:
//
// # NATS Core (New)
//
// Plain subjects, one per mailbox. Messages published to a mailbox that has no
// live subscription are lost, so peers must not send before the owner
// subscribes. The comm package guarantees this with its join handshake.
//
//	tr, err := nats.New(conn)
//
// # NATS JetStream (NewJetStream)
//
// One stream per mailbox. Messages are persisted until consumed, so peers may
// publish as soon as the stream exists. Publish retries while the destination
// stream has not been created yet.
//
//	tr, err := nats.NewJetStream(conn,
//	    nats.WithDeduplication(2 * time.Minute),
//	)
//
// Choose NATS Core for latency. Choose JetStream when ranks start at
// unpredictable times.
package nats

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rbaliyan/distmap/transport"
	"github.com/rbaliyan/distmap/transport/codec"
	"go.opentelemetry.io/otel/trace"
)

// Errors
var (
	ErrConnRequired    = errors.New("nats connection is required")
	ErrJetStreamFailed = errors.New("failed to create jetstream context")
)

// JetStreamTransport implements transport.Transport using NATS JetStream.
//
// Every mailbox is backed by its own stream with a single durable consumer.
// Delivery is at-least-once and in publish order per publisher.
type JetStreamTransport struct {
	status    int32
	conn      *nats.Conn
	js        jetstream.JetStream
	codec     codec.Codec
	mailboxes sync.Map // map[string]jetstream.Stream
	logger    *slog.Logger
	onError   func(error)

	// Stream configuration
	streamPrefix string
	replicas     int
	maxAge       time.Duration
	publishRetry time.Duration

	dedupEnabled bool
	dedupWindow  time.Duration
	ackWait      time.Duration
}

// jsSubscription implements transport.Subscription for JetStream
type jsSubscription struct {
	id       string
	ch       chan transport.Message
	closedCh chan struct{}
	closed   int32
	consumer jetstream.Consumer
	codec    codec.Codec
	cancel   context.CancelFunc
	wg       sync.WaitGroup // Track consumer goroutine for clean shutdown
}

// Default configuration
var (
	DefaultReplicas   = 1
	DefaultMaxAge     = time.Hour
	DefaultBufferSize = 100
)

// streamPrefix is the fixed prefix for NATS streams to avoid clashing with user data
const streamPrefix = "distmap"

// JSOption configures the JetStream transport
type JSOption func(*JetStreamTransport)

// NewJetStream creates a new NATS JetStream transport.
//
// Example:
//
//	tr, err := nats.NewJetStream(conn,
//	    nats.WithDeduplication(2 * time.Minute),
//	    nats.WithAckWait(30 * time.Second),
//	)
func NewJetStream(conn *nats.Conn, opts ...JSOption) (*JetStreamTransport, error) {
	if conn == nil {
		return nil, ErrConnRequired
	}

	t := &JetStreamTransport{
		status:       1,
		conn:         conn,
		codec:        codec.Default(),
		streamPrefix: streamPrefix,
		replicas:     DefaultReplicas,
		maxAge:       DefaultMaxAge,
		logger:       transport.Logger("transport>nats-jetstream"),
		onError:      func(error) {},
		dedupWindow:  2 * time.Minute, // JetStream default
		ackWait:      30 * time.Second,
	}

	for _, opt := range opts {
		opt(t)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, errors.Join(ErrJetStreamFailed, err)
	}
	t.js = js

	return t, nil
}

func (t *JetStreamTransport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

// streamName maps a mailbox to a valid stream name (no dots, no wildcards)
func streamName(prefix, mailbox string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return prefix + "_" + r.Replace(mailbox)
}

// consumerName is the durable consumer of a mailbox stream
func consumerName(mailbox string) string {
	return "owner-" + strings.NewReplacer(".", "-", "*", "-", ">", "-", " ", "-").Replace(mailbox)
}

// Register creates the mailbox stream
func (t *JetStreamTransport) Register(ctx context.Context, mailbox string) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	if _, ok := t.mailboxes.Load(mailbox); ok {
		return transport.ErrMailboxAlreadyExists
	}

	name := streamName(t.streamPrefix, mailbox)
	streamConfig := jetstream.StreamConfig{
		Name:     name,
		Subjects: []string{mailbox},
		Replicas: t.replicas,
		MaxAge:   t.maxAge,
	}
	if t.dedupEnabled && t.dedupWindow > 0 {
		streamConfig.Duplicates = t.dedupWindow
	}

	stream, err := t.js.CreateOrUpdateStream(ctx, streamConfig)
	if err != nil {
		return err
	}

	if _, loaded := t.mailboxes.LoadOrStore(mailbox, stream); loaded {
		return transport.ErrMailboxAlreadyExists
	}

	t.logger.Debug("registered mailbox", "mailbox", mailbox, "stream", name)
	return nil
}

// Unregister deletes the mailbox stream
func (t *JetStreamTransport) Unregister(ctx context.Context, mailbox string) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}

	if _, ok := t.mailboxes.LoadAndDelete(mailbox); !ok {
		return transport.ErrMailboxNotRegistered
	}

	if err := t.js.DeleteStream(ctx, streamName(t.streamPrefix, mailbox)); err != nil &&
		!errors.Is(err, jetstream.ErrStreamNotFound) {
		return err
	}

	t.logger.Debug("unregistered mailbox", "mailbox", mailbox)
	return nil
}

// Publish stores a message in the destination mailbox stream. While the stream does
// not exist yet, Publish retries with backoff.
func (t *JetStreamTransport) Publish(ctx context.Context, mailbox string, msg transport.Message) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}

	data, err := t.codec.Encode(msg)
	if err != nil {
		return err
	}

	var pubOpts []jetstream.PublishOpt
	if t.dedupEnabled {
		pubOpts = append(pubOpts, jetstream.WithMsgID(msg.ID()))
	}

	if t.publishRetry > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.publishRetry)
		defer cancel()
	}

	backoff := 10 * time.Millisecond
	maxBackoff := time.Second
	for {
		_, err = t.js.Publish(ctx, mailbox, data, pubOpts...)
		if err == nil {
			return nil
		}
		if !errors.Is(err, jetstream.ErrNoStreamResponse) && !errors.Is(err, nats.ErrNoResponders) {
			t.onError(err)
			return err
		}

		wait := transport.Jitter(backoff, 0.3)
		t.logger.Debug("mailbox stream not ready, retrying", "mailbox", mailbox, "backoff", wait)
		select {
		case <-ctx.Done():
			t.onError(err)
			return errors.Join(ctx.Err(), err)
		case <-time.After(wait):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Subscribe attaches the durable owner consumer of a registered mailbox
func (t *JetStreamTransport) Subscribe(ctx context.Context, mailbox string, opts ...transport.SubscribeOption) (transport.Subscription, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}

	subOpts := transport.ApplySubscribeOptions(opts...)

	val, ok := t.mailboxes.Load(mailbox)
	if !ok {
		return nil, transport.ErrMailboxNotRegistered
	}
	stream := val.(jetstream.Stream)

	// a single in-flight message keeps delivery in stream order
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       consumerName(mailbox),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       t.ackWait,
		MaxAckPending: 1,
	})
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())

	bufSize := DefaultBufferSize
	if subOpts.BufferSize > 0 {
		bufSize = subOpts.BufferSize
	}

	sub := &jsSubscription{
		id:       transport.NewID(),
		ch:       make(chan transport.Message, bufSize),
		closedCh: make(chan struct{}),
		consumer: consumer,
		codec:    t.codec,
		cancel:   cancel,
	}

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		sub.consumeLoop(subCtx, t.logger, t.onError)
	}()

	t.logger.Debug("added subscriber", "mailbox", mailbox, "subscriber", sub.id)
	return sub, nil
}

// Close shuts down the transport
func (t *JetStreamTransport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}

	// The connection was passed in pre-initialized; the caller closes it.
	t.logger.Debug("transport closed")
	return nil
}

// Health performs a health check on the NATS transport
func (t *JetStreamTransport) Health(ctx context.Context) *transport.HealthCheckResult {
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

	connStatus := t.conn.Status()
	if connStatus != nats.CONNECTED {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "nats connection not healthy"
		result.Latency = time.Since(start)
		result.Details["type"] = "nats-jetstream"
		result.Details["connection_status"] = connStatus.String()
		return result
	}

	rtt, err := t.conn.RTT()
	if err != nil {
		result.Status = transport.HealthStatusDegraded
		result.Message = "nats RTT check failed"
		result.Latency = time.Since(start)
		result.Details["type"] = "nats-jetstream"
		result.Details["connection_status"] = connStatus.String()
		result.Details["rtt_error"] = err.Error()
		return result
	}

	var mailboxCount int
	t.mailboxes.Range(func(key, value any) bool {
		mailboxCount++
		return true
	})

	result.Status = transport.HealthStatusHealthy
	result.Message = "nats jetstream transport is healthy"
	result.Latency = time.Since(start)
	result.Details["type"] = "nats-jetstream"
	result.Details["connection_status"] = connStatus.String()
	result.Details["rtt_ms"] = rtt.Milliseconds()
	result.Details["mailboxes"] = mailboxCount
	result.Details["server_url"] = t.conn.ConnectedUrl()

	return result
}

// subscription methods

func (s *jsSubscription) ID() string {
	return s.id
}

func (s *jsSubscription) Messages() <-chan transport.Message {
	return s.ch
}

func (s *jsSubscription) Close(ctx context.Context) error {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		close(s.closedCh)
		if s.cancel != nil {
			s.cancel()
		}
		// Wait for consumer goroutine to exit before closing channel
		s.wg.Wait()
		close(s.ch)
	}
	return nil
}

func (s *jsSubscription) consumeLoop(ctx context.Context, logger *slog.Logger, onError func(error)) {
	handler := func(msg jetstream.Msg) {
		decoded, err := s.codec.Decode(msg.Data())
		if err != nil {
			logger.Error("failed to decode message", "error", err)
			onError(&transport.DecodeError{RawData: msg.Data(), Err: err})
			msg.Ack() // Ack to avoid redelivery loop
			return
		}

		out := transport.NewMessage(decoded.ID(), decoded.Source(), decoded.ContextID(),
			decoded.Tag(), decoded.Payload(), trace.SpanContext{})

		select {
		case <-s.closedCh:
			// left unacked; redelivered to the next owner subscription
			return
		case s.ch <- out:
			msg.Ack()
		}
	}

	// Retry loop for Consume() - handles connection errors with backoff
	backoff := 100 * time.Millisecond
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-s.closedCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		consumerErrCh := make(chan error, 1)
		errHandler := jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
			logger.Error("consumer error detected", "error", err)
			select {
			case consumerErrCh <- err:
			default:
			}
		})

		cons, err := s.consumer.Consume(handler, errHandler)
		if err != nil {
			jitteredBackoff := transport.Jitter(backoff, 0.3)
			logger.Error("consume error, retrying", "error", err, "backoff", jitteredBackoff)
			select {
			case <-s.closedCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(jitteredBackoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		backoff = 100 * time.Millisecond

		select {
		case <-s.closedCh:
			cons.Stop()
			return
		case <-ctx.Done():
			cons.Stop()
			return
		case err := <-consumerErrCh:
			jitteredBackoff := transport.Jitter(backoff, 0.3)
			logger.Warn("consumer error, reconnecting", "error", err, "backoff", jitteredBackoff)
			cons.Stop()

			select {
			case <-s.closedCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(jitteredBackoff):
			}
			backoff = min(backoff*2, maxBackoff)
		}
	}
}

// Compile-time checks
var _ transport.Transport = (*JetStreamTransport)(nil)
var _ transport.HealthChecker = (*JetStreamTransport)(nil)
var _ transport.Subscription = (*jsSubscription)(nil)
