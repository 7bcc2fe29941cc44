// Package redis provides a Redis Streams-based transport implementation.
//
// Every mailbox is a stream. Publishers XADD to the stream (creating it if the
// owner has not registered yet); the owner reads it through a consumer group that
// starts at the beginning of the stream, so nothing published before the owner
// subscribed is lost. Messages are acknowledged once handed to the subscriber.
//
// Features:
//   - Persistent mailboxes via Redis Streams
//   - Pending entries are re-read on resubscribe
//   - Stream trimming by count (MAXLEN)
//   - Health checks
package redis

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/distmap/transport"
	"github.com/rbaliyan/distmap/transport/codec"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
)

// Client defines the interface for Redis client operations.
// Supports *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
type Client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XLen(ctx context.Context, stream string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// ErrClientRequired is returned when no Redis client is provided
var ErrClientRequired = errors.New("redis client is required")

// DefaultGroup is the default consumer group of mailbox owners
var DefaultGroup = "distmap"

// Transport implements transport.Transport using Redis Streams
type Transport struct {
	status    int32
	client    Client
	groupID   string
	codec     codec.Codec
	mailboxes sync.Map // map[string]struct{}
	logger    *slog.Logger
	onError   func(error)

	// Stream configuration
	streamPrefix string
	maxLen       int64 // Max stream length (0 = unlimited)
	blockTime    time.Duration
}

// subscription implements transport.Subscription for Redis
type subscription struct {
	id       string
	ch       chan transport.Message
	closedCh chan struct{}
	closed   int32
	client   Client
	stream   string
	group    string
	consumer string
	codec    codec.Codec
	onError  func(error)
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Default configuration
var (
	DefaultMaxLen     = int64(0) // unlimited
	DefaultBlockTime  = time.Second
	DefaultBufferSize = 100
)

// streamPrefix is the fixed prefix for Redis streams to avoid clashing with user data
const streamPrefix = "distmap"

// New creates a new Redis transport with a pre-initialized client
func New(client Client, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	t := &Transport{
		status:       1,
		client:       client,
		groupID:      DefaultGroup,
		codec:        codec.Default(),
		streamPrefix: streamPrefix,
		maxLen:       DefaultMaxLen,
		blockTime:    DefaultBlockTime,
		logger:       transport.Logger("transport>redis"),
		onError:      func(error) {},
	}

	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

func (t *Transport) streamName(mailbox string) string {
	return t.streamPrefix + ":" + mailbox
}

// Register creates the owner consumer group, reading from the start of the stream
func (t *Transport) Register(ctx context.Context, mailbox string) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	if _, ok := t.mailboxes.Load(mailbox); ok {
		return transport.ErrMailboxAlreadyExists
	}

	stream := t.streamName(mailbox)

	// "0" keeps messages peers published before the group existed
	err := t.client.XGroupCreateMkStream(ctx, stream, t.groupID, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}

	if _, loaded := t.mailboxes.LoadOrStore(mailbox, struct{}{}); loaded {
		return transport.ErrMailboxAlreadyExists
	}

	t.logger.Debug("registered mailbox", "mailbox", mailbox, "stream", stream)
	return nil
}

// Unregister deletes the mailbox stream
func (t *Transport) Unregister(ctx context.Context, mailbox string) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}

	if _, ok := t.mailboxes.LoadAndDelete(mailbox); !ok {
		return transport.ErrMailboxNotRegistered
	}

	if err := t.client.Del(ctx, t.streamName(mailbox)).Err(); err != nil {
		return err
	}

	t.logger.Debug("unregistered mailbox", "mailbox", mailbox)
	return nil
}

// Publish appends a message to the mailbox stream
func (t *Transport) Publish(ctx context.Context, mailbox string, msg transport.Message) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}

	data, err := t.codec.Encode(msg)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: t.streamName(mailbox),
		Values: map[string]any{
			"data": data,
		},
	}
	if t.maxLen > 0 {
		args.MaxLen = t.maxLen
		args.Approx = true
	}

	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		t.onError(err)
		return err
	}

	return nil
}

// Subscribe starts reading a registered mailbox
func (t *Transport) Subscribe(ctx context.Context, mailbox string, opts ...transport.SubscribeOption) (transport.Subscription, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}

	subOpts := transport.ApplySubscribeOptions(opts...)

	if _, ok := t.mailboxes.Load(mailbox); !ok {
		return nil, transport.ErrMailboxNotRegistered
	}

	bufSize := DefaultBufferSize
	if subOpts.BufferSize > 0 {
		bufSize = subOpts.BufferSize
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		id:       transport.NewID(),
		ch:       make(chan transport.Message, bufSize),
		closedCh: make(chan struct{}),
		client:   t.client,
		stream:   t.streamName(mailbox),
		group:    t.groupID,
		consumer: "owner",
		codec:    t.codec,
		onError:  t.onError,
		cancel:   cancel,
	}

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		sub.consumeLoop(subCtx, t.blockTime, t.logger)
	}()

	t.logger.Debug("added subscriber", "mailbox", mailbox, "subscriber", sub.id)
	return sub, nil
}

// Close shuts down the transport. The client is owned by the caller.
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}

	t.logger.Debug("transport closed")
	return nil
}

// Health performs a health check on the Redis transport
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

	if err := t.client.Ping(ctx).Err(); err != nil {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "redis ping failed: " + err.Error()
		result.Latency = time.Since(start)
		return result
	}

	var mailboxCount int
	var backlog int64
	t.mailboxes.Range(func(key, value any) bool {
		mailboxCount++
		if n, err := t.client.XLen(ctx, t.streamName(key.(string))).Result(); err == nil {
			backlog += n
		}
		return true
	})

	result.Status = transport.HealthStatusHealthy
	result.Message = "redis transport is healthy"
	result.Latency = time.Since(start)
	result.Details["type"] = "redis"
	result.Details["mailboxes"] = mailboxCount
	result.Details["stream_length"] = backlog

	return result
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
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.ch)
	}
	return nil
}

// deliver decodes one stream entry and hands it to the subscriber.
// Returns false if the subscription closed before delivery.
func (s *subscription) deliver(xmsg redis.XMessage, logger *slog.Logger) bool {
	var data []byte
	switch v := xmsg.Values["data"].(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	}

	decoded, err := s.codec.Decode(data)
	if err != nil {
		logger.Error("failed to decode message", "error", err, "id", xmsg.ID)
		s.onError(&transport.DecodeError{RawData: data, Err: err, MsgID: xmsg.ID})
		s.ack(xmsg.ID)
		return true
	}

	out := transport.NewMessage(decoded.ID(), decoded.Source(), decoded.ContextID(),
		decoded.Tag(), decoded.Payload(), trace.SpanContext{})

	select {
	case <-s.closedCh:
		return false
	case s.ch <- out:
		s.ack(xmsg.ID)
		return true
	}
}

func (s *subscription) ack(id string) {
	if err := s.client.XAck(context.Background(), s.stream, s.group, id).Err(); err != nil {
		s.onError(err)
	}
}

// consumeLoop first drains entries delivered to a previous subscription but never
// acknowledged ("0"), then follows new entries (">").
func (s *subscription) consumeLoop(ctx context.Context, blockTime time.Duration, logger *slog.Logger) {
	start := "0"

	readBackoff := 100 * time.Millisecond
	maxReadBackoff := 30 * time.Second

	for {
		select {
		case <-s.closedCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  []string{s.stream, start},
			Count:    64,
			Block:    blockTime,
		}).Result()

		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				if start == "0" {
					start = ">"
				}
				readBackoff = 100 * time.Millisecond
				continue
			}
			jitteredBackoff := transport.Jitter(readBackoff, 0.3)
			logger.Error("read error, retrying with backoff", "error", err, "backoff", jitteredBackoff)

			select {
			case <-s.closedCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(jitteredBackoff):
			}

			readBackoff = min(readBackoff*2, maxReadBackoff)
			continue
		}

		readBackoff = 100 * time.Millisecond

		var n int
		for _, stream := range streams {
			for _, xmsg := range stream.Messages {
				if !s.deliver(xmsg, logger) {
					return
				}
				n++
			}
		}

		// the pending list is exhausted once a "0" read comes back empty
		if start == "0" && n == 0 {
			start = ">"
		}
	}
}

// Compile-time checks
var _ transport.Transport = (*Transport)(nil)
var _ transport.HealthChecker = (*Transport)(nil)
var _ transport.Subscription = (*subscription)(nil)
