// Package transport provides shared types and interfaces for the message transports
// that carry point-to-point traffic between processes of a group.
//
// Every process owns exactly one mailbox. A mailbox is registered once, drained by a
// single subscription and written to by any number of peers. Transports must
// deliver messages from one publisher to one mailbox in publish order; no ordering
// is required across publishers.
//
// Transport implementations (channel, redis, nats, kafka) should import this package
// rather than the comm package to avoid import cycles.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/distmap/transport/codec"
	"github.com/rbaliyan/distmap/transport/message"
	"go.opentelemetry.io/otel/trace"
)

// Transport errors
var (
	ErrTransportClosed      = errors.New("transport closed")
	ErrMailboxNotRegistered = errors.New("mailbox not registered")
	ErrMailboxAlreadyExists = errors.New("mailbox already registered")
	ErrAlreadySubscribed    = errors.New("mailbox already has a subscriber")
	ErrSubscriptionClosed   = errors.New("subscription closed")
	ErrDecodeFailure        = errors.New("message decode failed")
)

// DecodeError represents a message that failed to decode.
// Network transports report it through their error handler and skip the message.
type DecodeError struct {
	RawData []byte // The raw message data that failed to decode
	Err     error  // The decode error
	MsgID   string // Transport-specific message ID (e.g., Redis stream ID)
}

func (e *DecodeError) Error() string {
	return "decode error: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// HealthStatus represents the health state of a component
type HealthStatus string

const (
	// HealthStatusHealthy indicates the component is functioning normally
	HealthStatusHealthy HealthStatus = "healthy"
	// HealthStatusDegraded indicates the component is functioning but with issues
	HealthStatusDegraded HealthStatus = "degraded"
	// HealthStatusUnhealthy indicates the component is not functioning
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResult contains detailed health information
type HealthCheckResult struct {
	Status    HealthStatus   `json:"status"`
	Message   string         `json:"message,omitempty"`
	Latency   time.Duration  `json:"latency,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// IsHealthy returns true if the status is healthy
func (h *HealthCheckResult) IsHealthy() bool {
	return h.Status == HealthStatusHealthy
}

// HealthChecker is an optional interface that transports can implement
// to provide health check capabilities for monitoring and readiness probes.
type HealthChecker interface {
	// Health performs a health check and returns the result.
	// The context can be used to set a timeout for the health check.
	Health(ctx context.Context) *HealthCheckResult
}

// SubscribeOptions configures subscription behavior
type SubscribeOptions struct {
	// BufferSize overrides the default message channel buffer size.
	// Zero uses the transport's default buffer size.
	BufferSize int
}

// SubscribeOption is a functional option for configuring subscriptions
type SubscribeOption func(*SubscribeOptions)

// WithBufferSize sets the message channel buffer size.
//
// Example:
//
//	sub, err := tr.Subscribe(ctx, mailbox, transport.WithBufferSize(1000))
func WithBufferSize(size int) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.BufferSize = size
	}
}

// ApplySubscribeOptions applies functional options to SubscribeOptions
func ApplySubscribeOptions(opts ...SubscribeOption) *SubscribeOptions {
	o := &SubscribeOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Transport moves messages between process mailboxes
type Transport interface {
	// Register creates resources for a mailbox (queue, stream, topic, ...).
	// Must be called by the mailbox owner before Subscribe.
	Register(ctx context.Context, mailbox string) error

	// Unregister releases mailbox resources and closes its subscription
	Unregister(ctx context.Context, mailbox string) error

	// Publish delivers a message to a mailbox.
	// Messages from one publisher to one mailbox arrive in publish order.
	Publish(ctx context.Context, mailbox string, msg Message) error

	// Subscribe opens the single reader of a mailbox.
	// Returns ErrMailboxNotRegistered if the mailbox is unknown to this transport
	// instance and the transport needs local registration.
	Subscribe(ctx context.Context, mailbox string, opts ...SubscribeOption) (Subscription, error)

	// Close shuts down the transport and all mailboxes
	Close(ctx context.Context) error
}

// Subscription represents the reader side of a mailbox
type Subscription interface {
	// ID returns the unique subscription identifier
	ID() string

	// Messages returns the channel to receive messages
	Messages() <-chan Message

	// Close unsubscribes and closes the message channel
	Close(ctx context.Context) error
}

// Message is the message interface from the message package
type Message = message.Message

// Codec is the codec interface from the codec package
type Codec = codec.Codec

// DefaultCodec returns the default codec used by transports (JSON)
func DefaultCodec() Codec {
	return codec.Default()
}

// NewMessage creates a new message
func NewMessage(id string, source int, contextID string, tag int, payload []byte, spanCtx trace.SpanContext) Message {
	return message.New(id, source, contextID, tag, payload, spanCtx)
}

// Mailbox returns the mailbox name of a rank within a world
func Mailbox(world string, rank int) string {
	return world + "." + strconv.Itoa(rank)
}

// ID generation
var counter uint64

// NewID generates a new unique ID
func NewID() string {
	u, err := uuid.NewRandom()
	if err == nil {
		return u.String()
	}
	return strconv.FormatUint(atomic.AddUint64(&counter, 1), 10)
}

// Logger returns a logger with the given component name
func Logger(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

// Jitter adds randomness to a duration to prevent thundering herd.
// Returns a duration between d*(1-factor) and d*(1+factor).
// Factor should be between 0 and 1 (e.g., 0.3 for +/-30% jitter).
func Jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 || factor > 1 {
		return d
	}
	jitter := (rand.Float64()*2 - 1) * factor
	return time.Duration(float64(d) * (1 + jitter))
}
