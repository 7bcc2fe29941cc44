package nats

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/distmap/transport/codec"
)

// =============================================================================
// JetStream Transport Options
// =============================================================================

// WithCodec sets the codec for message serialization
func WithCodec(c codec.Codec) JSOption {
	return func(t *JetStreamTransport) {
		if c != nil {
			t.codec = c
		}
	}
}

// WithReplicas sets the number of replicas for mailbox streams
func WithReplicas(n int) JSOption {
	return func(t *JetStreamTransport) {
		if n > 0 {
			t.replicas = n
		}
	}
}

// WithMaxAge sets the max age for messages in mailbox streams
func WithMaxAge(d time.Duration) JSOption {
	return func(t *JetStreamTransport) {
		if d > 0 {
			t.maxAge = d
		}
	}
}

// WithStreamPrefix sets the prefix of mailbox stream names
func WithStreamPrefix(prefix string) JSOption {
	return func(t *JetStreamTransport) {
		if prefix != "" {
			t.streamPrefix = prefix
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) JSOption {
	return func(t *JetStreamTransport) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithErrorHandler sets the error handler callback
func WithErrorHandler(fn func(error)) JSOption {
	return func(t *JetStreamTransport) {
		if fn != nil {
			t.onError = fn
		}
	}
}

// WithDeduplication enables JetStream native message deduplication.
//
// When enabled, the transport sets the Nats-Msg-Id header from the message ID on
// publish, so a publish retried after a lost acknowledgement is stored once.
//
// Example:
//
//	tr, err := nats.NewJetStream(conn,
//	    nats.WithDeduplication(2 * time.Minute),
//	)
func WithDeduplication(window time.Duration) JSOption {
	return func(t *JetStreamTransport) {
		t.dedupEnabled = true
		if window > 0 {
			t.dedupWindow = window
		}
	}
}

// WithAckWait sets how long JetStream waits for acknowledgment before redelivery.
//
// Default: 30 seconds
func WithAckWait(d time.Duration) JSOption {
	return func(t *JetStreamTransport) {
		if d > 0 {
			t.ackWait = d
		}
	}
}

// WithPublishRetry sets how long Publish keeps retrying while the destination
// mailbox stream does not exist yet. Zero retries until the context is done.
func WithPublishRetry(d time.Duration) JSOption {
	return func(t *JetStreamTransport) {
		t.publishRetry = d
	}
}
