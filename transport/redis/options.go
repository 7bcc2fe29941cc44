package redis

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/distmap/transport/codec"
)

// Option configures the Redis transport
type Option func(*Transport)

// WithCodec sets the codec for message serialization
func WithCodec(c codec.Codec) Option {
	return func(t *Transport) {
		if c != nil {
			t.codec = c
		}
	}
}

// WithConsumerGroup sets the consumer group name used by mailbox owners
func WithConsumerGroup(groupID string) Option {
	return func(t *Transport) {
		if groupID != "" {
			t.groupID = groupID
		}
	}
}

// WithStreamPrefix sets the key prefix of mailbox streams
func WithStreamPrefix(prefix string) Option {
	return func(t *Transport) {
		if prefix != "" {
			t.streamPrefix = prefix
		}
	}
}

// WithMaxLen sets the max length for mailbox streams (MAXLEN).
//
// Trimming discards unread messages, so the limit must exceed the largest
// backlog a rank can accumulate.
func WithMaxLen(n int64) Option {
	return func(t *Transport) {
		if n > 0 {
			t.maxLen = n
		}
	}
}

// WithBlockTime sets the block time for XREADGROUP
func WithBlockTime(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.blockTime = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithErrorHandler sets the error handler callback
func WithErrorHandler(fn func(error)) Option {
	return func(t *Transport) {
		if fn != nil {
			t.onError = fn
		}
	}
}
