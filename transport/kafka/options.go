package kafka

import (
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/rbaliyan/distmap/transport/codec"
)

// Option configures the Kafka transport
type Option func(*Transport)

// WithCodec sets the codec for message serialization
func WithCodec(c codec.Codec) Option {
	return func(t *Transport) {
		if c != nil {
			t.codec = c
		}
	}
}

// WithAdmin sets the cluster admin used to create and delete mailbox topics.
// Without an admin, topics must be auto-created by the broker.
func WithAdmin(admin sarama.ClusterAdmin) Option {
	return func(t *Transport) {
		t.admin = admin
	}
}

// WithTopicPrefix sets the prefix of mailbox topics
func WithTopicPrefix(prefix string) Option {
	return func(t *Transport) {
		if prefix != "" {
			t.topicPrefix = prefix
		}
	}
}

// WithReplication sets the replication factor for new topics
func WithReplication(n int16) Option {
	return func(t *Transport) {
		if n > 0 {
			t.replication = n
		}
	}
}

// WithRetention sets the message retention time for mailbox topics.
// Maps to Kafka topic config "retention.ms".
//
// Set to 0 (default) to use broker's default retention.
func WithRetention(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.retention = d
		}
	}
}

// WithStartOffset sets where a new subscription starts reading its mailbox topic.
// Default: sarama.OffsetOldest, so messages published before the owner
// subscribed are delivered.
func WithStartOffset(offset int64) Option {
	return func(t *Transport) {
		t.startOffset = offset
	}
}

// WithPublishRetry bounds how long Publish retries while the destination topic is
// unknown to the broker. Zero retries until the context is done.
func WithPublishRetry(d time.Duration) Option {
	return func(t *Transport) {
		t.publishRetry = d
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
