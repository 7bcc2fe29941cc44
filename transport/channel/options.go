package channel

import (
	"log/slog"

	"github.com/rbaliyan/distmap/transport"
)

// Default configuration values
var (
	// DefaultBufferSize is the subscription channel buffer size
	DefaultBufferSize uint = 64
)

// options holds configuration for transport (unexported)
type options struct {
	bufferSize uint
	logger     *slog.Logger
}

// Option configures the channel transport
type Option func(*options)

// WithBufferSize sets the buffer size of subscription channels.
// Mailbox queues are unbounded regardless of this value.
func WithBufferSize(size uint) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// WithLogger sets the logger for transport
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// newOptions creates options with defaults and applies provided options
func newOptions(opts ...Option) *options {
	o := &options{
		bufferSize: DefaultBufferSize,
		logger:     transport.Logger("transport>channel"),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}
