package comm

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/distmap/transport"
	"golang.org/x/time/rate"
)

// Default configuration values
var (
	// DefaultBufferSize is the mailbox subscription buffer size
	DefaultBufferSize = 256

	// DefaultJoinInterval is how often Join repeats its hello to rank 0
	DefaultJoinInterval = 200 * time.Millisecond
)

// options holds endpoint configuration (unexported)
type options struct {
	debug        bool
	logger       *slog.Logger
	sendRate     rate.Limit
	sendBurst    int
	bufferSize   int
	joinInterval time.Duration
	transport    transport.Transport
}

// Option configures an endpoint and the groups derived from it
type Option func(*options)

// WithDebugChecks enables redundant consistency checks in every layer built on
// the group (partition counts, exchange plan receive totals, directory checks).
// Failures surface as errs.ErrLogic or errs.ErrInvalidArgument. Checks cost
// extra collectives, so they are off by default.
func WithDebugChecks(enabled bool) Option {
	return func(o *options) {
		o.debug = enabled
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSendRate paces outbound messages of an endpoint. A zero limit disables pacing.
//
// Example:
//
//	g, err := comm.Join(ctx, tr, "job-42", rank, size, comm.WithSendRate(5000, 100))
func WithSendRate(limit rate.Limit, burst int) Option {
	return func(o *options) {
		o.sendRate = limit
		o.sendBurst = max(burst, 1)
	}
}

// WithBufferSize sets the mailbox subscription buffer size
func WithBufferSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.bufferSize = size
		}
	}
}

// WithJoinInterval sets the hello retry interval of Join
func WithJoinInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.joinInterval = d
		}
	}
}

// WithTransport sets the transport used by Run and NewWorld.
// Default: a fresh in-memory channel transport.
func WithTransport(tr transport.Transport) Option {
	return func(o *options) {
		o.transport = tr
	}
}

func newOptions(opts ...Option) *options {
	o := &options{
		logger:       transport.Logger("comm"),
		bufferSize:   DefaultBufferSize,
		joinInterval: DefaultJoinInterval,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}
