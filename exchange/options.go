package exchange

import "log/slog"

// options holds plan configuration (unexported)
type options struct {
	logger        *slog.Logger
	warnOnPermute bool
}

// Option configures a Plan
type Option func(*options)

// WithLogger sets the logger. Default: the group logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithPermuteWarning logs a warning whenever a plan has to carry a send
// permutation because the destinations were not grouped by rank.
func WithPermuteWarning(enabled bool) Option {
	return func(o *options) {
		o.warnOnPermute = enabled
	}
}

func newOptions(opts ...Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
