package partition

import "log/slog"

// DefaultSparsityThreshold is the ratio of directory slots to locally owned
// elements above which a non-contiguous directory stores its entries in a
// hash table instead of dense arrays.
var DefaultSparsityThreshold = 10.0

// options holds partition configuration (unexported)
type options struct {
	logger            *slog.Logger
	sparsityThreshold float64
}

// Option configures a Partition and its Directory
type Option func(*options)

// WithLogger sets the logger. Default: the group logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithSparsityThreshold overrides DefaultSparsityThreshold.
// Non-positive values are ignored.
//
// Example:
//
//	// always hash, whatever the index range
//	p, err := partition.NewArbitrary(ctx, partition.Auto, gids, 0, g,
//	    partition.WithSparsityThreshold(0.001))
func WithSparsityThreshold(ratio float64) Option {
	return func(o *options) {
		if ratio > 0 {
			o.sparsityThreshold = ratio
		}
	}
}

func newOptions(opts ...Option) *options {
	o := &options{
		sparsityThreshold: DefaultSparsityThreshold,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
