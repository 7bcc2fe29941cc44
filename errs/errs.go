// Package errs defines the error taxonomy shared by the partition, directory and
// exchange layers.
//
// Three kinds exist:
//   - ErrInvalidArgument: malformed input from the caller (negative counts,
//     destination ranks out of range, mismatched index bases). Never retried.
//   - ErrRuntime: a valid object used in a state that does not support the call,
//     for example resolving indices against a partition with no elements.
//   - ErrLogic: an internal consistency violation. These are only detected when
//     debug checks are enabled on the process group.
//
// Use errors.Is with the sentinels, or the IsXxx helpers:
//
//	p, err := partition.NewUniform(ctx, -1, 0, g, partition.Distributed)
//	if errs.IsInvalidArgument(err) {
//	    // caller bug
//	}
package errs

import (
	"errors"
	"fmt"
)

// Error kinds
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrRuntime         = errors.New("runtime error")
	ErrLogic           = errors.New("logic error")
)

// NoRank marks an Error that is not attributed to a specific process.
const NoRank = -1

// Error carries the operation, the calling rank and the kind of a failure.
type Error struct {
	Op   string // operation that failed, e.g. "partition.NewUniform"
	Kind error  // one of ErrInvalidArgument, ErrRuntime, ErrLogic
	Rank int    // rank of the reporting process, NoRank if unknown
	Msg  string
	Err  error // optional underlying cause
}

func (e *Error) Error() string {
	var s string
	if e.Rank != NoRank {
		s = fmt.Sprintf("%s: %v (rank %d): %s", e.Op, e.Kind, e.Rank, e.Msg)
	} else {
		s = fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// InvalidArgument returns an ErrInvalidArgument error for op.
func InvalidArgument(op string, rank int, format string, args ...any) error {
	return &Error{Op: op, Kind: ErrInvalidArgument, Rank: rank, Msg: fmt.Sprintf(format, args...)}
}

// Runtime returns an ErrRuntime error for op.
func Runtime(op string, rank int, format string, args ...any) error {
	return &Error{Op: op, Kind: ErrRuntime, Rank: rank, Msg: fmt.Sprintf(format, args...)}
}

// Logic returns an ErrLogic error for op.
func Logic(op string, rank int, format string, args ...any) error {
	return &Error{Op: op, Kind: ErrLogic, Rank: rank, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches op and rank context to a lower-level error. The kind defaults to
// ErrRuntime unless err already carries one of the kinds.
func Wrap(op string, rank int, err error) error {
	if err == nil {
		return nil
	}
	kind := ErrRuntime
	switch {
	case errors.Is(err, ErrInvalidArgument):
		kind = ErrInvalidArgument
	case errors.Is(err, ErrLogic):
		kind = ErrLogic
	}
	return &Error{Op: op, Kind: kind, Rank: rank, Msg: "failed", Err: err}
}

// IsInvalidArgument reports whether err is an ErrInvalidArgument.
func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}

// IsRuntime reports whether err is an ErrRuntime.
func IsRuntime(err error) bool {
	return errors.Is(err, ErrRuntime)
}

// IsLogic reports whether err is an ErrLogic.
func IsLogic(err error) bool {
	return errors.Is(err, ErrLogic)
}
