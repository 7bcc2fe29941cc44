package comm

import (
	"context"
	"errors"
)

// Status describes a completed receive
type Status struct {
	Source int // group rank of the sender
	Tag    int
	Count  int // payload length in bytes
}

// Request is a pending send or receive.
// Sends complete when the message has been handed to the transport.
type Request struct {
	contextID string
	source    int // world rank or AnySource
	tag       int
	g         *Group

	done    chan struct{}
	payload []byte
	status  Status
	err     error
}

func newRequest(g *Group, source, tag int) *Request {
	return &Request{
		contextID: g.id,
		source:    source,
		tag:       tag,
		g:         g,
		done:      make(chan struct{}),
	}
}

// completedRequest returns a request that is already done
func completedRequest(err error) *Request {
	r := &Request{done: make(chan struct{}), err: err}
	close(r.done)
	return r
}

func (r *Request) complete(worldSource int, payload []byte, err error) {
	r.payload = payload
	r.err = err
	if r.g != nil && err == nil {
		r.status = Status{Source: r.g.groupRank(worldSource), Tag: r.tag, Count: len(payload)}
	}
	close(r.done)
}

// Done returns a channel closed when the request completes
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the request completes or ctx is done.
// A receive abandoned by ctx is withdrawn if it has not matched yet.
func (r *Request) Wait(ctx context.Context) (Status, error) {
	select {
	case <-r.done:
		return r.status, r.err
	case <-ctx.Done():
		if r.g != nil && r.g.ep.withdraw(r) {
			return Status{}, ctx.Err()
		}
		// matched concurrently with cancellation
		<-r.done
		return r.status, r.err
	}
}

// Payload returns the received bytes. Valid after Wait returns without error.
func (r *Request) Payload() []byte {
	return r.payload
}

// WaitAll waits for every request and returns the joined errors
func WaitAll(ctx context.Context, reqs ...*Request) error {
	var errs []error
	for _, r := range reqs {
		if r == nil {
			continue
		}
		if _, err := r.Wait(ctx); err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
	}
	return errors.Join(errs...)
}
