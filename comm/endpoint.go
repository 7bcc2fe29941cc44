package comm

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rbaliyan/distmap/errs"
	"github.com/rbaliyan/distmap/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Endpoint errors
var (
	ErrEndpointClosed = errors.New("endpoint closed")
)

// AnySource matches a message from any rank of the group
const AnySource = -1

// Endpoint is the attachment of one process to a world: one mailbox on a transport,
// a dispatcher draining it and the matching engine pairing messages with receives.
type Endpoint struct {
	world  string
	rank   int
	size   int
	tr     transport.Transport
	sub    transport.Subscription
	opts   *options
	logger *slog.Logger

	limiter *rate.Limiter
	world0  *Group

	mu         sync.Mutex
	posted     []*Request          // receives waiting for a message, in post order
	unexpected []transport.Message // messages waiting for a receive, in arrival order
	discarded  map[string]struct{} // context ids whose traffic is dropped
	closed     bool
	closeErr   error

	status int32
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewEndpoint attaches world rank `rank` of a world of `size` ranks to tr.
// The mailbox is registered and subscribed before NewEndpoint returns.
func NewEndpoint(ctx context.Context, tr transport.Transport, world string, rank, size int, opts ...Option) (*Endpoint, error) {
	const op = "comm.NewEndpoint"
	if tr == nil {
		return nil, errs.InvalidArgument(op, rank, "transport is required")
	}
	if size <= 0 || rank < 0 || rank >= size {
		return nil, errs.InvalidArgument(op, rank, "rank %d out of range for world size %d", rank, size)
	}

	o := newOptions(opts...)
	ep := &Endpoint{
		world:     world,
		rank:      rank,
		size:      size,
		tr:        tr,
		opts:      o,
		logger:    o.logger.With("world", world, "rank", rank),
		discarded: make(map[string]struct{}),
		status:    1,
		done:      make(chan struct{}),
	}
	if o.sendRate > 0 {
		ep.limiter = rate.NewLimiter(o.sendRate, o.sendBurst)
	}
	members := make([]int, size)
	for i := range members {
		members[i] = i
	}
	ep.world0 = newGroup(ep, world, rank, members)

	mailbox := transport.Mailbox(world, rank)
	if err := tr.Register(ctx, mailbox); err != nil {
		return nil, errs.Wrap(op, rank, err)
	}
	sub, err := tr.Subscribe(ctx, mailbox, transport.WithBufferSize(o.bufferSize))
	if err != nil {
		tr.Unregister(ctx, mailbox)
		return nil, errs.Wrap(op, rank, err)
	}
	ep.sub = sub

	ep.wg.Add(1)
	go ep.dispatch()

	ep.logger.Debug("endpoint attached", "mailbox", mailbox, "size", size)
	return ep, nil
}

// World returns the group of all ranks of the world. Every call returns the
// same group, so collectives on it share one tag sequence.
func (ep *Endpoint) World() *Group { return ep.world0 }

// Rank returns the world rank of the endpoint
func (ep *Endpoint) Rank() int { return ep.rank }

// Size returns the world size
func (ep *Endpoint) Size() int { return ep.size }

// Close detaches the endpoint. Pending receives fail with ErrEndpointClosed.
func (ep *Endpoint) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&ep.status, 1, 0) {
		return nil
	}
	close(ep.done)
	err := ep.sub.Close(ctx)
	ep.wg.Wait()
	ep.fail(ErrEndpointClosed)

	if uerr := ep.tr.Unregister(ctx, transport.Mailbox(ep.world, ep.rank)); uerr != nil &&
		!errors.Is(uerr, transport.ErrMailboxNotRegistered) && !errors.Is(uerr, transport.ErrTransportClosed) {
		err = errors.Join(err, uerr)
	}
	ep.logger.Debug("endpoint closed")
	return err
}

// dispatch drains the mailbox into the matching engine. It never blocks on a
// receiver, so peers can always make progress.
func (ep *Endpoint) dispatch() {
	defer ep.wg.Done()
	for {
		select {
		case <-ep.done:
			return
		case msg, ok := <-ep.sub.Messages():
			if !ok {
				if atomic.LoadInt32(&ep.status) == 1 {
					ep.logger.Warn("mailbox subscription closed unexpectedly")
					ep.fail(transport.ErrSubscriptionClosed)
				}
				return
			}
			ep.deliver(msg)
		}
	}
}

func (ep *Endpoint) deliver(msg transport.Message) {
	ctx := context.Background()
	inst.received.Add(ctx, 1)

	ep.mu.Lock()
	if _, drop := ep.discarded[msg.ContextID()]; drop {
		ep.mu.Unlock()
		return
	}
	for i, r := range ep.posted {
		if matches(r, msg) {
			ep.posted = append(ep.posted[:i], ep.posted[i+1:]...)
			ep.mu.Unlock()
			r.complete(msg.Source(), msg.Payload(), nil)
			return
		}
	}
	ep.unexpected = append(ep.unexpected, msg)
	ep.mu.Unlock()
	inst.unexpected.Add(ctx, 1)
}

func matches(r *Request, msg transport.Message) bool {
	return r.contextID == msg.ContextID() &&
		r.tag == msg.Tag() &&
		(r.source == AnySource || r.source == msg.Source())
}

// post registers a receive, completing it at once from the unexpected queue when
// a matching message is already there
func (ep *Endpoint) post(r *Request) {
	ep.mu.Lock()
	if ep.closed {
		err := ep.closeErr
		ep.mu.Unlock()
		r.complete(AnySource, nil, err)
		return
	}
	for i, msg := range ep.unexpected {
		if matches(r, msg) {
			ep.unexpected = append(ep.unexpected[:i], ep.unexpected[i+1:]...)
			ep.mu.Unlock()
			inst.unexpected.Add(context.Background(), -1)
			r.complete(msg.Source(), msg.Payload(), nil)
			return
		}
	}
	ep.posted = append(ep.posted, r)
	ep.mu.Unlock()
}

// withdraw removes a posted receive; false if it already matched
func (ep *Endpoint) withdraw(r *Request) bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	for i, p := range ep.posted {
		if p == r {
			ep.posted = append(ep.posted[:i], ep.posted[i+1:]...)
			return true
		}
	}
	return false
}

// discard drops queued and future traffic of a context
func (ep *Endpoint) discard(contextID string) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.discarded[contextID] = struct{}{}
	kept := ep.unexpected[:0]
	for _, msg := range ep.unexpected {
		if msg.ContextID() != contextID {
			kept = append(kept, msg)
		}
	}
	if n := len(ep.unexpected) - len(kept); n > 0 {
		inst.unexpected.Add(context.Background(), -int64(n))
	}
	clear(ep.unexpected[len(kept):])
	ep.unexpected = kept
}

// fail completes every posted receive with err and refuses new ones
func (ep *Endpoint) fail(err error) {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return
	}
	ep.closed = true
	ep.closeErr = err
	posted := ep.posted
	ep.posted = nil
	ep.mu.Unlock()

	for _, r := range posted {
		r.complete(AnySource, nil, err)
	}
}

// publish sends payload to a world rank
func (ep *Endpoint) publish(ctx context.Context, dst int, contextID string, tag int, payload []byte) error {
	if atomic.LoadInt32(&ep.status) != 1 {
		return ErrEndpointClosed
	}
	if ep.limiter != nil {
		if err := ep.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	msg := transport.NewMessage(transport.NewID(), ep.rank, contextID, tag, payload,
		trace.SpanContextFromContext(ctx))
	if err := ep.tr.Publish(ctx, transport.Mailbox(ep.world, dst), msg); err != nil {
		return err
	}

	attrs := metric.WithAttributes(attribute.Bool("collective", tag < 0))
	inst.messagesSent.Add(ctx, 1, attrs)
	inst.bytesSent.Add(ctx, int64(len(payload)), attrs)
	return nil
}
