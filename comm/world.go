package comm

import (
	"context"
	"errors"
	"time"

	"github.com/rbaliyan/distmap/errs"
	"github.com/rbaliyan/distmap/transport"
	"github.com/rbaliyan/distmap/transport/channel"
	"golang.org/x/sync/errgroup"
)

// tags of the join handshake, in the "<world>.join" context
const (
	helloTag   = 1
	welcomeTag = 2
)

// NewWorld attaches n ranks of a fresh world to one transport inside this process
// and returns their world groups, indexed by rank. The caller closes the
// endpoints (see CloseAll).
func NewWorld(ctx context.Context, n int, opts ...Option) ([]*Group, error) {
	const op = "comm.NewWorld"
	if n <= 0 {
		return nil, errs.InvalidArgument(op, errs.NoRank, "world size %d must be positive", n)
	}

	o := newOptions(opts...)
	tr := o.transport
	if tr == nil {
		tr = channel.New(channel.WithLogger(o.logger))
	}

	world := "world-" + transport.NewID()
	groups := make([]*Group, n)
	for r := range groups {
		ep, err := NewEndpoint(ctx, tr, world, r, n, opts...)
		if err != nil {
			CloseAll(ctx, groups[:r])
			return nil, err
		}
		groups[r] = ep.World()
	}
	return groups, nil
}

// CloseAll closes the endpoints of groups
func CloseAll(ctx context.Context, groups []*Group) error {
	var errList []error
	for _, g := range groups {
		if g == nil {
			continue
		}
		if err := g.ep.Close(ctx); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// Run executes fn on every rank of a fresh n-rank world, one goroutine per rank,
// and returns the first error. When one rank fails, the context passed to the
// others is cancelled so ranks blocked in collectives return.
//
// Example:
//
//	err := comm.Run(ctx, 4, func(ctx context.Context, g *comm.Group) error {
//	    sum, err := comm.AllReduce(ctx, g, []int64{int64(g.Rank())}, comm.Sum)
//	    ...
//	})
func Run(ctx context.Context, n int, fn func(ctx context.Context, g *Group) error, opts ...Option) error {
	groups, err := NewWorld(ctx, n, opts...)
	if err != nil {
		return err
	}
	defer CloseAll(context.Background(), groups)

	eg, egCtx := errgroup.WithContext(ctx)
	for _, g := range groups {
		eg.Go(func() error {
			return fn(egCtx, g)
		})
	}
	return eg.Wait()
}

// Join attaches this process as world rank `rank` of a world of `size` processes
// spread over a network transport. It returns once every rank has subscribed to
// its mailbox, so no message of the world can be published to a mailbox that is
// not yet being read.
//
// Non-zero ranks repeat a hello to rank 0 until rank 0 answers with a welcome;
// rank 0 answers after hearing from every rank.
func Join(ctx context.Context, tr transport.Transport, world string, rank, size int, opts ...Option) (*Group, error) {
	const op = "comm.Join"
	ep, err := NewEndpoint(ctx, tr, world, rank, size, opts...)
	if err != nil {
		return nil, err
	}
	g := ep.World()
	hs := newGroup(ep, world+".join", rank, g.members)

	if err := handshake(ctx, hs, ep.opts.joinInterval); err != nil {
		ep.Close(context.Background())
		return nil, errs.Wrap(op, rank, err)
	}
	ep.discard(hs.id)

	ep.logger.Info("joined world", "size", size)
	return g, nil
}

func handshake(ctx context.Context, hs *Group, interval time.Duration) error {
	if hs.Size() == 1 {
		return nil
	}

	if hs.rank == 0 {
		seen := make(map[int]struct{}, hs.Size()-1)
		for len(seen) < hs.Size()-1 {
			_, st, err := hs.Recv(ctx, AnySource, helloTag)
			if err != nil {
				return err
			}
			if _, dup := seen[st.Source]; !dup {
				seen[st.Source] = struct{}{}
				hs.Logger().Debug("hello received", "from", st.Source, "joined", len(seen)+1)
			}
		}
		for r := 1; r < hs.Size(); r++ {
			if err := hs.Send(ctx, r, welcomeTag, nil); err != nil {
				return err
			}
		}
		return nil
	}

	welcome := hs.Irecv(0, welcomeTag)
	for {
		if err := hs.Send(ctx, 0, helloTag, nil); err != nil {
			return err
		}
		select {
		case <-welcome.Done():
			_, err := welcome.Wait(ctx)
			return err
		case <-ctx.Done():
			hs.ep.withdraw(welcome)
			return ctx.Err()
		case <-time.After(transport.Jitter(interval, 0.3)):
		}
	}
}
