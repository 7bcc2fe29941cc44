package comm

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/rbaliyan/distmap/errs"
)

// Undefined is the Split color of ranks that do not join any new group
const Undefined = -1

// Group is an ordered set of ranks sharing a communication context. Messages of
// one group never match receives of another, even between the same processes.
//
// Collective calls on a group must be made by every member in the same order.
// A Group is meant to be driven by one goroutine per process.
type Group struct {
	ep      *Endpoint
	id      string
	rank    int
	members []int       // group rank -> world rank
	index   map[int]int // world rank -> group rank

	seq    atomic.Uint64 // collective tag sequence
	splits atomic.Uint64
}

func newGroup(ep *Endpoint, id string, rank int, members []int) *Group {
	index := make(map[int]int, len(members))
	for r, w := range members {
		index[w] = r
	}
	return &Group{ep: ep, id: id, rank: rank, members: members, index: index}
}

// Rank returns the rank of the calling process in the group
func (g *Group) Rank() int { return g.rank }

// Size returns the number of processes in the group
func (g *Group) Size() int { return len(g.members) }

// ID returns the communication context id of the group
func (g *Group) ID() string { return g.id }

// Debug reports whether redundant consistency checks are enabled
func (g *Group) Debug() bool { return g.ep.opts.debug }

// Logger returns the endpoint logger annotated with the group
func (g *Group) Logger() *slog.Logger {
	return g.ep.logger.With("group", g.id, "group_rank", g.rank)
}

// Endpoint returns the endpoint the group communicates through
func (g *Group) Endpoint() *Endpoint { return g.ep }

// WorldRank translates a group rank to a world rank
func (g *Group) WorldRank(rank int) int { return g.members[rank] }

func (g *Group) groupRank(world int) int {
	if r, ok := g.index[world]; ok {
		return r
	}
	return AnySource
}

// Congruent reports whether both groups contain the same processes in the same
// order. Local; no communication.
func (g *Group) Congruent(other *Group) bool {
	if g == other {
		return true
	}
	if other == nil || g.ep.world != other.ep.world {
		return false
	}
	return slices.Equal(g.members, other.members)
}

func (g *Group) String() string {
	return fmt.Sprintf("Group{id=%s rank=%d size=%d}", g.id, g.rank, len(g.members))
}

// nextTag returns the tag of the next collective. Collective tags are negative,
// user tags non-negative, so the two never match.
func (g *Group) nextTag() int {
	return -int(g.seq.Add(1))
}

func (g *Group) checkRank(op string, r int, anyOK bool) error {
	if anyOK && r == AnySource {
		return nil
	}
	if r < 0 || r >= len(g.members) {
		return errs.InvalidArgument(op, g.rank, "rank %d out of range for group of size %d", r, len(g.members))
	}
	return nil
}

// Isend sends payload to group rank dst. The message is handed to the transport
// before Isend returns; the request is already complete.
func (g *Group) Isend(ctx context.Context, dst, tag int, payload []byte) *Request {
	const op = "comm.Isend"
	if err := g.checkRank(op, dst, false); err != nil {
		return completedRequest(err)
	}
	if tag < 0 {
		return completedRequest(errs.InvalidArgument(op, g.rank, "tag %d is negative", tag))
	}
	return completedRequest(errs.Wrap(op, g.rank, g.send(ctx, dst, tag, payload)))
}

// Irecv posts a receive for a message from group rank src (or AnySource) with tag
func (g *Group) Irecv(src, tag int) *Request {
	const op = "comm.Irecv"
	if err := g.checkRank(op, src, true); err != nil {
		return completedRequest(err)
	}
	if tag < 0 {
		return completedRequest(errs.InvalidArgument(op, g.rank, "tag %d is negative", tag))
	}
	return g.recv(src, tag)
}

// Send is a blocking Isend
func (g *Group) Send(ctx context.Context, dst, tag int, payload []byte) error {
	_, err := g.Isend(ctx, dst, tag, payload).Wait(ctx)
	return err
}

// Recv blocks until a matching message arrives
func (g *Group) Recv(ctx context.Context, src, tag int) ([]byte, Status, error) {
	r := g.Irecv(src, tag)
	st, err := r.Wait(ctx)
	if err != nil {
		return nil, st, errs.Wrap("comm.Recv", g.rank, err)
	}
	return r.Payload(), st, nil
}

// send is the unchecked send used by collectives
func (g *Group) send(ctx context.Context, dst, tag int, payload []byte) error {
	return g.ep.publish(ctx, g.members[dst], g.id, tag, payload)
}

// recv is the unchecked receive used by collectives
func (g *Group) recv(src, tag int) *Request {
	source := AnySource
	if src != AnySource {
		source = g.members[src]
	}
	r := newRequest(g, source, tag)
	g.ep.post(r)
	return r
}

// Barrier blocks until every member has entered it
func (g *Group) Barrier(ctx context.Context) error {
	_, err := AllReduce(ctx, g, []int{0}, Sum)
	if err != nil {
		return errs.Wrap("comm.Barrier", g.rank, err)
	}
	return nil
}

// Split partitions the group by color; members with equal color form a new group
// ordered by (key, old rank). Collective. Returns nil on ranks that pass
// Undefined.
func (g *Group) Split(ctx context.Context, color, key int) (*Group, error) {
	const op = "comm.Split"
	if color < 0 && color != Undefined {
		return nil, errs.InvalidArgument(op, g.rank, "color %d is negative", color)
	}

	all, err := AllGather(ctx, g, [2]int{color, key})
	if err != nil {
		return nil, errs.Wrap(op, g.rank, err)
	}
	seq := g.splits.Add(1)
	if color == Undefined {
		return nil, nil
	}

	type entry struct{ key, rank int }
	var picked []entry
	for r, ck := range all {
		if ck[0] == color {
			picked = append(picked, entry{key: ck[1], rank: r})
		}
	}
	slices.SortStableFunc(picked, func(a, b entry) int {
		return cmp.Or(cmp.Compare(a.key, b.key), cmp.Compare(a.rank, b.rank))
	})

	members := make([]int, len(picked))
	newRank := 0
	for i, e := range picked {
		members[i] = g.members[e.rank]
		if e.rank == g.rank {
			newRank = i
		}
	}

	id := fmt.Sprintf("%s/%d:%d", g.id, seq, color)
	g.Logger().Debug("group split", "new_group", id, "new_rank", newRank, "new_size", len(members))
	return newGroup(g.ep, id, newRank, members), nil
}

// ReserveTag draws the next collective tag of the group. Layers that build their
// own collectives on IsendReserved/IrecvReserved call it on every member in the
// same order, so all members agree on the tag.
func (g *Group) ReserveTag() int {
	return g.nextTag()
}

// IsendReserved is Isend on a tag obtained from ReserveTag
func (g *Group) IsendReserved(ctx context.Context, dst, tag int, payload []byte) *Request {
	const op = "comm.IsendReserved"
	if err := g.checkRank(op, dst, false); err != nil {
		return completedRequest(err)
	}
	if tag >= 0 {
		return completedRequest(errs.InvalidArgument(op, g.rank, "tag %d was not reserved", tag))
	}
	return completedRequest(errs.Wrap(op, g.rank, g.send(ctx, dst, tag, payload)))
}

// IrecvReserved is Irecv on a tag obtained from ReserveTag
func (g *Group) IrecvReserved(src, tag int) *Request {
	const op = "comm.IrecvReserved"
	if err := g.checkRank(op, src, true); err != nil {
		return completedRequest(err)
	}
	if tag >= 0 {
		return completedRequest(errs.InvalidArgument(op, g.rank, "tag %d was not reserved", tag))
	}
	return g.recv(src, tag)
}
