package partition

import (
	"context"
	"slices"

	"github.com/rbaliyan/distmap/comm"
	"github.com/rbaliyan/distmap/errs"
)

// IsCompatible reports whether both partitions have the same global count and
// the same local count on every process. Both groups must have the same size.
// Collective.
func (p *Partition) IsCompatible(ctx context.Context, other *Partition) (bool, error) {
	const op = "partition.IsCompatible"
	if err := p.checkComparable(op, other); err != nil {
		return false, err
	}
	if p == other {
		return true, nil
	}
	if p.globalCount != other.globalCount {
		return false, nil
	}
	return allTrue(ctx, p.g, op, p.localCount == other.localCount)
}

// IsSameAs reports whether both partitions have congruent groups, the same
// global shape and the same global indices in the same local order on every
// process. Collective.
func (p *Partition) IsSameAs(ctx context.Context, other *Partition) (bool, error) {
	const op = "partition.IsSameAs"
	if err := p.checkComparable(op, other); err != nil {
		return false, err
	}
	if p == other {
		return true, nil
	}
	// globally known attributes: every rank takes the same branch
	if !p.g.Congruent(other.g) ||
		p.globalCount != other.globalCount ||
		p.indexBase != other.indexBase ||
		p.minAll != other.minAll ||
		p.maxAll != other.maxAll ||
		p.distributed != other.distributed {
		return false, nil
	}
	return allTrue(ctx, p.g, op, p.sameLocal(other))
}

func (p *Partition) sameLocal(other *Partition) bool {
	if p.localCount != other.localCount {
		return false
	}
	if p.localCount == 0 {
		return true
	}
	if p.minLocal != other.minLocal || p.maxLocal != other.maxLocal {
		return false
	}
	if p.contiguous && other.contiguous {
		return true
	}
	return slices.Equal(p.OwnedGlobalIDs(), other.OwnedGlobalIDs())
}

func (p *Partition) checkComparable(op string, other *Partition) error {
	if other == nil {
		return errs.InvalidArgument(op, p.g.Rank(), "other partition is nil")
	}
	if p.g.Size() != other.g.Size() {
		return errs.InvalidArgument(op, p.g.Rank(), "groups have %d and %d processes", p.g.Size(), other.g.Size())
	}
	return nil
}

// allTrue is the logical AND of local over the group
func allTrue(ctx context.Context, g *comm.Group, op string, local bool) (bool, error) {
	v := 0
	if local {
		v = 1
	}
	res, err := comm.AllReduce(ctx, g, []int{v}, comm.LogicalAnd)
	if err != nil {
		return false, errs.Wrap(op, g.Rank(), err)
	}
	return res[0] != 0, nil
}

// RemoveEmptyProcesses returns the partition over the subgroup of processes
// that own at least one element. Processes that own nothing get nil.
// Collective over the original group.
func (p *Partition) RemoveEmptyProcesses(ctx context.Context) (*Partition, error) {
	const op = "partition.RemoveEmptyProcesses"
	color := 0
	if p.localCount == 0 {
		color = comm.Undefined
	}
	ng, err := p.g.Split(ctx, color, p.g.Rank())
	if err != nil {
		return nil, errs.Wrap(op, p.g.Rank(), err)
	}
	if ng == nil {
		return nil, nil
	}

	// the remaining ranks keep their indices and their order; a uniform split
	// only has empty ranks when every other rank owns one element, which is
	// again uniform over the smaller group
	q := p.withGroup(ng)
	q.distributed = p.distributed && ng.Size() > 1
	return q, nil
}

// ReplaceGroup returns the partition over ng, a subgroup of the partition's
// group built by the caller (for example with Split). Processes outside ng pass
// nil and get nil. Every process of ng keeps its global indices; global counts
// and bounds are recomputed over ng. Collective over ng.
func (p *Partition) ReplaceGroup(ctx context.Context, ng *comm.Group) (*Partition, error) {
	const op = "partition.ReplaceGroup"
	if ng == nil {
		return nil, nil
	}
	if !p.distributed && p.contiguous {
		return p.withGroup(ng), nil
	}
	if p.contiguous {
		q, ok, err := p.contiguousOver(ctx, ng)
		if err != nil {
			return nil, errs.Wrap(op, ng.Rank(), err)
		}
		if ok {
			return q, nil
		}
	}

	var opts []Option
	if p.opts.logger != nil {
		opts = append(opts, WithLogger(p.opts.logger))
	}
	opts = append(opts, WithSparsityThreshold(p.opts.sparsityThreshold))
	q, err := NewArbitrary(ctx, Auto, p.OwnedGlobalIDs(), p.indexBase, ng, opts...)
	if err != nil {
		return nil, errs.Wrap(op, ng.Rank(), err)
	}
	return q, nil
}

// contiguousOver rebuilds a contiguous partition over ng when the ranges of the
// remaining ranks still abut in rank order
func (p *Partition) contiguousOver(ctx context.Context, ng *comm.Group) (*Partition, bool, error) {
	ranges, err := comm.AllGather(ctx, ng, [2]int64{p.minLocal, int64(p.localCount)})
	if err != nil {
		return nil, false, err
	}

	first := -1
	for r, rg := range ranges {
		if rg[1] > 0 {
			first = r
			break
		}
	}
	if first < 0 {
		q := p.withGroup(ng)
		q.globalCount, q.localCount = 0, 0
		q.minLocal, q.maxLocal = p.indexBase, p.indexBase-1
		q.minAll, q.maxAll = p.indexBase, p.indexBase-1
		q.uniform, q.distributed = false, false
		return q, true, nil
	}

	next := ranges[first][0]
	myStart := next
	for r, rg := range ranges {
		if rg[1] > 0 && rg[0] != next {
			return nil, false, nil
		}
		if r == ng.Rank() {
			myStart = next
		}
		next += rg[1]
	}

	q := p.withGroup(ng)
	q.globalCount = next - ranges[first][0]
	q.minAll, q.maxAll = ranges[first][0], next-1
	q.minLocal, q.maxLocal = myStart, myStart+int64(p.localCount)-1
	q.uniform = p.uniform && ng.Congruent(p.g)
	q.distributed = ng.Size() > 1 && q.globalCount > 0
	return q, true, nil
}

// withGroup copies the partition onto another group. Caches are not copied.
func (p *Partition) withGroup(ng *comm.Group) *Partition {
	return &Partition{
		g:           ng,
		opts:        p.opts,
		indexBase:   p.indexBase,
		globalCount: p.globalCount,
		localCount:  p.localCount,
		minLocal:    p.minLocal,
		maxLocal:    p.maxLocal,
		minAll:      p.minAll,
		maxAll:      p.maxAll,
		uniform:     p.uniform,
		contiguous:  p.contiguous,
		distributed: p.distributed,
		lgMap:       p.lgMap,
		runLen:      p.runLen,
		glMap:       p.glMap,
	}
}
