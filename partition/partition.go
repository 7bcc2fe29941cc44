// Package partition describes how a globally indexed set of elements is split
// across the processes of a group, and resolves which process owns any global
// index.
//
// A Partition maps the local indices [0, LocalCount) of every process to global
// indices. Three constructors exist:
//   - NewUniform: an even, contiguous, rank-ordered split of a known count
//     (or full replication of it)
//   - NewContiguous: contiguous ranges of caller-chosen per-process sizes
//   - NewArbitrary: any list of global indices per process, possibly
//     overlapping and out of order
//
// # Basic Usage
//
//	p, err := partition.NewUniform(ctx, 10, 0, g, partition.Distributed)
//	// with 4 processes: local counts 3, 3, 2, 2
//
//	l, ok := p.LocalOf(4)  // on rank 1: 1, true
//	gid, ok := p.GlobalOf(0) // on rank 1: 3, true
//
// # Remote Ownership
//
// A Partition answers only for the calling process. To find the owner of an
// arbitrary global index, call Resolve, which builds the partition's Directory
// on first use:
//
//	owners, lids, status, err := p.Resolve(ctx, []int64{0, 7, 42})
//	if status == partition.SomeNotFound {
//	    // some index is owned by nobody; its owner is partition.NoOwner
//	}
//
// Constructors, Resolve, IsCompatible, IsSameAs, IsOneToOne,
// RemoveEmptyProcesses and ReplaceGroup are collective: every member of the
// group must call them in the same order.
//
// # Thread Safety
//
// A Partition is immutable after construction. The lazily built owned-index
// list and Directory are guarded internally, so queries may run concurrently.
// Collective calls still need one caller per process at a time.
package partition

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/rbaliyan/distmap/comm"
	"github.com/rbaliyan/distmap/errs"
)

// Mode selects how NewUniform places elements
type Mode int

const (
	// Distributed splits the elements over the group
	Distributed Mode = iota
	// Replicated gives every process every element
	Replicated
)

func (m Mode) String() string {
	switch m {
	case Distributed:
		return "distributed"
	case Replicated:
		return "replicated"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Auto asks NewContiguous and NewArbitrary to compute the global count
const Auto int64 = -1

// Partition is an immutable description of a global to local index distribution
type Partition struct {
	g    *comm.Group
	opts *options

	indexBase   int64
	globalCount int64
	localCount  int

	minLocal, maxLocal int64 // empty ranks: maxLocal == minLocal-1
	minAll, maxAll     int64

	uniform     bool
	contiguous  bool
	distributed bool

	// non-contiguous partitions only
	lgMap  []int64       // local -> global
	runLen int           // lgMap[:runLen] counts up by one from lgMap[0]
	glMap  map[int64]int // global -> local for entries outside the run

	lgOnce sync.Once
	lgLazy []int64 // contiguous partitions, built on demand

	dirMu sync.Mutex
	dir   *Directory
}

// NewUniform splits globalCount elements starting at indexBase over g. In
// Distributed mode rank r of P gets globalCount/P elements, plus one if
// r < globalCount%P, in rank order. In Replicated mode every rank gets all of
// them.
//
// No communication unless debug checks are enabled on the group, in which case
// all ranks verify they passed the same arguments.
func NewUniform(ctx context.Context, globalCount, indexBase int64, g *comm.Group, mode Mode, opts ...Option) (*Partition, error) {
	const op = "partition.NewUniform"
	if globalCount < 0 {
		return nil, errs.InvalidArgument(op, g.Rank(), "global count %d is negative", globalCount)
	}
	if mode != Distributed && mode != Replicated {
		return nil, errs.InvalidArgument(op, g.Rank(), "unknown mode %v", mode)
	}
	if !spanFits(indexBase, globalCount) {
		return nil, errs.InvalidArgument(op, g.Rank(), "%d elements from %d overflow the index space", globalCount, indexBase)
	}
	if g.Debug() {
		if err := checkSameArgs(ctx, g, op, nil, globalCount, indexBase); err != nil {
			return nil, err
		}
	}

	o := newOptions(opts...)
	var p *Partition
	if mode == Replicated {
		p = newReplicated(g, globalCount, indexBase, o)
	} else {
		p = newUniformDistributed(g, globalCount, indexBase, o)
	}
	p.logger().Debug("partition created", "kind", "uniform", "mode", mode, "global", globalCount, "local", p.localCount)
	return p, nil
}

// NewLocal returns a partition where every process owns all count elements.
// Local; no communication.
func NewLocal(count, indexBase int64, g *comm.Group, opts ...Option) (*Partition, error) {
	if count < 0 {
		return nil, errs.InvalidArgument("partition.NewLocal", g.Rank(), "count %d is negative", count)
	}
	if !spanFits(indexBase, count) {
		return nil, errs.InvalidArgument("partition.NewLocal", g.Rank(), "%d elements from %d overflow the index space", count, indexBase)
	}
	return newReplicated(g, count, indexBase, newOptions(opts...)), nil
}

func newReplicated(g *comm.Group, count, indexBase int64, o *options) *Partition {
	return &Partition{
		g:           g,
		opts:        o,
		indexBase:   indexBase,
		globalCount: count,
		localCount:  int(count),
		minLocal:    indexBase,
		maxLocal:    indexBase + count - 1,
		minAll:      indexBase,
		maxAll:      indexBase + count - 1,
		uniform:     true,
		contiguous:  true,
	}
}

func newUniformDistributed(g *comm.Group, count, indexBase int64, o *options) *Partition {
	size, rank := int64(g.Size()), int64(g.Rank())
	n, rem := count/size, count%size
	local := n
	if rank < rem {
		local++
	}
	start := rank*n + min(rank, rem)
	return &Partition{
		g:           g,
		opts:        o,
		indexBase:   indexBase,
		globalCount: count,
		localCount:  int(local),
		minLocal:    indexBase + start,
		maxLocal:    indexBase + start + local - 1,
		minAll:      indexBase,
		maxAll:      indexBase + count - 1,
		uniform:     true,
		contiguous:  true,
		distributed: size > 1 && count > 0,
	}
}

// NewContiguous gives each rank localCount consecutive elements, ranks in
// order, starting at indexBase. globalCount is Auto or must equal the sum of
// the local counts. Collective.
func NewContiguous(ctx context.Context, globalCount int64, localCount int, indexBase int64, g *comm.Group, opts ...Option) (*Partition, error) {
	const op = "partition.NewContiguous"
	var localErr error
	switch {
	case localCount < 0:
		localErr = errs.InvalidArgument(op, g.Rank(), "local count %d is negative", localCount)
	case globalCount < Auto:
		localErr = errs.InvalidArgument(op, g.Rank(), "global count %d is negative", globalCount)
	}
	if err := checkSameArgs(ctx, g, op, localErr, globalCount, indexBase); err != nil {
		return nil, err
	}

	incl, err := comm.Scan(ctx, g, []int64{int64(localCount)}, comm.Sum)
	if err != nil {
		return nil, errs.Wrap(op, g.Rank(), err)
	}
	total, err := comm.Broadcast(ctx, g, g.Size()-1, incl[0])
	if err != nil {
		return nil, errs.Wrap(op, g.Rank(), err)
	}
	if globalCount != Auto && globalCount != total {
		return nil, errs.InvalidArgument(op, g.Rank(), "global count %d does not match the %d local elements", globalCount, total)
	}
	if !spanFits(indexBase, total) {
		return nil, errs.InvalidArgument(op, g.Rank(), "%d elements from %d overflow the index space", total, indexBase)
	}

	start := indexBase + incl[0] - int64(localCount)
	p := &Partition{
		g:           g,
		opts:        newOptions(opts...),
		indexBase:   indexBase,
		globalCount: total,
		localCount:  localCount,
		minLocal:    start,
		maxLocal:    start + int64(localCount) - 1,
		minAll:      indexBase,
		maxAll:      indexBase + total - 1,
		contiguous:  true,
		distributed: g.Size() > 1 && total > 0,
	}
	p.logger().Debug("partition created", "kind", "contiguous", "global", total, "local", localCount)
	return p, nil
}

// NewArbitrary builds a partition from the global indices each rank owns, in
// local index order. Lists may overlap across ranks and may repeat an index
// within a rank: every entry gets its own local index and counts toward the
// global count. LocalOf of a repeated index returns its entry in the leading
// contiguous run if it has one there, otherwise its last entry.
// globalCount is Auto or must equal the total number of entries. Collective.
func NewArbitrary(ctx context.Context, globalCount int64, gids []int64, indexBase int64, g *comm.Group, opts ...Option) (*Partition, error) {
	const op = "partition.NewArbitrary"
	var localErr error
	if globalCount < Auto {
		localErr = errs.InvalidArgument(op, g.Rank(), "global count %d is negative", globalCount)
	}
	for i, gid := range gids {
		if localErr != nil {
			break
		}
		if gid < indexBase {
			localErr = errs.InvalidArgument(op, g.Rank(), "entry %d is global index %d, below index base %d", i, gid, indexBase)
		}
	}
	if err := checkSameArgs(ctx, g, op, localErr, globalCount, indexBase); err != nil {
		return nil, err
	}

	sum, err := comm.AllReduce(ctx, g, []int64{int64(len(gids))}, comm.Sum)
	if err != nil {
		return nil, errs.Wrap(op, g.Rank(), err)
	}
	total := sum[0]
	if globalCount != Auto && globalCount != total {
		return nil, errs.InvalidArgument(op, g.Rank(), "global count %d does not match the %d listed elements", globalCount, total)
	}

	p := &Partition{
		g:           g,
		opts:        newOptions(opts...),
		indexBase:   indexBase,
		globalCount: total,
		localCount:  len(gids),
		lgMap:       append([]int64(nil), gids...),
	}
	p.indexLocal()

	localMin, localMax := int64(math.MaxInt64), int64(math.MinInt64)
	if p.localCount > 0 {
		localMin, localMax = p.minLocal, p.maxLocal
	}
	minAll, maxAll, underFull, err := reduceMinMaxFlag(ctx, g, localMin, localMax, int64(p.localCount) < total)
	if err != nil {
		return nil, errs.Wrap(op, g.Rank(), err)
	}
	if total == 0 {
		minAll, maxAll = indexBase, indexBase-1
	}
	// the directory tables the whole [minAll, maxAll] range
	if span := maxAll - minAll; total > 0 && (span < 0 || span == math.MaxInt64 || !spanFits(minAll, span+1)) {
		return nil, errs.InvalidArgument(op, g.Rank(), "global indices %d..%d span more than the index space", minAll, maxAll)
	}
	p.minAll, p.maxAll = minAll, maxAll
	p.distributed = g.Size() > 1 && underFull

	p.logger().Debug("partition created", "kind", "arbitrary", "global", total, "local", p.localCount,
		"initial_run", p.runLen)
	return p, nil
}

// indexLocal computes local bounds, the initial contiguous run and the
// global -> local table of a non-contiguous partition from lgMap
func (p *Partition) indexLocal() {
	if len(p.lgMap) == 0 {
		p.minLocal, p.maxLocal = p.indexBase, p.indexBase-1
		return
	}
	first := p.lgMap[0]
	p.runLen = 1
	for p.runLen < len(p.lgMap) && p.lgMap[p.runLen] == first+int64(p.runLen) {
		p.runLen++
	}
	p.glMap = make(map[int64]int, len(p.lgMap)-p.runLen)
	p.minLocal, p.maxLocal = first, first
	for l, gid := range p.lgMap {
		p.minLocal = min(p.minLocal, gid)
		p.maxLocal = max(p.maxLocal, gid)
		if l < p.runLen {
			continue
		}
		if !p.inRun(gid) {
			p.glMap[gid] = l
		}
	}
}

// spanFits reports whether count indices from base, and the one past them,
// are representable
func spanFits(base, count int64) bool {
	return base < 0 || count <= math.MaxInt64-base
}

func (p *Partition) inRun(gid int64) bool {
	return p.runLen > 0 && gid >= p.lgMap[0] && gid < p.lgMap[0]+int64(p.runLen)
}

// checkSameArgs fails every rank when any rank found a local error or the ranks
// disagree on the global count or the index base
func checkSameArgs(ctx context.Context, g *comm.Group, op string, localErr error, globalCount, indexBase int64) error {
	bad := int64(0)
	if localErr != nil {
		bad = 1
	}
	v, err := comm.AllReduce(ctx, g, []int64{bad, globalCount, -globalCount, indexBase, -indexBase}, comm.Max)
	if err != nil {
		return errs.Wrap(op, g.Rank(), err)
	}
	switch {
	case localErr != nil:
		return localErr
	case v[0] != 0:
		return errs.InvalidArgument(op, g.Rank(), "invalid arguments on another rank")
	case v[1] != -v[2]:
		return errs.InvalidArgument(op, g.Rank(), "ranks disagree on the global count (%d..%d)", -v[2], v[1])
	case v[3] != -v[4]:
		return errs.InvalidArgument(op, g.Rank(), "ranks disagree on the index base (%d..%d)", -v[4], v[3])
	}
	return nil
}

func (p *Partition) logger() *slog.Logger {
	if p.opts.logger != nil {
		return p.opts.logger
	}
	return p.g.Logger().With("component", "partition")
}

// Group returns the process group of the partition
func (p *Partition) Group() *comm.Group { return p.g }

// IndexBase returns the smallest valid global index
func (p *Partition) IndexBase() int64 { return p.indexBase }

// GlobalCount returns the number of elements over all processes
func (p *Partition) GlobalCount() int64 { return p.globalCount }

// LocalCount returns the number of elements owned by the calling process
func (p *Partition) LocalCount() int { return p.localCount }

// MinLocalIndex returns the smallest local index, always 0
func (p *Partition) MinLocalIndex() int { return 0 }

// MaxLocalIndex returns the largest local index, -1 when nothing is owned
func (p *Partition) MaxLocalIndex() int { return p.localCount - 1 }

// MinLocalGlobalID returns the smallest global index owned locally
func (p *Partition) MinLocalGlobalID() int64 { return p.minLocal }

// MaxLocalGlobalID returns the largest global index owned locally. It is below
// MinLocalGlobalID when nothing is owned.
func (p *Partition) MaxLocalGlobalID() int64 { return p.maxLocal }

// MinGlobalID returns the smallest global index owned by any process
func (p *Partition) MinGlobalID() int64 { return p.minAll }

// MaxGlobalID returns the largest global index owned by any process
func (p *Partition) MaxGlobalID() int64 { return p.maxAll }

// IsUniform reports whether the partition was built by NewUniform
func (p *Partition) IsUniform() bool { return p.uniform }

// IsContiguous reports whether every process owns one range, ranges ordered by rank
func (p *Partition) IsContiguous() bool { return p.contiguous }

// IsDistributed reports whether the group has more than one process and some
// process does not own every element
func (p *Partition) IsDistributed() bool { return p.distributed }

func (p *Partition) String() string {
	return fmt.Sprintf("Partition{global=%d local=%d base=%d local=[%d,%d] all=[%d,%d] contiguous=%t uniform=%t distributed=%t}",
		p.globalCount, p.localCount, p.indexBase, p.minLocal, p.maxLocal, p.minAll, p.maxAll,
		p.contiguous, p.uniform, p.distributed)
}
