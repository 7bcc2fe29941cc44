package partition

import (
	"context"
	"fmt"
	"sort"

	"github.com/rbaliyan/distmap/comm"
	"github.com/rbaliyan/distmap/errs"
	"github.com/rbaliyan/distmap/exchange"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Sentinels of unresolved entries
const (
	NoOwner      = -1
	InvalidLocal = -1
)

// Status summarizes a Resolve call
type Status int

const (
	// AllFound means every queried index has an owner
	AllFound Status = iota
	// SomeNotFound means at least one queried index is owned by no process
	SomeNotFound
)

func (s Status) String() string {
	if s == AllFound {
		return "all found"
	}
	return "some not found"
}

// Strategy is the way a Directory resolves owners, chosen from the shape of
// its partition
type Strategy int

const (
	// StrategyReplicated answers locally: every process owns everything
	StrategyReplicated Strategy = iota
	// StrategyUniform answers by the NewUniform allocation formula
	StrategyUniform
	// StrategyContiguous searches the gathered range starts of all ranks
	StrategyContiguous
	// StrategyNoncontiguous asks a distributed table keyed by global index
	StrategyNoncontiguous
)

func (s Strategy) String() string {
	switch s {
	case StrategyReplicated:
		return "replicated"
	case StrategyUniform:
		return "uniform"
	case StrategyContiguous:
		return "contiguous"
	case StrategyNoncontiguous:
		return "noncontiguous"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// Directory resolves global indices of a partition to owning ranks and their
// local indices. It holds no reference to its partition: every method takes
// the partition it was built for.
type Directory struct {
	strategy Strategy
	oneToOne bool

	// StrategyContiguous: range start of every rank, plus maxAll+1
	starts []int64

	// StrategyNoncontiguous
	table   *Partition // uniform over [minAll, maxAll]
	owners  []int      // dense storage, indexed by table local index
	lids    []int
	entries map[int]entry // sparse storage
}

type entry struct{ owner, lid int }

// Directory returns the directory of the partition, building it on the first
// call. Collective on the first call; every rank must make it.
func (p *Partition) Directory(ctx context.Context) (*Directory, error) {
	p.dirMu.Lock()
	defer p.dirMu.Unlock()
	if p.dir != nil {
		return p.dir, nil
	}
	d, err := newDirectory(ctx, p)
	if err != nil {
		return nil, err
	}
	p.dir = d
	return d, nil
}

func newDirectory(ctx context.Context, p *Partition) (d *Directory, err error) {
	const op = "partition.Directory"
	if p.globalCount == 0 {
		return nil, errs.Runtime(op, p.g.Rank(), "partition has no elements")
	}
	ctx, span := startSpan(ctx, p.g, "directory.build")
	defer func() { endSpan(span, err) }()

	d = &Directory{oneToOne: true}
	switch {
	case !p.distributed:
		d.strategy = StrategyReplicated
		d.oneToOne = p.g.Size() == 1 && !hasDuplicates(p.OwnedGlobalIDs())
	case p.uniform && p.contiguous:
		d.strategy = StrategyUniform
	case p.contiguous:
		d.strategy = StrategyContiguous
		err = d.gatherStarts(ctx, p)
	default:
		d.strategy = StrategyNoncontiguous
		err = d.distribute(ctx, p)
	}
	if err != nil {
		return nil, errs.Wrap(op, p.g.Rank(), err)
	}

	inst.directories.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", d.strategy.String())))
	span.SetAttributes(attribute.String("strategy", d.strategy.String()))
	p.logger().Debug("directory built", "strategy", d.strategy, "one_to_one", d.oneToOne)
	return d, nil
}

func (d *Directory) gatherStarts(ctx context.Context, p *Partition) error {
	mins, err := comm.AllGather(ctx, p.g, p.minLocal)
	if err != nil {
		return err
	}
	d.starts = append(mins, p.maxAll+1)
	return nil
}

// distribute sends every owned (global index, rank, local index) triple to the
// rank holding that index's slot of the table partition
func (d *Directory) distribute(ctx context.Context, p *Partition) error {
	g := p.g
	me := int64(g.Rank())
	d.table = newUniformDistributed(g, p.maxAll-p.minAll+1, p.minAll, p.opts)

	gids := p.OwnedGlobalIDs()
	dest := make([]int, len(gids))
	triples := make([]int64, 0, 3*len(gids))
	for l, gid := range gids {
		dest[l], _ = d.table.uniformOwner(gid)
		triples = append(triples, gid, me, int64(l))
	}
	plan, err := exchange.NewPlan(ctx, g, dest)
	if err != nil {
		return err
	}
	recv, err := exchange.ExchangeBlocks(ctx, plan, triples, 3)
	if err != nil {
		return err
	}

	slots := d.table.localCount
	if float64(slots) >= p.opts.sparsityThreshold*float64(p.localCount) {
		d.entries = make(map[int]entry, len(recv)/3)
	} else {
		d.owners = make([]int, slots)
		d.lids = make([]int, slots)
		for i := range d.owners {
			d.owners[i], d.lids[i] = NoOwner, InvalidLocal
		}
	}

	// first entry wins: lowest rank, then lowest local index
	dup := false
	for i := 0; i < len(recv); i += 3 {
		slot := int(recv[i] - d.table.minLocal)
		if !d.store(slot, int(recv[i+1]), int(recv[i+2])) {
			dup = true
		}
	}

	flag := 0
	if dup {
		flag = 1
	}
	anyDup, err := comm.AllReduce(ctx, g, []int{flag}, comm.Max)
	if err != nil {
		return err
	}
	d.oneToOne = anyDup[0] == 0
	return nil
}

// store records the owner of a table slot unless one is already known
func (d *Directory) store(slot, owner, lid int) bool {
	if d.entries != nil {
		if _, ok := d.entries[slot]; ok {
			return false
		}
		d.entries[slot] = entry{owner: owner, lid: lid}
		return true
	}
	if d.owners[slot] != NoOwner {
		return false
	}
	d.owners[slot], d.lids[slot] = owner, lid
	return true
}

func (d *Directory) lookup(slot int) (int, int) {
	if d.entries != nil {
		if e, ok := d.entries[slot]; ok {
			return e.owner, e.lid
		}
		return NoOwner, InvalidLocal
	}
	return d.owners[slot], d.lids[slot]
}

// uniformOwner applies the NewUniform allocation formula of a uniform
// distributed partition to gid, which must lie in [minAll, maxAll]
func (p *Partition) uniformOwner(gid int64) (int, int) {
	return uniformOwner(p.globalCount, p.indexBase, p.g.Size(), gid)
}

func uniformOwner(count, indexBase int64, size int, gid int64) (int, int) {
	n, rem := count/int64(size), count%int64(size)
	g0 := gid - indexBase
	if g0 < rem*(n+1) {
		return int(g0 / (n + 1)), int(g0 % (n + 1))
	}
	g0 -= rem * (n + 1)
	return int(rem + g0/n), int(g0 % n)
}

// Strategy returns the resolution strategy of the directory
func (d *Directory) Strategy() Strategy { return d.strategy }

// Resolve returns the owning rank and the owner's local index of every gid.
// Unowned indices get NoOwner and InvalidLocal. Collective.
func (d *Directory) Resolve(ctx context.Context, p *Partition, gids []int64) ([]int, []int, Status, error) {
	owners, lids, err := d.resolve(ctx, p, gids, true)
	if err != nil {
		return nil, nil, SomeNotFound, err
	}
	return owners, lids, status(owners), nil
}

// ResolveOwners is Resolve without local indices. Collective.
func (d *Directory) ResolveOwners(ctx context.Context, p *Partition, gids []int64) ([]int, Status, error) {
	owners, _, err := d.resolve(ctx, p, gids, false)
	if err != nil {
		return nil, SomeNotFound, err
	}
	return owners, status(owners), nil
}

func status(owners []int) Status {
	for _, o := range owners {
		if o == NoOwner {
			return SomeNotFound
		}
	}
	return AllFound
}

func (d *Directory) resolve(ctx context.Context, p *Partition, gids []int64, withLocal bool) (owners, lids []int, err error) {
	owners = make([]int, len(gids))
	if withLocal {
		lids = make([]int, len(gids))
	}
	set := func(i, owner, lid int) {
		owners[i] = owner
		if withLocal {
			lids[i] = lid
		}
	}

	switch d.strategy {
	case StrategyReplicated:
		me := p.g.Rank()
		for i, gid := range gids {
			if l, ok := p.LocalOf(gid); ok {
				set(i, me, l)
			} else {
				set(i, NoOwner, InvalidLocal)
			}
		}
	case StrategyUniform:
		for i, gid := range gids {
			if gid < p.minAll || gid > p.maxAll {
				set(i, NoOwner, InvalidLocal)
				continue
			}
			owner, lid := p.uniformOwner(gid)
			set(i, owner, lid)
		}
	case StrategyContiguous:
		for i, gid := range gids {
			if gid < p.minAll || gid > p.maxAll {
				set(i, NoOwner, InvalidLocal)
				continue
			}
			// last rank whose range starts at or below gid; empty ranks share
			// their start with the next rank and are skipped
			r := sort.Search(len(d.starts), func(k int) bool { return d.starts[k] > gid }) - 1
			set(i, r, int(gid-d.starts[r]))
		}
	case StrategyNoncontiguous:
		return d.resolveRemote(ctx, p, gids, withLocal)
	}
	return owners, lids, nil
}

// resolveRemote asks the table rank of every gid for its owner. The answers
// travel back through the reverse of the query plan.
func (d *Directory) resolveRemote(ctx context.Context, p *Partition, gids []int64, withLocal bool) (owners, lids []int, err error) {
	ctx, span := startSpan(ctx, p.g, "directory.resolve")
	defer func() { endSpan(span, err) }()

	dest := make([]int, len(gids))
	for i, gid := range gids {
		if gid < p.minAll || gid > p.maxAll {
			dest[i] = exchange.Drop
			continue
		}
		dest[i], _ = d.table.uniformOwner(gid)
	}
	plan, asked, _, err := exchange.NewPlanFromRecvs(ctx, p.g, gids, dest)
	if err != nil {
		return nil, nil, err
	}

	bs := 1
	if withLocal {
		bs = 2
	}
	answers := make([]int64, 0, bs*len(asked))
	for _, gid := range asked {
		owner, lid := d.lookup(int(gid - d.table.minLocal))
		answers = append(answers, int64(owner))
		if withLocal {
			answers = append(answers, int64(lid))
		}
	}
	got, err := exchange.ExchangeBlocks(ctx, plan, answers, bs)
	if err != nil {
		return nil, nil, err
	}

	owners = make([]int, len(gids))
	if withLocal {
		lids = make([]int, len(gids))
	}
	for i := range gids {
		if dest[i] == exchange.Drop {
			owners[i] = NoOwner
			if withLocal {
				lids[i] = InvalidLocal
			}
			continue
		}
		owners[i] = int(got[i*bs])
		if withLocal {
			lids[i] = int(got[i*bs+1])
		}
	}
	return owners, lids, nil
}

// Resolve returns the owning rank and the owner's local index of every gid,
// building the directory on first use. Indices owned by no process get
// NoOwner and InvalidLocal, and the status is SomeNotFound. Resolving against
// a partition with no elements fails with errs.ErrRuntime. Collective.
func (p *Partition) Resolve(ctx context.Context, gids []int64) (owners, lids []int, st Status, err error) {
	d, err := p.Directory(ctx)
	if err != nil {
		return nil, nil, SomeNotFound, err
	}
	owners, lids, st, err = d.Resolve(ctx, p, gids)
	if err != nil {
		return nil, nil, SomeNotFound, errs.Wrap("partition.Resolve", p.g.Rank(), err)
	}
	return owners, lids, st, nil
}

// ResolveOwners is Resolve without local indices. Collective.
func (p *Partition) ResolveOwners(ctx context.Context, gids []int64) ([]int, Status, error) {
	d, err := p.Directory(ctx)
	if err != nil {
		return nil, SomeNotFound, err
	}
	owners, st, err := d.ResolveOwners(ctx, p, gids)
	if err != nil {
		return nil, SomeNotFound, errs.Wrap("partition.ResolveOwners", p.g.Rank(), err)
	}
	return owners, st, nil
}

// IsOneToOne reports whether no global index is owned by more than one
// process. Collective.
func (p *Partition) IsOneToOne(ctx context.Context) (bool, error) {
	if p.globalCount == 0 {
		return true, nil
	}
	d, err := p.Directory(ctx)
	if err != nil {
		return false, err
	}
	return d.oneToOne, nil
}

func hasDuplicates(gids []int64) bool {
	seen := make(map[int64]struct{}, len(gids))
	for _, gid := range gids {
		if _, ok := seen[gid]; ok {
			return true
		}
		seen[gid] = struct{}{}
	}
	return false
}
