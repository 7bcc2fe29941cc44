package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/rbaliyan/distmap/comm"
	"github.com/rbaliyan/distmap/errs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Drop is the destination of an item that is not sent anywhere.
// Any negative destination drops its item.
const Drop = -1

// Plan is the send and receive schedule of a personalized all-to-all exchange
// over a group. It is built collectively and reused for any number of
// exchanges with the same pattern.
//
// The send side lists target ranks in ascending order. When the caller's items
// are already grouped by destination, each target's items are a contiguous run
// of the export buffer starting at SendStarts()[k]. Otherwise the plan carries
// a permutation from position in an implicit send buffer to item index.
//
// The receive side lists source ranks in ascending order; items from
// RecvSources()[j] land at RecvStarts()[j] of the import buffer. Self messages
// are listed on both sides and never touch the transport.
//
// A Plan may be read concurrently, but exchanges on one Plan must be sequential.
type Plan struct {
	g      *comm.Group
	logger *slog.Logger

	procsTo    []int
	lengthsTo  []int
	startsTo   []int
	indicesTo  []int // send position -> export item; nil when grouped
	numExports int   // items in the export buffer, dropped ones included

	procsFrom   []int
	lengthsFrom []int
	startsFrom  []int
	indicesFrom []int // receive position -> import item; set on reverse plans only
	totalRecv   int
	numImports  int

	selfMessage bool

	reverseOnce sync.Once
	reverse     *Plan
}

// NewPlan builds a plan from the destination rank of every local item.
// Collective.
//
// Negative destinations drop their item. A destination at or beyond the group
// size fails the call with errs.ErrInvalidArgument on every rank.
func NewPlan(ctx context.Context, g *comm.Group, dest []int, opts ...Option) (*Plan, error) {
	return newPlan(ctx, g, dest, nil, newOptions(opts...))
}

func newPlan(ctx context.Context, g *comm.Group, dest []int, localErr error, o *options) (p *Plan, err error) {
	const op = "exchange.NewPlan"
	ctx, span := startSpan(ctx, g, "new_plan")
	defer func() { endSpan(span, err) }()

	size, me := g.Size(), g.Rank()
	if localErr == nil {
		for i, d := range dest {
			if d >= size {
				localErr = errs.InvalidArgument(op, me, "item %d has destination %d, group size is %d", i, d, size)
				break
			}
		}
	}
	if err := agree(ctx, g, op, localErr); err != nil {
		return nil, err
	}

	p = newEmptyPlan(g, o)
	p.numExports = len(dest)

	counts := make([]int, size)
	first := make([]int, size)
	seen := make([]bool, size)
	grouped := true
	last := Drop
	for i, d := range dest {
		if d < 0 {
			grouped = false
			continue
		}
		counts[d]++
		if d == last {
			continue
		}
		if seen[d] {
			grouped = false
		}
		seen[d] = true
		first[d] = i
		last = d
	}

	for r, c := range counts {
		if c > 0 {
			p.procsTo = append(p.procsTo, r)
			p.lengthsTo = append(p.lengthsTo, c)
		}
	}
	p.startsTo = make([]int, len(p.procsTo))
	if grouped {
		for k, r := range p.procsTo {
			p.startsTo[k] = first[r]
		}
	} else {
		cursor := make([]int, size)
		off := 0
		for k, r := range p.procsTo {
			p.startsTo[k] = off
			cursor[r] = off
			off += p.lengthsTo[k]
		}
		p.indicesTo = make([]int, off)
		for i, d := range dest {
			if d < 0 {
				continue
			}
			p.indicesTo[cursor[d]] = i
			cursor[d]++
		}
		if o.warnOnPermute {
			p.logger.Warn("destinations not grouped by rank, using send permutation",
				"items", len(dest), "targets", len(p.procsTo))
		}
	}
	p.selfMessage = counts[me] > 0

	if err := p.computeReceives(ctx); err != nil {
		return nil, errs.Wrap(op, me, err)
	}
	p.record(ctx)
	return p, nil
}

// NewPlanFromSends builds a plan from explicit per-target item counts. The
// export buffer holds the items of targets[0], then those of targets[1], and so
// on. Zero-length targets are kept: the target receives an empty message and
// lists the caller among its sources. Collective.
func NewPlanFromSends(ctx context.Context, g *comm.Group, targets, lengths []int, opts ...Option) (p *Plan, err error) {
	const op = "exchange.NewPlanFromSends"
	o := newOptions(opts...)
	ctx, span := startSpan(ctx, g, "new_plan_from_sends")
	defer func() { endSpan(span, err) }()

	size, me := g.Size(), g.Rank()
	localErr := func() error {
		if len(targets) != len(lengths) {
			return errs.InvalidArgument(op, me, "%d targets but %d lengths", len(targets), len(lengths))
		}
		seen := make([]bool, size)
		for k, t := range targets {
			if t < 0 || t >= size {
				return errs.InvalidArgument(op, me, "target %d out of range for group of size %d", t, size)
			}
			if seen[t] {
				return errs.InvalidArgument(op, me, "target %d listed twice", t)
			}
			if lengths[k] < 0 {
				return errs.InvalidArgument(op, me, "negative length %d for target %d", lengths[k], t)
			}
			seen[t] = true
		}
		return nil
	}()
	if err := agree(ctx, g, op, localErr); err != nil {
		return nil, err
	}

	p = newEmptyPlan(g, o)
	order := make([]int, len(targets))
	offsets := make([]int, len(targets))
	for k := range targets {
		order[k] = k
		offsets[k] = p.numExports
		p.numExports += lengths[k]
	}
	sort.Slice(order, func(a, b int) bool { return targets[order[a]] < targets[order[b]] })
	for _, k := range order {
		p.procsTo = append(p.procsTo, targets[k])
		p.lengthsTo = append(p.lengthsTo, lengths[k])
		p.startsTo = append(p.startsTo, offsets[k])
		if targets[k] == me {
			p.selfMessage = true
		}
	}

	if err := p.computeReceives(ctx); err != nil {
		return nil, errs.Wrap(op, me, err)
	}
	p.record(ctx)
	return p, nil
}

// NewPlanFromRecvs builds a plan from the importing side. Every rank lists the
// ids it needs and the rank owning each of them (negative owner: not needed).
// The ids are shipped to their owners, which learn what to export.
//
// The returned plan runs from owners to importers: on each rank, exportIDs and
// exportRanks describe the items this rank must export, in export buffer order,
// and the import buffer is laid out like remoteIDs. Collective.
func NewPlanFromRecvs(ctx context.Context, g *comm.Group, remoteIDs []int64, remoteOwners []int, opts ...Option) (p *Plan, exportIDs []int64, exportRanks []int, err error) {
	const op = "exchange.NewPlanFromRecvs"
	var localErr error
	if len(remoteIDs) != len(remoteOwners) {
		localErr = errs.InvalidArgument(op, g.Rank(), "%d ids but %d owners", len(remoteIDs), len(remoteOwners))
	}
	request, err := newPlan(ctx, g, remoteOwners, localErr, newOptions(opts...))
	if err != nil {
		return nil, nil, nil, err
	}
	exportIDs, err = Exchange(ctx, request, remoteIDs)
	if err != nil {
		return nil, nil, nil, errs.Wrap(op, g.Rank(), err)
	}
	exportRanks = make([]int, 0, request.totalRecv)
	for j, src := range request.procsFrom {
		for range request.lengthsFrom[j] {
			exportRanks = append(exportRanks, src)
		}
	}
	return request.Reverse(), exportIDs, exportRanks, nil
}

func newEmptyPlan(g *comm.Group, o *options) *Plan {
	logger := o.logger
	if logger == nil {
		logger = g.Logger()
	}
	return &Plan{g: g, logger: logger.With("component", "exchange")}
}

// agree fails every rank when any rank found a local argument error
func agree(ctx context.Context, g *comm.Group, op string, localErr error) error {
	bad := 0
	if localErr != nil {
		bad = 1
	}
	flags, err := comm.AllReduce(ctx, g, []int{bad}, comm.Max)
	if err != nil {
		return errs.Wrap(op, g.Rank(), err)
	}
	if localErr != nil {
		return localErr
	}
	if flags[0] != 0 {
		return errs.InvalidArgument(op, g.Rank(), "invalid arguments on another rank")
	}
	return nil
}

// computeReceives discovers who sends to this rank and how much. A
// reduce-scatter of the target indicator vector gives the number of senders;
// each sender then reports its length in a message matched from any source.
func (p *Plan) computeReceives(ctx context.Context) error {
	g := p.g
	size, me := g.Size(), g.Rank()

	indicator := make([]int, size)
	ones := make([]int, size)
	for r := range ones {
		ones[r] = 1
	}
	for _, r := range p.procsTo {
		indicator[r] = 1
	}
	senders, err := comm.ReduceScatter(ctx, g, indicator, ones, comm.Sum)
	if err != nil {
		return err
	}
	numFrom := senders[0]
	remote := numFrom
	if p.selfMessage {
		remote--
	}

	tag := g.ReserveTag()
	reqs := make([]*comm.Request, remote)
	for i := range reqs {
		reqs[i] = g.IrecvReserved(comm.AnySource, tag)
	}
	for k, r := range p.procsTo {
		if r == me {
			continue
		}
		data, err := comm.Encode(p.lengthsTo[k])
		if err != nil {
			return err
		}
		if _, err := g.IsendReserved(ctx, r, tag, data).Wait(ctx); err != nil {
			return err
		}
	}

	type source struct{ rank, length int }
	sources := make([]source, 0, numFrom)
	for _, req := range reqs {
		st, err := req.Wait(ctx)
		if err != nil {
			return err
		}
		n, err := comm.Decode[int](req.Payload())
		if err != nil {
			return err
		}
		sources = append(sources, source{rank: st.Source, length: n})
	}
	if p.selfMessage {
		sources = append(sources, source{rank: me, length: p.lengthsTo[p.selfIndexTo()]})
	}
	slices.SortFunc(sources, func(a, b source) int { return a.rank - b.rank })

	p.procsFrom = make([]int, len(sources))
	p.lengthsFrom = make([]int, len(sources))
	p.startsFrom = make([]int, len(sources))
	for j, s := range sources {
		p.procsFrom[j] = s.rank
		p.lengthsFrom[j] = s.length
		p.startsFrom[j] = p.totalRecv
		p.totalRecv += s.length
	}
	p.numImports = p.totalRecv

	if g.Debug() {
		return p.checkReceives(ctx, numFrom)
	}
	return nil
}

// checkReceives re-derives the sender count and the receive total with
// all-reduces and compares them with the discovered schedule.
func (p *Plan) checkReceives(ctx context.Context, numFrom int) error {
	const op = "exchange.computeReceives"
	g := p.g
	size, me := g.Size(), g.Rank()

	direct := make([]int, 2*size)
	for k, r := range p.procsTo {
		direct[r] = 1
		direct[size+r] = p.lengthsTo[k]
	}
	sums, err := comm.AllReduce(ctx, g, direct, comm.Sum)
	if err != nil {
		return err
	}
	if sums[me] != numFrom || sums[me] != len(p.procsFrom) {
		return errs.Logic(op, me, "reduce-scatter found %d senders, direct count %d, schedule lists %d",
			numFrom, sums[me], len(p.procsFrom))
	}
	if sums[size+me] != p.totalRecv {
		return errs.Logic(op, me, "expecting %d items, senders declared %d", p.totalRecv, sums[size+me])
	}
	return nil
}

func (p *Plan) record(ctx context.Context) {
	inst.plans.Add(ctx, 1, metric.WithAttributes(attribute.Bool("permuted", p.indicesTo != nil)))
	p.logger.Debug("exchange plan built",
		"targets", len(p.procsTo), "sources", len(p.procsFrom),
		"exports", p.numExports, "imports", p.totalRecv, "self", p.selfMessage)
}

func (p *Plan) selfIndexTo() int {
	return slices.Index(p.procsTo, p.g.Rank())
}

func (p *Plan) selfIndexFrom() int {
	return slices.Index(p.procsFrom, p.g.Rank())
}

// Reverse returns the plan that moves data the other way: every receive of p
// becomes a send and vice versa. Computed once without communication;
// p.Reverse().Reverse() is p.
func (p *Plan) Reverse() *Plan {
	p.reverseOnce.Do(func() {
		r := &Plan{
			g:      p.g,
			logger: p.logger,

			procsTo:    p.procsFrom,
			lengthsTo:  p.lengthsFrom,
			startsTo:   p.startsFrom,
			indicesTo:  p.indicesFrom,
			numExports: p.numImports,

			procsFrom:   p.procsTo,
			lengthsFrom: p.lengthsTo,
			startsFrom:  p.startsTo,
			indicesFrom: p.indicesTo,
			numImports:  p.numExports,

			selfMessage: p.selfMessage,
			reverse:     p,
		}
		for _, n := range r.lengthsFrom {
			r.totalRecv += n
		}
		r.reverseOnce.Do(func() {})
		p.reverse = r
	})
	return p.reverse
}

// Group returns the group the plan exchanges over
func (p *Plan) Group() *comm.Group { return p.g }

// SendTargets returns the target ranks in ascending order, self included
func (p *Plan) SendTargets() []int { return slices.Clone(p.procsTo) }

// SendLengths returns the item count per target
func (p *Plan) SendLengths() []int { return slices.Clone(p.lengthsTo) }

// SendStarts returns the offset of each target's items in the export buffer,
// or in the permuted send order when SendPermutation is not nil
func (p *Plan) SendStarts() []int { return slices.Clone(p.startsTo) }

// SendPermutation maps send positions to export item indices. Nil when the
// exports are grouped by target.
func (p *Plan) SendPermutation() []int { return slices.Clone(p.indicesTo) }

// RecvSources returns the source ranks in ascending order, self included
func (p *Plan) RecvSources() []int { return slices.Clone(p.procsFrom) }

// RecvLengths returns the item count per source
func (p *Plan) RecvLengths() []int { return slices.Clone(p.lengthsFrom) }

// RecvStarts returns the offset of each source's items in receive order
func (p *Plan) RecvStarts() []int { return slices.Clone(p.startsFrom) }

// TotalRecvLength returns the number of items received per exchange
func (p *Plan) TotalRecvLength() int { return p.totalRecv }

// NumExportItems returns the length, in items, of the export buffer
func (p *Plan) NumExportItems() int { return p.numExports }

// NumImportItems returns the length, in items, of the import buffer. It exceeds
// TotalRecvLength on the reverse of a plan that dropped items.
func (p *Plan) NumImportItems() int { return p.numImports }

// SelfMessage reports whether the rank sends items to itself
func (p *Plan) SelfMessage() bool { return p.selfMessage }

// NumSends returns the number of remote targets
func (p *Plan) NumSends() int {
	if p.selfMessage {
		return len(p.procsTo) - 1
	}
	return len(p.procsTo)
}

// NumRecvs returns the number of remote sources
func (p *Plan) NumRecvs() int {
	if p.selfMessage {
		return len(p.procsFrom) - 1
	}
	return len(p.procsFrom)
}

func (p *Plan) String() string {
	return fmt.Sprintf("Plan{rank=%d to=%v lengthsTo=%v from=%v lengthsFrom=%v self=%t permuted=%t}",
		p.g.Rank(), p.procsTo, p.lengthsTo, p.procsFrom, p.lengthsFrom, p.selfMessage, p.indicesTo != nil)
}
