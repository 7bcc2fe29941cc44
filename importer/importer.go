// Package importer moves data laid out by one partition into the layout of
// another.
//
// An Importer compares a source and a target partition over the same group
// and sorts every target-owned global index into one of three classes:
//   - same: the leading local indices where both partitions hold the same
//     global index; copied in place
//   - permute: owned locally by the source at another local index; copied
//     locally
//   - remote: owned by another process; fetched with an exchange plan
//
// The typical use is ghosting: the target lists, on every process, the
// elements it owns plus the neighbors it reads.
//
//	im, err := importer.New(ctx, owned, ghosted)
//	x, err := importer.Apply(ctx, im, ownedValues)
//	// x[l] is the value of ghosted.GlobalOf(l)
//
// Building and applying an Importer are collective.
package importer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rbaliyan/distmap/errs"
	"github.com/rbaliyan/distmap/exchange"
	"github.com/rbaliyan/distmap/partition"
)

// Importer is the reusable transfer schedule from a source to a target partition
type Importer struct {
	source, target *partition.Partition
	logger         *slog.Logger

	numSame     int
	permuteFrom []int // source local index
	permuteTo   []int // target local index

	remoteLIDs  []int // target local index of every remote entry
	remoteGIDs  []int64
	exportLIDs  []int // source local index of every item this rank exports
	exportRanks []int
	missing     int

	plan *exchange.Plan // exporters -> importers
}

// New builds the importer from source to target. Both partitions must live on
// congruent groups. Target indices owned by no source process are reported
// by NumMissing and left at the zero value by Apply. Collective.
func New(ctx context.Context, source, target *partition.Partition) (*Importer, error) {
	const op = "importer.New"
	g := source.Group()
	if !g.Congruent(target.Group()) {
		return nil, errs.InvalidArgument(op, g.Rank(), "source and target groups differ")
	}
	im := &Importer{
		source: source,
		target: target,
		logger: g.Logger().With("component", "importer"),
	}

	tgids := target.OwnedGlobalIDs()
	sgids := source.OwnedGlobalIDs()
	for im.numSame < len(tgids) && im.numSame < len(sgids) && tgids[im.numSame] == sgids[im.numSame] {
		im.numSame++
	}

	for l := im.numSame; l < len(tgids); l++ {
		gid := tgids[l]
		if sl, ok := source.LocalOf(gid); ok {
			im.permuteFrom = append(im.permuteFrom, sl)
			im.permuteTo = append(im.permuteTo, l)
			continue
		}
		im.remoteLIDs = append(im.remoteLIDs, l)
		im.remoteGIDs = append(im.remoteGIDs, gid)
	}

	owners, _, err := source.ResolveOwners(ctx, im.remoteGIDs)
	if err != nil {
		return nil, errs.Wrap(op, g.Rank(), err)
	}
	for _, o := range owners {
		if o == partition.NoOwner {
			im.missing++
		}
	}

	plan, exportIDs, exportRanks, err := exchange.NewPlanFromRecvs(ctx, g, im.remoteGIDs, owners)
	if err != nil {
		return nil, errs.Wrap(op, g.Rank(), err)
	}
	im.plan = plan
	im.exportRanks = exportRanks
	im.exportLIDs = make([]int, len(exportIDs))
	for i, gid := range exportIDs {
		sl, ok := source.LocalOf(gid)
		if !ok {
			return nil, errs.Logic(op, g.Rank(), "asked to export %d, which is not owned here", gid)
		}
		im.exportLIDs[i] = sl
	}

	im.logger.Debug("importer built", "same", im.numSame, "permute", len(im.permuteTo),
		"remote", len(im.remoteLIDs), "export", len(im.exportLIDs), "missing", im.missing)
	return im, nil
}

// Apply returns target-layout values from source-layout values. src holds one
// value per source local index. Collective.
func Apply[T any](ctx context.Context, im *Importer, src []T) ([]T, error) {
	const op = "importer.Apply"
	rank := im.source.Group().Rank()
	if len(src) != im.source.LocalCount() {
		return nil, errs.InvalidArgument(op, rank, "got %d values for %d source elements", len(src), im.source.LocalCount())
	}

	out := make([]T, im.target.LocalCount())
	copy(out[:im.numSame], src[:im.numSame])
	for i, to := range im.permuteTo {
		out[to] = src[im.permuteFrom[i]]
	}

	exports := make([]T, len(im.exportLIDs))
	for i, l := range im.exportLIDs {
		exports[i] = src[l]
	}
	imports, err := exchange.Exchange(ctx, im.plan, exports)
	if err != nil {
		return nil, errs.Wrap(op, rank, err)
	}
	for i, to := range im.remoteLIDs {
		out[to] = imports[i]
	}
	return out, nil
}

// ApplyReverse sends target-layout values back to their source owners and
// merges them into a source-layout result with combine(old, incoming). A nil
// combine keeps the last value received. Source elements nobody sent stay at
// the zero value. Collective.
func ApplyReverse[T any](ctx context.Context, im *Importer, tgt []T, combine func(old, incoming T) T) ([]T, error) {
	const op = "importer.ApplyReverse"
	rank := im.source.Group().Rank()
	if len(tgt) != im.target.LocalCount() {
		return nil, errs.InvalidArgument(op, rank, "got %d values for %d target elements", len(tgt), im.target.LocalCount())
	}
	if combine == nil {
		combine = func(_, incoming T) T { return incoming }
	}

	out := make([]T, im.source.LocalCount())
	for l := range im.numSame {
		out[l] = combine(out[l], tgt[l])
	}
	for i, from := range im.permuteFrom {
		out[from] = combine(out[from], tgt[im.permuteTo[i]])
	}

	exports := make([]T, len(im.remoteLIDs))
	for i, l := range im.remoteLIDs {
		exports[i] = tgt[l]
	}
	imports, err := exchange.Exchange(ctx, im.plan.Reverse(), exports)
	if err != nil {
		return nil, errs.Wrap(op, rank, err)
	}
	for i, l := range im.exportLIDs {
		out[l] = combine(out[l], imports[i])
	}
	return out, nil
}

// Source returns the source partition
func (im *Importer) Source() *partition.Partition { return im.source }

// Target returns the target partition
func (im *Importer) Target() *partition.Partition { return im.target }

// NumSame returns the length of the shared leading run
func (im *Importer) NumSame() int { return im.numSame }

// NumPermute returns the number of locally copied entries outside the run
func (im *Importer) NumPermute() int { return len(im.permuteTo) }

// NumRemote returns the number of target entries fetched from other ranks,
// missing ones included
func (im *Importer) NumRemote() int { return len(im.remoteLIDs) }

// NumMissing returns the number of target entries no source process owns
func (im *Importer) NumMissing() int { return im.missing }

// ExportLIDs returns the source local index of every exported item, in export order
func (im *Importer) ExportLIDs() []int { return im.exportLIDs }

// ExportRanks returns the destination rank of every exported item
func (im *Importer) ExportRanks() []int { return im.exportRanks }

// Plan returns the exchange plan from exporting to importing ranks
func (im *Importer) Plan() *exchange.Plan { return im.plan }

func (im *Importer) String() string {
	return fmt.Sprintf("Importer{same=%d permute=%d remote=%d export=%d missing=%d}",
		im.numSame, len(im.permuteTo), len(im.remoteLIDs), len(im.exportLIDs), im.missing)
}
