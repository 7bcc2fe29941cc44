package exchange

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/distmap/comm"
	"github.com/rbaliyan/distmap/errs"
	"syreclabs.com/go/faker"
)

func init() {
	faker.Seed(time.Now().UnixNano())
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

var sizes = []int{1, 2, 3, 4, 6}

// pattern describes, for every rank, how many items it exports and where each goes
type pattern struct {
	name  string
	count func(rank, size int) int
	dest  func(rank, i, size int) int
}

var patterns = []pattern{
	{
		name:  "grouped",
		count: func(rank, size int) int { return 2 * size },
		dest:  func(rank, i, size int) int { return (rank + i/2) % size },
	},
	{
		name:  "interleaved",
		count: func(rank, size int) int { return 3*size + rank },
		dest:  func(rank, i, size int) int { return (i * 7) % size },
	},
	{
		name:  "dropped",
		count: func(rank, size int) int { return 5 + rank },
		dest: func(rank, i, size int) int {
			if i%3 == 0 {
				return Drop
			}
			return (rank + i) % size
		},
	},
	{
		name:  "self only",
		count: func(rank, size int) int { return 4 },
		dest:  func(rank, i, size int) int { return rank },
	},
	{
		name:  "nothing",
		count: func(rank, size int) int { return 0 },
		dest:  func(rank, i, size int) int { return 0 },
	},
	{
		name:  "fan in",
		count: func(rank, size int) int { return rank + 1 },
		dest:  func(rank, i, size int) int { return 0 },
	},
}

func destinations(pt pattern, rank, size int) []int {
	dest := make([]int, pt.count(rank, size))
	for i := range dest {
		dest[i] = pt.dest(rank, i, size)
	}
	return dest
}

// expectedImports lists, in receive order, the (source, item) pairs rank me
// must receive under pattern pt
func expectedImports(pt pattern, me, size int) [][2]int {
	var out [][2]int
	for src := range size {
		for i, d := range destinations(pt, src, size) {
			if d == me {
				out = append(out, [2]int{src, i})
			}
		}
	}
	return out
}

func runPatterns(t *testing.T, fn func(ctx context.Context, g *comm.Group, pt pattern) error, opts ...comm.Option) {
	t.Helper()
	for _, pt := range patterns {
		for _, n := range sizes {
			t.Run(fmt.Sprintf("%s/size=%d", pt.name, n), func(t *testing.T) {
				err := comm.Run(testCtx(t), n, func(ctx context.Context, g *comm.Group) error {
					return fn(ctx, g, pt)
				}, opts...)
				if err != nil {
					t.Fatal(err)
				}
			})
		}
	}
}

func TestExchange(t *testing.T) {
	runPatterns(t, func(ctx context.Context, g *comm.Group, pt pattern) error {
		me, size := g.Rank(), g.Size()
		dest := destinations(pt, me, size)
		p, err := NewPlan(ctx, g, dest)
		if err != nil {
			return err
		}

		exports := make([][2]int, len(dest))
		for i := range exports {
			exports[i] = [2]int{me, i}
		}
		imports, err := Exchange(ctx, p, exports)
		if err != nil {
			return err
		}
		want := expectedImports(pt, me, size)
		if want == nil {
			want = [][2]int{}
		}
		if diff := cmp.Diff(want, imports); diff != "" {
			return fmt.Errorf("rank %d imports (-want +got):\n%s", me, diff)
		}
		if p.TotalRecvLength() != len(want) {
			return fmt.Errorf("rank %d total %d, want %d", me, p.TotalRecvLength(), len(want))
		}
		return nil
	})
}

func TestPlanShape(t *testing.T) {
	runPatterns(t, func(ctx context.Context, g *comm.Group, pt pattern) error {
		me, size := g.Rank(), g.Size()
		dest := destinations(pt, me, size)
		p, err := NewPlan(ctx, g, dest)
		if err != nil {
			return err
		}

		valid := 0
		self := false
		for _, d := range dest {
			if d >= 0 {
				valid++
			}
			self = self || d == me
		}
		if got := sum(p.SendLengths()); got != valid {
			return fmt.Errorf("rank %d sends %d items, has %d valid", me, got, valid)
		}
		if got := sum(p.RecvLengths()); got != p.TotalRecvLength() {
			return fmt.Errorf("rank %d receive lengths sum to %d, total %d", me, got, p.TotalRecvLength())
		}
		if p.SelfMessage() != self {
			return fmt.Errorf("rank %d self message %t, want %t", me, p.SelfMessage(), self)
		}
		if !ascending(p.SendTargets()) || !ascending(p.RecvSources()) {
			return fmt.Errorf("rank %d schedule not sorted: %v", me, p)
		}

		// independent count of what everyone sends here
		perRank := make([]int, size)
		for _, d := range dest {
			if d >= 0 {
				perRank[d]++
			}
		}
		totals, err := comm.AllReduce(ctx, g, perRank, comm.Sum)
		if err != nil {
			return err
		}
		if totals[me] != p.TotalRecvLength() {
			return fmt.Errorf("rank %d receives %d items, senders declared %d", me, p.TotalRecvLength(), totals[me])
		}
		return nil
	})
}

func TestSendPermutation(t *testing.T) {
	err := comm.Run(testCtx(t), 3, func(ctx context.Context, g *comm.Group) error {
		grouped, err := NewPlan(ctx, g, []int{0, 0, 2, 2, 1})
		if err != nil {
			return err
		}
		if grouped.SendPermutation() != nil {
			return fmt.Errorf("grouped destinations got permutation %v", grouped.SendPermutation())
		}
		if diff := cmp.Diff([]int{0, 4, 2}, grouped.SendStarts()); diff != "" {
			return fmt.Errorf("grouped starts: %s", diff)
		}

		mixed, err := NewPlan(ctx, g, []int{2, 0, 2, Drop, 0, 1}, WithPermuteWarning(true))
		if err != nil {
			return err
		}
		if diff := cmp.Diff([]int{1, 4, 5, 0, 2}, mixed.SendPermutation()); diff != "" {
			return fmt.Errorf("permutation: %s", diff)
		}
		if diff := cmp.Diff([]int{2, 1, 2}, mixed.SendLengths()); diff != "" {
			return fmt.Errorf("lengths: %s", diff)
		}
		if mixed.NumExportItems() != 6 {
			return fmt.Errorf("export items %d, want 6", mixed.NumExportItems())
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestReverse(t *testing.T) {
	runPatterns(t, func(ctx context.Context, g *comm.Group, pt pattern) error {
		me, size := g.Rank(), g.Size()
		dest := destinations(pt, me, size)
		p, err := NewPlan(ctx, g, dest)
		if err != nil {
			return err
		}
		r := p.Reverse()
		if r.Reverse() != p || p.Reverse() != r {
			return fmt.Errorf("rank %d reverse is not cached symmetrically", me)
		}
		if diff := cmp.Diff(p.SendTargets(), r.RecvSources()); diff != "" {
			return fmt.Errorf("rank %d reverse sources: %s", me, diff)
		}
		if diff := cmp.Diff(p.RecvLengths(), r.SendLengths()); diff != "" {
			return fmt.Errorf("rank %d reverse lengths: %s", me, diff)
		}

		// the reverse schedule matches a plan built independently from the
		// receive side
		q, err := NewPlanFromSends(ctx, g, p.RecvSources(), p.RecvLengths())
		if err != nil {
			return err
		}
		if diff := cmp.Diff(schedule(q), schedule(r)); diff != "" {
			return fmt.Errorf("rank %d reverse vs independent plan:\n%s", me, diff)
		}

		// values return to the positions they left, dropped items stay zero
		exports := make([]int, len(dest))
		for i := range exports {
			exports[i] = 1000*me + i + 1
		}
		there, err := Exchange(ctx, p, exports)
		if err != nil {
			return err
		}
		back, err := Exchange(ctx, r, there)
		if err != nil {
			return err
		}
		want := make([]int, len(dest))
		for i, d := range dest {
			if d >= 0 {
				want[i] = exports[i]
			}
		}
		if diff := cmp.Diff(want, back); diff != "" {
			return fmt.Errorf("rank %d round trip (-want +got):\n%s", me, diff)
		}
		return nil
	})
}

func TestZeroLengthReceipts(t *testing.T) {
	counts := [][]int{{2, 0, 1}, {1, 3, 0}, {0, 0, 2}}
	err := comm.Run(testCtx(t), 3, func(ctx context.Context, g *comm.Group) error {
		me := g.Rank()
		p, err := NewPlanFromSends(ctx, g, []int{2, 1, 0}, []int{counts[me][2], counts[me][1], counts[me][0]})
		if err != nil {
			return err
		}
		wantLengths := []int{counts[0][me], counts[1][me], counts[2][me]}
		if diff := cmp.Diff([]int{0, 1, 2}, p.RecvSources()); diff != "" {
			return fmt.Errorf("rank %d sources: %s", me, diff)
		}
		if diff := cmp.Diff(wantLengths, p.RecvLengths()); diff != "" {
			return fmt.Errorf("rank %d lengths: %s", me, diff)
		}
		if p.NumRecvs() != 2 || p.NumSends() != 2 {
			return fmt.Errorf("rank %d counts %d sends %d recvs", me, p.NumSends(), p.NumRecvs())
		}

		// export buffer is laid out in the order targets were given: 2, 1, 0
		var exports []string
		for _, target := range []int{2, 1, 0} {
			for i := range counts[me][target] {
				exports = append(exports, fmt.Sprintf("%d>%d#%d", me, target, i))
			}
		}
		imports, err := Exchange(ctx, p, exports)
		if err != nil {
			return err
		}
		var want []string
		for src := range 3 {
			for i := range counts[src][me] {
				want = append(want, fmt.Sprintf("%d>%d#%d", src, me, i))
			}
		}
		if diff := cmp.Diff(want, imports); diff != "" {
			return fmt.Errorf("rank %d imports: %s", me, diff)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestExchangeBlocks(t *testing.T) {
	const bs = 3
	err := comm.Run(testCtx(t), 4, func(ctx context.Context, g *comm.Group) error {
		me, size := g.Rank(), g.Size()
		dest := []int{(me + 1) % size, (me + 3) % size}
		p, err := NewPlan(ctx, g, dest)
		if err != nil {
			return err
		}
		exports := make([]float64, 0, len(dest)*bs)
		for i := range dest {
			for k := range bs {
				exports = append(exports, float64(me*100+i*10+k))
			}
		}
		imports, err := ExchangeBlocks(ctx, p, exports, bs)
		if err != nil {
			return err
		}
		// rank me-1 sends its item 0 here, rank me-3 (== me+1) its item 1
		from := []struct{ rank, item int }{{(me + 1) % size, 1}, {(me + size - 1) % size, 0}}
		if from[0].rank > from[1].rank {
			from[0], from[1] = from[1], from[0]
		}
		var want []float64
		for _, f := range from {
			for k := range bs {
				want = append(want, float64(f.rank*100+f.item*10+k))
			}
		}
		if diff := cmp.Diff(want, imports); diff != "" {
			return fmt.Errorf("rank %d blocks: %s", me, diff)
		}

		if _, err := ExchangeBlocks(ctx, p, exports[:bs], bs); !errs.IsInvalidArgument(err) {
			return fmt.Errorf("short buffer: expected invalid argument, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestInvalidDestination(t *testing.T) {
	err := comm.Run(testCtx(t), 3, func(ctx context.Context, g *comm.Group) error {
		dest := []int{0, 1}
		if g.Rank() == 1 {
			dest = append(dest, 3)
		}
		_, err := NewPlan(ctx, g, dest)
		if !errs.IsInvalidArgument(err) {
			return fmt.Errorf("rank %d: expected invalid argument, got %v", g.Rank(), err)
		}

		_, err = NewPlanFromSends(ctx, g, []int{1, 1}, []int{1, 2})
		if !errs.IsInvalidArgument(err) {
			return fmt.Errorf("rank %d: duplicate target accepted: %v", g.Rank(), err)
		}

		// the group is still usable
		return g.Barrier(ctx)
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestPlanFromRecvs(t *testing.T) {
	for _, n := range sizes {
		t.Run(fmt.Sprintf("size=%d", n), func(t *testing.T) {
			wanted := faker.RandomInt(1, 12)
			err := comm.Run(testCtx(t), n, func(ctx context.Context, g *comm.Group) error {
				me, size := g.Rank(), g.Size()
				ids := make([]int64, wanted)
				owners := make([]int, wanted)
				for i := range ids {
					ids[i] = int64((me*31 + i*17) % 50)
					owners[i] = int(ids[i]) % size
				}
				if wanted > 2 {
					owners[1] = Drop
				}

				p, exportIDs, exportRanks, err := NewPlanFromRecvs(ctx, g, ids, owners)
				if err != nil {
					return err
				}
				if len(exportIDs) != p.NumExportItems() || len(exportRanks) != len(exportIDs) {
					return fmt.Errorf("rank %d: %d export ids, %d ranks, plan exports %d",
						me, len(exportIDs), len(exportRanks), p.NumExportItems())
				}
				values := make([]int64, len(exportIDs))
				for i, id := range exportIDs {
					if int(id)%size != me {
						return fmt.Errorf("rank %d asked to export %d", me, id)
					}
					values[i] = id * 10
				}
				got, err := Exchange(ctx, p, values)
				if err != nil {
					return err
				}
				want := make([]int64, len(ids))
				for i, id := range ids {
					if owners[i] >= 0 {
						want[i] = id * 10
					}
				}
				if diff := cmp.Diff(want, got); diff != "" {
					return fmt.Errorf("rank %d imports: %s", me, diff)
				}
				return nil
			})
			if err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestDebugChecks(t *testing.T) {
	runPatterns(t, func(ctx context.Context, g *comm.Group, pt pattern) error {
		_, err := NewPlan(ctx, g, destinations(pt, g.Rank(), g.Size()))
		return err
	}, comm.WithDebugChecks(true))
}

type planSchedule struct {
	To, LengthsTo, From, LengthsFrom []int
	Self                             bool
}

func schedule(p *Plan) planSchedule {
	return planSchedule{
		To:          p.SendTargets(),
		LengthsTo:   p.SendLengths(),
		From:        p.RecvSources(),
		LengthsFrom: p.RecvLengths(),
		Self:        p.SelfMessage(),
	}
}

func sum(v []int) int {
	s := 0
	for _, x := range v {
		s += x
	}
	return s
}

func ascending(v []int) bool {
	for i := 1; i < len(v); i++ {
		if v[i] <= v[i-1] {
			return false
		}
	}
	return true
}
