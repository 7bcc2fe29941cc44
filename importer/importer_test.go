package importer

import (
	"context"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/distmap/comm"
	"github.com/rbaliyan/distmap/errs"
	"github.com/rbaliyan/distmap/partition"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func run(t *testing.T, n int, fn func(ctx context.Context, g *comm.Group) error) {
	t.Helper()
	if err := comm.Run(testCtx(t), n, fn); err != nil {
		t.Fatal(err)
	}
}

var sizes = []int{1, 2, 3, 4, 5, 8}

// ghosted returns the owned indices of p followed by its left and right
// neighbors inside [0, count)
func ghosted(ctx context.Context, p *partition.Partition, count int64) (*partition.Partition, error) {
	gids := slices.Clone(p.OwnedGlobalIDs())
	if p.LocalCount() > 0 {
		if lo := p.MinLocalGlobalID() - 1; lo >= 0 {
			gids = append(gids, lo)
		}
		if hi := p.MaxLocalGlobalID() + 1; hi < count {
			gids = append(gids, hi)
		}
	}
	return partition.NewArbitrary(ctx, partition.Auto, gids, 0, p.Group())
}

func TestGhostImport(t *testing.T) {
	const count = 20
	for _, n := range sizes {
		t.Run(fmt.Sprintf("size=%d", n), func(t *testing.T) {
			run(t, n, func(ctx context.Context, g *comm.Group) error {
				src, err := partition.NewUniform(ctx, count, 0, g, partition.Distributed)
				if err != nil {
					return err
				}
				tgt, err := ghosted(ctx, src, count)
				if err != nil {
					return err
				}
				im, err := New(ctx, src, tgt)
				if err != nil {
					return err
				}
				if im.NumSame() != src.LocalCount() {
					return fmt.Errorf("same %d, want %d", im.NumSame(), src.LocalCount())
				}
				if want := tgt.LocalCount() - src.LocalCount(); im.NumRemote() != want || im.NumPermute() != 0 {
					return fmt.Errorf("%v: want %d remote and no permutes", im, want)
				}
				if im.NumMissing() != 0 {
					return fmt.Errorf("%d missing", im.NumMissing())
				}

				vals := make([]int64, src.LocalCount())
				for l, gid := range src.OwnedGlobalIDs() {
					vals[l] = gid * 10
				}
				out, err := Apply(ctx, im, vals)
				if err != nil {
					return err
				}
				for l, gid := range tgt.OwnedGlobalIDs() {
					if out[l] != gid*10 {
						return fmt.Errorf("local %d (gid %d) got %d", l, gid, out[l])
					}
				}
				return nil
			})
		})
	}
}

func TestReverseAccumulate(t *testing.T) {
	const count = 20
	for _, n := range sizes {
		t.Run(fmt.Sprintf("size=%d", n), func(t *testing.T) {
			run(t, n, func(ctx context.Context, g *comm.Group) error {
				src, err := partition.NewUniform(ctx, count, 0, g, partition.Distributed)
				if err != nil {
					return err
				}
				tgt, err := ghosted(ctx, src, count)
				if err != nil {
					return err
				}
				im, err := New(ctx, src, tgt)
				if err != nil {
					return err
				}
				allTarget, err := comm.AllGather(ctx, g, tgt.OwnedGlobalIDs())
				if err != nil {
					return err
				}

				ones := make([]int, tgt.LocalCount())
				for l := range ones {
					ones[l] = 1
				}
				got, err := ApplyReverse(ctx, im, ones, func(old, incoming int) int { return old + incoming })
				if err != nil {
					return err
				}
				// every copy of an index across the group adds one
				for l, gid := range src.OwnedGlobalIDs() {
					want := 0
					for _, list := range allTarget {
						for _, x := range list {
							if x == gid {
								want++
							}
						}
					}
					if got[l] != want {
						return fmt.Errorf("gid %d accumulated %d, want %d", gid, got[l], want)
					}
				}
				return nil
			})
		})
	}
}

func TestRedistributeRoundTrip(t *testing.T) {
	const count = 23
	for _, n := range sizes {
		t.Run(fmt.Sprintf("size=%d", n), func(t *testing.T) {
			run(t, n, func(ctx context.Context, g *comm.Group) error {
				src, err := partition.NewUniform(ctx, count, 1, g, partition.Distributed)
				if err != nil {
					return err
				}
				var gids []int64
				for gid := int64(1); gid <= count; gid++ {
					if int(gid)%n == g.Rank() {
						gids = append(gids, gid)
					}
				}
				tgt, err := partition.NewArbitrary(ctx, count, gids, 1, g)
				if err != nil {
					return err
				}
				im, err := New(ctx, src, tgt)
				if err != nil {
					return err
				}

				vals := make([]string, src.LocalCount())
				for l, gid := range src.OwnedGlobalIDs() {
					vals[l] = fmt.Sprintf("v%d", gid)
				}
				out, err := Apply(ctx, im, vals)
				if err != nil {
					return err
				}
				for l, gid := range tgt.OwnedGlobalIDs() {
					if want := fmt.Sprintf("v%d", gid); out[l] != want {
						return fmt.Errorf("gid %d got %q, want %q", gid, out[l], want)
					}
				}

				back, err := ApplyReverse(ctx, im, out, nil)
				if err != nil {
					return err
				}
				if diff := cmp.Diff(vals, back); diff != "" {
					return fmt.Errorf("round trip (-want +got):\n%s", diff)
				}
				return nil
			})
		})
	}
}

func TestLocalPermutation(t *testing.T) {
	run(t, 3, func(ctx context.Context, g *comm.Group) error {
		src, err := partition.NewUniform(ctx, 12, 0, g, partition.Distributed)
		if err != nil {
			return err
		}
		rev := slices.Clone(src.OwnedGlobalIDs())
		slices.Reverse(rev)
		tgt, err := partition.NewArbitrary(ctx, 12, rev, 0, g)
		if err != nil {
			return err
		}
		im, err := New(ctx, src, tgt)
		if err != nil {
			return err
		}
		if im.NumSame() != 0 || im.NumPermute() != 4 || im.NumRemote() != 0 {
			return fmt.Errorf("unexpected schedule %v", im)
		}
		if im.Plan().NumSends() != 0 || im.Plan().NumRecvs() != 0 {
			return fmt.Errorf("local permutation sends messages: %v", im.Plan())
		}
		out, err := Apply(ctx, im, []int{1, 2, 3, 4})
		if err != nil {
			return err
		}
		if diff := cmp.Diff([]int{4, 3, 2, 1}, out); diff != "" {
			return fmt.Errorf("permuted (-want +got):\n%s", diff)
		}
		return nil
	})
}

func TestSamePartition(t *testing.T) {
	run(t, 4, func(ctx context.Context, g *comm.Group) error {
		p, err := partition.NewUniform(ctx, 10, 0, g, partition.Distributed)
		if err != nil {
			return err
		}
		im, err := New(ctx, p, p)
		if err != nil {
			return err
		}
		if im.NumSame() != p.LocalCount() || im.NumPermute() != 0 || im.NumRemote() != 0 || len(im.ExportLIDs()) != 0 {
			return fmt.Errorf("unexpected schedule %v", im)
		}
		vals := make([]float64, p.LocalCount())
		for l := range vals {
			vals[l] = float64(g.Rank()) + float64(l)/10
		}
		out, err := Apply(ctx, im, vals)
		if err != nil {
			return err
		}
		if diff := cmp.Diff(vals, out); diff != "" {
			return fmt.Errorf("copy (-want +got):\n%s", diff)
		}
		return nil
	})
}

func TestMissingIndices(t *testing.T) {
	run(t, 3, func(ctx context.Context, g *comm.Group) error {
		src, err := partition.NewUniform(ctx, 9, 0, g, partition.Distributed)
		if err != nil {
			return err
		}
		// 100 is owned by nobody
		gids := append(slices.Clone(src.OwnedGlobalIDs()), 100, int64((g.Rank()+1)%3*3))
		tgt, err := partition.NewArbitrary(ctx, partition.Auto, gids, 0, g)
		if err != nil {
			return err
		}
		im, err := New(ctx, src, tgt)
		if err != nil {
			return err
		}
		if im.NumMissing() != 1 || im.NumRemote() != 2 {
			return fmt.Errorf("unexpected schedule %v", im)
		}
		vals := []int64{1, 1, 1}
		out, err := Apply(ctx, im, vals)
		if err != nil {
			return err
		}
		if diff := cmp.Diff([]int64{1, 1, 1, 0, 1}, out); diff != "" {
			return fmt.Errorf("imported (-want +got):\n%s", diff)
		}
		return nil
	})
}

func TestInvalidLength(t *testing.T) {
	run(t, 2, func(ctx context.Context, g *comm.Group) error {
		p, err := partition.NewUniform(ctx, 6, 0, g, partition.Distributed)
		if err != nil {
			return err
		}
		im, err := New(ctx, p, p)
		if err != nil {
			return err
		}
		if _, err := Apply(ctx, im, []int{1}); !errs.IsInvalidArgument(err) {
			return fmt.Errorf("expected invalid argument, got %v", err)
		}
		if _, err := ApplyReverse(ctx, im, []int{1, 2, 3, 4}, nil); !errs.IsInvalidArgument(err) {
			return fmt.Errorf("expected invalid argument, got %v", err)
		}
		return nil
	})
}
