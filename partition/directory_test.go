package partition

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/distmap/comm"
	"github.com/rbaliyan/distmap/errs"
	"syreclabs.com/go/faker"
)

type strategyCase struct {
	name     string
	strategy func(size int) Strategy
	build    func(ctx context.Context, g *comm.Group) (*Partition, error)
}

var strategyCases = []strategyCase{
	{
		name:     "replicated",
		strategy: func(int) Strategy { return StrategyReplicated },
		build: func(ctx context.Context, g *comm.Group) (*Partition, error) {
			return NewUniform(ctx, 17, 3, g, Replicated)
		},
	},
	{
		name:     "uniform",
		strategy: distributedOr(StrategyUniform),
		build: func(ctx context.Context, g *comm.Group) (*Partition, error) {
			return NewUniform(ctx, 29, 3, g, Distributed)
		},
	},
	{
		name:     "contiguous",
		strategy: distributedOr(StrategyContiguous),
		build: func(ctx context.Context, g *comm.Group) (*Partition, error) {
			// some ranks own nothing
			return NewContiguous(ctx, Auto, (g.Rank()*7+4)%5, 3, g)
		},
	},
	{
		name:     "noncontiguous",
		strategy: distributedOr(StrategyNoncontiguous),
		build: func(ctx context.Context, g *comm.Group) (*Partition, error) {
			// blocks of three dealt round-robin, with holes at multiples of 10
			var gids []int64
			for gid := int64(3); gid < 60; gid++ {
				if gid%10 != 0 && int(gid/3)%g.Size() == g.Rank() {
					gids = append(gids, gid)
				}
			}
			return NewArbitrary(ctx, Auto, gids, 3, g)
		},
	},
}

// distributedOr expects the replicated strategy on a single process
func distributedOr(s Strategy) func(size int) Strategy {
	return func(size int) Strategy {
		if size == 1 {
			return StrategyReplicated
		}
		return s
	}
}

// randomQueries draws the queries of every rank up front; faker is not safe
// for concurrent use
func randomQueries(size int, lo, hi int) [][]int64 {
	out := make([][]int64, size)
	for r := range out {
		n := faker.RandomInt(0, 40)
		for range n {
			out[r] = append(out[r], int64(faker.RandomInt(lo, hi)))
		}
	}
	return out
}

func TestDirectoryCorrectness(t *testing.T) {
	for _, sc := range strategyCases {
		for _, n := range sizes {
			t.Run(fmt.Sprintf("%s/size=%d", sc.name, n), func(t *testing.T) {
				// indices below, inside and above every partition's range
				queries := randomQueries(n, 0, 70)
				run(t, n, func(ctx context.Context, g *comm.Group) error {
					p, err := sc.build(ctx, g)
					if err != nil {
						return err
					}
					d, err := p.Directory(ctx)
					if err != nil {
						return err
					}
					if want := sc.strategy(n); d.Strategy() != want {
						return fmt.Errorf("strategy %v, want %v", d.Strategy(), want)
					}

					allOwned, err := comm.AllGather(ctx, g, p.OwnedGlobalIDs())
					if err != nil {
						return err
					}
					gids := queries[g.Rank()]
					owners, lids, st, err := p.Resolve(ctx, gids)
					if err != nil {
						return err
					}
					if len(owners) != len(gids) || len(lids) != len(gids) {
						return fmt.Errorf("resolved %d/%d entries for %d ids", len(owners), len(lids), len(gids))
					}

					missing := false
					for i, gid := range gids {
						owned := ownedBy(allOwned, gid)
						if d.Strategy() == StrategyReplicated {
							owned = p.OwnsGlobal(gid)
						}
						if owners[i] == NoOwner {
							if owned {
								return fmt.Errorf("%d is owned but not found", gid)
							}
							if lids[i] != InvalidLocal {
								return fmt.Errorf("%d not found but has local id %d", gid, lids[i])
							}
							missing = true
							continue
						}
						if !owned {
							return fmt.Errorf("%d owned by nobody resolved to rank %d", gid, owners[i])
						}
						if d.Strategy() == StrategyReplicated && owners[i] != g.Rank() {
							return fmt.Errorf("replicated %d resolved to rank %d", gid, owners[i])
						}
						list := allOwned[owners[i]]
						if lids[i] < 0 || lids[i] >= len(list) || list[lids[i]] != gid {
							return fmt.Errorf("%d resolved to rank %d local %d, which holds %v", gid, owners[i], lids[i], list)
						}
					}
					if (st == SomeNotFound) != missing {
						return fmt.Errorf("status %v with missing=%t", st, missing)
					}

					ownersOnly, st2, err := p.ResolveOwners(ctx, gids)
					if err != nil {
						return err
					}
					if diff := cmp.Diff(owners, ownersOnly); diff != "" || st2 != st {
						return fmt.Errorf("ResolveOwners disagrees (%v vs %v): %s", st2, st, diff)
					}
					return nil
				})
			})
		}
	}
}

func ownedBy(allOwned [][]int64, gid int64) bool {
	for _, list := range allOwned {
		for _, x := range list {
			if x == gid {
				return true
			}
		}
	}
	return false
}

func TestResolveIdempotent(t *testing.T) {
	for _, sc := range strategyCases {
		t.Run(sc.name, func(t *testing.T) {
			queries := randomQueries(4, 0, 70)
			run(t, 4, func(ctx context.Context, g *comm.Group) error {
				p, err := sc.build(ctx, g)
				if err != nil {
					return err
				}
				gids := queries[g.Rank()]
				owners1, lids1, st1, err := p.Resolve(ctx, gids)
				if err != nil {
					return err
				}
				d1, err := p.Directory(ctx)
				if err != nil {
					return err
				}
				owners2, lids2, st2, err := p.Resolve(ctx, gids)
				if err != nil {
					return err
				}
				d2, err := p.Directory(ctx)
				if err != nil {
					return err
				}
				if d1 != d2 {
					return fmt.Errorf("directory rebuilt")
				}
				if diff := cmp.Diff(owners1, owners2); diff != "" {
					return fmt.Errorf("owners changed: %s", diff)
				}
				if diff := cmp.Diff(lids1, lids2); diff != "" {
					return fmt.Errorf("local ids changed: %s", diff)
				}
				if st1 != st2 {
					return fmt.Errorf("status changed %v -> %v", st1, st2)
				}
				return nil
			})
		})
	}
}

func TestDirectoryStorage(t *testing.T) {
	tests := []struct {
		name      string
		threshold float64
		sparse    bool
	}{
		{"dense", 1000, false},
		{"sparse", 0.001, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run(t, 3, func(ctx context.Context, g *comm.Group) error {
				// wide range, few elements
				gids := []int64{int64(g.Rank()) * 1000, int64(g.Rank())*1000 + 7}
				p, err := NewArbitrary(ctx, Auto, gids, 0, g, WithSparsityThreshold(tt.threshold))
				if err != nil {
					return err
				}
				d, err := p.Directory(ctx)
				if err != nil {
					return err
				}
				if (d.entries != nil) != tt.sparse {
					return fmt.Errorf("sparse storage %t, want %t", d.entries != nil, tt.sparse)
				}
				owners, lids, st, err := p.Resolve(ctx, []int64{0, 7, 1000, 2007, 5})
				if err != nil {
					return err
				}
				if st != SomeNotFound {
					return fmt.Errorf("status %v", st)
				}
				if diff := cmp.Diff([]int{0, 0, 1, 2, NoOwner}, owners); diff != "" {
					return fmt.Errorf("owners: %s", diff)
				}
				if diff := cmp.Diff([]int{0, 1, 0, 1, InvalidLocal}, lids); diff != "" {
					return fmt.Errorf("lids: %s", diff)
				}
				return nil
			})
		})
	}
}

func TestIsOneToOne(t *testing.T) {
	tests := []struct {
		name  string
		build func(ctx context.Context, g *comm.Group) (*Partition, error)
		want  bool
	}{
		{"uniform", strategyCases[1].build, true},
		{"contiguous", strategyCases[2].build, true},
		{"noncontiguous", strategyCases[3].build, true},
		{"replicated", strategyCases[0].build, false},
		{"overlapping", func(ctx context.Context, g *comm.Group) (*Partition, error) {
			r := int64(g.Rank())
			return NewArbitrary(ctx, Auto, []int64{2 * r, 2*r + 1, 2*r + 2}, 0, g)
		}, false},
		{"empty", func(ctx context.Context, g *comm.Group) (*Partition, error) {
			return NewUniform(ctx, 0, 0, g, Distributed)
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run(t, 3, func(ctx context.Context, g *comm.Group) error {
				p, err := tt.build(ctx, g)
				if err != nil {
					return err
				}
				got, err := p.IsOneToOne(ctx)
				if err != nil {
					return err
				}
				if got != tt.want {
					return fmt.Errorf("one-to-one %t, want %t", got, tt.want)
				}
				return nil
			})
		})
	}
}

func TestResolveEmptyPartition(t *testing.T) {
	run(t, 2, func(ctx context.Context, g *comm.Group) error {
		p, err := NewContiguous(ctx, Auto, 0, 0, g)
		if err != nil {
			return err
		}
		if _, _, _, err := p.Resolve(ctx, []int64{0}); !errs.IsRuntime(err) {
			return fmt.Errorf("expected runtime error, got %v", err)
		}
		if _, _, err := p.ResolveOwners(ctx, nil); !errs.IsRuntime(err) {
			return fmt.Errorf("expected runtime error, got %v", err)
		}
		return nil
	})
}

func TestUniformOwnerFormula(t *testing.T) {
	// every index of a uniform split maps to the rank whose range holds it
	for _, count := range []int64{1, 2, 7, 10, 64} {
		for size := 1; size <= 9; size++ {
			lo := int64(5)
			for r := range size {
				n := count / int64(size)
				if int64(r) < count%int64(size) {
					n++
				}
				for l := range n {
					owner, lid := uniformOwner(count, 5, size, lo+l)
					if owner != r || int64(lid) != l {
						t.Errorf("count=%d size=%d gid=%d: got (%d,%d), want (%d,%d)",
							count, size, lo+l, owner, lid, r, l)
					}
				}
				lo += n
			}
		}
	}
}
