package partition

import (
	"context"

	"github.com/rbaliyan/distmap/comm"
)

// packMinMaxFlag packs a minimum, a maximum and a flag into one vector whose
// elementwise MAX over all ranks carries the global minimum (negated), the
// global maximum and the OR of the flags.
func packMinMaxFlag(lo, hi int64, flag bool) []int64 {
	f := int64(0)
	if flag {
		f = 1
	}
	return []int64{-lo, hi, f}
}

// unpackMinMaxFlag reverses packMinMaxFlag on a reduced vector
func unpackMinMaxFlag(v []int64) (lo, hi int64, flag bool) {
	return -v[0], v[1], v[2] != 0
}

// reduceMinMaxFlag returns the minimum of lo, the maximum of hi and the OR of
// flag over the group in a single all-reduce
func reduceMinMaxFlag(ctx context.Context, g *comm.Group, lo, hi int64, flag bool) (int64, int64, bool, error) {
	v, err := comm.AllReduce(ctx, g, packMinMaxFlag(lo, hi, flag), comm.Max)
	if err != nil {
		return 0, 0, false, err
	}
	lo, hi, flag = unpackMinMaxFlag(v)
	return lo, hi, flag, nil
}
