package comm

import (
	"context"
	"slices"

	"github.com/rbaliyan/distmap/errs"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Encode serializes a value the way collectives put it on the wire
func Encode[T any](v T) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Decode deserializes a payload produced by Encode
func Decode[T any](data []byte) (T, error) {
	var v T
	err := msgpack.Unmarshal(data, &v)
	return v, err
}

// SendValue encodes v and sends it to group rank dst
func SendValue[T any](ctx context.Context, g *Group, dst, tag int, v T) error {
	data, err := Encode(v)
	if err != nil {
		return errs.Wrap("comm.SendValue", g.rank, err)
	}
	return g.Send(ctx, dst, tag, data)
}

// RecvValue receives and decodes a value from group rank src (or AnySource)
func RecvValue[T any](ctx context.Context, g *Group, src, tag int) (T, Status, error) {
	data, st, err := g.Recv(ctx, src, tag)
	if err != nil {
		var zero T
		return zero, st, err
	}
	v, err := Decode[T](data)
	if err != nil {
		return v, st, errs.Wrap("comm.RecvValue", g.rank, err)
	}
	return v, st, nil
}

func sendValue[T any](ctx context.Context, g *Group, dst, tag int, v T) error {
	data, err := Encode(v)
	if err != nil {
		return err
	}
	return g.send(ctx, dst, tag, data)
}

func recvValue[T any](ctx context.Context, g *Group, src, tag int) (T, error) {
	r := g.recv(src, tag)
	if _, err := r.Wait(ctx); err != nil {
		var zero T
		return zero, err
	}
	return Decode[T](r.Payload())
}

// finish records err on the span and wraps it with the operation name
func finish(span trace.Span, op string, rank int, err error) error {
	defer span.End()
	if err == nil {
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return errs.Wrap(op, rank, err)
}

// Broadcast distributes root's v to every member along a binomial tree.
// Non-root ranks' v is ignored.
func Broadcast[T any](ctx context.Context, g *Group, root int, v T) (T, error) {
	const op = "comm.Broadcast"
	if err := g.checkRank(op, root, false); err != nil {
		return v, err
	}
	tag := g.nextTag()
	ctx, span := startCollective(ctx, g, "broadcast")
	v, err := broadcast(ctx, g, root, tag, v)
	return v, finish(span, op, g.rank, err)
}

func broadcast[T any](ctx context.Context, g *Group, root, tag int, v T) (T, error) {
	size := g.Size()
	vr := (g.rank - root + size) % size

	mask := 1
	for mask < size {
		if vr&mask != 0 {
			var err error
			v, err = recvValue[T](ctx, g, (vr-mask+root)%size, tag)
			if err != nil {
				return v, err
			}
			break
		}
		mask <<= 1
	}

	data, err := Encode(v)
	if err != nil {
		return v, err
	}
	for mask >>= 1; mask > 0; mask >>= 1 {
		if vr+mask < size {
			if err := g.send(ctx, (vr+mask+root)%size, tag, data); err != nil {
				return v, err
			}
		}
	}
	return v, nil
}

// Reduce combines vals elementwise with op onto root along a binomial tree.
// Every rank must pass the same length. Non-root ranks receive nil.
func Reduce[T Number](ctx context.Context, g *Group, root int, vals []T, op Op) ([]T, error) {
	const name = "comm.Reduce"
	if err := g.checkRank(name, root, false); err != nil {
		return nil, err
	}
	if !validOp(op) {
		return nil, errs.InvalidArgument(name, g.rank, "unknown reduction %v", op)
	}
	tag := g.nextTag()
	ctx, span := startCollective(ctx, g, "reduce")
	out, err := reduce(ctx, g, root, tag, vals, op)
	return out, finish(span, name, g.rank, err)
}

func reduce[T Number](ctx context.Context, g *Group, root, tag int, vals []T, op Op) ([]T, error) {
	size := g.Size()
	vr := (g.rank - root + size) % size

	acc := slices.Clone(vals)
	normalize(op, acc)

	for mask := 1; mask < size; mask <<= 1 {
		if vr&mask == 0 {
			src := vr | mask
			if src < size {
				in, err := recvValue[[]T](ctx, g, (src+root)%size, tag)
				if err != nil {
					return nil, err
				}
				if len(in) != len(acc) {
					return nil, errs.InvalidArgument("comm.Reduce", g.rank,
						"length %d from rank %d differs from local length %d", len(in), (src+root)%size, len(acc))
				}
				combine(op, acc, in)
			}
		} else {
			if err := sendValue(ctx, g, ((vr&^mask)+root)%size, tag, acc); err != nil {
				return nil, err
			}
			return nil, nil
		}
	}
	return acc, nil
}

// AllReduce combines vals elementwise with op and returns the result on every rank
func AllReduce[T Number](ctx context.Context, g *Group, vals []T, op Op) ([]T, error) {
	const name = "comm.AllReduce"
	if !validOp(op) {
		return nil, errs.InvalidArgument(name, g.rank, "unknown reduction %v", op)
	}
	reduceTag, bcastTag := g.nextTag(), g.nextTag()
	ctx, span := startCollective(ctx, g, "allreduce")

	out, err := reduce(ctx, g, 0, reduceTag, vals, op)
	if err == nil {
		out, err = broadcast(ctx, g, 0, bcastTag, out)
	}
	return out, finish(span, name, g.rank, err)
}

// Gather collects one value from every rank on root, in rank order.
// Non-root ranks receive nil.
func Gather[T any](ctx context.Context, g *Group, root int, v T) ([]T, error) {
	const name = "comm.Gather"
	if err := g.checkRank(name, root, false); err != nil {
		return nil, err
	}
	tag := g.nextTag()
	ctx, span := startCollective(ctx, g, "gather")
	out, err := gather(ctx, g, root, tag, v)
	return out, finish(span, name, g.rank, err)
}

func gather[T any](ctx context.Context, g *Group, root, tag int, v T) ([]T, error) {
	if g.rank != root {
		return nil, sendValue(ctx, g, root, tag, v)
	}

	out := make([]T, g.Size())
	reqs := make([]*Request, g.Size())
	for r := range reqs {
		if r != root {
			reqs[r] = g.recv(r, tag)
		}
	}
	out[root] = v
	for r, req := range reqs {
		if req == nil {
			continue
		}
		if _, err := req.Wait(ctx); err != nil {
			return nil, err
		}
		val, err := Decode[T](req.Payload())
		if err != nil {
			return nil, err
		}
		out[r] = val
	}
	return out, nil
}

// AllGather collects one value from every rank on every rank, in rank order
func AllGather[T any](ctx context.Context, g *Group, v T) ([]T, error) {
	const name = "comm.AllGather"
	gatherTag, bcastTag := g.nextTag(), g.nextTag()
	ctx, span := startCollective(ctx, g, "allgather")

	out, err := gather(ctx, g, 0, gatherTag, v)
	if err == nil {
		out, err = broadcast(ctx, g, 0, bcastTag, out)
	}
	return out, finish(span, name, g.rank, err)
}

// Scatter sends vals[r] from root to rank r. Only root's vals is read and it
// must have one entry per rank.
func Scatter[T any](ctx context.Context, g *Group, root int, vals []T) (T, error) {
	const name = "comm.Scatter"
	var zero T
	if err := g.checkRank(name, root, false); err != nil {
		return zero, err
	}
	if g.rank == root && len(vals) != g.Size() {
		return zero, errs.InvalidArgument(name, g.rank, "got %d values for %d ranks", len(vals), g.Size())
	}
	tag := g.nextTag()
	ctx, span := startCollective(ctx, g, "scatter")
	out, err := scatter(ctx, g, root, tag, vals)
	return out, finish(span, name, g.rank, err)
}

func scatter[T any](ctx context.Context, g *Group, root, tag int, vals []T) (T, error) {
	if g.rank != root {
		return recvValue[T](ctx, g, root, tag)
	}
	for r, v := range vals {
		if r == root {
			continue
		}
		if err := sendValue(ctx, g, r, tag, v); err != nil {
			var zero T
			return zero, err
		}
	}
	return vals[root], nil
}

// ReduceScatter combines vals elementwise with op and hands rank r the segment
// of counts[r] elements that follows the segments of ranks below r. Every rank
// passes the same counts.
func ReduceScatter[T Number](ctx context.Context, g *Group, vals []T, counts []int, op Op) ([]T, error) {
	const name = "comm.ReduceScatter"
	if len(counts) != g.Size() {
		return nil, errs.InvalidArgument(name, g.rank, "got %d counts for %d ranks", len(counts), g.Size())
	}
	total := 0
	for _, c := range counts {
		if c < 0 {
			return nil, errs.InvalidArgument(name, g.rank, "negative count %d", c)
		}
		total += c
	}
	if total != len(vals) {
		return nil, errs.InvalidArgument(name, g.rank, "counts sum to %d, have %d values", total, len(vals))
	}
	if !validOp(op) {
		return nil, errs.InvalidArgument(name, g.rank, "unknown reduction %v", op)
	}
	reduceTag, scatterTag := g.nextTag(), g.nextTag()
	ctx, span := startCollective(ctx, g, "reducescatter")

	full, err := reduce(ctx, g, 0, reduceTag, vals, op)
	if err != nil {
		return nil, finish(span, name, g.rank, err)
	}
	var segments [][]T
	if g.rank == 0 {
		segments = make([][]T, g.Size())
		off := 0
		for r, c := range counts {
			segments[r] = full[off : off+c]
			off += c
		}
	}
	out, err := scatter(ctx, g, 0, scatterTag, segments)
	return out, finish(span, name, g.rank, err)
}

// Scan returns on rank r the elementwise reduction of vals over ranks 0..r
func Scan[T Number](ctx context.Context, g *Group, vals []T, op Op) ([]T, error) {
	const name = "comm.Scan"
	if !validOp(op) {
		return nil, errs.InvalidArgument(name, g.rank, "unknown reduction %v", op)
	}
	tag := g.nextTag()
	ctx, span := startCollective(ctx, g, "scan")
	incl, _, err := scan(ctx, g, tag, vals, op)
	return incl, finish(span, name, g.rank, err)
}

// ExScan returns on rank r the elementwise reduction of vals over ranks 0..r-1.
// Rank 0 receives zeros.
func ExScan[T Number](ctx context.Context, g *Group, vals []T, op Op) ([]T, error) {
	const name = "comm.ExScan"
	if !validOp(op) {
		return nil, errs.InvalidArgument(name, g.rank, "unknown reduction %v", op)
	}
	tag := g.nextTag()
	ctx, span := startCollective(ctx, g, "exscan")
	_, excl, err := scan(ctx, g, tag, vals, op)
	return excl, finish(span, name, g.rank, err)
}

// scan passes the running prefix along the rank chain
func scan[T Number](ctx context.Context, g *Group, tag int, vals []T, op Op) (incl, excl []T, err error) {
	incl = slices.Clone(vals)
	normalize(op, incl)
	excl = make([]T, len(vals))

	if g.rank > 0 {
		prev, err := recvValue[[]T](ctx, g, g.rank-1, tag)
		if err != nil {
			return nil, nil, err
		}
		if len(prev) != len(vals) {
			return nil, nil, errs.InvalidArgument("comm.Scan", g.rank,
				"length %d from rank %d differs from local length %d", len(prev), g.rank-1, len(vals))
		}
		copy(excl, prev)
		combine(op, incl, prev)
	}
	if g.rank < g.Size()-1 {
		if err := sendValue(ctx, g, g.rank+1, tag, incl); err != nil {
			return nil, nil, err
		}
	}
	return incl, excl, nil
}

// AllToAll sends vals[r] to rank r and returns the values received, indexed by
// source rank. vals must have one entry per rank.
func AllToAll[T any](ctx context.Context, g *Group, vals []T) ([]T, error) {
	const name = "comm.AllToAll"
	if len(vals) != g.Size() {
		return nil, errs.InvalidArgument(name, g.rank, "got %d values for %d ranks", len(vals), g.Size())
	}
	tag := g.nextTag()
	ctx, span := startCollective(ctx, g, "alltoall")

	out := make([]T, g.Size())
	reqs := make([]*Request, g.Size())
	for r := range reqs {
		if r != g.rank {
			reqs[r] = g.recv(r, tag)
		}
	}
	for r, v := range vals {
		if r == g.rank {
			out[r] = v
			continue
		}
		if err := sendValue(ctx, g, r, tag, v); err != nil {
			return nil, finish(span, name, g.rank, err)
		}
	}
	for r, req := range reqs {
		if req == nil {
			continue
		}
		if _, err := req.Wait(ctx); err != nil {
			return nil, finish(span, name, g.rank, err)
		}
		v, err := Decode[T](req.Payload())
		if err != nil {
			return nil, finish(span, name, g.rank, err)
		}
		out[r] = v
	}
	return out, finish(span, name, g.rank, nil)
}
