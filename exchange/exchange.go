package exchange

import (
	"context"

	"github.com/rbaliyan/distmap/comm"
	"github.com/rbaliyan/distmap/errs"
)

// Exchange sends every export item to its target and returns the imported
// items in receive order. exports must hold NumExportItems items. Collective
// over the plan's group.
//
// Items travel MessagePack encoded, so T may itself be a slice to move
// variable-size items.
func Exchange[T any](ctx context.Context, p *Plan, exports []T) ([]T, error) {
	return ExchangeBlocks(ctx, p, exports, 1)
}

// ExchangeBlocks is Exchange for items of blockSize consecutive elements.
// exports holds NumExportItems*blockSize elements and the result
// NumImportItems*blockSize.
//
// There is no timeout: the call returns when every message has arrived, the
// transport fails, or ctx ends. After a ctx error the group must not be used
// for further collectives.
//
// A bad block size or buffer length is reported only on the rank that passed
// it, before anything is sent. Its peers stay blocked waiting for its messages
// until their ctx ends.
func ExchangeBlocks[T any](ctx context.Context, p *Plan, exports []T, blockSize int) (imports []T, err error) {
	const op = "exchange.Exchange"
	g := p.g
	me := g.Rank()
	if blockSize <= 0 {
		return nil, errs.InvalidArgument(op, me, "block size %d is not positive", blockSize)
	}
	if len(exports) != p.numExports*blockSize {
		return nil, errs.InvalidArgument(op, me, "export buffer holds %d elements, plan needs %d items of %d",
			len(exports), p.numExports, blockSize)
	}

	tag := g.ReserveTag()
	ctx, span := startSpan(ctx, g, "exchange")
	defer func() { endSpan(span, err) }()
	inst.exchanges.Add(ctx, 1)

	imports = make([]T, p.numImports*blockSize)
	reqs := make([]*comm.Request, len(p.procsFrom))
	for j, src := range p.procsFrom {
		if src != me {
			reqs[j] = g.IrecvReserved(src, tag)
		}
	}

	sent := 0
	for k, dst := range p.procsTo {
		block := sendBlock(p, exports, k, blockSize)
		if dst == me {
			if err := receiveBlock(p, imports, p.selfIndexFrom(), block, blockSize); err != nil {
				return nil, err
			}
			continue
		}
		data, err := comm.Encode(block)
		if err != nil {
			return nil, errs.Wrap(op, me, err)
		}
		if _, err := g.IsendReserved(ctx, dst, tag, data).Wait(ctx); err != nil {
			return nil, errs.Wrap(op, me, err)
		}
		sent += p.lengthsTo[k]
	}
	inst.items.Add(ctx, int64(sent))

	for j, req := range reqs {
		if req == nil {
			continue
		}
		if _, err := req.Wait(ctx); err != nil {
			return nil, errs.Wrap(op, me, err)
		}
		block, err := comm.Decode[[]T](req.Payload())
		if err != nil {
			return nil, errs.Wrap(op, me, err)
		}
		if err := receiveBlock(p, imports, j, block, blockSize); err != nil {
			return nil, err
		}
	}
	return imports, nil
}

// sendBlock returns the elements of the k-th target in send order
func sendBlock[T any](p *Plan, exports []T, k, bs int) []T {
	start, n := p.startsTo[k], p.lengthsTo[k]
	if p.indicesTo == nil {
		return exports[start*bs : (start+n)*bs]
	}
	out := make([]T, 0, n*bs)
	for _, item := range p.indicesTo[start : start+n] {
		out = append(out, exports[item*bs:(item+1)*bs]...)
	}
	return out
}

// receiveBlock stores the elements from the j-th source
func receiveBlock[T any](p *Plan, imports []T, j int, block []T, bs int) error {
	n := p.lengthsFrom[j]
	if len(block) != n*bs {
		return errs.Logic("exchange.Exchange", p.g.Rank(), "rank %d sent %d elements, plan expects %d items of %d",
			p.procsFrom[j], len(block), n, bs)
	}
	start := p.startsFrom[j]
	if p.indicesFrom == nil {
		copy(imports[start*bs:], block)
		return nil
	}
	for i, item := range p.indicesFrom[start : start+n] {
		copy(imports[item*bs:(item+1)*bs], block[i*bs:(i+1)*bs])
	}
	return nil
}
