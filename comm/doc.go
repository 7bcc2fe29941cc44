// Package comm implements SPMD process groups over a message transport.
//
// A world is a fixed set of ranks, each attached through an Endpoint that owns one
// mailbox on a transport.Transport. Groups are ordered subsets of a world with a
// private communication context; Split derives new groups collectively.
//
// Point-to-point traffic (Isend, Irecv, Send, Recv) is matched on (context, source,
// tag) with MPI-style non-overtaking order between a pair of ranks. Collectives
// (Broadcast, Reduce, AllReduce, Gather, AllGather, Scatter, ReduceScatter, Scan,
// ExScan, AllToAll, Barrier) are built from point-to-point messages on negative
// tags drawn from a per-group sequence, so every member must call the same
// collectives in the same order. Calling them in a different order is undefined.
//
// No call times out on its own. A blocking call returns when its context ends,
// after which the group must not be used again.
//
// In-process worlds are convenient for tests:
//
//	err := comm.Run(ctx, 4, func(ctx context.Context, g *comm.Group) error {
//	    total, err := comm.AllReduce(ctx, g, []int64{1}, comm.Sum)
//	    if err != nil {
//	        return err
//	    }
//	    // total[0] == 4 on every rank
//	    return nil
//	})
//
// Multi-process worlds use Join with a network transport:
//
//	tr, _ := redis.New(client)
//	g, err := comm.Join(ctx, tr, "job-42", rank, size)
package comm
