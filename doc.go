// Package distmap describes how a globally indexed collection is split across the
// processes of a group, who owns any given index, and how to ship data between owners.
// The code lives in subpackages; this package only documents how they fit together.
//
// Layers, bottom up:
//   - transport: mailboxes over channel (in-memory), NATS core or JetStream, Redis
//     Streams or Kafka
//   - comm: SPMD process groups with point-to-point messages and collectives
//   - exchange: reusable all-to-all plans built from per-item destinations
//   - partition: partition descriptors and the directory that resolves owners
//   - importer: move vectors between two partitions of the same index space
//
// Basic example over an in-process world:
//
//	err := comm.Run(ctx, 4, func(ctx context.Context, g *comm.Group) error {
//	    // 10 indices split 3,3,2,2
//	    p, err := partition.NewUniform(ctx, 10, 0, g, partition.Distributed)
//	    if err != nil {
//	        return err
//	    }
//
//	    // who owns 0, 5 and 9?
//	    owners, lids, status, err := p.Resolve(ctx, []int64{0, 5, 9})
//	    if err != nil {
//	        return err
//	    }
//	    _, _, _ = owners, lids, status // [0 1 3] [0 2 1] AllFound
//
//	    // send one item to every rank, then reply
//	    dest := make([]int, g.Size())
//	    for i := range dest {
//	        dest[i] = i
//	    }
//	    plan, err := exchange.NewPlan(ctx, g, dest)
//	    if err != nil {
//	        return err
//	    }
//	    got, err := exchange.Exchange(ctx, plan, make([]string, g.Size()))
//	    if err != nil {
//	        return err
//	    }
//	    _, err = exchange.Exchange(ctx, plan.Reverse(), got)
//	    return err
//	})
//
// Multi-process worlds join over a network transport:
//
//	tr, err := nats.New(conn)
//	g, err := comm.Join(ctx, tr, "solver", rank, size)
//
// Every operation that takes a context is collective unless documented otherwise:
// all ranks of the group must call it in the same order. Debug cross-checks
// (comm.WithDebugChecks) add reductions that detect ranks disagreeing on constructor
// arguments (invalid argument) or on exchange plans (logic error).
//
// Errors carry a kind (errs.IsInvalidArgument, errs.IsRuntime, errs.IsLogic), the
// failing operation and the rank that raised it.
package distmap
