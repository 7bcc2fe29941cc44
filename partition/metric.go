package partition

import (
	"context"

	"github.com/rbaliyan/distmap/comm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/rbaliyan/distmap/partition"

var (
	meter  = otel.Meter(instrumentationName)
	tracer = otel.Tracer(instrumentationName)
	inst   = newInstruments()
)

type instruments struct {
	directories metric.Int64Counter
}

func newInstruments() *instruments {
	i := &instruments{}
	i.directories, _ = meter.Int64Counter("distmap.partition.directories",
		metric.WithDescription("Number of owner directories built, by strategy"),
		metric.WithUnit("{directory}"),
	)
	return i
}

func startSpan(ctx context.Context, g *comm.Group, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "partition."+name, trace.WithAttributes(
		attribute.Int("group.rank", g.Rank()),
		attribute.Int("group.size", g.Size()),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
