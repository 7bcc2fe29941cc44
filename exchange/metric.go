package exchange

import (
	"context"

	"github.com/rbaliyan/distmap/comm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/rbaliyan/distmap/exchange"

var (
	meter  = otel.Meter(instrumentationName)
	tracer = otel.Tracer(instrumentationName)
	inst   = newInstruments()
)

type instruments struct {
	plans     metric.Int64Counter
	exchanges metric.Int64Counter
	items     metric.Int64Counter
}

func newInstruments() *instruments {
	i := &instruments{}
	i.plans, _ = meter.Int64Counter("distmap.exchange.plans",
		metric.WithDescription("Number of exchange plans built"),
		metric.WithUnit("{plan}"),
	)
	i.exchanges, _ = meter.Int64Counter("distmap.exchange.exchanges",
		metric.WithDescription("Number of exchanges executed"),
		metric.WithUnit("{call}"),
	)
	i.items, _ = meter.Int64Counter("distmap.exchange.items.sent",
		metric.WithDescription("Items handed to remote ranks, self messages excluded"),
		metric.WithUnit("{item}"),
	)
	return i
}

func startSpan(ctx context.Context, g *comm.Group, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "exchange."+name, trace.WithAttributes(
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
