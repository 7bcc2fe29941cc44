package comm

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/rbaliyan/distmap/comm"

// instruments holds the OpenTelemetry instruments of the comm package
type instruments struct {
	messagesSent metric.Int64Counter
	bytesSent    metric.Int64Counter
	received     metric.Int64Counter
	unexpected   metric.Int64UpDownCounter
	collectives  metric.Int64Counter
}

var (
	meter  = otel.Meter(instrumentationName)
	tracer = otel.Tracer(instrumentationName)
	inst   = newInstruments()
)

func newInstruments() *instruments {
	i := &instruments{}
	i.messagesSent, _ = meter.Int64Counter("distmap.comm.messages.sent",
		metric.WithDescription("Number of point-to-point messages sent"),
		metric.WithUnit("{message}"),
	)
	i.bytesSent, _ = meter.Int64Counter("distmap.comm.bytes.sent",
		metric.WithDescription("Payload bytes sent"),
		metric.WithUnit("By"),
	)
	i.received, _ = meter.Int64Counter("distmap.comm.messages.received",
		metric.WithDescription("Number of messages taken from the mailbox"),
		metric.WithUnit("{message}"),
	)
	i.unexpected, _ = meter.Int64UpDownCounter("distmap.comm.messages.unexpected",
		metric.WithDescription("Messages waiting for a matching receive"),
		metric.WithUnit("{message}"),
	)
	i.collectives, _ = meter.Int64Counter("distmap.comm.collectives",
		metric.WithDescription("Number of collective operations started"),
		metric.WithUnit("{call}"),
	)
	return i
}

// startCollective opens a span for a collective and counts it
func startCollective(ctx context.Context, g *Group, op string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("op", op),
		attribute.Int("group.size", g.Size()),
	}
	inst.collectives.Add(ctx, 1, metric.WithAttributes(attrs[0]))
	return tracer.Start(ctx, "comm."+op, trace.WithAttributes(append(attrs, attribute.Int("group.rank", g.Rank()))...))
}
