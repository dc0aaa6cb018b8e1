package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns events into OpenTelemetry spans.
//
// Each event becomes a span named after event.Msg with iteration, tick and
// symbol attributes plus every Meta field. Spans are ended immediately:
// events mark points in time, and the configured span processor handles
// batching and export. Sampling is the tracer provider's concern; wire a
// TraceIDRatioBased sampler matching trace.sample_rate when constructing it.
//
// Setup:
//
//	tp := sdktrace.NewTracerProvider(
//	    sdktrace.WithBatcher(exporter),
//	    sdktrace.WithSampler(sdktrace.TraceIDRatioBased(rate)),
//	)
//	emitter := emit.NewOTelEmitter(tp.Tracer("mm-soak"))
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter over the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates and immediately ends a span for the event. An "error" Meta
// entry sets the span status to error.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), event.Msg)
	defer span.End()

	span.SetAttributes(
		attribute.Int("soak.iteration", event.Iteration),
		attribute.Int("soak.tick", event.Tick),
	)
	if event.Symbol != "" {
		span.SetAttributes(attribute.String("soak.symbol", event.Symbol))
	}
	for k, v := range event.Meta {
		span.SetAttributes(metaAttribute(k, v))
	}
	if errMsg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}

// EmitBatch emits several events under one parent span, preserving temporal
// locality for related events (e.g. all guard trips of one iteration).
func (o *OTelEmitter) EmitBatch(ctx context.Context, name string, events []Event) {
	if len(events) == 0 {
		return
	}
	ctx, parent := o.tracer.Start(ctx, name)
	defer parent.End()
	for _, ev := range events {
		_, span := o.tracer.Start(ctx, ev.Msg)
		span.SetAttributes(
			attribute.Int("soak.iteration", ev.Iteration),
			attribute.Int("soak.tick", ev.Tick),
		)
		if ev.Symbol != "" {
			span.SetAttributes(attribute.String("soak.symbol", ev.Symbol))
		}
		for k, v := range ev.Meta {
			span.SetAttributes(metaAttribute(k, v))
		}
		span.End()
	}
}

func metaAttribute(key string, v interface{}) attribute.KeyValue {
	k := "soak.meta." + key
	switch t := v.(type) {
	case string:
		return attribute.String(k, t)
	case bool:
		return attribute.Bool(k, t)
	case int:
		return attribute.Int(k, t)
	case int64:
		return attribute.Int64(k, t)
	case float64:
		return attribute.Float64(k, t)
	default:
		return attribute.String(k, fmt.Sprintf("%v", t))
	}
}
