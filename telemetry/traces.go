package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/podsync/types"
)

// StartFetch starts a span around a single corrective fetch
func StartFetch(ctx context.Context, tracer trace.Tracer, op string, key types.Key) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("scope", key.Scope.String()),
		attribute.String("fetch.op", op),
	}
	if !key.IsZero() {
		attrs = append(attrs, attribute.String("entity.id", key.ID))
	}
	return tracer.Start(ctx, "fetch."+op, trace.WithAttributes(attrs...))
}

// StartFullLoad starts a span around a full scope load
func StartFullLoad(ctx context.Context, tracer trace.Tracer, scope types.Scope) (context.Context, trace.Span) {
	return tracer.Start(ctx, "full_load",
		trace.WithAttributes(attribute.String("scope", scope.String())),
	)
}

// StartProbe starts a span around a scope probe
func StartProbe(ctx context.Context, tracer trace.Tracer, scope types.Scope) (context.Context, trace.Span) {
	return tracer.Start(ctx, "probe",
		trace.WithAttributes(attribute.String("scope", scope.String())),
	)
}

// EndSpan records err on span, if any, and ends it
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// RecordClassifiedEvent attaches an event's classification to span
func RecordClassifiedEvent(span trace.Span, ev types.Event, actions []string) {
	if span == nil {
		return
	}

	span.AddEvent("daemon.event.classified", trace.WithAttributes(
		attribute.String("scope", ev.Scope.String()),
		attribute.String("event.kind", string(ev.Kind)),
		attribute.String("event.status", string(ev.Status)),
		attribute.String("entity.id", ev.ID),
		attribute.StringSlice("actions", actions),
	))
}
