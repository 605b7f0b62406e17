package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Standard attribute keys for goadapt spans.
var (
	AttrEventID   = attribute.Key("goadapt.event.id")
	AttrEventType = attribute.Key("goadapt.event.type")
	AttrUserID    = attribute.Key("goadapt.user.id")
	AttrAttempt   = attribute.Key("goadapt.stream.attempt")
	AttrRunID     = attribute.Key("goadapt.run.id")
	AttrRunState  = attribute.Key("goadapt.run.state")
	AttrStrategy  = attribute.Key("goadapt.bandit.strategy")
	AttrDomain    = attribute.Key("goadapt.domain")
)

// NoopTracer returns a tracer that records nothing.
func NoopTracer() trace.Tracer {
	return nooptrace.NewTracerProvider().Tracer(TracerName)
}

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = NoopTracer()
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound monitoring request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = NoopTracer()
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound collaborator call (LLM, browser).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = NoopTracer()
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
