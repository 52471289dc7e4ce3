package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/insightengine/pipeline/pkg/pipeline/envelope"
)

// Tracer is the pipeline tracer instance.
// Uses the global OTel tracer provider.
var tracer = otel.Tracer("pipeline")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartStageSpan starts a span for one stage handler invocation.
	StartStageSpan(ctx context.Context, env *envelope.Envelope) (context.Context, trace.Span)

	// StartFetchSpan starts a span for one crawler fetch.
	StartFetchSpan(ctx context.Context, connector, target string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// The span manager uses the global OTel tracer provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

// StartStageSpan starts a span for one stage handler invocation.
func (m *otelSpanManager) StartStageSpan(ctx context.Context, env *envelope.Envelope) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pipeline.stage."+string(env.Stage),
		trace.WithAttributes(
			attribute.String("event.id", env.EventID),
			attribute.String("trace.id", env.TraceID),
			attribute.String("tenant", env.Tenant),
			attribute.String("business.id", env.BusinessID),
			attribute.Int("generation", env.Generation),
			attribute.Int("attempt", env.Attempt),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

// StartFetchSpan starts a span for one crawler fetch.
func (m *otelSpanManager) StartFetchSpan(ctx context.Context, connector, target string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pipeline.crawler.fetch",
		trace.WithAttributes(
			attribute.String("connector", connector),
			attribute.String("target", target),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span.
func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// NoopSpanManager is a SpanManager that produces no spans.
type NoopSpanManager struct{}

// StartStageSpan returns the context unchanged with a non-recording span.
func (NoopSpanManager) StartStageSpan(ctx context.Context, _ *envelope.Envelope) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

// StartFetchSpan returns the context unchanged with a non-recording span.
func (NoopSpanManager) StartFetchSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

// EndSpanWithError does nothing.
func (NoopSpanManager) EndSpanWithError(trace.Span, error) {}

// AddSpanEvent does nothing.
func (NoopSpanManager) AddSpanEvent(context.Context, string, ...attribute.KeyValue) {}

// Compile-time check that both implementations satisfy SpanManager.
var (
	_ SpanManager = (*otelSpanManager)(nil)
	_ SpanManager = NoopSpanManager{}
)
