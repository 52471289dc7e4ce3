package observability

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/insightengine/pipeline/pkg/pipeline/envelope"
)

// setupTracingTest creates a test tracer provider with an in-memory span
// recorder and rebinds the package tracer to it.
func setupTracingTest(t *testing.T) (*tracetest.InMemoryExporter, func()) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)

	originalProvider := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer("pipeline")

	cleanup := func() {
		otel.SetTracerProvider(originalProvider)
		tracer = otel.Tracer("pipeline")
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down tracer provider: %v", err)
		}
	}

	return exporter, cleanup
}

func spanEnvelope(t *testing.T) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New("trace-1", "tenant-a", "doc.pdf::v1", envelope.StageParsed,
		json.RawMessage(`{"object_key":"doc.pdf","version":"v1"}`))
	require.NoError(t, err)
	return env
}

// TestStartStageSpan verifies span naming and envelope attributes.
func TestStartStageSpan(t *testing.T) {
	exporter, cleanup := setupTracingTest(t)
	defer cleanup()

	m := NewSpanManager()
	env := spanEnvelope(t)

	_, span := m.StartStageSpan(context.Background(), env)
	require.NotNil(t, span)
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)

	s := spans[0]
	assert.Equal(t, "pipeline.stage.parsed", s.Name)

	var eventID, tenant string
	for _, attr := range s.Attributes {
		switch attr.Key {
		case "event.id":
			eventID = attr.Value.AsString()
		case "tenant":
			tenant = attr.Value.AsString()
		}
	}
	assert.Equal(t, env.EventID, eventID)
	assert.Equal(t, "tenant-a", tenant)
}

// TestStartFetchSpan verifies the crawler fetch span.
func TestStartFetchSpan(t *testing.T) {
	exporter, cleanup := setupTracingTest(t)
	defer cleanup()

	m := NewSpanManager()
	_, span := m.StartFetchSpan(context.Background(), "web", "https://example.com")
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "pipeline.crawler.fetch", spans[0].Name)
}

// TestEndSpanWithError verifies status codes for both outcomes.
func TestEndSpanWithError(t *testing.T) {
	exporter, cleanup := setupTracingTest(t)
	defer cleanup()

	m := NewSpanManager()

	t.Run("success sets ok status", func(t *testing.T) {
		exporter.Reset()
		_, span := m.StartStageSpan(context.Background(), spanEnvelope(t))
		m.EndSpanWithError(span, nil)

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.Equal(t, codes.Ok, spans[0].Status.Code)
	})

	t.Run("failure records the error", func(t *testing.T) {
		exporter.Reset()
		_, span := m.StartStageSpan(context.Background(), spanEnvelope(t))
		m.EndSpanWithError(span, errors.New("handler failed"))

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.Equal(t, codes.Error, spans[0].Status.Code)
		require.NotEmpty(t, spans[0].Events)
	})

	t.Run("nil span is tolerated", func(t *testing.T) {
		m.EndSpanWithError(nil, errors.New("x"))
	})
}

// TestAddSpanEvent verifies events attach to the active span.
func TestAddSpanEvent(t *testing.T) {
	exporter, cleanup := setupTracingTest(t)
	defer cleanup()

	m := NewSpanManager()
	ctx, span := m.StartStageSpan(context.Background(), spanEnvelope(t))
	m.AddSpanEvent(ctx, "lease.renewed", attribute.Int("attempt", 1))
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)

	found := false
	for _, event := range spans[0].Events {
		if event.Name == "lease.renewed" {
			found = true
		}
	}
	assert.True(t, found, "Expected lease.renewed event on the span")
}
