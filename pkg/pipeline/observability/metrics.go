package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Recorder records pipeline metrics.
// Use NewRecorder() for OTel metrics or NoopRecorder{} when disabled.
type Recorder interface {
	// RecordStage records one stage handler invocation with its duration
	// and error status. The stage determines which metric series receives
	// the observation.
	RecordStage(ctx context.Context, stage, tenant string, duration time.Duration, err error)

	// RecordEntities records the entity count extracted from one document.
	RecordEntities(ctx context.Context, tenant string, count int64)

	// RecordEmbeddingBatch records the size of one embedding batch.
	RecordEmbeddingBatch(ctx context.Context, tenant string, size int64)

	// RecordRetry records a scheduled retry.
	RecordRetry(ctx context.Context, stage, tenant string)

	// RecordDeadLetter records an envelope moved to the dead-letter path.
	RecordDeadLetter(ctx context.Context, stage, tenant, reason string)

	// RecordCrawlerFetch records one crawler fetch attempt.
	RecordCrawlerFetch(ctx context.Context, connector string, duration time.Duration, err error, rateLimited bool)
}

// otelRecorder implements Recorder using OpenTelemetry.
type otelRecorder struct {
	parserLatency    metric.Float64Histogram
	parserErrors     metric.Int64Counter
	extractorEnts    metric.Int64Histogram
	extractorErrors  metric.Int64Counter
	embeddingBatch   metric.Int64Histogram
	vectorLatency    metric.Float64Histogram
	deadLetters      metric.Int64Counter
	retries          metric.Int64Counter
	crawlerLatency   metric.Float64Histogram
	crawlerErrors    metric.Int64Counter
	crawlerThrottled metric.Int64Counter
	crawlerPages     metric.Int64Counter
}

var (
	defaultRecorder     *otelRecorder
	defaultRecorderOnce sync.Once
	defaultRecorderErr  error
)

func getDefaultRecorder() (*otelRecorder, error) {
	defaultRecorderOnce.Do(func() {
		defaultRecorder, defaultRecorderErr = newOtelRecorder()
	})
	return defaultRecorder, defaultRecorderErr
}

func newOtelRecorder() (*otelRecorder, error) {
	meter := otel.Meter("pipeline")

	parserLatency, err := meter.Float64Histogram("parser_latency_seconds",
		metric.WithDescription("Parser stage latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	parserErrors, err := meter.Int64Counter("parser_error_total",
		metric.WithDescription("Parser stage errors"),
	)
	if err != nil {
		return nil, err
	}

	extractorEnts, err := meter.Int64Histogram("extractor_entities_per_doc",
		metric.WithDescription("Entities extracted per document"),
	)
	if err != nil {
		return nil, err
	}

	extractorErrors, err := meter.Int64Counter("extractor_error_total",
		metric.WithDescription("Extractor stage errors"),
	)
	if err != nil {
		return nil, err
	}

	embeddingBatch, err := meter.Int64Histogram("embedding_batch_size",
		metric.WithDescription("Embedding batch sizes"),
	)
	if err != nil {
		return nil, err
	}

	vectorLatency, err := meter.Float64Histogram("vector_latency_seconds",
		metric.WithDescription("Vectorization stage latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	deadLetters, err := meter.Int64Counter("pipeline_dead_letter_total",
		metric.WithDescription("Envelopes moved to the dead-letter path"),
	)
	if err != nil {
		return nil, err
	}

	retries, err := meter.Int64Counter("pipeline_retry_total",
		metric.WithDescription("Scheduled envelope retries"),
	)
	if err != nil {
		return nil, err
	}

	crawlerLatency, err := meter.Float64Histogram("crawler_fetch_latency_seconds",
		metric.WithDescription("Crawler fetch latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	crawlerErrors, err := meter.Int64Counter("crawler_fetch_error_total",
		metric.WithDescription("Crawler fetch errors"),
	)
	if err != nil {
		return nil, err
	}

	crawlerThrottled, err := meter.Int64Counter("crawler_rate_limited_total",
		metric.WithDescription("Crawler fetches rejected by rate limiting"),
	)
	if err != nil {
		return nil, err
	}

	crawlerPages, err := meter.Int64Counter("crawler_pages_fetched_total",
		metric.WithDescription("Pages fetched by crawler connectors"),
	)
	if err != nil {
		return nil, err
	}

	return &otelRecorder{
		parserLatency:    parserLatency,
		parserErrors:     parserErrors,
		extractorEnts:    extractorEnts,
		extractorErrors:  extractorErrors,
		embeddingBatch:   embeddingBatch,
		vectorLatency:    vectorLatency,
		deadLetters:      deadLetters,
		retries:          retries,
		crawlerLatency:   crawlerLatency,
		crawlerErrors:    crawlerErrors,
		crawlerThrottled: crawlerThrottled,
		crawlerPages:     crawlerPages,
	}, nil
}

// NewRecorder returns a Recorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewRecorder() Recorder {
	r, err := getDefaultRecorder()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopRecorder{}
	}
	return r
}

// RecordStage records a stage handler invocation.
func (r *otelRecorder) RecordStage(ctx context.Context, stage, tenant string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("tenant", tenant),
		attribute.String("stage", stage),
	)

	switch stage {
	case "parsed", "crawler-fetched":
		r.parserLatency.Record(ctx, duration.Seconds(), attrs)
		if err != nil {
			r.parserErrors.Add(ctx, 1, attrs)
		}
	case "extracted":
		if err != nil {
			r.extractorErrors.Add(ctx, 1, attrs)
		}
	case "indexed":
		r.vectorLatency.Record(ctx, duration.Seconds(), attrs)
	}
}

// RecordEntities records the extracted-entity count for one document.
func (r *otelRecorder) RecordEntities(ctx context.Context, tenant string, count int64) {
	r.extractorEnts.Record(ctx, count, metric.WithAttributes(attribute.String("tenant", tenant)))
}

// RecordEmbeddingBatch records an embedding batch size.
func (r *otelRecorder) RecordEmbeddingBatch(ctx context.Context, tenant string, size int64) {
	r.embeddingBatch.Record(ctx, size, metric.WithAttributes(attribute.String("tenant", tenant)))
}

// RecordRetry records a scheduled retry.
func (r *otelRecorder) RecordRetry(ctx context.Context, stage, tenant string) {
	r.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("tenant", tenant),
	))
}

// RecordDeadLetter records a dead-lettered envelope.
func (r *otelRecorder) RecordDeadLetter(ctx context.Context, stage, tenant, reason string) {
	r.deadLetters.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("tenant", tenant),
		attribute.String("reason", reason),
	))
}

// RecordCrawlerFetch records one crawler fetch attempt.
func (r *otelRecorder) RecordCrawlerFetch(ctx context.Context, connector string, duration time.Duration, err error, rateLimited bool) {
	attrs := metric.WithAttributes(attribute.String("connector", connector))

	r.crawlerLatency.Record(ctx, duration.Seconds(), attrs)
	switch {
	case rateLimited:
		r.crawlerThrottled.Add(ctx, 1, attrs)
	case err != nil:
		r.crawlerErrors.Add(ctx, 1, attrs)
	default:
		r.crawlerPages.Add(ctx, 1, attrs)
	}
}
