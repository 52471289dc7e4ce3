// Package observability provides production-grade observability for the
// pipeline: structured logging, metrics, and distributed tracing.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"

	"github.com/insightengine/pipeline/pkg/pipeline/envelope"
)

// EnrichLogger adds envelope context to a logger.
// Returns a new logger with event_id, trace_id, tenant, business_id,
// stage, generation, and attempt fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, env)
//	enriched.Info("processing") // includes full envelope identity
func EnrichLogger(logger *slog.Logger, env *envelope.Envelope) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("event_id", env.EventID),
		slog.String("trace_id", env.TraceID),
		slog.String("tenant", env.Tenant),
		slog.String("business_id", env.BusinessID),
		slog.String("stage", string(env.Stage)),
		slog.Int("generation", env.Generation),
		slog.Int("attempt", env.Attempt),
	)
}

// LogStageStart logs the start of a stage handler invocation.
func LogStageStart(logger *slog.Logger, env *envelope.Envelope) {
	if logger == nil {
		return
	}
	logger.Debug("stage processing starting",
		slog.String("event_id", env.EventID),
		slog.String("stage", string(env.Stage)),
	)
}

// LogStageComplete logs successful stage completion.
func LogStageComplete(logger *slog.Logger, env *envelope.Envelope, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Info("stage completed",
		slog.String("event_id", env.EventID),
		slog.String("stage", string(env.Stage)),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogStageRetry logs a scheduled retry.
func LogStageRetry(logger *slog.Logger, env *envelope.Envelope, err error, delay time.Duration) {
	if logger == nil {
		return
	}
	logger.Warn("stage retry scheduled",
		slog.String("event_id", env.EventID),
		slog.String("stage", string(env.Stage)),
		slog.Int("attempt", env.Attempt),
		slog.String("error", err.Error()),
		slog.Duration("delay", delay),
	)
}

// LogDeadLetter logs an envelope moved to the dead-letter path.
func LogDeadLetter(logger *slog.Logger, env *envelope.Envelope, reason string, err error) {
	if logger == nil {
		return
	}
	attrs := []any{
		slog.String("event_id", env.EventID),
		slog.String("stage", string(env.Stage)),
		slog.String("business_id", env.BusinessID),
		slog.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	logger.Error("envelope dead-lettered", attrs...)
}

// LogLeaseLost logs a handler result discarded because its lease expired.
func LogLeaseLost(logger *slog.Logger, env *envelope.Envelope, err error) {
	if logger == nil {
		return
	}
	logger.Warn("lease lost, discarding handler result",
		slog.String("event_id", env.EventID),
		slog.String("stage", string(env.Stage)),
		slog.String("error", err.Error()),
	)
}

// LogDuplicate logs a delivery skipped because the work was already done.
func LogDuplicate(logger *slog.Logger, env *envelope.Envelope) {
	if logger == nil {
		return
	}
	logger.Debug("duplicate delivery, already completed",
		slog.String("event_id", env.EventID),
		slog.String("stage", string(env.Stage)),
		slog.String("business_id", env.BusinessID),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
