package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/insightengine/pipeline/pkg/pipeline/bus"
	"github.com/insightengine/pipeline/pkg/pipeline/envelope"
	"github.com/insightengine/pipeline/pkg/pipeline/observability"
)

// Router moves envelopes onto the dead-letter path. The store write comes
// first: the entry must be durable before the caller acknowledges the
// original delivery, so a crash in between redelivers the envelope and the
// idempotent Append absorbs the duplicate.
type Router struct {
	store   Store
	bus     bus.Bus
	metrics observability.Recorder
	logger  *slog.Logger

	now func() time.Time
}

// NewRouter creates a dead-letter router.
// metrics and logger may be nil; they default to no-ops.
func NewRouter(store Store, b bus.Bus, metrics observability.Recorder, logger *slog.Logger) *Router {
	if metrics == nil {
		metrics = observability.NoopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:   store,
		bus:     b,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Route writes the entry, announces it on the envelope's dead-letter
// subject, and records the metric. Only after Route returns nil may the
// caller acknowledge the original delivery.
//
// A publish failure does not fail the route: the entry is already durable,
// and the announcement subject is advisory for monitors.
func (r *Router) Route(ctx context.Context, env *envelope.Envelope, history []AttemptError, reason Reason) error {
	entry := &Entry{
		Envelope:     env,
		ErrorHistory: history,
		MovedAt:      r.now().UTC(),
		Reason:       reason,
	}

	if err := r.store.Append(ctx, entry); err != nil {
		return fmt.Errorf("dead-letter %s: %w", env.EventID, err)
	}

	if r.bus != nil {
		if err := r.bus.PublishSubject(ctx, env.Stage.DLQSubject(), env); err != nil {
			r.logger.Warn("dead-letter announcement failed",
				slog.String("event_id", env.EventID),
				slog.String("subject", env.Stage.DLQSubject()),
				slog.String("error", err.Error()))
		}
	}

	r.metrics.RecordDeadLetter(ctx, string(env.Stage), env.Tenant, string(reason))
	observability.LogDeadLetter(r.logger, env, string(reason), lastError(history))
	return nil
}

// lastError extracts the most recent failure for logging.
func lastError(history []AttemptError) error {
	if len(history) == 0 {
		return nil
	}
	last := history[len(history)-1]
	return fmt.Errorf("%s: %s", last.ErrorKind, last.Message)
}
