package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/insightengine/pipeline/pkg/pipeline/bus"
	"github.com/insightengine/pipeline/pkg/pipeline/envelope"
	"github.com/insightengine/pipeline/pkg/pipeline/observability"
)

// Source fetches through registered connectors and publishes the results
// as pipeline envelopes.
type Source struct {
	registry *Registry
	bus      bus.Bus
	metrics  observability.Recorder
	spans    observability.SpanManager
	logger   *slog.Logger

	now func() time.Time
}

// NewSource creates a crawler source.
// metrics, spans, and logger may be nil; they default to no-ops.
func NewSource(registry *Registry, b bus.Bus, metrics observability.Recorder, spans observability.SpanManager, logger *slog.Logger) *Source {
	if metrics == nil {
		metrics = observability.NoopRecorder{}
	}
	if spans == nil {
		spans = observability.NoopSpanManager{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		registry: registry,
		bus:      b,
		metrics:  metrics,
		spans:    spans,
		logger:   logger,
		now:      time.Now,
	}
}

// Fetch retrieves one target through the named connector and publishes a
// crawler-fetched envelope for it. Returns the published envelope.
//
// Rate-limited fetches return the connector's *RateLimitedError unchanged
// so callers can back off by RetryAfter.
func (s *Source) Fetch(ctx context.Context, connectorName, tenant, target string) (*envelope.Envelope, error) {
	connector, ok := s.registry.Lookup(connectorName)
	if !ok {
		return nil, fmt.Errorf("fetch %s: unknown connector %q", target, connectorName)
	}

	fctx, span := s.spans.StartFetchSpan(ctx, connectorName, target)
	start := s.now()
	result, err := connector.Fetch(fctx, target)
	duration := s.now().Sub(start)
	s.spans.EndSpanWithError(span, err)

	rateLimited := IsRateLimited(err)
	s.metrics.RecordCrawlerFetch(ctx, connectorName, duration, err, rateLimited)

	if err != nil {
		if rateLimited {
			s.logger.Warn("crawler rate limited",
				slog.String("connector", connectorName),
				slog.String("target", target))
			return nil, err
		}
		return nil, fmt.Errorf("fetch %s via %s: %w", target, connectorName, err)
	}

	payload, err := json.Marshal(FetchedPayload{
		ObjectKey:   result.ObjectKey,
		Version:     result.Version,
		URL:         result.Target,
		Connector:   connectorName,
		ContentType: result.ContentType,
		SizeBytes:   result.SizeBytes,
		FetchedAt:   result.FetchedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("encode fetched payload: %w", err)
	}

	env, err := envelope.New(
		uuid.New().String(),
		tenant,
		envelope.BusinessID(result.ObjectKey, result.Version),
		envelope.StageCrawlerFetched,
		payload,
	)
	if err != nil {
		return nil, err
	}
	if err := s.bus.Publish(ctx, env); err != nil {
		return nil, fmt.Errorf("publish fetched envelope: %w", err)
	}

	s.logger.Info("page fetched",
		slog.String("connector", connectorName),
		slog.String("object_key", result.ObjectKey),
		slog.String("event_id", env.EventID))
	return env, nil
}

// EmitActivity publishes a user-activity envelope for one user-day.
// Activity envelopes are terminal: they carry analytics signals, not
// document content.
func (s *Source) EmitActivity(ctx context.Context, tenant, userID string, day time.Time, events json.RawMessage) (*envelope.Envelope, error) {
	payload, err := json.Marshal(ActivityPayload{
		UserID: userID,
		Date:   day.UTC().Format("2006-01-02"),
		Events: events,
	})
	if err != nil {
		return nil, fmt.Errorf("encode activity payload: %w", err)
	}

	env, err := envelope.New(
		uuid.New().String(),
		tenant,
		envelope.ActivityBusinessID(userID, day),
		envelope.StageCrawlerActivity,
		payload,
	)
	if err != nil {
		return nil, err
	}
	if err := s.bus.Publish(ctx, env); err != nil {
		return nil, fmt.Errorf("publish activity envelope: %w", err)
	}
	return env, nil
}
