// Package pipeline assembles the orchestrator from resolved settings: the
// bus, the idempotency ledger, the dead-letter path, the stage consumer,
// the compensation trigger, and the crawler source.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/insightengine/pipeline/pkg/pipeline/bus"
	"github.com/insightengine/pipeline/pkg/pipeline/compensation"
	"github.com/insightengine/pipeline/pkg/pipeline/config"
	"github.com/insightengine/pipeline/pkg/pipeline/consumer"
	"github.com/insightengine/pipeline/pkg/pipeline/crawler"
	"github.com/insightengine/pipeline/pkg/pipeline/dlq"
	"github.com/insightengine/pipeline/pkg/pipeline/envelope"
	"github.com/insightengine/pipeline/pkg/pipeline/ledger"
	"github.com/insightengine/pipeline/pkg/pipeline/observability"
	"github.com/insightengine/pipeline/pkg/pipeline/retry"
	"github.com/insightengine/pipeline/pkg/pipeline/sched"
)

// Runtime owns the assembled pipeline components.
type Runtime struct {
	settings config.Settings
	logger   *slog.Logger

	bus      *bus.LocalBus
	ledger   ledger.Ledger
	dlqStore dlq.Store
	router   *dlq.Router
	registry *consumer.Registry
	consumer *consumer.Consumer
	trigger  *compensation.Trigger
	tasks    compensation.Store
	crawlers *crawler.Registry
	source   *crawler.Source

	closers []io.Closer
}

// New assembles a runtime from settings. Start must be called before any
// envelopes flow.
func New(settings config.Settings) (*Runtime, error) {
	logger := newLogger(settings)
	slog.SetDefault(logger)

	r := &Runtime{
		settings: settings,
		logger:   logger,
		registry: consumer.NewRegistry(),
		crawlers: crawler.NewRegistry(),
		tasks:    compensation.NewMemoryStore(),
	}

	r.bus = bus.NewLocalBus(bus.Config{
		Partitions: settings.BusPartitions,
		BufferSize: settings.BusBufferSize,
	})

	if err := r.buildLedger(); err != nil {
		return nil, err
	}
	if err := r.buildDLQ(); err != nil {
		return nil, err
	}

	var metrics observability.Recorder = observability.NoopRecorder{}
	if settings.MetricsEnabled {
		metrics = observability.NewRecorder()
	}
	var spans observability.SpanManager = observability.NoopSpanManager{}
	if settings.TracingEnabled {
		spans = observability.NewSpanManager()
	}

	r.router = dlq.NewRouter(r.dlqStore, r.bus, metrics, logger)
	r.source = crawler.NewSource(r.crawlers, r.bus, metrics, spans, logger)

	schemas, err := envelope.NewSchemaRegistry()
	if err != nil {
		return nil, fmt.Errorf("compile payload schemas: %w", err)
	}

	cons, err := consumer.New(
		consumer.Config{
			Group:          settings.Group,
			Workers:        settings.Workers,
			HandlerTimeout: settings.HandlerTimeout,
			LeaseTTL:       settings.LeaseTTL,
			RenewInterval:  settings.RenewInterval,
			Retry: retry.PerStage{
				Default: retry.Policy{
					MaxAttempts:    settings.RetryMaxAttempts,
					BackoffBase:    settings.RetryBackoffBase,
					BackoffCap:     settings.RetryBackoffCap,
					JitterFraction: settings.RetryJitter,
				},
				Override: map[string]retry.Policy{
					string(envelope.StageExtracted): retry.ModelBackedPolicy,
					string(envelope.StageIndexed):   retry.ModelBackedPolicy,
				},
			},
			Scheduler: sched.Config{
				DefaultWeight: settings.SchedulerDefaultWeight,
				AgingFactor:   settings.SchedulerAgingFactor,
				Weights:       settings.TenantWeights,
			},
		},
		r.bus, r.ledger, r.router, r.registry,
		consumer.WithMetrics(metrics),
		consumer.WithSpans(spans),
		consumer.WithLogger(logger),
		consumer.WithSchemas(schemas),
	)
	if err != nil {
		return nil, err
	}
	r.consumer = cons

	if settings.CompensationEnabled {
		r.trigger = compensation.NewTrigger(
			compensation.Policy{
				Delay:         settings.CompensationDelay,
				MaxGeneration: settings.CompensationMaxGeneration,
			},
			r.tasks, r.dlqStore, r.bus,
			settings.CompensationPollInterval,
			logger,
		)
	}

	return r, nil
}

func (r *Runtime) buildLedger() error {
	switch r.settings.LedgerBackend {
	case config.LedgerMemory:
		r.ledger = ledger.NewMemoryLedger()
	case config.LedgerSQLite:
		led, err := ledger.NewSQLiteLedger(r.settings.LedgerPath)
		if err != nil {
			return fmt.Errorf("open sqlite ledger: %w", err)
		}
		r.ledger = led
		r.closers = append(r.closers, led)
	case config.LedgerPostgres:
		led, err := ledger.NewPostgresLedger(r.settings.LedgerDSN)
		if err != nil {
			return fmt.Errorf("open postgres ledger: %w", err)
		}
		r.ledger = led
		r.closers = append(r.closers, led)
	default:
		return fmt.Errorf("unknown ledger backend %q", r.settings.LedgerBackend)
	}
	return nil
}

func (r *Runtime) buildDLQ() error {
	switch r.settings.DLQBackend {
	case config.DLQMemory:
		r.dlqStore = dlq.NewMemoryStore()
	case config.DLQBadger:
		store, err := dlq.OpenBadgerStore(r.settings.DLQPath)
		if err != nil {
			return fmt.Errorf("open badger dead-letter store: %w", err)
		}
		r.dlqStore = store
		r.closers = append(r.closers, store)
	default:
		return fmt.Errorf("unknown dead-letter backend %q", r.settings.DLQBackend)
	}
	return nil
}

// Registry returns the stage handler registry. Handlers must be
// registered before Start.
func (r *Runtime) Registry() *consumer.Registry { return r.registry }

// Connectors returns the crawler connector registry.
func (r *Runtime) Connectors() *crawler.Registry { return r.crawlers }

// Source returns the crawler source.
func (r *Runtime) Source() *crawler.Source { return r.source }

// Bus returns the event bus.
func (r *Runtime) Bus() bus.Bus { return r.bus }

// Ledger returns the idempotency ledger.
func (r *Runtime) Ledger() ledger.Ledger { return r.ledger }

// DeadLetters returns the dead-letter store.
func (r *Runtime) DeadLetters() dlq.Store { return r.dlqStore }

// Tasks returns the compensation task store.
func (r *Runtime) Tasks() compensation.Store { return r.tasks }

// Trigger returns the compensation trigger, or nil when disabled.
func (r *Runtime) Trigger() *compensation.Trigger { return r.trigger }

// Start begins consuming and, when enabled, compensating.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.consumer.Start(ctx); err != nil {
		return err
	}
	if r.trigger != nil {
		r.trigger.Start(ctx)
	}
	r.logger.Info("pipeline started",
		slog.String("ledger", r.settings.LedgerBackend),
		slog.String("dead_letter", r.settings.DLQBackend))
	return nil
}

// Stop drains in-flight work and releases all resources.
func (r *Runtime) Stop() {
	if r.trigger != nil {
		r.trigger.Stop()
	}
	r.consumer.Stop()
	r.bus.Close()
	for _, closer := range r.closers {
		if err := closer.Close(); err != nil {
			r.logger.Warn("close failed", slog.String("error", err.Error()))
		}
	}
	r.logger.Info("pipeline stopped")
}

// newLogger builds the process logger from settings.
func newLogger(settings config.Settings) *slog.Logger {
	var level slog.Level
	switch settings.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if settings.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
