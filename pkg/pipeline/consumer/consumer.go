// Package consumer runs the stage processing harness: it subscribes to
// stage input subjects, schedules deliveries across tenants, gates every
// attempt through the idempotency ledger, and settles each delivery by
// acknowledging, retrying with backoff, or routing to the dead-letter path.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/insightengine/pipeline/pkg/pipeline/bus"
	"github.com/insightengine/pipeline/pkg/pipeline/dlq"
	"github.com/insightengine/pipeline/pkg/pipeline/envelope"
	perrors "github.com/insightengine/pipeline/pkg/pipeline/errors"
	"github.com/insightengine/pipeline/pkg/pipeline/ledger"
	"github.com/insightengine/pipeline/pkg/pipeline/observability"
	"github.com/insightengine/pipeline/pkg/pipeline/retry"
	"github.com/insightengine/pipeline/pkg/pipeline/sched"
)

// Config configures a stage consumer.
type Config struct {
	// Group is the consumer group name. Workers in the same group share
	// each subject's deliveries.
	Group string

	// Workers is the handler worker pool size. Default: 8
	Workers int

	// HandlerTimeout bounds one handler invocation. Default: 30s
	HandlerTimeout time.Duration

	// LeaseTTL is how long a ledger lease lives without renewal.
	// Default: 60s
	LeaseTTL time.Duration

	// RenewInterval is how often held leases are renewed.
	// Default: LeaseTTL / 3
	RenewInterval time.Duration

	// Retry holds the per-stage retry policies.
	Retry retry.PerStage

	// Scheduler configures tenant fairness.
	Scheduler sched.Config
}

func (c *Config) applyDefaults() {
	if c.Group == "" {
		c.Group = "pipeline"
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 60 * time.Second
	}
	if c.RenewInterval <= 0 {
		c.RenewInterval = c.LeaseTTL / 3
	}
}

// Consumer is the stage processing harness.
type Consumer struct {
	cfg      Config
	owner    string
	bus      bus.Bus
	ledger   ledger.Ledger
	router   *dlq.Router
	registry *Registry
	schemas  *envelope.SchemaRegistry

	scheduler *sched.Scheduler
	pool      *ants.Pool

	metrics observability.Recorder
	spans   observability.SpanManager
	logger  *slog.Logger

	// historyMu guards the per-key failure history accumulated across
	// redeliveries. Cleared on completion or dead-lettering.
	historyMu sync.Mutex
	history   map[ledger.Key][]dlq.AttemptError

	subs    []bus.Subscription
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started bool
	mu      sync.Mutex

	now func() time.Time
}

// Option configures optional consumer collaborators.
type Option func(*Consumer)

// WithMetrics sets the metrics recorder (default: no-op).
func WithMetrics(r observability.Recorder) Option {
	return func(c *Consumer) { c.metrics = r }
}

// WithSpans sets the span manager (default: no-op).
func WithSpans(s observability.SpanManager) Option {
	return func(c *Consumer) { c.spans = s }
}

// WithLogger sets the logger (default: slog.Default).
func WithLogger(l *slog.Logger) Option {
	return func(c *Consumer) { c.logger = l }
}

// WithSchemas enables payload schema validation before handling.
// Envelopes failing validation are dead-lettered as poison without
// consuming retry budget.
func WithSchemas(s *envelope.SchemaRegistry) Option {
	return func(c *Consumer) { c.schemas = s }
}

// New creates a consumer. Handlers must be registered before Start.
func New(cfg Config, b bus.Bus, led ledger.Ledger, router *dlq.Router, registry *Registry, opts ...Option) (*Consumer, error) {
	cfg.applyDefaults()

	pool, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	c := &Consumer{
		cfg:       cfg,
		owner:     cfg.Group + "/" + uuid.New().String(),
		bus:       b,
		ledger:    led,
		router:    router,
		registry:  registry,
		scheduler: sched.New(cfg.Scheduler),
		pool:      pool,
		metrics:   observability.NoopRecorder{},
		spans:     observability.NoopSpanManager{},
		logger:    slog.Default(),
		history:   make(map[ledger.Key][]dlq.AttemptError),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Owner returns the lease owner identity of this consumer instance.
func (c *Consumer) Owner() string { return c.owner }

// Start subscribes to the input subjects of all registered stages and
// begins dispatching. It returns immediately; processing happens on the
// worker pool until Stop.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("consumer already started")
	}

	stages := c.registry.Stages()
	if len(stages) == 0 {
		return errors.New("no stage handlers registered")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	for _, stage := range stages {
		sub, err := c.bus.Subscribe(stage.InputSubject(), c.cfg.Group, func(d bus.Delivery) {
			if err := c.scheduler.Enqueue(&sched.Item{Env: d.Envelope(), Delivery: d}); err != nil {
				// Shutdown race: leave the delivery unsettled, the bus
				// partition stops with us.
				return
			}
		})
		if err != nil {
			cancel()
			for _, s := range c.subs {
				s.Unsubscribe()
			}
			c.subs = nil
			return fmt.Errorf("subscribe %s: %w", stage.InputSubject(), err)
		}
		c.subs = append(c.subs, sub)
	}

	c.wg.Add(1)
	go c.dispatch(runCtx)

	c.started = true
	c.logger.Info("consumer started",
		slog.String("group", c.cfg.Group),
		slog.String("owner", c.owner),
		slog.Int("workers", c.cfg.Workers))
	return nil
}

// dispatch pulls scheduled items and hands them to the worker pool.
func (c *Consumer) dispatch(ctx context.Context) {
	defer c.wg.Done()

	for {
		item, err := c.scheduler.Next(ctx)
		if err != nil {
			return
		}

		c.wg.Add(1)
		submitErr := c.pool.Submit(func() {
			defer c.wg.Done()
			defer c.scheduler.Done(item.Env.Tenant)
			c.process(ctx, item)
		})
		if submitErr != nil {
			c.wg.Done()
			c.scheduler.Done(item.Env.Tenant)
			if errors.Is(submitErr, ants.ErrPoolClosed) {
				return
			}
			// Pool saturated with non-blocking config; retry shortly.
			item.Delivery.Retry(100 * time.Millisecond)
		}
	}
}

// Stop unsubscribes, drains in-flight work, and releases the pool.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	c.scheduler.Close()
	c.cancel()
	c.wg.Wait()
	c.pool.Release()
	c.logger.Info("consumer stopped", slog.String("group", c.cfg.Group))
}

// process runs the full lifecycle of one delivery: ledger gate, handler
// with lease renewal, downstream publish, and settlement.
func (c *Consumer) process(ctx context.Context, item *sched.Item) {
	env := item.Env
	delivery := item.Delivery
	key := ledger.Key{
		Tenant:     env.Tenant,
		BusinessID: env.BusinessID,
		Stage:      string(env.Stage),
		Generation: env.Generation,
	}
	log := observability.EnrichLogger(c.logger, env)

	acquired, err := c.ledger.TryAcquire(ctx, key, c.owner, c.cfg.LeaseTTL)
	if err != nil {
		log.Warn("ledger acquire failed", slog.String("error", err.Error()))
		delivery.Retry(c.cfg.LeaseTTL / 4)
		return
	}

	switch acquired.Outcome {
	case ledger.AlreadyCompleted:
		observability.LogDuplicate(log, env)
		c.clearHistory(key)
		delivery.Ack()
		return
	case ledger.AlreadyFailed:
		// Terminal failure already dead-lettered by a previous attempt.
		log.Debug("delivery for failed key, dropping")
		delivery.Ack()
		return
	case ledger.LeaseHeldByOther:
		// Another worker is on it; its own delivery settles the work.
		// Not a failure, not a retry.
		log.Debug("lease held by another worker, dropping")
		delivery.Ack()
		return
	case ledger.Acquired:
	}

	if c.schemas != nil && c.schemas.Has(env.Subject()) {
		if verr := c.schemas.Validate(env); verr != nil {
			poison := perrors.Poison(verr, "schema validation")
			c.appendHistory(key, env, perrors.KindPoison, poison)
			c.deadLetter(ctx, key, env, delivery, poison, dlq.ReasonPoison)
			return
		}
	}

	handler, ok := c.registry.Lookup(env.Stage)
	if !ok {
		// Subscriptions only exist for registered stages, so this means a
		// mid-flight deregistration. Treat as transient.
		c.fail(ctx, key, env, delivery, perrors.Transient(fmt.Errorf("no handler for stage %s", env.Stage), "lookup handler"))
		return
	}

	result, handleErr := c.runHandler(ctx, key, env, handler)

	if handleErr != nil {
		var leaseErr *perrors.LeaseExpiredError
		if errors.As(handleErr, &leaseErr) {
			// Result discarded; whoever holds the lease now owns the work.
			observability.LogLeaseLost(log, env, handleErr)
			delivery.Retry(c.cfg.LeaseTTL / 4)
			return
		}
		c.fail(ctx, key, env, delivery, handleErr)
		return
	}

	c.recordResult(ctx, env, result)

	// The recorded fingerprint hashes the envelope this execution produced,
	// so a re-execution yielding a different output is detectable. Terminal
	// stages produce nothing downstream and fall back to the input.
	fingerprint := env.Fingerprint()
	if result != nil && result.Payload != nil {
		next := env.Stage.NextStage()
		if next.Valid() {
			nextEnv, err := env.DeriveNext(next, result.Payload)
			if err != nil {
				c.fail(ctx, key, env, delivery, perrors.Poison(err, "derive next envelope"))
				return
			}
			fingerprint = nextEnv.Fingerprint()
			// Published before Complete: a crash in between redelivers this
			// envelope, and the next stage's ledger absorbs the duplicate.
			if err := c.bus.Publish(ctx, nextEnv); err != nil {
				c.fail(ctx, key, env, delivery, perrors.Transient(err, "publish downstream"))
				return
			}
		}
	}

	if err := c.ledger.Complete(ctx, key, c.owner, fingerprint); err != nil {
		var leaseErr *perrors.LeaseExpiredError
		if errors.As(err, &leaseErr) {
			observability.LogLeaseLost(log, env, err)
			delivery.Retry(c.cfg.LeaseTTL / 4)
			return
		}
		c.fail(ctx, key, env, delivery, perrors.Transient(err, "complete ledger"))
		return
	}

	c.clearHistory(key)
	delivery.Ack()
}

// runHandler invokes the stage handler with a bounded timeout while a
// background goroutine keeps the lease alive. If renewal reports the lease
// lost, the handler context is cancelled and a LeaseExpiredError returned.
func (c *Consumer) runHandler(ctx context.Context, key ledger.Key, env *envelope.Envelope, handler Handler) (*Result, error) {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandlerTimeout)
	defer cancel()

	var (
		leaseLost   error
		leaseLostMu sync.Mutex
	)
	renewDone := make(chan struct{})
	renewStop := make(chan struct{})
	go func() {
		defer close(renewDone)
		ticker := time.NewTicker(c.cfg.RenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.ledger.RenewLease(ctx, key, c.owner, c.cfg.LeaseTTL); err != nil {
					leaseLostMu.Lock()
					leaseLost = err
					leaseLostMu.Unlock()
					cancel()
					return
				}
			case <-renewStop:
				return
			case <-hctx.Done():
				return
			}
		}
	}()

	sctx, span := c.spans.StartStageSpan(hctx, env)
	observability.LogStageStart(c.logger, env)
	start := c.now()

	result, err := handler.Handle(sctx, env)

	duration := c.now().Sub(start)
	c.spans.EndSpanWithError(span, err)
	close(renewStop)
	<-renewDone
	c.metrics.RecordStage(ctx, string(env.Stage), env.Tenant, duration, err)

	leaseLostMu.Lock()
	lost := leaseLost
	leaseLostMu.Unlock()
	if lost != nil {
		var leaseErr *perrors.LeaseExpiredError
		if errors.As(lost, &leaseErr) {
			return nil, lost
		}
		return nil, &perrors.LeaseExpiredError{Key: key.String(), Owner: c.owner, Message: lost.Error()}
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && hctx.Err() != nil {
			return nil, perrors.Transient(err, "handler timeout")
		}
		return nil, err
	}

	observability.LogStageComplete(c.logger, env, float64(duration.Milliseconds()))
	return result, nil
}

// recordResult emits the domain metrics a handler reported.
func (c *Consumer) recordResult(ctx context.Context, env *envelope.Envelope, result *Result) {
	if result == nil {
		return
	}
	if result.Entities > 0 {
		c.metrics.RecordEntities(ctx, env.Tenant, int64(result.Entities))
	}
	if result.BatchSize > 0 {
		c.metrics.RecordEmbeddingBatch(ctx, env.Tenant, int64(result.BatchSize))
	}
}

// fail settles a failed attempt: poison and exhausted errors move the
// envelope to the dead-letter path, everything else schedules a retry.
func (c *Consumer) fail(ctx context.Context, key ledger.Key, env *envelope.Envelope, delivery bus.Delivery, err error) {
	kind := perrors.Classify(err)
	failures := c.appendHistory(key, env, kind, err)

	if kind == perrors.KindPoison {
		c.deadLetter(ctx, key, env, delivery, err, dlq.ReasonPoison)
		return
	}

	decision := c.cfg.Retry.For(string(env.Stage)).NextAttempt(failures-1, kind)
	if !decision.Retry {
		c.deadLetter(ctx, key, env, delivery, err, dlq.ReasonRetryExhausted)
		return
	}

	if ferr := c.ledger.Fail(ctx, key, c.owner, err, false); ferr != nil {
		c.logger.Warn("ledger fail record failed",
			slog.String("event_id", env.EventID),
			slog.String("error", ferr.Error()))
	}
	c.metrics.RecordRetry(ctx, string(env.Stage), env.Tenant)
	observability.LogStageRetry(c.logger, env, err, decision.Delay)
	delivery.Retry(decision.Delay)
}

// deadLetter routes the envelope with its accumulated history, then marks
// the key terminally failed and acknowledges. The entry must be durable
// before the ledger turns terminal: once the key reads AlreadyFailed,
// redeliveries are dropped, so a failed-first ordering could strand the
// envelope with no entry anywhere.
func (c *Consumer) deadLetter(ctx context.Context, key ledger.Key, env *envelope.Envelope, delivery bus.Delivery, cause error, reason dlq.Reason) {
	history := c.takeHistory(key)
	if err := c.router.Route(ctx, env, history, reason); err != nil {
		// Entry not durable; the key stays pending and the delivery
		// retries, so nothing is lost.
		c.logger.Error("dead-letter route failed",
			slog.String("event_id", env.EventID),
			slog.String("error", err.Error()))
		c.restoreHistory(key, history)
		delivery.Retry(c.cfg.LeaseTTL / 4)
		return
	}

	if err := c.ledger.Fail(ctx, key, c.owner, cause, true); err != nil {
		var leaseErr *perrors.LeaseExpiredError
		if !errors.As(err, &leaseErr) {
			c.logger.Warn("ledger terminal fail failed",
				slog.String("event_id", env.EventID),
				slog.String("error", err.Error()))
		}
	}
	delivery.Ack()
}

// History helpers. The failure history of a business key accumulates
// across redeliveries and travels into the dead-letter entry.

func (c *Consumer) appendHistory(key ledger.Key, env *envelope.Envelope, kind perrors.Kind, err error) int {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	c.history[key] = append(c.history[key], dlq.AttemptError{
		Attempt:   env.Attempt,
		ErrorKind: kind.String(),
		Message:   err.Error(),
		Timestamp: c.now().UTC(),
	})
	return len(c.history[key])
}

func (c *Consumer) takeHistory(key ledger.Key) []dlq.AttemptError {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	history := c.history[key]
	delete(c.history, key)
	return history
}

func (c *Consumer) restoreHistory(key ledger.Key, history []dlq.AttemptError) {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	if len(c.history[key]) == 0 {
		c.history[key] = history
	}
}

func (c *Consumer) clearHistory(key ledger.Key) {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	delete(c.history, key)
}
