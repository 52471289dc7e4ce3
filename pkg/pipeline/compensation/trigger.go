package compensation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/insightengine/pipeline/pkg/pipeline/bus"
	"github.com/insightengine/pipeline/pkg/pipeline/dlq"
	"github.com/insightengine/pipeline/pkg/pipeline/envelope"
)

// Policy decides which dead-letter entries are compensated and when.
type Policy struct {
	// Delay is how long after dead-lettering the re-run fires.
	// Default: 5m
	Delay time.Duration

	// Reasons selects which dead-letter reasons trigger compensation.
	// Default: retry-exhausted only. Poison entries need a payload fix,
	// so re-running them unchanged just dead-letters them again.
	Reasons map[dlq.Reason]bool

	// MaxGeneration caps re-runs: entries already at this generation are
	// left for human review. Default: 3
	MaxGeneration int
}

func (p *Policy) applyDefaults() {
	if p.Delay <= 0 {
		p.Delay = 5 * time.Minute
	}
	if p.Reasons == nil {
		p.Reasons = map[dlq.Reason]bool{dlq.ReasonRetryExhausted: true}
	}
	if p.MaxGeneration <= 0 {
		p.MaxGeneration = 3
	}
}

// Trigger watches the dead-letter store and re-runs eligible failures at
// the next generation.
type Trigger struct {
	policy   Policy
	store    Store
	dlqStore dlq.Store
	bus      bus.Bus
	logger   *slog.Logger

	interval time.Duration
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

// NewTrigger creates a compensation trigger. interval is how often the
// dead-letter store is scanned; zero defaults to 30s.
func NewTrigger(policy Policy, store Store, dlqStore dlq.Store, b bus.Bus, interval time.Duration, logger *slog.Logger) *Trigger {
	policy.applyDefaults()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{
		policy:   policy,
		store:    store,
		dlqStore: dlqStore,
		bus:      b,
		logger:   logger,
		interval: interval,
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

// Start begins the scan loop. Returns immediately.
func (t *Trigger) Start(ctx context.Context) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := t.Sweep(ctx); err != nil {
					t.logger.Warn("compensation sweep failed", slog.String("error", err.Error()))
				}
			case <-ctx.Done():
				return
			case <-t.done:
				return
			}
		}
	}()
}

// Stop halts the scan loop and waits for it to exit.
func (t *Trigger) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
	t.wg.Wait()
}

// Sweep runs one scan: schedules tasks for new eligible dead-letter
// entries, then emits every task whose delay has elapsed.
func (t *Trigger) Sweep(ctx context.Context) error {
	if err := t.scheduleNew(ctx); err != nil {
		return err
	}
	return t.emitDue(ctx)
}

func (t *Trigger) scheduleNew(ctx context.Context) error {
	entries, err := t.dlqStore.List(ctx, 0)
	if err != nil {
		return fmt.Errorf("list dead-letter entries: %w", err)
	}

	for _, entry := range entries {
		if !t.policy.Reasons[entry.Reason] {
			continue
		}
		if entry.Envelope.Generation >= t.policy.MaxGeneration {
			continue
		}
		if _, err := t.store.FindBySource(ctx, entry.Envelope.EventID); err == nil {
			continue // already scheduled
		} else if !errors.Is(err, ErrTaskNotFound) {
			return err
		}

		if _, err := t.Schedule(ctx, entry, t.policy.Delay); err != nil {
			return err
		}
	}
	return nil
}

// Schedule creates a scheduled task for a dead-letter entry, firing after
// delay. Exposed for operator-initiated (manual) compensation.
func (t *Trigger) Schedule(ctx context.Context, entry *dlq.Entry, delay time.Duration) (*Task, error) {
	env := entry.Envelope
	task := &Task{
		ID:            uuid.New().String(),
		TriggerReason: string(entry.Reason),
		Tenant:        env.Tenant,
		BusinessID:    env.BusinessID,
		TargetStage:   env.Stage,
		Generation:    env.Generation + 1,
		TraceID:       env.TraceID,
		SourceEventID: env.EventID,
		Payload:       env.Payload,
		ScheduledAt:   t.now().Add(delay).UTC(),
		Status:        StatusScheduled,
	}
	if err := t.store.Save(ctx, task); err != nil {
		return nil, fmt.Errorf("save compensation task: %w", err)
	}
	t.logger.Info("compensation scheduled",
		slog.String("task_id", task.ID),
		slog.String("business_id", task.BusinessID),
		slog.String("stage", string(task.TargetStage)),
		slog.Int("generation", task.Generation),
		slog.Time("scheduled_at", task.ScheduledAt))
	return task, nil
}

// Cancel marks a scheduled task cancelled. Emitted tasks cannot be
// cancelled: the envelope is already on the bus.
func (t *Trigger) Cancel(ctx context.Context, id string) error {
	task, err := t.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != StatusScheduled {
		return fmt.Errorf("cancel task %s: status is %s", id, task.Status)
	}
	task.Status = StatusCancelled
	return t.store.Save(ctx, task)
}

func (t *Trigger) emitDue(ctx context.Context) error {
	due, err := t.store.ListDue(ctx, t.now())
	if err != nil {
		return fmt.Errorf("list due tasks: %w", err)
	}

	for _, task := range due {
		env, err := envelope.New(task.TraceID, task.Tenant, task.BusinessID, task.TargetStage, task.Payload,
			envelope.WithGeneration(task.Generation),
			envelope.WithCausationID(task.SourceEventID),
		)
		if err != nil {
			t.logger.Error("compensation envelope invalid, cancelling task",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()))
			task.Status = StatusCancelled
			if serr := t.store.Save(ctx, task); serr != nil {
				return serr
			}
			continue
		}

		if err := t.bus.Publish(ctx, env); err != nil {
			// Leave scheduled; the next sweep retries the publish.
			t.logger.Warn("compensation publish failed",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()))
			continue
		}

		task.Status = StatusEmitted
		task.EmittedAt = t.now().UTC()
		if err := t.store.Save(ctx, task); err != nil {
			return fmt.Errorf("mark task emitted: %w", err)
		}
		t.logger.Info("compensation emitted",
			slog.String("task_id", task.ID),
			slog.String("event_id", env.EventID),
			slog.Int("generation", env.Generation))
	}
	return nil
}
