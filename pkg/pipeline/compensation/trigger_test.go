package compensation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insightengine/pipeline/pkg/pipeline/bus"
	"github.com/insightengine/pipeline/pkg/pipeline/dlq"
	"github.com/insightengine/pipeline/pkg/pipeline/envelope"
)

func deadLetterEntry(t *testing.T, reason dlq.Reason, generation int) *dlq.Entry {
	t.Helper()
	env, err := envelope.New("trace-1", "tenant-a", "doc.pdf::v1", envelope.StageExtracted,
		json.RawMessage(`{"object_key":"doc.pdf","version":"v1"}`),
		envelope.WithGeneration(generation))
	require.NoError(t, err)
	return &dlq.Entry{
		Envelope: env,
		ErrorHistory: []dlq.AttemptError{
			{Attempt: 0, ErrorKind: "transient", Message: "backend down", Timestamp: time.Now().UTC()},
		},
		MovedAt: time.Now().UTC(),
		Reason:  reason,
	}
}

func newTestTrigger(t *testing.T, policy Policy) (*Trigger, *MemoryStore, *dlq.MemoryStore, *bus.LocalBus, *time.Time) {
	t.Helper()
	tasks := NewMemoryStore()
	dlqStore := dlq.NewMemoryStore()
	b := bus.NewLocalBus(bus.DefaultConfig)
	t.Cleanup(func() { b.Close() })

	trigger := NewTrigger(policy, tasks, dlqStore, b, time.Second, nil)
	clock := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	trigger.now = func() time.Time { return clock }
	return trigger, tasks, dlqStore, b, &clock
}

// TestSweepSchedulesExhaustedEntries verifies eligible entries get a task
// and duplicates are not re-scheduled.
func TestSweepSchedulesExhaustedEntries(t *testing.T) {
	trigger, tasks, dlqStore, _, _ := newTestTrigger(t, Policy{Delay: 5 * time.Minute})
	ctx := context.Background()

	entry := deadLetterEntry(t, dlq.ReasonRetryExhausted, 0)
	require.NoError(t, dlqStore.Append(ctx, entry))

	require.NoError(t, trigger.Sweep(ctx))

	all, err := tasks.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	task := all[0]
	assert.Equal(t, StatusScheduled, task.Status)
	assert.Equal(t, string(dlq.ReasonRetryExhausted), task.TriggerReason)
	assert.Equal(t, envelope.StageExtracted, task.TargetStage)
	assert.Equal(t, 1, task.Generation)
	assert.Equal(t, entry.Envelope.EventID, task.SourceEventID)

	// A second sweep must not duplicate the task.
	require.NoError(t, trigger.Sweep(ctx))
	all, err = tasks.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// TestSweepIgnoresPoison verifies poison entries are left for humans.
func TestSweepIgnoresPoison(t *testing.T) {
	trigger, tasks, dlqStore, _, _ := newTestTrigger(t, Policy{})
	ctx := context.Background()

	require.NoError(t, dlqStore.Append(ctx, deadLetterEntry(t, dlq.ReasonPoison, 0)))
	require.NoError(t, trigger.Sweep(ctx))

	all, err := tasks.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

// TestSweepHonorsGenerationCap verifies entries at the cap are skipped.
func TestSweepHonorsGenerationCap(t *testing.T) {
	trigger, tasks, dlqStore, _, _ := newTestTrigger(t, Policy{MaxGeneration: 2})
	ctx := context.Background()

	require.NoError(t, dlqStore.Append(ctx, deadLetterEntry(t, dlq.ReasonRetryExhausted, 2)))
	require.NoError(t, trigger.Sweep(ctx))

	all, err := tasks.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

// TestEmitAfterDelay verifies the generation+1 envelope is published once
// the delay elapses and the task transitions to emitted.
func TestEmitAfterDelay(t *testing.T) {
	trigger, tasks, dlqStore, b, clock := newTestTrigger(t, Policy{Delay: 5 * time.Minute})
	ctx := context.Background()

	published := make(chan *envelope.Envelope, 1)
	_, err := b.Subscribe(envelope.StageExtracted.InputSubject(), "test", func(d bus.Delivery) {
		published <- d.Envelope()
		d.Ack()
	})
	require.NoError(t, err)

	entry := deadLetterEntry(t, dlq.ReasonRetryExhausted, 0)
	require.NoError(t, dlqStore.Append(ctx, entry))
	require.NoError(t, trigger.Sweep(ctx))

	// Before the delay nothing is emitted.
	select {
	case <-published:
		t.Fatal("emitted before the delay elapsed")
	case <-time.After(100 * time.Millisecond):
	}

	*clock = clock.Add(6 * time.Minute)
	require.NoError(t, trigger.Sweep(ctx))

	var env *envelope.Envelope
	select {
	case env = <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("compensation envelope never published")
	}

	assert.Equal(t, 1, env.Generation)
	assert.Equal(t, entry.Envelope.TraceID, env.TraceID)
	assert.Equal(t, entry.Envelope.BusinessID, env.BusinessID)
	assert.Equal(t, entry.Envelope.EventID, env.CausationID)
	assert.Equal(t, 0, env.Attempt)

	all, err := tasks.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, StatusEmitted, all[0].Status)
	assert.False(t, all[0].EmittedAt.IsZero())

	// A later sweep must not re-emit.
	require.NoError(t, trigger.Sweep(ctx))
	select {
	case <-published:
		t.Fatal("task emitted twice")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestCancel verifies scheduled tasks can be cancelled, emitted ones not.
func TestCancel(t *testing.T) {
	trigger, tasks, dlqStore, _, clock := newTestTrigger(t, Policy{Delay: 5 * time.Minute})
	ctx := context.Background()

	require.NoError(t, dlqStore.Append(ctx, deadLetterEntry(t, dlq.ReasonRetryExhausted, 0)))
	require.NoError(t, trigger.Sweep(ctx))

	all, err := tasks.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.NoError(t, trigger.Cancel(ctx, all[0].ID))

	// Cancelled tasks never emit.
	*clock = clock.Add(time.Hour)
	require.NoError(t, trigger.Sweep(ctx))
	got, err := tasks.Get(ctx, all[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	assert.Error(t, trigger.Cancel(ctx, got.ID))
	assert.ErrorIs(t, trigger.Cancel(ctx, "missing"), ErrTaskNotFound)
}

// TestManualSchedule verifies operator-initiated compensation.
func TestManualSchedule(t *testing.T) {
	trigger, tasks, _, _, _ := newTestTrigger(t, Policy{})
	ctx := context.Background()

	entry := deadLetterEntry(t, dlq.ReasonPoison, 0)
	task, err := trigger.Schedule(ctx, entry, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, task.Status)
	assert.Equal(t, 1, task.Generation)

	got, err := tasks.FindBySource(ctx, entry.Envelope.EventID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
}
