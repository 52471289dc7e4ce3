package consumer_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insightengine/pipeline/pkg/pipeline/bus"
	"github.com/insightengine/pipeline/pkg/pipeline/consumer"
	"github.com/insightengine/pipeline/pkg/pipeline/dlq"
	"github.com/insightengine/pipeline/pkg/pipeline/envelope"
	perrors "github.com/insightengine/pipeline/pkg/pipeline/errors"
	"github.com/insightengine/pipeline/pkg/pipeline/ledger"
	"github.com/insightengine/pipeline/pkg/pipeline/retry"
)

const docPayload = `{"object_key":"user/2025/09/doc.pdf","version":"v1"}`

// harness bundles the collaborators one consumer test needs.
type harness struct {
	bus      *bus.LocalBus
	ledger   *ledger.MemoryLedger
	dlqStore *dlq.MemoryStore
	registry *consumer.Registry
	consumer *consumer.Consumer
}

func newHarness(t *testing.T, maxAttempts int) *harness {
	t.Helper()

	h := &harness{
		bus:      bus.NewLocalBus(bus.Config{Partitions: 4, BufferSize: 64}),
		ledger:   ledger.NewMemoryLedger(),
		dlqStore: dlq.NewMemoryStore(),
		registry: consumer.NewRegistry(),
	}
	router := dlq.NewRouter(h.dlqStore, h.bus, nil, nil)

	cons, err := consumer.New(
		consumer.Config{
			Group:          "test",
			Workers:        4,
			HandlerTimeout: 5 * time.Second,
			LeaseTTL:       10 * time.Second,
			RenewInterval:  2 * time.Second,
			Retry: retry.PerStage{
				Default: retry.Policy{
					MaxAttempts: maxAttempts,
					BackoffBase: time.Millisecond,
					BackoffCap:  10 * time.Millisecond,
				},
			},
		},
		h.bus, h.ledger, router, h.registry,
	)
	require.NoError(t, err)
	h.consumer = cons

	t.Cleanup(func() {
		h.consumer.Stop()
		h.bus.Close()
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.consumer.Start(context.Background()))
}

func forwardHandler() consumer.Handler {
	return consumer.HandlerFunc(func(_ context.Context, env *envelope.Envelope) (*consumer.Result, error) {
		return &consumer.Result{Payload: env.Payload}, nil
	})
}

func publishUploaded(t *testing.T, b bus.Bus, tenant string) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New("trace-happy", tenant, "user/2025/09/doc.pdf::v1",
		envelope.StageParsed, json.RawMessage(docPayload))
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), env))
	return env
}

// TestHappyPathFlowsAllStages verifies an uploaded document travels
// parsed -> extracted -> indexed with its trace preserved.
func TestHappyPathFlowsAllStages(t *testing.T) {
	h := newHarness(t, 3)

	var mu sync.Mutex
	visited := make(map[envelope.Stage]*envelope.Envelope)
	done := make(chan struct{})

	record := func(stage envelope.Stage, next bool) consumer.Handler {
		return consumer.HandlerFunc(func(_ context.Context, env *envelope.Envelope) (*consumer.Result, error) {
			mu.Lock()
			visited[stage] = env
			mu.Unlock()
			if !next {
				defer close(done)
				return &consumer.Result{}, nil
			}
			return &consumer.Result{Payload: env.Payload}, nil
		})
	}

	require.NoError(t, h.registry.Register(envelope.StageParsed, record(envelope.StageParsed, true)))
	require.NoError(t, h.registry.Register(envelope.StageExtracted, record(envelope.StageExtracted, true)))
	require.NoError(t, h.registry.Register(envelope.StageIndexed, record(envelope.StageIndexed, false)))
	h.start(t)

	uploaded := publishUploaded(t, h.bus, "tenant-a")

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("document never reached the indexed stage")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, visited, 3)
	for stage, env := range visited {
		assert.Equal(t, uploaded.TraceID, env.TraceID, "stage %s", stage)
		assert.Equal(t, "tenant-a", env.Tenant, "stage %s", stage)
		assert.Equal(t, uploaded.BusinessID, env.BusinessID, "stage %s", stage)
		assert.Equal(t, 0, env.Generation, "stage %s", stage)
	}

	// Causation chain: extracted caused by parsed's event, and so on.
	assert.Equal(t, visited[envelope.StageParsed].EventID, visited[envelope.StageExtracted].CausationID)
	assert.Equal(t, visited[envelope.StageExtracted].EventID, visited[envelope.StageIndexed].CausationID)
}

// TestDuplicateDeliveryProcessesOnce verifies redundant deliveries of the
// same business key produce exactly one downstream effect.
func TestDuplicateDeliveryProcessesOnce(t *testing.T) {
	h := newHarness(t, 3)

	var parsedRuns, extractedRuns atomic.Int32
	extractedDone := make(chan struct{}, 2)

	require.NoError(t, h.registry.Register(envelope.StageParsed,
		consumer.HandlerFunc(func(_ context.Context, env *envelope.Envelope) (*consumer.Result, error) {
			parsedRuns.Add(1)
			return &consumer.Result{Payload: env.Payload}, nil
		})))
	require.NoError(t, h.registry.Register(envelope.StageExtracted,
		consumer.HandlerFunc(func(_ context.Context, _ *envelope.Envelope) (*consumer.Result, error) {
			extractedRuns.Add(1)
			extractedDone <- struct{}{}
			return &consumer.Result{}, nil
		})))
	h.start(t)

	env := publishUploaded(t, h.bus, "tenant-a")
	// Redundant redelivery of the same envelope, as an at-least-once
	// transport would produce after a missed ack.
	require.NoError(t, h.bus.Publish(context.Background(), env))

	select {
	case <-extractedDone:
	case <-time.After(5 * time.Second):
		t.Fatal("extracted stage never ran")
	}

	// Give the duplicate time to be absorbed.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), parsedRuns.Load())
	assert.Equal(t, int32(1), extractedRuns.Load())
}

// TestRetryExhaustionDeadLetters verifies a persistently failing envelope
// is attempted exactly MaxAttempts times, then dead-lettered with its
// full error history.
func TestRetryExhaustionDeadLetters(t *testing.T) {
	h := newHarness(t, 3)

	var runs atomic.Int32
	require.NoError(t, h.registry.Register(envelope.StageParsed,
		consumer.HandlerFunc(func(_ context.Context, _ *envelope.Envelope) (*consumer.Result, error) {
			runs.Add(1)
			return nil, errors.New("backend permanently down")
		})))
	h.start(t)

	publishUploaded(t, h.bus, "tenant-a")

	require.Eventually(t, func() bool {
		count, err := h.dlqStore.Count(context.Background())
		return err == nil && count == 1
	}, 5*time.Second, 10*time.Millisecond, "envelope never dead-lettered")

	assert.Equal(t, int32(3), runs.Load())

	entries, err := h.dlqStore.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, dlq.ReasonRetryExhausted, entry.Reason)
	require.Len(t, entry.ErrorHistory, 3)
	for i, attempt := range entry.ErrorHistory {
		assert.Equal(t, i, attempt.Attempt)
		assert.Contains(t, attempt.Message, "backend permanently down")
	}

	// The ledger records the terminal failure.
	rec, err := h.ledger.Get(context.Background(), ledger.Key{
		Tenant:     "tenant-a",
		BusinessID: "user/2025/09/doc.pdf::v1",
		Stage:      string(envelope.StageParsed),
		Generation: 0,
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, rec.Status)
}

// TestPoisonBypassesRetryBudget verifies a poison failure dead-letters on
// the first attempt.
func TestPoisonBypassesRetryBudget(t *testing.T) {
	h := newHarness(t, 5)

	var runs atomic.Int32
	require.NoError(t, h.registry.Register(envelope.StageParsed,
		consumer.HandlerFunc(func(_ context.Context, _ *envelope.Envelope) (*consumer.Result, error) {
			runs.Add(1)
			return nil, perrors.Poison(errors.New("unparseable document"), "parse")
		})))
	h.start(t)

	publishUploaded(t, h.bus, "tenant-a")

	require.Eventually(t, func() bool {
		count, err := h.dlqStore.Count(context.Background())
		return err == nil && count == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(1), runs.Load())

	entries, err := h.dlqStore.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, dlq.ReasonPoison, entries[0].Reason)
	require.Len(t, entries[0].ErrorHistory, 1)
	assert.Equal(t, "poison", entries[0].ErrorHistory[0].ErrorKind)
}

// TestSchemaViolationIsPoison verifies payloads failing schema validation
// dead-letter without invoking the handler.
func TestSchemaViolationIsPoison(t *testing.T) {
	h := newHarness(t, 5)

	schemas, err := envelope.NewSchemaRegistry()
	require.NoError(t, err)

	// Rebuild the consumer with schema validation on.
	h.consumer.Stop()
	router := dlq.NewRouter(h.dlqStore, h.bus, nil, nil)
	cons, err := consumer.New(
		consumer.Config{
			Group:   "test-schema",
			Workers: 2,
			Retry:   retry.PerStage{Default: retry.Policy{MaxAttempts: 3, BackoffBase: time.Millisecond}},
		},
		h.bus, h.ledger, router, h.registry,
		consumer.WithSchemas(schemas),
	)
	require.NoError(t, err)
	t.Cleanup(cons.Stop)

	var runs atomic.Int32
	require.NoError(t, h.registry.Register(envelope.StageParsed,
		consumer.HandlerFunc(func(_ context.Context, _ *envelope.Envelope) (*consumer.Result, error) {
			runs.Add(1)
			return &consumer.Result{}, nil
		})))
	require.NoError(t, cons.Start(context.Background()))

	// Payload missing the required version field.
	bad, err := envelope.New("trace-1", "tenant-a", "doc::v1", envelope.StageParsed,
		json.RawMessage(`{"object_key":"doc.pdf"}`))
	require.NoError(t, err)
	require.NoError(t, h.bus.Publish(context.Background(), bad))

	require.Eventually(t, func() bool {
		count, err := h.dlqStore.Count(context.Background())
		return err == nil && count == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(0), runs.Load())
	entries, err := h.dlqStore.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, dlq.ReasonPoison, entries[0].Reason)
}

// TestTransientThenSuccess verifies the retry path recovers and the
// failure history does not leak into later work.
func TestTransientThenSuccess(t *testing.T) {
	h := newHarness(t, 5)

	var runs atomic.Int32
	done := make(chan struct{})
	require.NoError(t, h.registry.Register(envelope.StageParsed,
		consumer.HandlerFunc(func(_ context.Context, _ *envelope.Envelope) (*consumer.Result, error) {
			if runs.Add(1) < 3 {
				return nil, errors.New("flaky")
			}
			close(done)
			return &consumer.Result{}, nil
		})))
	h.start(t)

	publishUploaded(t, h.bus, "tenant-a")

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never succeeded")
	}

	require.Eventually(t, func() bool {
		rec, err := h.ledger.Get(context.Background(), ledger.Key{
			Tenant:     "tenant-a",
			BusinessID: "user/2025/09/doc.pdf::v1",
			Stage:      string(envelope.StageParsed),
			Generation: 0,
		})
		return err == nil && rec.Status == ledger.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	count, err := h.dlqStore.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Equal(t, int32(3), runs.Load())
}

// flakyDLQStore rejects the first configured number of appends, then
// delegates to the wrapped store.
type flakyDLQStore struct {
	*dlq.MemoryStore
	failures atomic.Int32
}

func (s *flakyDLQStore) Append(ctx context.Context, entry *dlq.Entry) error {
	if s.failures.Add(-1) >= 0 {
		return errors.New("store unavailable")
	}
	return s.MemoryStore.Append(ctx, entry)
}

// TestDeadLetterSurvivesStoreOutage verifies an envelope is never dropped
// when the dead-letter store rejects the first write: the key stays
// pending, the delivery retries, and the entry lands on a later attempt
// before the ledger turns terminal.
func TestDeadLetterSurvivesStoreOutage(t *testing.T) {
	flaky := &flakyDLQStore{MemoryStore: dlq.NewMemoryStore()}
	flaky.failures.Store(1)

	b := bus.NewLocalBus(bus.Config{Partitions: 2, BufferSize: 64})
	led := ledger.NewMemoryLedger()
	registry := consumer.NewRegistry()
	router := dlq.NewRouter(flaky, b, nil, nil)

	cons, err := consumer.New(
		consumer.Config{
			Group:    "test-outage",
			Workers:  2,
			LeaseTTL: 200 * time.Millisecond,
			Retry:    retry.PerStage{Default: retry.Policy{MaxAttempts: 3, BackoffBase: time.Millisecond}},
		},
		b, led, router, registry,
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		cons.Stop()
		b.Close()
	})

	var runs atomic.Int32
	require.NoError(t, registry.Register(envelope.StageParsed,
		consumer.HandlerFunc(func(_ context.Context, _ *envelope.Envelope) (*consumer.Result, error) {
			runs.Add(1)
			return nil, perrors.Poison(errors.New("unparseable document"), "parse")
		})))
	require.NoError(t, cons.Start(context.Background()))

	env := publishUploaded(t, b, "tenant-a")

	require.Eventually(t, func() bool {
		count, err := flaky.Count(context.Background())
		return err == nil && count == 1
	}, 5*time.Second, 10*time.Millisecond, "entry never became durable")

	entry, err := flaky.Get(context.Background(), env.EventID)
	require.NoError(t, err)
	assert.Equal(t, dlq.ReasonPoison, entry.Reason)

	// The ledger reached its terminal state only after the entry held.
	rec, err := led.Get(context.Background(), ledger.Key{
		Tenant:     "tenant-a",
		BusinessID: env.BusinessID,
		Stage:      string(envelope.StageParsed),
		Generation: 0,
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, rec.Status)
	assert.GreaterOrEqual(t, runs.Load(), int32(1))
}

// TestCompleteRecordsOutputFingerprint verifies the ledger stores the hash
// of the envelope the stage produced, not the one it consumed, so a
// re-execution yielding different output is detectable.
func TestCompleteRecordsOutputFingerprint(t *testing.T) {
	h := newHarness(t, 3)

	require.NoError(t, h.registry.Register(envelope.StageParsed, forwardHandler()))

	derived := make(chan *envelope.Envelope, 1)
	_, err := h.bus.Subscribe(envelope.StageExtracted.InputSubject(), "observer", func(d bus.Delivery) {
		derived <- d.Envelope()
		d.Ack()
	})
	require.NoError(t, err)

	h.start(t)
	uploaded := publishUploaded(t, h.bus, "tenant-a")

	var next *envelope.Envelope
	select {
	case next = <-derived:
	case <-time.After(5 * time.Second):
		t.Fatal("derived envelope never published")
	}

	key := ledger.Key{
		Tenant:     "tenant-a",
		BusinessID: uploaded.BusinessID,
		Stage:      string(envelope.StageParsed),
		Generation: 0,
	}
	require.Eventually(t, func() bool {
		rec, err := h.ledger.Get(context.Background(), key)
		return err == nil && rec.Status == ledger.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	rec, err := h.ledger.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, next.Fingerprint(), rec.Fingerprint)
	assert.NotEqual(t, uploaded.Fingerprint(), rec.Fingerprint)
}

// TestLeaseHeldByOtherAcksWithoutProcessing verifies a delivery for a key
// another worker holds is acknowledged and dropped, not retried: were it
// retried, the redelivery would take over once the rival lease lapsed and
// run the handler a second time.
func TestLeaseHeldByOtherAcksWithoutProcessing(t *testing.T) {
	b := bus.NewLocalBus(bus.Config{Partitions: 2, BufferSize: 64})
	led := ledger.NewMemoryLedger()
	registry := consumer.NewRegistry()
	router := dlq.NewRouter(dlq.NewMemoryStore(), b, nil, nil)

	cons, err := consumer.New(
		consumer.Config{
			Group:    "test-lease",
			Workers:  2,
			LeaseTTL: 200 * time.Millisecond,
			Retry:    retry.PerStage{Default: retry.Policy{MaxAttempts: 3, BackoffBase: time.Millisecond}},
		},
		b, led, router, registry,
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		cons.Stop()
		b.Close()
	})

	var runs atomic.Int32
	require.NoError(t, registry.Register(envelope.StageParsed,
		consumer.HandlerFunc(func(_ context.Context, _ *envelope.Envelope) (*consumer.Result, error) {
			runs.Add(1)
			return &consumer.Result{}, nil
		})))
	require.NoError(t, cons.Start(context.Background()))

	key := ledger.Key{
		Tenant:     "tenant-a",
		BusinessID: "user/2025/09/doc.pdf::v1",
		Stage:      string(envelope.StageParsed),
		Generation: 0,
	}
	res, err := led.TryAcquire(context.Background(), key, "rival/1", time.Second)
	require.NoError(t, err)
	require.Equal(t, ledger.Acquired, res.Outcome)

	publishUploaded(t, b, "tenant-a")

	// Well past the rival's lease expiry: an acked delivery never comes
	// back, so the handler must not have run.
	time.Sleep(1500 * time.Millisecond)
	assert.Zero(t, runs.Load())

	rec, err := led.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, rec.Status)
}

// TestRegistryRejectsDuplicates verifies handler registration guards.
func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := consumer.NewRegistry()
	require.NoError(t, reg.Register(envelope.StageParsed, forwardHandler()))
	assert.Error(t, reg.Register(envelope.StageParsed, forwardHandler()))
	assert.Error(t, reg.Register(envelope.Stage("bogus"), forwardHandler()))
	assert.Error(t, reg.Register(envelope.StageExtracted, nil))

	_, ok := reg.Lookup(envelope.StageParsed)
	assert.True(t, ok)
	_, ok = reg.Lookup(envelope.StageIndexed)
	assert.False(t, ok)
	assert.Equal(t, []envelope.Stage{envelope.StageParsed}, reg.Stages())
}
