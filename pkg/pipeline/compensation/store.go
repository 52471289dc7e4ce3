// Package compensation re-runs failed work. A trigger watches the
// dead-letter store and schedules compensation tasks; each emitted task
// publishes a fresh envelope at generation+1, which the idempotency ledger
// treats as new work while the exhausted generation stays terminally
// recorded.
package compensation

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/insightengine/pipeline/pkg/pipeline/envelope"
)

// Status is a compensation task's lifecycle state.
type Status string

// Task statuses.
const (
	StatusScheduled Status = "scheduled"
	StatusEmitted   Status = "emitted"
	StatusCancelled Status = "cancelled"
)

// Task is one scheduled re-run of failed work.
type Task struct {
	ID            string          `json:"id"`
	TriggerReason string          `json:"trigger_reason"`
	Tenant        string          `json:"tenant"`
	BusinessID    string          `json:"business_id"`
	TargetStage   envelope.Stage  `json:"target_stage"`
	Generation    int             `json:"generation"` // generation of the envelope to emit
	TraceID       string          `json:"trace_id"`
	SourceEventID string          `json:"source_event_id"` // dead-lettered envelope that triggered this
	Payload       json.RawMessage `json:"payload"`
	ScheduledAt   time.Time       `json:"scheduled_at"`
	EmittedAt     time.Time       `json:"emitted_at,omitzero"`
	Status        Status          `json:"status"`
}

// ErrTaskNotFound is returned when a task does not exist.
var ErrTaskNotFound = errors.New("compensation task not found")

// Store persists compensation tasks.
type Store interface {
	// Save writes a task, creating or replacing it.
	Save(ctx context.Context, task *Task) error

	// Get returns a task by id, or ErrTaskNotFound.
	Get(ctx context.Context, id string) (*Task, error)

	// FindBySource returns the task triggered by a dead-lettered event id,
	// or ErrTaskNotFound. Used to avoid scheduling duplicates.
	FindBySource(ctx context.Context, sourceEventID string) (*Task, error)

	// ListDue returns scheduled tasks whose scheduled_at is not after now.
	ListDue(ctx context.Context, now time.Time) ([]*Task, error)

	// List returns all tasks.
	List(ctx context.Context) ([]*Task, error)
}

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	mu       sync.RWMutex
	tasks    map[string]*Task
	bySource map[string]string // source event id -> task id
}

// NewMemoryStore creates an in-memory task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[string]*Task),
		bySource: make(map[string]string),
	}
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = cloneTask(task)
	if task.SourceEventID != "" {
		s.bySource[task.SourceEventID] = task.ID
	}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// FindBySource implements Store.
func (s *MemoryStore) FindBySource(_ context.Context, sourceEventID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySource[sourceEventID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(s.tasks[id]), nil
}

// ListDue implements Store.
func (s *MemoryStore) ListDue(_ context.Context, now time.Time) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*Task
	for _, task := range s.tasks {
		if task.Status == StatusScheduled && !task.ScheduledAt.After(now) {
			due = append(due, cloneTask(task))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(due[j].ScheduledAt) })
	return due, nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		all = append(all, cloneTask(task))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ScheduledAt.Before(all[j].ScheduledAt) })
	return all, nil
}

// cloneTask defends against callers mutating stored state.
func cloneTask(t *Task) *Task {
	clone := *t
	if t.Payload != nil {
		clone.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	return &clone
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
