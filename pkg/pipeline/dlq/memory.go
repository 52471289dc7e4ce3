package dlq

import (
	"context"
	"sort"
	"sync"

	"github.com/insightengine/pipeline/pkg/pipeline/envelope"
)

// MemoryStore is an in-memory Store implementation.
// Suitable for testing and single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry // keyed by event id
	order   []string          // event ids in append order
}

// NewMemoryStore creates a new in-memory dead-letter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

// Append implements Store. Re-appending an existing event id is a no-op.
func (s *MemoryStore) Append(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := entry.Envelope.EventID
	if _, exists := s.entries[id]; exists {
		return nil
	}
	s.entries[id] = entry
	s.order = append(s.order, id)
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, eventID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.entries[eventID]
	if !exists {
		return nil, ErrNotFound
	}
	return entry, nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked(limit, func(*Entry) bool { return true }), nil
}

// ListByStage implements Store.
func (s *MemoryStore) ListByStage(_ context.Context, stage envelope.Stage, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked(limit, func(e *Entry) bool { return e.Envelope.Stage == stage }), nil
}

// listLocked returns matching entries newest first (must hold lock).
func (s *MemoryStore) listLocked(limit int, match func(*Entry) bool) []*Entry {
	var result []*Entry
	for i := len(s.order) - 1; i >= 0; i-- {
		entry := s.entries[s.order[i]]
		if !match(entry) {
			continue
		}
		result = append(result, entry)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].MovedAt.After(result[j].MovedAt)
	})
	return result
}

// Count implements Store.
func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
