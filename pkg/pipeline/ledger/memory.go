package ledger

import (
	"context"
	"sync"
	"time"

	perrors "github.com/insightengine/pipeline/pkg/pipeline/errors"
)

// MemoryLedger is an in-memory Ledger implementation.
// Suitable for testing and single-instance deployments.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[Key]*Record

	// now overrides the clock in tests.
	now func() time.Time
}

// NewMemoryLedger creates a new in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		records: make(map[Key]*Record),
		now:     time.Now,
	}
}

// TryAcquire implements Ledger.
func (l *MemoryLedger) TryAcquire(_ context.Context, key Key, owner string, ttl time.Duration) (AcquireResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec, exists := l.records[key]
	if !exists {
		l.records[key] = &Record{
			Key:         key,
			Status:      StatusPending,
			LeaseOwner:  owner,
			LeaseExpiry: now.Add(ttl),
			Attempts:    1,
			UpdatedAt:   now,
		}
		return AcquireResult{Outcome: Acquired}, nil
	}

	switch rec.Status {
	case StatusCompleted:
		return AcquireResult{Outcome: AlreadyCompleted, Fingerprint: rec.Fingerprint}, nil
	case StatusFailed:
		return AcquireResult{Outcome: AlreadyFailed}, nil
	}

	// Pending: grant only if no unexpired lease exists
	if rec.LeaseOwner != "" && rec.LeaseExpiry.After(now) && rec.LeaseOwner != owner {
		return AcquireResult{Outcome: LeaseHeldByOther}, nil
	}

	rec.LeaseOwner = owner
	rec.LeaseExpiry = now.Add(ttl)
	rec.Attempts++
	rec.UpdatedAt = now
	return AcquireResult{Outcome: Acquired}, nil
}

// Complete implements Ledger.
func (l *MemoryLedger) Complete(_ context.Context, key Key, owner, fingerprint string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec, exists := l.records[key]
	if !exists {
		return ErrNotFound
	}
	if rec.Status != StatusPending || rec.LeaseOwner != owner || !rec.LeaseExpiry.After(now) {
		return &perrors.LeaseExpiredError{
			Key:     key.String(),
			Owner:   owner,
			Message: "cannot commit completion",
		}
	}

	rec.Status = StatusCompleted
	rec.Fingerprint = fingerprint
	rec.LeaseOwner = ""
	rec.LeaseExpiry = time.Time{}
	rec.UpdatedAt = now
	return nil
}

// Fail implements Ledger.
func (l *MemoryLedger) Fail(_ context.Context, key Key, owner string, cause error, exhausted bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec, exists := l.records[key]
	if !exists {
		return ErrNotFound
	}
	if rec.Status != StatusPending || rec.LeaseOwner != owner {
		return &perrors.LeaseExpiredError{
			Key:     key.String(),
			Owner:   owner,
			Message: "cannot record failure",
		}
	}

	if cause != nil {
		rec.LastError = cause.Error()
	}
	if exhausted {
		rec.Status = StatusFailed
	}
	rec.LeaseOwner = ""
	rec.LeaseExpiry = time.Time{}
	rec.UpdatedAt = now
	return nil
}

// RenewLease implements Ledger.
func (l *MemoryLedger) RenewLease(_ context.Context, key Key, owner string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec, exists := l.records[key]
	if !exists {
		return ErrNotFound
	}
	if rec.Status != StatusPending || rec.LeaseOwner != owner || !rec.LeaseExpiry.After(now) {
		return &perrors.LeaseExpiredError{
			Key:     key.String(),
			Owner:   owner,
			Message: "cannot renew lease",
		}
	}

	rec.LeaseExpiry = now.Add(ttl)
	rec.UpdatedAt = now
	return nil
}

// Get implements Ledger.
func (l *MemoryLedger) Get(_ context.Context, key Key) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, exists := l.records[key]
	if !exists {
		return nil, ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

// Compile-time check that MemoryLedger implements Ledger.
var _ Ledger = (*MemoryLedger)(nil)
