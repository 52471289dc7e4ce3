// Package ledger tracks per-(tenant, business_id, stage, generation)
// processing outcomes. It is the sole source of truth for "has this
// business entity completed this stage" and the only cross-instance
// synchronization primitive in the orchestrator.
//
// Lease acquisition is a single conditional write. Leasing with a TTL
// rather than a held lock means a stuck consumer cannot permanently block
// a key: after expiry another instance reclaims it and retries. The
// ledger therefore guarantees at-most-one successful completion, not
// at-most-one execution attempt; handlers must be safe to re-execute.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a ledger record.
type Status string

// Record statuses. Transitions are pending→completed or pending→failed
// only; a completed or failed record is never reopened except by a
// compensation re-run, which advances the generation instead.
const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Key identifies a ledger record.
type Key struct {
	Tenant     string
	BusinessID string
	Stage      string
	Generation int
}

// String returns the canonical key representation.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s/g%d", k.Tenant, k.BusinessID, k.Stage, k.Generation)
}

// Record is the durable processing outcome for a key.
type Record struct {
	Key         Key
	Status      Status
	LeaseOwner  string
	LeaseExpiry time.Time
	Fingerprint string
	Attempts    int
	LastError   string
	UpdatedAt   time.Time
}

// Outcome is the result of a TryAcquire call.
type Outcome int

// Acquisition outcomes.
const (
	// Acquired means the caller holds the lease and must run the handler.
	Acquired Outcome = iota

	// AlreadyCompleted means the stage already completed for this key.
	// The delivery is acknowledged without processing.
	AlreadyCompleted

	// AlreadyFailed means the key is terminally failed for this
	// generation. Only a compensation re-run can reprocess it.
	AlreadyFailed

	// LeaseHeldByOther means another instance holds an unexpired lease.
	// Not a failure; the delivery is acknowledged without processing.
	LeaseHeldByOther
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case Acquired:
		return "acquired"
	case AlreadyCompleted:
		return "already_completed"
	case AlreadyFailed:
		return "already_failed"
	case LeaseHeldByOther:
		return "lease_held_by_other"
	default:
		return "unknown"
	}
}

// AcquireResult carries the outcome of a TryAcquire and, for
// AlreadyCompleted, the recorded result fingerprint.
type AcquireResult struct {
	Outcome     Outcome
	Fingerprint string
}

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("ledger record not found")

// Ledger is the durable idempotency store. Implementations must make
// TryAcquire atomic: concurrent calls for the same key must grant the
// lease to at most one caller.
type Ledger interface {
	// TryAcquire attempts to take the processing lease for key. This is
	// the exactly-once-effect gate: a handler may only run after Acquired.
	TryAcquire(ctx context.Context, key Key, owner string, ttl time.Duration) (AcquireResult, error)

	// Complete transitions pending→completed and records the output
	// fingerprint. Returns *perrors.LeaseExpiredError when the caller no
	// longer holds the lease; the completion is discarded, never silently
	// overwritten.
	Complete(ctx context.Context, key Key, owner, fingerprint string) error

	// Fail records a failed attempt. When exhausted is true the record
	// transitions pending→failed (terminal for this generation);
	// otherwise the lease is released so a future attempt can reacquire.
	Fail(ctx context.Context, key Key, owner string, cause error, exhausted bool) error

	// RenewLease extends the lease for a long-running handler. Returns
	// *perrors.LeaseExpiredError when the lease was already reclaimed.
	RenewLease(ctx context.Context, key Key, owner string, ttl time.Duration) error

	// Get returns the record for key, or ErrNotFound.
	Get(ctx context.Context, key Key) (*Record, error)
}
