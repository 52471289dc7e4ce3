// Package dlq implements the dead-letter path: a durable, append-only
// side-channel for envelopes that exhaust their retry budget or are
// structurally unprocessable.
//
// Entries are written before the original delivery is acknowledged, so a
// crash between write and ack produces a harmless duplicate entry rather
// than data loss.
package dlq

import (
	"context"
	"errors"
	"time"

	"github.com/insightengine/pipeline/pkg/pipeline/envelope"
)

// Reason explains why an envelope was dead-lettered.
type Reason string

// Dead-letter reasons.
const (
	ReasonRetryExhausted Reason = "retry-exhausted"
	ReasonPoison         Reason = "poison"
	ReasonManual         Reason = "manual"
)

// AttemptError records one failed attempt.
type AttemptError struct {
	Attempt   int       `json:"attempt"`
	ErrorKind string    `json:"error_kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Entry is a dead-lettered envelope with its full failure history.
// Entries are immutable once written; downstream operators (human review,
// the compensation trigger) reference them but never mutate them.
type Entry struct {
	Envelope     *envelope.Envelope `json:"envelope"`
	ErrorHistory []AttemptError     `json:"error_history"`
	MovedAt      time.Time          `json:"moved_at"`
	Reason       Reason             `json:"reason"`
}

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("dead-letter entry not found")

// Store is the append-only dead-letter store, keyed by event id.
// Append must be idempotent: re-appending an existing event id is a no-op
// so crash-redelivery duplicates are harmless.
type Store interface {
	// Append durably writes an entry.
	Append(ctx context.Context, entry *Entry) error

	// Get returns the entry for an event id, or ErrNotFound.
	Get(ctx context.Context, eventID string) (*Entry, error)

	// List returns up to limit entries, newest first.
	List(ctx context.Context, limit int) ([]*Entry, error)

	// ListByStage returns up to limit entries for one stage, newest first.
	ListByStage(ctx context.Context, stage envelope.Stage, limit int) ([]*Entry, error)

	// Count returns the number of entries.
	Count(ctx context.Context) (int, error)
}
