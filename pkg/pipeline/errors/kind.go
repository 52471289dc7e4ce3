// Package errors provides error classification for the pipeline orchestrator.
//
// Every stage-handler error is classified into a Kind before routing:
//   - Transient errors re-enter the retry policy
//   - Poison errors go straight to the dead-letter path
//   - Lease conflicts and expiries are coordination outcomes, not failures
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Kind represents how a processing error should be routed.
type Kind int

const (
	// KindTransient indicates retry will likely help.
	// Examples: network failures, timeouts, external-service overload.
	KindTransient Kind = iota

	// KindPoison indicates the payload can never be processed.
	// Examples: schema validation failures, unparseable payloads.
	// Poison envelopes bypass the retry budget entirely.
	KindPoison

	// KindLeaseConflict indicates another consumer instance holds the
	// processing lease. Not a failure; the delivery is acknowledged.
	KindLeaseConflict

	// KindLeaseExpired indicates a completion arrived after the lease was
	// lost. The result is discarded; whoever holds the lease reprocesses.
	KindLeaseExpired

	// KindExhausted indicates the retry budget is consumed. Terminal.
	KindExhausted
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPoison:
		return "poison"
	case KindLeaseConflict:
		return "lease_conflict"
	case KindLeaseExpired:
		return "lease_expired"
	case KindExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// ClassifiedError wraps an error with its kind and context.
type ClassifiedError struct {
	// Err is the underlying error.
	Err error

	// Kind indicates how this error should be routed.
	Kind Kind

	// Attempt is the attempt on which the error occurred.
	Attempt int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (kind: %s, attempt: %d)",
			e.Context, e.Err, e.Kind, e.Attempt)
	}
	return fmt.Sprintf("%s (kind: %s, attempt: %d)", e.Err, e.Kind, e.Attempt)
}

// Unwrap returns the underlying error.
func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// NewClassified creates a new classified error.
func NewClassified(err error, kind Kind, context string) *ClassifiedError {
	return &ClassifiedError{Err: err, Kind: kind, Context: context}
}

// Transient creates a transient error.
func Transient(err error, context string) *ClassifiedError {
	return NewClassified(err, KindTransient, context)
}

// Poison creates a poison error.
func Poison(err error, context string) *ClassifiedError {
	return NewClassified(err, KindPoison, context)
}

// Classify determines how an error should be routed.
func Classify(err error) Kind {
	if err == nil {
		return KindTransient // shouldn't happen, keep forward progress
	}

	// Already-classified errors keep their kind
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Kind
	}

	// Structurally invalid payloads can never succeed
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return KindPoison
	}

	var leaseErr *LeaseExpiredError
	if errors.As(err, &leaseErr) {
		return KindLeaseExpired
	}

	// Handler timeouts are transient: the lease is released and another
	// attempt may succeed against a less loaded backend
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	// Unknown errors are transient: the retry budget bounds the damage
	return KindTransient
}

// IsPoison reports whether the error should bypass retry.
func IsPoison(err error) bool {
	return Classify(err) == KindPoison
}

// IsRetryable reports whether the error should re-enter the retry policy.
func IsRetryable(err error) bool {
	return Classify(err) == KindTransient
}
