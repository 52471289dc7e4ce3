package errors

import "fmt"

// ValidationError indicates an envelope or payload failed validation.
// Validation failures are poison: retrying cannot fix a malformed payload.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// LeaseExpiredError indicates a ledger operation was attempted after the
// caller's lease expired or was reclaimed by another instance.
type LeaseExpiredError struct {
	Key     string
	Owner   string
	Message string
}

// Error implements the error interface.
func (e *LeaseExpiredError) Error() string {
	return fmt.Sprintf("lease expired for %s (owner %s): %s", e.Key, e.Owner, e.Message)
}

// TimeoutError indicates a stage handler exceeded its bounded timeout.
type TimeoutError struct {
	Operation string
	Duration  string
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s: %s", e.Duration, e.Operation)
}
