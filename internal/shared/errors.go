package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientFunds indicates a withdrawal exceeding the current balance.
	// It is an expected business outcome, not a system fault.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrDuplicateEntry indicates an append-only record already exists.
	ErrDuplicateEntry = errors.New("duplicate entry")
)

// ValidationError rejects malformed input before any persistence attempt.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for a field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// InvariantViolation rejects an operation that would break a domain rule.
// Current carries the conflicting state so callers can explain the rejection.
type InvariantViolation struct {
	Rule    string
	Current string
	Detail  string
}

func (e *InvariantViolation) Error() string {
	if e.Current == "" {
		return fmt.Sprintf("%s: %s", e.Rule, e.Detail)
	}
	return fmt.Sprintf("%s: %s (current: %s)", e.Rule, e.Detail, e.Current)
}

// ConcurrencyConflict indicates the underlying transaction could not commit
// after bounded retries due to concurrent conflicting writes.
type ConcurrencyConflict struct {
	Attempts int
	Err      error
}

func (e *ConcurrencyConflict) Error() string {
	return fmt.Sprintf("concurrency conflict after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConcurrencyConflict) Unwrap() error { return e.Err }

// StoreUnavailable wraps infrastructure failures from the persistence layer.
type StoreUnavailable struct {
	Op  string
	Err error
}

func (e *StoreUnavailable) Error() string {
	return fmt.Sprintf("store unavailable: %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailable) Unwrap() error { return e.Err }
