package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the engine.
var (
	// ErrNotFound indicates a request or job id that is not known.
	ErrNotFound = errors.New("not found")

	// ErrQueueFull indicates the priority queue is at its configured depth.
	ErrQueueFull = errors.New("queue is full")

	// ErrSchedulerStopped indicates an operation against a stopped scheduler.
	ErrSchedulerStopped = errors.New("scheduler is not running")

	// ErrCancelled indicates an execution stopped by cooperative
	// cancellation. Cancelled work is never retried.
	ErrCancelled = errors.New("cancelled")
)

// ValidationError reports an invalid field on a request, job, or config.
// Validation failures are admission errors: they are returned synchronously
// from the call that caused them and nothing is queued.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
