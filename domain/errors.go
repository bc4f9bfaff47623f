// Package domain contains the entities and state machines of the Caliper
// orchestration engine: use cases, model evaluations, their transition
// tables, and the error kinds shared across the engine.
package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Callers classify failures with errors.Is against these
// sentinels rather than matching on concrete types.
var (
	// ErrValidation marks bad caller input. No state change happened.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidTransition marks a transition not present in the table.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInvalidStateForUpload marks an upload arriving while the owning
	// aggregate is in a state that does not expect it.
	ErrInvalidStateForUpload = errors.New("upload not allowed in current state")

	// ErrNotFound marks a missing aggregate, task, or blob.
	ErrNotFound = errors.New("not found")

	// ErrStaleWrite marks an optimistic concurrency conflict. The caller
	// may reload and retry once.
	ErrStaleWrite = errors.New("stale write: aggregate was modified concurrently")

	// ErrTransient marks a retryable infrastructure failure. Inside task
	// handlers it counts against the task retry budget.
	ErrTransient = errors.New("transient failure")

	// ErrPermanent marks a non-retryable collaborator failure. Handlers
	// drive the aggregate into its failure state and do not retry.
	ErrPermanent = errors.New("permanent failure")

	// ErrCorruption marks persisted history inconsistent with the
	// aggregate row. There is no automatic repair.
	ErrCorruption = errors.New("state history corruption")

	// ErrUnknownTask marks an enqueue attempt for an unregistered handler.
	ErrUnknownTask = errors.New("unknown task")
)

// Validationf wraps a formatted message as a validation error.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Transientf wraps a formatted message as a transient error.
func Transientf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}

// Permanentf wraps a formatted message as a permanent error.
func Permanentf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrPermanent, fmt.Sprintf(format, args...))
}

// IsRetryable reports whether an error should count against a task retry
// budget rather than fail the task outright.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) || errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrCorruption) {
		return false
	}
	// Unclassified errors are treated as transient so a flaky collaborator
	// does not burn a task without a second chance.
	return true
}
