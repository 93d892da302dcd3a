package limits

import (
	"context"
	"errors"
	"fmt"

	"mercator-hq/warden/pkg/limits/storage"
)

// Error types returned by the Engine. Every error from an engine operation
// unwraps to exactly one of these, or to a context error.
var (
	// ErrStorageUnavailable is returned when the record store cannot be reached.
	// Callers should fail closed.
	ErrStorageUnavailable = errors.New("rate limit storage unavailable")

	// ErrContended is returned when the compare-and-swap retry budget is
	// exhausted on a hot key. It is distinct from ErrStorageUnavailable so
	// callers can choose a different policy for it.
	ErrContended = errors.New("rate limit record contended")

	// ErrInvalidConfiguration is returned when a call supplies a non-positive
	// limit or window, a negative weight, or an invalid key. Nothing is read
	// or written.
	ErrInvalidConfiguration = errors.New("invalid rate limit configuration")
)

// CheckError provides context about a failed engine operation.
type CheckError struct {
	// Op is the engine operation (check, usage, unblock, reset).
	Op string

	// Key is the composite key the operation was for.
	Key storage.Key

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *CheckError) Error() string {
	return fmt.Sprintf("limits: %s %s: %v", e.Op, e.Key, e.Err)
}

// Unwrap returns the underlying error.
func (e *CheckError) Unwrap() error {
	return e.Err
}

// errorKind classifies err for metrics and logs.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidConfiguration):
		return "invalid_configuration"
	case errors.Is(err, ErrContended):
		return "contended"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "unknown"
	}
}
