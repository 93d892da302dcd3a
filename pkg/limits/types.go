package limits

import (
	"time"

	"mercator-hq/warden/pkg/limits/storage"
)

// Verdict is the outcome of one admission check.
// This is returned by Engine.CheckAndRecord() and is what the HTTP layer
// maps to status codes and X-RateLimit-* headers.
type Verdict struct {
	// Allowed indicates if the request is admitted.
	Allowed bool

	// Limit is the configured maximum weighted load per window.
	Limit int

	// Remaining is the whole weight still available after this request.
	// Always 0 when denied.
	Remaining int

	// ResetTime is when capacity next frees up (admitted) or when the
	// block lifts (denied).
	ResetTime time.Time

	// RetryAfter is how long a denied caller should wait. Zero when admitted.
	RetryAfter time.Duration

	// Sample is the window entry this admission added. Zero when denied.
	// Passing it to Engine.Refund takes the request back.
	Sample storage.Sample
}

// denied returns the fail-closed verdict used on every error path.
func denied(limit int, now time.Time) *Verdict {
	return &Verdict{
		Allowed:   false,
		Limit:     limit,
		Remaining: 0,
		ResetTime: now,
	}
}

// Usage is a read-only view of one key's record.
type Usage struct {
	// Key is the composite key queried.
	Key storage.Key

	// Found is false when no record exists; all other fields are zero.
	Found bool

	// TotalRequestsLifetime is the total weight ever admitted.
	TotalRequestsLifetime float64

	// CurrentWindowCount is the number of samples inside the window.
	CurrentWindowCount int

	// CurrentLoad is the summed weight of samples inside the window.
	CurrentLoad float64

	// IsBlocked reports whether a block is active now.
	IsBlocked bool

	// BlockedUntil is the end of the current or most recent block.
	BlockedUntil time.Time

	// ConsecutiveBlockCount is the number of blocks since the last recovery.
	ConsecutiveBlockCount int

	// ExpiresAt is when the record becomes eligible for the sweep.
	ExpiresAt time.Time
}

// RetryConfig bounds the optimistic concurrency retry loop.
type RetryConfig struct {
	// MaxAttempts is the total number of read-decide-swap attempts.
	// Default: 5
	MaxAttempts int

	// InitialInterval is the first jittered pause after a lost swap.
	// Default: 1ms
	InitialInterval time.Duration

	// MaxInterval caps the pause between attempts.
	// Default: 8ms
	MaxInterval time.Duration
}

// DefaultRetryConfig returns the default retry budget.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     5,
		InitialInterval: time.Millisecond,
		MaxInterval:     8 * time.Millisecond,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = def.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = def.MaxInterval
	}
	if c.MaxInterval < c.InitialInterval {
		c.MaxInterval = c.InitialInterval
	}
	return c
}
