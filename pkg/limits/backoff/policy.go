// Package backoff computes escalating block durations for repeat offenders.
//
// A key that exceeds its limit is blocked for Base·2^n, where n is the number
// of blocks issued since it last recovered, capped at Max. Each clean request
// after a lapsed block decays n by one (or resets it, if ResetOnRecovery).
package backoff

import (
	"time"

	"mercator-hq/warden/pkg/limits/storage"
)

// Defaults used when a Policy field is zero.
const (
	DefaultBase = 60 * time.Second
	DefaultMax  = time.Hour
)

// Policy is an exponential, capped block duration policy.
type Policy struct {
	// Base is the duration of the first block.
	Base time.Duration

	// Max caps every block duration.
	Max time.Duration

	// ResetOnRecovery clears the whole block count on the first clean
	// request after a block lapses, instead of decrementing it by one.
	ResetOnRecovery bool
}

// Default returns the policy with a 60s base and a one hour cap.
func Default() Policy {
	return Policy{Base: DefaultBase, Max: DefaultMax}
}

func (p Policy) withDefaults() Policy {
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.Max <= 0 {
		p.Max = DefaultMax
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	return p
}

// NextBlockDuration returns min(Base·2^count, Max).
func (p Policy) NextBlockDuration(count int) time.Duration {
	p = p.withDefaults()

	d := p.Base
	for i := 0; i < count; i++ {
		// Doubling past Max/2 would reach or pass the cap (or overflow).
		if d > p.Max/2 {
			return p.Max
		}
		d *= 2
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// ShouldDecay reports whether an admitted request at now is the first clean
// request after a block: the record still carries a block that has lapsed and
// a positive block count.
func (p Policy) ShouldDecay(rec *storage.Record, now time.Time) bool {
	if rec.ConsecutiveBlockCount <= 0 || rec.BlockedUntil.IsZero() {
		return false
	}
	return !rec.BlockedUntil.After(now)
}

// Decay returns the block count after one recovery.
func (p Policy) Decay(count int) int {
	if p.ResetOnRecovery || count <= 1 {
		return 0
	}
	return count - 1
}
