package window

import (
	"time"

	"mercator-hq/warden/pkg/limits/storage"
)

// Prune removes samples that have left the window ending at now.
// A sample at exactly now-window is considered expired.
//
// Samples are filtered in place; the record must be a private copy.
func Prune(rec *storage.Record, now time.Time, window time.Duration) {
	cutoff := now.Add(-window)

	kept := rec.Samples[:0]
	for _, s := range rec.Samples {
		if s.At.After(cutoff) {
			kept = append(kept, s)
		}
	}

	// Clear the tail so dropped samples don't pin memory.
	for i := len(kept); i < len(rec.Samples); i++ {
		rec.Samples[i] = storage.Sample{}
	}
	rec.Samples = kept
}

// Load returns the summed weight of the record's samples.
// Callers prune first; Load does not look at time.
func Load(rec *storage.Record) float64 {
	var sum float64
	for _, s := range rec.Samples {
		sum += s.Weight
	}
	return sum
}

// ResetTime returns when the oldest remaining sample leaves the window,
// i.e. when capacity next frees up. With no samples it is now+window.
func ResetTime(rec *storage.Record, now time.Time, window time.Duration) time.Time {
	if len(rec.Samples) == 0 {
		return now.Add(window)
	}

	oldest := rec.Samples[0].At
	for _, s := range rec.Samples[1:] {
		if s.At.Before(oldest) {
			oldest = s.At
		}
	}
	return oldest.Add(window)
}

// Snapshot returns a pruned copy of rec for read-only reporting.
// rec itself is left untouched.
func Snapshot(rec *storage.Record, now time.Time, window time.Duration) *storage.Record {
	c := rec.Clone()
	if window > 0 {
		Prune(c, now, window)
	}
	return c
}
