// Package window implements sliding-log accounting over a storage.Record.
//
// Each admitted request is kept as a timestamped, weighted sample. Before any
// decision the record is pruned to the window ending at now and the remaining
// weights are summed. This gives exact sliding windows with no fixed-bucket
// reset spike:
//
//	window.Prune(rec, now, time.Minute)
//	if window.Load(rec)+weight > float64(limit) {
//	    // over the limit
//	}
//
// The functions are pure with respect to time: callers pass now, so the
// package is safe to use with a fake clock.
package window
