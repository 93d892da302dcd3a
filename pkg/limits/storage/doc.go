// Package storage provides persistence backends for sliding window records.
//
// # Overview
//
// A Record holds everything needed to decide one rate limit bucket: the
// admitted samples still inside the tracked horizon, the lifetime counter,
// the current block and the consecutive block count. Records are keyed by
// the composite Key (ID, Type, Endpoint).
//
// Three implementations are provided:
//
//   - Memory: sharded in-process maps (default, no persistence)
//   - SQLite: file-based persistence, shareable by processes on one host
//   - Redis: shared state for several nodes
//
// # Concurrency
//
// Stores never lock a record on behalf of a caller. Every record carries a
// Version; CompareAndSwap only writes when the stored version still matches
// the one the caller read. Callers loop read, decide, swap until the swap
// wins or their retry budget runs out.
//
// # Usage
//
//	backend := storage.NewMemoryBackend()
//	defer backend.Close()
//
//	rec, _, err := backend.GetOrCreate(ctx, key, now, 2*window)
//	rec.Samples = append(rec.Samples, storage.Sample{At: now, Weight: 1})
//	ok, err := backend.CompareAndSwap(ctx, rec)
//
// # Errors
//
// Any failure of the underlying engine is wrapped with ErrUnavailable so
// callers can fail closed with errors.Is.
package storage
