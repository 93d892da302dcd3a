// Package limits provides sliding window admission control.
//
// # Overview
//
// Given a caller identity (IP, user, API key, or API key plus endpoint) the
// Engine decides in real time whether to admit a request, tracks weighted
// request volume inside a rolling window and blocks abusive callers for
// exponentially growing periods.
//
// # Architecture
//
// The package is organized into sub-packages:
//
//   - storage: Record stores (memory, SQLite, Redis) with compare-and-swap
//   - window: Sliding-log pruning and load accounting
//   - backoff: Block duration escalation and decay
//   - housekeeper: Scheduled sweep of expired records
//   - rules: Declarative per-endpoint limits loaded from YAML
//
// # Usage
//
//	engine := limits.NewEngine(limits.Config{
//	    Store:   backend,
//	    Backoff: backoff.Default(),
//	    Metrics: limits.NewMetrics(prometheus.DefaultRegisterer),
//	})
//
//	verdict, err := engine.CheckAndRecord(ctx, key, 100, time.Minute, 1)
//	switch {
//	case errors.Is(err, limits.ErrContended):
//	    // hot key; caller policy decides
//	case err != nil:
//	    // fail closed
//	case !verdict.Allowed:
//	    // 429, Retry-After: verdict.RetryAfter
//	}
//
// # Concurrency
//
// There is no global lock. Requests for the same key race through the
// store's compare-and-swap; the loser re-reads and redoes the whole decision
// after a short jittered pause. The retry budget is bounded (5 attempts by
// default) and exhaustion is reported as ErrContended.
//
// # Failure Semantics
//
// Every error path returns a denial verdict alongside the error. Storage
// failures unwrap to ErrStorageUnavailable and invalid arguments to
// ErrInvalidConfiguration; the latter are rejected before the store is
// touched.
package limits
