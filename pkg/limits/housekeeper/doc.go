// Package housekeeper removes expired rate limit records.
//
// Records are created lazily and never closed explicitly; each carries an
// ExpiresAt that the engine pushes forward while the key is active. The
// housekeeper deletes records whose expiry has passed, independently of the
// request path.
//
// # Batching
//
// A sweep deletes at most BatchSize records per store call and paces calls
// with a token bucket (BatchesPerSecond), so a backlog of expired keys never
// monopolises the store.
//
// # Usage
//
//	hk := housekeeper.New(store, housekeeper.DefaultConfig(),
//	    housekeeper.WithMetrics(metrics),
//	)
//
//	scheduler := housekeeper.NewScheduler(hk)
//	if err := scheduler.Start(ctx); err != nil {
//	    return err
//	}
//	defer scheduler.Stop()
//
// Sweep errors are logged and retried on the next tick; they never stop the
// scheduler.
package housekeeper
