package limits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	retry "github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"mercator-hq/warden/pkg/limits/backoff"
	"mercator-hq/warden/pkg/limits/storage"
	"mercator-hq/warden/pkg/limits/window"
)

const tracerName = "mercator-hq/warden/pkg/limits"

// errConflict marks a lost compare-and-swap inside the retry loop.
var errConflict = errors.New("compare-and-swap conflict")

// Engine decides whether to admit requests against sliding window limits.
//
// The Engine holds no per-key state of its own. Every decision reads the
// key's record, decides against fresh state and persists the outcome with a
// single compare-and-swap. A lost swap restarts the whole decision, so a
// request can never be admitted on top of a concurrent block.
//
// # Example
//
//	engine := limits.NewEngine(limits.Config{
//	    Store:   storage.NewMemoryBackend(),
//	    Backoff: backoff.Default(),
//	})
//
//	key := storage.Key{ID: "10.0.0.1", Type: storage.KeyTypeIP}
//	verdict, err := engine.CheckAndRecord(ctx, key, 100, time.Minute, 1)
//	if err != nil || !verdict.Allowed {
//	    // reject
//	}
type Engine struct {
	store   storage.Store
	policy  backoff.Policy
	retry   RetryConfig
	now     func() time.Time
	metrics *Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
}

// Config contains configuration for the admission engine.
type Config struct {
	// Store persists records. Defaults to an in-memory backend.
	Store storage.Store

	// Backoff computes block durations and decay.
	Backoff backoff.Policy

	// Retry bounds the optimistic concurrency loop.
	Retry RetryConfig

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	// Metrics records Prometheus metrics. Nil disables metrics.
	Metrics *Metrics

	// Tracer creates spans. Defaults to the global tracer provider.
	Tracer trace.Tracer

	// Logger receives debug and warning logs.
	Logger *slog.Logger
}

// NewEngine creates an admission engine with the given configuration.
func NewEngine(cfg Config) *Engine {
	if cfg.Store == nil {
		cfg.Store = storage.NewMemoryBackend()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Engine{
		store:   cfg.Store,
		policy:  cfg.Backoff,
		retry:   cfg.Retry.withDefaults(),
		now:     cfg.Clock,
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		logger:  cfg.Logger.With("component", "limits.engine"),
	}
}

// Store returns the engine's record store.
func (e *Engine) Store() storage.Store {
	return e.store
}

// Policy returns the engine's backoff policy.
func (e *Engine) Policy() backoff.Policy {
	return e.policy
}

// CheckAndRecord decides whether a request of the given weight is admitted
// for key under limit per win, and records the outcome.
//
// A weight of 0 counts as 1. Admitted requests add a sample to the window;
// denied requests never consume budget. A request that pushes the load past
// the limit blocks the key for the backoff policy's next duration.
//
// On any error the returned verdict is a denial, so callers that only look
// at the verdict fail closed.
func (e *Engine) CheckAndRecord(ctx context.Context, key storage.Key, limit int, win time.Duration, weight float64) (*Verdict, error) {
	start := time.Now()
	defer func() { e.metrics.RecordDuration("check", time.Since(start)) }()

	ctx, span := e.tracer.Start(ctx, "limits.CheckAndRecord", trace.WithAttributes(
		attribute.String("limits.key_type", string(key.Type)),
		attribute.Bool("limits.endpoint_scoped", key.Endpoint.Scoped()),
		attribute.Int("limits.limit", limit),
		attribute.Int64("limits.window_ms", win.Milliseconds()),
		attribute.Float64("limits.weight", weight),
	))
	defer span.End()

	if err := validateCheck(key, limit, win, weight); err != nil {
		return denied(limit, e.now()), e.fail(ctx, span, "check", key, err)
	}
	if weight == 0 {
		weight = 1
	}

	attempts := 0
	verdict, err := retry.Retry(ctx, func() (*Verdict, error) {
		attempts++
		if err := ctx.Err(); err != nil {
			return nil, retry.Permanent(err)
		}

		v, err := e.decide(ctx, key, limit, win, weight)
		if err != nil {
			return nil, retry.Permanent(err)
		}
		if v == nil {
			e.metrics.RecordConflict(string(key.Type))
			return nil, errConflict
		}
		return v, nil
	}, e.retryOptions()...)

	span.SetAttributes(attribute.Int("limits.attempts", attempts))

	if err != nil {
		err = unwrapPermanent(err)
		if errors.Is(err, errConflict) {
			err = fmt.Errorf("%w after %d attempts", ErrContended, attempts)
		}
		return denied(limit, e.now()), e.fail(ctx, span, "check", key, err)
	}

	span.SetAttributes(attribute.Bool("limits.allowed", verdict.Allowed))
	e.metrics.RecordCheck(string(key.Type), verdict.Allowed)

	return verdict, nil
}

// decide runs one read-decide-swap attempt. It returns a nil verdict and
// nil error when the swap lost a race.
func (e *Engine) decide(ctx context.Context, key storage.Key, limit int, win time.Duration, weight float64) (*Verdict, error) {
	now := e.now()

	rec, _, err := e.store.GetOrCreate(ctx, key, now, 2*win)
	if err != nil {
		return nil, storageError(err)
	}

	// Active block: read-only rejection.
	if rec.Blocked(now) {
		return &Verdict{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			ResetTime:  rec.BlockedUntil,
			RetryAfter: rec.BlockedUntil.Sub(now),
		}, nil
	}

	window.Prune(rec, now, win)
	load := window.Load(rec)

	rec.Window = win
	rec.UpdatedAt = now

	if load+weight > float64(limit) {
		d := e.policy.NextBlockDuration(rec.ConsecutiveBlockCount)
		rec.BlockedUntil = now.Add(d)
		rec.ConsecutiveBlockCount++
		// Keep the record, and so its block count, for one more block
		// length after this block lapses.
		rec.ExpiresAt = latest(rec.ExpiresAt, now.Add(2*win), rec.BlockedUntil.Add(d))

		ok, err := e.store.CompareAndSwap(ctx, rec)
		if err != nil {
			return nil, storageError(err)
		}
		if !ok {
			return nil, nil
		}

		e.metrics.RecordBlock(string(key.Type), d)
		e.logger.DebugContext(ctx, "rate limit block issued",
			"key", key.String(),
			"load", load,
			"weight", weight,
			"limit", limit,
			"block_duration", d,
			"consecutive_blocks", rec.ConsecutiveBlockCount,
		)

		return &Verdict{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			ResetTime:  rec.BlockedUntil,
			RetryAfter: d,
		}, nil
	}

	rec.Samples = append(rec.Samples, storage.Sample{At: now, Weight: weight})
	rec.TotalRequestsLifetime += weight
	rec.ExpiresAt = latest(rec.ExpiresAt, now.Add(2*win))
	if e.policy.ShouldDecay(rec, now) {
		rec.ConsecutiveBlockCount = e.policy.Decay(rec.ConsecutiveBlockCount)
		// The lapsed block is consumed; later requests must not decay again.
		rec.BlockedUntil = time.Time{}
	}

	ok, err := e.store.CompareAndSwap(ctx, rec)
	if err != nil {
		return nil, storageError(err)
	}
	if !ok {
		return nil, nil
	}

	remaining := int(math.Floor(float64(limit) - load - weight + 1e-9))
	if remaining < 0 {
		remaining = 0
	}

	return &Verdict{
		Allowed:   true,
		Limit:     limit,
		Remaining: remaining,
		ResetTime: window.ResetTime(rec, now, win),
		Sample:    storage.Sample{At: now, Weight: weight},
	}, nil
}

// Refund removes a sample added by CheckAndRecord from key's window, so a
// request that was admitted here but rejected elsewhere does not consume
// budget. The lifetime counter and block state are left alone. It reports
// false when the sample is no longer in the window.
func (e *Engine) Refund(ctx context.Context, key storage.Key, sample storage.Sample) (bool, error) {
	start := time.Now()
	defer func() { e.metrics.RecordDuration("refund", time.Since(start)) }()

	ctx, span := e.tracer.Start(ctx, "limits.Refund", trace.WithAttributes(
		attribute.String("limits.key_type", string(key.Type)),
		attribute.Float64("limits.weight", sample.Weight),
	))
	defer span.End()

	if err := validateKey(key); err != nil {
		return false, e.fail(ctx, span, "refund", key, err)
	}
	if sample.At.IsZero() {
		return false, nil
	}

	attempts := 0
	removed, err := retry.Retry(ctx, func() (bool, error) {
		attempts++
		rec, err := e.store.Get(ctx, key)
		if err != nil {
			return false, retry.Permanent(storageError(err))
		}
		if rec == nil {
			return false, nil
		}

		i := indexOfSample(rec.Samples, sample)
		if i < 0 {
			return false, nil
		}
		rec.Samples = append(rec.Samples[:i], rec.Samples[i+1:]...)
		rec.UpdatedAt = e.now()

		ok, err := e.store.CompareAndSwap(ctx, rec)
		if err != nil {
			return false, retry.Permanent(storageError(err))
		}
		if !ok {
			e.metrics.RecordConflict(string(key.Type))
			return false, errConflict
		}
		return true, nil
	}, e.retryOptions()...)

	if err != nil {
		err = unwrapPermanent(err)
		if errors.Is(err, errConflict) {
			err = fmt.Errorf("%w after %d attempts", ErrContended, attempts)
		}
		return false, e.fail(ctx, span, "refund", key, err)
	}

	span.SetAttributes(attribute.Bool("limits.removed", removed))
	return removed, nil
}

// indexOfSample returns the position of the newest sample equal to s, or -1.
func indexOfSample(samples []storage.Sample, s storage.Sample) int {
	for i := len(samples) - 1; i >= 0; i-- {
		if samples[i].At.Equal(s.At) && samples[i].Weight == s.Weight {
			return i
		}
	}
	return -1
}

// GetUsage returns a read-only view of key's record. It never creates a
// record and never persists pruning.
func (e *Engine) GetUsage(ctx context.Context, key storage.Key) (*Usage, error) {
	start := time.Now()
	defer func() { e.metrics.RecordDuration("usage", time.Since(start)) }()

	ctx, span := e.tracer.Start(ctx, "limits.GetUsage", trace.WithAttributes(
		attribute.String("limits.key_type", string(key.Type)),
	))
	defer span.End()

	if err := validateKey(key); err != nil {
		return nil, e.fail(ctx, span, "usage", key, err)
	}

	rec, err := e.store.Get(ctx, key)
	if err != nil {
		return nil, e.fail(ctx, span, "usage", key, storageError(err))
	}

	usage := &Usage{Key: key}
	if rec == nil {
		return usage, nil
	}

	now := e.now()
	snap := window.Snapshot(rec, now, rec.Window)

	usage.Found = true
	usage.TotalRequestsLifetime = rec.TotalRequestsLifetime
	usage.CurrentWindowCount = len(snap.Samples)
	usage.CurrentLoad = window.Load(snap)
	usage.IsBlocked = rec.Blocked(now)
	usage.BlockedUntil = rec.BlockedUntil
	usage.ConsecutiveBlockCount = rec.ConsecutiveBlockCount
	usage.ExpiresAt = rec.ExpiresAt

	return usage, nil
}

// Unblock clears key's block and resets its block count. It reports whether
// a record existed and was changed; unblocking a key with nothing to clear
// returns false and writes nothing.
func (e *Engine) Unblock(ctx context.Context, key storage.Key) (bool, error) {
	start := time.Now()
	defer func() { e.metrics.RecordDuration("unblock", time.Since(start)) }()

	ctx, span := e.tracer.Start(ctx, "limits.Unblock", trace.WithAttributes(
		attribute.String("limits.key_type", string(key.Type)),
	))
	defer span.End()

	if err := validateKey(key); err != nil {
		return false, e.fail(ctx, span, "unblock", key, err)
	}

	attempts := 0
	changed, err := retry.Retry(ctx, func() (bool, error) {
		attempts++
		rec, err := e.store.Get(ctx, key)
		if err != nil {
			return false, retry.Permanent(storageError(err))
		}
		if rec == nil || (rec.BlockedUntil.IsZero() && rec.ConsecutiveBlockCount == 0) {
			return false, nil
		}

		rec.BlockedUntil = time.Time{}
		rec.ConsecutiveBlockCount = 0
		rec.UpdatedAt = e.now()

		ok, err := e.store.CompareAndSwap(ctx, rec)
		if err != nil {
			return false, retry.Permanent(storageError(err))
		}
		if !ok {
			e.metrics.RecordConflict(string(key.Type))
			return false, errConflict
		}
		return true, nil
	}, e.retryOptions()...)

	if err != nil {
		err = unwrapPermanent(err)
		if errors.Is(err, errConflict) {
			err = fmt.Errorf("%w after %d attempts", ErrContended, attempts)
		}
		return false, e.fail(ctx, span, "unblock", key, err)
	}

	if changed {
		e.metrics.RecordUnblock()
		e.logger.InfoContext(ctx, "rate limit key unblocked", "key", key.String())
	}
	span.SetAttributes(attribute.Bool("limits.changed", changed))

	return changed, nil
}

// Reset deletes key's record, discarding its window, lifetime counter and
// block history. Resetting a missing key is a no-op.
func (e *Engine) Reset(ctx context.Context, key storage.Key) error {
	ctx, span := e.tracer.Start(ctx, "limits.Reset", trace.WithAttributes(
		attribute.String("limits.key_type", string(key.Type)),
	))
	defer span.End()

	if err := validateKey(key); err != nil {
		return e.fail(ctx, span, "reset", key, err)
	}
	if err := e.store.Delete(ctx, key); err != nil {
		return e.fail(ctx, span, "reset", key, storageError(err))
	}

	e.logger.InfoContext(ctx, "rate limit key reset", "key", key.String())
	return nil
}

// fail records err on every observability channel and wraps it with op context.
func (e *Engine) fail(ctx context.Context, span trace.Span, op string, key storage.Key, err error) error {
	e.metrics.RecordError(op, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, errorKind(err))

	level := slog.LevelWarn
	if errors.Is(err, ErrInvalidConfiguration) {
		level = slog.LevelDebug
	}
	e.logger.Log(ctx, level, "rate limit operation failed",
		"op", op,
		"key", key.String(),
		"kind", errorKind(err),
		"error", err,
	)

	return &CheckError{Op: op, Key: key, Err: err}
}

func (e *Engine) retryOptions() []retry.RetryOption {
	b := &retry.ExponentialBackOff{
		InitialInterval:     e.retry.InitialInterval,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         e.retry.MaxInterval,
	}
	return []retry.RetryOption{
		retry.WithBackOff(b),
		retry.WithMaxTries(uint(e.retry.MaxAttempts)),
	}
}

func validateCheck(key storage.Key, limit int, win time.Duration, weight float64) error {
	if limit <= 0 {
		return fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidConfiguration, limit)
	}
	if win <= 0 {
		return fmt.Errorf("%w: window must be positive, got %v", ErrInvalidConfiguration, win)
	}
	if weight < 0 || math.IsNaN(weight) || math.IsInf(weight, 0) {
		return fmt.Errorf("%w: weight must be a non-negative number, got %v", ErrInvalidConfiguration, weight)
	}
	return validateKey(key)
}

func validateKey(key storage.Key) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	return nil
}

// storageError maps a store failure onto ErrStorageUnavailable. Context
// errors pass through unchanged.
func storageError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}

// unwrapPermanent strips the retry package's wrapper. Retry returns it as-is
// when the last allowed attempt fails permanently.
func unwrapPermanent(err error) error {
	var permanent *retry.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Unwrap()
	}
	return err
}

func latest(t time.Time, rest ...time.Time) time.Time {
	for _, r := range rest {
		if r.After(t) {
			t = r
		}
	}
	return t
}
