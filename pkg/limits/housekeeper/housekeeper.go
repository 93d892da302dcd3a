package housekeeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"mercator-hq/warden/pkg/limits"
	"mercator-hq/warden/pkg/limits/storage"
)

// Config contains configuration for the housekeeper.
type Config struct {
	// Schedule is a cron expression or descriptor for sweeps.
	// Example: "@every 60s", "*/5 * * * *"
	Schedule string

	// BatchSize is the maximum number of records deleted per batch.
	BatchSize int

	// BatchesPerSecond paces consecutive batches within one sweep.
	BatchesPerSecond float64

	// MaxBatches caps batches per sweep. 0 means until the store is clean.
	MaxBatches int
}

// DefaultConfig returns the default housekeeper configuration.
func DefaultConfig() Config {
	return Config{
		Schedule:         "@every 60s",
		BatchSize:        500,
		BatchesPerSecond: 10,
		MaxBatches:       100,
	}
}

// Housekeeper deletes records whose expiry has passed.
type Housekeeper struct {
	store   storage.Store
	config  Config
	limiter *rate.Limiter
	metrics *limits.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Housekeeper.
type Option func(*Housekeeper)

// WithMetrics records sweep results.
func WithMetrics(m *limits.Metrics) Option {
	return func(h *Housekeeper) { h.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Housekeeper) { h.logger = l.With("component", "limits.housekeeper") }
}

// WithClock sets the clock used by scheduled sweeps.
func WithClock(now func() time.Time) Option {
	return func(h *Housekeeper) { h.now = now }
}

// New creates a housekeeper for store. Zero config fields take defaults.
func New(store storage.Store, config Config, opts ...Option) *Housekeeper {
	def := DefaultConfig()
	if config.Schedule == "" {
		config.Schedule = def.Schedule
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.BatchesPerSecond <= 0 {
		config.BatchesPerSecond = def.BatchesPerSecond
	}
	if config.MaxBatches < 0 {
		config.MaxBatches = 0
	}

	h := &Housekeeper{
		store:   store,
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(config.BatchesPerSecond), 1),
		logger:  slog.Default().With("component", "limits.housekeeper"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Config returns the effective configuration.
func (h *Housekeeper) Config() Config {
	return h.config
}

// Sweep deletes records that expired before now, in batches of BatchSize.
// It stops after a short batch, after MaxBatches, or when ctx is done, and
// returns how many records it deleted.
//
// Deleting a record that is already gone is not an error, so concurrent
// sweeps from several instances are safe.
func (h *Housekeeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	start := time.Now()
	total := 0
	batches := 0

	var sweepErr error
	for h.config.MaxBatches == 0 || batches < h.config.MaxBatches {
		if err := h.limiter.Wait(ctx); err != nil {
			sweepErr = err
			break
		}

		n, err := h.store.DeleteExpiredBefore(ctx, now, h.config.BatchSize)
		total += n
		batches++
		if err != nil {
			sweepErr = fmt.Errorf("sweep batch %d: %w", batches, err)
			break
		}
		if n < h.config.BatchSize {
			break
		}
	}

	h.metrics.RecordSweep(total, sweepErr)

	if sweepErr != nil {
		return total, sweepErr
	}

	if total > 0 {
		h.logger.Info("expired records swept",
			"deleted_count", total,
			"batches", batches,
			"duration", time.Since(start),
		)
	} else {
		h.logger.Debug("sweep completed, no expired records")
	}

	return total, nil
}

// SweepNow runs Sweep with the housekeeper's clock.
func (h *Housekeeper) SweepNow(ctx context.Context) (int, error) {
	return h.Sweep(ctx, h.now())
}
