package limits

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for the limits package.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Admission checks
	checks        *prometheus.CounterVec
	checkDuration *prometheus.HistogramVec
	checkErrors   *prometheus.CounterVec

	// Blocks
	blocks        *prometheus.CounterVec
	blockDuration *prometheus.HistogramVec
	unblocks      prometheus.Counter

	// Optimistic concurrency
	casConflicts *prometheus.CounterVec

	// Housekeeper
	sweeps       *prometheus.CounterVec
	sweptRecords prometheus.Counter
}

// NewMetrics creates Metrics registered with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		checks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_limits_checks_total",
				Help: "Total number of admission checks performed",
			},
			[]string{"key_type", "result"},
		),

		checkDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_limits_check_duration_seconds",
				Help:    "Duration of engine operations in seconds",
				Buckets: prometheus.ExponentialBuckets(0.00001, 2, 15), // 10µs to 160ms
			},
			[]string{"operation"},
		),

		checkErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_limits_errors_total",
				Help: "Total number of failed engine operations by kind",
			},
			[]string{"operation", "kind"},
		),

		blocks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_limits_blocks_total",
				Help: "Total number of blocks issued",
			},
			[]string{"key_type"},
		),

		blockDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_limits_block_duration_seconds",
				Help:    "Duration of issued blocks in seconds",
				Buckets: []float64{60, 120, 240, 480, 960, 1920, 3600},
			},
			[]string{"key_type"},
		),

		unblocks: f.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_limits_unblocks_total",
				Help: "Total number of administrative unblocks",
			},
		),

		casConflicts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_limits_cas_conflicts_total",
				Help: "Total number of lost compare-and-swap attempts",
			},
			[]string{"key_type"},
		),

		sweeps: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_limits_housekeeper_sweeps_total",
				Help: "Total number of housekeeper sweeps by result",
			},
			[]string{"result"},
		),

		sweptRecords: f.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_limits_housekeeper_deleted_total",
				Help: "Total number of expired records deleted by the housekeeper",
			},
		),
	}
}

// RecordCheck records an admission decision.
func (m *Metrics) RecordCheck(keyType string, allowed bool) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	m.checks.WithLabelValues(keyType, result).Inc()
}

// RecordBlock records a newly issued block.
func (m *Metrics) RecordBlock(keyType string, d time.Duration) {
	if m == nil {
		return
	}
	m.blocks.WithLabelValues(keyType).Inc()
	m.blockDuration.WithLabelValues(keyType).Observe(d.Seconds())
}

// RecordUnblock records an administrative unblock that changed a record.
func (m *Metrics) RecordUnblock() {
	if m == nil {
		return
	}
	m.unblocks.Inc()
}

// RecordConflict records a lost compare-and-swap.
func (m *Metrics) RecordConflict(keyType string) {
	if m == nil {
		return
	}
	m.casConflicts.WithLabelValues(keyType).Inc()
}

// RecordError records a failed engine operation.
func (m *Metrics) RecordError(operation string, err error) {
	if m == nil {
		return
	}
	m.checkErrors.WithLabelValues(operation, errorKind(err)).Inc()
}

// RecordDuration records the duration of an engine operation.
func (m *Metrics) RecordDuration(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.checkDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordSweep records a housekeeper run and the records it deleted.
func (m *Metrics) RecordSweep(deleted int, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.sweeps.WithLabelValues(result).Inc()
	m.sweptRecords.Add(float64(deleted))
}
