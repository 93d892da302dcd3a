package metrics

import (
	"mercator-hq/warden/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Collector owns the process metrics registry and the HTTP-facing metrics.
// Engine and housekeeper metrics (limits.NewMetrics) register on the same
// registry via Registry.
type Collector struct {
	config   *config.MetricsConfig
	registry *prometheus.Registry

	requests *RequestMetrics
	rules    *RulesMetrics
}

// NewCollector creates a collector. If registry is nil a fresh registry is
// used; Go runtime and process collectors are always registered on it.
//
// Example:
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	engineMetrics := limits.NewMetrics(collector.Registry())
//	mux.Handle(cfg.Telemetry.Metrics.Path, collector.Handler())
func NewCollector(cfg *config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	return &Collector{
		config:   cfg,
		registry: registry,
		requests: NewRequestMetrics(registry),
		rules:    NewRulesMetrics(registry),
	}
}

// Registry returns the registry metrics are exported from.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Enabled reports whether the metrics endpoint should be served.
func (c *Collector) Enabled() bool {
	return c.config == nil || c.config.Enabled
}

// Requests returns the HTTP request metrics.
func (c *Collector) Requests() *RequestMetrics {
	return c.requests
}

// RecordRulesLoad records a rules (re)load and the number of active rules.
func (c *Collector) RecordRulesLoad(count int, err error) {
	c.rules.RecordLoad(count, err)
}
