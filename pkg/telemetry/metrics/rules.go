package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RulesMetrics tracks the rate limit rule set.
//
// Metrics:
//   - warden_rules_loaded: number of rules currently active
//   - warden_rules_reloads_total: reload attempts by result
type RulesMetrics struct {
	loaded  prometheus.Gauge
	reloads *prometheus.CounterVec
}

// NewRulesMetrics creates and registers rules metrics with reg.
func NewRulesMetrics(reg prometheus.Registerer) *RulesMetrics {
	f := promauto.With(reg)
	return &RulesMetrics{
		loaded: f.NewGauge(prometheus.GaugeOpts{
			Name: "warden_rules_loaded",
			Help: "Number of rate limit rules currently active",
		}),
		reloads: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_rules_reloads_total",
				Help: "Total number of rules reload attempts by result",
			},
			[]string{"result"},
		),
	}
}

// RecordLoad records a load attempt. A failed load leaves the gauge at the
// previous rule count, matching the rules still in effect.
func (m *RulesMetrics) RecordLoad(count int, err error) {
	if err != nil {
		m.reloads.WithLabelValues("error").Inc()
		return
	}
	m.reloads.WithLabelValues("success").Inc()
	m.loaded.Set(float64(count))
}
