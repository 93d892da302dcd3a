// Package metrics exposes Warden's Prometheus metrics.
//
// A Collector owns one registry. The HTTP request metrics and rules metrics
// live here; the admission engine and housekeeper register their own
// metrics (warden_limits_*) on the same registry through
// limits.NewMetrics(collector.Registry()).
//
// # Metrics
//
//   - warden_http_requests_total{code,method}
//   - warden_http_request_duration_seconds{code,method}
//   - warden_http_requests_in_flight
//   - warden_rules_loaded
//   - warden_rules_reloads_total{result}
//
// Handler serves the registry in the Prometheus exposition format.
package metrics
