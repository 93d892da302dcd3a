// Package tracing provides OpenTelemetry distributed tracing for Warden.
//
// New installs a tracer provider with an OTLP gRPC exporter as the process
// global, so the admission engine's spans (limits.check_and_record and
// friends) are exported without further wiring. When tracing is disabled a
// noop tracer is used and the globals are untouched.
//
// # Sampling Strategies
//
//   - always: sample every trace
//   - never: sample no new traces
//   - ratio: sample a fraction of traces by trace ID (default 0.1)
//
// Every strategy is parent-based: an incoming sampled traceparent is honoured.
//
// # HTTP
//
// Tracer.HTTPMiddleware starts a server span per request and echoes the
// trace ID in X-Trace-ID. Inject copies the context onto outgoing upstream
// requests.
//
// # Configuration
//
//	telemetry:
//	  tracing:
//	    enabled: true
//	    service_name: warden
//	    endpoint: localhost:4317
//	    insecure: true
//	    sampler: ratio
//	    sample_ratio: 0.1
package tracing
