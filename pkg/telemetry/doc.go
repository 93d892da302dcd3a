// Package telemetry provides observability for Warden.
//
// # Components
//
//   - logging: structured slog logging with secret redaction
//   - metrics: Prometheus registry, HTTP and rules metrics
//   - tracing: OpenTelemetry tracing with an OTLP gRPC exporter
//   - health: liveness, readiness and version endpoints
//
// # Usage
//
//	tel, err := telemetry.New(&cfg.Telemetry, telemetry.BuildInfo{Version: version})
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	logger := tel.Logger()
//	engineMetrics := limits.NewMetrics(tel.Metrics().Registry())
package telemetry
