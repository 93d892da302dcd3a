// Package server provides the Warden HTTP gateway.
//
// It ties the admission engine, the rule set and the telemetry bundle
// together behind one net/http server and manages its lifecycle.
//
// # Basic Usage
//
//	cfg := config.GetConfig()
//	tel, _ := telemetry.New(&cfg.Telemetry, telemetry.BuildInfo{Version: version})
//	engine := limits.NewEngine(limits.Config{Store: store})
//	upstream, _ := proxy.NewUpstream(proxy.UpstreamConfig{URL: cfg.Server.Upstream.URL}, tel.Logger())
//
//	srv, err := server.NewServer(cfg, engine, rules.NewHolder(set), tel, upstream)
//	if err != nil {
//	    return err
//	}
//	return srv.Start(ctx)
//
// Start blocks until ctx is cancelled, SIGINT/SIGTERM is received or Stop
// is called, then drains in-flight requests for up to
// server.shutdown_timeout.
//
// # Routes
//
//   - GET /health: liveness, always 200
//   - GET /ready: readiness, runs the registered health checks
//   - GET /version: build information
//   - GET /metrics: Prometheus exposition (telemetry.metrics.path)
//   - GET /admin/usage, POST /admin/unblock, POST /admin/reset: admin API
//   - everything else: rate limited, then forwarded to the upstream
//
// # Middleware Chain
//
// Outermost first:
//  1. Recovery: turns panics into 500
//  2. RequestID: assigns X-Request-ID
//  3. Tracing: server span, X-Trace-ID
//  4. Metrics: request count, duration and in-flight gauge
//  5. Logging: one access log line per request
//
// The rate limiter wraps only the catch-all route, so probes, scrapes and
// admin calls are never throttled.
package server
