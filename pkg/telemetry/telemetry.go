package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"mercator-hq/warden/pkg/config"
	"mercator-hq/warden/pkg/telemetry/health"
	"mercator-hq/warden/pkg/telemetry/logging"
	"mercator-hq/warden/pkg/telemetry/metrics"
	"mercator-hq/warden/pkg/telemetry/tracing"
)

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// Telemetry bundles the process logger, metrics, tracer and health checker.
type Telemetry struct {
	build   BuildInfo
	logger  *slog.Logger
	metrics *metrics.Collector
	tracer  *tracing.Tracer
	health  *health.Checker
}

// Option configures New.
type Option func(*options)

type options struct {
	logWriter  io.Writer
	tracerOpts []tracing.Option
}

// WithLogWriter sends logs to w instead of stderr.
func WithLogWriter(w io.Writer) Option {
	return func(o *options) { o.logWriter = w }
}

// WithTracerOptions passes extra options to tracing.New.
func WithTracerOptions(opts ...tracing.Option) Option {
	return func(o *options) { o.tracerOpts = append(o.tracerOpts, opts...) }
}

// New builds every telemetry component from cfg.
func New(cfg *config.TelemetryConfig, build BuildInfo, opts ...Option) (*Telemetry, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger, err := logging.New(logging.Config{
		Level:         cfg.Logging.Level,
		Format:        cfg.Logging.Format,
		AddSource:     cfg.Logging.AddSource,
		RedactSecrets: cfg.Logging.Redact,
		Writer:        o.logWriter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	tracerOpts := append([]tracing.Option{tracing.WithServiceVersion(build.Version)}, o.tracerOpts...)
	tracer, err := tracing.New(&cfg.Tracing, tracerOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}

	return &Telemetry{
		build:   build,
		logger:  logger,
		metrics: metrics.NewCollector(&cfg.Metrics, nil),
		tracer:  tracer,
		health:  health.New(cfg.Health.CheckTimeout),
	}, nil
}

// Logger returns the root logger.
func (t *Telemetry) Logger() *slog.Logger { return t.logger }

// Metrics returns the metrics collector.
func (t *Telemetry) Metrics() *metrics.Collector { return t.metrics }

// Tracer returns the tracer.
func (t *Telemetry) Tracer() *tracing.Tracer { return t.tracer }

// Health returns the health checker.
func (t *Telemetry) Health() *health.Checker { return t.health }

// VersionInfo returns the build information served on /version.
func (t *Telemetry) VersionInfo() health.VersionInfo {
	return health.NewVersionInfo(t.build.Version, t.build.Commit, t.build.BuildTime)
}

// Shutdown flushes pending spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.tracer.Shutdown(ctx)
}
