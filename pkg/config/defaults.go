package config

import "time"

// Default values for configuration fields.
const (
	// Server defaults
	DefaultListenAddress   = "127.0.0.1:8080"
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMaxHeaderBytes  = 1048576 // 1MB
	DefaultUpstreamTimeout = 30 * time.Second
	DefaultAdminEnabled    = true
	DefaultTLSMinVersion   = "1.3"
	DefaultTLSReload       = 5 * time.Minute

	// Storage defaults
	DefaultStorageBackend           = "memory"
	DefaultSQLitePath               = "data/warden.db"
	DefaultSQLiteDriver             = "sqlite"
	DefaultSQLiteBusyTimeout        = 5 * time.Second
	DefaultSQLiteCheckpointInterval = 5 * time.Minute
	DefaultRedisPrefix              = "warden:ratelimit"

	// Backoff defaults
	DefaultBackoffBase = 60 * time.Second
	DefaultBackoffMax  = time.Hour

	// Retry defaults
	DefaultRetryMaxAttempts     = 5
	DefaultRetryInitialInterval = time.Millisecond
	DefaultRetryMaxInterval     = 8 * time.Millisecond

	// Housekeeper defaults
	DefaultHousekeeperSchedule         = "@every 60s"
	DefaultHousekeeperBatchSize        = 500
	DefaultHousekeeperBatchesPerSecond = 10
	DefaultHousekeeperMaxBatches       = 100

	// Rules defaults
	DefaultRulesFile = "./rules.yaml"

	// Failure defaults
	DefaultOnContention = "deny"
	DefaultCheckTimeout = 250 * time.Millisecond

	// Telemetry defaults
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultLogRedact          = true
	DefaultMetricsEnabled     = true
	DefaultMetricsPath        = "/metrics"
	DefaultTracingEnabled     = false
	DefaultTracingServiceName = "warden"
	DefaultTracingEndpoint    = "localhost:4317"
	DefaultTracingInsecure    = true
	DefaultTracingTimeout     = 10 * time.Second
	DefaultTracingSampler     = "ratio"
	DefaultTracingSampleRatio = 0.1
	DefaultHealthCheckTimeout = 2 * time.Second
)

// DefaultConfig returns a configuration with every default applied.
//
// LoadConfig decodes YAML on top of this value, so booleans that default
// to true stay true unless the file sets them to false.
func DefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Admin: AdminConfig{Enabled: DefaultAdminEnabled},
		},
		Telemetry: TelemetryConfig{
			Logging: LoggingConfig{Redact: DefaultLogRedact},
			Metrics: MetricsConfig{Enabled: DefaultMetricsEnabled},
			Tracing: TracingConfig{
				Enabled:  DefaultTracingEnabled,
				Insecure: DefaultTracingInsecure,
			},
		},
	}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults applies default values to a Config struct.
// It sets defaults for any fields that have zero values.
// This function is idempotent and safe to call multiple times.
//
// Boolean fields are left alone; see DefaultConfig.
func ApplyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = DefaultListenAddress
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Server.MaxHeaderBytes == 0 {
		cfg.Server.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if cfg.Server.Upstream.Timeout == 0 {
		cfg.Server.Upstream.Timeout = DefaultUpstreamTimeout
	}
	if cfg.Server.TLS.MinVersion == "" {
		cfg.Server.TLS.MinVersion = DefaultTLSMinVersion
	}
	if cfg.Server.TLS.ReloadInterval == 0 {
		cfg.Server.TLS.ReloadInterval = DefaultTLSReload
	}

	applyLimitsDefaults(&cfg.Limits)
	applyTelemetryDefaults(&cfg.Telemetry)
}

func applyLimitsDefaults(l *LimitsConfig) {
	// Storage defaults
	if l.Storage.Backend == "" {
		l.Storage.Backend = DefaultStorageBackend
	}
	if l.Storage.SQLite.Path == "" {
		l.Storage.SQLite.Path = DefaultSQLitePath
	}
	if l.Storage.SQLite.Driver == "" {
		l.Storage.SQLite.Driver = DefaultSQLiteDriver
	}
	if l.Storage.SQLite.BusyTimeout == 0 {
		l.Storage.SQLite.BusyTimeout = DefaultSQLiteBusyTimeout
	}
	if l.Storage.SQLite.CheckpointInterval == 0 {
		l.Storage.SQLite.CheckpointInterval = DefaultSQLiteCheckpointInterval
	}
	if l.Storage.Redis.Prefix == "" {
		l.Storage.Redis.Prefix = DefaultRedisPrefix
	}

	// Backoff defaults
	if l.Backoff.Base == 0 {
		l.Backoff.Base = DefaultBackoffBase
	}
	if l.Backoff.Max == 0 {
		l.Backoff.Max = DefaultBackoffMax
	}

	// Retry defaults
	if l.Retry.MaxAttempts == 0 {
		l.Retry.MaxAttempts = DefaultRetryMaxAttempts
	}
	if l.Retry.InitialInterval == 0 {
		l.Retry.InitialInterval = DefaultRetryInitialInterval
	}
	if l.Retry.MaxInterval == 0 {
		l.Retry.MaxInterval = DefaultRetryMaxInterval
	}

	// Housekeeper defaults
	if l.Housekeeper.Schedule == "" {
		l.Housekeeper.Schedule = DefaultHousekeeperSchedule
	}
	if l.Housekeeper.BatchSize == 0 {
		l.Housekeeper.BatchSize = DefaultHousekeeperBatchSize
	}
	if l.Housekeeper.BatchesPerSecond == 0 {
		l.Housekeeper.BatchesPerSecond = DefaultHousekeeperBatchesPerSecond
	}
	if l.Housekeeper.MaxBatches == 0 {
		l.Housekeeper.MaxBatches = DefaultHousekeeperMaxBatches
	}

	if l.RulesFile == "" {
		l.RulesFile = DefaultRulesFile
	}

	// Failure defaults
	if l.Failure.OnContention == "" {
		l.Failure.OnContention = DefaultOnContention
	}
	if l.Failure.CheckTimeout == 0 {
		l.Failure.CheckTimeout = DefaultCheckTimeout
	}
}

func applyTelemetryDefaults(t *TelemetryConfig) {
	// Logging defaults
	if t.Logging.Level == "" {
		t.Logging.Level = DefaultLogLevel
	}
	if t.Logging.Format == "" {
		t.Logging.Format = DefaultLogFormat
	}

	// Metrics defaults
	if t.Metrics.Path == "" {
		t.Metrics.Path = DefaultMetricsPath
	}

	// Tracing defaults
	if t.Tracing.ServiceName == "" {
		t.Tracing.ServiceName = DefaultTracingServiceName
	}
	if t.Tracing.Endpoint == "" {
		t.Tracing.Endpoint = DefaultTracingEndpoint
	}
	if t.Tracing.Timeout == 0 {
		t.Tracing.Timeout = DefaultTracingTimeout
	}
	if t.Tracing.Sampler == "" {
		t.Tracing.Sampler = DefaultTracingSampler
	}
	if t.Tracing.SampleRatio == 0 {
		t.Tracing.SampleRatio = DefaultTracingSampleRatio
	}

	// Health defaults
	if t.Health.CheckTimeout == 0 {
		t.Health.CheckTimeout = DefaultHealthCheckTimeout
	}
}
