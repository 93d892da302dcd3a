package config

import "time"

// Config is the root configuration structure for Warden.
// It contains all configuration sections for the admission proxy.
type Config struct {
	// Server contains HTTP server configuration.
	Server ServerConfig `yaml:"server"`

	// Limits contains admission control configuration.
	Limits LimitsConfig `yaml:"limits"`

	// Telemetry contains observability configuration.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig contains configuration for the HTTP server.
type ServerConfig struct {
	// ListenAddress is the address the server listens on.
	// Format: "host:port" (e.g., "127.0.0.1:8080", "0.0.0.0:8080")
	// Default: "127.0.0.1:8080"
	ListenAddress string `yaml:"listen_address"`

	// ReadTimeout is the maximum duration for reading the entire request.
	// Default: 30s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes of the response.
	// Default: 30s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// IdleTimeout is the maximum amount of time to wait for the next request
	// when keep-alives are enabled.
	// Default: 120s
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MaxHeaderBytes controls the maximum number of bytes the server will read
	// parsing the request header's keys and values.
	// Default: 1048576 (1MB)
	MaxHeaderBytes int `yaml:"max_header_bytes"`

	// Upstream is the service admitted requests are forwarded to.
	Upstream UpstreamConfig `yaml:"upstream"`

	// TrustedProxies lists CIDRs or addresses allowed to set X-Forwarded-For.
	// An empty list means the peer address is always the client IP.
	TrustedProxies []string `yaml:"trusted_proxies"`

	// Admin contains admin API configuration.
	Admin AdminConfig `yaml:"admin"`

	// TLS contains listener TLS configuration.
	TLS TLSConfig `yaml:"tls"`
}

// TLSConfig contains TLS termination settings for the gateway listener.
type TLSConfig struct {
	// Enabled serves HTTPS instead of plain HTTP.
	Enabled bool `yaml:"enabled"`

	// CertFile is the path to the PEM-encoded certificate chain.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded private key.
	KeyFile string `yaml:"key_file"`

	// MinVersion is the lowest accepted protocol version: "1.2" or "1.3".
	// Default: "1.3"
	MinVersion string `yaml:"min_version"`

	// ReloadInterval is how often the key pair is checked for changes, so
	// renewed certificates are picked up without a restart.
	// Default: 5m
	ReloadInterval time.Duration `yaml:"reload_interval"`
}

// UpstreamConfig contains the upstream service configuration.
type UpstreamConfig struct {
	// URL is the base URL of the protected service.
	// Example: "http://127.0.0.1:9000"
	URL string `yaml:"url"`

	// Timeout bounds waiting for upstream response headers.
	// Default: 30s
	Timeout time.Duration `yaml:"timeout"`
}

// AdminConfig contains admin API configuration.
type AdminConfig struct {
	// Enabled mounts /admin/usage, /admin/unblock and /admin/reset.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Token, when set, is required as a bearer token on admin calls.
	Token string `yaml:"token"`
}

// LimitsConfig contains configuration for admission control.
type LimitsConfig struct {
	// Storage selects and configures the record store.
	Storage StorageConfig `yaml:"storage"`

	// Backoff configures escalating block durations.
	Backoff BackoffConfig `yaml:"backoff"`

	// Retry bounds the optimistic concurrency loop.
	Retry RetryConfig `yaml:"retry"`

	// Housekeeper configures the expired record sweep.
	Housekeeper HousekeeperConfig `yaml:"housekeeper"`

	// RulesFile is the path to the YAML rate limit rules.
	// Default: "./rules.yaml"
	RulesFile string `yaml:"rules_file"`

	// WatchRules reloads the rules file when it changes.
	// Default: false
	WatchRules bool `yaml:"watch_rules"`

	// Failure configures how the proxy answers when a check errors.
	Failure FailureConfig `yaml:"failure"`
}

// StorageConfig contains record store configuration.
type StorageConfig struct {
	// Backend selects the store.
	// Options: "memory", "sqlite", "redis"
	// Default: "memory"
	Backend string `yaml:"backend"`

	// SQLite contains SQLite-specific configuration.
	SQLite SQLiteConfig `yaml:"sqlite"`

	// Redis contains Redis-specific configuration.
	Redis RedisConfig `yaml:"redis"`
}

// SQLiteConfig contains SQLite-specific configuration.
type SQLiteConfig struct {
	// Path is the database file path.
	// Default: "data/warden.db"
	Path string `yaml:"path"`

	// Driver selects the database/sql driver.
	// Options: "sqlite" (pure Go), "sqlite3" (cgo)
	// Default: "sqlite"
	Driver string `yaml:"driver"`

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`

	// CheckpointInterval is how often the WAL is checkpointed.
	// Default: 5m
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
}

// RedisConfig contains Redis-specific configuration.
type RedisConfig struct {
	// Addr is the Redis server address.
	// Example: "localhost:6379"
	Addr string `yaml:"addr"`

	// Password authenticates with the server. Supports ${ENV_VAR} syntax.
	Password string `yaml:"password"`

	// DB is the logical database number.
	// Default: 0
	DB int `yaml:"db"`

	// Prefix namespaces every key Warden writes.
	// Default: "warden:ratelimit"
	Prefix string `yaml:"prefix"`
}

// BackoffConfig contains block duration configuration.
type BackoffConfig struct {
	// Base is the duration of the first block.
	// Default: 60s
	Base time.Duration `yaml:"base"`

	// Max caps every block duration.
	// Default: 1h
	Max time.Duration `yaml:"max"`

	// ResetOnRecovery clears the block count on the first clean request
	// after a block lapses instead of decrementing it.
	// Default: false
	ResetOnRecovery bool `yaml:"reset_on_recovery"`
}

// RetryConfig bounds the read-decide-swap loop.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts per check.
	// Default: 5
	MaxAttempts int `yaml:"max_attempts"`

	// InitialInterval is the first pause after a lost swap.
	// Default: 1ms
	InitialInterval time.Duration `yaml:"initial_interval"`

	// MaxInterval caps the pause between attempts.
	// Default: 8ms
	MaxInterval time.Duration `yaml:"max_interval"`
}

// HousekeeperConfig contains expired record sweep configuration.
type HousekeeperConfig struct {
	// Schedule is a cron expression or descriptor.
	// Example: "@every 60s", "*/5 * * * *"
	// Default: "@every 60s"
	Schedule string `yaml:"schedule"`

	// BatchSize is the maximum number of records deleted per batch.
	// Default: 500
	BatchSize int `yaml:"batch_size"`

	// BatchesPerSecond paces batches within one sweep.
	// Default: 10
	BatchesPerSecond float64 `yaml:"batches_per_second"`

	// MaxBatches caps batches per sweep. 0 runs until the store is clean.
	// Default: 100
	MaxBatches int `yaml:"max_batches"`
}

// FailureConfig contains check failure policy.
type FailureConfig struct {
	// OnContention is applied when a key stays contended after all retries.
	// Options: "deny", "allow"
	// Default: "deny"
	OnContention string `yaml:"on_contention"`

	// FailOpenOnStorageError admits requests when the store is unreachable.
	// Default: false
	FailOpenOnStorageError bool `yaml:"fail_open_on_storage_error"`

	// CheckTimeout bounds each admission check.
	// Default: 250ms
	CheckTimeout time.Duration `yaml:"check_timeout"`
}

// TelemetryConfig contains configuration for observability.
type TelemetryConfig struct {
	// Logging contains logging configuration.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics contains metrics collection configuration.
	Metrics MetricsConfig `yaml:"metrics"`

	// Tracing contains distributed tracing configuration.
	Tracing TracingConfig `yaml:"tracing"`

	// Health contains health check configuration.
	Health HealthConfig `yaml:"health"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level to emit.
	// Options: "debug", "info", "warn", "error"
	// Default: "info"
	Level string `yaml:"level"`

	// Format controls the log output format.
	// Options: "json", "text", "console"
	// Default: "json"
	Format string `yaml:"format"`

	// AddSource includes file and line number in log entries.
	// Default: false
	AddSource bool `yaml:"add_source"`

	// Redact masks API keys, tokens and passwords in log entries.
	// Default: true
	Redact bool `yaml:"redact"`
}

// MetricsConfig contains metrics collection configuration.
type MetricsConfig struct {
	// Enabled controls whether the Prometheus endpoint is served.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Path is the HTTP path for the Prometheus metrics endpoint.
	// Default: "/metrics"
	Path string `yaml:"path"`
}

// TracingConfig contains distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether distributed tracing is active.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// ServiceName is the service name in traces.
	// Default: "warden"
	ServiceName string `yaml:"service_name"`

	// Endpoint is the OTLP gRPC collector endpoint.
	// Default: "localhost:4317"
	Endpoint string `yaml:"endpoint"`

	// Insecure disables TLS to the collector.
	// Default: true
	Insecure bool `yaml:"insecure"`

	// Timeout bounds each export.
	// Default: 10s
	Timeout time.Duration `yaml:"timeout"`

	// Sampler determines the sampling strategy.
	// Options: "always", "never", "ratio"
	// Default: "ratio"
	Sampler string `yaml:"sampler"`

	// SampleRatio is the fraction of traces to sample (0.0 to 1.0).
	// Only used when Sampler is "ratio".
	// Default: 0.1
	SampleRatio float64 `yaml:"sample_ratio"`
}

// HealthConfig contains health check endpoint configuration.
type HealthConfig struct {
	// CheckTimeout bounds each readiness check.
	// Default: 2s
	CheckTimeout time.Duration `yaml:"check_timeout"`
}
