package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "WARDEN_"

// LoadConfig loads configuration from a YAML file at the specified path.
// The file is decoded over DefaultConfig, remaining zero values are defaulted,
// and the result is validated. Unknown fields are rejected.
// The configuration is not modified by environment variables; use
// LoadConfigWithEnvOverrides for that functionality.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Parse decodes YAML configuration and applies defaults without validating.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	expandSecrets(cfg)
	ApplyDefaults(cfg)
	return cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and applies
// environment variable overrides. Environment variables follow the naming
// convention WARDEN_SECTION_FIELD (e.g., WARDEN_SERVER_LISTEN_ADDRESS).
// Environment variables always take precedence over file-based configuration.
//
// An empty path starts from DefaultConfig.
//
// The loading sequence is:
// 1. Load YAML from file
// 2. Apply default values
// 3. Apply environment variable overrides
// 4. Validate final configuration
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	var cfg *Config
	if path == "" {
		cfg = DefaultConfig()
	} else {
		var err error
		cfg, err = LoadConfig(path)
		if err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}

	return cfg, nil
}

// expandSecrets resolves ${ENV_VAR} references in secret fields.
func expandSecrets(cfg *Config) {
	cfg.Server.Admin.Token = os.ExpandEnv(cfg.Server.Admin.Token)
	cfg.Limits.Storage.Redis.Password = os.ExpandEnv(cfg.Limits.Storage.Redis.Password)
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Malformed numeric, boolean and duration values are ignored.
func applyEnvOverrides(cfg *Config) {
	// Server overrides
	envString("SERVER_LISTEN_ADDRESS", &cfg.Server.ListenAddress)
	envDuration("SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("SERVER_IDLE_TIMEOUT", &cfg.Server.IdleTimeout)
	envDuration("SERVER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	envInt("SERVER_MAX_HEADER_BYTES", &cfg.Server.MaxHeaderBytes)
	envString("SERVER_UPSTREAM_URL", &cfg.Server.Upstream.URL)
	envDuration("SERVER_UPSTREAM_TIMEOUT", &cfg.Server.Upstream.Timeout)
	if val := os.Getenv(EnvPrefix + "SERVER_TRUSTED_PROXIES"); val != "" {
		cfg.Server.TrustedProxies = splitList(val)
	}
	envBool("SERVER_ADMIN_ENABLED", &cfg.Server.Admin.Enabled)
	envString("SERVER_ADMIN_TOKEN", &cfg.Server.Admin.Token)
	envBool("SERVER_TLS_ENABLED", &cfg.Server.TLS.Enabled)
	envString("SERVER_TLS_CERT_FILE", &cfg.Server.TLS.CertFile)
	envString("SERVER_TLS_KEY_FILE", &cfg.Server.TLS.KeyFile)
	envString("SERVER_TLS_MIN_VERSION", &cfg.Server.TLS.MinVersion)
	envDuration("SERVER_TLS_RELOAD_INTERVAL", &cfg.Server.TLS.ReloadInterval)

	// Storage overrides
	envString("LIMITS_STORAGE_BACKEND", &cfg.Limits.Storage.Backend)
	envString("LIMITS_STORAGE_SQLITE_PATH", &cfg.Limits.Storage.SQLite.Path)
	envString("LIMITS_STORAGE_SQLITE_DRIVER", &cfg.Limits.Storage.SQLite.Driver)
	envDuration("LIMITS_STORAGE_SQLITE_BUSY_TIMEOUT", &cfg.Limits.Storage.SQLite.BusyTimeout)
	envString("LIMITS_STORAGE_REDIS_ADDR", &cfg.Limits.Storage.Redis.Addr)
	envString("LIMITS_STORAGE_REDIS_PASSWORD", &cfg.Limits.Storage.Redis.Password)
	envInt("LIMITS_STORAGE_REDIS_DB", &cfg.Limits.Storage.Redis.DB)
	envString("LIMITS_STORAGE_REDIS_PREFIX", &cfg.Limits.Storage.Redis.Prefix)

	// Backoff and retry overrides
	envDuration("LIMITS_BACKOFF_BASE", &cfg.Limits.Backoff.Base)
	envDuration("LIMITS_BACKOFF_MAX", &cfg.Limits.Backoff.Max)
	envBool("LIMITS_BACKOFF_RESET_ON_RECOVERY", &cfg.Limits.Backoff.ResetOnRecovery)
	envInt("LIMITS_RETRY_MAX_ATTEMPTS", &cfg.Limits.Retry.MaxAttempts)

	// Housekeeper overrides
	envString("LIMITS_HOUSEKEEPER_SCHEDULE", &cfg.Limits.Housekeeper.Schedule)
	envInt("LIMITS_HOUSEKEEPER_BATCH_SIZE", &cfg.Limits.Housekeeper.BatchSize)
	envInt("LIMITS_HOUSEKEEPER_MAX_BATCHES", &cfg.Limits.Housekeeper.MaxBatches)

	// Rules and failure policy overrides
	envString("LIMITS_RULES_FILE", &cfg.Limits.RulesFile)
	envBool("LIMITS_WATCH_RULES", &cfg.Limits.WatchRules)
	envString("LIMITS_FAILURE_ON_CONTENTION", &cfg.Limits.Failure.OnContention)
	envBool("LIMITS_FAILURE_FAIL_OPEN_ON_STORAGE_ERROR", &cfg.Limits.Failure.FailOpenOnStorageError)
	envDuration("LIMITS_FAILURE_CHECK_TIMEOUT", &cfg.Limits.Failure.CheckTimeout)

	// Telemetry overrides
	envString("TELEMETRY_LOGGING_LEVEL", &cfg.Telemetry.Logging.Level)
	envString("TELEMETRY_LOGGING_FORMAT", &cfg.Telemetry.Logging.Format)
	envBool("TELEMETRY_LOGGING_REDACT", &cfg.Telemetry.Logging.Redact)
	envBool("TELEMETRY_METRICS_ENABLED", &cfg.Telemetry.Metrics.Enabled)
	envString("TELEMETRY_METRICS_PATH", &cfg.Telemetry.Metrics.Path)
	envBool("TELEMETRY_TRACING_ENABLED", &cfg.Telemetry.Tracing.Enabled)
	envString("TELEMETRY_TRACING_ENDPOINT", &cfg.Telemetry.Tracing.Endpoint)
	envString("TELEMETRY_TRACING_SAMPLER", &cfg.Telemetry.Tracing.Sampler)
	envFloat("TELEMETRY_TRACING_SAMPLE_RATIO", &cfg.Telemetry.Tracing.SampleRatio)
}

func envString(name string, dst *string) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		*dst = val
	}
}

func envBool(name string, dst *bool) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func envInt(name string, dst *int) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}

func envFloat(name string, dst *float64) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			*dst = f
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}

// splitList splits a comma separated list, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
