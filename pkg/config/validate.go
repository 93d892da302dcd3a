package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field (e.g., "server.listen_address").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a configuration.
// It implements the error interface and provides access to all field errors.
type ValidationError struct {
	// Errors contains all validation errors found in the configuration.
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Validate validates the entire configuration and returns a ValidationError
// if any validation rules fail. It returns nil if the configuration is valid.
// All validation errors are collected and returned together.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateStorage(&cfg.Limits.Storage)...)
	errs = append(errs, validateLimits(&cfg.Limits)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}

	return nil
}

// validateServer validates server configuration.
func validateServer(cfg *ServerConfig) []FieldError {
	var errs []FieldError

	if cfg.ListenAddress == "" {
		errs = append(errs, FieldError{
			Field:   "server.listen_address",
			Message: "listen address is required",
		})
	}

	// Validate timeouts are positive
	if cfg.ReadTimeout < 0 {
		errs = append(errs, FieldError{Field: "server.read_timeout", Message: "read timeout must be positive"})
	}
	if cfg.WriteTimeout < 0 {
		errs = append(errs, FieldError{Field: "server.write_timeout", Message: "write timeout must be positive"})
	}
	if cfg.IdleTimeout < 0 {
		errs = append(errs, FieldError{Field: "server.idle_timeout", Message: "idle timeout must be positive"})
	}
	if cfg.ShutdownTimeout < 0 {
		errs = append(errs, FieldError{Field: "server.shutdown_timeout", Message: "shutdown timeout must be positive"})
	}

	if cfg.MaxHeaderBytes < 0 {
		errs = append(errs, FieldError{
			Field:   "server.max_header_bytes",
			Message: "max header bytes must be non-negative",
		})
	}
	if cfg.MaxHeaderBytes > 10*1024*1024 { // 10MB is excessive
		errs = append(errs, FieldError{
			Field:   "server.max_header_bytes",
			Message: "max header bytes exceeds reasonable limit (10MB)",
		})
	}

	// Without an upstream the gateway serves only its built-in routes.
	if cfg.Upstream.URL != "" {
		u, err := url.Parse(cfg.Upstream.URL)
		if err != nil {
			errs = append(errs, FieldError{
				Field:   "server.upstream.url",
				Message: fmt.Sprintf("invalid URL format: %v", err),
			})
		} else if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, FieldError{
				Field:   "server.upstream.url",
				Message: "upstream URL must be an absolute http or https URL",
			})
		}
	}
	if cfg.Upstream.Timeout < 0 {
		errs = append(errs, FieldError{Field: "server.upstream.timeout", Message: "timeout must be positive"})
	}

	if cfg.TLS.Enabled {
		if cfg.TLS.CertFile == "" {
			errs = append(errs, FieldError{Field: "server.tls.cert_file", Message: "cert file is required when TLS is enabled"})
		}
		if cfg.TLS.KeyFile == "" {
			errs = append(errs, FieldError{Field: "server.tls.key_file", Message: "key file is required when TLS is enabled"})
		}
		if cfg.TLS.MinVersion != "1.2" && cfg.TLS.MinVersion != "1.3" {
			errs = append(errs, FieldError{
				Field:   "server.tls.min_version",
				Message: fmt.Sprintf("invalid TLS version %q (valid: 1.2, 1.3)", cfg.TLS.MinVersion),
			})
		}
		if cfg.TLS.ReloadInterval < 0 {
			errs = append(errs, FieldError{Field: "server.tls.reload_interval", Message: "reload interval must be positive"})
		}
	}

	for i, p := range cfg.TrustedProxies {
		if _, err := netip.ParsePrefix(p); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(p); err != nil {
			errs = append(errs, FieldError{
				Field:   fmt.Sprintf("server.trusted_proxies[%d]", i),
				Message: fmt.Sprintf("%q is neither a CIDR nor an IP address", p),
			})
		}
	}

	return errs
}

// validateStorage validates record store configuration.
func validateStorage(cfg *StorageConfig) []FieldError {
	var errs []FieldError

	switch cfg.Backend {
	case "memory":
	case "sqlite":
		if cfg.SQLite.Path == "" {
			errs = append(errs, FieldError{
				Field:   "limits.storage.sqlite.path",
				Message: "SQLite path is required when backend is 'sqlite'",
			})
		}
		if cfg.SQLite.Driver != "sqlite" && cfg.SQLite.Driver != "sqlite3" {
			errs = append(errs, FieldError{
				Field:   "limits.storage.sqlite.driver",
				Message: fmt.Sprintf("invalid driver %q (must be 'sqlite' or 'sqlite3')", cfg.SQLite.Driver),
			})
		}
		if cfg.SQLite.BusyTimeout < 0 {
			errs = append(errs, FieldError{Field: "limits.storage.sqlite.busy_timeout", Message: "busy timeout must be positive"})
		}
		if cfg.SQLite.CheckpointInterval < 0 {
			errs = append(errs, FieldError{Field: "limits.storage.sqlite.checkpoint_interval", Message: "checkpoint interval must be positive"})
		}
	case "redis":
		if cfg.Redis.Addr == "" {
			errs = append(errs, FieldError{
				Field:   "limits.storage.redis.addr",
				Message: "Redis address is required when backend is 'redis'",
			})
		}
		if cfg.Redis.DB < 0 {
			errs = append(errs, FieldError{Field: "limits.storage.redis.db", Message: "db must be non-negative"})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "limits.storage.backend",
			Message: fmt.Sprintf("invalid backend %q (must be 'memory', 'sqlite', or 'redis')", cfg.Backend),
		})
	}

	return errs
}

// validateLimits validates admission control configuration.
func validateLimits(cfg *LimitsConfig) []FieldError {
	var errs []FieldError

	// Backoff
	if cfg.Backoff.Base <= 0 {
		errs = append(errs, FieldError{Field: "limits.backoff.base", Message: "base must be positive"})
	}
	if cfg.Backoff.Max <= 0 {
		errs = append(errs, FieldError{Field: "limits.backoff.max", Message: "max must be positive"})
	} else if cfg.Backoff.Max < cfg.Backoff.Base {
		errs = append(errs, FieldError{
			Field:   "limits.backoff.max",
			Message: fmt.Sprintf("max (%s) must not be less than base (%s)", cfg.Backoff.Max, cfg.Backoff.Base),
		})
	}

	// Retry
	if cfg.Retry.MaxAttempts < 1 {
		errs = append(errs, FieldError{Field: "limits.retry.max_attempts", Message: "max attempts must be at least 1"})
	}
	if cfg.Retry.MaxAttempts > 100 {
		errs = append(errs, FieldError{Field: "limits.retry.max_attempts", Message: "max attempts exceeds reasonable limit (100)"})
	}
	if cfg.Retry.InitialInterval < 0 {
		errs = append(errs, FieldError{Field: "limits.retry.initial_interval", Message: "initial interval must be positive"})
	}
	if cfg.Retry.MaxInterval < cfg.Retry.InitialInterval {
		errs = append(errs, FieldError{Field: "limits.retry.max_interval", Message: "max interval must not be less than initial interval"})
	}

	// Housekeeper
	if _, err := cron.ParseStandard(cfg.Housekeeper.Schedule); err != nil {
		errs = append(errs, FieldError{
			Field:   "limits.housekeeper.schedule",
			Message: fmt.Sprintf("invalid cron schedule: %v", err),
		})
	}
	if cfg.Housekeeper.BatchSize < 1 {
		errs = append(errs, FieldError{Field: "limits.housekeeper.batch_size", Message: "batch size must be at least 1"})
	}
	if cfg.Housekeeper.BatchesPerSecond < 0 {
		errs = append(errs, FieldError{Field: "limits.housekeeper.batches_per_second", Message: "batches per second must be positive"})
	}
	if cfg.Housekeeper.MaxBatches < 0 {
		errs = append(errs, FieldError{Field: "limits.housekeeper.max_batches", Message: "max batches must be non-negative"})
	}

	if cfg.RulesFile == "" {
		errs = append(errs, FieldError{Field: "limits.rules_file", Message: "rules file is required"})
	}

	// Failure policy
	if cfg.Failure.OnContention != "deny" && cfg.Failure.OnContention != "allow" {
		errs = append(errs, FieldError{
			Field:   "limits.failure.on_contention",
			Message: fmt.Sprintf("invalid value %q (must be 'deny' or 'allow')", cfg.Failure.OnContention),
		})
	}
	if cfg.Failure.CheckTimeout <= 0 {
		errs = append(errs, FieldError{Field: "limits.failure.check_timeout", Message: "check timeout must be positive"})
	}

	return errs
}

// validateTelemetry validates telemetry configuration.
func validateTelemetry(cfg *TelemetryConfig) []FieldError {
	var errs []FieldError

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.level",
			Message: fmt.Sprintf("invalid log level %q (must be 'debug', 'info', 'warn', or 'error')", cfg.Logging.Level),
		})
	}

	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.format",
			Message: fmt.Sprintf("invalid log format %q (must be 'json', 'text', or 'console')", cfg.Logging.Format),
		})
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, FieldError{
			Field:   "telemetry.metrics.path",
			Message: "metrics path must start with '/'",
		})
	}

	if cfg.Tracing.Enabled {
		if cfg.Tracing.Endpoint == "" {
			errs = append(errs, FieldError{
				Field:   "telemetry.tracing.endpoint",
				Message: "endpoint is required when tracing is enabled",
			})
		}
		validSamplers := map[string]bool{"always": true, "never": true, "ratio": true}
		if !validSamplers[cfg.Tracing.Sampler] {
			errs = append(errs, FieldError{
				Field:   "telemetry.tracing.sampler",
				Message: fmt.Sprintf("invalid sampler %q (must be 'always', 'never', or 'ratio')", cfg.Tracing.Sampler),
			})
		}
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errs = append(errs, FieldError{
			Field:   "telemetry.tracing.sample_ratio",
			Message: "sample ratio must be between 0.0 and 1.0",
		})
	}

	if cfg.Health.CheckTimeout < 0 {
		errs = append(errs, FieldError{Field: "telemetry.health.check_timeout", Message: "check timeout must be positive"})
	}

	return errs
}
