package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(DefaultConfig()); err != nil {
		t.Errorf("expected valid config to pass validation, got error: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.ListenAddress = ""
	cfg.Limits.Storage.Backend = "etcd"
	cfg.Telemetry.Logging.Level = "loud"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation to fail")
	}

	var validationErr ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if len(validationErr.Errors) != 3 {
		t.Errorf("expected 3 errors, got %d: %v", len(validationErr.Errors), validationErr.Errors)
	}
	if !strings.Contains(validationErr.Error(), "validation failed with 3 errors") {
		t.Errorf("error message should mention multiple errors: %s", validationErr.Error())
	}
}

func TestValidate_Fields(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantField string
	}{
		{"negative read timeout", func(c *Config) { c.Server.ReadTimeout = -time.Second }, "server.read_timeout"},
		{"huge headers", func(c *Config) { c.Server.MaxHeaderBytes = 20 << 20 }, "server.max_header_bytes"},
		{"relative upstream", func(c *Config) { c.Server.Upstream.URL = "/backend" }, "server.upstream.url"},
		{"ftp upstream", func(c *Config) { c.Server.Upstream.URL = "ftp://files" }, "server.upstream.url"},
		{"bad trusted proxy", func(c *Config) { c.Server.TrustedProxies = []string{"10.0.0.0/8", "lan"} }, "server.trusted_proxies[1]"},
		{"tls without cert", func(c *Config) {
			c.Server.TLS.Enabled = true
			c.Server.TLS.KeyFile = "server.key"
		}, "server.tls.cert_file"},
		{"tls without key", func(c *Config) {
			c.Server.TLS.Enabled = true
			c.Server.TLS.CertFile = "server.crt"
		}, "server.tls.key_file"},
		{"tls 1.1", func(c *Config) {
			c.Server.TLS = TLSConfig{Enabled: true, CertFile: "server.crt", KeyFile: "server.key", MinVersion: "1.1"}
		}, "server.tls.min_version"},
		{"bad sqlite driver", func(c *Config) {
			c.Limits.Storage.Backend = "sqlite"
			c.Limits.Storage.SQLite.Driver = "postgres"
		}, "limits.storage.sqlite.driver"},
		{"negative redis db", func(c *Config) {
			c.Limits.Storage.Backend = "redis"
			c.Limits.Storage.Redis.Addr = "localhost:6379"
			c.Limits.Storage.Redis.DB = -1
		}, "limits.storage.redis.db"},
		{"max below base", func(c *Config) {
			c.Limits.Backoff.Base = time.Minute
			c.Limits.Backoff.Max = time.Second
		}, "limits.backoff.max"},
		{"zero attempts", func(c *Config) { c.Limits.Retry.MaxAttempts = 0 }, "limits.retry.max_attempts"},
		{"retry intervals", func(c *Config) {
			c.Limits.Retry.InitialInterval = 10 * time.Millisecond
			c.Limits.Retry.MaxInterval = time.Millisecond
		}, "limits.retry.max_interval"},
		{"bad schedule", func(c *Config) { c.Limits.Housekeeper.Schedule = "every minute" }, "limits.housekeeper.schedule"},
		{"zero batch size", func(c *Config) { c.Limits.Housekeeper.BatchSize = 0 }, "limits.housekeeper.batch_size"},
		{"no rules file", func(c *Config) { c.Limits.RulesFile = "" }, "limits.rules_file"},
		{"bad contention policy", func(c *Config) { c.Limits.Failure.OnContention = "retry" }, "limits.failure.on_contention"},
		{"zero check timeout", func(c *Config) { c.Limits.Failure.CheckTimeout = 0 }, "limits.failure.check_timeout"},
		{"bad log format", func(c *Config) { c.Telemetry.Logging.Format = "xml" }, "telemetry.logging.format"},
		{"metrics path", func(c *Config) { c.Telemetry.Metrics.Path = "metrics" }, "telemetry.metrics.path"},
		{"bad sampler", func(c *Config) {
			c.Telemetry.Tracing.Enabled = true
			c.Telemetry.Tracing.Sampler = "sometimes"
		}, "telemetry.tracing.sampler"},
		{"sample ratio", func(c *Config) { c.Telemetry.Tracing.SampleRatio = 1.5 }, "telemetry.tracing.sample_ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}

			var validationErr ValidationError
			if !errors.As(err, &validationErr) {
				t.Fatalf("expected ValidationError, got %T", err)
			}
			found := false
			for _, fe := range validationErr.Errors {
				if fe.Field == tt.wantField {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error for field %q, got %v", tt.wantField, validationErr.Errors)
			}
		})
	}
}

func TestValidate_AcceptedValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"sqlite modernc", func(c *Config) { c.Limits.Storage.Backend = "sqlite" }},
		{"sqlite cgo", func(c *Config) {
			c.Limits.Storage.Backend = "sqlite"
			c.Limits.Storage.SQLite.Driver = "sqlite3"
		}},
		{"redis", func(c *Config) {
			c.Limits.Storage.Backend = "redis"
			c.Limits.Storage.Redis.Addr = "localhost:6379"
		}},
		{"bare proxy address", func(c *Config) { c.Server.TrustedProxies = []string{"192.168.1.1", "::1"} }},
		{"https upstream", func(c *Config) { c.Server.Upstream.URL = "https://api.internal:8443/base" }},
		{"tls 1.2", func(c *Config) {
			c.Server.TLS = TLSConfig{Enabled: true, CertFile: "server.crt", KeyFile: "server.key", MinVersion: "1.2"}
		}},
		{"cron expression", func(c *Config) { c.Limits.Housekeeper.Schedule = "*/5 * * * *" }},
		{"allow on contention", func(c *Config) { c.Limits.Failure.OnContention = "allow" }},
		{"console logs", func(c *Config) { c.Telemetry.Logging.Format = "console" }},
		{"tracing always", func(c *Config) {
			c.Telemetry.Tracing.Enabled = true
			c.Telemetry.Tracing.Sampler = "always"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := Validate(cfg); err != nil {
				t.Errorf("expected valid config, got %v", err)
			}
		})
	}
}

func TestFieldError_Error(t *testing.T) {
	err := FieldError{Field: "limits.backoff.base", Message: "base must be positive"}
	if got := err.Error(); got != "limits.backoff.base: base must be positive" {
		t.Errorf("unexpected message: %q", got)
	}

	single := ValidationError{Errors: []FieldError{err}}
	if !strings.HasPrefix(single.Error(), "configuration validation failed: limits.backoff.base") {
		t.Errorf("unexpected single error message: %q", single.Error())
	}
}
