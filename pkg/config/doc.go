// Package config provides configuration management for Warden.
//
// Configuration is read from a YAML file, decoded over the defaults,
// overridden from the environment and validated as a whole.
//
// # Configuration Loading
//
//  1. From a YAML file only:
//     cfg, err := config.LoadConfig("warden.yaml")
//
//  2. From a YAML file with environment variable overrides:
//     cfg, err := config.LoadConfigWithEnvOverrides("warden.yaml")
//
// Unknown YAML fields are rejected so that typos fail loudly.
//
// # Environment Variable Overrides
//
// Environment variables follow the naming convention WARDEN_SECTION_FIELD:
//
//   - WARDEN_SERVER_LISTEN_ADDRESS overrides server.listen_address
//   - WARDEN_LIMITS_STORAGE_BACKEND overrides limits.storage.backend
//   - WARDEN_TELEMETRY_LOGGING_LEVEL overrides telemetry.logging.level
//
// The admin token and Redis password additionally expand ${VAR} references.
//
// # Configuration Precedence
//
//  1. Default values (defined in defaults.go)
//  2. Values from YAML file
//  3. Environment variable overrides
//  4. Validation (fails fast if invalid)
//
// # Example Configuration
//
//	server:
//	  listen_address: "0.0.0.0:8080"
//	  upstream:
//	    url: "http://127.0.0.1:9000"
//	  trusted_proxies: ["10.0.0.0/8"]
//	  admin:
//	    token: "${WARDEN_ADMIN_TOKEN}"
//	  tls:
//	    enabled: true
//	    cert_file: /etc/warden/tls/server.crt
//	    key_file: /etc/warden/tls/server.key
//
//	limits:
//	  storage:
//	    backend: sqlite
//	    sqlite:
//	      path: data/warden.db
//	  backoff:
//	    base: 60s
//	    max: 1h
//	  housekeeper:
//	    schedule: "@every 60s"
//	  rules_file: rules.yaml
//	  watch_rules: true
//	  failure:
//	    on_contention: deny
//	    check_timeout: 250ms
//
//	telemetry:
//	  logging:
//	    level: info
//	    format: json
package config
