package config

import (
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// current holds the process-wide configuration.
	current atomic.Pointer[Config]

	// initMu serializes Initialize so concurrent first calls load once.
	initMu sync.Mutex
)

// Initialize loads configuration from path with environment overrides and
// installs it as the process-wide configuration. An empty path uses the
// defaults plus environment overrides.
//
// Once a configuration is installed, later calls return nil without reading
// path again; use ReloadConfig to replace it.
func Initialize(path string) error {
	initMu.Lock()
	defer initMu.Unlock()

	if current.Load() != nil {
		return nil
	}

	cfg, err := LoadConfigWithEnvOverrides(path)
	if err != nil {
		return err
	}
	current.Store(cfg)
	return nil
}

// GetConfig returns the process-wide configuration, or nil before Initialize.
//
// For testing, prefer passing an explicit *Config.
func GetConfig() *Config {
	return current.Load()
}

// SetConfig replaces the process-wide configuration. Passing nil clears it,
// which lets tests call Initialize again.
func SetConfig(cfg *Config) {
	initMu.Lock()
	defer initMu.Unlock()
	current.Store(cfg)
}

// ReloadConfig loads path and replaces the process-wide configuration.
// On error the existing configuration remains unchanged.
func ReloadConfig(path string) error {
	cfg, err := LoadConfigWithEnvOverrides(path)
	if err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}
	current.Store(cfg)
	return nil
}

// MustGetConfig returns the process-wide configuration.
// It panics if the configuration has not been initialized.
func MustGetConfig() *Config {
	cfg := GetConfig()
	if cfg == nil {
		panic("configuration not initialized: call Initialize first")
	}
	return cfg
}
