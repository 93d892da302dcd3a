package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"mercator-hq/warden/pkg/cli"
	"mercator-hq/warden/pkg/config"
	"mercator-hq/warden/pkg/limits"
	"mercator-hq/warden/pkg/limits/backoff"
	"mercator-hq/warden/pkg/limits/housekeeper"
	"mercator-hq/warden/pkg/limits/storage"
	"mercator-hq/warden/pkg/telemetry"
)

// loadConfig installs the process configuration from --config.
func loadConfig() (*config.Config, error) {
	if err := config.Initialize(cfgFile); err != nil {
		return nil, cli.NewConfigError("", fmt.Sprintf("failed to load config: %v", err))
	}
	cfg := config.GetConfig()
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

// newTelemetry builds the telemetry bundle and makes its logger the default.
// One-shot commands log to stderr so stdout stays parseable.
func newTelemetry(cfg *config.Config, logs io.Writer) (*telemetry.Telemetry, error) {
	tel, err := telemetry.New(&cfg.Telemetry, buildInfo(), telemetry.WithLogWriter(logs))
	if err != nil {
		return nil, cli.NewConfigError("telemetry", err.Error())
	}
	slog.SetDefault(tel.Logger())
	return tel, nil
}

// openStore opens the configured record store.
func openStore(ctx context.Context, cfg *config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case "memory":
		return storage.NewMemoryBackend(), nil
	case "sqlite":
		store, err := storage.NewSQLiteBackendWithConfig(storage.SQLiteBackendConfig{
			DBPath:             cfg.SQLite.Path,
			Driver:             cfg.SQLite.Driver,
			CheckpointInterval: cfg.SQLite.CheckpointInterval,
			BusyTimeout:        cfg.SQLite.BusyTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite store: %w", err)
		}
		return store, nil
	case "redis":
		store, err := storage.NewRedisBackendWithConfig(ctx, storage.RedisBackendConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis store: %w", err)
		}
		return store, nil
	default:
		return nil, cli.NewConfigError("limits.storage.backend", fmt.Sprintf("unsupported backend %q", cfg.Backend))
	}
}

// newEngine builds the admission engine over store.
func newEngine(cfg *config.LimitsConfig, store storage.Store, metrics *limits.Metrics, logger *slog.Logger) *limits.Engine {
	return limits.NewEngine(limits.Config{
		Store: store,
		Backoff: backoff.Policy{
			Base:            cfg.Backoff.Base,
			Max:             cfg.Backoff.Max,
			ResetOnRecovery: cfg.Backoff.ResetOnRecovery,
		},
		Retry: limits.RetryConfig{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
		},
		Metrics: metrics,
		Logger:  logger,
	})
}

// newHousekeeper builds the sweeper over store.
func newHousekeeper(cfg *config.HousekeeperConfig, store storage.Store, metrics *limits.Metrics, logger *slog.Logger) *housekeeper.Housekeeper {
	return housekeeper.New(store, housekeeper.Config{
		Schedule:         cfg.Schedule,
		BatchSize:        cfg.BatchSize,
		BatchesPerSecond: cfg.BatchesPerSecond,
		MaxBatches:       cfg.MaxBatches,
	},
		housekeeper.WithMetrics(metrics),
		housekeeper.WithLogger(logger),
	)
}

// offline is the engine stack used by one-shot commands.
type offline struct {
	cfg     *config.Config
	tel     *telemetry.Telemetry
	store   storage.Store
	metrics *limits.Metrics
	engine  *limits.Engine
}

// openOffline loads configuration and opens the store for a one-shot
// command. Close must be called when done.
func openOffline(cmd *cobra.Command) (*offline, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	tel, err := newTelemetry(cfg, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	return newOffline(cmd.Context(), cfg, tel)
}

// newOffline opens the store and builds the engine around tel. tel is shut
// down if the store cannot be opened.
func newOffline(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (*offline, error) {
	if cfg.Limits.Storage.Backend == "memory" {
		tel.Logger().Warn("memory backend does not persist between commands")
	}

	store, err := openStore(ctx, &cfg.Limits.Storage)
	if err != nil {
		if terr := tel.Shutdown(context.Background()); terr != nil {
			tel.Logger().Warn("failed to shut down telemetry", "error", terr)
		}
		return nil, err
	}
	metrics := limits.NewMetrics(tel.Metrics().Registry())

	return &offline{
		cfg:     cfg,
		tel:     tel,
		store:   store,
		metrics: metrics,
		engine:  newEngine(&cfg.Limits, store, metrics, tel.Logger()),
	}, nil
}

// Close releases the store and flushes telemetry.
func (o *offline) Close() error {
	err := o.store.Close()
	if terr := o.tel.Shutdown(context.Background()); err == nil {
		err = terr
	}
	return err
}
