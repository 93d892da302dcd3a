package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/warden/pkg/cli"
	"mercator-hq/warden/pkg/config"
	"mercator-hq/warden/pkg/limits"
	"mercator-hq/warden/pkg/limits/housekeeper"
	"mercator-hq/warden/pkg/limits/rules"
	"mercator-hq/warden/pkg/proxy"
	"mercator-hq/warden/pkg/server"
	"mercator-hq/warden/pkg/telemetry/health"
)

// rulesDebounce collapses bursts of editor writes into one reload.
const rulesDebounce = 250 * time.Millisecond

var runFlags struct {
	listenAddress string
	upstream      string
	logLevel      string
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the Warden gateway",
	Long: `Start the Warden gateway with the specified configuration.

Every request matching a rule is checked against the caller's sliding window
before it is forwarded to the upstream. Throttled callers get 429 with a
Retry-After header. Expired records are swept on the housekeeper schedule and
the rules file is reloaded when it changes (limits.watch_rules).

Examples:
  # Start with a config file
  warden run --config /etc/warden/warden.yaml

  # Override listen address and upstream
  warden run --listen 0.0.0.0:8080 --upstream http://127.0.0.1:9000

  # Validate everything without starting
  warden run --dry-run`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.upstream, "upstream", "", "override upstream URL")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config and rules without starting the server")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runFlags.listenAddress != "" {
		cfg.Server.ListenAddress = runFlags.listenAddress
	}
	if runFlags.upstream != "" {
		cfg.Server.Upstream.URL = runFlags.upstream
	}
	if runFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = runFlags.logLevel
	}

	set, err := rules.Load(cfg.Limits.RulesFile)
	if err != nil {
		return cli.NewConfigError("limits.rules_file", err.Error())
	}

	if runFlags.dryRun {
		fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration valid")
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Rules valid (%d rules)\n", set.Len())
		return nil
	}

	tel, err := newTelemetry(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer tel.Shutdown(cmd.Context())
	logger := tel.Logger()

	ctx, stop := cli.SetupSignalHandler(cmd.Context())
	defer stop()

	store, err := openStore(ctx, &cfg.Limits.Storage)
	if err != nil {
		return err
	}
	defer store.Close()
	tel.Health().RegisterCheck("store", health.PingCheck(store))

	metrics := limits.NewMetrics(tel.Metrics().Registry())
	engine := newEngine(&cfg.Limits, store, metrics, logger)

	holder := rules.NewHolder(set)
	tel.Metrics().RecordRulesLoad(set.Len(), nil)

	if cfg.Limits.WatchRules {
		watcher, err := rules.NewWatcher(cfg.Limits.RulesFile, holder, rulesDebounce, logger)
		if err != nil {
			return cli.NewCommandError("run", err)
		}
		watcher.OnReload(func(err error) {
			tel.Metrics().RecordRulesLoad(holder.Load().Len(), err)
		})
		go func() {
			if err := watcher.Watch(ctx); err != nil {
				logger.Error("rules watcher stopped", "error", err)
			}
		}()
		defer watcher.Stop()
	}

	scheduler := housekeeper.NewScheduler(newHousekeeper(&cfg.Limits.Housekeeper, store, metrics, logger))
	if err := scheduler.Start(ctx); err != nil {
		return cli.NewCommandError("run", err)
	}
	defer scheduler.Stop()

	upstream, err := newUpstream(cfg, logger)
	if err != nil {
		return err
	}

	srv, err := server.NewServer(cfg, engine, holder, tel, upstream)
	if err != nil {
		return cli.NewConfigError("server", err.Error())
	}

	printBanner(cmd, cfg, set.Len())

	if err := srv.Start(ctx); err != nil {
		return cli.NewCommandError("run", err)
	}
	return nil
}

// newUpstream returns nil when no upstream is configured; the gateway then
// serves only its built-in routes.
func newUpstream(cfg *config.Config, logger *slog.Logger) (http.Handler, error) {
	uc := cfg.Server.Upstream
	if uc.URL == "" {
		logger.Warn("no upstream configured, admitted requests will get 404")
		return nil, nil
	}
	up, err := proxy.NewUpstream(proxy.UpstreamConfig{URL: uc.URL, Timeout: uc.Timeout}, logger)
	if err != nil {
		return nil, cli.NewConfigError("server.upstream.url", err.Error())
	}
	return up, nil
}

func printBanner(cmd *cobra.Command, cfg *config.Config, ruleCount int) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Warden v%s\n", Version)
	fmt.Fprintf(out, "✓ Store: %s\n", cfg.Limits.Storage.Backend)
	fmt.Fprintf(out, "✓ Rules: %d loaded from %s\n", ruleCount, cfg.Limits.RulesFile)
	if cfg.Server.Upstream.URL != "" {
		fmt.Fprintf(out, "✓ Upstream: %s\n", cfg.Server.Upstream.URL)
	}
	if cfg.Server.TLS.Enabled {
		fmt.Fprintf(out, "✓ TLS: %s (min %s)\n", cfg.Server.TLS.CertFile, cfg.Server.TLS.MinVersion)
	}
	fmt.Fprintf(out, "✓ Listening on %s\n", cfg.Server.ListenAddress)
	fmt.Fprintln(out, "\nPress Ctrl+C to stop")
}
