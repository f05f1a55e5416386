package cmd

import (
	"context"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/okuno-dsi/revit-mcp-bridge/internal/config"
	"github.com/okuno-dsi/revit-mcp-bridge/internal/observability"
	"github.com/okuno-dsi/revit-mcp-bridge/internal/server"
	"github.com/okuno-dsi/revit-mcp-bridge/internal/server/handlers"
	"github.com/okuno-dsi/revit-mcp-bridge/pkg/dispatch"
	"github.com/okuno-dsi/revit-mcp-bridge/pkg/jobstore"
)

var (
	serveHost string
	servePort int
	serveDB   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge daemon",
	Long: `Run the HTTP server, dispatch pump, and liveness monitor.

The daemon owns the SQLite queue exclusively. The desktop add-in polls
/pending_request for work and reports through /post_result; everything
else is client surface.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config)")
	serveCmd.Flags().StringVar(&serveDB, "db", "", "SQLite database path (overrides config)")
}

// storeHealthChecker probes the SQLite store.
type storeHealthChecker struct {
	store *jobstore.Store
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	return c.store.Ping(ctx)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx, serveOverrides())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	log, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	store, err := jobstore.Open(ctx, jobstore.Config{Path: cfg.Queue.DBPath})
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open job store", err)
	}
	defer func() { _ = store.Close() }()
	log.Info("job store open", zap.String("path", cfg.Queue.DBPath))

	fatal := dispatch.NewFatalStop()
	remote := dispatch.NewRemoteExecutor()
	dispatcher := dispatch.New(store, remote, fatal, log, dispatch.Config{
		PollInterval:   cfg.Queue.PollInterval,
		ThrottleWindow: cfg.Queue.ThrottleWindow,
		MaxAttempts:    cfg.Queue.MaxAttempts,
	})
	monitor := dispatch.NewMonitor(store, fatal, log, dispatch.MonitorConfig{
		SweepInterval:    cfg.Queue.SweepInterval,
		HeartbeatTimeout: cfg.Queue.HeartbeatTimeout,
		ReclaimAfter:     cfg.Queue.ReclaimAfter,
		MaxAttempts:      cfg.Queue.MaxAttempts,
	})

	// Every DISPATCHING row is an orphan of a previous process at this
	// point; requeue them before the pump starts rather than waiting out
	// the reclaim window.
	reclaimed, err := store.ReclaimDispatching(ctx, time.Now().UTC(), cfg.Queue.MaxAttempts)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Startup reclaim failed", err)
	}
	if len(reclaimed.Requeued) > 0 || len(reclaimed.Failed) > 0 {
		log.Info("recovered interrupted claims",
			zap.Strings("requeued", reclaimed.Requeued),
			zap.Strings("failed", reclaimed.Failed))
	}

	if cfg.Health.Enabled {
		handlers.InitHealthManager(versionInfo.Version)
		hm := handlers.GetHealthManager()
		hm.RegisterChecker("store", storeHealthChecker{store: store})
		hm.SetFatalSource(fatal)
	}

	serverOpts := []server.Option{
		server.WithLogger(log),
		server.WithBridge(handlers.NewBridge(store, dispatcher, remote, cfg.Queue.LongPollWait, log)),
		server.WithTimeouts(
			cfg.Server.ReadTimeout,
			writeTimeoutFor(cfg),
			cfg.Server.IdleTimeout,
			cfg.Server.ShutdownTimeout,
		),
	}
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(jobstore.NewCollector(store))
		serverOpts = append(serverOpts, server.WithMetricsRegistry(registry))
	}
	srv := server.New(cfg.Server.Host, cfg.Server.Port, serverOpts...)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("dispatch loop exited", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := monitor.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("liveness monitor exited", zap.Error(err))
		}
	}()

	err = srv.Start(ctx)
	stop()
	wg.Wait()

	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "HTTP server failed", err)
	}
	log.Info("bridge stopped")
	return nil
}

// writeTimeoutFor keeps the response timeout above the worker's long
// poll window so /pending_request is not cut off mid-wait.
func writeTimeoutFor(cfg *config.Config) time.Duration {
	min := cfg.Queue.LongPollWait + 5*time.Second
	if cfg.Server.WriteTimeout < min {
		return min
	}
	return cfg.Server.WriteTimeout
}

func serveOverrides() map[string]any {
	srv := map[string]any{}
	if serveHost != "" {
		srv["host"] = serveHost
	}
	if servePort != 0 {
		srv["port"] = servePort
	}
	overrides := map[string]any{}
	if len(srv) > 0 {
		overrides["server"] = srv
	}
	if serveDB != "" {
		overrides["queue"] = map[string]any{"db_path": serveDB}
	}
	return overrides
}

// loadConfig honors the global --config flag.
func loadConfig(ctx context.Context, overrides map[string]any) (*config.Config, error) {
	if flagConfigFile != "" {
		return config.LoadFromFile(ctx, flagConfigFile, overrides)
	}
	return config.Load(ctx, overrides)
}
