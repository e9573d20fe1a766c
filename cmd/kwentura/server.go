package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kwentura/kwentura/internal/budget"
	"github.com/kwentura/kwentura/internal/config"
	"github.com/kwentura/kwentura/internal/gate"
	"github.com/kwentura/kwentura/internal/metrics"
	"github.com/kwentura/kwentura/internal/registry"
	"github.com/kwentura/kwentura/internal/systemd"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the Kwentura gate server",
	Long:  `Start the gate HTTP server and the metrics server.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting Kwentura")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, broadcaster, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Bool("broadcast", broadcaster != nil).
		Msg("Storage initialized")

	// Initialize budget resolver
	resolver, err := budget.FromConfig(cfg.Limiter, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize budget: %w", err)
	}

	limiterTemplate, err := limiterConfig(cfg, resolver)
	if err != nil {
		return err
	}

	// Initialize profile registry
	reg, err := registry.New(store.KV(), registry.Options{
		MaxProfiles: cfg.Registry.MaxProfiles,
		Limiter:     limiterTemplate,
		Broadcaster: broadcaster,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize registry: %w", err)
	}
	defer func() {
		if err := reg.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close registry")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := reg.Start(ctx); err != nil {
		return fmt.Errorf("failed to start registry: %w", err)
	}

	logger.Info().
		Str("instance", reg.Instance()).
		Dur("daily_budget", limiterTemplate.DailyBudget).
		Str("timezone", limiterTemplate.Location.String()).
		Str("failure_policy", string(limiterTemplate.FailurePolicy)).
		Msg("Registry initialized")

	// Initialize rollover scheduler
	var rollover *registry.RolloverScheduler
	if cfg.Limiter.ReloadAtMidnight {
		rollover = registry.NewRolloverScheduler(reg, limiterTemplate.Location, logger)
		rollover.Start()
		logger.Info().Msg("Rollover scheduler initialized")
	}

	// Initialize gate server
	gateConfig := gate.Config{
		ListenAddr:     fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.GatePort),
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}

	gateServer, err := gate.NewServer(gateConfig, reg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize gate server: %w", err)
	}
	if sdListeners.Gate != nil {
		gateServer.SetListener(sdListeners.Gate)
	}

	if err := gateServer.Start(); err != nil {
		return fmt.Errorf("failed to start gate server: %w", err)
	}

	logger.Info().
		Str("addr", gateConfig.ListenAddr).
		Msg("Gate server started")

	// Initialize metrics server
	var metricsServer *metrics.Server
	if cfg.Server.MetricsPort > 0 || sdListeners.Metrics != nil {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
		metricsServer = metrics.NewServer(metricsAddr, logger)
		if sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		logger.Info().Str("addr", metricsAddr).Msg("Metrics server started")
	}

	logger.Info().Msg("Kwentura startup complete")

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to notify systemd")
	}

	var watchdog <-chan time.Time
	if interval := systemd.WatchdogInterval(); interval > 0 {
		ticker := time.NewTicker(interval / 2)
		defer ticker.Stop()
		watchdog = ticker.C
	}

	// Wait for signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

loop:
	for {
		select {
		case <-watchdog:
			_ = systemd.NotifyWatchdog()
		case sig := <-sigChan:
			if sig != syscall.SIGHUP {
				break loop
			}

			logger.Info().Msg("SIGHUP received, reloading budget and profiles")
			_ = systemd.NotifyReloading()
			if err := resolver.Reload(); err != nil {
				logger.Error().Err(err).Msg("Failed to reload budget policy, keeping previous")
			}
			n := reg.ReloadAll(ctx)
			logger.Info().Int("profiles", n).Msg("Reload complete")
			_ = systemd.NotifyReady()
		}
	}

	logger.Info().Msg("Shutdown signal received, gracefully stopping...")
	_ = systemd.NotifyStopping()

	if rollover != nil {
		rollover.Stop()
	}

	if err := gateServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping gate server")
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}

	logger.Info().Msg("Kwentura stopped")
	return nil
}
