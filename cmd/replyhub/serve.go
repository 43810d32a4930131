package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ume-tora/replyhub/internal/alarm"
	"github.com/ume-tora/replyhub/internal/cache"
	"github.com/ume-tora/replyhub/internal/config"
	"github.com/ume-tora/replyhub/internal/coordinator"
	"github.com/ume-tora/replyhub/internal/gemini"
	"github.com/ume-tora/replyhub/internal/maintenance"
	"github.com/ume-tora/replyhub/internal/observability"
	"github.com/ume-tora/replyhub/internal/router"
	"github.com/ume-tora/replyhub/internal/storage"
	"github.com/ume-tora/replyhub/internal/transport"
)

func buildServeCmd() *cobra.Command {
	var flagConfig string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator",
		Long: `Serve runs the coordinator: the websocket endpoint foreground agents
connect to, the persistent key-value store, the context cache with its
maintenance schedule, and the Gemini client.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flagConfig)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
	cmd.Flags().StringVarP(&flagConfig, "config", "c", "", "Path to configuration file")
	return cmd
}

// loadConfig loads the file if present and falls back to defaults when the
// default path does not exist.
func loadConfig(flagValue string) (*config.Config, error) {
	path := configPath(flagValue)
	if _, err := os.Stat(path); err != nil {
		if flagValue == "" && os.Getenv("REPLYHUB_CONFIG") == "" && os.IsNotExist(err) {
			return config.Default(), nil
		}
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return config.Load(path)
}

func runServe(cfg *config.Config) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store storage.Store
	switch cfg.Storage.Driver {
	case "memory":
		store = storage.NewMemoryStore()
	default:
		sqlite, err := storage.OpenSQLite(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer sqlite.Close()
		store = sqlite
	}

	contexts := cache.New(store, cache.WithTTL(cfg.Cache.TTL))
	scheduler := alarm.NewCronScheduler(store, logger)
	scheduler.Start()
	defer scheduler.Stop()

	evictor := maintenance.New(contexts, scheduler, logger,
		maintenance.WithPeriod(cfg.Cache.MaintenancePeriod))
	generator := gemini.NewClient(gemini.Config{
		Model:       cfg.Gemini.Model,
		BaseTimeout: cfg.Gemini.RequestTimeout,
		Logger:      logger,
	})
	coord := coordinator.New(store, contexts, generator,
		coordinator.WithMaintenance(evictor),
		coordinator.WithQuota(cfg.Storage.Quota),
		coordinator.WithLogger(logger))

	if err := coord.Start(ctx); err != nil {
		return err
	}
	if err := scheduler.Restore(ctx); err != nil {
		logger.Warn("restoring persisted alarms failed", "error", err)
	}
	if err := seedCredential(ctx, coord, cfg.Gemini.APIKey, logger); err != nil {
		return err
	}

	reg := observability.NewRegistry()
	rt := router.New(coord,
		router.WithLogger(logger),
		router.WithMetrics(router.NewMetrics(reg)))
	defer rt.Close()

	mux := http.NewServeMux()
	mux.Handle("/channel", transport.WebsocketHandler(rt.Attach))
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: mux,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("coordinator listening", "addr", server.Addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var metricsServer *http.Server
	if cfg.Server.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", observability.MetricsHandler(reg))
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
			Handler: metricsMux,
		}
		go func() {
			logger.Info("metrics listening", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown", "error", err)
		}
	}
	return nil
}

// seedCredential installs the configured API key when the store has none.
// A key set at runtime by an agent is never overwritten.
func seedCredential(ctx context.Context, coord *coordinator.Coordinator, apiKey string, logger *slog.Logger) error {
	if apiKey == "" {
		return nil
	}
	existing, err := coord.GetCredential(ctx)
	if err != nil {
		return err
	}
	if existing != "" {
		return nil
	}
	if err := coord.SetCredential(ctx, apiKey); err != nil {
		return fmt.Errorf("seed credential: %w", err)
	}
	logger.Info("credential seeded from config")
	return nil
}
