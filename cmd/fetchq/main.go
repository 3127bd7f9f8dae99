package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/fetchq/fetchq/internal/cleanup"
	"github.com/fetchq/fetchq/internal/config"
	"github.com/fetchq/fetchq/internal/engine"
	"github.com/fetchq/fetchq/internal/fetch"
	"github.com/fetchq/fetchq/internal/logctx"
	"github.com/fetchq/fetchq/internal/manifest"
	"github.com/fetchq/fetchq/internal/storage"
	"github.com/fetchq/fetchq/internal/storage/queuefile"
	"github.com/fetchq/fetchq/internal/telemetry"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(int(engine.CodeStateFailure))
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("fetchq starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(int(engine.CodeOf(err)))
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: "fetchq",
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Open Queue Store
	var store storage.QueueStore

	store, err = queuefile.Open(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("failed to open queue store: %w", err)
	}
	defer store.Close()

	store = queuefile.NewInstrumentedStore(store, tel)

	if cfg.BackupRetention > 0 {
		if err := cleanup.DeleteExpiredArtifacts(ctx, cfg.StatePath, cfg.BackupRetention); err != nil {
			logger.Warn("failed to clean up expired queue artifacts", "err", err)
		}
	}

	// =========================================================================
	// Start Engine
	client := fetch.NewClient(fetch.Options{
		RetryLimit:        cfg.RetryLimit,
		InitialBackoff:    cfg.InitialBackoff,
		MaxBackoff:        cfg.MaxBackoff,
		InactivityTimeout: cfg.InactivityTimeout,
	})

	eng := engine.New(store, client, tel, engine.Config{
		MaxParallel:      cfg.MaxParallel,
		GlobalRateLimit:  cfg.GlobalRateLimit,
		PerItemRateLimit: cfg.PerItemRateLimit,
		ProgressInterval: cfg.ProgressInterval,
	})

	recovered, err := eng.Load(ctx)
	if err != nil {
		return err
	}

	if recovered {
		logger.Warn("queue document was corrupt and has been moved aside, starting with an empty queue")
	}

	// =========================================================================
	// Ingest Manifest
	if cfg.ManifestPath != "" {
		entries, err := manifest.Load(afero.NewOsFs(), cfg.ManifestPath)
		if err != nil {
			return fmt.Errorf("failed to load manifest: %w", err)
		}

		for _, entry := range entries {
			if _, err := eng.Enqueue(ctx, entry.URL, entry.Output, entry.Checksum); err != nil {
				return fmt.Errorf("failed to enqueue %s: %w", entry.URL, err)
			}
		}

		logger.Info("manifest ingested", "path", cfg.ManifestPath, "entries", len(entries))
	}

	// =========================================================================
	// Start Metrics Endpoint
	serverErrors := make(chan error, 1)

	metricsServer := &http.Server{
		Addr:        cfg.Telemetry.BindAddress,
		Handler:     metricsMux(tel),
		ReadTimeout: 30 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	if cfg.Telemetry.Enabled {
		go func() {
			logger.Info("serving metrics", "host", cfg.Telemetry.BindAddress)
			serverErrors <- metricsServer.ListenAndServe()
		}()
	}

	// =========================================================================
	// Start Main Loop
	engineErrors := make(chan error, 1)

	go func() {
		engineErrors <- eng.Run(ctx)
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("metrics server error: %w", err)
	case err := <-engineErrors:
		logger.Info("engine stopped")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if cfg.Telemetry.Enabled {
			if shutdownErr := metricsServer.Shutdown(shutdownCtx); shutdownErr != nil {
				logger.Error("failed to gracefully shutdown the metrics server", "err", shutdownErr)

				if closeErr := metricsServer.Close(); closeErr != nil {
					return fmt.Errorf("could not stop metrics server gracefully: %w", closeErr)
				}
			}
		}

		return err
	}
}

func metricsMux(tel *telemetry.Telemetry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", tel.Handler())

	return mux
}
