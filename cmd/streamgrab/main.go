package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/streamgrab/internal/cleanup"
	"github.com/italolelis/streamgrab/internal/config"
	"github.com/italolelis/streamgrab/internal/coordinator"
	"github.com/italolelis/streamgrab/internal/downloader"
	"github.com/italolelis/streamgrab/internal/http/rest"
	"github.com/italolelis/streamgrab/internal/logctx"
	"github.com/italolelis/streamgrab/internal/media"
	"github.com/italolelis/streamgrab/internal/notifier"
	"github.com/italolelis/streamgrab/internal/offscreen"
	"github.com/italolelis/streamgrab/internal/platform/filesystem"
	"github.com/italolelis/streamgrab/internal/registry"
	"github.com/italolelis/streamgrab/internal/storage"
	"github.com/italolelis/streamgrab/internal/storage/sqlite"
	"github.com/italolelis/streamgrab/internal/tabs"
	"github.com/italolelis/streamgrab/internal/telemetry"
)

const blobReadyInterval = 100 * time.Millisecond

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("streamgrab starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer done()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	state := sqlite.NewInstrumentedStateRepository(sqlite.NewStateRepository(database), tel)
	blobs := sqlite.NewInstrumentedBlobRepository(sqlite.NewBlobRepository(database, cfg.BlobReadyAttempts, blobReadyInterval), tel)

	// =========================================================================
	// Start Download Pipeline
	httpClient := tel.HTTPClient(cfg.RequestTimeout)

	dlCfg := downloader.Config{
		Concurrency:       cfg.SegmentConcurrency,
		Retries:           cfg.SegmentRetries,
		RetryDelay:        cfg.SegmentRetryDelay,
		RequestsPerSecond: cfg.SegmentRequestsPerSecond,
		UserAgent:         cfg.UserAgent,
		Referer:           cfg.Referer,
	}

	minter := offscreen.NewMinter(blobs, cfg.SpoolDir)

	platform := filesystem.New(cfg.DownloadDir, cfg.PromptDir)
	defer platform.Close()

	hub := tabs.NewHub(0)

	coord := coordinator.New(ctx, coordinator.Config{
		MaxConcurrentDownloads: cfg.MaxConcurrentDownloads,
		MaxSegments:            cfg.MaxSegments,
		MaxMergeBytes:          cfg.MaxMergeBytes,
		CancelledCleanupDelay:  cfg.CancelledCleanupDelay,
		FailedCleanupDelay:     cfg.FailedCleanupDelay,
		CompletedCleanupDelay:  cfg.CompletedCleanupDelay,
		CancelMarkerGrace:      cfg.CancelMarkerGrace,
	}, coordinator.Dependencies{
		Registry:  registry.New(),
		State:     state,
		Blobs:     blobs,
		Merger:    downloader.NewMerger(httpClient, dlCfg, tel),
		Fetcher:   downloader.NewFetcher(httpClient, dlCfg),
		Minter:    minter,
		Platform:  platform,
		Tabs:      hub,
		Observers: setupNotification(ctx, cfg),
		Telemetry: tel,
	})

	restored, err := coord.Restore(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore downloads: %w", err)
	}

	coord.WatchPlatform(ctx)

	// =========================================================================
	// Start Cleanup
	setupCleanup(ctx, minter.SpoolDir(), blobs, cfg)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, coord, hub, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for downloads...",
		"download_dir", cfg.DownloadDir,
		"spool_dir", cfg.SpoolDir,
		"max_concurrent_downloads", cfg.MaxConcurrentDownloads,
		"restored", restored,
	)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests and pipelines a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		if err := coord.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to stop running downloads", "err", err)
		}

		return ctx.Err()
	}
}

func setupNotification(ctx context.Context, cfg *config.Config) media.EventSink {
	if cfg.DiscordWebhookURL == "" {
		return nil
	}

	logctx.LoggerFromContext(ctx).Info("discord notifications enabled")

	return media.MultiSink{
		&notifier.EventSink{Notifier: &notifier.DiscordNotifier{
			WebhookURL: cfg.DiscordWebhookURL,
			Client:     &http.Client{Timeout: cfg.RequestTimeout},
		}},
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, coord *coordinator.Coordinator, hub *tabs.Hub, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	handler := rest.NewHandler(cfg.API.Username, cfg.API.Password, coord, hub, tel)

	r := chi.NewRouter()
	r.Handle("/metrics", tel.Handler())
	r.Mount("/", handler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func setupCleanup(ctx context.Context, spoolDir string, blobs storage.BlobStore, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	cleanupTicker := time.NewTicker(cfg.CleanupInterval)

	go func() {
		defer cleanupTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("cleanup goroutine shutting down.")

				return
			case <-cleanupTicker.C:
				cleanup.Sweep(ctx, spoolDir, blobs, cfg.SpoolRetention)
			}
		}
	}()
}
