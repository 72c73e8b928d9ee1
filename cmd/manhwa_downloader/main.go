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

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/manhwa_downloader/internal/chapterdir"
	"github.com/italolelis/manhwa_downloader/internal/cleanup"
	"github.com/italolelis/manhwa_downloader/internal/config"
	"github.com/italolelis/manhwa_downloader/internal/downloader"
	"github.com/italolelis/manhwa_downloader/internal/events"
	"github.com/italolelis/manhwa_downloader/internal/http/rest"
	"github.com/italolelis/manhwa_downloader/internal/logctx"
	"github.com/italolelis/manhwa_downloader/internal/notifier"
	"github.com/italolelis/manhwa_downloader/internal/queue"
	"github.com/italolelis/manhwa_downloader/internal/resolver"
	"github.com/italolelis/manhwa_downloader/internal/storage"
	"github.com/italolelis/manhwa_downloader/internal/storage/sqlite"
	"github.com/italolelis/manhwa_downloader/internal/telemetry"
	"github.com/joho/godotenv"
)

// version is set at build time.
var version = "dev"

func main() {
	// A missing .env file is fine, the environment wins either way.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("manhwa downloader starting...", "log_level", cfg.LogLevel, "version", version)

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
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

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

	layout, err := chapterdir.NewLayout(cfg.DownloadDir)
	if err != nil {
		return err
	}

	if err := chapterdir.EnsureDir(layout.Root()); err != nil {
		return err
	}

	repo := sqlite.NewInstrumentedDownloadRepository(sqlite.NewDownloadRepository(database, layout), tel)

	// =========================================================================
	// Start Scheduler
	contentAPI := resolver.NewInstrumentedClient(
		resolver.NewClient(cfg.ContentAPIURL, cfg.ContentAPIToken, cfg.ResolverTimeout, cfg.ResolverRetries),
		tel,
		"content_api",
	)

	materializer := downloader.NewMaterializer(downloader.NewHTTPFetcher(cfg.ImageTimeout), cfg.MaterializeWorkers, tel)

	bus := events.NewBus(logger)
	logProgress(ctx, bus)

	scheduler := queue.NewScheduler(ctx, repo, contentAPI, materializer, bus, tel)
	defer scheduler.Close()

	// =========================================================================
	// Start Notification
	if cfg.DiscordWebhookURL != "" {
		off := notifier.Subscribe(ctx, bus, notifier.NewDiscordNotifier(cfg.DiscordWebhookURL))
		defer off()
	}

	restored, err := scheduler.Restore(ctx)
	if err != nil {
		logger.Error("failed to restore interrupted downloads", "err", err)
	} else if restored > 0 {
		logger.Info("resuming interrupted downloads", "count", restored)
	}

	// =========================================================================
	// Start Cleanup
	if _, err := cleanup.NewSweeper(repo, layout).Schedule(ctx, cfg.CleanupSchedule); err != nil {
		return fmt.Errorf("failed to schedule cleanup: %w", err)
	}

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, scheduler, repo, bus, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for downloads...",
		"download_dir", layout.Root(),
		"workers", cfg.MaterializeWorkers,
		"cleanup_schedule", cfg.CleanupSchedule,
	)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return ctx.Err()
	}
}

func logProgress(ctx context.Context, bus *events.Bus) {
	logger := logctx.LoggerFromContext(ctx)

	events.Subscribe(bus, func(p events.Progress) {
		logger.Debug("chapter download progress",
			"work_id", p.WorkID, "chapter_id", p.ChapterID, "percentage", p.Percentage)
	})
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	scheduler *queue.Scheduler,
	repo storage.DownloadRepository,
	bus *events.Bus,
	tel *telemetry.Telemetry,
	cfg *config.Config,
) *http.Server {
	handler := rest.NewDownloadsHandler(scheduler, repo, bus, cfg.API.Username, cfg.API.Password)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Mount("/", handler.Routes())

	return &http.Server{
		Addr:              cfg.Web.BindAddress,
		ReadTimeout:       cfg.Web.ReadTimeout,
		ReadHeaderTimeout: cfg.Web.ReadTimeout,
		WriteTimeout:      cfg.Web.WriteTimeout,
		IdleTimeout:       cfg.Web.IdleTimeout,
		Handler:           r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
