package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/DukeRupert/ppewatch/internal"
	"github.com/DukeRupert/ppewatch/internal/catalog"
	"github.com/DukeRupert/ppewatch/internal/engine"
	"github.com/DukeRupert/ppewatch/internal/export"
	"github.com/DukeRupert/ppewatch/internal/handler"
	"github.com/DukeRupert/ppewatch/internal/metrics"
	"github.com/DukeRupert/ppewatch/internal/middleware"
	"github.com/DukeRupert/ppewatch/internal/storage"
	"github.com/DukeRupert/ppewatch/internal/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// Violation source and push channel
	backend, err := internal.OpenBackend(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("backend initialization failed: %w", err)
	}
	defer backend.Close()

	subscriber, err := internal.NewSubscriber(cfg, logger)
	if err != nil {
		return fmt.Errorf("push initialization failed: %w", err)
	}

	// Dashboard session
	labels := catalog.New(backend.Catalog, logger)
	session := engine.NewSession(cfg.DomainIDs, cfg.Timezone)
	eng, err := engine.New(cfg.EngineConfig(), engine.Deps{
		Querier:    backend.Querier,
		Stats:      backend.Stats,
		Catalog:    labels,
		Subscriber: subscriber,
	}, session, logger)
	if err != nil {
		return fmt.Errorf("engine initialization failed: %w", err)
	}

	engineDone := make(chan error, 1)
	go func() {
		engineDone <- eng.Run(ctx)
	}()

	// Exports
	store, err := storage.New(cfg.StorageConfig(), logger)
	if err != nil {
		return fmt.Errorf("storage initialization failed: %w", err)
	}
	exporter := export.New(store, session.ID, cfg.ExportURLExpiry, logger)

	// Background jobs
	jobs, err := worker.New(worker.DefaultConfig(), logger)
	if err != nil {
		return fmt.Errorf("worker initialization failed: %w", err)
	}
	if cfg.ExportInterval > 0 {
		if err := jobs.Register(exporter.Job(eng), cfg.ExportInterval); err != nil {
			return err
		}
	}
	if cfg.CatalogRefresh > 0 {
		refresh := worker.JobFunc{
			JobName: "catalog_refresh",
			Fn: func(ctx context.Context) error {
				labels.Invalidate()
				_, err := labels.Domains(ctx)
				return err
			},
		}
		if err := jobs.Register(refresh, cfg.CatalogRefresh); err != nil {
			return err
		}
	}
	jobs.Start(ctx)
	defer jobs.Stop()

	// Initialize middleware
	isSecure := cfg.Env != "development"
	apiAuth := middleware.NewTokenAuthMiddleware(cfg.APIAuthToken, logger)
	metricsAuth := middleware.NewBasicAuthMiddleware("metrics", cfg.MetricsUsername, cfg.MetricsPassword)
	limiter := middleware.NewRateLimiter(20, 40, 10*time.Minute)
	defer limiter.Stop()

	// ==========================================================================
	// Create router and register routes
	// ==========================================================================

	mux := http.NewServeMux()

	mux.Handle("GET /health", handler.Health(eng))
	mux.Handle("GET /metrics", metricsAuth.Handler(promhttp.Handler()))

	handler.NewDashboardHandler(eng, logger).RegisterRoutes(mux, apiAuth.Handler)
	handler.NewExportHandler(eng, exporter, logger).RegisterRoutes(mux, apiAuth.Handler)

	if cfg.StorageProvider == storage.ProviderLocal {
		files := http.StripPrefix("/files/", http.FileServer(http.Dir(cfg.LocalStoragePath)))
		mux.Handle("GET /files/", apiAuth.Handler(files))
	}

	var h http.Handler = mux
	h = middleware.NewRateLimitMiddleware(limiter, logger).Limit(h)
	h = middleware.NewSecurityHeadersMiddleware(isSecure).Handler(h)
	h = middleware.NewRequestLoggingMiddleware(logger).Handler(h)
	h = metrics.Middleware(h)

	// ==========================================================================
	// Start server
	// ==========================================================================

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		// Canceling ctx ends open snapshot streams on shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Server started", "address", server.Addr, "env", cfg.Env, "session_id", session.ID)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received, initiating graceful shutdown...")
	case err := <-serverErr:
		logger.Error("Server failed", "error", err)
		stop()
	case err := <-engineDone:
		logger.Error("Engine stopped unexpectedly", "error", err)
		stop()
	}

	// Create shutdown context with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	logger.Info("Graceful shutdown complete")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
