// Command foundry-backend serves the job settlement protocol over HTTP.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"foundry-backend/config"
	"foundry-backend/container"
	_ "foundry-backend/docs"
	"foundry-backend/middleware"
	"foundry-backend/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(observability.TracingConfig{
		Service:     "foundry-backend",
		Environment: cfg.Tracing.Environment,
		Exporter:    cfg.Tracing.Exporter,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return err
	}

	// Initialize dependency container
	c, err := container.NewContainer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	workers, cancelWorkers := context.WithCancel(context.Background())
	c.Start(workers)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           setupRoutes(http.NewServeMux(), c),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			"addr", srv.Addr,
			"store", cfg.Store.Driver,
			"archive", c.Archive != nil,
			"treasury_tier", c.Allocator.Snapshot().Tier,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		cancelWorkers()
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	cancelWorkers()
	c.Wait()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", "error", err)
	}
	return nil
}

func setupRoutes(mux *http.ServeMux, c *container.Container) http.Handler {
	// Settlement endpoints
	c.SettlementHandler.Register(mux, c.ScorerOnly())

	// Machine pairing and live events
	c.QRCodeHandler.Register(mux)
	c.EventsHandler.Register(mux)

	// Health, API docs and Prometheus
	c.HealthHandler.Register(mux)
	mux.Handle("GET /metrics/prometheus", c.Metrics.Handler())

	// Agent tools
	mux.Handle("/mcp", c.MCP.HTTPHandler())

	// Apply middleware to all routes
	return middleware.Chain(mux,
		middleware.Recovery(c.Logger),
		middleware.Tracing,
		middleware.Metrics(c.Metrics),
		middleware.Logging(c.Logger),
		middleware.CORS,
		middleware.SecurityHeaders,
		middleware.RateLimit(c.Config.RateLimit, time.Minute),
		middleware.RejectTraversal,
		middleware.Timeout(c.Config.RequestTimeout),
		middleware.ContentType,
	)
}
