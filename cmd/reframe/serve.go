package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/reframe/internal/api"
	"github.com/kiranshivaraju/reframe/internal/api/handler"
	mw "github.com/kiranshivaraju/reframe/internal/api/middleware"
	"github.com/kiranshivaraju/reframe/internal/cache"
	"github.com/kiranshivaraju/reframe/internal/config"
	"github.com/kiranshivaraju/reframe/internal/jobs"
	"github.com/kiranshivaraju/reframe/internal/metrics"
	"github.com/kiranshivaraju/reframe/internal/webhook"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var withWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: "Run the HTTP API. Without REDIS_URL the queue lives in this process, " +
			"so a worker is always embedded.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, withWorker)
		},
	}
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "also consume the job queue in this process")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, withWorker bool) error {
	slog.Info("config loaded", "env", cfg.Server.Env, "driver", cfg.Database.Driver)
	metrics.InitializeMetrics()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	limiterCache, err := newRateLimitCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer limiterCache.Close()

	svc := a.service
	router := newRouter(a, limiterCache)

	embedded := withWorker || a.inProcessQueue()
	var worker *jobs.Worker
	var notifier *webhook.Notifier
	if embedded {
		if worker, notifier, err = a.newWorker(); err != nil {
			return err
		}
	}

	// Background components stop when runCtx is cancelled after the HTTP
	// server has drained.
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		metrics.NewCollector(svc, statsInterval).Run(runCtx)
	}()

	if embedded {
		wg.Add(2)
		go func() {
			defer wg.Done()
			notifier.Run(runCtx)
		}()
		go func() {
			defer wg.Done()
			if err := worker.Run(runCtx); err != nil {
				slog.Error("worker stopped", "error", err)
			}
			notifier.Close()
		}()
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Minute,
		WriteTimeout: 30 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case err := <-errCh:
		serveErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("server shutdown: %w", err)
	}
	cancelRun()
	wg.Wait()

	if serveErr != nil {
		return serveErr
	}
	slog.Info("server stopped gracefully")
	return nil
}

// newRateLimitCache returns a Redis counter store, or an in-memory one when
// Redis is not configured.
func newRateLimitCache(ctx context.Context, cfg *config.Config) (cache.Cache, error) {
	if cfg.Redis.URL == "" {
		return cache.NewMemoryCache(), nil
	}
	c, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("create redis cache: %w", err)
	}
	if err := c.Ping(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return c, nil
}

// newRouter wires the HTTP handlers to the app's job service.
func newRouter(a *app, limiter cache.Cache) http.Handler {
	svc := a.service
	return api.NewRouter(api.Dependencies{
		RateLimit:   mw.NewRateLimit(limiter, a.cfg.Server.RateLimitPerMinute),
		CORSOrigins: a.cfg.Server.CORSOrigins,

		HealthHandler:  handler.NewHealthHandler(),
		ReadyHandler:   handler.NewReadyHandler(svc),
		MetricsHandler: promhttp.Handler(),

		UploadHandler:   handler.NewUploadHandler(svc, a.cfg.Storage.MaxUploadBytes),
		SubmitURL:       handler.NewSubmitURLHandler(svc),
		ListJobs:        handler.NewListJobsHandler(svc),
		GetJob:          handler.NewGetJobHandler(svc),
		DownloadHandler: handler.NewDownloadHandler(svc),
		RetryHandler:    handler.NewRetryHandler(svc),
		DeleteHandler:   handler.NewDeleteHandler(svc),
	})
}
