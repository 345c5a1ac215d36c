package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/reframe/internal/api/handler"
	"github.com/kiranshivaraju/reframe/internal/config"
	"github.com/kiranshivaraju/reframe/internal/metrics"
)

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume the Redis job queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return runWorker(cmd.Context(), cfg, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics and /health on this address (e.g. :9090)")
	return cmd
}

func runWorker(ctx context.Context, cfg *config.Config, metricsAddr string) error {
	if cfg.Redis.URL == "" {
		return errors.New("worker requires REDIS_URL; without it run `reframe serve`, which embeds a worker")
	}
	metrics.InitializeMetrics()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	worker, notifier, err := a.newWorker()
	if err != nil {
		return err
	}

	var srv *http.Server
	if metricsAddr != "" {
		r := chi.NewRouter()
		r.Get("/health", handler.NewHealthHandler())
		r.Get("/ready", handler.NewReadyHandler(a.service))
		r.Handle("/metrics", promhttp.Handler())
		srv = &http.Server{Addr: metricsAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			slog.Info("metrics listening", "addr", metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", "error", err)
			}
		}()
	}

	notifierDone := make(chan struct{})
	go func() {
		defer close(notifierDone)
		notifier.Run(ctx)
	}()

	collectorCtx, stopCollector := context.WithCancel(ctx)
	defer stopCollector()
	go metrics.NewCollector(a.service, statsInterval).Run(collectorCtx)

	runErr := worker.Run(ctx)
	slog.Info("worker draining webhooks...")
	notifier.Close()
	<-notifierDone

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown", "error", err)
		}
	}
	if runErr != nil {
		return fmt.Errorf("worker: %w", runErr)
	}
	return nil
}
