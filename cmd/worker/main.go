// Command worker runs the single-flight drip scheduler.
//
// Exactly one worker process must run per queue prefix; the drip rate
// guarantee assumes a single consumer.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scrapeworks/dripfeed/internal/adapter/callback"
	"github.com/scrapeworks/dripfeed/internal/adapter/downstream"
	"github.com/scrapeworks/dripfeed/internal/adapter/observability"
	"github.com/scrapeworks/dripfeed/internal/adapter/store/redisstore"
	"github.com/scrapeworks/dripfeed/internal/config"
	"github.com/scrapeworks/dripfeed/internal/registry"
	"github.com/scrapeworks/dripfeed/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register Prometheus metrics in the worker process and expose them on a
	// dedicated /metrics endpoint so Prometheus can scrape drip metrics.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	store, err := redisstore.NewFromURL(cfg.StoreURL, redisstore.OptionsFromConfig(cfg))
	if err != nil {
		slog.Error("store connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("failed to close store", slog.Any("error", err))
		}
	}()

	sched := scheduler.New(
		store,
		registry.Default(),
		downstream.New(cfg, logger),
		callback.New(cfg, logger),
		scheduler.Config{
			DripInterval:       cfg.DripInterval(),
			ClaimTimeout:       cfg.ClaimPollTimeout(),
			MaxAttempts:        cfg.MaxJobAttempts,
			RetryBaseDelay:     cfg.JobRetryBaseDelay(),
			LeaseRenewInterval: cfg.JobLease() / 10,
		},
		logger,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := sched.Run(ctx); err != nil {
			slog.Error("scheduler stopped with error", slog.Any("error", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown signal received; waiting for in-flight job", slog.Duration("grace", cfg.ShutdownGrace))
	grace := time.NewTimer(cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		slog.Warn("grace period elapsed; abandoning in-flight work to lease expiry")
	}
}
