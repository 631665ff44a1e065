// Command broker starts the GPU job broker HTTP server and its background
// loops: the workflow aggregator, lease janitor, pending-job aging, retention
// sweeps and the webhook registry cache.
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

	"github.com/redis/go-redis/v9"

	httpserver "github.com/gpuforge/broker/internal/adapter/httpserver"
	"github.com/gpuforge/broker/internal/adapter/observability"
	"github.com/gpuforge/broker/internal/adapter/store/redisstore"
	"github.com/gpuforge/broker/internal/app"
	"github.com/gpuforge/broker/internal/config"
	"github.com/gpuforge/broker/internal/domain"
	"github.com/gpuforge/broker/internal/eventbus"
	"github.com/gpuforge/broker/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Infra: Redis store
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid redis url", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	store := redisstore.New(rdb, redisstore.Options{
		RetentionCount:       cfg.StreamRetentionCount,
		RetentionAge:         cfg.StreamRetention,
		BackoffBase:          cfg.RetryBackoffBase,
		BackoffMax:           cfg.RetryBackoffMax,
		RetryInitialInterval: cfg.StoreRetryInitialInterval,
		RetryMaxInterval:     cfg.StoreRetryMaxInterval,
		RetryMaxElapsed:      cfg.StoreRetryMaxElapsed,
	})
	store.SetScanCap(cfg.MatchScanCap)
	store.SetLeaseDuration(cfg.LeaseDuration)
	store.SetCancelGrace(cfg.CancelGrace)

	if err := store.Ping(ctx); err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Event bus: local tier plus the persistent stream held by the store.
	bus := eventbus.New(store, logger, cfg.ConsumerLagAlertThreshold)

	// Webhook registry cache
	hooks := usecase.NewWebhookCache(store, logger)
	go hooks.Run(ctx, cfg.WebhookCacheRefresh)

	// Usecases
	ingress := usecase.NewIngressService(store, store, store, hooks, store, bus, store, store.NewID)
	ingress.DefaultMaxAttempts = cfg.DefaultMaxAttempts
	ingress.IdempotencyTTL = cfg.IdempotencyTTL
	if mode := domain.WorkflowMode(cfg.WorkflowModeDefault); mode == domain.ModeAbortOnFailure || mode == domain.ModeRunToCompletion {
		ingress.DefaultWorkflowMode = mode
	} else {
		slog.Warn("unknown workflow mode default, keeping abort_on_failure",
			slog.String("mode", cfg.WorkflowModeDefault))
	}
	workerSvc := usecase.NewWorkerService(store, store, bus, store.NewID, cfg.LeaseDuration)

	// Workflow aggregator
	agg := usecase.NewAggregator(store, store, bus, logger)
	agg.Start(ctx)

	// Background loops
	janitor := app.NewJanitor(store, store, bus, logger, cfg.JanitorPeriod, cfg.LeaseGrace, cfg.WorkerDeadAfter)
	go janitor.Run(ctx)

	aging := app.NewAgingLoop(store, logger, cfg.AgingPeriod, cfg.AgingBoostPerMinute, cfg.AgingBoostCap)
	go aging.Run(ctx)

	retention := app.NewRetentionLoop(store, logger, cfg.RetentionSweepPeriod, cfg.TerminalRetention, cfg.StreamRetention)
	go retention.Run(ctx)

	go bus.WatchLag(ctx, time.Minute, "external-sync", "archive")

	// HTTP server
	srv := httpserver.NewServer(cfg, ingress, workerSvc, app.BuildRedisCheck(store))
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer shutdownCancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	cancel()
}
