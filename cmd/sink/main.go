// Command sink runs the broker's durable egress consumers: a Kafka forwarder
// that syncs events to external systems and an optional Postgres archiver that
// preserves terminal records beyond the store's retention window. Each runs as
// its own consumer group, so they catch up independently after downtime.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/gpuforge/broker/internal/adapter/archive/postgres"
	"github.com/gpuforge/broker/internal/adapter/observability"
	"github.com/gpuforge/broker/internal/adapter/sink/kafka"
	"github.com/gpuforge/broker/internal/adapter/store/redisstore"
	"github.com/gpuforge/broker/internal/config"
	"github.com/gpuforge/broker/internal/domain"
	"github.com/gpuforge/broker/internal/eventbus"
)

const (
	groupExternalSync = "external-sync"
	groupArchive      = "archive"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid redis url", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	store := redisstore.New(rdb, redisstore.Options{
		RetryInitialInterval: cfg.StoreRetryInitialInterval,
		RetryMaxInterval:     cfg.StoreRetryMaxInterval,
		RetryMaxElapsed:      cfg.StoreRetryMaxElapsed,
	})
	if err := store.Ping(ctx); err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}

	bus := eventbus.New(store, logger, cfg.ConsumerLagAlertThreshold)

	consumer, _ := os.Hostname()
	if consumer == "" {
		consumer = "sink"
	}

	var wg sync.WaitGroup

	// Kafka forwarder: every event, keyed by aggregate id.
	forwarder, err := kafka.NewForwarder(ctx, cfg.KafkaBrokers, cfg.KafkaTopic)
	if err != nil {
		slog.Error("kafka forwarder init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer forwarder.Close()

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("event forwarder starting",
			slog.String("group", groupExternalSync), slog.String("topic", cfg.KafkaTopic))
		err := bus.RunDurable(ctx, groupExternalSync, consumer, 64, cfg.ConsumerBlock, forwarder.Forward)
		if err != nil && ctx.Err() == nil {
			slog.Error("event forwarder stopped", slog.Any("error", err))
		}
	}()

	// Postgres archiver: terminal records only, optional.
	if cfg.ArchiveDBURL != "" {
		pool, err := postgres.NewPool(ctx, cfg.ArchiveDBURL)
		if err != nil {
			slog.Error("archive db connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()
		archiver := postgres.NewArchiver(pool)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("archiver starting", slog.String("group", groupArchive))
			err := bus.RunDurable(ctx, groupArchive, consumer, 64, cfg.ConsumerBlock, archiver.HandleEvent,
				domain.EventJobCompleted, domain.EventJobFailed, domain.EventJobCancelled,
				domain.EventWorkflowCompleted, domain.EventWorkflowFailed)
			if err != nil && ctx.Err() == nil {
				slog.Error("archiver stopped", slog.Any("error", err))
			}
		}()
	} else {
		slog.Info("archive db url not set; archiver disabled")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutdown signal received", slog.String("signal", sig.String()))

	cancel()
	wg.Wait()
}
