package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gpuforge/broker/internal/adapter/observability"
	"github.com/gpuforge/broker/internal/domain"
	"github.com/gpuforge/broker/internal/eventbus"
)

// LeaseReclaimer is the store-side half of lease recovery.
type LeaseReclaimer interface {
	ReclaimExpired(ctx domain.Context, now time.Time, grace time.Duration) ([]domain.Event, error)
}

// SilenceMarker flips silent workers to dead with a compare-and-set.
type SilenceMarker interface {
	ListWorkers(ctx domain.Context) ([]domain.Worker, error)
	MarkDeadIfSilent(ctx domain.Context, workerID string, now time.Time, deadAfter time.Duration) (*domain.Event, error)
}

// Janitor reclaims expired leases and declares silent workers dead. Reclaimed
// jobs requeue when attempts remain, otherwise finalize as failed with
// kind "lease_expired". Multiple janitor instances are safe: every mutation
// is a store-side compare-and-set.
type Janitor struct {
	Reclaimer LeaseReclaimer
	Workers   SilenceMarker
	Bus       *eventbus.Bus
	Logger    *slog.Logger

	Period     time.Duration
	LeaseGrace time.Duration
	DeadAfter  time.Duration
}

// NewJanitor constructs a Janitor with the given cadence.
func NewJanitor(reclaimer LeaseReclaimer, workers SilenceMarker, bus *eventbus.Bus, logger *slog.Logger,
	period, leaseGrace, deadAfter time.Duration) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	if period <= 0 {
		period = 10 * time.Second
	}
	return &Janitor{
		Reclaimer: reclaimer, Workers: workers, Bus: bus, Logger: logger,
		Period: period, LeaseGrace: leaseGrace, DeadAfter: deadAfter,
	}
}

// Run sweeps until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.Period)
	defer ticker.Stop()

	j.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			j.Logger.Info("janitor stopping")
			return
		case <-ticker.C:
			j.sweepOnce(ctx)
		}
	}
}

func (j *Janitor) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("broker.janitor")
	ctx, span := tracer.Start(ctx, "Janitor.sweepOnce")
	defer span.End()

	now := time.Now().UTC()

	events, err := j.Reclaimer.ReclaimExpired(ctx, now, j.LeaseGrace)
	if err != nil {
		span.RecordError(err)
		j.Logger.Error("lease reclaim failed", slog.Any("error", err))
	} else {
		for _, ev := range events {
			j.Bus.Record(ctx, ev)
		}
		if len(events) > 0 {
			observability.LeasesReclaimedTotal.Add(float64(len(events)))
			j.Logger.Info("reclaimed expired leases", slog.Int("count", len(events)))
		}
		span.SetAttributes(attribute.Int("janitor.reclaimed", len(events)))
	}

	j.markDeadWorkers(ctx, now)
}

func (j *Janitor) markDeadWorkers(ctx context.Context, now time.Time) {
	workers, err := j.Workers.ListWorkers(ctx)
	if err != nil {
		j.Logger.Error("worker listing failed", slog.Any("error", err))
		return
	}
	for _, w := range workers {
		if w.Status == domain.WorkerDead {
			continue
		}
		if now.Sub(w.LastHeartbeatAt) <= j.DeadAfter {
			continue
		}
		ev, err := j.Workers.MarkDeadIfSilent(ctx, w.WorkerID, now, j.DeadAfter)
		if err != nil {
			j.Logger.Error("mark dead failed", slog.String("worker_id", w.WorkerID), slog.Any("error", err))
			continue
		}
		if ev == nil {
			// Lost the CAS: the worker beat in the meantime.
			continue
		}
		j.Bus.Record(ctx, *ev)
		observability.WorkersLostTotal.Inc()
		j.Logger.Warn("worker declared dead",
			slog.String("worker_id", w.WorkerID),
			slog.Time("last_heartbeat_at", w.LastHeartbeatAt))
	}
}
