package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/gpuforge/broker/internal/domain"
)

// PendingAger is the store-side rescore: it raises boosts for long-waiting
// pending jobs so they surface inside the bounded match scan.
type PendingAger interface {
	AgePending(ctx domain.Context, now time.Time, boostPerMinute, boostCap, limit int) (int, error)
}

// AgingLoop periodically rescores the lowest-scored pending jobs. The boost
// never exceeds its cap, so priority inversions stay bounded.
type AgingLoop struct {
	Ager   PendingAger
	Logger *slog.Logger

	Period         time.Duration
	BoostPerMinute int
	BoostCap       int
	BatchLimit     int
}

// NewAgingLoop constructs an AgingLoop with the given cadence.
func NewAgingLoop(ager PendingAger, logger *slog.Logger, period time.Duration, boostPerMinute, boostCap int) *AgingLoop {
	if logger == nil {
		logger = slog.Default()
	}
	if period <= 0 {
		period = 30 * time.Second
	}
	return &AgingLoop{
		Ager: ager, Logger: logger,
		Period: period, BoostPerMinute: boostPerMinute, BoostCap: boostCap,
		BatchLimit: 200,
	}
}

// Run rescores until ctx is cancelled.
func (a *AgingLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(a.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.Logger.Info("aging loop stopping")
			return
		case <-ticker.C:
			n, err := a.Ager.AgePending(ctx, time.Now().UTC(), a.BoostPerMinute, a.BoostCap, a.BatchLimit)
			if err != nil {
				a.Logger.Error("aging pass failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				a.Logger.Debug("aged pending jobs", slog.Int("count", n))
			}
		}
	}
}
