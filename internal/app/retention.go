package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/gpuforge/broker/internal/domain"
)

// TerminalGC is the store-side cleanup of finished records.
type TerminalGC interface {
	GCTerminal(ctx domain.Context, olderThan time.Time, limit int) (int, error)
	TrimByAge(ctx domain.Context, olderThan time.Time) error
}

// RetentionLoop removes terminal jobs past the retention window and trims the
// event stream by age. Count-based stream trimming happens on every append;
// this loop only enforces the age bound. Archival (cmd/sink) must keep its
// consumer lag below the retention window or history is lost to it.
type RetentionLoop struct {
	GC     TerminalGC
	Logger *slog.Logger

	Period            time.Duration
	TerminalRetention time.Duration
	StreamRetention   time.Duration
	BatchLimit        int
}

// NewRetentionLoop constructs a RetentionLoop with the given windows.
func NewRetentionLoop(gc TerminalGC, logger *slog.Logger, period, terminalRetention, streamRetention time.Duration) *RetentionLoop {
	if logger == nil {
		logger = slog.Default()
	}
	if period <= 0 {
		period = time.Hour
	}
	return &RetentionLoop{
		GC: gc, Logger: logger,
		Period: period, TerminalRetention: terminalRetention, StreamRetention: streamRetention,
		BatchLimit: 500,
	}
}

// Run sweeps until ctx is cancelled.
func (l *RetentionLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.Logger.Info("retention loop stopping")
			return
		case <-ticker.C:
			l.sweepOnce(ctx)
		}
	}
}

func (l *RetentionLoop) sweepOnce(ctx context.Context) {
	now := time.Now().UTC()
	n, err := l.GC.GCTerminal(ctx, now.Add(-l.TerminalRetention), l.BatchLimit)
	if err != nil {
		l.Logger.Error("terminal gc failed", slog.Any("error", err))
	} else if n > 0 {
		l.Logger.Info("terminal records removed", slog.Int("count", n))
	}
	if l.StreamRetention > 0 {
		if err := l.GC.TrimByAge(ctx, now.Add(-l.StreamRetention)); err != nil {
			l.Logger.Error("stream age trim failed", slog.Any("error", err))
		}
	}
}
