// Package escrowd holds the background jobs run alongside the escrowd API.
package escrowd

import (
	"context"
	"log/slog"
	"time"

	"assetescrow/native/escrow"
)

const defaultSweepInterval = time.Minute

// Sweeper is the subset of the coordinator the sweep loop drives.
type Sweeper interface {
	Sweep(ctx context.Context) (*escrow.SweepResult, error)
}

// SweepLoop periodically settles expired escrows.
type SweepLoop struct {
	target   Sweeper
	interval time.Duration
	logger   *slog.Logger
}

// NewSweepLoop constructs a loop. A non-positive interval uses one minute.
func NewSweepLoop(target Sweeper, interval time.Duration, logger *slog.Logger) *SweepLoop {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepLoop{target: target, interval: interval, logger: logger}
}

// Run sweeps on every tick until ctx is cancelled.
func (l *SweepLoop) Run(ctx context.Context) {
	if l == nil || l.target == nil {
		return
	}
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweepOnce(ctx)
		}
	}
}

func (l *SweepLoop) sweepOnce(ctx context.Context) {
	result, err := l.target.Sweep(ctx)
	if err != nil {
		l.logger.Error("escrow sweep finished with failures", slog.Any("error", err))
	}
	if result == nil {
		return
	}
	if len(result.Settled) > 0 || len(result.Skipped) > 0 {
		l.logger.Info("escrow sweep",
			slog.Int("settled", len(result.Settled)),
			slog.Int("skipped", len(result.Skipped)))
	}
}
