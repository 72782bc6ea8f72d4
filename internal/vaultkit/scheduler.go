package vaultkit

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const defaultSchedulerInterval = 5 * time.Minute

// Scheduler drives the refresh engine on a fixed interval. The interval is kept
// shorter than the shortest-lived provider token (~1 hour for Google and
// Spotify) so a missed cycle still leaves margin. Deployments that use an
// external scheduler hit the HTTP trigger instead and simply never start this.
type Scheduler struct {
	engine   *RefreshEngine
	logger   *zap.Logger
	interval time.Duration
}

// NewScheduler constructs a Scheduler; interval <= 0 selects the default 5m.
func NewScheduler(engine *RefreshEngine, logger *zap.Logger, interval time.Duration) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = defaultSchedulerInterval
	}
	return &Scheduler{engine: engine, logger: logger, interval: interval}
}

// Interval returns the tick interval.
func (scheduler *Scheduler) Interval() time.Duration {
	return scheduler.interval
}

// Run blocks until ctx is done, invoking the engine once per tick. Each batch
// gets the interval as its deadline, so a slow run can never overlap the next
// tick's work; if one somehow does, the engine's in-flight guard makes the tick
// a logged no-op instead of a pile-up.
func (scheduler *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(scheduler.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scheduler.tick(ctx)
		}
	}
}

func (scheduler *Scheduler) tick(ctx context.Context) {
	batchCtx, cancel := context.WithTimeout(ctx, scheduler.interval)
	defer cancel()

	if _, runErr := scheduler.engine.RunBatch(batchCtx); runErr != nil {
		if errors.Is(runErr, ErrBatchInFlight) {
			scheduler.logger.Warn("previous refresh batch still running, skipping tick",
				zap.String("code", "scheduler.tick_skipped"))
			return
		}
		scheduler.logger.Error("scheduled refresh batch failed",
			zap.String("code", "scheduler.batch_failed"),
			zap.Error(runErr))
	}
}
