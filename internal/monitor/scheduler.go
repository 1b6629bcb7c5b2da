package monitor

import (
	"context"
	"time"

	"github.com/dontskiphq/dontskip/internal/lockout"
	"github.com/dontskiphq/dontskip/pkg/credit"
	"go.uber.org/zap"
)

const shutdownFlushTimeout = 2 * time.Second

// Intervals carries the three polling cadences.
type Intervals struct {
	ConsumeTick time.Duration
	SyncFlush   time.Duration
	LockoutPoll time.Duration
}

// Validate applies the stock cadences to unset fields.
func (intervals *Intervals) Validate() {
	if intervals.ConsumeTick <= 0 {
		intervals.ConsumeTick = time.Minute
	}
	if intervals.SyncFlush <= 0 {
		intervals.SyncFlush = 30 * time.Second
	}
	if intervals.LockoutPoll <= 0 {
		intervals.LockoutPoll = 10 * time.Second
	}
}

// Scheduler runs the consumption tick, the pending-spend flush, and the
// lockout poll on one goroutine. A single select loop keeps every callback
// atomic relative to the others without extra locking, and all timers stop
// together on shutdown.
type Scheduler struct {
	monitor   *Monitor
	ledger    *credit.Ledger
	machine   *lockout.Machine
	intervals Intervals
	logger    *zap.Logger
}

// NewScheduler wires a Scheduler.
func NewScheduler(monitor *Monitor, ledger *credit.Ledger, machine *lockout.Machine, intervals Intervals, logger *zap.Logger) *Scheduler {
	intervals.Validate()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		monitor:   monitor,
		ledger:    ledger,
		machine:   machine,
		intervals: intervals,
		logger:    logger,
	}
}

// Run blocks until the context is cancelled. On shutdown it attempts one
// best-effort flush of pending spend so locally accounted usage is reported
// when connectivity allows; a failed final flush leaves the pending counter
// persisted for the next launch.
func (scheduler *Scheduler) Run(ctx context.Context) error {
	consumeTicker := time.NewTicker(scheduler.intervals.ConsumeTick)
	flushTicker := time.NewTicker(scheduler.intervals.SyncFlush)
	pollTicker := time.NewTicker(scheduler.intervals.LockoutPoll)
	defer consumeTicker.Stop()
	defer flushTicker.Stop()
	defer pollTicker.Stop()

	scheduler.machine.Evaluate(ctx)

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
			if err := scheduler.ledger.FlushPendingSpend(flushCtx); err != nil {
				scheduler.logger.Debug("final pending-spend flush failed", zap.Error(err))
			}
			cancel()
			return nil
		case <-consumeTicker.C:
			scheduler.monitor.Tick(ctx)
		case <-flushTicker.C:
			if err := scheduler.ledger.FlushPendingSpend(ctx); err != nil {
				scheduler.logger.Debug("pending-spend flush failed, will retry", zap.Error(err))
			}
		case <-pollTicker.C:
			scheduler.machine.Evaluate(ctx)
		}
	}
}
