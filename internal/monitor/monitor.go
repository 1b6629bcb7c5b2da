// Package monitor drives time-based credit consumption from editor focus and
// edit events.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dontskiphq/dontskip/internal/lockout"
	"github.com/dontskiphq/dontskip/pkg/credit"
	"go.uber.org/zap"
)

const minuteHours = 1.0 / 60

// Monitor observes focus and edit events and, once per focused minute,
// instructs the ledger to consume one minute of credit. Billing is strictly
// time-based per focused minute, never per keystroke: one paste costs the
// same as one character.
type Monitor struct {
	ledger  *credit.Ledger
	machine *lockout.Machine
	nowFn   func() time.Time
	logger  *zap.Logger

	mutex         sync.Mutex
	sessionActive bool
	windowFocused bool
	lastEditAt    time.Time
}

// NewMonitor wires a Monitor.
func NewMonitor(ledger *credit.Ledger, machine *lockout.Machine, now func() time.Time, logger *zap.Logger) (*Monitor, error) {
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", credit.ErrInvalidServiceConfig)
	}
	if machine == nil {
		return nil, fmt.Errorf("%w: lockout machine dependency is nil", credit.ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", credit.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		ledger:  ledger,
		machine: machine,
		nowFn:   now,
		logger:  logger,
	}, nil
}

// HandleFocusGained starts a session on first focus and resumes consumption
// on later ones.
func (monitor *Monitor) HandleFocusGained() {
	monitor.mutex.Lock()
	defer monitor.mutex.Unlock()
	monitor.windowFocused = true
	if !monitor.sessionActive {
		monitor.sessionActive = true
		monitor.lastEditAt = time.Time{}
		monitor.logger.Info("coding session started")
	}
}

// HandleFocusLost suspends consumption without ending the session; ticks are
// no-ops until focus returns, and nothing has to be re-earned.
func (monitor *Monitor) HandleFocusLost() {
	monitor.mutex.Lock()
	defer monitor.mutex.Unlock()
	monitor.windowFocused = false
}

// HandleDocumentChange records the edit timestamp and delegates lockout
// enforcement. Edits are observed for responsiveness only; they are not a
// billing trigger.
func (monitor *Monitor) HandleDocumentChange(change lockout.DocumentChange) (bool, error) {
	monitor.mutex.Lock()
	monitor.lastEditAt = monitor.nowFn()
	monitor.mutex.Unlock()
	return monitor.machine.HandleDocumentChange(change)
}

// LastEditAt reports the most recent observed edit.
func (monitor *Monitor) LastEditAt() time.Time {
	monitor.mutex.Lock()
	defer monitor.mutex.Unlock()
	return monitor.lastEditAt
}

// SessionActive reports whether a coding session has started.
func (monitor *Monitor) SessionActive() bool {
	monitor.mutex.Lock()
	defer monitor.mutex.Unlock()
	return monitor.sessionActive
}

// Tick is the per-minute consumption step. While focused, in a session, and
// not locked, it records one coding minute and consumes one minute of credit.
// A refused consumption locks the machine; every other failure is absorbed
// (treated as offline) per the steady-state propagation policy.
func (monitor *Monitor) Tick(ctx context.Context) {
	monitor.mutex.Lock()
	billable := monitor.windowFocused && monitor.sessionActive
	monitor.mutex.Unlock()
	if !billable {
		return
	}
	if monitor.machine.State() == lockout.StateLocked {
		return
	}

	if err := monitor.ledger.RecordCodingMinute(ctx); err != nil {
		monitor.logger.Debug("recording coding minute failed", zap.Error(err))
	}
	err := monitor.ledger.ConsumeHours(ctx, minuteHours)
	if err == nil {
		return
	}
	if errors.Is(err, credit.ErrInsufficientCredit) {
		monitor.logger.Info("credit exhausted, locking editor")
		monitor.machine.Lock()
		return
	}
	monitor.logger.Debug("consumption tick failed", zap.Error(err))
}
