// Package lockout decides whether the editor is usable and enforces the
// decision: reverting edits, vetoing saves, and offering the emergency
// unlock escape hatch.
package lockout

import (
	"context"
	"fmt"
	"sync"

	"github.com/dontskiphq/dontskip/pkg/credit"
	"go.uber.org/zap"
)

// State enumerates the machine states.
type State string

const (
	StateUnlocked State = "unlocked"
	StateLocked   State = "locked"
)

const lockoutNotice = "Coding time is up. Complete a workout to earn more, or use an emergency unlock."

// DocumentChange describes one edit event delivered by the editor host.
type DocumentChange struct {
	DocumentURI string
	Description string
}

// EditorHost is the surface the machine drives. Implementations revert edits
// that slipped through while locked and deliver lockout notices.
type EditorHost interface {
	RevertChange(change DocumentChange) error
	ShowNotice(message string)
}

// Machine is the lockout state machine. It consumes ledger availability plus
// the daily cap and owns the Locked/Unlocked decision.
type Machine struct {
	ledger            *credit.Ledger
	host              EditorHost
	dailyLimitMinutes credit.Minutes
	graceMinutes      credit.Minutes
	logger            *zap.Logger

	mutex sync.Mutex
	state State
}

// NewMachine wires a Machine. The initial state is Unlocked; the first
// Evaluate call settles it from real availability.
func NewMachine(ledger *credit.Ledger, host EditorHost, dailyLimitMinutes credit.Minutes, graceMinutes credit.Minutes, logger *zap.Logger) (*Machine, error) {
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", credit.ErrInvalidServiceConfig)
	}
	if host == nil {
		return nil, fmt.Errorf("%w: editor host dependency is nil", credit.ErrInvalidServiceConfig)
	}
	if graceMinutes <= 0 {
		return nil, fmt.Errorf("%w: grace period must be greater than zero", credit.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		ledger:            ledger,
		host:              host,
		dailyLimitMinutes: dailyLimitMinutes,
		graceMinutes:      graceMinutes,
		logger:            logger,
		state:             StateUnlocked,
	}, nil
}

// State returns the current state.
func (machine *Machine) State() State {
	machine.mutex.Lock()
	defer machine.mutex.Unlock()
	return machine.state
}

// Evaluate is the periodic status check. It re-derives the state from ledger
// availability and the daily cap, catching day rollover and externally-driven
// balance changes. Steady-state ledger failures keep the previous state.
func (machine *Machine) Evaluate(ctx context.Context) State {
	availableHours, err := machine.ledger.AvailableHours(ctx)
	if err != nil {
		machine.logger.Debug("availability check failed, keeping state", zap.Error(err))
		return machine.State()
	}
	dailyUsed, err := machine.ledger.DailyMinutesUsed(ctx)
	if err != nil {
		machine.logger.Debug("daily usage check failed, keeping state", zap.Error(err))
		return machine.State()
	}

	capReached := machine.dailyLimitMinutes > 0 && dailyUsed >= machine.dailyLimitMinutes
	if availableHours <= 0 || capReached {
		machine.transition(StateLocked)
	} else {
		machine.transition(StateUnlocked)
	}
	return machine.State()
}

// Lock forces the Locked state. Called by the activity monitor when a
// consumption attempt is refused.
func (machine *Machine) Lock() {
	machine.transition(StateLocked)
}

// HandleDocumentChange reverts the edit and shows a notice when locked.
// The returned bool reports whether the change was reverted.
func (machine *Machine) HandleDocumentChange(change DocumentChange) (bool, error) {
	if machine.State() != StateLocked {
		return false, nil
	}
	if err := machine.host.RevertChange(change); err != nil {
		machine.logger.Warn("failed to revert edit while locked",
			zap.String("document", change.DocumentURI), zap.Error(err))
		return false, err
	}
	machine.host.ShowNotice(lockoutNotice)
	return true, nil
}

// AllowSave vetoes save attempts while locked.
func (machine *Machine) AllowSave() bool {
	return machine.State() != StateLocked
}

// EmergencyUnlock grants the configured grace period and unlocks immediately.
// User-invoked; the caller handles confirmation, and failures (including a
// remote grant refusal) are reported back rather than absorbed.
func (machine *Machine) EmergencyUnlock(ctx context.Context) (credit.Batch, error) {
	batch, err := machine.ledger.GrantEmergency(ctx, machine.graceMinutes)
	if err != nil {
		return credit.Batch{}, err
	}
	machine.transition(StateUnlocked)
	return batch, nil
}

func (machine *Machine) transition(next State) {
	machine.mutex.Lock()
	previous := machine.state
	machine.state = next
	machine.mutex.Unlock()

	if previous == next {
		return
	}
	machine.logger.Info("lockout state changed",
		zap.String("from", string(previous)), zap.String("to", string(next)))
	if next == StateLocked {
		machine.host.ShowNotice(lockoutNotice)
	}
}
