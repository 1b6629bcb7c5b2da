package credit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Ledger reconciles the local credit store with the remote authoritative
// balance. Availability is remote-balance-minus-pending-spend while a session
// is authenticated and reachable, and the local batch sum otherwise. Local
// spend is optimistic: it lands in pendingSpendMinutes immediately and is
// reported to the backend by a periodic flush.
type Ledger struct {
	store         Store
	remote        BalanceService
	nowFn         func() time.Time
	logger        OperationLogger
	notifier      Notifier
	remoteTimeout time.Duration

	mutex     sync.Mutex
	listeners []func()
}

// NewLedger wires a Ledger. The remote balance service may be nil; the ledger
// then runs in local-only mode, which is a supported first-class mode rather
// than a degraded one.
func NewLedger(store Store, remote BalanceService, now func() time.Time, options ...LedgerOption) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	ledger := &Ledger{
		store:         store,
		remote:        remote,
		nowFn:         now,
		remoteTimeout: defaultRemoteTimeout,
	}
	for _, option := range options {
		if option != nil {
			option(ledger)
		}
	}
	return ledger, nil
}

// OnBalanceChange registers a listener invoked after any mutation that changes
// availability. Listeners run synchronously on the mutating call.
func (ledger *Ledger) OnBalanceChange(listener func()) {
	if listener == nil {
		return
	}
	ledger.mutex.Lock()
	defer ledger.mutex.Unlock()
	ledger.listeners = append(ledger.listeners, listener)
}

// AddBatch appends an earned batch to the store. Batches are never merged.
func (ledger *Ledger) AddBatch(ctx context.Context, batch Batch) error {
	ledger.mutex.Lock()
	defer ledger.mutex.Unlock()

	operationError := ledger.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		return transactionStore.InsertBatch(ctx, batch)
	})
	ledger.logOperation(ctx, OperationLog{
		Operation: operationAddBatch,
		Source:    batch.Source,
		Minutes:   batch.GrantedMinutes,
		Error:     operationError,
	})
	if operationError != nil {
		return operationError
	}
	ledger.notifyUser(fmt.Sprintf("Earned %d minutes of coding time from %s.", batch.GrantedMinutes, batch.Source))
	ledger.notifyBalanceChanged()
	return nil
}

// AvailableHours is the single source of truth for "can the user code right
// now", in fractional hours.
func (ledger *Ledger) AvailableHours(ctx context.Context) (float64, error) {
	minutes, err := ledger.AvailableMinutes(ctx)
	if err != nil {
		return 0, err
	}
	return minutes.Hours(), nil
}

// AvailableMinutes returns the current availability in whole minutes.
func (ledger *Ledger) AvailableMinutes(ctx context.Context) (Minutes, error) {
	ledger.mutex.Lock()
	defer ledger.mutex.Unlock()
	return ledger.availableMinutes(ctx)
}

// ConsumeHours withdraws the requested fractional hours from availability.
// ErrInsufficientCredit is returned, with no state mutated, when the request
// exceeds the current availability; it is an expected outcome, not a fault.
func (ledger *Ledger) ConsumeHours(ctx context.Context, hours float64) error {
	if hours <= 0 {
		return fmt.Errorf("%w: consumption must be greater than zero", ErrInvalidMinutes)
	}
	ledger.mutex.Lock()
	defer ledger.mutex.Unlock()

	requested := MinutesFromHours(hours)
	available, err := ledger.availableMinutes(ctx)
	if err != nil {
		return err
	}
	if available < requested {
		ledger.logOperation(ctx, OperationLog{
			Operation: operationConsume,
			Minutes:   requested,
			Error:     ErrInsufficientCredit,
		})
		return ErrInsufficientCredit
	}

	now := ledger.nowFn()
	operationError := ledger.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		pending, err := transactionStore.PendingSpend(ctx)
		if err != nil {
			return err
		}
		if err := transactionStore.SetPendingSpend(ctx, pending+requested); err != nil {
			return err
		}
		return drainBatches(ctx, transactionStore, now, requested)
	})
	ledger.logOperation(ctx, OperationLog{
		Operation: operationConsume,
		Minutes:   requested,
		Error:     operationError,
	})
	if operationError != nil {
		return operationError
	}
	ledger.notifyBalanceChanged()
	return nil
}

// FlushPendingSpend reports the accumulated local spend to the remote balance
// service. Pending spend is cleared only after the remote confirms; on failure
// it stays untouched and keeps suppressing the reported remote balance until
// the next retry.
func (ledger *Ledger) FlushPendingSpend(ctx context.Context) error {
	ledger.mutex.Lock()
	defer ledger.mutex.Unlock()

	if ledger.remote == nil || !ledger.remote.Authenticated() {
		return nil
	}
	pending, err := ledger.store.PendingSpend(ctx)
	if err != nil {
		return err
	}
	if pending == 0 {
		return nil
	}

	remoteCtx, cancel := context.WithTimeout(ctx, ledger.remoteTimeout)
	defer cancel()
	reason := fmt.Sprintf("focused editor time (%d min)", pending)
	if err := ledger.remote.Spend(remoteCtx, pending, reason); err != nil {
		operationError := WrapError(operationFlush, "remote", "spend", err)
		ledger.logOperation(ctx, OperationLog{
			Operation: operationFlush,
			Minutes:   pending,
			Error:     operationError,
		})
		return operationError
	}
	if err := ledger.store.SetPendingSpend(ctx, 0); err != nil {
		return err
	}
	ledger.logOperation(ctx, OperationLog{
		Operation: operationFlush,
		Minutes:   pending,
	})
	ledger.notifyBalanceChanged()
	return nil
}

// GrantEmergency creates a wall-clock-draining grace batch. This is a
// user-initiated action: when a session is authenticated, a remote grant
// failure is reported to the caller instead of being absorbed. Without a
// session the grant is local-only.
func (ledger *Ledger) GrantEmergency(ctx context.Context, graceMinutes Minutes) (Batch, error) {
	ledger.mutex.Lock()
	defer ledger.mutex.Unlock()

	batch, err := NewEmergencyBatch(ledger.nowFn(), graceMinutes)
	if err != nil {
		return Batch{}, err
	}
	if ledger.remote != nil && ledger.remote.Authenticated() {
		remoteCtx, cancel := context.WithTimeout(ctx, ledger.remoteTimeout)
		defer cancel()
		if err := ledger.remote.GrantEmergency(remoteCtx, graceMinutes); err != nil {
			operationError := WrapError(operationGrantEmergency, "remote", "grant", err)
			ledger.logOperation(ctx, OperationLog{
				Operation: operationGrantEmergency,
				Minutes:   graceMinutes,
				Error:     operationError,
			})
			return Batch{}, operationError
		}
	}
	operationError := ledger.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		return transactionStore.InsertBatch(ctx, batch)
	})
	ledger.logOperation(ctx, OperationLog{
		Operation: operationGrantEmergency,
		Source:    batch.Source,
		Minutes:   graceMinutes,
		Error:     operationError,
	})
	if operationError != nil {
		return Batch{}, operationError
	}
	ledger.notifyUser(fmt.Sprintf("Emergency unlock granted: %d minutes.", graceMinutes))
	ledger.notifyBalanceChanged()
	return batch, nil
}

// ResetAll clears the local store and, when authenticated, the server-side
// account. Debug operation; remote failure is reported to the caller.
func (ledger *Ledger) ResetAll(ctx context.Context) error {
	ledger.mutex.Lock()
	defer ledger.mutex.Unlock()

	if err := ledger.store.Reset(ctx); err != nil {
		ledger.logOperation(ctx, OperationLog{Operation: operationResetAll, Error: err})
		return err
	}
	if ledger.remote != nil && ledger.remote.Authenticated() {
		remoteCtx, cancel := context.WithTimeout(ctx, ledger.remoteTimeout)
		defer cancel()
		if err := ledger.remote.ResetAll(remoteCtx); err != nil {
			operationError := WrapError(operationResetAll, "remote", "reset", err)
			ledger.logOperation(ctx, OperationLog{Operation: operationResetAll, Error: operationError})
			return operationError
		}
	}
	ledger.logOperation(ctx, OperationLog{Operation: operationResetAll})
	ledger.notifyBalanceChanged()
	return nil
}

// RecordCodingMinute adds one minute to today's coding-time counter. The daily
// counter is independent of the credit balance.
func (ledger *Ledger) RecordCodingMinute(ctx context.Context) error {
	return ledger.store.AddDailyUsage(ctx, DayKey(ledger.nowFn()), 1)
}

// DailyMinutesUsed reports today's coding minutes.
func (ledger *Ledger) DailyMinutesUsed(ctx context.Context) (Minutes, error) {
	return ledger.store.DailyUsage(ctx, DayKey(ledger.nowFn()))
}

// PendingSpendMinutes exposes the unflushed local spend for status views.
func (ledger *Ledger) PendingSpendMinutes(ctx context.Context) (Minutes, error) {
	return ledger.store.PendingSpend(ctx)
}

// History returns the most recently earned batches, newest first.
func (ledger *Ledger) History(ctx context.Context, limit int) ([]Batch, error) {
	batches, err := ledger.store.ListBatches(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(batches, func(left, right int) bool {
		return batches[left].EarnedAt.After(batches[right].EarnedAt)
	})
	if limit > 0 && len(batches) > limit {
		batches = batches[:limit]
	}
	return batches, nil
}

// availableMinutes computes availability with the caller holding the mutex.
// The remote path is tried first; any remote failure falls back to the local
// batch sum silently, because local-only operation is a supported mode.
func (ledger *Ledger) availableMinutes(ctx context.Context) (Minutes, error) {
	if remoteMinutes, ok := ledger.remoteAvailableMinutes(ctx); ok {
		return remoteMinutes, nil
	}
	return ledger.localAvailableMinutes(ctx)
}

func (ledger *Ledger) remoteAvailableMinutes(ctx context.Context) (Minutes, bool) {
	if ledger.remote == nil || !ledger.remote.Authenticated() {
		return 0, false
	}
	remoteCtx, cancel := context.WithTimeout(ctx, ledger.remoteTimeout)
	defer cancel()
	balance, err := ledger.remote.Balance(remoteCtx)
	if err != nil {
		return 0, false
	}
	pending, err := ledger.store.PendingSpend(ctx)
	if err != nil {
		return 0, false
	}
	available := balance.AvailableMinutes - pending
	if available < 0 {
		available = 0
	}
	return available, true
}

func (ledger *Ledger) localAvailableMinutes(ctx context.Context) (Minutes, error) {
	now := ledger.nowFn()
	var total Minutes
	err := ledger.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.PurgeExpired(ctx, now); err != nil {
			return err
		}
		batches, err := transactionStore.ListBatches(ctx)
		if err != nil {
			return err
		}
		total = 0
		for _, batch := range batches {
			refreshed := batch.Refreshed(now)
			if refreshed != batch {
				if err := transactionStore.UpdateBatch(ctx, refreshed); err != nil {
					return err
				}
			}
			if refreshed.Expired(now) {
				continue
			}
			total += refreshed.RemainingMinutes()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// drainBatches mirrors a consumption into the local batches, oldest expiry
// first, so banked time is not lost to expiry while newer credit sits unused.
// When the remote balance authorized more than the local mirror holds, the
// mirror is drained as far as it goes.
func drainBatches(ctx context.Context, transactionStore Store, now time.Time, amount Minutes) error {
	if err := transactionStore.PurgeExpired(ctx, now); err != nil {
		return err
	}
	batches, err := transactionStore.ListBatches(ctx)
	if err != nil {
		return err
	}
	sort.Slice(batches, func(left, right int) bool {
		return batches[left].ExpiresAt.Before(batches[right].ExpiresAt)
	})
	remainingToDrain := amount
	for _, batch := range batches {
		if remainingToDrain == 0 {
			break
		}
		refreshed := batch.Refreshed(now)
		if refreshed.Expired(now) {
			if refreshed != batch {
				if err := transactionStore.UpdateBatch(ctx, refreshed); err != nil {
					return err
				}
			}
			continue
		}
		take := refreshed.RemainingMinutes()
		if take > remainingToDrain {
			take = remainingToDrain
		}
		if take == 0 {
			continue
		}
		refreshed.UsedMinutes += take
		remainingToDrain -= take
		if err := transactionStore.UpdateBatch(ctx, refreshed); err != nil {
			return err
		}
	}
	return nil
}

func (ledger *Ledger) logOperation(ctx context.Context, entry OperationLog) {
	if ledger.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	ledger.logger.LogOperation(ctx, entry)
}

func (ledger *Ledger) notifyUser(message string) {
	if ledger.notifier == nil {
		return
	}
	ledger.notifier.Notify(message)
}

func (ledger *Ledger) notifyBalanceChanged() {
	for _, listener := range ledger.listeners {
		listener()
	}
}
