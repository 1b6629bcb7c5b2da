package lockout

import (
	"context"
	"testing"
	"time"

	"github.com/dontskiphq/dontskip/pkg/credit"
	"go.uber.org/zap"
)

var testEpoch = time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	now time.Time
}

func (clock *fakeClock) Now() time.Time {
	return clock.now
}

func (clock *fakeClock) Advance(delta time.Duration) {
	clock.now = clock.now.Add(delta)
}

type memoryStore struct {
	batches []credit.Batch
	pending credit.Minutes
	daily   map[string]credit.Minutes
}

func newMemoryStore() *memoryStore {
	return &memoryStore{daily: map[string]credit.Minutes{}}
}

func (store *memoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credit.Store) error) error {
	return fn(ctx, store)
}

func (store *memoryStore) ListBatches(context.Context) ([]credit.Batch, error) {
	listed := make([]credit.Batch, len(store.batches))
	copy(listed, store.batches)
	return listed, nil
}

func (store *memoryStore) InsertBatch(_ context.Context, batch credit.Batch) error {
	store.batches = append(store.batches, batch)
	return nil
}

func (store *memoryStore) UpdateBatch(_ context.Context, batch credit.Batch) error {
	for index := range store.batches {
		if store.batches[index].ID == batch.ID {
			store.batches[index] = batch
			return nil
		}
	}
	return credit.ErrUnknownBatch
}

func (store *memoryStore) PurgeExpired(_ context.Context, before time.Time) error {
	kept := store.batches[:0]
	for _, batch := range store.batches {
		if !batch.Expired(before) {
			kept = append(kept, batch)
		}
	}
	store.batches = kept
	return nil
}

func (store *memoryStore) PendingSpend(context.Context) (credit.Minutes, error) {
	return store.pending, nil
}

func (store *memoryStore) SetPendingSpend(_ context.Context, minutes credit.Minutes) error {
	store.pending = minutes
	return nil
}

func (store *memoryStore) AddDailyUsage(_ context.Context, day string, minutes credit.Minutes) error {
	store.daily[day] += minutes
	return nil
}

func (store *memoryStore) DailyUsage(_ context.Context, day string) (credit.Minutes, error) {
	return store.daily[day], nil
}

func (store *memoryStore) Reset(context.Context) error {
	store.batches = nil
	store.pending = 0
	store.daily = map[string]credit.Minutes{}
	return nil
}

type recordingHost struct {
	reverted []DocumentChange
	notices  []string
}

func (host *recordingHost) RevertChange(change DocumentChange) error {
	host.reverted = append(host.reverted, change)
	return nil
}

func (host *recordingHost) ShowNotice(message string) {
	host.notices = append(host.notices, message)
}

func newTestMachine(test *testing.T, store credit.Store, clock *fakeClock, dailyLimitMinutes credit.Minutes) (*Machine, *recordingHost, *credit.Ledger) {
	test.Helper()
	ledger, err := credit.NewLedger(store, nil, clock.Now)
	if err != nil {
		test.Fatalf("new ledger: %v", err)
	}
	host := &recordingHost{}
	machine, err := NewMachine(ledger, host, dailyLimitMinutes, 30, zap.NewNop())
	if err != nil {
		test.Fatalf("new machine: %v", err)
	}
	return machine, host, ledger
}

func addWorkoutBatch(test *testing.T, ledger *credit.Ledger, clock *fakeClock, grantedMinutes credit.Minutes) {
	test.Helper()
	batch, err := credit.NewBatch("workout", clock.Now(), grantedMinutes, clock.Now().Add(48*time.Hour), "")
	if err != nil {
		test.Fatalf("new batch: %v", err)
	}
	if err := ledger.AddBatch(context.Background(), batch); err != nil {
		test.Fatalf("add batch: %v", err)
	}
}

func TestEvaluateLocksWithoutCredit(test *testing.T) {
	test.Parallel()
	clock := &fakeClock{now: testEpoch}
	store := newMemoryStore()
	machine, _, _ := newTestMachine(test, store, clock, 480)

	if state := machine.Evaluate(context.Background()); state != StateLocked {
		test.Fatalf("expected Locked with zero credit, got %s", state)
	}
}

func TestEvaluateUnlocksAfterCreditAdded(test *testing.T) {
	test.Parallel()
	clock := &fakeClock{now: testEpoch}
	store := newMemoryStore()
	machine, _, ledger := newTestMachine(test, store, clock, 480)

	machine.Lock()
	addWorkoutBatch(test, ledger, clock, 60)
	if state := machine.Evaluate(context.Background()); state != StateUnlocked {
		test.Fatalf("expected Unlocked after credit added, got %s", state)
	}
}

func TestDailyCapLocksRegardlessOfBalance(test *testing.T) {
	test.Parallel()
	clock := &fakeClock{now: testEpoch}
	store := newMemoryStore()
	machine, _, ledger := newTestMachine(test, store, clock, 120)

	addWorkoutBatch(test, ledger, clock, 600)
	store.daily[credit.DayKey(clock.Now())] = 120

	if state := machine.Evaluate(context.Background()); state != StateLocked {
		test.Fatalf("expected Locked at the daily cap despite abundant credit, got %s", state)
	}

	// Calendar rollover clears the cap; the same poll unlocks.
	clock.Advance(24 * time.Hour)
	if state := machine.Evaluate(context.Background()); state != StateUnlocked {
		test.Fatalf("expected Unlocked after day rollover, got %s", state)
	}
}

func TestLockedRevertsEditsAndKeepsPendingSpend(test *testing.T) {
	test.Parallel()
	clock := &fakeClock{now: testEpoch}
	store := newMemoryStore()
	machine, host, _ := newTestMachine(test, store, clock, 480)

	machine.Evaluate(context.Background()) // settles to Locked with no credit
	pendingBefore := store.pending

	change := DocumentChange{DocumentURI: "file:///main.go", Description: "insert 'x'"}
	reverted, err := machine.HandleDocumentChange(change)
	if err != nil {
		test.Fatalf("handle change: %v", err)
	}
	if !reverted {
		test.Fatalf("expected locked edit to be reverted")
	}
	if len(host.reverted) != 1 || host.reverted[0].DocumentURI != "file:///main.go" {
		test.Fatalf("revert not delivered to host: %+v", host.reverted)
	}
	if len(host.notices) == 0 {
		test.Fatalf("expected a lockout notice")
	}
	if store.pending != pendingBefore {
		test.Fatalf("reverted edit changed pending spend: %d -> %d", pendingBefore, store.pending)
	}
}

func TestUnlockedEditsPassThrough(test *testing.T) {
	test.Parallel()
	clock := &fakeClock{now: testEpoch}
	store := newMemoryStore()
	machine, host, ledger := newTestMachine(test, store, clock, 480)

	addWorkoutBatch(test, ledger, clock, 60)
	machine.Evaluate(context.Background())

	reverted, err := machine.HandleDocumentChange(DocumentChange{DocumentURI: "file:///main.go"})
	if err != nil {
		test.Fatalf("handle change: %v", err)
	}
	if reverted || len(host.reverted) != 0 {
		test.Fatalf("unlocked edit must not be reverted")
	}
}

func TestSaveVetoWhileLocked(test *testing.T) {
	test.Parallel()
	clock := &fakeClock{now: testEpoch}
	store := newMemoryStore()
	machine, _, ledger := newTestMachine(test, store, clock, 480)

	machine.Evaluate(context.Background())
	if machine.AllowSave() {
		test.Fatalf("expected save vetoed while locked")
	}

	addWorkoutBatch(test, ledger, clock, 60)
	machine.Evaluate(context.Background())
	if !machine.AllowSave() {
		test.Fatalf("expected save allowed while unlocked")
	}
}

func TestEmergencyUnlockGrantsGraceAndRelocksByWallClock(test *testing.T) {
	test.Parallel()
	clock := &fakeClock{now: testEpoch}
	store := newMemoryStore()
	machine, _, _ := newTestMachine(test, store, clock, 480)

	machine.Evaluate(context.Background())
	if machine.State() != StateLocked {
		test.Fatalf("precondition: expected Locked")
	}

	batch, err := machine.EmergencyUnlock(context.Background())
	if err != nil {
		test.Fatalf("emergency unlock: %v", err)
	}
	if !batch.IsEmergency || batch.EmergencyRemaining != 30 {
		test.Fatalf("unexpected emergency batch %+v", batch)
	}
	if machine.State() != StateUnlocked {
		test.Fatalf("expected immediate unlock")
	}

	// The grace period drains on wall clock alone: 31 minutes later, with
	// zero consumption calls, the next poll re-locks.
	clock.Advance(31 * time.Minute)
	if state := machine.Evaluate(context.Background()); state != StateLocked {
		test.Fatalf("expected re-lock after the grace period elapsed, got %s", state)
	}
}
