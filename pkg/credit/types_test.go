package credit

import (
	"errors"
	"testing"
	"time"
)

func TestMinutesFromHoursRoundsUp(test *testing.T) {
	test.Parallel()
	cases := []struct {
		hours    float64
		expected Minutes
	}{
		{1.0, 60},
		{0.5, 30},
		{1.0 / 60, 1},
		{0.016, 1},
		{1.51, 91},
	}
	for _, entry := range cases {
		if got := MinutesFromHours(entry.hours); got != entry.expected {
			test.Errorf("MinutesFromHours(%v) = %d, expected %d", entry.hours, got, entry.expected)
		}
	}
}

func TestNewBatchValidation(test *testing.T) {
	test.Parallel()
	earnedAt := testEpoch
	expiresAt := earnedAt.Add(48 * time.Hour)

	if _, err := NewBatch("", earnedAt, 60, expiresAt, ""); !errors.Is(err, ErrInvalidBatch) {
		test.Fatalf("expected ErrInvalidBatch for empty source, got %v", err)
	}
	if _, err := NewBatch("run", earnedAt, 0, expiresAt, ""); !errors.Is(err, ErrInvalidMinutes) {
		test.Fatalf("expected ErrInvalidMinutes for zero grant, got %v", err)
	}
	if _, err := NewBatch("run", earnedAt, 60, earnedAt, ""); !errors.Is(err, ErrInvalidBatch) {
		test.Fatalf("expected ErrInvalidBatch for non-future expiry, got %v", err)
	}
	if _, err := NewBatch("run", earnedAt, 60, expiresAt, "not json"); !errors.Is(err, ErrInvalidMetadataJSON) {
		test.Fatalf("expected ErrInvalidMetadataJSON, got %v", err)
	}

	batch, err := NewBatch("  run  ", earnedAt, 60, expiresAt, "")
	if err != nil {
		test.Fatalf("new batch: %v", err)
	}
	if batch.Source != "run" {
		test.Fatalf("source not trimmed: %q", batch.Source)
	}
	if batch.MetadataJSON != "{}" {
		test.Fatalf("empty metadata not defaulted: %q", batch.MetadataJSON)
	}
	if batch.ID == "" {
		test.Fatalf("batch id not assigned")
	}
}

func TestClampedRepairsImpossibleState(test *testing.T) {
	test.Parallel()
	corrupt := Batch{
		ID:             "row-1",
		Source:         "run",
		GrantedMinutes: 60,
		UsedMinutes:    90,
	}
	repaired := corrupt.Clamped()
	if repaired.UsedMinutes != 60 {
		test.Fatalf("expected used clamped to granted, got %d", repaired.UsedMinutes)
	}

	negative := Batch{GrantedMinutes: 60, UsedMinutes: -5, EmergencyRemaining: -1}
	repaired = negative.Clamped()
	if repaired.UsedMinutes != 0 || repaired.EmergencyRemaining != 0 {
		test.Fatalf("expected negative counters clamped to zero, got %+v", repaired)
	}
}

func TestEmergencyBatchDrainsByWallClock(test *testing.T) {
	test.Parallel()
	grantedAt := testEpoch
	batch, err := NewEmergencyBatch(grantedAt, 30)
	if err != nil {
		test.Fatalf("new emergency batch: %v", err)
	}

	// Ten minutes in, a third of the grace period is gone with zero edits.
	partway := batch.Refreshed(grantedAt.Add(10 * time.Minute))
	if partway.EmergencyRemaining != 20 {
		test.Fatalf("expected 20 minutes remaining, got %d", partway.EmergencyRemaining)
	}
	if partway.Expired(grantedAt.Add(10 * time.Minute)) {
		test.Fatalf("batch expired too early")
	}

	// Thirty-one minutes in, the batch is spent and expired.
	after := batch.Refreshed(grantedAt.Add(31 * time.Minute))
	if after.EmergencyRemaining != 0 {
		test.Fatalf("expected 0 minutes remaining, got %d", after.EmergencyRemaining)
	}
	if !after.Expired(grantedAt.Add(31 * time.Minute)) {
		test.Fatalf("expected expired batch after the grace period elapsed")
	}
}

func TestRefreshedLeavesRegularBatchesAlone(test *testing.T) {
	test.Parallel()
	batch, err := NewBatch("run", testEpoch, 60, testEpoch.Add(48*time.Hour), "")
	if err != nil {
		test.Fatalf("new batch: %v", err)
	}
	refreshed := batch.Refreshed(testEpoch.Add(24 * time.Hour))
	if refreshed != batch {
		test.Fatalf("regular batch mutated by refresh: %+v", refreshed)
	}
}

func TestDayKeyUsesUTCISODate(test *testing.T) {
	test.Parallel()
	at := time.Date(2026, time.March, 10, 23, 30, 0, 0, time.FixedZone("UTC+2", 2*3600))
	if got := DayKey(at); got != "2026-03-10" {
		test.Fatalf("expected 2026-03-10, got %q", got)
	}
}
