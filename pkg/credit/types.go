package credit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Minutes is an integer amount of coding-time minutes.
type Minutes int64

// Hours converts minutes to fractional hours.
func (minutes Minutes) Hours() float64 {
	return float64(minutes) / minutesPerHour
}

// Int64 returns the raw minute count.
func (minutes Minutes) Int64() int64 {
	return int64(minutes)
}

// MinutesFromHours converts fractional hours to whole minutes, rounding up so
// partial minutes are always charged in full. The epsilon keeps float
// representation error (1.0/60 hours and friends) from rounding up to an
// extra minute.
func MinutesFromHours(hours float64) Minutes {
	return Minutes(math.Ceil(hours*minutesPerHour - 1e-9))
}

// Batch is one grant of coding time earned from a workout or an emergency
// unlock, with its own expiry.
type Batch struct {
	ID             string
	Source         string
	EarnedAt       time.Time
	GrantedMinutes Minutes
	UsedMinutes    Minutes
	ExpiresAt      time.Time
	IsEmergency    bool

	// EmergencyRemaining tracks the wall-clock minutes left on an emergency
	// batch. Zero for regular batches.
	EmergencyRemaining Minutes

	MetadataJSON string
}

// NewBatch validates and builds a regular credit batch.
func NewBatch(source string, earnedAt time.Time, grantedMinutes Minutes, expiresAt time.Time, metadataJSON string) (Batch, error) {
	trimmedSource := strings.TrimSpace(source)
	if trimmedSource == "" {
		return Batch{}, fmt.Errorf("%w: empty source", ErrInvalidBatch)
	}
	if grantedMinutes <= 0 {
		return Batch{}, fmt.Errorf("%w: granted minutes must be greater than zero", ErrInvalidMinutes)
	}
	if !expiresAt.After(earnedAt) {
		return Batch{}, fmt.Errorf("%w: expiry must be after the earn time", ErrInvalidBatch)
	}
	metadata, err := normalizeMetadataJSON(metadataJSON)
	if err != nil {
		return Batch{}, err
	}
	return Batch{
		ID:             uuid.NewString(),
		Source:         trimmedSource,
		EarnedAt:       earnedAt,
		GrantedMinutes: grantedMinutes,
		ExpiresAt:      expiresAt,
		MetadataJSON:   metadata,
	}, nil
}

// NewEmergencyBatch builds a grace-period batch. Its expiry is pinned to the
// grant time plus the grace period, so wall-clock drain and expiry agree.
func NewEmergencyBatch(grantedAt time.Time, graceMinutes Minutes) (Batch, error) {
	if graceMinutes <= 0 {
		return Batch{}, fmt.Errorf("%w: grace period must be greater than zero", ErrInvalidMinutes)
	}
	return Batch{
		ID:                 uuid.NewString(),
		Source:             emergencySource,
		EarnedAt:           grantedAt,
		GrantedMinutes:     graceMinutes,
		ExpiresAt:          grantedAt.Add(time.Duration(graceMinutes) * time.Minute),
		IsEmergency:        true,
		EmergencyRemaining: graceMinutes,
		MetadataJSON:       defaultMetadataJSON,
	}, nil
}

// RemainingMinutes reports the unspent capacity of the batch.
func (batch Batch) RemainingMinutes() Minutes {
	remaining := batch.GrantedMinutes - batch.UsedMinutes
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Expired reports whether the batch is void at the given instant.
func (batch Batch) Expired(now time.Time) bool {
	return now.After(batch.ExpiresAt)
}

// Refreshed applies wall-clock drain to emergency batches and returns the
// updated batch. Regular batches are returned unchanged. When the grace period
// has fully elapsed the expiry is forced to now so the next status check
// re-locks.
func (batch Batch) Refreshed(now time.Time) Batch {
	if !batch.IsEmergency {
		return batch
	}
	elapsed := Minutes(now.Sub(batch.EarnedAt) / time.Minute)
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := batch.GrantedMinutes - elapsed
	if remaining < 0 {
		remaining = 0
	}
	batch.EmergencyRemaining = remaining
	if remaining == 0 && batch.ExpiresAt.After(now) {
		batch.ExpiresAt = now
	}
	return batch
}

// Clamped repairs impossible persisted state: used minutes are forced into
// [0, granted]. Local storage has no external re-derivation path, so corrupt
// rows are repaired on load rather than rejected.
func (batch Batch) Clamped() Batch {
	if batch.UsedMinutes < 0 {
		batch.UsedMinutes = 0
	}
	if batch.UsedMinutes > batch.GrantedMinutes {
		batch.UsedMinutes = batch.GrantedMinutes
	}
	if batch.EmergencyRemaining < 0 {
		batch.EmergencyRemaining = 0
	}
	return batch
}

// RemoteBalance is the authoritative balance reported by the backend.
type RemoteBalance struct {
	AvailableMinutes Minutes
	EmergencyMinutes Minutes
	MaxDailyMinutes  Minutes
}

// Store is the persistence contract for the local credit state. It is
// process-exclusive; no multi-process sharing is assumed.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	ListBatches(ctx context.Context) ([]Batch, error)
	InsertBatch(ctx context.Context, batch Batch) error
	UpdateBatch(ctx context.Context, batch Batch) error
	PurgeExpired(ctx context.Context, before time.Time) error
	PendingSpend(ctx context.Context) (Minutes, error)
	SetPendingSpend(ctx context.Context, minutes Minutes) error
	AddDailyUsage(ctx context.Context, day string, minutes Minutes) error
	DailyUsage(ctx context.Context, day string) (Minutes, error)
	Reset(ctx context.Context) error
}

// BalanceService is the remote authoritative balance collaborator. Every
// operation is fallible; steady-state callers fall back to local computation
// on failure.
type BalanceService interface {
	Authenticated() bool
	Balance(ctx context.Context) (RemoteBalance, error)
	Spend(ctx context.Context, minutes Minutes, reason string) error
	GrantEmergency(ctx context.Context, minutes Minutes) error
	ResetAll(ctx context.Context) error
}

// DayKey formats a timestamp as the ISO date key used for daily counters.
func DayKey(at time.Time) string {
	return at.UTC().Format(dayKeyLayout)
}

func normalizeMetadataJSON(raw string) (string, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		return defaultMetadataJSON, nil
	}
	if !json.Valid([]byte(normalized)) {
		return "", fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return normalized, nil
}
