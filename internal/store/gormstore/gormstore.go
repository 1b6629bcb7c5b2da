package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/dontskiphq/dontskip/pkg/credit"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	syncStateRowID        = 1

	errorOperationStore = "store"
	errorSubjectBatch   = "batch"
	errorSubjectDaily   = "daily_usage"
	errorSubjectPending = "pending_spend"
	errorCodeDuplicate  = "duplicate"
	errorCodeGet        = "get"
	errorCodeInsert     = "insert"
	errorCodeList       = "list"
	errorCodePurge      = "purge"
	errorCodeReset      = "reset"
	errorCodeSet        = "set"
	errorCodeUpdate     = "update"
)

// Store implements credit.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the local tables. Intended for the embedded sqlite store.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&CreditBatch{}, &DailyUsage{}, &SyncState{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credit.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// ListBatches returns every persisted batch, clamped into a valid state on
// load (local rows have no external re-derivation path).
func (store *Store) ListBatches(ctx context.Context) ([]credit.Batch, error) {
	var rows []CreditBatch
	err := store.db.WithContext(ctx).Order("expires_at ASC").Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBatch, errorCodeList, err)
	}
	batches := make([]credit.Batch, 0, len(rows))
	for _, row := range rows {
		batches = append(batches, mapBatch(row).Clamped())
	}
	return batches, nil
}

func (store *Store) InsertBatch(ctx context.Context, batch credit.Batch) error {
	row := CreditBatch{
		BatchID:            batch.ID,
		Source:             batch.Source,
		EarnedAt:           batch.EarnedAt.UTC(),
		GrantedMinutes:     batch.GrantedMinutes.Int64(),
		UsedMinutes:        batch.UsedMinutes.Int64(),
		ExpiresAt:          batch.ExpiresAt.UTC(),
		IsEmergency:        batch.IsEmergency,
		EmergencyRemaining: batch.EmergencyRemaining.Int64(),
		Metadata:           datatypesJSON(batch.MetadataJSON),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueConflict(err) {
		return wrapStoreError(errorSubjectBatch, errorCodeDuplicate, credit.ErrDuplicateBatch)
	}
	if err != nil {
		return wrapStoreError(errorSubjectBatch, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) UpdateBatch(ctx context.Context, batch credit.Batch) error {
	result := store.db.WithContext(ctx).
		Model(&CreditBatch{}).
		Where("batch_id = ?", batch.ID).
		Updates(map[string]interface{}{
			"used_minutes":        batch.UsedMinutes.Int64(),
			"expires_at":          batch.ExpiresAt.UTC(),
			"emergency_remaining": batch.EmergencyRemaining.Int64(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBatch, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBatch, errorCodeUpdate, credit.ErrUnknownBatch)
	}
	return nil
}

func (store *Store) PurgeExpired(ctx context.Context, before time.Time) error {
	err := store.db.WithContext(ctx).
		Where("expires_at < ?", before.UTC()).
		Delete(&CreditBatch{}).Error
	if err != nil {
		return wrapStoreError(errorSubjectBatch, errorCodePurge, err)
	}
	return nil
}

func (store *Store) PendingSpend(ctx context.Context) (credit.Minutes, error) {
	row, err := store.syncStateRow(ctx)
	if err != nil {
		return 0, err
	}
	pending := credit.Minutes(row.PendingSpendMinutes)
	if pending < 0 {
		pending = 0
	}
	return pending, nil
}

func (store *Store) SetPendingSpend(ctx context.Context, minutes credit.Minutes) error {
	if minutes < 0 {
		minutes = 0
	}
	if _, err := store.syncStateRow(ctx); err != nil {
		return err
	}
	err := store.db.WithContext(ctx).
		Model(&SyncState{}).
		Where("state_id = ?", syncStateRowID).
		Update("pending_spend_minutes", minutes.Int64()).Error
	if err != nil {
		return wrapStoreError(errorSubjectPending, errorCodeSet, err)
	}
	return nil
}

func (store *Store) AddDailyUsage(ctx context.Context, day string, minutes credit.Minutes) error {
	var row DailyUsage
	err := store.db.WithContext(ctx).FirstOrCreate(&row, DailyUsage{Day: day}).Error
	if err != nil {
		return wrapStoreError(errorSubjectDaily, errorCodeGet, err)
	}
	err = store.db.WithContext(ctx).
		Model(&DailyUsage{}).
		Where("day = ?", day).
		Update("minutes", gorm.Expr("minutes + ?", minutes.Int64())).Error
	if err != nil {
		return wrapStoreError(errorSubjectDaily, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) DailyUsage(ctx context.Context, day string) (credit.Minutes, error) {
	var row DailyUsage
	err := store.db.WithContext(ctx).Where("day = ?", day).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectDaily, errorCodeGet, err)
	}
	return credit.Minutes(row.Minutes), nil
}

// Reset clears all local state: batches, counters, pending spend.
func (store *Store) Reset(ctx context.Context) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.Where("1 = 1").Delete(&CreditBatch{}).Error; err != nil {
			return wrapStoreError(errorSubjectBatch, errorCodeReset, err)
		}
		if err := transaction.Where("1 = 1").Delete(&DailyUsage{}).Error; err != nil {
			return wrapStoreError(errorSubjectDaily, errorCodeReset, err)
		}
		err := transaction.Model(&SyncState{}).
			Where("state_id = ?", syncStateRowID).
			Update("pending_spend_minutes", 0).Error
		if err != nil {
			return wrapStoreError(errorSubjectPending, errorCodeReset, err)
		}
		return nil
	})
}

func (store *Store) syncStateRow(ctx context.Context) (SyncState, error) {
	row := SyncState{StateID: syncStateRowID}
	err := store.db.WithContext(ctx).FirstOrCreate(&row, SyncState{StateID: syncStateRowID}).Error
	if err != nil {
		return SyncState{}, wrapStoreError(errorSubjectPending, errorCodeGet, err)
	}
	return row, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credit.WrapError(errorOperationStore, subject, code, err)
}

func mapBatch(row CreditBatch) credit.Batch {
	return credit.Batch{
		ID:                 row.BatchID,
		Source:             row.Source,
		EarnedAt:           row.EarnedAt.UTC(),
		GrantedMinutes:     credit.Minutes(row.GrantedMinutes),
		UsedMinutes:        credit.Minutes(row.UsedMinutes),
		ExpiresAt:          row.ExpiresAt.UTC(),
		IsEmergency:        row.IsEmergency,
		EmergencyRemaining: credit.Minutes(row.EmergencyRemaining),
		MetadataJSON:       string(row.Metadata),
	}
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
