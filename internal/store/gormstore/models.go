package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditBatch mirrors the credit_batches table.
type CreditBatch struct {
	BatchID            string         `gorm:"type:uuid;primaryKey"`
	Source             string         `gorm:"not null"`
	EarnedAt           time.Time      `gorm:"not null;index:idx_batches_earned"`
	GrantedMinutes     int64          `gorm:"not null"`
	UsedMinutes        int64          `gorm:"not null"`
	ExpiresAt          time.Time      `gorm:"not null;index:idx_batches_expiry"`
	IsEmergency        bool           `gorm:"not null"`
	EmergencyRemaining int64          `gorm:"not null"`
	Metadata           datatypes.JSON `gorm:"not null"`
	CreatedAt          time.Time      `gorm:"not null"`
}

func (CreditBatch) TableName() string { return "credit_batches" }

func (batch *CreditBatch) BeforeCreate(tx *gorm.DB) error {
	if batch.BatchID == "" {
		batch.BatchID = uuid.NewString()
	}
	return nil
}

// DailyUsage holds one coding-minutes counter per ISO calendar day.
type DailyUsage struct {
	Day       string    `gorm:"primaryKey;size:10"`
	Minutes   int64     `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (DailyUsage) TableName() string { return "daily_usage" }

// SyncState is the single-row pending-spend counter.
type SyncState struct {
	StateID             int64     `gorm:"primaryKey"`
	PendingSpendMinutes int64     `gorm:"not null"`
	UpdatedAt           time.Time `gorm:"not null"`
}

func (SyncState) TableName() string { return "sync_state" }
