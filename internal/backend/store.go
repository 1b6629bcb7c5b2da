package backend

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var errEmergencyExhausted = errors.New("emergency allowance exhausted")

// CreditAccount is one user's authoritative balance row.
type CreditAccount struct {
	UserID           string `gorm:"column:user_id;primaryKey;size:128"`
	AvailableMinutes int64  `gorm:"column:available_minutes;not null"`
	EmergencyMinutes int64  `gorm:"column:emergency_minutes;not null"`
	MaxDailyMinutes  int64  `gorm:"column:max_daily_minutes;not null"`
}

// TableName pins the table name independent of gorm naming strategies.
func (CreditAccount) TableName() string {
	return "credit_accounts"
}

// Migrate creates or updates the schema for the balance service.
func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(&CreditAccount{}); err != nil {
		return fmt.Errorf("migrate credit accounts: %w", err)
	}
	return nil
}

// accountStore wraps account access. Every mutation runs read-modify-write
// inside one transaction so concurrent requests serialize per account.
type accountStore struct {
	database *gorm.DB
	cfg      Config
}

func newAccountStore(database *gorm.DB, cfg Config) *accountStore {
	return &accountStore{database: database, cfg: cfg}
}

// fetch loads the account, provisioning it with the configured defaults on
// first contact.
func (store *accountStore) fetch(ctx context.Context, userID string) (CreditAccount, error) {
	account := CreditAccount{
		UserID:           userID,
		AvailableMinutes: store.cfg.StartingMinutes,
		EmergencyMinutes: store.cfg.EmergencyMinutes,
		MaxDailyMinutes:  store.cfg.MaxDailyMinutes,
	}
	if err := store.database.WithContext(ctx).FirstOrCreate(&account, CreditAccount{UserID: userID}).Error; err != nil {
		return CreditAccount{}, fmt.Errorf("fetch account %s: %w", userID, err)
	}
	return account, nil
}

// grant adds earned minutes to the account balance.
func (store *accountStore) grant(ctx context.Context, userID string, minutes int64) (CreditAccount, error) {
	var account CreditAccount
	err := store.database.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, loadErr := store.fetchInTx(ctx, tx, userID)
		if loadErr != nil {
			return loadErr
		}
		loaded.AvailableMinutes += minutes
		account = loaded
		return tx.WithContext(ctx).Save(&loaded).Error
	})
	if err != nil {
		return CreditAccount{}, fmt.Errorf("grant %d minutes to %s: %w", minutes, userID, err)
	}
	return account, nil
}

// spend deducts reported usage, flooring the balance at zero. The agent
// accounts locally against its own mirror, so a deduction past zero means the
// mirror and the server disagreed; the server does not go negative over it.
func (store *accountStore) spend(ctx context.Context, userID string, minutes int64) (CreditAccount, error) {
	var account CreditAccount
	err := store.database.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, loadErr := store.fetchInTx(ctx, tx, userID)
		if loadErr != nil {
			return loadErr
		}
		loaded.AvailableMinutes -= minutes
		if loaded.AvailableMinutes < 0 {
			loaded.AvailableMinutes = 0
		}
		account = loaded
		return tx.WithContext(ctx).Save(&loaded).Error
	})
	if err != nil {
		return CreditAccount{}, fmt.Errorf("spend %d minutes for %s: %w", minutes, userID, err)
	}
	return account, nil
}

// grantEmergency moves minutes from the emergency allowance into the balance.
// A request past the remaining allowance is refused whole.
func (store *accountStore) grantEmergency(ctx context.Context, userID string, minutes int64) (CreditAccount, error) {
	var account CreditAccount
	err := store.database.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, loadErr := store.fetchInTx(ctx, tx, userID)
		if loadErr != nil {
			return loadErr
		}
		if minutes > loaded.EmergencyMinutes {
			return errEmergencyExhausted
		}
		loaded.EmergencyMinutes -= minutes
		loaded.AvailableMinutes += minutes
		account = loaded
		return tx.WithContext(ctx).Save(&loaded).Error
	})
	if err != nil {
		if errors.Is(err, errEmergencyExhausted) {
			return CreditAccount{}, err
		}
		return CreditAccount{}, fmt.Errorf("emergency grant %d minutes for %s: %w", minutes, userID, err)
	}
	return account, nil
}

// reset restores the account to its provisioned defaults.
func (store *accountStore) reset(ctx context.Context, userID string) (CreditAccount, error) {
	account := CreditAccount{
		UserID:           userID,
		AvailableMinutes: store.cfg.StartingMinutes,
		EmergencyMinutes: store.cfg.EmergencyMinutes,
		MaxDailyMinutes:  store.cfg.MaxDailyMinutes,
	}
	if err := store.database.WithContext(ctx).Save(&account).Error; err != nil {
		return CreditAccount{}, fmt.Errorf("reset account %s: %w", userID, err)
	}
	return account, nil
}

func (store *accountStore) fetchInTx(ctx context.Context, tx *gorm.DB, userID string) (CreditAccount, error) {
	account := CreditAccount{
		UserID:           userID,
		AvailableMinutes: store.cfg.StartingMinutes,
		EmergencyMinutes: store.cfg.EmergencyMinutes,
		MaxDailyMinutes:  store.cfg.MaxDailyMinutes,
	}
	if err := tx.WithContext(ctx).FirstOrCreate(&account, CreditAccount{UserID: userID}).Error; err != nil {
		return CreditAccount{}, err
	}
	return account, nil
}
