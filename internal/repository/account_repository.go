package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/vipul43/mailcode-worker/internal/models"
)

var ErrAccountNotFound = errors.New("account not found")

type AccountRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db, now: time.Now}
}

// Create inserts a new account after checking its invariants
func (r *AccountRepository) Create(ctx context.Context, account models.MonitoredAccount) error {
	if err := account.Validate(); err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(&account).Error; err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// GetByID retrieves account by ID
func (r *AccountRepository) GetByID(ctx context.Context, accountID string) (*models.MonitoredAccount, error) {
	var account models.MonitoredAccount
	result := r.db.WithContext(ctx).First(&account, "id = ?", accountID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", result.Error)
	}
	return &account, nil
}

// ListAuthorized returns every account the scheduler should monitor
func (r *AccountRepository) ListAuthorized(ctx context.Context) ([]models.MonitoredAccount, error) {
	var accounts []models.MonitoredAccount
	result := r.db.WithContext(ctx).
		Where("status = ?", models.StatusAuthorized).
		Order("created_at ASC").
		Find(&accounts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list authorized accounts: %w", result.Error)
	}
	return accounts, nil
}

// ApplyUpdate writes the non-nil fields of update in a single statement
func (r *AccountRepository) ApplyUpdate(ctx context.Context, accountID string, update models.AccountUpdate) error {
	if update.IsEmpty() {
		return nil
	}
	result := r.db.WithContext(ctx).Model(&models.MonitoredAccount{}).
		Where("id = ?", accountID).
		Updates(update.Fields(r.now()))
	if result.Error != nil {
		return fmt.Errorf("failed to update account: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// UpdateRefreshToken stores a refresh token the provider rotated
func (r *AccountRepository) UpdateRefreshToken(ctx context.Context, accountID, refreshToken string) error {
	return r.ApplyUpdate(ctx, accountID, models.AccountUpdate{RefreshToken: &refreshToken})
}
