package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vipul43/mailcode-worker/internal/models"
)

var ErrCodeNotFound = errors.New("no code found")

type CodeRepository struct {
	db *gorm.DB
}

func NewCodeRepository(db *gorm.DB) *CodeRepository {
	return &CodeRepository{db: db}
}

// Create stores a code; a second code for the same message is ignored
func (r *CodeRepository) Create(ctx context.Context, code models.ExtractedCode) error {
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "message_id"}},
		DoNothing: true,
	}).Create(&code)
	if result.Error != nil {
		return fmt.Errorf("failed to create code: %w", result.Error)
	}
	return nil
}

// Latest returns the code with the greatest received_at for an account
func (r *CodeRepository) Latest(ctx context.Context, accountID string) (*models.ExtractedCode, error) {
	var code models.ExtractedCode
	result := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("received_at DESC").
		First(&code)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to get latest code: %w", result.Error)
	}
	return &code, nil
}

// ListByAccount returns the most recent codes for an account, newest first
func (r *CodeRepository) ListByAccount(ctx context.Context, accountID string, limit int) ([]models.ExtractedCode, error) {
	var codes []models.ExtractedCode
	query := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("received_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&codes).Error; err != nil {
		return nil, fmt.Errorf("failed to list codes: %w", err)
	}
	return codes, nil
}
