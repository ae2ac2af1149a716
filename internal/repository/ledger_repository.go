package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vipul43/mailcode-worker/internal/models"
)

// LedgerRepository records which provider messages were evaluated per account
type LedgerRepository struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// HasProcessed reports whether the message was evaluated successfully.
// Messages recorded with an error are evaluated again.
func (r *LedgerRepository) HasProcessed(ctx context.Context, accountID, messageID string) (bool, error) {
	var count int64
	result := r.db.WithContext(ctx).Model(&models.ProcessingRecord{}).
		Where("account_id = ? AND message_id = ? AND status = ?", accountID, messageID, models.ProcessingStatusSuccess).
		Count(&count)
	if result.Error != nil {
		return false, fmt.Errorf("failed to check processing record: %w", result.Error)
	}
	return count > 0, nil
}

// RecordProcessed inserts the record, ignoring conflicts on (account_id, message_id).
// A success replaces an earlier error row; a success row is never modified.
func (r *LedgerRepository) RecordProcessed(ctx context.Context, record models.ProcessingRecord) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}, {Name: "message_id"}},
			DoNothing: true,
		}).Create(&record)
		if result.Error != nil {
			return fmt.Errorf("failed to record processed message: %w", result.Error)
		}
		if result.RowsAffected > 0 || record.Status != models.ProcessingStatusSuccess {
			return nil
		}

		result = tx.Model(&models.ProcessingRecord{}).
			Where("account_id = ? AND message_id = ? AND status = ?", record.AccountID, record.MessageID, models.ProcessingStatusError).
			Updates(map[string]interface{}{
				"processed_at":       record.ProcessedAt,
				"processing_time_ms": record.ProcessingTimeMs,
				"codes_found":        record.CodesFound,
				"status":             record.Status,
				"error":              nil,
			})
		if result.Error != nil {
			return fmt.Errorf("failed to update processing record: %w", result.Error)
		}
		return nil
	})
}

// CountByAccount returns the number of ledger rows for an account
func (r *LedgerRepository) CountByAccount(ctx context.Context, accountID string) (int64, error) {
	var count int64
	result := r.db.WithContext(ctx).Model(&models.ProcessingRecord{}).
		Where("account_id = ?", accountID).
		Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count processing records: %w", result.Error)
	}
	return count, nil
}
