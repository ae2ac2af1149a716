package models

import "time"

// Processing record status constants
const (
	ProcessingStatusSuccess = "success"
	ProcessingStatusError   = "error"
)

// ProcessingRecord marks a provider message as evaluated for an account.
// At most one row exists per (account_id, message_id).
type ProcessingRecord struct {
	ID               string    `gorm:"column:id;primaryKey"`
	AccountID        string    `gorm:"column:account_id;uniqueIndex:ux_processing_account_message,priority:1"`
	MessageID        string    `gorm:"column:message_id;uniqueIndex:ux_processing_account_message,priority:2"`
	ProcessedAt      time.Time `gorm:"column:processed_at"`
	ProcessingTimeMs int64     `gorm:"column:processing_time_ms"`
	CodesFound       int       `gorm:"column:codes_found"`
	Status           string    `gorm:"column:status"`
	Error            *string   `gorm:"column:error"`
}

// TableName specifies the table name for GORM
func (ProcessingRecord) TableName() string {
	return "processing_record"
}
