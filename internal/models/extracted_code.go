package models

import "time"

// FreshnessWindow is how long after creation a code is still shown as usable.
// Presentation concern only; extraction never looks at it.
const FreshnessWindow = 5 * time.Minute

// ExtractedCode is a verification code pulled out of one message
type ExtractedCode struct {
	ID         string    `gorm:"column:id;primaryKey"`
	AccountID  string    `gorm:"column:account_id;index;uniqueIndex:ux_code_account_message,priority:1"`
	MessageID  string    `gorm:"column:message_id;uniqueIndex:ux_code_account_message,priority:2"`
	Code       string    `gorm:"column:code"`
	Subject    string    `gorm:"column:subject"`
	Sender     string    `gorm:"column:sender"`
	ReceivedAt time.Time `gorm:"column:received_at;index"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for GORM
func (ExtractedCode) TableName() string {
	return "extracted_code"
}

// CodeIsFresh reports whether a code created at createdAt is still inside the freshness window
func CodeIsFresh(now, createdAt time.Time) bool {
	if createdAt.IsZero() || createdAt.After(now) {
		return !createdAt.IsZero()
	}
	return now.Sub(createdAt) < FreshnessWindow
}
