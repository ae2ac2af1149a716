package models

import (
	"errors"
	"strings"
	"time"
)

// AccountStatus is the authorization state of a monitored mailbox
type AccountStatus string

const (
	StatusUnauthorized AccountStatus = "unauthorized"
	StatusAuthorized   AccountStatus = "authorized"
	StatusSuspended    AccountStatus = "suspended"
)

// Mail providers. The provider selects both the token endpoint and the message fetcher.
const (
	ProviderOutlook     = "outlook"      // Microsoft Graph
	ProviderOutlookIMAP = "outlook_imap" // outlook.office365.com over IMAP + XOAUTH2
	ProviderGmail       = "gmail"
)

var ErrMissingCredentials = errors.New("authorized account requires refresh token and client id")

// MonitoredAccount is a mailbox the worker polls for verification codes
type MonitoredAccount struct {
	ID                   string        `gorm:"column:id;primaryKey"`
	Email                string        `gorm:"column:email;uniqueIndex"`
	Provider             string        `gorm:"column:provider"`
	OAuthClientID        string        `gorm:"column:oauth_client_id"`
	RefreshToken         string        `gorm:"column:refresh_token"`
	Status               AccountStatus `gorm:"column:status;index"`
	LastActiveAt         *time.Time    `gorm:"column:last_active_at"`
	LatestCode           *string       `gorm:"column:latest_code"`
	LatestCodeReceivedAt *time.Time    `gorm:"column:latest_code_received_at"`
	CreatedAt            time.Time     `gorm:"column:created_at"`
	UpdatedAt            time.Time     `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (MonitoredAccount) TableName() string {
	return "monitored_account"
}

// HasCredentials reports whether the account carries what a refresh-token exchange needs
func (a MonitoredAccount) HasCredentials() bool {
	return strings.TrimSpace(a.RefreshToken) != "" && strings.TrimSpace(a.OAuthClientID) != ""
}

// Validate checks the authorized-implies-credentials invariant
func (a MonitoredAccount) Validate() error {
	if a.Status == StatusAuthorized && !a.HasCredentials() {
		return ErrMissingCredentials
	}
	return nil
}

// ProviderOrDefault returns the account provider, falling back to Graph
func (a MonitoredAccount) ProviderOrDefault() string {
	if a.Provider == "" {
		return ProviderOutlook
	}
	return a.Provider
}

// AccountUpdate is the explicit set of fields a check cycle writes back.
// Nil fields are left untouched.
type AccountUpdate struct {
	Status               *AccountStatus
	RefreshToken         *string
	LastActiveAt         *time.Time
	LatestCode           *string
	LatestCodeReceivedAt *time.Time
}

// IsEmpty reports whether the update would change nothing
func (u AccountUpdate) IsEmpty() bool {
	return u.Status == nil && u.RefreshToken == nil && u.LastActiveAt == nil &&
		u.LatestCode == nil && u.LatestCodeReceivedAt == nil
}

// Fields converts the update into a column map for GORM
func (u AccountUpdate) Fields(now time.Time) map[string]interface{} {
	fields := map[string]interface{}{
		"updated_at": now,
	}
	if u.Status != nil {
		fields["status"] = *u.Status
	}
	if u.RefreshToken != nil {
		fields["refresh_token"] = *u.RefreshToken
	}
	if u.LastActiveAt != nil {
		fields["last_active_at"] = *u.LastActiveAt
	}
	if u.LatestCode != nil {
		fields["latest_code"] = *u.LatestCode
	}
	if u.LatestCodeReceivedAt != nil {
		fields["latest_code_received_at"] = *u.LatestCodeReceivedAt
	}
	return fields
}
