package service

import (
	"context"
	"fmt"
	"time"

	"github.com/vipul43/mailcode-worker/internal/models"
)

// RawMessage is a provider message reduced to what extraction needs
type RawMessage struct {
	ID         string
	Subject    string
	From       string
	Body       string
	ReceivedAt time.Time
}

// FetchRequest bounds one listing call
type FetchRequest struct {
	Email       string
	AccessToken string
	Since       time.Time
	Top         int
}

// MessageFetcher lists messages received at or after req.Since, newest first,
// at most req.Top of them. A 401 is reported as *AuthError, anything else as
// *TransientError.
type MessageFetcher interface {
	FetchMessages(ctx context.Context, req FetchRequest) ([]RawMessage, error)
}

// Fetchers maps a provider name to its fetcher
type Fetchers map[string]MessageFetcher

// For returns the fetcher for provider
func (f Fetchers) For(provider string) (MessageFetcher, error) {
	fetcher, ok := f[provider]
	if !ok || fetcher == nil {
		return nil, fmt.Errorf("no message fetcher for provider %q", provider)
	}
	return fetcher, nil
}

// TokenProvider hands out access tokens for an account
type TokenProvider interface {
	AccessToken(ctx context.Context, account models.MonitoredAccount) (string, error)
	Invalidate(accountID string)
}
