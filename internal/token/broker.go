// Package token caches provider access tokens per account and refreshes them
// with the account's OAuth refresh token.
package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/vipul43/mailcode-worker/internal/models"
	"github.com/vipul43/mailcode-worker/internal/service"
)

const (
	DefaultExpirySkew = 2 * time.Minute
	// used when the provider omits expires_in
	defaultTokenTTL = time.Hour
	refreshTimeout  = 30 * time.Second
)

// Refresher performs the refresh-token exchange for an account
type Refresher interface {
	Refresh(ctx context.Context, account models.MonitoredAccount) (*oauth2.Token, error)
}

// RotationStore persists a refresh token the provider rotated
type RotationStore interface {
	UpdateRefreshToken(ctx context.Context, accountID, refreshToken string) error
}

type cachedToken struct {
	accessToken string
	expiresAt   time.Time
}

// Broker hands out access tokens. Concurrent requests for the same account
// share a single refresh; different accounts refresh independently.
type Broker struct {
	mu        sync.RWMutex
	cache     map[string]cachedToken
	group     singleflight.Group
	refresher Refresher
	rotations RotationStore
	skew      time.Duration
	logger    *logrus.Logger
	now       func() time.Time
}

func NewBroker(refresher Refresher, rotations RotationStore, skew time.Duration, logger *logrus.Logger) *Broker {
	if skew < 0 {
		skew = DefaultExpirySkew
	}
	return &Broker{
		cache:     make(map[string]cachedToken),
		refresher: refresher,
		rotations: rotations,
		skew:      skew,
		logger:    logger,
		now:       time.Now,
	}
}

// AccessToken returns a cached token while it is valid for longer than the
// skew, otherwise refreshes. Refresh failures are *service.AuthError or
// *service.TransientError.
func (b *Broker) AccessToken(ctx context.Context, account models.MonitoredAccount) (string, error) {
	if token, ok := b.cached(account.ID); ok {
		return token, nil
	}

	ch := b.group.DoChan(account.ID, func() (interface{}, error) {
		if token, ok := b.cached(account.ID); ok {
			return token, nil
		}
		// the flight is shared, so it must outlive the first caller's context
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return b.refresh(refreshCtx, account)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops the cached token so the next request refreshes
func (b *Broker) Invalidate(accountID string) {
	b.mu.Lock()
	delete(b.cache, accountID)
	b.mu.Unlock()
}

func (b *Broker) cached(accountID string) (string, bool) {
	b.mu.RLock()
	entry, ok := b.cache[accountID]
	b.mu.RUnlock()
	if !ok || !b.now().Add(b.skew).Before(entry.expiresAt) {
		return "", false
	}
	return entry.accessToken, true
}

func (b *Broker) refresh(ctx context.Context, account models.MonitoredAccount) (string, error) {
	log := b.logger.WithFields(logrus.Fields{
		"account_id": account.ID,
		"provider":   account.ProviderOrDefault(),
	})

	if !account.HasCredentials() {
		return "", service.NewAuthError("refresh token", models.ErrMissingCredentials)
	}

	tok, err := b.refresher.Refresh(ctx, account)
	if err != nil {
		b.Invalidate(account.ID)
		classified := classifyRefreshError(err)
		log.WithError(err).WithField("permanent", service.IsAuthError(classified)).Warn("Token refresh failed")
		return "", classified
	}
	if tok == nil || tok.AccessToken == "" {
		return "", service.NewTransientError("refresh token", 0, errors.New("provider returned an empty access token"))
	}

	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = b.now().Add(defaultTokenTTL)
	}

	b.mu.Lock()
	b.cache[account.ID] = cachedToken{accessToken: tok.AccessToken, expiresAt: expiresAt}
	b.mu.Unlock()

	if tok.RefreshToken != "" && tok.RefreshToken != account.RefreshToken && b.rotations != nil {
		if err := b.rotations.UpdateRefreshToken(ctx, account.ID, tok.RefreshToken); err != nil {
			log.WithError(err).Error("Failed to persist rotated refresh token")
		} else {
			log.Info("Rotated refresh token persisted")
		}
	}

	log.WithField("expires_at", expiresAt).Debug("Access token refreshed")
	return tok.AccessToken, nil
}

var permanentErrorCodes = map[string]bool{
	"invalid_grant":       true,
	"invalid_client":      true,
	"unauthorized_client": true,
}

var permanentMarkers = []string{
	"invalid_grant",
	"invalid_client",
	"unauthorized_client",
	"token has been expired or revoked",
	"revoked",
}

// classifyRefreshError maps a refresh failure onto the auth/transient taxonomy
func classifyRefreshError(err error) error {
	if service.IsAuthError(err) || service.IsTransient(err) {
		return err
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		if permanentErrorCodes[retrieveErr.ErrorCode] {
			return service.NewAuthError("refresh token", err)
		}
		if status >= 500 || status == 429 {
			return service.NewTransientError("refresh token", status, err)
		}
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return service.NewAuthError("refresh token", err)
		}
	}

	return service.NewTransientError("refresh token", 0, fmt.Errorf("refresh failed: %w", err))
}
