package token

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/vipul43/mailcode-worker/internal/models"
)

// OAuthConfig holds provider settings for refresh-token exchange
type OAuthConfig struct {
	MicrosoftTenant    string
	GoogleClientID     string
	GoogleClientSecret string
	// Overrides for the token endpoints, empty means the provider default
	MicrosoftTokenURL string
	GoogleTokenURL    string
	HTTPClient        *http.Client
}

// OAuthRefresher exchanges refresh tokens at the provider token endpoint
type OAuthRefresher struct {
	cfg OAuthConfig
}

func NewOAuthRefresher(cfg OAuthConfig) *OAuthRefresher {
	if cfg.MicrosoftTenant == "" {
		cfg.MicrosoftTenant = "common"
	}
	return &OAuthRefresher{cfg: cfg}
}

// Refresh posts grant_type=refresh_token with the account's client id and refresh token
func (r *OAuthRefresher) Refresh(ctx context.Context, account models.MonitoredAccount) (*oauth2.Token, error) {
	config, err := r.oauthConfig(account)
	if err != nil {
		return nil, err
	}

	if r.cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.cfg.HTTPClient)
	}

	// an already-expired token forces the source to refresh
	tokenSource := config.TokenSource(ctx, &oauth2.Token{RefreshToken: account.RefreshToken})
	return tokenSource.Token()
}

func (r *OAuthRefresher) oauthConfig(account models.MonitoredAccount) (*oauth2.Config, error) {
	switch account.ProviderOrDefault() {
	case models.ProviderOutlook, models.ProviderOutlookIMAP:
		endpoint := microsoft.AzureADEndpoint(r.cfg.MicrosoftTenant)
		// public clients have no secret, so credentials go in the form body
		endpoint.AuthStyle = oauth2.AuthStyleInParams
		if r.cfg.MicrosoftTokenURL != "" {
			endpoint.TokenURL = r.cfg.MicrosoftTokenURL
		}
		return &oauth2.Config{
			ClientID: account.OAuthClientID,
			Endpoint: endpoint,
		}, nil

	case models.ProviderGmail:
		endpoint := google.Endpoint
		endpoint.AuthStyle = oauth2.AuthStyleInParams
		if r.cfg.GoogleTokenURL != "" {
			endpoint.TokenURL = r.cfg.GoogleTokenURL
		}
		clientID := account.OAuthClientID
		if clientID == "" {
			clientID = r.cfg.GoogleClientID
		}
		return &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: r.cfg.GoogleClientSecret,
			Endpoint:     endpoint,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported provider %q", account.Provider)
	}
}
