package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// ErrRefreshRejected means the provider reported the refresh token itself as
// invalid or revoked. The credential is unrecoverable without user action.
var ErrRefreshRejected = errors.New("refresh token rejected by provider")

// Provider talks to the TikTok OAuth token endpoint.
//
// The authorization-code leg uses golang.org/x/oauth2; the refresh leg is a
// direct form POST because TikTok expects client_key instead of client_id and
// the loop needs the raw error code to tell revocation from a flaky network.
type Provider struct {
	clientKey    string
	clientSecret string
	baseURL      string
	oauthConfig  *oauth2.Config
	httpClient   *http.Client
}

// ProviderConfig collects the app registration values.
type ProviderConfig struct {
	ClientKey    string
	ClientSecret string
	BaseURL      string
	AuthURL      string
	RedirectURL  string
	Timeout      time.Duration
}

// Scopes requested on connect: profile display plus video publishing.
var Scopes = []string{"user.info.basic", "video.publish"}

// NewProvider builds a provider client with an explicit timeout on every call.
func NewProvider(cfg ProviderConfig) *Provider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	return &Provider{
		clientKey:    cfg.ClientKey,
		clientSecret: cfg.ClientSecret,
		baseURL:      base,
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientKey,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  base + "/oauth/token/",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: &http.Client{Timeout: timeout},
	}
}

// AuthorizationURL returns the URL the user visits to connect their account.
func (p *Provider) AuthorizationURL(state string) string {
	return p.oauthConfig.AuthCodeURL(state,
		oauth2.SetAuthURLParam("client_key", p.clientKey))
}

// Exchange trades an authorization code for a token pair.
func (p *Provider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	tok, err := p.oauthConfig.Exchange(ctx, code,
		oauth2.SetAuthURLParam("client_key", p.clientKey))
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	return tok, nil
}

// TokenPair is the refreshed credential material.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	OpenID       string
}

type tokenEndpointResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	OpenID           string `json:"open_id"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Refresh exchanges a refresh token for a new pair. Revocation surfaces as
// ErrRefreshRejected; anything network-shaped comes back as a plain error the
// caller may retry.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	form := url.Values{
		"client_key":    {p.clientKey},
		"client_secret": {p.clientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/oauth/token/", strings.NewReader(form.Encode()))
	if err != nil {
		return TokenPair{}, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return TokenPair{}, fmt.Errorf("refresh token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return TokenPair{}, fmt.Errorf("read refresh response: %w", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return TokenPair{}, fmt.Errorf("refresh token endpoint: status %d", resp.StatusCode)
	}

	var parsed tokenEndpointResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return TokenPair{}, fmt.Errorf("decode refresh response (status %d): %w", resp.StatusCode, err)
	}

	if parsed.Error != "" || resp.StatusCode >= http.StatusBadRequest {
		if isRevocation(parsed.Error) {
			return TokenPair{}, fmt.Errorf("%s: %w", parsed.Error, ErrRefreshRejected)
		}
		return TokenPair{}, fmt.Errorf("refresh token endpoint: status %d error %q", resp.StatusCode, parsed.Error)
	}
	if parsed.AccessToken == "" {
		return TokenPair{}, errors.New("refresh response missing access_token")
	}

	return TokenPair{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		ExpiresIn:    parsed.ExpiresIn,
		OpenID:       parsed.OpenID,
	}, nil
}

// Error codes that mean the refresh token is dead, not the network. Unknown
// codes stay retryable.
func isRevocation(code string) bool {
	switch code {
	case "invalid_grant", "access_denied":
		return true
	}
	return false
}
