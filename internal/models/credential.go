package models

import "time"

// Credential statuses. Invalid credentials are kept for display; the user has
// to reconnect before dependent posts can publish again.
const (
	CredentialActive  = "active"
	CredentialInvalid = "invalid"
)

// OAuthCredential is the per-owner token pair for the publishing provider.
// Token fields are secrets and must never be logged or serialized outward.
type OAuthCredential struct {
	OwnerID           string    `json:"owner_id"`
	AccessToken       string    `json:"-"`
	RefreshToken      string    `json:"-"`
	ExpiresAt         time.Time `json:"expires_at"`
	ProviderAccountID string    `json:"provider_account_id"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Expired reports whether the access token is within skew of its expiry and
// must be refreshed before use.
func (c OAuthCredential) Expired(now time.Time, skew time.Duration) bool {
	return !now.Before(c.ExpiresAt.Add(-skew))
}
