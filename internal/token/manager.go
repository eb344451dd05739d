package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"social-post-scheduler/internal/logger"
	"social-post-scheduler/internal/models"
	"social-post-scheduler/internal/store"
	"social-post-scheduler/internal/telemetry"

	log "github.com/sirupsen/logrus"
)

// ErrUnauthenticated means no usable credential exists for the owner and the
// user has to reconnect their account. Distinct from transient failure: the
// scheduler must not burn retry budget on it.
var ErrUnauthenticated = errors.New("authentication required")

// CredentialStore is the slice of the store the manager needs.
type CredentialStore interface {
	GetCredential(ctx context.Context, ownerID string) (models.OAuthCredential, error)
	SaveCredential(ctx context.Context, cred models.OAuthCredential) error
	InvalidateCredential(ctx context.Context, ownerID string) error
}

// Refresher performs the provider refresh exchange.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (TokenPair, error)
}

// Manager hands out valid access tokens, refreshing transparently when the
// stored token is within the skew margin of expiry.
type Manager struct {
	store     CredentialStore
	refresher Refresher
	skew      time.Duration
	now       func() time.Time
}

// NewManager builds a manager with the configured skew margin.
func NewManager(st CredentialStore, refresher Refresher, skew time.Duration) *Manager {
	if skew <= 0 {
		skew = time.Minute
	}
	return &Manager{
		store:     st,
		refresher: refresher,
		skew:      skew,
		now:       time.Now,
	}
}

// ValidToken returns an access token usable right now for the owner.
//
// At most one refresh call is made per invocation. A rejected refresh
// invalidates the credential and returns ErrUnauthenticated; a failed network
// call leaves the credential alone and returns a retryable error.
func (m *Manager) ValidToken(ctx context.Context, ownerID string) (string, error) {
	cred, err := m.store.GetCredential(ctx, ownerID)
	if errors.Is(err, store.ErrCredentialNotFound) {
		return "", fmt.Errorf("owner %s has no credential: %w", ownerID, ErrUnauthenticated)
	}
	if err != nil {
		return "", fmt.Errorf("load credential: %w", err)
	}
	if cred.Status == models.CredentialInvalid {
		return "", fmt.Errorf("owner %s credential invalidated: %w", ownerID, ErrUnauthenticated)
	}

	if !cred.Expired(m.now(), m.skew) {
		return cred.AccessToken, nil
	}

	pair, err := m.refresher.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrRefreshRejected) {
			telemetry.TokenRefreshFailures.Inc()
			if invErr := m.store.InvalidateCredential(ctx, ownerID); invErr != nil {
				logger.With(log.Fields{"owner_id": ownerID}).WithError(invErr).Error("invalidate credential")
			}
			return "", fmt.Errorf("refresh rejected for owner %s: %w", ownerID, ErrUnauthenticated)
		}
		return "", fmt.Errorf("refresh token: %w", err)
	}

	cred.AccessToken = pair.AccessToken
	cred.RefreshToken = pair.RefreshToken
	cred.ExpiresAt = m.now().Add(time.Duration(pair.ExpiresIn) * time.Second)
	cred.Status = models.CredentialActive
	if pair.OpenID != "" {
		cred.ProviderAccountID = pair.OpenID
	}
	if err := m.store.SaveCredential(ctx, cred); err != nil {
		return "", fmt.Errorf("persist refreshed credential: %w", err)
	}

	telemetry.TokenRefreshes.Inc()
	logger.With(log.Fields{"owner_id": ownerID}).Debug("refreshed provider token")
	return cred.AccessToken, nil
}
