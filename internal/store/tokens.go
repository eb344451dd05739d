package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"social-post-scheduler/internal/models"
)

// ErrCredentialNotFound is returned when an owner has no stored credential.
var ErrCredentialNotFound = errors.New("credential not found")

// GetCredential loads the provider credential for an owner.
func (s *Store) GetCredential(ctx context.Context, ownerID string) (models.OAuthCredential, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT owner_id, access_token, refresh_token, expires_at, provider_account_id, status, created_at, updated_at
		FROM oauth_credentials WHERE owner_id = $1
	`, ownerID)

	var cred models.OAuthCredential
	err := row.Scan(&cred.OwnerID, &cred.AccessToken, &cred.RefreshToken, &cred.ExpiresAt,
		&cred.ProviderAccountID, &cred.Status, &cred.CreatedAt, &cred.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.OAuthCredential{}, ErrCredentialNotFound
	}
	if err != nil {
		return models.OAuthCredential{}, fmt.Errorf("scan credential: %w", err)
	}
	return cred, nil
}

// SaveCredential upserts the token pair and expiry in one statement. The
// single-row upsert means concurrent refreshes for the same owner serialize
// on the row lock and a reader can never observe a mixed pair.
func (s *Store) SaveCredential(ctx context.Context, cred models.OAuthCredential) error {
	if cred.Status == "" {
		cred.Status = models.CredentialActive
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO oauth_credentials (owner_id, access_token, refresh_token, expires_at, provider_account_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (owner_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			provider_account_id = EXCLUDED.provider_account_id,
			status = EXCLUDED.status,
			updated_at = NOW()
	`, cred.OwnerID, cred.AccessToken, cred.RefreshToken, cred.ExpiresAt, cred.ProviderAccountID, cred.Status)
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// InvalidateCredential flags the credential as needing reconnection. The row
// is kept so the UI can show which account went stale.
func (s *Store) InvalidateCredential(ctx context.Context, ownerID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE oauth_credentials SET status = $2, updated_at = NOW()
		WHERE owner_id = $1
	`, ownerID, models.CredentialInvalid)
	if err != nil {
		return fmt.Errorf("invalidate credential: %w", err)
	}
	return nil
}
