package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/account-aggregator/internal/types"
)

// ErrCredentialsNotFound is returned when no usable credential exists for
// a user/provider pair. Invalidated credentials are treated as absent so
// a failed auth is not repeated with the same secret.
var ErrCredentialsNotFound = errors.New("credentials not found")

// CredentialRepository is the Postgres-backed credential store. The
// aggregation core depends only on the service-level CredentialStore
// interface; this is the concrete production backing.
type CredentialRepository struct {
	db *PostgresDB
}

// NewCredentialRepository creates a new credential repository
func NewCredentialRepository(db *PostgresDB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// Get retrieves the active credential for a user/provider pair.
func (r *CredentialRepository) Get(ctx context.Context, userID string, provider types.Provider) (*types.Credentials, error) {
	query := `
		SELECT user_id, provider, client_id, secret
		FROM credentials
		WHERE user_id = $1 AND provider = $2 AND NOT invalidated
	`

	var creds types.Credentials
	err := r.db.Pool().QueryRow(ctx, query, userID, string(provider)).Scan(
		&creds.UserID,
		&creds.Provider,
		&creds.ClientID,
		&creds.Secret,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCredentialsNotFound
		}
		return nil, fmt.Errorf("failed to get credentials: %w", err)
	}

	return &creds, nil
}

// Save upserts the credential for a user/provider pair and clears any
// previous invalidation.
func (r *CredentialRepository) Save(ctx context.Context, creds *types.Credentials) error {
	now := time.Now()

	query := `
		INSERT INTO credentials (user_id, provider, client_id, secret, invalidated, created_at, updated_at)
		VALUES ($1, $2, $3, $4, FALSE, $5, $5)
		ON CONFLICT (user_id, provider)
		DO UPDATE SET client_id = $3, secret = $4, invalidated = FALSE, updated_at = $5
	`

	_, err := r.db.Pool().Exec(ctx, query,
		creds.UserID,
		string(creds.Provider),
		creds.ClientID,
		creds.Secret,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

// Delete removes the credential for a user/provider pair.
func (r *CredentialRepository) Delete(ctx context.Context, userID string, provider types.Provider) error {
	query := `DELETE FROM credentials WHERE user_id = $1 AND provider = $2`

	_, err := r.db.Pool().Exec(ctx, query, userID, string(provider))
	if err != nil {
		return fmt.Errorf("failed to delete credentials: %w", err)
	}
	return nil
}

// Invalidate marks the credential unusable without deleting it, so a
// subsequent aggregation call surfaces a register action instead of
// repeating the same auth failure against the provider.
func (r *CredentialRepository) Invalidate(ctx context.Context, userID string, provider types.Provider) error {
	query := `
		UPDATE credentials
		SET invalidated = TRUE, updated_at = $3
		WHERE user_id = $1 AND provider = $2
	`

	_, err := r.db.Pool().Exec(ctx, query, userID, string(provider), time.Now())
	if err != nil {
		return fmt.Errorf("failed to invalidate credentials: %w", err)
	}
	return nil
}
