package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Credential is one OAuth grant for an (issuer, user) pair. At most one row
// exists per pair; UpsertCredential replaces tokens in place. ExpiresAt
// already carries the safety margin applied by the token manager, so a
// credential whose ExpiresAt is in the future is usable as-is.
type Credential struct {
	Issuer       string
	UserSub      string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// GetCredential returns the credential for an (issuer, user) pair, or
// ErrNotFound when the user has never authorized this issuer.
func (s *Store) GetCredential(ctx context.Context, issuer, userSub string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT issuer, user_sub, access_token, refresh_token, expires_at
		 FROM credentials WHERE issuer = ? AND user_sub = ?`, issuer, userSub)

	var (
		c         Credential
		expiresAt int64
	)

	err := row.Scan(&c.Issuer, &c.UserSub, &c.AccessToken, &c.RefreshToken, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: credential for %s/%s: %w", issuer, userSub, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("store: getting credential for %s/%s: %w", issuer, userSub, err)
	}

	c.ExpiresAt = time.Unix(0, expiresAt)

	return &c, nil
}

// UpsertCredential stores a credential, replacing any existing row for the
// same (issuer, user) pair in a single statement. Token values are never
// logged.
func (s *Store) UpsertCredential(ctx context.Context, c *Credential) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (issuer, user_sub, access_token, refresh_token, expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (issuer, user_sub) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at`,
		c.Issuer, c.UserSub, c.AccessToken, c.RefreshToken, c.ExpiresAt.UnixNano())
	if err != nil {
		return fmt.Errorf("store: upserting credential for %s/%s: %w", c.Issuer, c.UserSub, err)
	}

	s.logger.Debug("store: credential stored",
		slog.String("issuer", c.Issuer),
		slog.String("user_sub", c.UserSub),
		slog.Time("expires_at", c.ExpiresAt),
	)

	return nil
}
