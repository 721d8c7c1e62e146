package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Platform is one remote content source, keyed by its issuer URL. A row is
// created on the first launch from an issuer and updated in place when later
// launches report a different client or deployment identity. Rows are never
// deleted in normal operation.
type Platform struct {
	ID          int64
	Issuer      string
	LTIClientID string
	Deployment  string

	// OAuth client registered with the platform for API access.
	OAuthClientID     string
	OAuthClientSecret string
	AuthEndpoint      string
	TokenEndpoint     string
	JWKSEndpoint      string
}

// derivedEndpoints returns the conventional endpoint locations for an
// issuer. Administrators can override these in platform setup.
func derivedEndpoints(issuer string) (jwks, auth, token string) {
	base := strings.TrimRight(issuer, "/")

	return base + "/mod/lti/certs.php",
		base + "/oauth2/authorize.php",
		base + "/oauth2/token.php"
}

// GetPlatform returns the platform for an issuer, or ErrNotFound.
func (s *Store) GetPlatform(ctx context.Context, issuer string) (*Platform, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, issuer, lti_client_id, deployment_id, oauth_client_id,
			oauth_client_secret, auth_endpoint, token_endpoint, jwks_endpoint
		 FROM platforms WHERE issuer = ?`, issuer)

	var p Platform

	err := row.Scan(&p.ID, &p.Issuer, &p.LTIClientID, &p.Deployment,
		&p.OAuthClientID, &p.OAuthClientSecret,
		&p.AuthEndpoint, &p.TokenEndpoint, &p.JWKSEndpoint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: platform %s: %w", issuer, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("store: getting platform %s: %w", issuer, err)
	}

	return &p, nil
}

// GetOrCreatePlatform returns the platform for an issuer, creating it with
// issuer-derived endpoints on first launch. When an existing platform
// reports a different LTI client or deployment identity, the stored values
// are updated in place.
func (s *Store) GetOrCreatePlatform(ctx context.Context, issuer, ltiClientID, deployment string) (*Platform, error) {
	p, err := s.GetPlatform(ctx, issuer)
	if errors.Is(err, ErrNotFound) {
		return s.createPlatform(ctx, issuer, ltiClientID, deployment)
	}

	if err != nil {
		return nil, err
	}

	changed := false

	if ltiClientID != "" && p.LTIClientID != ltiClientID {
		p.LTIClientID = ltiClientID
		changed = true
	}

	if deployment != "" && p.Deployment != deployment {
		p.Deployment = deployment
		changed = true
	}

	if changed {
		_, err = s.db.ExecContext(ctx,
			`UPDATE platforms SET lti_client_id = ?, deployment_id = ? WHERE issuer = ?`,
			p.LTIClientID, p.Deployment, issuer)
		if err != nil {
			return nil, fmt.Errorf("store: updating platform identity for %s: %w", issuer, err)
		}

		s.logger.Info("store: platform identity updated",
			slog.String("issuer", issuer),
			slog.String("lti_client_id", p.LTIClientID),
		)
	}

	return p, nil
}

func (s *Store) createPlatform(ctx context.Context, issuer, ltiClientID, deployment string) (*Platform, error) {
	jwks, auth, token := derivedEndpoints(issuer)

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO platforms
			(issuer, lti_client_id, deployment_id, auth_endpoint, token_endpoint, jwks_endpoint)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		issuer, ltiClientID, deployment, auth, token, jwks)
	if err != nil {
		return nil, fmt.Errorf("store: creating platform %s: %w", issuer, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("store: platform insert id: %w", err)
	}

	s.logger.Info("store: platform registered", slog.String("issuer", issuer))

	return &Platform{
		ID:            id,
		Issuer:        issuer,
		LTIClientID:   ltiClientID,
		Deployment:    deployment,
		AuthEndpoint:  auth,
		TokenEndpoint: token,
		JWKSEndpoint:  jwks,
	}, nil
}

// UpdatePlatformOAuth stores the OAuth client configuration an administrator
// entered during platform setup.
func (s *Store) UpdatePlatformOAuth(ctx context.Context, issuer, clientID, clientSecret, authEndpoint, tokenEndpoint string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE platforms SET oauth_client_id = ?, oauth_client_secret = ?,
			auth_endpoint = ?, token_endpoint = ?
		 WHERE issuer = ?`,
		strings.TrimSpace(clientID), strings.TrimSpace(clientSecret),
		strings.TrimSpace(authEndpoint), strings.TrimSpace(tokenEndpoint), issuer)
	if err != nil {
		return fmt.Errorf("store: updating platform oauth for %s: %w", issuer, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: platform oauth rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("store: platform %s: %w", issuer, ErrNotFound)
	}

	return nil
}
