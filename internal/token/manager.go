// Package token manages the OAuth credential lifecycle consumed by the
// relay: acquire via authorization-code exchange, cache in the store,
// refresh ahead of expiry, expire with a safety margin. It does not define
// an authentication protocol; it only keeps stored grants usable.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"courserelay/internal/store"
)

// Sentinel errors for the credential lifecycle.
var (
	// ErrAuthRequired means no credential exists for the pair; the user
	// must go through the authorization flow.
	ErrAuthRequired = errors.New("token: authorization required")
	// ErrRefreshFailed means the refresh exchange was rejected. Callers
	// treat this as fatal; there is no automatic retry.
	ErrRefreshFailed = errors.New("token: refresh exchange failed")
)

const (
	// refreshHorizon is how close to expiry a credential may get before a
	// synchronous refresh is performed.
	refreshHorizon = 60 * time.Second
	// expiryMargin is subtracted from the granted lifetime before storing,
	// so a caller checking expiry just before the real deadline never
	// races the issuer's clock.
	expiryMargin = 30 * time.Second
)

// Manager serves non-expired credentials out of the store, refreshing
// through the platform's token endpoint when needed. Concurrent refreshes
// for the same (issuer, user) pair are coalesced into one in-flight
// exchange, so two jobs racing near expiry cannot rotate each other's
// refresh token out from under them.
type Manager struct {
	store      *store.Store
	httpClient *http.Client
	logger     *slog.Logger
	refreshes  singleflight.Group
}

// NewManager creates a credential manager.
func NewManager(st *store.Store, httpClient *http.Client, logger *slog.Logger) *Manager {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{store: st, httpClient: httpClient, logger: logger}
}

// Valid returns a credential whose expiry (margin already applied) is
// beyond the refresh horizon, refreshing synchronously when it is not.
// Returns ErrAuthRequired when the pair has never authorized, and
// ErrRefreshFailed when the exchange is rejected.
func (m *Manager) Valid(ctx context.Context, issuer, userSub string) (*store.Credential, error) {
	cred, err := m.store.GetCredential(ctx, issuer, userSub)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("token: no credential for %s/%s: %w", issuer, userSub, ErrAuthRequired)
	}

	if err != nil {
		return nil, err
	}

	if time.Until(cred.ExpiresAt) > refreshHorizon {
		return cred, nil
	}

	refreshed, err, shared := m.refreshes.Do(issuer+"\x00"+userSub, func() (any, error) {
		return m.refresh(ctx, issuer, userSub)
	})
	if err != nil {
		return nil, err
	}

	if shared {
		m.logger.Debug("token: refresh coalesced with in-flight exchange",
			slog.String("issuer", issuer),
			slog.String("user_sub", userSub),
		)
	}

	return refreshed.(*store.Credential), nil
}

// refresh performs one refresh-token exchange and persists the result.
// The credential is re-read inside the single-flight section so coalesced
// waiters use the freshest stored refresh token.
func (m *Manager) refresh(ctx context.Context, issuer, userSub string) (*store.Credential, error) {
	cred, err := m.store.GetCredential(ctx, issuer, userSub)
	if err != nil {
		return nil, err
	}

	// A caller that raced past the staleness check may enter a new flight
	// after a refresh already landed; the re-read credential is then fresh
	// and no exchange is needed.
	if time.Until(cred.ExpiresAt) > refreshHorizon {
		return cred, nil
	}

	platform, err := m.store.GetPlatform(ctx, issuer)
	if err != nil {
		return nil, err
	}

	m.logger.Info("token: refreshing credential",
		slog.String("issuer", issuer),
		slog.String("user_sub", userSub),
		slog.Time("expires_at", cred.ExpiresAt),
	)

	src := m.oauthConfig(platform, "").TokenSource(m.withHTTPClient(ctx),
		&oauth2.Token{RefreshToken: cred.RefreshToken})

	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("token: refresh for %s/%s rejected (%v): %w", issuer, userSub, err, ErrRefreshFailed)
	}

	return m.save(ctx, issuer, userSub, tok, cred.RefreshToken)
}

// Exchange performs the authorization-code exchange for the callback route
// and persists the resulting credential for userSub.
func (m *Manager) Exchange(ctx context.Context, platform *store.Platform, userSub, code, redirectURI string) (*store.Credential, error) {
	tok, err := m.oauthConfig(platform, redirectURI).Exchange(m.withHTTPClient(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("token: code exchange with %s: %w", platform.Issuer, err)
	}

	return m.save(ctx, platform.Issuer, userSub, tok, "")
}

// AuthURL builds the authorization redirect URL for a platform.
func (m *Manager) AuthURL(platform *store.Platform, redirectURI, state, scope string) string {
	cfg := m.oauthConfig(platform, redirectURI)
	if scope != "" {
		cfg.Scopes = []string{scope}
	}

	return cfg.AuthCodeURL(state)
}

// save applies the expiry margin and upserts the credential. When the
// exchange did not rotate the refresh token, the previous one is kept;
// refresh tokens may be reused across rotations.
func (m *Manager) save(ctx context.Context, issuer, userSub string, tok *oauth2.Token, oldRefresh string) (*store.Credential, error) {
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = oldRefresh
	}

	expires := tok.Expiry.Add(-expiryMargin)
	if floor := time.Now().Add(expiryMargin); expires.Before(floor) {
		expires = floor
	}

	cred := &store.Credential{
		Issuer:       issuer,
		UserSub:      userSub,
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		ExpiresAt:    expires,
	}

	if err := m.store.UpsertCredential(ctx, cred); err != nil {
		return nil, err
	}

	m.logger.Info("token: credential stored",
		slog.String("issuer", issuer),
		slog.String("user_sub", userSub),
		slog.Time("expires_at", expires),
	)

	return cred, nil
}

// oauthConfig builds the oauth2 configuration for one platform.
func (m *Manager) oauthConfig(platform *store.Platform, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     platform.OAuthClientID,
		ClientSecret: platform.OAuthClientSecret,
		RedirectURL:  redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:  platform.AuthEndpoint,
			TokenURL: platform.TokenEndpoint,
		},
	}
}

// withHTTPClient binds the manager's HTTP client into ctx for the oauth2
// library's exchanges.
func (m *Manager) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}
