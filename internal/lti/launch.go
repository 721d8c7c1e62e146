// Package lti validates LTI 1.3 launch assertions. The id_token is checked
// against the issuer's published keys and the launch roles; the rest of the
// system trusts the resulting (issuer, user, role) tuple as-is.
package lti

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Launch claim URIs.
const (
	claimDeploymentID = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	claimRoles        = "https://purl.imsglobal.org/spec/lti/claim/roles"
)

// Roles entitled to run transfers.
var privilegedRoles = map[string]bool{
	"http://purl.imsglobal.org/vocab/lis/v2/membership#Administrator":    true,
	"http://purl.imsglobal.org/vocab/lis/v2/membership#ContentDeveloper": true,
	"http://purl.imsglobal.org/vocab/lis/v2/membership#Instructor":       true,
}

// Sentinel errors.
var (
	ErrInvalidToken  = errors.New("lti: id_token invalid")
	ErrNotPrivileged = errors.New("lti: admin or instructor role required")
)

// Launch is the validated identity assertion handed to the rest of the
// system.
type Launch struct {
	Issuer       string
	UserSub      string
	Name         string
	ClientID     string
	DeploymentID string
	Admin        bool
}

// Validator verifies launch id_tokens against issuer-published JWKS keys.
type Validator struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewValidator creates a launch validator.
func NewValidator(httpClient *http.Client, logger *slog.Logger) *Validator {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Validator{httpClient: httpClient, logger: logger}
}

// Validate verifies a raw id_token: issuer-derived JWKS signature check,
// issuer claim match, and a privileged launch role. The audience is not
// verified; per-issuer client registration happens after the first launch,
// so the aud claim is only recorded.
func (v *Validator) Validate(ctx context.Context, rawToken, jwksEndpoint string) (*Launch, error) {
	issuer, err := unverifiedIssuer(rawToken)
	if err != nil {
		return nil, err
	}

	if jwksEndpoint == "" {
		jwksEndpoint = strings.TrimRight(issuer, "/") + "/mod/lti/certs.php"
	}

	keys, err := v.fetchJWKS(ctx, jwksEndpoint)
	if err != nil {
		return nil, err
	}

	claims := jwt.MapClaims{}

	_, err = jwt.ParseWithClaims(rawToken, claims, keys.keyFor,
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("lti: verifying id_token from %s: %v: %w", issuer, err, ErrInvalidToken)
	}

	launch := &Launch{
		Issuer:       issuer,
		UserSub:      stringClaim(claims, "sub"),
		Name:         stringClaim(claims, "name"),
		ClientID:     audience(claims),
		DeploymentID: stringClaim(claims, claimDeploymentID),
	}

	if launch.UserSub == "" {
		return nil, fmt.Errorf("lti: id_token missing sub: %w", ErrInvalidToken)
	}

	for _, role := range rolesClaim(claims) {
		if privilegedRoles[role] {
			launch.Admin = true
			break
		}
	}

	if !launch.Admin {
		return nil, ErrNotPrivileged
	}

	v.logger.Info("lti: launch validated",
		slog.String("issuer", issuer),
		slog.String("user_sub", launch.UserSub),
	)

	return launch, nil
}

// unverifiedIssuer extracts the iss claim without signature verification,
// so the right JWKS endpoint can be derived before verifying.
func unverifiedIssuer(rawToken string) (string, error) {
	claims := jwt.MapClaims{}

	if _, _, err := jwt.NewParser().ParseUnverified(rawToken, claims); err != nil {
		return "", fmt.Errorf("lti: parsing id_token: %v: %w", err, ErrInvalidToken)
	}

	issuer := stringClaim(claims, "iss")
	if issuer == "" {
		return "", fmt.Errorf("lti: id_token missing issuer: %w", ErrInvalidToken)
	}

	return issuer, nil
}

// jwks is the issuer's published key set.
type jwks struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// fetchJWKS retrieves and decodes the issuer's key set.
func (v *Validator) fetchJWKS(ctx context.Context, endpoint string) (*jwks, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("lti: creating JWKS request: %w", err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lti: fetching JWKS from %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck // draining error body
		return nil, fmt.Errorf("lti: JWKS endpoint %s returned %d: %w", endpoint, resp.StatusCode, ErrInvalidToken)
	}

	var keys jwks
	if err := json.NewDecoder(resp.Body).Decode(&keys); err != nil {
		return nil, fmt.Errorf("lti: decoding JWKS: %w", err)
	}

	return &keys, nil
}

// keyFor is the jwt keyfunc resolving the signing key by kid. A key set
// with a single key matches regardless of kid, which some platforms omit.
func (k *jwks) keyFor(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)

	for _, key := range k.Keys {
		if key.Kty != "RSA" {
			continue
		}

		if key.Kid == kid || (kid == "" && len(k.Keys) == 1) {
			return key.publicKey()
		}
	}

	if len(k.Keys) == 1 && k.Keys[0].Kty == "RSA" {
		return k.Keys[0].publicKey()
	}

	return nil, fmt.Errorf("lti: no JWKS key for kid %q: %w", kid, ErrInvalidToken)
}

// publicKey decodes the RSA modulus and exponent.
func (k jwk) publicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("lti: decoding key modulus: %w", err)
	}

	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("lti: decoding key exponent: %w", err)
	}

	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}

	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}

// stringClaim returns a string claim or "".
func stringClaim(claims jwt.MapClaims, key string) string {
	s, _ := claims[key].(string)
	return s
}

// audience returns the first audience value; launches may carry aud as a
// string or an array.
func audience(claims jwt.MapClaims) string {
	switch aud := claims["aud"].(type) {
	case string:
		return aud
	case []any:
		if len(aud) > 0 {
			if s, ok := aud[0].(string); ok {
				return s
			}
		}
	}

	return ""
}

// rolesClaim returns the launch roles as strings.
func rolesClaim(claims jwt.MapClaims) []string {
	raw, _ := claims[claimRoles].([]any)

	roles := make([]string, 0, len(raw))

	for _, r := range raw {
		if s, ok := r.(string); ok {
			roles = append(roles, s)
		}
	}

	return roles
}
