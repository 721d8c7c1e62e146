package lti

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const instructorRole = "http://purl.imsglobal.org/vocab/lis/v2/membership#Instructor"

// launchKit bundles a signing key with a JWKS server publishing it.
type launchKit struct {
	key *rsa.PrivateKey
	srv *httptest.Server
}

func newLaunchKit(t *testing.T) *launchKit {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	keySet := map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"kid": "key-1",
			"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		}},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(keySet)
	}))
	t.Cleanup(srv.Close)

	return &launchKit{key: key, srv: srv}
}

// sign produces a launch id_token with the given claim overrides.
func (k *launchKit) sign(t *testing.T, issuer string, overrides map[string]any) string {
	t.Helper()

	claims := jwt.MapClaims{
		"iss":             issuer,
		"aud":             "client-1",
		"sub":             "user-1",
		"name":            "Ada Lovelace",
		"exp":             time.Now().Add(5 * time.Minute).Unix(),
		"iat":             time.Now().Unix(),
		claimDeploymentID: "dep-1",
		claimRoles:        []string{instructorRole},
	}
	for key, v := range overrides {
		if v == nil {
			delete(claims, key)
		} else {
			claims[key] = v
		}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "key-1"

	signed, err := token.SignedString(k.key)
	require.NoError(t, err)

	return signed
}

func TestValidateAcceptsInstructorLaunch(t *testing.T) {
	kit := newLaunchKit(t)
	v := NewValidator(kit.srv.Client(), testLogger())

	raw := kit.sign(t, "https://lms.example.edu", nil)

	launch, err := v.Validate(context.Background(), raw, kit.srv.URL)
	require.NoError(t, err)

	assert.Equal(t, "https://lms.example.edu", launch.Issuer)
	assert.Equal(t, "user-1", launch.UserSub)
	assert.Equal(t, "Ada Lovelace", launch.Name)
	assert.Equal(t, "client-1", launch.ClientID)
	assert.Equal(t, "dep-1", launch.DeploymentID)
	assert.True(t, launch.Admin)
}

func TestValidateAudienceArray(t *testing.T) {
	kit := newLaunchKit(t)
	v := NewValidator(kit.srv.Client(), testLogger())

	raw := kit.sign(t, "https://lms.example.edu", map[string]any{
		"aud": []string{"client-1", "other"},
	})

	launch, err := v.Validate(context.Background(), raw, kit.srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "client-1", launch.ClientID)
}

func TestValidateRejectsStudentLaunch(t *testing.T) {
	kit := newLaunchKit(t)
	v := NewValidator(kit.srv.Client(), testLogger())

	raw := kit.sign(t, "https://lms.example.edu", map[string]any{
		claimRoles: []string{"http://purl.imsglobal.org/vocab/lis/v2/membership#Learner"},
	})

	_, err := v.Validate(context.Background(), raw, kit.srv.URL)
	require.ErrorIs(t, err, ErrNotPrivileged)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	kit := newLaunchKit(t)
	v := NewValidator(kit.srv.Client(), testLogger())

	raw := kit.sign(t, "https://lms.example.edu", map[string]any{
		"exp": time.Now().Add(-5 * time.Minute).Unix(),
	})

	_, err := v.Validate(context.Background(), raw, kit.srv.URL)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsWrongKey(t *testing.T) {
	kit := newLaunchKit(t)

	// Sign with a different key than the JWKS endpoint publishes.
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	other := &launchKit{key: otherKey, srv: kit.srv}
	raw := other.sign(t, "https://lms.example.edu", nil)

	v := NewValidator(kit.srv.Client(), testLogger())

	_, err = v.Validate(context.Background(), raw, kit.srv.URL)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsMissingSub(t *testing.T) {
	kit := newLaunchKit(t)
	v := NewValidator(kit.srv.Client(), testLogger())

	raw := kit.sign(t, "https://lms.example.edu", map[string]any{"sub": nil})

	_, err := v.Validate(context.Background(), raw, kit.srv.URL)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsGarbage(t *testing.T) {
	kit := newLaunchKit(t)
	v := NewValidator(kit.srv.Client(), testLogger())

	_, err := v.Validate(context.Background(), "not-a-jwt", kit.srv.URL)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateJWKSEndpointDown(t *testing.T) {
	kit := newLaunchKit(t)

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	t.Cleanup(down.Close)

	v := NewValidator(down.Client(), testLogger())

	raw := kit.sign(t, "https://lms.example.edu", nil)

	_, err := v.Validate(context.Background(), raw, down.URL)
	require.ErrorIs(t, err, ErrInvalidToken)
}
