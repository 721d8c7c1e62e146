package httpapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	sessionCookie = "courserelay_session"
	stateCookie   = "courserelay_state"

	sessionTTL = 8 * time.Hour
	stateTTL   = 10 * time.Minute
)

// ErrNoSession means the request carries no valid session cookie.
var ErrNoSession = errors.New("httpapi: no valid session")

// Principal is the validated identity carried by a session cookie.
type Principal struct {
	Issuer    string `json:"iss"`
	UserSub   string `json:"sub"`
	Name      string `json:"name,omitempty"`
	ExpiresAt int64  `json:"exp"`
}

// Sessions signs and verifies session cookies. The payload is JSON,
// base64url-encoded and HMAC-SHA256 signed; there is no server-side
// session state.
type Sessions struct {
	secret []byte
}

// NewSessions creates a session codec over the given signing secret.
func NewSessions(secret string) *Sessions {
	return &Sessions{secret: []byte(secret)}
}

// Issue sets a session cookie for the principal. LTI launches arrive as
// cross-site POSTs inside an iframe, so the cookie must be SameSite=None
// and Secure.
func (s *Sessions) Issue(w http.ResponseWriter, p Principal) {
	p.ExpiresAt = time.Now().Add(sessionTTL).Unix()

	payload, _ := json.Marshal(p) //nolint:errcheck // struct of plain fields

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    s.sign(base64.RawURLEncoding.EncodeToString(payload)),
		Path:     "/",
		MaxAge:   int(sessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteNoneMode,
	})
}

// Principal verifies the request's session cookie and returns its identity.
func (s *Sessions) Principal(r *http.Request) (*Principal, error) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return nil, ErrNoSession
	}

	encoded, err := s.verify(cookie.Value)
	if err != nil {
		return nil, err
	}

	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("httpapi: decoding session payload: %w", ErrNoSession)
	}

	var p Principal
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("httpapi: parsing session payload: %w", ErrNoSession)
	}

	if time.Now().Unix() >= p.ExpiresAt {
		return nil, fmt.Errorf("httpapi: session expired: %w", ErrNoSession)
	}

	return &p, nil
}

// IssueState sets a short-lived signed nonce cookie for the authorization
// redirect and returns the nonce value.
func (s *Sessions) IssueState(w http.ResponseWriter) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("httpapi: generating state: %w", err)
	}

	state := hex.EncodeToString(buf)

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    s.sign(state),
		Path:     "/",
		MaxAge:   int(stateTTL.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteNoneMode,
	})

	return state, nil
}

// VerifyState checks the callback's state parameter against the nonce
// cookie and clears the cookie.
func (s *Sessions) VerifyState(w http.ResponseWriter, r *http.Request, state string) error {
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteNoneMode,
	})

	cookie, err := r.Cookie(stateCookie)
	if err != nil {
		return errors.New("httpapi: missing state cookie")
	}

	expected, err := s.verify(cookie.Value)
	if err != nil {
		return err
	}

	if state == "" || subtle.ConstantTimeCompare([]byte(expected), []byte(state)) != 1 {
		return errors.New("httpapi: state mismatch")
	}

	return nil
}

// sign appends an HMAC-SHA256 tag to value.
func (s *Sessions) sign(value string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(value))

	return value + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// verify checks the tag and returns the bare value.
func (s *Sessions) verify(signed string) (string, error) {
	value, tag, found := strings.Cut(signed, ".")
	if !found {
		return "", fmt.Errorf("httpapi: malformed signed value: %w", ErrNoSession)
	}

	got, err := base64.RawURLEncoding.DecodeString(tag)
	if err != nil {
		return "", fmt.Errorf("httpapi: decoding signature: %w", ErrNoSession)
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(value))

	if !hmac.Equal(got, mac.Sum(nil)) {
		return "", fmt.Errorf("httpapi: signature mismatch: %w", ErrNoSession)
	}

	return value, nil
}
