package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requestWithCookies copies the cookies a handler set onto a new request.
func requestWithCookies(t *testing.T, rec *httptest.ResponseRecorder, target string) *http.Request {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, target, nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}

	return req
}

func TestSessionRoundTrip(t *testing.T) {
	s := NewSessions("test-secret")

	rec := httptest.NewRecorder()
	s.Issue(rec, Principal{Issuer: "https://lms.example.edu", UserSub: "user-1", Name: "Ada"})

	got, err := s.Principal(requestWithCookies(t, rec, "/"))
	require.NoError(t, err)
	assert.Equal(t, "https://lms.example.edu", got.Issuer)
	assert.Equal(t, "user-1", got.UserSub)
	assert.Equal(t, "Ada", got.Name)
}

func TestSessionMissingCookie(t *testing.T) {
	s := NewSessions("test-secret")

	_, err := s.Principal(httptest.NewRequest(http.MethodGet, "/", nil))
	require.ErrorIs(t, err, ErrNoSession)
}

func TestSessionTamperedPayloadRejected(t *testing.T) {
	s := NewSessions("test-secret")

	rec := httptest.NewRecorder()
	s.Issue(rec, Principal{Issuer: "https://lms.example.edu", UserSub: "user-1"})

	cookie := rec.Result().Cookies()[0]

	// Flip a character in the signed payload.
	mutated := strings.Replace(cookie.Value, cookie.Value[:1], "x", 1)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: mutated})

	_, err := s.Principal(req)
	require.ErrorIs(t, err, ErrNoSession)
}

func TestSessionWrongSecretRejected(t *testing.T) {
	issuer := NewSessions("secret-a")
	verifier := NewSessions("secret-b")

	rec := httptest.NewRecorder()
	issuer.Issue(rec, Principal{Issuer: "https://lms.example.edu", UserSub: "user-1"})

	_, err := verifier.Principal(requestWithCookies(t, rec, "/"))
	require.ErrorIs(t, err, ErrNoSession)
}

func TestStateRoundTrip(t *testing.T) {
	s := NewSessions("test-secret")

	rec := httptest.NewRecorder()

	state, err := s.IssueState(rec)
	require.NoError(t, err)
	require.NotEmpty(t, state)

	req := requestWithCookies(t, rec, "/auth/callback?state="+state)
	require.NoError(t, s.VerifyState(httptest.NewRecorder(), req, state))
}

func TestStateMismatchRejected(t *testing.T) {
	s := NewSessions("test-secret")

	rec := httptest.NewRecorder()

	_, err := s.IssueState(rec)
	require.NoError(t, err)

	req := requestWithCookies(t, rec, "/auth/callback")
	require.Error(t, s.VerifyState(httptest.NewRecorder(), req, "forged-state"))
}
