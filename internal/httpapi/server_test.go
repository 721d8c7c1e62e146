package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courserelay/internal/config"
	"courserelay/internal/lti"
	"courserelay/internal/queue"
	"courserelay/internal/relay"
	"courserelay/internal/source"
	"courserelay/internal/store"
	"courserelay/internal/token"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testServer assembles a full API server over an in-process store and
// queue. The returned issuer URL points at a fake LMS serving the given
// course contents payload.
func testServer(t *testing.T, courseContents string) (*Server, string) {
	t.Helper()

	lms := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/webservice/rest/server.php") {
			fmt.Fprint(w, courseContents)
			return
		}

		http.NotFound(w, r)
	}))
	t.Cleanup(lms.Close)

	cfg := config.Default()
	cfg.BaseURL = "https://relay.example.com"
	cfg.SessionSecret = "test-secret"
	cfg.EnumerationCap = 2

	st, err := store.Open(context.Background(), ":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	tokens := token.NewManager(st, lms.Client(), testLogger())
	src := source.NewClient(lms.Client(), testLogger())
	engine := relay.NewEngine(st, queue.NewMemory(8, testLogger()), testLogger())
	launches := lti.NewValidator(lms.Client(), testLogger())

	return NewServer(cfg, st, launches, tokens, src, engine, testLogger()), lms.URL
}

// sessionCookieFor mints a valid session cookie for requests.
func sessionCookieFor(t *testing.T, s *Server, issuer string) *http.Cookie {
	t.Helper()

	rec := httptest.NewRecorder()
	s.sessions.Issue(rec, Principal{Issuer: issuer, UserSub: "user-1", Name: "Ada"})

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)

	return cookies[0]
}

// seedCredential stores a fresh grant so token validation passes without a
// refresh exchange.
func seedCredential(t *testing.T, s *Server, issuer string) {
	t.Helper()

	require.NoError(t, s.store.UpsertCredential(context.Background(), &store.Credential{
		Issuer:      issuer,
		UserSub:     "user-1",
		AccessToken: "tok",
		ExpiresAt:   time.Now().Add(time.Hour),
	}))
}

func TestHealthz(t *testing.T) {
	s, _ := testServer(t, `[]`)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestAPIRequiresSession(t *testing.T) {
	s, _ := testServer(t, `[]`)
	h := s.Handler()

	for _, target := range []string{
		"/api/files?course_id=42",
		"/api/transfers/some-id",
		"/api/transfers/some-id/events",
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, target)
	}
}

func TestListFilesRequiresAuthorization(t *testing.T) {
	s, issuer := testServer(t, `[]`)

	req := httptest.NewRequest(http.MethodGet, "/api/files?course_id=42", nil)
	req.AddCookie(sessionCookieFor(t, s, issuer))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	// No stored credential for the pair: the user must authorize first.
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "authorization required")
}

const threeFileListing = `[
  {"modules": [{"name": "Week 1", "modname": "resource", "contents": [
    {"type": "file", "filename": "a.pdf", "fileurl": "https://lms/f/1", "filesize": 10},
    {"type": "file", "filename": "b.pdf", "fileurl": "https://lms/f/2", "filesize": 20},
    {"type": "file", "filename": "c.pdf", "fileurl": "https://lms/f/3", "filesize": 30}
  ]}]}
]`

func TestListFilesTruncatesAtCap(t *testing.T) {
	s, issuer := testServer(t, threeFileListing)
	seedCredential(t, s, issuer)

	req := httptest.NewRequest(http.MethodGet, "/api/files?course_id=42", nil)
	req.AddCookie(sessionCookieFor(t, s, issuer))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp listFilesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.True(t, resp.Truncated)
	require.Len(t, resp.Files, 2)
	assert.Equal(t, "a.pdf", resp.Files[0].Filename)
	assert.Equal(t, "b.pdf", resp.Files[1].Filename)
}

func TestListFilesMissingCourseID(t *testing.T) {
	s, issuer := testServer(t, `[]`)
	seedCredential(t, s, issuer)

	req := httptest.NewRequest(http.MethodGet, "/api/files", nil)
	req.AddCookie(sessionCookieFor(t, s, issuer))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateTransferAndReadBack(t *testing.T) {
	s, issuer := testServer(t, `[]`)
	seedCredential(t, s, issuer)

	h := s.Handler()
	cookie := sessionCookieFor(t, s, issuer)

	body := `{"course_id":"42","files":[
		{"filename":"a.pdf","fileurl":"https://lms/f/1","filesize":10},
		{"filename":"b.pdf","fileurl":"https://lms/f/2","filesize":20}
	]}`

	req := httptest.NewRequest(http.MethodPost, "/api/transfers", strings.NewReader(body))
	req.AddCookie(cookie)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	jobID := created["job_id"]
	require.NotEmpty(t, jobID)

	// Status reads back the queued job.
	req = httptest.NewRequest(http.MethodGet, "/api/transfers/"+jobID, nil)
	req.AddCookie(cookie)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var status jobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, jobID, status.ID)
	assert.Equal(t, "42", status.CourseID)
	assert.Equal(t, store.StatusQueued, status.Status)
	assert.Equal(t, 2, status.FileCount)

	// Events start empty for an unstarted job.
	req = httptest.NewRequest(http.MethodGet, "/api/transfers/"+jobID+"/events", nil)
	req.AddCookie(cookie)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"events":[]}`, rec.Body.String())
}

func TestCreateTransferValidation(t *testing.T) {
	s, issuer := testServer(t, `[]`)
	seedCredential(t, s, issuer)

	h := s.Handler()
	cookie := sessionCookieFor(t, s, issuer)

	for name, body := range map[string]string{
		"no files":    `{"course_id":"42","files":[]}`,
		"no course":   `{"files":[{"filename":"a.pdf","fileurl":"https://lms/f/1"}]}`,
		"missing url": `{"course_id":"42","files":[{"filename":"a.pdf"}]}`,
		"not json":    `gibberish`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/api/transfers", strings.NewReader(body))
		req.AddCookie(cookie)

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
}

func TestTransferStatusNotFound(t *testing.T) {
	s, issuer := testServer(t, `[]`)

	req := httptest.NewRequest(http.MethodGet, "/api/transfers/no-such-job", nil)
	req.AddCookie(sessionCookieFor(t, s, issuer))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLaunchMissingToken(t *testing.T) {
	s, _ := testServer(t, `[]`)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/lti/launch", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIndexWithoutSession(t *testing.T) {
	s, _ := testServer(t, `[]`)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
