// Package httpapi exposes the web surface: the launch endpoint that
// bootstraps a session, the platform setup and authorization flows, and the
// JSON API for listing course files and driving transfers.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"

	"courserelay/internal/config"
	"courserelay/internal/lti"
	"courserelay/internal/relay"
	"courserelay/internal/source"
	"courserelay/internal/store"
	"courserelay/internal/token"
)

// Server wires the HTTP handlers to the engine and its collaborators.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	launches *lti.Validator
	tokens   *token.Manager
	source   *source.Client
	engine   *relay.Engine
	sessions *Sessions
	logger   *slog.Logger
}

// NewServer creates the HTTP API server.
func NewServer(cfg *config.Config, st *store.Store, launches *lti.Validator,
	tokens *token.Manager, src *source.Client, engine *relay.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		cfg:      cfg,
		store:    st,
		launches: launches,
		tokens:   tokens,
		source:   src,
		engine:   engine,
		sessions: NewSessions(cfg.SessionSecret),
		logger:   logger,
	}
}

// Handler returns the routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("POST /lti/launch", s.handleLaunch)
	mux.HandleFunc("GET /platform/setup", s.handleSetupForm)
	mux.HandleFunc("POST /platform/setup", s.handleSetupSave)
	mux.HandleFunc("GET /auth/start", s.handleAuthStart)
	mux.HandleFunc("GET /auth/callback", s.handleAuthCallback)

	mux.HandleFunc("GET /api/files", s.handleListFiles)
	mux.HandleFunc("POST /api/transfers", s.handleCreateTransfer)
	mux.HandleFunc("GET /api/transfers/{id}", s.handleTransferStatus)
	mux.HandleFunc("GET /api/transfers/{id}/events", s.handleTransferEvents)

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return mux
}

// handleLaunch validates the platform's id_token, registers the platform on
// first contact, and establishes a session. Where the user lands next
// depends on how far this issuer's setup has progressed.
func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rawToken := r.FormValue("id_token")
	if rawToken == "" {
		s.writeError(w, http.StatusBadRequest, "missing id_token")
		return
	}

	jwksEndpoint := ""
	if issuer := r.FormValue("iss"); issuer != "" {
		if platform, err := s.store.GetPlatform(ctx, issuer); err == nil {
			jwksEndpoint = platform.JWKSEndpoint
		}
	}

	launch, err := s.launches.Validate(ctx, rawToken, jwksEndpoint)
	if errors.Is(err, lti.ErrNotPrivileged) {
		s.writeError(w, http.StatusForbidden, "admin or instructor role required")
		return
	}

	if err != nil {
		s.logger.Warn("httpapi: launch rejected", slog.String("error", err.Error()))
		s.writeError(w, http.StatusUnauthorized, "launch validation failed")

		return
	}

	platform, err := s.store.GetOrCreatePlatform(ctx, launch.Issuer, launch.ClientID, launch.DeploymentID)
	if err != nil {
		s.internalError(w, "registering platform", err)
		return
	}

	s.sessions.Issue(w, Principal{
		Issuer:  launch.Issuer,
		UserSub: launch.UserSub,
		Name:    launch.Name,
	})

	switch {
	case platform.OAuthClientID == "":
		http.Redirect(w, r, "/platform/setup", http.StatusSeeOther)
	case !s.hasCredential(ctx, launch.Issuer, launch.UserSub):
		http.Redirect(w, r, "/auth/start", http.StatusSeeOther)
	default:
		http.Redirect(w, r, "/", http.StatusSeeOther)
	}
}

// hasCredential reports whether a stored grant exists for the pair. Expiry
// is not checked here; the relay refreshes on demand.
func (s *Server) hasCredential(ctx context.Context, issuer, userSub string) bool {
	_, err := s.store.GetCredential(ctx, issuer, userSub)
	return err == nil
}

var setupTemplate = template.Must(template.New("setup").Parse(`<!doctype html>
<title>Platform setup</title>
<h1>Connect {{.Issuer}}</h1>
<form method="post" action="/platform/setup">
  <label>OAuth client id <input name="client_id" value="{{.ClientID}}" required></label><br>
  <label>OAuth client secret <input name="client_secret" type="password" required></label><br>
  <label>Authorization endpoint <input name="auth_endpoint" value="{{.AuthEndpoint}}" size="60"></label><br>
  <label>Token endpoint <input name="token_endpoint" value="{{.TokenEndpoint}}" size="60"></label><br>
  <button type="submit">Save</button>
</form>
`))

func (s *Server) handleSetupForm(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	platform, err := s.store.GetPlatform(r.Context(), principal.Issuer)
	if err != nil {
		s.internalError(w, "loading platform", err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	err = setupTemplate.Execute(w, map[string]string{
		"Issuer":        platform.Issuer,
		"ClientID":      platform.OAuthClientID,
		"AuthEndpoint":  platform.AuthEndpoint,
		"TokenEndpoint": platform.TokenEndpoint,
	})
	if err != nil {
		s.logger.Warn("httpapi: rendering setup form", slog.String("error", err.Error()))
	}
}

func (s *Server) handleSetupSave(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	clientID := r.FormValue("client_id")
	clientSecret := r.FormValue("client_secret")

	if clientID == "" || clientSecret == "" {
		s.writeError(w, http.StatusBadRequest, "client_id and client_secret are required")
		return
	}

	err := s.store.UpdatePlatformOAuth(r.Context(), principal.Issuer,
		clientID, clientSecret, r.FormValue("auth_endpoint"), r.FormValue("token_endpoint"))
	if err != nil {
		s.internalError(w, "saving platform oauth", err)
		return
	}

	http.Redirect(w, r, "/auth/start", http.StatusSeeOther)
}

// handleAuthStart redirects the user to the platform's authorization
// endpoint with a signed state nonce.
func (s *Server) handleAuthStart(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	platform, err := s.store.GetPlatform(r.Context(), principal.Issuer)
	if err != nil {
		s.internalError(w, "loading platform", err)
		return
	}

	if platform.OAuthClientID == "" {
		http.Redirect(w, r, "/platform/setup", http.StatusSeeOther)
		return
	}

	state, err := s.sessions.IssueState(w)
	if err != nil {
		s.internalError(w, "issuing state", err)
		return
	}

	http.Redirect(w, r, s.tokens.AuthURL(platform, s.redirectURI(), state, ""), http.StatusSeeOther)
}

// handleAuthCallback exchanges the authorization code and stores the
// resulting credential for the session's user.
func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if err := s.sessions.VerifyState(w, r, r.URL.Query().Get("state")); err != nil {
		s.logger.Warn("httpapi: authorization state rejected", slog.String("error", err.Error()))
		s.writeError(w, http.StatusBadRequest, "invalid authorization state")

		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		s.writeError(w, http.StatusBadRequest, "missing authorization code")
		return
	}

	platform, err := s.store.GetPlatform(r.Context(), principal.Issuer)
	if err != nil {
		s.internalError(w, "loading platform", err)
		return
	}

	if _, err := s.tokens.Exchange(r.Context(), platform, principal.UserSub, code, s.redirectURI()); err != nil {
		s.logger.Warn("httpapi: code exchange failed", slog.String("error", err.Error()))
		s.writeError(w, http.StatusBadGateway, "authorization exchange failed")

		return
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// listFilesResponse is the file listing payload. Truncated reports that the
// enumeration cap cut the listing short.
type listFilesResponse struct {
	Files     []source.FileDescriptor `json:"files"`
	Truncated bool                    `json:"truncated"`
}

// handleListFiles enumerates the downloadable files of a course. The
// listing is capped at the API boundary; a truncated listing is flagged in
// the response and logged.
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	courseID := r.URL.Query().Get("course_id")
	if courseID == "" {
		s.writeError(w, http.StatusBadRequest, "missing course_id")
		return
	}

	cred, err := s.tokens.Valid(r.Context(), principal.Issuer, principal.UserSub)
	if err != nil {
		s.tokenError(w, err)
		return
	}

	files, err := s.source.ListFiles(r.Context(), principal.Issuer, cred.AccessToken, courseID)
	if err != nil {
		s.logger.Warn("httpapi: listing failed",
			slog.String("issuer", principal.Issuer),
			slog.String("course_id", courseID),
			slog.String("error", err.Error()),
		)
		s.writeError(w, http.StatusBadGateway, "course listing failed")

		return
	}

	resp := listFilesResponse{Files: files}

	if len(files) > s.cfg.EnumerationCap {
		s.logger.Warn("httpapi: listing truncated",
			slog.String("course_id", courseID),
			slog.Int("total", len(files)),
			slog.Int("cap", s.cfg.EnumerationCap),
		)

		resp.Files = files[:s.cfg.EnumerationCap]
		resp.Truncated = true
	}

	if resp.Files == nil {
		resp.Files = []source.FileDescriptor{}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// createTransferRequest is the transfer submission payload. The client
// submits the descriptors it selected from a prior listing.
type createTransferRequest struct {
	CourseID string                  `json:"course_id"`
	Files    []source.FileDescriptor `json:"files"`
}

func (s *Server) handleCreateTransfer(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	var req createTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if req.CourseID == "" || len(req.Files) == 0 {
		s.writeError(w, http.StatusBadRequest, "course_id and at least one file are required")
		return
	}

	for _, f := range req.Files {
		if f.Filename == "" || f.FileURL == "" {
			s.writeError(w, http.StatusBadRequest, "each file needs a filename and fileurl")
			return
		}
	}

	// Fail fast on a dead grant; the worker re-validates at run time.
	if _, err := s.tokens.Valid(r.Context(), principal.Issuer, principal.UserSub); err != nil {
		s.tokenError(w, err)
		return
	}

	jobID, err := s.engine.Submit(r.Context(), principal.Issuer, principal.UserSub, req.CourseID, req.Files)
	if err != nil {
		s.internalError(w, "submitting transfer", err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// jobResponse is the transfer status payload.
type jobResponse struct {
	ID         string `json:"id"`
	CourseID   string `json:"course_id"`
	Status     string `json:"status"`
	FileCount  int    `json:"file_count"`
	BytesTotal int64  `json:"bytes_total"`
	BytesSent  int64  `json:"bytes_sent"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

func (s *Server) handleTransferStatus(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	job, err := s.engine.Status(r.Context(), r.PathValue("id"), principal.Issuer)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "transfer not found")
		return
	}

	if err != nil {
		s.internalError(w, "loading transfer", err)
		return
	}

	s.writeJSON(w, http.StatusOK, jobResponse{
		ID:         job.ID,
		CourseID:   job.ContainerID,
		Status:     job.Status,
		FileCount:  len(job.Files),
		BytesTotal: job.BytesTotal,
		BytesSent:  job.BytesSent,
		CreatedAt:  job.CreatedAt.Unix(),
		UpdatedAt:  job.UpdatedAt.Unix(),
	})
}

func (s *Server) handleTransferEvents(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	events, err := s.engine.Events(r.Context(), r.PathValue("id"), principal.Issuer)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "transfer not found")
		return
	}

	if err != nil {
		s.internalError(w, "loading events", err)
		return
	}

	if events == nil {
		events = []store.Event{}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

var indexTemplate = template.Must(template.New("index").Parse(`<!doctype html>
<title>Course relay</title>
<h1>Course relay</h1>
<p>Signed in as {{.Name}} ({{.Issuer}}).</p>
<p>Use <code>GET /api/files?course_id=…</code> to list files and
<code>POST /api/transfers</code> to start a transfer.</p>
`))

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	principal, err := s.sessions.Principal(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "launch this tool from your course platform")
		return
	}

	name := principal.Name
	if name == "" {
		name = principal.UserSub
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if err := indexTemplate.Execute(w, map[string]string{
		"Name":   name,
		"Issuer": principal.Issuer,
	}); err != nil {
		s.logger.Warn("httpapi: rendering index", slog.String("error", err.Error()))
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireSession resolves the request's principal or writes a 401.
func (s *Server) requireSession(w http.ResponseWriter, r *http.Request) (*Principal, bool) {
	principal, err := s.sessions.Principal(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "session required")
		return nil, false
	}

	return principal, true
}

// tokenError maps credential lifecycle failures to API status codes.
func (s *Server) tokenError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, token.ErrAuthRequired):
		s.writeError(w, http.StatusUnauthorized, "authorization required")
	case errors.Is(err, token.ErrRefreshFailed):
		s.writeError(w, http.StatusBadGateway, "credential refresh failed")
	default:
		s.internalError(w, "validating credential", err)
	}
}

func (s *Server) redirectURI() string {
	return strings.TrimRight(s.cfg.BaseURL, "/") + "/auth/callback"
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("httpapi: encoding response", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) internalError(w http.ResponseWriter, doing string, err error) {
	s.logger.Error(fmt.Sprintf("httpapi: %s", doing), slog.String("error", err.Error()))
	s.writeError(w, http.StatusInternalServerError, "internal error")
}
