// Package source implements the client for the LMS content web service API:
// the listing RPC, its flattening into file descriptors, and authenticated
// download streams. Sentinel errors classify failures for the relay layer;
// use errors.Is(err, source.ErrListing) to check.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// Sentinel errors for failure classification.
var (
	// ErrListing covers both transport failures of the listing RPC and
	// error-shaped payloads (a response carrying an exception indicator).
	ErrListing = errors.New("source: listing call failed")
	// ErrDownload is returned when a download GET responds with a
	// non-success status before any bytes are copied.
	ErrDownload = errors.New("source: download failed")
)

// errBodyLimit bounds how much of an error response body is kept for the
// error message.
const errBodyLimit = 4 * 1024

// APIError carries the HTTP status and remote message of a failed call,
// wrapping a sentinel for errors.Is classification.
type APIError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("source: HTTP %d: %s", e.StatusCode, e.Message)
	}

	return "source: " + e.Message
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Client is an HTTP client for the LMS web service API. Bearer tokens are
// passed per call; the credential lifecycle lives in the token manager,
// not here.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates an LMS API client.
func NewClient(httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{httpClient: httpClient, logger: logger}
}

// errEnvelope is the error-shaped response the web service returns instead
// of an HTTP error status.
type errEnvelope struct {
	Exception string `json:"exception"`
	ErrorCode string `json:"errorcode"`
	Message   string `json:"message"`
}

// Call invokes a web service function against the issuer's REST endpoint
// and returns the raw JSON result. An error-shaped payload is a hard
// failure, not a partial result.
func (c *Client) Call(ctx context.Context, issuer, bearer, function string, params url.Values) (json.RawMessage, error) {
	endpoint := strings.TrimRight(issuer, "/") + "/webservice/rest/server.php"

	form := url.Values{
		"moodlewsrestformat": {"json"},
		"wsfunction":         {function},
	}
	for k, vs := range params {
		form[k] = vs
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("source: creating %s request: %w", function, err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+bearer)

	c.logger.Debug("source: calling web service",
		slog.String("issuer", issuer),
		slog.String("function", function),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Message: fmt.Sprintf("%s: %v", function, err), Err: ErrListing}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit)) //nolint:errcheck // best-effort read for error message

		return nil, &APIError{StatusCode: resp.StatusCode, Message: string(msg), Err: ErrListing}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("source: reading %s response: %w", function, err)
	}

	// The web service reports errors as a 200 with an exception payload.
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var env errEnvelope
		if err := json.Unmarshal(trimmed, &env); err == nil && env.Exception != "" {
			c.logger.Warn("source: web service returned exception",
				slog.String("function", function),
				slog.String("errorcode", env.ErrorCode),
			)

			return nil, &APIError{Message: env.Message, Err: ErrListing}
		}
	}

	return body, nil
}
