package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// OpenDownload opens an authenticated GET against a file's download
// reference and returns the body stream once a success status is confirmed.
// No bytes are consumed before the status check, so a failed open never
// leaves a partial copy anywhere. The declared length is -1 when the source
// does not report one. The caller owns closing the stream.
//
// The URL may embed access material, so it is never logged.
func (c *Client) OpenDownload(ctx context.Context, fileURL, bearer string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, http.NoBody)
	if err != nil {
		return nil, 0, fmt.Errorf("source: creating download request: %w", err)
	}

	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, &APIError{Message: fmt.Sprintf("download: %v", err), Err: ErrDownload}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit)) //nolint:errcheck // best-effort read for error message
		resp.Body.Close()

		return nil, 0, &APIError{StatusCode: resp.StatusCode, Message: string(msg), Err: ErrDownload}
	}

	c.logger.Debug("source: download stream open",
		slog.Int64("content_length", resp.ContentLength),
	)

	return resp.Body, resp.ContentLength, nil
}
