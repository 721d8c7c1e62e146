package relay

import (
	"context"
	"io"
	"log/slog"
)

// Downloader opens an authenticated byte stream for a file reference.
// Implemented by source.Client.
type Downloader interface {
	OpenDownload(ctx context.Context, fileURL, bearer string) (io.ReadCloser, int64, error)
}

// Uploader streams bytes into the destination object at key, returning the
// destination reference and bytes written. Implemented by dest.Storage.
type Uploader interface {
	Upload(ctx context.Context, key string, body io.Reader) (string, int64, error)
}

// StreamRelay pipes one source stream into one destination object. Bytes
// flow chunk-by-chunk from the download leg into the upload leg; the file
// is never materialized in memory, because source files are unbounded in
// size.
type StreamRelay struct {
	source Downloader
	dest   Uploader
	logger *slog.Logger
}

// NewStreamRelay creates a relay over the given legs.
func NewStreamRelay(source Downloader, dest Uploader, logger *slog.Logger) *StreamRelay {
	if logger == nil {
		logger = slog.Default()
	}

	return &StreamRelay{source: source, dest: dest, logger: logger}
}

// Relay copies the file behind fileURL into the destination object at
// destKey. The download status is confirmed before any upload call is
// issued; a non-success source response fails with the download kind before
// a single byte moves. A mid-stream failure surfaces as the kind of the leg
// that broke. No partial-object cleanup is attempted.
func (r *StreamRelay) Relay(ctx context.Context, fileURL, bearer, destKey string) (string, int64, error) {
	body, declared, err := r.source.OpenDownload(ctx, fileURL, bearer)
	if err != nil {
		return "", 0, wrapKind(KindDownload, err)
	}
	defer body.Close()

	r.logger.Debug("relay: stream open",
		slog.String("dest_key", destKey),
		slog.Int64("declared_length", declared),
	)

	tracked := &readTracker{r: body}

	ref, written, err := r.dest.Upload(ctx, destKey, tracked)
	if err != nil {
		// The uploader consumes the download stream while it writes, so a
		// failure inside Upload can originate on either leg. A recorded
		// read error pins it on the download.
		if tracked.readErr != nil {
			return "", written, wrapKind(KindDownload, err)
		}

		return "", written, wrapKind(KindUpload, err)
	}

	r.logger.Info("relay: file relayed",
		slog.String("dest_key", destKey),
		slog.Int64("bytes", written),
	)

	return ref, written, nil
}

// readTracker records the first non-EOF error seen while reading the
// download stream, distinguishing download-leg failures from upload-leg
// failures after the fact.
type readTracker struct {
	r       io.Reader
	readErr error
}

func (t *readTracker) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF && t.readErr == nil {
		t.readErr = err
	}

	return n, err
}
