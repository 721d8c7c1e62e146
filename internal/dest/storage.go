// Package dest streams bytes into S3-compatible object storage. The data
// path never uses the SDK's authenticated transport directly: each chunk is
// written through a presigned, time-bounded, write-only URL scoped to one
// object (and part), so the relay holds no long-lived storage credential
// while bytes are in flight.
package dest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"

	"courserelay/internal/config"
)

// ErrUpload is the sentinel wrapped by every destination-side failure.
// Use errors.Is(err, dest.ErrUpload) to check.
var ErrUpload = errors.New("dest: upload failed")

// UploadError carries the failing operation and HTTP status of a rejected
// upload call.
type UploadError struct {
	Op     string
	Key    string
	Status int
	Err    error
}

func (e *UploadError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("dest: %s %s: HTTP %d", e.Op, e.Key, e.Status)
	}

	return fmt.Sprintf("dest: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *UploadError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrUpload, e.Err}
	}

	return []error{ErrUpload}
}

// Storage relays byte streams into one bucket of an S3-compatible store.
type Storage struct {
	client      *s3.Client
	presign     *s3.PresignClient
	httpClient  *http.Client
	bucket      string
	chunkSize   int64
	concurrency int
	writeTTL    time.Duration
	logger      *slog.Logger
}

// NewStorage builds a Storage from the storage configuration. chunkSize and
// concurrency govern the chunked upload path; both must be positive.
func NewStorage(ctx context.Context, cfg config.StorageConfig, chunkSize int64, concurrency int, logger *slog.Logger) (*Storage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if chunkSize <= 0 || concurrency <= 0 {
		return nil, fmt.Errorf("dest: chunk size and concurrency must be positive (%d, %d)", chunkSize, concurrency)
	}

	writeTTL, err := cfg.WriteTTL()
	if err != nil {
		return nil, err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey, cfg.SecretKey, "",
		)))
	if err != nil {
		return nil, fmt.Errorf("dest: loading storage credentials: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}

		o.UsePathStyle = cfg.PathStyle
	})

	logger.Info("dest: storage configured",
		slog.String("bucket", cfg.Bucket),
		slog.Int64("chunk_size", chunkSize),
		slog.Int("concurrency", concurrency),
		slog.Duration("write_ttl", writeTTL),
	)

	return &Storage{
		client:      client,
		presign:     s3.NewPresignClient(client),
		httpClient:  &http.Client{},
		bucket:      cfg.Bucket,
		chunkSize:   chunkSize,
		concurrency: concurrency,
		writeTTL:    writeTTL,
		logger:      logger,
	}, nil
}

// Reference returns the durable reference for an object key.
func (s *Storage) Reference(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, key)
}

// completedPart pairs a part number with the ETag the store returned for it.
type completedPart struct {
	number int32
	etag   string
}

// Upload streams body into the object at key, overwriting any existing
// object. Streams that fit in a single chunk take the simple presigned PUT
// path; larger streams become a chunked upload with at most `concurrency`
// parts in flight. Reads from body are strictly sequential, so at most
// concurrency+1 chunk buffers exist at any moment; the full stream is
// never materialized.
//
// A failure leaves no cleanup behind: an aborted chunked upload stays at
// the store until its lifecycle policy expires it.
func (s *Storage) Upload(ctx context.Context, key string, body io.Reader) (string, int64, error) {
	first := make([]byte, s.chunkSize)

	n, err := io.ReadFull(body, first)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", 0, err
	}

	// Whole stream fits in one chunk: single presigned PUT.
	if err != nil {
		if putErr := s.putObject(ctx, key, first[:n]); putErr != nil {
			return "", 0, putErr
		}

		s.logger.Debug("dest: single-chunk upload complete",
			slog.String("key", key),
			slog.Int("bytes", n),
		)

		return s.Reference(key), int64(n), nil
	}

	return s.uploadChunked(ctx, key, first[:n], body)
}

// uploadChunked runs the multipart path: one create call, then sequential
// chunk reads fanned out to bounded concurrent presigned part writes, then
// one complete call with the collected part ETags.
func (s *Storage) uploadChunked(ctx context.Context, key string, first []byte, body io.Reader) (string, int64, error) {
	create, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", 0, &UploadError{Op: "create upload", Key: key, Err: err}
	}

	uploadID := aws.ToString(create.UploadId)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	var (
		parts   []completedPart
		partsMu sync.Mutex
	)

	addPart := func(p completedPart) {
		partsMu.Lock()
		parts = append(parts, p)
		partsMu.Unlock()
	}

	dispatch := func(num int32, chunk []byte) {
		g.Go(func() error {
			etag, partErr := s.uploadPart(gctx, key, uploadID, num, chunk)
			if partErr != nil {
				return partErr
			}

			addPart(completedPart{number: num, etag: etag})

			return nil
		})
	}

	written := int64(len(first))

	dispatch(1, first)

	var readErr error

	for num := int32(2); ; num++ {
		chunk := make([]byte, s.chunkSize)

		n, err := io.ReadFull(body, chunk)
		if n > 0 {
			written += int64(n)

			dispatch(num, chunk[:n])
		}

		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}

		if err != nil {
			readErr = err
			break
		}
	}

	if err := g.Wait(); err != nil {
		return "", written, err
	}

	if readErr != nil {
		return "", written, readErr
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].number < parts[j].number })

	completed := make([]types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = types.CompletedPart{
			PartNumber: aws.Int32(p.number),
			ETag:       aws.String(p.etag),
		}
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return "", written, &UploadError{Op: "complete upload", Key: key, Err: err}
	}

	s.logger.Info("dest: chunked upload complete",
		slog.String("key", key),
		slog.Int("parts", len(parts)),
		slog.Int64("bytes", written),
	)

	return s.Reference(key), written, nil
}

// uploadPart writes one chunk through a freshly minted write-scoped part
// URL and returns the ETag the store assigned.
func (s *Storage) uploadPart(ctx context.Context, key, uploadID string, num int32, chunk []byte) (string, error) {
	signed, err := s.presign.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(num),
	}, s3.WithPresignExpires(s.writeTTL))
	if err != nil {
		return "", &UploadError{Op: "presign part", Key: key, Err: err}
	}

	etag, err := s.putSigned(ctx, signed.URL, chunk)
	if err != nil {
		var ue *UploadError
		if errors.As(err, &ue) {
			ue.Op = fmt.Sprintf("part %d", num)
			ue.Key = key
		}

		return "", err
	}

	s.logger.Debug("dest: part uploaded",
		slog.String("key", key),
		slog.Int("part", int(num)),
		slog.Int("bytes", len(chunk)),
	)

	return etag, nil
}

// putObject writes a full object through a presigned PUT URL.
func (s *Storage) putObject(ctx context.Context, key string, data []byte) error {
	signed, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.writeTTL))
	if err != nil {
		return &UploadError{Op: "presign put", Key: key, Err: err}
	}

	if _, err := s.putSigned(ctx, signed.URL, data); err != nil {
		var ue *UploadError
		if errors.As(err, &ue) {
			ue.Op = "put object"
			ue.Key = key
		}

		return err
	}

	return nil
}

// putSigned performs the raw PUT against a presigned URL. The URL embeds
// the write credential, so it is never logged.
func (s *Storage) putSigned(ctx context.Context, url string, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return "", &UploadError{Op: "put", Err: err}
	}

	req.ContentLength = int64(len(data))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", &UploadError{Op: "put", Err: err}
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return "", &UploadError{Op: "put", Err: err}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", &UploadError{Op: "put", Status: resp.StatusCode}
	}

	return resp.Header.Get("ETag"), nil
}
