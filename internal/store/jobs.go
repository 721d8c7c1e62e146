package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"courserelay/internal/source"
)

// Job status values. Transitions are one-directional:
// queued -> running -> completed | failed. The guarded UPDATE statements
// below enforce this at the SQL level via RowsAffected checks.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Job is one user-initiated multi-file transfer. Rows are never deleted;
// terminal jobs are read-only audit records.
type Job struct {
	ID          string
	Issuer      string
	UserSub     string
	ContainerID string
	Files       []source.FileDescriptor
	Status      string
	BytesTotal  int64
	BytesSent   int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CreateJob inserts a new queued job.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	files, err := json.Marshal(job.Files)
	if err != nil {
		return fmt.Errorf("store: encoding job files: %w", err)
	}

	now := time.Now()
	job.Status = StatusQueued
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO transfer_jobs
			(id, issuer, user_sub, container_id, files, status, bytes_total, bytes_sent, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`,
		job.ID, job.Issuer, job.UserSub, job.ContainerID, string(files),
		StatusQueued, now.UnixNano(), now.UnixNano())
	if err != nil {
		return fmt.Errorf("store: creating job %s: %w", job.ID, err)
	}

	s.logger.Info("store: job created",
		slog.String("job_id", job.ID),
		slog.String("issuer", job.Issuer),
		slog.Int("files", len(job.Files)),
	)

	return nil
}

// GetJob returns a job by id, enforcing issuer ownership: a job is only
// visible to callers under the same issuer. Any mismatch reports ErrNotFound
// rather than revealing the job's existence.
func (s *Store) GetJob(ctx context.Context, id, issuer string) (*Job, error) {
	job, err := s.GetJobByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if job.Issuer != issuer {
		return nil, fmt.Errorf("store: job %s: %w", id, ErrNotFound)
	}

	return job, nil
}

// GetJobByID returns a job by id without an ownership check. Reserved for
// the orchestrator, which receives ids from the trusted work queue.
func (s *Store) GetJobByID(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, issuer, user_sub, container_id, files, status,
			bytes_total, bytes_sent, created_at, updated_at
		 FROM transfer_jobs WHERE id = ?`, id)

	var (
		job                  Job
		files                string
		createdAt, updatedAt int64
	)

	err := row.Scan(&job.ID, &job.Issuer, &job.UserSub, &job.ContainerID,
		&files, &job.Status, &job.BytesTotal, &job.BytesSent, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: job %s: %w", id, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("store: getting job %s: %w", id, err)
	}

	if err := json.Unmarshal([]byte(files), &job.Files); err != nil {
		return nil, fmt.Errorf("store: decoding files for job %s: %w", id, err)
	}

	job.CreatedAt = time.Unix(0, createdAt)
	job.UpdatedAt = time.Unix(0, updatedAt)

	return &job, nil
}

// MarkRunning transitions a job from queued to running and fixes its byte
// total. Returns false without error when the job is not queued (already
// claimed, or redelivered after reaching a terminal state).
func (s *Store) MarkRunning(ctx context.Context, id string, bytesTotal int64) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE transfer_jobs SET status = ?, bytes_total = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		StatusRunning, bytesTotal, time.Now().UnixNano(), id, StatusQueued)
	if err != nil {
		return false, fmt.Errorf("store: marking job %s running: %w", id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: job %s rows affected: %w", id, err)
	}

	return rows > 0, nil
}

// UpdateProgress records the cumulative bytes relayed so far. Only running
// jobs accept progress writes.
func (s *Store) UpdateProgress(ctx context.Context, id string, bytesSent int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE transfer_jobs SET bytes_sent = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		bytesSent, time.Now().UnixNano(), id, StatusRunning)
	if err != nil {
		return fmt.Errorf("store: updating progress for job %s: %w", id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: job %s rows affected: %w", id, err)
	}

	if rows == 0 {
		return fmt.Errorf("store: job %s is not running", id)
	}

	return nil
}

// MarkTerminal transitions a running job to completed or failed. Returns
// false without error when the job already reached a terminal state, so a
// racing redelivery cannot rewrite history.
func (s *Store) MarkTerminal(ctx context.Context, id, status string) (bool, error) {
	if status != StatusCompleted && status != StatusFailed {
		return false, fmt.Errorf("store: %q is not a terminal status", status)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE transfer_jobs SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		status, time.Now().UnixNano(), id, StatusRunning)
	if err != nil {
		return false, fmt.Errorf("store: marking job %s %s: %w", id, status, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: job %s rows affected: %w", id, err)
	}

	return rows > 0, nil
}
