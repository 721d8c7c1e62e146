package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Event severity levels.
const (
	LevelInfo  = "INFO"
	LevelError = "ERROR"
)

// Event is one append-only log entry for a job. Events are immutable once
// written; insertion order is the observation order of the orchestrator.
type Event struct {
	ID      int64          `json:"id"`
	JobID   string         `json:"job_id"`
	At      time.Time      `json:"ts"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Payload map[string]any `json:"payload,omitempty"`
}

// AppendEvent records a structured event for a job. payload may be nil.
func (s *Store) AppendEvent(ctx context.Context, jobID, level, message string, payload map[string]any) error {
	var encoded []byte

	if payload != nil {
		var err error

		encoded, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("store: encoding event payload: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transfer_events (job_id, ts, level, message, payload)
		 VALUES (?, ?, ?, ?, ?)`,
		jobID, time.Now().UnixNano(), level, message, nullableString(encoded))
	if err != nil {
		return fmt.Errorf("store: appending event for job %s: %w", jobID, err)
	}

	return nil
}

// ListEvents returns all events for a job in append order.
func (s *Store) ListEvents(ctx context.Context, jobID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, ts, level, message, payload
		 FROM transfer_events WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("store: listing events for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var events []Event

	for rows.Next() {
		var (
			e       Event
			ts      int64
			payload *string
		)

		if err := rows.Scan(&e.ID, &e.JobID, &ts, &e.Level, &e.Message, &payload); err != nil {
			return nil, fmt.Errorf("store: scanning event row: %w", err)
		}

		e.At = time.Unix(0, ts)

		if payload != nil && *payload != "" {
			if err := json.Unmarshal([]byte(*payload), &e.Payload); err != nil {
				return nil, fmt.Errorf("store: decoding payload for event %d: %w", e.ID, err)
			}
		}

		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating event rows: %w", err)
	}

	return events, nil
}

// nullableString maps an empty byte slice to SQL NULL.
func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}

	return string(b)
}
