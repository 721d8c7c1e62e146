package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"courserelay/internal/store"
)

// TokenProvider supplies a non-expired credential for an (issuer, user)
// pair. Implemented by token.Manager.
type TokenProvider interface {
	Valid(ctx context.Context, issuer, userSub string) (*store.Credential, error)
}

// FileRelay moves one file from its source reference to a destination key.
// Implemented by StreamRelay.
type FileRelay interface {
	Relay(ctx context.Context, fileURL, bearer, destKey string) (string, int64, error)
}

// Orchestrator executes transfer jobs. It is the only writer of a running
// job's mutable fields; files are relayed strictly in list order, one at a
// time, so a job never holds more than one open stream pair.
type Orchestrator struct {
	store  *store.Store
	tokens TokenProvider
	relay  FileRelay
	logger *slog.Logger
}

// NewOrchestrator creates an orchestrator over the given collaborators.
func NewOrchestrator(st *store.Store, tokens TokenProvider, relay FileRelay, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{store: st, tokens: tokens, relay: relay, logger: logger}
}

// Run executes one job to a terminal state. Redeliveries of jobs that are
// no longer queued are ignored, making at-least-once dispatch safe. Any
// failure, including a panic, marks the job failed and records exactly
// one ERROR event, so no error path leaves a job stuck in running.
func (o *Orchestrator) Run(ctx context.Context, jobID string) (err error) {
	job, err := o.store.GetJobByID(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		o.logger.Warn("relay: dispatched job does not exist", slog.String("job_id", jobID))
		return nil
	}

	if err != nil {
		return err
	}

	if job.Status != store.StatusQueued {
		o.logger.Info("relay: job not queued, ignoring redelivery",
			slog.String("job_id", jobID),
			slog.String("status", job.Status),
		)

		return nil
	}

	var bytesTotal int64
	for _, f := range job.Files {
		bytesTotal += f.Size
	}

	claimed, err := o.store.MarkRunning(ctx, jobID, bytesTotal)
	if err != nil {
		return err
	}

	if !claimed {
		o.logger.Info("relay: job claimed elsewhere", slog.String("job_id", jobID))
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("relay: job %s panicked: %v", jobID, r)
		}

		if err != nil {
			o.failJob(context.WithoutCancel(ctx), jobID, err)
		}
	}()

	return o.transfer(ctx, job, bytesTotal)
}

// transfer relays every file of a claimed job in order.
func (o *Orchestrator) transfer(ctx context.Context, job *store.Job, bytesTotal int64) error {
	if err := o.store.AppendEvent(ctx, job.ID, store.LevelInfo, "transfer started", map[string]any{
		"files":       len(job.Files),
		"bytes_total": bytesTotal,
	}); err != nil {
		return err
	}

	// One credential acquisition up front: an auth failure aborts the job
	// before any file is touched.
	cred, err := o.tokens.Valid(ctx, job.Issuer, job.UserSub)
	if err != nil {
		return wrap(err)
	}

	var sent int64

	for _, f := range job.Files {
		destKey := fmt.Sprintf("%s/%s/%s", job.UserSub, job.ContainerID, f.Filename)

		if err := o.store.AppendEvent(ctx, job.ID, store.LevelInfo, "uploading "+f.Filename, map[string]any{
			"filename": f.Filename,
			"size":     f.Size,
			"dest_key": destKey,
		}); err != nil {
			return err
		}

		ref, _, err := o.relay.Relay(ctx, f.FileURL, cred.AccessToken, destKey)
		if err != nil {
			return fmt.Errorf("relay: file %q: %w", f.Filename, err)
		}

		o.logger.Debug("relay: file stored",
			slog.String("job_id", job.ID),
			slog.String("reference", ref),
		)

		// Progress counts declared sizes: the total was fixed from the
		// same declarations, so completed jobs always balance.
		sent += f.Size
		if err := o.store.UpdateProgress(ctx, job.ID, sent); err != nil {
			return err
		}
	}

	done, err := o.store.MarkTerminal(ctx, job.ID, store.StatusCompleted)
	if err != nil {
		return err
	}

	if !done {
		o.logger.Warn("relay: job left running state unexpectedly", slog.String("job_id", job.ID))
	}

	return o.store.AppendEvent(ctx, job.ID, store.LevelInfo, "transfer complete", map[string]any{
		"bytes_sent": sent,
	})
}

// failJob drives a job to the failed state and records the single ERROR
// event describing what broke. Best-effort: persistence failures here are
// logged, not propagated, because the job outcome is already decided.
func (o *Orchestrator) failJob(ctx context.Context, jobID string, cause error) {
	kind := Classify(cause)

	o.logger.Error("relay: job failed",
		slog.String("job_id", jobID),
		slog.String("kind", string(kind)),
		slog.String("error", cause.Error()),
	)

	if _, err := o.store.MarkTerminal(ctx, jobID, store.StatusFailed); err != nil {
		o.logger.Error("relay: marking job failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}

	if err := o.store.AppendEvent(ctx, jobID, store.LevelError,
		"transfer failed: "+cause.Error(), map[string]any{
			"kind": string(kind),
		}); err != nil {
		o.logger.Error("relay: recording failure event",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}
