package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"courserelay/internal/source"
	"courserelay/internal/store"
)

// Dispatcher hands a job id to the work-queue transport. Delivery is
// assumed reliable and at-least-once; the orchestrator tolerates
// redeliveries.
type Dispatcher interface {
	Enqueue(ctx context.Context, jobID string) error
}

// Engine is the interface the web layer consumes: it accepts transfer
// requests and exposes job status and the structured event stream.
type Engine struct {
	store  *store.Store
	queue  Dispatcher
	logger *slog.Logger
}

// NewEngine creates an engine over the given store and dispatcher.
func NewEngine(st *store.Store, queue Dispatcher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{store: st, queue: queue, logger: logger}
}

// Submit accepts a multi-file transfer request: it persists a queued job
// and dispatches its id. The job record outlives a dispatch failure as an
// audit row; it simply never runs.
func (e *Engine) Submit(ctx context.Context, issuer, userSub, containerID string, files []source.FileDescriptor) (string, error) {
	job := &store.Job{
		ID:          uuid.NewString(),
		Issuer:      issuer,
		UserSub:     userSub,
		ContainerID: containerID,
		Files:       files,
	}

	if err := e.store.CreateJob(ctx, job); err != nil {
		return "", err
	}

	if err := e.queue.Enqueue(ctx, job.ID); err != nil {
		return "", fmt.Errorf("relay: dispatching job %s: %w", job.ID, err)
	}

	e.logger.Info("relay: job submitted",
		slog.String("job_id", job.ID),
		slog.String("issuer", issuer),
		slog.Int("files", len(files)),
	)

	return job.ID, nil
}

// Status returns a job for a caller under the given issuer. Ownership is
// issuer-scoped: any admin under the job's issuer can read it.
func (e *Engine) Status(ctx context.Context, jobID, issuer string) (*store.Job, error) {
	return e.store.GetJob(ctx, jobID, issuer)
}

// Events returns the append-ordered event stream of a job, with the same
// issuer-scoped ownership check as Status.
func (e *Engine) Events(ctx context.Context, jobID, issuer string) ([]store.Event, error) {
	if _, err := e.store.GetJob(ctx, jobID, issuer); err != nil {
		return nil, err
	}

	return e.store.ListEvents(ctx, jobID)
}
