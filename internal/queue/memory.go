package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// defaultBuffer bounds how many dispatched ids the in-process queue holds
// before Enqueue starts failing fast.
const defaultBuffer = 1024

// Memory is the in-process queue used in single-binary mode and tests.
type Memory struct {
	ch     chan string
	logger *slog.Logger
}

// NewMemory creates an in-process queue. buffer <= 0 uses the default.
func NewMemory(buffer int, logger *slog.Logger) *Memory {
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Memory{ch: make(chan string, buffer), logger: logger}
}

// Enqueue places a job id on the queue. A full queue fails fast rather
// than blocking the submission path.
func (m *Memory) Enqueue(ctx context.Context, jobID string) error {
	select {
	case m.ch <- jobID:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue: enqueue %s: %w", jobID, ctx.Err())
	default:
		return fmt.Errorf("queue: in-process queue full, dropping job %s", jobID)
	}
}

// Run consumes job ids on a pool of workers until ctx is canceled. Each
// worker processes one job at a time for its full lifetime.
func (m *Memory) Run(ctx context.Context, workers int, handler Handler) error {
	if workers < 1 {
		workers = 1
	}

	m.logger.Info("queue: in-process consumer started", slog.Int("workers", workers))

	var wg sync.WaitGroup

	for range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for {
				select {
				case <-ctx.Done():
					return
				case jobID := <-m.ch:
					handler(ctx, jobID)
				}
			}
		}()
	}

	wg.Wait()

	return ctx.Err()
}
