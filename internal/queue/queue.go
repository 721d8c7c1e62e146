// Package queue provides the work-queue transport that moves job ids from
// the submission path to the workers executing them. Two implementations
// exist: a redis list for multi-process deployments and an in-process
// channel for single-binary mode and tests. Both deliver at-least-once;
// consumers must tolerate redelivery.
package queue

import "context"

// Handler processes one dispatched job id. It must not panic the worker;
// job-level recovery belongs to the job executor.
type Handler func(ctx context.Context, jobID string)

// Dispatcher enqueues a job id for asynchronous execution.
type Dispatcher interface {
	Enqueue(ctx context.Context, jobID string) error
}

// Consumer runs a pool of workers feeding dispatched job ids to handler
// until ctx is canceled.
type Consumer interface {
	Run(ctx context.Context, workers int, handler Handler) error
}
