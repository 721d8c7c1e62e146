package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultListKey is the redis list carrying dispatched job ids.
const defaultListKey = "courserelay:transfers"

// popTimeout bounds each blocking pop so workers notice context
// cancellation promptly.
const popTimeout = 5 * time.Second

// Redis is the redis-list queue transport for multi-process deployments:
// the serve process pushes job ids, worker processes pop them.
type Redis struct {
	client *redis.Client
	key    string
	logger *slog.Logger
}

// NewRedis connects to the redis instance at url. key selects the list;
// empty uses the default.
func NewRedis(url, key string, logger *slog.Logger) (*Redis, error) {
	if key == "" {
		key = defaultListKey
	}

	if logger == nil {
		logger = slog.Default()
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("queue: parsing redis url: %w", err)
	}

	return &Redis{client: redis.NewClient(opts), key: key, logger: logger}, nil
}

// Enqueue pushes a job id onto the list.
func (r *Redis) Enqueue(ctx context.Context, jobID string) error {
	if err := r.client.LPush(ctx, r.key, jobID).Err(); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", jobID, err)
	}

	return nil
}

// Run pops job ids on a pool of workers until ctx is canceled. A transient
// redis failure is logged and retried after a short pause; ids are handed
// to handler exactly as popped, so delivery is at-least-once from the
// producer's perspective and at-most-once from redis's.
func (r *Redis) Run(ctx context.Context, workers int, handler Handler) error {
	if workers < 1 {
		workers = 1
	}

	r.logger.Info("queue: redis consumer started",
		slog.Int("workers", workers),
		slog.String("key", r.key),
	)

	var wg sync.WaitGroup

	for range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()
			r.worker(ctx, handler)
		}()
	}

	wg.Wait()

	return ctx.Err()
}

// worker is the pop loop for a single goroutine.
func (r *Redis) worker(ctx context.Context, handler Handler) {
	for {
		if ctx.Err() != nil {
			return
		}

		result, err := r.client.BRPop(ctx, popTimeout, r.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}

			r.logger.Warn("queue: pop failed, retrying", slog.String("error", err.Error()))

			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}

			continue
		}

		// BRPop returns [key, value].
		if len(result) == 2 {
			handler(ctx, result[1])
		}
	}
}

// Close releases the redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
