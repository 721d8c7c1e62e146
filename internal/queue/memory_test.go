package queue

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMemoryDeliversToHandler(t *testing.T) {
	q := NewMemory(8, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu  sync.Mutex
		got []string
	)

	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = q.Run(ctx, 2, func(_ context.Context, jobID string) {
			mu.Lock()
			got = append(got, jobID)
			mu.Unlock()
		})
	}()

	require.NoError(t, q.Enqueue(ctx, "job-1"))
	require.NoError(t, q.Enqueue(ctx, "job-2"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 10*time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("workers did not stop on cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"job-1", "job-2"}, got)
}

func TestMemoryEnqueueFailsFastWhenFull(t *testing.T) {
	q := NewMemory(1, testLogger())

	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-1"))
	require.Error(t, q.Enqueue(ctx, "job-2"))
}
