package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courserelay/internal/source"
)

// testJob creates a queued two-file job.
func testJob(t *testing.T, st *Store, id string) *Job {
	t.Helper()

	job := &Job{
		ID:          id,
		Issuer:      "https://lms.example.edu",
		UserSub:     "user-1",
		ContainerID: "42",
		Files: []source.FileDescriptor{
			{Filename: "syllabus.pdf", FileURL: "https://lms.example.edu/f/1", Size: 100},
			{Filename: "notes.txt", FileURL: "https://lms.example.edu/f/2", Size: 50},
		},
	}
	require.NoError(t, st.CreateJob(context.Background(), job))

	return job
}

func TestCreateAndGetJob(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	testJob(t, st, "job-1")

	got, err := st.GetJob(ctx, "job-1", "https://lms.example.edu")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Len(t, got.Files, 2)
	assert.Equal(t, "syllabus.pdf", got.Files[0].Filename)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestGetJobIssuerMismatchHidesJob(t *testing.T) {
	st := testStore(t)

	testJob(t, st, "job-1")

	_, err := st.GetJob(context.Background(), "job-1", "https://other.example.edu")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestJobStatusTransitionsAreMonotonic(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	testJob(t, st, "job-1")

	claimed, err := st.MarkRunning(ctx, "job-1", 150)
	require.NoError(t, err)
	assert.True(t, claimed)

	// A second claim must not succeed.
	claimed, err = st.MarkRunning(ctx, "job-1", 150)
	require.NoError(t, err)
	assert.False(t, claimed)

	done, err := st.MarkTerminal(ctx, "job-1", StatusCompleted)
	require.NoError(t, err)
	assert.True(t, done)

	// Terminal jobs cannot move again.
	done, err = st.MarkTerminal(ctx, "job-1", StatusFailed)
	require.NoError(t, err)
	assert.False(t, done)

	got, err := st.GetJobByID(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, int64(150), got.BytesTotal)
}

func TestMarkTerminalRejectsNonTerminalStatus(t *testing.T) {
	st := testStore(t)

	testJob(t, st, "job-1")

	_, err := st.MarkTerminal(context.Background(), "job-1", StatusRunning)
	require.Error(t, err)
}

func TestUpdateProgressRequiresRunning(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	testJob(t, st, "job-1")

	// Queued jobs reject progress writes.
	require.Error(t, st.UpdateProgress(ctx, "job-1", 10))

	claimed, err := st.MarkRunning(ctx, "job-1", 150)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, st.UpdateProgress(ctx, "job-1", 100))

	got, err := st.GetJobByID(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.BytesSent)
}
