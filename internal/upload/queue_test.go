package upload

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tubeworks/tubeup/internal/store"
)

// waitForStatus polls until the job reaches the wanted status or the
// deadline passes.
func waitForStatus(t *testing.T, jobs *store.JobStore, id, want string) *store.Job {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)

	for time.Now().Before(deadline) {
		job, err := jobs.Get(context.Background(), id)
		require.NoError(t, err)

		if job.Status == want {
			return job
		}

		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("job %s never reached status %s", id, want)

	return nil
}

func TestQueueEnqueueRunsToCompletion(t *testing.T) {
	ft := newFakeTube(t)
	h := newHarness(t, ft)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, h.queue.Start(ctx))

	path := writeVideo(t, "queued.mp4")
	job := &store.Job{
		GrantID:  h.grant.ID,
		FilePath: path,
		Title:    "Queued Video",
	}

	require.NoError(t, h.queue.Enqueue(ctx, job))
	assert.NotEmpty(t, job.ID, "enqueue assigns an id")
	assert.Equal(t, store.JobPending, job.Status)
	assert.Equal(t, int64(10), job.FileSize, "enqueue stats the file")

	done := waitForStatus(t, h.jobs, job.ID, store.JobCompleted)
	assert.Equal(t, "vid123", done.VideoID)

	cancel()
	h.queue.Wait()
}

func TestQueueEnqueueRejectsInvalidFileBeforePersisting(t *testing.T) {
	ft := newFakeTube(t)
	h := newHarness(t, ft)

	job := &store.Job{
		GrantID:  h.grant.ID,
		FilePath: filepath.Join(t.TempDir(), "missing.mp4"),
		Title:    "Ghost",
	}

	err := h.queue.Enqueue(context.Background(), job)
	require.ErrorIs(t, err, ErrInvalidFile)

	jobs, err := h.jobs.List(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, jobs, "invalid job never persisted")
	assert.Equal(t, 0, ft.sessionCount(), "invalid job never opens a session")
}

func TestQueueEnqueueRejectsInvalidMetadata(t *testing.T) {
	ft := newFakeTube(t)
	h := newHarness(t, ft)

	job := &store.Job{
		GrantID:  h.grant.ID,
		FilePath: writeVideo(t, "valid.mp4"),
		Title:    "", // derived titles are fine, empty explicit ones are not
	}

	err := h.queue.Enqueue(context.Background(), job)
	require.ErrorIs(t, err, ErrInvalidMetadata)
	assert.Equal(t, 0, ft.sessionCount())
}

func TestQueueCancelUnknownJob(t *testing.T) {
	ft := newFakeTube(t)
	h := newHarness(t, ft)

	assert.False(t, h.queue.Cancel("no-such-job"))
}

func TestQueueStartResetsStaleJobs(t *testing.T) {
	ft := newFakeTube(t)
	h := newHarness(t, ft)

	// A job stranded mid-upload by a crash.
	path := writeVideo(t, "stale.mp4")
	job := h.newJob(t, path)
	require.NoError(t, h.jobs.MarkUploading(context.Background(), job.ID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, h.queue.Start(ctx))

	// Reset to pending and re-driven to completion by the consumer.
	done := waitForStatus(t, h.jobs, job.ID, store.JobCompleted)
	assert.Equal(t, "vid123", done.VideoID)

	cancel()
	h.queue.Wait()
}
