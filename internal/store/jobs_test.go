package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/store"
	"github.com/fetcharr/fetcharr/internal/testutil"
)

func TestCreateAndGetJob(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()
	ctx := context.Background()

	job, err := tdb.Store.CreateJob(ctx, store.CreateJobParams{
		Type:     "pipeline:search",
		Payload:  `{"requestId":42}`,
		Priority: 5,
	})
	require.NoError(t, err)
	require.NotNil(t, job)

	assert.Equal(t, "pipeline:search", job.Type)
	assert.Equal(t, store.JobPending, job.Status)
	assert.Equal(t, 5, job.Priority)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.False(t, job.ScheduledFor.IsZero())

	got, err := tdb.Store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, `{"requestId":42}`, got.Payload)
}

func TestGetJobNotFound(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()

	_, err := tdb.Store.GetJob(context.Background(), 9999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateJobIfNotExistsDedupe(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()
	ctx := context.Background()

	key := "pipeline:search:42"
	first, err := tdb.Store.CreateJobIfNotExists(ctx, store.CreateJobParams{
		Type:      "pipeline:search",
		DedupeKey: &key,
	})
	require.NoError(t, err)
	require.NotNil(t, first)

	// Second enqueue with the same active key is silently skipped.
	second, err := tdb.Store.CreateJobIfNotExists(ctx, store.CreateJobParams{
		Type:      "pipeline:search",
		DedupeKey: &key,
	})
	require.NoError(t, err)
	assert.Nil(t, second)

	// Once the holder reaches a terminal state the key is free again.
	require.NoError(t, tdb.Store.CompleteJob(ctx, first.ID, nil))

	third, err := tdb.Store.CreateJobIfNotExists(ctx, store.CreateJobParams{
		Type:      "pipeline:search",
		DedupeKey: &key,
	})
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestClaimJobOnlyOnce(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()
	ctx := context.Background()

	job, err := tdb.Store.CreateJob(ctx, store.CreateJobParams{Type: "library:sync"})
	require.NoError(t, err)

	now := time.Now().UTC()
	claimed, err := tdb.Store.ClaimJob(ctx, job.ID, "host:1:100", now)
	require.NoError(t, err)
	assert.True(t, claimed)

	// A second claim against the same job must lose.
	claimed, err = tdb.Store.ClaimJob(ctx, job.ID, "host:2:200", now)
	require.NoError(t, err)
	assert.False(t, claimed)

	got, err := tdb.Store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobRunning, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.WorkerID)
	assert.Equal(t, "host:1:100", *got.WorkerID)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.HeartbeatAt)
}

func TestSelectClaimableOrdering(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()
	ctx := context.Background()

	low, err := tdb.Store.CreateJob(ctx, store.CreateJobParams{Type: "a", Priority: 1})
	require.NoError(t, err)
	high, err := tdb.Store.CreateJob(ctx, store.CreateJobParams{Type: "b", Priority: 10})
	require.NoError(t, err)

	// A future job must not be claimable yet.
	_, err = tdb.Store.CreateJob(ctx, store.CreateJobParams{
		Type:         "c",
		Priority:     100,
		ScheduledFor: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	jobs, err := tdb.Store.SelectClaimable(ctx, 10, time.Now())
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, high.ID, jobs[0].ID)
	assert.Equal(t, low.ID, jobs[1].ID)
}

func TestRescheduleJobClearsRuntimeFields(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()
	ctx := context.Background()

	job, err := tdb.Store.CreateJob(ctx, store.CreateJobParams{Type: "pipeline:download"})
	require.NoError(t, err)

	_, err = tdb.Store.ClaimJob(ctx, job.ID, "w1", time.Now())
	require.NoError(t, err)

	retryAt := time.Now().Add(2 * time.Second)
	require.NoError(t, tdb.Store.RescheduleJob(ctx, job.ID, "connection refused", retryAt))

	got, err := tdb.Store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobPending, got.Status)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.HeartbeatAt)
	assert.Nil(t, got.WorkerID)
	assert.False(t, got.CancelRequested)
	require.NotNil(t, got.Error)
	assert.Equal(t, "connection refused", *got.Error)
	// Attempts survive the reschedule so the retry cap still applies.
	assert.Equal(t, 1, got.Attempts)
}

func TestPauseResumeRoundTrip(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()
	ctx := context.Background()

	job, err := tdb.Store.CreateJob(ctx, store.CreateJobParams{Type: "pipeline:encode"})
	require.NoError(t, err)

	require.NoError(t, tdb.Store.PauseJob(ctx, job.ID))
	got, err := tdb.Store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobPaused, got.Status)

	resumed, err := tdb.Store.ResumeJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, resumed)

	got, err = tdb.Store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobPending, got.Status)

	// Resuming a job that is not paused is a no-op.
	resumed, err = tdb.Store.ResumeJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, resumed)
}

func TestPausedJobHoldsDedupeKey(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()
	ctx := context.Background()

	key := "tv:search:7"
	job, err := tdb.Store.CreateJobIfNotExists(ctx, store.CreateJobParams{
		Type:      "tv:search",
		DedupeKey: &key,
	})
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, tdb.Store.PauseJob(ctx, job.ID))

	dup, err := tdb.Store.CreateJobIfNotExists(ctx, store.CreateJobParams{
		Type:      "tv:search",
		DedupeKey: &key,
	})
	require.NoError(t, err)
	assert.Nil(t, dup)
}

func TestCancelPendingJob(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()
	ctx := context.Background()

	job, err := tdb.Store.CreateJob(ctx, store.CreateJobParams{Type: "pipeline:deliver"})
	require.NoError(t, err)

	ok, err := tdb.Store.CancelPendingJob(ctx, job.ID, "cancelled by user")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := tdb.Store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobCancelled, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestCancelRequestedFlag(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()
	ctx := context.Background()

	job, err := tdb.Store.CreateJob(ctx, store.CreateJobParams{Type: "pipeline:download"})
	require.NoError(t, err)
	_, err = tdb.Store.ClaimJob(ctx, job.ID, "w1", time.Now())
	require.NoError(t, err)

	require.NoError(t, tdb.Store.SetCancelRequested(ctx, job.ID))

	ids, err := tdb.Store.ListCancelRequested(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{job.ID}, ids)
}

func TestResetRunningJobs(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()
	ctx := context.Background()

	j1, err := tdb.Store.CreateJob(ctx, store.CreateJobParams{Type: "a"})
	require.NoError(t, err)
	j2, err := tdb.Store.CreateJob(ctx, store.CreateJobParams{Type: "b"})
	require.NoError(t, err)

	_, err = tdb.Store.ClaimJob(ctx, j1.ID, "dead:1:1", time.Now())
	require.NoError(t, err)
	_, err = tdb.Store.ClaimJob(ctx, j2.ID, "dead:1:1", time.Now())
	require.NoError(t, err)

	n, err := tdb.Store.ResetRunningJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for _, id := range []int64{j1.ID, j2.ID} {
		got, err := tdb.Store.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.JobPending, got.Status)
		assert.Nil(t, got.WorkerID)
		// The failed attempt still counts.
		assert.Equal(t, 1, got.Attempts)
	}
}

func TestResetJobsForWorker(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()
	ctx := context.Background()

	mine, err := tdb.Store.CreateJob(ctx, store.CreateJobParams{Type: "a"})
	require.NoError(t, err)
	other, err := tdb.Store.CreateJob(ctx, store.CreateJobParams{Type: "b"})
	require.NoError(t, err)

	_, err = tdb.Store.ClaimJob(ctx, mine.ID, "dead:1:1", time.Now())
	require.NoError(t, err)
	_, err = tdb.Store.ClaimJob(ctx, other.ID, "alive:2:2", time.Now())
	require.NoError(t, err)

	n, err := tdb.Store.ResetJobsForWorker(ctx, "dead:1:1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := tdb.Store.GetJob(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobRunning, got.Status)
}

func TestJobStatsSnapshot(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()
	ctx := context.Background()

	_, err := tdb.Store.CreateJob(ctx, store.CreateJobParams{Type: "pipeline:search"})
	require.NoError(t, err)
	_, err = tdb.Store.CreateJob(ctx, store.CreateJobParams{Type: "pipeline:search"})
	require.NoError(t, err)
	done, err := tdb.Store.CreateJob(ctx, store.CreateJobParams{Type: "library:sync"})
	require.NoError(t, err)
	require.NoError(t, tdb.Store.CompleteJob(ctx, done.ID, nil))

	stats, err := tdb.Store.JobStatsSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.ByStatus[store.JobPending])
	assert.Equal(t, int64(1), stats.ByStatus[store.JobCompleted])
	assert.Equal(t, int64(2), stats.PendingByType["pipeline:search"])
}

func TestWorkerLifecycle(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()
	ctx := context.Background()

	now := time.Now().UTC()
	w := store.Worker{ID: "host:123:1000", Hostname: "host", PID: 123, LastHeartbeat: now}
	require.NoError(t, tdb.Store.RegisterWorker(ctx, w))

	stale, err := tdb.Store.ListStaleWorkers(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale)

	stale, err = tdb.Store.ListStaleWorkers(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "host:123:1000", stale[0].ID)

	require.NoError(t, tdb.Store.StopWorker(ctx, w.ID))
	stale, err = tdb.Store.ListStaleWorkers(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale)
}
