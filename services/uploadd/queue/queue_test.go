package queue

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testFabric(t *testing.T) *Fabric {
	t.Helper()
	f, err := Open(filepath.Join(t.TempDir(), "queue.db"), slog.Default())
	require.NoError(t, err)
	return f
}

func TestEnqueueClaimComplete(t *testing.T) {
	ctx := context.Background()
	f := testFabric(t)

	require.NoError(t, f.Enqueue(ctx, "work", map[string]string{"k": "v"}))

	job, err := f.claim(ctx, "work")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, StateRunning, job.State)
	require.JSONEq(t, `{"k":"v"}`, string(job.Payload))

	// The running job is invisible to a second claim.
	second, err := f.claim(ctx, "work")
	require.NoError(t, err)
	require.Nil(t, second)

	f.finish(ctx, job, nil)
	depth, err := f.Depth(ctx, "work")
	require.NoError(t, err)
	require.Zero(t, depth)
}

func TestRetryBackoffThenFailure(t *testing.T) {
	ctx := context.Background()
	f := testFabric(t)
	now := time.Now()
	f.WithClock(func() time.Time { return now })

	require.NoError(t, f.Enqueue(ctx, "work", struct{}{}))

	boom := context.DeadlineExceeded
	waits := []time.Duration{5 * time.Second, 25 * time.Second}
	for attempt, wait := range waits {
		job, err := f.claim(ctx, "work")
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d", attempt)
		f.finish(ctx, job, boom)

		// Not due yet.
		early, err := f.claim(ctx, "work")
		require.NoError(t, err)
		require.Nil(t, early)

		now = now.Add(wait)
	}

	job, err := f.claim(ctx, "work")
	require.NoError(t, err)
	require.NotNil(t, job)
	f.finish(ctx, job, boom)

	// Third failure parks the job.
	var failed Job
	require.NoError(t, f.db.Where("state = ?", StateFailed).First(&failed).Error)
	require.Equal(t, MaxAttempts, failed.Attempts)
	require.Contains(t, failed.LastError, "deadline")

	gone, err := f.claim(ctx, "work")
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestDedupKeySuppressesPendingDuplicates(t *testing.T) {
	ctx := context.Background()
	f := testFabric(t)

	require.NoError(t, f.Enqueue(ctx, "work", struct{}{}, WithDedupKey("once")))
	require.NoError(t, f.Enqueue(ctx, "work", struct{}{}, WithDedupKey("once")))

	depth, err := f.Depth(ctx, "work")
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)

	job, err := f.claim(ctx, "work")
	require.NoError(t, err)
	f.finish(ctx, job, nil)

	// A completed job releases the key for the next round of work.
	require.NoError(t, f.Enqueue(ctx, "work", struct{}{}, WithDedupKey("once")))
	depth, err = f.Depth(ctx, "work")
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)
}

func TestDelayedJobsAreNotClaimableEarly(t *testing.T) {
	ctx := context.Background()
	f := testFabric(t)
	now := time.Now()
	f.WithClock(func() time.Time { return now })

	require.NoError(t, f.Enqueue(ctx, "work", struct{}{}, WithDelay(time.Minute)))

	job, err := f.claim(ctx, "work")
	require.NoError(t, err)
	require.Nil(t, job)

	now = now.Add(2 * time.Minute)
	job, err = f.claim(ctx, "work")
	require.NoError(t, err)
	require.NotNil(t, job)
}

func TestRequeueOrphansResetsRunningJobs(t *testing.T) {
	ctx := context.Background()
	f := testFabric(t)

	require.NoError(t, f.Enqueue(ctx, "work", struct{}{}))
	job, err := f.claim(ctx, "work")
	require.NoError(t, err)
	require.NotNil(t, job)

	// Simulate a crashed process picking the job back up.
	f.requeueOrphans(ctx)
	again, err := f.claim(ctx, "work")
	require.NoError(t, err)
	require.NotNil(t, again)
	require.Equal(t, job.ID, again.ID)
}

func TestLeaseIsExclusiveUntilExpiry(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")
	first, err := Open(path, slog.Default())
	require.NoError(t, err)
	second, err := Open(path, slog.Default())
	require.NoError(t, err)

	now := time.Now()
	first.WithClock(func() time.Time { return now })
	second.WithClock(func() time.Time { return now })

	ok, err := first.acquireLease(ctx, "planner", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = second.acquireLease(ctx, "planner", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	// The holder renews its own lease.
	ok, err = first.acquireLease(ctx, "planner", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// After expiry any process may take it over.
	now = now.Add(2 * time.Minute)
	ok, err = second.acquireLease(ctx, "planner", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRetentionTrimsExcessCompleted(t *testing.T) {
	ctx := context.Background()
	f := testFabric(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, f.Enqueue(ctx, "work", struct{}{}))
		job, err := f.claim(ctx, "work")
		require.NoError(t, err)
		f.finish(ctx, job, nil)
	}

	f.trimState(ctx, StateCompleted, 2, time.Now().Add(-time.Hour))
	var count int64
	require.NoError(t, f.db.Model(&Job{}).Where("state = ?", StateCompleted).Count(&count).Error)
	require.EqualValues(t, 2, count)
}
