package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedTerminalJob(t *testing.T, s *Store, finished time.Time) string {
	t.Helper()
	ctx := context.Background()

	jobID, _, err := s.Enqueue(ctx, "noop", nil, EnqueueOptions{})
	require.NoError(t, err)

	start := finished.Add(-time.Second)
	require.NoError(t, s.TransitionState(ctx, jobID, StateEnqueued, StateDispatching, TransitionFields{StartTS: &start}))
	require.NoError(t, s.TransitionState(ctx, jobID, StateDispatching, StateRunning, TransitionFields{HeartbeatTS: &start}))
	require.NoError(t, s.TransitionState(ctx, jobID, StateRunning, StateDone, TransitionFields{FinishTS: &finished}))
	return jobID
}

func TestCountByState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	t.Run("empty store scans to zeroes", func(t *testing.T) {
		counts, err := s.CountByState(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), counts.Total)
		assert.Equal(t, int64(0), counts.Enqueued)
		assert.Equal(t, int64(0), counts.Done)
	})

	for i := 0; i < 3; i++ {
		_, _, err := s.Enqueue(ctx, "noop", nil, EnqueueOptions{})
		require.NoError(t, err)
	}
	seedTerminalJob(t, s, time.Now().UTC())

	counts, err := s.CountByState(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(3), counts.Enqueued)
	assert.Equal(t, int64(1), counts.Done)
	assert.Equal(t, int64(0), counts.Running)
	assert.Equal(t, int64(4), counts.Total)
}

func TestCompletedSince(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedTerminalJob(t, s, now.Add(-10*time.Second))
	seedTerminalJob(t, s, now.Add(-2*time.Hour))

	n, err := s.CompletedSince(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestGarbageCollect(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	oldest := seedTerminalJob(t, s, now.Add(-72*time.Hour))
	middle := seedTerminalJob(t, s, now.Add(-48*time.Hour))
	newest := seedTerminalJob(t, s, now.Add(-time.Minute))
	live, _, err := s.Enqueue(ctx, "noop", nil, EnqueueOptions{})
	require.NoError(t, err)

	t.Run("dry run reports without deleting", func(t *testing.T) {
		result, err := s.GarbageCollect(ctx, GCParams{MaxAge: 24 * time.Hour, DryRun: true})
		require.NoError(t, err)
		assert.Equal(t, 2, result.JobsRemoved)

		counts, err := s.CountByState(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(4), counts.Total)
	})

	t.Run("keep-last protects recent terminals", func(t *testing.T) {
		result, err := s.GarbageCollect(ctx, GCParams{MaxAge: 24 * time.Hour, KeepLast: 2})
		require.NoError(t, err)
		require.Equal(t, 1, result.JobsRemoved)
		assert.Equal(t, oldest, result.Candidates[0].JobID)

		_, err = s.Get(ctx, oldest)
		assert.ErrorIs(t, err, ErrNotFound)
		for _, id := range []string{middle, newest, live} {
			_, err = s.Get(ctx, id)
			assert.NoError(t, err)
		}
	})

	t.Run("live jobs are never pruned", func(t *testing.T) {
		result, err := s.GarbageCollect(ctx, GCParams{MaxAge: time.Nanosecond, KeepLast: 0})
		require.NoError(t, err)
		for _, rec := range result.Candidates {
			assert.NotEqual(t, live, rec.JobID)
		}

		_, err = s.Get(ctx, live)
		assert.NoError(t, err)
	})
}

func TestDeleteTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	done := seedTerminalJob(t, s, now)
	other := seedTerminalJob(t, s, now)
	live, _, err := s.Enqueue(ctx, "noop", nil, EnqueueOptions{})
	require.NoError(t, err)

	n, err := s.DeleteTerminal(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Live and unknown ids are skipped; only the terminal row goes.
	n, err = s.DeleteTerminal(ctx, []string{done, live, "no-such-job"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, done)
	assert.ErrorIs(t, err, ErrNotFound)
	for _, id := range []string{other, live} {
		_, err = s.Get(ctx, id)
		assert.NoError(t, err)
	}
}
