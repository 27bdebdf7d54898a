package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/scheduler"
	"github.com/fetcharr/fetcharr/internal/testutil"
)

func newScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	s, err := scheduler.New(testutil.NewTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func TestRegisterAndRun(t *testing.T) {
	s := newScheduler(t)

	var runs atomic.Int64
	err := s.Register("test-task", "Test Task", 50*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	require.NoError(t, err)

	s.Start()
	time.Sleep(250 * time.Millisecond)

	assert.GreaterOrEqual(t, runs.Load(), int64(2))
}

func TestRegisterDuplicateFails(t *testing.T) {
	s := newScheduler(t)

	noop := func(ctx context.Context) error { return nil }
	require.NoError(t, s.Register("dup", "Dup", time.Minute, noop))
	err := s.Register("dup", "Dup", time.Minute, noop)
	assert.Error(t, err)
}

func TestUnregisterStopsTask(t *testing.T) {
	s := newScheduler(t)

	var runs atomic.Int64
	require.NoError(t, s.Register("short", "Short", 50*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))
	s.Start()

	time.Sleep(120 * time.Millisecond)
	require.NoError(t, s.Unregister("short"))
	after := runs.Load()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
	assert.Empty(t, s.List())
}

func TestNoConcurrentRuns(t *testing.T) {
	s := newScheduler(t)

	var active atomic.Int64
	var maxActive atomic.Int64
	require.NoError(t, s.Register("slow", "Slow", 20*time.Millisecond, func(ctx context.Context) error {
		n := active.Add(1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		time.Sleep(100 * time.Millisecond)
		active.Add(-1)
		return nil
	}))
	s.Start()

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, int64(1), maxActive.Load())
}

func TestPanicDoesNotKillTask(t *testing.T) {
	s := newScheduler(t)

	var runs atomic.Int64
	require.NoError(t, s.Register("panicky", "Panicky", 50*time.Millisecond, func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			panic("boom")
		}
		return nil
	}))
	s.Start()

	time.Sleep(300 * time.Millisecond)
	assert.GreaterOrEqual(t, runs.Load(), int64(2))
}

func TestErrorIsLoggedAndTaskContinues(t *testing.T) {
	s := newScheduler(t)

	var runs atomic.Int64
	require.NoError(t, s.Register("flaky", "Flaky", 50*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("upstream unavailable")
	}))
	s.Start()

	time.Sleep(250 * time.Millisecond)
	assert.GreaterOrEqual(t, runs.Load(), int64(2))
}

func TestUpdateInterval(t *testing.T) {
	s := newScheduler(t)

	var runs atomic.Int64
	require.NoError(t, s.Register("tunable", "Tunable", time.Hour, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))
	s.Start()

	require.NoError(t, s.UpdateInterval("tunable", 50*time.Millisecond))
	time.Sleep(250 * time.Millisecond)
	assert.GreaterOrEqual(t, runs.Load(), int64(2))

	infos := s.List()
	require.Len(t, infos, 1)
	assert.Equal(t, "50ms", infos[0].Interval)
}

func TestRunNow(t *testing.T) {
	s := newScheduler(t)

	var runs atomic.Int64
	require.NoError(t, s.Register("manual", "Manual", time.Hour, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))
	s.Start()

	require.NoError(t, s.RunNow("manual"))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), runs.Load())

	assert.Error(t, s.RunNow("missing"))
}
