package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxworks/conveyor/pkg/kv"
)

func newTestScheduler(t *testing.T, instance string) *Scheduler {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(kv.NewFromClient(rdb), instance)
}

func TestRegisterRejectsInvalidExpression(t *testing.T) {
	s := newTestScheduler(t, "instance-a")
	err := s.Register("bad", "not a cron expr", func(ctx context.Context) error { return nil })
	assert.Error(t, err)
}

func TestRunTaskNowRecordsHistory(t *testing.T) {
	s := newTestScheduler(t, "instance-a")
	require.NoError(t, s.Register("noop", "0 0 * * *", func(ctx context.Context) error { return nil }))

	task := s.FindTask("noop")
	require.NotNil(t, task)
	s.RunTaskNow(context.Background(), task)

	runs, err := s.History(context.Background(), "noop", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Success)
}

func TestRunTaskNowRecordsFailure(t *testing.T) {
	s := newTestScheduler(t, "instance-a")
	require.NoError(t, s.Register("failing", "0 0 * * *", func(ctx context.Context) error { return errors.New("boom") }))

	task := s.FindTask("failing")
	require.NotNil(t, task)
	s.RunTaskNow(context.Background(), task)

	runs, err := s.History(context.Background(), "failing", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.False(t, runs[0].Success)
	assert.Equal(t, "boom", runs[0].Error)
}

func TestOnlyOneInstanceRunsTaskWhenLeaseHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kv.NewFromClient(rdb)

	a := New(store, "instance-a")
	b := New(store, "instance-b")

	var aRuns, bRuns atomic.Int32
	require.NoError(t, a.Register("shared", "0 0 * * *", func(ctx context.Context) error {
		aRuns.Add(1)
		// instance-b's attempt while instance-a still holds the lease must be skipped.
		b.execute(ctx, b.FindTask("shared"))
		return nil
	}))
	require.NoError(t, b.Register("shared", "0 0 * * *", func(ctx context.Context) error { bRuns.Add(1); return nil }))

	ctx := context.Background()
	a.execute(ctx, a.FindTask("shared"))

	assert.Equal(t, int32(1), aRuns.Load())
	assert.Equal(t, int32(0), bRuns.Load())
}

func TestHistoryIsBoundedToMaxEntries(t *testing.T) {
	s := newTestScheduler(t, "instance-a")
	require.NoError(t, s.Register("frequent", "* * * * *", func(ctx context.Context) error { return nil }))
	task := s.FindTask("frequent")

	for i := 0; i < historyMaxEntries+10; i++ {
		s.RunTaskNow(context.Background(), task)
	}

	runs, err := s.History(context.Background(), "frequent", historyMaxEntries+50)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(runs), historyMaxEntries)
}

func TestRegisterDefaultsWiresThreeTasks(t *testing.T) {
	s := newTestScheduler(t, "instance-a")
	noop := func(ctx context.Context) error { return nil }
	require.NoError(t, s.RegisterDefaults(noop, noop, noop))

	assert.NotNil(t, s.FindTask("analytics-refresh"))
	assert.NotNil(t, s.FindTask("session-cleanup"))
	assert.NotNil(t, s.FindTask("kv-health-check"))
}

func TestSetEnabledExcludesTaskFromEvaluation(t *testing.T) {
	s := newTestScheduler(t, "instance-a")
	var runs int32
	require.NoError(t, s.Register("tick", "* * * * *", func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}))

	require.NoError(t, s.SetEnabled("tick", false))
	task := s.FindTask("tick")
	require.NotNil(t, task)
	assert.False(t, task.Enabled())

	task.next = time.Now().Add(-time.Minute)
	s.evaluate(context.Background())
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&runs))

	require.NoError(t, s.SetEnabled("tick", true))
	assert.True(t, s.FindTask("tick").Enabled())
}

func TestSetEnabledUnknownTaskErrors(t *testing.T) {
	s := newTestScheduler(t, "instance-a")
	err := s.SetEnabled("missing", false)
	assert.Error(t, err)
}

func TestTasksReturnsSnapshot(t *testing.T) {
	s := newTestScheduler(t, "instance-a")
	noop := func(ctx context.Context) error { return nil }
	require.NoError(t, s.Register("a", "* * * * *", noop))
	require.NoError(t, s.Register("b", "* * * * *", noop))

	tasks := s.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, "a", tasks[0].Name)
	assert.Equal(t, "b", tasks[1].Name)
}

func TestStartAndStopDoesNotPanic(t *testing.T) {
	s := newTestScheduler(t, "instance-a")
	require.NoError(t, s.Register("tick", "* * * * *", func(ctx context.Context) error { return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	time.Sleep(10 * time.Millisecond)
	s.Stop()
}
