package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxworks/conveyor/pkg/jobs"
	"github.com/fluxworks/conveyor/pkg/jobs/errkind"
	"github.com/fluxworks/conveyor/pkg/kv"
	"github.com/fluxworks/conveyor/pkg/queue"
)

func newTestQueue(t *testing.T, cfg jobs.QueueConfig) *queue.Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return queue.New(cfg, kv.NewFromClient(rdb), nil)
}

func TestWorkerProcessesJobToCompletion(t *testing.T) {
	cfg := jobs.QueueConfig{
		Name: "orchestration", Concurrency: 2, DefaultAttempts: 3,
		LockDuration: 200 * time.Millisecond, StalledInterval: time.Hour, MaxStalled: 3,
	}
	q := newTestQueue(t, cfg)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "run", json.RawMessage(`{}`), jobs.Options{})
	require.NoError(t, err)

	var handled atomic.Bool
	w := New(Config{
		Name: "orchestration", Queue: q, Concurrency: 2,
		LockDuration: cfg.LockDuration, StalledInterval: cfg.StalledInterval, MaxStalled: cfg.MaxStalled,
		Handler: HandlerFunc(func(ctx context.Context, j *jobs.Job) error {
			handled.Store(true)
			return nil
		}),
	})
	w.Start(ctx)
	defer w.Close(time.Second)

	require.Eventually(t, func() bool { return handled.Load() }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		got, err := q.Get(ctx, job.ID)
		return err == nil && got != nil && got.State == jobs.StateCompleted
	}, time.Second, 10*time.Millisecond)
}

func TestWorkerRecoversHandlerPanic(t *testing.T) {
	cfg := jobs.QueueConfig{
		Name: "orchestration", Concurrency: 1, DefaultAttempts: 1,
		LockDuration: time.Minute, StalledInterval: time.Hour, MaxStalled: 3,
	}
	q := newTestQueue(t, cfg)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "run", json.RawMessage(`{}`), jobs.Options{})
	require.NoError(t, err)

	w := New(Config{
		Name: "orchestration", Queue: q, Concurrency: 1,
		LockDuration: cfg.LockDuration, StalledInterval: cfg.StalledInterval, MaxStalled: cfg.MaxStalled,
		Handler: HandlerFunc(func(ctx context.Context, j *jobs.Job) error {
			panic("boom")
		}),
	})
	w.Start(ctx)
	defer w.Close(time.Second)

	require.Eventually(t, func() bool {
		got, err := q.Get(ctx, job.ID)
		return err == nil && got != nil && got.State == jobs.StateDead && got.LastError == "programmer: handler crashed: boom"
	}, time.Second, 10*time.Millisecond)
}

func TestWorkerRetriesOnHandlerError(t *testing.T) {
	cfg := jobs.QueueConfig{
		Name: "orchestration", Concurrency: 1, DefaultAttempts: 2,
		LockDuration: time.Minute, StalledInterval: time.Hour, MaxStalled: 3,
	}
	q := newTestQueue(t, cfg)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "run", json.RawMessage(`{}`), jobs.Options{})
	require.NoError(t, err)

	var attempts atomic.Int32
	w := New(Config{
		Name: "orchestration", Queue: q, Concurrency: 1,
		LockDuration: cfg.LockDuration, StalledInterval: cfg.StalledInterval, MaxStalled: cfg.MaxStalled,
		Handler: HandlerFunc(func(ctx context.Context, j *jobs.Job) error {
			attempts.Add(1)
			return errors.New("ECONNREFUSED peer")
		}),
	})
	w.Start(ctx)
	defer w.Close(time.Second)

	require.Eventually(t, func() bool { return attempts.Load() >= 2 }, 3*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, attempts.Load(), int32(2))
}

func TestWorkerDeadLettersNonRetryableErrorWithoutConsumingRetryBudget(t *testing.T) {
	cfg := jobs.QueueConfig{
		Name: "orchestration", Concurrency: 1, DefaultAttempts: 5,
		LockDuration: time.Minute, StalledInterval: time.Hour, MaxStalled: 3,
	}
	q := newTestQueue(t, cfg)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "run", json.RawMessage(`{}`), jobs.Options{})
	require.NoError(t, err)

	var attempts atomic.Int32
	w := New(Config{
		Name: "orchestration", Queue: q, Concurrency: 1,
		LockDuration: cfg.LockDuration, StalledInterval: cfg.StalledInterval, MaxStalled: cfg.MaxStalled,
		Handler: HandlerFunc(func(ctx context.Context, j *jobs.Job) error {
			attempts.Add(1)
			return errkind.New(errkind.NonRetryable, errors.New("401 Unauthorized"))
		}),
	})
	w.Start(ctx)
	defer w.Close(time.Second)

	require.Eventually(t, func() bool {
		got, err := q.Get(ctx, job.ID)
		return err == nil && got != nil && got.State == jobs.StateDead
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), attempts.Load(), "a non-retryable error must dead-letter on the first attempt")
}

func TestWorkerIsRunningReflectsLifecycle(t *testing.T) {
	cfg := jobs.QueueConfig{Name: "orchestration", Concurrency: 1, DefaultAttempts: 1, LockDuration: time.Minute, StalledInterval: time.Hour, MaxStalled: 1}
	q := newTestQueue(t, cfg)
	w := New(Config{Name: "orchestration", Queue: q, Concurrency: 1, LockDuration: cfg.LockDuration, StalledInterval: cfg.StalledInterval, MaxStalled: cfg.MaxStalled, Handler: HandlerFunc(func(ctx context.Context, j *jobs.Job) error { return nil })})

	assert.False(t, w.IsRunning())
	w.Start(context.Background())
	assert.True(t, w.IsRunning())
	require.NoError(t, w.Close(time.Second))
	assert.False(t, w.IsRunning())
}
