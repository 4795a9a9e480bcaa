package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxworks/conveyor/pkg/jobs"
	"github.com/fluxworks/conveyor/pkg/kv"
)

type fakeSink struct {
	entries []jobs.DeadLetterEntry
}

func (f *fakeSink) Put(ctx context.Context, entry jobs.DeadLetterEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}

func newTestQueue(t *testing.T, cfg jobs.QueueConfig, sink DeadLetterSink) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(cfg, kv.NewFromClient(rdb), sink), mr
}

func testConfig(name string) jobs.QueueConfig {
	return jobs.QueueConfig{
		Name: name, Concurrency: 3, DefaultAttempts: 3,
		BackoffBase: time.Second, LockDuration: time.Minute,
		StalledInterval: time.Second, MaxStalled: 2,
	}
}

func TestEnqueueAndDequeueFIFO(t *testing.T) {
	q, _ := newTestQueue(t, testConfig("orchestration"), nil)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "run", json.RawMessage(`{}`), jobs.Options{})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, "run", json.RawMessage(`{}`), jobs.Options{})
	require.NoError(t, err)

	got, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, jobs.StateActive, got.State)
	assert.Equal(t, 1, got.Attempts)

	got2, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got2.ID)
}

func TestDequeueRespectsPriority(t *testing.T) {
	q, _ := newTestQueue(t, testConfig("orchestration"), nil)
	ctx := context.Background()

	low, err := q.Enqueue(ctx, "run", json.RawMessage(`{}`), jobs.Options{Priority: 9})
	require.NoError(t, err)
	high, err := q.Enqueue(ctx, "run", json.RawMessage(`{}`), jobs.Options{Priority: 1})
	require.NoError(t, err)
	_ = low

	got, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, high.ID, got.ID)
}

func TestFailRequeuesUntilAttemptsExhausted(t *testing.T) {
	cfg := testConfig("orchestration")
	sink := &fakeSink{}
	q, _ := newTestQueue(t, cfg, sink)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "run", json.RawMessage(`{}`), jobs.Options{})
	require.NoError(t, err)

	for i := 0; i < cfg.DefaultAttempts; i++ {
		got, err := q.Dequeue(ctx, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, got, "expected a job to be ready on attempt %d", i+1)
		require.Equal(t, job.ID, got.ID)

		require.NoError(t, q.Fail(ctx, got.ID, "ECONNREFUSED peer", cfg.DefaultAttempts))

		if i < cfg.DefaultAttempts-1 {
			// Retry backoff is measured on the wall clock (1s, then 2s), so
			// wait it out before the next Dequeue.
			time.Sleep(time.Duration(1<<i)*time.Second + 100*time.Millisecond)
		}
	}

	require.Len(t, sink.entries, 1)
	assert.Equal(t, cfg.DefaultAttempts, sink.entries[0].Attempts)
	assert.Equal(t, "orchestration", sink.entries[0].OriginalQueue)

	final, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateDead, final.State)
}

func TestCompletePublishesLifecycleEvent(t *testing.T) {
	q, _ := newTestQueue(t, testConfig("orchestration"), nil)
	defer q.Close()
	ctx := context.Background()

	sub := q.Subscribe()
	defer q.Unsubscribe(sub)

	job, err := q.Enqueue(ctx, "run", json.RawMessage(`{}`), jobs.Options{})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job.ID))

	select {
	case evt := <-sub:
		assert.Equal(t, LifecycleCompleted, evt.Type)
		assert.Equal(t, job.ID, evt.JobID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for lifecycle event")
	}
}

func TestReclaimRequeuesStalledJobs(t *testing.T) {
	cfg := testConfig("orchestration")
	q, _ := newTestQueue(t, cfg, nil)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "run", json.RawMessage(`{}`), jobs.Options{})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	// The lease expiry is a wall-clock timestamp, so let it pass.
	time.Sleep(1100 * time.Millisecond)

	stalledCounts := map[string]int{}
	reclaimed, err := q.Reclaim(ctx, cfg.MaxStalled, stalledCounts)
	require.NoError(t, err)
	assert.Contains(t, reclaimed, job.ID)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateWaiting, got.State)
}

func TestCancelRemovesWaitingJob(t *testing.T) {
	q, _ := newTestQueue(t, testConfig("orchestration"), nil)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "run", json.RawMessage(`{}`), jobs.Options{})
	require.NoError(t, err)
	require.NoError(t, q.Cancel(ctx, job.ID))

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	none, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestGetJobCountsReflectsState(t *testing.T) {
	q, _ := newTestQueue(t, testConfig("orchestration"), nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "run", json.RawMessage(`{}`), jobs.Options{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "run", json.RawMessage(`{}`), jobs.Options{})
	require.NoError(t, err)

	counts, err := q.GetJobCounts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, counts.Waiting)

	_, err = q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)

	counts, err = q.GetJobCounts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.Waiting)
	assert.EqualValues(t, 1, counts.Active)
}
