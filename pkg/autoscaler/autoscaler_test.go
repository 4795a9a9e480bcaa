package autoscaler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxworks/conveyor/pkg/jobs"
	"github.com/fluxworks/conveyor/pkg/kv"
	"github.com/fluxworks/conveyor/pkg/queue"
)

func newTestAutoscaler(t *testing.T) (*Autoscaler, *kv.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kvClient := kv.NewFromClient(rdb)
	return New(kvClient), kvClient
}

type fakeScaler struct {
	concurrency int
}

func (f *fakeScaler) Concurrency() int      { return f.concurrency }
func (f *fakeScaler) SetConcurrency(n int)  { f.concurrency = n }

func newTestQueue(t *testing.T, kvClient *kv.Client) *queue.Queue {
	t.Helper()
	cfg := jobs.QueueConfig{Name: "orchestration", Concurrency: 2, DefaultAttempts: 3, LockDuration: time.Minute, StalledInterval: time.Hour, MaxStalled: 3}
	return queue.New(cfg, kvClient, nil)
}

func TestEvaluateScalesUpWhenDepthExceedsThreshold(t *testing.T) {
	a, kvClient := newTestAutoscaler(t)
	q := newTestQueue(t, kvClient)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(ctx, "run", []byte(`{}`), jobs.Options{})
		require.NoError(t, err)
	}

	scaler := &fakeScaler{concurrency: 2}
	a.Register("orchestration", q, scaler, Policy{MinWorkers: 1, MaxWorkers: 10, ScaleUpThreshold: 5, ScaleDownThreshold: 0, Step: 1, CooldownPeriod: 0})

	decisions := a.Evaluate(ctx)
	require.Len(t, decisions, 1)
	assert.Equal(t, jobs.ScaleUp, decisions[0].Direction)
	assert.Equal(t, 3, scaler.concurrency)
}

func TestEvaluateScalesDownWhenDepthIsLow(t *testing.T) {
	a, kvClient := newTestAutoscaler(t)
	q := newTestQueue(t, kvClient)
	ctx := context.Background()

	scaler := &fakeScaler{concurrency: 5}
	a.Register("orchestration", q, scaler, Policy{MinWorkers: 1, MaxWorkers: 10, ScaleUpThreshold: 50, ScaleDownThreshold: 5, Step: 2, CooldownPeriod: 0})

	decisions := a.Evaluate(ctx)
	require.Len(t, decisions, 1)
	assert.Equal(t, jobs.ScaleDown, decisions[0].Direction)
	assert.Equal(t, 3, scaler.concurrency)
}

func TestEvaluateRespectsCooldown(t *testing.T) {
	a, kvClient := newTestAutoscaler(t)
	q := newTestQueue(t, kvClient)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(ctx, "run", []byte(`{}`), jobs.Options{})
		require.NoError(t, err)
	}

	scaler := &fakeScaler{concurrency: 2}
	a.Register("orchestration", q, scaler, Policy{MinWorkers: 1, MaxWorkers: 10, ScaleUpThreshold: 5, ScaleDownThreshold: 0, Step: 1, CooldownPeriod: time.Hour})

	first := a.Evaluate(ctx)
	require.Equal(t, jobs.ScaleUp, first[0].Direction)

	second := a.Evaluate(ctx)
	assert.Equal(t, jobs.ScaleNone, second[0].Direction)
	assert.Equal(t, "cooldown active", second[0].Reason)
}

func TestEvaluateNeverExceedsMaxWorkers(t *testing.T) {
	a, kvClient := newTestAutoscaler(t)
	q := newTestQueue(t, kvClient)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		_, err := q.Enqueue(ctx, "run", []byte(`{}`), jobs.Options{})
		require.NoError(t, err)
	}

	scaler := &fakeScaler{concurrency: 3}
	a.Register("orchestration", q, scaler, Policy{MinWorkers: 1, MaxWorkers: 4, ScaleUpThreshold: 5, ScaleDownThreshold: 0, Step: 5, CooldownPeriod: 0})

	a.Evaluate(ctx)
	assert.Equal(t, 4, scaler.concurrency)
}

func TestEvaluateStaysWithinAbsoluteThresholdsRegardlessOfConcurrencyRatio(t *testing.T) {
	a, kvClient := newTestAutoscaler(t)
	q := newTestQueue(t, kvClient)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := q.Enqueue(ctx, "run", []byte(`{}`), jobs.Options{})
		require.NoError(t, err)
	}

	// depth=6 against current=10 is a 0.6 ratio, which a ratio-based policy
	// would treat as scale-up; the absolute-threshold policy (default
	// scale-up at 50, scale-down at 5) must report none.
	scaler := &fakeScaler{concurrency: 10}
	a.Register("orchestration", q, scaler, DefaultPolicy())

	decisions := a.Evaluate(ctx)
	require.Len(t, decisions, 1)
	assert.Equal(t, jobs.ScaleNone, decisions[0].Direction)
	assert.Equal(t, 10, scaler.concurrency)
}

func TestHistoryRecordsDecisions(t *testing.T) {
	a, kvClient := newTestAutoscaler(t)
	q := newTestQueue(t, kvClient)
	ctx := context.Background()

	scaler := &fakeScaler{concurrency: 5}
	a.Register("orchestration", q, scaler, DefaultPolicy())
	a.Evaluate(ctx)

	history, err := a.History(ctx, "orchestration", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "orchestration", history[0].Queue)
}
