package dlq

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxworks/conveyor/pkg/jobs"
	"github.com/fluxworks/conveyor/pkg/kv"
)

func TestClassifyRetryablePatterns(t *testing.T) {
	assert.Equal(t, ClassifyRetry, Classify("Read timeout contacting upstream"))
	assert.Equal(t, ClassifyRetry, Classify("ECONNREFUSED peer"))
	assert.Equal(t, ClassifyRetry, Classify("503 Service Unavailable"))
}

func TestClassifyNonRetryablePatterns(t *testing.T) {
	assert.Equal(t, ClassifyNotify, Classify("401 Unauthorized"))
	assert.Equal(t, ClassifyNotify, Classify("quota exceeded for organization"))
	assert.Equal(t, ClassifyNotify, Classify("invalid input: missing field name"))
	assert.Equal(t, ClassifyNotify, Classify("resource not found"))
}

func TestClassifyNonRetryableWinsOverRetryable(t *testing.T) {
	// A message that happens to mention both "timeout" and "unauthorized"
	// must never be retried.
	assert.Equal(t, ClassifyNotify, Classify("request timeout: 401 unauthorized"))
}

type fakeRequeuer struct {
	calls []string
}

func (f *fakeRequeuer) Enqueue(ctx context.Context, queue, name string, payload json.RawMessage, opts jobs.Options) (*jobs.Job, error) {
	f.calls = append(f.calls, queue)
	return &jobs.Job{ID: uuid.NewString(), Queue: queue, Name: name}, nil
}

func (f *fakeRequeuer) Get(ctx context.Context, queue, id string) (*jobs.Job, error) { return nil, nil }
func (f *fakeRequeuer) Cancel(ctx context.Context, queue, id string) error           { return nil }

type fakeNotifier struct {
	notified []string
}

func (f *fakeNotifier) Notify(ctx context.Context, channel, text, organizationID, userID, eventID string) error {
	f.notified = append(f.notified, text)
	return nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewStore(kv.NewFromClient(rdb))
}

func TestProcessBatchRetriesTransientAndNotifiesPermanent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	transient := jobs.DeadLetterEntry{
		ID: uuid.NewString(), OriginalQueue: "orchestration", OriginalJobID: uuid.NewString(),
		FailedReason: "Read timeout contacting upstream", Attempts: 1,
		EnqueuedAt: time.Now().Add(-time.Hour), FailedAt: time.Now().Add(-10 * time.Minute),
		SchemaVersion: jobs.CurrentSchemaVersion,
	}
	permanent := jobs.DeadLetterEntry{
		ID: uuid.NewString(), OriginalQueue: "orchestration", OriginalJobID: uuid.NewString(),
		FailedReason: "401 Unauthorized", Attempts: 1,
		EnqueuedAt: time.Now().Add(-time.Hour), FailedAt: time.Now(),
		SchemaVersion: jobs.CurrentSchemaVersion,
	}
	require.NoError(t, store.Put(ctx, transient))
	require.NoError(t, store.Put(ctx, permanent))

	requeuer := &fakeRequeuer{}
	notifier := &fakeNotifier{}
	recovery := NewRecovery(store, requeuer, notifier, map[string]string{"orchestration": jobs.CurrentSchemaVersion}, "#ops")

	result, err := recovery.ProcessBatch(ctx, 10)
	require.NoError(t, err)

	assert.Contains(t, result.Retried, transient.ID)
	assert.Contains(t, result.Notified, permanent.ID)
	assert.Equal(t, []string{"orchestration"}, requeuer.calls)
	require.Len(t, notifier.notified, 1)
}

func TestProcessSingleSkipsBeforeBackoffElapses(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := jobs.DeadLetterEntry{
		ID: uuid.NewString(), OriginalQueue: "orchestration", OriginalJobID: uuid.NewString(),
		FailedReason: "connection reset by peer", Attempts: 2,
		FailedAt:      time.Now(),
		SchemaVersion: jobs.CurrentSchemaVersion,
	}
	require.NoError(t, store.Put(ctx, entry))

	requeuer := &fakeRequeuer{}
	recovery := NewRecovery(store, requeuer, &fakeNotifier{}, nil, "#ops")

	result, err := recovery.ProcessSingle(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, outcomeSkipped, result)
	assert.Empty(t, requeuer.calls)

	still, err := store.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.NotNil(t, still, "entry should remain in the store until backoff elapses")
}

func TestProcessSingleRetriesFirstRecoveryPassAfterBaseBackoff(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := jobs.DeadLetterEntry{
		ID: uuid.NewString(), OriginalQueue: "orchestration", OriginalJobID: uuid.NewString(),
		FailedReason:  "Read timeout contacting upstream",
		Attempts:      1,
		FailedAt:      time.Now().Add(-10 * time.Minute),
		SchemaVersion: jobs.CurrentSchemaVersion,
	}
	require.NoError(t, store.Put(ctx, entry))

	requeuer := &fakeRequeuer{}
	recovery := NewRecovery(store, requeuer, &fakeNotifier{}, nil, "#ops")

	result, err := recovery.ProcessSingle(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, outcomeRetried, result)
	assert.Equal(t, []string{"orchestration"}, requeuer.calls)
}

func TestProcessSingleRefusesSchemaMismatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := jobs.DeadLetterEntry{
		ID: uuid.NewString(), OriginalQueue: "orchestration", OriginalJobID: uuid.NewString(),
		FailedReason: "timeout", Attempts: 1,
		FailedAt:      time.Now().Add(-time.Hour),
		SchemaVersion: "0",
	}
	require.NoError(t, store.Put(ctx, entry))

	notifier := &fakeNotifier{}
	recovery := NewRecovery(store, &fakeRequeuer{}, notifier, map[string]string{"orchestration": jobs.CurrentSchemaVersion}, "#ops")

	result, err := recovery.ProcessSingle(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, outcomeNotified, result)
	assert.Len(t, notifier.notified, 1)
}

func TestCleanupRemovesEntriesOlderThanAge(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := jobs.DeadLetterEntry{ID: uuid.NewString(), OriginalQueue: "orchestration", FailedAt: time.Now().Add(-200 * time.Hour)}
	recent := jobs.DeadLetterEntry{ID: uuid.NewString(), OriginalQueue: "orchestration", FailedAt: time.Now()}
	require.NoError(t, store.Put(ctx, old))
	require.NoError(t, store.Put(ctx, recent))

	removed, err := store.Cleanup(ctx, 168*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	gone, err := store.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := store.Get(ctx, recent.ID)
	require.NoError(t, err)
	assert.NotNil(t, kept)
}
