package alert

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxworks/conveyor/pkg/kv"
)

type fakeNotifier struct {
	calls []string
}

func (f *fakeNotifier) Notify(ctx context.Context, channel, text, organizationID, userID, eventID string) error {
	f.calls = append(f.calls, text)
	return nil
}

func newTestAlerter(t *testing.T, notify Notifier) (*Alerter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(kv.NewFromClient(rdb), notify, "#ops"), mr
}

func TestRecordFailureDoesNotAlertBelowThreshold(t *testing.T) {
	notifier := &fakeNotifier{}
	a, _ := newTestAlerter(t, notifier)
	a.Threshold = 5
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, a.RecordFailure(ctx, "orchestration", "timeout"))
	}
	assert.Empty(t, notifier.calls)

	count, err := a.Count(ctx, "orchestration")
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
}

func TestRecordFailureAlertsAtThreshold(t *testing.T) {
	notifier := &fakeNotifier{}
	a, _ := newTestAlerter(t, notifier)
	a.Threshold = 3
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, a.RecordFailure(ctx, "orchestration", "timeout"))
	}
	require.Len(t, notifier.calls, 1)
}

func TestRecordFailureKeepsAlertingPastThreshold(t *testing.T) {
	notifier := &fakeNotifier{}
	a, _ := newTestAlerter(t, notifier)
	a.Threshold = 2
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, a.RecordFailure(ctx, "orchestration", "timeout"))
	}
	// Every increment from the 2nd onward crosses the threshold again.
	assert.Equal(t, 4, len(notifier.calls))
}

func TestCounterWindowResetsAfterTTLExpires(t *testing.T) {
	notifier := &fakeNotifier{}
	a, mr := newTestAlerter(t, notifier)
	a.Threshold = 5
	a.Window = 10 * time.Second
	ctx := context.Background()

	require.NoError(t, a.RecordFailure(ctx, "orchestration", "timeout"))
	mr.FastForward(11 * time.Second)

	count, err := a.Count(ctx, "orchestration")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	require.NoError(t, a.RecordFailure(ctx, "orchestration", "timeout"))
	count, err = a.Count(ctx, "orchestration")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestCountReturnsZeroWhenNoFailuresRecorded(t *testing.T) {
	a, _ := newTestAlerter(t, nil)
	count, err := a.Count(context.Background(), "untouched-queue")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}
