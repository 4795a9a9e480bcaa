package workerhealth

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

func newTestMonitor(t *testing.T) (*Monitor, *Heartbeater, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kvClient := kv.NewFromClient(rdb)
	return New(kvClient), NewHeartbeater(kvClient), mr
}

func TestEvaluateReportsStoppedWhenNoHeartbeat(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	report, err := m.Evaluate(context.Background(), "orchestration-0")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, report.Status)
}

func TestEvaluateReportsHealthyWithFreshHeartbeat(t *testing.T) {
	m, hb, _ := newTestMonitor(t)
	ctx := context.Background()
	require.NoError(t, hb.Beat(ctx, "orchestration-0"))

	report, err := m.Evaluate(ctx, "orchestration-0")
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, report.Status)
}

func TestEvaluateReportsStalledAfterHeartbeatAges(t *testing.T) {
	m, _, mr := newTestMonitor(t)
	ctx := context.Background()
	// Staleness is judged from the timestamp the heartbeat carries, so write
	// one that is already 50 seconds old.
	require.NoError(t, mr.Set(heartbeatKey("orchestration-0"), time.Now().Add(-50*time.Second).Format(time.RFC3339Nano)))

	report, err := m.Evaluate(ctx, "orchestration-0")
	require.NoError(t, err)
	assert.Equal(t, StatusStalled, report.Status)
}

func TestEvaluateReportsStalledWhenHeartbeatExpiresButWorkerIsRunning(t *testing.T) {
	m, hb, mr := newTestMonitor(t)
	ctx := context.Background()
	require.NoError(t, hb.Beat(ctx, "orchestration-0"))
	m.Register("orchestration-0", "orchestration", func() bool { return true })

	mr.FastForward(heartbeatTTL + time.Second)

	report, err := m.Evaluate(ctx, "orchestration-0")
	require.NoError(t, err)
	assert.Equal(t, StatusStalled, report.Status)
}

func TestEvaluateReportsStoppedWhenHeartbeatExpiresAndWorkerUnregistered(t *testing.T) {
	m, hb, mr := newTestMonitor(t)
	ctx := context.Background()
	require.NoError(t, hb.Beat(ctx, "orchestration-0"))

	mr.FastForward(heartbeatTTL + time.Second)

	report, err := m.Evaluate(ctx, "orchestration-0")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, report.Status)
}

func TestEvaluateReportsStoppedWhenNotRunningDespiteFreshHeartbeat(t *testing.T) {
	m, hb, _ := newTestMonitor(t)
	ctx := context.Background()
	require.NoError(t, hb.Beat(ctx, "orchestration-0"))
	m.Register("orchestration-0", "orchestration", func() bool { return false })

	report, err := m.Evaluate(ctx, "orchestration-0")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, report.Status)
}

func TestRegisterAndEvaluateAllUpdatesMetricsWithoutPanicking(t *testing.T) {
	m, hb, _ := newTestMonitor(t)
	ctx := context.Background()
	require.NoError(t, hb.Beat(ctx, "orchestration-0"))
	m.Register("orchestration-0", "orchestration", func() bool { return true })

	m.evaluateAll(ctx)
}
