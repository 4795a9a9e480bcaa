package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxworks/conveyor/internal/config"
	"github.com/fluxworks/conveyor/pkg/jobs"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	mr := miniredis.RunT(t)
	return config.Config{
		RedisURL:                 "redis://" + mr.Addr() + "/0",
		BackupRetentionDays:      7,
		AdminNotificationChannel: "#platform-alerts",
		AdminOrganizationID:      "system",
		LogLevel:                 "error",
		LogJSON:                  false,
	}
}

func TestStartWiresEveryTopologyQueueWithAHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := Start(ctx, testConfig(t))
	require.NoError(t, err)
	defer b.Shutdown(5 * time.Second)

	assert.Len(t, b.registry.Workers(), len(b.queues))
	assert.NotNil(t, b.Manager())
	assert.NotNil(t, b.Scheduler())
	assert.NotNil(t, b.Autoscaler())
	assert.NotNil(t, b.HealthMonitor())
	assert.NotNil(t, b.DLQRecovery())
}

func TestReadinessReportsKVHealthy(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := Start(ctx, testConfig(t))
	require.NoError(t, err)
	defer b.Shutdown(5 * time.Second)

	results := b.Readiness(context.Background())
	require.Len(t, results, 1) // no PostgresDSN configured
	assert.True(t, results[0].Healthy)
}

func TestShutdownDrainsWithinDeadline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := Start(ctx, testConfig(t))
	require.NoError(t, err)

	err = b.Shutdown(5 * time.Second)
	require.NoError(t, err)
}

func TestEnqueueThroughManagerReachesTheIngressQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := Start(ctx, testConfig(t))
	require.NoError(t, err)
	defer b.Shutdown(5 * time.Second)

	job, err := b.Manager().Enqueue(context.Background(), "ingress", "ingress.event",
		[]byte(`{"eventId":"evt-1","request":"do a thing"}`), jobs.Options{DeduplicationKey: "evt-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "ingress", job.Queue)

	again, err := b.Manager().Enqueue(context.Background(), "ingress", "ingress.event",
		[]byte(`{"eventId":"evt-1","request":"do a thing"}`), jobs.Options{DeduplicationKey: "evt-1"})
	require.NoError(t, err)
	assert.Equal(t, job.ID, again.ID, "re-enqueueing the same dedup key returns the original job")
}
