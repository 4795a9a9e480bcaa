package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"REDIS_URL", "BACKUP_RETENTION_DAYS", "ADMIN_NOTIFICATION_CHANNEL",
		"ADMIN_ORGANIZATION_ID", "SHUTDOWN_DEADLINE_SECONDS", "ANTHROPIC_API_KEY",
		"ANTHROPIC_MODEL", "SLACK_BOT_TOKEN", "POSTGRES_DSN", "LOG_LEVEL",
		"LOG_JSON", "METRICS_ADDR", "HTTP_ADDR", overlayEnvVar,
		"QUEUE_ORCHESTRATION_CONCURRENCY",
	} {
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoadAppliesDefaultsWhenEnvUnset(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, 7, cfg.BackupRetentionDays)
	assert.Equal(t, "system", cfg.AdminOrganizationID)
	assert.Equal(t, int64(30*1e9), cfg.ShutdownDeadline.Nanoseconds())
}

func TestLoadReadsQueueConcurrencyOverridesFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("QUEUE_ORCHESTRATION_CONCURRENCY", "9")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 9, cfg.QueueConcurrency["orchestration"])
}

func TestLoadAppliesYAMLOverlayOnTopOfEnvDefaults(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "conveyor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
redisURL: redis://overlay:6379/1
backupRetentionDays: 30
adminNotificationChannel: "#overlay-alerts"
`), 0o644))
	t.Setenv(overlayEnvVar, path)

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "redis://overlay:6379/1", cfg.RedisURL)
	assert.Equal(t, 30, cfg.BackupRetentionDays)
	assert.Equal(t, "#overlay-alerts", cfg.AdminNotificationChannel)
}

func TestLoadFailsOnUnreadableOverlayPath(t *testing.T) {
	clearEnv(t)
	t.Setenv(overlayEnvVar, filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()

	require.Error(t, err)
}

func TestLoadNeverReadsSecretsFromOverlay(t *testing.T) {
	clearEnv(t)
	t.Setenv("ANTHROPIC_API_KEY", "env-key")
	dir := t.TempDir()
	path := filepath.Join(dir, "conveyor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`anthropicModel: claude-test`), 0o644))
	t.Setenv(overlayEnvVar, path)

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.AnthropicAPIKey)
	assert.Equal(t, "claude-test", cfg.AnthropicModel)
}
