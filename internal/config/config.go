// Package config resolves the platform's runtime configuration from
// environment variables, with an optional YAML overlay file for settings
// that are easier to manage checked into a deployment repo than exported
// as env vars.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fluxworks/conveyor/pkg/log"
)

// overlayEnvVar names the environment variable pointing at an optional
// YAML file whose fields overlay the environment-derived defaults.
const overlayEnvVar = "CONVEYOR_CONFIG_FILE"

// Config is the fully resolved set of values the composition root needs to
// wire up the backbone.
type Config struct {
	// RedisURL is the KV client's connection string.
	RedisURL string `yaml:"redisURL"`

	// QueueConcurrency overrides the topology's default per-queue
	// concurrency, keyed by queue name (QUEUE_<NAME>_CONCURRENCY, with
	// dashes in the queue name translated to underscores).
	QueueConcurrency map[string]int `yaml:"queueConcurrency"`

	// BackupRetentionDays bounds how long completed/failed job history and
	// dead-letter entries are retained before the cleanup scheduled task
	// sweeps them.
	BackupRetentionDays int `yaml:"backupRetentionDays"`

	// AdminNotificationChannel is where operator alerts (failure-rate
	// alerts, DLQ escalations) are posted.
	AdminNotificationChannel string `yaml:"adminNotificationChannel"`

	// AdminOrganizationID scopes system-originated jobs (scheduled tasks,
	// cron) that run outside any tenant's own request.
	AdminOrganizationID string `yaml:"adminOrganizationID"`

	// ShutdownDeadline bounds how long the worker registry waits for
	// in-flight jobs to drain during a graceful shutdown.
	ShutdownDeadline time.Duration `yaml:"-"`
	shutdownSeconds  int

	// AnthropicAPIKey, AnthropicModel configure the orchestration
	// collaborator.
	AnthropicAPIKey string `yaml:"-"`
	AnthropicModel  string `yaml:"anthropicModel"`

	// SlackBotToken configures the chat-send collaborator.
	SlackBotToken string `yaml:"-"`

	// PostgresDSN configures the execution-record store collaborator.
	PostgresDSN string `yaml:"-"`

	// LogLevel and LogJSON configure pkg/log.
	LogLevel string `yaml:"logLevel"`
	LogJSON  bool   `yaml:"logJSON"`

	// MetricsAddr is loaded from METRICS_ADDR or the overlay; no listener in
	// this module binds it — cmd/httpapi serves /metrics on HTTPAddr.
	MetricsAddr string `yaml:"metricsAddr"`

	// HTTPAddr is the address the chi-based HTTP API listens on.
	HTTPAddr string `yaml:"httpAddr"`
}

// yamlOverlay mirrors the subset of Config an overlay file may set. It is
// decoded separately from Config so the env-only secrets, which have no
// field here, can never be set from a file an operator might commit to
// source control. ShutdownDeadline is set from a file only through
// shutdownDeadlineSeconds.
type yamlOverlay struct {
	RedisURL                 string         `yaml:"redisURL"`
	QueueConcurrency         map[string]int `yaml:"queueConcurrency"`
	BackupRetentionDays      int            `yaml:"backupRetentionDays"`
	AdminNotificationChannel string         `yaml:"adminNotificationChannel"`
	AdminOrganizationID      string         `yaml:"adminOrganizationID"`
	ShutdownDeadlineSeconds  int            `yaml:"shutdownDeadlineSeconds"`
	AnthropicModel           string         `yaml:"anthropicModel"`
	LogLevel                 string         `yaml:"logLevel"`
	LogJSON                  bool           `yaml:"logJSON"`
	MetricsAddr              string         `yaml:"metricsAddr"`
	HTTPAddr                 string         `yaml:"httpAddr"`
}

// Load resolves Config from the environment, then applies an overlay file
// named by CONVEYOR_CONFIG_FILE if set.
func Load() (Config, error) {
	cfg := Config{
		RedisURL:                 getEnv("REDIS_URL", "redis://localhost:6379/0"),
		QueueConcurrency:         queueConcurrencyFromEnv(),
		BackupRetentionDays:      getEnvInt("BACKUP_RETENTION_DAYS", 7),
		AdminNotificationChannel: getEnv("ADMIN_NOTIFICATION_CHANNEL", "#platform-alerts"),
		AdminOrganizationID:      getEnv("ADMIN_ORGANIZATION_ID", "system"),
		shutdownSeconds:          getEnvInt("SHUTDOWN_DEADLINE_SECONDS", 30),
		AnthropicAPIKey:          os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:           os.Getenv("ANTHROPIC_MODEL"),
		SlackBotToken:            os.Getenv("SLACK_BOT_TOKEN"),
		PostgresDSN:              os.Getenv("POSTGRES_DSN"),
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
		LogJSON:                  getEnvBool("LOG_JSON", true),
		MetricsAddr:              getEnv("METRICS_ADDR", ":9090"),
		HTTPAddr:                 getEnv("HTTP_ADDR", ":8080"),
	}

	if path := os.Getenv(overlayEnvVar); path != "" {
		if err := applyOverlay(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	cfg.ShutdownDeadline = time.Duration(cfg.shutdownSeconds) * time.Second
	return cfg, nil
}

func applyOverlay(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read overlay %s: %w", path, err)
	}

	var overlay yamlOverlay
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return fmt.Errorf("config: parse overlay %s: %w", path, err)
	}

	if overlay.RedisURL != "" {
		cfg.RedisURL = overlay.RedisURL
	}
	for queue, n := range overlay.QueueConcurrency {
		if cfg.QueueConcurrency == nil {
			cfg.QueueConcurrency = make(map[string]int)
		}
		cfg.QueueConcurrency[queue] = n
	}
	if overlay.BackupRetentionDays > 0 {
		cfg.BackupRetentionDays = overlay.BackupRetentionDays
	}
	if overlay.AdminNotificationChannel != "" {
		cfg.AdminNotificationChannel = overlay.AdminNotificationChannel
	}
	if overlay.AdminOrganizationID != "" {
		cfg.AdminOrganizationID = overlay.AdminOrganizationID
	}
	if overlay.ShutdownDeadlineSeconds > 0 {
		cfg.shutdownSeconds = overlay.ShutdownDeadlineSeconds
	}
	if overlay.AnthropicModel != "" {
		cfg.AnthropicModel = overlay.AnthropicModel
	}
	if overlay.LogLevel != "" {
		cfg.LogLevel = overlay.LogLevel
	}
	if overlay.MetricsAddr != "" {
		cfg.MetricsAddr = overlay.MetricsAddr
	}
	if overlay.HTTPAddr != "" {
		cfg.HTTPAddr = overlay.HTTPAddr
	}
	cfg.LogJSON = overlay.LogJSON || cfg.LogJSON

	log.WithComponent("config").Info().Str("path", path).Msg("applied configuration overlay")
	return nil
}

// queueConcurrencyFromEnv scans the process environment for
// QUEUE_<NAME>_CONCURRENCY variables and maps them back to queue names
// (underscores become dashes, matching pkg/queue's topology names).
func queueConcurrencyFromEnv() map[string]int {
	out := make(map[string]int)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "QUEUE_") || !strings.HasSuffix(key, "_CONCURRENCY") {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(key, "QUEUE_"), "_CONCURRENCY")
		out[strings.ToLower(strings.ReplaceAll(name, "_", "-"))] = n
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
