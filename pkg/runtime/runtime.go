// Package runtime is the composition root: it wires the KV client, the
// queue topology, the worker fleet, the scheduler, the autoscaler, the
// worker-health monitor, the failure alerter, and the collaborator
// adapters into one running backbone, and tears them all down in reverse
// order on shutdown.
package runtime

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/fluxworks/conveyor/internal/config"
	"github.com/fluxworks/conveyor/pkg/alert"
	"github.com/fluxworks/conveyor/pkg/autoscaler"
	"github.com/fluxworks/conveyor/pkg/collaborators"
	"github.com/fluxworks/conveyor/pkg/collaborators/anthropic"
	"github.com/fluxworks/conveyor/pkg/collaborators/pgstore"
	"github.com/fluxworks/conveyor/pkg/collaborators/slackchat"
	"github.com/fluxworks/conveyor/pkg/cron"
	"github.com/fluxworks/conveyor/pkg/dlq"
	"github.com/fluxworks/conveyor/pkg/handlers"
	"github.com/fluxworks/conveyor/pkg/health"
	"github.com/fluxworks/conveyor/pkg/jobs"
	"github.com/fluxworks/conveyor/pkg/kv"
	"github.com/fluxworks/conveyor/pkg/log"
	"github.com/fluxworks/conveyor/pkg/progress"
	"github.com/fluxworks/conveyor/pkg/queue"
	"github.com/fluxworks/conveyor/pkg/workerhealth"
	"github.com/fluxworks/conveyor/pkg/worker"
)

var runtimeLog = log.WithComponent("runtime")

// dlqRecoveryBatchSize is the default batch size a periodic cron tick
// requests from the dlq-recovery queue; it matches handlers.defaultDLQBatchSize
// since the cron task's only job is to enqueue one of these.
const dlqRecoveryBatchSize = 50

// Backbone holds every long-lived component the composition root starts
// and stops together.
type Backbone struct {
	cfg config.Config

	kvClient *kv.Client

	router     *queue.Router
	queues     map[string]*queue.Queue
	dlqStore   *dlq.Store
	dlqRecover *dlq.Recovery

	manager *jobs.Manager
	bus     *progress.Bus

	registry   *worker.Registry
	scheduler  *cron.Scheduler
	autoscaler *autoscaler.Autoscaler
	monitor    *workerhealth.Monitor
	heartbeat  *workerhealth.Heartbeater
	alerter    *alert.Alerter

	execStore *pgstore.Store // nil when PostgresDSN is unset

	lifecycleSubs map[string]queue.LifecycleSubscriber
}

// Manager exposes the job-manager, the surface cmd/httpapi drives for
// enqueueing requests and reading job status.
func (b *Backbone) Manager() *jobs.Manager { return b.manager }

// Scheduler exposes the cron scheduler for the operator CLI's
// `scheduler` subcommands.
func (b *Backbone) Scheduler() *cron.Scheduler { return b.scheduler }

// Autoscaler exposes the autoscaler for the operator CLI's `autoscaler`
// subcommands.
func (b *Backbone) Autoscaler() *autoscaler.Autoscaler { return b.autoscaler }

// HealthMonitor exposes the worker-health monitor for the operator CLI's
// `workers health` subcommand.
func (b *Backbone) HealthMonitor() *workerhealth.Monitor { return b.monitor }

// DLQRecovery exposes the dead-letter recovery actions for the operator
// CLI's `dlq` subcommands.
func (b *Backbone) DLQRecovery() *dlq.Recovery { return b.dlqRecover }

// Readiness runs a TCP reachability check against every backing store this
// process depends on: the KV store always, PostgreSQL if configured.
// Slack and Anthropic are reached only from request-serving code paths
// (an unauthenticated TCP/HTTP probe against either API gives no useful
// signal about whether this process's credentials are valid).
func (b *Backbone) Readiness(ctx context.Context) []health.Result {
	results := make([]health.Result, 0, 2)
	results = append(results, health.NewTCPChecker(redisHostPort(b.cfg.RedisURL)).Check(ctx))
	if b.execStore != nil {
		results = append(results, health.NewTCPChecker(postgresHostPort(b.cfg.PostgresDSN)).Check(ctx))
	}
	return results
}

// Start builds every component from cfg and launches the background
// loops: workers, scheduler, autoscaler, health monitor. It does not
// block; call Shutdown to tear the backbone down.
func Start(ctx context.Context, cfg config.Config) (*Backbone, error) {
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	kvClient, err := kv.New(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("runtime: connect kv: %w", err)
	}

	b := &Backbone{
		cfg:           cfg,
		kvClient:      kvClient,
		queues:        make(map[string]*queue.Queue),
		lifecycleSubs: make(map[string]queue.LifecycleSubscriber),
	}

	chat := slackchat.New(cfg.SlackBotToken)
	orchestrator := anthropic.New(anthropic.Config{APIKey: cfg.AnthropicAPIKey, Model: cfg.AnthropicModel})

	if cfg.PostgresDSN != "" {
		store, err := pgstore.New(ctx, pgstore.Config{DSN: cfg.PostgresDSN})
		if err != nil {
			return nil, fmt.Errorf("runtime: connect execution store: %w", err)
		}
		b.execStore = store
	}
	var execStore collaborators.ExecutionRecordStore
	if b.execStore != nil {
		execStore = b.execStore
	}

	b.dlqStore = dlq.NewStore(kvClient)
	b.bus = progress.NewBus()

	topology := queue.DefaultTopology()
	for name, qcfg := range topology {
		if n, ok := cfg.QueueConcurrency[name]; ok {
			qcfg.Concurrency = n
		}
		b.queues[name] = queue.New(qcfg, kvClient, b.dlqStore)
	}
	router := queue.NewRouter(queuesSlice(b.queues)...)
	b.router = router

	b.manager = jobs.NewManager(router, kvClient, b.bus)

	schemaVersions := make(map[string]string, len(topology))
	for name := range topology {
		schemaVersions[name] = jobs.CurrentSchemaVersion
	}
	b.dlqRecover = dlq.NewRecovery(b.dlqStore, router, chat, schemaVersions, cfg.AdminNotificationChannel)

	b.registry = worker.NewRegistry()
	b.heartbeat = workerhealth.NewHeartbeater(kvClient)
	b.monitor = workerhealth.New(kvClient)
	b.autoscaler = autoscaler.New(kvClient)
	b.alerter = alert.New(kvClient, chat, cfg.AdminNotificationChannel)

	handlerFor := map[string]worker.Handler{
		queue.NameIngress:        &handlers.Ingress{Enqueue: b.manager},
		queue.NameOrchestration:  &handlers.Orchestration{Orchestrator: orchestrator, Enqueue: b.manager},
		queue.NameNotifications: &handlers.Notifications{Chat: chat, KV: kvClient},
		queue.NameWebhooks:       &handlers.Webhooks{Store: execStore},
		queue.NameScheduledTasks: &handlers.ScheduledTasks{KV: kvClient},
		queue.NameIndexing:       &handlers.Indexing{Indexer: noopIndexer{}},
		queue.NameInstallations:  &handlers.Installations{Store: execStore},
		queue.NameDLQRecovery:    &handlers.DLQRecovery{Recovery: b.dlqRecover},
	}

	for name, q := range b.queues {
		h, ok := handlerFor[name]
		if !ok {
			continue
		}
		workerName := name
		w := worker.New(worker.Config{
			Name:              workerName,
			Queue:             q,
			Handler:           h,
			Progress:          b.manager,
			Concurrency:       q.Config().Concurrency,
			LockDuration:      q.Config().LockDuration,
			StalledInterval:   q.Config().StalledInterval,
			MaxStalled:        q.Config().MaxStalled,
			HeartbeatInterval: workerhealth.HeartbeatInterval(),
			Heartbeat:         b.heartbeat.Beat,
		})
		b.registry.Register(w)
		b.monitor.Register(workerName, name, w.IsRunning)
		b.autoscaler.Register(name, q, w, autoscaler.DefaultPolicy())

		sub := q.Subscribe()
		b.lifecycleSubs[name] = sub
		go b.watchLifecycle(name, sub)
	}

	b.scheduler = cron.New(kvClient, instanceID())
	if err := b.scheduler.RegisterDefaults(
		b.runAnalyticsRefresh,
		b.runSessionCleanup,
		b.runKVHealthCheck,
	); err != nil {
		return nil, fmt.Errorf("runtime: register default scheduled tasks: %w", err)
	}
	if err := b.scheduler.Register("dlq-recovery-tick", "*/5 * * * *", b.tickDLQRecovery); err != nil {
		return nil, fmt.Errorf("runtime: register dlq recovery tick: %w", err)
	}

	b.registry.Start(ctx)
	b.scheduler.Start(ctx)
	b.autoscaler.Start(ctx)
	b.monitor.Start(ctx)

	runtimeLog.Info().Int("queues", len(b.queues)).Msg("backbone started")
	return b, nil
}

// Shutdown tears the backbone down in the reverse order it was started:
// autoscaler and health monitor first (they only read queue/worker state),
// then the scheduler, then the worker registry (draining in-flight jobs up
// to deadline), then the KV connection and any live collaborator
// connections last.
func (b *Backbone) Shutdown(deadline time.Duration) error {
	b.autoscaler.Stop()
	b.monitor.Stop()
	b.scheduler.Stop()

	err := b.registry.Close(deadline)

	for name, q := range b.queues {
		q.Unsubscribe(b.lifecycleSubs[name])
		q.Close()
	}

	if b.execStore != nil {
		b.execStore.Close()
	}
	if closeErr := b.kvClient.Close(); closeErr != nil && err == nil {
		err = fmt.Errorf("runtime: close kv: %w", closeErr)
	}

	runtimeLog.Info().Msg("backbone stopped")
	return err
}

// watchLifecycle forwards a queue's LifecycleFailed events into the
// failure-rate alerter, keeping pkg/queue and pkg/alert mutually unaware
// of each other.
func (b *Backbone) watchLifecycle(queueName string, sub queue.LifecycleSubscriber) {
	for event := range sub {
		if event.Type != queue.LifecycleFailed {
			continue
		}
		if err := b.alerter.RecordFailure(context.Background(), queueName, event.Reason); err != nil {
			runtimeLog.Warn().Err(err).Str("queue", queueName).Msg("failed to record failure for alerting")
		}
	}
}

func (b *Backbone) runAnalyticsRefresh(ctx context.Context) error {
	return b.kvClient.Ping(ctx)
}

func (b *Backbone) runSessionCleanup(ctx context.Context) error {
	age := time.Duration(b.cfg.BackupRetentionDays) * 24 * time.Hour
	for _, q := range b.queues {
		if _, err := q.Clean(ctx, age, queue.KindCompleted); err != nil {
			return err
		}
		if _, err := q.Clean(ctx, age, queue.KindFailed); err != nil {
			return err
		}
	}
	if _, err := b.dlqRecover.Cleanup(ctx, age); err != nil {
		return err
	}
	return nil
}

func (b *Backbone) runKVHealthCheck(ctx context.Context) error {
	return b.kvClient.Ping(ctx)
}

// tickDLQRecovery enqueues a recovery batch job rather than running
// ProcessBatch inline, so the recovery run gets the same lease renewal and
// concurrency guard every other queue consumer gets.
func (b *Backbone) tickDLQRecovery(ctx context.Context) error {
	payload := fmt.Sprintf(`{"batchSize":%d}`, dlqRecoveryBatchSize)
	_, err := b.router.Enqueue(ctx, queue.NameDLQRecovery, "dlq.recover-batch", []byte(payload), jobs.Options{})
	return err
}

func queuesSlice(m map[string]*queue.Queue) []*queue.Queue {
	out := make([]*queue.Queue, 0, len(m))
	for _, q := range m {
		out = append(out, q)
	}
	return out
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// redisHostPort extracts the host:port a TCP reachability probe should
// dial from a redis:// connection string, falling back to the raw value if
// it does not parse as a URL (e.g. a bare host:port already).
func redisHostPort(redisURL string) string {
	u, err := url.Parse(redisURL)
	if err != nil || u.Host == "" {
		return redisURL
	}
	return u.Host
}

// postgresHostPort extracts the host:port from a postgres:// DSN the same
// way redisHostPort does for Redis.
func postgresHostPort(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Host == "" {
		return strings.TrimPrefix(dsn, "postgres://")
	}
	return u.Host
}

// noopIndexer satisfies handlers.Indexer when no semantic-index backend is
// configured: indexing jobs are accepted and acknowledged, but perform no
// work. A concrete search-index collaborator is out of scope for this
// backbone.
type noopIndexer struct{}

func (noopIndexer) Index(ctx context.Context, organizationID, documentID string) error { return nil }
