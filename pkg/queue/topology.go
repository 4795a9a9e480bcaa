package queue

import (
	"time"

	"github.com/fluxworks/conveyor/pkg/jobs"
)

// Names of the queues in the fixed core topology.
const (
	NameIngress        = "ingress"
	NameOrchestration  = "orchestration"
	NameNotifications  = "notifications"
	NameWebhooks       = "webhooks"
	NameScheduledTasks = "scheduled-tasks"
	NameIndexing       = "indexing"
	NameInstallations  = "installations"
	NameDLQRecovery    = "dlq-recovery"
	NameDeadLetter     = "dead-letter"
)

// DefaultTopology returns the fixed set of queue configurations the
// platform boots with. Concurrency values may be overridden by
// QUEUE_*_CONCURRENCY environment variables at startup.
func DefaultTopology() map[string]jobs.QueueConfig {
	return map[string]jobs.QueueConfig{
		NameIngress: {
			Name: NameIngress, Concurrency: 5, DefaultAttempts: 3,
			BackoffBase: time.Second, LockDuration: time.Minute,
			StalledInterval: 30 * time.Second, MaxStalled: 3,
		},
		NameOrchestration: {
			Name: NameOrchestration, Concurrency: 3, DefaultAttempts: 2,
			BackoffBase: time.Second, LockDuration: 5 * time.Minute,
			StalledInterval: 30 * time.Second, MaxStalled: 2,
		},
		NameNotifications: {
			Name: NameNotifications, Concurrency: 10, DefaultAttempts: 3,
			BackoffBase: time.Second, LockDuration: time.Minute,
			StalledInterval: 30 * time.Second, MaxStalled: 3,
		},
		NameWebhooks: {
			Name: NameWebhooks, Concurrency: 10, DefaultAttempts: 3,
			BackoffBase: time.Second, LockDuration: time.Minute,
			StalledInterval: 30 * time.Second, MaxStalled: 3,
		},
		NameScheduledTasks: {
			Name: NameScheduledTasks, Concurrency: 5, DefaultAttempts: 3,
			BackoffBase: time.Second, LockDuration: 2 * time.Minute,
			StalledInterval: 30 * time.Second, MaxStalled: 3,
		},
		NameIndexing: {
			Name: NameIndexing, Concurrency: 5, DefaultAttempts: 3,
			BackoffBase: time.Second, LockDuration: 10 * time.Minute,
			StalledInterval: time.Minute, MaxStalled: 3,
		},
		NameInstallations: {
			Name: NameInstallations, Concurrency: 2, DefaultAttempts: 3,
			BackoffBase: time.Second, LockDuration: 15 * time.Minute,
			StalledInterval: time.Minute, MaxStalled: 2,
		},
		NameDLQRecovery: {
			// The recovery worker must never retry itself — it is the
			// retry mechanism.
			Name: NameDLQRecovery, Concurrency: 1, DefaultAttempts: 1,
			BackoffBase: time.Second, LockDuration: 10 * time.Minute,
			StalledInterval: time.Minute, MaxStalled: 1,
		},
	}
}
