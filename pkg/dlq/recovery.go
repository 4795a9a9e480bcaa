package dlq

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/fluxworks/conveyor/pkg/jobs"
	"github.com/fluxworks/conveyor/pkg/log"
	"github.com/fluxworks/conveyor/pkg/metrics"
)

const (
	baseBackoff = 5 * time.Minute
	maxBackoff  = 6 * time.Hour
)

// Notifier aggregates permanent failures into an admin-visible message.
// Implemented by pkg/collaborators' failure sink adapter.
type Notifier interface {
	Notify(ctx context.Context, channel, text, organizationID, userID, eventID string) error
}

// Recovery runs the dead-letter recovery actions: batched and single-entry
// replay, and age-based cleanup. It has attempts = 1 itself — it must never
// retry, since it is the retry mechanism.
type Recovery struct {
	store    *Store
	requeue  jobs.Enqueuer
	notify   Notifier
	registry map[string]string // originalQueue -> registered schema version
	channel  string            // admin notification channel
}

// NewRecovery builds a Recovery over store, replaying onto queues through
// requeue and escalating permanent failures through notify on channel.
// schemaVersions maps each queue name in the topology to its currently
// registered payload schema version, used to refuse replaying stale
// entries.
func NewRecovery(store *Store, requeue jobs.Enqueuer, notify Notifier, schemaVersions map[string]string, channel string) *Recovery {
	return &Recovery{store: store, requeue: requeue, notify: notify, registry: schemaVersions, channel: channel}
}

var recoveryLog = log.WithComponent("dlq-recovery")

// BatchResult summarizes the outcome of one process_batch invocation.
type BatchResult struct {
	Retried   []string
	Notified  []string
	Skipped   []string // not yet eligible for backoff, or classification deferred
}

// ProcessBatch pulls up to n entries and runs the classify/backoff/retry or
// notify pipeline on each.
func (r *Recovery) ProcessBatch(ctx context.Context, n int) (BatchResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DeadLetterRecoveryDuration)

	ids, err := r.store.List(ctx, n)
	if err != nil {
		return BatchResult{}, fmt.Errorf("dlq: list batch: %w", err)
	}

	var result BatchResult
	for _, id := range ids {
		outcome, err := r.ProcessSingle(ctx, id)
		if err != nil {
			recoveryLog.Warn().Err(err).Str("entry_id", id).Msg("failed to process dead-letter entry")
			continue
		}
		switch outcome {
		case outcomeRetried:
			result.Retried = append(result.Retried, id)
		case outcomeNotified:
			result.Notified = append(result.Notified, id)
		case outcomeSkipped:
			result.Skipped = append(result.Skipped, id)
		}
	}
	return result, nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeRetried
	outcomeNotified
)

// String renders an outcome for operator-facing output. The type itself
// stays unexported — callers receive it only as the return value of
// ProcessSingle and are expected to print it, not switch on it.
func (o outcome) String() string {
	switch o {
	case outcomeRetried:
		return "retried"
	case outcomeNotified:
		return "notified"
	default:
		return "skipped"
	}
}

// ProcessSingle runs the pipeline for one entry: classify, check backoff,
// then retry or notify. Used directly by the operator CLI's `dlq recover
// <id>` command.
func (r *Recovery) ProcessSingle(ctx context.Context, id string) (outcome, error) {
	entry, err := r.store.Get(ctx, id)
	if err != nil {
		return outcomeSkipped, err
	}
	if entry == nil {
		return outcomeSkipped, nil
	}

	if expected, ok := r.registry[entry.OriginalQueue]; ok && entry.SchemaVersion != expected {
		recoveryLog.Warn().
			Str("entry_id", id).
			Str("queue", entry.OriginalQueue).
			Str("entry_schema", entry.SchemaVersion).
			Str("live_schema", expected).
			Msg("refusing to replay dead-letter entry with mismatched schema version")
		return r.escalate(ctx, entry, "schema version mismatch: "+entry.FailedReason)
	}

	classification := Classify(entry.FailedReason)
	if classification == ClassifyNotify {
		return r.escalate(ctx, entry, entry.FailedReason)
	}

	wait := backoffFor(entry.Attempts)
	if time.Since(entry.FailedAt) < wait {
		return outcomeSkipped, nil
	}

	if _, err := r.requeue.Enqueue(ctx, entry.OriginalQueue, entry.Name, entry.Payload, jobs.Options{}); err != nil {
		recoveryLog.Warn().Err(err).Str("entry_id", id).Msg("requeue failed, escalating instead")
		return r.escalate(ctx, entry, "requeue failed: "+err.Error())
	}

	if err := r.store.remove(ctx, id); err != nil {
		return outcomeSkipped, err
	}
	metrics.DeadLetterRecoveredTotal.WithLabelValues(string(ClassifyRetry)).Inc()
	return outcomeRetried, nil
}

func (r *Recovery) escalate(ctx context.Context, entry *jobs.DeadLetterEntry, reason string) (outcome, error) {
	if r.notify != nil {
		text := fmt.Sprintf("job %s on queue %s permanently failed: %s", entry.OriginalJobID, entry.OriginalQueue, reason)
		if err := r.notify.Notify(ctx, r.channel, text, entry.OrganizationID, entry.UserID, entry.OriginalJobID); err != nil {
			recoveryLog.Error().Err(err).Str("entry_id", entry.ID).Msg("failed to deliver admin notification")
		}
	}
	if err := r.store.remove(ctx, entry.ID); err != nil {
		return outcomeSkipped, err
	}
	metrics.DeadLetterRecoveredTotal.WithLabelValues(string(ClassifyNotify)).Inc()
	return outcomeNotified, nil
}

// Cleanup removes dead-letter entries older than age.
func (r *Recovery) Cleanup(ctx context.Context, age time.Duration) (int, error) {
	return r.store.Cleanup(ctx, age)
}

// backoffFor returns the minimum wait before retrying an entry that has
// already failed attempts times on its origin queue: 5 minutes times
// 3^(attempts-1), capped at 6 hours, so the first recovery pass over a
// freshly dead-lettered entry (attempts=1) waits exactly baseBackoff, not
// baseBackoff*3.
func backoffFor(attempts int) time.Duration {
	exponent := attempts - 1
	if exponent < 0 {
		exponent = 0
	}
	d := time.Duration(float64(baseBackoff) * math.Pow(3, float64(exponent)))
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
