// Package queue implements the typed enqueue/dequeue surface over the KV
// store: one Queue per named queue in the topology, each fixing its own
// payload shape conventions, default retry policy, and bounded retention
// for completed/failed jobs.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/fluxworks/conveyor/pkg/jobs"
	"github.com/fluxworks/conveyor/pkg/kv"
	"github.com/fluxworks/conveyor/pkg/log"
	"github.com/fluxworks/conveyor/pkg/metrics"
)

const (
	retainedCompleted = 100
	retainedFailed    = 100
	minPriority       = 1
	maxPriority       = 10
)

var logger = log.WithComponent("queue")

// DeadLetterSink receives jobs whose attempts are exhausted. Implemented by
// pkg/dlq.Store; declared here to avoid an import cycle.
type DeadLetterSink interface {
	Put(ctx context.Context, entry jobs.DeadLetterEntry) error
}

// tenantPayload is the subset of a job payload the façade reads to populate
// Job.OrganizationID/UserID, so the worker base can build a tenant context
// without every handler re-parsing the payload.
type tenantPayload struct {
	OrganizationID string `json:"organizationId"`
	UserID         string `json:"userId"`
}

// Queue is one named queue: its fixed policy plus the KV-backed lists and
// hashes that hold its jobs.
type Queue struct {
	cfg        jobs.QueueConfig
	kv         *kv.Client
	bus        *Bus
	deadLetter DeadLetterSink
}

// New builds a Queue named per cfg.Name. deadLetter may be nil for the
// dead-letter queue itself, which has no worker and nothing to escalate to.
func New(cfg jobs.QueueConfig, kvClient *kv.Client, deadLetter DeadLetterSink) *Queue {
	return &Queue{cfg: cfg, kv: kvClient, bus: NewBus(), deadLetter: deadLetter}
}

// Name returns the queue's name.
func (q *Queue) Name() string { return q.cfg.Name }

// Config returns the queue's fixed policy.
func (q *Queue) Config() jobs.QueueConfig { return q.cfg }

// Subscribe registers a listener for this queue's lifecycle events.
func (q *Queue) Subscribe() LifecycleSubscriber { return q.bus.Subscribe() }

// Unsubscribe removes a listener.
func (q *Queue) Unsubscribe(sub LifecycleSubscriber) { q.bus.Unsubscribe(sub) }

// Close stops the queue's lifecycle bus.
func (q *Queue) Close() { q.bus.Stop() }

func (q *Queue) jobKey(id string) string      { return "job:" + id }
func (q *Queue) waitingKey(p int) string      { return fmt.Sprintf("queue:%s:waiting:p%d", q.cfg.Name, p) }
func (q *Queue) delayedKey() string           { return "queue:" + q.cfg.Name + ":delayed" }
func (q *Queue) activeKey() string            { return "queue:" + q.cfg.Name + ":active" }
func (q *Queue) completedKey() string         { return "queue:" + q.cfg.Name + ":completed" }
func (q *Queue) failedKey() string            { return "queue:" + q.cfg.Name + ":failed" }

func (q *Queue) saveJob(ctx context.Context, job *jobs.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job %s: %w", job.ID, err)
	}
	return q.kv.Set(ctx, q.jobKey(job.ID), string(raw), 0)
}

// Enqueue adds a new job to the queue. name identifies the handler
// operation within the queue; payload carries {organizationId, userId?}
// alongside the handler-specific fields so the worker base can build a
// tenant context before invoking the handler.
func (q *Queue) Enqueue(ctx context.Context, name string, payload json.RawMessage, opts jobs.Options) (*jobs.Job, error) {
	opts = opts.Normalize()
	priority := opts.Priority
	if priority == 0 {
		priority = maxPriority // unset priority sorts after every explicit one
	}

	var tenant tenantPayload
	_ = json.Unmarshal(payload, &tenant)

	job := &jobs.Job{
		ID:             uuid.NewString(),
		Queue:          q.cfg.Name,
		Name:           name,
		Payload:        payload,
		Options:        opts,
		Attempts:       0,
		OrganizationID: tenant.OrganizationID,
		UserID:         tenant.UserID,
		CreatedAt:      time.Now(),
	}

	if opts.Delay > 0 {
		job.State = jobs.StateDelayed
		if err := q.saveJob(ctx, job); err != nil {
			return nil, err
		}
		readyAt := strconv.FormatInt(time.Now().Add(opts.Delay).UnixMilli(), 10)
		if err := q.kv.LPush(ctx, q.delayedKey(), job.ID+":"+readyAt); err != nil {
			return nil, fmt.Errorf("queue: push delayed job: %w", err)
		}
		return job, nil
	}

	job.State = jobs.StateWaiting
	if err := q.saveJob(ctx, job); err != nil {
		return nil, err
	}
	if err := q.kv.LPush(ctx, q.waitingKey(priority), job.ID); err != nil {
		return nil, fmt.Errorf("queue: push waiting job: %w", err)
	}
	metrics.QueueDepth.WithLabelValues(q.cfg.Name, string(jobs.StateWaiting)).Inc()
	return job, nil
}

// Get returns the current job record, or nil if unknown.
func (q *Queue) Get(ctx context.Context, id string) (*jobs.Job, error) {
	raw, err := q.kv.Get(ctx, q.jobKey(id))
	if err != nil {
		if err == kv.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: get job %s: %w", id, err)
	}
	var job jobs.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("queue: unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

// Cancel removes a job if it is currently waiting or delayed.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	job, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return jobs.ErrNotFound
	}
	switch job.State {
	case jobs.StateWaiting:
		priority := job.Options.Priority
		if priority == 0 {
			priority = maxPriority
		}
		if err := q.kv.LRem(ctx, q.waitingKey(priority), 1, id); err != nil {
			return fmt.Errorf("queue: cancel %s: %w", id, err)
		}
	case jobs.StateDelayed:
		// The delayed list stores "{id}:{readyAt}" tuples; promoteDelayed
		// tolerates orphaned tuples left behind by a cancel, so a
		// best-effort scan-and-remove here is sufficient.
		entries, err := q.kv.LRange(ctx, q.delayedKey(), 0, -1)
		if err != nil {
			return fmt.Errorf("queue: cancel %s: %w", id, err)
		}
		for _, entry := range entries {
			if jobIDFromDelayedEntry(entry) == id {
				_ = q.kv.LRem(ctx, q.delayedKey(), 1, entry)
			}
		}
	default:
		return jobs.ErrNotCancelable
	}
	return q.kv.Del(ctx, q.jobKey(id))
}

// promoteDelayed moves any delayed job whose ready time has elapsed into
// the waiting list for its priority.
func (q *Queue) promoteDelayed(ctx context.Context) error {
	entries, err := q.kv.LRange(ctx, q.delayedKey(), 0, -1)
	if err != nil {
		return fmt.Errorf("queue: scan delayed: %w", err)
	}
	now := time.Now().UnixMilli()
	for _, entry := range entries {
		id, readyAt, ok := parseDelayedEntry(entry)
		if !ok || readyAt > now {
			continue
		}
		job, err := q.Get(ctx, id)
		if err != nil || job == nil || job.State != jobs.StateDelayed {
			_ = q.kv.LRem(ctx, q.delayedKey(), 1, entry)
			continue
		}
		priority := job.Options.Priority
		if priority == 0 {
			priority = maxPriority
		}
		job.State = jobs.StateWaiting
		if err := q.saveJob(ctx, job); err != nil {
			return err
		}
		if err := q.kv.LPush(ctx, q.waitingKey(priority), job.ID); err != nil {
			return err
		}
		_ = q.kv.LRem(ctx, q.delayedKey(), 1, entry)
	}
	return nil
}

func parseDelayedEntry(entry string) (id string, readyAtMillis int64, ok bool) {
	idx := lastColon(entry)
	if idx < 0 {
		return "", 0, false
	}
	id = entry[:idx]
	ms, err := strconv.ParseInt(entry[idx+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return id, ms, true
}

func jobIDFromDelayedEntry(entry string) string {
	id, _, ok := parseDelayedEntry(entry)
	if !ok {
		return ""
	}
	return id
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}

// Dequeue pops the next ready job, in priority order (1 = highest), FIFO
// within a priority bucket, and marks it active with a lease expiring
// after lockDuration.
func (q *Queue) Dequeue(ctx context.Context, lockDuration time.Duration) (*jobs.Job, error) {
	if err := q.promoteDelayed(ctx); err != nil {
		logger.Warn().Err(err).Str("queue", q.cfg.Name).Msg("failed to promote delayed jobs")
	}

	for p := minPriority; p <= maxPriority; p++ {
		id, ok, err := q.kv.RPop(ctx, q.waitingKey(p))
		if err != nil {
			return nil, fmt.Errorf("queue: dequeue: %w", err)
		}
		if !ok {
			continue
		}
		job, err := q.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job == nil {
			continue // job was cancelled between pop and read
		}

		job.State = jobs.StateActive
		job.Attempts++
		job.StartedAt = time.Now()
		if err := q.saveJob(ctx, job); err != nil {
			return nil, err
		}
		leaseExpiry := strconv.FormatInt(time.Now().Add(lockDuration).UnixMilli(), 10)
		if err := q.kv.HSet(ctx, q.activeKey(), job.ID, leaseExpiry); err != nil {
			return nil, fmt.Errorf("queue: record lease: %w", err)
		}
		metrics.QueueDepth.WithLabelValues(q.cfg.Name, string(jobs.StateWaiting)).Dec()
		metrics.QueueDepth.WithLabelValues(q.cfg.Name, string(jobs.StateActive)).Inc()
		return job, nil
	}
	return nil, nil
}

// RenewLease extends an active job's lease, called periodically by the
// worker base while a handler is running.
func (q *Queue) RenewLease(ctx context.Context, id string, lockDuration time.Duration) error {
	leaseExpiry := strconv.FormatInt(time.Now().Add(lockDuration).UnixMilli(), 10)
	return q.kv.HSet(ctx, q.activeKey(), id, leaseExpiry)
}

// Complete marks an active job as completed successfully.
func (q *Queue) Complete(ctx context.Context, id string) error {
	job, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return jobs.ErrNotFound
	}
	job.State = jobs.StateCompleted
	job.FinishedAt = time.Now()
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}
	if err := q.kv.HDel(ctx, q.activeKey(), id); err != nil {
		return fmt.Errorf("queue: clear lease on complete: %w", err)
	}
	if err := q.retain(ctx, q.completedKey(), id, retainedCompleted); err != nil {
		return err
	}
	metrics.QueueDepth.WithLabelValues(q.cfg.Name, string(jobs.StateActive)).Dec()
	metrics.JobsCompletedTotal.WithLabelValues(q.cfg.Name).Inc()
	q.bus.Publish(LifecycleEvent{Type: LifecycleCompleted, Queue: q.cfg.Name, JobID: id})
	return nil
}

// Fail records a failed attempt. If attempts have been exhausted (or
// maxAttempts is reached), the job is moved to the dead-letter queue
// instead of being requeued — per the façade owning terminal-move
// decisions, not the worker.
func (q *Queue) Fail(ctx context.Context, id, reason string, maxAttempts int) error {
	job, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return jobs.ErrNotFound
	}
	if err := q.kv.HDel(ctx, q.activeKey(), id); err != nil {
		return fmt.Errorf("queue: clear lease on fail: %w", err)
	}
	metrics.QueueDepth.WithLabelValues(q.cfg.Name, string(jobs.StateActive)).Dec()

	job.LastError = reason
	if job.Attempts < maxAttempts {
		// Requeue with exponential backoff from one second.
		backoff := time.Duration(math.Pow(2, float64(job.Attempts-1))) * time.Second
		job.State = jobs.StateDelayed
		if err := q.saveJob(ctx, job); err != nil {
			return err
		}
		readyAt := strconv.FormatInt(time.Now().Add(backoff).UnixMilli(), 10)
		if err := q.kv.LPush(ctx, q.delayedKey(), job.ID+":"+readyAt); err != nil {
			return fmt.Errorf("queue: requeue after failure: %w", err)
		}
		metrics.JobsRetriedTotal.WithLabelValues(q.cfg.Name).Inc()
		q.bus.Publish(LifecycleEvent{Type: LifecycleFailed, Queue: q.cfg.Name, JobID: id, Reason: reason})
		return nil
	}

	job.State = jobs.StateDead
	job.FinishedAt = time.Now()
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}
	if err := q.retain(ctx, q.failedKey(), id, retainedFailed); err != nil {
		return err
	}
	metrics.JobsFailedTotal.WithLabelValues(q.cfg.Name).Inc()
	q.bus.Publish(LifecycleEvent{Type: LifecycleFailed, Queue: q.cfg.Name, JobID: id, Reason: reason})

	if q.deadLetter != nil {
		entry := jobs.DeadLetterEntry{
			ID:             uuid.NewString(),
			OriginalQueue:  q.cfg.Name,
			OriginalJobID:  job.ID,
			Name:           job.Name,
			Payload:        job.Payload,
			FailedReason:   reason,
			Attempts:       job.Attempts,
			OrganizationID: job.OrganizationID,
			UserID:         job.UserID,
			EnqueuedAt:     job.CreatedAt,
			FailedAt:       time.Now(),
			SchemaVersion:  jobs.CurrentSchemaVersion,
		}
		if err := q.deadLetter.Put(ctx, entry); err != nil {
			return fmt.Errorf("queue: write dead-letter entry: %w", err)
		}
		metrics.DeadLetterWrittenTotal.WithLabelValues(q.cfg.Name).Inc()
	}
	return nil
}

// Reclaim requeues jobs whose lease has expired without completion.
// stalledCounts tracks how many times each job id has been reclaimed so
// the caller can fail a job that stalls more than maxStalled times.
func (q *Queue) Reclaim(ctx context.Context, maxStalled int, stalledCounts map[string]int) ([]string, error) {
	active, err := q.kv.HGetAll(ctx, q.activeKey())
	if err != nil {
		return nil, fmt.Errorf("queue: scan active: %w", err)
	}
	now := time.Now().UnixMilli()
	var reclaimed []string
	for id, expiryStr := range active {
		expiry, err := strconv.ParseInt(expiryStr, 10, 64)
		if err != nil || expiry > now {
			continue
		}
		stalledCounts[id]++
		q.bus.Publish(LifecycleEvent{Type: LifecycleStalled, Queue: q.cfg.Name, JobID: id})

		if stalledCounts[id] > maxStalled {
			if err := q.Fail(ctx, id, "reclaimed too many times without completion", 0); err != nil {
				logger.Warn().Err(err).Str("job_id", id).Msg("failed to fail chronically stalled job")
			}
			delete(stalledCounts, id)
			continue
		}

		job, err := q.Get(ctx, id)
		if err != nil || job == nil {
			continue
		}
		if err := q.kv.HDel(ctx, q.activeKey(), id); err != nil {
			continue
		}
		priority := job.Options.Priority
		if priority == 0 {
			priority = maxPriority
		}
		job.State = jobs.StateWaiting
		if err := q.saveJob(ctx, job); err != nil {
			continue
		}
		if err := q.kv.LPush(ctx, q.waitingKey(priority), job.ID); err != nil {
			continue
		}
		reclaimed = append(reclaimed, id)
	}
	return reclaimed, nil
}

// Kind selects which bounded history list Clean sweeps.
type Kind string

const (
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
)

// Clean removes entries from the completed or failed history older than
// age, along with their underlying job records.
func (q *Queue) Clean(ctx context.Context, age time.Duration, kind Kind) (int, error) {
	key := q.completedKey()
	if kind == KindFailed {
		key = q.failedKey()
	}

	ids, err := q.kv.LRange(ctx, key, 0, -1)
	if err != nil {
		return 0, fmt.Errorf("queue: clean %s: %w", key, err)
	}

	cutoff := time.Now().Add(-age)
	removed := 0
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if err != nil {
			continue
		}
		if job == nil || job.FinishedAt.Before(cutoff) {
			_ = q.kv.LRem(ctx, key, 1, id)
			if job != nil {
				_ = q.kv.Del(ctx, q.jobKey(id))
			}
			removed++
		}
	}
	return removed, nil
}

// JobCounts reports the approximate number of jobs per state.
type JobCounts struct {
	Waiting   int64
	Delayed   int64
	Active    int64
	Completed int64
	Failed    int64
}

// GetJobCounts reports the current size of each of this queue's job lists.
func (q *Queue) GetJobCounts(ctx context.Context) (JobCounts, error) {
	var counts JobCounts
	for p := minPriority; p <= maxPriority; p++ {
		n, err := q.kv.LLen(ctx, q.waitingKey(p))
		if err != nil {
			return counts, err
		}
		counts.Waiting += n
	}
	delayed, err := q.kv.LLen(ctx, q.delayedKey())
	if err != nil {
		return counts, err
	}
	counts.Delayed = delayed

	active, err := q.kv.HGetAll(ctx, q.activeKey())
	if err != nil {
		return counts, err
	}
	counts.Active = int64(len(active))

	completed, err := q.kv.LLen(ctx, q.completedKey())
	if err != nil {
		return counts, err
	}
	counts.Completed = completed

	failed, err := q.kv.LLen(ctx, q.failedKey())
	if err != nil {
		return counts, err
	}
	counts.Failed = failed

	return counts, nil
}

// retain pushes id onto the bounded history list at key, trimming to
// maxEntries.
func (q *Queue) retain(ctx context.Context, key, id string, maxEntries int) error {
	if err := q.kv.LPush(ctx, key, id); err != nil {
		return fmt.Errorf("queue: retain %s: %w", key, err)
	}
	return q.kv.LTrim(ctx, key, 0, int64(maxEntries-1))
}
