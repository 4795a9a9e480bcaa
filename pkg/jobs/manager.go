package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fluxworks/conveyor/pkg/kv"
	"github.com/fluxworks/conveyor/pkg/log"
	"github.com/fluxworks/conveyor/pkg/metrics"
)

const (
	dedupTTL    = time.Hour
	progressTTL = 2 * time.Hour
)

var (
	// ErrNotFound is returned by Status/Cancel when the job id is unknown.
	ErrNotFound = errors.New("jobs: job not found")

	// ErrNotCancelable is returned by Cancel when the job has already left
	// the waiting/delayed states.
	ErrNotCancelable = errors.New("jobs: job is not waiting or delayed")
)

// Enqueuer is the subset of the queue façade the job-manager drives. It is
// declared here, not in pkg/queue, so pkg/queue can depend on pkg/jobs for
// its types without a import cycle back.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue, name string, payload json.RawMessage, opts Options) (*Job, error)
	Get(ctx context.Context, queue, id string) (*Job, error)
	Cancel(ctx context.Context, queue, id string) error
}

// Publisher is the subset of the progress bus the job-manager writes to.
type Publisher interface {
	Publish(ctx context.Context, organizationID string, record ProgressRecord)
}

// Manager wraps a queue façade to add deduplication, priority clamping, and
// a progress/status surface, per the coordination contract in the KV key
// layout (dedup:{key}, progress:{job-id}).
type Manager struct {
	queue   Enqueuer
	kv      *kv.Client
	publish Publisher
}

// NewManager builds a Manager over queue, using kvClient for the
// deduplication index and progress snapshots, and publisher for live
// progress fan-out.
func NewManager(queue Enqueuer, kvClient *kv.Client, publisher Publisher) *Manager {
	return &Manager{queue: queue, kv: kvClient, publish: publisher}
}

var managerLog = log.WithComponent("jobs")

// Enqueue adds a job to queueName, applying deduplication and priority
// normalization. If opts.DeduplicationKey is set and a prior enqueue with
// the same key is still within its TTL, the prior job is returned instead
// of creating a new one.
func (m *Manager) Enqueue(ctx context.Context, queueName, name string, payload json.RawMessage, opts Options) (*Job, error) {
	opts = opts.Normalize()

	dedupKey := ""
	if opts.DeduplicationKey != "" {
		dedupKey = "dedup:" + opts.DeduplicationKey

		existingID, err := m.kv.Get(ctx, dedupKey)
		switch {
		case err == nil:
			job, getErr := m.queue.Get(ctx, queueName, existingID)
			if getErr == nil && job != nil {
				return job, nil
			}
			// The pointer no longer resolves to a real job — clear the
			// stale key and fall through to a fresh enqueue.
			if delErr := m.kv.Del(ctx, dedupKey); delErr != nil {
				managerLog.Warn().Err(delErr).Str("key", dedupKey).Msg("failed to clear stale dedup key")
			}
		case errors.Is(err, kv.ErrNotFound):
			// no prior enqueue; proceed normally
		default:
			// Store errors degrade gracefully to "enqueue without dedup
			// protection" rather than failing the caller's request.
			managerLog.Warn().Err(err).Str("key", dedupKey).Msg("dedup lookup failed, enqueueing without dedup protection")
			dedupKey = ""
		}
	}

	job, err := m.queue.Enqueue(ctx, queueName, name, payload, opts)
	if err != nil {
		return nil, fmt.Errorf("jobs: enqueue %s/%s: %w", queueName, name, err)
	}
	metrics.JobsEnqueuedTotal.WithLabelValues(queueName).Inc()

	if dedupKey != "" {
		if err := m.kv.Set(ctx, dedupKey, job.ID, dedupTTL); err != nil {
			managerLog.Warn().Err(err).Str("key", dedupKey).Msg("failed to record dedup key after enqueue")
		}
	}

	return job, nil
}

// UpdateProgress clamps percent into [0, 100], publishes the record on the
// progress bus, and persists a snapshot under progress:{job-id} with a
// 2-hour TTL so late subscribers can reconstruct the last-known state.
func (m *Manager) UpdateProgress(ctx context.Context, organizationID, jobID string, stage Stage, percent int, message string) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	record := ProgressRecord{
		JobID:     jobID,
		Stage:     stage,
		Percent:   percent,
		Message:   message,
		UpdatedAt: time.Now(),
	}

	if m.publish != nil {
		m.publish.Publish(ctx, organizationID, record)
	}

	snapshot, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("jobs: marshal progress snapshot: %w", err)
	}
	if err := m.kv.Set(ctx, "progress:"+jobID, string(snapshot), progressTTL); err != nil {
		return fmt.Errorf("jobs: persist progress snapshot: %w", err)
	}
	return nil
}

// LatestProgress reads the last-known progress snapshot for jobID, for
// subscribers that connect after the update was published.
func (m *Manager) LatestProgress(ctx context.Context, jobID string) (ProgressRecord, bool, error) {
	raw, err := m.kv.Get(ctx, "progress:"+jobID)
	if errors.Is(err, kv.ErrNotFound) {
		return ProgressRecord{}, false, nil
	}
	if err != nil {
		return ProgressRecord{}, false, fmt.Errorf("jobs: read progress snapshot: %w", err)
	}
	var record ProgressRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return ProgressRecord{}, false, fmt.Errorf("jobs: unmarshal progress snapshot: %w", err)
	}
	return record, true, nil
}

// Get returns the underlying queue's job record, satisfying Enqueuer so a
// Manager can stand in wherever a bare queue façade is expected (notably
// pkg/handlers, which enqueues through the Manager to get deduplication on
// its internal fan-out).
func (m *Manager) Get(ctx context.Context, queueName, jobID string) (*Job, error) {
	return m.queue.Get(ctx, queueName, jobID)
}

// Status returns the externally-observable state of a job plus its last
// known progress.
func (m *Manager) Status(ctx context.Context, queueName, jobID string) (Status, error) {
	job, err := m.queue.Get(ctx, queueName, jobID)
	if err != nil {
		return Status{}, fmt.Errorf("jobs: status %s: %w", jobID, err)
	}
	if job == nil {
		return Status{}, ErrNotFound
	}

	progress, _, err := m.LatestProgress(ctx, jobID)
	if err != nil {
		managerLog.Warn().Err(err).Str("job_id", jobID).Msg("failed to load progress snapshot for status")
	}

	return Status{
		State:      job.State,
		Progress:   progress,
		Attempts:   job.Attempts,
		CreatedAt:  job.CreatedAt,
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
	}, nil
}

// Cancel removes a job only if it is currently waiting or delayed. Active
// jobs are never forcibly cancelled here — cancellation of an active job
// flows through the per-request context the worker derives for the
// handler.
func (m *Manager) Cancel(ctx context.Context, queueName, jobID string) error {
	job, err := m.queue.Get(ctx, queueName, jobID)
	if err != nil {
		return fmt.Errorf("jobs: cancel %s: %w", jobID, err)
	}
	if job == nil {
		return ErrNotFound
	}
	if job.State != StateWaiting && job.State != StateDelayed {
		return ErrNotCancelable
	}
	if err := m.queue.Cancel(ctx, queueName, jobID); err != nil {
		return fmt.Errorf("jobs: cancel %s: %w", jobID, err)
	}
	return nil
}
