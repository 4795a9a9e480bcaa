// Package jobs defines the core data model shared by the queue façade, the
// worker base, and the job-manager's dedup/priority/progress layer, plus the
// job-manager itself.
package jobs

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state of a job. Transitions are driven solely by
// the queue façade and the worker — nothing else may mutate state directly.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDead      State = "dead-lettered"
	StateUnknown   State = "unknown"
)

// Stage is a coarse progress checkpoint emitted by a worker handler.
type Stage string

const (
	StageStarted    Stage = "started"
	StageValidated  Stage = "validated"
	StageProcessing Stage = "processing"
	StageFinalizing Stage = "finalizing"
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
)

// conventionalStagePercent maps a stage to its default percent complete, per
// the progress bus's fixed schedule.
var conventionalStagePercent = map[Stage]int{
	StageStarted:    5,
	StageValidated:  20,
	StageProcessing: 50,
	StageFinalizing: 80,
	StageCompleted:  100,
	StageFailed:     0,
}

// ConventionalPercent returns the default percent-complete for stage, and
// false if stage is not one of the six conventional stages.
func ConventionalPercent(stage Stage) (int, bool) {
	p, ok := conventionalStagePercent[stage]
	return p, ok
}

// Options is the per-job extended configuration accepted by the job-manager.
type Options struct {
	// Priority is 1 (highest) through 10 (lowest); values outside the range
	// are clamped by the job-manager before the broker ever sees them.
	Priority int `json:"priority,omitempty"`

	// DeduplicationKey, when set, makes Enqueue idempotent for one hour:
	// a second Enqueue with the same key returns the first call's job
	// rather than creating a new one.
	DeduplicationKey string `json:"deduplicationKey,omitempty"`

	// Timeout bounds one handler invocation; zero means no deadline beyond
	// the queue's lock duration.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Delay postpones a job's first eligible dispatch.
	Delay time.Duration `json:"delay,omitempty"`

	// Retries, when non-zero, overrides the queue's default attempt count:
	// attempts = Retries + 1, with exponential backoff from one second.
	Retries int `json:"retries,omitempty"`
}

// Normalize clamps Priority into [1, 10], leaving zero (unset) as the
// queue's default priority.
func (o Options) Normalize() Options {
	switch {
	case o.Priority == 0:
		// unset — caller did not request a priority; leave as-is so the
		// queue can apply its own default.
	case o.Priority < 1:
		o.Priority = 1
	case o.Priority > 10:
		o.Priority = 10
	}
	return o
}

// Job is a unit of work tracked by the queue façade from enqueue to
// terminal state.
type Job struct {
	ID             string          `json:"id"`
	Queue          string          `json:"queue"`
	Name           string          `json:"name"`
	Payload        json.RawMessage `json:"payload"`
	Options        Options         `json:"options"`
	Attempts       int             `json:"attempts"`
	State          State           `json:"state"`
	OrganizationID string          `json:"organizationId"`
	UserID         string          `json:"userId,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	StartedAt      time.Time       `json:"startedAt,omitempty"`
	FinishedAt     time.Time       `json:"finishedAt,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
}

// QueueConfig describes a queue's fixed policy: concurrency cap, default
// retry behavior, and lock duration for its worker.
type QueueConfig struct {
	Name            string
	Concurrency     int
	DefaultAttempts int
	BackoffBase     time.Duration
	LockDuration    time.Duration
	StalledInterval time.Duration
	MaxStalled      int
}

// DeadLetterEntry is a captured job moved to the terminal dead-letter queue
// once its attempts are exhausted.
type DeadLetterEntry struct {
	ID             string          `json:"id"`
	OriginalQueue  string          `json:"originalQueue"`
	OriginalJobID  string          `json:"originalJobId"`
	Name           string          `json:"name"`
	Payload        json.RawMessage `json:"payload"`
	FailedReason   string          `json:"failedReason"`
	Attempts       int             `json:"attempts"`
	OrganizationID string          `json:"organizationId"`
	UserID         string          `json:"userId,omitempty"`
	EnqueuedAt     time.Time       `json:"enqueuedAt"`
	FailedAt       time.Time       `json:"failedAt"`

	// SchemaVersion tags the payload shape this entry was captured under.
	// Recovery refuses to replay an entry whose SchemaVersion does not
	// match the live queue's registered version, rather than guessing
	// compatibility.
	SchemaVersion string `json:"schemaVersion"`
}

// CurrentSchemaVersion is the schema version stamped onto dead-letter
// entries captured by this build. Bump it when a queue's payload shape
// changes in a way that would make replaying an older entry unsafe.
const CurrentSchemaVersion = "1"

// ProgressRecord is the per-job progress snapshot published on the progress
// bus and persisted transiently in the KV store.
type ProgressRecord struct {
	JobID     string    `json:"jobId"`
	Stage     Stage     `json:"stage"`
	Percent   int       `json:"percent"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Status is the externally-observable state of a job, as returned by the
// job-manager's Status call.
type Status struct {
	State      State          `json:"state"`
	Progress   ProgressRecord `json:"progress,omitempty"`
	Attempts   int            `json:"attempts"`
	CreatedAt  time.Time      `json:"createdAt"`
	StartedAt  time.Time      `json:"startedAt,omitempty"`
	FinishedAt time.Time      `json:"finishedAt,omitempty"`
}

// ScaleDirection is the outcome of one autoscaler evaluation for a queue.
type ScaleDirection string

const (
	ScaleUp   ScaleDirection = "up"
	ScaleDown ScaleDirection = "down"
	ScaleNone ScaleDirection = "none"
)

// ScalingDecision records one autoscaler evaluation for a queue.
type ScalingDecision struct {
	Queue     string         `json:"queue"`
	Current   int            `json:"current"`
	Target    int            `json:"target"`
	Depth     int            `json:"depth"`
	Direction ScaleDirection `json:"direction"`
	Reason    string         `json:"reason,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
