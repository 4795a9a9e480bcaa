// Package handlers wires the worker base to the collaborator interfaces.
// It is deliberately thin: validation and fan-out only, no business logic
// of its own — the orchestration/chat/storage work it delegates to is out
// of scope for this module.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fluxworks/conveyor/pkg/collaborators"
	"github.com/fluxworks/conveyor/pkg/dlq"
	"github.com/fluxworks/conveyor/pkg/jobs"
	"github.com/fluxworks/conveyor/pkg/jobs/errkind"
	"github.com/fluxworks/conveyor/pkg/kv"
	"github.com/fluxworks/conveyor/pkg/log"
)

var handlerLog = log.WithComponent("handlers")

// notificationDedupTTL backs the send-side idempotence marker described in
// spec for the notifications queue, distinct from the enqueue-side
// deduplication key the job-manager already applies.
const notificationDedupTTL = 5 * time.Minute

// IngressPayload is the payload shape for jobs entering on a front-tier
// ingress queue (chat events, generic external triggers).
type IngressPayload struct {
	EventID        string          `json:"eventId"`
	Channel        string          `json:"channel"`
	OrganizationID string          `json:"organizationId"`
	UserID         string          `json:"userId"`
	ThreadTS       string          `json:"threadTs"`
	Request        string          `json:"request"`
	Raw            json.RawMessage `json:"raw,omitempty"`
}

// Ingress validates incoming events and fans them out to the orchestration
// queue.
type Ingress struct {
	Enqueue jobs.Enqueuer
}

// Handle implements worker.Handler.
func (h *Ingress) Handle(ctx context.Context, job *jobs.Job) error {
	var payload IngressPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("handlers/ingress: decode payload: %w", err)
	}
	if payload.EventID == "" || payload.Request == "" {
		return errkind.New(errkind.NonRetryable, fmt.Errorf("handlers/ingress: invalid input: eventId and request are required"))
	}

	next, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("handlers/ingress: encode orchestration payload: %w", err)
	}
	if _, err := h.Enqueue.Enqueue(ctx, "orchestration", "orchestration.run", next, jobs.Options{
		DeduplicationKey: payload.EventID,
	}); err != nil {
		return fmt.Errorf("handlers/ingress: enqueue orchestration: %w", err)
	}
	return nil
}

// OrchestrationPayload is the payload shape for the orchestration queue.
type OrchestrationPayload struct {
	IngressPayload
	SessionID string `json:"sessionId"`
}

// NotificationPayload is the payload shape for the notifications queue.
type NotificationPayload struct {
	EventID        string `json:"eventId"`
	Channel        string `json:"channel"`
	ThreadTS       string `json:"threadTs"`
	OrganizationID string `json:"organizationId"`
	UserID         string `json:"userId"`
	Success        bool   `json:"success"`
	Output         string `json:"output"`
	FailureReason  string `json:"failureReason,omitempty"`
}

// Orchestration calls the LLM-backed orchestration collaborator and fans
// the result out to the notifications queue.
type Orchestration struct {
	Orchestrator collaborators.Orchestrator
	Enqueue      jobs.Enqueuer
}

// Handle implements worker.Handler.
func (h *Orchestration) Handle(ctx context.Context, job *jobs.Job) error {
	var payload OrchestrationPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("handlers/orchestration: decode payload: %w", err)
	}

	result, err := h.Orchestrator.Orchestrate(ctx, collaborators.OrchestrateRequest{
		Request:        payload.Request,
		SessionID:      payload.SessionID,
		OrganizationID: payload.OrganizationID,
		UserID:         payload.UserID,
	})

	notify := NotificationPayload{
		EventID:        payload.EventID,
		Channel:        payload.Channel,
		ThreadTS:       payload.ThreadTS,
		OrganizationID: payload.OrganizationID,
		UserID:         payload.UserID,
	}
	if err != nil {
		notify.Success = false
		notify.FailureReason = err.Error()
	} else {
		notify.Success = true
		notify.Output = result.Output
	}

	raw, marshalErr := json.Marshal(notify)
	if marshalErr != nil {
		return fmt.Errorf("handlers/orchestration: encode notification payload: %w", marshalErr)
	}
	if _, enqueueErr := h.Enqueue.Enqueue(ctx, "notifications", "notifications.send", raw, jobs.Options{
		DeduplicationKey: payload.EventID,
	}); enqueueErr != nil {
		return fmt.Errorf("handlers/orchestration: enqueue notification: %w", enqueueErr)
	}

	return err
}

// Notifications sends the originator-visible outcome of a job: success
// updates the original chat message in place, failure posts a compact
// error with a correlation id. Re-deliveries of the same event id within
// notificationDedupTTL are no-ops, satisfying the spec's send-side
// idempotence requirement independent of the enqueue-side dedup key.
type Notifications struct {
	Chat collaborators.ChatSender
	KV   *kv.Client
}

func (h *Notifications) dedupKey(eventID string) string { return "notify:sent:" + eventID }

// Handle implements worker.Handler.
func (h *Notifications) Handle(ctx context.Context, job *jobs.Job) error {
	var payload NotificationPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("handlers/notifications: decode payload: %w", err)
	}

	acquired, err := h.KV.Acquire(ctx, h.dedupKey(payload.EventID), job.ID, notificationDedupTTL)
	if err != nil {
		return fmt.Errorf("handlers/notifications: dedup check: %w", err)
	}
	if !acquired {
		handlerLog.Debug().Str("event_id", payload.EventID).Msg("notification already sent, skipping duplicate delivery")
		return nil
	}

	if payload.Success {
		text := payload.Output
		if payload.ThreadTS != "" {
			return h.Chat.UpdateMessage(ctx, payload.Channel, payload.ThreadTS, text)
		}
		_, err := h.Chat.PostMessage(ctx, payload.Channel, text, "")
		return err
	}

	text := fmt.Sprintf("Something went wrong: %s (event %s)", payload.FailureReason, payload.EventID)
	_, err = h.Chat.PostMessage(ctx, payload.Channel, text, payload.ThreadTS)
	return err
}

// WebhookPayload is the payload shape for externally-triggered webhook
// jobs.
type WebhookPayload struct {
	Source         string          `json:"source"`
	OrganizationID string          `json:"organizationId"`
	Body           json.RawMessage `json:"body"`
}

// Webhooks validates and records inbound third-party webhook deliveries.
type Webhooks struct {
	Store collaborators.ExecutionRecordStore
}

// Handle implements worker.Handler.
func (h *Webhooks) Handle(ctx context.Context, job *jobs.Job) error {
	var payload WebhookPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("handlers/webhooks: decode payload: %w", err)
	}
	if payload.Source == "" {
		return errkind.New(errkind.NonRetryable, fmt.Errorf("handlers/webhooks: invalid input: source is required"))
	}
	if h.Store == nil {
		return nil
	}
	return h.Store.AppendAudit(ctx, job.ID, fmt.Sprintf("webhook received from %s", payload.Source))
}

// ScheduledTasks consumes the scheduled-tasks queue. Handle only checks that
// the KV store answers a ping; it does not look at the job's name or
// payload.
type ScheduledTasks struct {
	KV *kv.Client
}

// Handle implements worker.Handler.
func (h *ScheduledTasks) Handle(ctx context.Context, job *jobs.Job) error {
	return h.KV.Ping(ctx)
}

// DLQRecoveryPayload is the payload shape for the dlq-recovery queue.
type DLQRecoveryPayload struct {
	BatchSize int `json:"batchSize"`
}

// DLQRecovery drains a batch of dead-letter entries on each run, retrying
// transient failures and escalating permanent ones. Dispatched as an
// ordinary queue job (rather than run inline by the cron scheduler) so the
// recovery worker gets the same lease/heartbeat/concurrency guarantees
// every other queue consumer does.
type DLQRecovery struct {
	Recovery *dlq.Recovery
}

const defaultDLQBatchSize = 50

// Handle implements worker.Handler.
func (h *DLQRecovery) Handle(ctx context.Context, job *jobs.Job) error {
	var payload DLQRecoveryPayload
	_ = json.Unmarshal(job.Payload, &payload)
	batchSize := payload.BatchSize
	if batchSize <= 0 {
		batchSize = defaultDLQBatchSize
	}
	_, err := h.Recovery.ProcessBatch(ctx, batchSize)
	return err
}

// IndexingPayload is the payload shape for semantic-index maintenance
// jobs.
type IndexingPayload struct {
	DocumentID     string `json:"documentId"`
	OrganizationID string `json:"organizationId"`
}

// Indexer updates the semantic search store. Concrete indexing is out of
// scope; this records the attempt so the rest of the pipeline can be
// exercised end to end.
type Indexer interface {
	Index(ctx context.Context, organizationID, documentID string) error
}

// Indexing dispatches document updates to the semantic search store.
type Indexing struct {
	Indexer Indexer
}

// Handle implements worker.Handler.
func (h *Indexing) Handle(ctx context.Context, job *jobs.Job) error {
	var payload IndexingPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("handlers/indexing: decode payload: %w", err)
	}
	if payload.DocumentID == "" {
		return errkind.New(errkind.NonRetryable, fmt.Errorf("handlers/indexing: invalid input: documentId is required"))
	}
	return h.Indexer.Index(ctx, payload.OrganizationID, payload.DocumentID)
}

// InstallationPayload is the payload shape for marketplace installation
// lifecycle jobs.
type InstallationPayload struct {
	OrganizationID string `json:"organizationId"`
	PackageName    string `json:"packageName"`
	Action         string `json:"action"` // install, uninstall, upgrade
}

// Installations processes marketplace installation lifecycle events.
// Concrete installer logic is out of scope; this validates the request and
// records it for audit.
type Installations struct {
	Store collaborators.ExecutionRecordStore
}

// Handle implements worker.Handler.
func (h *Installations) Handle(ctx context.Context, job *jobs.Job) error {
	var payload InstallationPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("handlers/installations: decode payload: %w", err)
	}
	if payload.PackageName == "" || payload.Action == "" {
		return errkind.New(errkind.NonRetryable, fmt.Errorf("handlers/installations: invalid input: packageName and action are required"))
	}
	if h.Store == nil {
		return nil
	}
	return h.Store.AppendAudit(ctx, job.ID, fmt.Sprintf("%s %s", payload.Action, payload.PackageName))
}
