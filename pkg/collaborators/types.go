// Package collaborators declares the narrow interfaces handlers use to
// reach external systems (the orchestration LLM, chat, the execution
// record store, and admin notifications), each with one concrete adapter
// in a subpackage.
package collaborators

import "context"

// OrchestrateRequest is one request to the orchestration collaborator.
type OrchestrateRequest struct {
	Request        string
	SessionID      string
	OrganizationID string
	UserID         string
	ThreadContext  string
}

// OrchestrateMetadata describes how the orchestrator handled a request.
type OrchestrateMetadata struct {
	Category string
	Skills   []string
	Model    string
}

// OrchestrateResult is the orchestration collaborator's response.
type OrchestrateResult struct {
	Output   string
	Status   string
	Metadata OrchestrateMetadata
}

// Orchestrator dispatches a request to the LLM-backed orchestration
// service. Implemented by pkg/collaborators/anthropic.
type Orchestrator interface {
	Orchestrate(ctx context.Context, req OrchestrateRequest) (OrchestrateResult, error)
}

// ChatSender posts and edits messages in the chat workspace used for
// tenant-visible progress and operator alerts. Implemented by
// pkg/collaborators/slackchat.
type ChatSender interface {
	PostMessage(ctx context.Context, channel, text string, threadTS string) (ts string, err error)
	UpdateMessage(ctx context.Context, channel, ts, text string) error
}

// ExecutionRecord is one durable row describing a handled job, kept for
// audit and operator inspection independent of the job's own KV-backed
// lifecycle state.
type ExecutionRecord struct {
	ID             string
	JobID          string
	Queue          string
	OrganizationID string
	UserID         string
	Status         string
	Output         string
	CreatedAt      string
	UpdatedAt      string
}

// ExecutionRecordStore persists execution records and audit entries.
// Implemented by pkg/collaborators/pgstore.
type ExecutionRecordStore interface {
	CreateExecution(ctx context.Context, rec ExecutionRecord) error
	UpdateExecution(ctx context.Context, id, status, output string) error
	AppendAudit(ctx context.Context, executionID, event string) error
}

// FailureSink delivers an admin-visible notification about a permanent
// failure. Satisfied by pkg/collaborators/slackchat, and consumed by
// pkg/alert and pkg/dlq as their respective Notifier interfaces.
type FailureSink interface {
	Notify(ctx context.Context, channel, text, organizationID, userID, eventID string) error
}
