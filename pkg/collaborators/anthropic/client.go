// Package anthropic adapts the Anthropic Messages API to the orchestration
// collaborator interface, wrapped in a circuit breaker so a degraded model
// endpoint fails fast instead of holding a worker's handler slot for the
// full request timeout.
package anthropic

import (
	"context"
	"fmt"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sony/gobreaker"

	"github.com/fluxworks/conveyor/pkg/collaborators"
	"github.com/fluxworks/conveyor/pkg/log"
	"github.com/fluxworks/conveyor/pkg/metrics"
)

// Config parameterizes the orchestration client.
type Config struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Client implements collaborators.Orchestrator against the Anthropic API.
type Client struct {
	sdk     anthropicsdk.Client
	model   string
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
}

// New builds a Client from cfg. Model defaults to Claude 3.5 Sonnet's
// latest snapshot when unset.
func New(cfg Config) *Client {
	model := cfg.Model
	if model == "" {
		model = anthropicsdk.ModelClaude3_5SonnetLatest
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		sdk:     anthropicsdk.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:   model,
		timeout: timeout,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "anthropic-orchestrator",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		}),
	}
}

var clientLog = log.WithComponent("collaborator-anthropic")

// Orchestrate implements collaborators.Orchestrator.
func (c *Client) Orchestrate(ctx context.Context, req collaborators.OrchestrateRequest) (collaborators.OrchestrateResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.CollaboratorRequestDuration, "anthropic")

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.breaker.Execute(func() (interface{}, error) {
		message, err := c.sdk.Messages.New(callCtx, anthropicsdk.MessageNewParams{
			Model:     c.model,
			MaxTokens: 1024,
			Messages: []anthropicsdk.MessageParam{
				anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(req.Request)),
			},
		})
		if err != nil {
			return nil, err
		}
		return message, nil
	})
	if err != nil {
		metrics.CollaboratorRequestsTotal.WithLabelValues("anthropic", "error").Inc()
		clientLog.Warn().Err(err).Str("session_id", req.SessionID).Msg("orchestration request failed")
		return collaborators.OrchestrateResult{}, fmt.Errorf("collaborators/anthropic: orchestrate: %w", err)
	}

	message, ok := raw.(*anthropicsdk.Message)
	if !ok || message == nil {
		metrics.CollaboratorRequestsTotal.WithLabelValues("anthropic", "error").Inc()
		return collaborators.OrchestrateResult{}, fmt.Errorf("collaborators/anthropic: unexpected response type")
	}
	metrics.CollaboratorRequestsTotal.WithLabelValues("anthropic", "success").Inc()

	var output string
	for _, block := range message.Content {
		if block.Type == "text" {
			output += block.Text
		}
	}

	return collaborators.OrchestrateResult{
		Output: output,
		Status: string(message.StopReason),
		Metadata: collaborators.OrchestrateMetadata{
			Model: string(message.Model),
		},
	}, nil
}
