// Package slackchat adapts the Slack Web API to the chat-send and
// failure-notification collaborator interfaces.
package slackchat

import (
	"context"
	"fmt"
	"time"

	"github.com/slack-go/slack"
	"github.com/sony/gobreaker"

	"github.com/fluxworks/conveyor/pkg/log"
	"github.com/fluxworks/conveyor/pkg/metrics"
)

// Client implements collaborators.ChatSender and collaborators.FailureSink
// against the Slack Web API.
type Client struct {
	api     *slack.Client
	breaker *gobreaker.CircuitBreaker
}

// New builds a Client authenticated with botToken.
func New(botToken string) *Client {
	return &Client{
		api: slack.New(botToken),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "slack-chat",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		}),
	}
}

var clientLog = log.WithComponent("collaborator-slack")

// PostMessage implements collaborators.ChatSender.
func (c *Client) PostMessage(ctx context.Context, channel, text, threadTS string) (string, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.CollaboratorRequestDuration, "slack")

	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}

	raw, err := c.breaker.Execute(func() (interface{}, error) {
		_, ts, err := c.api.PostMessageContext(ctx, channel, opts...)
		return ts, err
	})
	if err != nil {
		metrics.CollaboratorRequestsTotal.WithLabelValues("slack", "error").Inc()
		clientLog.Warn().Err(err).Str("channel", channel).Msg("failed to post chat message")
		return "", fmt.Errorf("collaborators/slackchat: post message: %w", err)
	}
	metrics.CollaboratorRequestsTotal.WithLabelValues("slack", "success").Inc()
	return raw.(string), nil
}

// UpdateMessage implements collaborators.ChatSender.
func (c *Client) UpdateMessage(ctx context.Context, channel, ts, text string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.CollaboratorRequestDuration, "slack")

	_, err := c.breaker.Execute(func() (interface{}, error) {
		_, _, _, err := c.api.UpdateMessageContext(ctx, channel, ts, slack.MsgOptionText(text, false))
		return nil, err
	})
	if err != nil {
		metrics.CollaboratorRequestsTotal.WithLabelValues("slack", "error").Inc()
		clientLog.Warn().Err(err).Str("channel", channel).Str("ts", ts).Msg("failed to update chat message")
		return fmt.Errorf("collaborators/slackchat: update message: %w", err)
	}
	metrics.CollaboratorRequestsTotal.WithLabelValues("slack", "success").Inc()
	return nil
}

// Notify implements collaborators.FailureSink and the Notifier interfaces
// consumed by pkg/alert and pkg/dlq: it posts a plain-text admin message to
// channel and ignores threading, since escalations are not replies to any
// particular job's tenant-visible thread.
func (c *Client) Notify(ctx context.Context, channel, text, organizationID, userID, eventID string) error {
	_, err := c.PostMessage(ctx, channel, fmt.Sprintf("[org:%s event:%s] %s", organizationID, eventID, text), "")
	return err
}
