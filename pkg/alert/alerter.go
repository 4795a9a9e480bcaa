// Package alert implements the per-queue failure-rate alerter: a sliding
// window failure counter that fires once a queue's failures within the
// window cross a threshold.
package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/fluxworks/conveyor/pkg/kv"
	"github.com/fluxworks/conveyor/pkg/log"
	"github.com/fluxworks/conveyor/pkg/metrics"
)

const (
	defaultWindow    = 300 * time.Second
	defaultThreshold = 5
	counterKeyPrefix = "errors:"
)

// Notifier delivers a fired alert to whatever admin channel is configured.
type Notifier interface {
	Notify(ctx context.Context, channel, text, organizationID, userID, eventID string) error
}

// Alerter counts failures per queue within a sliding window and notifies
// once the count within that window reaches Threshold. It never resets the
// counter itself on firing — the window's own TTL expiry is what resets it,
// so a queue that keeps failing keeps alerting on every subsequent count
// past the threshold within the same window.
type Alerter struct {
	kv        *kv.Client
	notify    Notifier
	channel   string
	Window    time.Duration
	Threshold int64
}

// New builds an Alerter backed by kvClient, notifying through notify on
// channel when a queue's failure count crosses Threshold within Window.
func New(kvClient *kv.Client, notify Notifier, channel string) *Alerter {
	return &Alerter{
		kv:        kvClient,
		notify:    notify,
		channel:   channel,
		Window:    defaultWindow,
		Threshold: defaultThreshold,
	}
}

var alertLog = log.WithComponent("alerter")

func counterKey(queueName string) string { return counterKeyPrefix + queueName + ":count" }

// RecordFailure increments queueName's failure counter and fires an alert
// if the count has just reached or exceeded Threshold. The counter's TTL is
// set only on the increment that creates the key, so the window started by
// the first failure governs every subsequent one until it expires.
func (a *Alerter) RecordFailure(ctx context.Context, queueName, reason string) error {
	key := counterKey(queueName)
	count, err := a.kv.Incr(ctx, key)
	if err != nil {
		return fmt.Errorf("alert: increment failure count for %s: %w", queueName, err)
	}
	if count == 1 {
		if err := a.kv.Expire(ctx, key, a.Window); err != nil {
			return fmt.Errorf("alert: set window TTL for %s: %w", queueName, err)
		}
	}

	if count < a.Threshold {
		return nil
	}

	metrics.AlertsFiredTotal.WithLabelValues(queueName).Inc()
	alertLog.Warn().Str("queue", queueName).Int64("count", count).Str("reason", reason).Msg("failure-rate threshold exceeded")

	if a.notify == nil {
		return nil
	}
	text := fmt.Sprintf("queue %s has failed %d times in the last %s: %s", queueName, count, a.Window, reason)
	if err := a.notify.Notify(ctx, a.channel, text, "", "", queueName); err != nil {
		return fmt.Errorf("alert: notify for %s: %w", queueName, err)
	}
	return nil
}

// Count returns the current failure count for queueName within its active
// window, or zero if no window is active.
func (a *Alerter) Count(ctx context.Context, queueName string) (int64, error) {
	raw, err := a.kv.Get(ctx, counterKey(queueName))
	if err == kv.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var count int64
	if _, err := fmt.Sscanf(raw, "%d", &count); err != nil {
		return 0, fmt.Errorf("alert: parse count for %s: %w", queueName, err)
	}
	return count, nil
}
