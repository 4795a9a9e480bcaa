// Package autoscaler periodically compares each queue's depth against
// absolute thresholds and grows or shrinks each worker's handler pool within
// configured bounds.
package autoscaler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fluxworks/conveyor/pkg/jobs"
	"github.com/fluxworks/conveyor/pkg/kv"
	"github.com/fluxworks/conveyor/pkg/log"
	"github.com/fluxworks/conveyor/pkg/metrics"
	"github.com/fluxworks/conveyor/pkg/queue"
)

const (
	evaluationInterval = 30 * time.Second
	historyKeyPrefix   = "autoscaler:history:"
	historyMaxEntries  = 50
	historyTTL         = 24 * time.Hour
)

// DepthSource reports the number of jobs waiting to run on a queue.
// Satisfied directly by *queue.Queue.
type DepthSource interface {
	GetJobCounts(ctx context.Context) (queue.JobCounts, error)
}

// Scaler is the subset of a worker the autoscaler drives.
type Scaler interface {
	Concurrency() int
	SetConcurrency(n int)
}

// Policy bounds and tunes the scaling decision for one queue. Thresholds
// are absolute queue-depth counts, not a ratio against current
// concurrency: a queue at concurrency 10 with depth 6 is within bounds
// regardless of how that 6 compares to 10.
type Policy struct {
	MinWorkers         int
	MaxWorkers         int
	ScaleUpThreshold   int // depth at/above which scale-up triggers
	ScaleDownThreshold int // depth at/below which scale-down triggers
	Step               int
	CooldownPeriod     time.Duration
}

// DefaultPolicy matches the platform's baseline autoscaling behavior.
func DefaultPolicy() Policy {
	return Policy{
		MinWorkers:         1,
		MaxWorkers:         10,
		ScaleUpThreshold:   50,
		ScaleDownThreshold: 5,
		Step:               1,
		CooldownPeriod:     60 * time.Second,
	}
}

type target struct {
	name     string
	depth    DepthSource
	scaler   Scaler
	policy   Policy
	lastMove time.Time
}

// Autoscaler runs the periodic evaluation loop across all registered
// queue/worker pairs.
type Autoscaler struct {
	kv     *kv.Client
	logger zerolog.Logger

	mu      sync.Mutex
	targets []*target

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds an Autoscaler backed by kvClient for decision history.
func New(kvClient *kv.Client) *Autoscaler {
	return &Autoscaler{
		kv:     kvClient,
		logger: log.WithComponent("autoscaler"),
		stopCh: make(chan struct{}),
	}
}

// Register adds a queue/worker pair to evaluate under policy. name
// identifies it in metrics, logs, and history.
func (a *Autoscaler) Register(name string, depth DepthSource, scaler Scaler, policy Policy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.targets = append(a.targets, &target{name: name, depth: depth, scaler: scaler, policy: policy})
}

// Start launches the evaluation loop in the background.
func (a *Autoscaler) Start(ctx context.Context) {
	a.wg.Add(1)
	go a.run(ctx)
}

// Stop halts the evaluation loop.
func (a *Autoscaler) Stop() {
	close(a.stopCh)
	a.wg.Wait()
}

func (a *Autoscaler) run(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(evaluationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.Evaluate(ctx)
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Evaluate runs one evaluation cycle across all registered targets
// synchronously. Exposed for the operator CLI's `autoscaler show`
// command and for tests.
func (a *Autoscaler) Evaluate(ctx context.Context) []jobs.ScalingDecision {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.AutoscalerEvaluationDuration)

	a.mu.Lock()
	targets := make([]*target, len(a.targets))
	copy(targets, a.targets)
	a.mu.Unlock()

	decisions := make([]jobs.ScalingDecision, 0, len(targets))
	for _, t := range targets {
		decisions = append(decisions, a.evaluateTarget(ctx, t))
	}
	return decisions
}

func (a *Autoscaler) evaluateTarget(ctx context.Context, t *target) jobs.ScalingDecision {
	counts, err := t.depth.GetJobCounts(ctx)
	decision := jobs.ScalingDecision{Queue: t.name, Timestamp: time.Now(), Direction: jobs.ScaleNone}
	if err != nil {
		a.logger.Error().Err(err).Str("queue", t.name).Msg("failed to read queue depth for autoscaling")
		return decision
	}
	depth := counts.Waiting + counts.Delayed
	decision.Depth = int(depth)

	current := t.scaler.Concurrency()
	decision.Current = current
	decision.Target = current

	metrics.AutoscalerDesiredWorkers.WithLabelValues(t.name).Set(float64(current))

	p := t.policy
	if p.MinWorkers <= 0 {
		p.MinWorkers = 1
	}
	if p.MaxWorkers < p.MinWorkers {
		p.MaxWorkers = p.MinWorkers
	}
	if p.Step <= 0 {
		p.Step = 1
	}
	if p.CooldownPeriod <= 0 {
		p.CooldownPeriod = 60 * time.Second
	}

	if time.Since(t.lastMove) < p.CooldownPeriod {
		decision.Reason = "cooldown active"
		a.record(ctx, decision)
		return decision
	}

	switch {
	case int(depth) >= p.ScaleUpThreshold && current < p.MaxWorkers:
		target := min(current+p.Step, p.MaxWorkers)
		t.scaler.SetConcurrency(target)
		t.lastMove = time.Now()
		decision.Target = target
		decision.Direction = jobs.ScaleUp
		decision.Reason = "queue depth at or above scale-up threshold"
		metrics.AutoscalerDecisionsTotal.WithLabelValues(t.name, string(jobs.ScaleUp)).Inc()
		a.logger.Info().Str("queue", t.name).Int("from", current).Int("to", target).Int64("depth", depth).Msg("scaling up")
	case int(depth) <= p.ScaleDownThreshold && current > p.MinWorkers:
		target := max(current-p.Step, p.MinWorkers)
		t.scaler.SetConcurrency(target)
		t.lastMove = time.Now()
		decision.Target = target
		decision.Direction = jobs.ScaleDown
		decision.Reason = "queue depth at or below scale-down threshold"
		metrics.AutoscalerDecisionsTotal.WithLabelValues(t.name, string(jobs.ScaleDown)).Inc()
		a.logger.Info().Str("queue", t.name).Int("from", current).Int("to", target).Int64("depth", depth).Msg("scaling down")
	default:
		decision.Reason = "within thresholds"
	}

	metrics.AutoscalerDesiredWorkers.WithLabelValues(t.name).Set(float64(decision.Target))
	a.record(ctx, decision)
	return decision
}

func (a *Autoscaler) record(ctx context.Context, d jobs.ScalingDecision) {
	raw, err := json.Marshal(d)
	if err != nil {
		return
	}
	key := historyKeyPrefix + d.Queue
	if err := a.kv.LPush(ctx, key, string(raw)); err != nil {
		a.logger.Warn().Err(err).Str("queue", d.Queue).Msg("failed to record scaling decision")
		return
	}
	_ = a.kv.LTrim(ctx, key, 0, historyMaxEntries-1)
	_ = a.kv.Expire(ctx, key, historyTTL)
}

// History returns the most recent scaling decisions for queue, newest first.
func (a *Autoscaler) History(ctx context.Context, queueName string, limit int) ([]jobs.ScalingDecision, error) {
	if limit <= 0 || limit > historyMaxEntries {
		limit = historyMaxEntries
	}
	raw, err := a.kv.LRange(ctx, historyKeyPrefix+queueName, 0, int64(limit-1))
	if err != nil {
		return nil, err
	}
	decisions := make([]jobs.ScalingDecision, 0, len(raw))
	for _, r := range raw {
		var d jobs.ScalingDecision
		if err := json.Unmarshal([]byte(r), &d); err != nil {
			continue
		}
		decisions = append(decisions, d)
	}
	return decisions, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
