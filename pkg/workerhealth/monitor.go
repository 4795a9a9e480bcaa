// Package workerhealth tracks worker liveness through KV heartbeats and
// derives a coarse status (healthy, stalled, stopped) for each registered
// worker without requiring the workers themselves to be reachable.
package workerhealth

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/fluxworks/conveyor/pkg/kv"
	"github.com/fluxworks/conveyor/pkg/log"
	"github.com/fluxworks/conveyor/pkg/metrics"
)

const (
	heartbeatTTL        = 60 * time.Second
	heartbeatInterval   = 15 * time.Second
	staleThreshold      = 45 * time.Second
	evaluationInterval  = 15 * time.Second
	heartbeatKeyPrefix  = "worker:health:"
)

// Status is a worker's derived health state.
type Status string

const (
	StatusHealthy Status = "healthy"
	StatusStalled Status = "stalled"
	StatusStopped Status = "stopped"
)

// Report is one worker's last-known health, as seen from its heartbeat key.
type Report struct {
	Worker       string
	Status       Status
	LastHeartbeat time.Time
}

// Heartbeater is written by every worker's own heartbeat loop.
type Heartbeater struct {
	kv *kv.Client
}

// NewHeartbeater builds a Heartbeater backed by kvClient.
func NewHeartbeater(kvClient *kv.Client) *Heartbeater {
	return &Heartbeater{kv: kvClient}
}

func heartbeatKey(worker string) string { return heartbeatKeyPrefix + worker }

// Beat refreshes worker's heartbeat key with a 60 second TTL. Intended to be
// called from a worker's heartbeat loop roughly every 15 seconds (the
// interval HeartbeatInterval returns).
func (h *Heartbeater) Beat(ctx context.Context, worker string) error {
	return h.kv.Set(ctx, heartbeatKey(worker), time.Now().Format(time.RFC3339Nano), heartbeatTTL)
}

// HeartbeatInterval is the recommended interval for worker.Config's
// Heartbeat callback.
func HeartbeatInterval() time.Duration { return heartbeatInterval }

// registration is what Monitor tracks per worker: the label used for
// metrics, and the liveness check used to distinguish "stopped" from
// "stalled" before ever looking at the heartbeat key.
type registration struct {
	queueLabel string
	isRunning  func() bool
}

// Monitor periodically derives each registered worker's Status from its
// heartbeat key and exposes it through metrics and Status lookups.
type Monitor struct {
	kv      *kv.Client
	logger  zerolog.Logger
	workers map[string]registration

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Monitor backed by kvClient.
func New(kvClient *kv.Client) *Monitor {
	return &Monitor{
		kv:      kvClient,
		logger:  log.WithComponent("worker-health"),
		workers: make(map[string]registration),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Register tracks worker under queueLabel for the purpose of periodic
// evaluation and metrics labeling. isRunning reports whether the worker is
// still accepting jobs — typically *worker.Worker.IsRunning — and takes
// precedence over the heartbeat key: a worker that has been told to stop
// is "stopped" even if its last heartbeat hasn't expired yet.
func (m *Monitor) Register(worker, queueLabel string, isRunning func() bool) {
	m.workers[worker] = registration{queueLabel: queueLabel, isRunning: isRunning}
}

// Workers returns the names of every registered worker, in no particular
// order — used by the operator CLI to enumerate what `workers health` can
// report on.
func (m *Monitor) Workers() []string {
	out := make([]string, 0, len(m.workers))
	for name := range m.workers {
		out = append(out, name)
	}
	return out
}

// Start begins the periodic evaluation loop in the background.
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop halts the evaluation loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(evaluationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.evaluateAll(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) evaluateAll(ctx context.Context) {
	for worker, reg := range m.workers {
		report, err := m.Evaluate(ctx, worker)
		if err != nil {
			m.logger.Warn().Err(err).Str("worker", worker).Msg("failed to evaluate worker health")
			continue
		}
		metrics.WorkerHealthStatus.WithLabelValues(reg.queueLabel, worker).Set(statusValue(report.Status))
		if report.Status != StatusHealthy {
			m.logger.Warn().Str("worker", worker).Str("status", string(report.Status)).Msg("worker is not healthy")
		}
	}
}

// Evaluate derives worker's current Status. A missing heartbeat key is
// ambiguous on its own — it means either the worker never came up/was told
// to stop, or its TTL merely expired while the process is still running —
// so the two are told apart by isRunning, not by the heartbeat key alone:
//
//   - heartbeat key missing, worker unregistered or isRunning() false -> stopped
//   - heartbeat key missing, worker registered with isRunning() true  -> stalled
//   - heartbeat key present, worker registered with isRunning() false -> stopped
//   - heartbeat key present but older than the stale threshold        -> stalled
//   - otherwise                                                       -> healthy
func (m *Monitor) Evaluate(ctx context.Context, worker string) (Report, error) {
	reg, registered := m.workers[worker]
	runningKnownTrue := registered && reg.isRunning != nil && reg.isRunning()

	raw, err := m.kv.Get(ctx, heartbeatKey(worker))
	if err == kv.ErrNotFound {
		if runningKnownTrue {
			return Report{Worker: worker, Status: StatusStalled}, nil
		}
		return Report{Worker: worker, Status: StatusStopped}, nil
	}
	if err != nil {
		return Report{}, fmt.Errorf("workerhealth: get heartbeat for %s: %w", worker, err)
	}

	if registered && reg.isRunning != nil && !reg.isRunning() {
		return Report{Worker: worker, Status: StatusStopped}, nil
	}

	last, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return Report{}, fmt.Errorf("workerhealth: parse heartbeat for %s: %w", worker, err)
	}

	status := StatusHealthy
	if time.Since(last) > staleThreshold {
		status = StatusStalled
	}
	return Report{Worker: worker, Status: status, LastHeartbeat: last}, nil
}

func statusValue(s Status) float64 {
	if s == StatusHealthy {
		return 1
	}
	return 0
}
