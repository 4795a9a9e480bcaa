// Package worker implements the generic job-processing base: a bounded
// concurrency pool over one queue, lease renewal, stalled-job reclamation,
// and the tenant-context/dead-letter/progress bookends every handler runs
// inside.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fluxworks/conveyor/pkg/jobs"
	"github.com/fluxworks/conveyor/pkg/jobs/errkind"
	"github.com/fluxworks/conveyor/pkg/log"
	"github.com/fluxworks/conveyor/pkg/metrics"
	"github.com/fluxworks/conveyor/pkg/queue"
	"github.com/fluxworks/conveyor/pkg/tenant"
)

// Handler processes one job. A non-nil error consumes a retry attempt; a
// panic inside Handle is recovered by the worker base and treated as an
// error with the message "handler crashed".
type Handler interface {
	Handle(ctx context.Context, job *jobs.Job) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *jobs.Job) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, job *jobs.Job) error { return f(ctx, job) }

// ProgressReporter is the subset of the job-manager a worker uses to emit
// the started/completed/failed progress bookends around a handler.
type ProgressReporter interface {
	UpdateProgress(ctx context.Context, organizationID, jobID string, stage jobs.Stage, percent int, message string) error
}

// Config parameterizes one worker instance over one queue.
type Config struct {
	// Name distinguishes this worker instance in logs and metrics — by
	// convention the queue name, optionally suffixed for multiple
	// process-local instances of the same class.
	Name string

	Queue           *queue.Queue
	Handler         Handler
	Progress        ProgressReporter
	Concurrency     int
	LockDuration    time.Duration
	StalledInterval time.Duration
	MaxStalled      int

	// MaxConcurrency bounds how high the autoscaler may ever raise this
	// worker's handler concurrency via SetConcurrency. Zero defaults to
	// four times Concurrency, but never less than 16.
	MaxConcurrency int

	// HeartbeatInterval controls how often this worker writes
	// worker:health:{name} to the KV for the health monitor. Zero disables
	// heartbeating (used in tests).
	HeartbeatInterval time.Duration
	Heartbeat         func(ctx context.Context, name string) error
}

// Worker is a long-lived consumer of exactly one queue.
type Worker struct {
	cfg Config

	handlerSemaphore   chan struct{}
	resizeMu           sync.Mutex
	currentConcurrency int

	stalledCounts map[string]int
	stalledMu     sync.Mutex

	runningMu sync.RWMutex
	running   bool

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New builds a Worker from cfg. The worker does not start consuming until
// Start is called.
func New(cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = cfg.Concurrency * 4
		if cfg.MaxConcurrency < 16 {
			cfg.MaxConcurrency = 16
		}
	}
	if cfg.MaxConcurrency < cfg.Concurrency {
		cfg.MaxConcurrency = cfg.Concurrency
	}
	return &Worker{
		cfg:                cfg,
		handlerSemaphore:   make(chan struct{}, cfg.MaxConcurrency),
		currentConcurrency: cfg.Concurrency,
		stalledCounts:      make(map[string]int),
		stopCh:             make(chan struct{}),
	}
}

var workerLog = log.WithComponent("worker")

// Start begins polling the queue and dispatching jobs to the handler. It
// returns immediately; consumption happens on background goroutines.
func (w *Worker) Start(ctx context.Context) {
	w.runningMu.Lock()
	w.running = true
	w.runningMu.Unlock()

	for i := 0; i < w.currentConcurrency; i++ {
		w.handlerSemaphore <- struct{}{}
	}

	w.wg.Add(1)
	go w.dispatchLoop(ctx)

	w.wg.Add(1)
	go w.stalledLoop(ctx)

	if w.cfg.HeartbeatInterval > 0 && w.cfg.Heartbeat != nil {
		w.wg.Add(1)
		go w.heartbeatLoop(ctx)
	}
}

// Concurrency returns the worker's current handler concurrency.
func (w *Worker) Concurrency() int {
	w.resizeMu.Lock()
	defer w.resizeMu.Unlock()
	return w.currentConcurrency
}

// SetConcurrency adjusts the number of handlers that may run at once,
// clamped to [1, MaxConcurrency]. Called by the autoscaler between
// evaluation cycles; growing takes effect immediately, shrinking takes
// effect as in-flight handlers free their permits.
func (w *Worker) SetConcurrency(n int) {
	w.resizeMu.Lock()
	defer w.resizeMu.Unlock()

	if n < 1 {
		n = 1
	}
	if n > cap(w.handlerSemaphore) {
		n = cap(w.handlerSemaphore)
	}
	for w.currentConcurrency < n {
		w.handlerSemaphore <- struct{}{}
		w.currentConcurrency++
	}
	for w.currentConcurrency > n {
		select {
		case <-w.handlerSemaphore:
			w.currentConcurrency--
		default:
			return
		}
	}
}

// IsRunning reports whether the worker is accepting new jobs.
func (w *Worker) IsRunning() bool {
	w.runningMu.RLock()
	defer w.runningMu.RUnlock()
	return w.running
}

// Close stops accepting new jobs and waits up to deadline for in-flight
// handlers to drain before returning.
func (w *Worker) Close(deadline time.Duration) error {
	w.runningMu.Lock()
	w.running = false
	w.runningMu.Unlock()

	close(w.stopCh)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(deadline):
		return fmt.Errorf("worker %s: in-flight jobs did not drain within %s", w.cfg.Name, deadline)
	}
}

func (w *Worker) dispatchLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-w.handlerSemaphore:
		}

		job, err := w.cfg.Queue.Dequeue(ctx, w.cfg.LockDuration)
		if err != nil {
			workerLog.Error().Err(err).Str("worker", w.cfg.Name).Msg("dequeue failed")
			w.handlerSemaphore <- struct{}{}
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			w.handlerSemaphore <- struct{}{}
			time.Sleep(200 * time.Millisecond)
			continue
		}

		w.wg.Add(1)
		go w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *jobs.Job) {
	defer w.wg.Done()
	defer func() { w.handlerSemaphore <- struct{}{} }()

	w.stalledMu.Lock()
	delete(w.stalledCounts, job.ID)
	w.stalledMu.Unlock()

	jobLog := log.WithJobID(job.ID)
	jobLog.Info().Str("queue", job.Queue).Str("name", job.Name).Msg("job started")

	handleCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if job.Options.Timeout > 0 {
		handleCtx, cancel = context.WithTimeout(ctx, job.Options.Timeout)
		defer cancel()
	}
	handleCtx = tenant.Into(handleCtx, tenant.New(job.OrganizationID, job.UserID))

	renewDone := make(chan struct{})
	go w.renewLoop(handleCtx, job.ID, renewDone)
	defer close(renewDone)

	if w.cfg.Progress != nil {
		percent, _ := jobs.ConventionalPercent(jobs.StageStarted)
		_ = w.cfg.Progress.UpdateProgress(handleCtx, job.OrganizationID, job.ID, jobs.StageStarted, percent, "")
	}

	timer := metrics.NewTimer()
	err := w.invokeHandler(handleCtx, job)
	timer.ObserveDurationVec(metrics.JobHandlerDuration, job.Queue)

	if err != nil {
		jobLog.Warn().Err(err).Str("queue", job.Queue).Msg("job failed")
		if w.cfg.Progress != nil {
			_ = w.cfg.Progress.UpdateProgress(ctx, job.OrganizationID, job.ID, jobs.StageFailed, 0, err.Error())
		}
		maxAttempts := job.Options.Retries + 1
		if job.Options.Retries == 0 {
			maxAttempts = w.cfg.Queue.Config().DefaultAttempts
		}
		if !errkind.Retryable(err) {
			// A handler tagged this error non-retryable (auth, quota, bad
			// input): skip the remaining attempt budget and dead-letter now.
			maxAttempts = job.Attempts
		}
		if failErr := w.cfg.Queue.Fail(ctx, job.ID, err.Error(), maxAttempts); failErr != nil {
			jobLog.Error().Err(failErr).Msg("failed to record job failure")
		}
		metrics.WorkerJobsProcessedTotal.WithLabelValues(job.Queue, w.cfg.Name).Inc()
		return
	}

	if w.cfg.Progress != nil {
		percent, _ := jobs.ConventionalPercent(jobs.StageCompleted)
		_ = w.cfg.Progress.UpdateProgress(ctx, job.OrganizationID, job.ID, jobs.StageCompleted, percent, "")
	}
	if err := w.cfg.Queue.Complete(ctx, job.ID); err != nil {
		jobLog.Error().Err(err).Msg("failed to record job completion")
	}
	metrics.WorkerJobsProcessedTotal.WithLabelValues(job.Queue, w.cfg.Name).Inc()
	jobLog.Info().Str("queue", job.Queue).Msg("job completed")
}

// invokeHandler runs the handler with panic recovery, so a bug in one
// handler never takes down the worker process.
func (w *Worker) invokeHandler(ctx context.Context, job *jobs.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			workerLog.Error().Interface("panic", r).Str("job_id", job.ID).Msg("handler crashed")
			err = errkind.New(errkind.Programmer, fmt.Errorf("handler crashed: %v", r))
		}
	}()
	return w.cfg.Handler.Handle(ctx, job)
}

// renewLoop keeps a job's lease alive while its handler runs, renewing
// before the lock duration elapses.
func (w *Worker) renewLoop(ctx context.Context, jobID string, done <-chan struct{}) {
	interval := w.cfg.LockDuration / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.cfg.Queue.RenewLease(ctx, jobID, w.cfg.LockDuration); err != nil {
				workerLog.Warn().Err(err).Str("job_id", jobID).Msg("failed to renew lease")
			}
		}
	}
}

// stalledLoop periodically reclaims jobs whose lease expired without
// completion, failing any job reclaimed more than MaxStalled times.
func (w *Worker) stalledLoop(ctx context.Context) {
	defer w.wg.Done()

	interval := w.cfg.StalledInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.stalledMu.Lock()
			reclaimed, err := w.cfg.Queue.Reclaim(ctx, w.cfg.MaxStalled, w.stalledCounts)
			w.stalledMu.Unlock()
			if err != nil {
				workerLog.Error().Err(err).Str("worker", w.cfg.Name).Msg("stalled-job reclamation failed")
				continue
			}
			if len(reclaimed) > 0 {
				workerLog.Warn().Strs("job_ids", reclaimed).Str("worker", w.cfg.Name).Msg("reclaimed stalled jobs")
			}
		}
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.cfg.Heartbeat(ctx, w.cfg.Name); err != nil {
				workerLog.Warn().Err(err).Str("worker", w.cfg.Name).Msg("failed to write heartbeat")
			}
		}
	}
}
