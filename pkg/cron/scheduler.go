// Package cron runs named, cron-expressed tasks under a distributed lease so
// exactly one instance executes a given task even when several schedulers
// are running against the same store.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	robfigcron "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/fluxworks/conveyor/pkg/kv"
	"github.com/fluxworks/conveyor/pkg/log"
	"github.com/fluxworks/conveyor/pkg/metrics"
)

const (
	lockTTL           = time.Hour
	historyKeyPrefix  = "cron:history:"
	historyMaxEntries = 100
	historyTTL        = 7 * 24 * time.Hour
	tickInterval      = 15 * time.Second
)

// TaskFunc is the work a scheduled task performs when it wins the lease.
type TaskFunc func(ctx context.Context) error

// Task is one named, cron-scheduled unit of work.
type Task struct {
	Name     string
	Schedule string
	Run      TaskFunc

	schedule robfigcron.Schedule
	next     time.Time
	disabled bool
}

// Run is one recorded execution of a task, kept in a bounded, TTL'd history
// list so operators can see recent runs without an external log sink.
type Run struct {
	Task      string    `json:"task"`
	StartedAt time.Time `json:"startedAt"`
	Duration  string    `json:"duration"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Leader    bool      `json:"leader"`
}

// Scheduler evaluates registered tasks on a fixed tick and, for each one
// whose schedule is due, attempts to acquire its lease before running it.
type Scheduler struct {
	kv        *kv.Client
	instance  string
	logger    zerolog.Logger
	parser    robfigcron.Parser
	mu        sync.Mutex
	tasks     []*Task
	stopCh    chan struct{}
	runningWg sync.WaitGroup
}

// New builds a Scheduler whose lease holder identity is instance (typically
// hostname:pid), backed by kvClient for distributed leases and history.
func New(kvClient *kv.Client, instance string) *Scheduler {
	return &Scheduler{
		kv:       kvClient,
		instance: instance,
		logger:   log.WithComponent("cron"),
		parser:   robfigcron.NewParser(robfigcron.Minute | robfigcron.Hour | robfigcron.Dom | robfigcron.Month | robfigcron.Dow),
		stopCh:   make(chan struct{}),
	}
}

// Register adds a task under expr (a standard 5-field cron expression).
// It returns an error if expr does not parse.
func (s *Scheduler) Register(name, expr string, run TaskFunc) error {
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("cron: parse schedule %q for task %q: %w", expr, name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, &Task{
		Name: name, Schedule: expr, Run: run,
		schedule: schedule, next: schedule.Next(time.Now().UTC()),
	})
	return nil
}

// RegisterDefaults wires the platform's baseline scheduled tasks: hourly
// analytics refresh, daily cleanup at 03:00 UTC, and a 15-minute KV
// reachability check.
func (s *Scheduler) RegisterDefaults(analytics, cleanup, kvCheck TaskFunc) error {
	if err := s.Register("analytics-refresh", "0 * * * *", analytics); err != nil {
		return err
	}
	if err := s.Register("session-cleanup", "0 3 * * *", cleanup); err != nil {
		return err
	}
	return s.Register("kv-health-check", "*/15 * * * *", kvCheck)
}

// Start launches the evaluation loop in the background.
func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop halts the evaluation loop and waits for any in-flight task run to
// finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.runningWg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.evaluate(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) evaluate(ctx context.Context) {
	now := time.Now().UTC()
	s.mu.Lock()
	due := make([]*Task, 0)
	for _, t := range s.tasks {
		if t.disabled {
			continue
		}
		if !t.next.After(now) {
			due = append(due, t)
			t.next = t.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		task := t
		s.runningWg.Add(1)
		go func() {
			defer s.runningWg.Done()
			s.execute(ctx, task)
		}()
	}
}

func (s *Scheduler) lockKey(name string) string { return "cron:lock:" + name }

// execute attempts to win the lease for task and, on success, runs it and
// records the outcome to history. Losing the lease (another instance holds
// it) is not an error, just a skipped tick.
func (s *Scheduler) execute(ctx context.Context, task *Task) {
	acquired, err := s.kv.Acquire(ctx, s.lockKey(task.Name), s.instance, lockTTL)
	if err != nil {
		s.logger.Error().Err(err).Str("task", task.Name).Msg("failed to evaluate task lease")
		return
	}
	if !acquired {
		metrics.SchedulerIsLeader.Set(0)
		s.logger.Debug().Str("task", task.Name).Msg("task lease held by another instance, skipping")
		return
	}
	metrics.SchedulerIsLeader.Set(1)
	defer func() {
		if _, err := s.kv.Release(ctx, s.lockKey(task.Name), s.instance); err != nil {
			s.logger.Warn().Err(err).Str("task", task.Name).Msg("failed to release task lease")
		}
	}()

	s.runAndRecord(ctx, task)
}

// RunTaskNow runs task immediately, bypassing its schedule but not its
// lease: it takes the same lease a scheduled tick takes, and skips the run
// when another instance holds it. Used by the operator CLI's `scheduler
// run-now <task>` command.
func (s *Scheduler) RunTaskNow(ctx context.Context, task *Task) {
	s.execute(ctx, task)
}

// runAndRecord runs task and records the outcome to metrics and history.
// The caller holds the task's lease.
func (s *Scheduler) runAndRecord(ctx context.Context, task *Task) {
	timer := metrics.NewTimer()
	start := time.Now()
	runErr := task.Run(ctx)
	duration := timer.Duration()

	metrics.ScheduledTaskDuration.WithLabelValues(task.Name).Observe(duration.Seconds())
	success := runErr == nil
	metrics.ScheduledTaskRunsTotal.WithLabelValues(task.Name, outcomeLabel(success)).Inc()

	record := Run{Task: task.Name, StartedAt: start, Duration: duration.String(), Success: success, Leader: true}
	if runErr != nil {
		record.Error = runErr.Error()
		s.logger.Error().Err(runErr).Str("task", task.Name).Dur("duration", duration).Msg("scheduled task failed")
	} else {
		s.logger.Info().Str("task", task.Name).Dur("duration", duration).Msg("scheduled task completed")
	}
	if err := s.recordHistory(ctx, task.Name, record); err != nil {
		s.logger.Warn().Err(err).Str("task", task.Name).Msg("failed to record task history")
	}
}

// FindTask returns a registered task by name, or nil.
func (s *Scheduler) FindTask(name string) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// Tasks returns a snapshot of every registered task, in registration order.
func (s *Scheduler) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, len(s.tasks))
	copy(out, s.tasks)
	return out
}

// Enabled reports whether task is currently eligible to run on its schedule.
func (t *Task) Enabled() bool { return !t.disabled }

// NextRun reports the task's next scheduled evaluation time.
func (t *Task) NextRun() time.Time { return t.next }

// SetEnabled toggles whether the evaluation loop considers this task due.
// Disabling a task does not cancel a run already in flight.
func (s *Scheduler) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.Name == name {
			t.disabled = !enabled
			return nil
		}
	}
	return fmt.Errorf("cron: unknown task %q", name)
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func (s *Scheduler) recordHistory(ctx context.Context, name string, record Run) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	key := historyKeyPrefix + name
	if err := s.kv.LPush(ctx, key, string(raw)); err != nil {
		return err
	}
	if err := s.kv.LTrim(ctx, key, 0, historyMaxEntries-1); err != nil {
		return err
	}
	return s.kv.Expire(ctx, key, historyTTL)
}

// History returns the most recent recorded runs of task, newest first.
func (s *Scheduler) History(ctx context.Context, name string, limit int) ([]Run, error) {
	if limit <= 0 || limit > historyMaxEntries {
		limit = historyMaxEntries
	}
	raw, err := s.kv.LRange(ctx, historyKeyPrefix+name, 0, int64(limit-1))
	if err != nil {
		return nil, err
	}
	runs := make([]Run, 0, len(raw))
	for _, r := range raw {
		var run Run
		if err := json.Unmarshal([]byte(r), &run); err != nil {
			continue
		}
		runs = append(runs, run)
	}
	return runs, nil
}
