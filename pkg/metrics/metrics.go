package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conveyor_queue_depth",
			Help: "Number of jobs currently sitting in a queue by state",
		},
		[]string{"queue", "state"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_jobs_enqueued_total",
			Help: "Total number of jobs enqueued by queue",
		},
		[]string{"queue"},
	)

	JobsDeduplicatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_jobs_deduplicated_total",
			Help: "Total number of enqueue calls rejected because a matching deduplication key was already pending",
		},
		[]string{"queue"},
	)

	// Job outcome metrics
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_jobs_completed_total",
			Help: "Total number of jobs that completed successfully by queue",
		},
		[]string{"queue"},
	)

	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_jobs_failed_total",
			Help: "Total number of jobs that exhausted their retries by queue",
		},
		[]string{"queue"},
	)

	JobsRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_jobs_retried_total",
			Help: "Total number of job attempts that failed but were scheduled for retry",
		},
		[]string{"queue"},
	)

	JobHandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conveyor_job_handler_duration_seconds",
			Help:    "Time taken by a job handler to process one attempt, in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	JobWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conveyor_job_wait_duration_seconds",
			Help:    "Time a job spent waiting or delayed before its handler started, in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	// Dead-letter queue metrics
	DeadLetterWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_dead_letter_written_total",
			Help: "Total number of jobs moved to the dead-letter queue by originating queue",
		},
		[]string{"queue"},
	)

	DeadLetterRecoveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_dead_letter_recovered_total",
			Help: "Total number of dead-letter entries successfully replayed, by classification",
		},
		[]string{"classification"},
	)

	DeadLetterRecoveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conveyor_dead_letter_recovery_duration_seconds",
			Help:    "Time taken for one dead-letter recovery batch, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Scheduler (cron) metrics
	ScheduledTaskRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_scheduled_task_runs_total",
			Help: "Total number of scheduled task executions by task name and outcome",
		},
		[]string{"task", "outcome"},
	)

	ScheduledTaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conveyor_scheduled_task_duration_seconds",
			Help:    "Time taken to run a scheduled task, in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)

	SchedulerIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conveyor_scheduler_is_leader",
			Help: "Whether this process currently holds the cron scheduler lease (1) or not (0)",
		},
	)

	// Autoscaler metrics
	AutoscalerDesiredWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conveyor_autoscaler_desired_workers",
			Help: "Desired worker concurrency per queue as last computed by the autoscaler",
		},
		[]string{"queue"},
	)

	AutoscalerDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_autoscaler_decisions_total",
			Help: "Total number of scaling decisions made by queue and direction",
		},
		[]string{"queue", "direction"},
	)

	AutoscalerEvaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conveyor_autoscaler_evaluation_duration_seconds",
			Help:    "Time taken for one autoscaler evaluation cycle across all queues, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Worker health metrics
	WorkerHealthStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conveyor_worker_health_status",
			Help: "Worker health status: 1 = healthy, 0 = stalled or stopped",
		},
		[]string{"queue", "worker_id"},
	)

	WorkerJobsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_worker_jobs_processed_total",
			Help: "Total number of jobs a worker has finished processing (success or failure)",
		},
		[]string{"queue", "worker_id"},
	)

	// Failure alerting metrics
	AlertsFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_alerts_fired_total",
			Help: "Total number of failure-rate alerts fired by queue",
		},
		[]string{"queue"},
	)

	// Collaborator metrics
	CollaboratorRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_collaborator_requests_total",
			Help: "Total number of outbound collaborator calls by collaborator and outcome",
		},
		[]string{"collaborator", "outcome"},
	)

	CollaboratorRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conveyor_collaborator_request_duration_seconds",
			Help:    "Duration of outbound collaborator calls, in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collaborator"},
	)

	// HTTP ingress metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_http_requests_total",
			Help: "Total number of HTTP requests by route and status",
		},
		[]string{"route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conveyor_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsDeduplicatedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsRetriedTotal)
	prometheus.MustRegister(JobHandlerDuration)
	prometheus.MustRegister(JobWaitDuration)

	prometheus.MustRegister(DeadLetterWrittenTotal)
	prometheus.MustRegister(DeadLetterRecoveredTotal)
	prometheus.MustRegister(DeadLetterRecoveryDuration)

	prometheus.MustRegister(ScheduledTaskRunsTotal)
	prometheus.MustRegister(ScheduledTaskDuration)
	prometheus.MustRegister(SchedulerIsLeader)

	prometheus.MustRegister(AutoscalerDesiredWorkers)
	prometheus.MustRegister(AutoscalerDecisionsTotal)
	prometheus.MustRegister(AutoscalerEvaluationDuration)

	prometheus.MustRegister(WorkerHealthStatus)
	prometheus.MustRegister(WorkerJobsProcessedTotal)

	prometheus.MustRegister(AlertsFiredTotal)

	prometheus.MustRegister(CollaboratorRequestsTotal)
	prometheus.MustRegister(CollaboratorRequestDuration)

	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
