package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_jobs_enqueued_total", Help: "Jobs published to the dispatch queue"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_rate_limit_rejects_total", Help: "Job creations rejected by the customer rate limiter"})
	DirectoryThrottled = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_directory_throttled_total", Help: "Directory tasks deferred by the per-directory rate limiter"})
	JobsSettled        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dispatch_jobs_settled_total", Help: "Jobs reaching a terminal state"}, []string{"status"})
	EnqueueFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_enqueue_failures_total", Help: "Dispatch messages that could not be published"})
	Submissions        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dispatch_submissions_total", Help: "Directory submission outcomes"}, []string{"directory", "outcome"})
	DuplicateSkips     = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_duplicate_short_circuits_total", Help: "Directory tasks resolved from an existing idempotency key"})
	SubmissionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "dispatch_submission_seconds", Help: "Executor call latency", Buckets: prometheus.ExponentialBuckets(0.25, 2, 10)})
	WorkerDeadLetter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_dead_letter_total", Help: "Entries moved to the DLQ"})
	ReclaimedJobs      = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_jobs_reclaimed_total", Help: "Stale jobs returned to pending by the health monitor"})
	RepairedJobs       = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_jobs_repaired_total", Help: "Pending jobs re-enqueued after a lost publish"})
	AuditWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_audit_write_failures_total", Help: "Audit events that could not be persisted"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatch_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatch_inflight", Help: "Jobs currently leased"})
	ExecutorInFlight   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatch_executor_inflight", Help: "Executor calls in progress in this process"})
	ActiveWorkersGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatch_active_workers", Help: "Workers with a heartbeat inside the live window"})
	StaleJobsGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatch_stale_jobs", Help: "In-progress jobs whose worker stopped heartbeating"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			DirectoryThrottled,
			JobsSettled,
			EnqueueFailures,
			Submissions,
			DuplicateSkips,
			SubmissionDuration,
			WorkerDeadLetter,
			ReclaimedJobs,
			RepairedJobs,
			AuditWriteFailures,
			QueueDepthGauge,
			InFlightGauge,
			ExecutorInFlight,
			ActiveWorkersGauge,
			StaleJobsGauge,
		)
	})
	return promhttp.Handler()
}
