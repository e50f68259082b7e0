package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"submission-dispatcher/internal/audit"
	"submission-dispatcher/internal/config"
	"submission-dispatcher/internal/models"
	"submission-dispatcher/internal/queue"
	"submission-dispatcher/internal/store"
	"submission-dispatcher/internal/telemetry"
)

const sweepBatch = 100

// Monitor reclaims in-progress jobs whose worker went silent and re-publishes
// pending jobs whose dispatch message was never sent. Several monitors may run
// at once; every state change is a conditional update.
type Monitor struct {
	store store.Repository
	queue *queue.RedisQueue
	audit *audit.Recorder
	cfg   config.Config
	now   store.Clock
	log   *slog.Logger
}

// Report summarises one sweep.
type Report struct {
	Reclaimed     int
	Repaired      int
	ActiveWorkers int
	StaleJobs     int
}

// Status is the read model behind the workers health endpoint.
type Status struct {
	ActiveWorkers []models.WorkerHeartbeat `json:"active_workers"`
	QueueDepth    int64                    `json:"queue_depth"`
	StaleJobCount int                      `json:"stale_job_count"`
}

// NewMonitor creates a monitor. clock may be nil.
func NewMonitor(cfg config.Config, st store.Repository, q *queue.RedisQueue, rec *audit.Recorder, clock store.Clock, log *slog.Logger) *Monitor {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.LiveWindow <= 0 {
		cfg.LiveWindow = 2 * time.Minute
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 2 * time.Minute
	}
	if clock == nil {
		clock = store.SystemClock
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{store: st, queue: q, audit: rec, cfg: cfg, now: clock, log: log.With("component", "monitor")}
}

// Run sweeps immediately and then every MonitorInterval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
			m.log.Error("health sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep runs one reclaim pass and one repair pass and refreshes the gauges.
func (m *Monitor) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	now := m.now()

	reclaimed, err := m.reclaim(ctx, now)
	rep.Reclaimed = reclaimed
	if err != nil {
		return rep, err
	}
	repaired, err := m.repair(ctx, now)
	rep.Repaired = repaired
	if err != nil {
		return rep, err
	}

	st, err := m.Snapshot(ctx)
	if err != nil {
		return rep, err
	}
	rep.ActiveWorkers = len(st.ActiveWorkers)
	rep.StaleJobs = st.StaleJobCount
	telemetry.ActiveWorkersGauge.Set(float64(rep.ActiveWorkers))
	telemetry.StaleJobsGauge.Set(float64(rep.StaleJobs))

	if rep.Reclaimed > 0 || rep.Repaired > 0 {
		m.log.Info("health sweep", "reclaimed", rep.Reclaimed, "repaired", rep.Repaired, "active_workers", rep.ActiveWorkers)
	}
	return rep, nil
}

func (m *Monitor) reclaim(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-m.cfg.StaleAfter)
	stale, err := m.store.ListStaleJobs(ctx, cutoff, sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}

	n := 0
	for _, job := range stale {
		ok, err := m.store.ReclaimJob(ctx, job.ID, cutoff)
		if err != nil {
			m.log.Error("reclaim failed", "job_id", job.ID, "error", err)
			continue
		}
		if !ok {
			// another monitor won, or the worker came back
			continue
		}
		n++
		telemetry.ReclaimedJobs.Inc()

		previous := "unknown"
		if job.WorkerID != nil {
			previous = *job.WorkerID
		}
		m.audit.Job(ctx, job.ID, models.EventReclaimed,
			fmt.Sprintf("worker %s silent since before %s", previous, cutoff.Format(time.RFC3339)))
		m.log.Warn("stale job reclaimed", "job_id", job.ID, "previous_worker", previous)

		// A failed publish leaves enqueued_at unset for the repair pass.
		m.publish(ctx, job)
	}
	return n, nil
}

func (m *Monitor) repair(ctx context.Context, now time.Time) (int, error) {
	jobs, err := m.store.ListUnenqueuedJobs(ctx, now.Add(-m.cfg.EnqueueGrace), sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list unenqueued jobs: %w", err)
	}
	n := 0
	for _, job := range jobs {
		if !m.publish(ctx, job) {
			continue
		}
		n++
		telemetry.RepairedJobs.Inc()
		m.audit.Job(ctx, job.ID, models.EventEnqueued, "repair: dispatch message re-published")
	}
	return n, nil
}

func (m *Monitor) publish(ctx context.Context, job models.Job) bool {
	if err := m.queue.Enqueue(ctx, job.ID, job.CustomerID, job.PackageSize, job.PriorityLevel); err != nil {
		telemetry.EnqueueFailures.Inc()
		m.log.Warn("enqueue failed", "job_id", job.ID, "error", err)
		return false
	}
	telemetry.EnqueueCounter.Inc()
	if err := m.store.MarkEnqueued(ctx, job.ID); err != nil {
		m.log.Warn("mark enqueued failed", "job_id", job.ID, "error", err)
	}
	return true
}

// Snapshot reads live workers, ready depth and stale job count.
func (m *Monitor) Snapshot(ctx context.Context) (Status, error) {
	now := m.now()
	workers, err := m.store.ListHeartbeats(ctx, now.Add(-m.cfg.LiveWindow))
	if err != nil {
		return Status{}, fmt.Errorf("list heartbeats: %w", err)
	}
	if workers == nil {
		workers = []models.WorkerHeartbeat{}
	}
	stale, err := m.store.CountStaleJobs(ctx, now.Add(-m.cfg.StaleAfter))
	if err != nil {
		return Status{}, fmt.Errorf("count stale jobs: %w", err)
	}
	depth, err := m.queue.ReadyDepth(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("queue depth: %w", err)
	}
	return Status{ActiveWorkers: workers, QueueDepth: depth, StaleJobCount: stale}, nil
}
