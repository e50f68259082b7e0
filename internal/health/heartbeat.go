// Package health keeps worker liveness visible and recovers jobs whose worker
// stopped proving it. The heartbeat row is the only liveness signal.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"submission-dispatcher/internal/models"
	"submission-dispatcher/internal/store"
)

// Heartbeater upserts this worker's heartbeat row on an interval and whenever
// its state changes. Interval beats are withheld once the orchestrator has not
// reported progress for stallAfter, so a wedged poll loop loses its liveness
// and its job is reclaimed.
type Heartbeater struct {
	store      store.Repository
	workerID   string
	queueName  string
	interval   time.Duration
	stallAfter time.Duration
	now        func() time.Time
	log        *slog.Logger

	mu           sync.Mutex
	status       string
	currentJob   *string
	depth        int64
	processing   int
	lastProgress time.Time
	stalled      bool
}

// NewHeartbeater creates a heartbeater in the starting state.
func NewHeartbeater(st store.Repository, workerID, queueName string, interval time.Duration, log *slog.Logger) *Heartbeater {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Heartbeater{
		store:        st,
		workerID:     workerID,
		queueName:    queueName,
		interval:     interval,
		stallAfter:   3 * interval,
		now:          time.Now,
		log:          log.With("worker_id", workerID),
		status:       models.WorkerStarting,
		lastProgress: time.Now(),
	}
}

// WithStallAfter sets how long the orchestrator may go without reporting
// progress before interval beats stop. It must exceed the longest single
// executor call.
func (h *Heartbeater) WithStallAfter(d time.Duration) *Heartbeater {
	if d > 0 {
		h.stallAfter = d
	}
	return h
}

// WithClock replaces the time source used for stall detection.
func (h *Heartbeater) WithClock(now func() time.Time) *Heartbeater {
	h.now = now
	h.mu.Lock()
	h.lastProgress = now()
	h.mu.Unlock()
	return h
}

// Run beats until ctx is cancelled, then records the paused state once.
func (h *Heartbeater) Run(ctx context.Context) error {
	h.Progress()
	h.Beat(ctx)
	h.setStatus(ctx, models.WorkerIdle, false)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.setStatus(context.WithoutCancel(ctx), models.WorkerPaused, true)
			return nil
		case <-ticker.C:
			h.Tick(ctx)
		}
	}
}

// Tick is the interval beat. It is skipped while the orchestrator is stalled
// and reports whether a beat was written.
func (h *Heartbeater) Tick(ctx context.Context) bool {
	h.mu.Lock()
	idle := h.now().Sub(h.lastProgress)
	stalled := idle > h.stallAfter
	wasStalled := h.stalled
	h.stalled = stalled
	h.mu.Unlock()

	if stalled {
		if !wasStalled {
			h.log.Error("orchestrator stalled, withholding heartbeat", "idle", idle.Round(time.Second))
		}
		return false
	}
	if wasStalled {
		h.log.Info("orchestrator progressing again, resuming heartbeat")
	}
	h.Beat(ctx)
	return true
}

// Progress records that the orchestrator loop is still moving.
func (h *Heartbeater) Progress() {
	h.mu.Lock()
	h.lastProgress = h.now()
	h.mu.Unlock()
}

// Beat writes the current state. Failures are logged; the next beat retries.
func (h *Heartbeater) Beat(ctx context.Context) {
	hb := h.snapshot()
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.store.UpsertHeartbeat(writeCtx, hb); err != nil {
		h.log.Warn("heartbeat failed", "status", hb.Status, "error", err)
	}
}

// JobStarted marks the worker running jobID.
func (h *Heartbeater) JobStarted(ctx context.Context, jobID string) {
	h.mu.Lock()
	h.status = models.WorkerRunning
	h.currentJob = &jobID
	h.processing = 1
	h.lastProgress = h.now()
	h.mu.Unlock()
	h.Beat(ctx)
}

// JobFinished returns the worker to idle.
func (h *Heartbeater) JobFinished(ctx context.Context) {
	h.mu.Lock()
	h.status = models.WorkerIdle
	h.currentJob = nil
	h.processing = 0
	h.lastProgress = h.now()
	h.mu.Unlock()
	h.Beat(ctx)
}

// QueueDepth records the last observed ready depth for the next beat. A
// successful poll counts as progress and clears a previous error state.
func (h *Heartbeater) QueueDepth(depth int64) {
	h.mu.Lock()
	h.depth = depth
	h.lastProgress = h.now()
	if h.status == models.WorkerError {
		h.status = models.WorkerIdle
	}
	h.mu.Unlock()
}

// PollFailed reports the error state immediately. A failed poll still shows
// the loop is turning.
func (h *Heartbeater) PollFailed(ctx context.Context, err error) {
	h.Progress()
	h.setStatus(ctx, models.WorkerError, true)
}

// Status returns the state the next beat will report.
func (h *Heartbeater) Status() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Heartbeater) setStatus(ctx context.Context, status string, beat bool) {
	h.mu.Lock()
	changed := h.status != status
	h.status = status
	h.mu.Unlock()
	if changed || beat {
		h.Beat(ctx)
	}
}

func (h *Heartbeater) snapshot() models.WorkerHeartbeat {
	h.mu.Lock()
	defer h.mu.Unlock()
	hb := models.WorkerHeartbeat{
		WorkerID:        h.workerID,
		QueueName:       h.queueName,
		Status:          h.status,
		QueueDepth:      h.depth,
		ProcessingCount: h.processing,
	}
	if h.currentJob != nil {
		id := *h.currentJob
		hb.CurrentJobID = &id
	}
	return hb
}
