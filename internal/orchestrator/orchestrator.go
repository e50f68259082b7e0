// Package orchestrator consumes dispatch messages, claims jobs, fans each job
// out to one submission task per directory and settles the job when every task
// is terminal.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/semaphore"

	"submission-dispatcher/internal/audit"
	"submission-dispatcher/internal/catalog"
	"submission-dispatcher/internal/config"
	"submission-dispatcher/internal/executor"
	"submission-dispatcher/internal/idempotency"
	"submission-dispatcher/internal/models"
	"submission-dispatcher/internal/queue"
	"submission-dispatcher/internal/ratelimit"
	"submission-dispatcher/internal/store"
	"submission-dispatcher/internal/telemetry"
)

// Reporter receives worker state changes, normally the heartbeater.
type Reporter interface {
	JobStarted(ctx context.Context, jobID string)
	JobFinished(ctx context.Context)
	QueueDepth(depth int64)
	PollFailed(ctx context.Context, err error)
	// Progress is called whenever a running job's scheduler makes a step.
	Progress()
}

type noopReporter struct{}

func (noopReporter) JobStarted(context.Context, string) {}
func (noopReporter) JobFinished(context.Context)        {}
func (noopReporter) QueueDepth(int64)                   {}
func (noopReporter) PollFailed(context.Context, error)  {}
func (noopReporter) Progress()                          {}

// Deps are the collaborators of an Orchestrator. DirectoryLimiter, Prioritizer
// and Reporter are optional.
type Deps struct {
	Store            store.Repository
	Queue            *queue.RedisQueue
	Catalog          *catalog.Catalog
	Prioritizer      catalog.Prioritizer
	Executor         executor.Executor
	DirectoryLimiter *ratelimit.TokenBucket
	Audit            *audit.Recorder
	Reporter         Reporter
	Logger           *slog.Logger
	Clock            store.Clock
	// Submissions bounds concurrent executor calls across every job in the process.
	Submissions *semaphore.Weighted
}

// Orchestrator drives the worker execution loop.
type Orchestrator struct {
	cfg         config.Config
	store       store.Repository
	queue       *queue.RedisQueue
	catalog     *catalog.Catalog
	prioritizer catalog.Prioritizer
	exec        executor.Executor
	dirLimiter  *ratelimit.TokenBucket
	audit       *audit.Recorder
	reporter    Reporter
	sem         *semaphore.Weighted
	workerID    string
	log         *slog.Logger
	now         store.Clock
}

// New creates an orchestrator for workerID.
func New(cfg config.Config, workerID string, d Deps) *Orchestrator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.TaskConcurrency <= 0 {
		cfg.TaskConcurrency = 1
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 2 * time.Minute
	}
	if cfg.BusyRecheckInterval <= 0 {
		cfg.BusyRecheckInterval = 5 * time.Second
	}
	if cfg.SubmittingStaleAfter <= 0 {
		cfg.SubmittingStaleAfter = 10 * time.Minute
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	o := &Orchestrator{
		cfg:         cfg,
		store:       d.Store,
		queue:       d.Queue,
		catalog:     d.Catalog,
		prioritizer: d.Prioritizer,
		exec:        d.Executor,
		dirLimiter:  d.DirectoryLimiter,
		audit:       d.Audit,
		reporter:    d.Reporter,
		sem:         d.Submissions,
		workerID:    workerID,
		log:         d.Logger,
		now:         d.Clock,
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	o.log = o.log.With("worker_id", workerID)
	if o.audit == nil {
		o.audit = audit.NewRecorder(d.Store, workerID, o.log)
	}
	if o.reporter == nil {
		o.reporter = noopReporter{}
	}
	if o.sem == nil {
		limit := cfg.MaxInFlightSubmissions
		if limit <= 0 {
			limit = cfg.TaskConcurrency
		}
		o.sem = semaphore.NewWeighted(int64(limit))
	}
	if o.now == nil {
		o.now = store.SystemClock
	}
	return o
}

// Run consumes dispatch messages until ctx is cancelled. One job is processed at a time.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		processed, err := o.Poll(ctx)
		if err != nil {
			o.log.Error("poll failed", "error", err)
			o.reporter.PollFailed(ctx, err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.cfg.WorkerPollInterval):
		}
	}
}

// Poll performs one consumer iteration. It reports whether a message was handled.
func (o *Orchestrator) Poll(ctx context.Context) (bool, error) {
	o.requeueExpired(ctx)
	if depth, err := o.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
		o.reporter.QueueDepth(depth)
	}

	msg, err := o.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if msg == nil {
		return false, nil
	}
	return true, o.handle(ctx, msg)
}

func (o *Orchestrator) requeueExpired(ctx context.Context) {
	requeued, dead, err := o.queue.RequeueExpired(ctx, time.Now(), 100)
	if err != nil {
		o.log.Warn("requeue expired leases failed", "error", err)
		return
	}
	if len(requeued) > 0 {
		o.log.Info("expired leases requeued", "count", len(requeued))
	}
	for _, dl := range dead {
		telemetry.WorkerDeadLetter.Inc()
		o.audit.Job(ctx, dl.JobID, models.EventDLQ, fmt.Sprintf("%s after %d deliveries", dl.Reason, dl.Deliveries))
	}
}

func (o *Orchestrator) handle(ctx context.Context, msg *queue.Message) error {
	log := o.log.With("job_id", msg.JobID)

	job, claimed, err := o.store.ClaimJob(ctx, msg.JobID, o.workerID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("dispatch message for unknown job")
		return o.queue.Ack(ctx, msg.JobID)
	}
	if err != nil {
		// unacked: the lease expires and the message is redelivered
		return fmt.Errorf("claim job %s: %w", msg.JobID, err)
	}
	if !claimed {
		log.Debug("job not claimable, acking", "status", job.Status)
		return o.queue.Ack(ctx, msg.JobID)
	}
	if err := o.queue.Ack(ctx, msg.JobID); err != nil {
		log.Warn("ack failed after claim", "error", err)
	}

	o.audit.Job(ctx, job.ID, models.EventClaimed, fmt.Sprintf("delivery %d", msg.Deliveries))
	o.reporter.JobStarted(ctx, job.ID)
	defer o.reporter.JobFinished(context.WithoutCancel(ctx))
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	log.Info("job claimed", "package_size", job.PackageSize, "delivery", msg.Deliveries)
	return o.Process(ctx, job)
}

// Process expands a claimed job, runs its directory tasks and settles it.
func (o *Orchestrator) Process(ctx context.Context, job models.Job) error {
	log := o.log.With("job_id", job.ID)

	dirs, err := o.catalog.Expand(job, o.prioritizer)
	if err != nil {
		log.Warn("prioritizer rejected, using catalog order", "error", err)
	}

	tasks := make([]*task, 0, len(dirs))
	expanded := make(map[string]bool, len(dirs))
	for _, d := range dirs {
		fields := d.Fields(job.BusinessPayload)
		key := idempotency.Derive(job.ID, d.Name, fields)
		expanded[key] = true
		tasks = append(tasks, &task{dir: d, fields: fields, key: key})
	}

	// Rows recorded by an earlier owner whose directory dropped out of the
	// expansion still count toward the job and must reach a terminal state.
	existing, err := o.store.ListResults(ctx, job.ID, 0)
	if err != nil {
		return fmt.Errorf("list results: %w", err)
	}
	total := len(dirs)
	for _, row := range existing {
		if expanded[row.IdempotencyKey] {
			continue
		}
		total++
		if row.IsTerminal() {
			continue
		}
		log.Warn("directory no longer in catalog, retiring its task", "directory", row.DirectoryName)
		tasks = append(tasks, &task{
			dir:      catalog.Directory{Name: row.DirectoryName},
			fields:   row.Payload,
			key:      row.IdempotencyKey,
			inserted: true,
			orphan:   true,
		})
	}

	if err := o.store.SetDirectoriesTotal(ctx, job.ID, total); err != nil {
		return fmt.Errorf("set directories total: %w", err)
	}
	job.DirectoriesTotal = total
	if len(tasks) == 0 {
		return o.settle(ctx, job, "no directories available")
	}

	if err := o.schedule(ctx, job, tasks, o.cfg.TaskConcurrency); err != nil {
		if errors.Is(err, errAbandoned) {
			log.Warn("stopped processing job owned elsewhere")
			return nil
		}
		log.Info("job interrupted, left for reclaim", "error", err)
		return err
	}
	return o.settle(ctx, job, "")
}

// SubmitDirectory runs the attempt loop for a single directory of a claimed job
// and returns its terminal status.
func (o *Orchestrator) SubmitDirectory(ctx context.Context, job models.Job, dir catalog.Directory) (string, error) {
	fields := dir.Fields(job.BusinessPayload)
	t := &task{dir: dir, fields: fields, key: idempotency.Derive(job.ID, dir.Name, fields)}
	if err := o.schedule(ctx, job, []*task{t}, 1); err != nil {
		return "", err
	}
	return t.terminal, nil
}

// settle moves the job to completed or failed from the stored result counts.
func (o *Orchestrator) settle(ctx context.Context, job models.Job, reason string) error {
	log := o.log.With("job_id", job.ID)
	counts, err := o.store.CountResults(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("count results: %w", err)
	}
	if counts.Submitting > 0 {
		log.Warn("not settling, tasks still outstanding", "submitting", counts.Submitting)
		return nil
	}

	required := requiredSuccesses(o.cfg.SuccessThreshold, job.DirectoriesTotal)
	status := models.StatusCompleted
	var errMsg *string
	if counts.Submitted < required {
		status = models.StatusFailed
		if reason == "" {
			reason = fmt.Sprintf("%d of %d directories submitted, %d required", counts.Submitted, job.DirectoriesTotal, required)
		}
		errMsg = &reason
	}

	ok, err := o.store.SettleJob(context.WithoutCancel(ctx), job.ID, o.workerID, status, errMsg)
	if err != nil {
		return fmt.Errorf("settle job: %w", err)
	}
	if !ok {
		log.Info("job not settled by this worker, state changed", "wanted", status)
		return nil
	}

	telemetry.JobsSettled.WithLabelValues(status).Inc()
	details := fmt.Sprintf("submitted=%d failed=%d skipped=%d total=%d", counts.Submitted, counts.Failed, counts.Skipped, job.DirectoriesTotal)
	if reason != "" {
		details += "; " + reason
	}
	o.audit.Job(ctx, job.ID, status, details)
	log.Info("job settled", "status", status, "submitted", counts.Submitted, "failed", counts.Failed)
	return nil
}

func requiredSuccesses(threshold float64, total int) int {
	n := int(math.Ceil(threshold * float64(total)))
	if n < 1 {
		n = 1
	}
	return n
}

func (o *Orchestrator) touch(ctx context.Context, jobID string) {
	if err := o.store.TouchJob(context.WithoutCancel(ctx), jobID); err != nil {
		o.log.Warn("touch job failed", "job_id", jobID, "error", err)
	}
}
