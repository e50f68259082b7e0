package orchestrator

import (
	"context"
	"fmt"
	"time"

	"submission-dispatcher/internal/executor"
	"submission-dispatcher/internal/models"
	"submission-dispatcher/internal/queue"
	"submission-dispatcher/internal/store"
	"submission-dispatcher/internal/telemetry"
)

const outcomeUnknown = "outcome unknown: executor attempt never reported back"

// attempt advances one task by a single step: pre-insert, gate, execute, record.
func (o *Orchestrator) attempt(ctx context.Context, job models.Job, t *task) outcome {
	log := o.log.With("job_id", job.ID, "directory", t.dir.Name)

	if !t.inserted {
		inserted, err := o.store.InsertResult(ctx, models.SubmissionResult{
			JobID:          job.ID,
			DirectoryName:  t.dir.Name,
			Status:         models.ResultSubmitting,
			IdempotencyKey: t.key,
			Payload:        t.fields,
		})
		if err != nil {
			log.Error("pre-insert result failed", "error", err)
			return o.later(t)
		}
		t.inserted = true
		if inserted {
			o.audit.Directory(ctx, job.ID, t.dir.Name, models.EventSubmitting, "key="+t.key)
		} else {
			log.Debug("idempotency key already recorded", "key", t.key)
		}
	}

	current, err := o.store.GetJob(ctx, job.ID)
	if err != nil {
		log.Error("reload job failed", "error", err)
		return o.later(t)
	}
	if current.Status == models.StatusCancelled {
		return o.skip(ctx, job, t, "skipped: job cancelled")
	}
	if current.Status != models.StatusInProgress || current.WorkerID == nil || *current.WorkerID != o.workerID {
		log.Warn("job no longer owned by this worker", "status", current.Status)
		return outcome{task: t, kind: outcomeAbandoned}
	}

	row, err := o.store.GetResultByKey(ctx, t.key)
	if err != nil {
		log.Error("read result failed", "error", err)
		return o.later(t)
	}
	if out, resolved := o.resolve(ctx, job, t, row); resolved {
		return out
	}
	if t.orphan {
		return o.skip(ctx, job, t, "skipped: directory no longer in catalog")
	}

	if o.dirLimiter != nil {
		allowed, retryAfter, err := o.dirLimiter.Reserve(ctx, t.dir.Name)
		if err != nil {
			log.Warn("directory rate limiter unavailable", "error", err)
		} else if !allowed {
			telemetry.DirectoryThrottled.Inc()
			if retryAfter < o.cfg.DirectoryRateLimitDeferral {
				retryAfter = o.cfg.DirectoryRateLimitDeferral
			}
			return outcome{task: t, kind: outcomeThrottled, delay: retryAfter}
		}
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return o.later(t)
	}
	defer o.sem.Release(1)

	row, acquired, err := o.store.AcquireAttempt(ctx, t.key, o.cfg.MaxAttempts)
	if err != nil {
		log.Error("acquire attempt failed", "error", err)
		return o.later(t)
	}
	if !acquired {
		if out, resolved := o.resolve(ctx, job, t, row); resolved {
			return out
		}
		return outcome{task: t, kind: outcomeBusy, delay: o.cfg.BusyRecheckInterval}
	}

	return o.execute(ctx, job, t, row)
}

// resolve handles a row that cannot be attempted right now. It reports false
// when the row is free for a new attempt.
func (o *Orchestrator) resolve(ctx context.Context, job models.Job, t *task, row models.SubmissionResult) (outcome, bool) {
	switch {
	case row.IsTerminal():
		telemetry.DuplicateSkips.Inc()
		return outcome{task: t, kind: outcomeDone, status: row.Status}, true

	case row.ExecutingSince != nil:
		if o.now().Sub(*row.ExecutingSince) < o.cfg.SubmittingStaleAfter {
			return outcome{task: t, kind: outcomeBusy, delay: o.cfg.BusyRecheckInterval}, true
		}
		startedBefore := o.now().Add(-o.cfg.SubmittingStaleAfter)
		expired, err := o.store.ExpireAttempt(ctx, t.key, startedBefore, outcomeUnknown)
		if err != nil {
			o.log.Error("expire attempt failed", "job_id", job.ID, "directory", t.dir.Name, "error", err)
			return o.later(t), true
		}
		if expired {
			telemetry.Submissions.WithLabelValues(t.dir.Name, models.ResultFailed).Inc()
			o.audit.Directory(ctx, job.ID, t.dir.Name, models.EventFailed, outcomeUnknown)
			return outcome{task: t, kind: outcomeDone, status: models.ResultFailed}, true
		}
		return outcome{task: t, kind: outcomeBusy, delay: o.cfg.BusyRecheckInterval}, true

	case row.AttemptCount >= o.cfg.MaxAttempts:
		msg := fmt.Sprintf("attempts exhausted (%d/%d)", row.AttemptCount, o.cfg.MaxAttempts)
		return o.finish(ctx, job, t, models.ResultFailed, store.AttemptUpdate{ResponseLog: msg, LastError: &msg}, models.EventFailed, msg), true
	}
	return outcome{}, false
}

// skip settles a row that was never attempted, or is between attempts, as skipped.
func (o *Orchestrator) skip(ctx context.Context, job models.Job, t *task, reason string) outcome {
	ok, err := o.store.SkipResult(ctx, t.key, reason)
	if err != nil {
		o.log.Error("skip result failed", "job_id", job.ID, "directory", t.dir.Name, "error", err)
		return o.later(t)
	}
	if ok {
		telemetry.Submissions.WithLabelValues(t.dir.Name, models.ResultSkipped).Inc()
		o.audit.Directory(ctx, job.ID, t.dir.Name, models.EventCancelled, reason)
		return outcome{task: t, kind: outcomeDone, status: models.ResultSkipped}
	}
	row, err := o.store.GetResultByKey(ctx, t.key)
	if err != nil {
		return o.later(t)
	}
	if out, resolved := o.resolve(ctx, job, t, row); resolved {
		return out
	}
	return o.later(t)
}

// execute runs one acquired attempt. The executor call is detached from worker
// shutdown so a started submission always records its result.
func (o *Orchestrator) execute(ctx context.Context, job models.Job, t *task, row models.SubmissionResult) outcome {
	n := row.AttemptCount
	plan := t.dir.Plan(job, t.key)

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.SubmitTimeout)
	defer cancel()

	telemetry.ExecutorInFlight.Inc()
	start := time.Now()
	res, err := o.exec.Submit(callCtx, plan)
	telemetry.SubmissionDuration.Observe(time.Since(start).Seconds())
	telemetry.ExecutorInFlight.Dec()
	if err == nil {
		err = executor.ResultError(res)
	}

	if err == nil {
		u := store.AttemptUpdate{ResponseLog: fmt.Sprintf("attempt %d: submitted %s", n, res.ListingURL)}
		if res.ListingURL != "" {
			u.ListingURL = &res.ListingURL
		}
		if res.ScreenshotRef != "" {
			u.ScreenshotRef = &res.ScreenshotRef
		}
		details := "listing_url=" + res.ListingURL
		return o.finish(ctx, job, t, models.ResultSubmitted, u, models.EventSubmitted, details)
	}

	msg := err.Error()
	class := executor.Classify(err)
	logLine := fmt.Sprintf("attempt %d: %s error: %s", n, class, msg)
	u := store.AttemptUpdate{ResponseLog: logLine, LastError: &msg}

	switch {
	case class == executor.Fatal:
		return o.finish(ctx, job, t, models.ResultFailed, u, models.EventFailed, "permanent: "+msg)

	case n < o.cfg.MaxAttempts:
		delay := backoffWithJitter(o.cfg.BackoffInitial, o.cfg.BackoffMax, n)
		if err := o.persist(ctx, func(ctx context.Context) error { return o.store.ReleaseAttempt(ctx, t.key, u) }); err != nil {
			o.log.Error("release attempt failed", "job_id", job.ID, "directory", t.dir.Name, "error", err)
			return outcome{task: t, kind: outcomeBusy, delay: o.cfg.BusyRecheckInterval}
		}
		telemetry.Submissions.WithLabelValues(t.dir.Name, "retry").Inc()
		o.audit.Directory(ctx, job.ID, t.dir.Name, models.EventRetry,
			fmt.Sprintf("attempt %d/%d: %s; next in %s", n, o.cfg.MaxAttempts, msg, delay.Round(time.Millisecond)))
		return outcome{task: t, kind: outcomeRetry, delay: delay}

	default:
		out := o.finish(ctx, job, t, models.ResultFailed, u, models.EventFailed,
			fmt.Sprintf("retries exhausted after %d attempts: %s", n, msg))
		if out.kind == outcomeDone && out.status == models.ResultFailed {
			o.deadLetter(ctx, job, t, msg)
		}
		return out
	}
}

// finish writes a terminal result and its audit event. When another writer got
// there first, the stored outcome wins.
func (o *Orchestrator) finish(ctx context.Context, job models.Job, t *task, status string, u store.AttemptUpdate, event, details string) outcome {
	var ok bool
	err := o.persist(ctx, func(ctx context.Context) error {
		var err error
		ok, err = o.store.FinishResult(ctx, t.key, status, u)
		return err
	})
	if err != nil {
		o.log.Error("record result failed", "job_id", job.ID, "directory", t.dir.Name, "status", status, "error", err)
		return outcome{task: t, kind: outcomeBusy, delay: o.cfg.BusyRecheckInterval}
	}
	if !ok {
		row, err := o.store.GetResultByKey(ctx, t.key)
		if err != nil || !row.IsTerminal() {
			return outcome{task: t, kind: outcomeBusy, delay: o.cfg.BusyRecheckInterval}
		}
		return outcome{task: t, kind: outcomeDone, status: row.Status}
	}
	telemetry.Submissions.WithLabelValues(t.dir.Name, status).Inc()
	o.audit.Directory(ctx, job.ID, t.dir.Name, event, details)
	o.log.Info("directory settled", "job_id", job.ID, "directory", t.dir.Name, "status", status)
	return outcome{task: t, kind: outcomeDone, status: status}
}

func (o *Orchestrator) deadLetter(ctx context.Context, job models.Job, t *task, reason string) {
	o.audit.Directory(ctx, job.ID, t.dir.Name, models.EventDLQ, reason)
	telemetry.WorkerDeadLetter.Inc()
	if err := o.queue.DLQPush(context.WithoutCancel(ctx), queue.DeadLetter{
		JobID:     job.ID,
		Directory: t.dir.Name,
		Reason:    reason,
	}); err != nil {
		o.log.Warn("dead-letter push failed", "job_id", job.ID, "directory", t.dir.Name, "error", err)
	}
}

// persist retries a store write a few times. A result that is not recorded
// would later be treated as an unknown outcome, so shutdown does not cut it short.
func (o *Orchestrator) persist(ctx context.Context, write func(context.Context) error) error {
	ctx = context.WithoutCancel(ctx)
	var err error
	for i := 0; i < 3; i++ {
		if err = write(ctx); err == nil {
			return nil
		}
		time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
	}
	return err
}

func (o *Orchestrator) later(t *task) outcome {
	return outcome{task: t, kind: outcomeBusy, delay: o.cfg.BusyRecheckInterval}
}
