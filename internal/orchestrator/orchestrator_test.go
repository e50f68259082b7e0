package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"submission-dispatcher/internal/catalog"
	"submission-dispatcher/internal/config"
	"submission-dispatcher/internal/executor"
	"submission-dispatcher/internal/idempotency"
	"submission-dispatcher/internal/models"
	"submission-dispatcher/internal/queue"
	"submission-dispatcher/internal/store"
	"submission-dispatcher/internal/store/sqlitestore"
)

type fakeExecutor struct {
	mu     sync.Mutex
	calls  map[string]int
	script map[string]func(n int) (executor.Result, error)
	delay  time.Duration
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		calls:  map[string]int{},
		script: map[string]func(n int) (executor.Result, error){},
	}
}

func (f *fakeExecutor) Submit(ctx context.Context, plan executor.Plan) (executor.Result, error) {
	f.mu.Lock()
	f.calls[plan.Directory]++
	n := f.calls[plan.Directory]
	fn := f.script[plan.Directory]
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fn == nil {
		return executor.Result{Success: true, ListingURL: "https://listing.example/" + plan.Directory}, nil
	}
	return fn(n)
}

func (f *fakeExecutor) Calls(dir string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[dir]
}

func (f *fakeExecutor) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

type harness struct {
	t       *testing.T
	store   *sqlitestore.Store
	queue   *queue.RedisQueue
	catalog *catalog.Catalog
	exec    *fakeExecutor
	cfg     config.Config
	log     *slog.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := config.Config{
		QueueName:              "dispatch",
		PriorityQueues:         []string{"high", "default", "low"},
		DLQName:                "queue:dlq",
		VisibilityTimeout:      time.Minute,
		MaxDeliveries:          3,
		MaxAttempts:            3,
		BackoffInitial:         time.Millisecond,
		BackoffMax:             5 * time.Millisecond,
		TaskConcurrency:        3,
		MaxInFlightSubmissions: 3,
		SubmitTimeout:          time.Second,
		BusyRecheckInterval:    5 * time.Millisecond,
		SubmittingStaleAfter:   10 * time.Minute,
		WorkerPollInterval:     5 * time.Millisecond,
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.NewRedisQueueWithClient(client, cfg)

	st, err := sqlitestore.Open(filepath.Join(t.TempDir(), "dispatch.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(st.Close)

	mapping := map[string]string{"business_name": "name", "phone": "phone"}
	cat, err := catalog.New(
		catalog.Directory{Name: "google", SubmitURL: "https://google.example/add", FieldMapping: mapping, SuccessRate: 0.9},
		catalog.Directory{Name: "yelp", SubmitURL: "https://yelp.example/add", FieldMapping: mapping, SuccessRate: 0.8},
		catalog.Directory{Name: "bing", SubmitURL: "https://bing.example/add", FieldMapping: mapping, SuccessRate: 0.7},
	)
	require.NoError(t, err)

	return &harness{
		t:       t,
		store:   st,
		queue:   q,
		catalog: cat,
		exec:    newFakeExecutor(),
		cfg:     cfg,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (h *harness) orchestrator(workerID string) *Orchestrator {
	return New(h.cfg, workerID, Deps{
		Store:       h.store,
		Queue:       h.queue,
		Catalog:     h.catalog,
		Prioritizer: catalog.BySuccessRate,
		Executor:    h.exec,
		Logger:      h.log,
	})
}

func (h *harness) createJob(packageSize int) models.Job {
	h.t.Helper()
	ctx := context.Background()
	job, err := h.store.CreateJob(ctx, store.CreateJobParams{
		CustomerID:      "cust-1",
		PackageSize:     packageSize,
		BusinessPayload: map[string]any{"name": "Acme Plumbing", "phone": "555-0100"},
	})
	require.NoError(h.t, err)
	require.NoError(h.t, h.queue.Enqueue(ctx, job.ID, job.CustomerID, job.PackageSize, job.PriorityLevel))
	require.NoError(h.t, h.store.MarkEnqueued(ctx, job.ID))
	return job
}

func (h *harness) job(id string) models.Job {
	h.t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(h.t, err)
	return job
}

func (h *harness) directoryEvents(jobID, dir string) []string {
	h.t.Helper()
	events, err := h.store.ListEvents(context.Background(), jobID, 500, 0)
	require.NoError(h.t, err)
	var out []string
	for _, ev := range events {
		if ev.DirectoryName != nil && *ev.DirectoryName == dir {
			out = append(out, ev.Event)
		}
	}
	return out
}

func (h *harness) jobEvents(jobID string) []string {
	h.t.Helper()
	events, err := h.store.ListEvents(context.Background(), jobID, 500, 0)
	require.NoError(h.t, err)
	var out []string
	for _, ev := range events {
		if ev.DirectoryName == nil {
			out = append(out, ev.Event)
		}
	}
	return out
}

type countingReporter struct {
	mu       sync.Mutex
	depths   int
	started  int
	finished int
	progress int
}

func (r *countingReporter) JobStarted(context.Context, string) { r.mu.Lock(); r.started++; r.mu.Unlock() }
func (r *countingReporter) JobFinished(context.Context)        { r.mu.Lock(); r.finished++; r.mu.Unlock() }
func (r *countingReporter) QueueDepth(int64)                   { r.mu.Lock(); r.depths++; r.mu.Unlock() }
func (r *countingReporter) PollFailed(context.Context, error)  {}
func (r *countingReporter) Progress()                          { r.mu.Lock(); r.progress++; r.mu.Unlock() }

func TestSchedulerReportsProgressPerStep(t *testing.T) {
	h := newHarness(t)
	rep := &countingReporter{}
	o := New(h.cfg, "worker-1", Deps{
		Store:       h.store,
		Queue:       h.queue,
		Catalog:     h.catalog,
		Prioritizer: catalog.BySuccessRate,
		Executor:    h.exec,
		Reporter:    rep,
		Logger:      h.log,
	})
	h.createJob(3)

	processed, err := o.Poll(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	rep.mu.Lock()
	defer rep.mu.Unlock()
	assert.Equal(t, 1, rep.depths)
	assert.Equal(t, 1, rep.started)
	assert.Equal(t, 1, rep.finished)
	assert.GreaterOrEqual(t, rep.progress, 3)
}

func TestAllDirectoriesSucceed(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator("worker-1")
	job := h.createJob(3)

	processed, err := o.Poll(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	got := h.job(job.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 3, got.DirectoriesTotal)
	assert.NotNil(t, got.CompletedAt)

	counts, err := h.store.CountResults(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ResultCounts{Submitted: 3}, counts)
	assert.Equal(t, []string{models.EventClaimed, models.EventCompleted}, h.jobEvents(job.ID))

	results, err := h.store.ListResults(context.Background(), job.ID, 0)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		require.NotNil(t, r.ListingURL)
		assert.Equal(t, "https://listing.example/"+r.DirectoryName, *r.ListingURL)
		assert.Equal(t, map[string]string{"business_name": "Acme Plumbing", "phone": "555-0100"}, r.Payload)
		assert.Len(t, r.IdempotencyKey, idempotency.KeyLength)
	}

	inflight, err := h.queue.InFlight(context.Background())
	require.NoError(t, err)
	assert.Zero(t, inflight)
}

func TestTransientFailuresRetryThenSucceed(t *testing.T) {
	h := newHarness(t)
	h.exec.script["yelp"] = func(n int) (executor.Result, error) {
		if n <= 2 {
			return executor.Result{}, errors.New("navigation timeout")
		}
		return executor.Result{Success: true, ListingURL: "https://yelp.example/biz/acme"}, nil
	}
	o := h.orchestrator("worker-1")
	job := h.createJob(3)

	_, err := o.Poll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, h.job(job.ID).Status)
	assert.Equal(t, 3, h.exec.Calls("yelp"))

	results, err := h.store.ListResults(context.Background(), job.ID, 0)
	require.NoError(t, err)
	var yelp []models.SubmissionResult
	for _, r := range results {
		if r.DirectoryName == "yelp" {
			yelp = append(yelp, r)
		}
	}
	require.Len(t, yelp, 1)
	assert.Equal(t, models.ResultSubmitted, yelp[0].Status)
	assert.Equal(t, 3, yelp[0].AttemptCount)

	assert.Equal(t, []string{
		models.EventSubmitting,
		models.EventRetry,
		models.EventRetry,
		models.EventSubmitted,
	}, h.directoryEvents(job.ID, "yelp"))
}

func TestConcurrentDuplicateSubmitsExecuteOnce(t *testing.T) {
	h := newHarness(t)
	h.exec.delay = 50 * time.Millisecond
	o := h.orchestrator("worker-1")
	job := h.createJob(1)

	claimed, ok, err := h.store.ClaimJob(context.Background(), job.ID, "worker-1")
	require.NoError(t, err)
	require.True(t, ok)

	yelp, _ := h.catalog.Get("yelp")
	var wg sync.WaitGroup
	statuses := make([]string, 2)
	for i := range statuses {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status, err := o.SubmitDirectory(context.Background(), claimed, yelp)
			assert.NoError(t, err)
			statuses[i] = status
		}(i)
	}
	wg.Wait()

	assert.Equal(t, []string{models.ResultSubmitted, models.ResultSubmitted}, statuses)
	assert.Equal(t, 1, h.exec.Calls("yelp"))

	results, err := h.store.ListResults(context.Background(), job.ID, 0)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.exec.script["bing"] = func(int) (executor.Result, error) {
		return executor.Result{Success: false, Error: "validation rejected: category not allowed"}, nil
	}
	o := h.orchestrator("worker-1")
	job := h.createJob(3)

	_, err := o.Poll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, h.exec.Calls("bing"))
	assert.Equal(t, models.StatusCompleted, h.job(job.ID).Status, "partial success still completes")
	assert.Equal(t, []string{models.EventSubmitting, models.EventFailed}, h.directoryEvents(job.ID, "bing"))

	counts, err := h.store.CountResults(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ResultCounts{Submitted: 2, Failed: 1}, counts)
}

func TestRetryBoundAndDeadLetter(t *testing.T) {
	h := newHarness(t)
	h.exec.script["google"] = func(int) (executor.Result, error) {
		return executor.Result{}, errors.New("HTTP 503 from directory")
	}
	o := h.orchestrator("worker-1")
	job := h.createJob(1)

	_, err := o.Poll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, h.cfg.MaxAttempts, h.exec.Calls("google"))
	got := h.job(job.ID)
	assert.Equal(t, models.StatusFailed, got.Status, "zero successes fails the job")
	require.NotNil(t, got.ErrorMessage)

	assert.Equal(t, []string{
		models.EventSubmitting,
		models.EventRetry,
		models.EventRetry,
		models.EventFailed,
		models.EventDLQ,
	}, h.directoryEvents(job.ID, "google"))

	dlq, err := h.queue.DLQPeek(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.Equal(t, job.ID, dlq[0].JobID)
	assert.Equal(t, "google", dlq[0].Directory)

	// Never retried again under the same key.
	claimed := got
	claimed.Status = models.StatusInProgress
	_, err = h.store.DB().Exec(`UPDATE jobs SET status = 'in_progress' WHERE id = ?`, job.ID)
	require.NoError(t, err)
	google, _ := h.catalog.Get("google")
	status, err := o.SubmitDirectory(context.Background(), claimed, google)
	require.NoError(t, err)
	assert.Equal(t, models.ResultFailed, status)
	assert.Equal(t, h.cfg.MaxAttempts, h.exec.Calls("google"))
}

func TestDuplicateDeliveryIsNoop(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator("worker-1")
	job := h.createJob(2)
	require.NoError(t, h.queue.Enqueue(context.Background(), job.ID, job.CustomerID, job.PackageSize, job.PriorityLevel))

	processed, err := o.Poll(context.Background())
	require.NoError(t, err)
	require.True(t, processed)
	processed, err = o.Poll(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	assert.Equal(t, 2, h.exec.Total())
	assert.Equal(t, []string{models.EventClaimed, models.EventCompleted}, h.jobEvents(job.ID))
}

func TestRedeliveryAfterReclaimShortCircuits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.createJob(3)

	first := h.orchestrator("worker-a")
	claimed, ok, err := h.store.ClaimJob(ctx, job.ID, "worker-a")
	require.NoError(t, err)
	require.True(t, ok)
	yelp, _ := h.catalog.Get("yelp")
	status, err := first.SubmitDirectory(ctx, claimed, yelp)
	require.NoError(t, err)
	require.Equal(t, models.ResultSubmitted, status)

	// worker-a disappears; the job goes back to pending
	reclaimed, err := h.store.ReclaimJob(ctx, job.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.True(t, reclaimed)

	second := h.orchestrator("worker-b")
	_, err = second.Poll(ctx)
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, h.job(job.ID).Status)
	assert.Equal(t, 1, h.exec.Calls("yelp"))
	assert.Equal(t, 3, h.exec.Total())
	assert.Equal(t, []string{models.EventSubmitting, models.EventSubmitted}, h.directoryEvents(job.ID, "yelp"))
}

func TestDirectoryDroppedFromCatalogIsRetiredOnRedelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.createJob(3)

	claimed, ok, err := h.store.ClaimJob(ctx, job.ID, "worker-a")
	require.NoError(t, err)
	require.True(t, ok)
	bing, _ := h.catalog.Get("bing")
	fields := bing.Fields(claimed.BusinessPayload)
	key := idempotency.Derive(job.ID, bing.Name, fields)
	_, err = h.store.InsertResult(ctx, models.SubmissionResult{JobID: job.ID, DirectoryName: bing.Name, IdempotencyKey: key, Payload: fields})
	require.NoError(t, err)

	reclaimed, err := h.store.ReclaimJob(ctx, job.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.True(t, reclaimed)

	// bing is paused before the job is picked up again
	mapping := map[string]string{"business_name": "name", "phone": "phone"}
	h.catalog, err = catalog.New(
		catalog.Directory{Name: "google", SubmitURL: "https://google.example/add", FieldMapping: mapping, SuccessRate: 0.9},
		catalog.Directory{Name: "yelp", SubmitURL: "https://yelp.example/add", FieldMapping: mapping, SuccessRate: 0.8},
		catalog.Directory{Name: "bing", SubmitURL: "https://bing.example/add", FieldMapping: mapping, SuccessRate: 0.7, Paused: true},
	)
	require.NoError(t, err)

	processed, err := h.orchestrator("worker-b").Poll(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	got := h.job(job.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 3, got.DirectoriesTotal)
	assert.Zero(t, h.exec.Calls("bing"))
	counts, err := h.store.CountResults(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ResultCounts{Submitted: 2, Skipped: 1}, counts)

	row, err := h.store.GetResultByKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, models.ResultSkipped, row.Status)
	require.NotNil(t, row.LastError)
	assert.Contains(t, *row.LastError, "no longer in catalog")
	assert.Equal(t, []string{models.EventCancelled}, h.directoryEvents(job.ID, "bing"))
}

func TestDroppedDirectoryWithStaleAttemptIsExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now().UTC()
	clock := func() time.Time { return now }
	h.store.WithClock(clock)

	job := h.createJob(1)
	claimed, _, err := h.store.ClaimJob(ctx, job.ID, "worker-a")
	require.NoError(t, err)
	google, _ := h.catalog.Get("google")
	fields := google.Fields(claimed.BusinessPayload)
	key := idempotency.Derive(job.ID, google.Name, fields)
	_, err = h.store.InsertResult(ctx, models.SubmissionResult{JobID: job.ID, DirectoryName: google.Name, IdempotencyKey: key, Payload: fields})
	require.NoError(t, err)
	_, acquired, err := h.store.AcquireAttempt(ctx, key, 3)
	require.NoError(t, err)
	require.True(t, acquired)

	// worker-a vanished mid-call and google left the catalog
	now = now.Add(11 * time.Minute)
	reclaimed, err := h.store.ReclaimJob(ctx, job.ID, now.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, reclaimed)
	claimed, ok, err := h.store.ClaimJob(ctx, job.ID, "worker-b")
	require.NoError(t, err)
	require.True(t, ok)

	cat, err := catalog.New(catalog.Directory{Name: "yelp", SubmitURL: "https://yelp.example/add", FieldMapping: google.FieldMapping, SuccessRate: 0.8})
	require.NoError(t, err)
	o := New(h.cfg, "worker-b", Deps{
		Store:    h.store,
		Queue:    h.queue,
		Catalog:  cat,
		Executor: h.exec,
		Logger:   h.log,
		Clock:    clock,
	})
	require.NoError(t, o.Process(ctx, claimed))

	assert.Zero(t, h.exec.Calls("google"))
	assert.Equal(t, 1, h.exec.Calls("yelp"))
	row, err := h.store.GetResultByKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, models.ResultFailed, row.Status)
	require.NotNil(t, row.LastError)
	assert.Contains(t, *row.LastError, "outcome unknown")
	assert.Equal(t, models.StatusCompleted, h.job(job.ID).Status)
}

func TestCancelledJobSkipsPendingTasks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.orchestrator("worker-1")
	job := h.createJob(3)

	claimed, ok, err := h.store.ClaimJob(ctx, job.ID, "worker-1")
	require.NoError(t, err)
	require.True(t, ok)
	cancelled, err := h.store.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, cancelled)

	require.NoError(t, o.Process(ctx, claimed))

	assert.Zero(t, h.exec.Total())
	assert.Equal(t, models.StatusCancelled, h.job(job.ID).Status)
	counts, err := h.store.CountResults(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ResultCounts{Skipped: 3}, counts)
}

func TestCancelledMessageIsAcked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.orchestrator("worker-1")
	job := h.createJob(3)
	_, err := h.store.CancelJob(ctx, job.ID)
	require.NoError(t, err)

	processed, err := o.Poll(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Zero(t, h.exec.Total())

	inflight, err := h.queue.InFlight(ctx)
	require.NoError(t, err)
	assert.Zero(t, inflight)
}

func TestStaleExecutingAttemptIsNotReExecuted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now().UTC()
	clock := func() time.Time { return now }
	h.store.WithClock(clock)

	o := New(h.cfg, "worker-1", Deps{
		Store:    h.store,
		Queue:    h.queue,
		Catalog:  h.catalog,
		Executor: h.exec,
		Logger:   h.log,
		Clock:    clock,
	})
	job := h.createJob(1)
	claimed, _, err := h.store.ClaimJob(ctx, job.ID, "worker-1")
	require.NoError(t, err)

	google, _ := h.catalog.Get("google")
	fields := google.Fields(claimed.BusinessPayload)
	key := idempotency.Derive(job.ID, google.Name, fields)
	_, err = h.store.InsertResult(ctx, models.SubmissionResult{JobID: job.ID, DirectoryName: google.Name, IdempotencyKey: key, Payload: fields})
	require.NoError(t, err)
	_, acquired, err := h.store.AcquireAttempt(ctx, key, 3)
	require.NoError(t, err)
	require.True(t, acquired)

	// an earlier worker started the call and vanished
	now = now.Add(11 * time.Minute)

	status, err := o.SubmitDirectory(ctx, claimed, google)
	require.NoError(t, err)
	assert.Equal(t, models.ResultFailed, status)
	assert.Zero(t, h.exec.Total())

	row, err := h.store.GetResultByKey(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, row.LastError)
	assert.Contains(t, *row.LastError, "outcome unknown")
}

func TestEmptyCatalogFailsJob(t *testing.T) {
	h := newHarness(t)
	empty, err := catalog.New()
	require.NoError(t, err)
	h.catalog = empty
	o := h.orchestrator("worker-1")
	job := h.createJob(2)

	_, err = o.Poll(context.Background())
	require.NoError(t, err)

	got := h.job(job.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "no directories available", *got.ErrorMessage)
}

func TestSuccessThreshold(t *testing.T) {
	h := newHarness(t)
	h.cfg.SuccessThreshold = 0.75
	h.exec.script["bing"] = func(int) (executor.Result, error) {
		return executor.Result{}, executor.Permanent(errors.New("captcha required"))
	}
	o := h.orchestrator("worker-1")
	job := h.createJob(3)

	_, err := o.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, h.job(job.ID).Status, "2 of 3 is below 75%")
	assert.Equal(t, 3, requiredSuccesses(0.75, 3))
	assert.Equal(t, 1, requiredSuccesses(0, 3))
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator("worker-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
}
