package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"submission-dispatcher/internal/audit"
	"submission-dispatcher/internal/config"
	"submission-dispatcher/internal/health"
	"submission-dispatcher/internal/models"
	"submission-dispatcher/internal/queue"
	"submission-dispatcher/internal/ratelimit"
	"submission-dispatcher/internal/store"
	"submission-dispatcher/internal/telemetry"
)

const (
	recentResults   = 10
	defaultPageSize = 50
	maxPageSize     = 500
)

// Server wires HTTP handlers for job intake, status and operations.
type Server struct {
	cfg     config.Config
	store   store.Repository
	queue   *queue.RedisQueue
	limiter *ratelimit.TokenBucket
	monitor *health.Monitor
	audit   *audit.Recorder
	log     *slog.Logger
}

// New constructs the API server. limiter may be nil to disable per-customer limits.
func New(cfg config.Config, st store.Repository, q *queue.RedisQueue, limiter *ratelimit.TokenBucket, monitor *health.Monitor, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		limiter: limiter,
		monitor: monitor,
		audit:   audit.NewRecorder(st, "", log),
		log:     log,
	}
}

// Router builds the HTTP router with CORS for the dashboards.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleCreateJob)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Get("/jobs/{id}/events", s.handleEvents)
	r.Get("/workers/health", s.handleWorkersHealth)
	r.Get("/dlq", s.handleDLQ)
	r.Post("/dlq/{job_id}/replay", s.handleReplay)

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(r)
}

type createJobRequest struct {
	CustomerID      string         `json:"customer_id"`
	PackageSize     int            `json:"package_size"`
	BusinessPayload map[string]any `json:"business_payload"`
	Priority        *int           `json:"priority"`
}

type createJobResponse struct {
	Job      models.Job `json:"job"`
	Enqueued bool       `json:"enqueued"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.CustomerID == "" {
		writeError(w, http.StatusBadRequest, "customer_id is required")
		return
	}
	if req.PackageSize <= 0 {
		writeError(w, http.StatusBadRequest, "package_size must be positive")
		return
	}
	if req.Priority != nil && *req.Priority < 0 {
		writeError(w, http.StatusBadRequest, "priority must not be negative")
		return
	}

	if s.limiter != nil {
		allowed, retryAfter, err := s.limiter.Reserve(r.Context(), req.CustomerID)
		if err != nil {
			s.log.Error("rate limiter unavailable", "customer_id", req.CustomerID, "error", err)
			writeError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		CustomerID:      req.CustomerID,
		PackageSize:     req.PackageSize,
		PriorityLevel:   req.Priority,
		BusinessPayload: req.BusinessPayload,
	})
	if err != nil {
		s.log.Error("create job failed", "customer_id", req.CustomerID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not create job")
		return
	}

	// The job exists either way; a lost publish is repaired by the monitor.
	enqueued := s.publish(r, job, fmt.Sprintf("customer=%s package_size=%d priority=%d", job.CustomerID, job.PackageSize, job.PriorityLevel))
	writeJSON(w, http.StatusAccepted, createJobResponse{Job: job, Enqueued: enqueued})
}

func (s *Server) publish(r *http.Request, job models.Job, details string) bool {
	ctx := r.Context()
	if err := s.queue.Enqueue(ctx, job.ID, job.CustomerID, job.PackageSize, job.PriorityLevel); err != nil {
		telemetry.EnqueueFailures.Inc()
		s.log.Warn("enqueue failed, left for repair", "job_id", job.ID, "error", err)
		return false
	}
	telemetry.EnqueueCounter.Inc()
	if err := s.store.MarkEnqueued(ctx, job.ID); err != nil {
		s.log.Warn("mark enqueued failed", "job_id", job.ID, "error", err)
	}
	s.audit.Job(ctx, job.ID, models.EventEnqueued, details)
	return true
}

type jobStatusResponse struct {
	ID                 string                    `json:"id"`
	CustomerID         string                    `json:"customer_id"`
	Status             string                    `json:"status"`
	ErrorMessage       *string                   `json:"error_message,omitempty"`
	DirectoriesTotal   int                       `json:"directories_total"`
	DirectoriesDone    int                       `json:"directories_done"`
	DirectoriesFailed  int                       `json:"directories_failed"`
	DirectoriesSkipped int                       `json:"directories_skipped"`
	ProgressPercent    float64                   `json:"progress_percent"`
	RecentResults      []models.SubmissionResult `json:"recent_results"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := s.loadJob(w, r, id)
	if !ok {
		return
	}
	counts, err := s.store.CountResults(r.Context(), id)
	if err != nil {
		s.log.Error("count results failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "could not read results")
		return
	}
	recent, err := s.store.ListResults(r.Context(), id, recentResults)
	if err != nil {
		s.log.Error("list results failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "could not read results")
		return
	}
	if recent == nil {
		recent = []models.SubmissionResult{}
	}

	var progress float64
	if job.DirectoriesTotal > 0 {
		progress = math.Round(float64(counts.Settled())*1000/float64(job.DirectoriesTotal)) / 10
	}
	writeJSON(w, http.StatusOK, jobStatusResponse{
		ID:                 job.ID,
		CustomerID:         job.CustomerID,
		Status:             job.Status,
		ErrorMessage:       job.ErrorMessage,
		DirectoriesTotal:   job.DirectoriesTotal,
		DirectoriesDone:    counts.Submitted,
		DirectoriesFailed:  counts.Failed,
		DirectoriesSkipped: counts.Skipped,
		ProgressPercent:    progress,
		RecentResults:      recent,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cancelled, err := s.store.CancelJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.log.Error("cancel failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "could not cancel job")
		return
	}
	if !cancelled {
		job, ok := s.loadJob(w, r, id)
		if !ok {
			return
		}
		writeError(w, http.StatusConflict, fmt.Sprintf("job is %s", job.Status))
		return
	}
	// A message left behind is acked as a no-op by the worker.
	if err := s.queue.Cancel(r.Context(), id); err != nil {
		s.log.Warn("drop dispatch message failed", "job_id", id, "error", err)
	}
	s.audit.Job(r.Context(), id, models.EventCancelled, "cancel requested via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": models.StatusCancelled})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	if _, ok := s.loadJob(w, r, id); !ok {
		return
	}

	events, err := s.store.ListEvents(r.Context(), id, limit, offset)
	if err != nil {
		s.log.Error("list events failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "could not read events")
		return
	}
	total, err := s.store.CountEvents(r.Context(), id)
	if err != nil {
		s.log.Error("count events failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "could not read events")
		return
	}
	if events == nil {
		events = []models.QueueHistoryEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleWorkersHealth(w http.ResponseWriter, r *http.Request) {
	st, err := s.monitor.Snapshot(r.Context())
	if err != nil {
		s.log.Error("health snapshot failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not read worker health")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	if items == nil {
		items = []queue.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleReplay drops a job's dead-letter records and re-publishes it when it
// is still pending. Finished directories short-circuit on their idempotency keys.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job_id")
	job, ok := s.loadJob(w, r, id)
	if !ok {
		return
	}
	removed, err := s.queue.DLQRemove(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update dlq")
		return
	}
	if removed == 0 {
		writeError(w, http.StatusNotFound, "no dead-letter entries for job")
		return
	}

	enqueued := false
	if job.Status == models.StatusPending {
		enqueued = s.publish(r, job, fmt.Sprintf("replayed from dlq (%d entries)", removed))
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed, "enqueued": enqueued, "status": job.Status})
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request, id string) (models.Job, bool) {
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return models.Job{}, false
	}
	if err != nil {
		s.log.Error("get job failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "could not read job")
		return models.Job{}, false
	}
	return job, true
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
