package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/ridepush/internal/circuitbreaker"
	"github.com/lalithlochan/ridepush/internal/metrics"
	"github.com/lalithlochan/ridepush/internal/queue"
	"github.com/lalithlochan/ridepush/internal/sqs"
	"github.com/lalithlochan/ridepush/internal/store"
)

// Queue is the producer and operator side of the job queue.
type Queue interface {
	Enqueue(ctx context.Context, job queue.NotificationJob, opts queue.Options) (*queue.Handle, error)
	Counts(ctx context.Context) (queue.Counts, error)
	Get(ctx context.Context, id string) (*queue.Job, error)
	List(ctx context.Context, state queue.State, start, stop int64) ([]*queue.Job, error)
	Retry(ctx context.Context, id string) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// NotificationRepository reads notification records.
type NotificationRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*store.Notification, error)
	ListByStatus(ctx context.Context, status string, limit, offset int) ([]*store.Notification, error)
}

// DeadLetters replays exported jobs back onto the queue.
type DeadLetters interface {
	Replay(ctx context.Context, max int, enqueue sqs.EnqueueFunc) (int, error)
}

// HealthChecker reports broker health.
type HealthChecker interface {
	Healthy() bool
}

// EnqueueRequest is the producer payload for POST /v1/notifications.
type EnqueueRequest struct {
	queue.NotificationJob
	DelayMs int `json:"delayMs,omitempty"`
}

// EnqueueResponse is returned after a job is accepted.
type EnqueueResponse struct {
	ID    string `json:"id"`
	Queue string `json:"queue"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger  *zap.Logger
	queue   Queue
	repo    NotificationRepository
	dlq     DeadLetters                    // nil if SQS export is not configured
	broker  HealthChecker
	breaker *circuitbreaker.CircuitBreaker // nil if the provider is unprotected
}

// Deps are the collaborators of Handler. Only Queue and Broker are required.
type Deps struct {
	Queue   Queue
	Repo    NotificationRepository
	DLQ     DeadLetters
	Broker  HealthChecker
	Breaker *circuitbreaker.CircuitBreaker
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, deps Deps) *Handler {
	return &Handler{
		logger:  logger.Named("api"),
		queue:   deps.Queue,
		repo:    deps.Repo,
		dlq:     deps.DLQ,
		broker:  deps.Broker,
		breaker: deps.Breaker,
	}
}

// EnqueueNotification handles POST /v1/notifications
func (h *Handler) EnqueueNotification(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.DelayMs < 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid delay", "delayMs must be >= 0")
		return
	}

	handle, err := h.queue.Enqueue(r.Context(), req.NotificationJob, queue.Options{
		Delay: time.Duration(req.DelayMs) * time.Millisecond,
	})
	if errors.Is(err, queue.ErrInvalidJob) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification job", err.Error())
		return
	}
	if err != nil {
		h.logger.Error("failed to enqueue notification", zap.Error(err))
		h.writeError(w, http.StatusServiceUnavailable, "enqueue_error", "Failed to enqueue notification", "")
		return
	}

	metrics.RecordJobEnqueued()
	h.logger.Info("notification enqueued",
		zap.String("job_id", handle.ID),
		zap.String("user_id", req.UserID()),
		zap.Bool("topic", req.Topic != ""),
	)

	h.writeJSON(w, http.StatusAccepted, EnqueueResponse{ID: handle.ID, Queue: handle.Queue})
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		h.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Notification store not configured", "")
		return
	}

	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	notif, err := h.repo.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get notification", zap.Error(err), zap.String("id", idStr))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get notification", "")
		return
	}

	h.writeJSON(w, http.StatusOK, notif)
}

// ListNotifications handles GET /v1/notifications?status=failed&limit=20&offset=0
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		h.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Notification store not configured", "")
		return
	}

	status := r.URL.Query().Get("status")
	if !store.ValidStatus(status) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
			"status must be one of: pending, sent, failed, skipped")
		return
	}
	limit, offset := pagination(r)

	notifications, err := h.repo.ListByStatus(r.Context(), status, limit, offset)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.Error(err), zap.String("status", status))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":   notifications,
		"limit":  limit,
		"offset": offset,
		"count":  len(notifications),
	})
}

// QueueCounts handles GET /v1/queue/counts
func (h *Handler) QueueCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.queue.Counts(r.Context())
	if err != nil {
		h.logger.Error("failed to read queue counts", zap.Error(err))
		h.writeError(w, http.StatusServiceUnavailable, "broker_error", "Failed to read queue counts", "")
		return
	}
	h.writeJSON(w, http.StatusOK, counts)
}

// ListJobs handles GET /v1/queue/jobs?state=failed&limit=20&offset=0
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	state, ok := queue.ParseState(r.URL.Query().Get("state"))
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid state",
			"state must be one of: waiting, active, delayed, completed, failed")
		return
	}
	limit, offset := pagination(r)

	jobs, err := h.queue.List(r.Context(), state, int64(offset), int64(offset+limit-1))
	if err != nil {
		h.logger.Error("failed to list jobs", zap.Error(err), zap.String("state", string(state)))
		h.writeError(w, http.StatusServiceUnavailable, "broker_error", "Failed to list jobs", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":   jobs,
		"state":  state,
		"limit":  limit,
		"offset": offset,
		"count":  len(jobs),
	})
}

// GetJob handles GET /v1/queue/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := h.queue.Get(r.Context(), id)
	if errors.Is(err, queue.ErrJobNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Job not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get job", zap.Error(err), zap.String("job_id", id))
		h.writeError(w, http.StatusServiceUnavailable, "broker_error", "Failed to get job", "")
		return
	}

	h.writeJSON(w, http.StatusOK, job)
}

// RetryJob handles POST /v1/queue/jobs/{id}/retry
func (h *Handler) RetryJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := h.queue.Retry(r.Context(), id)
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Job not found", "")
		return
	case errors.Is(err, queue.ErrNotFailed):
		h.writeError(w, http.StatusConflict, "invalid_state", "Job is not failed", "only failed jobs can be retried")
		return
	case err != nil:
		h.logger.Error("failed to retry job", zap.Error(err), zap.String("job_id", id))
		h.writeError(w, http.StatusServiceUnavailable, "broker_error", "Failed to retry job", "")
		return
	}

	h.logger.Info("job retried by operator", zap.String("job_id", id))
	h.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "waiting"})
}

// PauseQueue handles POST /v1/queue/pause
func (h *Handler) PauseQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Pause(r.Context()); err != nil {
		h.logger.Error("failed to pause queue", zap.Error(err))
		h.writeError(w, http.StatusServiceUnavailable, "broker_error", "Failed to pause queue", "")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

// ResumeQueue handles POST /v1/queue/resume
func (h *Handler) ResumeQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Resume(r.Context()); err != nil {
		h.logger.Error("failed to resume queue", zap.Error(err))
		h.writeError(w, http.StatusServiceUnavailable, "broker_error", "Failed to resume queue", "")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

// ReplayDeadLetters handles POST /v1/dlq/replay?max=10
func (h *Handler) ReplayDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.dlq == nil {
		h.writeError(w, http.StatusServiceUnavailable, "dlq_unavailable", "Dead-letter export not configured", "")
		return
	}

	max := 10
	if s := r.URL.Query().Get("max"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 1000 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid max", "max must be between 1 and 1000")
			return
		}
		max = n
	}

	replayed, err := h.dlq.Replay(r.Context(), max, func(ctx context.Context, job queue.NotificationJob) error {
		_, err := h.queue.Enqueue(ctx, job, queue.Options{})
		return err
	})
	if err != nil {
		h.logger.Error("dead-letter replay stopped", zap.Error(err), zap.Int("replayed", replayed))
		h.writeError(w, http.StatusBadGateway, "replay_error", "Dead-letter replay failed", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int{"replayed": replayed})
}

// BreakerStats handles GET /v1/provider/breaker
func (h *Handler) BreakerStats(w http.ResponseWriter, r *http.Request) {
	if h.breaker == nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Circuit breaker not configured", "")
		return
	}
	h.writeJSON(w, http.StatusOK, h.breaker.Stats())
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil || !h.broker.Healthy() {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "broker": "down"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "broker": "up"})
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 20
	if s := r.URL.Query().Get("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if s := r.URL.Query().Get("offset"); s != "" {
		if o, err := strconv.Atoi(s); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
