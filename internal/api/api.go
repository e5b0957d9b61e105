// Package api exposes the job control surface over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/docextract/internal/jobs"
	"github.com/sells-group/docextract/internal/model"
	"github.com/sells-group/docextract/internal/store"
)

// DefaultLogLimit caps GET /jobs/{id}/logs when no limit is given.
const DefaultLogLimit = 100

// Jobs is the job service behind the router.
type Jobs interface {
	Create(ctx context.Context, req jobs.CreateRequest) (*model.ProcessingJob, error)
	Get(ctx context.Context, id string) (*model.ProcessingJob, error)
	List(ctx context.Context, filter store.JobFilter) ([]model.ProcessingJob, error)
	Logs(ctx context.Context, id string, limit int) ([]model.ProcessingLog, error)
	Extractions(ctx context.Context, id, documentID string) ([]model.Extraction, error)
	Pause(ctx context.Context, id string) (*model.ProcessingJob, error)
	Resume(ctx context.Context, id string) (*model.ProcessingJob, error)
	Cancel(ctx context.Context, id string) (*model.ProcessingJob, error)
}

// Options configures the router.
type Options struct {
	// AllowedOrigins enables CORS for browser dashboards. Empty disables it.
	AllowedOrigins []string
}

type handler struct {
	jobs Jobs
}

// NewRouter builds the HTTP handler.
func NewRouter(j Jobs, opts Options) http.Handler {
	h := &handler{jobs: j}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.createJob)
		r.Get("/", h.listJobs)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getJob)
			r.Get("/logs", h.jobLogs)
			r.Get("/extractions", h.jobExtractions)
			r.Post("/pause", h.control((Jobs).Pause))
			r.Post("/resume", h.control((Jobs).Resume))
			r.Post("/cancel", h.control((Jobs).Cancel))
		})
	})
	return r
}

// jobResponse adds derived fields to a job.
type jobResponse struct {
	*model.ProcessingJob
	TotalDocuments int     `json:"total_documents"`
	ETASeconds     float64 `json:"eta_seconds"`
}

func newJobResponse(job *model.ProcessingJob) jobResponse {
	return jobResponse{ProcessingJob: job, TotalDocuments: job.TotalDocuments(), ETASeconds: job.ETASeconds()}
}

func (h *handler) createJob(w http.ResponseWriter, r *http.Request) {
	var req jobs.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	job, err := h.jobs.Create(r.Context(), req)
	if err != nil && job == nil {
		writeError(w, r, err)
		return
	}
	if err != nil {
		// Stored but not queued; it stays PENDING until picked up.
		zap.L().Warn("api: job created but not enqueued", zap.String("job_id", job.ID), zap.Error(err))
		writeJSON(w, http.StatusAccepted, newJobResponse(job))
		return
	}
	writeJSON(w, http.StatusCreated, newJobResponse(job))
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := parseLimit(w, q.Get("limit"), 0)
	if !ok {
		return
	}
	list, err := h.jobs.List(r.Context(), store.JobFilter{
		ProjectID: q.Get("project_id"),
		Status:    model.JobStatus(q.Get("status")),
		Limit:     limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]jobResponse, len(list))
	for i := range list {
		out[i] = newJobResponse(&list[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(job))
}

func (h *handler) jobLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r.URL.Query().Get("limit"), DefaultLogLimit)
	if !ok {
		return
	}
	logs, err := h.jobs.Logs(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (h *handler) jobExtractions(w http.ResponseWriter, r *http.Request) {
	rows, err := h.jobs.Extractions(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("document_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"extractions": rows})
}

// control adapts a status change of the job service to a handler.
func (h *handler) control(op func(Jobs, context.Context, string) (*model.ProcessingJob, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := op(h.jobs, r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newJobResponse(job))
	}
}

func parseLimit(w http.ResponseWriter, raw string, def int) (int, bool) {
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
		return 0, false
	}
	return n, true
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var te *model.TransitionError
	switch {
	case errors.As(err, &te):
		writeJSON(w, http.StatusConflict, map[string]string{"error": te.UserMessage(), "status": string(te.From)})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
	case errors.Is(err, jobs.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, jobs.ErrQueueClosed):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "server is shutting down"})
	default:
		zap.L().Error("api: request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Debug("api: write response", zap.Error(err))
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
