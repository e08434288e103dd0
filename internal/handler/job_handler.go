// Package handler exposes the dispatcher over HTTP for dashboards and
// scripting. The API is a thin veneer: every operation maps one-to-one onto
// a dispatcher call.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"pose-factory/internal/dispatcher"
	"pose-factory/internal/errdefs"
	"pose-factory/internal/metrics"
	"pose-factory/internal/models"
)

// JobHandler serves the job API.
type JobHandler struct {
	dispatcher  *dispatcher.Dispatcher
	metrics     *metrics.Metrics
	downloadDir string
}

// NewJobHandler creates a handler. downloadDir is the default destination
// for result downloads requested over the API.
func NewJobHandler(d *dispatcher.Dispatcher, m *metrics.Metrics, downloadDir string) *JobHandler {
	return &JobHandler{dispatcher: d, metrics: m, downloadDir: downloadDir}
}

// Routes mounts the job API on a fresh chi router.
func (h *JobHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/jobs", h.submitJob)
	r.Get("/jobs", h.listJobs)
	r.Get("/jobs/{id}", h.getJob)
	r.Post("/jobs/{id}/download", h.downloadJob)
	r.Get("/metrics", h.getMetrics)
	r.Get("/health", h.health)

	return r
}

type jobSummary struct {
	JobID     string           `json:"job_id"`
	JobType   models.JobKind   `json:"job_type"`
	CreatedAt string           `json:"created_at"`
	Status    models.JobStatus `json:"status"`
}

func (h *JobHandler) submitJob(w http.ResponseWriter, r *http.Request) {
	var req dispatcher.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errdefs.Validationf("invalid request body"))
		return
	}

	manifest, err := h.dispatcher.Submit(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]any{
		"job_id":     manifest.JobID,
		"job_type":   manifest.JobType,
		"created_at": manifest.CreatedAt,
		"status":     models.StatusPending,
	})
}

// listJobs returns the local job records annotated with live store status.
func (h *JobHandler) listJobs(w http.ResponseWriter, r *http.Request) {
	manifests, err := h.dispatcher.List()
	if err != nil {
		h.writeError(w, err)
		return
	}

	jobs := make([]jobSummary, 0, len(manifests))
	for _, m := range manifests {
		status, err := h.dispatcher.Status(r.Context(), m.JobID)
		if err != nil {
			h.writeError(w, err)
			return
		}
		jobs = append(jobs, jobSummary{
			JobID:     m.JobID,
			JobType:   m.JobType,
			CreatedAt: m.CreatedAt,
			Status:    status,
		})
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (h *JobHandler) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := models.CheckSlug(id); err != nil {
		h.writeError(w, err)
		return
	}

	status, err := h.dispatcher.Status(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := map[string]any{"job_id": id, "status": status}
	if manifest, err := h.dispatcher.Record(id); err == nil {
		resp["job_type"] = manifest.JobType
		resp["created_at"] = manifest.CreatedAt
		resp["params"] = manifest.Params
	} else if status == models.StatusUnknown {
		// Neither the store nor the local records know this job.
		h.writeError(w, errdefs.NotFoundf("job %s not found", id))
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type downloadRequest struct {
	Dest  string `json:"dest,omitempty"`
	Force bool   `json:"force,omitempty"`
}

func (h *JobHandler) downloadJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := models.CheckSlug(id); err != nil {
		h.writeError(w, err)
		return
	}

	var req downloadRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, errdefs.Validationf("invalid request body"))
			return
		}
	}
	dest := req.Dest
	if dest == "" {
		dest = h.downloadDir
	}

	path, err := h.dispatcher.Download(r.Context(), id, dest, req.Force)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "path": path})
}

func (h *JobHandler) getMetrics(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.metrics.GetSnapshot())
}

func (h *JobHandler) health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *JobHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("failed to encode response")
	}
}

// writeError maps taxonomy errors to HTTP status codes. Internal and
// transport details are logged, never echoed to the client.
func (h *JobHandler) writeError(w http.ResponseWriter, err error) {
	var status int
	var code, message string

	switch {
	case errdefs.IsValidation(err):
		status, code, message = http.StatusBadRequest, "validation_error", err.Error()
	case errdefs.IsNotFound(err):
		status, code, message = http.StatusNotFound, "not_found", err.Error()
	case errdefs.IsTimeout(err):
		status, code, message = http.StatusGatewayTimeout, "timeout", err.Error()
	case errdefs.IsTransport(err):
		logrus.WithError(err).Error("store operation failed")
		status, code, message = http.StatusBadGateway, "transport_error", "object store unavailable"
	default:
		logrus.WithError(err).Error("internal error")
		status, code, message = http.StatusInternalServerError, "internal_error", "internal error"
	}

	h.writeJSON(w, status, map[string]string{"error": message, "code": code})
}
