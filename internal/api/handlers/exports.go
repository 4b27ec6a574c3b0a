package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/nextconvert/composer/internal/api/middleware"
	"github.com/nextconvert/composer/internal/modules/export"
	"github.com/nextconvert/composer/internal/modules/jobs"
	"github.com/nextconvert/composer/internal/shared/storage"
	"go.uber.org/zap"
)

// JobService is the part of the jobs module the API uses. *jobs.Module
// satisfies it. owner is the authenticated caller, empty when
// authentication is disabled.
type JobService interface {
	CreateJob(ctx context.Context, params jobs.CreateJobParams) (*jobs.Job, error)
	GetJob(ctx context.Context, owner, jobID string) (*jobs.Job, error)
	ListJobs(ctx context.Context, owner string, status jobs.Status, limit int) ([]*jobs.Job, error)
	CancelJob(ctx context.Context, owner, jobID string) error
}

// ExportHandler handles export job endpoints
type ExportHandler struct {
	jobs   JobService
	logger *zap.Logger
}

// NewExportHandler creates a new export handler
func NewExportHandler(svc JobService, logger *zap.Logger) *ExportHandler {
	return &ExportHandler{
		jobs:   svc,
		logger: logger,
	}
}

// CreateExportRequest is an export request plus queueing hints. The
// output location is ignored and chosen by the server.
type CreateExportRequest struct {
	export.Request
	Preset   string `json:"preset,omitempty"`
	Priority string `json:"priority,omitempty"`
}

// CreateExport validates and queues an export
func (h *ExportHandler) CreateExport(w http.ResponseWriter, r *http.Request) {
	var req CreateExportRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
		return
	}

	switch req.Priority {
	case "", jobs.PriorityHigh, jobs.PriorityDefault, jobs.PriorityLow:
	default:
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown priority "+strconv.Quote(req.Priority))
		return
	}

	for _, locator := range req.Request.Locators() {
		if err := storage.CheckClientLocator(locator); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_SOURCE", err.Error())
			return
		}
	}

	// Validation runs after the server assigns the output path.
	req.Request.Output = ""
	job, err := h.jobs.CreateJob(r.Context(), jobs.CreateJobParams{
		Owner:    middleware.OwnerID(r.Context()),
		Request:  req.Request,
		Preset:   req.Preset,
		Priority: req.Priority,
	})
	if err != nil {
		if errors.Is(err, jobs.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
		h.logger.Error("Failed to create export job", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to create export job")
		return
	}

	writeJSON(w, http.StatusCreated, job)
}

// ListExports returns the caller's newest jobs, optionally filtered by status
func (h *ExportHandler) ListExports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	status := jobs.Status(q.Get("status"))
	switch status {
	case "", jobs.StatusQueued, jobs.StatusProcessing, jobs.StatusCompleted, jobs.StatusFailed, jobs.StatusCancelled:
	default:
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown status "+strconv.Quote(string(status)))
		return
	}

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	list, err := h.jobs.ListJobs(r.Context(), middleware.OwnerID(r.Context()), status, limit)
	if err != nil {
		h.logger.Error("Failed to list export jobs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to list export jobs")
		return
	}
	if list == nil {
		list = []*jobs.Job{}
	}

	writeJSON(w, http.StatusOK, list)
}

// GetExport returns a specific job
func (h *ExportHandler) GetExport(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.GetJob(r.Context(), middleware.OwnerID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.jobError(w, err, "failed to get export job")
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// CancelExport cancels a job that has not started
func (h *ExportHandler) CancelExport(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	if err := h.jobs.CancelJob(r.Context(), middleware.OwnerID(r.Context()), jobID); err != nil {
		h.jobError(w, err, "failed to cancel export job")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *ExportHandler) jobError(w http.ResponseWriter, err error, message string) {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "export job not found")
	case errors.Is(err, jobs.ErrNotCancellable):
		writeError(w, http.StatusConflict, "NOT_CANCELLABLE", "export job has already started")
	default:
		h.logger.Error(message, zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", message)
	}
}
