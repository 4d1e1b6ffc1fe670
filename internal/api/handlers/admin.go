// Package handlers provides HTTP request handlers for the scangate API.
// This file implements the operator endpoints for stuck scan jobs.
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/scangate/scangate/internal/admission"
	"github.com/scangate/scangate/internal/api/middleware"
	"github.com/scangate/scangate/internal/db"
	"github.com/scangate/scangate/internal/errors"
	"github.com/scangate/scangate/internal/metrics"
	"github.com/scangate/scangate/internal/reconcile"
)

const maxStaleLimit = 5000

// AdminHandler handles administrative API endpoints.
type AdminHandler struct {
	stale   StaleJobs
	logger  *slog.Logger
	metrics metrics.MetricsRegistry
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(stale StaleJobs, logger *slog.Logger, metricsRegistry metrics.MetricsRegistry) *AdminHandler {
	if metricsRegistry == nil {
		metricsRegistry = metrics.NewNoop()
	}
	return &AdminHandler{
		stale:   stale,
		logger:  logger.With("handler", "admin"),
		metrics: metricsRegistry,
	}
}

// CancelRequest is the optional body of the cancel endpoint.
type CancelRequest struct {
	Reason string `json:"reason,omitempty" validate:"omitempty,max=500"`
}

// StaleJobsResponse lists open jobs past the age threshold.
type StaleJobsResponse struct {
	Jobs      []*db.Job `json:"jobs"`
	Count     int       `json:"count"`
	OlderThan string    `json:"olderThan"`
}

// RequeueResponse reports a re-dispatched job.
type RequeueResponse struct {
	Job       *admission.JobSummary `json:"job"`
	Timestamp time.Time             `json:"timestamp"`
}

// CancelResponse reports a canceled job and its refund.
type CancelResponse struct {
	Result    *reconcile.Result `json:"result"`
	Timestamp time.Time         `json:"timestamp"`
}

// ListStale handles GET /api/v1/admin/jobs/stale. older_than is a Go
// duration; both parameters fall back to the sweeper configuration.
func (h *AdminHandler) ListStale(w http.ResponseWriter, r *http.Request) {
	var olderThan time.Duration
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeAppError(w, r, h.logger,
				errors.Newf(errors.CodeValidation, "older_than must be a positive duration, got %q", raw))
			return
		}
		olderThan = d
	}

	limit, err := getQueryParamInt(r, "limit", 0)
	if err != nil || limit < 0 {
		writeAppError(w, r, h.logger, errors.New(errors.CodeValidation, "limit must be a non-negative integer"))
		return
	}
	if limit > maxStaleLimit {
		limit = maxStaleLimit
	}

	jobs, err := h.stale.Stale(r.Context(), olderThan, limit)
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	resp := StaleJobsResponse{Jobs: jobs, Count: len(jobs)}
	if olderThan > 0 {
		resp.OlderThan = olderThan.String()
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// Requeue handles POST /api/v1/admin/jobs/{id}/requeue.
func (h *AdminHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	id, err := extractStringFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	summary, err := h.stale.Requeue(r.Context(), id)
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	h.logger.Info("Operator requeued scan", "request_id", middleware.GetRequestID(r), "scan_id", id)
	h.metrics.Counter(metrics.MetricAdminActions, metrics.Labels{metrics.LabelAction: "requeue"})
	writeJSON(w, r, http.StatusOK, RequeueResponse{Job: summary, Timestamp: time.Now().UTC()})
}

// Cancel handles POST /api/v1/admin/jobs/{id}/cancel.
func (h *AdminHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := extractStringFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	var req CancelRequest
	if r.ContentLength > 0 {
		if err := parseJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err)
			return
		}
		if err := validate.Struct(&req); err != nil {
			writeAppError(w, r, h.logger, validationError(err))
			return
		}
	}

	result, err := h.stale.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	h.logger.Info("Operator canceled scan",
		"request_id", middleware.GetRequestID(r),
		"scan_id", id,
		"ledger_delta", result.LedgerDelta)
	h.metrics.Counter(metrics.MetricAdminActions, metrics.Labels{metrics.LabelAction: "cancel"})
	writeJSON(w, r, http.StatusOK, CancelResponse{Result: result, Timestamp: time.Now().UTC()})
}
