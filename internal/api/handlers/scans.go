// Package handlers provides HTTP request handlers for the scangate API.
// This file implements scan admission and the caller's job listing.
package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/scangate/scangate/internal/admission"
	"github.com/scangate/scangate/internal/api/middleware"
	"github.com/scangate/scangate/internal/db"
	"github.com/scangate/scangate/internal/errors"
	"github.com/scangate/scangate/internal/jobindex"
	"github.com/scangate/scangate/internal/scanner"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ScanHandler handles scan-related API endpoints.
type ScanHandler struct {
	admitter         Admitter
	jobs             JobStore
	index            jobindex.Index
	confirmThreshold int
	logger           *slog.Logger
}

// NewScanHandler creates a new scan handler. Batches larger than
// confirmThreshold need an explicit confirm flag.
func NewScanHandler(
	admitter Admitter,
	jobs JobStore,
	index jobindex.Index,
	confirmThreshold int,
	logger *slog.Logger,
) *ScanHandler {
	if index == nil {
		index = jobindex.Noop{}
	}
	return &ScanHandler{
		admitter:         admitter,
		jobs:             jobs,
		index:            index,
		confirmThreshold: confirmThreshold,
		logger:           logger.With("handler", "scan"),
	}
}

// CreateScanRequest is the body of POST /api/v1/scans.
type CreateScanRequest struct {
	Type    string                 `json:"type" validate:"required,oneof=nmap openvas zap"`
	Target  string                 `json:"target,omitempty" validate:"omitempty,max=2048"`
	Targets []string               `json:"targets,omitempty" validate:"omitempty,max=1000,dive,max=2048"`
	Options map[string]interface{} `json:"options,omitempty"`
	Confirm bool                   `json:"confirm,omitempty"`
}

// allTargets merges the single and list forms, single first.
func (r *CreateScanRequest) allTargets() []string {
	targets := make([]string, 0, len(r.Targets)+1)
	if strings.TrimSpace(r.Target) != "" {
		targets = append(targets, r.Target)
	}
	return append(targets, r.Targets...)
}

// ConfirmationResponse asks the caller to resubmit a large batch with
// confirm set.
type ConfirmationResponse struct {
	Error                string `json:"error"`
	Message              string `json:"message"`
	RequiresConfirmation bool   `json:"requiresConfirmation"`
	TargetCount          int    `json:"targetCount"`
	Threshold            int    `json:"threshold"`
}

// ScanListResponse is the body of GET /api/v1/scans.
type ScanListResponse struct {
	Scans  []jobindex.Entry `json:"scans"`
	Count  int              `json:"count"`
	Source string           `json:"source"`
}

// CreateScan handles POST /api/v1/scans.
func (h *ScanHandler) CreateScan(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r)
	userID := middleware.GetUserID(r)

	var req CreateScanRequest
	if err := parseJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeAppError(w, r, h.logger, validationError(err))
		return
	}

	targets := req.allTargets()
	if len(targets) == 0 {
		writeAppError(w, r, h.logger, errors.New(errors.CodeValidation, "target or targets is required"))
		return
	}

	if h.confirmThreshold > 0 && len(targets) > h.confirmThreshold && !req.Confirm {
		writeJSON(w, r, http.StatusBadRequest, ConfirmationResponse{
			Error:                "Confirmation required",
			Message:              fmt.Sprintf("This batch creates %d scans. Resubmit with confirm set to proceed.", len(targets)),
			RequiresConfirmation: true,
			TargetCount:          len(targets),
			Threshold:            h.confirmThreshold,
		})
		return
	}

	h.logger.Info("Creating scans",
		"request_id", requestID,
		"user_id", userID,
		"kind", req.Type,
		"targets", len(targets))

	result, err := h.admitter.Admit(r.Context(), admission.Request{
		UserID:  userID,
		Kind:    scanner.Kind(req.Type),
		Targets: targets,
		Options: req.Options,
	})
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	writeJSON(w, r, http.StatusCreated, result)
}

// ListScans handles GET /api/v1/scans. The job index answers first; the
// database is the fallback when the index is empty or unavailable.
func (h *ScanHandler) ListScans(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r)

	limit, err := getQueryParamInt(r, "limit", defaultListLimit)
	if err != nil || limit < 1 {
		writeAppError(w, r, h.logger, errors.New(errors.CodeValidation, "limit must be a positive integer"))
		return
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	entries, err := h.index.List(r.Context(), userID, limit)
	if err != nil {
		h.logger.Warn("Job index unavailable, listing from database",
			"request_id", middleware.GetRequestID(r), "error", err)
	}
	if err == nil && len(entries) > 0 {
		writeJSON(w, r, http.StatusOK, ScanListResponse{Scans: entries, Count: len(entries), Source: "index"})
		return
	}

	jobs, err := h.jobs.ListByUser(r.Context(), userID, limit)
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	entries = make([]jobindex.Entry, 0, len(jobs))
	for _, job := range jobs {
		entries = append(entries, jobindex.FromJob(job))
	}
	writeJSON(w, r, http.StatusOK, ScanListResponse{Scans: entries, Count: len(entries), Source: "database"})
}

// GetScan handles GET /api/v1/scans/{id}. Jobs owned by another user are
// reported as not found.
func (h *ScanHandler) GetScan(w http.ResponseWriter, r *http.Request) {
	id, err := extractStringFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	job, err := h.jobs.Get(r.Context(), id)
	if err == nil && job.UserID != middleware.GetUserID(r) {
		job, err = nil, errors.ErrNotFound("scan", id)
	}
	if err != nil {
		if errors.IsNotFound(err) {
			err = errors.ErrNotFound("scan", id)
		}
		writeAppError(w, r, h.logger, err)
		return
	}

	writeJSON(w, r, http.StatusOK, job)
}

var _ JobStore = (*db.JobRepository)(nil)
