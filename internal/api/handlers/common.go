// Package handlers provides HTTP request handlers for the scangate API.
// This file contains common utilities shared across all handlers.
package handlers

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/scangate/scangate/internal/api/middleware"
	"github.com/scangate/scangate/internal/errors"
)

const maxRequestSize = 1024 * 1024

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error     string                 `json:"error"`
	Message   string                 `json:"message"`
	Code      string                 `json:"code,omitempty"`
	Target    string                 `json:"target,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	RequestID string                 `json:"request_id,omitempty"`
}

// QuotaErrorResponse is returned with 429 so the caller knows exactly how
// many units are missing.
type QuotaErrorResponse struct {
	Error          string `json:"error"`
	Message        string `json:"message"`
	ScansUsed      int    `json:"scansUsed"`
	ScanLimit      int    `json:"scanLimit"`
	ScansNeeded    int    `json:"scansNeeded"`
	RemainingQuota int    `json:"remainingQuota"`
	Scanner        string `json:"scanner"`
	CurrentPlan    string `json:"currentPlan,omitempty"`
	RequestID      string `json:"request_id,omitempty"`
}

var validate = validator.New()

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode JSON response",
			"request_id", middleware.GetRequestID(r),
			"error", err)
	}
}

// writeError writes an error response with an explicit status.
func writeError(w http.ResponseWriter, r *http.Request, statusCode int, err error) {
	writeJSON(w, r, statusCode, ErrorResponse{
		Error:     http.StatusText(statusCode),
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
		RequestID: middleware.GetRequestID(r),
	})
}

// writeAppError maps a pipeline error to its status and body. Internal
// errors are logged and their detail withheld from the caller.
func writeAppError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	requestID := middleware.GetRequestID(r)
	status := errors.HTTPStatus(err)

	if qe, ok := errors.AsQuotaExceeded(err); ok {
		writeJSON(w, r, status, QuotaErrorResponse{
			Error:          "Quota exceeded",
			Message:        fmt.Sprintf("Not enough %s scans remaining: %d requested, %d remaining", qe.Kind, qe.Requested, qe.Remaining),
			ScansUsed:      qe.Used,
			ScanLimit:      qe.Limit,
			ScansNeeded:    qe.Requested,
			RemainingQuota: qe.Remaining,
			Scanner:        qe.Kind,
			CurrentPlan:    qe.Plan,
			RequestID:      requestID,
		})
		return
	}

	response := ErrorResponse{
		Error:     http.StatusText(status),
		Code:      string(errors.GetCode(err)),
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
	}

	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", "request_id", requestID, "path", r.URL.Path, "error", err)
		response.Message = "internal error"
		writeJSON(w, r, status, response)
		return
	}

	response.Message = err.Error()
	var appErr *errors.Error
	if stderrors.As(err, &appErr) {
		response.Message = appErr.Message
		response.Target = appErr.Target
		if len(appErr.Context) > 0 {
			response.Details = appErr.Context
		}
	}
	writeJSON(w, r, status, response)
}

// parseJSON decodes the request body strictly into dest.
func parseJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return fmt.Errorf("request body is empty")
	}

	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestSize)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dest); err != nil {
		if err.Error() == "http: request body too large" {
			return fmt.Errorf("request body too large (max 1MB)")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}

	return nil
}

// validationError flattens validator errors into a readable message.
func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !stderrors.As(err, &fieldErrs) {
		return errors.Wrap(errors.CodeValidation, "invalid request", err)
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return errors.New(errors.CodeValidation, strings.Join(parts, "; "))
}

// getQueryParamInt extracts integer query parameter with default value.
func getQueryParamInt(r *http.Request, key string, defaultValue int) (int, error) {
	if value := r.URL.Query().Get(key); value != "" {
		return strconv.Atoi(value)
	}
	return defaultValue, nil
}

// extractStringFromPath extracts the id path parameter.
func extractStringFromPath(r *http.Request) (string, error) {
	idStr, exists := mux.Vars(r)["id"]
	if !exists {
		return "", fmt.Errorf("id not provided")
	}

	if strings.TrimSpace(idStr) == "" {
		return "", fmt.Errorf("id cannot be empty")
	}

	return idStr, nil
}
