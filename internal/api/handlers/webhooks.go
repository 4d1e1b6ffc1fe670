package handlers

import (
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/scangate/scangate/internal/api/middleware"
	"github.com/scangate/scangate/internal/entitlement"
	"github.com/scangate/scangate/internal/scanner"
)

const stripeSignatureHeader = "Stripe-Signature"

// WebhookHandler receives worker callbacks and payment events. Neither route
// carries a user token; each payload is authenticated by its own secret.
type WebhookHandler struct {
	reports ReportHandler
	billing BillingHandler
	logger  *slog.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(reports ReportHandler, billing BillingHandler, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		reports: reports,
		billing: billing,
		logger:  logger.With("handler", "webhook"),
	}
}

// WorkerCallbackResponse acknowledges a worker report.
type WorkerCallbackResponse struct {
	Success       bool              `json:"success"`
	ScanID        string            `json:"scanId"`
	Status        scanner.JobStatus `json:"status"`
	LedgerApplied bool              `json:"ledgerApplied"`
	LedgerError   string            `json:"ledgerError,omitempty"`
}

// BillingResponse acknowledges a payment event.
type BillingResponse struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// WorkerCallback handles POST /api/v1/scans/webhook.
func (h *WebhookHandler) WorkerCallback(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	result, err := h.reports.Handle(r.Context(), r.Header, body)
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	if result.LedgerError != "" {
		h.logger.Warn("Worker report stored without ledger reconciliation",
			"request_id", middleware.GetRequestID(r),
			"scan_id", result.ScanID,
			"ledger_error", result.LedgerError)
	}

	writeJSON(w, r, http.StatusOK, WorkerCallbackResponse{
		Success:       true,
		ScanID:        result.ScanID,
		Status:        result.Status,
		LedgerApplied: result.LedgerApplied,
		LedgerError:   result.LedgerError,
	})
}

// Stripe handles POST /api/v1/billing/stripe. A redelivered event that was
// already applied is acknowledged so Stripe stops retrying it.
func (h *WebhookHandler) Stripe(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	err = h.billing.HandleStripe(r.Context(), body, r.Header.Get(stripeSignatureHeader))
	switch {
	case err == nil:
		writeJSON(w, r, http.StatusOK, BillingResponse{Received: true})
	case stderrors.Is(err, entitlement.ErrAlreadyProcessed):
		writeJSON(w, r, http.StatusOK, BillingResponse{Received: true, Duplicate: true})
	default:
		writeAppError(w, r, h.logger, err)
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, fmt.Errorf("request body is empty")
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	return body, nil
}
