package handlers

import (
	"log/slog"
	"net/http"

	"github.com/scangate/scangate/internal/api/middleware"
	"github.com/scangate/scangate/internal/db"
	"github.com/scangate/scangate/internal/scanner"
)

// AccountHandler serves the caller's quota and account provisioning.
type AccountHandler struct {
	quota  QuotaReader
	signup Signupper
	logger *slog.Logger
}

// NewAccountHandler creates a new account handler.
func NewAccountHandler(quota QuotaReader, signup Signupper, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{
		quota:  quota,
		signup: signup,
		logger: logger.With("handler", "account"),
	}
}

// QuotaBalance is one scanner's allowance.
type QuotaBalance struct {
	Scanner   scanner.Kind `json:"scanner"`
	Used      int          `json:"scansUsed"`
	Limit     int          `json:"scanLimit"`
	Remaining int          `json:"scansRemaining"`
}

// QuotaResponse lists every scanner kind, zero valued when never granted.
type QuotaResponse struct {
	UserID string         `json:"userId"`
	Quotas []QuotaBalance `json:"quotas"`
}

// SignupResponse is returned after provisioning.
type SignupResponse struct {
	Account *db.Account    `json:"account"`
	Quota   *QuotaResponse `json:"quota,omitempty"`
}

// GetQuota handles GET /api/v1/quota.
func (h *AccountHandler) GetQuota(w http.ResponseWriter, r *http.Request) {
	resp, err := h.readQuota(r)
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// Signup handles POST /api/v1/signup. Repeating it is harmless.
func (h *AccountHandler) Signup(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r)

	account, err := h.signup.Signup(r.Context(), userID)
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	h.logger.Info("Account provisioned", "request_id", middleware.GetRequestID(r), "user_id", userID)

	resp := SignupResponse{Account: account}
	if quota, err := h.readQuota(r); err == nil {
		resp.Quota = quota
	} else {
		h.logger.Warn("Quota read after signup failed", "user_id", userID, "error", err)
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (h *AccountHandler) readQuota(r *http.Request) (*QuotaResponse, error) {
	userID := middleware.GetUserID(r)
	snap, err := h.quota.Snapshot(r.Context(), userID)
	if err != nil {
		return nil, err
	}

	resp := &QuotaResponse{UserID: userID, Quotas: make([]QuotaBalance, 0, len(scanner.Kinds()))}
	for _, kind := range scanner.Kinds() {
		row := snap.Get(kind)
		resp.Quotas = append(resp.Quotas, QuotaBalance{
			Scanner:   kind,
			Used:      row.Used,
			Limit:     row.Limit,
			Remaining: row.Remaining(),
		})
	}
	return resp, nil
}
