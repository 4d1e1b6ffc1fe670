package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/scangate/scangate/internal/api/handlers/mocks"
	"github.com/scangate/scangate/internal/entitlement"
	"github.com/scangate/scangate/internal/errors"
	"github.com/scangate/scangate/internal/reconcile"
	"github.com/scangate/scangate/internal/scanner"
)

func newWebhookHandler(t *testing.T) (*WebhookHandler, *mocks.MockReportHandler, *mocks.MockBillingHandler) {
	t.Helper()
	ctrl := gomock.NewController(t)
	reports := mocks.NewMockReportHandler(ctrl)
	billing := mocks.NewMockBillingHandler(ctrl)
	return NewWebhookHandler(reports, billing, createTestLogger()), reports, billing
}

func TestWorkerCallback(t *testing.T) {
	const payload = `{"scanId":"job-1","status":"completed"}`

	t.Run("reconciled", func(t *testing.T) {
		handler, reports, _ := newWebhookHandler(t)
		reports.EXPECT().
			Handle(gomock.Any(), gomock.Any(), []byte(payload)).
			DoAndReturn(func(_ interface{}, headers http.Header, _ []byte) (*reconcile.Result, error) {
				assert.Equal(t, "s3cret", headers.Get("X-Webhook-Secret"))
				return &reconcile.Result{ScanID: "job-1", Status: scanner.StatusCompleted, LedgerApplied: true}, nil
			})

		req := httptest.NewRequest(http.MethodPost, "/api/v1/scans/webhook", strings.NewReader(payload))
		req.Header.Set("X-Webhook-Secret", "s3cret")
		rec := httptest.NewRecorder()
		handler.WorkerCallback(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		var body WorkerCallbackResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.True(t, body.Success)
		assert.Equal(t, "job-1", body.ScanID)
		assert.True(t, body.LedgerApplied)
	})

	t.Run("ledger failure is still acknowledged", func(t *testing.T) {
		handler, reports, _ := newWebhookHandler(t)
		reports.EXPECT().Handle(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(&reconcile.Result{ScanID: "job-1", Status: scanner.StatusFailed, LedgerError: "serialization failure"}, nil)

		rec := httptest.NewRecorder()
		handler.WorkerCallback(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(payload)))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "serialization failure", decodeMap(t, rec)["ledgerError"])
	})

	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"bad secret", errors.New(errors.CodeReconcileAuth, "invalid webhook secret"), http.StatusUnauthorized},
		{"bad payload", errors.New(errors.CodeValidation, "scanId is required"), http.StatusBadRequest},
		{"persist failure", errors.Wrap(errors.CodePersistence, "upsert job", fmt.Errorf("conn reset")), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, reports, _ := newWebhookHandler(t)
			reports.EXPECT().Handle(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, tt.err)

			rec := httptest.NewRecorder()
			handler.WorkerCallback(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(payload)))
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestStripeWebhook(t *testing.T) {
	const payload = `{"id":"evt_1","type":"checkout.session.completed"}`

	tests := []struct {
		name          string
		err           error
		wantStatus    int
		wantDuplicate bool
	}{
		{"processed", nil, http.StatusOK, false},
		{"redelivered", entitlement.ErrAlreadyProcessed, http.StatusOK, true},
		{"bad signature", errors.Wrap(errors.CodeValidation, "invalid signature", fmt.Errorf("no match")), http.StatusBadRequest, false},
		{"apply failure", errors.Wrap(errors.CodePersistence, "set limits", fmt.Errorf("conn reset")), http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, _, billing := newWebhookHandler(t)
			billing.EXPECT().HandleStripe(gomock.Any(), []byte(payload), "t=1,v1=abc").Return(tt.err)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/stripe", strings.NewReader(payload))
			req.Header.Set("Stripe-Signature", "t=1,v1=abc")
			rec := httptest.NewRecorder()
			handler.Stripe(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				var body BillingResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.True(t, body.Received)
				assert.Equal(t, tt.wantDuplicate, body.Duplicate)
			}
		})
	}
}
