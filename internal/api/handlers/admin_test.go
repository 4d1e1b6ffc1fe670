package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/scangate/scangate/internal/admission"
	"github.com/scangate/scangate/internal/api/handlers/mocks"
	"github.com/scangate/scangate/internal/db"
	"github.com/scangate/scangate/internal/errors"
	"github.com/scangate/scangate/internal/metrics"
	"github.com/scangate/scangate/internal/reconcile"
	"github.com/scangate/scangate/internal/scanner"
)

func newAdminHandler(t *testing.T) (*AdminHandler, *mocks.MockStaleJobs, *metrics.Registry) {
	t.Helper()
	stale := mocks.NewMockStaleJobs(gomock.NewController(t))
	registry := metrics.NewRegistry()
	return NewAdminHandler(stale, createTestLogger(), registry), stale, registry
}

func jobRequest(method, path, id, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return mux.SetURLVars(req, map[string]string{"id": id})
}

func TestListStale(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		olderThan  time.Duration
		limit      int
		expectCall bool
		wantStatus int
	}{
		{"defaults", "", 0, 0, true, http.StatusOK},
		{"overrides", "?older_than=90m&limit=20", 90 * time.Minute, 20, true, http.StatusOK},
		{"limit capped", "?limit=999999", 0, maxStaleLimit, true, http.StatusOK},
		{"bad duration", "?older_than=soon", 0, 0, false, http.StatusBadRequest},
		{"negative duration", "?older_than=-1h", 0, 0, false, http.StatusBadRequest},
		{"bad limit", "?limit=x", 0, 0, false, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, stale, _ := newAdminHandler(t)
			if tt.expectCall {
				stale.EXPECT().Stale(gomock.Any(), tt.olderThan, tt.limit).Return([]*db.Job{
					{ID: "a", UserID: "u1", Kind: scanner.KindNmap, Status: scanner.StatusQueued},
				}, nil)
			}

			rec := httptest.NewRecorder()
			handler.ListStale(rec, httptest.NewRequest(http.MethodGet, "/api/v1/admin/jobs/stale"+tt.query, nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				var body StaleJobsResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Equal(t, 1, body.Count)
			}
		})
	}
}

func TestAdminRequeue(t *testing.T) {
	t.Run("requeued", func(t *testing.T) {
		handler, stale, registry := newAdminHandler(t)
		stale.EXPECT().Requeue(gomock.Any(), "job-1").Return(&admission.JobSummary{
			ID: "job-1", Kind: scanner.KindZAP, Target: "https://a.com", Status: scanner.StatusInProgress,
		}, nil)

		rec := httptest.NewRecorder()
		handler.Requeue(rec, jobRequest(http.MethodPost, "/api/v1/admin/jobs/job-1/requeue", "job-1", ""))

		assert.Equal(t, http.StatusOK, rec.Code)
		var body RequeueResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, scanner.StatusInProgress, body.Job.Status)
		assert.Equal(t, float64(1), registry.GetMetrics()["admin_actions_total:action=requeue"].Value)
	})

	t.Run("not queued", func(t *testing.T) {
		handler, stale, _ := newAdminHandler(t)
		stale.EXPECT().Requeue(gomock.Any(), "job-1").
			Return(nil, errors.New(errors.CodeConflict, "scan job-1 is in_progress, not queued"))

		rec := httptest.NewRecorder()
		handler.Requeue(rec, jobRequest(http.MethodPost, "/", "job-1", ""))
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestAdminCancel(t *testing.T) {
	t.Run("with reason", func(t *testing.T) {
		handler, stale, _ := newAdminHandler(t)
		stale.EXPECT().Cancel(gomock.Any(), "job-1", "worker lost").Return(&reconcile.Result{
			ScanID: "job-1", Status: scanner.StatusFailed, LedgerApplied: true, LedgerDelta: -1,
		}, nil)

		rec := httptest.NewRecorder()
		handler.Cancel(rec, jobRequest(http.MethodPost, "/", "job-1", `{"reason":"worker lost"}`))

		assert.Equal(t, http.StatusOK, rec.Code)
		var body CancelResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, -1, body.Result.LedgerDelta)
	})

	t.Run("without body", func(t *testing.T) {
		handler, stale, _ := newAdminHandler(t)
		stale.EXPECT().Cancel(gomock.Any(), "job-1", "").Return(&reconcile.Result{ScanID: "job-1"}, nil)

		rec := httptest.NewRecorder()
		handler.Cancel(rec, jobRequest(http.MethodPost, "/", "job-1", ""))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("reason too long", func(t *testing.T) {
		handler, _, _ := newAdminHandler(t)

		rec := httptest.NewRecorder()
		handler.Cancel(rec, jobRequest(http.MethodPost, "/", "job-1", `{"reason":"`+strings.Repeat("x", 501)+`"}`))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("terminal job", func(t *testing.T) {
		handler, stale, _ := newAdminHandler(t)
		stale.EXPECT().Cancel(gomock.Any(), "job-1", "").
			Return(nil, errors.New(errors.CodeConflict, "scan job-1 is already completed"))

		rec := httptest.NewRecorder()
		handler.Cancel(rec, jobRequest(http.MethodPost, "/", "job-1", ""))
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("unknown job", func(t *testing.T) {
		handler, stale, _ := newAdminHandler(t)
		stale.EXPECT().Cancel(gomock.Any(), "ghost", "").Return(nil, errors.ErrNotFound("scan", "ghost"))

		rec := httptest.NewRecorder()
		handler.Cancel(rec, jobRequest(http.MethodPost, "/", "ghost", ""))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
