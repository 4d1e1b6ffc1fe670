package handlers

import (
	"context"
	"encoding/json"
	"fmt"
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
	"github.com/scangate/scangate/internal/api/middleware"
	"github.com/scangate/scangate/internal/db"
	"github.com/scangate/scangate/internal/errors"
	"github.com/scangate/scangate/internal/jobindex"
	"github.com/scangate/scangate/internal/scanner"
)

type scanFixture struct {
	handler  *ScanHandler
	admitter *mocks.MockAdmitter
	jobs     *mocks.MockJobStore
	index    *stubIndex
}

// stubIndex is a canned jobindex.Index.
type stubIndex struct {
	entries []jobindex.Entry
	err     error
}

func (s *stubIndex) Put(context.Context, ...jobindex.Entry) error { return nil }

func (s *stubIndex) UpdateStatus(context.Context, string, scanner.JobStatus) error { return nil }

func (s *stubIndex) List(context.Context, string, int) ([]jobindex.Entry, error) {
	return s.entries, s.err
}

func newScanFixture(t *testing.T) *scanFixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := &scanFixture{
		admitter: mocks.NewMockAdmitter(ctrl),
		jobs:     mocks.NewMockJobStore(ctrl),
		index:    &stubIndex{},
	}
	f.handler = NewScanHandler(f.admitter, f.jobs, f.index, 3, createTestLogger())
	return f
}

func userRequest(method, target, body, userID string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req.WithContext(middleware.WithUserID(req.Context(), userID))
}

func TestCreateScan(t *testing.T) {
	t.Run("batch admitted", func(t *testing.T) {
		f := newScanFixture(t)
		result := &admission.Result{
			BatchID:   "batch-1",
			JobIDs:    []string{"a", "b"},
			Created:   2,
			Enqueued:  2,
			Kind:      scanner.KindNmap,
			Used:      5,
			Limit:     10,
			Remaining: 5,
		}
		f.admitter.EXPECT().Admit(gomock.Any(), admission.Request{
			UserID:  "u1",
			Kind:    scanner.KindNmap,
			Targets: []string{"example.com", "10.0.0.1"},
			Options: map[string]interface{}{"ports": "1-1024"},
		}).Return(result, nil)

		rec := httptest.NewRecorder()
		f.handler.CreateScan(rec, userRequest(http.MethodPost, "/api/v1/scans",
			`{"type":"nmap","target":"example.com","targets":["10.0.0.1"],"options":{"ports":"1-1024"}}`, "u1"))

		assert.Equal(t, http.StatusCreated, rec.Code)
		body := decodeMap(t, rec)
		assert.Equal(t, "batch-1", body["batchId"])
		assert.Equal(t, float64(5), body["scansRemaining"])
		assert.Equal(t, "nmap", body["scanner"])
	})

	t.Run("unknown type rejected before admission", func(t *testing.T) {
		f := newScanFixture(t)
		rec := httptest.NewRecorder()
		f.handler.CreateScan(rec, userRequest(http.MethodPost, "/", `{"type":"burp","target":"a.com"}`, "u1"))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, string(errors.CodeValidation), decodeMap(t, rec)["code"])
	})

	t.Run("no targets", func(t *testing.T) {
		f := newScanFixture(t)
		rec := httptest.NewRecorder()
		f.handler.CreateScan(rec, userRequest(http.MethodPost, "/", `{"type":"zap"}`, "u1"))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown field", func(t *testing.T) {
		f := newScanFixture(t)
		rec := httptest.NewRecorder()
		f.handler.CreateScan(rec, userRequest(http.MethodPost, "/", `{"type":"zap","target":"a.com","x":1}`, "u1"))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("large batch needs confirmation", func(t *testing.T) {
		f := newScanFixture(t)
		rec := httptest.NewRecorder()
		f.handler.CreateScan(rec, userRequest(http.MethodPost, "/",
			`{"type":"nmap","targets":["a.com","b.com","c.com","d.com"]}`, "u1"))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		var body ConfirmationResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.True(t, body.RequiresConfirmation)
		assert.Equal(t, 4, body.TargetCount)
		assert.Equal(t, 3, body.Threshold)
	})

	t.Run("confirmed large batch goes through", func(t *testing.T) {
		f := newScanFixture(t)
		f.admitter.EXPECT().Admit(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, req admission.Request) (*admission.Result, error) {
				assert.Len(t, req.Targets, 4)
				return &admission.Result{Created: 4}, nil
			})

		rec := httptest.NewRecorder()
		f.handler.CreateScan(rec, userRequest(http.MethodPost, "/",
			`{"type":"nmap","targets":["a.com","b.com","c.com","d.com"],"confirm":true}`, "u1"))
		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	tests := []struct {
		name       string
		err        error
		wantStatus int
		check      func(t *testing.T, body map[string]interface{})
	}{
		{
			name:       "invalid target names the input",
			err:        errors.ErrInvalidTarget("192.168.1.1", "must be a public address"),
			wantStatus: http.StatusBadRequest,
			check: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "192.168.1.1", body["target"])
			},
		},
		{
			name:       "inactive subscription",
			err:        errors.ErrForbidden("Active subscription required to run scans").WithContext("currentPlan", "free"),
			wantStatus: http.StatusForbidden,
			check: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "free", body["details"].(map[string]interface{})["currentPlan"])
			},
		},
		{
			name: "quota exhausted",
			err: func() error {
				qe := errors.NewQuotaExceeded("nmap", 10, 10, 1)
				qe.Plan = "pro"
				return qe
			}(),
			wantStatus: http.StatusTooManyRequests,
			check: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, float64(10), body["scansUsed"])
				assert.Equal(t, float64(10), body["scanLimit"])
				assert.Equal(t, float64(1), body["scansNeeded"])
				assert.Equal(t, float64(0), body["remainingQuota"])
				assert.Equal(t, "nmap", body["scanner"])
				assert.Equal(t, "pro", body["currentPlan"])
			},
		},
		{
			name:       "unknown user",
			err:        errors.ErrNotFound("user", "u1"),
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "database failure",
			err:        errors.Wrap(errors.CodePersistence, "create jobs", fmt.Errorf("conn reset")),
			wantStatus: http.StatusInternalServerError,
			check: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "internal error", body["message"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newScanFixture(t)
			f.admitter.EXPECT().Admit(gomock.Any(), gomock.Any()).Return(nil, tt.err)

			rec := httptest.NewRecorder()
			f.handler.CreateScan(rec, userRequest(http.MethodPost, "/", `{"type":"nmap","target":"x.com"}`, "u1"))

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.check != nil {
				tt.check(t, decodeMap(t, rec))
			}
		})
	}
}

func TestListScans(t *testing.T) {
	created := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	t.Run("served from index", func(t *testing.T) {
		f := newScanFixture(t)
		f.index.entries = []jobindex.Entry{{ID: "a", UserID: "u1", Kind: scanner.KindZAP, CreatedAt: created}}

		rec := httptest.NewRecorder()
		f.handler.ListScans(rec, userRequest(http.MethodGet, "/api/v1/scans", "", "u1"))

		assert.Equal(t, http.StatusOK, rec.Code)
		var body ScanListResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "index", body.Source)
		assert.Equal(t, 1, body.Count)
	})

	t.Run("falls back to database when index fails", func(t *testing.T) {
		f := newScanFixture(t)
		f.index.err = fmt.Errorf("redis: connection refused")
		f.jobs.EXPECT().ListByUser(gomock.Any(), "u1", 20).Return([]*db.Job{
			{ID: "a", UserID: "u1", Kind: scanner.KindNmap, Target: "x.com", Status: scanner.StatusQueued, CreatedAt: created},
		}, nil)

		rec := httptest.NewRecorder()
		f.handler.ListScans(rec, userRequest(http.MethodGet, "/api/v1/scans?limit=20", "", "u1"))

		var body ScanListResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "database", body.Source)
		require.Len(t, body.Scans, 1)
		assert.Equal(t, "x.com", body.Scans[0].Target)
	})

	t.Run("limit is capped", func(t *testing.T) {
		f := newScanFixture(t)
		f.jobs.EXPECT().ListByUser(gomock.Any(), "u1", maxListLimit).Return(nil, nil)

		rec := httptest.NewRecorder()
		f.handler.ListScans(rec, userRequest(http.MethodGet, "/api/v1/scans?limit=100000", "", "u1"))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("bad limit", func(t *testing.T) {
		f := newScanFixture(t)
		rec := httptest.NewRecorder()
		f.handler.ListScans(rec, userRequest(http.MethodGet, "/api/v1/scans?limit=-1", "", "u1"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetScan(t *testing.T) {
	tests := []struct {
		name       string
		job        *db.Job
		err        error
		wantStatus int
	}{
		{"owner", &db.Job{ID: "a", UserID: "u1", Status: scanner.StatusCompleted}, nil, http.StatusOK},
		{"other user", &db.Job{ID: "a", UserID: "u2"}, nil, http.StatusNotFound},
		{"missing", nil, errors.New(errors.CodeNotFound, "no rows"), http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newScanFixture(t)
			f.jobs.EXPECT().Get(gomock.Any(), "a").Return(tt.job, tt.err)

			req := mux.SetURLVars(userRequest(http.MethodGet, "/api/v1/scans/a", "", "u1"), map[string]string{"id": "a"})
			rec := httptest.NewRecorder()
			f.handler.GetScan(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, "completed", decodeMap(t, rec)["status"])
			}
		})
	}
}
