package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/scangate/scangate/internal/admission"
	"github.com/scangate/scangate/internal/api/handlers/mocks"
	"github.com/scangate/scangate/internal/auth"
	authmocks "github.com/scangate/scangate/internal/auth/mocks"
	"github.com/scangate/scangate/internal/config"
	"github.com/scangate/scangate/internal/db"
	"github.com/scangate/scangate/internal/metrics"
	"github.com/scangate/scangate/internal/scanner"
)

// MockDB provides a mock database for testing
type MockDB struct {
	mock.Mock
}

func (m *MockDB) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type testServer struct {
	server   *Server
	admitter *mocks.MockAdmitter
	jobs     *mocks.MockJobStore
	stale    *mocks.MockStaleJobs
	verifier *authmocks.MockIdentityVerifier
	database *MockDB
	prom     *metrics.Prometheus
	adminKey string
}

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func createTestConfig() config.APIConfig {
	return config.APIConfig{
		ListenAddr:            "127.0.0.1",
		Port:                  8080,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		IdleTimeout:           60 * time.Second,
		RequestTimeout:        5 * time.Second,
		MaxRequestSize:        1 << 20,
		BatchConfirmThreshold: 10,
		CORS: config.CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"https://app.example.com"},
		},
	}
}

func newTestServer(t *testing.T, cfg config.APIConfig, withAdmin bool) *testServer {
	t.Helper()
	ctrl := gomock.NewController(t)
	ts := &testServer{
		admitter: mocks.NewMockAdmitter(ctrl),
		jobs:     mocks.NewMockJobStore(ctrl),
		stale:    mocks.NewMockStaleJobs(ctrl),
		verifier: authmocks.NewMockIdentityVerifier(ctrl),
		database: &MockDB{},
		prom:     metrics.NewPrometheus(),
	}

	var hashes []string
	if withAdmin {
		key, err := auth.GenerateAPIKey("test")
		require.NoError(t, err)
		ts.adminKey = key.Key
		hashes = []string{key.Hash}
	}

	server, err := New(cfg, Deps{
		Admitter:  ts.admitter,
		Jobs:      ts.jobs,
		Quota:     mocks.NewMockQuotaReader(ctrl),
		Signup:    mocks.NewMockSignupper(ctrl),
		Reports:   mocks.NewMockReportHandler(ctrl),
		Billing:   mocks.NewMockBillingHandler(ctrl),
		Stale:     ts.stale,
		Verifier:  ts.verifier,
		AdminKeys: auth.NewAdminKeys(hashes),
		Database:  ts.database,
		Metrics:   ts.prom,
		Gatherer:  ts.prom.GetRegistry(),
	}, createTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { server.cancel() })
	ts.server = server
	return ts
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(createTestConfig(), Deps{}, createTestLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admitter is required")
}

func TestServerAddress(t *testing.T) {
	ts := newTestServer(t, createTestConfig(), false)
	assert.Equal(t, "127.0.0.1:8080", ts.server.GetAddress())
	assert.NotNil(t, ts.server.GetRouter())
}

func TestPublicRoutes(t *testing.T) {
	ts := newTestServer(t, createTestConfig(), false)
	ts.database.On("Ping", mock.Anything).Return(nil)

	for _, path := range []string{"/api/v1/liveness", "/api/v1/health", "/api/v1/version"} {
		t.Run(path, func(t *testing.T) {
			rec := ts.do(httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
			assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
		})
	}
}

func TestHealthUnhealthyDatabase(t *testing.T) {
	ts := newTestServer(t, createTestConfig(), false)
	ts.database.On("Ping", mock.Anything).Return(fmt.Errorf("connection refused"))

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUserRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t, createTestConfig(), false)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/scans"},
		{http.MethodPost, "/api/v1/scans"},
		{http.MethodGet, "/api/v1/scans/abc"},
		{http.MethodGet, "/api/v1/quota"},
		{http.MethodPost, "/api/v1/signup"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := ts.do(httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestCreateScanThroughRouter(t *testing.T) {
	ts := newTestServer(t, createTestConfig(), false)
	ts.verifier.EXPECT().Verify(gomock.Any(), "Bearer tok").Return("u1", nil)
	ts.admitter.EXPECT().Admit(gomock.Any(), admission.Request{
		UserID:  "u1",
		Kind:    scanner.KindZAP,
		Targets: []string{"https://example.com"},
	}).Return(&admission.Result{BatchID: "b1", JobIDs: []string{"j1"}, Created: 1, Enqueued: 1, Kind: scanner.KindZAP}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/scans",
		strings.NewReader(`{"type":"zap","target":"https://example.com"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer tok")
	rec := ts.do(req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "b1", body["batchId"])
}

func TestGetScanRouteVariable(t *testing.T) {
	ts := newTestServer(t, createTestConfig(), false)
	ts.verifier.EXPECT().Verify(gomock.Any(), "Bearer tok").Return("u1", nil)
	ts.jobs.EXPECT().Get(gomock.Any(), "job-7").Return(&db.Job{
		ID: "job-7", UserID: "u1", Kind: scanner.KindNmap, Status: scanner.StatusQueued,
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/scans/job-7", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rec := ts.do(req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnsupportedContentType(t *testing.T) {
	ts := newTestServer(t, createTestConfig(), false)
	ts.verifier.EXPECT().Verify(gomock.Any(), gomock.Any()).Return("u1", nil).AnyTimes()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/scans", strings.NewReader("type=nmap"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer tok")
	rec := ts.do(req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestAdminRoutes(t *testing.T) {
	t.Run("disabled without keys", func(t *testing.T) {
		ts := newTestServer(t, createTestConfig(), false)
		rec := ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/admin/jobs/stale", nil))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("wrong key", func(t *testing.T) {
		ts := newTestServer(t, createTestConfig(), true)
		req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/jobs/stale", nil)
		req.Header.Set("X-API-Key", "sg_wrong")
		rec := ts.do(req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid key", func(t *testing.T) {
		ts := newTestServer(t, createTestConfig(), true)
		ts.stale.EXPECT().Stale(gomock.Any(), time.Duration(0), 0).Return(nil, nil)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/jobs/stale", nil)
		req.Header.Set("X-API-Key", ts.adminKey)
		rec := ts.do(req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, createTestConfig(), false)
	ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/liveness", nil))

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "scangate_http_requests_total")
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, createTestConfig(), false)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/scans", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := ts.do(req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimitedServer(t *testing.T) {
	cfg := createTestConfig()
	cfg.RateLimit = config.RateLimitConfig{RequestsPerSecond: 1, Burst: 1}
	ts := newTestServer(t, cfg, false)

	first := ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/liveness", nil))
	second := ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/liveness", nil))

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t, createTestConfig(), false)
	rec := ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartStop(t *testing.T) {
	cfg := createTestConfig()
	cfg.Port = 0
	ts := newTestServer(t, cfg, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.server.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
