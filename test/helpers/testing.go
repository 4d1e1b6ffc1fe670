package helpers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// TestContext provides a context with reasonable timeout for tests.
func TestContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout == 0 {
		timeout = defaultTestTimeout
	}
	return context.WithTimeout(context.Background(), timeout)
}

// SkipIfShort skips a test if running with -short flag.
func SkipIfShort(t *testing.T, reason string) {
	t.Helper()
	if testing.Short() {
		t.Skipf("Skipping test in short mode: %s", reason)
	}
}

// JSONHandler returns an HTTP handler that serves JSON.
func JSONHandler(status int, jsonBody string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if jsonBody != "" {
			_, _ = w.Write([]byte(jsonBody))
		}
	}
}

// DispatchRequest is one request a FakeWorker received.
type DispatchRequest struct {
	ScanID  string
	Secret  string
	Payload map[string]interface{}
}

// FakeWorker stands in for a scanner worker endpoint. It accepts every job
// with the configured status and records what it was sent.
type FakeWorker struct {
	*httptest.Server

	mu       sync.Mutex
	status   int
	requests []DispatchRequest
}

// NewFakeWorker starts a worker that answers 202. It is closed when the
// test ends.
func NewFakeWorker(t testing.TB) *FakeWorker {
	t.Helper()
	w := &FakeWorker{status: http.StatusAccepted}
	w.Server = httptest.NewServer(http.HandlerFunc(w.serve))
	t.Cleanup(w.Close)
	return w
}

// FailWith makes later requests answer with status.
func (w *FakeWorker) FailWith(status int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
}

// Requests returns a copy of the recorded requests.
func (w *FakeWorker) Requests() []DispatchRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]DispatchRequest, len(w.requests))
	copy(out, w.requests)
	return out
}

func (w *FakeWorker) serve(rw http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	req := DispatchRequest{
		ScanID: r.Header.Get("X-Scan-Id"),
		Secret: r.Header.Get("X-Webhook-Secret"),
	}
	_ = json.Unmarshal(body, &req.Payload)

	w.mu.Lock()
	w.requests = append(w.requests, req)
	status := w.status
	w.mu.Unlock()

	JSONHandler(status, fmt.Sprintf(`{"scanId":%q}`, req.ScanID))(rw, r)
}

// CallbackBody builds a worker callback payload for scanID.
func CallbackBody(scanID, status string, billingUnits int) []byte {
	payload := map[string]interface{}{"scanId": scanID, "status": status}
	if billingUnits > 0 {
		payload["billingUnits"] = billingUnits
	}
	body, _ := json.Marshal(payload)
	return body
}
