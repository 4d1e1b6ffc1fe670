// Package handlers provides HTTP request handlers for the scangate API.
// This file implements health check and version endpoints.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/scangate/scangate/internal/metrics"
)

// Pinger is a dependency whose reachability is reported by Health.
type Pinger interface {
	Ping(ctx context.Context) error
}

const healthCheckTimeout = 5 * time.Second

// Status constants.
const (
	StatusHealthy       = "healthy"
	StatusUnhealthy     = "unhealthy"
	StatusDegraded      = "degraded"
	StatusNotConfigured = "not configured"
)

// HealthHandler handles health check and version endpoints.
type HealthHandler struct {
	database  Pinger
	optional  map[string]Pinger
	logger    *slog.Logger
	metrics   metrics.MetricsRegistry
	startTime time.Time
}

// NewHealthHandler creates a new health handler. A failing database makes
// the service unhealthy; a failing optional dependency only degrades it.
func NewHealthHandler(
	database Pinger,
	optional map[string]Pinger,
	logger *slog.Logger,
	metricsRegistry metrics.MetricsRegistry,
) *HealthHandler {
	if metricsRegistry == nil {
		metricsRegistry = metrics.NewNoop()
	}
	return &HealthHandler{
		database:  database,
		optional:  optional,
		logger:    logger.With("handler", "health"),
		metrics:   metricsRegistry,
		startTime: time.Now(),
	}
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of pinging one dependency.
type CheckResult struct {
	Status    string `json:"status"`
	Required  bool   `json:"required"`
	LatencyMS int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

// LivenessResponse represents a simple liveness check response.
type LivenessResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

// VersionResponse represents version information.
type VersionResponse struct {
	Version   string    `json:"version"`
	Commit    string    `json:"commit"`
	BuildTime string    `json:"build_time"`
	GoVersion string    `json:"go_version"`
	Timestamp time.Time `json:"timestamp"`
}

// Health pings the database and the optional dependencies concurrently.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	response := HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).String(),
		Checks:    h.runChecks(ctx),
	}

	for name, check := range response.Checks {
		if check.Status == StatusHealthy || check.Status == StatusNotConfigured {
			continue
		}
		h.logger.Warn("Dependency health check failed", "dependency", name, "error", check.Error)
		if check.Required {
			response.Status = StatusUnhealthy
		} else if response.Status == StatusHealthy {
			response.Status = StatusDegraded
		}
	}

	statusCode := http.StatusOK
	if response.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, r, statusCode, response)

	h.metrics.Counter(metrics.MetricHealthChecks, metrics.Labels{
		metrics.LabelStatus: response.Status,
	})
}

func (h *HealthHandler) runChecks(ctx context.Context) map[string]CheckResult {
	var (
		mu      sync.Mutex
		results = make(map[string]CheckResult, len(h.optional)+1)
		g       errgroup.Group
	)

	check := func(name string, p Pinger, required bool) {
		g.Go(func() error {
			start := time.Now()
			err := p.Ping(ctx)
			res := CheckResult{
				Status:    StatusHealthy,
				Required:  required,
				LatencyMS: time.Since(start).Milliseconds(),
			}
			if err != nil {
				res.Status = StatusUnhealthy
				res.Error = err.Error()
			}
			mu.Lock()
			results[name] = res
			mu.Unlock()
			return nil
		})
	}

	if h.database != nil {
		check("database", h.database, true)
	} else {
		results["database"] = CheckResult{Status: StatusNotConfigured, Required: true}
	}
	for name, p := range h.optional {
		check(name, p, false)
	}
	_ = g.Wait()

	return results
}

// Liveness performs a simple liveness check without dependencies.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).String(),
	})
}

// Version provides version information.
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, VersionResponse{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
		GoVersion: runtime.Version(),
		Timestamp: time.Now().UTC(),
	})
}

// Build information, set via ldflags through SetBuildInfo.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// SetBuildInfo sets build information (called by main package).
func SetBuildInfo(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
}
