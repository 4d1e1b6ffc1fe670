// Package api provides the HTTP REST API of scangate: scan admission, the
// caller's jobs and quota, worker and billing webhooks, and operator routes.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apihandlers "github.com/scangate/scangate/internal/api/handlers"
	"github.com/scangate/scangate/internal/api/middleware"
	"github.com/scangate/scangate/internal/auth"
	"github.com/scangate/scangate/internal/config"
	"github.com/scangate/scangate/internal/jobindex"
	"github.com/scangate/scangate/internal/logging"
	"github.com/scangate/scangate/internal/metrics"
)

// Server timeout constants.
const (
	serverShutdownTimeout = 30 * time.Second
	defaultRequestTimeout = 30 * time.Second
	defaultMaxRequestSize = 1 << 20
)

// Deps are the components the routes are served by.
type Deps struct {
	Admitter apihandlers.Admitter
	Jobs     apihandlers.JobStore
	Index    jobindex.Index
	Quota    apihandlers.QuotaReader
	Signup   apihandlers.Signupper
	Reports  apihandlers.ReportHandler
	Billing  apihandlers.BillingHandler
	Stale    apihandlers.StaleJobs

	Verifier  auth.IdentityVerifier
	AdminKeys *auth.AdminKeys

	// Database failing makes /health unhealthy; Optional only degrades it.
	Database apihandlers.Pinger
	Optional map[string]apihandlers.Pinger

	Metrics metrics.MetricsRegistry
	// Gatherer backs /metrics. Nil leaves the route unmounted.
	Gatherer prometheus.Gatherer
}

func (d Deps) validate() error {
	switch {
	case d.Admitter == nil:
		return fmt.Errorf("admitter is required")
	case d.Jobs == nil:
		return fmt.Errorf("job store is required")
	case d.Quota == nil, d.Signup == nil:
		return fmt.Errorf("quota reader and signup are required")
	case d.Reports == nil:
		return fmt.Errorf("report handler is required")
	case d.Billing == nil:
		return fmt.Errorf("billing handler is required")
	case d.Stale == nil:
		return fmt.Errorf("stale job operations are required")
	case d.Verifier == nil:
		return fmt.Errorf("identity verifier is required")
	}
	return nil
}

// Server represents the API server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	handler    http.Handler
	config     config.APIConfig
	deps       Deps
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new API server instance.
func New(cfg config.APIConfig, deps Deps, logger *slog.Logger) (*Server, error) {
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("invalid API dependencies: %w", err)
	}
	if logger == nil {
		logger = logging.Default().Logger
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoop()
	}
	if deps.Index == nil {
		deps.Index = jobindex.Noop{}
	}
	if deps.AdminKeys == nil {
		deps.AdminKeys = auth.NewAdminKeys(nil)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		router: mux.NewRouter(),
		config: cfg,
		deps:   deps,
		logger: logger.With("component", "api"),
		ctx:    ctx,
		cancel: cancel,
	}

	s.setupMiddleware()
	s.setupRoutes()
	s.handler = s.wrapOuter(s.router)

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.ListenAddr, strconv.Itoa(cfg.Port)),
		Handler:           s.handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	return s, nil
}

// Start serves until ctx is canceled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting API server",
		"address", s.httpServer.Addr,
		"tls", s.config.TLS.Enabled,
		"admin_api", s.deps.AdminKeys.Enabled())

	errChan := make(chan error, 1)
	go func() {
		var err error
		if s.config.TLS.Enabled {
			err = s.httpServer.ListenAndServeTLS(s.config.TLS.CertFile, s.config.TLS.KeyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errChan:
		s.cancel()
		return err
	}
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")
	defer s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown error", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped successfully")
	return nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// GetRouter returns the configured router.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// GetAddress returns the server address.
func (s *Server) GetAddress() string {
	return s.httpServer.Addr
}

// setupMiddleware installs the per-route chain. These run after routing so
// the metrics middleware sees the route template.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.Logging(s.logger))
	s.router.Use(middleware.Metrics(s.deps.Metrics))
	s.router.Use(middleware.SecurityHeaders())
	s.router.Use(middleware.RequestTimeout(s.config.RequestTimeout))
	if rl := s.config.RateLimit; rl.RequestsPerSecond > 0 {
		s.router.Use(middleware.RateLimit(s.ctx, rl.RequestsPerSecond, rl.Burst, s.logger))
	}
	s.router.Use(middleware.ContentType())
	s.router.Use(middleware.MaxBodySize(s.config.MaxRequestSize))
}

// wrapOuter adds the handlers that must see requests before routing:
// proxy header resolution and CORS preflight.
func (s *Server) wrapOuter(next http.Handler) http.Handler {
	h := next
	if cors := s.config.CORS; cors.Enabled {
		methods := cors.AllowedMethods
		if len(methods) == 0 {
			methods = []string{"GET", "POST", "OPTIONS"}
		}
		headers := cors.AllowedHeaders
		if len(headers) == 0 {
			headers = []string{"Content-Type", "Authorization", "X-API-Key", "X-Request-ID"}
		}
		h = handlers.CORS(
			handlers.AllowedOrigins(cors.AllowedOrigins),
			handlers.AllowedMethods(methods),
			handlers.AllowedHeaders(headers),
			handlers.ExposedHeaders([]string{"X-Request-ID", "Retry-After", "X-RateLimit-Limit"}),
		)(h)
	}
	return handlers.ProxyHeaders(h)
}

// setupRoutes configures all API routes. Public routes are registered
// before the authenticated subrouters so their paths match first.
func (s *Server) setupRoutes() {
	health := apihandlers.NewHealthHandler(s.deps.Database, s.deps.Optional, s.logger, s.deps.Metrics)
	scans := apihandlers.NewScanHandler(s.deps.Admitter, s.deps.Jobs, s.deps.Index,
		s.config.BatchConfirmThreshold, s.logger)
	account := apihandlers.NewAccountHandler(s.deps.Quota, s.deps.Signup, s.logger)
	webhooks := apihandlers.NewWebhookHandler(s.deps.Reports, s.deps.Billing, s.logger)
	admin := apihandlers.NewAdminHandler(s.deps.Stale, s.logger, s.deps.Metrics)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/liveness", health.Liveness).Methods("GET")
	api.HandleFunc("/health", health.Health).Methods("GET")
	api.HandleFunc("/version", health.Version).Methods("GET")

	// Authenticated by their own secrets.
	api.HandleFunc("/scans/webhook", webhooks.WorkerCallback).Methods("POST")
	api.HandleFunc("/billing/stripe", webhooks.Stripe).Methods("POST")

	ops := api.PathPrefix("/admin").Subrouter()
	ops.Use(middleware.AdminKey(s.deps.AdminKeys, s.logger))
	ops.HandleFunc("/jobs/stale", admin.ListStale).Methods("GET")
	ops.HandleFunc("/jobs/{id}/requeue", admin.Requeue).Methods("POST")
	ops.HandleFunc("/jobs/{id}/cancel", admin.Cancel).Methods("POST")

	user := api.NewRoute().Subrouter()
	user.Use(middleware.Bearer(s.deps.Verifier, s.logger))
	user.HandleFunc("/scans", scans.CreateScan).Methods("POST")
	user.HandleFunc("/scans", scans.ListScans).Methods("GET")
	user.HandleFunc("/scans/{id}", scans.GetScan).Methods("GET")
	user.HandleFunc("/quota", account.GetQuota).Methods("GET")
	user.HandleFunc("/signup", account.Signup).Methods("POST")

	if s.deps.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
}
