// Package dispatch delivers admitted scan jobs to the external scanner
// workers.
//
// Each job is sent as one HTTP POST to the endpoint configured for its
// kind. Delivery is idempotent by job id: the id travels in the body and in
// the X-Scan-Id header, so a worker can drop repeats. A call is bounded by a
// per-job deadline and never retried here; failed jobs stay queued until an
// operator requeues or cancels them.
package dispatch

//go:generate mockgen -source=dispatch.go -destination=mocks/mock_dispatcher.go -package=mocks

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/scangate/scangate/internal/errors"
	"github.com/scangate/scangate/internal/logging"
	"github.com/scangate/scangate/internal/metrics"
	"github.com/scangate/scangate/internal/scanner"
)

const (
	headerScanID        = "X-Scan-Id"
	headerWorkerSecret  = "X-Webhook-Secret"
	maxErrorBodyBytes   = 512
	defaultTimeout      = 30 * time.Second
	defaultConcurrency  = 8
	outcomeSuccess      = "success"
	outcomeFailure      = "failure"
	outcomeTimeout      = "timeout"
	outcomeUnconfigured = "unconfigured"
)

// Job is the description of one scan sent to a worker.
type Job struct {
	ID      string
	UserID  string
	Kind    scanner.Kind
	Target  string
	Options map[string]interface{}
}

// Outcome is the result of dispatching one job.
type Outcome struct {
	JobID    string
	Kind     scanner.Kind
	Err      error
	Duration time.Duration
}

// OK reports whether the worker accepted the job.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Dispatcher sends jobs to workers.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
	DispatchAll(ctx context.Context, jobs []Job) []Outcome
}

// Config holds gateway settings.
type Config struct {
	// Endpoints maps each kind to its worker URL. Values may be quoted or
	// miss the scheme, as they are often pasted from environment files.
	Endpoints map[scanner.Kind]string
	// CallbackURL is where workers report results.
	CallbackURL string
	// Secret is sent as X-Webhook-Secret when set.
	Secret string
	// Timeout bounds a single dispatch.
	Timeout time.Duration
	// Concurrency caps simultaneous calls within one DispatchAll.
	Concurrency int
	// RequestsPerSecond and Burst shape all outbound calls. Zero disables
	// the limiter.
	RequestsPerSecond float64
	Burst             int
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gateway) {
		g.client = client
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithMetrics sets the metrics registry.
func WithMetrics(registry metrics.MetricsRegistry) Option {
	return func(g *Gateway) {
		g.metrics = registry
	}
}

// WithPayloadBuilder overrides the payload shape for one kind.
func WithPayloadBuilder(kind scanner.Kind, builder PayloadBuilder) Option {
	return func(g *Gateway) {
		g.builders[kind] = builder
	}
}

// Gateway is the HTTP Dispatcher.
type Gateway struct {
	cfg      Config
	client   *http.Client
	limiter  *rate.Limiter
	builders map[scanner.Kind]PayloadBuilder
	logger   *slog.Logger
	metrics  metrics.MetricsRegistry
}

// New creates a gateway.
func New(cfg Config, opts ...Option) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}

	g := &Gateway{
		cfg:      cfg,
		client:   &http.Client{},
		builders: DefaultPayloadBuilders(),
		logger:   logging.Discard(),
		metrics:  metrics.NewNoop(),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "dispatch")
	return g
}

// ResolveEndpoint cleans a configured worker URL. Surrounding quotes are
// stripped and https is assumed when no scheme is given.
func ResolveEndpoint(raw string) (string, error) {
	endpoint := strings.Trim(strings.TrimSpace(raw), `"'`)
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", fmt.Errorf("endpoint is empty")
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("endpoint %q is malformed: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("endpoint %q has unsupported scheme %q", raw, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint %q has no host", raw)
	}
	return u.String(), nil
}

// Dispatch sends one job and waits for the worker to acknowledge it.
func (g *Gateway) Dispatch(ctx context.Context, job Job) error {
	timer := metrics.NewTimerFor(g.metrics, metrics.MetricDispatchDuration, metrics.Labels{
		metrics.LabelKind: string(job.Kind),
	})
	err := g.dispatch(ctx, job)
	elapsed := timer.Stop()

	outcome := outcomeSuccess
	switch {
	case err == nil:
	case errors.IsCode(err, errors.CodeConfiguration):
		outcome = outcomeUnconfigured
	case errors.IsCode(err, errors.CodeTimeout):
		outcome = outcomeTimeout
	default:
		outcome = outcomeFailure
	}
	g.metrics.Counter(metrics.MetricDispatchTotal, metrics.Labels{
		metrics.LabelKind:    string(job.Kind),
		metrics.LabelOutcome: outcome,
	})

	logger := logging.ForJob(g.logger, job.UserID, job.ID).With("kind", job.Kind)
	if err != nil {
		logger.Warn("Dispatch failed", "outcome", outcome, "duration", elapsed, "error", err)
		return errors.Wrap(errors.CodeDispatchFailure, "dispatch failed", err)
	}
	logger.Debug("Dispatched scan job", "duration", elapsed)
	return nil
}

func (g *Gateway) dispatch(ctx context.Context, job Job) error {
	raw, ok := g.cfg.Endpoints[job.Kind]
	if !ok {
		return errors.Newf(errors.CodeConfiguration, "no worker endpoint configured for %s", job.Kind)
	}
	endpoint, err := ResolveEndpoint(raw)
	if err != nil {
		return errors.Wrap(errors.CodeConfiguration, "invalid worker endpoint for "+string(job.Kind), err)
	}

	build, ok := g.builders[job.Kind]
	if !ok {
		return errors.Newf(errors.CodeConfiguration, "no payload shape for %s", job.Kind)
	}
	body, err := json.Marshal(build(job, g.cfg.CallbackURL))
	if err != nil {
		return errors.Wrap(errors.CodeValidation, "failed to encode dispatch payload", err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	if g.limiter != nil {
		// Wait fails early when the deadline would pass before a token frees up.
		if err := g.limiter.Wait(ctx); err != nil {
			if stderrors.Is(ctx.Err(), context.Canceled) {
				return errors.Wrap(errors.CodeCanceled, "dispatch canceled", err)
			}
			return errors.Wrap(errors.CodeTimeout, "rate limit wait exceeds dispatch deadline", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(errors.CodeConfiguration, "failed to build dispatch request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerScanID, job.ID)
	if g.cfg.Secret != "" {
		req.Header.Set(headerWorkerSecret, g.cfg.Secret)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return classifyContextErr(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return errors.Newf(errors.CodeDispatchFailure, "worker returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func classifyContextErr(ctx context.Context, err error) error {
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Wrap(errors.CodeTimeout, "worker did not answer in time", err)
	}
	if stderrors.Is(ctx.Err(), context.Canceled) {
		return errors.Wrap(errors.CodeCanceled, "dispatch canceled", err)
	}
	return errors.Wrap(errors.CodeDispatchFailure, "worker request failed", err)
}

// DispatchAll sends every job concurrently and waits for all of them to
// settle. A failed job never cancels its siblings. Outcomes are returned in
// the order of jobs.
func (g *Gateway) DispatchAll(ctx context.Context, jobs []Job) []Outcome {
	outcomes := make([]Outcome, len(jobs))

	var group errgroup.Group
	group.SetLimit(g.cfg.Concurrency)
	for i, job := range jobs {
		i, job := i, job
		group.Go(func() error {
			start := time.Now()
			err := g.Dispatch(ctx, job)
			outcomes[i] = Outcome{
				JobID:    job.ID,
				Kind:     job.Kind,
				Err:      err,
				Duration: time.Since(start),
			}
			return nil
		})
	}
	_ = group.Wait()

	return outcomes
}

var _ Dispatcher = (*Gateway)(nil)
