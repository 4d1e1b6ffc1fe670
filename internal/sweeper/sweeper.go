// Package sweeper finds scan jobs that never reached a terminal state and
// offers the operator actions to resolve them.
//
// The periodic sweep only reports. Jobs are requeued or canceled through
// the admin API, never automatically.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/scangate/scangate/internal/admission"
	"github.com/scangate/scangate/internal/db"
	"github.com/scangate/scangate/internal/errors"
	"github.com/scangate/scangate/internal/logging"
	"github.com/scangate/scangate/internal/metrics"
	"github.com/scangate/scangate/internal/reconcile"
	"github.com/scangate/scangate/internal/scanner"
)

const (
	defaultSchedule   = "*/10 * * * *"
	defaultStaleAfter = time.Hour
	defaultLimit      = 500

	canceledStatus = "canceled"
	cancelReason   = "Canceled by operator"
)

var openStatuses = []scanner.JobStatus{scanner.StatusQueued, scanner.StatusInProgress}

// Requeuer dispatches a queued job again.
type Requeuer interface {
	Requeue(ctx context.Context, jobID string) (*admission.JobSummary, error)
}

// Reconciler applies a synthetic report for a job.
type Reconciler interface {
	Apply(ctx context.Context, report *reconcile.Report) (*reconcile.Result, error)
}

// Config controls the sweep.
type Config struct {
	Schedule   string
	StaleAfter time.Duration
	Limit      int
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics registry.
func WithMetrics(registry metrics.MetricsRegistry) Option {
	return func(s *Sweeper) {
		s.metrics = registry
	}
}

// Sweeper reports stale jobs on a cron schedule.
type Sweeper struct {
	jobs       *db.JobRepository
	requeuer   Requeuer
	reconciler Reconciler
	cfg        Config
	cron       *cron.Cron
	logger     *slog.Logger
	metrics    metrics.MetricsRegistry
	now        func() time.Time

	mu      sync.RWMutex
	running bool
	lastRun time.Time
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a sweeper.
func New(database *db.DB, requeuer Requeuer, reconciler Reconciler, cfg Config, opts ...Option) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = defaultSchedule
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.Limit <= 0 {
		cfg.Limit = defaultLimit
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sweeper{
		jobs:       db.NewJobRepository(database),
		requeuer:   requeuer,
		reconciler: reconciler,
		cfg:        cfg,
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:     logging.Discard(),
		metrics:    metrics.NewNoop(),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "sweeper")
	return s
}

// Start schedules the periodic sweep.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("sweeper is already running")
	}

	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.Sweep(s.ctx); err != nil {
			s.logger.Error("Stale job sweep failed", "error", err)
		}
	}); err != nil {
		return errors.Wrap(errors.CodeConfiguration, "invalid sweeper schedule", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("Sweeper started", "schedule", s.cfg.Schedule, "stale_after", s.cfg.StaleAfter)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("Sweeper stopped")
}

// LastRun returns when the last sweep finished.
func (s *Sweeper) LastRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun
}

// Sweep runs one pass, publishing the stale count per status and logging
// each stale job.
func (s *Sweeper) Sweep(ctx context.Context) ([]*db.Job, error) {
	jobs, err := s.Stale(ctx, s.cfg.StaleAfter, s.cfg.Limit)
	if err != nil {
		return nil, err
	}

	counts := make(map[scanner.JobStatus]int, len(openStatuses))
	for _, job := range jobs {
		counts[job.Status]++
		s.logger.Warn("Stale scan job",
			"scan_id", job.ID,
			"user_id", job.UserID,
			"kind", job.Kind,
			"status", job.Status,
			"age", s.now().Sub(job.CreatedAt).Round(time.Second))
	}
	for _, status := range openStatuses {
		s.metrics.Gauge(metrics.MetricStaleJobs, float64(counts[status]), metrics.Labels{
			metrics.LabelStatus: string(status),
		})
	}

	s.mu.Lock()
	s.lastRun = s.now()
	s.mu.Unlock()

	if len(jobs) > 0 {
		s.logger.Info("Stale job sweep finished", "stale", len(jobs))
	}
	return jobs, nil
}

// Stale lists open jobs created more than olderThan ago.
func (s *Sweeper) Stale(ctx context.Context, olderThan time.Duration, limit int) ([]*db.Job, error) {
	if olderThan <= 0 {
		olderThan = s.cfg.StaleAfter
	}
	if limit <= 0 {
		limit = s.cfg.Limit
	}
	return s.jobs.ListStale(ctx, openStatuses, s.now().Add(-olderThan), limit)
}

// Requeue dispatches a stuck queued job again.
func (s *Sweeper) Requeue(ctx context.Context, jobID string) (*admission.JobSummary, error) {
	summary, err := s.requeuer.Requeue(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Requeued scan job", "scan_id", jobID, "status", summary.Status)
	return summary, nil
}

// Cancel fails an open job through the reconcile path, so the reserved
// unit is refunded at most once even if the worker reports later.
func (s *Sweeper) Cancel(ctx context.Context, jobID, reason string) (*reconcile.Result, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.ErrNotFound("scan", jobID)
		}
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, errors.Newf(errors.CodeConflict, "scan %s is already %s", jobID, job.Status)
	}

	if reason == "" {
		reason = cancelReason
	}
	result, err := s.reconciler.Apply(ctx, &reconcile.Report{
		ScanID:       job.ID,
		UserID:       job.UserID,
		Kind:         job.Kind,
		RawStatus:    canceledStatus,
		Status:       scanner.StatusFailed,
		ErrorMessage: reason,
	})
	if err != nil {
		return result, err
	}
	s.logger.Info("Canceled scan job", "scan_id", jobID, "ledger_applied", result.LedgerApplied)
	return result, nil
}
