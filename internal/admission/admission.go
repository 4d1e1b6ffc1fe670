// Package admission turns a validated scan request into admitted jobs.
//
// A batch is all-or-nothing with respect to quota: the reservation and the
// queued job rows commit in one transaction. Everything after the commit
// (the job index, dispatch, the in_progress transition) is best-effort and
// never undoes the reservation.
//
// Admit waits for dispatch outcomes for at most the dispatch wait, cut
// short by the request deadline. Dispatch that takes longer finishes in the
// background and the batch is reported as pending.
package admission

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/scangate/scangate/internal/db"
	"github.com/scangate/scangate/internal/dispatch"
	"github.com/scangate/scangate/internal/errors"
	"github.com/scangate/scangate/internal/jobindex"
	"github.com/scangate/scangate/internal/ledger"
	"github.com/scangate/scangate/internal/logging"
	"github.com/scangate/scangate/internal/metrics"
	"github.com/scangate/scangate/internal/scanner"
	"github.com/scangate/scangate/internal/target"
)

// Admission outcomes recorded on admission_requests_total.
const (
	OutcomeAdmitted      = "admitted"
	OutcomeInvalidTarget = "invalid_target"
	OutcomeForbidden     = "forbidden"
	OutcomeQuotaExceeded = "quota_exceeded"
	OutcomeError         = "error"
)

// Request is one admission request.
type Request struct {
	UserID  string
	Kind    scanner.Kind
	Targets []string
	Options map[string]interface{}
}

// JobSummary describes one admitted job.
type JobSummary struct {
	ID     string            `json:"id"`
	Kind   scanner.Kind      `json:"type"`
	Target string            `json:"target"`
	Status scanner.JobStatus `json:"status"`
}

const (
	defaultDispatchWait = 45 * time.Second
	// responseReserve is kept free before the request deadline to write
	// the response.
	responseReserve = 2 * time.Second
)

// Result is returned for an admitted batch.
type Result struct {
	BatchID  string   `json:"batchId,omitempty"`
	JobIDs   []string `json:"scanIds"`
	Created  int      `json:"scansCreated"`
	Enqueued int      `json:"scansEnqueued"`
	// Pending counts jobs whose dispatch was still running when the
	// response was built. Their outcome lands in the job record later.
	Pending   int          `json:"scansPending,omitempty"`
	Jobs      []JobSummary `json:"scans"`
	Kind      scanner.Kind `json:"scanner"`
	Used      int          `json:"scansUsed"`
	Limit     int          `json:"scanLimit"`
	Remaining int          `json:"scansRemaining"`
}

// Option configures a Controller.
type Option func(*Controller)

// WithIndex sets the job index written after commit.
func WithIndex(index jobindex.Index) Option {
	return func(c *Controller) {
		c.index = index
	}
}

// WithDispatchWait bounds how long Admit waits for dispatch outcomes.
func WithDispatchWait(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.dispatchWait = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics registry.
func WithMetrics(registry metrics.MetricsRegistry) Option {
	return func(c *Controller) {
		c.metrics = registry
	}
}

// Controller admits batches of scan jobs.
type Controller struct {
	ledger       *ledger.Ledger
	jobs         *db.JobRepository
	accounts     *db.AccountRepository
	dispatcher   dispatch.Dispatcher
	index        jobindex.Index
	logger       *slog.Logger
	metrics      metrics.MetricsRegistry
	newID        func() string
	now          func() time.Time
	dispatchWait time.Duration
	background   sync.WaitGroup
}

// New creates a controller.
func New(database *db.DB, l *ledger.Ledger, dispatcher dispatch.Dispatcher, opts ...Option) *Controller {
	c := &Controller{
		ledger:       l,
		jobs:         db.NewJobRepository(database),
		accounts:     db.NewAccountRepository(database),
		dispatcher:   dispatcher,
		index:        jobindex.Noop{},
		logger:       logging.Discard(),
		metrics:      metrics.NewNoop(),
		newID:        uuid.NewString,
		now:          func() time.Time { return time.Now().UTC() },
		dispatchWait: defaultDispatchWait,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "admission")
	return c
}

// Admit validates, reserves, persists and dispatches a batch.
func (c *Controller) Admit(ctx context.Context, req Request) (*Result, error) {
	result, err := c.admit(ctx, req)
	c.metrics.Counter(metrics.MetricAdmissionRequests, metrics.Labels{
		metrics.LabelKind:    string(req.Kind),
		metrics.LabelOutcome: outcomeOf(err),
	})
	return result, err
}

func outcomeOf(err error) string {
	switch errors.GetCode(err) {
	case "":
		return OutcomeAdmitted
	case errors.CodeInvalidTarget, errors.CodeValidation:
		return OutcomeInvalidTarget
	case errors.CodeForbidden:
		return OutcomeForbidden
	case errors.CodeQuotaExceeded:
		return OutcomeQuotaExceeded
	default:
		return OutcomeError
	}
}

func (c *Controller) admit(ctx context.Context, req Request) (*Result, error) {
	if !req.Kind.Valid() {
		return nil, errors.Newf(errors.CodeValidation, "unknown scanner type %q", req.Kind)
	}

	targets, err := target.NormalizeAll(req.Kind, req.Targets)
	if err != nil {
		return nil, err
	}

	account, err := c.accounts.Get(ctx, req.UserID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.ErrNotFound("user", req.UserID)
		}
		return nil, err
	}
	if !account.PermitsAdmission() {
		return nil, errors.ErrForbidden("Active subscription or purchased credits required to run scans").
			WithContext("currentPlan", string(account.PlanTier)).
			WithContext("subscriptionStatus", string(account.SubscriptionStatus))
	}

	if err := c.ledger.InitializeIfMissing(ctx, req.UserID, scanner.PlanLimits(account.PlanTier)); err != nil {
		return nil, err
	}

	jobs, err := c.newJobs(req, targets)
	if err != nil {
		return nil, err
	}

	var row *db.QuotaRow
	err = c.ledger.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		if row, err = c.ledger.ReserveTx(ctx, tx, req.UserID, req.Kind, len(jobs)); err != nil {
			return err
		}
		return c.jobs.CreateBatch(ctx, tx, jobs)
	})
	if err != nil {
		if qe, ok := errors.AsQuotaExceeded(err); ok {
			qe.Plan = string(account.PlanTier)
		}
		return nil, err
	}

	c.metrics.Add(metrics.MetricJobsCreated, float64(len(jobs)), metrics.Labels{
		metrics.LabelKind: string(req.Kind),
	})
	c.logger.Info("Admitted scan batch",
		"user_id", req.UserID, "kind", req.Kind, "count", len(jobs), "used", row.Used, "limit", row.Limit)

	// The rest runs after commit and must not be cut short by the caller
	// going away.
	detached := context.WithoutCancel(ctx)
	c.indexJobs(detached, jobs)

	report := c.awaitDispatch(ctx, detached, jobs)
	return c.buildResult(req.Kind, jobs, report, row), nil
}

// awaitDispatch runs dispatch in its own goroutine and waits for it until
// the dispatch wait or the request deadline runs out. When it gives up the
// goroutine keeps going and the report is nil.
func (c *Controller) awaitDispatch(ctx, detached context.Context, jobs []*db.Job) *dispatchReport {
	done := make(chan *dispatchReport, 1)
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		done <- c.dispatchJobs(detached, jobs)
	}()

	timer := time.NewTimer(c.joinWait(ctx))
	defer timer.Stop()

	select {
	case report := <-done:
		return report
	case <-timer.C:
	case <-ctx.Done():
	}
	c.logger.Warn("Dispatch still running, finishing in background",
		"user_id", jobs[0].UserID, "count", len(jobs))
	return nil
}

func (c *Controller) joinWait(ctx context.Context) time.Duration {
	wait := c.dispatchWait
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline) - responseReserve; left < wait {
			wait = left
		}
	}
	return max(wait, 0)
}

// Wait blocks until dispatches that outlived their request have finished or
// ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) newJobs(req Request, targets []string) ([]*db.Job, error) {
	var options db.JSONB
	if len(req.Options) > 0 {
		raw, err := json.Marshal(req.Options)
		if err != nil {
			return nil, errors.Wrap(errors.CodeValidation, "options must be a JSON object", err)
		}
		options = raw
	}

	var batchID *string
	if len(targets) > 1 {
		id := c.newID()
		batchID = &id
	}

	created := c.now()
	jobs := make([]*db.Job, len(targets))
	for i, t := range targets {
		jobs[i] = &db.Job{
			ID:        c.newID(),
			BatchID:   batchID,
			UserID:    req.UserID,
			Kind:      req.Kind,
			Target:    t,
			Status:    scanner.StatusQueued,
			Options:   options,
			CreatedAt: created,
		}
	}
	return jobs, nil
}

func (c *Controller) indexJobs(ctx context.Context, jobs []*db.Job) {
	entries := make([]jobindex.Entry, len(jobs))
	for i, job := range jobs {
		entries[i] = jobindex.FromJob(job)
	}
	if err := c.index.Put(ctx, entries...); err != nil {
		c.logger.Warn("Failed to write job index", "count", len(jobs), "error", err)
	}
}

// dispatchReport is what dispatch changed for a batch.
type dispatchReport struct {
	accepted int
	statuses map[string]scanner.JobStatus
}

// dispatchJobs sends every job and moves the accepted ones that are still
// queued to in_progress. A job a worker already reported on keeps the status
// it reported. The jobs themselves are not modified.
func (c *Controller) dispatchJobs(ctx context.Context, jobs []*db.Job) *dispatchReport {
	report := &dispatchReport{statuses: make(map[string]scanner.JobStatus, len(jobs))}
	requests := make([]dispatch.Job, len(jobs))
	for i, job := range jobs {
		requests[i] = dispatchJob(job)
		report.statuses[job.ID] = job.Status
	}

	outcomes := c.dispatcher.DispatchAll(ctx, requests)

	var accepted []string
	for _, o := range outcomes {
		if o.OK() {
			accepted = append(accepted, o.JobID)
			continue
		}
		c.logger.Warn("Scan job left queued", "scan_id", o.JobID, "error", o.Err)
	}
	report.accepted = len(accepted)
	if len(accepted) == 0 {
		return report
	}

	moved, err := c.jobs.MarkInProgress(ctx, accepted, c.now())
	if err != nil {
		c.logger.Error("Failed to mark dispatched jobs in progress", "count", len(accepted), "error", err)
		return report
	}

	isMoved := make(map[string]bool, len(moved))
	for _, id := range moved {
		isMoved[id] = true
		report.statuses[id] = scanner.StatusInProgress
		if err := c.index.UpdateStatus(ctx, id, scanner.StatusInProgress); err != nil {
			c.logger.Warn("Failed to update job index", "scan_id", id, "error", err)
		}
	}

	// The rest were reported on before dispatch settled; reconcile already
	// wrote their status to the record and the index.
	for _, id := range accepted {
		if isMoved[id] {
			continue
		}
		job, err := c.jobs.Get(ctx, id)
		if err != nil {
			c.logger.Warn("Failed to read job status", "scan_id", id, "error", err)
			continue
		}
		report.statuses[id] = job.Status
	}
	return report
}

func dispatchJob(job *db.Job) dispatch.Job {
	return dispatch.Job{
		ID:      job.ID,
		UserID:  job.UserID,
		Kind:    job.Kind,
		Target:  job.Target,
		Options: job.Options.Options(),
	}
}

// buildResult describes the batch. A nil report means dispatch was still
// running, so every job is counted as pending.
func (c *Controller) buildResult(kind scanner.Kind, jobs []*db.Job, report *dispatchReport, row *db.QuotaRow) *Result {
	result := &Result{
		JobIDs:    make([]string, len(jobs)),
		Created:   len(jobs),
		Jobs:      make([]JobSummary, len(jobs)),
		Kind:      kind,
		Used:      row.Used,
		Limit:     row.Limit,
		Remaining: row.Remaining(),
	}
	if report != nil {
		result.Enqueued = report.accepted
	} else {
		result.Pending = len(jobs)
	}
	if len(jobs) > 0 && jobs[0].BatchID != nil {
		result.BatchID = *jobs[0].BatchID
	}
	for i, job := range jobs {
		status := job.Status
		if report != nil {
			if s, ok := report.statuses[job.ID]; ok {
				status = s
			}
		}
		result.JobIDs[i] = job.ID
		result.Jobs[i] = JobSummary{ID: job.ID, Kind: job.Kind, Target: job.Target, Status: status}
	}
	return result
}

// Requeue dispatches a job that is still queued, typically after its first
// dispatch failed. No quota is reserved again.
func (c *Controller) Requeue(ctx context.Context, jobID string) (*JobSummary, error) {
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.ErrNotFound("scan", jobID)
		}
		return nil, err
	}
	if job.Status != scanner.StatusQueued {
		return nil, errors.Newf(errors.CodeConflict, "scan %s is %s, only queued scans can be requeued", jobID, job.Status)
	}

	logger := logging.ForJob(c.logger, job.UserID, jobID)
	if err := c.dispatcher.Dispatch(ctx, dispatchJob(job)); err != nil {
		logger.Warn("Requeue dispatch failed", "error", err)
		return nil, err
	}

	moved, err := c.jobs.MarkInProgress(ctx, []string{jobID}, c.now())
	if err != nil {
		return nil, err
	}
	if len(moved) > 0 {
		job.Status = scanner.StatusInProgress
		if err := c.index.UpdateStatus(ctx, jobID, job.Status); err != nil {
			logger.Warn("Failed to update job index", "error", err)
		}
	}

	logger.Info("Requeued scan job")
	return &JobSummary{ID: job.ID, Kind: job.Kind, Target: job.Target, Status: job.Status}, nil
}
