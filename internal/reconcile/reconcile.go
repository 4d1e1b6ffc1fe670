// Package reconcile ingests worker outcome reports.
//
// A report is applied in two independent halves. The job record is merged
// with an upsert, so reports that arrive before the job is known locally,
// or arrive twice, are safe. The ledger correction runs in its own
// transaction guarded by a per-job claim, so it applies at most once. A
// failure in one half never prevents the other.
package reconcile

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/scangate/scangate/internal/auth"
	"github.com/scangate/scangate/internal/blob"
	"github.com/scangate/scangate/internal/db"
	"github.com/scangate/scangate/internal/errors"
	"github.com/scangate/scangate/internal/jobindex"
	"github.com/scangate/scangate/internal/ledger"
	"github.com/scangate/scangate/internal/logging"
	"github.com/scangate/scangate/internal/metrics"
	"github.com/scangate/scangate/internal/scanner"
)

const defaultSignedURLTTL = 7 * 24 * time.Hour

// Outcomes recorded on reconcile_total.
const (
	OutcomeApplied      = "applied"
	OutcomeDuplicate    = "duplicate"
	OutcomeNoLedger     = "no_ledger"
	OutcomeLedgerFailed = "ledger_failed"
	OutcomePersistFail  = "persist_failed"
)

// Result describes what a report changed.
type Result struct {
	ScanID        string            `json:"scanId"`
	Status        scanner.JobStatus `json:"status"`
	LedgerApplied bool              `json:"ledgerApplied"`
	LedgerDelta   int               `json:"ledgerDelta"`
	LedgerError   string            `json:"ledgerError,omitempty"`
	Job           *db.Job           `json:"-"`
}

// Option configures a Handler.
type Option func(*Handler)

// WithSigner sets the signer used for artifacts reported without a URL.
func WithSigner(signer blob.Signer, ttl time.Duration) Option {
	return func(h *Handler) {
		h.signer = signer
		if ttl > 0 {
			h.signedURLTTL = ttl
		}
	}
}

// WithSecret sets the shared worker secret.
func WithSecret(secret auth.WorkerSecret) Option {
	return func(h *Handler) {
		h.secret = secret
	}
}

// WithIndex sets the job index refreshed after each report.
func WithIndex(index jobindex.Index) Option {
	return func(h *Handler) {
		h.index = index
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithMetrics sets the metrics registry.
func WithMetrics(registry metrics.MetricsRegistry) Option {
	return func(h *Handler) {
		h.metrics = registry
	}
}

// Handler applies worker reports.
type Handler struct {
	jobs         *db.JobRepository
	ledger       *ledger.Ledger
	signer       blob.Signer
	signedURLTTL time.Duration
	secret       auth.WorkerSecret
	index        jobindex.Index
	logger       *slog.Logger
	metrics      metrics.MetricsRegistry
}

// New creates a handler.
func New(database *db.DB, l *ledger.Ledger, opts ...Option) *Handler {
	h := &Handler{
		jobs:         db.NewJobRepository(database),
		ledger:       l,
		signer:       blob.Disabled{},
		signedURLTTL: defaultSignedURLTTL,
		index:        jobindex.Noop{},
		logger:       logging.Discard(),
		metrics:      metrics.NewNoop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "reconcile")
	return h
}

// Handle authenticates and applies a callback.
func (h *Handler) Handle(ctx context.Context, headers http.Header, body []byte) (*Result, error) {
	if !h.secret.Check(headers) {
		h.logger.Warn("Rejected worker callback with bad secret")
		return nil, errors.New(errors.CodeReconcileAuth, "Invalid signature")
	}

	report, err := ParseReport(body)
	if err != nil {
		return nil, err
	}
	return h.Apply(ctx, report)
}

// Apply merges a report into the job record and reconciles the ledger.
func (h *Handler) Apply(ctx context.Context, report *Report) (*Result, error) {
	logger := h.logger.With("scan_id", report.ScanID, "status", report.Status)
	logger.Info("Worker report received", "reported_status", report.RawStatus)

	h.signMissing(ctx, logger, &report.Result)
	h.signMissing(ctx, logger, &report.XML)
	h.signMissing(ctx, logger, &report.Report)

	result := &Result{ScanID: report.ScanID, Status: report.Status}

	job, persistErr := h.jobs.UpsertResult(ctx, h.jobResult(report))
	if persistErr != nil {
		logger.Error("Failed to persist worker report", "error", persistErr)
	} else {
		result.Job = job
		result.Status = job.Status
	}

	outcome := h.reconcileLedger(ctx, logger, report, job, result)
	if persistErr != nil {
		outcome = OutcomePersistFail
	}
	h.metrics.Counter(metrics.MetricReconcileTotal, metrics.Labels{
		metrics.LabelKind:    string(ledgerKind(report, job)),
		metrics.LabelStatus:  string(result.Status),
		metrics.LabelOutcome: outcome,
	})

	if persistErr != nil {
		return result, errors.Wrap(errors.CodePersistence, "Failed to update scan metadata", persistErr)
	}

	if err := h.index.UpdateStatus(ctx, job.ID, job.Status); err != nil {
		logger.Warn("Failed to update job index", "error", err)
	}
	return result, nil
}

func (h *Handler) jobResult(report *Report) *db.JobResult {
	res := &db.JobResult{
		JobID:   report.ScanID,
		UserID:  report.UserID,
		Kind:    report.Kind,
		Status:  report.Status,
		Result:  report.Result.toDB(),
		XML:     report.XML.toDB(),
		Report:  report.Report.toDB(),
		Summary: report.Summary,
	}
	if report.ErrorMessage != "" {
		res.ErrorMessage = &report.ErrorMessage
	}
	res.BillingUnits = report.ReportedUnits
	return res
}

func (h *Handler) signMissing(ctx context.Context, logger *slog.Logger, a *Artifact) {
	if a.Locator == "" || a.URL != "" {
		return
	}
	url, expires, err := h.signer.SignedURL(ctx, a.Locator, h.signedURLTTL)
	if err != nil {
		logger.Warn("Failed to sign artifact url", "locator", a.Locator, "error", err)
		return
	}
	a.URL = url
	a.Expires = &expires
}

// ledgerKind prefers the stored job's kind over the reported one.
func ledgerKind(report *Report, job *db.Job) scanner.Kind {
	if job != nil && job.Kind.Valid() {
		return job.Kind
	}
	return report.Kind
}

func (h *Handler) reconcileLedger(
	ctx context.Context, logger *slog.Logger, report *Report, job *db.Job, result *Result,
) string {
	status := report.Status
	userID := report.UserID
	if job != nil {
		status = job.Status
		if job.UserID != "" {
			userID = job.UserID
		}
	}
	kind := ledgerKind(report, job)

	if !status.IsTerminal() {
		return OutcomeNoLedger
	}
	if !kind.Valid() || userID == "" {
		logger.Warn("Cannot reconcile ledger without scanner kind and owner", "kind", kind, "user_id", userID)
		return OutcomeNoLedger
	}

	units := report.BillingUnits()
	delta := LedgerDelta(status, units)
	applied, _, err := h.ledger.ReconcileJob(ctx, &db.ReconciledJob{
		JobID:        report.ScanID,
		UserID:       userID,
		Kind:         kind,
		Status:       status,
		BillingUnits: units,
		LedgerDelta:  delta,
	})
	if err != nil {
		logger.Error("Failed to reconcile billing units", "kind", kind, "delta", delta, "error", err)
		result.LedgerError = err.Error()
		return OutcomeLedgerFailed
	}
	if !applied {
		logger.Info("Ledger already reconciled for scan")
		return OutcomeDuplicate
	}

	result.LedgerApplied = true
	result.LedgerDelta = delta
	logger.Info("Reconciled billing units", "kind", kind, "units", units, "delta", delta)
	return OutcomeApplied
}
