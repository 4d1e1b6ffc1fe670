package db

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/scangate/scangate/internal/scanner"
)

const jobColumns = `id, batch_id, user_id, kind, target, status, options,
	result_locator, result_url, result_url_expires,
	xml_locator, xml_url, xml_url_expires,
	report_locator, report_url, report_url_expires,
	summary, error_message, billing_units,
	created_at, started_at, ended_at, updated_at`

// JobRepository handles scan job records.
type JobRepository struct {
	db *DB
}

// NewJobRepository creates a new job repository.
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

// CreateBatch inserts queued jobs using the caller's transaction so the rows
// commit or roll back together with the quota reservation.
func (r *JobRepository) CreateBatch(ctx context.Context, tx sqlx.ExtContext, jobs []*Job) error {
	query := `
		INSERT INTO scan_jobs (id, batch_id, user_id, kind, target, status, options, created_at, updated_at)
		VALUES (:id, :batch_id, :user_id, :kind, :target, :status, :options, :created_at, :created_at)`

	for _, job := range jobs {
		if job.Status == "" {
			job.Status = scanner.StatusQueued
		}
		if job.CreatedAt.IsZero() {
			job.CreatedAt = time.Now().UTC()
		}
		job.UpdatedAt = job.CreatedAt
		if _, err := sqlx.NamedExecContext(ctx, tx, query, job); err != nil {
			return sanitizeDBError("create scan job", err)
		}
	}
	return nil
}

// Get retrieves a job by ID.
func (r *JobRepository) Get(ctx context.Context, id string) (*Job, error) {
	var job Job
	query := `SELECT ` + jobColumns + ` FROM scan_jobs WHERE id = $1`

	if err := r.db.GetContext(ctx, &job, query, id); err != nil {
		return nil, sanitizeDBError("get scan job", err)
	}
	return &job, nil
}

// ListByUser returns the newest jobs owned by a user.
func (r *JobRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*Job, error) {
	jobs := []*Job{}
	query := `SELECT ` + jobColumns + ` FROM scan_jobs
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	if err := r.db.SelectContext(ctx, &jobs, query, userID, limit); err != nil {
		return nil, sanitizeDBError("list scan jobs", err)
	}
	return jobs, nil
}

// MarkInProgress moves queued jobs to in_progress and returns the ids it
// moved. Jobs that already moved on (for example a fast worker callback)
// are left alone and are not returned.
func (r *JobRepository) MarkInProgress(ctx context.Context, ids []string, startedAt time.Time) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `
		UPDATE scan_jobs
		SET status = 'in_progress', started_at = $2, updated_at = NOW()
		WHERE id = ANY($1) AND status = 'queued'
		RETURNING id`

	moved := []string{}
	if err := r.db.SelectContext(ctx, &moved, query, pq.Array(ids), startedAt); err != nil {
		return nil, sanitizeDBError("mark scan jobs in progress", err)
	}
	return moved, nil
}

// UpsertResult merges a worker report into the job record, creating the row
// when the report arrives before the job is known locally. Terminal statuses
// never regress, and terminal rows only accept artifact backfill.
func (r *JobRepository) UpsertResult(ctx context.Context, res *JobResult) (*Job, error) {
	query := `
		INSERT INTO scan_jobs AS j (
			id, user_id, kind, status,
			result_locator, result_url, result_url_expires,
			xml_locator, xml_url, xml_url_expires,
			report_locator, report_url, report_url_expires,
			summary, error_message, billing_units,
			started_at, ended_at, created_at, updated_at)
		VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10,
			$11, $12, $13,
			$14, $15, $16,
			$17, $18, $19, $19)
		ON CONFLICT (id) DO UPDATE SET
			user_id = COALESCE(NULLIF(j.user_id, ''), EXCLUDED.user_id),
			kind = COALESCE(NULLIF(j.kind, ''), EXCLUDED.kind),
			status = CASE WHEN j.status IN ('completed', 'failed') OR EXCLUDED.status = 'queued' THEN j.status
				ELSE EXCLUDED.status END,
			result_locator = COALESCE(EXCLUDED.result_locator, j.result_locator),
			result_url = COALESCE(EXCLUDED.result_url, j.result_url),
			result_url_expires = COALESCE(EXCLUDED.result_url_expires, j.result_url_expires),
			xml_locator = COALESCE(EXCLUDED.xml_locator, j.xml_locator),
			xml_url = COALESCE(EXCLUDED.xml_url, j.xml_url),
			xml_url_expires = COALESCE(EXCLUDED.xml_url_expires, j.xml_url_expires),
			report_locator = COALESCE(EXCLUDED.report_locator, j.report_locator),
			report_url = COALESCE(EXCLUDED.report_url, j.report_url),
			report_url_expires = COALESCE(EXCLUDED.report_url_expires, j.report_url_expires),
			summary = COALESCE(EXCLUDED.summary, j.summary),
			error_message = CASE WHEN j.status IN ('completed', 'failed') THEN j.error_message
				ELSE COALESCE(EXCLUDED.error_message, j.error_message) END,
			billing_units = CASE WHEN j.status IN ('completed', 'failed') THEN j.billing_units
				ELSE COALESCE(EXCLUDED.billing_units, j.billing_units) END,
			started_at = COALESCE(j.started_at, EXCLUDED.started_at),
			ended_at = COALESCE(j.ended_at, EXCLUDED.ended_at),
			updated_at = EXCLUDED.updated_at
		RETURNING ` + jobColumns

	reportedAt := res.ReportedAt
	if reportedAt.IsZero() {
		reportedAt = time.Now().UTC()
	}

	var startedAt, endedAt *time.Time
	switch {
	case res.Status.IsTerminal():
		endedAt = &reportedAt
	case res.Status == scanner.StatusInProgress:
		startedAt = &reportedAt
	}

	var job Job
	err := r.db.GetContext(ctx, &job, query,
		res.JobID, res.UserID, string(res.Kind), string(res.Status),
		res.Result.Locator, res.Result.URL, res.Result.Expires,
		res.XML.Locator, res.XML.URL, res.XML.Expires,
		res.Report.Locator, res.Report.URL, res.Report.Expires,
		res.Summary, res.ErrorMessage, res.BillingUnits,
		startedAt, endedAt, reportedAt,
	)
	if err != nil {
		return nil, sanitizeDBError("upsert scan job result", err)
	}
	return &job, nil
}

// ListStale returns open jobs in the given statuses created before the cutoff,
// oldest first.
func (r *JobRepository) ListStale(
	ctx context.Context, statuses []scanner.JobStatus, createdBefore time.Time, limit int,
) ([]*Job, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	jobs := []*Job{}
	query := `SELECT ` + jobColumns + ` FROM scan_jobs
		WHERE status = ANY($1) AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3`

	if err := r.db.SelectContext(ctx, &jobs, query, pq.Array(names), createdBefore, limit); err != nil {
		return nil, sanitizeDBError("list stale scan jobs", err)
	}
	return jobs, nil
}
