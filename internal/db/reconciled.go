package db

import (
	"context"
	"database/sql"
	stderrors "errors"

	"github.com/jmoiron/sqlx"
)

// ClaimReconciliation inserts the reconciliation marker for a job inside
// the caller's transaction. It returns false when the job has already been
// reconciled.
func ClaimReconciliation(ctx context.Context, tx sqlx.ExtContext, rec *ReconciledJob) (bool, error) {
	query := `
		INSERT INTO reconciled_jobs (job_id, user_id, kind, status, billing_units, ledger_delta)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_id) DO NOTHING`

	res, err := tx.ExecContext(ctx, query,
		rec.JobID, rec.UserID, string(rec.Kind), string(rec.Status), rec.BillingUnits, rec.LedgerDelta)
	if err != nil {
		return false, sanitizeDBError("claim reconciliation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, sanitizeDBError("claim reconciliation", err)
	}
	return n == 1, nil
}

// GetReconciliation returns the reconciliation marker for a job, if any.
func GetReconciliation(ctx context.Context, q sqlx.QueryerContext, jobID string) (*ReconciledJob, error) {
	var rec ReconciledJob
	query := `SELECT job_id, user_id, kind, status, billing_units, ledger_delta, reconciled_at
		FROM reconciled_jobs WHERE job_id = $1`

	if err := sqlx.GetContext(ctx, q, &rec, query, jobID); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, sanitizeDBError("get reconciliation", err)
	}
	return &rec, nil
}
