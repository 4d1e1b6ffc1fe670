package db

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// BillingEventRepository tracks processed payment events.
type BillingEventRepository struct {
	db Queryer
}

// NewBillingEventRepository creates a new billing event repository.
func NewBillingEventRepository(db *DB) *BillingEventRepository {
	return &BillingEventRepository{db: db}
}

// WithTx returns a repository whose statements run in tx.
func (r *BillingEventRepository) WithTx(tx *sqlx.Tx) *BillingEventRepository {
	return &BillingEventRepository{db: tx}
}

// Claim stores the event if it is new, locks its row and reports whether it
// has already been processed. Called inside the transaction that applies the
// event, a concurrent delivery of the same event blocks on the lock until
// this one commits or rolls back. A delivery that rolled back leaves the row
// unprocessed, so the next one applies it again.
func (r *BillingEventRepository) Claim(ctx context.Context, eventID, eventType string) (processed bool, err error) {
	insert := `
		INSERT INTO billing_events (event_id, type)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING`

	if _, err := r.db.ExecContext(ctx, insert, eventID, eventType); err != nil {
		return false, sanitizeDBError("record billing event", err)
	}

	var event BillingEvent
	query := `SELECT event_id, type, received_at, processed_at FROM billing_events
		WHERE event_id = $1 FOR UPDATE`
	if err := r.db.GetContext(ctx, &event, query, eventID); err != nil {
		return false, sanitizeDBError("lock billing event", err)
	}
	return event.ProcessedAt != nil, nil
}

// MarkProcessed stamps the event as handled.
func (r *BillingEventRepository) MarkProcessed(ctx context.Context, eventID string) error {
	query := `UPDATE billing_events SET processed_at = NOW() WHERE event_id = $1 AND processed_at IS NULL`

	if _, err := r.db.ExecContext(ctx, query, eventID); err != nil {
		return sanitizeDBError("mark billing event processed", err)
	}
	return nil
}
