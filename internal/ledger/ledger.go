// Package ledger is the quota ledger: purchased limits and consumed units per
// user and scanner kind, kept in Postgres.
//
// Every read that feeds a decision happens inside the same transaction as
// the write it guards. Reservations lock the user/kind row with
// SELECT ... FOR UPDATE, so concurrent reservations for one user serialize
// while different users never contend.
package ledger

import (
	"context"
	"database/sql"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sethvargo/go-retry"

	"github.com/scangate/scangate/internal/db"
	"github.com/scangate/scangate/internal/errors"
	"github.com/scangate/scangate/internal/logging"
	"github.com/scangate/scangate/internal/metrics"
	"github.com/scangate/scangate/internal/scanner"
)

const (
	defaultMaxRetries = 3
	defaultRetryBase  = 25 * time.Millisecond
)

// Snapshot is the ledger state of one user across every scanner kind.
type Snapshot struct {
	UserID   string                        `json:"userId"`
	Balances map[scanner.Kind]db.QuotaRow `json:"balances"`
}

// Get returns the balance for kind, zero valued when the row is missing.
func (s Snapshot) Get(kind scanner.Kind) db.QuotaRow {
	if row, ok := s.Balances[kind]; ok {
		return row
	}
	return db.QuotaRow{UserID: s.UserID, Kind: kind}
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithRetry sets how many times a transaction is retried after a
// serialization failure or deadlock, and the initial backoff.
func WithRetry(maxRetries uint64, base time.Duration) Option {
	return func(l *Ledger) {
		l.maxRetries = maxRetries
		l.retryBase = base
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithMetrics sets the metrics registry.
func WithMetrics(registry metrics.MetricsRegistry) Option {
	return func(l *Ledger) {
		l.metrics = registry
	}
}

// Ledger performs atomic quota operations.
type Ledger struct {
	db         *db.DB
	logger     *slog.Logger
	metrics    metrics.MetricsRegistry
	maxRetries uint64
	retryBase  time.Duration
}

// New creates a ledger backed by database.
func New(database *db.DB, opts ...Option) *Ledger {
	l := &Ledger{
		db:         database,
		logger:     logging.Discard(),
		metrics:    metrics.NewNoop(),
		maxRetries: defaultMaxRetries,
		retryBase:  defaultRetryBase,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "ledger")
	return l
}

// WithTx runs fn in a transaction, retrying the whole transaction when
// Postgres aborts it with a serialization failure or deadlock. Any other
// error is returned immediately.
func (l *Ledger) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	backoff := retry.WithMaxRetries(l.maxRetries, retry.NewExponential(l.retryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := l.db.InTx(ctx, nil, fn)
		if errors.IsCode(err, errors.CodeSerialization) {
			l.logger.Debug("Retrying ledger transaction", "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

// Reserve atomically consumes n units of kind for userID. It fails with a
// *errors.QuotaExceededError, and changes nothing, when fewer than n units
// remain.
func (l *Ledger) Reserve(ctx context.Context, userID string, kind scanner.Kind, n int) (*db.QuotaRow, error) {
	var row *db.QuotaRow
	err := l.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		row, err = l.ReserveTx(ctx, tx, userID, kind, n)
		return err
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// ReserveTx is Reserve inside a caller-owned transaction.
func (l *Ledger) ReserveTx(
	ctx context.Context, tx *sqlx.Tx, userID string, kind scanner.Kind, n int,
) (*db.QuotaRow, error) {
	if n <= 0 {
		return nil, errors.Newf(errors.CodeValidation, "reservation count must be positive, got %d", n)
	}

	var row db.QuotaRow
	lock := `
		SELECT user_id, kind, scan_limit, used, updated_at
		FROM quota_ledger
		WHERE user_id = $1 AND kind = $2
		FOR UPDATE`
	err := tx.GetContext(ctx, &row, lock, userID, string(kind))
	switch {
	case stderrors.Is(err, sql.ErrNoRows):
		row = db.QuotaRow{UserID: userID, Kind: kind}
	case err != nil:
		return nil, db.SanitizeError("lock quota row", err)
	}

	if row.Limit-row.Used < n {
		l.logger.Info("Quota exceeded",
			"user_id", userID, "kind", kind, "used", row.Used, "limit", row.Limit, "requested", n)
		return nil, errors.NewQuotaExceeded(string(kind), row.Used, row.Limit, n)
	}

	update := `
		UPDATE quota_ledger
		SET used = used + $3, updated_at = NOW()
		WHERE user_id = $1 AND kind = $2
		RETURNING user_id, kind, scan_limit, used, updated_at`
	var updated db.QuotaRow
	if err := tx.GetContext(ctx, &updated, update, userID, string(kind), n); err != nil {
		return nil, db.SanitizeError("reserve quota", err)
	}

	l.metrics.Add(metrics.MetricLedgerAdjustUnits, float64(n), metrics.Labels{
		metrics.LabelKind: string(kind), metrics.LabelDirection: "reserve",
	})
	return &updated, nil
}

// Adjust atomically adds delta to the consumed counter. A negative delta
// never takes the counter below zero.
func (l *Ledger) Adjust(ctx context.Context, userID string, kind scanner.Kind, delta int) (*db.QuotaRow, error) {
	var row *db.QuotaRow
	err := l.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		row, err = l.AdjustTx(ctx, tx, userID, kind, delta)
		return err
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// AdjustTx is Adjust inside a caller-owned transaction.
func (l *Ledger) AdjustTx(
	ctx context.Context, tx sqlx.QueryerContext, userID string, kind scanner.Kind, delta int,
) (*db.QuotaRow, error) {
	query := `
		UPDATE quota_ledger
		SET used = GREATEST(used + $3, 0), updated_at = NOW()
		WHERE user_id = $1 AND kind = $2
		RETURNING user_id, kind, scan_limit, used, updated_at`

	var row db.QuotaRow
	if err := sqlx.GetContext(ctx, tx, &row, query, userID, string(kind), delta); err != nil {
		return nil, db.SanitizeError("adjust quota", err)
	}

	direction, units := "charge", delta
	if delta < 0 {
		direction, units = "refund", -delta
	}
	l.metrics.Add(metrics.MetricLedgerAdjustUnits, float64(units), metrics.Labels{
		metrics.LabelKind: string(kind), metrics.LabelDirection: direction,
	})
	l.logger.Debug("Adjusted quota", "user_id", userID, "kind", kind, "delta", delta, "used", row.Used)
	return &row, nil
}

// InitializeIfMissing seeds a ledger row per kind from defaults. Existing
// rows, including their consumed counters, are never touched, so the call
// is safe to repeat and to race.
func (l *Ledger) InitializeIfMissing(ctx context.Context, userID string, defaults scanner.Units) error {
	query := `
		INSERT INTO quota_ledger (user_id, kind, scan_limit, used)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (user_id, kind) DO NOTHING`

	return l.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, kind := range scanner.Kinds() {
			if _, err := tx.ExecContext(ctx, query, userID, string(kind), defaults.Get(kind)); err != nil {
				return db.SanitizeError("initialize quota", err)
			}
		}
		return nil
	})
}

// Snapshot reads the current balances of a user.
func (l *Ledger) Snapshot(ctx context.Context, userID string) (*Snapshot, error) {
	var rows []db.QuotaRow
	query := `
		SELECT user_id, kind, scan_limit, used, updated_at
		FROM quota_ledger
		WHERE user_id = $1`
	if err := l.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, db.SanitizeError("read quota snapshot", err)
	}

	snap := &Snapshot{UserID: userID, Balances: make(map[scanner.Kind]db.QuotaRow, len(rows))}
	for _, row := range rows {
		snap.Balances[row.Kind] = row
	}
	return snap, nil
}

const (
	addLimitsQuery = `
		INSERT INTO quota_ledger (user_id, kind, scan_limit, used)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (user_id, kind) DO UPDATE SET
			scan_limit = quota_ledger.scan_limit + EXCLUDED.scan_limit,
			updated_at = NOW()`

	setLimitsQuery = `
		INSERT INTO quota_ledger (user_id, kind, scan_limit, used)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (user_id, kind) DO UPDATE SET
			scan_limit = EXCLUDED.scan_limit,
			updated_at = NOW()`
)

// AddLimits raises purchased limits by the given credits, creating rows as
// needed. Consumed counters are untouched. The addition is not idempotent:
// callers applying a payment event use AddLimitsTx in the transaction that
// claims the event.
func (l *Ledger) AddLimits(ctx context.Context, userID string, credits scanner.Units) error {
	return l.WithTx(ctx, func(tx *sqlx.Tx) error {
		return l.AddLimitsTx(ctx, tx, userID, credits)
	})
}

// AddLimitsTx is AddLimits inside a caller-owned transaction.
func (l *Ledger) AddLimitsTx(ctx context.Context, tx sqlx.ExecerContext, userID string, credits scanner.Units) error {
	return writeLimits(ctx, tx, userID, credits, addLimitsQuery, "add quota limits")
}

// SetLimits replaces purchased limits, typically on a plan change.
// Consumed counters are untouched.
func (l *Ledger) SetLimits(ctx context.Context, userID string, limits scanner.Units) error {
	return l.WithTx(ctx, func(tx *sqlx.Tx) error {
		return l.SetLimitsTx(ctx, tx, userID, limits)
	})
}

// SetLimitsTx is SetLimits inside a caller-owned transaction.
func (l *Ledger) SetLimitsTx(ctx context.Context, tx sqlx.ExecerContext, userID string, limits scanner.Units) error {
	return writeLimits(ctx, tx, userID, limits, setLimitsQuery, "set quota limits")
}

func writeLimits(ctx context.Context, tx sqlx.ExecerContext, userID string, units scanner.Units, query, operation string) error {
	for _, kind := range scanner.Kinds() {
		v, ok := units[kind]
		if !ok {
			continue
		}
		if v < 0 {
			return errors.Newf(errors.CodeValidation, "%s limit must not be negative", kind)
		}
		if _, err := tx.ExecContext(ctx, query, userID, string(kind), v); err != nil {
			return db.SanitizeError(operation, err)
		}
	}
	return nil
}

// ReconcileJob applies the ledger correction for a finished job exactly
// once. The claim on the job and the adjustment commit together; when the
// job was already reconciled nothing changes and applied is false.
func (l *Ledger) ReconcileJob(ctx context.Context, rec *db.ReconciledJob) (applied bool, row *db.QuotaRow, err error) {
	err = l.WithTx(ctx, func(tx *sqlx.Tx) error {
		applied, row = false, nil
		claimed, err := db.ClaimReconciliation(ctx, tx, rec)
		if err != nil {
			return err
		}
		if !claimed {
			return nil
		}
		applied = true
		if rec.LedgerDelta == 0 {
			return nil
		}
		row, err = l.AdjustTx(ctx, tx, rec.UserID, rec.Kind, rec.LedgerDelta)
		return err
	})
	if err != nil {
		return false, nil, err
	}
	return applied, row, nil
}
