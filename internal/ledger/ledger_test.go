package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scangate/scangate/internal/db"
	"github.com/scangate/scangate/internal/errors"
	"github.com/scangate/scangate/internal/metrics"
	"github.com/scangate/scangate/internal/scanner"
)

var quotaColumns = []string{"user_id", "kind", "scan_limit", "used", "updated_at"}

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	opts = append([]Option{WithRetry(2, time.Millisecond)}, opts...)
	return New(db.NewFromSQLX(sqlx.NewDb(sqlDB, "postgres")), opts...), mock
}

func quotaRow(userID string, kind scanner.Kind, limit, used int) *sqlmock.Rows {
	return sqlmock.NewRows(quotaColumns).AddRow(userID, string(kind), limit, used, time.Now())
}

func TestReserve(t *testing.T) {
	t.Run("consumes units when enough remain", func(t *testing.T) {
		registry := metrics.NewRegistry()
		l, mock := newTestLedger(t, WithMetrics(registry))

		mock.ExpectBegin()
		mock.ExpectQuery("FROM quota_ledger WHERE user_id = .+ FOR UPDATE").
			WithArgs("u1", "nmap").
			WillReturnRows(quotaRow("u1", scanner.KindNmap, 5, 1))
		mock.ExpectQuery("UPDATE quota_ledger SET used = used").
			WithArgs("u1", "nmap", 3).
			WillReturnRows(quotaRow("u1", scanner.KindNmap, 5, 4))
		mock.ExpectCommit()

		row, err := l.Reserve(context.Background(), "u1", scanner.KindNmap, 3)
		require.NoError(t, err)
		assert.Equal(t, 4, row.Used)
		assert.Equal(t, 1, row.Remaining())
		assert.NoError(t, mock.ExpectationsWereMet())

		snapshot := registry.GetMetrics()
		require.Len(t, snapshot, 1)
		for _, m := range snapshot {
			assert.Equal(t, float64(3), m.Value)
		}
	})

	t.Run("rejects without writing when quota is short", func(t *testing.T) {
		l, mock := newTestLedger(t)

		mock.ExpectBegin()
		mock.ExpectQuery("FROM quota_ledger WHERE user_id = .+ FOR UPDATE").
			WithArgs("u1", "nmap").
			WillReturnRows(quotaRow("u1", scanner.KindNmap, 5, 3))
		mock.ExpectRollback()

		row, err := l.Reserve(context.Background(), "u1", scanner.KindNmap, 3)
		require.Error(t, err)
		assert.Nil(t, row)

		qe, ok := errors.AsQuotaExceeded(err)
		require.True(t, ok, "expected quota exceeded, got %v", err)
		assert.Equal(t, "nmap", qe.Kind)
		assert.Equal(t, 2, qe.Remaining)
		assert.Equal(t, 3, qe.Requested)
		assert.True(t, errors.IsCode(err, errors.CodeQuotaExceeded))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing row counts as zero limit", func(t *testing.T) {
		l, mock := newTestLedger(t)

		mock.ExpectBegin()
		mock.ExpectQuery("FROM quota_ledger WHERE user_id = .+ FOR UPDATE").
			WillReturnRows(sqlmock.NewRows(quotaColumns))
		mock.ExpectRollback()

		_, err := l.Reserve(context.Background(), "new-user", scanner.KindZAP, 1)
		qe, ok := errors.AsQuotaExceeded(err)
		require.True(t, ok)
		assert.Equal(t, 0, qe.Limit)
		assert.Equal(t, 0, qe.Remaining)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("exact remaining is admitted", func(t *testing.T) {
		l, mock := newTestLedger(t)

		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").WillReturnRows(quotaRow("u1", scanner.KindOpenVAS, 2, 0))
		mock.ExpectQuery("UPDATE quota_ledger SET used = used").
			WillReturnRows(quotaRow("u1", scanner.KindOpenVAS, 2, 2))
		mock.ExpectCommit()

		row, err := l.Reserve(context.Background(), "u1", scanner.KindOpenVAS, 2)
		require.NoError(t, err)
		assert.Equal(t, 0, row.Remaining())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-positive count is a validation error", func(t *testing.T) {
		l, mock := newTestLedger(t)

		mock.ExpectBegin()
		mock.ExpectRollback()

		_, err := l.Reserve(context.Background(), "u1", scanner.KindNmap, 0)
		assert.True(t, errors.IsCode(err, errors.CodeValidation))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("retries serialization failures", func(t *testing.T) {
		l, mock := newTestLedger(t)

		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").WillReturnError(&pq.Error{Code: "40001"})
		mock.ExpectRollback()
		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").WillReturnRows(quotaRow("u1", scanner.KindNmap, 5, 0))
		mock.ExpectQuery("UPDATE quota_ledger SET used = used").
			WillReturnRows(quotaRow("u1", scanner.KindNmap, 5, 1))
		mock.ExpectCommit()

		row, err := l.Reserve(context.Background(), "u1", scanner.KindNmap, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, row.Used)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		l, mock := newTestLedger(t)

		for i := 0; i < 3; i++ {
			mock.ExpectBegin()
			mock.ExpectQuery("FOR UPDATE").WillReturnError(&pq.Error{Code: "40P01"})
			mock.ExpectRollback()
		}

		_, err := l.Reserve(context.Background(), "u1", scanner.KindNmap, 1)
		assert.True(t, errors.IsCode(err, errors.CodeSerialization))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		l, mock := newTestLedger(t)

		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").WillReturnError(&pq.Error{Code: "08006"})
		mock.ExpectRollback()

		_, err := l.Reserve(context.Background(), "u1", scanner.KindNmap, 1)
		assert.True(t, errors.IsCode(err, errors.CodeDatabaseConnection))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAdjust(t *testing.T) {
	tests := []struct {
		name      string
		delta     int
		returned  int
		direction string
		units     float64
	}{
		{name: "charge", delta: 2, returned: 6, direction: "charge", units: 2},
		{name: "refund", delta: -1, returned: 3, direction: "refund", units: 1},
		{name: "refund clamps at zero", delta: -5, returned: 0, direction: "refund", units: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := metrics.NewRegistry()
			l, mock := newTestLedger(t, WithMetrics(registry))

			mock.ExpectBegin()
			mock.ExpectQuery("UPDATE quota_ledger SET used = GREATEST").
				WithArgs("u1", "zap", tt.delta).
				WillReturnRows(quotaRow("u1", scanner.KindZAP, 5, tt.returned))
			mock.ExpectCommit()

			row, err := l.Adjust(context.Background(), "u1", scanner.KindZAP, tt.delta)
			require.NoError(t, err)
			assert.Equal(t, tt.returned, row.Used)

			snapshot := registry.GetMetrics()
			require.Len(t, snapshot, 1)
			for _, m := range snapshot {
				assert.Equal(t, tt.direction, m.Labels[metrics.LabelDirection])
				assert.Equal(t, tt.units, m.Value)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}

	t.Run("missing row is not found", func(t *testing.T) {
		l, mock := newTestLedger(t)

		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE quota_ledger SET used = GREATEST").
			WillReturnRows(sqlmock.NewRows(quotaColumns))
		mock.ExpectRollback()

		_, err := l.Adjust(context.Background(), "ghost", scanner.KindZAP, 1)
		assert.True(t, errors.IsNotFound(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestInitializeIfMissing(t *testing.T) {
	l, mock := newTestLedger(t)

	mock.ExpectBegin()
	for _, kind := range scanner.Kinds() {
		mock.ExpectExec("INSERT INTO quota_ledger").
			WithArgs("u1", string(kind), 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	err := l.InitializeIfMissing(context.Background(), "u1", scanner.SignupAllowance())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshot(t *testing.T) {
	l, mock := newTestLedger(t)

	rows := sqlmock.NewRows(quotaColumns).
		AddRow("u1", "nmap", 5, 2, time.Now()).
		AddRow("u1", "zap", 1, 1, time.Now())
	mock.ExpectQuery("FROM quota_ledger WHERE user_id").WithArgs("u1").WillReturnRows(rows)

	snap, err := l.Snapshot(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Get(scanner.KindNmap).Remaining())
	assert.Equal(t, 0, snap.Get(scanner.KindZAP).Remaining())
	assert.Equal(t, 0, snap.Get(scanner.KindOpenVAS).Limit)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLimits(t *testing.T) {
	t.Run("add limits only touches given kinds", func(t *testing.T) {
		l, mock := newTestLedger(t)

		mock.ExpectBegin()
		mock.ExpectExec("scan_limit = quota_ledger.scan_limit").
			WithArgs("u1", "nmap", 10).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := l.AddLimits(context.Background(), "u1", scanner.Units{scanner.KindNmap: 10})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("set limits replaces every kind", func(t *testing.T) {
		l, mock := newTestLedger(t)
		limits := scanner.PlanLimits(scanner.TierPro)

		mock.ExpectBegin()
		for _, kind := range scanner.Kinds() {
			mock.ExpectExec("scan_limit = EXCLUDED.scan_limit").
				WithArgs("u1", string(kind), limits.Get(kind)).
				WillReturnResult(sqlmock.NewResult(0, 1))
		}
		mock.ExpectCommit()

		require.NoError(t, l.SetLimits(context.Background(), "u1", limits))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("negative limit is rejected", func(t *testing.T) {
		l, mock := newTestLedger(t)

		mock.ExpectBegin()
		mock.ExpectRollback()

		err := l.SetLimits(context.Background(), "u1", scanner.Units{scanner.KindZAP: -1})
		assert.True(t, errors.IsCode(err, errors.CodeValidation))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestReconcileJob(t *testing.T) {
	rec := &db.ReconciledJob{
		JobID:        "job-1",
		UserID:       "u1",
		Kind:         scanner.KindOpenVAS,
		Status:       scanner.StatusCompleted,
		BillingUnits: 3,
		LedgerDelta:  2,
	}

	t.Run("first report claims and adjusts", func(t *testing.T) {
		l, mock := newTestLedger(t)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO reconciled_jobs").
			WithArgs("job-1", "u1", "openvas", "completed", 3, 2).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("UPDATE quota_ledger SET used = GREATEST").
			WithArgs("u1", "openvas", 2).
			WillReturnRows(quotaRow("u1", scanner.KindOpenVAS, 3, 3))
		mock.ExpectCommit()

		applied, row, err := l.ReconcileJob(context.Background(), rec)
		require.NoError(t, err)
		assert.True(t, applied)
		require.NotNil(t, row)
		assert.Equal(t, 3, row.Used)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("redelivered report changes nothing", func(t *testing.T) {
		l, mock := newTestLedger(t)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO reconciled_jobs").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		applied, row, err := l.ReconcileJob(context.Background(), rec)
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Nil(t, row)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("zero delta claims without adjusting", func(t *testing.T) {
		l, mock := newTestLedger(t)
		single := *rec
		single.BillingUnits, single.LedgerDelta = 1, 0

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO reconciled_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		applied, row, err := l.ReconcileJob(context.Background(), &single)
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Nil(t, row)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("adjust failure rolls back the claim", func(t *testing.T) {
		l, mock := newTestLedger(t)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO reconciled_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("UPDATE quota_ledger SET used = GREATEST").
			WillReturnRows(sqlmock.NewRows(quotaColumns))
		mock.ExpectRollback()

		applied, _, err := l.ReconcileJob(context.Background(), rec)
		require.Error(t, err)
		assert.False(t, applied)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
