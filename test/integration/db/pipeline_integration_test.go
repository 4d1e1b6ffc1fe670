//go:build integration

package db_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scangate/scangate/internal/admission"
	"github.com/scangate/scangate/internal/db"
	"github.com/scangate/scangate/internal/dispatch"
	"github.com/scangate/scangate/internal/errors"
	"github.com/scangate/scangate/internal/ledger"
	"github.com/scangate/scangate/internal/reconcile"
	"github.com/scangate/scangate/internal/scanner"
	"github.com/scangate/scangate/test/helpers"
)

// TestAdmitDispatchReconcile drives one batch through admission, a fake
// worker and the callback path against a real database.
func TestAdmitDispatchReconcile(t *testing.T) {
	helpers.SkipIfShort(t, "needs PostgreSQL")
	database := helpers.SetupTestDB(t)
	ctx, cancel := helpers.TestContext(0)
	defer cancel()

	worker := helpers.NewFakeWorker(t)

	l := ledger.New(database)
	gateway := dispatch.New(dispatch.Config{
		Endpoints:   map[scanner.Kind]string{scanner.KindNmap: worker.URL},
		CallbackURL: "http://scangate.test/api/v1/scans/webhook",
	})
	controller := admission.New(database, l, gateway)
	handler := reconcile.New(database, l)
	jobs := db.NewJobRepository(database)

	require.NoError(t, db.NewAccountRepository(database).
		SetSubscription(ctx, "u1", scanner.TierEssential, scanner.SubscriptionActive, "sub_1"))

	result, err := controller.Admit(ctx, admission.Request{
		UserID:  "u1",
		Kind:    scanner.KindNmap,
		Targets: []string{"a.example.com", "b.example.com", "https://C.example.com:8443/x"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Created)
	assert.Equal(t, 3, result.Enqueued)
	assert.Equal(t, 3, result.Used)
	assert.Equal(t, 5, result.Limit)
	assert.Equal(t, 2, result.Remaining)
	assert.NotEmpty(t, result.BatchID)
	assert.Equal(t, "c.example.com", result.Jobs[2].Target)

	sent := worker.Requests()
	require.Len(t, sent, 3)
	for _, req := range sent {
		assert.Contains(t, result.JobIDs, req.ScanID)
		assert.Equal(t, "u1", req.Payload["userId"])
		assert.Equal(t, "http://scangate.test/api/v1/scans/webhook", req.Payload["callbackUrl"])
	}

	t.Run("over limit batch creates nothing", func(t *testing.T) {
		_, err := controller.Admit(ctx, admission.Request{
			UserID:  "u1",
			Kind:    scanner.KindNmap,
			Targets: []string{"d.example.com", "e.example.com", "f.example.com"},
		})
		qe, ok := errors.AsQuotaExceeded(err)
		require.True(t, ok, "expected quota error, got %v", err)
		assert.Equal(t, 3, qe.Used)

		listed, err := jobs.ListByUser(ctx, "u1", 50)
		require.NoError(t, err)
		assert.Len(t, listed, 3)
	})

	t.Run("completed callback charges extra units once", func(t *testing.T) {
		body := helpers.CallbackBody(result.JobIDs[0], "done", 2)

		first, err := handler.Handle(ctx, http.Header{}, body)
		require.NoError(t, err)
		assert.True(t, first.LedgerApplied)
		assert.Equal(t, 1, first.LedgerDelta)

		again, err := handler.Handle(ctx, http.Header{}, body)
		require.NoError(t, err)
		assert.False(t, again.LedgerApplied)

		snap, err := l.Snapshot(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 4, snap.Get(scanner.KindNmap).Used)
	})

	t.Run("failed callback refunds the reservation", func(t *testing.T) {
		body := helpers.CallbackBody(result.JobIDs[1], "error", 0)

		res, err := handler.Handle(ctx, http.Header{}, body)
		require.NoError(t, err)
		assert.Equal(t, -1, res.LedgerDelta)

		job, err := jobs.Get(ctx, result.JobIDs[1])
		require.NoError(t, err)
		assert.Equal(t, scanner.StatusFailed, job.Status)

		snap, err := l.Snapshot(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 3, snap.Get(scanner.KindNmap).Used)
	})

	t.Run("terminal status never regresses", func(t *testing.T) {
		body := helpers.CallbackBody(result.JobIDs[1], "running", 0)

		_, err := handler.Handle(ctx, http.Header{}, body)
		require.NoError(t, err)

		job, err := jobs.Get(ctx, result.JobIDs[1])
		require.NoError(t, err)
		assert.Equal(t, scanner.StatusFailed, job.Status)
	})
}
