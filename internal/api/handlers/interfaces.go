package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/scangate/scangate/internal/admission"
	"github.com/scangate/scangate/internal/db"
	"github.com/scangate/scangate/internal/ledger"
	"github.com/scangate/scangate/internal/reconcile"
)

//go:generate mockgen -source=interfaces.go -destination=mocks/mock_handlers.go -package=mocks

// Admitter admits scan batches.
type Admitter interface {
	Admit(ctx context.Context, req admission.Request) (*admission.Result, error)
}

// JobStore reads scan job records.
type JobStore interface {
	Get(ctx context.Context, id string) (*db.Job, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*db.Job, error)
}

// QuotaReader reads a user's ledger balances.
type QuotaReader interface {
	Snapshot(ctx context.Context, userID string) (*ledger.Snapshot, error)
}

// Signupper provisions a new account.
type Signupper interface {
	Signup(ctx context.Context, userID string) (*db.Account, error)
}

// BillingHandler processes payment processor webhooks.
type BillingHandler interface {
	HandleStripe(ctx context.Context, payload []byte, signature string) error
}

// ReportHandler processes worker callbacks.
type ReportHandler interface {
	Handle(ctx context.Context, headers http.Header, body []byte) (*reconcile.Result, error)
}

// StaleJobs exposes the operator actions on stuck jobs.
type StaleJobs interface {
	Stale(ctx context.Context, olderThan time.Duration, limit int) ([]*db.Job, error)
	Requeue(ctx context.Context, jobID string) (*admission.JobSummary, error)
	Cancel(ctx context.Context, jobID, reason string) (*reconcile.Result, error)
}
