package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/scangate/scangate/internal/scanner"
)

// JSONB wraps json.RawMessage for PostgreSQL JSONB type.
type JSONB json.RawMessage

// Scan implements sql.Scanner for PostgreSQL JSONB type.
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		*j = append(JSONB(nil), v...)
		return nil
	case string:
		*j = JSONB(v)
		return nil
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
}

// Value implements driver.Valuer for PostgreSQL JSONB type.
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return []byte(j), nil
}

// MarshalJSON implements json.Marshaler.
func (j JSONB) MarshalJSON() ([]byte, error) {
	if j == nil {
		return []byte("null"), nil
	}
	return []byte(j), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (j *JSONB) UnmarshalJSON(data []byte) error {
	*j = append(JSONB(nil), data...)
	return nil
}

// Options decodes the JSONB document as a string-keyed bag.
func (j JSONB) Options() map[string]interface{} {
	out := map[string]interface{}{}
	if len(j) == 0 {
		return out
	}
	_ = json.Unmarshal(j, &out)
	return out
}

// Account is the billing identity of a user.
type Account struct {
	UserID               string                     `db:"user_id" json:"userId"`
	PlanTier             scanner.Tier               `db:"plan_tier" json:"planTier"`
	SubscriptionStatus   scanner.SubscriptionStatus `db:"subscription_status" json:"subscriptionStatus"`
	CreditsPurchased     bool                       `db:"credits_purchased" json:"creditsPurchased"`
	StripeCustomerID     *string                    `db:"stripe_customer_id" json:"-"`
	StripeSubscriptionID *string                    `db:"stripe_subscription_id" json:"-"`
	CreatedAt            time.Time                  `db:"created_at" json:"createdAt"`
	UpdatedAt            time.Time                  `db:"updated_at" json:"updatedAt"`
}

// PermitsAdmission reports whether the account may start new scans: it needs
// an active subscription or a one-off credit purchase.
func (a *Account) PermitsAdmission() bool {
	return a.SubscriptionStatus.PermitsAdmission() || a.CreditsPurchased
}

// QuotaRow is one user/kind row of the quota ledger.
type QuotaRow struct {
	UserID    string       `db:"user_id" json:"-"`
	Kind      scanner.Kind `db:"kind" json:"kind"`
	Limit     int          `db:"scan_limit" json:"limit"`
	Used      int          `db:"used" json:"used"`
	UpdatedAt time.Time    `db:"updated_at" json:"updatedAt"`
}

// Remaining is limit minus used, floored at zero.
func (q QuotaRow) Remaining() int {
	if r := q.Limit - q.Used; r > 0 {
		return r
	}
	return 0
}

// Job is a scan job record.
type Job struct {
	ID      string            `db:"id" json:"id"`
	BatchID *string           `db:"batch_id" json:"batchId,omitempty"`
	UserID  string            `db:"user_id" json:"userId"`
	Kind    scanner.Kind      `db:"kind" json:"type"`
	Target  string            `db:"target" json:"target"`
	Status  scanner.JobStatus `db:"status" json:"status"`
	Options JSONB             `db:"options" json:"options,omitempty"`

	ResultLocator    *string    `db:"result_locator" json:"gcpStorageUrl,omitempty"`
	ResultURL        *string    `db:"result_url" json:"gcpSignedUrl,omitempty"`
	ResultURLExpires *time.Time `db:"result_url_expires" json:"gcpSignedUrlExpires,omitempty"`
	XMLLocator       *string    `db:"xml_locator" json:"gcpXmlStorageUrl,omitempty"`
	XMLURL           *string    `db:"xml_url" json:"gcpXmlSignedUrl,omitempty"`
	XMLURLExpires    *time.Time `db:"xml_url_expires" json:"gcpXmlSignedUrlExpires,omitempty"`
	ReportLocator    *string    `db:"report_locator" json:"gcpReportStorageUrl,omitempty"`
	ReportURL        *string    `db:"report_url" json:"gcpReportSignedUrl,omitempty"`
	ReportURLExpires *time.Time `db:"report_url_expires" json:"gcpReportSignedUrlExpires,omitempty"`
	Summary          JSONB      `db:"summary" json:"resultsSummary,omitempty"`

	ErrorMessage *string `db:"error_message" json:"errorMessage,omitempty"`
	BillingUnits *int    `db:"billing_units" json:"billingUnits,omitempty"`

	CreatedAt time.Time  `db:"created_at" json:"createdAt"`
	StartedAt *time.Time `db:"started_at" json:"startedAt,omitempty"`
	EndedAt   *time.Time `db:"ended_at" json:"endedAt,omitempty"`
	UpdatedAt time.Time  `db:"updated_at" json:"updatedAt"`
}

// Artifact is one result artifact reported by a worker.
type Artifact struct {
	Locator *string
	URL     *string
	Expires *time.Time
}

// JobResult is the merge payload applied by a worker callback.
// Nil fields leave the stored value untouched.
type JobResult struct {
	JobID        string
	UserID       string
	Kind         scanner.Kind
	Status       scanner.JobStatus
	Result       Artifact
	XML          Artifact
	Report       Artifact
	Summary      JSONB
	ErrorMessage *string
	BillingUnits *int
	ReportedAt   time.Time
}

// ReconciledJob records that the ledger has been reconciled for a job.
type ReconciledJob struct {
	JobID        string            `db:"job_id"`
	UserID       string            `db:"user_id"`
	Kind         scanner.Kind      `db:"kind"`
	Status       scanner.JobStatus `db:"status"`
	BillingUnits int               `db:"billing_units"`
	LedgerDelta  int               `db:"ledger_delta"`
	ReconciledAt time.Time         `db:"reconciled_at"`
}

// BillingEvent records a payment processor event for idempotent handling.
type BillingEvent struct {
	EventID     string     `db:"event_id"`
	Type        string     `db:"type"`
	ReceivedAt  time.Time  `db:"received_at"`
	ProcessedAt *time.Time `db:"processed_at"`
}
