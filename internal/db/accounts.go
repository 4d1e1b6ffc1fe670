package db

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/scangate/scangate/internal/scanner"
)

const accountColumns = `user_id, plan_tier, subscription_status, credits_purchased,
	stripe_customer_id, stripe_subscription_id, created_at, updated_at`

// AccountRepository handles account records.
type AccountRepository struct {
	db Queryer
}

// NewAccountRepository creates a new account repository.
func NewAccountRepository(db *DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// WithTx returns a repository whose statements run in tx.
func (r *AccountRepository) WithTx(tx *sqlx.Tx) *AccountRepository {
	return &AccountRepository{db: tx}
}

// Get retrieves an account by user ID.
func (r *AccountRepository) Get(ctx context.Context, userID string) (*Account, error) {
	var account Account
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE user_id = $1`

	if err := r.db.GetContext(ctx, &account, query, userID); err != nil {
		return nil, sanitizeDBError("get account", err)
	}
	return &account, nil
}

// GetByCustomer retrieves the account linked to a payment processor customer.
func (r *AccountRepository) GetByCustomer(ctx context.Context, customerID string) (*Account, error) {
	var account Account
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE stripe_customer_id = $1`

	if err := r.db.GetContext(ctx, &account, query, customerID); err != nil {
		return nil, sanitizeDBError("get account by customer", err)
	}
	return &account, nil
}

// Ensure creates the account on the free tier if it does not exist yet and
// returns the stored row. Safe to call concurrently.
func (r *AccountRepository) Ensure(ctx context.Context, userID string) (*Account, error) {
	query := `
		INSERT INTO accounts (user_id, plan_tier, subscription_status)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO NOTHING`

	if _, err := r.db.ExecContext(ctx, query, userID,
		string(scanner.TierFree), string(scanner.SubscriptionNone)); err != nil {
		return nil, sanitizeDBError("ensure account", err)
	}
	return r.Get(ctx, userID)
}

// SetSubscription stores the plan and subscription state for an account,
// creating the account if needed.
func (r *AccountRepository) SetSubscription(
	ctx context.Context, userID string, tier scanner.Tier, status scanner.SubscriptionStatus, subscriptionID string,
) error {
	query := `
		INSERT INTO accounts (user_id, plan_tier, subscription_status, stripe_subscription_id)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		ON CONFLICT (user_id) DO UPDATE SET
			plan_tier = EXCLUDED.plan_tier,
			subscription_status = EXCLUDED.subscription_status,
			stripe_subscription_id = COALESCE(EXCLUDED.stripe_subscription_id, accounts.stripe_subscription_id),
			updated_at = NOW()`

	if _, err := r.db.ExecContext(ctx, query, userID, string(tier), string(status), subscriptionID); err != nil {
		return sanitizeDBError("set subscription", err)
	}
	return nil
}

// SetStatus updates only the subscription status.
func (r *AccountRepository) SetStatus(ctx context.Context, userID string, status scanner.SubscriptionStatus) error {
	query := `UPDATE accounts SET subscription_status = $2, updated_at = NOW() WHERE user_id = $1`

	if _, err := r.db.ExecContext(ctx, query, userID, string(status)); err != nil {
		return sanitizeDBError("set subscription status", err)
	}
	return nil
}

// LinkCustomer records the payment processor customer for a user.
func (r *AccountRepository) LinkCustomer(ctx context.Context, userID, customerID string) error {
	query := `
		INSERT INTO accounts (user_id, plan_tier, subscription_status, stripe_customer_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			stripe_customer_id = EXCLUDED.stripe_customer_id,
			updated_at = NOW()`

	if _, err := r.db.ExecContext(ctx, query, userID,
		string(scanner.TierFree), string(scanner.SubscriptionNone), customerID); err != nil {
		return sanitizeDBError("link customer", err)
	}
	return nil
}

// MarkCreditsPurchased flags the account as holding one-off credits, which
// entitles it to admission without a subscription.
func (r *AccountRepository) MarkCreditsPurchased(ctx context.Context, userID string) error {
	query := `
		INSERT INTO accounts (user_id, plan_tier, subscription_status, credits_purchased)
		VALUES ($1, $2, $3, TRUE)
		ON CONFLICT (user_id) DO UPDATE SET
			credits_purchased = TRUE,
			updated_at = NOW()`

	if _, err := r.db.ExecContext(ctx, query, userID,
		string(scanner.TierFree), string(scanner.SubscriptionNone)); err != nil {
		return sanitizeDBError("mark credits purchased", err)
	}
	return nil
}
