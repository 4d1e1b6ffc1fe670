// Package entitlement keeps plan tiers, subscription state and purchased
// limits in step with the payment processor.
//
// Events are verified with the processor's signing secret. Each delivery
// then runs in one transaction: the billing_events row is claimed and
// locked, the event's ledger and account writes are applied, and the row is
// stamped processed. A delivery that fails anywhere rolls back entirely and
// is applied again on redelivery, and a concurrent duplicate waits on the
// row lock and then sees the event as processed.
package entitlement

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/scangate/scangate/internal/db"
	"github.com/scangate/scangate/internal/errors"
	"github.com/scangate/scangate/internal/ledger"
	"github.com/scangate/scangate/internal/logging"
	"github.com/scangate/scangate/internal/metrics"
	"github.com/scangate/scangate/internal/scanner"
)

// ErrAlreadyProcessed is returned for a redelivered event that was already
// applied. Callers acknowledge it like a success.
var ErrAlreadyProcessed = errors.New(errors.CodeConflict, "billing event already processed")

// Outcomes recorded on billing_events_total.
const (
	OutcomeProcessed  = "processed"
	OutcomeDuplicate  = "duplicate"
	OutcomeIgnored    = "ignored"
	OutcomeUnresolved = "unresolved"
	OutcomeFailed     = "failed"
	OutcomeInvalid    = "invalid"
)

const priceMetadataKey = "price_id"

// Config holds the payment processor settings.
type Config struct {
	WebhookSecret   string
	UserMetadataKey string
	// Plans maps lowercased price ids to tiers.
	Plans map[string]scanner.Tier
	// CreditPacks maps lowercased price ids to one-off credits.
	CreditPacks map[string]scanner.Units
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics registry.
func WithMetrics(registry metrics.MetricsRegistry) Option {
	return func(s *Service) {
		s.metrics = registry
	}
}

// Service applies billing events and account signups.
type Service struct {
	cfg      Config
	accounts *db.AccountRepository
	events   *db.BillingEventRepository
	ledger   *ledger.Ledger
	logger   *slog.Logger
	metrics  metrics.MetricsRegistry
}

// New creates an entitlement service.
func New(database *db.DB, l *ledger.Ledger, cfg Config, opts ...Option) *Service {
	if cfg.UserMetadataKey == "" {
		cfg.UserMetadataKey = "user_id"
	}
	s := &Service{
		cfg:      cfg,
		accounts: db.NewAccountRepository(database),
		events:   db.NewBillingEventRepository(database),
		ledger:   l,
		logger:   logging.Discard(),
		metrics:  metrics.NewNoop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "entitlement")
	return s
}

// Signup creates the account on the free tier and seeds the signup
// allowance. Repeating it changes nothing.
func (s *Service) Signup(ctx context.Context, userID string) (*db.Account, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New(errors.CodeValidation, "user id is required")
	}
	account, err := s.accounts.Ensure(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.ledger.InitializeIfMissing(ctx, userID, scanner.SignupAllowance()); err != nil {
		return nil, err
	}
	s.logger.Info("Account ready", "user_id", userID, "plan", account.PlanTier)
	return account, nil
}

// HandleStripe verifies and applies one payment processor event.
func (s *Service) HandleStripe(ctx context.Context, payload []byte, signature string) error {
	if s.cfg.WebhookSecret == "" {
		return errors.New(errors.CodeConfiguration, "billing webhook secret is not configured")
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, s.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		s.count("unknown", OutcomeInvalid)
		s.logger.Warn("Rejected billing event", "error", err)
		return errors.Wrap(errors.CodeValidation, "invalid billing event signature", err)
	}

	eventType := string(event.Type)
	logger := s.logger.With("event_id", event.ID, "event_type", eventType)

	var (
		duplicate bool
		outcome   string
	)
	err = s.ledger.WithTx(ctx, func(tx *sqlx.Tx) error {
		duplicate, outcome = false, ""
		d := s.withTx(tx)

		processed, err := d.events.Claim(ctx, event.ID, eventType)
		if err != nil {
			return err
		}
		if processed {
			duplicate = true
			return nil
		}

		if outcome, err = d.apply(ctx, logger, &event); err != nil {
			return err
		}
		return d.events.MarkProcessed(ctx, event.ID)
	})
	if err != nil {
		s.count(eventType, OutcomeFailed)
		logger.Error("Failed to apply billing event", "error", err)
		return err
	}
	if duplicate {
		s.count(eventType, OutcomeDuplicate)
		logger.Info("Billing event already processed")
		return ErrAlreadyProcessed
	}
	s.count(eventType, outcome)
	return nil
}

// delivery applies one event inside its transaction.
type delivery struct {
	*Service
	tx       *sqlx.Tx
	accounts *db.AccountRepository
	events   *db.BillingEventRepository
}

func (s *Service) withTx(tx *sqlx.Tx) *delivery {
	return &delivery{
		Service:  s,
		tx:       tx,
		accounts: s.accounts.WithTx(tx),
		events:   s.events.WithTx(tx),
	}
}

func (s *Service) count(eventType, outcome string) {
	s.metrics.Counter(metrics.MetricBillingEvents, metrics.Labels{
		metrics.LabelType:    eventType,
		metrics.LabelOutcome: outcome,
	})
}

func (s *delivery) apply(ctx context.Context, logger *slog.Logger, event *stripe.Event) (string, error) {
	if event.Data == nil {
		return OutcomeIgnored, nil
	}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return "", errors.Wrap(errors.CodeValidation, "decode checkout session", err)
		}
		return s.checkoutCompleted(ctx, logger, &session)

	case stripe.EventTypeCustomerSubscriptionCreated, stripe.EventTypeCustomerSubscriptionUpdated:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return "", errors.Wrap(errors.CodeValidation, "decode subscription", err)
		}
		return s.subscriptionChanged(ctx, logger, &sub)

	case stripe.EventTypeCustomerSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return "", errors.Wrap(errors.CodeValidation, "decode subscription", err)
		}
		return s.subscriptionDeleted(ctx, logger, &sub)

	case stripe.EventTypeInvoicePaymentFailed:
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return "", errors.Wrap(errors.CodeValidation, "decode invoice", err)
		}
		userID, _ := s.resolveUser(ctx, nil, invoice.Customer)
		logger.Warn("Invoice payment failed",
			"user_id", userID, "invoice_id", invoice.ID, "attempt_count", invoice.AttemptCount)
		return OutcomeProcessed, nil

	default:
		logger.Debug("Ignoring billing event")
		return OutcomeIgnored, nil
	}
}

func (s *delivery) checkoutCompleted(
	ctx context.Context, logger *slog.Logger, session *stripe.CheckoutSession,
) (string, error) {
	userID, err := s.resolveUser(ctx, session.Metadata, session.Customer)
	if err != nil {
		return "", err
	}
	if userID == "" {
		userID = strings.TrimSpace(session.ClientReferenceID)
	}
	if userID == "" {
		logger.Error("Checkout session has no user", "session_id", session.ID)
		return OutcomeUnresolved, nil
	}
	logger = logger.With("user_id", userID, "mode", session.Mode)

	if _, err := s.accounts.Ensure(ctx, userID); err != nil {
		return "", err
	}
	if session.Customer != nil && session.Customer.ID != "" {
		if err := s.accounts.LinkCustomer(ctx, userID, session.Customer.ID); err != nil {
			return "", err
		}
	}

	if session.Mode != stripe.CheckoutSessionModePayment {
		logger.Info("Linked checkout customer")
		return OutcomeProcessed, nil
	}

	credits := s.creditsFor(session.Metadata)
	if credits.Total() == 0 {
		logger.Warn("Checkout session carries no credits", "session_id", session.ID)
		return OutcomeIgnored, nil
	}
	if err := s.ledger.AddLimitsTx(ctx, s.tx, userID, credits); err != nil {
		return "", err
	}
	if err := s.accounts.MarkCreditsPurchased(ctx, userID); err != nil {
		return "", err
	}
	logger.Info("Added purchased credits",
		"nmap", credits.Get(scanner.KindNmap),
		"openvas", credits.Get(scanner.KindOpenVAS),
		"zap", credits.Get(scanner.KindZAP))
	return OutcomeProcessed, nil
}

// creditsFor looks the purchase up in the configured credit packs and falls
// back to per-kind integers carried in the metadata.
func (s *Service) creditsFor(metadata map[string]string) scanner.Units {
	if price := strings.ToLower(strings.TrimSpace(metadata[priceMetadataKey])); price != "" {
		if pack, ok := s.cfg.CreditPacks[price]; ok {
			return pack
		}
	}

	credits := scanner.Units{}
	for _, kind := range scanner.Kinds() {
		n, err := strconv.Atoi(strings.TrimSpace(metadata[string(kind)]))
		if err == nil && n > 0 {
			credits[kind] = n
		}
	}
	return credits
}

func (s *delivery) subscriptionChanged(ctx context.Context, logger *slog.Logger, sub *stripe.Subscription) (string, error) {
	userID, err := s.resolveUser(ctx, sub.Metadata, sub.Customer)
	if err != nil {
		return "", err
	}
	if userID == "" {
		logger.Error("Subscription has no user", "subscription_id", sub.ID)
		return OutcomeUnresolved, nil
	}

	price := firstPrice(sub)
	tier, ok := s.cfg.Plans[strings.ToLower(price)]
	if !ok {
		logger.Warn("Unknown subscription price, assuming essential plan", "price_id", price)
		tier = scanner.TierEssential
	}
	status := subscriptionStatus(sub.Status)

	if err := s.ledger.SetLimitsTx(ctx, s.tx, userID, scanner.PlanLimits(tier)); err != nil {
		return "", err
	}
	if err := s.accounts.SetSubscription(ctx, userID, tier, status, sub.ID); err != nil {
		return "", err
	}
	logger.Info("Subscription updated", "user_id", userID, "plan", tier, "status", status)
	return OutcomeProcessed, nil
}

func (s *delivery) subscriptionDeleted(ctx context.Context, logger *slog.Logger, sub *stripe.Subscription) (string, error) {
	userID, err := s.resolveUser(ctx, sub.Metadata, sub.Customer)
	if err != nil {
		return "", err
	}
	if userID == "" {
		logger.Error("Subscription has no user", "subscription_id", sub.ID)
		return OutcomeUnresolved, nil
	}
	if err := s.accounts.SetStatus(ctx, userID, scanner.SubscriptionCanceled); err != nil {
		return "", err
	}
	logger.Info("Subscription canceled", "user_id", userID)
	return OutcomeProcessed, nil
}

// resolveUser reads the user id from metadata and falls back to the account
// linked to the customer. An empty id with a nil error means neither is
// known.
func (s *delivery) resolveUser(ctx context.Context, metadata map[string]string, customer *stripe.Customer) (string, error) {
	if id := strings.TrimSpace(metadata[s.cfg.UserMetadataKey]); id != "" {
		return id, nil
	}
	if customer == nil || customer.ID == "" {
		return "", nil
	}
	account, err := s.accounts.GetByCustomer(ctx, customer.ID)
	if errors.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return account.UserID, nil
}

func firstPrice(sub *stripe.Subscription) string {
	if sub.Items == nil {
		return ""
	}
	for _, item := range sub.Items.Data {
		if item != nil && item.Price != nil && item.Price.ID != "" {
			return item.Price.ID
		}
	}
	return ""
}

func subscriptionStatus(status stripe.SubscriptionStatus) scanner.SubscriptionStatus {
	switch status {
	case stripe.SubscriptionStatusActive:
		return scanner.SubscriptionActive
	case stripe.SubscriptionStatusTrialing:
		return scanner.SubscriptionTrialing
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return scanner.SubscriptionPastDue
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return scanner.SubscriptionCanceled
	default:
		return scanner.SubscriptionNone
	}
}
