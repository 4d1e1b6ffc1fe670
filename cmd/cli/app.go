package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/scangate/scangate/internal/admission"
	"github.com/scangate/scangate/internal/api"
	"github.com/scangate/scangate/internal/api/handlers"
	"github.com/scangate/scangate/internal/auth"
	"github.com/scangate/scangate/internal/blob"
	"github.com/scangate/scangate/internal/config"
	"github.com/scangate/scangate/internal/db"
	"github.com/scangate/scangate/internal/dispatch"
	"github.com/scangate/scangate/internal/entitlement"
	"github.com/scangate/scangate/internal/jobindex"
	"github.com/scangate/scangate/internal/ledger"
	"github.com/scangate/scangate/internal/logging"
	"github.com/scangate/scangate/internal/metrics"
	"github.com/scangate/scangate/internal/reconcile"
	"github.com/scangate/scangate/internal/scanner"
	"github.com/scangate/scangate/internal/sweeper"
)

// app holds the wired service components.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Prometheus

	database *db.DB
	redis    *jobindex.Redis
	index    jobindex.Index
	signer   blob.Signer

	ledger      *ledger.Ledger
	gateway     *dispatch.Gateway
	admission   *admission.Controller
	reconcile   *reconcile.Handler
	entitlement *entitlement.Service
	sweeper     *sweeper.Sweeper

	closers []func() error
}

// newApp connects the backing stores and builds every component. Redis and
// artifact signing are optional and degrade to no-ops when unconfigured.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logging.Default().Logger,
		metrics: metrics.NewPrometheus(),
		index:   jobindex.Noop{},
		signer:  blob.Disabled{},
	}

	database, err := db.Connect(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}
	a.database = database
	a.closers = append(a.closers, database.Close)

	if cfg.Redis.URL != "" {
		index, err := jobindex.Connect(ctx, cfg.Redis.URL, cfg.Redis.TTL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("error connecting to redis: %w", err)
		}
		a.redis = index
		a.index = index
		a.closers = append(a.closers, index.Close)
	}

	if cfg.Storage.Enabled() {
		signer, err := blob.NewGCSSigner(ctx, blob.GCSConfig{
			CredentialsFile: cfg.Storage.CredentialsFile,
			SignerEmail:     cfg.Storage.SignerEmail,
			PrivateKeyFile:  cfg.Storage.PrivateKeyFile,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.signer = signer
		a.closers = append(a.closers, signer.Close)
	}

	endpoints, err := dispatchEndpoints(cfg.Dispatch.Endpoints)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.ledger = ledger.New(database,
		ledger.WithRetry(cfg.Ledger.MaxRetries, cfg.Ledger.RetryBase),
		ledger.WithLogger(a.logger),
		ledger.WithMetrics(a.metrics))

	a.gateway = dispatch.New(dispatch.Config{
		Endpoints:         endpoints,
		CallbackURL:       cfg.CallbackURL(),
		Secret:            cfg.Webhook.Secret,
		Timeout:           cfg.Dispatch.Timeout,
		Concurrency:       cfg.Dispatch.Concurrency,
		RequestsPerSecond: cfg.Dispatch.RateLimit.RequestsPerSecond,
		Burst:             cfg.Dispatch.RateLimit.Burst,
	}, dispatch.WithLogger(a.logger), dispatch.WithMetrics(a.metrics))

	a.admission = admission.New(database, a.ledger, a.gateway,
		admission.WithIndex(a.index),
		admission.WithDispatchWait(cfg.Dispatch.JoinTimeout),
		admission.WithLogger(a.logger),
		admission.WithMetrics(a.metrics))

	a.reconcile = reconcile.New(database, a.ledger,
		reconcile.WithSecret(auth.NewWorkerSecret(cfg.Webhook.Secret)),
		reconcile.WithSigner(a.signer, cfg.Webhook.SignedURLTTL),
		reconcile.WithIndex(a.index),
		reconcile.WithLogger(a.logger),
		reconcile.WithMetrics(a.metrics))

	a.entitlement = entitlement.New(database, a.ledger, entitlement.Config{
		WebhookSecret:   cfg.Billing.StripeWebhookSecret,
		UserMetadataKey: cfg.Billing.UserMetadataKey,
		Plans:           cfg.PlanTiers(),
		CreditPacks:     cfg.CreditPackUnits(),
	}, entitlement.WithLogger(a.logger), entitlement.WithMetrics(a.metrics))

	a.sweeper = sweeper.New(database, a.admission, a.reconcile, sweeper.Config{
		Schedule:   cfg.Sweeper.Schedule,
		StaleAfter: cfg.Sweeper.StaleAfter,
		Limit:      cfg.Sweeper.Limit,
	}, sweeper.WithLogger(a.logger), sweeper.WithMetrics(a.metrics))

	if !auth.NewWorkerSecret(cfg.Webhook.Secret).Enabled() {
		a.logger.Warn("Worker callbacks are not authenticated; set webhook.secret")
	}

	return a, nil
}

// apiDeps returns the HTTP server dependencies.
func (a *app) apiDeps() api.Deps {
	deps := api.Deps{
		Admitter:  a.admission,
		Jobs:      db.NewJobRepository(a.database),
		Index:     a.index,
		Quota:     a.ledger,
		Signup:    a.entitlement,
		Reports:   a.reconcile,
		Billing:   a.entitlement,
		Stale:     a.sweeper,
		Verifier:  auth.NewJWTVerifier(a.cfg.Auth.JWTSecret, a.cfg.Auth.JWTIssuer),
		AdminKeys: auth.NewAdminKeys(a.cfg.API.AdminKeyHashes),
		Database:  a.database,
		Metrics:   a.metrics,
		Gatherer:  a.metrics.GetRegistry(),
	}
	if a.redis != nil {
		deps.Optional = map[string]handlers.Pinger{"redis": a.redis}
	}
	return deps
}

// Close releases connections in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Failed to close resource", "error", err)
		}
	}
	a.closers = nil
}

// dispatchEndpoints converts the configured kind names to kinds.
func dispatchEndpoints(raw map[string]string) (map[scanner.Kind]string, error) {
	out := make(map[scanner.Kind]string, len(raw))
	for name, endpoint := range raw {
		kind, err := scanner.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("invalid dispatch endpoint %q: %w", name, err)
		}
		out[kind] = endpoint
	}
	return out, nil
}
