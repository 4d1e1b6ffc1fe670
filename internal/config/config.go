// Package config loads and validates the scangate service configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/scangate/scangate/internal/db"
	"github.com/scangate/scangate/internal/errors"
	"github.com/scangate/scangate/internal/logging"
	"github.com/scangate/scangate/internal/scanner"
)

// Config represents the complete service configuration
type Config struct {
	Database db.Config      `yaml:"database" json:"database" mapstructure:"database"`
	API      APIConfig      `yaml:"api" json:"api" mapstructure:"api"`
	Auth     AuthConfig     `yaml:"auth" json:"auth" mapstructure:"auth"`
	Ledger   LedgerConfig   `yaml:"ledger" json:"ledger" mapstructure:"ledger"`
	Dispatch DispatchConfig `yaml:"dispatch" json:"dispatch" mapstructure:"dispatch"`
	Webhook  WebhookConfig  `yaml:"webhook" json:"webhook" mapstructure:"webhook"`
	Storage  StorageConfig  `yaml:"storage" json:"storage" mapstructure:"storage"`
	Redis    RedisConfig    `yaml:"redis" json:"redis" mapstructure:"redis"`
	Billing  BillingConfig  `yaml:"billing" json:"billing" mapstructure:"billing"`
	Sweeper  SweeperConfig  `yaml:"sweeper" json:"sweeper" mapstructure:"sweeper"`
	Logging  logging.Config `yaml:"logging" json:"logging" mapstructure:"logging"`
}

// APIConfig holds API server settings
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listen_addr" mapstructure:"listen_addr"`
	Port       int    `yaml:"port" json:"port" mapstructure:"port"`

	TLS  TLSConfig  `yaml:"tls" json:"tls" mapstructure:"tls"`
	CORS CORSConfig `yaml:"cors" json:"cors" mapstructure:"cors"`

	// bcrypt hashes of the admin API keys
	AdminKeyHashes []string `yaml:"admin_key_hashes" json:"-" mapstructure:"admin_key_hashes"`

	// Per-client request rate. Zero disables limiting.
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit" mapstructure:"rate_limit"`

	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" json:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout" mapstructure:"idle_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout" mapstructure:"request_timeout"`
	MaxRequestSize int64         `yaml:"max_request_size" json:"max_request_size" mapstructure:"max_request_size"`

	// Batches larger than this need an explicit confirm flag.
	BatchConfirmThreshold int `yaml:"batch_confirm_threshold" json:"batch_confirm_threshold" mapstructure:"batch_confirm_threshold"`

	// Externally reachable base URL, used to build worker callback URLs.
	PublicBaseURL string `yaml:"public_base_url" json:"public_base_url" mapstructure:"public_base_url"`
}

// TLSConfig holds TLS settings
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	CertFile string `yaml:"cert_file" json:"cert_file" mapstructure:"cert_file"`
	KeyFile  string `yaml:"key_file" json:"key_file" mapstructure:"key_file"`
}

// CORSConfig holds CORS settings
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins" mapstructure:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" json:"allowed_methods" mapstructure:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" json:"allowed_headers" mapstructure:"allowed_headers"`
}

// AuthConfig configures the bearer token verifier.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" json:"-" mapstructure:"jwt_secret"`
	JWTIssuer string `yaml:"jwt_issuer" json:"jwt_issuer" mapstructure:"jwt_issuer"`
}

// LedgerConfig tunes ledger transaction retries.
type LedgerConfig struct {
	MaxRetries uint64        `yaml:"max_retries" json:"max_retries" mapstructure:"max_retries"`
	RetryBase  time.Duration `yaml:"retry_base" json:"retry_base" mapstructure:"retry_base"`
}

// DispatchConfig configures outbound calls to scanner workers.
type DispatchConfig struct {
	// Worker endpoint per scanner kind.
	Endpoints   map[string]string `yaml:"endpoints" json:"endpoints" mapstructure:"endpoints"`
	Timeout     time.Duration     `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
	// JoinTimeout bounds how long an admission request waits for dispatch
	// outcomes before leaving them to finish in the background.
	JoinTimeout time.Duration `yaml:"join_timeout" json:"join_timeout" mapstructure:"join_timeout"`
	Concurrency int           `yaml:"concurrency" json:"concurrency" mapstructure:"concurrency"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit" json:"rate_limit" mapstructure:"rate_limit"`
}

// RateLimitConfig holds rate limiting settings
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" json:"burst" mapstructure:"burst"`
}

// WebhookConfig configures worker callbacks.
type WebhookConfig struct {
	// Shared secret workers present on callbacks. Empty disables the check.
	Secret       string        `yaml:"secret" json:"-" mapstructure:"secret"`
	SignedURLTTL time.Duration `yaml:"signed_url_ttl" json:"signed_url_ttl" mapstructure:"signed_url_ttl"`
}

// StorageConfig configures signed URL minting for result artifacts.
type StorageConfig struct {
	CredentialsFile string `yaml:"gcs_credentials_file" json:"gcs_credentials_file" mapstructure:"gcs_credentials_file"`
	SignerEmail     string `yaml:"signer_email" json:"signer_email" mapstructure:"signer_email"`
	PrivateKeyFile  string `yaml:"private_key_file" json:"private_key_file" mapstructure:"private_key_file"`
}

// Enabled reports whether artifact signing is configured, either through a
// credentials file or an explicit signer identity.
func (s StorageConfig) Enabled() bool {
	return s.CredentialsFile != "" || (s.SignerEmail != "" && s.PrivateKeyFile != "")
}

// RedisConfig configures the job index. An empty URL disables it.
type RedisConfig struct {
	URL string        `yaml:"url" json:"-" mapstructure:"url"`
	TTL time.Duration `yaml:"ttl" json:"ttl" mapstructure:"ttl"`
}

// BillingConfig configures payment processor events.
type BillingConfig struct {
	StripeWebhookSecret string `yaml:"stripe_webhook_secret" json:"-" mapstructure:"stripe_webhook_secret"`
	UserMetadataKey     string `yaml:"user_metadata_key" json:"user_metadata_key" mapstructure:"user_metadata_key"`

	// Price id to plan tier.
	Plans map[string]string `yaml:"plans" json:"plans" mapstructure:"plans"`

	// Price id to per-kind credits for one-off purchases.
	CreditPacks map[string]map[string]int `yaml:"credit_packs" json:"credit_packs" mapstructure:"credit_packs"`
}

// SweeperConfig configures the stale job sweep.
type SweeperConfig struct {
	Enabled    bool          `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Schedule   string        `yaml:"schedule" json:"schedule" mapstructure:"schedule"`
	StaleAfter time.Duration `yaml:"stale_after" json:"stale_after" mapstructure:"stale_after"`
	Limit      int           `yaml:"limit" json:"limit" mapstructure:"limit"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Database: db.DefaultConfig(),
		API: APIConfig{
			ListenAddr: "127.0.0.1",
			Port:       8080,
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key"},
			},
			ReadTimeout:           15 * time.Second,
			WriteTimeout:          90 * time.Second,
			IdleTimeout:           60 * time.Second,
			RequestTimeout:        60 * time.Second,
			MaxRequestSize:        1024 * 1024, // 1MB
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 10,
				Burst:             20,
			},
			BatchConfirmThreshold: 10,
			PublicBaseURL:         "http://localhost:8080",
		},
		Ledger: LedgerConfig{
			MaxRetries: 3,
			RetryBase:  25 * time.Millisecond,
		},
		Dispatch: DispatchConfig{
			Endpoints:   map[string]string{},
			Timeout:     30 * time.Second,
			JoinTimeout: 45 * time.Second,
			Concurrency: 8,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 20,
				Burst:             20,
			},
		},
		Webhook: WebhookConfig{
			SignedURLTTL: 168 * time.Hour,
		},
		Redis: RedisConfig{
			TTL: 30 * 24 * time.Hour,
		},
		Billing: BillingConfig{
			UserMetadataKey: "user_id",
			Plans:           map[string]string{},
			CreditPacks:     map[string]map[string]int{},
		},
		Sweeper: SweeperConfig{
			Enabled:    true,
			Schedule:   "*/10 * * * *",
			StaleAfter: time.Hour,
			Limit:      500,
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load loads configuration from a YAML or JSON file. A missing file yields
// the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	if path == "" {
		return config, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// YAML is a superset of JSON, so one decoder serves both extensions.
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", filepath.Base(path), err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// FromViper decodes the settings held by v over the defaults. Viper merges
// the config file, SCANGATE_* environment variables and flags.
func FromViper(v *viper.Viper) (*Config, error) {
	config := Default()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// Save saves configuration to a file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return errors.ErrConfigMissing("database.host")
	}
	if c.Database.Database == "" {
		return errors.ErrConfigMissing("database.database")
	}
	if c.Database.Username == "" {
		return errors.ErrConfigMissing("database.username")
	}

	if c.API.Port <= 0 || c.API.Port > 65535 {
		return errors.ErrConfigInvalid("api.port", c.API.Port)
	}
	if c.API.ListenAddr == "" {
		return errors.ErrConfigMissing("api.listen_addr")
	}
	if c.API.TLS.Enabled && (c.API.TLS.CertFile == "" || c.API.TLS.KeyFile == "") {
		return errors.ErrConfigMissing("api.tls.cert_file and api.tls.key_file")
	}
	if c.API.BatchConfirmThreshold < 1 {
		return errors.ErrConfigInvalid("api.batch_confirm_threshold", c.API.BatchConfirmThreshold)
	}
	if _, err := url.ParseRequestURI(c.API.PublicBaseURL); err != nil {
		return errors.ErrConfigInvalid("api.public_base_url", c.API.PublicBaseURL)
	}

	for kind := range c.Dispatch.Endpoints {
		if _, err := scanner.ParseKind(kind); err != nil {
			return errors.ErrConfigInvalid("dispatch.endpoints", kind)
		}
	}
	if c.Dispatch.Timeout <= 0 {
		return errors.ErrConfigInvalid("dispatch.timeout", c.Dispatch.Timeout)
	}
	if c.Dispatch.JoinTimeout <= 0 {
		return errors.ErrConfigInvalid("dispatch.join_timeout", c.Dispatch.JoinTimeout)
	}
	if c.Dispatch.Concurrency <= 0 {
		return errors.ErrConfigInvalid("dispatch.concurrency", c.Dispatch.Concurrency)
	}
	if c.Dispatch.RateLimit.RequestsPerSecond < 0 || c.Dispatch.RateLimit.Burst < 0 {
		return errors.ErrConfigInvalid("dispatch.rate_limit", c.Dispatch.RateLimit)
	}

	if c.Webhook.SignedURLTTL <= 0 {
		return errors.ErrConfigInvalid("webhook.signed_url_ttl", c.Webhook.SignedURLTTL)
	}

	for price, tier := range c.Billing.Plans {
		if _, err := scanner.ParseTier(tier); err != nil {
			return errors.ErrConfigInvalid("billing.plans."+price, tier)
		}
	}
	for price, pack := range c.Billing.CreditPacks {
		for kind, credits := range pack {
			if _, err := scanner.ParseKind(kind); err != nil || credits < 0 {
				return errors.ErrConfigInvalid("billing.credit_packs."+price, kind)
			}
		}
	}

	if c.Sweeper.Enabled {
		if _, err := cron.ParseStandard(c.Sweeper.Schedule); err != nil {
			return errors.ErrConfigInvalid("sweeper.schedule", c.Sweeper.Schedule)
		}
		if c.Sweeper.StaleAfter <= 0 {
			return errors.ErrConfigInvalid("sweeper.stale_after", c.Sweeper.StaleAfter)
		}
	}

	switch c.Logging.Level {
	case logging.LevelDebug, logging.LevelInfo, logging.LevelWarn, logging.LevelError:
	default:
		return errors.ErrConfigInvalid("logging.level", c.Logging.Level)
	}
	switch c.Logging.Format {
	case logging.FormatText, logging.FormatJSON:
	default:
		return errors.ErrConfigInvalid("logging.format", c.Logging.Format)
	}

	return nil
}

// GetAPIAddress returns the full API address
func (c *Config) GetAPIAddress() string {
	return fmt.Sprintf("%s:%d", c.API.ListenAddr, c.API.Port)
}

// CallbackURL returns the URL workers post results to.
func (c *Config) CallbackURL() string {
	return strings.TrimRight(c.API.PublicBaseURL, "/") + "/api/v1/scans/webhook"
}

// PlanTiers returns the configured price to tier mapping. Price ids are
// lowercased because viper folds map keys.
func (c *Config) PlanTiers() map[string]scanner.Tier {
	out := make(map[string]scanner.Tier, len(c.Billing.Plans))
	for price, tier := range c.Billing.Plans {
		if t, err := scanner.ParseTier(tier); err == nil {
			out[strings.ToLower(price)] = t
		}
	}
	return out
}

// CreditPackUnits returns the configured credit packs keyed by lowercased
// price id.
func (c *Config) CreditPackUnits() map[string]scanner.Units {
	out := make(map[string]scanner.Units, len(c.Billing.CreditPacks))
	for price, pack := range c.Billing.CreditPacks {
		units := scanner.Units{}
		for kind, credits := range pack {
			if k, err := scanner.ParseKind(kind); err == nil {
				units[k] = credits
			}
		}
		out[strings.ToLower(price)] = units
	}
	return out
}
