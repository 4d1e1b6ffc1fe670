package blob

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/scangate/scangate/internal/errors"
	"github.com/scangate/scangate/internal/logging"
)

// GCSConfig holds the signing identity for Cloud Storage.
type GCSConfig struct {
	CredentialsFile string
	SignerEmail     string
	PrivateKeyFile  string
}

// GCSSigner signs V4 URLs for objects in Cloud Storage.
type GCSSigner struct {
	client     *storage.Client
	accessID   string
	privateKey []byte
	logger     *slog.Logger
	now        func() time.Time
}

// NewGCSSigner builds a signer. Without an explicit signer email and key
// the storage client detects the identity from its credentials.
func NewGCSSigner(ctx context.Context, cfg GCSConfig, opts ...option.ClientOption) (*GCSSigner, error) {
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(errors.CodeConfiguration, "failed to create storage client", err)
	}

	s := &GCSSigner{
		client:   client,
		accessID: cfg.SignerEmail,
		logger:   logging.Component("blob"),
		now:      time.Now,
	}
	if cfg.PrivateKeyFile != "" {
		key, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			_ = client.Close()
			return nil, errors.Wrap(errors.CodeConfiguration, "failed to read signing key", err)
		}
		s.privateKey = key
	}
	return s, nil
}

// SignedURL implements Signer.
func (s *GCSSigner) SignedURL(ctx context.Context, locator string, ttl time.Duration) (string, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return "", time.Time{}, err
	}

	bucket, object, err := ParseLocator(locator)
	if err != nil {
		return "", time.Time{}, err
	}

	expires := s.now().Add(ttl)
	signed, err := s.client.Bucket(bucket).SignedURL(object, &storage.SignedURLOptions{
		GoogleAccessID: s.accessID,
		PrivateKey:     s.privateKey,
		Method:         http.MethodGet,
		Expires:        expires,
		Scheme:         storage.SigningSchemeV4,
	})
	if err != nil {
		return "", time.Time{}, errors.Wrap(errors.CodeUnknown, "failed to sign artifact url", err)
	}

	s.logger.Debug("Signed artifact url", "bucket", bucket, "object", object, "expires", expires)
	return signed, expires, nil
}

// Close releases the storage client.
func (s *GCSSigner) Close() error {
	return s.client.Close()
}
