// Package blob mints time-limited download URLs for scan artifacts held in
// object storage.
package blob

//go:generate mockgen -source=blob.go -destination=mocks/mock_signer.go -package=mocks

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/scangate/scangate/internal/errors"
)

const gcsHost = "storage.googleapis.com"

// Signer mints a signed GET URL for an artifact locator.
type Signer interface {
	SignedURL(ctx context.Context, locator string, ttl time.Duration) (string, time.Time, error)
}

// ParseLocator splits an artifact locator into bucket and object. Both
// gs://bucket/path and https://storage.googleapis.com/bucket/path are
// accepted.
func ParseLocator(locator string) (bucket, object string, err error) {
	locator = strings.TrimSpace(locator)

	var rest string
	switch {
	case strings.HasPrefix(locator, "gs://"):
		rest = strings.TrimPrefix(locator, "gs://")
	case strings.HasPrefix(locator, "https://"), strings.HasPrefix(locator, "http://"):
		u, perr := url.Parse(locator)
		if perr != nil || u.Host != gcsHost {
			return "", "", errors.Newf(errors.CodeValidation, "unsupported artifact locator %q", locator)
		}
		rest = strings.TrimPrefix(u.Path, "/")
	default:
		return "", "", errors.Newf(errors.CodeValidation, "unsupported artifact locator %q", locator)
	}

	bucket, object, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", errors.Newf(errors.CodeValidation, "artifact locator %q needs a bucket and object", locator)
	}
	return bucket, object, nil
}

// Disabled is used when no signing credentials are configured. It always
// fails, so callers keep the URL empty.
type Disabled struct{}

// SignedURL implements Signer.
func (Disabled) SignedURL(context.Context, string, time.Duration) (string, time.Time, error) {
	return "", time.Time{}, errors.New(errors.CodeConfiguration, "artifact signing is not configured")
}
