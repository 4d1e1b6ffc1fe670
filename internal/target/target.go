// Package target validates and canonicalizes user supplied scan targets.
//
// Host scanners (nmap, openvas) take a bare IPv4 address or domain name.
// The web application scanner (zap) takes an absolute URL.
package target

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/scangate/scangate/internal/errors"
	"github.com/scangate/scangate/internal/scanner"
)

var (
	schemePattern = regexp.MustCompile(`(?i)^https?://`)
	portPattern   = regexp.MustCompile(`:\d+.*$`)
	pathPattern   = regexp.MustCompile(`/.*$`)
	ipv4Pattern   = regexp.MustCompile(`^(?:\d{1,3}\.){3}\d{1,3}$`)
	domainPattern = regexp.MustCompile(
		`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)
)

const (
	requireURL  = "a valid URL"
	requireHost = "a valid IP address or domain name"
)

// Normalize returns the canonical form of raw for the given scanner kind.
func Normalize(kind scanner.Kind, raw string) (string, error) {
	if kind.IsWebApp() {
		return normalizeURL(raw)
	}
	return normalizeHost(raw)
}

// NormalizeAll normalizes every target in order. The first invalid entry
// fails the whole list and is named in the error.
func NormalizeAll(kind scanner.Kind, raws []string) ([]string, error) {
	if len(raws) == 0 {
		return nil, errors.New(errors.CodeValidation, "at least one target is required")
	}
	out := make([]string, 0, len(raws))
	for _, raw := range raws {
		canonical, err := Normalize(kind, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, canonical)
	}
	return out, nil
}

func normalizeURL(raw string) (string, error) {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return "", errors.ErrInvalidTarget(raw, requireURL)
	}
	if !schemePattern.MatchString(candidate) {
		candidate = "http://" + candidate
	}
	u, err := url.ParseRequestURI(candidate)
	if err != nil || u.Host == "" || strings.ContainsAny(u.Host, " \t") {
		return "", errors.ErrInvalidTarget(raw, requireURL)
	}
	return candidate, nil
}

func normalizeHost(raw string) (string, error) {
	host := strings.TrimSpace(raw)
	host = schemePattern.ReplaceAllString(host, "")
	host = portPattern.ReplaceAllString(host, "")
	host = pathPattern.ReplaceAllString(host, "")

	if !ipv4Pattern.MatchString(host) && !domainPattern.MatchString(host) {
		return "", errors.ErrInvalidTarget(raw, requireHost)
	}
	return strings.ToLower(host), nil
}
