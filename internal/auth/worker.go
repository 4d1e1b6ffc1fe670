package auth

import (
	"crypto/subtle"
	"net/http"
)

// WorkerSecretHeaders are the header names workers use to present the
// shared secret. Different worker images settled on different names.
var WorkerSecretHeaders = []string{
	"X-Webhook-Signature",
	"X-Gcp-Webhook-Secret",
	"X-Webhook-Secret",
}

// WorkerSecret authenticates worker callbacks.
type WorkerSecret struct {
	secret []byte
}

// NewWorkerSecret creates a checker. An empty secret disables the check.
func NewWorkerSecret(secret string) WorkerSecret {
	return WorkerSecret{secret: []byte(secret)}
}

// Enabled reports whether a secret is configured.
func (w WorkerSecret) Enabled() bool {
	return len(w.secret) > 0
}

// Check reports whether any accepted header carries the secret. It always
// passes when no secret is configured.
func (w WorkerSecret) Check(h http.Header) bool {
	if !w.Enabled() {
		return true
	}
	ok := false
	for _, name := range WorkerSecretHeaders {
		v := h.Get(name)
		if v != "" && subtle.ConstantTimeCompare([]byte(v), w.secret) == 1 {
			ok = true
		}
	}
	return ok
}
