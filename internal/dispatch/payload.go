package dispatch

import (
	"github.com/scangate/scangate/internal/scanner"
)

// PayloadBuilder shapes the request body a worker kind expects.
type PayloadBuilder func(job Job, callbackURL string) interface{}

// The web-app worker takes a flat body with its own callback field name.
type webAppPayload struct {
	ScanID     string `json:"scanId"`
	UserID     string `json:"userId"`
	Target     string `json:"target"`
	ScanType   string `json:"scanType"`
	WebhookURL string `json:"webhookUrl"`
}

type hostPayload struct {
	ScanID      string                 `json:"scanId"`
	UserID      string                 `json:"userId"`
	Type        string                 `json:"type"`
	Target      string                 `json:"target"`
	Options     map[string]interface{} `json:"options"`
	CallbackURL string                 `json:"callbackUrl"`
}

const defaultWebAppScanType = "active"

func buildWebAppPayload(job Job, callbackURL string) interface{} {
	scanType := defaultWebAppScanType
	if v, ok := job.Options["scanProfile"].(string); ok && v != "" {
		scanType = v
	}
	return webAppPayload{
		ScanID:     job.ID,
		UserID:     job.UserID,
		Target:     job.Target,
		ScanType:   scanType,
		WebhookURL: callbackURL,
	}
}

func buildHostPayload(job Job, callbackURL string) interface{} {
	options := job.Options
	if options == nil {
		options = map[string]interface{}{}
	}
	return hostPayload{
		ScanID:      job.ID,
		UserID:      job.UserID,
		Type:        string(job.Kind),
		Target:      job.Target,
		Options:     options,
		CallbackURL: callbackURL,
	}
}

// DefaultPayloadBuilders returns the builder for every supported kind.
func DefaultPayloadBuilders() map[scanner.Kind]PayloadBuilder {
	return map[scanner.Kind]PayloadBuilder{
		scanner.KindNmap:    buildHostPayload,
		scanner.KindOpenVAS: buildHostPayload,
		scanner.KindZAP:     buildWebAppPayload,
	}
}
