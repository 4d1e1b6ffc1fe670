package reconcile

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/scangate/scangate/internal/db"
	"github.com/scangate/scangate/internal/errors"
	"github.com/scangate/scangate/internal/scanner"
)

// Artifact is one result file reported by a worker.
type Artifact struct {
	Locator string
	URL     string
	Expires *time.Time
}

func (a Artifact) toDB() db.Artifact {
	var out db.Artifact
	if a.Locator != "" {
		out.Locator = &a.Locator
	}
	if a.URL != "" {
		out.URL = &a.URL
	}
	out.Expires = a.Expires
	return out
}

// Report is a worker's outcome report for one job.
type Report struct {
	ScanID       string
	UserID       string
	RawStatus    string
	Status       scanner.JobStatus
	Kind         scanner.Kind
	Result       Artifact
	XML          Artifact
	Report       Artifact
	Summary      db.JSONB
	ErrorMessage string
	// ReportedUnits is the worker's billingUnits when it sent a number.
	ReportedUnits *int
}

// BillingUnits is the charge for the job: the reported units, or 1 when the
// worker sent none or a non-positive value.
func (r *Report) BillingUnits() int {
	if r.ReportedUnits != nil && *r.ReportedUnits > 0 {
		return *r.ReportedUnits
	}
	return 1
}

// LedgerDelta is the correction applied to the consumed counter once the job
// is terminal. One unit was reserved at admission, so a completed job is
// charged the remainder and a failed one is refunded that unit.
func LedgerDelta(status scanner.JobStatus, units int) int {
	switch status {
	case scanner.StatusCompleted:
		if units > 1 {
			return units - 1
		}
		return 0
	case scanner.StatusFailed:
		return -1
	default:
		return 0
	}
}

// ParseReport extracts a Report from a callback body. Workers disagree on
// field names, so a few alternate spellings are accepted.
func ParseReport(body []byte) (*Report, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New(errors.CodeValidation, "callback body is not valid JSON")
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return nil, errors.New(errors.CodeValidation, "callback body must be a JSON object")
	}

	r := &Report{
		ScanID:       str(doc.Get("scanId")),
		UserID:       str(doc.Get("userId")),
		RawStatus:    str(doc.Get("status")),
		ErrorMessage: str(doc.Get("errorMessage")),
		Result: Artifact{
			Locator: str(first(doc, "gcpStorageUrl", "gcsPath")),
			URL:     str(doc.Get("gcpSignedUrl")),
			Expires: timestamp(doc.Get("gcpSignedUrlExpires")),
		},
		XML: Artifact{
			Locator: str(doc.Get("gcpXmlStorageUrl")),
			URL:     str(doc.Get("gcpXmlSignedUrl")),
			Expires: timestamp(doc.Get("gcpXmlSignedUrlExpires")),
		},
		Report: Artifact{
			Locator: str(doc.Get("gcpReportStorageUrl")),
			URL:     str(doc.Get("gcpReportSignedUrl")),
			Expires: timestamp(doc.Get("gcpReportSignedUrlExpires")),
		},
	}
	if r.ScanID == "" {
		return nil, errors.New(errors.CodeValidation, "scanId is required")
	}

	r.Status = scanner.NormalizeReportedStatus(r.RawStatus)
	if kind, err := scanner.ParseKind(str(doc.Get("scannerType"))); err == nil {
		r.Kind = kind
	}
	if s := first(doc, "resultsSummary", "summary"); s.Exists() && s.Type != gjson.Null {
		r.Summary = db.JSONB(s.Raw)
	}
	if u := doc.Get("billingUnits"); u.Type == gjson.Number {
		n := int(u.Int())
		r.ReportedUnits = &n
	}
	return r, nil
}

func str(v gjson.Result) string {
	if v.Type != gjson.String {
		return ""
	}
	return strings.TrimSpace(v.Str)
}

// first returns the first key that carries a non-empty value.
func first(doc gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		v := doc.Get(k)
		if v.Exists() && v.Type != gjson.Null && !(v.Type == gjson.String && v.Str == "") {
			return v
		}
	}
	return gjson.Result{}
}

func timestamp(v gjson.Result) *time.Time {
	var t time.Time
	switch v.Type {
	case gjson.String:
		parsed, err := time.Parse(time.RFC3339Nano, v.Str)
		if err != nil {
			return nil
		}
		t = parsed
	case gjson.Number:
		t = time.UnixMilli(v.Int())
	default:
		return nil
	}
	t = t.UTC()
	return &t
}
