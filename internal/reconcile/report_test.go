package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scangate/scangate/internal/errors"
	"github.com/scangate/scangate/internal/scanner"
)

func TestParseReport(t *testing.T) {
	t.Run("full payload", func(t *testing.T) {
		r, err := ParseReport([]byte(`{
			"scanId": "job-1",
			"userId": "u1",
			"status": "done",
			"scannerType": "OpenVAS",
			"billingUnits": 3,
			"gcpStorageUrl": "gs://results/job-1.json",
			"gcpSignedUrl": "https://signed/json",
			"gcpSignedUrlExpires": "2026-05-08T10:00:00Z",
			"gcpXmlStorageUrl": "gs://results/job-1.xml",
			"gcpReportStorageUrl": "gs://results/job-1.pdf",
			"gcpReportSignedUrlExpires": 1778234400000,
			"resultsSummary": {"high": 2, "low": 7},
			"errorMessage": ""
		}`))
		require.NoError(t, err)

		assert.Equal(t, "job-1", r.ScanID)
		assert.Equal(t, "u1", r.UserID)
		assert.Equal(t, "done", r.RawStatus)
		assert.Equal(t, scanner.StatusCompleted, r.Status)
		assert.Equal(t, scanner.KindOpenVAS, r.Kind)
		assert.Equal(t, 3, r.BillingUnits())
		assert.Equal(t, "gs://results/job-1.json", r.Result.Locator)
		assert.Equal(t, "https://signed/json", r.Result.URL)
		require.NotNil(t, r.Result.Expires)
		assert.Equal(t, time.Date(2026, 5, 8, 10, 0, 0, 0, time.UTC), *r.Result.Expires)
		assert.Equal(t, "gs://results/job-1.xml", r.XML.Locator)
		assert.Empty(t, r.XML.URL)
		require.NotNil(t, r.Report.Expires)
		assert.Equal(t, int64(1778234400000), r.Report.Expires.UnixMilli())
		assert.JSONEq(t, `{"high": 2, "low": 7}`, string(r.Summary))
		assert.Empty(t, r.ErrorMessage)
	})

	t.Run("alternate spellings", func(t *testing.T) {
		r, err := ParseReport([]byte(`{"scanId":"job-2","gcsPath":"gs://b/o","summary":"3 hosts up"}`))
		require.NoError(t, err)
		assert.Equal(t, "gs://b/o", r.Result.Locator)
		assert.JSONEq(t, `"3 hosts up"`, string(r.Summary))
		assert.Equal(t, scanner.StatusCompleted, r.Status, "absent status means finished")
	})

	t.Run("primary key wins over alternate", func(t *testing.T) {
		r, err := ParseReport([]byte(`{"scanId":"j","gcpStorageUrl":"gs://a/1","gcsPath":"gs://b/2"}`))
		require.NoError(t, err)
		assert.Equal(t, "gs://a/1", r.Result.Locator)
	})

	t.Run("empty primary falls through", func(t *testing.T) {
		r, err := ParseReport([]byte(`{"scanId":"j","gcpStorageUrl":"","gcsPath":"gs://b/2","resultsSummary":null,"summary":{"x":1}}`))
		require.NoError(t, err)
		assert.Equal(t, "gs://b/2", r.Result.Locator)
		assert.JSONEq(t, `{"x":1}`, string(r.Summary))
	})

	t.Run("failure with message", func(t *testing.T) {
		r, err := ParseReport([]byte(`{"scanId":"j","status":"error","errorMessage":"host unreachable","scannerType":"nessus"}`))
		require.NoError(t, err)
		assert.Equal(t, scanner.StatusFailed, r.Status)
		assert.Equal(t, "host unreachable", r.ErrorMessage)
		assert.Empty(t, r.Kind, "unknown scanner types are dropped")
		assert.Nil(t, r.Summary)
	})

	t.Run("rejects bad bodies", func(t *testing.T) {
		for _, body := range []string{``, `not json`, `[1,2]`, `{"userId":"u1"}`, `{"scanId":42}`} {
			_, err := ParseReport([]byte(body))
			require.Error(t, err, body)
			assert.True(t, errors.IsCode(err, errors.CodeValidation), body)
		}
	})

	t.Run("bad expiry is ignored", func(t *testing.T) {
		r, err := ParseReport([]byte(`{"scanId":"j","gcpSignedUrlExpires":"next tuesday"}`))
		require.NoError(t, err)
		assert.Nil(t, r.Result.Expires)
	})
}

func TestBillingUnits(t *testing.T) {
	tests := []struct {
		body string
		want int
	}{
		{body: `{"scanId":"j"}`, want: 1},
		{body: `{"scanId":"j","billingUnits":0}`, want: 1},
		{body: `{"scanId":"j","billingUnits":-4}`, want: 1},
		{body: `{"scanId":"j","billingUnits":"5"}`, want: 1},
		{body: `{"scanId":"j","billingUnits":1}`, want: 1},
		{body: `{"scanId":"j","billingUnits":4}`, want: 4},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			r, err := ParseReport([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, r.BillingUnits())
		})
	}
}

func TestLedgerDelta(t *testing.T) {
	tests := []struct {
		name   string
		status scanner.JobStatus
		units  int
		want   int
	}{
		{name: "completed flat", status: scanner.StatusCompleted, units: 1, want: 0},
		{name: "completed extra", status: scanner.StatusCompleted, units: 3, want: 2},
		{name: "failed refunds", status: scanner.StatusFailed, units: 3, want: -1},
		{name: "in progress", status: scanner.StatusInProgress, units: 5, want: 0},
		{name: "queued", status: scanner.StatusQueued, units: 1, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LedgerDelta(tt.status, tt.units))
		})
	}
}
