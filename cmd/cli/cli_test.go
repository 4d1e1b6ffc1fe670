package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scangate/scangate/internal/auth"
	"github.com/scangate/scangate/internal/config"
	"github.com/scangate/scangate/internal/db"
	"github.com/scangate/scangate/internal/ledger"
	"github.com/scangate/scangate/internal/scanner"
)

func TestConfigureViperFromEnvironment(t *testing.T) {
	t.Setenv("SCANGATE_DATABASE_DATABASE", "scangate")
	t.Setenv("SCANGATE_DATABASE_USERNAME", "svc")
	t.Setenv("SCANGATE_DATABASE_PASSWORD", "hunter2")
	t.Setenv("SCANGATE_API_PORT", "9090")
	t.Setenv("SCANGATE_AUTH_JWT_SECRET", "jwt-secret")
	t.Setenv("SCANGATE_REDIS_URL", "redis://localhost:6379/0")

	v := viper.New()
	configureViper(v, filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := config.FromViper(v)
	require.NoError(t, err)

	assert.Equal(t, "hunter2", cfg.Database.Password)
	assert.Equal(t, 9090, cfg.API.Port)
	assert.Equal(t, "jwt-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	// untouched settings keep their defaults
	assert.Equal(t, "127.0.0.1", cfg.API.ListenAddr)
	assert.Equal(t, 10, cfg.API.BatchConfirmThreshold)
}

func TestConfigureViperFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
database:
  host: db.internal
  database: scangate
  username: svc
api:
  port: 8443
  batch_confirm_threshold: 25
dispatch:
  timeout: 45s
  endpoints:
    nmap: https://nmap-worker.internal/scan
    zap: zap-worker.internal
sweeper:
  stale_after: 2h
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	v := viper.New()
	configureViper(v, path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := config.FromViper(v)
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 8443, cfg.API.Port)
	assert.Equal(t, 25, cfg.API.BatchConfirmThreshold)
	assert.Equal(t, 45*time.Second, cfg.Dispatch.Timeout)
	assert.Equal(t, 2*time.Hour, cfg.Sweeper.StaleAfter)

	endpoints, err := dispatchEndpoints(cfg.Dispatch.Endpoints)
	require.NoError(t, err)
	assert.Equal(t, "zap-worker.internal", endpoints[scanner.KindZAP])
}

func TestDispatchEndpoints(t *testing.T) {
	endpoints, err := dispatchEndpoints(map[string]string{"NMAP": "https://a", "openvas": "https://b"})
	require.NoError(t, err)
	assert.Equal(t, map[scanner.Kind]string{
		scanner.KindNmap:    "https://a",
		scanner.KindOpenVAS: "https://b",
	}, endpoints)

	_, err = dispatchEndpoints(map[string]string{"burp": "https://c"})
	assert.Error(t, err)
}

func TestGrantUnits(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		credits int
		want    scanner.Units
		wantErr bool
	}{
		{"one kind", "zap", 5, scanner.Units{scanner.KindZAP: 5}, false},
		{"every kind", "", 2, scanner.Units{scanner.KindNmap: 2, scanner.KindOpenVAS: 2, scanner.KindZAP: 2}, false},
		{"zero credits", "nmap", 0, nil, true},
		{"negative credits", "", -1, nil, true},
		{"unknown kind", "burp", 1, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := grantUnits(tt.kind, tt.credits)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderSnapshot(t *testing.T) {
	var buf bytes.Buffer
	renderSnapshot(&buf, &ledger.Snapshot{
		UserID: "user-1",
		Balances: map[scanner.Kind]db.QuotaRow{
			scanner.KindNmap: {Kind: scanner.KindNmap, Limit: 10, Used: 3},
			scanner.KindZAP:  {Kind: scanner.KindZAP, Limit: 1, Used: 4},
		},
	})

	out := buf.String()
	assert.Contains(t, out, "Quota for user-1")
	for _, kind := range scanner.Kinds() {
		assert.Contains(t, out, string(kind))
	}
	assert.Contains(t, out, "7")
}

func TestRenderJobs(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("empty", func(t *testing.T) {
		var buf bytes.Buffer
		renderJobs(&buf, nil, now)
		assert.Equal(t, "No stale jobs\n", buf.String())
	})

	t.Run("rows", func(t *testing.T) {
		var buf bytes.Buffer
		renderJobs(&buf, []*db.Job{{
			ID:        "job-1",
			UserID:    "user-1",
			Kind:      scanner.KindOpenVAS,
			Target:    "scanme.example.com",
			Status:    scanner.StatusQueued,
			CreatedAt: now.Add(-90 * time.Minute),
		}}, now)

		out := buf.String()
		assert.Contains(t, out, "job-1")
		assert.Contains(t, out, "openvas")
		assert.Contains(t, out, "1h30m0s")
	})
}

func TestRenderMigrations(t *testing.T) {
	var buf bytes.Buffer
	renderMigrations(&buf, []db.MigrationStatus{
		{Name: "001_initial_schema", Applied: true, AppliedAt: time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC)},
		{Name: "002_billing_events"},
	})

	out := buf.String()
	assert.Contains(t, out, "001_initial_schema")
	assert.Contains(t, out, "2026-01-02 03:04")
	assert.Contains(t, out, "002_billing_events")
}

func TestPrintGeneratedKey(t *testing.T) {
	key := &auth.GeneratedAPIKey{Name: "ops", Key: "sgk_abc", Hash: "$2a$12$hash"}

	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, printGeneratedKey(&buf, key, "text"))
		assert.Contains(t, buf.String(), "sgk_abc")
		assert.Contains(t, buf.String(), "api.admin_key_hashes")
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, printGeneratedKey(&buf, key, "json"))
		var decoded map[string]string
		require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
		assert.Equal(t, "$2a$12$hash", decoded["hash"])
	})

	t.Run("unsupported", func(t *testing.T) {
		assert.Error(t, printGeneratedKey(&bytes.Buffer{}, key, "xml"))
	})
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"serve"},
		{"migrate", "up"},
		{"migrate", "status"},
		{"quota", "show"},
		{"quota", "grant"},
		{"quota", "set-plan"},
		{"jobs", "stale"},
		{"jobs", "requeue"},
		{"jobs", "cancel"},
		{"admin-key", "generate"},
		{"version"},
	} {
		t.Run(strings.Join(path, " "), func(t *testing.T) {
			cmd, _, err := rootCmd.Find(path)
			require.NoError(t, err)
			assert.Equal(t, path[len(path)-1], cmd.Name())
		})
	}
}

func TestVersionCommand(t *testing.T) {
	SetVersion("1.2.3", "abc123", "2026-01-01")
	t.Cleanup(func() { SetVersion("dev", "none", "unknown") })

	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	versionCmd.Run(versionCmd, nil)

	assert.Contains(t, buf.String(), "scangate 1.2.3")
	assert.Contains(t, buf.String(), "abc123")
	assert.Contains(t, rootCmd.Version, "1.2.3")
}

func TestMigrateResetRequiresConfirmation(t *testing.T) {
	migrateResetConfirm = false
	err := migrateResetCmd.RunE(migrateResetCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--yes")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "https:...", truncate("https://example.com", 9))
}
