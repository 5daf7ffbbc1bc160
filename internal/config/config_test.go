// ABOUTME: Tests for configuration loading
// ABOUTME: Covers env expansion, defaults, validation failures and TTL parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "authority.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

const validConfig = `
database:
  path: /tmp/authority.db
keys:
  hmac_audit_key: audit-secret
  context_hmac_key: context-secret
auth:
  jwt_secret: jwt-secret
  idempotency_ttl: 3600
lifetimes:
  channel_token_seconds: 600
  device_code_seconds: 300
rate_limits:
  device: 10
  qr: 20
  auth: 30
logging:
  level: debug
  format: json
`

func TestLoad_Valid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Path != "/tmp/authority.db" {
		t.Errorf("database path = %q", cfg.Database.Path)
	}
	if cfg.Auth.IdempotencyTTL != 3600 {
		t.Errorf("idempotency_ttl = %d, want 3600", cfg.Auth.IdempotencyTTL)
	}
	if got := cfg.IdempotencyTTL(); got != time.Hour {
		t.Errorf("IdempotencyTTL() = %v, want 1h", got)
	}
	if cfg.RateLimits.QR != 20 {
		t.Errorf("rate_limits.qr = %d, want 20", cfg.RateLimits.QR)
	}
	if cfg.Lifetimes.ChannelTokenSeconds != 600 {
		t.Errorf("channel_token_seconds = %d, want 600", cfg.Lifetimes.ChannelTokenSeconds)
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
database:
  path: /tmp/a.db
keys:
  hmac_audit_key: a
  context_hmac_key: b
auth:
  jwt_secret: s
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Lifetimes.ConsentTTLSeconds != defaultConsentTTLSeconds {
		t.Errorf("consent_ttl_seconds = %d, want default %d", cfg.Lifetimes.ConsentTTLSeconds, defaultConsentTTLSeconds)
	}
	if cfg.Lifetimes.QRSessionSeconds != defaultQRSessionSeconds {
		t.Errorf("qr_session_seconds = %d, want default %d", cfg.Lifetimes.QRSessionSeconds, defaultQRSessionSeconds)
	}
	if cfg.RateLimits.Device != defaultRateLimit {
		t.Errorf("rate_limits.device = %d, want default %d", cfg.RateLimits.Device, defaultRateLimit)
	}
	if cfg.Auth.IdempotencyTTL != defaultIdempotencyTTL {
		t.Errorf("idempotency_ttl = %d, want default %d", cfg.Auth.IdempotencyTTL, defaultIdempotencyTTL)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("AUTHORITY_TEST_JWT", "from-env")

	cfg, err := Load(writeConfig(t, `
database:
  path: /tmp/a.db
keys:
  hmac_audit_key: a
  context_hmac_key: b
auth:
  jwt_secret: ${AUTHORITY_TEST_JWT}
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("jwt_secret = %q, want from-env", cfg.Auth.JWTSecret)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing database path",
			content: "keys:\n  hmac_audit_key: a\n  context_hmac_key: b\nauth:\n  jwt_secret: s\n",
			wantErr: "database.path",
		},
		{
			name:    "missing audit key",
			content: "database:\n  path: /tmp/a.db\nkeys:\n  context_hmac_key: b\nauth:\n  jwt_secret: s\n",
			wantErr: "hmac_audit_key",
		},
		{
			name:    "missing context key",
			content: "database:\n  path: /tmp/a.db\nkeys:\n  hmac_audit_key: a\nauth:\n  jwt_secret: s\n",
			wantErr: "context_hmac_key",
		},
		{
			name:    "missing jwt secret",
			content: "database:\n  path: /tmp/a.db\nkeys:\n  hmac_audit_key: a\n  context_hmac_key: b\n",
			wantErr: "jwt_secret",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
