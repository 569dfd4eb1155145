package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPurpose: Validates that the built-in defaults form a valid in-memory configuration.
// Scope: Unit Test
// Security: Secure Defaults
// Expected: Load succeeds with no environment and selects the memory backend.
// Test Case ID: CFG-01
func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("STORAGE_BACKEND", "")
	t.Setenv("MASTER_KEY", "")
	t.Setenv("TOKEN_SECRET", "")
	t.Setenv("REQUIRE_TOKEN", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, 5, cfg.Audit.FailureThreshold)
	assert.Equal(t, time.Hour, cfg.Audit.FailureWindow)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
}

// TestPurpose: Validates precedence of defaults, YAML file and environment.
// Scope: Unit Test
// Expected: File values override defaults and environment values override the file.
// Test Case ID: CFG-02
func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tenantvault.yaml")
	content := `
server:
  port: "9090"
audit:
  failure_threshold: 7
  burst_window: 2m
rate_limit:
  requests_per_second: 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("STORAGE_BACKEND", "")
	t.Setenv("MASTER_KEY", "")
	t.Setenv("TOKEN_SECRET", "")
	t.Setenv("REQUIRE_TOKEN", "")
	t.Setenv("SERVER_PORT", "")
	t.Setenv("AUDIT_FAILURE_THRESHOLD", "9")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 9, cfg.Audit.FailureThreshold)
	assert.Equal(t, 2*time.Minute, cfg.Audit.BurstWindow)
	assert.Equal(t, 5.0, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, 20, cfg.Audit.BurstThreshold)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

// TestPurpose: Validates that unsafe combinations are rejected at startup.
// Scope: Unit Test
// Security: Key Management (CWE-321)
// Expected: Persistent backends without a master key, short secrets and malformed keys fail validation.
// Test Case ID: CFG-03
func TestValidate(t *testing.T) {
	goodKey := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "mongo" }, "unknown storage backend"},
		{"sqlite without key", func(c *Config) { c.Storage.Backend = BackendSQLite }, "MASTER_KEY is required"},
		{"sqlite with key", func(c *Config) {
			c.Storage.Backend = BackendSQLite
			c.Security.MasterKey = goodKey
		}, ""},
		{"postgres without password", func(c *Config) {
			c.Storage.Backend = BackendPostgres
			c.Security.MasterKey = goodKey
		}, "DB_PASSWORD is required"},
		{"malformed key", func(c *Config) { c.Security.MasterKey = "%%%" }, "base64"},
		{"short key", func(c *Config) {
			c.Security.MasterKey = base64.StdEncoding.EncodeToString([]byte("short"))
		}, "at least 32 bytes"},
		{"token required without secret", func(c *Config) { c.Security.RequireToken = true }, "TOKEN_SECRET is required"},
		{"short secret", func(c *Config) { c.Security.TokenSecret = "tiny" }, "at least 32 bytes"},
		{"zero threshold", func(c *Config) { c.Audit.FailureThreshold = 0 }, "thresholds"},
		{"negative rps", func(c *Config) { c.RateLimit.RequestsPerSecond = -1 }, "RATELIMIT_RPS"},
		{"zero cleanup interval", func(c *Config) { c.RateLimit.CleanupInterval = 0 }, "must be positive"},
		{"zero retention interval", func(c *Config) {
			c.Retention.Enabled = true
			c.Retention.Interval = 0
		}, "RETENTION_INTERVAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMasterKeyBytes(t *testing.T) {
	cfg := Default()
	key, err := cfg.MasterKeyBytes()
	require.NoError(t, err)
	assert.Nil(t, key)

	raw := []byte(strings.Repeat("m", 32))
	cfg.Security.MasterKey = base64.StdEncoding.EncodeToString(raw)
	key, err = cfg.MasterKeyBytes()
	require.NoError(t, err)
	assert.Equal(t, raw, key)
}

func TestParseHelpers_IgnoreMalformedValues(t *testing.T) {
	t.Setenv("CFG_TEST_INT", "abc")
	t.Setenv("CFG_TEST_DURATION", "soon")
	t.Setenv("CFG_TEST_BOOL", "maybe")

	assert.Equal(t, 3, parseInt("CFG_TEST_INT", 3))
	assert.Equal(t, time.Second, parseDuration("CFG_TEST_DURATION", time.Second))
	assert.True(t, parseBool("CFG_TEST_BOOL", true))
}
