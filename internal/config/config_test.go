package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points the data dir at a temp directory and runs the test from an
// empty working directory so no stray .env file is picked up.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("QUOTA_DATA_DIR", dir)
	t.Chdir(t.TempDir())
	return dir
}

// unsetAfter makes sure a key set by godotenv does not leak into other tests.
func unsetAfter(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := isolate(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, 3978, cfg.Port)
	assert.Equal(t, 9091, cfg.MetricsPort)
	assert.True(t, cfg.QuotaEnabled)
	assert.Equal(t, 300, cfg.IncludedQuotaPerMonth)
	assert.Equal(t, "question", cfg.Dimension)
	assert.False(t, cfg.OverageEnabled)
	assert.Equal(t, "2018-08-31", cfg.MeteringAPIVersion)
	assert.Equal(t, 30*time.Second, cfg.MeteringTimeout)
	assert.Equal(t, 5, cfg.RetryMaxAttempts)
	assert.Equal(t, time.Second, cfg.RetryInitialDelay)
	assert.Equal(t, 30*time.Second, cfg.RetryMaxDelay)
	assert.Equal(t, 10*time.Minute, cfg.RedeliveryGracePeriod)
	assert.Equal(t, BackendSQLite, cfg.RegistryBackend)
	assert.Equal(t, BackendConsole, cfg.AuditBackend)
	assert.Empty(t, cfg.EnvOverrides)
}

func TestLoadEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("PORT", "8080")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("ENABLE_QUOTA", "no")
	t.Setenv("INCLUDED_QUOTA_PER_MONTH", "50")
	t.Setenv("OVERAGE_ENABLED", "yes")
	t.Setenv("QUOTA_SKIP_PATHS", "/api/internal, ,/debug")
	t.Setenv("RETRY_INITIAL_DELAY_MS", "250")
	t.Setenv("RETRY_MAX_DELAY_MS", "4000")
	t.Setenv("REDELIVERY_INTERVAL", "90")
	t.Setenv("METERING_TIMEOUT", "5s")
	t.Setenv("REGISTRY_BACKEND", "memory")
	t.Setenv("JWT_SECRET_KEY", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.False(t, cfg.QuotaEnabled)
	assert.Equal(t, 50, cfg.IncludedQuotaPerMonth)
	assert.True(t, cfg.OverageEnabled)
	assert.Equal(t, []string{"/api/internal", "/debug"}, cfg.SkipPaths)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryInitialDelay)
	assert.Equal(t, 4*time.Second, cfg.RetryMaxDelay)
	assert.Equal(t, 90*time.Second, cfg.RedeliveryInterval)
	assert.Equal(t, 5*time.Second, cfg.MeteringTimeout)
	assert.Equal(t, BackendMemory, cfg.RegistryBackend)
	assert.Equal(t, "s3cret", cfg.WebhookJWTSecret)

	for _, field := range []string{"port", "quotaEnabled", "skipPaths", "webhookJwtSecret"} {
		assert.True(t, cfg.EnvOverrides[field], field)
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	cases := map[string]string{
		"PORT":                   "eighty",
		"RETRY_INITIAL_DELAY_MS": "soon",
		"METERING_TIMEOUT":       "forever",
		"METERING_RATE_LIMIT":    "fast",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			isolate(t)
			t.Setenv(key, value)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestLoadReadsDataDirEnvFile(t *testing.T) {
	dir := isolate(t)
	unsetAfter(t, "INCLUDED_QUOTA_PER_MONTH", "DIMENSION_NAME")

	content := "INCLUDED_QUOTA_PER_MONTH=42\nDIMENSION_NAME=prompt\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.IncludedQuotaPerMonth)
	assert.Equal(t, "prompt", cfg.Dimension)
}

func TestEnvironmentWinsOverEnvFile(t *testing.T) {
	dir := isolate(t)
	t.Setenv("DIMENSION_NAME", "from-env")

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("DIMENSION_NAME=from-file\n"), 0o600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Dimension)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"port out of range", func(c *Config) { c.Port = 70000 }, false},
		{"metrics port clash", func(c *Config) { c.MetricsPort = c.Port }, false},
		{"metrics disabled", func(c *Config) { c.MetricsPort = 0 }, true},
		{"unknown registry", func(c *Config) { c.RegistryBackend = "postgres" }, false},
		{"unknown audit backend", func(c *Config) { c.AuditBackend = "file" }, false},
		{"negative quota", func(c *Config) { c.IncludedQuotaPerMonth = -1 }, false},
		{"zero quota", func(c *Config) { c.IncludedQuotaPerMonth = 0 }, true},
		{"empty dimension", func(c *Config) { c.Dimension = "" }, false},
		{"short metering timeout", func(c *Config) { c.MeteringTimeout = 500 * time.Millisecond }, false},
		{"inverted retry delays", func(c *Config) { c.RetryMaxDelay = c.RetryInitialDelay / 2 }, false},
		{"relative skip path", func(c *Config) { c.SkipPaths = []string{"health"} }, false},
		{"negative grace", func(c *Config) { c.RedeliveryGracePeriod = -time.Second }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
