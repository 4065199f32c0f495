// Package config loads service settings from defaults, .env files and the
// process environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-quota/internal/metering"
	"github.com/rcourtman/pulse-quota/internal/utils"
)

// Registry and audit backends.
const (
	BackendMemory  = "memory"
	BackendSQLite  = "sqlite"
	BackendConsole = "console"
)

var defaultDataDir = "./data"

// Config holds all service settings.
type Config struct {
	BindAddress string
	Port        int
	MetricsPort int // 0 disables the metrics listener

	LogLevel  string
	LogFormat string

	DataDir         string
	RegistryBackend string

	QuotaEnabled          bool
	IncludedQuotaPerMonth int
	Dimension             string
	OverageEnabled        bool
	SkipPaths             []string

	MarketplaceAPIBase string
	MarketplaceAPIKey  string
	MeteringAPIVersion string
	MeteringTimeout    time.Duration
	MeteringRateLimit  float64 // events per second; <= 0 disables pacing
	DNSCacheTTL        time.Duration

	WebhookToken     string
	WebhookJWTSecret string

	// RetryMaxAttempts of 0 publishes once and disables redelivery.
	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration

	RedeliveryInterval    time.Duration
	RedeliveryGracePeriod time.Duration

	AuditEnabled       bool
	AuditBackend       string
	AuditRetentionDays int

	SeedDevSubscription bool

	// EnvOverrides records which settings came from the environment.
	EnvOverrides map[string]bool
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		BindAddress:           "0.0.0.0",
		Port:                  3978,
		MetricsPort:           9091,
		LogLevel:              "info",
		LogFormat:             "auto",
		DataDir:               defaultDataDir,
		RegistryBackend:       BackendSQLite,
		QuotaEnabled:          true,
		IncludedQuotaPerMonth: 300,
		Dimension:             "question",
		MarketplaceAPIBase:    metering.DefaultAPIBase,
		MeteringAPIVersion:    metering.DefaultAPIVersion,
		MeteringTimeout:       30 * time.Second,
		MeteringRateLimit:     5,
		DNSCacheTTL:           metering.DefaultDNSCacheTTL,
		RetryMaxAttempts:      5,
		RetryInitialDelay:     time.Second,
		RetryMaxDelay:         30 * time.Second,
		RedeliveryInterval:    5 * time.Minute,
		RedeliveryGracePeriod: 10 * time.Minute,
		AuditEnabled:          true,
		AuditBackend:          BackendConsole,
		AuditRetentionDays:    90,
		EnvOverrides:          make(map[string]bool),
	}
}

// Load builds the configuration: defaults, then .env files, then the
// environment, then validation.
func Load() (*Config, error) {
	dataDir := defaultDataDir
	if dir := utils.GetenvTrim("QUOTA_DATA_DIR"); dir != "" {
		dataDir = dir
	}

	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Info().Str("file", envFile).Msg("Loaded .env file for deployment overrides")
		}
	}

	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded configuration from .env in current directory")
	}

	cfg := Default()
	cfg.DataDir = dataDir
	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error

	c.envString("BIND_ADDRESS", "bindAddress", &c.BindAddress)
	errs = append(errs,
		c.envInt("PORT", "port", &c.Port),
		c.envInt("METRICS_PORT", "metricsPort", &c.MetricsPort),
	)
	c.envString("LOG_LEVEL", "logLevel", &c.LogLevel)
	c.envString("LOG_FORMAT", "logFormat", &c.LogFormat)
	if c.EnvOverrides["logLevel"] {
		c.LogLevel = strings.ToLower(c.LogLevel)
	}

	c.envString("REGISTRY_BACKEND", "registryBackend", &c.RegistryBackend)
	c.envBool("ENABLE_QUOTA", "quotaEnabled", &c.QuotaEnabled)
	errs = append(errs, c.envInt("INCLUDED_QUOTA_PER_MONTH", "includedQuotaPerMonth", &c.IncludedQuotaPerMonth))
	c.envString("DIMENSION_NAME", "dimension", &c.Dimension)
	c.envBool("OVERAGE_ENABLED", "overageEnabled", &c.OverageEnabled)
	if v, ok := os.LookupEnv("QUOTA_SKIP_PATHS"); ok {
		c.SkipPaths = utils.SplitList(v)
		c.EnvOverrides["skipPaths"] = true
	}

	c.envString("MARKETPLACE_API_BASE", "marketplaceApiBase", &c.MarketplaceAPIBase)
	c.envSecret("MARKETPLACE_API_KEY", "marketplaceApiKey", &c.MarketplaceAPIKey)
	c.envString("MARKETPLACE_METERING_API_VERSION", "meteringApiVersion", &c.MeteringAPIVersion)
	c.envSecret("MARKETPLACE_WEBHOOK_TOKEN", "webhookToken", &c.WebhookToken)
	c.envSecret("JWT_SECRET_KEY", "webhookJwtSecret", &c.WebhookJWTSecret)
	errs = append(errs,
		c.envDuration("METERING_TIMEOUT", "meteringTimeout", &c.MeteringTimeout),
		c.envFloat("METERING_RATE_LIMIT", "meteringRateLimit", &c.MeteringRateLimit),
		c.envDuration("DNS_CACHE_TTL", "dnsCacheTtl", &c.DNSCacheTTL),
		c.envInt("RETRY_MAX_ATTEMPTS", "retryMaxAttempts", &c.RetryMaxAttempts),
		c.envMillis("RETRY_INITIAL_DELAY_MS", "retryInitialDelay", &c.RetryInitialDelay),
		c.envMillis("RETRY_MAX_DELAY_MS", "retryMaxDelay", &c.RetryMaxDelay),
		c.envDuration("REDELIVERY_INTERVAL", "redeliveryInterval", &c.RedeliveryInterval),
		c.envDuration("REDELIVERY_GRACE_PERIOD", "redeliveryGracePeriod", &c.RedeliveryGracePeriod),
	)

	c.envBool("AUDIT_LOG_ENABLED", "auditEnabled", &c.AuditEnabled)
	c.envString("AUDIT_BACKEND", "auditBackend", &c.AuditBackend)
	errs = append(errs, c.envInt("AUDIT_RETENTION_DAYS", "auditRetentionDays", &c.AuditRetentionDays))
	c.envBool("SEED_DEV_SUBSCRIPTION", "seedDevSubscription", &c.SeedDevSubscription)

	return errors.Join(errs...)
}

func (c *Config) envString(key, field string, dst *string) {
	if v := utils.GetenvTrim(key); v != "" {
		*dst = v
		c.EnvOverrides[field] = true
		log.Debug().Str("key", key).Str("value", v).Msg("Configuration overridden by env var")
	}
}

// envSecret is envString without logging the value.
func (c *Config) envSecret(key, field string, dst *string) {
	if v := utils.GetenvTrim(key); v != "" {
		*dst = v
		c.EnvOverrides[field] = true
		log.Debug().Str("key", key).Msg("Secret configured from env var")
	}
}

func (c *Config) envBool(key, field string, dst *bool) {
	if v := utils.GetenvTrim(key); v != "" {
		*dst = utils.ParseBool(v)
		c.EnvOverrides[field] = true
		log.Debug().Str("key", key).Bool("value", *dst).Msg("Configuration overridden by env var")
	}
}

func (c *Config) envInt(key, field string, dst *int) error {
	v := utils.GetenvTrim(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %q is not an integer", key, v)
	}
	*dst = n
	c.EnvOverrides[field] = true
	log.Debug().Str("key", key).Int("value", n).Msg("Configuration overridden by env var")
	return nil
}

func (c *Config) envFloat(key, field string, dst *float64) error {
	v := utils.GetenvTrim(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %q is not a number", key, v)
	}
	*dst = f
	c.EnvOverrides[field] = true
	return nil
}

// envDuration accepts Go durations ("90s", "5m") or a bare number of seconds.
func (c *Config) envDuration(key, field string, dst *time.Duration) error {
	v := utils.GetenvTrim(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		secs, convErr := strconv.Atoi(v)
		if convErr != nil {
			return fmt.Errorf("%s: %q is not a duration", key, v)
		}
		d = time.Duration(secs) * time.Second
	}
	*dst = d
	c.EnvOverrides[field] = true
	log.Debug().Str("key", key).Dur("value", d).Msg("Configuration overridden by env var")
	return nil
}

func (c *Config) envMillis(key, field string, dst *time.Duration) error {
	v := utils.GetenvTrim(key)
	if v == "" {
		return nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %q is not a number of milliseconds", key, v)
	}
	*dst = time.Duration(ms) * time.Millisecond
	c.EnvOverrides[field] = true
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.MetricsPort)
	}
	if c.MetricsPort != 0 && c.MetricsPort == c.Port {
		return fmt.Errorf("metrics port must differ from port %d", c.Port)
	}
	switch c.RegistryBackend {
	case BackendMemory, BackendSQLite:
	default:
		return fmt.Errorf("unknown registry backend %q (want %s or %s)", c.RegistryBackend, BackendMemory, BackendSQLite)
	}
	switch c.AuditBackend {
	case BackendConsole, BackendSQLite:
	default:
		return fmt.Errorf("unknown audit backend %q (want %s or %s)", c.AuditBackend, BackendConsole, BackendSQLite)
	}
	if c.IncludedQuotaPerMonth < 0 {
		return fmt.Errorf("included quota must not be negative: %d", c.IncludedQuotaPerMonth)
	}
	if c.Dimension == "" {
		return fmt.Errorf("dimension name is required")
	}
	if c.MeteringTimeout < time.Second {
		return fmt.Errorf("metering timeout must be at least 1 second")
	}
	if c.RetryMaxAttempts < 0 {
		return fmt.Errorf("retry attempts must not be negative: %d", c.RetryMaxAttempts)
	}
	if c.RetryInitialDelay <= 0 || c.RetryMaxDelay < c.RetryInitialDelay {
		return fmt.Errorf("retry delays must satisfy 0 < initial (%s) <= max (%s)", c.RetryInitialDelay, c.RetryMaxDelay)
	}
	if c.RedeliveryInterval < time.Second {
		return fmt.Errorf("redelivery interval must be at least 1 second")
	}
	if c.RedeliveryGracePeriod < 0 {
		return fmt.Errorf("redelivery grace period must not be negative")
	}
	for _, p := range c.SkipPaths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("skip path %q must start with /", p)
		}
	}

	if c.QuotaEnabled && c.MarketplaceAPIKey == "" {
		log.Warn().Msg("MARKETPLACE_API_KEY is not set; usage publishing will be rejected by the billing endpoint")
	}
	if c.WebhookToken == "" && c.WebhookJWTSecret == "" {
		log.Warn().Msg("No marketplace webhook credentials configured; fulfillment endpoints will reject all calls")
	}
	return nil
}
