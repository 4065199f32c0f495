package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-quota/internal/api"
	"github.com/rcourtman/pulse-quota/internal/config"
	"github.com/rcourtman/pulse-quota/internal/conversation"
	"github.com/rcourtman/pulse-quota/internal/gate"
	"github.com/rcourtman/pulse-quota/internal/metering"
	"github.com/rcourtman/pulse-quota/internal/registry"
	"github.com/rcourtman/pulse-quota/pkg/audit"
)

// app holds the wired service components.
type app struct {
	cfg          *config.Config
	registry     registry.Registry
	audit        audit.Logger
	client       *metering.Client
	gate         *gate.Gate
	sweeper      *gate.Sweeper
	conversation *conversation.Server
	handler      http.Handler
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	reg, err := openRegistry(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.SeedDevSubscription {
		if _, err := registry.SeedDevSubscription(ctx, reg); err != nil {
			reg.Close()
			return nil, err
		}
	}

	auditLogger, auditQuery, err := openAudit(cfg)
	if err != nil {
		reg.Close()
		return nil, err
	}

	retry := metering.RetryPolicy{
		MaxRetries:   cfg.RetryMaxAttempts,
		InitialDelay: cfg.RetryInitialDelay,
		MaxDelay:     cfg.RetryMaxDelay,
	}

	client := metering.NewClient(metering.Config{
		APIBase:    cfg.MarketplaceAPIBase,
		APIKey:     cfg.MarketplaceAPIKey,
		APIVersion: cfg.MeteringAPIVersion,
		Timeout:    cfg.MeteringTimeout,
		RateLimit:  cfg.MeteringRateLimit,
		Retry:      &retry,

		DNSCacheTTL: cfg.DNSCacheTTL,
	}, auditLogger)

	reportRetry := client.RetryPolicy()
	g := gate.New(gate.Config{
		Enabled:        cfg.QuotaEnabled,
		Dimension:      cfg.Dimension,
		OverageEnabled: cfg.OverageEnabled,
		Retry:          &reportRetry,
	}, reg, client, auditLogger)

	sweeper := gate.NewSweeper(reg, client, auditLogger, gate.SweeperConfig{
		Interval:    cfg.RedeliveryInterval,
		MaxRetries:  cfg.RetryMaxAttempts,
		GracePeriod: cfg.RedeliveryGracePeriod,
	})

	convServer := conversation.NewServer(conversation.NewAdapter(g), nil)

	handler := api.NewRouter(api.RouterConfig{
		Gate:         g,
		Registry:     reg,
		Audit:        auditLogger,
		Conversation: convServer,
		Webhook:      webhookValidator(cfg),
		AuditQuery:   auditQuery,
		Quota:        api.MiddlewareConfig{SkipPaths: cfg.SkipPaths},
		Fulfillment: api.FulfillmentDefaults{
			QuantityIncluded: cfg.IncludedQuotaPerMonth,
			Dimension:        cfg.Dimension,
		},
		Version: Version,
	})

	log.Info().
		Bool("quotaEnabled", cfg.QuotaEnabled).
		Int("includedQuota", cfg.IncludedQuotaPerMonth).
		Str("dimension", cfg.Dimension).
		Bool("overageEnabled", cfg.OverageEnabled).
		Str("registry", cfg.RegistryBackend).
		Msg("Quota enforcement configured")

	return &app{
		cfg:          cfg,
		registry:     reg,
		audit:        auditLogger,
		client:       client,
		gate:         g,
		sweeper:      sweeper,
		conversation: convServer,
		handler:      handler,
	}, nil
}

// Close releases storage handles.
func (a *app) Close() error {
	return errors.Join(a.audit.Close(), a.registry.Close())
}

func openRegistry(cfg *config.Config) (registry.Registry, error) {
	switch cfg.RegistryBackend {
	case config.BackendMemory:
		log.Warn().Msg("Using in-memory subscription registry; subscriptions and usage are lost on restart")
		return registry.NewMemoryRegistry(), nil
	case config.BackendSQLite:
		reg, err := registry.NewSQLiteRegistry(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open subscription registry: %w", err)
		}
		return reg, nil
	default:
		return nil, fmt.Errorf("unknown registry backend %q", cfg.RegistryBackend)
	}
}

// openAudit returns the audit sink and, for persistent backends, the
// querier behind GET /api/audit.
func openAudit(cfg *config.Config) (audit.Logger, api.AuditQuerier, error) {
	if !cfg.AuditEnabled {
		return audit.NopLogger{}, nil, nil
	}
	switch cfg.AuditBackend {
	case config.BackendSQLite:
		l, err := audit.NewSQLiteLogger(audit.SQLiteLoggerConfig{
			DataDir:       cfg.DataDir,
			RetentionDays: cfg.AuditRetentionDays,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open audit log: %w", err)
		}
		log.Info().Int("retentionDays", l.GetRetentionDays()).Msg("Persistent audit log enabled")
		return audit.Safe(l), l, nil
	default:
		return audit.Safe(audit.NewConsoleLogger()), nil, nil
	}
}

// webhookValidator prefers signed tokens when a signing secret is configured.
func webhookValidator(cfg *config.Config) api.WebhookValidator {
	if cfg.WebhookJWTSecret != "" {
		return api.JWTValidator{Secret: []byte(cfg.WebhookJWTSecret)}
	}
	return api.BearerTokenValidator{Token: cfg.WebhookToken}
}
