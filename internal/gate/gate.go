// Package gate enforces monthly quotas for incoming requests and
// conversation turns, and schedules usage reporting once they complete.
//
// The gate prefers availability over enforcement: lookup failures, storage
// errors and panics during the check all admit the request.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	internalerrors "github.com/rcourtman/pulse-quota/internal/errors"
	"github.com/rcourtman/pulse-quota/internal/logging"
	"github.com/rcourtman/pulse-quota/internal/metering"
	"github.com/rcourtman/pulse-quota/internal/metrics"
	"github.com/rcourtman/pulse-quota/internal/quota"
	"github.com/rcourtman/pulse-quota/internal/registry"
	"github.com/rcourtman/pulse-quota/pkg/audit"
)

// DefaultDimension is the billing dimension used when neither the gate nor
// the subscription names one.
const DefaultDimension = "question"

// Audit actions emitted by the gate.
const (
	ActionBlocked             = "quota.blocked"
	ActionBlockedConversation = "quota.blocked.conversation"
	ActionError               = "quota.error"
	ActionUsagePublished      = "quota.usage.published"
	ActionUsageFailed         = "quota.usage.failed"
)

// Channel identifies the ingress path a subject arrived on.
type Channel string

const (
	ChannelHTTP         Channel = "http"
	ChannelConversation Channel = "conversation"
)

// Subject identifies who is asking. At least one of ExternalSubscriptionID
// or TenantID is needed to resolve a subscription.
type Subject struct {
	ExternalSubscriptionID string
	TenantID               string
	UserID                 string
	RequestID              string
	Channel                Channel
}

// Identified reports whether the subject carries enough data to resolve a
// subscription.
func (s Subject) Identified() bool {
	return s.ExternalSubscriptionID != "" || s.TenantID != ""
}

// Reporter publishes usage to the billing endpoint.
type Reporter interface {
	PublishWithRetry(ctx context.Context, ev metering.Event, policy metering.RetryPolicy) (*metering.PublishResponse, error)
	PublishBatch(ctx context.Context, events []metering.Event) metering.BatchResult
}

// Config controls gate behavior.
type Config struct {
	Enabled        bool
	Dimension      string
	OverageEnabled bool // ORed with each subscription's own flag
	// Retry governs each detached report. Nil selects
	// metering.DefaultRetryPolicy; MaxRetries 0 publishes once.
	Retry *metering.RetryPolicy
}

// Gate runs quota checks and owns the detached usage reports they schedule.
type Gate struct {
	cfg      Config
	registry registry.Registry
	reporter Reporter
	retry    metering.RetryPolicy
	audit    audit.Logger
	now      func() time.Time

	reports sync.WaitGroup
}

// New creates a gate. A nil audit logger disables auditing.
func New(cfg Config, reg registry.Registry, reporter Reporter, auditLogger audit.Logger) *Gate {
	if cfg.Dimension == "" {
		cfg.Dimension = DefaultDimension
	}
	retry := metering.DefaultRetryPolicy()
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}
	return &Gate{
		cfg:      cfg,
		registry: reg,
		reporter: reporter,
		retry:    retry,
		audit:    audit.Safe(auditLogger),
		now:      time.Now,
	}
}

// Enabled reports whether enforcement is switched on.
func (g *Gate) Enabled() bool {
	return g.cfg.Enabled
}

// RetryPolicy returns the policy applied to usage reports.
func (g *Gate) RetryPolicy() metering.RetryPolicy {
	return g.retry
}

// dimension is the billing dimension usage of sub is counted in.
func (g *Gate) dimension(sub *registry.Subscription) string {
	if sub.Dimension != "" {
		return sub.Dimension
	}
	return g.cfg.Dimension
}

// Resolve finds the subscription for a subject: by external id when present,
// otherwise the tenant's active subscription.
func (g *Gate) Resolve(ctx context.Context, subj Subject) (*registry.Subscription, error) {
	switch {
	case subj.ExternalSubscriptionID != "":
		return g.registry.GetByExternalID(ctx, subj.ExternalSubscriptionID)
	case subj.TenantID != "":
		return g.registry.GetActiveByTenant(ctx, subj.TenantID)
	default:
		return nil, internalerrors.NewValidationError("resolve_subject", "", errors.New("no subscription or tenant identifier"))
	}
}

// Check decides whether the subject may proceed. It never fails: errors
// produce a FailOpen admission.
func (g *Gate) Check(ctx context.Context, subj Subject) *Admission {
	if ctx == nil {
		ctx = context.Background()
	}
	if subj.RequestID == "" {
		subj.RequestID = logging.RequestIDFromContext(ctx)
	}

	adm := &Admission{gate: g, ctx: ctx, subject: subj, state: StateUnchecked}
	g.evaluate(ctx, adm)
	metrics.RecordDecision(string(subj.Channel), string(adm.state))
	return adm
}

func (g *Gate) evaluate(ctx context.Context, adm *Admission) {
	if !g.cfg.Enabled {
		adm.state = StateSkipped
		return
	}

	defer func() {
		if r := recover(); r != nil {
			g.failOpen(adm, fmt.Errorf("quota check panicked: %v", r))
		}
	}()

	subj := adm.subject
	if !subj.Identified() {
		log.Warn().
			Str("requestId", subj.RequestID).
			Str("channel", string(subj.Channel)).
			Msg("No subscription or tenant identifier; allowing request without metering")
		adm.state = StateFailOpen
		return
	}

	sub, err := g.Resolve(ctx, subj)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			log.Warn().
				Str("requestId", subj.RequestID).
				Str("externalSubscriptionId", subj.ExternalSubscriptionID).
				Str("tenantId", subj.TenantID).
				Msg("No subscription found; allowing request without metering")
			adm.state = StateFailOpen
			return
		}
		g.failOpen(adm, fmt.Errorf("resolve subscription: %w", err))
		return
	}

	now := g.now()
	start, end := quota.Period(now)
	used, err := g.registry.AggregateUsage(ctx, sub.ID, start, end)
	if err != nil {
		g.failOpen(adm, fmt.Errorf("aggregate usage: %w", err))
		return
	}

	tenantID := subj.TenantID
	if tenantID == "" {
		tenantID = sub.TenantID
	}
	decision := quota.Evaluate(quota.Subject{
		SubscriptionID:   sub.ExternalSubscriptionID,
		TenantID:         tenantID,
		UserID:           subj.UserID,
		QuantityIncluded: sub.QuantityIncluded,
		OverageEnabled:   sub.OverageEnabled || g.cfg.OverageEnabled,
		Dimension:        g.dimension(sub),
	}, used, now)

	adm.subscription = sub
	adm.decision = &decision

	if !decision.Allowed {
		adm.state = StateDenied
		g.auditBlocked(adm)
		return
	}
	adm.state = StateAllowed
}

func (g *Gate) failOpen(adm *Admission, err error) {
	adm.state = StateFailOpen
	subj := adm.subject

	log.Error().
		Err(err).
		Str("requestId", subj.RequestID).
		Str("channel", string(subj.Channel)).
		Msg("Quota check failed; allowing request")

	g.audit.Log(audit.Entry{
		Action:         ActionError,
		TenantID:       subj.TenantID,
		UserID:         subj.UserID,
		SubscriptionID: subj.ExternalSubscriptionID,
		RequestID:      subj.RequestID,
		Result:         audit.ResultError,
		Details:        map[string]interface{}{"error": err.Error(), "channel": string(subj.Channel)},
	})
}

func (g *Gate) auditBlocked(adm *Admission) {
	action := ActionBlocked
	if adm.subject.Channel == ChannelConversation {
		action = ActionBlockedConversation
	}
	snap := adm.decision.Snapshot

	g.audit.Log(audit.Entry{
		Action:         action,
		TenantID:       snap.TenantID,
		UserID:         snap.UserID,
		SubscriptionID: snap.SubscriptionID,
		RequestID:      adm.subject.RequestID,
		Result:         audit.ResultBlocked,
		Details: map[string]interface{}{
			"remainingQuota": snap.RemainingQuota,
			"totalQuota":     snap.TotalQuota,
			"reason":         adm.decision.Reason,
		},
	})
}

// Wait blocks until every scheduled usage report has finished.
func (g *Gate) Wait() {
	g.reports.Wait()
}

// WaitContext is Wait bounded by ctx.
func (g *Gate) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.reports.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot computes the current quota position for a subscription without
// admitting anything. It is used by read-only endpoints.
func (g *Gate) Snapshot(ctx context.Context, subj Subject) (*quota.Snapshot, error) {
	sub, err := g.Resolve(ctx, subj)
	if err != nil {
		return nil, err
	}
	now := g.now()
	start, end := quota.Period(now)
	used, err := g.registry.AggregateUsage(ctx, sub.ID, start, end)
	if err != nil {
		return nil, fmt.Errorf("aggregate usage: %w", err)
	}
	decision := quota.Evaluate(quota.Subject{
		SubscriptionID:   sub.ExternalSubscriptionID,
		TenantID:         sub.TenantID,
		UserID:           subj.UserID,
		QuantityIncluded: sub.QuantityIncluded,
		OverageEnabled:   sub.OverageEnabled || g.cfg.OverageEnabled,
		Dimension:        g.dimension(sub),
	}, used, now)
	return &decision.Snapshot, nil
}
