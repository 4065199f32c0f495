package gate

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	internalerrors "github.com/rcourtman/pulse-quota/internal/errors"
	"github.com/rcourtman/pulse-quota/internal/metering"
	"github.com/rcourtman/pulse-quota/internal/metrics"
	"github.com/rcourtman/pulse-quota/internal/quota"
	"github.com/rcourtman/pulse-quota/internal/registry"
	"github.com/rcourtman/pulse-quota/pkg/audit"
)

func (g *Gate) scheduleReport(ctx context.Context, subj Subject, sub *registry.Subscription, snap quota.Snapshot) {
	g.reports.Add(1)
	go func() {
		defer g.reports.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Interface("panic", r).
					Str("requestId", subj.RequestID).
					Msg("Usage report panicked")
				metrics.RecordUsageReport("failed")
			}
		}()
		g.report(ctx, subj, sub, snap)
	}()
}

// report records one unit of usage, publishes it and persists the outcome.
// Errors end here; nothing is returned to the request path.
func (g *Gate) report(ctx context.Context, subj Subject, sub *registry.Subscription, snap quota.Snapshot) {
	dimension := g.dimension(sub)
	ts := g.now().UTC()

	event, err := g.registry.RecordUsageEvent(ctx, sub.ID, dimension, 1, ts)
	if err != nil {
		log.Error().
			Err(err).
			Str("requestId", subj.RequestID).
			Str("subscriptionId", sub.ID).
			Msg("Failed to record usage event; publishing without local record")
		metrics.RecordUsageReport("record_error")
	}

	_, pubErr := g.reporter.PublishWithRetry(ctx, metering.Event{
		SubscriptionID: sub.ExternalSubscriptionID,
		Dimension:      dimension,
		Quantity:       1,
		Timestamp:      ts,
	}, g.retry)

	entry := audit.Entry{
		TenantID:       snap.TenantID,
		UserID:         snap.UserID,
		SubscriptionID: sub.ExternalSubscriptionID,
		RequestID:      subj.RequestID,
		Details: map[string]interface{}{
			"dimension": dimension,
			"quantity":  1,
			"channel":   string(subj.Channel),
		},
	}

	if pubErr != nil {
		statusCode := internalerrors.StatusCode(pubErr)
		log.Error().
			Err(pubErr).
			Str("requestId", subj.RequestID).
			Str("subscriptionId", sub.ExternalSubscriptionID).
			Int("statusCode", statusCode).
			Msg("Failed to publish usage event")
		if event != nil {
			if _, err := g.registry.UpdateUsageEventStatus(ctx, event.ID, registry.DeliveryFailed, pubErr.Error()); err != nil {
				log.Error().Err(err).Str("eventId", event.ID).Msg("Failed to mark usage event failed")
			}
			entry.Details["eventId"] = event.ID
		}
		entry.Action = ActionUsageFailed
		entry.Result = audit.ResultError
		entry.Details["error"] = pubErr.Error()
		if statusCode > 0 {
			entry.Details["statusCode"] = statusCode
		}
		g.audit.Log(entry)
		metrics.RecordUsageReport("failed")
		return
	}

	if event != nil {
		if _, err := g.registry.UpdateUsageEventStatus(ctx, event.ID, registry.DeliverySent, ""); err != nil {
			log.Error().Err(err).Str("eventId", event.ID).Msg("Failed to mark usage event sent")
		}
		entry.Details["eventId"] = event.ID
	}
	entry.Action = ActionUsagePublished
	entry.Result = audit.ResultSuccess
	g.audit.Log(entry)
	metrics.RecordUsageReport("published")

	log.Debug().
		Str("requestId", subj.RequestID).
		Str("subscriptionId", sub.ExternalSubscriptionID).
		Str("remaining", fmt.Sprintf("%d/%d", snap.RemainingQuota, snap.TotalQuota)).
		Msg("Usage reported")
}
