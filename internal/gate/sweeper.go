package gate

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-quota/internal/metering"
	"github.com/rcourtman/pulse-quota/internal/metrics"
	"github.com/rcourtman/pulse-quota/internal/registry"
	"github.com/rcourtman/pulse-quota/pkg/audit"
)

const (
	DefaultSweepInterval = 5 * time.Minute
	// Detached reports can still be retrying for a few minutes after they
	// record their pending event.
	DefaultSweepGracePeriod = 10 * time.Minute
)

// SweeperConfig controls redelivery of undelivered usage events.
type SweeperConfig struct {
	Interval time.Duration
	// MaxRetries caps the delivery failures an event may carry and still be
	// swept. Zero disables redelivery.
	MaxRetries  int
	GracePeriod time.Duration
}

// SweepResult summarizes one redelivery pass.
type SweepResult struct {
	Candidates int
	Published  int
	Failed     int
	Skipped    int
}

// Sweeper republishes pending and failed usage events in batches. It owns
// the retry queue for events whose detached report did not succeed.
type Sweeper struct {
	registry registry.Registry
	reporter Reporter
	audit    audit.Logger
	cfg      SweeperConfig
	now      func() time.Time
}

// NewSweeper creates a sweeper. Interval defaults when unset; a zero
// GracePeriod sweeps every undelivered event.
func NewSweeper(reg registry.Registry, reporter Reporter, auditLogger audit.Logger, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.GracePeriod < 0 {
		cfg.GracePeriod = 0
	}
	return &Sweeper{
		registry: reg,
		reporter: reporter,
		audit:    audit.Safe(auditLogger),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Run sweeps on every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.cfg.MaxRetries == 0 {
		log.Info().Msg("Usage redelivery disabled")
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	log.Info().
		Dur("interval", s.cfg.Interval).
		Int("maxRetries", s.cfg.MaxRetries).
		Msg("Usage redelivery sweeper started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Usage redelivery sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Usage redelivery sweep failed")
			}
		}
	}
}

// Sweep performs one redelivery pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	if s.cfg.MaxRetries == 0 {
		return result, nil
	}
	metrics.RecordRedeliverySweep()

	pending, err := s.registry.PendingUsageEvents(ctx, s.cfg.MaxRetries)
	if err != nil {
		return result, err
	}

	cutoff := s.now().Add(-s.cfg.GracePeriod)
	subs := make(map[string]*registry.Subscription)
	var (
		batch   []metering.Event
		members []*registry.UsageEvent
	)

	for _, ev := range pending {
		if ev.CreatedAt.After(cutoff) {
			continue
		}
		result.Candidates++

		sub, ok := subs[ev.SubscriptionID]
		if !ok {
			sub, err = s.registry.GetByID(ctx, ev.SubscriptionID)
			if err != nil {
				log.Warn().
					Err(err).
					Str("eventId", ev.ID).
					Str("subscriptionId", ev.SubscriptionID).
					Msg("Skipping usage event with unresolvable subscription")
				sub = nil
			}
			subs[ev.SubscriptionID] = sub
		}
		if sub == nil {
			result.Skipped++
			continue
		}

		batch = append(batch, metering.Event{
			SubscriptionID: sub.ExternalSubscriptionID,
			Dimension:      ev.Dimension,
			Quantity:       ev.Quantity,
			Timestamp:      ev.Timestamp,
		})
		members = append(members, ev)
	}

	if len(batch) == 0 {
		return result, nil
	}

	sweepID := uuid.NewString()
	log.Info().
		Str("sweepId", sweepID).
		Int("events", len(batch)).
		Msg("Redelivering usage events")

	br := s.reporter.PublishBatch(ctx, batch)

	// Status updates must land even when the sweep is being cancelled.
	persistCtx := context.WithoutCancel(ctx)

	for _, p := range br.Published {
		ev := members[p.Index]
		if _, err := s.registry.UpdateUsageEventStatus(persistCtx, ev.ID, registry.DeliverySent, ""); err != nil {
			log.Error().Err(err).Str("eventId", ev.ID).Msg("Failed to mark redelivered event sent")
		}
		s.auditOutcome(ActionUsagePublished, audit.ResultSuccess, sweepID, batch[p.Index], ev, "")
		result.Published++
	}
	for _, f := range br.Failed {
		ev := members[f.Index]
		msg := ""
		if f.Err != nil {
			msg = f.Err.Error()
		}
		if _, err := s.registry.UpdateUsageEventStatus(persistCtx, ev.ID, registry.DeliveryFailed, msg); err != nil {
			log.Error().Err(err).Str("eventId", ev.ID).Msg("Failed to mark redelivered event failed")
		}
		s.auditOutcome(ActionUsageFailed, audit.ResultError, sweepID, batch[f.Index], ev, msg)
		result.Failed++
	}

	log.Info().
		Str("sweepId", sweepID).
		Int("published", result.Published).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Msg("Usage redelivery complete")

	return result, nil
}

func (s *Sweeper) auditOutcome(action string, result audit.Result, sweepID string, mev metering.Event, ev *registry.UsageEvent, errMsg string) {
	details := map[string]interface{}{
		"dimension":  mev.Dimension,
		"quantity":   mev.Quantity,
		"eventId":    ev.ID,
		"sweepId":    sweepID,
		"redelivery": true,
	}
	if errMsg != "" {
		details["error"] = errMsg
	}
	s.audit.Log(audit.Entry{
		Action:         action,
		SubscriptionID: mev.SubscriptionID,
		Result:         result,
		Details:        details,
	})
}
