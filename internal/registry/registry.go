// Package registry tracks subscriptions and the usage events recorded
// against them.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	internalerrors "github.com/rcourtman/pulse-quota/internal/errors"
)

var (
	ErrNotFound            = fmt.Errorf("registry: %w", internalerrors.ErrNotFound)
	ErrInvalidInput        = fmt.Errorf("registry: %w", internalerrors.ErrInvalidInput)
	ErrDuplicateExternalID = fmt.Errorf("%w: external subscription id already registered", ErrInvalidInput)
	ErrInvalidTransition   = fmt.Errorf("%w: invalid status transition", ErrInvalidInput)
	ErrInvalidQuantity     = fmt.Errorf("%w: quantity must be positive", ErrInvalidInput)
)

// Registry is the store of subscriptions and usage events. Implementations
// serialize writes per subscription id and per event id; reads and
// aggregations may observe slightly stale data. Returned values are copies.
type Registry interface {
	UpsertByExternalID(ctx context.Context, attrs UpsertAttrs) (*Subscription, error)
	GetByExternalID(ctx context.Context, externalID string) (*Subscription, error)
	// GetActiveByTenant returns the most recently updated Subscribed
	// subscription for the tenant.
	GetActiveByTenant(ctx context.Context, tenantID string) (*Subscription, error)
	GetByID(ctx context.Context, id string) (*Subscription, error)
	Update(ctx context.Context, id string, upd SubscriptionUpdate) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)

	RecordUsageEvent(ctx context.Context, subscriptionID, dimension string, quantity int64, ts time.Time) (*UsageEvent, error)
	UpdateUsageEventStatus(ctx context.Context, eventID string, status DeliveryStatus, errMsg string) (*UsageEvent, error)
	// AggregateUsage sums the quantity of sent events with start <= ts < end.
	AggregateUsage(ctx context.Context, subscriptionID string, start, end time.Time) (int64, error)
	// PendingUsageEvents returns pending or failed events whose retry count
	// is below maxRetries, oldest first.
	PendingUsageEvents(ctx context.Context, maxRetries int) ([]*UsageEvent, error)

	Close() error
}

func newID() string {
	return ulid.Make().String()
}

func newExternalEventID() string {
	return uuid.NewString()
}

// applyEventStatus validates and applies a delivery status change in place.
func applyEventStatus(ev *UsageEvent, status DeliveryStatus, errMsg string, now time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown delivery status %q", ErrInvalidInput, status)
	}
	if ev.DeliveryStatus == DeliverySent {
		if status == DeliverySent {
			return nil
		}
		return fmt.Errorf("%w: usage event %s already sent", ErrInvalidTransition, ev.ID)
	}

	ev.DeliveryStatus = status
	switch status {
	case DeliverySent:
		ts := now
		ev.SentAt = &ts
		ev.LastError = ""
	case DeliveryFailed:
		ev.RetryCount++
		ev.LastError = errMsg
	}
	return nil
}

func validateUsage(quantity int64) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidQuantity, quantity)
	}
	return nil
}

// Development seed values.
const (
	DevExternalSubscriptionID = "msft-sub-123-456-789"
	DevTenantID               = "tenant-123-456"
	DevPlanID                 = "basic-plan"
	DevQuantityIncluded       = 300
	DevDimension              = "question"
)

// SeedDevSubscription registers an active subscription for local development.
// It is idempotent.
func SeedDevSubscription(ctx context.Context, reg Registry) (*Subscription, error) {
	sub, err := reg.UpsertByExternalID(ctx, UpsertAttrs{
		ExternalSubscriptionID: DevExternalSubscriptionID,
		TenantID:               Ptr(DevTenantID),
		PlanID:                 Ptr(DevPlanID),
		Status:                 Ptr(StatusSubscribed),
		QuantityIncluded:       Ptr(DevQuantityIncluded),
		Dimension:              Ptr(DevDimension),
		OverageEnabled:         Ptr(false),
	})
	if err != nil {
		return nil, fmt.Errorf("seed development subscription: %w", err)
	}

	log.Info().
		Str("subscriptionId", sub.ID).
		Str("externalSubscriptionId", sub.ExternalSubscriptionID).
		Str("tenantId", sub.TenantID).
		Msg("Development subscription seeded")
	return sub, nil
}
