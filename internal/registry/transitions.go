package registry

import (
	"fmt"
	"slices"
	"time"
)

// Transition represents a valid status transition.
type Transition struct {
	From Status
	To   Status
}

// validTransitions defines all allowed status transitions.
var validTransitions = map[Transition]bool{
	{StatusPendingFulfillmentStart, StatusSubscribed}:   true, // Activated
	{StatusPendingFulfillmentStart, StatusUnsubscribed}: true, // Deactivated before activation
	{StatusSubscribed, StatusSuspended}:                 true, // Payment or admin suspension
	{StatusSubscribed, StatusUnsubscribed}:              true, // Cancelled
	{StatusSuspended, StatusUnsubscribed}:               true, // Cancelled while suspended
}

// CanTransition checks if a transition from one status to another is valid.
// Writing the current status again is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return validTransitions[Transition{from, to}]
}

// ValidTransitionsFrom returns all valid target statuses from the given status.
func ValidTransitionsFrom(from Status) []Status {
	targets := make([]Status, 0)
	for t := range validTransitions {
		if t.From == from {
			targets = append(targets, t.To)
		}
	}

	slices.Sort(targets)
	return targets
}

// applyUpdate validates upd against sub and applies it in place.
// The caller must hold the per-id critical section for sub.
func applyUpdate(sub *Subscription, upd SubscriptionUpdate, now time.Time) error {
	if upd.Status != nil {
		if !upd.Status.Valid() {
			return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, *upd.Status)
		}
		if !CanTransition(sub.Status, *upd.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sub.Status, *upd.Status)
		}
	}
	if upd.QuantityIncluded != nil && *upd.QuantityIncluded < 0 {
		return fmt.Errorf("%w: included quantity %d", ErrInvalidQuantity, *upd.QuantityIncluded)
	}
	if upd.ExternalSubscriptionID != nil && *upd.ExternalSubscriptionID == "" {
		return fmt.Errorf("%w: external subscription id is required", ErrInvalidInput)
	}

	if upd.ExternalSubscriptionID != nil {
		sub.ExternalSubscriptionID = *upd.ExternalSubscriptionID
	}
	if upd.TenantID != nil {
		sub.TenantID = *upd.TenantID
	}
	if upd.PlanID != nil {
		sub.PlanID = *upd.PlanID
	}
	if upd.QuantityIncluded != nil {
		sub.QuantityIncluded = *upd.QuantityIncluded
	}
	if upd.Dimension != nil {
		sub.Dimension = *upd.Dimension
	}
	if upd.OverageEnabled != nil {
		sub.OverageEnabled = *upd.OverageEnabled
	}
	if upd.ActivatedAt != nil {
		sub.ActivatedAt = normalizeTimePtr(upd.ActivatedAt)
	}
	if upd.Status != nil {
		sub.Status = *upd.Status
		if sub.Status == StatusSubscribed && sub.ActivatedAt == nil {
			ts := now
			sub.ActivatedAt = &ts
		}
	}
	sub.UpdatedAt = now
	return nil
}

// newSubscription builds a fresh record from upsert attributes.
func newSubscription(id string, attrs UpsertAttrs, now time.Time) (*Subscription, error) {
	if attrs.ExternalSubscriptionID == "" {
		return nil, fmt.Errorf("%w: external subscription id is required", ErrInvalidInput)
	}
	sub := &Subscription{
		ID:                     id,
		ExternalSubscriptionID: attrs.ExternalSubscriptionID,
		Status:                 StatusPendingFulfillmentStart,
		CreatedAt:              now,
	}
	// A new record may be created directly in any valid status.
	upd := attrs.asUpdate()
	if upd.Status != nil {
		if !upd.Status.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, *upd.Status)
		}
		sub.Status = *upd.Status
	}
	if err := applyUpdate(sub, upd, now); err != nil {
		return nil, err
	}
	return sub, nil
}
