package registry

import (
	"time"
)

// Status is the fulfillment lifecycle state of a subscription.
type Status string

const (
	StatusPendingFulfillmentStart Status = "PendingFulfillmentStart"
	StatusSubscribed              Status = "Subscribed"
	StatusSuspended               Status = "Suspended"
	StatusUnsubscribed            Status = "Unsubscribed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPendingFulfillmentStart, StatusSubscribed, StatusSuspended, StatusUnsubscribed:
		return true
	}
	return false
}

// Subscription is a commercial subscription entitling a tenant to a monthly quota.
type Subscription struct {
	ID                     string     `json:"id"`
	ExternalSubscriptionID string     `json:"externalSubscriptionId"`
	TenantID               string     `json:"tenantId"`
	PlanID                 string     `json:"planId"`
	Status                 Status     `json:"status"`
	QuantityIncluded       int        `json:"quantityIncluded"`
	Dimension              string     `json:"dimension"`
	OverageEnabled         bool       `json:"overageEnabled"`
	ActivatedAt            *time.Time `json:"activatedAt,omitempty"`
	CreatedAt              time.Time  `json:"createdAt"`
	UpdatedAt              time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy of the subscription.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	if s.ActivatedAt != nil {
		ts := *s.ActivatedAt
		c.ActivatedAt = &ts
	}
	return &c
}

// DeliveryStatus tracks whether a usage event reached the billing endpoint.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Valid reports whether d is a known delivery status.
func (d DeliveryStatus) Valid() bool {
	switch d {
	case DeliveryPending, DeliverySent, DeliveryFailed:
		return true
	}
	return false
}

// UsageEvent is one unit of consumption recorded against a subscription.
type UsageEvent struct {
	ID              string         `json:"id"`
	SubscriptionID  string         `json:"subscriptionId"`
	ExternalEventID string         `json:"externalEventId"`
	Dimension       string         `json:"dimension"`
	Quantity        int64          `json:"quantity"`
	Timestamp       time.Time      `json:"timestamp"`
	DeliveryStatus  DeliveryStatus `json:"deliveryStatus"`
	RetryCount      int            `json:"retryCount"`
	LastError       string         `json:"lastError,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	SentAt          *time.Time     `json:"sentAt,omitempty"`
}

// Clone returns a deep copy of the event.
func (e *UsageEvent) Clone() *UsageEvent {
	if e == nil {
		return nil
	}
	c := *e
	if e.SentAt != nil {
		ts := *e.SentAt
		c.SentAt = &ts
	}
	return &c
}

// UpsertAttrs creates a subscription keyed by ExternalSubscriptionID, or
// partially updates it when it already exists. Nil fields are left unchanged
// on update and take their zero value (or PendingFulfillmentStart for Status)
// on create.
type UpsertAttrs struct {
	ExternalSubscriptionID string
	TenantID               *string
	PlanID                 *string
	Status                 *Status
	QuantityIncluded       *int
	Dimension              *string
	OverageEnabled         *bool
	ActivatedAt            *time.Time
}

// SubscriptionUpdate is a partial update; nil fields are left unchanged.
type SubscriptionUpdate struct {
	ExternalSubscriptionID *string
	TenantID               *string
	PlanID                 *string
	Status                 *Status
	QuantityIncluded       *int
	Dimension              *string
	OverageEnabled         *bool
	ActivatedAt            *time.Time
}

func (a UpsertAttrs) asUpdate() SubscriptionUpdate {
	return SubscriptionUpdate{
		TenantID:         a.TenantID,
		PlanID:           a.PlanID,
		Status:           a.Status,
		QuantityIncluded: a.QuantityIncluded,
		Dimension:        a.Dimension,
		OverageEnabled:   a.OverageEnabled,
		ActivatedAt:      a.ActivatedAt,
	}
}

// Ptr returns a pointer to v. Handy for building partial updates.
func Ptr[T any](v T) *T {
	return &v
}

// normalizeTime strips monotonic readings and sub-millisecond precision so
// both backends round-trip identical values.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func normalizeTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	n := normalizeTime(*t)
	return &n
}
