package metering

import (
	"time"
)

// Event is one usage record to publish to the billing endpoint.
type Event struct {
	SubscriptionID string // external subscription id
	Dimension      string
	Quantity       int64
	Timestamp      time.Time
	ResourceID     string
	ResourceURI    string
}

// PublishRequest is the JSON body sent to the usage endpoint.
type PublishRequest struct {
	ResourceID     string    `json:"resourceId,omitempty"`
	ResourceURI    string    `json:"resourceUri,omitempty"`
	SubscriptionID string    `json:"subscriptionId"`
	Dimension      string    `json:"dimension"`
	Quantity       int64     `json:"quantity"`
	Timestamp      time.Time `json:"timestamp"`
}

// ResponseStatus is the per-event status reported by the billing endpoint.
type ResponseStatus string

const (
	StatusAccepted  ResponseStatus = "Accepted"
	StatusExpired   ResponseStatus = "Expired"
	StatusDuplicate ResponseStatus = "Duplicate"
	StatusError     ResponseStatus = "Error"
)

// PublishResponse is the JSON body returned for a successful call.
type PublishResponse struct {
	UsageEventID       string         `json:"usageEventId"`
	Status             ResponseStatus `json:"status"`
	MessageTime        string         `json:"messageTime"`
	ResourceID         string         `json:"resourceId,omitempty"`
	ResourceURI        string         `json:"resourceUri,omitempty"`
	Quantity           float64        `json:"quantity"`
	Dimension          string         `json:"dimension"`
	EffectiveStartTime string         `json:"effectiveStartTime"`
	PlanID             string         `json:"planId"`
}

// Delivered reports whether the endpoint has the event on record.
// A duplicate means an earlier attempt already landed.
func (r *PublishResponse) Delivered() bool {
	if r == nil {
		return false
	}
	return r.Status == StatusAccepted || r.Status == StatusDuplicate
}

// Published pairs a batch member with the endpoint's response.
type Published struct {
	Index    int
	Event    Event
	Response *PublishResponse
}

// Failure pairs a batch member with the error that stopped it.
type Failure struct {
	Index int
	Event Event
	Err   error
}

// BatchResult reports the outcome of PublishBatch. Failed members are not
// retried by the batch; re-queueing them is the caller's responsibility.
type BatchResult struct {
	Published []Published
	Failed    []Failure
}
