// Package metering publishes usage events to the marketplace metered-billing
// endpoint.
package metering

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	internalerrors "github.com/rcourtman/pulse-quota/internal/errors"
	"github.com/rcourtman/pulse-quota/internal/metrics"
	"github.com/rcourtman/pulse-quota/pkg/audit"
)

const (
	DefaultAPIBase    = "https://marketplaceapi.microsoft.com"
	DefaultAPIVersion = "2018-08-31"
	DefaultTimeout    = 30 * time.Second
	DefaultRateLimit  = 5.0

	// MaxEventAge is how far an event timestamp may be from now before the
	// endpoint would reject it.
	MaxEventAge = 24 * time.Hour

	publishOp          = "publish_usage"
	auditActionPublish = "marketplace.usage.publish"
	maxErrorBodyBytes  = 64 * 1024
)

// Config configures the metering client.
type Config struct {
	APIBase    string
	APIKey     string
	APIVersion string
	Timeout    time.Duration
	RateLimit  float64 // batch events per second; <= 0 disables pacing
	// Retry is used by PublishBatch. Nil selects DefaultRetryPolicy; a
	// policy with MaxRetries 0 makes exactly one attempt.
	Retry *RetryPolicy

	// DNSCacheTTL sets the endpoint address refresh interval. Zero uses
	// DefaultDNSCacheTTL; negative disables caching.
	DNSCacheTTL time.Duration
}

// Client publishes usage events. It is safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      RetryPolicy
	audit      audit.Logger
	now        func() time.Time
}

// NewClient creates a metering client. A nil audit logger disables auditing.
func NewClient(cfg Config, auditLogger audit.Logger) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	retry := DefaultRetryPolicy()
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout, Transport: newTransport(cfg.DNSCacheTTL)},
		limiter:    rate.NewLimiter(limit, 1),
		retry:      retry,
		audit:      audit.Safe(auditLogger),
		now:        time.Now,
	}
}

// RetryPolicy returns the client's configured retry policy.
func (c *Client) RetryPolicy() RetryPolicy {
	return c.retry
}

// Publish sends a single usage event. Events whose timestamp lies more than
// MaxEventAge from now are rejected without calling the endpoint.
func (c *Client) Publish(ctx context.Context, ev Event) (*PublishResponse, error) {
	requestID := uuid.NewString()
	correlationID := uuid.NewString()

	if err := validateEvent(ev); err != nil {
		c.auditPublish(ev, requestID, correlationID, nil, err)
		return nil, err
	}

	if age := c.now().Sub(ev.Timestamp); age > MaxEventAge || age < -MaxEventAge {
		err := internalerrors.NewExpiredError(publishOp, ev.SubscriptionID, age)
		metrics.RecordPublishAttempt("expired", 0)
		log.Warn().
			Str("subscriptionId", ev.SubscriptionID).
			Time("timestamp", ev.Timestamp).
			Dur("age", age).
			Msg("Usage event outside accepted window; not publishing")
		c.auditPublish(ev, requestID, correlationID, nil, err)
		return nil, err
	}

	log.Info().
		Str("requestId", requestID).
		Str("correlationId", correlationID).
		Str("subscriptionId", ev.SubscriptionID).
		Str("dimension", ev.Dimension).
		Int64("quantity", ev.Quantity).
		Msg("Publishing usage event to marketplace")

	start := time.Now()
	resp, err := c.send(ctx, ev, requestID, correlationID)
	metrics.RecordPublishAttempt(classifyResult(err), time.Since(start))
	c.auditPublish(ev, requestID, correlationID, resp, err)

	if err != nil {
		log.Error().
			Err(err).
			Str("requestId", requestID).
			Str("subscriptionId", ev.SubscriptionID).
			Msg("Failed to publish usage event")
		return resp, err
	}

	log.Info().
		Str("requestId", requestID).
		Str("usageEventId", resp.UsageEventID).
		Str("status", string(resp.Status)).
		Msg("Usage event published successfully")
	return resp, nil
}

func (c *Client) send(ctx context.Context, ev Event, requestID, correlationID string) (*PublishResponse, error) {
	body, err := json.Marshal(PublishRequest{
		ResourceID:     ev.ResourceID,
		ResourceURI:    ev.ResourceURI,
		SubscriptionID: ev.SubscriptionID,
		Dimension:      ev.Dimension,
		Quantity:       ev.Quantity,
		Timestamp:      ev.Timestamp.UTC(),
	})
	if err != nil {
		return nil, internalerrors.NewValidationError(publishOp, ev.SubscriptionID, err)
	}

	url := fmt.Sprintf("%s/api/usageEvent?api-version=%s", c.cfg.APIBase, c.cfg.APIVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, internalerrors.NewValidationError(publishOp, ev.SubscriptionID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("x-ms-requestid", requestID)
	req.Header.Set("x-ms-correlationid", correlationID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, internalerrors.WrapTransportError(publishOp, ev.SubscriptionID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return nil, internalerrors.WrapTransportError(publishOp, ev.SubscriptionID, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, internalerrors.WrapStatusError(publishOp, ev.SubscriptionID, resp.StatusCode, errorMessage(raw))
	}

	var out PublishResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, internalerrors.WrapMalformedResponse(publishOp, ev.SubscriptionID,
			fmt.Errorf("invalid JSON response from marketplace API: %w", err))
	}

	switch out.Status {
	case StatusAccepted, StatusDuplicate:
		return &out, nil
	case StatusExpired:
		return &out, internalerrors.NewExpiredError(publishOp, ev.SubscriptionID, c.now().Sub(ev.Timestamp))
	default:
		return &out, internalerrors.NewDeliveryError(internalerrors.ErrorTypePermanent, publishOp, ev.SubscriptionID, nil).
			WithMessage(fmt.Sprintf("usage event %s reported status %q", out.UsageEventID, out.Status))
	}
}

func (c *Client) auditPublish(ev Event, requestID, correlationID string, resp *PublishResponse, err error) {
	details := map[string]interface{}{
		"eventId":   correlationID,
		"dimension": ev.Dimension,
		"quantity":  ev.Quantity,
	}
	result := audit.ResultSuccess
	if err != nil {
		result = audit.ResultError
		details["error"] = err.Error()
	}
	if resp != nil {
		details["status"] = string(resp.Status)
		details["usageEventId"] = resp.UsageEventID
	}

	c.audit.Log(audit.Entry{
		Action:         auditActionPublish,
		SubscriptionID: ev.SubscriptionID,
		RequestID:      requestID,
		Result:         result,
		Details:        details,
	})
}

func validateEvent(ev Event) error {
	switch {
	case ev.SubscriptionID == "":
		return internalerrors.NewValidationError(publishOp, "", fmt.Errorf("subscription id is required"))
	case ev.Dimension == "":
		return internalerrors.NewValidationError(publishOp, ev.SubscriptionID, fmt.Errorf("dimension is required"))
	case ev.Quantity <= 0:
		return internalerrors.NewValidationError(publishOp, ev.SubscriptionID, fmt.Errorf("quantity must be positive, got %d", ev.Quantity))
	case ev.Timestamp.IsZero():
		return internalerrors.NewValidationError(publishOp, ev.SubscriptionID, fmt.Errorf("timestamp is required"))
	}
	return nil
}

// errorMessage extracts the endpoint's message from an error body.
func errorMessage(raw []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error.Message != "" {
			return payload.Error.Message
		}
		return "Unknown error"
	}
	return strings.TrimSpace(string(raw))
}

func classifyResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case internalerrors.IsExpired(err):
		return "expired"
	case internalerrors.IsRetryableError(err):
		return "transient"
	default:
		return "permanent"
	}
}
