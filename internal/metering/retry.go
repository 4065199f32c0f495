package metering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	internalerrors "github.com/rcourtman/pulse-quota/internal/errors"
)

// RetryPolicy controls PublishWithRetry. MaxRetries counts retries, so a
// policy with MaxRetries=2 makes at most three calls.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy returns 5 retries starting at 1s, capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   5,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// Backoff returns the wait after the given zero-based failed attempt:
// min(InitialDelay * 2^attempt, MaxDelay).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := p.InitialDelay
	for i := 0; i < attempt; i++ {
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			break
		}
		if delay > time.Duration(1<<62) {
			break
		}
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// PublishWithRetry publishes ev, retrying transient failures with
// exponential backoff. Permanent and expired failures stop immediately.
// When retries are exhausted the last error is returned.
func (c *Client) PublishWithRetry(ctx context.Context, ev Event, policy RetryPolicy) (*PublishResponse, error) {
	maxRetries := policy.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		resp, err := c.Publish(ctx, ev)
		if err == nil {
			if attempt > 0 {
				log.Info().
					Str("subscriptionId", ev.SubscriptionID).
					Int("attempt", attempt+1).
					Msg("Usage event published after retry")
			}
			return resp, nil
		}
		lastErr = err

		if !internalerrors.IsRetryableError(err) {
			log.Warn().
				Err(err).
				Str("subscriptionId", ev.SubscriptionID).
				Int("attempt", attempt+1).
				Msg("Usage event publish failed permanently; not retrying")
			return resp, err
		}

		if attempt == maxRetries {
			log.Error().
				Err(err).
				Str("subscriptionId", ev.SubscriptionID).
				Int("attempt", attempt+1).
				Int("maxAttempts", maxRetries+1).
				Msg("All retry attempts exhausted for usage event")
			break
		}

		delay := policy.Backoff(attempt)
		log.Warn().
			Err(err).
			Str("subscriptionId", ev.SubscriptionID).
			Int("attempt", attempt+1).
			Int("maxAttempts", maxRetries+1).
			Dur("delay", delay).
			Msg("Usage event publish failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("publish usage cancelled after %d attempts: %w", attempt+1, errors.Join(ctx.Err(), lastErr))
		case <-timer.C:
		}
	}

	return nil, lastErr
}
