package metering

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// PublishBatch publishes events one at a time, paced by the client's rate
// limiter, each with the client's retry policy. A failing member never stops
// the batch.
func (c *Client) PublishBatch(ctx context.Context, events []Event) BatchResult {
	batchID := uuid.NewString()
	result := BatchResult{}

	log.Info().
		Str("batchId", batchID).
		Int("eventCount", len(events)).
		Msg("Publishing usage batch")

	for i, ev := range events {
		if err := c.limiter.Wait(ctx); err != nil {
			for j := i; j < len(events); j++ {
				result.Failed = append(result.Failed, Failure{Index: j, Event: events[j], Err: err})
			}
			log.Warn().
				Err(err).
				Str("batchId", batchID).
				Int("skipped", len(events)-i).
				Msg("Usage batch interrupted")
			break
		}

		resp, err := c.PublishWithRetry(ctx, ev, c.retry)
		if err != nil {
			log.Error().
				Err(err).
				Str("batchId", batchID).
				Str("subscriptionId", ev.SubscriptionID).
				Msg("Failed to publish usage event in batch")
			result.Failed = append(result.Failed, Failure{Index: i, Event: ev, Err: err})
			continue
		}
		result.Published = append(result.Published, Published{Index: i, Event: ev, Response: resp})
	}

	log.Info().
		Str("batchId", batchID).
		Int("total", len(events)).
		Int("successful", len(result.Published)).
		Int("failed", len(result.Failed)).
		Msg("Usage batch processing completed")

	return result
}
