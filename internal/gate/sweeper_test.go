package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/pulse-quota/internal/metering"
	"github.com/rcourtman/pulse-quota/internal/registry"
)

func newTestSweeper(f *fixture, cfg SweeperConfig) *Sweeper {
	s := NewSweeper(f.reg, f.reporter, f.audit, cfg)
	s.now = func() time.Time { return time.Now().Add(time.Second) }
	return s
}

func TestSweepRepublishesUndeliveredEvents(t *testing.T) {
	f := newFixture(t, enabled())
	ctx := context.Background()

	good, err := f.reg.RecordUsageEvent(ctx, f.sub.ID, "question", 1, time.Now())
	require.NoError(t, err)
	bad, err := f.reg.RecordUsageEvent(ctx, f.sub.ID, "question", 2, time.Now())
	require.NoError(t, err)
	_, err = f.reg.UpdateUsageEventStatus(ctx, bad.ID, registry.DeliveryFailed, "earlier failure")
	require.NoError(t, err)

	f.reporter.fail = func(ev metering.Event) error {
		if ev.Quantity == 2 {
			return errors.New("still down")
		}
		return nil
	}

	result, err := newTestSweeper(f, SweeperConfig{MaxRetries: 3}).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Candidates: 2, Published: 1, Failed: 1}, result)

	for _, ev := range f.reporter.published() {
		assert.Equal(t, "ext-1", ev.SubscriptionID)
	}

	pending, err := f.reg.PendingUsageEvents(ctx, 3)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, bad.ID, pending[0].ID)
	assert.Equal(t, 2, pending[0].RetryCount)
	assert.Equal(t, "still down", pending[0].LastError)

	used, err := f.reg.AggregateUsage(ctx, f.sub.ID, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), used, "only %s should count", good.ID)

	entry, ok := f.audit.find(ActionUsagePublished)
	require.True(t, ok)
	assert.Equal(t, true, entry.Details["redelivery"])
}

func TestSweepSkipsExhaustedEvents(t *testing.T) {
	f := newFixture(t, enabled())
	ctx := context.Background()

	ev, err := f.reg.RecordUsageEvent(ctx, f.sub.ID, "question", 1, time.Now())
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = f.reg.UpdateUsageEventStatus(ctx, ev.ID, registry.DeliveryFailed, "down")
		require.NoError(t, err)
	}

	result, err := newTestSweeper(f, SweeperConfig{MaxRetries: 2}).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Candidates)
	assert.Empty(t, f.reporter.published())
}

func TestSweepHonorsGracePeriod(t *testing.T) {
	f := newFixture(t, enabled())
	ctx := context.Background()

	_, err := f.reg.RecordUsageEvent(ctx, f.sub.ID, "question", 1, time.Now())
	require.NoError(t, err)

	result, err := newTestSweeper(f, SweeperConfig{MaxRetries: 3, GracePeriod: time.Hour}).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Candidates)
	assert.Empty(t, f.reporter.published())
}

func TestSweepNothingPending(t *testing.T) {
	f := newFixture(t, enabled())

	result, err := newTestSweeper(f, SweeperConfig{MaxRetries: 3}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, result)
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, enabled())
	s := newTestSweeper(f, SweeperConfig{Interval: 5 * time.Millisecond, MaxRetries: 3})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestSweepZeroMaxRetriesDisablesRedelivery(t *testing.T) {
	f := newFixture(t, enabled())
	ctx := context.Background()

	_, err := f.reg.RecordUsageEvent(ctx, f.sub.ID, "question", 1, time.Now())
	require.NoError(t, err)

	s := newTestSweeper(f, SweeperConfig{MaxRetries: 0})
	assert.Equal(t, 0, s.cfg.MaxRetries)

	result, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, result)
	assert.Empty(t, f.reporter.published())

	pending, err := f.reg.PendingUsageEvents(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "event should stay pending")
}
