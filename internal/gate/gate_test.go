package gate

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internalerrors "github.com/rcourtman/pulse-quota/internal/errors"
	"github.com/rcourtman/pulse-quota/internal/metering"
	"github.com/rcourtman/pulse-quota/internal/registry"
	"github.com/rcourtman/pulse-quota/pkg/audit"
)

var fixedNow = time.Date(2025, time.June, 15, 12, 0, 0, 0, time.UTC)

type recordingAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recordingAudit) Log(e audit.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *recordingAudit) Close() error { return nil }

func (r *recordingAudit) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Action)
	}
	return out
}

func (r *recordingAudit) find(action string) (audit.Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.Action == action {
			return e, true
		}
	}
	return audit.Entry{}, false
}

type fakeReporter struct {
	mu       sync.Mutex
	events   []metering.Event
	ctxs     []context.Context
	policies []metering.RetryPolicy
	fail     func(metering.Event) error
}

func (f *fakeReporter) PublishWithRetry(ctx context.Context, ev metering.Event, policy metering.RetryPolicy) (*metering.PublishResponse, error) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.ctxs = append(f.ctxs, ctx)
	f.policies = append(f.policies, policy)
	fail := f.fail
	f.mu.Unlock()

	if fail != nil {
		if err := fail(ev); err != nil {
			return nil, err
		}
	}
	return &metering.PublishResponse{UsageEventID: "ue-1", Status: metering.StatusAccepted}, nil
}

func (f *fakeReporter) PublishBatch(ctx context.Context, events []metering.Event) metering.BatchResult {
	var result metering.BatchResult
	for i, ev := range events {
		resp, err := f.PublishWithRetry(ctx, ev, metering.RetryPolicy{})
		if err != nil {
			result.Failed = append(result.Failed, metering.Failure{Index: i, Event: ev, Err: err})
			continue
		}
		result.Published = append(result.Published, metering.Published{Index: i, Event: ev, Response: resp})
	}
	return result
}

func (f *fakeReporter) published() []metering.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]metering.Event(nil), f.events...)
}

type failingRegistry struct {
	registry.Registry
	aggregateErr error
	panicOnGet   bool
}

func (f *failingRegistry) AggregateUsage(ctx context.Context, id string, start, end time.Time) (int64, error) {
	if f.aggregateErr != nil {
		return 0, f.aggregateErr
	}
	return f.Registry.AggregateUsage(ctx, id, start, end)
}

func (f *failingRegistry) GetByExternalID(ctx context.Context, id string) (*registry.Subscription, error) {
	if f.panicOnGet {
		panic("boom")
	}
	return f.Registry.GetByExternalID(ctx, id)
}

type fixture struct {
	reg      *registry.MemoryRegistry
	sub      *registry.Subscription
	reporter *fakeReporter
	audit    *recordingAudit
	gate     *Gate
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	reg := registry.NewMemoryRegistry()
	sub, err := reg.UpsertByExternalID(context.Background(), registry.UpsertAttrs{
		ExternalSubscriptionID: "ext-1",
		TenantID:               registry.Ptr("tenant-1"),
		PlanID:                 registry.Ptr("basic-plan"),
		Status:                 registry.Ptr(registry.StatusSubscribed),
		QuantityIncluded:       registry.Ptr(300),
	})
	require.NoError(t, err)

	f := &fixture{reg: reg, sub: sub, reporter: &fakeReporter{}, audit: &recordingAudit{}}
	f.gate = New(cfg, reg, f.reporter, f.audit)
	f.gate.now = func() time.Time { return fixedNow }
	return f
}

func (f *fixture) consume(t *testing.T, n int64) {
	t.Helper()
	ctx := context.Background()
	ev, err := f.reg.RecordUsageEvent(ctx, f.sub.ID, "question", n, fixedNow.Add(-time.Hour))
	require.NoError(t, err)
	_, err = f.reg.UpdateUsageEventStatus(ctx, ev.ID, registry.DeliverySent, "")
	require.NoError(t, err)
}

func enabled() Config {
	return Config{Enabled: true}
}

func httpSubject() Subject {
	return Subject{ExternalSubscriptionID: "ext-1", UserID: "user-1", RequestID: "req-1", Channel: ChannelHTTP}
}

func TestCheckDisabledSkips(t *testing.T) {
	f := newFixture(t, Config{Enabled: false})

	adm := f.gate.Check(context.Background(), httpSubject())
	assert.Equal(t, StateSkipped, adm.State())
	assert.True(t, adm.Allowed())
	assert.Nil(t, adm.Snapshot())

	adm.Complete(true)
	f.gate.Wait()
	assert.Empty(t, f.reporter.published())
}

func TestCheckWithoutIdentifiersFailsOpen(t *testing.T) {
	f := newFixture(t, enabled())

	adm := f.gate.Check(context.Background(), Subject{UserID: "unknown", Channel: ChannelHTTP})
	assert.Equal(t, StateFailOpen, adm.State())
	assert.True(t, adm.Allowed())

	adm.Complete(true)
	f.gate.Wait()
	assert.Empty(t, f.reporter.published())

	pending, err := f.reg.PendingUsageEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "no usage event may be recorded")
}

func TestCheckUnknownSubscriptionFailsOpen(t *testing.T) {
	f := newFixture(t, enabled())

	subj := httpSubject()
	subj.ExternalSubscriptionID = "missing"
	adm := f.gate.Check(context.Background(), subj)
	assert.Equal(t, StateFailOpen, adm.State())
	assert.Empty(t, f.audit.actions())
}

func TestCheckDeniesWhenExhausted(t *testing.T) {
	f := newFixture(t, enabled())
	f.consume(t, 300)

	adm := f.gate.Check(context.Background(), httpSubject())
	require.Equal(t, StateDenied, adm.State())
	assert.False(t, adm.Allowed())

	snap := adm.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, int64(0), snap.RemainingQuota)
	assert.Equal(t, int64(300), snap.TotalQuota)
	assert.Contains(t, adm.Reason(), "300")

	entry, ok := f.audit.find(ActionBlocked)
	require.True(t, ok, "expected blocked audit, got %v", f.audit.actions())
	assert.Equal(t, audit.ResultBlocked, entry.Result)
	assert.Equal(t, int64(0), entry.Details["remainingQuota"])
	assert.Equal(t, "req-1", entry.RequestID)

	adm.Complete(true)
	f.gate.Wait()
	assert.Empty(t, f.reporter.published())
}

func TestCheckDeniedConversationAuditAction(t *testing.T) {
	f := newFixture(t, enabled())
	f.consume(t, 300)

	adm := f.gate.Check(context.Background(), Subject{TenantID: "tenant-1", UserID: "u", Channel: ChannelConversation})
	require.Equal(t, StateDenied, adm.State())

	_, ok := f.audit.find(ActionBlockedConversation)
	assert.True(t, ok, "got %v", f.audit.actions())
}

func TestCheckOverageAllowsBeyondQuota(t *testing.T) {
	cfg := enabled()
	cfg.OverageEnabled = true
	f := newFixture(t, cfg)
	f.consume(t, 1000)

	adm := f.gate.Check(context.Background(), httpSubject())
	assert.Equal(t, StateAllowed, adm.State())
	assert.True(t, adm.Snapshot().OverageEnabled)
}

func TestAllowedAdmissionReportsUsage(t *testing.T) {
	f := newFixture(t, enabled())
	f.consume(t, 299)

	adm := f.gate.Check(context.Background(), httpSubject())
	require.Equal(t, StateAllowed, adm.State())
	assert.Equal(t, int64(1), adm.Snapshot().RemainingQuota)

	adm.Complete(true)
	assert.Equal(t, StateReportScheduled, adm.State())
	f.gate.Wait()

	published := f.reporter.published()
	require.Len(t, published, 1)
	assert.Equal(t, "ext-1", published[0].SubscriptionID)
	assert.Equal(t, DefaultDimension, published[0].Dimension)
	assert.Equal(t, int64(1), published[0].Quantity)
	assert.True(t, published[0].Timestamp.Equal(fixedNow))

	start := fixedNow.AddDate(0, 0, -14)
	used, err := f.reg.AggregateUsage(context.Background(), f.sub.ID, start, start.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(300), used)

	entry, ok := f.audit.find(ActionUsagePublished)
	require.True(t, ok)
	assert.Equal(t, audit.ResultSuccess, entry.Result)
	assert.Equal(t, 1, entry.Details["quantity"])

	again := f.gate.Check(context.Background(), httpSubject())
	assert.Equal(t, StateDenied, again.State())
}

func TestCompleteIsIdempotent(t *testing.T) {
	f := newFixture(t, enabled())

	adm := f.gate.Check(context.Background(), httpSubject())
	adm.Complete(true)
	adm.Complete(true)
	adm.Complete(false)
	f.gate.Wait()

	assert.Len(t, f.reporter.published(), 1)
}

func TestCompleteWithoutSuccessSchedulesNothing(t *testing.T) {
	f := newFixture(t, enabled())

	adm := f.gate.Check(context.Background(), httpSubject())
	adm.Complete(false)
	adm.Complete(true)
	f.gate.Wait()

	assert.Equal(t, StateAllowed, adm.State())
	assert.Empty(t, f.reporter.published())
}

func TestReportFailureMarksEventFailed(t *testing.T) {
	f := newFixture(t, enabled())
	f.reporter.fail = func(metering.Event) error { return errors.New("billing down") }

	adm := f.gate.Check(context.Background(), httpSubject())
	adm.Complete(true)
	f.gate.Wait()

	pending, err := f.reg.PendingUsageEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, registry.DeliveryFailed, pending[0].DeliveryStatus)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.Equal(t, "billing down", pending[0].LastError)

	entry, ok := f.audit.find(ActionUsageFailed)
	require.True(t, ok)
	assert.Equal(t, audit.ResultError, entry.Result)
	assert.Equal(t, "billing down", entry.Details["error"])
}

func TestReportFailureRecordsEndpointStatus(t *testing.T) {
	f := newFixture(t, enabled())
	f.reporter.fail = func(ev metering.Event) error {
		err := internalerrors.NewDeliveryError(internalerrors.ErrorTypeTransient, "publish_usage", ev.SubscriptionID, errors.New("unavailable"))
		err.StatusCode = http.StatusServiceUnavailable
		return err
	}

	adm := f.gate.Check(context.Background(), httpSubject())
	adm.Complete(true)
	f.gate.Wait()

	entry, ok := f.audit.find(ActionUsageFailed)
	require.True(t, ok)
	assert.Equal(t, http.StatusServiceUnavailable, entry.Details["statusCode"])
}

func TestReportFailureWithoutStatusOmitsIt(t *testing.T) {
	f := newFixture(t, enabled())
	f.reporter.fail = func(metering.Event) error { return errors.New("dial failed") }

	adm := f.gate.Check(context.Background(), httpSubject())
	adm.Complete(true)
	f.gate.Wait()

	entry, ok := f.audit.find(ActionUsageFailed)
	require.True(t, ok)
	assert.NotContains(t, entry.Details, "statusCode")
}

func TestReportRetryPolicy(t *testing.T) {
	tests := []struct {
		name  string
		retry *metering.RetryPolicy
		want  metering.RetryPolicy
	}{
		{"unset uses default", nil, metering.DefaultRetryPolicy()},
		{"zero disables retries", &metering.RetryPolicy{}, metering.RetryPolicy{}},
		{"explicit", &metering.RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Second},
			metering.RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{Enabled: true, Retry: tt.retry})
			assert.Equal(t, tt.want, f.gate.RetryPolicy())

			adm := f.gate.Check(context.Background(), httpSubject())
			adm.Complete(true)
			f.gate.Wait()

			f.reporter.mu.Lock()
			defer f.reporter.mu.Unlock()
			require.Len(t, f.reporter.policies, 1)
			assert.Equal(t, tt.want, f.reporter.policies[0])
		})
	}
}

func TestReportOutlivesRequestContext(t *testing.T) {
	f := newFixture(t, enabled())

	ctx, cancel := context.WithCancel(context.Background())
	adm := f.gate.Check(ctx, httpSubject())
	cancel()
	adm.Complete(true)
	f.gate.Wait()

	require.Len(t, f.reporter.published(), 1)
	f.reporter.mu.Lock()
	reportCtx := f.reporter.ctxs[0]
	f.reporter.mu.Unlock()
	assert.NoError(t, reportCtx.Err())
}

func TestCheckStorageErrorFailsOpen(t *testing.T) {
	f := newFixture(t, enabled())
	g := New(enabled(), &failingRegistry{Registry: f.reg, aggregateErr: errors.New("disk on fire")}, f.reporter, f.audit)

	adm := g.Check(context.Background(), httpSubject())
	assert.Equal(t, StateFailOpen, adm.State())

	entry, ok := f.audit.find(ActionError)
	require.True(t, ok)
	assert.Equal(t, audit.ResultError, entry.Result)
	assert.Contains(t, entry.Details["error"], "disk on fire")
}

func TestCheckPanicFailsOpen(t *testing.T) {
	f := newFixture(t, enabled())
	g := New(enabled(), &failingRegistry{Registry: f.reg, panicOnGet: true}, f.reporter, f.audit)

	adm := g.Check(context.Background(), httpSubject())
	assert.Equal(t, StateFailOpen, adm.State())
	_, ok := f.audit.find(ActionError)
	assert.True(t, ok)
}

func TestResolveByTenant(t *testing.T) {
	f := newFixture(t, enabled())

	sub, err := f.gate.Resolve(context.Background(), Subject{TenantID: "tenant-1"})
	require.NoError(t, err)
	assert.Equal(t, "ext-1", sub.ExternalSubscriptionID)

	_, err = f.gate.Resolve(context.Background(), Subject{})
	assert.Error(t, err)
}

func TestSubscriptionDimensionOverridesDefault(t *testing.T) {
	f := newFixture(t, enabled())
	_, err := f.reg.Update(context.Background(), f.sub.ID, registry.SubscriptionUpdate{Dimension: registry.Ptr("premium")})
	require.NoError(t, err)

	adm := f.gate.Check(context.Background(), httpSubject())
	adm.Complete(true)
	f.gate.Wait()

	published := f.reporter.published()
	require.Len(t, published, 1)
	assert.Equal(t, "premium", published[0].Dimension)
}

func TestDenialNamesBillingDimension(t *testing.T) {
	f := newFixture(t, Config{Enabled: true, Dimension: "api_call"})
	f.consume(t, 300)

	adm := f.gate.Check(context.Background(), httpSubject())
	require.Equal(t, StateDenied, adm.State())
	assert.Contains(t, adm.Reason(), "300 api calls")
	assert.Equal(t, "api_call", adm.Snapshot().Dimension)

	_, err := f.reg.Update(context.Background(), f.sub.ID, registry.SubscriptionUpdate{Dimension: registry.Ptr("premium_question")})
	require.NoError(t, err)

	adm = f.gate.Check(context.Background(), httpSubject())
	require.Equal(t, StateDenied, adm.State())
	assert.Contains(t, adm.Reason(), "300 premium questions")
}

func TestConcurrentAdmissionsReportEachUnit(t *testing.T) {
	f := newFixture(t, enabled())

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adm := f.gate.Check(context.Background(), httpSubject())
			adm.Complete(adm.Allowed())
		}()
	}
	wg.Wait()
	f.gate.Wait()

	assert.Len(t, f.reporter.published(), 25)
}
