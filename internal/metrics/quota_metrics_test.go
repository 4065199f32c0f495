package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestRecordDecision(t *testing.T) {
	before := testutil.ToFloat64(QuotaDecisionsTotal.WithLabelValues("http", "denied"))
	RecordDecision("http", "denied")
	after := testutil.ToFloat64(QuotaDecisionsTotal.WithLabelValues("http", "denied"))

	if after-before != 1 {
		t.Fatalf("expected counter to increase by 1, got %v", after-before)
	}
}

func TestRecordUsageReport(t *testing.T) {
	before := testutil.ToFloat64(QuotaUsageReportsTotal.WithLabelValues("published"))
	RecordUsageReport("published")
	RecordUsageReport("published")
	after := testutil.ToFloat64(QuotaUsageReportsTotal.WithLabelValues("published"))

	if after-before != 2 {
		t.Fatalf("expected counter to increase by 2, got %v", after-before)
	}
}

func TestRecordPublishAttempt(t *testing.T) {
	before := testutil.ToFloat64(MeteringPublishAttemptsTotal.WithLabelValues("transient"))
	RecordPublishAttempt("transient", 120*time.Millisecond)
	after := testutil.ToFloat64(MeteringPublishAttemptsTotal.WithLabelValues("transient"))

	if after-before != 1 {
		t.Fatalf("expected counter to increase by 1, got %v", after-before)
	}
}

func TestRecordRedeliverySweep(t *testing.T) {
	before := testutil.ToFloat64(RedeliverySweepsTotal)
	RecordRedeliverySweep()
	if got := testutil.ToFloat64(RedeliverySweepsTotal); got-before != 1 {
		t.Fatalf("expected sweep counter to increase by 1, got %v", got-before)
	}
}

func histogramCount(t *testing.T) uint64 {
	t.Helper()
	var m dto.Metric
	if err := MeteringPublishDurationSeconds.Write(&m); err != nil {
		t.Fatalf("write histogram: %v", err)
	}
	return m.GetHistogram().GetSampleCount()
}

func TestRecordPublishAttemptObservesDuration(t *testing.T) {
	before := histogramCount(t)
	RecordPublishAttempt("success", 300*time.Millisecond)
	if got := histogramCount(t); got-before != 1 {
		t.Fatalf("expected one duration sample, got %d", got-before)
	}
}
