package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Enforcement decisions by ingress channel and admission state
	QuotaDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_quota_decisions_total",
			Help: "Total number of quota admission decisions by channel and state",
		},
		[]string{"channel", "state"}, // http|conversation, skipped|fail_open|denied|allowed
	)

	QuotaUsageReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_quota_usage_reports_total",
			Help: "Total number of detached usage reports by outcome",
		},
		[]string{"outcome"}, // published, failed, record_error
	)

	// Billing endpoint calls
	MeteringPublishAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_metering_publish_attempts_total",
			Help: "Total number of usage publish attempts against the billing endpoint by result",
		},
		[]string{"result"}, // success, transient, permanent, expired
	)

	MeteringPublishDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pulse_metering_publish_duration_seconds",
			Help:    "Duration of a single usage publish call",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	RedeliverySweepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_quota_redelivery_sweeps_total",
			Help: "Total number of redelivery sweeps over pending usage events",
		},
	)
)

// RecordDecision records a quota admission decision
func RecordDecision(channel, state string) {
	QuotaDecisionsTotal.WithLabelValues(channel, state).Inc()
}

// RecordUsageReport records the outcome of a detached usage report
func RecordUsageReport(outcome string) {
	QuotaUsageReportsTotal.WithLabelValues(outcome).Inc()
}

// RecordPublishAttempt records one call to the billing endpoint
func RecordPublishAttempt(result string, elapsed time.Duration) {
	MeteringPublishAttemptsTotal.WithLabelValues(result).Inc()
	MeteringPublishDurationSeconds.Observe(elapsed.Seconds())
}

// RecordRedeliverySweep records a completed redelivery sweep
func RecordRedeliverySweep() {
	RedeliverySweepsTotal.Inc()
}
