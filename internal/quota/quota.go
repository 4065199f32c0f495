// Package quota decides whether a subscription may consume another unit of
// its monthly allowance. Everything here is pure: callers supply the usage
// total and the clock.
package quota

import (
	"fmt"
	"strings"
	"time"
)

// Warning levels reported alongside allowed requests.
const (
	WarningNone     = ""
	WarningHigh     = "high"
	WarningCritical = "critical"

	highThresholdPct     = 80
	criticalThresholdPct = 90
)

// Subject is the subscription state the decision is computed from.
type Subject struct {
	SubscriptionID   string // external subscription id
	TenantID         string
	UserID           string
	QuantityIncluded int
	OverageEnabled   bool
	Dimension        string // billing dimension the quota is counted in
}

// Snapshot is the derived quota position for one subscription and period.
// It is never persisted.
type Snapshot struct {
	SubscriptionID string    `json:"subscriptionId"`
	TenantID       string    `json:"tenantId"`
	UserID         string    `json:"userId,omitempty"`
	RemainingQuota int64     `json:"remainingQuota"`
	TotalQuota     int64     `json:"totalQuota"`
	Used           int64     `json:"used"`
	OverageEnabled bool      `json:"overageEnabled"`
	Dimension      string    `json:"dimension,omitempty"`
	PeriodStart    time.Time `json:"periodStart"`
	ResetDate      time.Time `json:"resetDate"`
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Allowed  bool
	Snapshot Snapshot
	Reason   string // set only when denied
}

// Period returns the UTC calendar month containing now as [start, end).
func Period(now time.Time) (start, end time.Time) {
	now = now.UTC()
	start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	end = start.AddDate(0, 1, 0)
	return start, end
}

// Evaluate computes the admission decision for one more unit of usage.
func Evaluate(sub Subject, used int64, now time.Time) Decision {
	start, end := Period(now)
	total := int64(sub.QuantityIncluded)
	if total < 0 {
		total = 0
	}
	if used < 0 {
		used = 0
	}

	remaining := total - used
	if remaining < 0 {
		remaining = 0
	}

	snap := Snapshot{
		SubscriptionID: sub.SubscriptionID,
		TenantID:       sub.TenantID,
		UserID:         sub.UserID,
		RemainingQuota: remaining,
		TotalQuota:     total,
		Used:           used,
		OverageEnabled: sub.OverageEnabled,
		Dimension:      sub.Dimension,
		PeriodStart:    start,
		ResetDate:      end,
	}

	if sub.OverageEnabled || remaining > 0 {
		return Decision{Allowed: true, Snapshot: snap}
	}

	return Decision{
		Allowed:  false,
		Snapshot: snap,
		Reason: fmt.Sprintf("Monthly quota of %d %s exceeded. Quota resets on %s.",
			total, UnitLabel(sub.Dimension), FormatResetDate(end)),
	}
}

// WarningLevel reports how close the snapshot is to exhausting its quota.
func WarningLevel(s Snapshot) string {
	if s.TotalQuota <= 0 {
		return WarningNone
	}
	consumed := s.TotalQuota - s.RemainingQuota
	switch {
	case consumed*100 >= criticalThresholdPct*s.TotalQuota:
		return WarningCritical
	case consumed*100 >= highThresholdPct*s.TotalQuota:
		return WarningHigh
	default:
		return WarningNone
	}
}

// DenialMessage is the text sent back on conversational channels when a
// turn is refused.
func DenialMessage(s Snapshot) string {
	return fmt.Sprintf("⚠️ **Quota Exceeded**\n\n"+
		"You have reached your monthly limit of %d %s. Your quota will reset on %s.\n\n"+
		"Please contact your administrator to upgrade your plan or enable overage billing.",
		s.TotalQuota, UnitLabel(s.Dimension), FormatResetDate(s.ResetDate))
}

// UnitLabel renders a billing dimension as a plural noun for human-facing
// text, e.g. "api_call" becomes "api calls". An empty dimension reads as
// questions.
func UnitLabel(dimension string) string {
	label := strings.TrimSpace(strings.ReplaceAll(dimension, "_", " "))
	if label == "" {
		return "questions"
	}
	if !strings.HasSuffix(label, "s") {
		label += "s"
	}
	return label
}

// FormatResetDate renders a reset date for human-facing text.
func FormatResetDate(t time.Time) string {
	return t.UTC().Format("January 2, 2006")
}
