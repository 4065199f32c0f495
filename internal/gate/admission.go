package gate

import (
	"context"
	"sync"

	"github.com/rcourtman/pulse-quota/internal/quota"
	"github.com/rcourtman/pulse-quota/internal/registry"
)

// State is the position of an admission in its lifecycle.
//
//	Unchecked -> Skipped | FailOpen | Denied | Allowed
//	Allowed   -> ReportScheduled
type State string

const (
	StateUnchecked       State = "unchecked"
	StateSkipped         State = "skipped"
	StateFailOpen        State = "fail_open"
	StateDenied          State = "denied"
	StateAllowed         State = "allowed"
	StateReportScheduled State = "report_scheduled"
)

// Admission is the result of one quota check.
type Admission struct {
	gate    *Gate
	ctx     context.Context
	subject Subject

	mu           sync.Mutex
	state        State
	completed    bool
	subscription *registry.Subscription
	decision     *quota.Decision
}

// State returns the current lifecycle state.
func (a *Admission) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Allowed reports whether the caller should proceed. Only Denied refuses.
func (a *Admission) Allowed() bool {
	return a.State() != StateDenied
}

// Snapshot returns the evaluated quota position, or nil when the check never
// reached evaluation (skipped or failed open).
func (a *Admission) Snapshot() *quota.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.decision == nil {
		return nil
	}
	snap := a.decision.Snapshot
	return &snap
}

// Reason explains a denial; empty otherwise.
func (a *Admission) Reason() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.decision == nil {
		return ""
	}
	return a.decision.Reason
}

// Complete is the post-response hook. When the downstream work succeeded on
// an Allowed admission it schedules a detached usage report. Only the first
// call has any effect.
func (a *Admission) Complete(succeeded bool) {
	a.mu.Lock()
	if a.completed {
		a.mu.Unlock()
		return
	}
	a.completed = true
	if !succeeded || a.state != StateAllowed {
		a.mu.Unlock()
		return
	}
	a.state = StateReportScheduled
	sub := a.subscription.Clone()
	snap := a.decision.Snapshot
	a.mu.Unlock()

	a.gate.scheduleReport(context.WithoutCancel(a.ctx), a.subject, sub, snap)
}
