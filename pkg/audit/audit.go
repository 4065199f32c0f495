// Package audit records quota enforcement and billing decisions.
//
// Callers treat audit logging as fire-and-forget: wrap any backend with Safe
// so that a failing or panicking backend never surfaces into request handling.
package audit

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Result is the outcome recorded on an audit entry.
type Result string

const (
	ResultSuccess Result = "success"
	ResultError   Result = "error"
	ResultBlocked Result = "blocked"
	ResultWarning Result = "warning"
)

// Entry represents a single audit log record.
type Entry struct {
	ID             string                 `json:"id"`
	Timestamp      time.Time              `json:"timestamp"`
	Action         string                 `json:"action"` // "quota.blocked", "marketplace.usage.publish", etc.
	TenantID       string                 `json:"tenantId,omitempty"`
	UserID         string                 `json:"userId,omitempty"`
	SubscriptionID string                 `json:"subscriptionId,omitempty"`
	RequestID      string                 `json:"requestId,omitempty"`
	Result         Result                 `json:"result"`
	Details        map[string]interface{} `json:"details,omitempty"`
}

// QueryFilter defines filters for querying persisted audit entries.
type QueryFilter struct {
	Action         string
	SubscriptionID string
	Result         Result
	StartTime      *time.Time
	EndTime        *time.Time
	Limit          int
}

// Logger defines the interface for audit logging backends.
type Logger interface {
	// Log records an audit entry
	Log(entry Entry) error

	// Close releases any resources held by the logger
	Close() error
}

// normalize fills the ID and timestamp when the caller left them empty.
func normalize(entry Entry) Entry {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	return entry
}

// ConsoleLogger implements Logger by writing to zerolog.
type ConsoleLogger struct{}

// NewConsoleLogger creates a new console-based audit logger.
func NewConsoleLogger() *ConsoleLogger {
	return &ConsoleLogger{}
}

// Log writes an audit entry to zerolog.
func (c *ConsoleLogger) Log(entry Entry) error {
	entry = normalize(entry)
	logEntry(entry)
	return nil
}

// Close is a no-op for the console logger.
func (c *ConsoleLogger) Close() error {
	return nil
}

func logEntry(entry Entry) {
	ctx := log.With().
		Str("auditId", entry.ID).
		Str("action", entry.Action).
		Str("result", string(entry.Result)).
		Time("timestamp", entry.Timestamp)
	if entry.TenantID != "" {
		ctx = ctx.Str("tenantId", entry.TenantID)
	}
	if entry.UserID != "" {
		ctx = ctx.Str("userId", entry.UserID)
	}
	if entry.SubscriptionID != "" {
		ctx = ctx.Str("subscriptionId", entry.SubscriptionID)
	}
	if entry.RequestID != "" {
		ctx = ctx.Str("requestId", entry.RequestID)
	}
	if len(entry.Details) > 0 {
		ctx = ctx.Interface("details", entry.Details)
	}
	logger := ctx.Logger()

	var ev *zerolog.Event
	switch entry.Result {
	case ResultError:
		ev = logger.Error()
	case ResultBlocked, ResultWarning:
		ev = logger.Warn()
	default:
		ev = logger.Info()
	}
	ev.Msg("Audit event")
}

// NopLogger discards every entry.
type NopLogger struct{}

func (NopLogger) Log(Entry) error { return nil }
func (NopLogger) Close() error    { return nil }

type safeLogger struct {
	inner Logger
}

// Safe wraps l so that Log never returns an error or panics. Failures are
// logged at warn level and dropped. A nil logger becomes a NopLogger.
func Safe(l Logger) Logger {
	if l == nil {
		return NopLogger{}
	}
	if s, ok := l.(*safeLogger); ok {
		return s
	}
	return &safeLogger{inner: l}
}

func (s *safeLogger) Log(entry Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().
				Interface("panic", r).
				Str("action", entry.Action).
				Msg("Audit logger panicked; entry dropped")
		}
	}()

	if logErr := s.inner.Log(entry); logErr != nil {
		log.Warn().
			Err(logErr).
			Str("action", entry.Action).
			Msg("Failed to write audit entry")
	}
	return nil
}

func (s *safeLogger) Close() error {
	return s.inner.Close()
}
