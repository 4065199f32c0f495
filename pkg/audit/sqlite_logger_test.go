package audit

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestSQLiteLogger(t *testing.T, retentionDays int) *SQLiteLogger {
	t.Helper()

	logger, err := NewSQLiteLogger(SQLiteLoggerConfig{
		DataDir:       t.TempDir(),
		RetentionDays: retentionDays,
	})
	if err != nil {
		t.Fatalf("NewSQLiteLogger failed: %v", err)
	}
	t.Cleanup(func() { logger.Close() })
	return logger
}

func TestNewSQLiteLogger(t *testing.T) {
	logger := newTestSQLiteLogger(t, 30)

	if logger.GetRetentionDays() != 30 {
		t.Errorf("Expected retention days 30, got %d", logger.GetRetentionDays())
	}
	if _, err := os.Stat(logger.dbPath); err != nil {
		t.Errorf("Expected database file at %s: %v", logger.dbPath, err)
	}
	if filepath.Base(filepath.Dir(logger.dbPath)) != "audit" {
		t.Errorf("Expected database under audit directory, got %s", logger.dbPath)
	}
}

func TestNewSQLiteLoggerDefaultRetention(t *testing.T) {
	logger := newTestSQLiteLogger(t, 0)

	if logger.GetRetentionDays() != 90 {
		t.Errorf("Expected default retention days 90, got %d", logger.GetRetentionDays())
	}
}

func TestNewSQLiteLoggerRequiresDataDir(t *testing.T) {
	if _, err := NewSQLiteLogger(SQLiteLoggerConfig{}); err == nil {
		t.Fatal("expected error for missing data dir")
	}
}

func TestSQLiteLoggerLogAndQuery(t *testing.T) {
	logger := newTestSQLiteLogger(t, 30)

	entry := Entry{
		ID:             uuid.NewString(),
		Timestamp:      time.Now().UTC(),
		Action:         "quota.blocked",
		TenantID:       "tenant-1",
		UserID:         "user-1",
		SubscriptionID: "sub-1",
		RequestID:      "req-1",
		Result:         ResultBlocked,
		Details:        map[string]interface{}{"totalQuota": float64(300)},
	}
	if err := logger.Log(entry); err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if err := logger.Log(Entry{Action: "quota.usage.published", SubscriptionID: "sub-1", Result: ResultSuccess}); err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if err := logger.Log(Entry{Action: "quota.usage.published", SubscriptionID: "sub-2", Result: ResultSuccess}); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	blocked, err := logger.Query(QueryFilter{Action: "quota.blocked"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(blocked) != 1 {
		t.Fatalf("Expected 1 blocked entry, got %d", len(blocked))
	}
	got := blocked[0]
	if got.ID != entry.ID || got.TenantID != "tenant-1" || got.UserID != "user-1" || got.RequestID != "req-1" {
		t.Errorf("Unexpected entry: %+v", got)
	}
	if got.Result != ResultBlocked {
		t.Errorf("Expected result blocked, got %s", got.Result)
	}
	if got.Details["totalQuota"] != float64(300) {
		t.Errorf("Expected details to round-trip, got %v", got.Details)
	}

	sub1, err := logger.Query(QueryFilter{SubscriptionID: "sub-1"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(sub1) != 2 {
		t.Errorf("Expected 2 entries for sub-1, got %d", len(sub1))
	}

	limited, err := logger.Query(QueryFilter{Result: ResultSuccess, Limit: 1})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("Expected limit to apply, got %d", len(limited))
	}
}

func TestSQLiteLoggerCleanupOldEntries(t *testing.T) {
	logger := newTestSQLiteLogger(t, 7)

	now := time.Now().UTC()
	old := Entry{Action: "quota.blocked", Result: ResultBlocked, Timestamp: now.AddDate(0, 0, -10)}
	recent := Entry{Action: "quota.blocked", Result: ResultBlocked, Timestamp: now.AddDate(0, 0, -1)}
	for _, e := range []Entry{old, recent} {
		if err := logger.Log(e); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}

	if deleted := logger.cleanupOldEntries(now); deleted != 1 {
		t.Fatalf("Expected 1 deleted entry, got %d", deleted)
	}

	remaining, err := logger.Query(QueryFilter{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("Expected 1 remaining entry, got %d", len(remaining))
	}
}

func TestSQLiteLoggerCloseIsIdempotent(t *testing.T) {
	logger, err := NewSQLiteLogger(SQLiteLoggerConfig{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewSQLiteLogger failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}
