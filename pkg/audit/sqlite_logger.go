package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SQLiteLoggerConfig configures the SQLite audit logger.
type SQLiteLoggerConfig struct {
	DataDir       string // Directory for audit.db
	RetentionDays int    // Days to keep entries (default: 90, negative = forever)
}

// SQLiteLogger implements Logger with persistent SQLite storage.
type SQLiteLogger struct {
	mu            sync.RWMutex
	db            *sql.DB
	dbPath        string
	retentionDays int
	stopChan      chan struct{}
	closeOnce     sync.Once
	wg            sync.WaitGroup
}

// NewSQLiteLogger creates a new SQLite-backed audit logger.
func NewSQLiteLogger(cfg SQLiteLoggerConfig) (*SQLiteLogger, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}

	auditDir := filepath.Join(cfg.DataDir, "audit")
	if err := os.MkdirAll(auditDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	dbPath := filepath.Join(auditDir, "audit.db")

	// Pragmas in the DSN so every pool connection is configured
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	// SQLite works best with a single writer connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	retentionDays := cfg.RetentionDays
	if retentionDays == 0 {
		retentionDays = 90
	}

	l := &SQLiteLogger{
		db:            db,
		dbPath:        dbPath,
		retentionDays: retentionDays,
		stopChan:      make(chan struct{}),
	}

	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if retentionDays > 0 {
		l.wg.Add(1)
		go l.retentionWorker()
	}

	log.Info().
		Str("dbPath", dbPath).
		Int("retentionDays", retentionDays).
		Msg("SQLite audit logger initialized")

	return l, nil
}

func (l *SQLiteLogger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		action TEXT NOT NULL,
		tenant_id TEXT,
		user_id TEXT,
		subscription_id TEXT,
		request_id TEXT,
		result TEXT NOT NULL,
		details TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_entries(action);
	CREATE INDEX IF NOT EXISTS idx_audit_subscription ON audit_entries(subscription_id) WHERE subscription_id != '';
	`

	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Log persists an audit entry and mirrors it to zerolog.
func (l *SQLiteLogger) Log(entry Entry) error {
	entry = normalize(entry)

	var details sql.NullString
	if len(entry.Details) > 0 {
		raw, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("failed to encode audit details: %w", err)
		}
		details = sql.NullString{String: string(raw), Valid: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(`
		INSERT INTO audit_entries (id, timestamp, action, tenant_id, user_id, subscription_id, request_id, result, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.Timestamp.UnixMilli(),
		entry.Action,
		entry.TenantID,
		entry.UserID,
		entry.SubscriptionID,
		entry.RequestID,
		string(entry.Result),
		details,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}

	logEntry(entry)
	return nil
}

// Query retrieves audit entries matching the filter, newest first.
func (l *SQLiteLogger) Query(filter QueryFilter) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	query := "SELECT id, timestamp, action, tenant_id, user_id, subscription_id, request_id, result, details FROM audit_entries WHERE 1=1"
	args := []interface{}{}

	if filter.Action != "" {
		query += " AND action = ?"
		args = append(args, filter.Action)
	}
	if filter.SubscriptionID != "" {
		query += " AND subscription_id = ?"
		args = append(args, filter.SubscriptionID)
	}
	if filter.Result != "" {
		query += " AND result = ?"
		args = append(args, string(filter.Result))
	}
	if filter.StartTime != nil {
		query += " AND timestamp >= ?"
		args = append(args, filter.StartTime.UnixMilli())
	}
	if filter.EndTime != nil {
		query += " AND timestamp <= ?"
		args = append(args, filter.EndTime.UnixMilli())
	}

	query += " ORDER BY timestamp DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var timestamp int64
		var result string
		var tenant, user, sub, req, details sql.NullString

		if err := rows.Scan(&e.ID, &timestamp, &e.Action, &tenant, &user, &sub, &req, &result, &details); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}

		e.Timestamp = time.UnixMilli(timestamp).UTC()
		e.TenantID = tenant.String
		e.UserID = user.String
		e.SubscriptionID = sub.String
		e.RequestID = req.String
		e.Result = Result(result)
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				log.Warn().Err(err).Str("auditId", e.ID).Msg("Failed to decode audit details")
			}
		}

		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Close stops the retention worker and closes the database.
func (l *SQLiteLogger) Close() error {
	var closeErr error
	l.closeOnce.Do(func() {
		close(l.stopChan)
		l.wg.Wait()

		if err := l.db.Close(); err != nil {
			closeErr = fmt.Errorf("failed to close audit database: %w", err)
			return
		}
		log.Info().Msg("SQLite audit logger closed")
	})
	return closeErr
}

func (l *SQLiteLogger) retentionWorker() {
	defer l.wg.Done()

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	startup := time.NewTimer(5 * time.Minute)
	defer startup.Stop()

	for {
		select {
		case <-l.stopChan:
			return
		case <-startup.C:
			l.cleanupOldEntries(time.Now())
		case <-ticker.C:
			l.cleanupOldEntries(time.Now())
		}
	}
}

// cleanupOldEntries deletes entries older than the retention period.
func (l *SQLiteLogger) cleanupOldEntries(now time.Time) int64 {
	if l.retentionDays <= 0 {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.AddDate(0, 0, -l.retentionDays).UnixMilli()

	result, err := l.db.Exec(`DELETE FROM audit_entries WHERE timestamp < ?`, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Failed to cleanup old audit entries")
		return 0
	}

	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		log.Info().
			Int64("deleted", deleted).
			Int("retentionDays", l.retentionDays).
			Msg("Cleaned up old audit entries")
	}
	return deleted
}

// GetRetentionDays returns the current retention period.
func (l *SQLiteLogger) GetRetentionDays() int {
	return l.retentionDays
}
