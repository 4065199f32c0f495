package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// readPoolSize bounds concurrent lookups and aggregations.
const readPoolSize = 4

// SQLiteRegistry persists subscriptions and usage events in SQLite.
// Every read-modify-write runs in its own transaction on the single writer
// connection, which serializes writes per id. Lookups and aggregations use a
// separate query-only pool and, under WAL, never wait for a writer.
type SQLiteRegistry struct {
	db     *sql.DB
	readDB *sql.DB
	dbPath string
	now    func() time.Time
}

func sqliteDSN(path string, pragmas ...string) string {
	return path + "?" + url.Values{"_pragma": pragmas}.Encode()
}

// NewSQLiteRegistry opens (or creates) the registry database in dir.
func NewSQLiteRegistry(dir string) (*SQLiteRegistry, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	dbPath := filepath.Join(dir, "quota.db")
	dsn := sqliteDSN(dbPath,
		"busy_timeout(30000)",
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
		"foreign_keys(ON)",
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	r := &SQLiteRegistry{
		db:     db,
		dbPath: dbPath,
		now:    func() time.Time { return normalizeTime(time.Now()) },
	}
	if err := r.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	// WAL is persistent in the file, so the read pool only needs its own
	// connection settings.
	readDB, err := sql.Open("sqlite", sqliteDSN(dbPath, "busy_timeout(30000)", "query_only(1)"))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open registry read pool: %w", err)
	}
	readDB.SetMaxOpenConns(readPoolSize)
	readDB.SetMaxIdleConns(readPoolSize)
	r.readDB = readDB

	log.Info().Str("dbPath", dbPath).Msg("SQLite subscription registry initialized")
	return r, nil
}

func (r *SQLiteRegistry) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS subscriptions (
		id                       TEXT PRIMARY KEY,
		external_subscription_id TEXT NOT NULL UNIQUE,
		tenant_id                TEXT NOT NULL DEFAULT '',
		plan_id                  TEXT NOT NULL DEFAULT '',
		status                   TEXT NOT NULL,
		quantity_included        INTEGER NOT NULL DEFAULT 0,
		dimension                TEXT NOT NULL DEFAULT '',
		overage_enabled          INTEGER NOT NULL DEFAULT 0,
		activated_at             INTEGER,
		created_at               INTEGER NOT NULL,
		updated_at               INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_tenant ON subscriptions(tenant_id);

	CREATE TABLE IF NOT EXISTS usage_events (
		id                TEXT PRIMARY KEY,
		subscription_id   TEXT NOT NULL REFERENCES subscriptions(id),
		external_event_id TEXT NOT NULL,
		dimension         TEXT NOT NULL,
		quantity          INTEGER NOT NULL CHECK (quantity > 0),
		timestamp         INTEGER NOT NULL,
		delivery_status   TEXT NOT NULL,
		retry_count       INTEGER NOT NULL DEFAULT 0,
		last_error        TEXT NOT NULL DEFAULT '',
		created_at        INTEGER NOT NULL,
		sent_at           INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_usage_events_sub_ts ON usage_events(subscription_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_events_status ON usage_events(delivery_status);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("init registry schema: %w", err)
	}
	return nil
}

// Ping checks connectivity of both the writer and the read pool.
func (r *SQLiteRegistry) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return err
	}
	return r.readDB.PingContext(ctx)
}

// Close closes the writer connection and the read pool.
func (r *SQLiteRegistry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return errors.Join(r.readDB.Close(), r.db.Close())
}

const subscriptionColumns = `id, external_subscription_id, tenant_id, plan_id, status,
	quantity_included, dimension, overage_enabled, activated_at, created_at, updated_at`

const usageEventColumns = `id, subscription_id, external_event_id, dimension, quantity,
	timestamp, delivery_status, retry_count, last_error, created_at, sent_at`

func (r *SQLiteRegistry) UpsertByExternalID(ctx context.Context, attrs UpsertAttrs) (*Subscription, error) {
	if attrs.ExternalSubscriptionID == "" {
		return nil, fmt.Errorf("%w: external subscription id is required", ErrInvalidInput)
	}

	var result *Subscription
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_subscription_id = ?`,
			attrs.ExternalSubscriptionID)
		existing, err := scanSubscription(row)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		now := r.now()
		if existing != nil {
			if err := applyUpdate(existing, attrs.asUpdate(), now); err != nil {
				return err
			}
			if err := updateSubscriptionTx(ctx, tx, existing); err != nil {
				return err
			}
			result = existing
			return nil
		}

		sub, err := newSubscription(newID(), attrs, now)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sub.ID, sub.ExternalSubscriptionID, sub.TenantID, sub.PlanID, string(sub.Status),
			sub.QuantityIncluded, sub.Dimension, boolToInt(sub.OverageEnabled),
			nullableTimeMillis(sub.ActivatedAt), sub.CreatedAt.UnixMilli(), sub.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return mapConstraintError(err, sub.ExternalSubscriptionID)
		}
		result = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLiteRegistry) GetByExternalID(ctx context.Context, externalID string) (*Subscription, error) {
	row := r.readDB.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_subscription_id = ?`, externalID)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: subscription with external id %s", ErrNotFound, externalID)
	}
	return sub, err
}

func (r *SQLiteRegistry) GetActiveByTenant(ctx context.Context, tenantID string) (*Subscription, error) {
	row := r.readDB.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE tenant_id = ? AND status = ?
		ORDER BY updated_at DESC, id DESC LIMIT 1`, tenantID, string(StatusSubscribed))
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: active subscription for tenant %s", ErrNotFound, tenantID)
	}
	return sub, err
}

func (r *SQLiteRegistry) GetByID(ctx context.Context, id string) (*Subscription, error) {
	row := r.readDB.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: subscription %s", ErrNotFound, id)
	}
	return sub, err
}

func (r *SQLiteRegistry) Update(ctx context.Context, id string, upd SubscriptionUpdate) (*Subscription, error) {
	var result *Subscription
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
		sub, err := scanSubscription(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: subscription %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if err := applyUpdate(sub, upd, r.now()); err != nil {
			return err
		}
		if err := updateSubscriptionTx(ctx, tx, sub); err != nil {
			return err
		}
		result = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLiteRegistry) List(ctx context.Context) ([]*Subscription, error) {
	rows, err := r.readDB.QueryContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	out := make([]*Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (r *SQLiteRegistry) RecordUsageEvent(ctx context.Context, subscriptionID, dimension string, quantity int64, ts time.Time) (*UsageEvent, error) {
	if err := validateUsage(quantity); err != nil {
		return nil, err
	}

	ev := &UsageEvent{
		ID:              newID(),
		SubscriptionID:  subscriptionID,
		ExternalEventID: newExternalEventID(),
		Dimension:       dimension,
		Quantity:        quantity,
		Timestamp:       normalizeTime(ts),
		DeliveryStatus:  DeliveryPending,
		CreatedAt:       r.now(),
	}

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM subscriptions WHERE id = ?`, subscriptionID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: subscription %s", ErrNotFound, subscriptionID)
		}
		if err != nil {
			return fmt.Errorf("lookup subscription: %w", err)
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO usage_events (`+usageEventColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.ID, ev.SubscriptionID, ev.ExternalEventID, ev.Dimension, ev.Quantity,
			ev.Timestamp.UnixMilli(), string(ev.DeliveryStatus), ev.RetryCount, ev.LastError,
			ev.CreatedAt.UnixMilli(), nil,
		)
		if err != nil {
			return fmt.Errorf("insert usage event: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (r *SQLiteRegistry) UpdateUsageEventStatus(ctx context.Context, eventID string, status DeliveryStatus, errMsg string) (*UsageEvent, error) {
	var result *UsageEvent
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+usageEventColumns+` FROM usage_events WHERE id = ?`, eventID)
		ev, err := scanUsageEvent(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: usage event %s", ErrNotFound, eventID)
		}
		if err != nil {
			return err
		}
		if err := applyEventStatus(ev, status, errMsg, r.now()); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `UPDATE usage_events SET
			delivery_status = ?, retry_count = ?, last_error = ?, sent_at = ?
			WHERE id = ?`,
			string(ev.DeliveryStatus), ev.RetryCount, ev.LastError, nullableTimeMillis(ev.SentAt), ev.ID,
		)
		if err != nil {
			return fmt.Errorf("update usage event: %w", err)
		}
		result = ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLiteRegistry) AggregateUsage(ctx context.Context, subscriptionID string, start, end time.Time) (int64, error) {
	var total int64
	err := r.readDB.QueryRowContext(ctx, `SELECT COALESCE(SUM(quantity), 0) FROM usage_events
		WHERE subscription_id = ? AND delivery_status = ? AND timestamp >= ? AND timestamp < ?`,
		subscriptionID, string(DeliverySent), start.UnixMilli(), end.UnixMilli(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("aggregate usage: %w", err)
	}
	return total, nil
}

func (r *SQLiteRegistry) PendingUsageEvents(ctx context.Context, maxRetries int) ([]*UsageEvent, error) {
	rows, err := r.readDB.QueryContext(ctx, `SELECT `+usageEventColumns+` FROM usage_events
		WHERE delivery_status IN (?, ?) AND retry_count < ?
		ORDER BY created_at ASC, id ASC`,
		string(DeliveryPending), string(DeliveryFailed), maxRetries)
	if err != nil {
		return nil, fmt.Errorf("list pending usage events: %w", err)
	}
	defer rows.Close()

	var out []*UsageEvent
	for rows.Next() {
		ev, err := scanUsageEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (r *SQLiteRegistry) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin registry transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit registry transaction: %w", err)
	}
	return nil
}

func updateSubscriptionTx(ctx context.Context, tx *sql.Tx, sub *Subscription) error {
	_, err := tx.ExecContext(ctx, `UPDATE subscriptions SET
		external_subscription_id = ?, tenant_id = ?, plan_id = ?, status = ?,
		quantity_included = ?, dimension = ?, overage_enabled = ?, activated_at = ?, updated_at = ?
		WHERE id = ?`,
		sub.ExternalSubscriptionID, sub.TenantID, sub.PlanID, string(sub.Status),
		sub.QuantityIncluded, sub.Dimension, boolToInt(sub.OverageEnabled),
		nullableTimeMillis(sub.ActivatedAt), sub.UpdatedAt.UnixMilli(), sub.ID,
	)
	if err != nil {
		return mapConstraintError(err, sub.ExternalSubscriptionID)
	}
	return nil
}

func mapConstraintError(err error, externalID string) error {
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %s", ErrDuplicateExternalID, externalID)
	}
	return fmt.Errorf("write subscription: %w", err)
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(s scanner) (*Subscription, error) {
	var sub Subscription
	var status string
	var overage int
	var activatedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := s.Scan(
		&sub.ID, &sub.ExternalSubscriptionID, &sub.TenantID, &sub.PlanID, &status,
		&sub.QuantityIncluded, &sub.Dimension, &overage, &activatedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}

	sub.Status = Status(status)
	sub.OverageEnabled = overage != 0
	sub.ActivatedAt = timeFromMillis(activatedAt)
	sub.CreatedAt = time.UnixMilli(createdAt).UTC()
	sub.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &sub, nil
}

func scanUsageEvent(s scanner) (*UsageEvent, error) {
	var ev UsageEvent
	var status string
	var ts, createdAt int64
	var sentAt sql.NullInt64

	err := s.Scan(
		&ev.ID, &ev.SubscriptionID, &ev.ExternalEventID, &ev.Dimension, &ev.Quantity,
		&ts, &status, &ev.RetryCount, &ev.LastError, &createdAt, &sentAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan usage event: %w", err)
	}

	ev.DeliveryStatus = DeliveryStatus(status)
	ev.Timestamp = time.UnixMilli(ts).UTC()
	ev.CreatedAt = time.UnixMilli(createdAt).UTC()
	ev.SentAt = timeFromMillis(sentAt)
	return &ev, nil
}

func nullableTimeMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timeFromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	ts := time.UnixMilli(v.Int64).UTC()
	return &ts
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
