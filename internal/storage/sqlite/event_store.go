// Package sqlite is the embedded EventStore backed by modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"market-extremes/internal/storage"
)

const (
	eventColumns = `id, symbol, dimension, window_days, triggered_at, value, percentile,
		price_at_trigger, price_4h, price_12h, price_24h, price_48h, created_at`

	insertEventSQL = `INSERT INTO extreme_events (
		symbol, dimension, window_days, triggered_at, value, percentile,
		price_at_trigger, price_4h, price_12h, price_24h, price_48h, created_at
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`

	recentTriggerSQL = `SELECT EXISTS (
		SELECT 1 FROM extreme_events
		WHERE symbol = ? AND dimension = ? AND window_days = ? AND triggered_at >= ?
	)`

	sameTriggerSQL = `SELECT EXISTS (
		SELECT 1 FROM extreme_events
		WHERE symbol = ? AND dimension = ? AND window_days = ? AND triggered_at = ?
	)`

	queryEventsSQL = `SELECT ` + eventColumns + `
	FROM extreme_events
	WHERE symbol = ? AND dimension = ? AND window_days = ?
	  AND (? = 0 OR (
		price_at_trigger IS NOT NULL
		AND (price_4h IS NOT NULL OR price_12h IS NOT NULL OR price_24h IS NOT NULL OR price_48h IS NOT NULL)
	  ))
	ORDER BY triggered_at DESC, id DESC
	LIMIT ?`

	pendingBackfillSQL = `SELECT ` + eventColumns + `
	FROM extreme_events
	WHERE (price_4h  IS NULL AND triggered_at + 14400000  <= ?1)
	   OR (price_12h IS NULL AND triggered_at + 43200000  <= ?1)
	   OR (price_24h IS NULL AND triggered_at + 86400000  <= ?1)
	   OR (price_48h IS NULL AND triggered_at + 172800000 <= ?1)
	ORDER BY triggered_at, id`

	deleteEventsBeforeSQL = `DELETE FROM extreme_events WHERE triggered_at < ?`
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS extreme_events (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol           TEXT    NOT NULL,
		dimension        TEXT    NOT NULL,
		window_days      INTEGER NOT NULL,
		triggered_at     INTEGER NOT NULL,
		value            REAL    NOT NULL,
		percentile       REAL    NOT NULL,
		price_at_trigger REAL,
		price_4h         REAL,
		price_12h        REAL,
		price_24h        REAL,
		price_48h        REAL,
		created_at       INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_extreme_events_key
		ON extreme_events(symbol, dimension, window_days, triggered_at DESC)`,
}

var updateFieldSQL = func() map[storage.Checkpoint]string {
	out := make(map[storage.Checkpoint]string)
	for _, cp := range storage.Checkpoints() {
		col := cp.Column()
		out[cp] = fmt.Sprintf(`UPDATE extreme_events SET %s = ? WHERE id = ? AND %s IS NULL`, col, col)
	}
	return out
}()

// Store persists extreme events in a SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" keeps it in process.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serialises writers, which also makes InsertEventIfQuiet atomic.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{`PRAGMA journal_mode=WAL`, `PRAGMA busy_timeout=5000`} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) getDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, storage.ErrNotConfigured
	}
	return s.db, nil
}

// InsertEvent persists ev unconditionally.
func (s *Store) InsertEvent(ctx context.Context, ev storage.ExtremeEvent) (int64, error) {
	if err := storage.Validate(ev); err != nil {
		return 0, err
	}
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, insertEventSQL, insertArgs(ev)...)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return res.LastInsertId()
}

// InsertEventIfQuiet inserts ev unless its key triggered at or after sinceMs.
func (s *Store) InsertEventIfQuiet(ctx context.Context, ev storage.ExtremeEvent, sinceMs int64) (int64, bool, error) {
	return s.insertUnless(ctx, ev, recentTriggerSQL, sinceMs)
}

// InsertEventIfAbsent inserts ev unless its key already triggered at ev.TriggeredAt.
func (s *Store) InsertEventIfAbsent(ctx context.Context, ev storage.ExtremeEvent) (int64, bool, error) {
	return s.insertUnless(ctx, ev, sameTriggerSQL, ev.TriggeredAt)
}

// insertUnless runs existsSQL for ev's key and ts, then inserts in the same
// transaction when nothing matched.
func (s *Store) insertUnless(ctx context.Context, ev storage.ExtremeEvent, existsSQL string, ts int64) (int64, bool, error) {
	if err := storage.Validate(ev); err != nil {
		return 0, false, err
	}
	db, err := s.getDB()
	if err != nil {
		return 0, false, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	key := ev.Key()
	var exists bool
	if err := tx.QueryRowContext(ctx, existsSQL, key.Symbol, key.Dimension, key.WindowDays, ts).Scan(&exists); err != nil {
		return 0, false, fmt.Errorf("check existing trigger: %w", err)
	}
	if exists {
		return 0, false, nil
	}

	res, err := tx.ExecContext(ctx, insertEventSQL, insertArgs(ev)...)
	if err != nil {
		return 0, false, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("read event id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit event: %w", err)
	}
	return id, true, nil
}

// QueryEvents lists events for one key ordered by triggered_at descending.
func (s *Store) QueryEvents(ctx context.Context, q storage.EventQuery) ([]storage.ExtremeEvent, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	limit := -1
	if q.Limit > 0 {
		limit = q.Limit
	}
	outcomeOnly := 0
	if q.OutcomeOnly {
		outcomeOnly = 1
	}
	rows, err := db.QueryContext(ctx, queryEventsSQL, q.Symbol, q.Dimension, q.WindowDays, outcomeOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return collectEvents(rows)
}

// UpdateEventField sets one checkpoint price if it is still NULL.
func (s *Store) UpdateEventField(ctx context.Context, id int64, cp storage.Checkpoint, price float64) (bool, error) {
	stmt, ok := updateFieldSQL[cp]
	if !ok {
		return false, storage.CheckCheckpoint(cp)
	}
	db, err := s.getDB()
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, stmt, price, id)
	if err != nil {
		return false, fmt.Errorf("update %s: %w", cp.Column(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update %s: %w", cp.Column(), err)
	}
	return n > 0, nil
}

// QueryPendingBackfill lists events with at least one due, unset checkpoint.
func (s *Store) QueryPendingBackfill(ctx context.Context, nowMs int64) ([]storage.ExtremeEvent, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, pendingBackfillSQL, nowMs)
	if err != nil {
		return nil, fmt.Errorf("query pending backfill: %w", err)
	}
	return collectEvents(rows)
}

// HasRecentTrigger reports whether key triggered at or after sinceMs.
func (s *Store) HasRecentTrigger(ctx context.Context, key storage.EventKey, sinceMs int64) (bool, error) {
	db, err := s.getDB()
	if err != nil {
		return false, err
	}
	var recent bool
	if err := db.QueryRowContext(ctx, recentTriggerSQL, key.Symbol, key.Dimension, key.WindowDays, sinceMs).Scan(&recent); err != nil {
		return false, fmt.Errorf("check recent trigger: %w", err)
	}
	return recent, nil
}

// DeleteEventsBefore removes events triggered before cutoffMs.
func (s *Store) DeleteEventsBefore(ctx context.Context, cutoffMs int64) (int64, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, deleteEventsBeforeSQL, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("delete events before: %w", err)
	}
	return res.RowsAffected()
}

func insertArgs(ev storage.ExtremeEvent) []any {
	created := ev.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return []any{
		ev.Symbol,
		ev.Dimension,
		ev.WindowDays,
		ev.TriggeredAt,
		ev.Value,
		ev.Percentile,
		nullable(ev.PriceAtTrigger),
		nullable(ev.Price4h),
		nullable(ev.Price12h),
		nullable(ev.Price24h),
		nullable(ev.Price48h),
		created.UnixMilli(),
	}
}

func nullable(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func fromNullable(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return storage.Price(v.Float64)
}

func collectEvents(rows *sql.Rows) ([]storage.ExtremeEvent, error) {
	defer rows.Close()

	events := make([]storage.ExtremeEvent, 0)
	for rows.Next() {
		var ev storage.ExtremeEvent
		var trigger, p4, p12, p24, p48 sql.NullFloat64
		var createdMs int64
		if err := rows.Scan(
			&ev.ID,
			&ev.Symbol,
			&ev.Dimension,
			&ev.WindowDays,
			&ev.TriggeredAt,
			&ev.Value,
			&ev.Percentile,
			&trigger,
			&p4,
			&p12,
			&p24,
			&p48,
			&createdMs,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.PriceAtTrigger = fromNullable(trigger)
		ev.Price4h = fromNullable(p4)
		ev.Price12h = fromNullable(p12)
		ev.Price24h = fromNullable(p24)
		ev.Price48h = fromNullable(p48)
		ev.CreatedAt = time.UnixMilli(createdMs).UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

var _ storage.EventStore = (*Store)(nil)
