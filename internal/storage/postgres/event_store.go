package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"market-extremes/internal/storage"
)

const (
	eventColumns = `id, symbol, dimension, window_days, triggered_at, value, percentile,
        price_at_trigger, price_4h, price_12h, price_24h, price_48h, created_at`

	insertEventSQL = `INSERT INTO extreme_events (
        symbol,
        dimension,
        window_days,
        triggered_at,
        value,
        percentile,
        price_at_trigger,
        price_4h,
        price_12h,
        price_24h,
        price_48h
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    RETURNING id;`

	// The lock is scoped to the transaction and keyed by the cooldown scope,
	// so concurrent writers for one key serialise while other keys proceed.
	lockEventKeySQL = `SELECT pg_advisory_xact_lock(hashtext($1));`

	recentTriggerSQL = `SELECT EXISTS (
        SELECT 1 FROM extreme_events
        WHERE symbol = $1
          AND dimension = $2
          AND window_days = $3
          AND triggered_at >= $4
    );`

	sameTriggerSQL = `SELECT EXISTS (
        SELECT 1 FROM extreme_events
        WHERE symbol = $1
          AND dimension = $2
          AND window_days = $3
          AND triggered_at = $4
    );`

	queryEventsSQL = `SELECT ` + eventColumns + `
    FROM extreme_events
    WHERE symbol = $1
      AND dimension = $2
      AND window_days = $3
      AND ($4 = FALSE OR (
            price_at_trigger IS NOT NULL
            AND (price_4h IS NOT NULL OR price_12h IS NOT NULL OR price_24h IS NOT NULL OR price_48h IS NOT NULL)
          ))
    ORDER BY triggered_at DESC, id DESC
    LIMIT $5;`

	pendingBackfillSQL = `SELECT ` + eventColumns + `
    FROM extreme_events
    WHERE (price_4h  IS NULL AND triggered_at + 14400000  <= $1)
       OR (price_12h IS NULL AND triggered_at + 43200000  <= $1)
       OR (price_24h IS NULL AND triggered_at + 86400000  <= $1)
       OR (price_48h IS NULL AND triggered_at + 172800000 <= $1)
    ORDER BY triggered_at, id;`

	deleteEventsBeforeSQL = `DELETE FROM extreme_events WHERE triggered_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`

	// noLimit stands in for "all rows" in LIMIT clauses.
	noLimit = int64(1) << 62
)

// updateFieldSQL holds one write-once statement per checkpoint column.
var updateFieldSQL = func() map[storage.Checkpoint]string {
	out := make(map[storage.Checkpoint]string)
	for _, cp := range storage.Checkpoints() {
		col := cp.Column()
		out[cp] = fmt.Sprintf(`UPDATE extreme_events SET %s = $2 WHERE id = $1 AND %s IS NULL;`, col, col)
	}
	return out
}()

// Store persists extreme events in PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool, logger zerolog.Logger) *Store {
	return &Store{pool: pool, logger: logger.With().Str("component", "postgres_store").Logger()}
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, storage.ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a session advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			s.logger.Warn().Err(err).Int64("key", key).Msg("advisory unlock failed")
		}
		conn.Release()
	}
	return unlock, true, nil
}

// InsertEvent persists ev unconditionally.
func (s *Store) InsertEvent(ctx context.Context, ev storage.ExtremeEvent) (int64, error) {
	if err := storage.Validate(ev); err != nil {
		return 0, err
	}
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var id int64
	if err := pool.QueryRow(ctx, insertEventSQL, insertArgs(ev)...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return id, nil
}

// InsertEventIfQuiet inserts ev unless its key triggered at or after sinceMs.
func (s *Store) InsertEventIfQuiet(ctx context.Context, ev storage.ExtremeEvent, sinceMs int64) (int64, bool, error) {
	return s.insertUnless(ctx, ev, recentTriggerSQL, sinceMs)
}

// InsertEventIfAbsent inserts ev unless its key already triggered at ev.TriggeredAt.
func (s *Store) InsertEventIfAbsent(ctx context.Context, ev storage.ExtremeEvent) (int64, bool, error) {
	return s.insertUnless(ctx, ev, sameTriggerSQL, ev.TriggeredAt)
}

// insertUnless serialises writers of ev's key, runs existsSQL and inserts
// when nothing matched.
func (s *Store) insertUnless(ctx context.Context, ev storage.ExtremeEvent, existsSQL string, ts int64) (int64, bool, error) {
	if err := storage.Validate(ev); err != nil {
		return 0, false, err
	}
	pool, err := s.getPool()
	if err != nil {
		return 0, false, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	key := ev.Key()
	lockKey := fmt.Sprintf("%s|%s|%d", key.Symbol, key.Dimension, key.WindowDays)
	if _, err := tx.Exec(ctx, lockEventKeySQL, lockKey); err != nil {
		return 0, false, fmt.Errorf("lock event key: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, existsSQL, key.Symbol, key.Dimension, key.WindowDays, ts).Scan(&exists); err != nil {
		return 0, false, fmt.Errorf("check existing trigger: %w", err)
	}
	if exists {
		return 0, false, nil
	}

	var id int64
	if err := tx.QueryRow(ctx, insertEventSQL, insertArgs(ev)...).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("commit event: %w", err)
	}
	return id, true, nil
}

// QueryEvents lists events for one key ordered by triggered_at descending.
func (s *Store) QueryEvents(ctx context.Context, q storage.EventQuery) ([]storage.ExtremeEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	limit := noLimit
	if q.Limit > 0 {
		limit = int64(q.Limit)
	}
	rows, err := pool.Query(ctx, queryEventsSQL, q.Symbol, q.Dimension, q.WindowDays, q.OutcomeOnly, limit)
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
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	tag, err := pool.Exec(ctx, stmt, id, price)
	if err != nil {
		return false, fmt.Errorf("update %s: %w", cp.Column(), err)
	}
	return tag.RowsAffected() > 0, nil
}

// QueryPendingBackfill lists events with at least one due, unset checkpoint.
func (s *Store) QueryPendingBackfill(ctx context.Context, nowMs int64) ([]storage.ExtremeEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, pendingBackfillSQL, nowMs)
	if err != nil {
		return nil, fmt.Errorf("query pending backfill: %w", err)
	}
	return collectEvents(rows)
}

// HasRecentTrigger reports whether key triggered at or after sinceMs.
func (s *Store) HasRecentTrigger(ctx context.Context, key storage.EventKey, sinceMs int64) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	var recent bool
	if err := pool.QueryRow(ctx, recentTriggerSQL, key.Symbol, key.Dimension, key.WindowDays, sinceMs).Scan(&recent); err != nil {
		return false, fmt.Errorf("check recent trigger: %w", err)
	}
	return recent, nil
}

// DeleteEventsBefore removes events triggered before cutoffMs.
func (s *Store) DeleteEventsBefore(ctx context.Context, cutoffMs int64) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, deleteEventsBeforeSQL, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("delete events before: %w", err)
	}
	return tag.RowsAffected(), nil
}

func insertArgs(ev storage.ExtremeEvent) []any {
	return []any{
		ev.Symbol,
		ev.Dimension,
		ev.WindowDays,
		ev.TriggeredAt,
		ev.Value,
		ev.Percentile,
		ev.PriceAtTrigger,
		ev.Price4h,
		ev.Price12h,
		ev.Price24h,
		ev.Price48h,
	}
}

func collectEvents(rows pgx.Rows) ([]storage.ExtremeEvent, error) {
	defer rows.Close()

	events := make([]storage.ExtremeEvent, 0)
	for rows.Next() {
		var ev storage.ExtremeEvent
		if err := rows.Scan(
			&ev.ID,
			&ev.Symbol,
			&ev.Dimension,
			&ev.WindowDays,
			&ev.TriggeredAt,
			&ev.Value,
			&ev.Percentile,
			&ev.PriceAtTrigger,
			&ev.Price4h,
			&ev.Price12h,
			&ev.Price24h,
			&ev.Price48h,
			&ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return events, nil
		}
		return nil, err
	}
	return events, nil
}

var (
	_ storage.EventStore     = (*Store)(nil)
	_ storage.AdvisoryLocker = (*Store)(nil)
)
