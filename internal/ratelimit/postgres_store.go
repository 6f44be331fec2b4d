package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore is a CounterStore backed by PostgreSQL, for multi-instance
// deployments where every replica must see the same counters.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed counter store.
// The rate_limit_counters table must exist (see migrations).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Incr implements CounterStore. The whole read-reset-increment runs as a
// single UPSERT so concurrent callers on the same key serialize inside
// PostgreSQL: an expired window resets to count=1, a live one increments.
func (s *PostgresStore) Incr(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	var (
		count       int
		windowStart time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO rate_limit_counters (key, window_start, count)
		VALUES ($1, now(), 1)
		ON CONFLICT (key) DO UPDATE SET
			count = CASE
				WHEN rate_limit_counters.window_start <= now() - make_interval(secs => $2)
				THEN 1
				ELSE rate_limit_counters.count + 1
			END,
			window_start = CASE
				WHEN rate_limit_counters.window_start <= now() - make_interval(secs => $2)
				THEN now()
				ELSE rate_limit_counters.window_start
			END
		RETURNING count, window_start`,
		key, window.Seconds(),
	).Scan(&count, &windowStart)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("increment rate counter: %w", err)
	}
	return count, windowStart, nil
}

// DeleteExpired removes counters whose window ended more than maxAge ago.
// Called periodically from the server's maintenance loop.
func (s *PostgresStore) DeleteExpired(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM rate_limit_counters
		WHERE window_start < now() - make_interval(secs => $1)`,
		maxAge.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired rate counters: %w", err)
	}
	return res.RowsAffected()
}
