// Package history persists session transcripts to PostgreSQL so past
// conversations survive restarts and can be searched later.
//
// The store keeps one [pgxpool.Pool] and a single log_entries table with a
// GIN full-text index over the entry text. [NewStore] runs the migration on
// startup via CREATE TABLE IF NOT EXISTS.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cadenza-voice/cadenza/internal/session"
)

// Compile-time check that the store can serve as the Manager's history sink.
var _ session.HistorySink = (*Store)(nil)

const ddlLogEntries = `
CREATE TABLE IF NOT EXISTS log_entries (
    id         BIGSERIAL    PRIMARY KEY,
    run_id     TEXT         NOT NULL,
    tag        TEXT         NOT NULL,
    text       TEXT         NOT NULL,
    timestamp  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_log_entries_run_id
    ON log_entries (run_id);

CREATE INDEX IF NOT EXISTS idx_log_entries_run_timestamp
    ON log_entries (run_id, timestamp);

CREATE INDEX IF NOT EXISTS idx_log_entries_fts
    ON log_entries USING GIN (to_tsvector('english', text));
`

// Store is the PostgreSQL-backed transcript archive. All methods are safe
// for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection, and
// ensures the schema exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlLogEntries); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Append stores one log entry under runID.
func (s *Store) Append(ctx context.Context, runID string, e session.Entry) error {
	const q = `
		INSERT INTO log_entries (run_id, tag, text, timestamp)
		VALUES ($1, $2, $3, $4)`

	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if _, err := s.pool.Exec(ctx, q, runID, string(e.Tag), e.Text, ts); err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	return nil
}

// Entries returns the full transcript of one run, oldest first.
func (s *Store) Entries(ctx context.Context, runID string) ([]session.Entry, error) {
	const q = `
		SELECT tag, text, timestamp
		FROM   log_entries
		WHERE  run_id = $1
		ORDER  BY timestamp, id`

	rows, err := s.pool.Query(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("history: entries: %w", err)
	}
	return collectEntries(rows)
}

// Recent returns entries for runID no older than window, oldest first.
func (s *Store) Recent(ctx context.Context, runID string, window time.Duration) ([]session.Entry, error) {
	const q = `
		SELECT tag, text, timestamp
		FROM   log_entries
		WHERE  run_id    = $1
		  AND  timestamp >= now() - ($2::bigint * interval '1 microsecond')
		ORDER  BY timestamp, id`

	rows, err := s.pool.Query(ctx, q, runID, window.Microseconds())
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	return collectEntries(rows)
}

// Search performs a full-text search over the stored text across all runs.
// The query goes through plainto_tsquery so no operator syntax is needed.
// limit <= 0 means no limit.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]session.Entry, error) {
	q := `
		SELECT tag, text, timestamp
		FROM   log_entries
		WHERE  to_tsvector('english', text) @@ plainto_tsquery('english', $1)
		ORDER  BY timestamp DESC`

	args := []any{query}
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history: search: %w", err)
	}
	return collectEntries(rows)
}

// Runs lists all run IDs, most recently active first.
func (s *Store) Runs(ctx context.Context) ([]string, error) {
	const q = `
		SELECT run_id
		FROM   log_entries
		GROUP  BY run_id
		ORDER  BY max(timestamp) DESC`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("history: runs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("history: scan runs: %w", err)
	}
	return ids, nil
}

// Ping verifies the database connection, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// collectEntries scans pgx rows into session entries.
func collectEntries(rows pgx.Rows) ([]session.Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (session.Entry, error) {
		var (
			e   session.Entry
			tag string
		)
		if err := row.Scan(&tag, &e.Text, &e.Timestamp); err != nil {
			return session.Entry{}, err
		}
		e.Tag = session.Tag(tag)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("history: scan entries: %w", err)
	}
	return entries, nil
}
