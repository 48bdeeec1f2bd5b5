package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Timestamps are stored as unix nanoseconds so freshness comparisons do
// not depend on SQLite's datetime() clock.
const sqliteMigration = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	payload    BLOB NOT NULL,
	fetched_at INTEGER NOT NULL,
	ttl_ns     INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_kind ON cache_entries(kind);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, kind, payload, fetched_at, ttl_ns FROM cache_entries WHERE key = ?`,
		key,
	)

	var (
		e         Entry
		fetchedNs int64
		ttlNs     int64
	)
	err := row.Scan(&e.Key, &e.Kind, &e.Payload, &fetchedNs, &ttlNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get cache entry")
	}
	e.FetchedAt = time.Unix(0, fetchedNs).UTC()
	e.TTL = time.Duration(ttlNs)
	return &e, nil
}

func (s *SQLiteStore) Set(ctx context.Context, e Entry) error {
	if e.Key == "" {
		return ErrEmptyKey
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (key, kind, payload, fetched_at, ttl_ns, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			kind = excluded.kind,
			payload = excluded.payload,
			fetched_at = excluded.fetched_at,
			ttl_ns = excluded.ttl_ns,
			expires_at = excluded.expires_at`,
		e.Key, e.Kind, e.Payload, e.FetchedAt.UnixNano(), int64(e.TTL), e.ExpiresAt().UnixNano(),
	)
	return eris.Wrap(err, "sqlite: set cache entry")
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	return eris.Wrap(err, "sqlite: delete cache entry")
}

func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at <= ?`,
		now.UnixNano(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired entries")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	st := Stats{Backend: "sqlite", ByKind: make(map[string]int)}
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, COUNT(*), SUM(CASE WHEN expires_at <= ? THEN 1 ELSE 0 END)
		 FROM cache_entries GROUP BY kind`,
		now.UnixNano(),
	)
	if err != nil {
		return st, eris.Wrap(err, "sqlite: stats")
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var (
			kind           string
			total, expired int
		)
		if err := rows.Scan(&kind, &total, &expired); err != nil {
			return st, eris.Wrap(err, "sqlite: scan stats")
		}
		st.ByKind[kind] = total
		st.Total += total
		st.Expired += expired
	}
	return st, eris.Wrap(rows.Err(), "sqlite: iterate stats")
}

var _ Store = (*SQLiteStore)(nil)
