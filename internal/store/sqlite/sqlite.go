// Package sqlite is the default durable store.Store, a single SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/wacoder/internal/store"
)

//go:embed schema.sql
var schema string

// Store keeps values in the kv table and rate-limit counters in counters.
// Expiry columns hold unix milliseconds.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string, opts ...Option) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	slog.Debug("store.sqlite.opened", "path", path)
	return s, nil
}

func (s *Store) nowMillis() int64 { return s.now().UnixMilli() }

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ? AND expires_at > ?`, key, s.nowMillis(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	expires := s.now().Add(ttl).UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expires,
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM counters WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete counter %s: %w", key, err)
	}
	return nil
}

// Incr restarts the window when the stored one has ended, otherwise bumps the
// count and keeps the original expiry.
func (s *Store) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	now := s.now()
	nowMs := now.UnixMilli()

	var (
		count     int64
		expiresMs int64
	)
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO counters (key, count, expires_at) VALUES (?, 1, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   count      = CASE WHEN counters.expires_at <= ? THEN 1 ELSE counters.count + 1 END,
		   expires_at = CASE WHEN counters.expires_at <= ? THEN excluded.expires_at ELSE counters.expires_at END
		 RETURNING count, expires_at`,
		key, now.Add(window).UnixMilli(), nowMs, nowMs,
	).Scan(&count, &expiresMs)
	if err != nil {
		return 0, 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return count, store.Remaining(time.UnixMilli(expiresMs), now), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Keys lists live value keys with the given prefix.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE key LIKE ? ESCAPE '\' AND expires_at > ? ORDER BY key`,
		escapeLike(prefix)+"%", s.nowMillis(),
	)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Purge removes expired values and counters.
func (s *Store) Purge(ctx context.Context, now time.Time) (int, error) {
	ms := now.UnixMilli()
	total := 0
	for _, table := range []string{"kv", "counters"} {
		res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE expires_at <= ?`, ms)
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

var (
	_ store.Store  = (*Store)(nil)
	_ store.Lister = (*Store)(nil)
	_ store.Purger = (*Store)(nil)
)
