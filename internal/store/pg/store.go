// Package pg is the Postgres store.Store for deployments that run several
// replicas behind one database.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/nextlevelbuilder/wacoder/internal/store"
)

// Store is backed by the kv and counters tables created by the migrations.
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

// OpenDB opens a pooled connection using the pgx stdlib driver.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// Open connects to dsn. Tables must already exist (see Migrate).
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = $1 AND expires_at > $2`, key, s.now(),
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, value, s.now().Add(ttl),
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.DeleteMany(ctx, []string{key})
	return err
}

// DeleteMany removes values and counters for all keys in one round trip each.
func (s *Store) DeleteMany(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ANY($1)`, pq.Array(keys))
	if err != nil {
		return 0, fmt.Errorf("delete keys: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM counters WHERE key = ANY($1)`, pq.Array(keys)); err != nil {
		return 0, fmt.Errorf("delete counters: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Incr is a single upsert; row locking on conflict makes it atomic.
func (s *Store) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	now := s.now()
	var (
		count   int64
		expires time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO counters (key, count, expires_at) VALUES ($1, 1, $2)
		 ON CONFLICT (key) DO UPDATE SET
		   count      = CASE WHEN counters.expires_at <= $3 THEN 1 ELSE counters.count + 1 END,
		   expires_at = CASE WHEN counters.expires_at <= $3 THEN EXCLUDED.expires_at ELSE counters.expires_at END
		 RETURNING count, expires_at`,
		key, now.Add(window), now,
	).Scan(&count, &expires)
	if err != nil {
		return 0, 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return count, store.Remaining(expires, now), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Keys lists live value keys with the given prefix.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys pq.StringArray
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(array_agg(key ORDER BY key), '{}') FROM kv
		 WHERE starts_with(key, $1) AND expires_at > $2`,
		prefix, s.now(),
	).Scan(&keys)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return []string(keys), nil
}

// Purge removes expired values and counters.
func (s *Store) Purge(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for _, table := range []string{"kv", "counters"} {
		res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE expires_at <= $1`, now)
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}

var (
	_ store.Store       = (*Store)(nil)
	_ store.Lister      = (*Store)(nil)
	_ store.Purger      = (*Store)(nil)
	_ store.BulkDeleter = (*Store)(nil)
)
