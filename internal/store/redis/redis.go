// Package redis is the store.Store backed by Redis, with native key expiry.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/wacoder/internal/store"
)

// Store wraps a go-redis client.
type Store struct {
	rdb *goredis.Client
}

// Open parses a redis:// URL and connects lazily.
func Open(url string) (*Store, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return New(goredis.NewClient(opts)), nil
}

// New wraps an existing client.
func New(rdb *goredis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return b, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// DeleteMany removes keys with a single DEL.
func (s *Store) DeleteMany(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.rdb.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("delete keys: %w", err)
	}
	return int(n), nil
}

// Incr runs INCR, EXPIRE NX and PTTL in one MULTI so the window expiry is set
// exactly once, by the increment that created the key.
func (s *Store) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	var (
		incr *goredis.IntCmd
		pttl *goredis.DurationCmd
	)
	_, err := s.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		p.ExpireNX(ctx, key, window)
		pttl = p.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("incr %s: %w", key, err)
	}
	remaining := pttl.Val()
	if remaining < 0 {
		remaining = 0
	}
	return incr.Val(), remaining, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// Keys walks the keyspace with SCAN; it never blocks the server like KEYS.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	match := globEscape(prefix) + "*"
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, match, 200).Result()
		if err != nil {
			return nil, fmt.Errorf("scan keys: %w", err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func globEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}

var (
	_ store.Store       = (*Store)(nil)
	_ store.Lister      = (*Store)(nil)
	_ store.BulkDeleter = (*Store)(nil)
)
