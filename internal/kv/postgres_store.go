package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig describes the pgx pool used by the Postgres store.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ApplicationName string
	// SkipMigrations leaves schema management to the operator.
	SkipMigrations bool
}

// pgxPool is the subset of *pgxpool.Pool the store uses. pgxmock pools
// satisfy it in tests.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore persists entries in the kv_entries table so several API
// replicas can share state.
type PostgresStore struct {
	pool pgxPool
	now  func() time.Time
}

// NewPostgresStore applies migrations and opens a pool.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	if !cfg.SkipMigrations {
		if err := MigratePostgres(ctx, dsn); err != nil {
			return nil, err
		}
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ApplicationName != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return newPostgresStore(pool, time.Now), nil
}

func newPostgresStore(pool pgxPool, now func() time.Time) *PostgresStore {
	if now == nil {
		now = time.Now
	}
	return &PostgresStore{pool: pool, now: now}
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, `
SELECT value
FROM kv_entries
WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)
`, key, s.now().UTC()).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", key, err)
	}
	return value, nil
}

// Put implements Store.
func (s *PostgresStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return errors.New("kv: key is required")
	}
	if value == nil {
		value = []byte{}
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO kv_entries (key, value, expires_at, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = now()
`, key, value, expiryFor(s.now(), ttl))
	if err != nil {
		return unavailable("put", key, err)
	}
	return nil
}

// CompareAndSwap implements Swapper with a conditional write.
func (s *PostgresStore) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, errors.New("kv: key is required")
	}
	if value == nil {
		value = []byte{}
	}
	now := s.now().UTC()
	var (
		tag pgconn.CommandTag
		err error
	)
	if old == nil {
		tag, err = s.pool.Exec(ctx, `
INSERT INTO kv_entries (key, value, expires_at, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = now()
WHERE kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= $4
`, key, value, expiryFor(now, ttl), now)
	} else {
		tag, err = s.pool.Exec(ctx, `
UPDATE kv_entries SET value = $1, expires_at = $2, updated_at = now()
WHERE key = $3 AND value = $4 AND (expires_at IS NULL OR expires_at > $5)
`, value, expiryFor(now, ttl), key, old, now)
	}
	if err != nil {
		return false, unavailable("swap", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM kv_entries WHERE key = $1`, key); err != nil {
		return unavailable("delete", key, err)
	}
	return nil
}

// Keys implements Store.
func (s *PostgresStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
SELECT key
FROM kv_entries
WHERE starts_with(key, $1) AND (expires_at IS NULL OR expires_at > $2)
`, prefix, s.now().UTC())
	if err != nil {
		return nil, unavailable("keys", prefix, err)
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, unavailable("keys", prefix, err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("keys", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// PurgeExpired implements Purger.
func (s *PostgresStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, unavailable("purge", "", err)
	}
	return int(tag.RowsAffected()), nil
}

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable("ping", "", err)
	}
	return nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

var (
	_ Store  = (*PostgresStore)(nil)
	_ Purger = (*PostgresStore)(nil)
)
