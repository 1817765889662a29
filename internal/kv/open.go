package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Supported drivers for Open.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config selects and configures a backend.
type Config struct {
	Driver        string
	FilePath      string
	DeferredFlush bool
	SQLitePath    string
	Redis         RedisConfig
	Postgres      PostgresConfig
}

// Open constructs the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverMemory:
		return NewMemoryStore(), nil
	case "", DriverFile, "json":
		var opts []FileOption
		if cfg.DeferredFlush {
			opts = append(opts, WithDeferredFlush())
		}
		return NewFileStore(cfg.FilePath, opts...)
	case DriverRedis:
		return NewRedisStore(cfg.Redis)
	case DriverPostgres:
		return NewPostgresStore(ctx, cfg.Postgres)
	case DriverSQLite:
		return NewSQLiteStore(ctx, cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported kv driver %q", cfg.Driver)
	}
}

// GetJSON decodes the value at key into dst.
func GetJSON(ctx context.Context, store Store, key string, dst any) error {
	raw, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %q: %w", key, err)
	}
	return nil
}

// PutJSON encodes value and stores it at key.
func PutJSON(ctx context.Context, store Store, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return store.Put(ctx, key, raw, ttl)
}

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
