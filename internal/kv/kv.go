// Package kv provides the key-value store adapter every other package
// persists through. Values are opaque bytes with an optional expiry; the
// adapter offers no transactions.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound reports a key that is absent or logically expired.
	ErrNotFound = errors.New("kv: key not found")
	// ErrStoreUnavailable wraps every backend failure. Callers must treat it
	// as a server fault and never as "key absent".
	ErrStoreUnavailable = errors.New("kv: store unavailable")
)

// Store is the uniform get/put/delete contract over string keys.
type Store interface {
	// Get returns the value stored at key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores value at key. A ttl of zero or less keeps the entry until deleted.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys lists live keys starting with prefix in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Purger is implemented by backends that do not evict expired entries on
// their own.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// Swapper is implemented by backends that can replace a value only while
// it still equals old. A nil old means the key must be absent. It reports
// false without writing when the current value differs.
type Swapper interface {
	CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error)
}

// Flusher is implemented by backends that buffer writes in memory.
type Flusher interface {
	Flush() error
}

func unavailable(op, key string, err error) error {
	if key == "" {
		return fmt.Errorf("kv %s: %w: %w", op, ErrStoreUnavailable, err)
	}
	return fmt.Errorf("kv %s %q: %w: %w", op, key, ErrStoreUnavailable, err)
}

func expiryFor(now time.Time, ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	at := now.Add(ttl).UTC()
	return &at
}
