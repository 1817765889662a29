package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"promptgallery/internal/kv"
)

// listDocument is the persisted form of a collection list. Version grows
// by one on every successful write.
type listDocument[T any] struct {
	Version int64 `json:"version"`
	Items   []T   `json:"items"`
}

// collection pairs a list key with the per-id records that mirror it.
// mu serialises writers in this process; conditional list writes catch
// writers in other processes sharing the store.
type collection[T any] struct {
	owner   *Storage
	listKey string
	prefix  string
	idOf    func(T) string
	mu      sync.Mutex
}

func newCollection[T any](owner *Storage, listKey, prefix string, idOf func(T) string) *collection[T] {
	return &collection[T]{owner: owner, listKey: listKey, prefix: prefix, idOf: idOf}
}

func (c *collection[T]) itemKey(id string) string {
	return c.prefix + id
}

// load reads the list and the raw bytes it was decoded from. A missing
// key is an empty list at version 0 with nil raw bytes; a bare JSON array
// (the layout before versioning) is read as version 0 too.
func (c *collection[T]) load(ctx context.Context) (listDocument[T], []byte, error) {
	raw, err := c.owner.store.Get(ctx, c.listKey)
	if errors.Is(err, kv.ErrNotFound) {
		return listDocument[T]{Items: []T{}}, nil, nil
	}
	if err != nil {
		return listDocument[T]{}, nil, fmt.Errorf("load %s: %w", c.listKey, err)
	}
	var doc listDocument[T]
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &doc.Items); err != nil {
			return listDocument[T]{}, nil, fmt.Errorf("decode %s: %w", c.listKey, err)
		}
	} else if err := json.Unmarshal(trimmed, &doc); err != nil {
		return listDocument[T]{}, nil, fmt.Errorf("decode %s: %w", c.listKey, err)
	}
	if doc.Items == nil {
		doc.Items = []T{}
	}
	return doc, raw, nil
}

func (c *collection[T]) list(ctx context.Context) ([]T, error) {
	doc, _, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	return doc.Items, nil
}

func (c *collection[T]) get(ctx context.Context, id string) (T, error) {
	var zero T
	items, err := c.list(ctx)
	if err != nil {
		return zero, err
	}
	for _, item := range items {
		if c.idOf(item) == id {
			return item, nil
		}
	}
	return zero, ErrNotFound
}

// change describes the outcome of a mutation: the new list plus the
// per-id records to write or delete alongside it.
type change[T any] struct {
	items   []T
	upserts []T
	deletes []string
}

// mutate applies fn to a fresh copy of the list and persists the result.
// Backends implementing kv.Swapper replace the list only if it is still
// the document fn saw; others fall back to re-reading the version before
// writing. A stale attempt is discarded and retried, and after
// writeAttempts of them ErrVersionConflict is returned.
func (c *collection[T]) mutate(ctx context.Context, fn func(items []T) (change[T], error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for attempt := 0; attempt < c.owner.writeAttempts; attempt++ {
		doc, raw, err := c.load(ctx)
		if err != nil {
			return err
		}
		items := make([]T, len(doc.Items))
		copy(items, doc.Items)
		next, err := fn(items)
		if err != nil {
			return err
		}

		if hook := c.owner.beforeListWrite; hook != nil {
			hook(c.listKey)
		}
		committed, err := c.commit(ctx, doc, raw, next)
		if err != nil {
			return err
		}
		if committed {
			return nil
		}
		c.owner.logger.Warn("collection changed during write, retrying",
			"collection", c.listKey, "attempt", attempt+1, "version", doc.Version)
	}
	return fmt.Errorf("%s: %w", c.listKey, ErrVersionConflict)
}

// commit writes the list, then per-id upserts and deletes. It reports
// false when the list moved since it was read. A failed per-id write puts
// the previous list back so the two views never diverge.
func (c *collection[T]) commit(ctx context.Context, previous listDocument[T], previousRaw []byte, next change[T]) (bool, error) {
	store := c.owner.store
	doc := listDocument[T]{Version: previous.Version + 1, Items: next.items}
	if doc.Items == nil {
		doc.Items = []T{}
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", c.listKey, err)
	}

	if swapper, ok := store.(kv.Swapper); ok {
		swapped, err := swapper.CompareAndSwap(ctx, c.listKey, previousRaw, encoded, 0)
		if err != nil {
			return false, fmt.Errorf("write %s: %w", c.listKey, err)
		}
		if !swapped {
			return false, nil
		}
	} else {
		_, currentRaw, err := c.load(ctx)
		if err != nil {
			return false, err
		}
		if !bytes.Equal(currentRaw, previousRaw) {
			return false, nil
		}
		if err := store.Put(ctx, c.listKey, encoded, 0); err != nil {
			return false, fmt.Errorf("write %s: %w", c.listKey, err)
		}
	}

	restore := func() {
		var err error
		if previousRaw == nil {
			err = store.Delete(ctx, c.listKey)
		} else {
			err = store.Put(ctx, c.listKey, previousRaw, 0)
		}
		if err != nil {
			c.owner.logger.Error("failed to restore collection list", "collection", c.listKey, "error", err)
		}
	}

	for _, item := range next.upserts {
		key := c.itemKey(c.idOf(item))
		if err := kv.PutJSON(ctx, store, key, item, 0); err != nil {
			restore()
			return false, fmt.Errorf("write %s: %w", key, err)
		}
	}
	for _, id := range next.deletes {
		key := c.itemKey(id)
		if err := store.Delete(ctx, key); err != nil {
			restore()
			return false, fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return true, nil
}

// inconsistencies compares the list with the per-id records.
func (c *collection[T]) inconsistencies(ctx context.Context) ([]string, error) {
	items, err := c.list(ctx)
	if err != nil {
		return nil, err
	}
	keys, err := c.owner.store.Keys(ctx, c.prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s keys: %w", c.prefix, err)
	}
	recorded := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		recorded[key[len(c.prefix):]] = struct{}{}
	}

	var problems []string
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		id := c.idOf(item)
		if _, dup := seen[id]; dup {
			problems = append(problems, fmt.Sprintf("%s: id %s listed twice", c.listKey, id))
		}
		seen[id] = struct{}{}
		if _, ok := recorded[id]; !ok {
			problems = append(problems, fmt.Sprintf("%s: id %s has no %s record", c.listKey, id, c.itemKey(id)))
		}
	}
	for id := range recorded {
		if _, ok := seen[id]; !ok {
			problems = append(problems, fmt.Sprintf("%s: orphaned record %s", c.listKey, c.itemKey(id)))
		}
	}
	return problems, nil
}
