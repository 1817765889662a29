package storage

import (
	"fmt"

	"promptgallery/internal/kv"
)

// NewJSONRepository opens a file-backed store at path and returns a
// Storage over it together with the store handle, which the caller closes.
func NewJSONRepository(path string, opts ...Option) (*Storage, kv.Store, error) {
	store, err := kv.NewFileStore(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open json store: %w", err)
	}
	return NewStorage(store, opts...), store, nil
}
