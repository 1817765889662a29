package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Version 1 wrote every value as base64. Version 2 keeps JSON values and
// plain text readable and falls back to base64 for binary data.
const fileFormatVersion = 2

// ErrUnrecognizedDocument reports a data file that holds something other
// than a store document, such as an exported snapshot or a db.json written
// by another server. The file is left untouched.
var ErrUnrecognizedDocument = errors.New("kv: data file is not a store document")

type fileEntry struct {
	Value     []byte
	ExpiresAt *time.Time
}

func (e fileEntry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// diskEntry is the on-disk form of a fileEntry. Exactly one of JSON, Text
// or Bytes is set for a non-empty value.
type diskEntry struct {
	JSON      json.RawMessage `json:"json,omitempty"`
	Text      string          `json:"text,omitempty"`
	Bytes     []byte          `json:"bytes,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
	ExpiresAt *time.Time      `json:"expiresAt,omitempty"`
}

func encodeEntry(entry fileEntry) diskEntry {
	disk := diskEntry{ExpiresAt: entry.ExpiresAt}
	switch {
	case len(entry.Value) == 0:
	case isCompactJSON(entry.Value):
		disk.JSON = entry.Value
	case utf8.Valid(entry.Value):
		disk.Text = string(entry.Value)
	default:
		disk.Bytes = entry.Value
	}
	return disk
}

func (d diskEntry) decode(version int) (fileEntry, error) {
	entry := fileEntry{ExpiresAt: d.ExpiresAt}
	switch {
	case version < 2 && len(d.Value) > 0:
		if err := json.Unmarshal(d.Value, &entry.Value); err != nil {
			return fileEntry{}, err
		}
	case len(d.JSON) > 0:
		var buf bytes.Buffer
		if err := json.Compact(&buf, d.JSON); err != nil {
			return fileEntry{}, err
		}
		entry.Value = buf.Bytes()
	case d.Text != "":
		entry.Value = []byte(d.Text)
	default:
		entry.Value = d.Bytes
	}
	if entry.Value == nil {
		entry.Value = []byte{}
	}
	return entry, nil
}

// isCompactJSON accepts objects and arrays that survive an indent and
// compact round trip byte for byte.
func isCompactJSON(value []byte) bool {
	if value[0] != '{' && value[0] != '[' {
		return false
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, value); err != nil {
		return false
	}
	return bytes.Equal(buf.Bytes(), value)
}

type fileDocument struct {
	Version int                  `json:"version"`
	Entries map[string]diskEntry `json:"entries"`
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithDeferredFlush keeps writes in memory until Flush is called. The
// server uses it to write the document once on shutdown.
func WithDeferredFlush() FileOption {
	return func(s *FileStore) {
		s.deferred = true
	}
}

// WithFileClock overrides the clock used for expiry checks.
func WithFileClock(now func() time.Time) FileOption {
	return func(s *FileStore) {
		if now != nil {
			s.now = now
		}
	}
}

// FileStore keeps every entry in memory and mirrors the map to a single
// JSON document on disk. An empty path keeps the store purely in memory.
type FileStore struct {
	mu       sync.RWMutex
	filePath string
	data     map[string]fileEntry
	deferred bool
	dirty    bool
	closed   bool
	now      func() time.Time

	// persistOverride allows tests to intercept persist operations.
	persistOverride func(map[string]fileEntry) error
}

// NewMemoryStore returns a FileStore that never touches the disk.
func NewMemoryStore(opts ...FileOption) *FileStore {
	store, _ := NewFileStore("", opts...)
	return store
}

// NewFileStore opens the document at path, creating the parent directory
// when needed. A missing or empty file starts an empty store.
func NewFileStore(path string, opts ...FileOption) (*FileStore, error) {
	store := &FileStore{
		filePath: strings.TrimSpace(path),
		data:     make(map[string]fileEntry),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	if store.filePath == "" {
		return store, nil
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *FileStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	var top map[string]json.RawMessage
	if err := json.NewDecoder(file).Decode(&top); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	if len(top) == 0 {
		return nil
	}
	if _, ok := top["entries"]; !ok {
		keys := make([]string, 0, len(top))
		for key := range top {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		return fmt.Errorf("%w: %s has top-level fields %s; move it aside or set DATA_FILE to a new path",
			ErrUnrecognizedDocument, s.filePath, strings.Join(keys, ", "))
	}

	var doc fileDocument
	if raw, ok := top["version"]; ok {
		if err := json.Unmarshal(raw, &doc.Version); err != nil {
			return fmt.Errorf("decode store file version: %w", err)
		}
	}
	if doc.Version > fileFormatVersion {
		return fmt.Errorf("store file version %d is newer than supported version %d", doc.Version, fileFormatVersion)
	}
	if err := json.Unmarshal(top["entries"], &doc.Entries); err != nil {
		return fmt.Errorf("decode store entries: %w", err)
	}
	now := s.now()
	for key, disk := range doc.Entries {
		entry, err := disk.decode(doc.Version)
		if err != nil {
			return fmt.Errorf("decode entry %q: %w", key, err)
		}
		if entry.expired(now) {
			continue
		}
		s.data[key] = entry
	}
	return nil
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, unavailable("get", key, errStoreClosed)
	}
	entry, ok := s.data[key]
	if !ok || entry.expired(s.now()) {
		return nil, ErrNotFound
	}
	value := make([]byte, len(entry.Value))
	copy(value, entry.Value)
	return value, nil
}

// Put implements Store.
func (s *FileStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return errors.New("kv: key is required")
	}
	stored := make([]byte, len(value))
	copy(stored, value)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable("put", key, errStoreClosed)
	}
	previous, existed := s.data[key]
	s.data[key] = fileEntry{Value: stored, ExpiresAt: expiryFor(s.now(), ttl)}
	if err := s.commitLocked(); err != nil {
		if existed {
			s.data[key] = previous
		} else {
			delete(s.data, key)
		}
		return unavailable("put", key, err)
	}
	return nil
}

// CompareAndSwap implements Swapper.
func (s *FileStore) CompareAndSwap(_ context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, errors.New("kv: key is required")
	}
	stored := make([]byte, len(value))
	copy(stored, value)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, unavailable("swap", key, errStoreClosed)
	}
	previous, existed := s.data[key]
	live := existed && !previous.expired(s.now())
	switch {
	case old == nil && live:
		return false, nil
	case old != nil && (!live || !bytes.Equal(previous.Value, old)):
		return false, nil
	}
	s.data[key] = fileEntry{Value: stored, ExpiresAt: expiryFor(s.now(), ttl)}
	if err := s.commitLocked(); err != nil {
		if existed {
			s.data[key] = previous
		} else {
			delete(s.data, key)
		}
		return false, unavailable("swap", key, err)
	}
	return true, nil
}

// Delete implements Store.
func (s *FileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable("delete", key, errStoreClosed)
	}
	previous, existed := s.data[key]
	if !existed {
		return nil
	}
	delete(s.data, key)
	if err := s.commitLocked(); err != nil {
		s.data[key] = previous
		return unavailable("delete", key, err)
	}
	return nil
}

// Keys implements Store.
func (s *FileStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, unavailable("keys", prefix, errStoreClosed)
	}
	now := s.now()
	keys := make([]string, 0)
	for key, entry := range s.data {
		if strings.HasPrefix(key, prefix) && !entry.expired(now) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// PurgeExpired drops expired entries and reports how many were removed.
func (s *FileStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, unavailable("purge", "", errStoreClosed)
	}
	removed := make(map[string]fileEntry)
	for key, entry := range s.data {
		if entry.expired(now) {
			removed[key] = entry
			delete(s.data, key)
		}
	}
	if len(removed) == 0 {
		return 0, nil
	}
	if err := s.commitLocked(); err != nil {
		for key, entry := range removed {
			s.data[key] = entry
		}
		return 0, unavailable("purge", "", err)
	}
	return len(removed), nil
}

// Ping implements Store.
func (s *FileStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return unavailable("ping", "", errStoreClosed)
	}
	return nil
}

// Flush writes buffered changes to disk. It is a no-op for memory stores
// and when nothing changed since the last write.
func (s *FileStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// Close flushes pending writes and rejects further calls.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	err := s.flushLocked()
	s.closed = true
	return err
}

func (s *FileStore) commitLocked() error {
	if s.deferred {
		s.dirty = true
		return nil
	}
	return s.persistLocked()
}

func (s *FileStore) flushLocked() error {
	if !s.dirty {
		return nil
	}
	if err := s.persistLocked(); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

func (s *FileStore) persistLocked() error {
	if s.persistOverride != nil {
		if err := s.persistOverride(s.data); err != nil {
			return err
		}
	}
	if s.filePath == "" {
		return nil
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	doc := fileDocument{Version: fileFormatVersion, Entries: make(map[string]diskEntry, len(s.data))}
	for key, entry := range s.data {
		doc.Entries[key] = encodeEntry(entry)
	}
	encoder := json.NewEncoder(tmpFile)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

var errStoreClosed = errors.New("store closed")

var (
	_ Store   = (*FileStore)(nil)
	_ Purger  = (*FileStore)(nil)
	_ Flusher = (*FileStore)(nil)
)
