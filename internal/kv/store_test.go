package kv

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(ctx, "prompt:1", []byte(`{"id":"1"}`), 0))
	require.NoError(t, store.Put(ctx, "prompt:2", []byte(`{"id":"2"}`), time.Hour))
	require.NoError(t, store.Put(ctx, "wallpaper:1", []byte("w"), 0))

	value, err := store.Get(ctx, "prompt:1")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"1"}`, string(value))

	require.NoError(t, store.Put(ctx, "prompt:1", []byte("replaced"), 0))
	value, err = store.Get(ctx, "prompt:1")
	require.NoError(t, err)
	assert.Equal(t, "replaced", string(value))

	keys, err := store.Keys(ctx, "prompt:")
	require.NoError(t, err)
	assert.Equal(t, []string{"prompt:1", "prompt:2"}, keys)

	require.NoError(t, store.Delete(ctx, "prompt:1"))
	require.NoError(t, store.Delete(ctx, "prompt:1"), "delete must be idempotent")
	_, err = store.Get(ctx, "prompt:1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Ping(ctx))
}

func TestMemoryStoreBehaviour(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFileStoreBehaviour(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "db.json"))
	require.NoError(t, err)
	exerciseStore(t, store)
}

func TestFileStoreTTL(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(WithFileClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "session:a", []byte("a"), time.Minute))
	require.NoError(t, store.Put(ctx, "session:b", []byte("b"), 0))

	clock.Advance(59 * time.Second)
	_, err := store.Get(ctx, "session:a")
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = store.Get(ctx, "session:a")
	require.ErrorIs(t, err, ErrNotFound, "entry must read as absent at expiry")

	keys, err := store.Keys(ctx, "session:")
	require.NoError(t, err)
	assert.Equal(t, []string{"session:b"}, keys)

	removed, err := store.PurgeExpired(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "db.json")
	store, err := NewFileStore(path)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "prompts_list", []byte(`{"version":1}`), 0))
	require.NoError(t, store.Close())

	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	value, err := reopened.Get(ctx, "prompts_list")
	require.NoError(t, err)
	assert.Equal(t, `{"version":1}`, string(value))
}

func TestFileStoreDeferredFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.json")
	store, err := NewFileStore(path, WithDeferredFlush())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", []byte("v"), 0))
	_, err = os.Stat(path)
	require.True(t, errors.Is(err, os.ErrNotExist), "deferred store must not write before flush")

	require.NoError(t, store.Flush())
	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	value, err := reopened.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(value))
}

func TestFileStorePersistFailureRollsBack(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "db.json"))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "k", []byte("original"), 0))

	store.persistOverride = func(map[string]fileEntry) error {
		return errors.New("disk full")
	}
	err = store.Put(ctx, "k", []byte("updated"), 0)
	require.ErrorIs(t, err, ErrStoreUnavailable)
	err = store.Delete(ctx, "k")
	require.ErrorIs(t, err, ErrStoreUnavailable)

	store.persistOverride = nil
	value, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "original", string(value))
}

func TestFileStoreRejectsCallsAfterClose(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Close())
	_, err := store.Get(context.Background(), "k")
	require.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestFileStoreRejectsNewerFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":99,"entries":{}}`), 0o600))
	_, err := NewFileStore(path)
	require.Error(t, err)
}

func TestFileStoreRefusesForeignDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.json")
	legacy := `{"users":{"user:+989121234567":{"id":"u1","name":"Sara"}},"sessions":{},"adminSessions":{},` +
		`"prompts":[{"id":"p1","title":{"fa":"گربه","en":"Cat"}}],"wallpapers":[],"downloads":{}}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o600))

	_, err := NewFileStore(path)
	require.ErrorIs(t, err, ErrUnrecognizedDocument)
	assert.Contains(t, err.Error(), "prompts")

	_, err = Open(context.Background(), Config{Driver: DriverFile, FilePath: path})
	require.ErrorIs(t, err, ErrUnrecognizedDocument)

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, legacy, string(onDisk), "refused document must be left untouched")
}

func TestFileStoreKeepsValuesReadableOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.json")
	store, err := NewFileStore(path)
	require.NoError(t, err)
	ctx := context.Background()

	binary := []byte{0x89, 'P', 'N', 'G', 0x00, 0xff}
	values := map[string][]byte{
		"prompt:p1":         []byte(`{"id":"p1","title":{"fa":"<گربه>","en":"Cat & Dog"}}`),
		"username:sara_art": []byte("7f1c2e9a-user"),
		"file:cat.png":      binary,
		"empty":             {},
		"spaced":            []byte(`{"a": 1}`),
	}
	for key, value := range values {
		require.NoError(t, store.Put(ctx, key, value, 0))
	}
	require.NoError(t, store.Close())

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(onDisk), `"en": "Cat & Dog"`)
	assert.Contains(t, string(onDisk), `"text": "7f1c2e9a-user"`)

	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	for key, want := range values {
		got, err := reopened.Get(ctx, key)
		require.NoError(t, err, key)
		assert.Equal(t, want, got, key)
	}
}

func TestFileStoreReadsVersionOneDocuments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.json")
	// "eyJpZCI6InAxIn0=" is base64 for {"id":"p1"}.
	require.NoError(t, os.WriteFile(path, []byte(`{"version":1,"entries":{"prompt:p1":{"value":"eyJpZCI6InAxIn0="}}}`), 0o600))

	store, err := NewFileStore(path)
	require.NoError(t, err)
	value, err := store.Get(context.Background(), "prompt:p1")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"p1"}`, string(value))
}

func TestOpenSelectsDriver(t *testing.T) {
	store, err := Open(context.Background(), Config{Driver: "memory"})
	require.NoError(t, err)
	_, ok := store.(*FileStore)
	assert.True(t, ok)

	_, err = Open(context.Background(), Config{Driver: "etcd"})
	require.Error(t, err)
}

func TestJSONHelpers(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	type record struct {
		Name string `json:"name"`
	}
	require.NoError(t, PutJSON(ctx, store, "r", record{Name: "sunset"}, 0))
	var got record
	require.NoError(t, GetJSON(ctx, store, "r", &got))
	assert.Equal(t, "sunset", got.Name)
	assert.True(t, IsNotFound(GetJSON(ctx, store, "absent", &got)))
}

// exerciseSwapper checks conditional writes for backends implementing Swapper.
func exerciseSwapper(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	swapper, ok := store.(Swapper)
	require.True(t, ok, "%T does not implement Swapper", store)

	swapped, err := swapper.CompareAndSwap(ctx, "prompts_list", nil, []byte("v1"), 0)
	require.NoError(t, err)
	assert.True(t, swapped)

	swapped, err = swapper.CompareAndSwap(ctx, "prompts_list", nil, []byte("other"), 0)
	require.NoError(t, err)
	assert.False(t, swapped, "insert must fail when the key exists")

	swapped, err = swapper.CompareAndSwap(ctx, "prompts_list", []byte("stale"), []byte("v2"), 0)
	require.NoError(t, err)
	assert.False(t, swapped)

	swapped, err = swapper.CompareAndSwap(ctx, "prompts_list", []byte("v1"), []byte("v2"), 0)
	require.NoError(t, err)
	assert.True(t, swapped)

	value, err := store.Get(ctx, "prompts_list")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(value))
}

func TestFileStoreCompareAndSwap(t *testing.T) {
	exerciseSwapper(t, NewMemoryStore())
}

func TestFileStoreCompareAndSwapTreatsExpiredAsAbsent(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(WithFileClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", []byte("old"), time.Minute))
	clock.Advance(time.Hour)

	swapped, err := store.CompareAndSwap(ctx, "k", []byte("old"), []byte("new"), 0)
	require.NoError(t, err)
	assert.False(t, swapped)

	swapped, err = store.CompareAndSwap(ctx, "k", nil, []byte("new"), 0)
	require.NoError(t, err)
	assert.True(t, swapped)
}
