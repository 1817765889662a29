package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"promptgallery/internal/kv"
	"promptgallery/internal/models"
)

var testNow = time.Date(2025, 2, 1, 8, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T, extra ...Option) *Storage {
	t.Helper()
	repo, store, err := NewJSONRepository(filepath.Join(t.TempDir(), "db.json"), append([]Option{WithClock(func() time.Time { return testNow })}, extra...)...)
	if err != nil {
		t.Fatalf("NewJSONRepository error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return repo
}

// faultyStore fails writes to keys matching failPrefix. It hides the
// Swapper implementation of the wrapped store so the fallback path runs.
type faultyStore struct {
	kv.Store
	mu         sync.Mutex
	failPrefix string
}

var errInjected = errors.New("injected failure")

func (f *faultyStore) failOn(prefix string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPrefix = prefix
}

func (f *faultyStore) shouldFail(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failPrefix != "" && strings.HasPrefix(key, f.failPrefix)
}

func (f *faultyStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.shouldFail(key) {
		return fmt.Errorf("put %s: %w: %w", key, kv.ErrStoreUnavailable, errInjected)
	}
	return f.Store.Put(ctx, key, value, ttl)
}

func (f *faultyStore) Delete(ctx context.Context, key string) error {
	if f.shouldFail(key) {
		return fmt.Errorf("delete %s: %w: %w", key, kv.ErrStoreUnavailable, errInjected)
	}
	return f.Store.Delete(ctx, key)
}

func samplePrompt(fa, en string) PromptDraft {
	return PromptDraft{
		Title:  models.LocalizedText{FA: fa, EN: en},
		Prompt: "a lighthouse at dusk, volumetric fog",
		Image:  models.ImageURL("https://cdn.example.com/" + en + ".jpg"),
	}
}

func sampleWallpaper(fa, en string, kind models.WallpaperType) WallpaperDraft {
	draft := WallpaperDraft{
		Title:      models.LocalizedText{FA: fa, EN: en},
		Image:      models.UploadedBlob("wallpaper_1700000000000.jpg"),
		Type:       kind,
		Resolution: "3840x2160",
		FileSize:   2048,
	}
	if kind == models.WallpaperPremium {
		draft.Price = &models.LocalizedText{FA: "۵۰ هزار تومان", EN: "$2"}
	}
	return draft
}

func assertConsistent(t *testing.T, s *Storage) {
	t.Helper()
	problems, err := s.CheckConsistency(context.Background())
	if err != nil {
		t.Fatalf("CheckConsistency error: %v", err)
	}
	if len(problems) != 0 {
		t.Fatalf("expected consistent collections, got %v", problems)
	}
}
