package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"promptgallery/internal/auth"
	"promptgallery/internal/kv"
	"promptgallery/internal/models"
)

// Snapshot is a JSON-serialisable copy of everything the service keeps in
// the store, used to move data between KV backends.
type Snapshot struct {
	Users         map[string]models.User        `json:"users"`
	Sessions      map[string]auth.Session       `json:"sessions"`
	AdminSessions map[string]auth.Session       `json:"adminSessions"`
	Prompts       []models.Prompt               `json:"prompts"`
	Wallpapers    []models.Wallpaper            `json:"wallpapers"`
	Purchases     map[string][]models.Purchase  `json:"purchases"`
	Downloads     map[string]models.DownloadLog `json:"downloads"`
	Blobs         map[string][]byte             `json:"blobs,omitempty"`
}

// SnapshotCounts summarises a Snapshot for operator output.
type SnapshotCounts struct {
	Users         int
	Sessions      int
	AdminSessions int
	Prompts       int
	Wallpapers    int
	Purchases     int
	Downloads     int
	Blobs         int
}

// LoadSnapshotFromJSON reads a previously exported Snapshot from disk.
func LoadSnapshotFromJSON(path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot %s: %w", path, err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var snapshot Snapshot
	if err := decoder.Decode(&snapshot); err != nil {
		if errors.Is(err, io.EOF) {
			snapshot.ensureInitialized()
			return &snapshot, nil
		}
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	snapshot.ensureInitialized()
	return &snapshot, nil
}

// WriteJSON encodes the snapshot to w.
func (s *Snapshot) WriteJSON(w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(s)
}

func (s *Snapshot) ensureInitialized() {
	if s.Users == nil {
		s.Users = make(map[string]models.User)
	}
	if s.Sessions == nil {
		s.Sessions = make(map[string]auth.Session)
	}
	if s.AdminSessions == nil {
		s.AdminSessions = make(map[string]auth.Session)
	}
	if s.Prompts == nil {
		s.Prompts = []models.Prompt{}
	}
	if s.Wallpapers == nil {
		s.Wallpapers = []models.Wallpaper{}
	}
	if s.Purchases == nil {
		s.Purchases = make(map[string][]models.Purchase)
	}
	if s.Downloads == nil {
		s.Downloads = make(map[string]models.DownloadLog)
	}
	if s.Blobs == nil {
		s.Blobs = make(map[string][]byte)
	}
}

// Counts reports how many entities of each type the snapshot holds.
func (s *Snapshot) Counts() SnapshotCounts {
	if s == nil {
		return SnapshotCounts{}
	}
	counts := SnapshotCounts{
		Users:         len(s.Users),
		Sessions:      len(s.Sessions),
		AdminSessions: len(s.AdminSessions),
		Prompts:       len(s.Prompts),
		Wallpapers:    len(s.Wallpapers),
		Downloads:     len(s.Downloads),
	}
	for _, purchases := range s.Purchases {
		counts.Purchases += len(purchases)
	}
	for key := range s.Blobs {
		if !strings.HasSuffix(key, "_meta") {
			counts.Blobs++
		}
	}
	return counts
}

// ExportSnapshot reads every live entry the service owns.
func (s *Storage) ExportSnapshot(ctx context.Context) (*Snapshot, error) {
	snapshot := &Snapshot{}
	snapshot.ensureInitialized()

	if err := exportPrefix(ctx, s.store, userByIDPrefix, func(id string, raw []byte) error {
		var user models.User
		if err := json.Unmarshal(raw, &user); err != nil {
			return err
		}
		snapshot.Users[id] = user
		return nil
	}); err != nil {
		return nil, err
	}
	if err := exportPrefix(ctx, s.store, auth.UserSessionPrefix, func(hash string, raw []byte) error {
		var session auth.Session
		if err := json.Unmarshal(raw, &session); err != nil {
			return err
		}
		snapshot.Sessions[hash] = session
		return nil
	}); err != nil {
		return nil, err
	}
	if err := exportPrefix(ctx, s.store, auth.AdminSessionPrefix, func(hash string, raw []byte) error {
		var session auth.Session
		if err := json.Unmarshal(raw, &session); err != nil {
			return err
		}
		snapshot.AdminSessions[hash] = session
		return nil
	}); err != nil {
		return nil, err
	}

	prompts, err := s.ListPrompts(ctx)
	if err != nil {
		return nil, err
	}
	snapshot.Prompts = prompts
	wallpapers, err := s.ListWallpapers(ctx)
	if err != nil {
		return nil, err
	}
	snapshot.Wallpapers = wallpapers

	if err := exportPrefix(ctx, s.store, purchasesPrefix, func(userID string, raw []byte) error {
		var purchases []models.Purchase
		if err := json.Unmarshal(raw, &purchases); err != nil {
			return err
		}
		snapshot.Purchases[userID] = purchases
		return nil
	}); err != nil {
		return nil, err
	}
	if err := exportPrefix(ctx, s.store, downloadLogPrefix, func(id string, raw []byte) error {
		var entry models.DownloadLog
		if err := json.Unmarshal(raw, &entry); err != nil {
			return err
		}
		snapshot.Downloads[id] = entry
		return nil
	}); err != nil {
		return nil, err
	}
	if err := exportPrefix(ctx, s.store, blobKeyPrefix, func(key string, raw []byte) error {
		snapshot.Blobs[key] = raw
		return nil
	}); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// exportPrefix visits every live key under prefix. Keys that expire
// between listing and reading are skipped.
func exportPrefix(ctx context.Context, store kv.Store, prefix string, visit func(suffix string, raw []byte) error) error {
	keys, err := store.Keys(ctx, prefix)
	if err != nil {
		return fmt.Errorf("list %s: %w", prefix, err)
	}
	for _, key := range keys {
		raw, err := store.Get(ctx, key)
		if kv.IsNotFound(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", key, err)
		}
		if err := visit(strings.TrimPrefix(key, prefix), raw); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
	}
	return nil
}

// ImportSnapshot writes snapshot into the store, overwriting keys that
// already exist. Sessions and download logs keep their remaining lifetime;
// entries already past it are skipped.
func (s *Storage) ImportSnapshot(ctx context.Context, snapshot *Snapshot) error {
	if snapshot == nil {
		return fmt.Errorf("snapshot is required")
	}
	snapshot.ensureInitialized()
	now := s.timestamp()

	s.accountsMu.Lock()
	defer s.accountsMu.Unlock()

	for id, user := range snapshot.Users {
		if user.ID == "" {
			user.ID = id
		}
		if err := kv.PutJSON(ctx, s.store, userByIDPrefix+user.ID, user, 0); err != nil {
			return fmt.Errorf("import user %s: %w", user.ID, err)
		}
		for _, key := range identityKeys(user.Identities()) {
			if err := s.store.Put(ctx, key, []byte(user.ID), 0); err != nil {
				return fmt.Errorf("import %s: %w", key, err)
			}
		}
	}

	sessionSets := []struct {
		prefix string
		rows   map[string]auth.Session
	}{
		{auth.UserSessionPrefix, snapshot.Sessions},
		{auth.AdminSessionPrefix, snapshot.AdminSessions},
	}
	for _, set := range sessionSets {
		for hash, session := range set.rows {
			ttl := session.RetentionTTL(now)
			if ttl <= 0 {
				continue
			}
			if err := kv.PutJSON(ctx, s.store, set.prefix+hash, session, ttl); err != nil {
				return fmt.Errorf("import session: %w", err)
			}
		}
	}

	if err := s.prompts.mutate(ctx, func([]models.Prompt) (change[models.Prompt], error) {
		return change[models.Prompt]{items: snapshot.Prompts, upserts: snapshot.Prompts}, nil
	}); err != nil {
		return fmt.Errorf("import prompts: %w", err)
	}
	if err := s.wallpapers.mutate(ctx, func([]models.Wallpaper) (change[models.Wallpaper], error) {
		return change[models.Wallpaper]{items: snapshot.Wallpapers, upserts: snapshot.Wallpapers}, nil
	}); err != nil {
		return fmt.Errorf("import wallpapers: %w", err)
	}

	for userID, purchases := range snapshot.Purchases {
		if err := kv.PutJSON(ctx, s.store, purchasesPrefix+userID, purchases, 0); err != nil {
			return fmt.Errorf("import purchases for %s: %w", userID, err)
		}
	}
	for id, entry := range snapshot.Downloads {
		ttl := entry.Timestamp.Add(s.downloadLogTTL).Sub(now)
		if ttl <= 0 {
			continue
		}
		if err := kv.PutJSON(ctx, s.store, downloadLogPrefix+id, entry, ttl); err != nil {
			return fmt.Errorf("import download %s: %w", id, err)
		}
	}
	for key, raw := range snapshot.Blobs {
		if err := s.store.Put(ctx, blobKeyPrefix+key, raw, 0); err != nil {
			return fmt.Errorf("import blob %s: %w", key, err)
		}
	}
	return nil
}
