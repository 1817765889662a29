// Command migrate-store copies every gallery record from one KV backend to
// another, or between a backend and a snapshot JSON file.
//
// Endpoints are written driver:target, for example file:data/db.json,
// sqlite:data/store.db, postgres:postgres://user@host/db, redis:127.0.0.1:6379
// or snapshot:backup.json.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"promptgallery/internal/kv"
	"promptgallery/internal/observability/logging"
	"promptgallery/internal/storage"
)

const snapshotDriver = "snapshot"

type endpoint struct {
	driver string
	target string
}

func (e endpoint) String() string {
	return e.driver + ":" + e.target
}

func parseEndpoint(raw string) (endpoint, error) {
	driver, target, ok := strings.Cut(strings.TrimSpace(raw), ":")
	driver = strings.ToLower(strings.TrimSpace(driver))
	if !ok || driver == "" {
		return endpoint{}, fmt.Errorf("endpoint %q must be driver:target", raw)
	}
	target = strings.TrimSpace(target)
	switch driver {
	case kv.DriverMemory:
	case snapshotDriver, kv.DriverFile, kv.DriverSQLite, kv.DriverPostgres, kv.DriverRedis:
		if target == "" {
			return endpoint{}, fmt.Errorf("endpoint %q needs a target", raw)
		}
	default:
		return endpoint{}, fmt.Errorf("unsupported driver %q", driver)
	}
	return endpoint{driver: driver, target: target}, nil
}

func (e endpoint) kvConfig(redisPassword string) kv.Config {
	cfg := kv.Config{Driver: e.driver}
	switch e.driver {
	case kv.DriverFile:
		cfg.FilePath = e.target
	case kv.DriverSQLite:
		cfg.SQLitePath = e.target
	case kv.DriverPostgres:
		cfg.Postgres = kv.PostgresConfig{DSN: e.target, ApplicationName: "promptgallery-migrate"}
	case kv.DriverRedis:
		cfg.Redis = kv.RedisConfig{Addr: e.target, Password: redisPassword}
	}
	return cfg
}

func main() {
	from := flag.String("from", "", "source endpoint (driver:target)")
	to := flag.String("to", "", "destination endpoint (driver:target)")
	redisPassword := flag.String("redis-password", os.Getenv("REDIS_PASSWORD"), "password for redis endpoints")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall migration timeout")
	flag.Parse()

	logger := logging.New(logging.Config{Level: "info", Format: string(logging.FormatText), Writer: os.Stdout})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	counts, err := migrate(ctx, logger, *from, *to, *redisPassword)
	if err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
	logger.Info("migration completed",
		"users", counts.Users,
		"prompts", counts.Prompts,
		"wallpapers", counts.Wallpapers,
		"purchases", counts.Purchases,
		"blobs", counts.Blobs)
}

func migrate(ctx context.Context, logger *slog.Logger, fromRaw, toRaw, redisPassword string) (storage.SnapshotCounts, error) {
	source, err := parseEndpoint(fromRaw)
	if err != nil {
		return storage.SnapshotCounts{}, fmt.Errorf("--from: %w", err)
	}
	dest, err := parseEndpoint(toRaw)
	if err != nil {
		return storage.SnapshotCounts{}, fmt.Errorf("--to: %w", err)
	}
	if source == dest {
		return storage.SnapshotCounts{}, errors.New("source and destination are the same")
	}

	snapshot, err := readSnapshot(ctx, source, redisPassword)
	if err != nil {
		return storage.SnapshotCounts{}, err
	}
	counts := snapshot.Counts()
	logger.Info("loaded snapshot", "from", source.driver, "users", counts.Users, "prompts", counts.Prompts, "wallpapers", counts.Wallpapers)

	if dest.driver == snapshotDriver {
		return counts, writeSnapshotFile(dest.target, snapshot)
	}

	store, err := kv.Open(ctx, dest.kvConfig(redisPassword))
	if err != nil {
		return storage.SnapshotCounts{}, fmt.Errorf("open destination: %w", err)
	}
	defer store.Close()

	repo := storage.NewStorage(store, storage.WithLogger(logging.WithComponent(logger, "storage")))
	if err := repo.ImportSnapshot(ctx, snapshot); err != nil {
		return storage.SnapshotCounts{}, fmt.Errorf("import snapshot: %w", err)
	}
	if flusher, ok := store.(kv.Flusher); ok {
		if err := flusher.Flush(); err != nil {
			return storage.SnapshotCounts{}, fmt.Errorf("flush destination: %w", err)
		}
	}
	if err := verifyCounts(ctx, repo, counts); err != nil {
		return storage.SnapshotCounts{}, err
	}
	return counts, nil
}

func readSnapshot(ctx context.Context, source endpoint, redisPassword string) (*storage.Snapshot, error) {
	if source.driver == snapshotDriver {
		return storage.LoadSnapshotFromJSON(source.target)
	}
	store, err := kv.Open(ctx, source.kvConfig(redisPassword))
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer store.Close()

	snapshot, err := storage.NewStorage(store).ExportSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("export snapshot: %w", err)
	}
	return snapshot, nil
}

func writeSnapshotFile(path string, snapshot *storage.Snapshot) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	if err := snapshot.WriteJSON(file); err != nil {
		_ = file.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	return file.Close()
}

// verifyCounts re-exports the destination and checks nothing imported is
// missing. Sessions and download logs are skipped since they may expire
// mid-run; the destination may already hold extra records.
func verifyCounts(ctx context.Context, repo *storage.Storage, expected storage.SnapshotCounts) error {
	exported, err := repo.ExportSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("verify export: %w", err)
	}
	actual := exported.Counts()
	checks := []struct {
		name             string
		expected, actual int
	}{
		{"users", expected.Users, actual.Users},
		{"prompts", expected.Prompts, actual.Prompts},
		{"wallpapers", expected.Wallpapers, actual.Wallpapers},
		{"purchases", expected.Purchases, actual.Purchases},
		{"blobs", expected.Blobs, actual.Blobs},
	}
	for _, check := range checks {
		if check.actual < check.expected {
			return fmt.Errorf("mismatch for %s: expected at least %d, got %d", check.name, check.expected, check.actual)
		}
	}
	return nil
}
