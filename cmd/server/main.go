// Command server starts the prompt gallery API HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"promptgallery/internal/api"
	"promptgallery/internal/auth"
	"promptgallery/internal/blob"
	"promptgallery/internal/config"
	"promptgallery/internal/kv"
	"promptgallery/internal/observability/logging"
	"promptgallery/internal/observability/metrics"
	"promptgallery/internal/server"
	"promptgallery/internal/serverutil"
	"promptgallery/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	flags := config.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*flags.EnvFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	flags.Apply(&cfg)

	logger := logging.Init(cfg.Log)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	recorder := metrics.Default()

	store, err := kv.Open(ctx, cfg.KV)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.KV.Driver, err)
	}

	app, err := buildApp(cfg, store, logger, recorder)
	if err != nil {
		_ = store.Close()
		return err
	}

	logger.Info("starting server", newStartupSummary(cfg).LogArgs()...)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, groupCtx := errgroup.WithContext(runCtx)

	if purger, ok := store.(kv.Purger); ok {
		group.Go(func() error {
			runPurgeWorker(groupCtx, logging.WithComponent(logger, "kv-purger"), purger, cfg.PurgeInterval, recorder, nil)
			return nil
		})
	}
	group.Go(func() error {
		// The purger stops once the server is done, even on a clean exit.
		defer cancel()
		return serverutil.Run(groupCtx, serverutil.Config{
			Server:          app.server.HTTPServer(),
			TLS:             serverutil.TLSConfig{CertFile: cfg.TLSCertFile, KeyFile: cfg.TLSKeyFile},
			ShutdownTimeout: cfg.ShutdownTimeout,
			OnShutdown:      app.shutdownHooks(logger),
		})
	})

	err = group.Wait()
	logger.Info("server stopped")
	return err
}

type application struct {
	server  *server.Server
	store   kv.Store
	limiter *server.RedisWindowStore
}

// buildApp wires the repository, sessions, blobs and router over store.
func buildApp(cfg config.Config, store kv.Store, logger *slog.Logger, recorder *metrics.Recorder) (*application, error) {
	repo := storage.NewStorage(store, storage.WithLogger(logging.WithComponent(logger, "storage")))

	blobOpts := []blob.Option{
		blob.WithPolicy(uploadPolicy(cfg.MaxUploadBytes)),
		blob.WithLogger(logging.WithComponent(logger, "blob")),
	}
	if cfg.ObjectStorage.Enabled() {
		objects, err := blob.NewS3ObjectStore(cfg.ObjectStorage)
		if err != nil {
			return nil, fmt.Errorf("object storage: %w", err)
		}
		blobOpts = append(blobOpts, blob.WithObjectStore(objects))
	}

	handler := api.NewHandler(repo, cfg.Admin)
	handler.Sessions = auth.NewSessionManager(store)
	handler.Blobs = blob.NewService(store, blobOpts...)
	handler.Logger = logging.WithComponent(logger, "api")
	handler.Metrics = recorder
	handler.SessionCookiePolicy = api.CookiePolicyFor(cfg.SecureCookies)

	app := &application{store: store}
	rateLimit := server.RateLimitConfig{
		AuthLimit:   cfg.RateLimit.Auth,
		UploadLimit: cfg.RateLimit.Upload,
		Window:      cfg.RateLimit.Window,
	}
	if cfg.RateLimit.Distributed {
		client, err := kv.NewRedisClient(cfg.KV.Redis)
		if err != nil {
			return nil, fmt.Errorf("rate limiter redis: %w", err)
		}
		app.limiter = server.NewRedisWindowStore(client, cfg.KV.Redis.KeyPrefix)
		rateLimit.Store = app.limiter
	}

	srv, err := server.New(handler, server.Config{
		Addr:      cfg.HTTPAddr,
		TLS:       server.TLSConfig{CertFile: cfg.TLSCertFile, KeyFile: cfg.TLSKeyFile},
		RateLimit: rateLimit,
		CORS:      server.CORSConfig{AllowedOrigins: cfg.AllowedOrigins},
		Logger:    logger,
		Metrics:   recorder,
	})
	if err != nil {
		if app.limiter != nil {
			_ = app.limiter.Close()
		}
		return nil, fmt.Errorf("build server: %w", err)
	}
	app.server = srv
	return app, nil
}

func uploadPolicy(maxBytes int64) blob.Policy {
	policy := blob.DefaultPolicy()
	if maxBytes > 0 {
		policy.MaxBytes = maxBytes
	}
	return policy
}

// shutdownHooks flush buffered writes before closing the store so the file
// backend persists everything accepted before the drain.
func (a *application) shutdownHooks(logger *slog.Logger) []serverutil.Hook {
	return []serverutil.Hook{
		func(context.Context) error {
			flusher, ok := a.store.(kv.Flusher)
			if !ok {
				return nil
			}
			if err := flusher.Flush(); err != nil {
				return fmt.Errorf("flush store: %w", err)
			}
			logger.Info("store flushed")
			return nil
		},
		func(context.Context) error {
			var errs []error
			if a.limiter != nil {
				errs = append(errs, a.limiter.Close())
			}
			if err := a.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close store: %w", err))
			}
			return errors.Join(errs...)
		},
	}
}

type startupSummary struct {
	datastore map[string]any
	limiter   map[string]any
	uploads   map[string]any
	http      map[string]any
}

func newStartupSummary(cfg config.Config) startupSummary {
	datastore := map[string]any{"driver": cfg.KV.Driver}
	switch cfg.KV.Driver {
	case kv.DriverFile, "json", "":
		datastore["path"] = cfg.KV.FilePath
	case kv.DriverSQLite:
		datastore["path"] = cfg.KV.SQLitePath
	case kv.DriverPostgres:
		datastore["dsn"] = redactDSN(cfg.KV.Postgres.DSN)
	case kv.DriverRedis:
		datastore["addr"] = redisAddress(cfg.KV.Redis)
		datastore["db"] = cfg.KV.Redis.DB
	}

	limiter := map[string]any{
		"driver": "memory",
		"auth":   cfg.RateLimit.Auth,
		"upload": cfg.RateLimit.Upload,
		"window": cfg.RateLimit.Window.String(),
	}
	if cfg.RateLimit.Distributed {
		limiter["driver"] = "redis"
		limiter["addr"] = redisAddress(cfg.KV.Redis)
	}

	uploads := map[string]any{
		"max_bytes":      cfg.MaxUploadBytes,
		"object_storage": cfg.ObjectStorage.Enabled(),
	}
	if cfg.ObjectStorage.Enabled() {
		uploads["bucket"] = cfg.ObjectStorage.Bucket
		uploads["endpoint"] = cfg.ObjectStorage.Endpoint
	}

	return startupSummary{
		datastore: datastore,
		limiter:   limiter,
		uploads:   uploads,
		http: map[string]any{
			"addr":            cfg.HTTPAddr,
			"tls":             cfg.TLSCertFile != "",
			"allowed_origins": cfg.AllowedOrigins,
			"secure_cookies":  cfg.SecureCookies,
		},
	}
}

func (s startupSummary) LogArgs() []any {
	return []any{
		"datastore", s.datastore,
		"rate_limit", s.limiter,
		"uploads", s.uploads,
		"http", s.http,
	}
}

func redisAddress(cfg kv.RedisConfig) any {
	if len(cfg.Addrs) > 0 {
		return cfg.Addrs
	}
	return cfg.Addr
}

func redactDSN(dsn string) string {
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.User == nil {
		if dsn == "" {
			return ""
		}
		return "configured"
	}
	return parsed.Redacted()
}
