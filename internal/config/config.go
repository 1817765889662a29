// Package config resolves server settings from .env files, the process
// environment and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"promptgallery/internal/auth"
	"promptgallery/internal/blob"
	"promptgallery/internal/kv"
	"promptgallery/internal/observability/logging"
)

const (
	DefaultHTTPAddr        = ":8080"
	DefaultDataFile        = "data/db.json"
	DefaultSQLitePath      = "data/store.db"
	DefaultAuthRateLimit   = 10
	DefaultUploadRateLimit = 20
	DefaultRateLimitWindow = 15 * time.Minute
	DefaultPurgeInterval   = 10 * time.Minute
	DefaultShutdownTimeout = 15 * time.Second
)

// RateLimit bounds requests per client IP within Window.
type RateLimit struct {
	Auth   int
	Upload int
	Window time.Duration
	// Distributed counts in Redis when REDIS_ADDR is configured, so every
	// instance shares the budget.
	Distributed bool
}

// Config is everything cmd/server needs to start.
type Config struct {
	HTTPAddr        string
	TLSCertFile     string
	TLSKeyFile      string
	Admin           auth.AdminCredentials
	KV              kv.Config
	Log             logging.Config
	AllowedOrigins  []string
	RateLimit       RateLimit
	MaxUploadBytes  int64
	PurgeInterval   time.Duration
	ShutdownTimeout time.Duration
	SecureCookies   bool
	ObjectStorage   blob.ObjectStorageConfig
}

// Load reads the given .env files, silently skipping missing ones, then
// resolves the configuration from the environment. Variables already set in
// the environment win over .env values.
func Load(envFiles ...string) (Config, error) {
	for _, path := range envFiles {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}
	return FromEnv()
}

// FromEnv resolves the configuration from the process environment only.
func FromEnv() (Config, error) {
	var errs []error
	intVar := func(key string, fallback int) int {
		value, err := envInt(key, fallback)
		errs = append(errs, err)
		return value
	}
	durationVar := func(key string, fallback time.Duration) time.Duration {
		value, err := envDuration(key, fallback)
		errs = append(errs, err)
		return value
	}
	boolVar := func(key string, fallback bool) bool {
		value, err := envBool(key, fallback)
		errs = append(errs, err)
		return value
	}

	redisAddr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg := Config{
		HTTPAddr:    firstNonEmpty(os.Getenv("HTTP_ADDR"), DefaultHTTPAddr),
		TLSCertFile: strings.TrimSpace(os.Getenv("TLS_CERT_FILE")),
		TLSKeyFile:  strings.TrimSpace(os.Getenv("TLS_KEY_FILE")),
		Admin: auth.AdminCredentials{
			Username: strings.TrimSpace(os.Getenv("ADMIN_USER")),
			Password: os.Getenv("ADMIN_PASS"),
		},
		KV: kv.Config{
			Driver:     strings.ToLower(firstNonEmpty(os.Getenv("KV_DRIVER"), kv.DriverFile)),
			FilePath:   firstNonEmpty(os.Getenv("DATA_FILE"), DefaultDataFile),
			SQLitePath: firstNonEmpty(os.Getenv("SQLITE_PATH"), DefaultSQLitePath),
			Redis: kv.RedisConfig{
				Addr:      redisAddr,
				Addrs:     splitAndTrim(os.Getenv("REDIS_ADDRS")),
				Username:  strings.TrimSpace(os.Getenv("REDIS_USERNAME")),
				Password:  os.Getenv("REDIS_PASSWORD"),
				DB:        intVar("REDIS_DB", 0),
				KeyPrefix: strings.TrimSpace(os.Getenv("REDIS_KEY_PREFIX")),
				PoolSize:  intVar("REDIS_POOL_SIZE", 0),
			},
			Postgres: kv.PostgresConfig{
				DSN:             strings.TrimSpace(os.Getenv("DATABASE_URL")),
				MaxConnections:  int32(intVar("POSTGRES_MAX_CONNS", 0)),
				ApplicationName: firstNonEmpty(os.Getenv("POSTGRES_APP_NAME"), "promptgallery"),
			},
		},
		Log: logging.Config{
			Level:  firstNonEmpty(os.Getenv("LOG_LEVEL"), "info"),
			Format: firstNonEmpty(os.Getenv("LOG_FORMAT"), string(logging.FormatJSON)),
		},
		AllowedOrigins: splitAndTrim(firstNonEmpty(os.Getenv("ALLOWED_ORIGINS"), "*")),
		RateLimit: RateLimit{
			Auth:        intVar("AUTH_RATE_LIMIT", DefaultAuthRateLimit),
			Upload:      intVar("UPLOAD_RATE_LIMIT", DefaultUploadRateLimit),
			Window:      durationVar("RATE_LIMIT_WINDOW", DefaultRateLimitWindow),
			Distributed: redisAddr != "",
		},
		MaxUploadBytes:  int64(intVar("MAX_UPLOAD_BYTES", int(blob.DefaultMaxBytes))),
		PurgeInterval:   durationVar("PURGE_INTERVAL", DefaultPurgeInterval),
		ShutdownTimeout: durationVar("SHUTDOWN_TIMEOUT", DefaultShutdownTimeout),
		SecureCookies:   boolVar("SECURE_COOKIES", true),
		ObjectStorage: blob.ObjectStorageConfig{
			Endpoint:       strings.TrimSpace(os.Getenv("OBJECT_STORAGE_ENDPOINT")),
			Region:         strings.TrimSpace(os.Getenv("OBJECT_STORAGE_REGION")),
			AccessKey:      strings.TrimSpace(os.Getenv("OBJECT_STORAGE_ACCESS_KEY")),
			SecretKey:      strings.TrimSpace(os.Getenv("OBJECT_STORAGE_SECRET_KEY")),
			Bucket:         strings.TrimSpace(os.Getenv("OBJECT_STORAGE_BUCKET")),
			UseSSL:         boolVar("OBJECT_STORAGE_USE_SSL", false),
			Prefix:         strings.TrimSpace(os.Getenv("OBJECT_STORAGE_PREFIX")),
			RequestTimeout: durationVar("OBJECT_STORAGE_TIMEOUT", 0),
		},
	}
	cfg.KV.Redis.TLS = kv.RedisTLSConfig{
		CAFile:             strings.TrimSpace(os.Getenv("REDIS_TLS_CA")),
		CertFile:           strings.TrimSpace(os.Getenv("REDIS_TLS_CERT")),
		KeyFile:            strings.TrimSpace(os.Getenv("REDIS_TLS_KEY")),
		ServerName:         strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME")),
		InsecureSkipVerify: boolVar("REDIS_TLS_SKIP_VERIFY", false),
	}
	if boolVar("REDIS_TLS", false) && cfg.KV.Redis.TLS.ServerName == "" {
		cfg.KV.Redis.TLS.ServerName = hostOnly(redisAddr)
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the rules the server refuses to start without.
func (c Config) Validate() error {
	var errs []error
	if err := c.Admin.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.KV.Driver {
	case kv.DriverMemory, kv.DriverFile, "json":
	case kv.DriverRedis:
		if c.KV.Redis.Addr == "" && len(c.KV.Redis.Addrs) == 0 {
			errs = append(errs, errors.New("KV_DRIVER=redis requires REDIS_ADDR"))
		}
	case kv.DriverPostgres:
		if c.KV.Postgres.DSN == "" {
			errs = append(errs, errors.New("KV_DRIVER=postgres requires DATABASE_URL"))
		}
	case kv.DriverSQLite:
		if strings.TrimSpace(c.KV.SQLitePath) == "" {
			errs = append(errs, errors.New("KV_DRIVER=sqlite requires SQLITE_PATH"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported KV_DRIVER %q", c.KV.Driver))
	}
	if c.RateLimit.Auth <= 0 || c.RateLimit.Upload <= 0 || c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate limits and window must be positive"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("MAX_UPLOAD_BYTES must be positive"))
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		errs = append(errs, errors.New("TLS_CERT_FILE and TLS_KEY_FILE must be set together"))
	}
	if c.ObjectStorage.Enabled() && c.ObjectStorage.AccessKey != "" && c.ObjectStorage.SecretKey == "" {
		errs = append(errs, errors.New("OBJECT_STORAGE_SECRET_KEY is required with an access key"))
	}
	return errors.Join(errs...)
}

// Flags are the command-line overrides accepted by cmd/server.
type Flags struct {
	Addr     *string
	Driver   *string
	DataFile *string
	LogLevel *string
	EnvFile  *string
}

// BindFlags registers the overrides on fs.
func BindFlags(fs *flag.FlagSet) *Flags {
	return &Flags{
		Addr:     fs.String("addr", "", "HTTP listen address (overrides HTTP_ADDR)"),
		Driver:   fs.String("kv-driver", "", "KV backend: memory, file, redis, postgres or sqlite (overrides KV_DRIVER)"),
		DataFile: fs.String("data", "", "file backend path (overrides DATA_FILE)"),
		LogLevel: fs.String("log-level", "", "log level (overrides LOG_LEVEL)"),
		EnvFile:  fs.String("env-file", ".env", "dotenv file to load before reading the environment"),
	}
}

// Apply copies every non-empty flag onto cfg.
func (f *Flags) Apply(cfg *Config) {
	if f == nil || cfg == nil {
		return
	}
	cfg.HTTPAddr = firstNonEmpty(deref(f.Addr), cfg.HTTPAddr)
	cfg.KV.Driver = strings.ToLower(firstNonEmpty(deref(f.Driver), cfg.KV.Driver))
	cfg.KV.FilePath = firstNonEmpty(deref(f.DataFile), cfg.KV.FilePath)
	cfg.Log.Level = firstNonEmpty(deref(f.LogLevel), cfg.Log.Level)
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}

func envInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return value, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return value, nil
}

func envBool(key string, fallback bool) (bool, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return value, nil
}

func hostOnly(addr string) string {
	if i := strings.LastIndex(addr, ":"); i > 0 {
		return addr[:i]
	}
	return addr
}
