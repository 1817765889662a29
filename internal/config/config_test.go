package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptgallery/internal/auth"
	"promptgallery/internal/blob"
	"promptgallery/internal/kv"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("ADMIN_USER", "root")
	t.Setenv("ADMIN_PASS", "s3cret-pass")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, DefaultHTTPAddr, cfg.HTTPAddr)
	assert.Equal(t, kv.DriverFile, cfg.KV.Driver)
	assert.Equal(t, DefaultDataFile, cfg.KV.FilePath)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Equal(t, RateLimit{Auth: 10, Upload: 20, Window: 15 * time.Minute}, cfg.RateLimit)
	assert.Equal(t, blob.DefaultMaxBytes, cfg.MaxUploadBytes)
	assert.Equal(t, 10*time.Minute, cfg.PurgeInterval)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
	assert.True(t, cfg.SecureCookies)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.False(t, cfg.ObjectStorage.Enabled())
	assert.NoError(t, cfg.Validate())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("ADMIN_USER", "root")
	t.Setenv("ADMIN_PASS", "s3cret-pass")
	t.Setenv("KV_DRIVER", "Redis")
	t.Setenv("REDIS_ADDR", "cache.internal:6380")
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("AUTH_RATE_LIMIT", "3")
	t.Setenv("RATE_LIMIT_WINDOW", "1m")
	t.Setenv("SECURE_COOKIES", "false")
	t.Setenv("OBJECT_STORAGE_ENDPOINT", "minio:9000")
	t.Setenv("OBJECT_STORAGE_BUCKET", "gallery")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, kv.DriverRedis, cfg.KV.Driver)
	assert.Equal(t, "cache.internal", cfg.KV.Redis.TLS.ServerName)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 3, cfg.RateLimit.Auth)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.True(t, cfg.RateLimit.Distributed)
	assert.False(t, cfg.SecureCookies)
	assert.True(t, cfg.ObjectStorage.Enabled())
	assert.NoError(t, cfg.Validate())
}

func TestFromEnvRejectsMalformedValues(t *testing.T) {
	t.Setenv("RATE_LIMIT_WINDOW", "soon")
	t.Setenv("REDIS_DB", "zero")

	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RATE_LIMIT_WINDOW")
	assert.Contains(t, err.Error(), "REDIS_DB")
}

func TestValidateRefusesDefaultAdminPassword(t *testing.T) {
	t.Setenv("ADMIN_USER", "admin")
	t.Setenv("ADMIN_PASS", auth.DefaultAdminPassword)

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.ErrorIs(t, cfg.Validate(), auth.ErrDefaultAdminPassword)
}

func TestValidateRequiresAdminAndDriverSettings(t *testing.T) {
	cfg := Config{
		KV:             kv.Config{Driver: kv.DriverPostgres},
		RateLimit:      RateLimit{Auth: 1, Upload: 1, Window: time.Minute},
		MaxUploadBytes: 1,
	}
	err := cfg.Validate()
	assert.ErrorIs(t, err, auth.ErrAdminCredentialsMissing)
	assert.ErrorContains(t, err, "DATABASE_URL")

	cfg.Admin = auth.AdminCredentials{Username: "root", Password: "s3cret-pass"}
	cfg.KV.Driver = "etcd"
	assert.ErrorContains(t, cfg.Validate(), "unsupported KV_DRIVER")
}

func TestLoadReadsDotEnvWithoutOverridingEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("ADMIN_USER=fromfile\nADMIN_PASS=file-pass\nHTTP_ADDR=:9999\n"), 0o600))
	t.Setenv("ADMIN_USER", "fromenv")
	// godotenv sets variables it loads; register them for cleanup.
	t.Setenv("ADMIN_PASS", "")
	t.Setenv("HTTP_ADDR", "")
	require.NoError(t, os.Unsetenv("ADMIN_PASS"))
	require.NoError(t, os.Unsetenv("HTTP_ADDR"))

	cfg, err := Load(path, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "fromenv", cfg.Admin.Username)
	assert.Equal(t, "file-pass", cfg.Admin.Password)
	assert.Equal(t, ":9999", cfg.HTTPAddr)
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":7000")
	cfg, err := FromEnv()
	require.NoError(t, err)

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	flags := BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"-addr", ":7100", "-kv-driver", "SQLITE"}))
	flags.Apply(&cfg)

	assert.Equal(t, ":7100", cfg.HTTPAddr)
	assert.Equal(t, kv.DriverSQLite, cfg.KV.Driver)
	assert.Equal(t, DefaultDataFile, cfg.KV.FilePath)
}
