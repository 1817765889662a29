package storage

import (
	"log/slog"
	"time"
)

// Option configures a Storage instance.
type Option func(*Storage)

// WithClock injects the time source used for createdAt stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDFactory overrides identifier generation.
func WithIDFactory(newID func() string) Option {
	return func(s *Storage) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// WithLogger sets the logger used for best-effort cleanup failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Storage) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithWriteAttempts bounds how often a collection write is retried after
// observing a concurrent modification.
func WithWriteAttempts(attempts int) Option {
	return func(s *Storage) {
		if attempts > 0 {
			s.writeAttempts = attempts
		}
	}
}

// WithDownloadLogTTL controls how long download analytics rows are kept.
func WithDownloadLogTTL(ttl time.Duration) Option {
	return func(s *Storage) {
		if ttl > 0 {
			s.downloadLogTTL = ttl
		}
	}
}
