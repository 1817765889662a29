package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"promptgallery/internal/observability/metrics"
)

// Rate limit scopes. Each scope keeps its own counters per client IP.
const (
	scopeAuth   = "auth"
	scopeUpload = "upload"
)

type RateLimitConfig struct {
	// AuthLimit bounds register and login attempts per IP and window.
	AuthLimit int
	// UploadLimit bounds admin uploads per IP and window.
	UploadLimit int
	Window      time.Duration
	// Store shares counters between replicas. Nil keeps them in memory.
	Store WindowStore
}

// WindowStore counts hits per key in fixed windows.
type WindowStore interface {
	// Allow records one hit on key and reports whether it is within limit.
	// When it is not, the duration until the window resets is returned.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
	Ping(ctx context.Context) error
}

type rateLimiter struct {
	store  WindowStore
	limits map[string]int
	window time.Duration
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	window := cfg.Window
	if window <= 0 {
		window = 15 * time.Minute
	}
	store := cfg.Store
	if store == nil {
		store = newMemoryWindowStore(time.Now)
	}
	return &rateLimiter{
		store:  store,
		window: window,
		limits: map[string]int{
			scopeAuth:   cfg.AuthLimit,
			scopeUpload: cfg.UploadLimit,
		},
	}
}

// Allow checks one hit for clientKey in scope. Non-positive limits disable
// the scope.
func (r *rateLimiter) Allow(ctx context.Context, scope, clientKey string) (bool, time.Duration, error) {
	if r == nil {
		return true, 0, nil
	}
	limit := r.limits[scope]
	if limit <= 0 {
		return true, 0, nil
	}
	if clientKey == "" {
		clientKey = "unknown"
	}
	return r.store.Allow(ctx, fmt.Sprintf("ratelimit:%s:%s", scope, clientKey), limit, r.window)
}

func (r *rateLimiter) Ping(ctx context.Context) error {
	if r == nil {
		return nil
	}
	return r.store.Ping(ctx)
}

// rateLimitMiddleware throttles a route group per client IP. Store failures
// answer 503 rather than letting traffic through unmetered.
func rateLimitMiddleware(rl *rateLimiter, scope string, logger *slog.Logger, recorder *metrics.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rl == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, retryAfter, err := rl.Allow(r.Context(), scope, clientIP(r.RemoteAddr))
			if err != nil {
				loggerWithRequestContext(r.Context(), logger).Error("rate limiter failure", "scope", scope, "error", err)
				writeMiddlewareError(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
				return
			}
			if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int((retryAfter+time.Second-1)/time.Second)))
				}
				if recorder != nil {
					recorder.ObserveEvent("rate_limited_" + scope)
				}
				writeMiddlewareError(w, http.StatusTooManyRequests, "Too many requests, please try again later")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type memoryWindowStore struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]*window
	sweeps  int
}

type window struct {
	count   int
	resetAt time.Time
}

func newMemoryWindowStore(now func() time.Time) *memoryWindowStore {
	return &memoryWindowStore{now: now, windows: make(map[string]*window)}
}

func (s *memoryWindowStore) Allow(_ context.Context, key string, limit int, length time.Duration) (bool, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweepLocked(now)
	current, ok := s.windows[key]
	if !ok || !now.Before(current.resetAt) {
		current = &window{resetAt: now.Add(length)}
		s.windows[key] = current
	}
	current.count++
	if current.count > limit {
		return false, current.resetAt.Sub(now), nil
	}
	return true, 0, nil
}

// sweepLocked drops finished windows every 256 calls.
func (s *memoryWindowStore) sweepLocked(now time.Time) {
	s.sweeps++
	if s.sweeps%256 != 0 {
		return
	}
	for key, w := range s.windows {
		if !now.Before(w.resetAt) {
			delete(s.windows, key)
		}
	}
}

func (s *memoryWindowStore) Ping(context.Context) error {
	return nil
}
