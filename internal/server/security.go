package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// The API answers JSON and raw blob bytes only, so nothing it serves
	// needs scripts, styles or framing.
	defaultContentSecurityPolicy = "default-src 'none'; img-src 'self'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'"
	defaultFrameOptions          = "DENY"
	defaultReferrerPolicy        = "no-referrer"
	defaultHSTSMaxAge            = 180 * 24 * time.Hour
)

// privatePrefixes answer per-user or admin data and must never be cached
// by shared caches.
var defaultPrivatePrefixes = []string{"/api/auth/", "/api/user/", "/api/admin/"}

// SecurityConfig tunes the hardening headers written on every response.
// Zero values fall back to the defaults above. HSTS is only sent on TLS
// connections.
type SecurityConfig struct {
	ContentSecurityPolicy string
	FrameOptions          string
	ReferrerPolicy        string
	HSTSMaxAge            time.Duration
	PrivatePrefixes       []string
}

func (cfg SecurityConfig) withDefaults() SecurityConfig {
	if cfg.ContentSecurityPolicy == "" {
		cfg.ContentSecurityPolicy = defaultContentSecurityPolicy
	}
	if cfg.FrameOptions == "" {
		cfg.FrameOptions = defaultFrameOptions
	}
	if cfg.ReferrerPolicy == "" {
		cfg.ReferrerPolicy = defaultReferrerPolicy
	}
	if cfg.HSTSMaxAge <= 0 {
		cfg.HSTSMaxAge = defaultHSTSMaxAge
	}
	if cfg.PrivatePrefixes == nil {
		cfg.PrivatePrefixes = defaultPrivatePrefixes
	}
	return cfg
}

func (cfg SecurityConfig) isPrivate(path string) bool {
	for _, prefix := range cfg.PrivatePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// securityHeadersMiddleware runs before routing so 404s and middleware
// rejections carry the same headers. Handlers may still replace
// Cache-Control for the routes they own.
func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	effective := cfg.withDefaults()
	hsts := "max-age=" + strconv.FormatInt(int64(effective.HSTSMaxAge/time.Second), 10) + "; includeSubDomains"

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		header.Set("Content-Security-Policy", effective.ContentSecurityPolicy)
		header.Set("X-Frame-Options", effective.FrameOptions)
		header.Set("X-Content-Type-Options", "nosniff")
		header.Set("Referrer-Policy", effective.ReferrerPolicy)
		header.Set("Cross-Origin-Resource-Policy", "same-site")
		if r.TLS != nil {
			header.Set("Strict-Transport-Security", hsts)
		}
		if effective.isPrivate(r.URL.Path) {
			header.Set("Cache-Control", "no-store")
		}

		next.ServeHTTP(w, r)
	})
}
