package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"promptgallery/internal/api"
	"promptgallery/internal/kv"
	"promptgallery/internal/observability/logging"
	"promptgallery/internal/observability/metrics"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Timeouts bound each phase of a connection. Zero values use the defaults
// below.
type Timeouts struct {
	ReadHeader time.Duration
	Read       time.Duration
	Write      time.Duration
	Idle       time.Duration
}

type Config struct {
	Addr      string
	TLS       TLSConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Security  SecurityConfig
	Timeouts  Timeouts
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	// IdempotencyStore records Idempotency-Key responses. Nil falls back to
	// the handler's KV store.
	IdempotencyStore kv.Store
	IdempotencyTTL   time.Duration
	// TrustForwardedHeaders takes the client IP from X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that overwrites them.
	TrustForwardedHeaders bool
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	metrics     *metrics.Recorder
	rateLimiter *rateLimiter
	tlsCertFile string
	tlsKeyFile  string
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("api handler is required")
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if handler.Metrics == nil {
		handler.Metrics = recorder
	}
	if handler.Logger == nil {
		handler.Logger = logger
	}

	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, fmt.Errorf("cors: %w", err)
	}

	rl := newRateLimiter(cfg.RateLimit)
	if handler.Components == nil {
		handler.Components = make(map[string]api.Pinger)
	}
	if cfg.RateLimit.Store != nil {
		handler.Components["ratelimit"] = rl
	}

	idemStore := cfg.IdempotencyStore
	if idemStore == nil {
		idemStore = handler.KV
	}
	idem := newIdempotency(idemStore, cfg.IdempotencyTTL, logging.WithComponent(logger, "idempotency"))

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler { return requestIDMiddleware(logger, next) })
	router.Use(logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger}))
	router.Use(func(next http.Handler) http.Handler { return metrics.HTTPMiddleware(recorder, next) })
	router.Use(middleware.Recoverer)
	if cfg.TrustForwardedHeaders {
		router.Use(middleware.RealIP)
	}
	router.Use(func(next http.Handler) http.Handler { return securityHeadersMiddleware(cfg.Security, next) })
	router.Use(func(next http.Handler) http.Handler { return corsMiddleware(policy, logger, next) })

	authLimit := rateLimitMiddleware(rl, scopeAuth, logger, recorder)
	uploadLimit := rateLimitMiddleware(rl, scopeUpload, logger, recorder)

	router.Get("/healthz", handler.Health)
	router.Handle("/metrics", recorder.Handler())

	router.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.With(authLimit, idem.middleware).Post("/register", handler.Register)
			r.With(authLimit).Post("/login", handler.Login)
			r.Post("/logout", handler.Logout)
		})
		r.Get("/user/profile", handler.Profile)
		r.Get("/user/purchases", handler.Purchases)
		r.Get("/content/prompts", handler.Prompts)
		r.Get("/content/wallpapers", handler.Wallpapers)
		r.With(idem.middleware).Post("/wallpapers/download", handler.Download)
		r.Get("/files/{filename}", handler.File)
		r.Get("/images/{filename}", handler.Image)

		r.Route("/admin", func(r chi.Router) {
			r.With(authLimit).Post("/login", handler.AdminLogin)
			r.Group(func(r chi.Router) {
				r.Use(handler.RequireAdmin)
				r.Get("/status", handler.AdminStatus)
				r.Get("/prompts", handler.AdminPrompts)
				r.With(idem.middleware).Post("/prompts", handler.AdminAddPrompt)
				r.Delete("/prompts", handler.AdminDeletePrompt)
				r.Delete("/prompts/{id}", handler.AdminDeletePrompt)
				r.Get("/wallpapers", handler.AdminWallpapers)
				r.With(idem.middleware).Post("/wallpapers", handler.AdminAddWallpaper)
				r.Delete("/wallpapers", handler.AdminDeleteWallpaper)
				r.Delete("/wallpapers/{id}", handler.AdminDeleteWallpaper)
				r.With(uploadLimit, idem.middleware).Post("/upload", handler.AdminUpload)
			})
		})
	})
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		api.WriteError(w, http.StatusNotFound, "Not found")
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		api.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: durationOr(cfg.Timeouts.ReadHeader, 5*time.Second),
		ReadTimeout:       durationOr(cfg.Timeouts.Read, 30*time.Second),
		WriteTimeout:      durationOr(cfg.Timeouts.Write, 30*time.Second),
		IdleTimeout:       durationOr(cfg.Timeouts.Idle, 60*time.Second),
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      logger,
		metrics:     recorder,
		rateLimiter: rl,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}

	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return srv, nil
}

// Handler exposes the full middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// HTTPServer exposes the underlying server for lifecycle helpers.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// TLSFiles returns the configured certificate and key paths, empty when TLS
// is off.
func (s *Server) TLSFiles() (string, string) {
	return s.tlsCertFile, s.tlsKeyFile
}

func (s *Server) Start() error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}

	if s.tlsCertFile != "" && s.tlsKeyFile != "" {
		return s.httpServer.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}

	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
