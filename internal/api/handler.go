package api

import (
	"log/slog"

	"promptgallery/internal/auth"
	"promptgallery/internal/blob"
	"promptgallery/internal/kv"
	"promptgallery/internal/observability/metrics"
	"promptgallery/internal/storage"
)

// Handler serves the public storefront and admin API.
type Handler struct {
	Store    storage.Repository
	Sessions *auth.SessionManager
	Blobs    *blob.Service
	// KV is checked by the admin status endpoint.
	KV    kv.Store
	Admin auth.AdminCredentials

	Logger              *slog.Logger
	Metrics             *metrics.Recorder
	SessionCookiePolicy SessionCookiePolicy
	// Components are extra health checks reported by /healthz, such as a
	// shared rate limiter.
	Components map[string]Pinger
}

// NewHandler wires a Handler over store. Sessions and blobs share the
// store's KV handle.
func NewHandler(store *storage.Storage, admin auth.AdminCredentials) *Handler {
	shared := store.Store()
	return &Handler{
		Store:    store,
		Sessions: auth.NewSessionManager(shared),
		Blobs:    blob.NewService(shared),
		KV:       shared,
		Admin:    admin,
	}
}

func (h *Handler) sessionManager() *auth.SessionManager {
	if h.Sessions == nil {
		h.Sessions = auth.NewSessionManager(h.KV)
	}
	return h.Sessions
}

func (h *Handler) metrics() *metrics.Recorder {
	if h.Metrics == nil {
		return metrics.Default()
	}
	return h.Metrics
}

func (h *Handler) maxUploadBytes() int64 {
	if h.Blobs == nil {
		return blob.DefaultMaxBytes
	}
	return h.Blobs.Policy().MaxBytes
}
