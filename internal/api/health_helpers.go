package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"promptgallery/internal/observability/logging"
)

const (
	healthCheckKey   = "health_check"
	healthCheckValue = "ok"
	healthCheckTTL   = 60 * time.Second
)

// Pinger is any dependency /healthz can ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = "unavailable"
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
			logging.FromContext(ctx, h.Logger).Warn("health check failed", "component", component, "error", err)
		}
		h.metrics().SetComponentHealth(component, status)
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, 3+len(h.Components))
	if h.Store != nil {
		components = append(components, recordComponent("datastore", h.Store.Ping(ctx)))
	}
	components = append(components, recordComponent("sessions", h.sessionManager().Ping(ctx)))
	if h.Blobs != nil {
		components = append(components, recordComponent("blobs", nil))
	}

	names := make([]string, 0, len(h.Components))
	for name := range h.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if pinger := h.Components[name]; pinger != nil {
			components = append(components, recordComponent(name, pinger.Ping(ctx)))
		}
	}

	return components, overallStatus, statusCode
}

// Health reports per-component availability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	components, status, code := h.componentHealth(r.Context())
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, code, map[string]any{
		"success":    code == http.StatusOK,
		"status":     status,
		"components": components,
	})
}

type kvStatus struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

type adminConfigStatus struct {
	Configured  bool `json:"configured"`
	HasUsername bool `json:"hasUsername"`
	HasPassword bool `json:"hasPassword"`
}

// AdminStatus round-trips a short-lived key through the store and reports
// whether admin credentials are configured.
func (h *Handler) AdminStatus(w http.ResponseWriter, r *http.Request) {
	kvState := kvStatus{Connected: true}
	if err := h.checkStore(r.Context()); err != nil {
		logging.FromContext(r.Context(), h.Logger).Warn("store check failed", "error", err)
		kvState = kvStatus{Error: "store unavailable"}
	}
	w.Header().Set("Cache-Control", "no-store")
	writeSuccess(w, http.StatusOK, map[string]any{
		"status": map[string]any{
			"kv": kvState,
			"adminConfig": adminConfigStatus{
				Configured:  h.Admin.Configured(),
				HasUsername: h.Admin.HasUsername(),
				HasPassword: h.Admin.HasPassword(),
			},
		},
	})
}

func (h *Handler) checkStore(ctx context.Context) error {
	if h.KV == nil {
		return errors.New("store not configured")
	}
	if err := h.KV.Put(ctx, healthCheckKey, []byte(healthCheckValue), healthCheckTTL); err != nil {
		return err
	}
	value, err := h.KV.Get(ctx, healthCheckKey)
	if err != nil {
		return err
	}
	if !bytes.Equal(value, []byte(healthCheckValue)) {
		return errors.New("health check value mismatch")
	}
	return h.KV.Delete(ctx, healthCheckKey)
}
