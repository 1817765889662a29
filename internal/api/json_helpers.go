package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"promptgallery/internal/auth"
	"promptgallery/internal/blob"
	"promptgallery/internal/models"
	"promptgallery/internal/observability/logging"
	"promptgallery/internal/storage"
)

const (
	maxJSONBodyBytes = 1 << 20

	genericErrorMessage = "Internal server error"
)

var errEmptyBody = errors.New("request body is required")

type errorResponse struct {
	Success         bool   `json:"success"`
	Error           string `json:"error"`
	RequiresAuth    bool   `json:"requiresAuth,omitempty"`
	RequiresPremium bool   `json:"requiresPremium,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// writeSuccess renders fields inside the success envelope.
func writeSuccess(w http.ResponseWriter, status int, fields map[string]any) {
	body := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		body[key] = value
	}
	body["success"] = true
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// WriteError is an exported helper for middleware answering in the API
// envelope.
func WriteError(w http.ResponseWriter, status int, message string) {
	writeError(w, status, message)
}

// writeServiceError maps domain errors onto statuses. Validation and
// sentinel messages are safe to show; everything else is logged and
// replaced with a generic message.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if message, ok := storage.IsValidation(err); ok {
		writeError(w, http.StatusBadRequest, message)
		return
	}

	var dup *storage.DuplicateIdentityError
	switch {
	case errors.Is(err, storage.ErrAuthRequired):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Authentication required for premium wallpapers", RequiresAuth: true})
	case errors.Is(err, storage.ErrPremiumRequired):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "Premium subscription required", RequiresPremium: true})
	case errors.Is(err, auth.ErrExpired):
		writeError(w, http.StatusUnauthorized, "Session expired")
	case errors.Is(err, auth.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "Authentication required")
	case errors.Is(err, storage.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
	case errors.As(err, &dup):
		writeError(w, http.StatusConflict, dup.Error())
	case errors.Is(err, storage.ErrDuplicateTitle):
		writeError(w, http.StatusConflict, "An item with this title already exists")
	case errors.Is(err, storage.ErrVersionConflict):
		h.metrics().ObserveVersionConflict()
		writeError(w, http.StatusConflict, "The collection changed concurrently, please retry")
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, blob.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, blob.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("File exceeds the %d byte limit", h.maxUploadBytes()))
	case errors.Is(err, blob.ErrUnsupportedType):
		writeError(w, http.StatusUnsupportedMediaType, "File type is not allowed")
	case errors.Is(err, models.ErrInvalidBlobKey),
		errors.Is(err, blob.ErrEmpty),
		errors.Is(err, blob.ErrInvalidUploadType),
		errors.Is(err, models.ErrInvalidPhone),
		errors.Is(err, models.ErrInvalidUsername):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		logging.FromContext(r.Context(), h.Logger).Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, genericErrorMessage)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest interface{}) error {
	return decodeJSONLimit(w, r, dest, maxJSONBodyBytes)
}

// decodeJSONLimit decodes one JSON document of at most limit bytes. Unknown
// fields are ignored since the storefront and admin scripts send extras.
func decodeJSONLimit(w http.ResponseWriter, r *http.Request, dest interface{}, limit int64) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errEmptyBody
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := decoder.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

// writeDecodeError answers a body that could not be decoded.
func writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, "Invalid request body")
}
