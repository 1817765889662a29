package api

import (
	"errors"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"promptgallery/internal/blob"
	"promptgallery/internal/models"
)

const (
	fileCacheControl  = "public, max-age=31536000"
	imageCacheControl = "public, max-age=31536000, immutable"
)

// File serves an uploaded blob as an attachment.
func (h *Handler) File(w http.ResponseWriter, r *http.Request) {
	data, meta, ok := h.retrieveBlob(w, r)
	if !ok {
		return
	}
	name := meta.OriginalName
	if name == "" {
		name = chi.URLParam(r, "filename")
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.Header().Set("Cache-Control", fileCacheControl)
	writeBlob(w, data, meta)
	h.metrics().ObserveEvent("file_served")
}

// Image serves an uploaded blob inline.
func (h *Handler) Image(w http.ResponseWriter, r *http.Request) {
	data, meta, ok := h.retrieveBlob(w, r)
	if !ok {
		return
	}
	w.Header().Set("Cache-Control", imageCacheControl)
	writeBlob(w, data, meta)
}

func (h *Handler) retrieveBlob(w http.ResponseWriter, r *http.Request) ([]byte, models.BlobMetadata, bool) {
	if h.Blobs == nil {
		writeError(w, http.StatusNotFound, "File not found")
		return nil, models.BlobMetadata{}, false
	}
	data, meta, err := h.Blobs.Retrieve(r.Context(), chi.URLParam(r, "filename"))
	switch {
	case err == nil:
		return data, meta, true
	case errors.Is(err, blob.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, "Invalid file name")
	case errors.Is(err, blob.ErrNotFound):
		writeError(w, http.StatusNotFound, "File not found")
	default:
		h.writeServiceError(w, r, err)
	}
	return nil, models.BlobMetadata{}, false
}

func writeBlob(w http.ResponseWriter, data []byte, meta models.BlobMetadata) {
	contentType := meta.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
