package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"promptgallery/internal/models"
	"promptgallery/internal/storage"
)

const contentCacheControl = "public, max-age=60, s-maxage=300, stale-while-revalidate=600"

type promptRequest struct {
	Title    models.LocalizedText `json:"title"`
	Prompt   string               `json:"prompt"`
	Image    string               `json:"image"`
	ImageKey string               `json:"imageKey"`
}

type wallpaperRequest struct {
	Title       models.LocalizedText  `json:"title"`
	Image       string                `json:"image"`
	ImageKey    string                `json:"imageKey"`
	DownloadURL string                `json:"downloadUrl"`
	DownloadKey string                `json:"downloadKey"`
	FileKind    models.FileKind       `json:"fileKind"`
	Type        models.WallpaperType  `json:"type"`
	Price       *models.LocalizedText `json:"price"`
	Resolution  string                `json:"resolution"`
	FileSize    int64                 `json:"fileSize"`
}

type deleteRequest struct {
	ID string `json:"id"`
}

// Prompts lists prompts for the storefront.
func (h *Handler) Prompts(w http.ResponseWriter, r *http.Request) {
	prompts, err := h.Store.ListPrompts(r.Context())
	if err != nil {
		w.Header().Set("Cache-Control", "no-store")
		h.writeServiceError(w, r, err)
		return
	}
	if prompts == nil {
		prompts = []models.Prompt{}
	}
	w.Header().Set("Cache-Control", contentCacheControl)
	writeSuccess(w, http.StatusOK, map[string]any{"prompts": prompts})
}

// Wallpapers lists wallpapers for the storefront.
func (h *Handler) Wallpapers(w http.ResponseWriter, r *http.Request) {
	wallpapers, err := h.Store.ListWallpapers(r.Context())
	if err != nil {
		w.Header().Set("Cache-Control", "no-store")
		h.writeServiceError(w, r, err)
		return
	}
	if wallpapers == nil {
		wallpapers = []models.Wallpaper{}
	}
	w.Header().Set("Cache-Control", contentCacheControl)
	writeSuccess(w, http.StatusOK, map[string]any{"wallpapers": wallpapers})
}

// AdminPrompts lists prompts without the public cache header.
func (h *Handler) AdminPrompts(w http.ResponseWriter, r *http.Request) {
	prompts, err := h.Store.ListPrompts(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if prompts == nil {
		prompts = []models.Prompt{}
	}
	w.Header().Set("Cache-Control", "no-store")
	writeSuccess(w, http.StatusOK, map[string]any{"prompts": prompts})
}

// AdminAddPrompt appends a prompt.
func (h *Handler) AdminAddPrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	image, err := models.ParseImageSource(req.Image, req.ImageKey)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	prompt, err := h.Store.AddPrompt(r.Context(), storage.PromptDraft{
		Title:  req.Title,
		Prompt: req.Prompt,
		Image:  image,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.metrics().ObserveEvent("prompt_added")
	h.auditAdmin(r, "prompt_added", "prompt_id", prompt.ID)
	writeSuccess(w, http.StatusCreated, map[string]any{
		"prompt":  prompt,
		"message": "Prompt added successfully",
	})
}

// AdminDeletePrompt removes a prompt and the blob it referenced.
func (h *Handler) AdminDeletePrompt(w http.ResponseWriter, r *http.Request) {
	id, ok := h.deleteTarget(w, r)
	if !ok {
		return
	}
	prompt, err := h.Store.RemovePrompt(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if h.Blobs != nil {
		h.Blobs.DeleteSources(r.Context(), models.UploadedBlob(prompt.ImageKey))
	}
	h.metrics().ObserveEvent("prompt_removed")
	h.auditAdmin(r, "prompt_removed", "prompt_id", prompt.ID)
	writeSuccess(w, http.StatusOK, map[string]any{"message": "Prompt deleted successfully"})
}

// AdminWallpapers lists wallpapers without the public cache header.
func (h *Handler) AdminWallpapers(w http.ResponseWriter, r *http.Request) {
	wallpapers, err := h.Store.ListWallpapers(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if wallpapers == nil {
		wallpapers = []models.Wallpaper{}
	}
	w.Header().Set("Cache-Control", "no-store")
	writeSuccess(w, http.StatusOK, map[string]any{"wallpapers": wallpapers})
}

// AdminAddWallpaper appends a wallpaper.
func (h *Handler) AdminAddWallpaper(w http.ResponseWriter, r *http.Request) {
	var req wallpaperRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	image, err := models.ParseImageSource(req.Image, req.ImageKey)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	download, err := models.ParseImageSource(req.DownloadURL, req.DownloadKey)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	wallpaper, err := h.Store.AddWallpaper(r.Context(), storage.WallpaperDraft{
		Title:      req.Title,
		Image:      image,
		Download:   download,
		FileKind:   req.FileKind,
		Type:       models.WallpaperType(strings.ToLower(strings.TrimSpace(string(req.Type)))),
		Price:      req.Price,
		Resolution: req.Resolution,
		FileSize:   req.FileSize,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.metrics().ObserveEvent("wallpaper_added")
	h.auditAdmin(r, "wallpaper_added", "wallpaper_id", wallpaper.ID, "type", wallpaper.Type)
	writeSuccess(w, http.StatusCreated, map[string]any{
		"wallpaper": wallpaper,
		"message":   "Wallpaper added successfully",
	})
}

// AdminDeleteWallpaper removes a wallpaper and the blobs it referenced.
func (h *Handler) AdminDeleteWallpaper(w http.ResponseWriter, r *http.Request) {
	id, ok := h.deleteTarget(w, r)
	if !ok {
		return
	}
	wallpaper, err := h.Store.RemoveWallpaper(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if h.Blobs != nil {
		h.Blobs.DeleteSources(r.Context(),
			models.UploadedBlob(wallpaper.ImageKey),
			models.UploadedBlob(wallpaper.DownloadKey),
		)
	}
	h.metrics().ObserveEvent("wallpaper_removed")
	h.auditAdmin(r, "wallpaper_removed", "wallpaper_id", wallpaper.ID)
	writeSuccess(w, http.StatusOK, map[string]any{"message": "Wallpaper deleted successfully"})
}

// deleteTarget reads the item id from the path, falling back to a JSON
// body of the form {"id": ...}.
func (h *Handler) deleteTarget(w http.ResponseWriter, r *http.Request) (string, bool) {
	if id := strings.TrimSpace(chi.URLParam(r, "id")); id != "" {
		return id, true
	}
	var req deleteRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeDecodeError(w, err)
		return "", false
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		writeError(w, http.StatusBadRequest, "ID is required")
		return "", false
	}
	return id, true
}
