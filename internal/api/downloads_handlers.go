package api

import (
	"errors"
	"net/http"
	"strings"

	"promptgallery/internal/models"
	"promptgallery/internal/observability/logging"
	"promptgallery/internal/storage"
)

type downloadRequest struct {
	WallpaperID string `json:"wallpaperId"`
	ID          string `json:"id"`
}

// Download authorizes a wallpaper download, counts it and returns the link.
// Anonymous callers may download free wallpapers.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeDecodeError(w, err)
		return
	}
	id := strings.TrimSpace(req.WallpaperID)
	if id == "" {
		id = strings.TrimSpace(req.ID)
	}
	if id == "" {
		writeError(w, http.StatusBadRequest, "Wallpaper ID is required")
		return
	}

	r, user, err := h.optionalUser(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	wallpaper, err := h.Store.GetWallpaper(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Wallpaper not found")
			return
		}
		h.writeServiceError(w, r, err)
		return
	}
	if err := storage.AuthorizeDownload(user, wallpaper); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	result, err := h.Store.RecordDownload(r.Context(), user, wallpaper.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Wallpaper not found")
			return
		}
		h.writeServiceError(w, r, err)
		return
	}
	h.metrics().ObserveDownload(string(result.Wallpaper.Type))
	if result.Purchase != nil {
		h.metrics().ObserveEvent("purchase")
		logging.FromContext(r.Context(), h.Logger).Info("premium wallpaper purchased", "wallpaper_id", wallpaper.ID, "purchase_id", result.Purchase.ID)
	}

	downloadURL := result.Wallpaper.DownloadURL
	if downloadURL == "" {
		downloadURL = result.Wallpaper.Image
	}
	message := "Free download started"
	if result.Wallpaper.Type == models.WallpaperPremium {
		message = "Premium download started"
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"downloadUrl": downloadURL,
		"message":     message,
	})
}
