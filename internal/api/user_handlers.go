package api

import (
	"errors"
	"net/http"

	"promptgallery/internal/models"
	"promptgallery/internal/storage"
)

// Profile returns the signed-in account.
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	r, user, err := h.authenticateUser(r)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		h.writeServiceError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"user": newUserResponse(user)})
}

// Purchases lists the premium wallpapers the signed-in account obtained.
func (h *Handler) Purchases(w http.ResponseWriter, r *http.Request) {
	r, user, err := h.authenticateUser(r)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		h.writeServiceError(w, r, err)
		return
	}
	purchases, err := h.Store.ListPurchases(r.Context(), user.ID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if purchases == nil {
		purchases = []models.Purchase{}
	}
	writeSuccess(w, http.StatusOK, map[string]any{"purchases": purchases})
}
