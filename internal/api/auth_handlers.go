package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"promptgallery/internal/auth"
	"promptgallery/internal/models"
	"promptgallery/internal/observability/logging"
	"promptgallery/internal/storage"
)

type registerRequest struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginRequest struct {
	Phone    string `json:"phone"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type adminLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// userResponse is the client view of an account; the password hash never
// leaves the store.
type userResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	Username  string    `json:"username,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Downloads int       `json:"downloads"`
	IsPremium bool      `json:"isPremium"`
}

func newUserResponse(user models.User) userResponse {
	return userResponse{
		ID:        user.ID,
		Name:      user.Name,
		Phone:     user.Phone,
		Username:  user.Username,
		CreatedAt: user.CreatedAt,
		Downloads: user.Downloads,
		IsPremium: user.IsPremium,
	}
}

// Register creates an account and logs it in.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	identities := models.IdentitiesFrom(req.Phone, req.Username)
	if strings.TrimSpace(req.Name) == "" || req.Password == "" || len(identities) == 0 {
		writeError(w, http.StatusBadRequest, "Name, password, and either phone or username are required")
		return
	}

	user, err := h.Store.CreateUser(r.Context(), storage.CreateUserParams{
		Name:       req.Name,
		Password:   req.Password,
		Identities: identities,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	session, token, err := h.sessionManager().CreateUserSession(r.Context(), user.ID, user.Identities()...)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.metrics().ObserveEvent("register")
	logging.FromContext(r.Context(), h.Logger).Info("user registered", "user_id", user.ID)

	h.setSessionCookie(w, r, token, session.ExpiresAt)
	writeSuccess(w, http.StatusCreated, map[string]any{
		"user":         newUserResponse(user),
		"sessionToken": token,
		"autoLogin":    true,
	})
}

// Login authenticates by phone or username.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	identities := models.IdentitiesFrom(req.Phone, req.Username)
	if req.Password == "" || len(identities) == 0 {
		writeError(w, http.StatusBadRequest, "Password and either phone or username are required")
		return
	}

	user, err := h.Store.AuthenticateUser(r.Context(), identities, req.Password)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidCredentials) {
			h.metrics().ObserveEvent("login_failed")
		}
		h.writeServiceError(w, r, err)
		return
	}

	session, token, err := h.sessionManager().CreateUserSession(r.Context(), user.ID, user.Identities()...)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.metrics().ObserveEvent("login")

	h.setSessionCookie(w, r, token, session.ExpiresAt)
	writeSuccess(w, http.StatusOK, map[string]any{
		"user":         newUserResponse(user),
		"sessionToken": token,
	})
}

// Logout revokes the presented session and clears the cookie.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	token := ExtractToken(r)
	if token == "" {
		writeError(w, http.StatusBadRequest, "No session found")
		return
	}
	if err := h.sessionManager().Revoke(r.Context(), token, auth.KindUser); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.ClearSessionCookie(w, r)
	writeSuccess(w, http.StatusOK, nil)
}

// AdminLogin exchanges the configured credentials for an admin token.
func (h *Handler) AdminLogin(w http.ResponseWriter, r *http.Request) {
	var req adminLoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if !h.Admin.Verify(req.Username, req.Password) {
		h.metrics().ObserveEvent("admin_login_failed")
		logging.FromContext(r.Context(), h.Logger).Warn("admin login rejected", "username", req.Username)
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	_, token, err := h.sessionManager().CreateAdminSession(r.Context(), strings.TrimSpace(h.Admin.Username))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.metrics().ObserveEvent("admin_login")
	writeSuccess(w, http.StatusOK, map[string]any{
		"token":   token,
		"message": "Admin login successful",
	})
}
