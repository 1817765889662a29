package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"promptgallery/internal/auth"
	"promptgallery/internal/models"
	"promptgallery/internal/observability/logging"
	"promptgallery/internal/storage"
)

type contextKey string

const adminContextKey contextKey = "adminSession"

// ContextWithAdmin stores the resolved admin session in ctx.
func ContextWithAdmin(ctx context.Context, session auth.Session) context.Context {
	return context.WithValue(ctx, adminContextKey, session)
}

// AdminFromContext returns the admin session stored by RequireAdmin.
func AdminFromContext(ctx context.Context) (auth.Session, bool) {
	session, ok := ctx.Value(adminContextKey).(auth.Session)
	return session, ok
}

// ExtractToken returns the user session token: the session cookie, then a
// bearer token, then X-Session-Token.
func ExtractToken(r *http.Request) string {
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		if value := strings.TrimSpace(cookie.Value); value != "" {
			return value
		}
	}
	if token := bearerToken(r); token != "" {
		return token
	}
	return strings.TrimSpace(r.Header.Get("X-Session-Token"))
}

// ExtractAdminToken returns the admin token from a bearer header or
// X-Admin-Token.
func ExtractAdminToken(r *http.Request) string {
	if token := bearerToken(r); token != "" {
		return token
	}
	return strings.TrimSpace(r.Header.Get("X-Admin-Token"))
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < len("Bearer ") || !strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("Bearer "):])
}

// RequestPrincipal names who a request acts for without touching the
// store: the principal set by authentication middleware, otherwise a digest
// of the presented token, otherwise "anonymous".
func RequestPrincipal(r *http.Request) string {
	if principal, ok := logging.PrincipalFromContext(r.Context()); ok {
		return principal
	}
	token := ExtractToken(r)
	if token == "" {
		token = ExtractAdminToken(r)
	}
	if token == "" {
		return models.AnonymousUserID
	}
	digest := sha256.Sum256([]byte(token))
	return "token:" + hex.EncodeToString(digest[:8])
}

// RequireAdmin rejects requests without a live admin session and records
// the admin as the request principal.
func (h *Handler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := h.sessionManager().Resolve(r.Context(), ExtractAdminToken(r), auth.KindAdmin)
		if err != nil {
			if errors.Is(err, auth.ErrExpired) {
				writeError(w, http.StatusUnauthorized, "Admin session expired")
				return
			}
			if errors.Is(err, auth.ErrUnauthenticated) {
				writeError(w, http.StatusUnauthorized, "Admin authentication required")
				return
			}
			h.writeServiceError(w, r, err)
			return
		}
		ctx := ContextWithAdmin(r.Context(), session)
		ctx = logging.ContextWithPrincipal(ctx, "admin:"+session.SubjectID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// auditAdmin records a catalogue change with the admin session behind it.
func (h *Handler) auditAdmin(r *http.Request, action string, attrs ...any) {
	args := []any{"action", action}
	if session, ok := AdminFromContext(r.Context()); ok {
		args = append(args, "admin", session.Username, "admin_session_started", session.CreatedAt)
	}
	logging.FromContext(r.Context(), h.Logger).Info("admin action", append(args, attrs...)...)
}

// authenticateUser resolves the user session and loads the account.
func (h *Handler) authenticateUser(r *http.Request) (*http.Request, models.User, error) {
	session, err := h.sessionManager().Resolve(r.Context(), ExtractToken(r), auth.KindUser)
	if err != nil {
		return r, models.User{}, err
	}
	r = r.WithContext(logging.ContextWithPrincipal(r.Context(), "user:"+session.SubjectID))
	user, err := h.Store.GetUser(r.Context(), session.SubjectID)
	if err != nil {
		return r, models.User{}, err
	}
	return r, user, nil
}

// optionalUser is authenticateUser for routes open to anonymous callers.
// Missing, unknown or expired tokens and vanished accounts yield nil.
func (h *Handler) optionalUser(r *http.Request) (*http.Request, *models.User, error) {
	if ExtractToken(r) == "" {
		return r, nil, nil
	}
	r, user, err := h.authenticateUser(r)
	switch {
	case err == nil:
		return r, &user, nil
	case errors.Is(err, auth.ErrUnauthenticated), errors.Is(err, storage.ErrNotFound):
		return r, nil, nil
	default:
		return r, nil, err
	}
}
