package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"promptgallery/internal/kv"
	"promptgallery/internal/models"
)

// Kind separates user sessions from admin sessions. Each kind has its own
// key namespace so a token of one kind never resolves as the other.
type Kind string

const (
	KindUser  Kind = "user"
	KindAdmin Kind = "admin"
)

const (
	DefaultUserTTL  = 7 * 24 * time.Hour
	DefaultAdminTTL = 24 * time.Hour

	// expiredGrace keeps rows readable past expiresAt so Resolve can tell an
	// expired token from an unknown one before the store evicts it.
	expiredGrace = time.Hour
)

var (
	// ErrUnauthenticated is returned for missing, unknown or expired tokens.
	ErrUnauthenticated = errors.New("authentication required")
	// ErrExpired narrows ErrUnauthenticated for tokens past expiresAt.
	ErrExpired = fmt.Errorf("%w: session expired", ErrUnauthenticated)
	// ErrInvalidUserID is returned when attempting to create a session without a subject.
	ErrInvalidUserID = errors.New("userID is required")
)

// Session is the row stored for every issued token.
type Session struct {
	SubjectID string    `json:"subjectId"`
	Kind      Kind      `json:"kind"`
	Phone     string    `json:"phone,omitempty"`
	Username  string    `json:"username,omitempty"`
	IsAdmin   bool      `json:"isAdmin,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RetentionTTL is how long the row should stay in the store from now.
// Non-positive means the row is past its grace period.
func (s Session) RetentionTTL(now time.Time) time.Duration {
	return s.ExpiresAt.Add(expiredGrace).Sub(now)
}

// SessionOption configures a SessionManager instance.
type SessionOption func(*SessionManager)

// WithUserTTL overrides the user session lifetime.
func WithUserTTL(ttl time.Duration) SessionOption {
	return func(m *SessionManager) {
		if ttl > 0 {
			m.userTTL = ttl
		}
	}
}

// WithAdminTTL overrides the admin session lifetime.
func WithAdminTTL(ttl time.Duration) SessionOption {
	return func(m *SessionManager) {
		if ttl > 0 {
			m.adminTTL = ttl
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) SessionOption {
	return func(m *SessionManager) {
		if now != nil {
			m.now = now
		}
	}
}

// SessionManager issues and validates bearer tokens against a kv.Store.
type SessionManager struct {
	store        kv.Store
	userTTL      time.Duration
	adminTTL     time.Duration
	tokenLength  int
	tokenFactory func(int) (string, error)
	now          func() time.Time
}

// NewSessionManager constructs a SessionManager. It defaults to 7-day user
// sessions, 24-hour admin sessions and 32-byte tokens.
func NewSessionManager(store kv.Store, opts ...SessionOption) *SessionManager {
	manager := &SessionManager{
		store:        store,
		userTTL:      DefaultUserTTL,
		adminTTL:     DefaultAdminTTL,
		tokenLength:  32,
		tokenFactory: generateToken,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	if manager.store == nil {
		manager.store = kv.NewMemoryStore()
	}
	return manager
}

// CreateUserSession issues a user token carrying the account identities.
func (m *SessionManager) CreateUserSession(ctx context.Context, userID string, identities ...models.Identity) (Session, string, error) {
	if strings.TrimSpace(userID) == "" {
		return Session{}, "", ErrInvalidUserID
	}
	session := Session{SubjectID: userID, Kind: KindUser}
	for _, id := range identities {
		switch v := id.(type) {
		case models.Phone:
			session.Phone = v.Value()
		case models.Username:
			session.Username = v.Value()
		}
	}
	return m.create(ctx, session, m.userTTL)
}

// CreateAdminSession issues an admin token for username.
func (m *SessionManager) CreateAdminSession(ctx context.Context, username string) (Session, string, error) {
	if strings.TrimSpace(username) == "" {
		return Session{}, "", ErrInvalidUserID
	}
	session := Session{SubjectID: username, Kind: KindAdmin, Username: username, IsAdmin: true}
	return m.create(ctx, session, m.adminTTL)
}

func (m *SessionManager) create(ctx context.Context, session Session, ttl time.Duration) (Session, string, error) {
	token, err := m.tokenFactory(m.tokenLength)
	if err != nil {
		return Session{}, "", fmt.Errorf("generate session token: %w", err)
	}
	key, err := sessionKey(session.Kind, token)
	if err != nil {
		return Session{}, "", err
	}
	now := m.now().UTC()
	session.CreatedAt = now
	session.ExpiresAt = now.Add(ttl)
	if err := kv.PutJSON(ctx, m.store, key, session, ttl+expiredGrace); err != nil {
		return Session{}, "", fmt.Errorf("store session: %w", err)
	}
	return session, token, nil
}

// Resolve returns the live session for token. It fails with
// ErrUnauthenticated when the token is empty or unknown and with ErrExpired
// when the session is past its expiry, deleting the row in that case.
// Store failures are returned as-is so callers can answer with a 500.
func (m *SessionManager) Resolve(ctx context.Context, token string, kind Kind) (Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Session{}, ErrUnauthenticated
	}
	key, err := sessionKey(kind, token)
	if err != nil {
		return Session{}, err
	}
	var session Session
	if err := kv.GetJSON(ctx, m.store, key, &session); err != nil {
		if kv.IsNotFound(err) {
			return Session{}, ErrUnauthenticated
		}
		if errors.Is(err, kv.ErrStoreUnavailable) {
			return Session{}, err
		}
		// An undecodable row can never authorize anything.
		_ = m.store.Delete(ctx, key)
		return Session{}, ErrUnauthenticated
	}
	if session.Kind != kind {
		return Session{}, ErrUnauthenticated
	}
	if m.now().After(session.ExpiresAt) {
		if err := m.store.Delete(ctx, key); err != nil {
			return Session{}, err
		}
		return Session{}, ErrExpired
	}
	return session, nil
}

// Revoke deletes the session for token. Unknown or empty tokens are ignored.
func (m *SessionManager) Revoke(ctx context.Context, token string, kind Kind) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	key, err := sessionKey(kind, token)
	if err != nil {
		return err
	}
	return m.store.Delete(ctx, key)
}

// Ping verifies the underlying store is reachable.
func (m *SessionManager) Ping(ctx context.Context) error {
	if m == nil || m.store == nil {
		return nil
	}
	return m.store.Ping(ctx)
}

// UserTTL reports the configured user session lifetime.
func (m *SessionManager) UserTTL() time.Duration {
	return m.userTTL
}

func sessionKey(kind Kind, token string) (string, error) {
	hashed, err := hashSessionToken(token)
	if err != nil {
		return "", err
	}
	switch kind {
	case KindUser:
		return UserSessionPrefix + hashed, nil
	case KindAdmin:
		return AdminSessionPrefix + hashed, nil
	default:
		return "", fmt.Errorf("unknown session kind %q", kind)
	}
}

// Key namespaces for stored sessions.
const (
	UserSessionPrefix  = "session:"
	AdminSessionPrefix = "admin_session:"
)

func generateToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
