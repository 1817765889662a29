package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"promptgallery/internal/kv"
	"promptgallery/internal/models"
)

// Key layout shared with the snapshot tooling.
const (
	promptsListKey    = "prompts_list"
	promptKeyPrefix   = "prompt:"
	wallpapersListKey = "wallpapers_list"
	wallpaperPrefix   = "wallpaper:"
	userByIDPrefix    = "user_by_id:"
	userByPhonePrefix = "user:"
	usernamePrefix    = "username:"
	purchasesPrefix   = "user_purchases:"
	downloadLogPrefix = "download:"
	blobKeyPrefix     = "file:"
)

const (
	defaultDownloadLogTTL = 30 * 24 * time.Hour
	defaultWriteAttempts  = 3
)

var (
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("validation failed")
	ErrDuplicateTitle     = errors.New("an item with this title already exists")
	ErrDuplicateIdentity  = errors.New("identity already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrVersionConflict    = errors.New("collection was modified concurrently")
	// ErrAuthRequired and ErrPremiumRequired gate premium downloads.
	ErrAuthRequired    = errors.New("authentication required for premium wallpapers")
	ErrPremiumRequired = errors.New("premium subscription required")
)

// ValidationError carries a client-facing message and matches ErrValidation.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// DuplicateIdentityError names which identity is taken.
type DuplicateIdentityError struct {
	Identity models.Identity
}

func (e *DuplicateIdentityError) Error() string {
	switch e.Identity.(type) {
	case models.Phone:
		return "Phone number already registered"
	case models.Username:
		return "Username already taken"
	default:
		return ErrDuplicateIdentity.Error()
	}
}

func (e *DuplicateIdentityError) Is(target error) bool {
	return target == ErrDuplicateIdentity
}

// Storage implements Repository on top of a kv.Store. All state lives in
// the store; the struct only holds locks and injected dependencies.
type Storage struct {
	store          kv.Store
	now            func() time.Time
	newID          func() string
	logger         *slog.Logger
	writeAttempts  int
	downloadLogTTL time.Duration

	// accountsMu serialises identity reservation and counter updates.
	accountsMu sync.Mutex
	prompts    *collection[models.Prompt]
	wallpapers *collection[models.Wallpaper]

	// beforeListWrite lets tests interleave a competing writer.
	beforeListWrite func(listKey string)
}

// NewStorage wraps store. The store handle is owned by the caller.
func NewStorage(store kv.Store, opts ...Option) *Storage {
	s := &Storage{
		store:          store,
		now:            time.Now,
		newID:          generateID,
		logger:         slog.Default(),
		writeAttempts:  defaultWriteAttempts,
		downloadLogTTL: defaultDownloadLogTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.prompts = newCollection(s, promptsListKey, promptKeyPrefix, func(p models.Prompt) string { return p.ID })
	s.wallpapers = newCollection(s, wallpapersListKey, wallpaperPrefix, func(w models.Wallpaper) string { return w.ID })
	return s
}

// Ping verifies the underlying store is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Store exposes the underlying handle for components sharing it.
func (s *Storage) Store() kv.Store {
	return s.store
}

func (s *Storage) timestamp() time.Time {
	return s.now().UTC()
}
