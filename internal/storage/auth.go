package storage

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"promptgallery/internal/kv"
	"promptgallery/internal/models"
)

const (
	passwordHashSaltLength = 16
	passwordHashKeyLength  = 32
	passwordHashIterations = 120000
	minPasswordLength      = 6
)

// CreateUserParams is the registration input. Identities must hold at
// least one Phone or Username.
type CreateUserParams struct {
	Name       string
	Password   string
	Identities []models.Identity
}

// CreateUser registers a new account. The canonical record lives at
// user_by_id:<id>; each identity key holds only the id.
func (s *Storage) CreateUser(ctx context.Context, params CreateUserParams) (models.User, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return models.User{}, invalid("name is required")
	}
	if len(params.Password) < minPasswordLength {
		return models.User{}, invalid("password must be at least %d characters", minPasswordLength)
	}
	if len(params.Identities) == 0 {
		return models.User{}, invalid("phone number or username is required")
	}

	user := models.User{Name: name, Downloads: 0}
	for _, id := range params.Identities {
		if err := models.ValidateIdentity(id); err != nil {
			return models.User{}, invalid("%s", err.Error())
		}
		switch v := id.(type) {
		case models.Phone:
			user.Phone = v.Value()
		case models.Username:
			user.Username = v.Value()
		}
	}

	hashed, err := hashPassword(params.Password)
	if err != nil {
		return models.User{}, fmt.Errorf("hash password: %w", err)
	}
	user.PasswordHash = hashed
	user.ID = s.newID()
	user.CreatedAt = s.timestamp()

	s.accountsMu.Lock()
	defer s.accountsMu.Unlock()

	indexKeys := identityKeys(user.Identities())
	for i, key := range indexKeys {
		_, err := s.store.Get(ctx, key)
		switch {
		case err == nil:
			return models.User{}, &DuplicateIdentityError{Identity: user.Identities()[i]}
		case !errors.Is(err, kv.ErrNotFound):
			return models.User{}, fmt.Errorf("check %s: %w", key, err)
		}
	}

	if err := kv.PutJSON(ctx, s.store, userByIDPrefix+user.ID, user, 0); err != nil {
		return models.User{}, fmt.Errorf("write user: %w", err)
	}
	written := []string{userByIDPrefix + user.ID}
	for _, key := range indexKeys {
		if err := s.store.Put(ctx, key, []byte(user.ID), 0); err != nil {
			for _, undo := range written {
				if delErr := s.store.Delete(ctx, undo); delErr != nil {
					s.logger.Error("failed to roll back user registration", "key", undo, "error", delErr)
				}
			}
			return models.User{}, fmt.Errorf("write %s: %w", key, err)
		}
		written = append(written, key)
	}
	return user, nil
}

// AuthenticateUser verifies credentials. identities are tried in order,
// phone before username, and the first registered one is checked.
func (s *Storage) AuthenticateUser(ctx context.Context, identities []models.Identity, password string) (models.User, error) {
	if password == "" || len(identities) == 0 {
		return models.User{}, invalid("phone number or username and password are required")
	}
	for _, id := range orderIdentities(identities) {
		user, err := s.findUser(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return models.User{}, err
		}
		if user.PasswordHash == "" {
			return models.User{}, ErrInvalidCredentials
		}
		if err := verifyPassword(user.PasswordHash, password); err != nil {
			if errors.Is(err, ErrInvalidCredentials) {
				return models.User{}, ErrInvalidCredentials
			}
			return models.User{}, err
		}
		return user, nil
	}
	return models.User{}, ErrInvalidCredentials
}

// GetUser loads the canonical record for id.
func (s *Storage) GetUser(ctx context.Context, id string) (models.User, error) {
	if strings.TrimSpace(id) == "" {
		return models.User{}, ErrNotFound
	}
	var user models.User
	if err := kv.GetJSON(ctx, s.store, userByIDPrefix+id, &user); err != nil {
		if kv.IsNotFound(err) {
			return models.User{}, ErrNotFound
		}
		return models.User{}, fmt.Errorf("load user %s: %w", id, err)
	}
	return user, nil
}

// FindUser resolves an identity to its account.
func (s *Storage) FindUser(ctx context.Context, id models.Identity) (models.User, error) {
	return s.findUser(ctx, id)
}

// SetPremium toggles the premium flag for the account owning id.
func (s *Storage) SetPremium(ctx context.Context, id models.Identity, premium bool) (models.User, error) {
	s.accountsMu.Lock()
	defer s.accountsMu.Unlock()

	user, err := s.findUser(ctx, id)
	if err != nil {
		return models.User{}, err
	}
	user.IsPremium = premium
	if err := kv.PutJSON(ctx, s.store, userByIDPrefix+user.ID, user, 0); err != nil {
		return models.User{}, fmt.Errorf("write user: %w", err)
	}
	return user, nil
}

// findUser follows an identity key to the canonical record. Index values
// written before the id-only layout hold the full user document.
func (s *Storage) findUser(ctx context.Context, id models.Identity) (models.User, error) {
	keys := identityKeys([]models.Identity{id})
	if len(keys) == 0 {
		return models.User{}, ErrNotFound
	}
	raw, err := s.store.Get(ctx, keys[0])
	if errors.Is(err, kv.ErrNotFound) {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("lookup %s: %w", id.Kind(), err)
	}
	userID := strings.TrimSpace(string(raw))
	if strings.HasPrefix(userID, "{") {
		var legacy models.User
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return models.User{}, fmt.Errorf("decode %s index: %w", id.Kind(), err)
		}
		userID = legacy.ID
	}
	return s.GetUser(ctx, userID)
}

func identityKeys(ids []models.Identity) []string {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		switch v := id.(type) {
		case models.Phone:
			keys = append(keys, phoneKey(v.Value()))
		case models.Username:
			keys = append(keys, usernameKey(v.Value()))
		}
	}
	return keys
}

func orderIdentities(ids []models.Identity) []models.Identity {
	ordered := make([]models.Identity, 0, len(ids))
	for _, id := range ids {
		if _, ok := id.(models.Phone); ok {
			ordered = append(ordered, id)
		}
	}
	for _, id := range ids {
		if _, ok := id.(models.Username); ok {
			ordered = append(ordered, id)
		}
	}
	return ordered
}

func hashPassword(password string) (string, error) {
	salt := make([]byte, passwordHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(password), salt, passwordHashIterations, passwordHashKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", passwordHashIterations, encodedSalt, encodedKey), nil
}

func verifyPassword(encodedHash, candidate string) error {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 5 {
		return fmt.Errorf("verify password: invalid hash format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return fmt.Errorf("verify password: unsupported hash identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return fmt.Errorf("verify password: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("verify password: decode salt: %w", err)
	}
	storedKey, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("verify password: decode hash: %w", err)
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(storedKey), sha256.New)
	if len(derived) != len(storedKey) || subtle.ConstantTimeCompare(derived, storedKey) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}
