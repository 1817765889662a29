package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"promptgallery/internal/kv"
	"promptgallery/internal/models"
)

func TestCreateUserStoresCanonicalRecordAndIndexes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user, err := s.CreateUser(ctx, CreateUserParams{
		Name:       "Sara",
		Password:   "secret1",
		Identities: models.IdentitiesFrom("+989121234567", "Sara_K"),
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if user.ID == "" || user.Downloads != 0 || user.IsPremium {
		t.Fatalf("unexpected new user %+v", user)
	}
	if !strings.HasPrefix(user.PasswordHash, "pbkdf2$sha256$") {
		t.Fatalf("expected pbkdf2 hash, got %q", user.PasswordHash)
	}

	for _, key := range []string{"user:+989121234567", "username:sara_k"} {
		raw, err := s.Store().Get(ctx, key)
		if err != nil {
			t.Fatalf("expected index %s: %v", key, err)
		}
		if string(raw) != user.ID {
			t.Fatalf("index %s should hold only the id, got %q", key, raw)
		}
	}
	loaded, err := s.GetUser(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if loaded.Name != "Sara" || loaded.Phone != "+989121234567" {
		t.Fatalf("unexpected loaded user %+v", loaded)
	}
}

func TestCreateUserValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cases := map[string]CreateUserParams{
		"missing name":     {Password: "secret1", Identities: models.IdentitiesFrom("+15551234567", "")},
		"short password":   {Name: "A", Password: "12345", Identities: models.IdentitiesFrom("+15551234567", "")},
		"no identity":      {Name: "A", Password: "secret1"},
		"bad phone":        {Name: "A", Password: "secret1", Identities: models.IdentitiesFrom("09121234567", "")},
		"bad username":     {Name: "A", Password: "secret1", Identities: models.IdentitiesFrom("", "ab")},
		"username symbols": {Name: "A", Password: "secret1", Identities: models.IdentitiesFrom("", "bad-name!")},
	}
	for name, params := range cases {
		if _, err := s.CreateUser(ctx, params); !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: expected ErrValidation, got %v", name, err)
		}
	}
}

func TestDuplicateIdentityIsRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.CreateUser(ctx, CreateUserParams{Name: "A", Password: "secret1", Identities: models.IdentitiesFrom("+15551234567", "alpha")})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	_, err = s.CreateUser(ctx, CreateUserParams{Name: "B", Password: "secret2", Identities: models.IdentitiesFrom("+15551234567", "")})
	if !errors.Is(err, ErrDuplicateIdentity) {
		t.Fatalf("expected ErrDuplicateIdentity for phone, got %v", err)
	}
	if err.Error() != "Phone number already registered" {
		t.Fatalf("unexpected message %q", err.Error())
	}

	_, err = s.CreateUser(ctx, CreateUserParams{Name: "C", Password: "secret3", Identities: models.IdentitiesFrom("", "ALPHA")})
	if !errors.Is(err, ErrDuplicateIdentity) {
		t.Fatalf("expected ErrDuplicateIdentity for case-insensitive username, got %v", err)
	}

	if _, err := s.GetUser(ctx, first.ID); err != nil {
		t.Fatalf("first account must remain intact: %v", err)
	}
	keys, _ := s.Store().Keys(ctx, userByIDPrefix)
	if len(keys) != 1 {
		t.Fatalf("expected one account, got %v", keys)
	}
}

func TestRegistrationFailureRollsBack(t *testing.T) {
	shared := &faultyStore{Store: kv.NewMemoryStore()}
	s := NewStorage(shared)
	ctx := context.Background()

	shared.failOn(usernamePrefix)
	_, err := s.CreateUser(ctx, CreateUserParams{Name: "A", Password: "secret1", Identities: models.IdentitiesFrom("+15551234567", "alpha")})
	if !errors.Is(err, kv.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	shared.failOn("")

	keys, _ := shared.Keys(ctx, "")
	if len(keys) != 0 {
		t.Fatalf("expected partial registration to be rolled back, found %v", keys)
	}
}

func TestAuthenticateUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user, err := s.CreateUser(ctx, CreateUserParams{Name: "A", Password: "secret1", Identities: models.IdentitiesFrom("+15551234567", "alpha")})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	got, err := s.AuthenticateUser(ctx, models.IdentitiesFrom("+15551234567", ""), "secret1")
	if err != nil || got.ID != user.ID {
		t.Fatalf("phone login: got %+v, %v", got, err)
	}
	got, err = s.AuthenticateUser(ctx, models.IdentitiesFrom("", "Alpha"), "secret1")
	if err != nil || got.ID != user.ID {
		t.Fatalf("username login: got %+v, %v", got, err)
	}
	// Unknown phone falls through to the username.
	got, err = s.AuthenticateUser(ctx, models.IdentitiesFrom("+15550000000", "alpha"), "secret1")
	if err != nil || got.ID != user.ID {
		t.Fatalf("fallback login: got %+v, %v", got, err)
	}

	if _, err := s.AuthenticateUser(ctx, models.IdentitiesFrom("+15551234567", ""), "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := s.AuthenticateUser(ctx, models.IdentitiesFrom("", "nobody"), "secret1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
	if _, err := s.AuthenticateUser(ctx, nil, "secret1"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation without identity, got %v", err)
	}
}

func TestLegacyIndexHoldingFullUserResolves(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()
	hash, err := hashPassword("secret1")
	if err != nil {
		t.Fatalf("hashPassword: %v", err)
	}
	user := models.User{ID: "legacy-1", Name: "Old", Phone: "+15551112222", PasswordHash: hash}
	raw, _ := json.Marshal(user)
	if err := store.Put(ctx, "user:+15551112222", raw, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := kv.PutJSON(ctx, store, userByIDPrefix+user.ID, user, 0); err != nil {
		t.Fatalf("PutJSON: %v", err)
	}

	s := NewStorage(store)
	got, err := s.AuthenticateUser(ctx, []models.Identity{models.Phone("+15551112222")}, "secret1")
	if err != nil || got.ID != "legacy-1" {
		t.Fatalf("expected legacy login to succeed, got %+v, %v", got, err)
	}
}

func TestSetPremium(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user, err := s.CreateUser(ctx, CreateUserParams{Name: "A", Password: "secret1", Identities: models.IdentitiesFrom("", "alpha")})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	updated, err := s.SetPremium(ctx, models.Username("ALPHA"), true)
	if err != nil {
		t.Fatalf("SetPremium: %v", err)
	}
	if !updated.IsPremium {
		t.Fatal("expected premium flag")
	}
	loaded, _ := s.GetUser(ctx, user.ID)
	if !loaded.IsPremium {
		t.Fatal("expected premium flag to persist")
	}
	if _, err := s.SetPremium(ctx, models.Username("ghost"), true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := hashPassword("correct horse")
	if err != nil {
		t.Fatalf("hashPassword: %v", err)
	}
	if err := verifyPassword(hash, "correct horse"); err != nil {
		t.Fatalf("verifyPassword: %v", err)
	}
	if err := verifyPassword(hash, "battery staple"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := verifyPassword("plain", "x"); err == nil || errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected format error, got %v", err)
	}
}
