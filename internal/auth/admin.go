package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"
)

// DefaultAdminPassword is the placeholder shipped in early deployments. The
// server refuses to start while it is configured.
const DefaultAdminPassword = "admin123"

var (
	ErrAdminCredentialsMissing = errors.New("ADMIN_USER and ADMIN_PASS must be set")
	ErrDefaultAdminPassword    = errors.New("ADMIN_PASS must not be the default password")
)

// AdminCredentials holds the single administrator account configured
// through the environment.
type AdminCredentials struct {
	Username string
	Password string
}

// HasUsername reports whether a username is configured.
func (c AdminCredentials) HasUsername() bool {
	return strings.TrimSpace(c.Username) != ""
}

// HasPassword reports whether a password is configured.
func (c AdminCredentials) HasPassword() bool {
	return c.Password != ""
}

// Configured reports whether both values are present.
func (c AdminCredentials) Configured() bool {
	return c.HasUsername() && c.HasPassword()
}

// Validate enforces the startup rules.
func (c AdminCredentials) Validate() error {
	if !c.Configured() {
		return ErrAdminCredentialsMissing
	}
	if c.Password == DefaultAdminPassword {
		return ErrDefaultAdminPassword
	}
	return nil
}

// Verify compares the candidate pair in constant time. Digests are compared
// so the comparison does not leak the configured lengths.
func (c AdminCredentials) Verify(username, password string) bool {
	if !c.Configured() {
		return false
	}
	userOK := equalDigest(strings.TrimSpace(username), strings.TrimSpace(c.Username))
	passOK := equalDigest(password, c.Password)
	return userOK&passOK == 1
}

func equalDigest(a, b string) int {
	da := sha256.Sum256([]byte(a))
	db := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(da[:], db[:])
}
