package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Identity is how a user names themselves at registration and login.
// Exactly two variants exist: Phone and Username.
type Identity interface {
	identity()
	// Value is the identity as entered, trimmed.
	Value() string
	Kind() string
}

// Phone is an E.164-style phone number identity.
type Phone string

// Username is a case-insensitive handle identity.
type Username string

func (Phone) identity()    {}
func (Username) identity() {}

func (p Phone) Value() string    { return strings.TrimSpace(string(p)) }
func (u Username) Value() string { return strings.TrimSpace(string(u)) }

func (Phone) Kind() string    { return "phone" }
func (Username) Kind() string { return "username" }

var (
	phonePattern    = regexp.MustCompile(`^\+\d{1,4}\d{4,15}$`)
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{3,20}$`)
)

var (
	ErrInvalidPhone    = errors.New("invalid phone number format")
	ErrInvalidUsername = errors.New("username must be 3-20 characters and contain only letters, numbers, and underscores")
)

// ValidateIdentity checks the format rules for each variant.
func ValidateIdentity(id Identity) error {
	switch v := id.(type) {
	case Phone:
		if !phonePattern.MatchString(v.Value()) {
			return ErrInvalidPhone
		}
	case Username:
		if !usernamePattern.MatchString(v.Value()) {
			return ErrInvalidUsername
		}
	default:
		return fmt.Errorf("unknown identity %T", id)
	}
	return nil
}

// IdentitiesFrom builds the identity list from optional request fields.
// Phone comes first so lookups try it before the username.
func IdentitiesFrom(phone, username string) []Identity {
	ids := make([]Identity, 0, 2)
	if p := strings.TrimSpace(phone); p != "" {
		ids = append(ids, Phone(p))
	}
	if u := strings.TrimSpace(username); u != "" {
		ids = append(ids, Username(u))
	}
	return ids
}

// Public paths under which uploaded blobs are served.
const (
	ImagesPathPrefix = "/api/images/"
	FilesPathPrefix  = "/api/files/"
)

// ImageSource is where a content item's picture or file comes from:
// an external URL or a blob uploaded through the admin panel.
type ImageSource interface {
	imageSource()
	// DisplayURL is the inline preview location.
	DisplayURL() string
	// DownloadURL is the attachment location.
	DownloadURL() string
	// BlobKey is the uploaded blob key, empty for external URLs.
	BlobKey() string
}

// ImageURL is an externally hosted resource.
type ImageURL string

// UploadedBlob references a blob by key.
type UploadedBlob string

func (ImageURL) imageSource()     {}
func (UploadedBlob) imageSource() {}

func (u ImageURL) DisplayURL() string  { return string(u) }
func (u ImageURL) DownloadURL() string { return string(u) }
func (ImageURL) BlobKey() string       { return "" }

func (b UploadedBlob) DisplayURL() string  { return ImagesPathPrefix + string(b) }
func (b UploadedBlob) DownloadURL() string { return FilesPathPrefix + string(b) }
func (b UploadedBlob) BlobKey() string     { return string(b) }

// ErrInvalidBlobKey rejects keys that could escape the blob namespace.
var ErrInvalidBlobKey = errors.New("invalid file name")

// ValidBlobKey reports whether key is safe to use as a blob name.
func ValidBlobKey(key string) bool {
	if key == "" || len(key) > 255 {
		return false
	}
	return !strings.Contains(key, "/") && !strings.Contains(key, `\`) && !strings.Contains(key, "..")
}

// ParseImageSource resolves the request fields into a source. An explicit
// blob key wins; links to this service's blob paths are recognised as
// uploads. It returns nil when both inputs are empty.
func ParseImageSource(url, key string) (ImageSource, error) {
	key = strings.TrimSpace(key)
	url = strings.TrimSpace(url)
	if key != "" {
		if !ValidBlobKey(key) {
			return nil, ErrInvalidBlobKey
		}
		return UploadedBlob(key), nil
	}
	if url == "" {
		return nil, nil
	}
	for _, prefix := range []string{ImagesPathPrefix, FilesPathPrefix} {
		if strings.HasPrefix(url, prefix) {
			candidate := strings.TrimPrefix(url, prefix)
			if !ValidBlobKey(candidate) {
				return nil, ErrInvalidBlobKey
			}
			return UploadedBlob(candidate), nil
		}
	}
	return ImageURL(url), nil
}
