package blob

import (
	"mime"
	"net/http"
	"path"
	"regexp"
	"strings"
)

// DefaultMaxBytes is the upload size limit.
const DefaultMaxBytes int64 = 10 << 20

// Policy bounds what the admin panel may upload.
type Policy struct {
	MaxBytes int64
	// AllowedTypes maps accepted MIME types to the extension used when the
	// original file name has none.
	AllowedTypes map[string]string
}

// DefaultPolicy accepts images and zip archives up to 10 MiB.
func DefaultPolicy() Policy {
	return Policy{
		MaxBytes: DefaultMaxBytes,
		AllowedTypes: map[string]string{
			"image/jpeg":      "jpg",
			"image/png":       "png",
			"image/gif":       "gif",
			"image/webp":      "webp",
			"application/zip": "zip",
		},
	}
}

// aliases folds the MIME spellings browsers send for the accepted types.
var aliases = map[string]string{
	"image/jpg":                    "image/jpeg",
	"image/pjpeg":                  "image/jpeg",
	"application/x-zip-compressed": "application/zip",
	"application/x-zip":            "application/zip",
	"multipart/x-zip":              "application/zip",
}

// resolveType normalises declared and sniffs it from data when missing or
// generic.
func resolveType(declared string, data []byte) string {
	mediaType := strings.ToLower(strings.TrimSpace(declared))
	if parsed, _, err := mime.ParseMediaType(mediaType); err == nil {
		mediaType = parsed
	}
	if alias, ok := aliases[mediaType]; ok {
		mediaType = alias
	}
	if mediaType == "" || mediaType == "application/octet-stream" {
		sniffed, _, _ := mime.ParseMediaType(http.DetectContentType(data))
		mediaType = sniffed
	}
	return mediaType
}

func (p Policy) check(size int64, mediaType string) error {
	if p.MaxBytes > 0 && size > p.MaxBytes {
		return ErrTooLarge
	}
	if _, ok := p.AllowedTypes[mediaType]; !ok {
		return ErrUnsupportedType
	}
	return nil
}

var (
	uploadTypePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)
	extensionPattern  = regexp.MustCompile(`^[a-z0-9]{1,10}$`)
)

// extensionFor picks the key extension: the original name's when it is
// safe, otherwise the policy default for the type.
func (p Policy) extensionFor(originalName, mediaType string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(strings.TrimSpace(originalName)), "."))
	if extensionPattern.MatchString(ext) {
		return ext
	}
	if fallback, ok := p.AllowedTypes[mediaType]; ok {
		return fallback
	}
	return "bin"
}
