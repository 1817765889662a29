package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// LocalizedText carries the Persian and English renditions of a string.
type LocalizedText struct {
	FA string `json:"fa"`
	EN string `json:"en"`
}

// IsComplete reports whether both languages are present.
func (t LocalizedText) IsComplete() bool {
	return strings.TrimSpace(t.FA) != "" && strings.TrimSpace(t.EN) != ""
}

// Trimmed returns a copy with surrounding whitespace removed.
func (t LocalizedText) Trimmed() LocalizedText {
	return LocalizedText{FA: strings.TrimSpace(t.FA), EN: strings.TrimSpace(t.EN)}
}

// UnmarshalJSON accepts either {"fa":..,"en":..} or a bare string/number,
// which older admin clients send for prices. A bare value fills both
// languages.
func (t *LocalizedText) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*t = LocalizedText{}
		return nil
	}
	switch trimmed[0] {
	case '{':
		type plain LocalizedText
		var decoded plain
		if err := json.Unmarshal(trimmed, &decoded); err != nil {
			return err
		}
		*t = LocalizedText(decoded)
		return nil
	case '"':
		var value string
		if err := json.Unmarshal(trimmed, &value); err != nil {
			return err
		}
		*t = LocalizedText{FA: value, EN: value}
		return nil
	default:
		var number json.Number
		if err := json.Unmarshal(trimmed, &number); err != nil {
			return fmt.Errorf("localized text must be an object, string or number")
		}
		*t = LocalizedText{FA: number.String(), EN: number.String()}
		return nil
	}
}

// User is the canonical account record. PasswordHash is persisted but must
// never be rendered to clients; use the api view types instead.
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Phone        string    `json:"phone,omitempty"`
	Username     string    `json:"username,omitempty"`
	PasswordHash string    `json:"passwordHash,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	Downloads    int       `json:"downloads"`
	IsPremium    bool      `json:"isPremium"`
}

// Identities lists every identity the user can log in with.
func (u User) Identities() []Identity {
	ids := make([]Identity, 0, 2)
	if u.Phone != "" {
		ids = append(ids, Phone(u.Phone))
	}
	if u.Username != "" {
		ids = append(ids, Username(u.Username))
	}
	return ids
}

// Prompt is an AI prompt with a preview image.
type Prompt struct {
	ID        string        `json:"id"`
	Title     LocalizedText `json:"title"`
	Prompt    string        `json:"prompt"`
	Image     string        `json:"image"`
	ImageKey  string        `json:"imageKey,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}

// WallpaperType distinguishes free from premium wallpapers.
type WallpaperType string

const (
	WallpaperFree    WallpaperType = "free"
	WallpaperPremium WallpaperType = "premium"
)

// Valid reports whether the type is one of the known values.
func (t WallpaperType) Valid() bool {
	return t == WallpaperFree || t == WallpaperPremium
}

// FileKind describes what the download link delivers.
type FileKind string

const (
	FileKindImage   FileKind = "image"
	FileKindArchive FileKind = "archive"
)

// Wallpaper is a downloadable image or archive.
type Wallpaper struct {
	ID          string         `json:"id"`
	Title       LocalizedText  `json:"title"`
	Image       string         `json:"image"`
	ImageKey    string         `json:"imageKey,omitempty"`
	DownloadURL string         `json:"downloadUrl"`
	DownloadKey string         `json:"downloadKey,omitempty"`
	FileKind    FileKind       `json:"fileKind"`
	Type        WallpaperType  `json:"type"`
	Price       *LocalizedText `json:"price"`
	Resolution  string         `json:"resolution,omitempty"`
	FileSize    int64          `json:"fileSize,omitempty"`
	Downloads   int            `json:"downloads"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// IsPremium reports whether the wallpaper requires a premium account.
func (w Wallpaper) IsPremium() bool {
	return w.Type == WallpaperPremium
}

// Purchase records that a user obtained a premium wallpaper. At most one
// purchase exists per user and wallpaper.
type Purchase struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	WallpaperID  string    `json:"wallpaperId"`
	Wallpaper    Wallpaper `json:"wallpaper"`
	PurchaseDate time.Time `json:"purchaseDate"`
}

// DownloadLog is an analytics row kept for a limited time.
type DownloadLog struct {
	ID          string        `json:"id"`
	WallpaperID string        `json:"wallpaperId"`
	UserID      string        `json:"userId"`
	Type        WallpaperType `json:"type"`
	Timestamp   time.Time     `json:"timestamp"`
}

// AnonymousUserID marks downloads made without a session.
const AnonymousUserID = "anonymous"

// BlobMetadata describes an uploaded file.
type BlobMetadata struct {
	OriginalName string    `json:"originalName"`
	MimeType     string    `json:"mimeType"`
	Size         int64     `json:"size"`
	UploadedAt   time.Time `json:"uploadedAt"`
	Type         string    `json:"type"`
	ObjectKey    string    `json:"objectKey,omitempty"`
}

// IsImage reports whether the blob should be served inline.
func (m BlobMetadata) IsImage() bool {
	return strings.HasPrefix(strings.ToLower(m.MimeType), "image/")
}
