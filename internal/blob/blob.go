// Package blob stores admin uploads in the KV store, optionally keeping
// the bytes in an S3-compatible bucket instead.
package blob

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"promptgallery/internal/kv"
	"promptgallery/internal/models"
)

const (
	keyPrefix  = "file:"
	metaSuffix = "_meta"

	// maxKeyBumps bounds the search for a free key when uploads collide.
	maxKeyBumps = 1000
)

var (
	ErrNotFound          = errors.New("file not found")
	ErrInvalidKey        = models.ErrInvalidBlobKey
	ErrTooLarge          = errors.New("file exceeds the upload size limit")
	ErrUnsupportedType   = errors.New("file type is not allowed")
	ErrEmpty             = errors.New("no file provided")
	ErrInvalidUploadType = errors.New("upload type must be lowercase letters, digits, '_' or '-'")
	ErrKeySpaceExhausted = errors.New("could not allocate a unique file name")
)

// Upload is one file submitted through the admin panel.
type Upload struct {
	Data         []byte
	OriginalName string
	MimeType     string
	UploadType   string
}

// Stored describes a persisted blob.
type Stored struct {
	Key  string
	Meta models.BlobMetadata
}

// DisplayPath is the inline preview location: the image route for images
// and the download route for everything else.
func (s Stored) DisplayPath() string {
	if s.Meta.IsImage() {
		return models.ImagesPathPrefix + s.Key
	}
	return s.DownloadPath()
}

// DownloadPath is the attachment location.
func (s Stored) DownloadPath() string {
	return models.FilesPathPrefix + s.Key
}

// Option configures a Service.
type Option func(*Service)

// WithPolicy replaces the default upload policy.
func WithPolicy(policy Policy) Option {
	return func(s *Service) {
		if policy.AllowedTypes != nil {
			s.policy = policy
		} else if policy.MaxBytes > 0 {
			s.policy.MaxBytes = policy.MaxBytes
		}
	}
}

// WithObjectStore keeps blob bytes in objects instead of the KV store.
func WithObjectStore(objects ObjectStore) Option {
	return func(s *Service) {
		s.objects = objects
	}
}

// WithClock injects the time source used for key generation.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger for best-effort cleanup failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Service implements upload storage and retrieval.
type Service struct {
	store   kv.Store
	objects ObjectStore
	policy  Policy
	now     func() time.Time
	logger  *slog.Logger

	// mu serialises key allocation so two uploads in the same
	// millisecond never claim the same key.
	mu sync.Mutex
}

// NewService constructs a Service over store.
func NewService(store kv.Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		policy: DefaultPolicy(),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Policy reports the active upload policy.
func (s *Service) Policy() Policy {
	return s.policy
}

// Store validates up against the policy and persists it under a new key
// of the form <uploadType>_<unixMillis>.<ext>.
func (s *Service) Store(ctx context.Context, up Upload) (Stored, error) {
	if len(up.Data) == 0 {
		return Stored{}, ErrEmpty
	}
	uploadType := strings.ToLower(strings.TrimSpace(up.UploadType))
	if !uploadTypePattern.MatchString(uploadType) {
		return Stored{}, ErrInvalidUploadType
	}
	mediaType := resolveType(up.MimeType, up.Data)
	if err := s.policy.check(int64(len(up.Data)), mediaType); err != nil {
		return Stored{}, err
	}
	ext := s.policy.extensionFor(up.OriginalName, mediaType)

	originalName := strings.TrimSpace(up.OriginalName)
	if originalName == "" {
		originalName = uploadType + "." + ext
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	key, err := s.allocateKey(ctx, uploadType, now.UnixMilli(), ext)
	if err != nil {
		return Stored{}, err
	}
	meta := models.BlobMetadata{
		OriginalName: originalName,
		MimeType:     mediaType,
		Size:         int64(len(up.Data)),
		UploadedAt:   now,
		Type:         uploadType,
	}

	if s.objects != nil {
		objectKey, err := s.objects.Put(ctx, key, mediaType, up.Data)
		if err != nil {
			return Stored{}, fmt.Errorf("upload object %s: %w", key, err)
		}
		meta.ObjectKey = objectKey
		if err := kv.PutJSON(ctx, s.store, keyPrefix+key+metaSuffix, meta, 0); err != nil {
			s.deleteObject(ctx, objectKey)
			return Stored{}, fmt.Errorf("write metadata %s: %w", key, err)
		}
		return Stored{Key: key, Meta: meta}, nil
	}

	// Metadata goes first so allocateKey in another process sees the key
	// as taken.
	if err := kv.PutJSON(ctx, s.store, keyPrefix+key+metaSuffix, meta, 0); err != nil {
		return Stored{}, fmt.Errorf("write metadata %s: %w", key, err)
	}
	if err := s.store.Put(ctx, keyPrefix+key, up.Data, 0); err != nil {
		if delErr := s.store.Delete(ctx, keyPrefix+key+metaSuffix); delErr != nil {
			s.logger.Error("failed to clean up blob metadata", "key", key, "error", delErr)
		}
		return Stored{}, fmt.Errorf("write file %s: %w", key, err)
	}
	return Stored{Key: key, Meta: meta}, nil
}

// allocateKey returns the first free key starting at millis, bumping the
// timestamp when a previous upload already holds it.
func (s *Service) allocateKey(ctx context.Context, uploadType string, millis int64, ext string) (string, error) {
	for i := int64(0); i < maxKeyBumps; i++ {
		key := fmt.Sprintf("%s_%d.%s", uploadType, millis+i, ext)
		taken, err := s.exists(ctx, key)
		if err != nil {
			return "", err
		}
		if !taken {
			return key, nil
		}
	}
	return "", ErrKeySpaceExhausted
}

func (s *Service) exists(ctx context.Context, key string) (bool, error) {
	for _, candidate := range []string{keyPrefix + key + metaSuffix, keyPrefix + key} {
		_, err := s.store.Get(ctx, candidate)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, kv.ErrNotFound) {
			return false, fmt.Errorf("check %s: %w", candidate, err)
		}
	}
	return false, nil
}

// Retrieve returns the bytes and metadata stored under key.
func (s *Service) Retrieve(ctx context.Context, key string) ([]byte, models.BlobMetadata, error) {
	if !models.ValidBlobKey(key) {
		return nil, models.BlobMetadata{}, ErrInvalidKey
	}
	meta, hasMeta, err := s.metadata(ctx, key)
	if err != nil {
		return nil, models.BlobMetadata{}, err
	}

	if hasMeta && meta.ObjectKey != "" {
		if s.objects == nil {
			return nil, models.BlobMetadata{}, fmt.Errorf("blob %s lives in object storage, which is not configured", key)
		}
		data, err := s.objects.Get(ctx, meta.ObjectKey)
		if errors.Is(err, ErrNotFound) {
			return nil, models.BlobMetadata{}, ErrNotFound
		}
		if err != nil {
			return nil, models.BlobMetadata{}, fmt.Errorf("fetch object %s: %w", key, err)
		}
		return data, meta, nil
	}

	raw, err := s.store.Get(ctx, keyPrefix+key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, models.BlobMetadata{}, ErrNotFound
	}
	if err != nil {
		return nil, models.BlobMetadata{}, fmt.Errorf("read file %s: %w", key, err)
	}

	data := raw
	if decoded, mediaType, ok := decodeDataURL(raw); ok {
		data = decoded
		if !hasMeta || meta.MimeType == "" {
			meta.MimeType = mediaType
		}
	}
	if !hasMeta {
		meta.OriginalName = key
		meta.Size = int64(len(data))
	}
	if meta.MimeType == "" {
		meta.MimeType = resolveType("", data)
	}
	return data, meta, nil
}

func (s *Service) metadata(ctx context.Context, key string) (models.BlobMetadata, bool, error) {
	var meta models.BlobMetadata
	err := kv.GetJSON(ctx, s.store, keyPrefix+key+metaSuffix, &meta)
	if kv.IsNotFound(err) {
		return models.BlobMetadata{}, false, nil
	}
	if err != nil {
		return models.BlobMetadata{}, false, fmt.Errorf("read metadata %s: %w", key, err)
	}
	return meta, true, nil
}

// Delete removes the blob. Missing blobs are not an error.
func (s *Service) Delete(ctx context.Context, key string) error {
	if !models.ValidBlobKey(key) {
		return ErrInvalidKey
	}
	meta, hasMeta, err := s.metadata(ctx, key)
	if err != nil {
		return err
	}
	if hasMeta && meta.ObjectKey != "" && s.objects != nil {
		if err := s.objects.Delete(ctx, meta.ObjectKey); err != nil {
			return fmt.Errorf("delete object %s: %w", key, err)
		}
	}
	if err := s.store.Delete(ctx, keyPrefix+key); err != nil {
		return fmt.Errorf("delete file %s: %w", key, err)
	}
	if err := s.store.Delete(ctx, keyPrefix+key+metaSuffix); err != nil {
		return fmt.Errorf("delete metadata %s: %w", key, err)
	}
	return nil
}

// DeleteSources removes every uploaded blob among sources, logging
// failures. Content removal calls it after the item itself is gone.
func (s *Service) DeleteSources(ctx context.Context, sources ...models.ImageSource) {
	seen := make(map[string]struct{}, len(sources))
	for _, source := range sources {
		if source == nil || source.BlobKey() == "" {
			continue
		}
		key := source.BlobKey()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if err := s.Delete(ctx, key); err != nil {
			s.logger.Warn("failed to delete blob", "key", key, "error", err)
		}
	}
}

func (s *Service) deleteObject(ctx context.Context, objectKey string) {
	if err := s.objects.Delete(ctx, objectKey); err != nil {
		s.logger.Error("failed to clean up object", "object_key", objectKey, "error", err)
	}
}

// decodeDataURL unpacks values written as data URLs by earlier releases.
func decodeDataURL(raw []byte) ([]byte, string, bool) {
	if !bytes.HasPrefix(raw, []byte("data:")) {
		return nil, "", false
	}
	header, payload, found := bytes.Cut(raw[len("data:"):], []byte(","))
	if !found || !bytes.HasSuffix(header, []byte(";base64")) {
		return nil, "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(string(payload))
	if err != nil {
		return nil, "", false
	}
	return decoded, string(bytes.TrimSuffix(header, []byte(";base64"))), true
}
