package blob

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const defaultObjectStorageRequestTimeout = 30 * time.Second

// ObjectStore keeps blob bytes outside the KV store.
type ObjectStore interface {
	// Put stores body and returns the object key it was written under.
	Put(ctx context.Context, key, contentType string, body []byte) (string, error)
	// Get returns ErrNotFound when the object does not exist.
	Get(ctx context.Context, objectKey string) ([]byte, error)
	Delete(ctx context.Context, objectKey string) error
}

// ObjectStorageConfig points at an S3-compatible bucket.
type ObjectStorageConfig struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	Bucket         string
	UseSSL         bool
	Prefix         string
	RequestTimeout time.Duration
}

// Enabled reports whether enough is configured to reach a bucket.
func (cfg ObjectStorageConfig) Enabled() bool {
	return strings.TrimSpace(cfg.Bucket) != "" && strings.TrimSpace(cfg.Endpoint) != ""
}

// S3ObjectStore talks to an S3-compatible API with SigV4-signed requests.
type S3ObjectStore struct {
	cfg        ObjectStorageConfig
	endpoint   *url.URL
	httpClient *http.Client
	now        func() time.Time
}

var _ ObjectStore = (*S3ObjectStore)(nil)

// NewS3ObjectStore validates cfg and builds a client.
func NewS3ObjectStore(cfg ObjectStorageConfig) (*S3ObjectStore, error) {
	if !cfg.Enabled() {
		return nil, errors.New("object storage requires a bucket and an endpoint")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultObjectStorageRequestTimeout
	}
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	host := strings.TrimSpace(cfg.Endpoint)
	if strings.Contains(host, "://") {
		parsed, err := url.Parse(host)
		if err != nil {
			return nil, fmt.Errorf("parse object storage endpoint: %w", err)
		}
		host = parsed.Host
	}
	if host == "" {
		return nil, fmt.Errorf("object storage endpoint %q has no host", cfg.Endpoint)
	}
	return &S3ObjectStore{
		cfg:        cfg,
		endpoint:   &url.URL{Scheme: scheme, Host: host},
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		now:        time.Now,
	}, nil
}

// Put implements ObjectStore.
func (c *S3ObjectStore) Put(ctx context.Context, key, contentType string, body []byte) (string, error) {
	objectKey := c.applyPrefix(key)
	request, err := http.NewRequestWithContext(ctx, http.MethodPut, c.objectURL(objectKey).String(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create put request: %w", err)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	if _, err := c.do(request, hashSHA256Hex(body)); err != nil {
		return "", fmt.Errorf("put object %s: %w", objectKey, err)
	}
	return objectKey, nil
}

// Get implements ObjectStore.
func (c *S3ObjectStore) Get(ctx context.Context, objectKey string) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.objectURL(objectKey).String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create get request: %w", err)
	}
	body, err := c.do(request, emptyPayloadHash)
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", objectKey, err)
	}
	return body, nil
}

// Delete implements ObjectStore. Deleting a missing object succeeds.
func (c *S3ObjectStore) Delete(ctx context.Context, objectKey string) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.objectURL(objectKey).String(), nil)
	if err != nil {
		return fmt.Errorf("create delete request: %w", err)
	}
	if _, err := c.do(request, emptyPayloadHash); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete object %s: %w", objectKey, err)
	}
	return nil
}

func (c *S3ObjectStore) do(request *http.Request, payloadHash string) ([]byte, error) {
	c.signRequest(request, payloadHash)
	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = response.Body.Close()
	}()
	if response.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", response.StatusCode)
	}
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func (c *S3ObjectStore) applyPrefix(key string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	prefix := strings.Trim(strings.TrimSpace(c.cfg.Prefix), "/")
	if prefix == "" {
		return trimmed
	}
	if trimmed == prefix || strings.HasPrefix(trimmed, prefix+"/") {
		return trimmed
	}
	return prefix + "/" + trimmed
}

func (c *S3ObjectStore) objectURL(objectKey string) *url.URL {
	u := *c.endpoint
	u.Path = "/" + strings.TrimLeft(c.cfg.Bucket, "/") + "/" + strings.TrimLeft(objectKey, "/")
	return &u
}

func (c *S3ObjectStore) signRequest(req *http.Request, payloadHash string) {
	req.Host = req.URL.Host
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("x-amz-content-sha256", payloadHash)
	accessKey := strings.TrimSpace(c.cfg.AccessKey)
	secretKey := strings.TrimSpace(c.cfg.SecretKey)
	if accessKey == "" || secretKey == "" {
		return
	}
	region := strings.TrimSpace(c.cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	now := c.now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")
	req.Header.Set("x-amz-date", amzDate)
	canonicalHeaders, signedHeaders := canonicalizeHeaders(req)
	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI(req.URL),
		canonicalQuery(req.URL),
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")
	hash := sha256.Sum256([]byte(canonicalRequest))
	scope := strings.Join([]string{dateStamp, region, "s3", "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hex.EncodeToString(hash[:]),
	}, "\n")
	signature := hex.EncodeToString(hmacSHA256(deriveSigningKey(secretKey, dateStamp, region), []byte(stringToSign)))
	req.Header.Set("Authorization", fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		accessKey, scope, signedHeaders, signature,
	))
}

func canonicalizeHeaders(req *http.Request) (string, string) {
	headers := make(map[string]string, len(req.Header)+1)
	for key, values := range req.Header {
		lower := strings.ToLower(key)
		if lower == "authorization" {
			continue
		}
		cleaned := make([]string, 0, len(values))
		for _, v := range values {
			cleaned = append(cleaned, strings.TrimSpace(v))
		}
		headers[lower] = strings.Join(cleaned, ",")
	}
	if _, ok := headers["host"]; !ok && req.Host != "" {
		headers["host"] = req.Host
	}
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	var builder strings.Builder
	for _, name := range names {
		builder.WriteString(name)
		builder.WriteByte(':')
		builder.WriteString(headers[name])
		builder.WriteByte('\n')
	}
	return builder.String(), strings.Join(names, ";")
}

func canonicalURI(u *url.URL) string {
	path := u.EscapedPath()
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

func canonicalQuery(u *url.URL) string {
	values, err := url.ParseQuery(u.RawQuery)
	if err != nil || len(values) == 0 {
		return ""
	}
	// url.Values.Encode sorts by key; SigV4 wants %20 rather than '+'.
	return strings.ReplaceAll(values.Encode(), "+", "%20")
}

func deriveSigningKey(secret, dateStamp, region string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), []byte(dateStamp))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte("s3"))
	return hmacSHA256(kService, []byte("aws4_request"))
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

var emptyPayloadHash = hashSHA256Hex(nil)

func hashSHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
