package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"promptgallery/internal/api"
	"promptgallery/internal/kv"
)

const (
	idempotencyHeader       = "Idempotency-Key"
	idempotencyReplayHeader = "Idempotent-Replayed"
	defaultIdempotencyTTL   = 24 * time.Hour
	maxIdempotencyKeyLength = 255
	// Bodies are buffered to fingerprint them; uploads are the largest.
	maxIdempotentBodyBytes = 32 << 20
)

// idempotentResponse is the stored form of a handler response.
// Fingerprint is the SHA-256 of the request body that produced it.
type idempotentResponse struct {
	Fingerprint string              `json:"fingerprint"`
	Status      int                 `json:"status"`
	Header      map[string][]string `json:"header,omitempty"`
	Body        []byte              `json:"body"`
}

// recordable reports whether the response may be stored and replayed.
// Responses that set cookies establish a session, and replaying them would
// hand that session to whoever reuses the key.
func (r idempotentResponse) recordable() bool {
	if r.Status >= http.StatusInternalServerError {
		return false
	}
	_, setsCookie := r.Header["Set-Cookie"]
	return !setsCookie
}

type idempotency struct {
	store  kv.Store
	ttl    time.Duration
	logger *slog.Logger
	group  singleflight.Group
}

func newIdempotency(store kv.Store, ttl time.Duration, logger *slog.Logger) *idempotency {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &idempotency{store: store, ttl: ttl, logger: logger}
}

func idempotencyStoreKey(route, principal, key string) string {
	return "idempotency:" + route + ":" + principal + ":" + key
}

func bodyFingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// middleware records the first recordable response for each
// Idempotency-Key and replays it for repeats of the same body from the
// same principal on the same route. Reusing a key with a different body
// is rejected.
func (i *idempotency) middleware(next http.Handler) http.Handler {
	if i == nil || i.store == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
		if key == "" || r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxIdempotencyKeyLength {
			writeMiddlewareError(w, http.StatusBadRequest, "Idempotency-Key is too long")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBodyBytes+1))
		if err != nil {
			writeMiddlewareError(w, http.StatusBadRequest, "Could not read request body")
			return
		}
		if len(body) > maxIdempotentBodyBytes {
			writeMiddlewareError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		fingerprint := bodyFingerprint(body)

		storeKey := idempotencyStoreKey(r.URL.Path, api.RequestPrincipal(r), key)
		logger := loggerWithRequestContext(r.Context(), i.logger)

		var recorded idempotentResponse
		err = kv.GetJSON(r.Context(), i.store, storeKey, &recorded)
		switch {
		case err == nil && recorded.Fingerprint != fingerprint:
			writeMiddlewareError(w, http.StatusUnprocessableEntity, "Idempotency-Key was already used with a different request")
			return
		case err == nil:
			writeIdempotent(w, recorded, true)
			return
		case !kv.IsNotFound(err):
			logger.Error("idempotency lookup failed", "error", err)
			writeMiddlewareError(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
			return
		}

		ran := false
		value, _, _ := i.group.Do(storeKey+":"+fingerprint, func() (any, error) {
			ran = true
			capture := newCaptureWriter()
			next.ServeHTTP(capture, r)
			response := capture.response()
			response.Fingerprint = fingerprint
			if response.recordable() {
				// The leader's context may already be cancelled once the
				// handler returns.
				ctx := context.WithoutCancel(r.Context())
				if err := kv.PutJSON(ctx, i.store, storeKey, response, i.ttl); err != nil {
					logger.Warn("idempotency record failed", "error", err)
				}
			}
			return response, nil
		})
		response := value.(idempotentResponse)
		if !ran && !response.recordable() {
			next.ServeHTTP(w, r)
			return
		}
		writeIdempotent(w, response, !ran)
	})
}

func writeIdempotent(w http.ResponseWriter, response idempotentResponse, replayed bool) {
	header := w.Header()
	for name, values := range response.Header {
		header[name] = append([]string(nil), values...)
	}
	if replayed {
		header.Set(idempotencyReplayHeader, "true")
	}
	header.Set("Content-Length", strconv.Itoa(len(response.Body)))
	w.WriteHeader(response.Status)
	_, _ = w.Write(response.Body)
}

// captureWriter buffers a handler response so it can be stored and
// written to every waiting caller.
type captureWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newCaptureWriter() *captureWriter {
	return &captureWriter{header: make(http.Header)}
}

func (c *captureWriter) Header() http.Header {
	return c.header
}

func (c *captureWriter) WriteHeader(status int) {
	if c.status == 0 {
		c.status = status
	}
}

func (c *captureWriter) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	return c.body.Write(p)
}

func (c *captureWriter) response() idempotentResponse {
	status := c.status
	if status == 0 {
		status = http.StatusOK
	}
	header := make(map[string][]string, len(c.header))
	for name, values := range c.header {
		if name == "Content-Length" {
			continue
		}
		header[name] = append([]string(nil), values...)
	}
	return idempotentResponse{Status: status, Header: header, Body: c.body.Bytes()}
}
