package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"promptgallery/internal/kv"
)

func TestIdempotencyReplaysFirstResponse(t *testing.T) {
	store := kv.NewMemoryStore()
	idem := newIdempotency(store, time.Hour, nil)
	var calls atomic.Int32
	handler := idem.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprintf(w, `{"success":true,"n":%d}`, n)
	}))

	send := func(key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/admin/prompts", strings.NewReader("{}"))
		if key != "" {
			req.Header.Set(idempotencyHeader, key)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := send("abc")
	second := send("abc")
	if calls.Load() != 1 {
		t.Fatalf("expected handler to run once, ran %d times", calls.Load())
	}
	if second.Code != http.StatusCreated || second.Body.String() != first.Body.String() {
		t.Fatalf("expected identical replay, got %d %q vs %q", second.Code, second.Body.String(), first.Body.String())
	}
	if second.Header().Get(idempotencyReplayHeader) != "true" || first.Header().Get(idempotencyReplayHeader) != "" {
		t.Fatal("expected only the replay to carry Idempotent-Replayed")
	}
	if second.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("expected replayed headers, got %v", second.Header())
	}

	keys, err := store.Keys(context.Background(), "idempotency:/api/admin/prompts:anonymous:")
	if err != nil || len(keys) != 1 {
		t.Fatalf("expected one stored record, got %v %v", keys, err)
	}

	send("other")
	send("")
	if calls.Load() != 3 {
		t.Fatalf("expected new and missing keys to run the handler, got %d calls", calls.Load())
	}
}

func TestIdempotencyScopesByPrincipal(t *testing.T) {
	idem := newIdempotency(kv.NewMemoryStore(), time.Hour, nil)
	var calls atomic.Int32
	handler := idem.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))

	for _, token := range []string{"token-a", "token-b"} {
		req := httptest.NewRequest(http.MethodPost, "/api/wallpapers/download", nil)
		req.Header.Set(idempotencyHeader, "same")
		req.Header.Set("Authorization", "Bearer "+token)
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected separate principals to run separately, got %d", calls.Load())
	}
}

func TestIdempotencySkipsServerErrors(t *testing.T) {
	idem := newIdempotency(kv.NewMemoryStore(), time.Hour, nil)
	var calls atomic.Int32
	handler := idem.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	for i, want := range []int{http.StatusInternalServerError, http.StatusOK, http.StatusOK} {
		req := httptest.NewRequest(http.MethodPost, "/api/admin/upload", nil)
		req.Header.Set(idempotencyHeader, "retry-me")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("attempt %d: expected %d, got %d", i, want, rec.Code)
		}
	}
	if calls.Load() != 2 {
		t.Fatalf("expected the 500 to be retried and the 200 replayed, got %d calls", calls.Load())
	}
}

func TestIdempotencyCollapsesConcurrentDuplicates(t *testing.T) {
	idem := newIdempotency(kv.NewMemoryStore(), time.Hour, nil)
	var calls atomic.Int32
	release := make(chan struct{})
	handler := idem.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		w.WriteHeader(http.StatusCreated)
	}))

	const workers = 5
	var started, done sync.WaitGroup
	codes := make([]int, workers)
	replayed := make([]bool, workers)
	for i := 0; i < workers; i++ {
		started.Add(1)
		done.Add(1)
		go func(i int) {
			defer done.Done()
			req := httptest.NewRequest(http.MethodPost, "/api/auth/register", nil)
			req.Header.Set(idempotencyHeader, "burst")
			rec := httptest.NewRecorder()
			started.Done()
			handler.ServeHTTP(rec, req)
			codes[i] = rec.Code
			replayed[i] = rec.Header().Get(idempotencyReplayHeader) == "true"
		}(i)
	}
	started.Wait()
	time.Sleep(50 * time.Millisecond)
	close(release)
	done.Wait()

	if calls.Load() != 1 {
		t.Fatalf("expected duplicates to share one execution, got %d", calls.Load())
	}
	replays := 0
	for i, code := range codes {
		if code != http.StatusCreated {
			t.Fatalf("worker %d: expected 201, got %d", i, code)
		}
		if replayed[i] {
			replays++
		}
	}
	if replays != workers-1 {
		t.Fatalf("expected every caller but the one that ran the handler to be marked replayed, got %d", replays)
	}
}

func TestIdempotencyRejectsKeyReuseWithDifferentBody(t *testing.T) {
	idem := newIdempotency(kv.NewMemoryStore(), time.Hour, nil)
	var calls atomic.Int32
	handler := idem.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	}))

	send := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/admin/prompts", strings.NewReader(body))
		req.Header.Set(idempotencyHeader, "add-cat")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := send(`{"title":{"en":"Cat"}}`)
	if first.Code != http.StatusCreated || first.Body.String() != `{"title":{"en":"Cat"}}` {
		t.Fatalf("expected the handler to see the buffered body, got %d %q", first.Code, first.Body.String())
	}
	if rec := send(`{"title":{"en":"Dog"}}`); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for a reused key, got %d", rec.Code)
	}
	if rec := send(`{"title":{"en":"Cat"}}`); rec.Code != http.StatusCreated || rec.Header().Get(idempotencyReplayHeader) != "true" {
		t.Fatalf("expected the original body to replay, got %d", rec.Code)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one execution, got %d", calls.Load())
	}
}

func TestIdempotencyNeverRecordsSessionResponses(t *testing.T) {
	store := kv.NewMemoryStore()
	idem := newIdempotency(store, time.Hour, nil)
	var calls atomic.Int32
	handler := idem.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := fmt.Sprintf("token-%d", calls.Add(1))
		http.SetCookie(w, &http.Cookie{Name: "session", Value: token})
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprintf(w, `{"sessionToken":%q}`, token)
	}))

	var bodies []string
	for _, phone := range []string{"+15551234567", "+15559999999"} {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(`{"phone":"`+phone+`"}`))
		req.Header.Set(idempotencyHeader, "k-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Header().Get(idempotencyReplayHeader) != "" {
			t.Fatal("session responses must never be replayed")
		}
		bodies = append(bodies, rec.Body.String())
	}
	if bodies[0] == bodies[1] {
		t.Fatalf("expected each caller to get its own session, both got %s", bodies[0])
	}
	keys, err := store.Keys(context.Background(), "idempotency:")
	if err != nil || len(keys) != 0 {
		t.Fatalf("expected no stored records for session responses, got %v %v", keys, err)
	}
}

func TestIdempotencyRejectsOversizedKey(t *testing.T) {
	idem := newIdempotency(kv.NewMemoryStore(), time.Hour, nil)
	handler := idem.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))
	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", nil)
	req.Header.Set(idempotencyHeader, strings.Repeat("k", maxIdempotencyKeyLength+1))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
