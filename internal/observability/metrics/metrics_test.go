package metrics

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNormalizePath(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", "/"},
		{"/", "/"},
		{"/api/content/prompts", "/api/content/prompts"},
		{"/api/admin/wallpapers/", "/api/admin/wallpapers"},
		{"/api/images/prompt_1738.png", "/api/images/:id"},
		{"/api/files/wallpaper_1738.zip", "/api/files/:id"},
		{"/api/admin/prompts/2f1c9c1e-5d0a-4f0e-9d59-3c1a7d5b2e11", "/api/admin/prompts/:id"},
		{"api/admin/prompts/123", "/api/admin/prompts/:id"},
	}
	for _, tc := range cases {
		if got := normalizePath(tc.in); got != tc.want {
			t.Fatalf("normalizePath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestConcurrentEvents(t *testing.T) {
	recorder := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recorder.ObserveEvent("login")
			recorder.ObserveDownload("premium")
		}()
	}
	wg.Wait()

	if got := recorder.EventCounts()["login"]; got != 50 {
		t.Fatalf("expected 50 login events, got %d", got)
	}
	if got := recorder.DownloadCounts()["premium"]; got != 50 {
		t.Fatalf("expected 50 premium downloads, got %d", got)
	}
}

func TestWriteAndHandlerOutput(t *testing.T) {
	recorder := New()

	recorder.ObserveRequest("GET", "/api/images/prompt_1.png", 200, 150*time.Millisecond)
	recorder.ObserveRequest("get", "/api/images/prompt_2.png", 200, 50*time.Millisecond)
	recorder.ObserveRequest("POST", "/api/auth/login", 401, time.Second)

	recorder.ObserveEvent("Register")
	recorder.ObserveEvent("login_failed")
	recorder.ObserveDownload("free")
	recorder.ObserveDownload("premium")
	recorder.ObserveDownload("premium")
	recorder.ObserveUpload(2048)
	recorder.SetComponentHealth(" KV ", "OK")
	recorder.SetComponentHealth("object_storage", "disabled")
	recorder.ObservePurged(3)
	recorder.ObservePurged(0)
	recorder.ObserveVersionConflict()

	var buf bytes.Buffer
	recorder.Write(&buf)

	expected := `# HELP promptgallery_http_requests_total Total number of HTTP requests processed by the API
# TYPE promptgallery_http_requests_total counter
promptgallery_http_requests_total{method="GET",path="/api/images/:id",status="200"} 2
promptgallery_http_requests_total{method="POST",path="/api/auth/login",status="401"} 1
# HELP promptgallery_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds
# TYPE promptgallery_http_request_duration_seconds_sum counter
promptgallery_http_request_duration_seconds_sum{method="GET",path="/api/images/:id",status="200"} 0.200000
promptgallery_http_request_duration_seconds_sum{method="POST",path="/api/auth/login",status="401"} 1.000000
# HELP promptgallery_events_total Storefront events by type
# TYPE promptgallery_events_total counter
promptgallery_events_total{event="login_failed"} 1
promptgallery_events_total{event="register"} 1
promptgallery_events_total{event="upload"} 1
# HELP promptgallery_downloads_total Wallpaper downloads by type
# TYPE promptgallery_downloads_total counter
promptgallery_downloads_total{type="free"} 1
promptgallery_downloads_total{type="premium"} 2
# HELP promptgallery_upload_bytes_total Bytes accepted by the upload endpoint
# TYPE promptgallery_upload_bytes_total counter
promptgallery_upload_bytes_total 2048
# HELP promptgallery_component_health Component health (1=ok,0=disabled,-1=degraded)
# TYPE promptgallery_component_health gauge
promptgallery_component_health{component="kv",status="ok"} 1.000000
promptgallery_component_health{component="object_storage",status="disabled"} 0.000000
# HELP promptgallery_kv_purged_entries_total Expired KV entries removed by the purger
# TYPE promptgallery_kv_purged_entries_total counter
promptgallery_kv_purged_entries_total 3
# HELP promptgallery_version_conflicts_total List writes that gave up after concurrent modification
# TYPE promptgallery_version_conflicts_total counter
promptgallery_version_conflicts_total 1`

	if diff := compareLines(buf.String(), expected); diff != "" {
		t.Fatalf("unexpected write output:\n%s", diff)
	}

	res := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(res, httptest.NewRequest("GET", "/metrics", nil))
	if contentType := res.Result().Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/plain") {
		t.Fatalf("unexpected content type: %s", contentType)
	}
	if diff := compareLines(res.Body.String(), expected); diff != "" {
		t.Fatalf("unexpected handler output:\n%s", diff)
	}

	recorder.Reset()
	if len(recorder.EventCounts()) != 0 {
		t.Fatal("expected Reset to clear events")
	}
}

func compareLines(actual, expected string) string {
	actualLines := strings.Split(strings.TrimSpace(actual), "\n")
	expectedLines := strings.Split(strings.TrimSpace(expected), "\n")
	if len(actualLines) != len(expectedLines) {
		return formatDiff(actualLines, expectedLines)
	}
	for i := range actualLines {
		if actualLines[i] != expectedLines[i] {
			return formatDiff(actualLines, expectedLines)
		}
	}
	return ""
}

func formatDiff(actual, expected []string) string {
	var b strings.Builder
	b.WriteString("expected\n")
	for _, line := range expected {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("got\n")
	for _, line := range actual {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
