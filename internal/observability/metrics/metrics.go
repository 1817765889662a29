package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters for HTTP traffic, storefront events,
// downloads by wallpaper type, component health and KV housekeeping.
type Recorder struct {
	mu               sync.RWMutex
	requestCount     map[requestLabel]uint64
	requestDuration  map[requestLabel]time.Duration
	events           map[string]uint64
	downloads        map[string]uint64
	uploadBytes      atomic.Int64
	healthValue      map[string]float64
	healthState      map[string]string
	purgedEntries    atomic.Int64
	versionConflicts atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		events:          make(map[string]uint64),
		downloads:       make(map[string]uint64),
		healthValue:     make(map[string]float64),
		healthState:     make(map[string]string),
	}
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and duration by method,
// normalized path and status.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveEvent counts a storefront event such as "register", "login",
// "login_failed" or "idempotent_replay".
func (r *Recorder) ObserveEvent(event string) {
	name := normalizeName(event)
	r.mu.Lock()
	r.events[name]++
	r.mu.Unlock()
}

// ObserveDownload counts a completed download by wallpaper type.
func (r *Recorder) ObserveDownload(wallpaperType string) {
	name := normalizeName(wallpaperType)
	r.mu.Lock()
	r.downloads[name]++
	r.mu.Unlock()
}

// ObserveUpload counts an accepted upload and its size.
func (r *Recorder) ObserveUpload(size int64) {
	r.ObserveEvent("upload")
	if size > 0 {
		r.uploadBytes.Add(size)
	}
}

// ObservePurged adds entries removed by the KV purger.
func (r *Recorder) ObservePurged(n int) {
	if n > 0 {
		r.purgedEntries.Add(int64(n))
	}
}

// ObserveVersionConflict counts list writes that exhausted their retries.
func (r *Recorder) ObserveVersionConflict() {
	r.versionConflicts.Add(1)
}

// SetComponentHealth stores a component's health for export.
func (r *Recorder) SetComponentHealth(component, status string) {
	name := normalizeName(component)
	normalizedStatus := strings.ToLower(strings.TrimSpace(status))
	value := -1.0
	switch normalizedStatus {
	case "ok":
		value = 1
	case "disabled":
		value = 0
	}
	r.mu.Lock()
	r.healthValue[name] = value
	r.healthState[name] = normalizedStatus
	r.mu.Unlock()
}

// EventCounts returns a copy of the event counters.
func (r *Recorder) EventCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.events))
	for k, v := range r.events {
		out[k] = v
	}
	return out
}

// DownloadCounts returns a copy of the per-type download counters.
func (r *Recorder) DownloadCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.downloads))
	for k, v := range r.downloads {
		out[k] = v
	}
	return out
}

// Reset clears all counters. It is intended for tests.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.events = make(map[string]uint64)
	r.downloads = make(map[string]uint64)
	r.healthValue = make(map[string]float64)
	r.healthState = make(map[string]string)
	r.uploadBytes.Store(0)
	r.purgedEntries.Store(0)
	r.versionConflicts.Store(0)
}

// Handler serves the Prometheus text exposition.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics in Prometheus text format with sorted label sets.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()

	fmt.Fprintln(w, "# HELP promptgallery_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE promptgallery_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "promptgallery_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP promptgallery_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE promptgallery_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "promptgallery_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP promptgallery_events_total Storefront events by type")
	fmt.Fprintln(w, "# TYPE promptgallery_events_total counter")
	for _, event := range sortedKeys(r.events) {
		fmt.Fprintf(w, "promptgallery_events_total{event=\"%s\"} %d\n", event, r.events[event])
	}

	fmt.Fprintln(w, "# HELP promptgallery_downloads_total Wallpaper downloads by type")
	fmt.Fprintln(w, "# TYPE promptgallery_downloads_total counter")
	for _, kind := range sortedKeys(r.downloads) {
		fmt.Fprintf(w, "promptgallery_downloads_total{type=\"%s\"} %d\n", kind, r.downloads[kind])
	}

	fmt.Fprintln(w, "# HELP promptgallery_upload_bytes_total Bytes accepted by the upload endpoint")
	fmt.Fprintln(w, "# TYPE promptgallery_upload_bytes_total counter")
	fmt.Fprintf(w, "promptgallery_upload_bytes_total %d\n", r.uploadBytes.Load())

	fmt.Fprintln(w, "# HELP promptgallery_component_health Component health (1=ok,0=disabled,-1=degraded)")
	fmt.Fprintln(w, "# TYPE promptgallery_component_health gauge")
	for _, component := range sortedKeys(r.healthValue) {
		fmt.Fprintf(w, "promptgallery_component_health{component=\"%s\",status=\"%s\"} %f\n", component, r.healthState[component], r.healthValue[component])
	}

	fmt.Fprintln(w, "# HELP promptgallery_kv_purged_entries_total Expired KV entries removed by the purger")
	fmt.Fprintln(w, "# TYPE promptgallery_kv_purged_entries_total counter")
	fmt.Fprintf(w, "promptgallery_kv_purged_entries_total %d\n", r.purgedEntries.Load())

	fmt.Fprintln(w, "# HELP promptgallery_version_conflicts_total List writes that gave up after concurrent modification")
	fmt.Fprintln(w, "# TYPE promptgallery_version_conflicts_total counter")
	fmt.Fprintf(w, "promptgallery_version_conflicts_total %d\n", r.versionConflicts.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// normalizePath collapses identifiers and blob file names so label
// cardinality stays bounded.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if strings.Contains(segment, ".") {
		return true
	}
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest records on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// ObserveEvent records on the default recorder.
func ObserveEvent(event string) {
	defaultRecorder.ObserveEvent(event)
}

// Handler exposes the default recorder.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
