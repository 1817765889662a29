package api

import (
	"bytes"
	"encoding/base64"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"promptgallery/internal/blob"
	"promptgallery/internal/kv"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0x42}, 64)...)

func TestAdminUploadJSONThenServe(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := serve(h.AdminUpload, jsonRequest(t, http.MethodPost, "/api/admin/upload", map[string]string{
		"fileData": "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes),
		"fileName": "Sunset Over Tehran.png",
		"type":     "wallpaper",
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	key, _ := body["fileName"].(string)
	if !strings.HasPrefix(key, "wallpaper_") || !strings.HasSuffix(key, ".png") {
		t.Fatalf("unexpected key %q", key)
	}
	if body["imageUrl"] != "/api/images/"+key || body["downloadUrl"] != "/api/files/"+key {
		t.Fatalf("unexpected paths %v", body)
	}
	if body["fileType"] != "image/png" || body["originalName"] != "Sunset Over Tehran.png" {
		t.Fatalf("unexpected metadata %v", body)
	}

	rec = serve(h.File, withURLParam(httptest.NewRequest(http.MethodGet, "/api/files/"+key, nil), "filename", key))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected file 200, got %d", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), pngBytes) {
		t.Fatal("expected served bytes to match the upload")
	}
	if disposition := rec.Header().Get("Content-Disposition"); !strings.HasPrefix(disposition, "attachment") || !strings.Contains(disposition, "Sunset Over Tehran.png") {
		t.Fatalf("unexpected disposition %q", disposition)
	}
	if cache := rec.Header().Get("Cache-Control"); cache != fileCacheControl {
		t.Fatalf("unexpected file cache header %q", cache)
	}

	rec = serve(h.Image, withURLParam(httptest.NewRequest(http.MethodGet, "/api/images/"+key, nil), "filename", key))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected image 200, got %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "image/png" || rec.Header().Get("Cache-Control") != imageCacheControl {
		t.Fatalf("unexpected image headers %v", rec.Header())
	}
	if rec.Header().Get("Content-Disposition") != "" {
		t.Fatal("expected images to be served inline")
	}
}

func TestAdminUploadMultipart(t *testing.T) {
	h, _ := newTestHandler(t)

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	if err := form.WriteField("type", "pack"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	part, err := form.CreateFormFile("file", "bundle.zip")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write(append([]byte("PK\x03\x04"), bytes.Repeat([]byte{0}, 32)...))
	if err := form.Close(); err != nil {
		t.Fatalf("close form: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/admin/upload", &buf)
	req.Header.Set("Content-Type", form.FormDataContentType())
	rec := serve(h.AdminUpload, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	key, _ := body["fileName"].(string)
	if !strings.HasPrefix(key, "pack_") || !strings.HasSuffix(key, ".zip") {
		t.Fatalf("unexpected key %q", key)
	}
	if body["imageUrl"] != body["downloadUrl"] {
		t.Fatalf("expected archives to display through the file route, got %v", body)
	}
}

func TestAdminUploadPolicyViolations(t *testing.T) {
	store := kv.NewMemoryStore()
	h, _ := newTestHandler(t)
	h.Blobs = blob.NewService(store, blob.WithPolicy(blob.Policy{MaxBytes: 32}))

	upload := func(name string, data []byte) *httptest.ResponseRecorder {
		return serve(h.AdminUpload, jsonRequest(t, http.MethodPost, "/api/admin/upload", map[string]string{
			"fileData": base64.StdEncoding.EncodeToString(data),
			"fileName": name,
			"type":     "wallpaper",
		}))
	}

	if rec := upload("big.png", pngBytes); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := upload("notes.txt", []byte("plain text")); rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d: %s", rec.Code, rec.Body.String())
	}

	rec := serve(h.AdminUpload, jsonRequest(t, http.MethodPost, "/api/admin/upload", map[string]string{
		"fileData": "%%%",
		"fileName": "x.png",
		"type":     "wallpaper",
	}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected invalid base64 400, got %d", rec.Code)
	}

	rec = serve(h.AdminUpload, jsonRequest(t, http.MethodPost, "/api/admin/upload", map[string]string{"fileName": "x.png"}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected missing fileData 400, got %d", rec.Code)
	}
}

func TestServeFileRejectsTraversalAndMissing(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := serve(h.File, withURLParam(httptest.NewRequest(http.MethodGet, "/api/files/x", nil), "filename", "..%2Fsecret"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for traversal, got %d", rec.Code)
	}
	rec = serve(h.Image, withURLParam(httptest.NewRequest(http.MethodGet, "/api/images/x", nil), "filename", "wallpaper_1.png"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing blob, got %d", rec.Code)
	}
}
