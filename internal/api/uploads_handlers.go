package api

import (
	"encoding/base64"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"promptgallery/internal/blob"
)

// multipartOverhead covers form boundaries and the type field on top of
// the file itself.
const multipartOverhead = 1 << 20

type uploadRequest struct {
	FileData string `json:"fileData"`
	FileName string `json:"fileName"`
	Type     string `json:"type"`
	MimeType string `json:"mimeType"`
}

// AdminUpload stores one file sent as multipart form data (file, type) or
// as JSON carrying base64 data.
func (h *Handler) AdminUpload(w http.ResponseWriter, r *http.Request) {
	if h.Blobs == nil {
		h.writeServiceError(w, r, errors.New("blob service not configured"))
		return
	}

	var (
		upload blob.Upload
		ok     bool
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		upload, ok = h.readMultipartUpload(w, r)
	} else {
		upload, ok = h.readJSONUpload(w, r)
	}
	if !ok {
		return
	}

	stored, err := h.Blobs.Store(r.Context(), upload)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.metrics().ObserveUpload(stored.Meta.Size)
	h.auditAdmin(r, "file_uploaded", "key", stored.Key, "size", stored.Meta.Size, "mime_type", stored.Meta.MimeType)

	writeSuccess(w, http.StatusOK, map[string]any{
		"imageUrl":     stored.DisplayPath(),
		"downloadUrl":  stored.DownloadPath(),
		"fileName":     stored.Key,
		"originalName": stored.Meta.OriginalName,
		"fileType":     stored.Meta.MimeType,
	})
}

func (h *Handler) readMultipartUpload(w http.ResponseWriter, r *http.Request) (blob.Upload, bool) {
	limit := h.maxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeDecodeError(w, err)
		return blob.Upload{}, false
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file provided")
		return blob.Upload{}, false
	}
	defer file.Close()

	if header.Size > limit {
		h.writeServiceError(w, r, blob.ErrTooLarge)
		return blob.Upload{}, false
	}
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		h.writeServiceError(w, r, err)
		return blob.Upload{}, false
	}
	return blob.Upload{
		Data:         data,
		OriginalName: header.Filename,
		MimeType:     header.Header.Get("Content-Type"),
		UploadType:   r.FormValue("type"),
	}, true
}

func (h *Handler) readJSONUpload(w http.ResponseWriter, r *http.Request) (blob.Upload, bool) {
	// Base64 inflates by a third.
	limit := h.maxUploadBytes()*4/3 + multipartOverhead
	var req uploadRequest
	if err := decodeJSONLimit(w, r, &req, limit); err != nil {
		writeDecodeError(w, err)
		return blob.Upload{}, false
	}
	if req.FileData == "" || strings.TrimSpace(req.FileName) == "" || strings.TrimSpace(req.Type) == "" {
		writeError(w, http.StatusBadRequest, "fileData, fileName, and type are required")
		return blob.Upload{}, false
	}

	encoded, declared := splitDataURL(req.FileData)
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		writeError(w, http.StatusBadRequest, "fileData must be base64 encoded")
		return blob.Upload{}, false
	}
	mimeType := strings.TrimSpace(req.MimeType)
	if mimeType == "" {
		mimeType = declared
	}
	return blob.Upload{
		Data:         data,
		OriginalName: req.FileName,
		MimeType:     mimeType,
		UploadType:   req.Type,
	}, true
}

// splitDataURL strips an optional "data:<type>;base64," prefix, returning
// the payload and the declared type.
func splitDataURL(value string) (string, string) {
	value = strings.TrimSpace(value)
	header, payload, found := strings.Cut(value, ",")
	if !found {
		return value, ""
	}
	declared := ""
	if strings.HasPrefix(header, "data:") {
		declared = strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
	}
	return payload, declared
}
