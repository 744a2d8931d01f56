package api

import (
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/speedynote/internal/docservice"
	"github.com/starford/speedynote/internal/models"
)

const maxUploadBytes = 50 << 20 // 50 MB

var contentTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
}

// AssetHandler places and serves image blobs stored in the bundle.
type AssetHandler struct {
	svc *docservice.Service
}

// NewAssetHandler creates a handler over the open document.
func NewAssetHandler(svc *docservice.Service) *AssetHandler {
	return &AssetHandler{svc: svc}
}

// ServeFile handles GET /api/assets/{name}.
func (h *AssetHandler) ServeFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	data, err := h.svc.Asset(r.Context(), name)
	if err != nil {
		writeError(w, "asset", err)
		return
	}
	ct, ok := contentTypes[strings.ToLower(filepath.Ext(name))]
	if !ok {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// Upload handles POST /api/surfaces/{ref}/images (multipart/form-data,
// field "file", bounds in fields x, y, w and h).
func (h *AssetHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ref, ok := surfaceRef(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
		return
	}
	defer file.Close()

	var bounds models.Rect
	for _, f := range []struct {
		name string
		dst  *float64
	}{{"x", &bounds.X}, {"y", &bounds.Y}, {"w", &bounds.W}, {"h", &bounds.H}} {
		v, err := strconv.ParseFloat(r.FormValue(f.name), 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("field '"+f.name+"' must be a number"))
			return
		}
		*f.dst = v
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read file"))
		return
	}

	id, err := h.svc.InsertImage(r.Context(), ref, bounds, filepath.Base(header.Filename), data)
	if err != nil {
		writeError(w, "upload image", err)
		return
	}
	writeJSON(w, http.StatusCreated, AssetUploadResponse{ObjectID: id, Size: int64(len(data))})
}
