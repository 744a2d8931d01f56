package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/speedynote/internal/apperr"
	"github.com/starford/speedynote/internal/docservice"
	"github.com/starford/speedynote/internal/models"
	"github.com/starford/speedynote/internal/viewport"
)

// Handler holds API route handlers.
type Handler struct {
	svc       *docservice.Service
	shortcuts map[string]string
}

// NewHandler creates a new Handler.
func NewHandler(svc *docservice.Service, shortcuts map[string]string) *Handler {
	if shortcuts == nil {
		shortcuts = map[string]string{}
	}
	return &Handler{svc: svc, shortcuts: shortcuts}
}

// surfaceRef parses the {ref} URL parameter ("page:0", "tile:2_-1").
func surfaceRef(w http.ResponseWriter, r *http.Request) (models.Ref, bool) {
	ref, err := models.ParseRef(chi.URLParam(r, "ref"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return models.Ref{}, false
	}
	return ref, true
}

// Describe handles GET /api/document.
//
//	@Summary		Describe the open document
//	@Tags			document
//	@Produce		json
//	@Success		200	{object}	docservice.DocumentInfo
//	@Security		BearerAuth
//	@Router			/document [get]
func (h *Handler) Describe(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.Describe(r.Context())
	if err != nil {
		writeError(w, "describe", err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Save handles POST /api/document/save.
//
//	@Summary		Save dirty pages, tiles and notes
//	@Tags			document
//	@Success		204	"Saved"
//	@Failure		500	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/document/save [post]
func (h *Handler) Save(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Save(r.Context()); err != nil {
		writeError(w, "save", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Discard handles POST /api/document/discard.
func (h *Handler) Discard(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Discard(r.Context()); err != nil {
		writeError(w, "discard", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Undo handles POST /api/document/undo.
//
//	@Summary		Undo the last edit
//	@Tags			document
//	@Produce		json
//	@Success		200	{object}	HistoryResponse
//	@Failure		409	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/document/undo [post]
func (h *Handler) Undo(w http.ResponseWriter, r *http.Request) {
	label, err := h.svc.Undo(r.Context())
	if err != nil {
		writeError(w, "undo", err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Label: label})
}

// Redo handles POST /api/document/redo.
func (h *Handler) Redo(w http.ResponseWriter, r *http.Request) {
	label, err := h.svc.Redo(r.Context())
	if err != nil {
		writeError(w, "redo", err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Label: label})
}

// Export handles POST /api/document/export.
//
//	@Summary		Export a flattened PDF to a local path
//	@Tags			document
//	@Accept			json
//	@Param			body	body	ExportRequest	true	"Export target and options"
//	@Success		204		"Written"
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/document/export [post]
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	var req ExportRequest
	if !decode(w, r, &req) {
		return
	}
	err := h.svc.Export(r.Context(), req.Path, viewport.ExportRequest{Range: req.Range, Preset: req.Preset, DPI: req.DPI})
	if err != nil {
		writeError(w, "export", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LinkPDF handles POST /api/pdf/link.
//
//	@Summary		Link or relink the backing PDF
//	@Tags			document
//	@Accept			json
//	@Produce		json
//	@Param			body	body		LinkRequest	true	"File and mismatch decision"
//	@Success		200		{object}	LinkResponse
//	@Failure		409		{object}	LinkConflictResponse
//	@Security		BearerAuth
//	@Router			/pdf/link [post]
func (h *Handler) LinkPDF(w http.ResponseWriter, r *http.Request) {
	var req LinkRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.svc.LinkPDF(r.Context(), req.Path, req.decision())
	switch kind := apperr.KindOf(err); {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case res != nil && res.Mismatch != nil && (kind == apperr.KindIdentityMismatch || kind == apperr.KindRejected):
		writeJSON(w, http.StatusConflict, LinkConflictResponse{Error: err.Error(), Kind: kind, Mismatch: res.Mismatch})
	default:
		writeError(w, "link pdf", err)
	}
}

// SetView handles PUT /api/view.
func (h *Handler) SetView(w http.ResponseWriter, r *http.Request) {
	var view viewport.View
	if !decode(w, r, &view) {
		return
	}
	if err := h.svc.SetView(r.Context(), view); err != nil {
		writeError(w, "set view", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Input handles POST /api/input.
//
//	@Summary		Feed pointer events under a tool mode
//	@Tags			surface
//	@Accept			json
//	@Produce		json
//	@Param			body	body		InputRequest	true	"Mode and events"
//	@Success		200		{object}	InputResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/input [post]
func (h *Handler) Input(w http.ResponseWriter, r *http.Request) {
	var req InputRequest
	if !decode(w, r, &req) {
		return
	}
	intents, err := h.svc.Input(r.Context(), req.Mode, req.Events)
	if err != nil {
		writeError(w, "input", err)
		return
	}
	writeJSON(w, http.StatusOK, InputResponse{Intents: intents})
}

// Layers handles GET /api/surfaces/{ref}/layers.
func (h *Handler) Layers(w http.ResponseWriter, r *http.Request) {
	ref, ok := surfaceRef(w, r)
	if !ok {
		return
	}
	ls, err := h.svc.Layers(r.Context(), ref)
	if err != nil {
		writeError(w, "layers", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"layers": ls})
}

// AddLayer handles POST /api/surfaces/{ref}/layers.
func (h *Handler) AddLayer(w http.ResponseWriter, r *http.Request) {
	ref, ok := surfaceRef(w, r)
	if !ok {
		return
	}
	var req LayerRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.svc.AddLayer(r.Context(), ref, req.Name); err != nil {
		writeError(w, "add layer", err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// PatchLayer handles PATCH /api/surfaces/{ref}/layers/{index}.
func (h *Handler) PatchLayer(w http.ResponseWriter, r *http.Request) {
	ref, ok := surfaceRef(w, r)
	if !ok {
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("index must be an integer"))
		return
	}
	var req LayerPatch
	if !decode(w, r, &req) {
		return
	}
	if req.Name != nil {
		if err := h.svc.RenameLayer(r.Context(), ref, index, *req.Name); err != nil {
			writeError(w, "rename layer", err)
			return
		}
	}
	if req.Visible != nil {
		if err := h.svc.SetLayerVisible(r.Context(), ref, index, *req.Visible); err != nil {
			writeError(w, "layer visibility", err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// Image handles GET /api/surfaces/{ref}/image.
//
//	@Summary		Render a visible surface as PNG
//	@Tags			surface
//	@Produce		png
//	@Param			ref	path	string	true	"Surface (page:N or tile:X_Y)"
//	@Success		200
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/surfaces/{ref}/image [get]
func (h *Handler) Image(w http.ResponseWriter, r *http.Request) {
	ref, ok := surfaceRef(w, r)
	if !ok {
		return
	}
	img, err := h.svc.Image(r.Context(), ref)
	if err != nil {
		writeError(w, "image", err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img)
}

// ListNotes handles GET /api/notes.
//
//	@Summary		List notes, optionally on one surface
//	@Tags			notes
//	@Produce		json
//	@Param			surface	query		string	false	"Surface (page:N or tile:X_Y)"
//	@Success		200		{object}	NoteListResponse
//	@Security		BearerAuth
//	@Router			/notes [get]
func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	var ref *models.Ref
	if s := r.URL.Query().Get("surface"); s != "" {
		parsed, err := models.ParseRef(s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
			return
		}
		ref = &parsed
	}
	notes, err := h.svc.Notes(r.Context(), ref)
	if err != nil {
		writeError(w, "list notes", err)
		return
	}
	writeJSON(w, http.StatusOK, NoteListResponse{Notes: notes, Total: len(notes)})
}

// GetNote handles GET /api/notes/{id}.
func (h *Handler) GetNote(w http.ResponseWriter, r *http.Request) {
	note, err := h.svc.GetNote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get note", err)
		return
	}
	w.Header().Set("ETag", `"`+note.Checksum+`"`)
	writeJSON(w, http.StatusOK, note)
}

// CreateNote handles POST /api/notes.
//
//	@Summary		Anchor a new note on a surface
//	@Tags			notes
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CreateNoteRequest	true	"Note to create"
//	@Success		201		{object}	NoteDetail
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes [post]
func (h *Handler) CreateNote(w http.ResponseWriter, r *http.Request) {
	var req CreateNoteRequest
	if !decode(w, r, &req) {
		return
	}
	ref, _ := models.ParseRef(req.Surface)
	note, err := h.svc.CreateNote(r.Context(), ref, models.Vec{X: req.X, Y: req.Y}, req.Title, req.Body)
	if err != nil {
		writeError(w, "create note", err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

// UpdateNote handles PUT /api/notes/{id}.
//
//	@Summary		Update a note with optimistic concurrency
//	@Tags			notes
//	@Accept			json
//	@Produce		json
//	@Param			id			path	string				true	"Note id"
//	@Param			If-Match	header	string				false	"SHA-256 checksum for optimistic concurrency"
//	@Param			body		body	UpdateNoteRequest	true	"Updated content"
//	@Success		200		{object}	NoteDetail
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{id} [put]
func (h *Handler) UpdateNote(w http.ResponseWriter, r *http.Request) {
	var req UpdateNoteRequest
	if !decode(w, r, &req) {
		return
	}
	// Strip surrounding quotes if present (standard ETag format).
	ifMatch := strings.Trim(r.Header.Get("If-Match"), `"`)

	note, err := h.svc.UpdateNote(r.Context(), chi.URLParam(r, "id"), req.Title, req.Body, ifMatch)
	if err != nil {
		writeError(w, "update note", err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// DeleteNote handles DELETE /api/notes/{id}.
func (h *Handler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteNote(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, "delete note", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Search handles GET /api/search.
//
//	@Summary		Full-text search across notes
//	@Tags			search
//	@Produce		json
//	@Param			q		query		string	true	"Search query"
//	@Param			limit	query		int		false	"Max results"
//	@Param			surface	query		string	false	"Surface reference, page:<index> or tile:<x>_<y>"
//	@Param			tag		query		string	false	"Inline tag"
//	@Success		200		{object}	SearchResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'q' is required"))
		return
	}
	sq := docservice.SearchQuery{Text: q, Tag: r.URL.Query().Get("tag")}
	sq.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if raw := r.URL.Query().Get("surface"); raw != "" {
		ref, err := models.ParseRef(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
			return
		}
		sq.Surface = &ref
	}
	results, err := h.svc.Search(r.Context(), sq)
	if err != nil {
		writeError(w, "search", err)
		return
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: nonNil(results)})
}

// Follow handles POST /api/links/{id}/follow.
func (h *Handler) Follow(w http.ResponseWriter, r *http.Request) {
	target, err := h.svc.Follow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "follow link", err)
		return
	}
	writeJSON(w, http.StatusOK, target)
}

// Shortcuts handles GET /api/shortcuts.
func (h *Handler) Shortcuts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.shortcuts)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
