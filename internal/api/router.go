package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/speedynote/internal/docservice"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
// shortcuts is the read-only key binding table served at GET /shortcuts.
func NewRouter(svc *docservice.Service, authEnabled bool, token string, sseHandler http.Handler, shortcuts map[string]string) chi.Router {
	h := NewHandler(svc, shortcuts)
	ah := NewAssetHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Document.
	r.Get("/document", h.Describe)
	r.Post("/document/save", h.Save)
	r.Post("/document/discard", h.Discard)
	r.Post("/document/undo", h.Undo)
	r.Post("/document/redo", h.Redo)
	r.Post("/document/export", h.Export)
	r.Post("/pdf/link", h.LinkPDF)

	// Editing surface.
	r.Put("/view", h.SetView)
	r.Post("/input", h.Input)
	r.Get("/surfaces/{ref}/layers", h.Layers)
	r.Post("/surfaces/{ref}/layers", h.AddLayer)
	r.Patch("/surfaces/{ref}/layers/{index}", h.PatchLayer)
	r.Get("/surfaces/{ref}/image", h.Image)

	// Images.
	r.Post("/surfaces/{ref}/images", ah.Upload)
	r.Get("/assets/{name}", ah.ServeFile)

	// Notes.
	r.Get("/notes", h.ListNotes)
	r.Post("/notes", h.CreateNote)
	r.Get("/notes/{id}", h.GetNote)
	r.Put("/notes/{id}", h.UpdateNote)
	r.Delete("/notes/{id}", h.DeleteNote)

	// Search.
	r.Get("/search", h.Search)

	// Links.
	r.Post("/links/{id}/follow", h.Follow)

	r.Get("/shortcuts", h.Shortcuts)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
