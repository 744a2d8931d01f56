// Package docservice is the transport-facing facade over one open
// document. It routes every call through the viewport session and keeps
// the note index in step with note edits.
package docservice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"log/slog"

	"github.com/starford/speedynote/internal/apperr"
	"github.com/starford/speedynote/internal/bundle"
	"github.com/starford/speedynote/internal/index"
	"github.com/starford/speedynote/internal/models"
	"github.com/starford/speedynote/internal/pdfbind"
	"github.com/starford/speedynote/internal/viewport"
)

// DocumentInfo summarizes the open document.
type DocumentInfo struct {
	ID       string              `json:"id"`
	Title    string              `json:"title"`
	Kind     models.DocumentKind `json:"kind"`
	Pages    []PageInfo          `json:"pages,omitempty"`
	Tiles    []string            `json:"tiles,omitempty"`
	TileSize float64             `json:"tile_size,omitempty"`
	Binding  string              `json:"binding"`
	PDF      string              `json:"pdf,omitempty"`
	Modified bool                `json:"modified"`
	CanUndo  bool                `json:"can_undo"`
	CanRedo  bool                `json:"can_redo"`
	Mode     viewport.Mode       `json:"mode"`
	Notes    int                 `json:"notes"`
}

// PageInfo describes one page.
type PageInfo struct {
	Index   int                   `json:"index"`
	ID      string                `json:"id"`
	Size    models.Size           `json:"size"`
	PDFPage int                   `json:"pdf_page"`
	Layers  int                   `json:"layers"`
	Bg      models.BackgroundKind `json:"background"`
}

// LayerInfo describes one layer of a surface.
type LayerInfo struct {
	Index   int    `json:"index"`
	ID      string `json:"id"`
	Name    string `json:"name"`
	Visible bool   `json:"visible"`
	Active  bool   `json:"active"`
	Strokes int    `json:"strokes"`
	Objects int    `json:"objects"`
}

// NoteDetail is a note with its index metadata.
type NoteDetail struct {
	models.MarkdownNote
	Surface   string   `json:"surface"`
	Checksum  string   `json:"checksum"`
	Tags      []string `json:"tags"`
	Backlinks []string `json:"backlinks"`
}

// Service coordinates the session and the note index.
type Service struct {
	sess   *viewport.Session
	db     *index.DB
	logger *slog.Logger
}

// New creates a service. db may be nil, in which case search and
// backlinks are unavailable.
func New(sess *viewport.Session, db *index.DB, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{sess: sess, db: db, logger: logger.With(slog.String("component", "docservice"))}
}

// Session returns the underlying session.
func (s *Service) Session() *viewport.Session { return s.sess }

// Describe returns a summary of the document.
func (s *Service) Describe(ctx context.Context) (*DocumentInfo, error) {
	var info DocumentInfo
	err := s.sess.Do(ctx, func(v *viewport.Viewport) error {
		d := v.Document()
		info = DocumentInfo{
			ID:       d.ID,
			Title:    d.Title,
			Kind:     d.Kind,
			Binding:  string(v.Binding().State()),
			PDF:      d.PDF.Path,
			Modified: d.Modified(),
			CanUndo:  v.History().CanUndo(),
			CanRedo:  v.History().CanRedo(),
			Mode:     v.Mode(),
			Notes:    len(d.Notes()),
		}
		for i, p := range d.Pages() {
			info.Pages = append(info.Pages, PageInfo{
				Index:   i,
				ID:      p.ID,
				Size:    p.Size,
				PDFPage: p.PDFPage,
				Layers:  len(p.Layers),
				Bg:      p.Background.Kind,
			})
		}
		if ts := d.Tiles(); ts != nil {
			info.TileSize = ts.Size()
			for _, k := range ts.Keys() {
				info.Tiles = append(info.Tiles, k.String())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// Layers lists the layers of a surface, bottom first.
func (s *Service) Layers(ctx context.Context, ref models.Ref) ([]LayerInfo, error) {
	var out []LayerInfo
	err := s.sess.Do(ctx, func(v *viewport.Viewport) error {
		d := v.Document()
		ls, err := d.Snapshot(ref)
		if err != nil {
			return err
		}
		active, _ := d.ActiveLayer(ref)
		out = make([]LayerInfo, len(ls))
		for i, l := range ls {
			out[i] = LayerInfo{
				Index:   i,
				ID:      l.ID,
				Name:    l.Name,
				Visible: l.Visible,
				Active:  i == active,
				Strokes: len(l.Strokes),
				Objects: len(l.Objects),
			}
		}
		return nil
	})
	return out, err
}

// AddLayer appends a layer on top of a surface.
func (s *Service) AddLayer(ctx context.Context, ref models.Ref, name string) error {
	return s.sess.Do(ctx, func(v *viewport.Viewport) error {
		ls, err := v.Document().Layers(ref)
		if err != nil {
			return err
		}
		return v.AddLayer(ctx, ref, len(ls), name)
	})
}

// SetLayerVisible shows or hides a layer.
func (s *Service) SetLayerVisible(ctx context.Context, ref models.Ref, index int, visible bool) error {
	return s.sess.Do(ctx, func(v *viewport.Viewport) error { return v.SetLayerVisible(ctx, ref, index, visible) })
}

// RenameLayer renames a layer.
func (s *Service) RenameLayer(ctx context.Context, ref models.Ref, index int, name string) error {
	return s.sess.Do(ctx, func(v *viewport.Viewport) error { return v.RenameLayer(ctx, ref, index, name) })
}

// Asset returns a stored image blob.
func (s *Service) Asset(ctx context.Context, name string) ([]byte, error) {
	var b *bundle.Bundle
	if err := s.sess.Do(ctx, func(v *viewport.Viewport) error {
		b = v.Bundle()
		return nil
	}); err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("docservice: asset %s: %w", name, apperr.ErrNotFound)
	}
	return b.Asset(name)
}

// Do runs fn on the session owner. Transports use it for edits without a
// dedicated service method.
func (s *Service) Do(ctx context.Context, fn func(*viewport.Viewport) error) error {
	return s.sess.Do(ctx, fn)
}

// Input feeds pointer events under a mode and returns the intents they
// produced.
func (s *Service) Input(ctx context.Context, mode viewport.Mode, events []viewport.Event) ([]viewport.EditIntent, error) {
	var out []viewport.EditIntent
	err := s.sess.Do(ctx, func(v *viewport.Viewport) error {
		if v.Mode() != mode {
			if err := v.SetMode(ctx, mode); err != nil {
				return err
			}
		}
		for _, ev := range events {
			in, err := v.Handle(ctx, ev)
			if err != nil {
				return err
			}
			out = append(out, in)
		}
		return nil
	})
	return out, err
}

// SetView moves the viewport.
func (s *Service) SetView(ctx context.Context, view viewport.View) error {
	return s.sess.Do(ctx, func(v *viewport.Viewport) error {
		return v.SetView(ctx, view)
	})
}

// Undo reverts the last edit and returns its label.
func (s *Service) Undo(ctx context.Context) (string, error) {
	var label string
	err := s.sess.Do(ctx, func(v *viewport.Viewport) error {
		var err error
		label, err = v.Undo(ctx)
		return err
	})
	if err == nil {
		s.Reindex(ctx)
	}
	return label, err
}

// Redo reapplies the last undone edit and returns its label.
func (s *Service) Redo(ctx context.Context) (string, error) {
	var label string
	err := s.sess.Do(ctx, func(v *viewport.Viewport) error {
		var err error
		label, err = v.Redo(ctx)
		return err
	})
	if err == nil {
		s.Reindex(ctx)
	}
	return label, err
}

// Save persists the document. Edits keep flowing while files are written.
func (s *Service) Save(ctx context.Context) error {
	return s.sess.Save(ctx)
}

// Discard drops unsaved edits and reloads the bundle.
func (s *Service) Discard(ctx context.Context) error {
	err := s.sess.Do(ctx, func(v *viewport.Viewport) error { return v.DiscardChanges(ctx) })
	if err == nil {
		s.Reindex(ctx)
	}
	return err
}

// Export writes a flattened PDF.
func (s *Service) Export(ctx context.Context, out string, req viewport.ExportRequest) error {
	return s.sess.Do(ctx, func(v *viewport.Viewport) error { return v.Export(ctx, out, req) })
}

// LinkResult reports the binding after a LinkPDF call. Mismatch is set
// when the chosen file differed from the recorded one.
type LinkResult struct {
	State    pdfbind.State     `json:"state"`
	Source   models.PDFSource  `json:"source"`
	Pages    int               `json:"pages"`
	Mismatch *pdfbind.Mismatch `json:"mismatch,omitempty"`
}

// LinkPDF attaches or replaces the backing PDF. decision answers the first
// fingerprint mismatch and any later one cancels. Without a decision a
// mismatch leaves the binding as it was and fails with
// ErrIdentityMismatch, with the mismatch in the result.
func (s *Service) LinkPDF(ctx context.Context, path string, decision *pdfbind.Decision) (*LinkResult, error) {
	res := &LinkResult{}
	answered := false
	decide := func(m pdfbind.Mismatch) pdfbind.Decision {
		res.Mismatch = &m
		if decision == nil || answered {
			return pdfbind.Decision{Outcome: pdfbind.Cancel}
		}
		answered = true
		return *decision
	}
	err := s.sess.Do(ctx, func(v *viewport.Viewport) error {
		err := v.LinkPDF(ctx, path, decide)
		b := v.Binding()
		res.State, res.Source, res.Pages = b.State(), b.Source(), len(b.Info().Pages)
		return err
	})
	if err != nil && decision == nil && res.Mismatch != nil {
		err = fmt.Errorf("docservice: link %s: %w", path, apperr.ErrIdentityMismatch)
	}
	if err != nil {
		return res, err
	}
	s.logger.Info("pdf linked", slog.String("path", res.Source.Path), slog.Int("pages", res.Pages))
	return res, nil
}

// Image renders the visible surfaces and returns ref as PNG. Surfaces
// outside the view are not rendered.
func (s *Service) Image(ctx context.Context, ref models.Ref) ([]byte, error) {
	if err := s.sess.Render(ctx); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	err := s.sess.Do(ctx, func(v *viewport.Viewport) error {
		res, ok := v.Image(ref)
		if !ok || res.Img == nil {
			return fmt.Errorf("docservice: %s not rendered: %w", ref, apperr.ErrNotFound)
		}
		return png.Encode(&buf, res.Img)
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// InsertImage stores data as an asset and places it on ref.
func (s *Service) InsertImage(ctx context.Context, ref models.Ref, bounds models.Rect, name string, data []byte) (string, error) {
	var id string
	err := s.sess.Do(ctx, func(v *viewport.Viewport) error {
		var err error
		id, err = v.InsertImage(ctx, ref, bounds, name, data)
		return err
	})
	return id, err
}

// Follow resolves a link and moves the view to position targets.
func (s *Service) Follow(ctx context.Context, linkID string) (models.LinkTarget, error) {
	var t models.LinkTarget
	err := s.sess.Do(ctx, func(v *viewport.Viewport) error {
		var err error
		t, err = v.Follow(ctx, linkID)
		return err
	})
	return t, err
}

// Notes lists the notes of the document, or of one surface when ref is
// not nil.
func (s *Service) Notes(ctx context.Context, ref *models.Ref) ([]NoteDetail, error) {
	var notes []models.MarkdownNote
	err := s.sess.Do(ctx, func(v *viewport.Viewport) error {
		d := v.Document()
		for _, n := range d.Notes() {
			if ref != nil {
				at, err := d.NoteRef(n.ID)
				if err != nil || at != *ref {
					continue
				}
			}
			notes = append(notes, n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]NoteDetail, 0, len(notes))
	for _, n := range notes {
		nd, err := s.detail(n)
		if err != nil {
			return nil, err
		}
		out = append(out, *nd)
	}
	return out, nil
}

// GetNote returns one note.
func (s *Service) GetNote(ctx context.Context, id string) (*NoteDetail, error) {
	n, err := s.note(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.detail(n)
}

// CreateNote anchors a new note at pos on ref and indexes it.
func (s *Service) CreateNote(ctx context.Context, ref models.Ref, pos models.Vec, title, body string) (*NoteDetail, error) {
	var n models.MarkdownNote
	err := s.sess.Do(ctx, func(v *viewport.Viewport) error {
		var err error
		n, err = v.InsertNote(ctx, ref, pos, title, body)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.indexNote(n)
	return s.detail(n)
}

// UpdateNote replaces the title and body of a note. A non-empty ifMatch
// must equal the note's current checksum.
func (s *Service) UpdateNote(ctx context.Context, id, title, body, ifMatch string) (*NoteDetail, error) {
	var n models.MarkdownNote
	err := s.sess.Do(ctx, func(v *viewport.Viewport) error {
		cur, err := v.Document().Note(id)
		if err != nil {
			return err
		}
		if ifMatch != "" {
			e, err := index.EntryOf(cur)
			if err != nil {
				return err
			}
			if e.Row.Checksum != ifMatch {
				return fmt.Errorf("docservice: note %s changed: %w", id, apperr.ErrConflict)
			}
		}
		if err := v.UpdateNote(ctx, id, title, body); err != nil {
			return err
		}
		n, err = v.Document().Note(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.indexNote(n)
	return s.detail(n)
}

// DeleteNote removes a note and its marker.
func (s *Service) DeleteNote(ctx context.Context, id string) error {
	err := s.sess.Do(ctx, func(v *viewport.Viewport) error { return v.DeleteNote(ctx, id) })
	if err != nil {
		return err
	}
	if s.db != nil {
		if err := s.db.DeleteNote(id); err != nil {
			s.logger.Warn("docservice: unindex failed", slog.String("id", id), slog.String("error", err.Error()))
		}
	}
	return nil
}

// SearchQuery narrows a full-text search. Surface limits hits to the notes
// anchored on one page or tile; Tag to notes carrying an inline #tag.
type SearchQuery struct {
	Text    string
	Surface *models.Ref
	Tag     string
	Limit   int
}

// Search runs a full-text query over the notes.
func (s *Service) Search(ctx context.Context, q SearchQuery) ([]index.SearchResult, error) {
	if s.db == nil {
		return nil, fmt.Errorf("docservice: no index: %w", apperr.ErrNotFound)
	}
	iq := index.Query{Text: q.Text, Tag: q.Tag, Limit: q.Limit}
	if q.Surface != nil {
		ref := *q.Surface
		err := s.sess.Do(ctx, func(v *viewport.Viewport) error {
			if ref.Kind == models.RefTile {
				iq.Anchor = models.Anchor{Tile: &ref.Tile}.Key()
				return nil
			}
			p, err := v.Document().Page(ref.Page)
			if err != nil {
				return err
			}
			iq.Anchor = models.Anchor{PageID: p.ID}.Key()
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return s.db.Search(iq)
}

// Backlinks returns the ids of notes linking to target.
func (s *Service) Backlinks(_ context.Context, target string) ([]string, error) {
	if s.db == nil {
		return []string{}, nil
	}
	bl, err := s.db.Backlinks(target)
	return nonNilSlice(bl), err
}

// Reindex reconciles the index with the notes in memory.
func (s *Service) Reindex(ctx context.Context) {
	if s.db == nil {
		return
	}
	var notes []models.MarkdownNote
	if err := s.sess.Do(ctx, func(v *viewport.Viewport) error {
		notes = v.Document().Notes()
		return nil
	}); err != nil {
		return
	}
	if err := index.Sync(s.db, noteList(notes), s.logger); err != nil {
		s.logger.Warn("docservice: reindex failed", slog.String("error", err.Error()))
	}
}

type noteList []models.MarkdownNote

func (l noteList) Notes() []models.MarkdownNote { return l }

func (s *Service) note(ctx context.Context, id string) (models.MarkdownNote, error) {
	var n models.MarkdownNote
	err := s.sess.Do(ctx, func(v *viewport.Viewport) error {
		var err error
		n, err = v.Document().Note(id)
		return err
	})
	return n, err
}

func (s *Service) indexNote(n models.MarkdownNote) {
	if s.db == nil {
		return
	}
	e, err := index.EntryOf(n)
	if err == nil {
		err = s.db.UpsertNote(e.Row, e.Body, e.Links)
	}
	if err != nil {
		s.logger.Warn("docservice: index failed", slog.String("id", n.ID), slog.String("error", err.Error()))
	}
}

func (s *Service) detail(n models.MarkdownNote) (*NoteDetail, error) {
	e, err := index.EntryOf(n)
	if err != nil {
		return nil, err
	}
	bl := []string{}
	if s.db != nil {
		bl, err = s.db.Backlinks(n.ID)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
	}
	return &NoteDetail{
		MarkdownNote: n,
		Surface:      n.Anchor.Key(),
		Checksum:     e.Row.Checksum,
		Tags:         nonNilSlice(e.Row.Tags),
		Backlinks:    nonNilSlice(bl),
	}, nil
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
