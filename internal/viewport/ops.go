package viewport

import (
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/starford/speedynote/internal/apperr"
	"github.com/starford/speedynote/internal/bundle"
	"github.com/starford/speedynote/internal/models"
	"github.com/starford/speedynote/internal/pdfbind"
	"github.com/starford/speedynote/internal/undo"
)

// Layer operations. Each is one undoable command on the surface ref.

func (v *Viewport) AddLayer(ctx context.Context, ref models.Ref, index int, name string) error {
	cmd, err := v.doc.AddLayer(ref, index, name)
	return v.run(ctx, cmd, err, v.surfaceKey(ref))
}

func (v *Viewport) RemoveLayer(ctx context.Context, ref models.Ref, index int) error {
	cmd, err := v.doc.RemoveLayer(ref, index)
	return v.run(ctx, cmd, err, v.surfaceKey(ref))
}

func (v *Viewport) ReorderLayer(ctx context.Context, ref models.Ref, from, to int) error {
	cmd, err := v.doc.ReorderLayer(ref, from, to)
	return v.run(ctx, cmd, err, v.surfaceKey(ref))
}

func (v *Viewport) MergeLayers(ctx context.Context, ref models.Ref, indices []int) error {
	cmd, err := v.doc.MergeLayers(ref, indices)
	return v.run(ctx, cmd, err, v.surfaceKey(ref))
}

func (v *Viewport) SetLayerVisible(ctx context.Context, ref models.Ref, index int, visible bool) error {
	cmd, err := v.doc.SetLayerVisible(ref, index, visible)
	return v.run(ctx, cmd, err, v.surfaceKey(ref))
}

func (v *Viewport) RenameLayer(ctx context.Context, ref models.Ref, index int, name string) error {
	cmd, err := v.doc.RenameLayer(ref, index, name)
	return v.run(ctx, cmd, err, v.surfaceKey(ref))
}

// SetActiveLayer picks the layer new strokes go to. It is not recorded.
func (v *Viewport) SetActiveLayer(ref models.Ref, index int) error {
	return v.doc.SetActiveLayer(ref, index)
}

// AddPage inserts a blank page at index with the document's page size.
func (v *Viewport) AddPage(ctx context.Context, index int) error {
	cmd, err := v.doc.AddPage(index, v.doc.PageSize)
	return v.run(ctx, cmd, err, bundle.ManifestKey)
}

// DeletePage removes the page at index. The last page cannot go.
func (v *Viewport) DeletePage(ctx context.Context, index int) error {
	key := v.surfaceKey(models.PageRef(index))
	cmd, err := v.doc.DeletePage(index)
	if err == nil {
		v.selection = nil
	}
	return v.run(ctx, cmd, err, key, bundle.ManifestKey)
}

// SetPageBackground changes the ruling of one page.
func (v *Viewport) SetPageBackground(ctx context.Context, index int, bg models.Background) error {
	cmd, err := v.doc.SetPageBackground(index, bg)
	return v.run(ctx, cmd, err, v.surfaceKey(models.PageRef(index)), bundle.ManifestKey)
}

// SetDocumentBackground changes the default ruling. On the edgeless canvas
// it applies to every tile.
func (v *Viewport) SetDocumentBackground(ctx context.Context, bg models.Background) error {
	cmd, err := v.doc.SetDocumentBackground(bg)
	if err != nil {
		return err
	}
	if err := v.wait(ctx, bundle.ManifestKey); err != nil {
		return err
	}
	if err := v.history.Perform(cmd); err != nil {
		return err
	}
	v.changed(ctx, nil)
	return nil
}

// InsertNote anchors a new markdown note at pos on ref.
func (v *Viewport) InsertNote(ctx context.Context, ref models.Ref, pos models.Vec, title, body string) (models.MarkdownNote, error) {
	cmd, note, err := v.doc.InsertNote(ref, pos, title, body)
	if err := v.run(ctx, cmd, err, v.surfaceKey(ref), "note:"+note.ID, bundle.ManifestKey); err != nil {
		return models.MarkdownNote{}, err
	}
	return note, nil
}

// UpdateNote edits a note's text. Text edits bypass the undo history.
func (v *Viewport) UpdateNote(ctx context.Context, id, title, body string) error {
	key := "note:" + id
	if err := v.wait(ctx, key, bundle.ManifestKey); err != nil {
		return err
	}
	if err := v.doc.UpdateNote(id, title, body); err != nil {
		return err
	}
	v.emitter.Emit(ctx, EventSurfaceDirty, []string{key})
	return nil
}

// DeleteNote removes a note with its marker and link.
func (v *Viewport) DeleteNote(ctx context.Context, id string) error {
	keys := []string{"note:" + id, bundle.ManifestKey}
	if ref, err := v.doc.NoteRef(id); err == nil {
		keys = append(keys, v.surfaceKey(ref))
	}
	cmd, err := v.doc.DeleteNote(id)
	return v.run(ctx, cmd, err, keys...)
}

// InsertLink places a link marker covering bounds.
func (v *Viewport) InsertLink(ctx context.Context, ref models.Ref, bounds models.Rect, link models.LinkObject) (models.LinkObject, error) {
	cmd, link, err := v.doc.InsertLink(ref, bounds, link)
	if err := v.run(ctx, cmd, err, v.surfaceKey(ref), bundle.ManifestKey); err != nil {
		return models.LinkObject{}, err
	}
	return link, nil
}

// InsertImage stores data as a bundle asset and places it on ref.
func (v *Viewport) InsertImage(ctx context.Context, ref models.Ref, bounds models.Rect, name string, data []byte) (string, error) {
	if err := v.requireBundle(); err != nil {
		return "", err
	}
	if path.Ext(name) == "" {
		return "", fmt.Errorf("viewport: image %q has no extension: %w", name, apperr.ErrFormatInvalid)
	}
	asset, err := v.bundle.PutAsset(name, data)
	if err != nil {
		return "", err
	}
	cmd, id, err := v.doc.InsertImage(ref, bounds, asset)
	if err := v.run(ctx, cmd, err, v.surfaceKey(ref)); err != nil {
		return "", err
	}
	return id, nil
}

// DeleteObject removes one object. Link markers take their link along.
func (v *Viewport) DeleteObject(ctx context.Context, ref models.Ref, id string) error {
	cmd, err := v.doc.DeleteObject(ref, id)
	return v.run(ctx, cmd, err, v.surfaceKey(ref), bundle.ManifestKey)
}

// DeleteSelection removes everything selected as one command.
func (v *Viewport) DeleteSelection(ctx context.Context) error {
	return v.onSelection(ctx, "Delete selection", func(s Selected) ([]undo.Command, error) {
		var cmds []undo.Command
		if len(s.Strokes) > 0 {
			cmd, err := v.doc.RemoveStrokes(s.Ref, s.Strokes)
			if err != nil {
				return nil, err
			}
			cmds = append(cmds, cmd)
		}
		for _, id := range s.Objects {
			cmd, err := v.doc.DeleteObject(s.Ref, id)
			if err != nil {
				return nil, err
			}
			cmds = append(cmds, cmd)
		}
		return cmds, nil
	}, true)
}

// MoveSelection translates everything selected by delta as one command.
func (v *Viewport) MoveSelection(ctx context.Context, delta models.Vec) error {
	return v.onSelection(ctx, "Move selection", func(s Selected) ([]undo.Command, error) {
		var cmds []undo.Command
		if len(s.Strokes) > 0 {
			cmd, err := v.doc.MoveStrokes(s.Ref, s.Strokes, delta)
			if err != nil {
				return nil, err
			}
			cmds = append(cmds, cmd)
		}
		for _, id := range s.Objects {
			cmd, err := v.doc.MoveObject(s.Ref, id, delta)
			if err != nil {
				return nil, err
			}
			cmds = append(cmds, cmd)
		}
		return cmds, nil
	}, false)
}

// onSelection builds commands per selected surface and runs them as one
// batch. Document commands capture the surface state they are built on,
// so each is applied before the next is built and all are rolled back
// before the batch is performed.
func (v *Viewport) onSelection(ctx context.Context, name string, build func(Selected) ([]undo.Command, error), clearAfter bool) error {
	if v.selection.Empty() {
		return fmt.Errorf("viewport: %s: nothing selected: %w", name, apperr.ErrInvalidSelection)
	}
	keys := []string{bundle.ManifestKey}
	var applied []undo.Command
	rollback := func() {
		for i := len(applied) - 1; i >= 0; i-- {
			_ = applied[i].Undo()
		}
	}
	for _, s := range v.selection {
		keys = append(keys, v.surfaceKey(s.Ref))
		parts := []Selected{{Ref: s.Ref, Strokes: s.Strokes}}
		for _, id := range s.Objects {
			parts = append(parts, Selected{Ref: s.Ref, Objects: []string{id}})
		}
		for _, p := range parts {
			if len(p.Strokes) == 0 && len(p.Objects) == 0 {
				continue
			}
			cmds, err := build(p)
			if err != nil {
				rollback()
				return err
			}
			for _, c := range cmds {
				if err := c.Do(); err != nil {
					rollback()
					return err
				}
				applied = append(applied, c)
			}
		}
	}
	rollback()
	if err := v.perform(ctx, &undo.Batch{Name: name, Cmds: applied}, keys...); err != nil {
		return err
	}
	if clearAfter {
		v.setSelection(ctx, nil)
	}
	return nil
}

// BindSlot binds a link to a quick-access slot. See document.BindSlot for
// the overwrite rule.
func (v *Viewport) BindSlot(ctx context.Context, slot int, linkID string, overwrite bool) (*models.LinkObject, error) {
	if err := v.wait(ctx, bundle.ManifestKey); err != nil {
		return nil, err
	}
	return v.doc.BindSlot(slot, linkID, overwrite)
}

// Follow resolves a link. Position targets move the view so the target
// point is centred; url and note targets are returned for the caller.
func (v *Viewport) Follow(ctx context.Context, linkID string) (models.LinkTarget, error) {
	l, err := v.doc.Resolve(linkID)
	if err != nil {
		return models.LinkTarget{}, err
	}
	if l.Target.Kind == models.LinkPosition {
		at := *l.Target.At
		p := at.Pos
		if at.Tile == nil {
			i, _ := v.doc.PageIndex(at.PageID)
			r := v.Layout()[i]
			p = p.Add(models.Vec{X: r.X, Y: r.Y})
		}
		view := v.view
		z := view.zoom()
		view.Origin = models.Vec{X: p.X - view.Width/z/2, Y: p.Y - view.Height/z/2}
		if err := v.SetView(ctx, view); err != nil {
			return models.LinkTarget{}, err
		}
	}
	return l.Target, nil
}

// FollowSlot follows the link bound to slot.
func (v *Viewport) FollowSlot(ctx context.Context, slot int) (models.LinkTarget, error) {
	l, ok := v.doc.Links().Slot(slot)
	if !ok {
		return models.LinkTarget{}, fmt.Errorf("viewport: slot %d is empty: %w", slot, apperr.ErrNotFound)
	}
	return v.Follow(ctx, l.ID)
}

// LinkPDF attaches the PDF at path. On a paged_pdf document the page list
// is realigned with the file's pages.
func (v *Viewport) LinkPDF(ctx context.Context, file string, decide pdfbind.Decider) error {
	if err := v.wait(ctx); err != nil {
		return err
	}
	src, info, err := v.binding.Link(file, func(m pdfbind.Mismatch) pdfbind.Decision {
		v.emitter.Emit(ctx, EventPDFMismatch, m)
		if decide == nil {
			return pdfbind.Decision{Outcome: pdfbind.Cancel}
		}
		return decide(m)
	})
	if err != nil {
		v.emitter.Emit(ctx, EventBindingState, v.binding.State())
		return err
	}
	if v.doc.Kind == models.KindPagedPDF {
		if err := v.doc.MirrorPDF(src, info.Pages); err != nil {
			return err
		}
	} else {
		v.doc.SetPDFSource(src)
	}
	v.invalidate(nil)
	v.emitter.Emit(ctx, EventBindingState, v.binding.State())
	v.emitter.Emit(ctx, EventSurfaceDirty, []string(nil))
	return nil
}

// BindingChanged refreshes the render state after the backing file changed
// underneath the binding.
func (v *Viewport) BindingChanged(ctx context.Context) {
	v.invalidate(nil)
	v.emitter.Emit(ctx, EventBindingState, v.binding.State())
}

// ExportRequest selects what Export writes.
type ExportRequest struct {
	// Range is a 1-based page range such as "1-3,5"; empty means all.
	// Ignored for edgeless documents.
	Range  string
	Preset string
	DPI    float64
}

// Export writes a flattened PDF to out. Edgeless documents export as one
// page covering all content.
func (v *Viewport) Export(ctx context.Context, out string, req ExportRequest) error {
	dpi, err := pdfbind.ResolveDPI(req.Preset, req.DPI)
	if err != nil {
		return err
	}
	var pages []pdfbind.ExportPage
	if ts := v.doc.Tiles(); ts != nil {
		bounds := v.doc.ContentBounds()
		if bounds.Empty() {
			return fmt.Errorf("viewport: export: canvas is empty: %w", apperr.ErrInvalidSelection)
		}
		var layers []models.Layer
		for _, k := range ts.Keys() {
			ls, err := v.doc.Snapshot(models.TileRef(k))
			if err != nil {
				return err
			}
			layers = append(layers, ls...)
		}
		pages = append(pages, pdfbind.ExportPage{
			Size:       models.Size{Width: bounds.W, Height: bounds.H},
			Origin:     models.Vec{X: bounds.X, Y: bounds.Y},
			Background: v.doc.Background,
			PDFPage:    -1,
			Layers:     layers,
		})
	} else {
		indices, err := pdfbind.ParseRange(req.Range, v.doc.PageCount())
		if err != nil {
			return err
		}
		for _, i := range indices {
			p, err := v.doc.Page(i)
			if err != nil {
				return err
			}
			ls, _ := v.doc.Snapshot(models.PageRef(i))
			pages = append(pages, pdfbind.ExportPage{
				Size:       p.Size,
				Background: p.Background,
				PDFPage:    p.PDFPage,
				Layers:     ls,
			})
		}
	}
	v.logger.Info("viewport: export",
		slog.String("path", out),
		slog.Int("pages", len(pages)),
		slog.Float64("dpi", dpi))
	return v.binding.Export(ctx, out, pages, pdfbind.ExportOptions{DPI: dpi})
}

// run performs a freshly built command, or returns the error that
// building it produced.
func (v *Viewport) run(ctx context.Context, cmd undo.Command, err error, keys ...string) error {
	if err != nil {
		return err
	}
	return v.perform(ctx, cmd, keys...)
}
