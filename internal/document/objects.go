package document

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/starford/speedynote/internal/apperr"
	"github.com/starford/speedynote/internal/models"
	"github.com/starford/speedynote/internal/strokes"
	"github.com/starford/speedynote/internal/undo"
)

// objectCmd pairs a layer snapshot with link and note side effects. When
// insert is set, Do adds link and note and Undo removes them; otherwise the
// roles swap.
type objectCmd struct {
	*layersCmd
	doc    *Document
	insert bool
	link   *models.LinkObject
	note   *models.MarkdownNote
}

func (c *objectCmd) Do() error {
	if err := c.layersCmd.Do(); err != nil {
		return err
	}
	if c.insert {
		return c.attach()
	}
	c.detach()
	return nil
}

func (c *objectCmd) Undo() error {
	if err := c.layersCmd.Undo(); err != nil {
		return err
	}
	if c.insert {
		c.detach()
		return nil
	}
	return c.attach()
}

func (c *objectCmd) attach() error {
	if c.link != nil {
		if err := c.doc.restoreLink(*c.link); err != nil {
			return err
		}
	}
	if c.note != nil {
		c.doc.restoreNote(*c.note)
	}
	return nil
}

func (c *objectCmd) detach() {
	if c.link != nil {
		c.doc.dropLink(c.link.ID)
	}
	if c.note != nil {
		c.doc.dropNote(c.note.ID)
	}
}

// restoreLink puts back a removed link. A slot taken over since the
// removal keeps its new occupant.
func (d *Document) restoreLink(l models.LinkObject) error {
	if err := d.links.Add(l); err != nil {
		return err
	}
	if _, taken := d.links.Slot(l.Slot); l.Slot != 0 && !taken {
		if _, err := d.links.Assign(l.Slot, l); err != nil {
			return err
		}
	}
	d.meta.touch("")
	return nil
}

func (d *Document) dropLink(id string) {
	d.links.Remove(id)
	d.meta.touch("")
}

func (d *Document) restoreNote(n models.MarkdownNote) {
	d.notes[n.ID] = &n
	delete(d.deletedNotes, n.ID)
	d.noteGen.touch(n.ID)
}

func (d *Document) dropNote(id string) {
	delete(d.notes, id)
	d.deletedNotes[id] = struct{}{}
}

func (d *Document) insertObject(ref models.Ref, label string, obj models.ObjectEntry) (*layersCmd, error) {
	return d.edit(ref, label, func(ls []models.Layer) ([]models.Layer, error) {
		if len(ls) == 0 {
			ls = append(ls, newLayer("Layer 1"))
		}
		s, _ := d.resolve(ref)
		i := d.activeIndex(s)
		if i < 0 || i >= len(ls) {
			i = len(ls) - 1
		}
		ls[i].Objects = append(ls[i].Objects, obj)
		return ls, nil
	})
}

// InsertImage places an image object referencing a bundle asset.
func (d *Document) InsertImage(ref models.Ref, bounds models.Rect, asset string) (undo.Command, string, error) {
	if bounds.Empty() || asset == "" {
		return nil, "", fmt.Errorf("document: insert image: %w", apperr.ErrInvalidSelection)
	}
	obj := models.ObjectEntry{ID: uuid.NewString(), Kind: models.ObjectImage, Bounds: bounds, Asset: asset}
	cmd, err := d.insertObject(ref, "Insert image", obj)
	if err != nil {
		return nil, "", err
	}
	return cmd, obj.ID, nil
}

// InsertLink places a link marker with a new position or url link.
func (d *Document) InsertLink(ref models.Ref, bounds models.Rect, link models.LinkObject) (undo.Command, models.LinkObject, error) {
	if link.Target.Kind == models.LinkNote {
		return nil, link, fmt.Errorf("document: note links are created with InsertNote: %w", apperr.ErrInvalidSelection)
	}
	if link.Target.Kind != models.LinkURL && link.Target.Kind != models.LinkPosition {
		return nil, link, fmt.Errorf("document: link kind %q: %w", link.Target.Kind, apperr.ErrFormatInvalid)
	}
	if link.ID == "" {
		link.ID = uuid.NewString()
	}
	link.Slot = 0
	if _, ok := d.links.Get(link.ID); ok {
		return nil, link, fmt.Errorf("document: link %s: %w", link.ID, apperr.ErrAlreadyExists)
	}
	obj := models.ObjectEntry{ID: uuid.NewString(), Kind: models.ObjectLink, Bounds: bounds, LinkID: link.ID}
	lc, err := d.insertObject(ref, "Insert link", obj)
	if err != nil {
		return nil, link, err
	}
	return &objectCmd{layersCmd: lc, doc: d, insert: true, link: &link}, link, nil
}

// NoteMarkerSize is the edge length of the marker object of a note.
const NoteMarkerSize = 24

// InsertNote creates a markdown note anchored at pos together with its
// link and marker object.
func (d *Document) InsertNote(ref models.Ref, pos models.Vec, title, body string) (undo.Command, models.MarkdownNote, error) {
	s, err := d.resolve(ref)
	if err != nil {
		return nil, models.MarkdownNote{}, err
	}
	now := d.now().UTC()
	note := models.MarkdownNote{
		ID:        uuid.NewString(),
		Title:     title,
		Body:      body,
		Anchor:    models.Anchor{PageID: s.pageID, Tile: s.tile, Pos: pos},
		CreatedAt: now,
		UpdatedAt: now,
	}
	link := models.LinkObject{
		ID:     uuid.NewString(),
		Target: models.LinkTarget{Kind: models.LinkNote, NoteID: note.ID},
	}
	obj := models.ObjectEntry{
		ID:     uuid.NewString(),
		Kind:   models.ObjectLink,
		Bounds: models.Rect{X: pos.X, Y: pos.Y, W: NoteMarkerSize, H: NoteMarkerSize},
		LinkID: link.ID,
	}
	note.ObjectID = obj.ID
	lc, err := d.insertObject(ref, "Insert note", obj)
	if err != nil {
		return nil, models.MarkdownNote{}, err
	}
	return &objectCmd{layersCmd: lc, doc: d, insert: true, link: &link, note: &note}, note, nil
}

// DeleteObject removes an object. Deleting a link marker removes its link;
// when that link points at a note, the note goes too. Undo restores all of
// them.
func (d *Document) DeleteObject(ref models.Ref, id string) (undo.Command, error) {
	var found models.ObjectEntry
	lc, err := d.edit(ref, "Delete object", func(ls []models.Layer) ([]models.Layer, error) {
		li, oi, ok := strokes.FindObject(ls, id)
		if !ok {
			return nil, fmt.Errorf("object %s: %w", id, apperr.ErrNotFound)
		}
		found = ls[li].Objects[oi]
		ls[li].Objects = append(ls[li].Objects[:oi:oi], ls[li].Objects[oi+1:]...)
		return ls, nil
	})
	if err != nil {
		return nil, err
	}
	cmd := &objectCmd{layersCmd: lc, doc: d}
	if found.Kind == models.ObjectLink {
		if l, ok := d.links.Get(found.LinkID); ok {
			cmd.link = &l
			if l.Target.Kind == models.LinkNote {
				if n, ok := d.notes[l.Target.NoteID]; ok {
					cp := *n
					cmd.note = &cp
				}
			}
		}
	}
	return cmd, nil
}

// MoveObject translates an object by delta.
func (d *Document) MoveObject(ref models.Ref, id string, delta models.Vec) (undo.Command, error) {
	return d.edit(ref, "Move object", func(ls []models.Layer) ([]models.Layer, error) {
		li, oi, ok := strokes.FindObject(ls, id)
		if !ok {
			return nil, fmt.Errorf("object %s: %w", id, apperr.ErrNotFound)
		}
		o := &ls[li].Objects[oi]
		o.Bounds = o.Bounds.Translate(delta)
		return ls, nil
	})
}

// DeleteNote removes a note along with its marker object and link.
func (d *Document) DeleteNote(id string) (undo.Command, error) {
	n, ok := d.notes[id]
	if !ok {
		return nil, fmt.Errorf("document: note %s: %w", id, apperr.ErrNotFound)
	}
	ref, err := d.anchorRef(n.Anchor)
	if err == nil && n.ObjectID != "" {
		cmd, err := d.DeleteObject(ref, n.ObjectID)
		if err == nil {
			oc := cmd.(*objectCmd)
			oc.label = "Delete note"
			if oc.note == nil {
				cp := *n
				oc.note = &cp
			}
			return oc, nil
		}
	}
	// The marker is gone already; drop the note and any link aimed at it.
	cp := *n
	cmd := &objectCmd{doc: d, note: &cp}
	for _, l := range d.links.All() {
		if l.Target.Kind == models.LinkNote && l.Target.NoteID == id {
			lc := l
			cmd.link = &lc
			break
		}
	}
	return noteOnlyCmd{cmd}, nil
}

// noteOnlyCmd runs the side effects of an objectCmd without a layer
// snapshot.
type noteOnlyCmd struct{ c *objectCmd }

func (n noteOnlyCmd) Label() string { return "Delete note" }
func (n noteOnlyCmd) Do() error     { n.c.detach(); return nil }
func (n noteOnlyCmd) Undo() error   { return n.c.attach() }

func (d *Document) anchorRef(a models.Anchor) (models.Ref, error) {
	if a.Tile != nil {
		if d.tiles == nil {
			return models.Ref{}, apperr.ErrWrongKind
		}
		return models.TileRef(*a.Tile), nil
	}
	i, ok := d.PageIndex(a.PageID)
	if !ok {
		return models.Ref{}, fmt.Errorf("document: page %s: %w", a.PageID, apperr.ErrNotFound)
	}
	return models.PageRef(i), nil
}

// NoteRef returns the surface a note is anchored on.
func (d *Document) NoteRef(id string) (models.Ref, error) {
	n, ok := d.notes[id]
	if !ok {
		return models.Ref{}, fmt.Errorf("document: note %s: %w", id, apperr.ErrNotFound)
	}
	return d.anchorRef(n.Anchor)
}
