package document

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/starford/speedynote/internal/apperr"
	"github.com/starford/speedynote/internal/models"
	"github.com/starford/speedynote/internal/strokes"
	"github.com/starford/speedynote/internal/undo"
)

// layersCmd swaps a surface between two full layer snapshots. Both
// snapshots are private copies; they are cloned again on every apply so
// live edits never alias them.
type layersCmd struct {
	d      *Document
	label  string
	s      surf
	before []models.Layer
	after  []models.Layer
}

func (c *layersCmd) Label() string { return c.label }

func (c *layersCmd) Do() error { return c.apply(c.after) }

func (c *layersCmd) Undo() error { return c.apply(c.before) }

func (c *layersCmd) apply(ls []models.Layer) error {
	if err := c.d.checkSurf(c.s); err != nil {
		return err
	}
	c.d.setLayers(c.s, models.CloneLayers(ls))
	return nil
}

func (d *Document) checkSurf(s surf) error {
	if s.tile != nil {
		return nil
	}
	if _, ok := d.PageIndex(s.pageID); !ok {
		return fmt.Errorf("document: page %s: %w", s.pageID, apperr.ErrNotFound)
	}
	return nil
}

// edit resolves ref and builds a snapshot command from fn, which receives a
// private copy of the current layers and returns the new list.
func (d *Document) edit(ref models.Ref, label string, fn func([]models.Layer) ([]models.Layer, error)) (*layersCmd, error) {
	s, err := d.resolve(ref)
	if err != nil {
		return nil, err
	}
	before := models.CloneLayers(d.layersOf(s))
	after, err := fn(models.CloneLayers(before))
	if err != nil {
		return nil, fmt.Errorf("document: %s: %w", label, err)
	}
	return &layersCmd{d: d, label: label, s: s, before: before, after: after}, nil
}

// AddLayer inserts an empty visible layer at index.
func (d *Document) AddLayer(ref models.Ref, index int, name string) (undo.Command, error) {
	return d.edit(ref, "Add layer", func(ls []models.Layer) ([]models.Layer, error) {
		if name == "" {
			name = fmt.Sprintf("Layer %d", len(ls)+1)
		}
		return strokes.Insert(ls, index, newLayer(name))
	})
}

// RemoveLayer deletes the layer at index with its content.
func (d *Document) RemoveLayer(ref models.Ref, index int) (undo.Command, error) {
	return d.edit(ref, "Remove layer", func(ls []models.Layer) ([]models.Layer, error) {
		out, _, err := strokes.Remove(ls, index)
		return out, err
	})
}

// ReorderLayer moves the layer at from to position to.
func (d *Document) ReorderLayer(ref models.Ref, from, to int) (undo.Command, error) {
	return d.edit(ref, "Reorder layers", func(ls []models.Layer) ([]models.Layer, error) {
		return strokes.Move(ls, from, to)
	})
}

// MergeLayers flattens the selected layers into one. It is one command no
// matter how many layers it touches.
func (d *Document) MergeLayers(ref models.Ref, indices []int) (undo.Command, error) {
	return d.edit(ref, "Merge layers", func(ls []models.Layer) ([]models.Layer, error) {
		res, err := strokes.Merge(ls, indices)
		return res.Layers, err
	})
}

// SetLayerVisible shows or hides a layer.
func (d *Document) SetLayerVisible(ref models.Ref, index int, visible bool) (undo.Command, error) {
	label := "Hide layer"
	if visible {
		label = "Show layer"
	}
	return d.edit(ref, label, func(ls []models.Layer) ([]models.Layer, error) {
		if index < 0 || index >= len(ls) {
			return nil, apperr.ErrInvalidSelection
		}
		ls[index].Visible = visible
		return ls, nil
	})
}

// RenameLayer changes a layer's name.
func (d *Document) RenameLayer(ref models.Ref, index int, name string) (undo.Command, error) {
	return d.edit(ref, "Rename layer", func(ls []models.Layer) ([]models.Layer, error) {
		if index < 0 || index >= len(ls) || name == "" {
			return nil, apperr.ErrInvalidSelection
		}
		ls[index].Name = name
		return ls, nil
	})
}

// RemoveStrokes deletes the strokes with the given ids from any layer of
// the surface. Unknown ids are rejected.
func (d *Document) RemoveStrokes(ref models.Ref, ids []string) (undo.Command, error) {
	label := "Erase"
	if len(ids) != 1 {
		label = fmt.Sprintf("Erase %d strokes", len(ids))
	}
	return d.edit(ref, label, func(ls []models.Layer) ([]models.Layer, error) {
		if len(ids) == 0 {
			return nil, apperr.ErrInvalidSelection
		}
		drop := make(map[string]bool, len(ids))
		for _, id := range ids {
			if _, _, ok := strokes.FindStroke(ls, id); !ok {
				return nil, fmt.Errorf("stroke %s: %w", id, apperr.ErrNotFound)
			}
			drop[id] = true
		}
		for i := range ls {
			kept := ls[i].Strokes[:0]
			for _, s := range ls[i].Strokes {
				if !drop[s.ID] {
					kept = append(kept, s)
				}
			}
			ls[i].Strokes = kept
		}
		return ls, nil
	})
}

// MoveStrokes translates the given strokes by delta.
func (d *Document) MoveStrokes(ref models.Ref, ids []string, delta models.Vec) (undo.Command, error) {
	return d.edit(ref, "Move selection", func(ls []models.Layer) ([]models.Layer, error) {
		if len(ids) == 0 {
			return nil, apperr.ErrInvalidSelection
		}
		for _, id := range ids {
			li, si, ok := strokes.FindStroke(ls, id)
			if !ok {
				return nil, fmt.Errorf("stroke %s: %w", id, apperr.ErrNotFound)
			}
			pts := ls[li].Strokes[si].Points
			for i := range pts {
				pts[i].X += delta.X
				pts[i].Y += delta.Y
			}
		}
		return ls, nil
	})
}

// addStrokeCmd appends one stroke to a layer. It is the hot path of
// drawing, so it records the stroke alone instead of whole snapshots.
type addStrokeCmd struct {
	d       *Document
	s       surf
	layerID string
	stroke  models.Stroke
	// fresh is the default layer created for a surface that had none.
	fresh *models.Layer
}

func (c *addStrokeCmd) Label() string { return "Draw " + string(c.stroke.Tool) }

func (c *addStrokeCmd) Do() error {
	if err := c.d.checkSurf(c.s); err != nil {
		return err
	}
	ls := c.d.layersOf(c.s)
	if c.fresh != nil {
		ls = append(ls, c.fresh.Clone())
	}
	i, ok := strokes.IndexOf(ls, c.layerID)
	if !ok {
		return fmt.Errorf("document: layer %s: %w", c.layerID, apperr.ErrNotFound)
	}
	ls[i].Strokes = append(ls[i].Strokes, c.stroke.Clone())
	c.d.setLayers(c.s, ls)
	return nil
}

func (c *addStrokeCmd) Undo() error {
	if err := c.d.checkSurf(c.s); err != nil {
		return err
	}
	ls := c.d.layersOf(c.s)
	li, si, ok := strokes.FindStroke(ls, c.stroke.ID)
	if !ok {
		return fmt.Errorf("document: stroke %s: %w", c.stroke.ID, apperr.ErrNotFound)
	}
	kept := make([]models.Stroke, 0, len(ls[li].Strokes)-1)
	kept = append(kept, ls[li].Strokes[:si]...)
	kept = append(kept, ls[li].Strokes[si+1:]...)
	ls[li].Strokes = kept
	if c.fresh != nil {
		if i, ok := strokes.IndexOf(ls, c.fresh.ID); ok {
			ls = append(ls[:i:i], ls[i+1:]...)
		}
	}
	c.d.setLayers(c.s, ls)
	return nil
}

// AddStroke commits a stroke to the active layer of ref. Surfaces without
// layers get a default one as part of the same command.
func (d *Document) AddStroke(ref models.Ref, st models.Stroke) (undo.Command, error) {
	s, err := d.resolve(ref)
	if err != nil {
		return nil, err
	}
	if len(st.Points) == 0 {
		return nil, fmt.Errorf("document: stroke without points: %w", apperr.ErrInvalidSelection)
	}
	if st.Width <= 0 {
		return nil, fmt.Errorf("document: stroke width %v: %w", st.Width, apperr.ErrInvalidSelection)
	}
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if _, _, ok := strokes.FindStroke(d.layersOf(s), st.ID); ok {
		return nil, fmt.Errorf("document: stroke %s: %w", st.ID, apperr.ErrAlreadyExists)
	}
	cmd := &addStrokeCmd{d: d, s: s, stroke: st.Clone()}
	ls := d.layersOf(s)
	if len(ls) == 0 {
		l := newLayer("Layer 1")
		cmd.fresh = &l
		cmd.layerID = l.ID
	} else {
		cmd.layerID = ls[d.activeIndex(s)].ID
	}
	return cmd, nil
}
