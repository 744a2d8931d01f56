// Package strokes implements the layer algebra and geometric queries shared
// by pages and tiles. Every function returns a fresh slice and leaves its
// input untouched, so callers can validate before committing.
package strokes

import (
	"fmt"
	"sort"

	"github.com/starford/speedynote/internal/apperr"
	"github.com/starford/speedynote/internal/models"
)

// Insert places l at index (0 = bottom, len = top).
func Insert(layers []models.Layer, index int, l models.Layer) ([]models.Layer, error) {
	if index < 0 || index > len(layers) {
		return nil, fmt.Errorf("strokes: insert at %d of %d: %w", index, len(layers), apperr.ErrInvalidSelection)
	}
	out := make([]models.Layer, 0, len(layers)+1)
	out = append(out, layers[:index]...)
	out = append(out, l)
	out = append(out, layers[index:]...)
	return out, nil
}

// Remove deletes the layer at index and returns it. A surface always keeps
// at least one layer.
func Remove(layers []models.Layer, index int) ([]models.Layer, models.Layer, error) {
	if index < 0 || index >= len(layers) {
		return nil, models.Layer{}, fmt.Errorf("strokes: remove %d of %d: %w", index, len(layers), apperr.ErrInvalidSelection)
	}
	if len(layers) == 1 {
		return nil, models.Layer{}, apperr.ErrLastLayer
	}
	out := make([]models.Layer, 0, len(layers)-1)
	out = append(out, layers[:index]...)
	out = append(out, layers[index+1:]...)
	return out, layers[index], nil
}

// Move relocates the layer at from so it ends up at index to.
func Move(layers []models.Layer, from, to int) ([]models.Layer, error) {
	n := len(layers)
	if from < 0 || from >= n || to < 0 || to >= n {
		return nil, fmt.Errorf("strokes: move %d->%d of %d: %w", from, to, n, apperr.ErrInvalidSelection)
	}
	l := layers[from]
	rest := make([]models.Layer, 0, n)
	rest = append(rest, layers[:from]...)
	rest = append(rest, layers[from+1:]...)
	return Insert(rest, to, l)
}

// MergeResult describes a completed merge.
type MergeResult struct {
	Layers []models.Layer
	// Index is the position of the merged layer in Layers.
	Index int
}

// Merge flattens the selected layers into one. Content is concatenated in
// z-order (bottom first); the result is visible if any input was, and takes
// the topmost input's id, name and slot in the stack.
func Merge(layers []models.Layer, indices []int) (MergeResult, error) {
	sel := normalize(indices)
	if len(sel) < 2 {
		return MergeResult{}, fmt.Errorf("strokes: merge needs at least 2 layers: %w", apperr.ErrInvalidSelection)
	}
	for _, i := range sel {
		if i < 0 || i >= len(layers) {
			return MergeResult{}, fmt.Errorf("strokes: merge index %d of %d: %w", i, len(layers), apperr.ErrInvalidSelection)
		}
	}

	top := layers[sel[len(sel)-1]]
	merged := models.Layer{ID: top.ID, Name: top.Name}
	chosen := make(map[int]bool, len(sel))
	for _, i := range sel {
		chosen[i] = true
		src := layers[i].Clone()
		merged.Visible = merged.Visible || src.Visible
		merged.Strokes = append(merged.Strokes, src.Strokes...)
		merged.Objects = append(merged.Objects, src.Objects...)
	}

	out := make([]models.Layer, 0, len(layers)-len(sel)+1)
	idx := -1
	for i, l := range layers {
		switch {
		case i == sel[len(sel)-1]:
			idx = len(out)
			out = append(out, merged)
		case chosen[i]:
		default:
			out = append(out, l)
		}
	}
	return MergeResult{Layers: out, Index: idx}, nil
}

func normalize(indices []int) []int {
	seen := make(map[int]struct{}, len(indices))
	out := make([]int, 0, len(indices))
	for _, i := range indices {
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// IndexOf returns the position of the layer with the given id.
func IndexOf(layers []models.Layer, id string) (int, bool) {
	for i, l := range layers {
		if l.ID == id {
			return i, true
		}
	}
	return -1, false
}

// FindStroke locates a stroke by id.
func FindStroke(layers []models.Layer, id string) (layer, index int, ok bool) {
	for li, l := range layers {
		for si, s := range l.Strokes {
			if s.ID == id {
				return li, si, true
			}
		}
	}
	return -1, -1, false
}

// FindObject locates an object by id.
func FindObject(layers []models.Layer, id string) (layer, index int, ok bool) {
	for li, l := range layers {
		for oi, o := range l.Objects {
			if o.ID == id {
				return li, oi, true
			}
		}
	}
	return -1, -1, false
}
