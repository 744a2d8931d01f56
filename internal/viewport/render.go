package viewport

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/starford/speedynote/internal/models"
	"github.com/starford/speedynote/internal/pdfbind"
	"github.com/starford/speedynote/internal/render"
)

// Layout returns the rectangles of the pages, stacked top to bottom with
// the configured gap. Edgeless documents have no layout.
func (v *Viewport) Layout() []models.Rect {
	pages := v.doc.Pages()
	out := make([]models.Rect, len(pages))
	y := 0.0
	for i, p := range pages {
		out[i] = models.Rect{Y: y, W: p.Size.Width, H: p.Size.Height}
		y += p.Size.Height + v.cfg.PageGap
	}
	return out
}

// locate finds the surface under a layout position and the origin that
// converts it to surface coordinates.
func (v *Viewport) locate(p models.Vec) (models.Ref, models.Vec, bool) {
	if ts := v.doc.Tiles(); ts != nil {
		return models.TileRef(ts.KeyFor(p)), models.Vec{}, true
	}
	for i, r := range v.Layout() {
		if r.Contains(p) {
			return models.PageRef(i), models.Vec{X: r.X, Y: r.Y}, true
		}
	}
	return models.Ref{}, models.Vec{}, false
}

// Visible returns the surfaces inside the view plus the prefetch margin.
func (v *Viewport) Visible() ([]models.Ref, error) {
	rect := v.view.Rect()
	if ts := v.doc.Tiles(); ts != nil {
		keys, err := ts.VisibleKeys(rect)
		if err != nil {
			return nil, err
		}
		out := make([]models.Ref, len(keys))
		for i, k := range keys {
			out[i] = models.TileRef(k)
		}
		return out, nil
	}
	grown := rect.Expand(v.cfg.Tiles.Margin)
	var out []models.Ref
	for i, r := range v.Layout() {
		if r.Intersects(grown) {
			out = append(out, models.PageRef(i))
		}
	}
	return out, nil
}

// Render schedules the visible surfaces for rasterization. Clean tiles
// outside the margin are evicted, and tasks or cached images for surfaces
// that left the view are dropped.
func (v *Viewport) Render(ctx context.Context) (*render.Pass, error) {
	visible, err := v.Visible()
	if err != nil {
		return nil, err
	}
	z := v.view.zoom()
	var jobs []render.Job
	keep := make(map[string]bool)

	if ts := v.doc.Tiles(); ts != nil {
		for _, k := range ts.EvictOutside(v.view.Rect()) {
			delete(v.extent, k)
		}
		for _, ref := range visible {
			key := v.surfaceKey(ref)
			job := render.Job{
				Key:        cacheKey(key, z),
				Gen:        v.gen(key),
				Area:       ts.Bounds(ref.Tile),
				Scale:      z,
				Paper:      true,
				Background: v.doc.Background,
				Layers:     v.tileLayers(ref.Tile),
			}
			keep[job.Key] = true
			jobs = append(jobs, job)
		}
	} else {
		attached := v.binding.State() == pdfbind.Attached
		for _, ref := range visible {
			p, err := v.doc.Page(ref.Page)
			if err != nil {
				continue
			}
			layers, _ := v.doc.Snapshot(ref)
			key := "page:" + p.ID
			job := render.Job{
				Key:        cacheKey(key, z),
				Gen:        v.gen(key),
				Area:       models.Rect{W: p.Size.Width, H: p.Size.Height},
				Scale:      z,
				Paper:      true,
				Background: p.Background,
				Layers:     layers,
			}
			if attached && p.PDFPage >= 0 {
				b, index, dpi := v.binding, p.PDFPage, 72*z
				job.Before = func(ctx context.Context) error {
					_, err := b.RenderPage(ctx, index, dpi)
					return err
				}
			}
			keep[job.Key] = true
			jobs = append(jobs, job)
		}
	}
	v.sched.Cache().Retain(keep)
	return v.sched.Submit(ctx, jobs), nil
}

// Image returns the cached raster of a surface at the current zoom.
func (v *Viewport) Image(ref models.Ref) (render.Result, bool) {
	return v.sched.Cache().Get(cacheKey(v.surfaceKey(ref), v.view.zoom()))
}

func cacheKey(key string, zoom float64) string {
	return key + "@" + strconv.FormatFloat(zoom, 'g', 6, 64)
}

func (v *Viewport) gen(key string) uint64 {
	return max(v.rev[key], v.floor)
}

// tileLayers returns the layers of k plus those of every tile whose
// content reaches into it, loading neighbours that were evicted or never
// read. Strokes live in the tile they started in.
func (v *Viewport) tileLayers(k models.TileKey) []models.Layer {
	ts := v.doc.Tiles()
	own, _ := v.doc.Snapshot(models.TileRef(k))
	v.extent[k] = ts.Extent(k)
	for _, n := range ts.Reaching(ts.Bounds(k)) {
		if n == k {
			continue
		}
		ls, _ := v.doc.Snapshot(models.TileRef(n))
		v.extent[n] = ts.Extent(n)
		own = append(own, ls...)
	}
	return own
}

// invalidate bumps the render revision of edited surfaces. A tile edit
// also bumps every tile its content covered before or after the edit. Nil
// keys invalidate everything.
func (v *Viewport) invalidate(keys []string) {
	v.clock++
	if keys == nil {
		v.floor = v.clock
		clear(v.extent)
		return
	}
	ts := v.doc.Tiles()
	for _, key := range keys {
		v.rev[key] = v.clock
		name, ok := strings.CutPrefix(key, "tile:")
		if !ok || ts == nil {
			continue
		}
		k, err := models.ParseTileKey(name)
		if err != nil {
			continue
		}
		before := v.extent[k]
		after := ts.Extent(k)
		v.extent[k] = after
		for _, r := range []models.Rect{before, after} {
			if r.Empty() {
				continue
			}
			for _, n := range tilesIn(ts.Size(), r) {
				v.rev["tile:"+n.String()] = v.clock
			}
		}
	}
}

// tilesIn lists the keys of tiles of the given size overlapping r.
func tilesIn(size float64, r models.Rect) []models.TileKey {
	x0 := int(math.Floor(r.X / size))
	y0 := int(math.Floor(r.Y / size))
	x1 := int(math.Floor(r.MaxX() / size))
	y1 := int(math.Floor(r.MaxY() / size))
	var out []models.TileKey
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			out = append(out, models.TileKey{X: x, Y: y})
		}
	}
	return out
}
