// Package render rasterizes pages and tiles for display. Workers only read
// immutable layer snapshots and publish finished images to a Cache.
package render

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"math"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/vector"

	"github.com/starford/speedynote/internal/models"
	"github.com/starford/speedynote/internal/strokes"
)

// highlighterAlpha matches the opacity used in exported PDFs.
const highlighterAlpha = 0.35

// discSteps is the number of segments approximating round caps and joins.
const discSteps = 12

// Job describes one surface to rasterize.
type Job struct {
	Key string
	// Gen is the surface's edit generation; older results never replace
	// newer ones.
	Gen uint64
	// Area is the world or page region the image covers.
	Area models.Rect
	// Scale is pixels per document unit.
	Scale      float64
	Paper      bool
	Background models.Background
	Layers     []models.Layer
	// Before runs ahead of rasterization, for example to decode the
	// backing PDF page. Its failure is logged, not fatal.
	Before func(ctx context.Context) error
}

// Size returns the pixel size of the job's image.
func (j Job) Size() (int, int) {
	w := int(math.Ceil(j.Area.W * j.Scale))
	h := int(math.Ceil(j.Area.H * j.Scale))
	return max(w, 1), max(h, 1)
}

// Raster draws the job. ctx is checked after every stroke; a cancelled
// job returns ctx.Err() and no image.
func Raster(ctx context.Context, j Job) (*image.RGBA, error) {
	w, h := j.Size()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	if j.Paper {
		draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)
	}
	p := painter{img: img, ras: vector.NewRasterizer(w, h), area: j.Area, scale: j.Scale}
	p.background(j.Background)
	for _, l := range j.Layers {
		if !l.Visible {
			continue
		}
		for _, st := range l.Strokes {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			p.stroke(st)
		}
		for _, o := range l.Objects {
			p.object(o)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return img, nil
}

// Thumbnail scales img down to fit within maxW pixels wide.
func Thumbnail(img image.Image, maxW int) *image.RGBA {
	b := img.Bounds()
	if maxW <= 0 || b.Dx() <= maxW {
		out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
		return out
	}
	h := max(b.Dy()*maxW/b.Dx(), 1)
	out := image.NewRGBA(image.Rect(0, 0, maxW, h))
	xdraw.CatmullRom.Scale(out, out.Bounds(), img, b, draw.Src, nil)
	return out
}

type painter struct {
	img   *image.RGBA
	ras   *vector.Rasterizer
	area  models.Rect
	scale float64
}

func (p *painter) dev(v models.Vec) (float32, float32) {
	return float32((v.X - p.area.X) * p.scale), float32((v.Y - p.area.Y) * p.scale)
}

func (p *painter) reset() {
	b := p.img.Bounds()
	p.ras.Reset(b.Dx(), b.Dy())
}

func (p *painter) fill(c color.Color) {
	p.ras.Draw(p.img, p.img.Bounds(), image.NewUniform(c), image.Point{})
}

// segment adds the quad covering a-b at half width hw.
func (p *painter) segment(a, b models.Vec, hw float64) {
	d := b.Sub(a)
	l := math.Hypot(d.X, d.Y)
	if l == 0 {
		return
	}
	n := models.Vec{X: -d.Y / l * hw, Y: d.X / l * hw}
	x1, y1 := p.dev(a.Add(n))
	x2, y2 := p.dev(b.Add(n))
	x3, y3 := p.dev(b.Sub(n))
	x4, y4 := p.dev(a.Sub(n))
	p.ras.MoveTo(x1, y1)
	p.ras.LineTo(x2, y2)
	p.ras.LineTo(x3, y3)
	p.ras.LineTo(x4, y4)
	p.ras.ClosePath()
}

// disc adds a round cap at c. It winds the same way as segment so overlaps
// do not cancel out.
func (p *painter) disc(c models.Vec, r float64) {
	for i := 0; i <= discSteps; i++ {
		a := -2 * math.Pi * float64(i) / discSteps
		x, y := p.dev(models.Vec{X: c.X + r*math.Cos(a), Y: c.Y + r*math.Sin(a)})
		if i == 0 {
			p.ras.MoveTo(x, y)
		} else {
			p.ras.LineTo(x, y)
		}
	}
	p.ras.ClosePath()
}

func (p *painter) stroke(st models.Stroke) {
	if st.Tool == models.ToolEraser || len(st.Points) == 0 {
		return
	}
	// Detail below one device pixel is invisible.
	pts := strokes.Simplify(st.Points, 1/p.scale)
	hw := math.Max(st.Width/2, 0.5/p.scale)

	p.reset()
	for i, pt := range pts {
		p.disc(pt.Pos(), hw)
		if i > 0 {
			p.segment(pts[i-1].Pos(), pt.Pos(), hw)
		}
	}
	c := models.ParseColor(st.Color)
	if st.Tool == models.ToolHighlighter {
		c.A = uint8(float64(c.A) * highlighterAlpha)
	}
	p.fill(c)
}

func (p *painter) object(o models.ObjectEntry) {
	c := color.NRGBA{R: 0x80, G: 0x80, B: 0x80, A: 0xff}
	if o.Kind == models.ObjectLink {
		c = color.NRGBA{R: 0x2f, G: 0x6f, B: 0xdf, A: 0xff}
	}
	r := o.Bounds
	hw := 0.5 / p.scale
	corners := []models.Vec{{X: r.X, Y: r.Y}, {X: r.MaxX(), Y: r.Y}, {X: r.MaxX(), Y: r.MaxY()}, {X: r.X, Y: r.MaxY()}}
	p.reset()
	for i := range corners {
		p.segment(corners[i], corners[(i+1)%4], hw)
	}
	p.fill(c)
}

func (p *painter) background(bg models.Background) {
	if bg.Kind == models.BackgroundNone || bg.Spacing <= 0 || bg.Spacing*p.scale < 2 {
		return
	}
	c := models.ParseColor(bg.Color)
	if bg.Color == "" {
		c = color.NRGBA{R: 0xd0, G: 0xd0, B: 0xd0, A: 0xff}
	}
	a := p.area
	hw := 0.5 / p.scale
	p.reset()
	for y := math.Ceil(a.Y/bg.Spacing) * bg.Spacing; y < a.MaxY(); y += bg.Spacing {
		p.segment(models.Vec{X: a.X, Y: y}, models.Vec{X: a.MaxX(), Y: y}, hw)
	}
	if bg.Kind == models.BackgroundGrid {
		for x := math.Ceil(a.X/bg.Spacing) * bg.Spacing; x < a.MaxX(); x += bg.Spacing {
			p.segment(models.Vec{X: x, Y: a.Y}, models.Vec{X: x, Y: a.MaxY()}, hw)
		}
	}
	p.fill(c)
}
