package pdfbind

import (
	"bytes"
	"fmt"
	"math"
	"strconv"

	"github.com/starford/speedynote/internal/models"
	"github.com/starford/speedynote/internal/strokes"
)

// highlighterAlpha is the constant opacity of highlighter strokes.
const highlighterAlpha = 0.35

// ops accumulates a PDF content stream.
type ops struct{ bytes.Buffer }

func num(v float64) string {
	v = math.Round(v*1000) / 1000
	if v == 0 {
		return "0"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (o *ops) op(format string, args ...any) {
	fmt.Fprintf(&o.Buffer, format, args...)
	o.WriteByte('\n')
}

func (o *ops) rgb(c string, stroke bool) {
	col := models.ParseColor(c)
	verb := "rg"
	if stroke {
		verb = "RG"
	}
	o.op("%s %s %s %s", num(float64(col.R)/255), num(float64(col.G)/255), num(float64(col.B)/255), verb)
}

// background rules a w x h area.
func (o *ops) background(bg models.Background, w, h float64) {
	if bg.Kind == models.BackgroundNone || bg.Spacing <= 0 {
		return
	}
	c := bg.Color
	if c == "" {
		c = "#d0d0d0"
	}
	o.op("q")
	o.rgb(c, true)
	o.op("0.5 w")
	for y := bg.Spacing; y < h; y += bg.Spacing {
		o.op("0 %s m %s %s l", num(y), num(w), num(y))
	}
	if bg.Kind == models.BackgroundGrid {
		for x := bg.Spacing; x < w; x += bg.Spacing {
			o.op("%s 0 m %s %s l", num(x), num(x), num(h))
		}
	}
	o.op("S")
	o.op("Q")
}

// stroke draws st with round caps and joins. Samples closer than tol to the
// simplified path are dropped.
func (o *ops) stroke(st models.Stroke, tol float64) {
	if st.Tool == models.ToolEraser || len(st.Points) == 0 {
		return
	}
	pts := strokes.Simplify(st.Points, tol)
	o.op("q")
	if st.Tool == models.ToolHighlighter {
		o.op("/GSh gs")
	}
	o.rgb(st.Color, true)
	o.op("%s w 1 J 1 j", num(st.Width))
	o.op("%s %s m", num(pts[0].X), num(pts[0].Y))
	if len(pts) == 1 {
		o.op("%s %s l", num(pts[0].X), num(pts[0].Y))
	}
	for _, p := range pts[1:] {
		o.op("%s %s l", num(p.X), num(p.Y))
	}
	o.op("S")
	o.op("Q")
}

// object draws the frame of an image or link marker. Image pixels are
// opaque blobs and are not decoded.
func (o *ops) object(obj models.ObjectEntry) {
	r := obj.Bounds
	o.op("q")
	switch obj.Kind {
	case models.ObjectLink:
		o.rgb("#2f6fdf", true)
		o.op("1 w")
	default:
		o.rgb("#808080", true)
		o.op("0.5 w")
	}
	o.op("%s %s %s %s re S", num(r.X), num(r.Y), num(r.W), num(r.H))
	o.op("Q")
}

// layers draws every visible layer bottom to top, objects above strokes.
func (o *ops) layers(ls []models.Layer, tol float64) {
	for _, l := range ls {
		if !l.Visible {
			continue
		}
		for _, st := range l.Strokes {
			o.stroke(st, tol)
		}
		for _, obj := range l.Objects {
			o.object(obj)
		}
	}
}
