package strokes

import "github.com/starford/speedynote/internal/models"

// HitKind tells whether a hit landed on a stroke or an object.
type HitKind int

const (
	HitStroke HitKind = iota + 1
	HitObject
)

// Hit is the result of a successful hit test.
type Hit struct {
	Kind  HitKind
	Layer int
	ID    string
}

// HitTest returns the topmost stroke or object within tol of p. Layers are
// scanned top-down and hidden layers are skipped; inside a layer objects
// win over strokes and later entries over earlier ones.
func HitTest(layers []models.Layer, p models.Vec, tol float64) (Hit, bool) {
	for li := len(layers) - 1; li >= 0; li-- {
		l := layers[li]
		if !l.Visible {
			continue
		}
		for oi := len(l.Objects) - 1; oi >= 0; oi-- {
			o := l.Objects[oi]
			if o.Bounds.Expand(tol).Contains(p) {
				return Hit{Kind: HitObject, Layer: li, ID: o.ID}, true
			}
		}
		for si := len(l.Strokes) - 1; si >= 0; si-- {
			s := l.Strokes[si]
			if !s.Bounds().Expand(tol).Contains(p) {
				continue
			}
			if s.DistanceTo(p) <= tol+s.Width/2 {
				return Hit{Kind: HitStroke, Layer: li, ID: s.ID}, true
			}
		}
	}
	return Hit{}, false
}

// StrokesNear returns the ids of every stroke on a visible layer within tol
// of p, in layer order.
func StrokesNear(layers []models.Layer, p models.Vec, tol float64) []string {
	var out []string
	for _, l := range layers {
		if !l.Visible {
			continue
		}
		for _, s := range l.Strokes {
			if s.Bounds().Expand(tol).Contains(p) && s.DistanceTo(p) <= tol+s.Width/2 {
				out = append(out, s.ID)
			}
		}
	}
	return out
}

// Lasso returns the ids of strokes on visible layers that have at least one
// sample inside poly.
func Lasso(layers []models.Layer, poly []models.Vec) []string {
	if len(poly) < 3 {
		return nil
	}
	var out []string
	for _, l := range layers {
		if !l.Visible {
			continue
		}
		for _, s := range l.Strokes {
			for _, pt := range s.Points {
				if InPolygon(pt.Pos(), poly) {
					out = append(out, s.ID)
					break
				}
			}
		}
	}
	return out
}

// InPolygon is an even-odd ray cast.
func InPolygon(p models.Vec, poly []models.Vec) bool {
	in := false
	j := len(poly) - 1
	for i := range poly {
		a, b := poly[i], poly[j]
		if (a.Y > p.Y) != (b.Y > p.Y) {
			x := (b.X-a.X)*(p.Y-a.Y)/(b.Y-a.Y) + a.X
			if p.X < x {
				in = !in
			}
		}
		j = i
	}
	return in
}
