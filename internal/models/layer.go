package models

import "math"

// ToolType is the instrument that produced a stroke.
type ToolType string

const (
	ToolPen         ToolType = "pen"
	ToolMarker      ToolType = "marker"
	ToolHighlighter ToolType = "highlighter"
	ToolEraser      ToolType = "eraser"
)

// Point is one pen sample.
type Point struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Pressure float64 `json:"p"`
	// Timestamp is milliseconds since the start of the stroke's session.
	Timestamp int64 `json:"t"`
}

// Pos returns the sample position.
func (p Point) Pos() Vec { return Vec{p.X, p.Y} }

// Stroke is a committed freehand stroke. Strokes are never mutated in place;
// edits replace or remove them through commands.
type Stroke struct {
	ID     string   `json:"id"`
	Tool   ToolType `json:"tool"`
	Color  string   `json:"color"`
	Width  float64  `json:"width"`
	Points []Point  `json:"points"`
}

// Clone returns a deep copy of s.
func (s Stroke) Clone() Stroke {
	s.Points = append([]Point(nil), s.Points...)
	return s
}

// Bounds returns the bounding box of the stroke including half its width.
func (s Stroke) Bounds() Rect {
	if len(s.Points) == 0 {
		return Rect{}
	}
	x0, y0 := math.Inf(1), math.Inf(1)
	x1, y1 := math.Inf(-1), math.Inf(-1)
	for _, p := range s.Points {
		x0 = math.Min(x0, p.X)
		y0 = math.Min(y0, p.Y)
		x1 = math.Max(x1, p.X)
		y1 = math.Max(y1, p.Y)
	}
	r := Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
	return r.Expand(s.Width / 2)
}

// DistanceTo returns the shortest distance from p to the stroke's center
// line.
func (s Stroke) DistanceTo(p Vec) float64 {
	switch len(s.Points) {
	case 0:
		return math.Inf(1)
	case 1:
		return p.Dist(s.Points[0].Pos())
	}
	best := math.Inf(1)
	for i := 1; i < len(s.Points); i++ {
		d := DistToSegment(p, s.Points[i-1].Pos(), s.Points[i].Pos())
		if d < best {
			best = d
		}
	}
	return best
}

// ObjectKind identifies what an ObjectEntry embeds.
type ObjectKind string

const (
	ObjectImage ObjectKind = "image"
	ObjectLink  ObjectKind = "link"
)

// ObjectEntry is an embedded object placed on a layer. Images are opaque
// blobs stored as bundle assets; link markers refer to a LinkObject by id.
type ObjectEntry struct {
	ID     string     `json:"id"`
	Kind   ObjectKind `json:"kind"`
	Bounds Rect       `json:"bounds"`
	Asset  string     `json:"asset,omitempty"`
	LinkID string     `json:"link_id,omitempty"`
}

// Layer is one z-ordered sheet of a page or tile. Objects paint above the
// layer's strokes.
type Layer struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Visible bool          `json:"visible"`
	Strokes []Stroke      `json:"strokes"`
	Objects []ObjectEntry `json:"objects"`
}

// Clone returns a deep copy of l.
func (l Layer) Clone() Layer {
	out := l
	out.Strokes = make([]Stroke, len(l.Strokes))
	for i, s := range l.Strokes {
		out.Strokes[i] = s.Clone()
	}
	out.Objects = append([]ObjectEntry(nil), l.Objects...)
	return out
}

// Empty reports whether the layer has no content.
func (l Layer) Empty() bool {
	return len(l.Strokes) == 0 && len(l.Objects) == 0
}

// CloneLayers deep-copies a layer list.
func CloneLayers(ls []Layer) []Layer {
	if ls == nil {
		return nil
	}
	out := make([]Layer, len(ls))
	for i, l := range ls {
		out[i] = l.Clone()
	}
	return out
}
