// Package models defines the domain types of the annotation engine.
package models

import (
	"fmt"
	"strconv"
	"strings"
)

// DocumentKind selects how a document addresses its content.
type DocumentKind string

const (
	KindPagedPDF   DocumentKind = "paged_pdf"
	KindPagedBlank DocumentKind = "paged_blank"
	KindEdgeless   DocumentKind = "edgeless"
)

// Paged reports whether documents of this kind hold a page list.
func (k DocumentKind) Paged() bool {
	return k == KindPagedPDF || k == KindPagedBlank
}

// BackgroundKind is the ruling drawn behind the layers of a page or tile.
type BackgroundKind string

const (
	BackgroundNone  BackgroundKind = "none"
	BackgroundGrid  BackgroundKind = "grid"
	BackgroundLines BackgroundKind = "lines"
)

// Background describes the ruling style of a page.
type Background struct {
	Kind    BackgroundKind `json:"kind"`
	Spacing float64        `json:"spacing,omitempty"`
	Color   string         `json:"color,omitempty"`
}

// Size is a page size in document units (1 unit = 1/72 inch).
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Page is one page of a paged document.
type Page struct {
	ID         string     `json:"id"`
	Size       Size       `json:"size"`
	Background Background `json:"background"`
	// PDFPage is the zero-based backing PDF page, or -1 when the page has
	// no backing.
	PDFPage int     `json:"pdf_page"`
	Layers  []Layer `json:"layers"`
}

// Clone returns a deep copy of p.
func (p *Page) Clone() *Page {
	cp := *p
	cp.Layers = CloneLayers(p.Layers)
	return &cp
}

// TileKey addresses one fixed-size region of the edgeless canvas.
type TileKey struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// String formats the key as "x_y", the form used for tile file names.
func (k TileKey) String() string {
	return strconv.Itoa(k.X) + "_" + strconv.Itoa(k.Y)
}

// ParseTileKey parses the output of TileKey.String.
func ParseTileKey(s string) (TileKey, error) {
	xs, ys, ok := strings.Cut(s, "_")
	if !ok {
		return TileKey{}, fmt.Errorf("tile key %q: missing separator", s)
	}
	x, err := strconv.Atoi(xs)
	if err != nil {
		return TileKey{}, fmt.Errorf("tile key %q: %w", s, err)
	}
	y, err := strconv.Atoi(ys)
	if err != nil {
		return TileKey{}, fmt.Errorf("tile key %q: %w", s, err)
	}
	return TileKey{X: x, Y: y}, nil
}

// Tile holds the layers of one edgeless canvas region.
type Tile struct {
	Key    TileKey `json:"key"`
	Layers []Layer `json:"layers"`
}

// Clone returns a deep copy of t.
func (t *Tile) Clone() *Tile {
	return &Tile{Key: t.Key, Layers: CloneLayers(t.Layers)}
}

// Extent returns the bounds of every stroke and object in t. Strokes may
// reach past the tile's own region.
func (t *Tile) Extent() Rect {
	var r Rect
	for _, l := range t.Layers {
		for _, s := range l.Strokes {
			r = r.Union(s.Bounds())
		}
		for _, o := range l.Objects {
			r = r.Union(o.Bounds)
		}
	}
	return r
}

// Empty reports whether the tile carries no strokes or objects.
func (t *Tile) Empty() bool {
	for _, l := range t.Layers {
		if len(l.Strokes) > 0 || len(l.Objects) > 0 {
			return false
		}
	}
	return true
}

// RefKind distinguishes page surfaces from tile surfaces.
type RefKind string

const (
	RefPage RefKind = "page"
	RefTile RefKind = "tile"
)

// Ref addresses a drawing surface: a page by index or a tile by key.
type Ref struct {
	Kind RefKind `json:"kind"`
	Page int     `json:"page,omitempty"`
	Tile TileKey `json:"tile,omitempty"`
}

// PageRef addresses page i.
func PageRef(i int) Ref { return Ref{Kind: RefPage, Page: i} }

// TileRef addresses the tile with key k.
func TileRef(k TileKey) Ref { return Ref{Kind: RefTile, Tile: k} }

func (r Ref) String() string {
	if r.Kind == RefTile {
		return "tile:" + r.Tile.String()
	}
	return "page:" + strconv.Itoa(r.Page)
}

// ParseRef parses the output of Ref.String.
func ParseRef(s string) (Ref, error) {
	kind, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Ref{}, fmt.Errorf("ref %q: missing kind", s)
	}
	switch RefKind(kind) {
	case RefPage:
		i, err := strconv.Atoi(rest)
		if err != nil {
			return Ref{}, fmt.Errorf("ref %q: %w", s, err)
		}
		return PageRef(i), nil
	case RefTile:
		k, err := ParseTileKey(rest)
		if err != nil {
			return Ref{}, err
		}
		return TileRef(k), nil
	}
	return Ref{}, fmt.Errorf("ref %q: unknown kind", s)
}

// PDFSource records the backing PDF of a paged_pdf document as it was when
// last linked.
type PDFSource struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}
