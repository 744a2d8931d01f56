// Package bundle persists documents as a directory: a document.json
// manifest plus one file per page, tile and note, and opaque assets.
package bundle

import (
	"encoding/json"
	"errors"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/speedynote/internal/apperr"
	"github.com/starford/speedynote/internal/document"
	"github.com/starford/speedynote/internal/models"
)

// FormatVersion is the manifest version this package writes.
const FormatVersion = 1

// Bundle layout.
const (
	ManifestName = "document.json"
	PagesDir     = "pages"
	TilesDir     = "tiles"
	NotesDir     = "notes"
	AssetsDir    = "assets"
)

// PageEntry is the manifest record of one page. Layers live in
// pages/<id>.json.
type PageEntry struct {
	ID         string            `json:"id"`
	Width      float64           `json:"width"`
	Height     float64           `json:"height"`
	Background models.Background `json:"background"`
	PDFPage    int               `json:"pdf_page"`
}

// Validate checks a page entry.
func (p PageEntry) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.ID, validation.Required),
		validation.Field(&p.Width, validation.Required, validation.Min(0.0)),
		validation.Field(&p.Height, validation.Required, validation.Min(0.0)),
		validation.Field(&p.PDFPage, validation.Min(-1)),
	)
}

// Manifest is the document.json file.
type Manifest struct {
	Version    int                 `json:"version"`
	ID         string              `json:"id"`
	Title      string              `json:"title"`
	Kind       models.DocumentKind `json:"kind"`
	PageSize   models.Size         `json:"page_size"`
	Background models.Background   `json:"background"`
	Pages      []PageEntry         `json:"pages,omitempty"`
	TileSize   float64             `json:"tile_size,omitempty"`
	Tiles      []string            `json:"tiles,omitempty"`
	// TileExtents maps a tile key to the bounds of its content, which may
	// reach into neighbouring tiles. Older bundles omit it.
	TileExtents map[string]models.Rect `json:"tile_extents,omitempty"`
	Links       []models.LinkObject    `json:"links,omitempty"`
	Notes       []string               `json:"notes,omitempty"`
	PDF         *models.PDFSource      `json:"pdf,omitempty"`
}

// Validate checks the manifest's structure.
func (m *Manifest) Validate() error {
	paged := m.Kind.Paged()
	return validation.ValidateStruct(m,
		validation.Field(&m.Version, validation.Required, validation.In(FormatVersion)),
		validation.Field(&m.ID, validation.Required),
		validation.Field(&m.Kind, validation.Required,
			validation.In(models.KindPagedPDF, models.KindPagedBlank, models.KindEdgeless)),
		validation.Field(&m.Pages,
			validation.When(paged, validation.Required),
			validation.When(!paged, validation.Empty)),
		validation.Field(&m.Tiles,
			validation.When(paged, validation.Empty),
			validation.Each(validation.By(tileKey))),
		validation.Field(&m.TileSize, validation.Min(0.0)),
		validation.Field(&m.Links, validation.Each(validation.By(linkObject))),
		validation.Field(&m.Notes, validation.Each(validation.Required)),
		validation.Field(&m.PDF, validation.When(m.Kind == models.KindPagedPDF, validation.Required)),
	)
}

func tileKey(v any) error {
	s, _ := v.(string)
	_, err := models.ParseTileKey(s)
	return err
}

func linkObject(v any) error {
	l, ok := v.(models.LinkObject)
	if !ok {
		return errors.New("not a link")
	}
	return validation.ValidateStruct(&l,
		validation.Field(&l.ID, validation.Required),
		validation.Field(&l.Slot, validation.Min(0), validation.Max(3)),
	)
}

// DecodeManifest parses and validates document.json.
func DecodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("bundle: %s: %v: %w", ManifestName, err, apperr.ErrFormatInvalid)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("bundle: %s: %v: %w", ManifestName, err, apperr.ErrFormatInvalid)
	}
	return &m, nil
}

// manifestOf describes d. skipTiles are emptied tiles whose files are about
// to be removed.
func manifestOf(d *document.Document, skipTiles map[models.TileKey]bool) *Manifest {
	m := &Manifest{
		Version:    FormatVersion,
		ID:         d.ID,
		Title:      d.Title,
		Kind:       d.Kind,
		PageSize:   d.PageSize,
		Background: d.Background,
		Links:      d.Links().All(),
	}
	if d.PDF.Path != "" || d.Kind == models.KindPagedPDF {
		src := d.PDF
		m.PDF = &src
	}
	for _, p := range d.Pages() {
		m.Pages = append(m.Pages, PageEntry{
			ID:         p.ID,
			Width:      p.Size.Width,
			Height:     p.Size.Height,
			Background: p.Background,
			PDFPage:    p.PDFPage,
		})
	}
	if ts := d.Tiles(); ts != nil {
		m.TileSize = ts.Size()
		for _, k := range ts.Keys() {
			if skipTiles[k] {
				continue
			}
			m.Tiles = append(m.Tiles, k.String())
			if r := ts.Extent(k); !r.Empty() {
				if m.TileExtents == nil {
					m.TileExtents = make(map[string]models.Rect)
				}
				m.TileExtents[k.String()] = r
			}
		}
	}
	for _, n := range d.Notes() {
		m.Notes = append(m.Notes, n.ID)
	}
	return m
}

// pageFile is the content of pages/<id>.json.
type pageFile struct {
	ID     string         `json:"id"`
	Layers []models.Layer `json:"layers"`
}

func pagePath(id string) string        { return PagesDir + "/" + id + ".json" }
func tilePath(k models.TileKey) string { return TilesDir + "/" + k.String() + ".json" }
func notePath(id string) string        { return NotesDir + "/" + id + ".md" }
func assetPath(name string) string     { return AssetsDir + "/" + name }
