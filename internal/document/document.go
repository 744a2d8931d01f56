// Package document holds the in-memory document aggregate. A document is a
// tagged variant over its kind: paged kinds address surfaces by page, the
// edgeless kind by tile. Layers, links and notes form a shared substrate,
// and cross references are ids resolved through the document's indices.
//
// Every user edit is expressed as a command (see commands.go) so the undo
// engine can replay it. Commands validate before they mutate.
package document

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/starford/speedynote/internal/apperr"
	"github.com/starford/speedynote/internal/links"
	"github.com/starford/speedynote/internal/models"
	"github.com/starford/speedynote/internal/tilestore"
)

// DefaultPageSize is A4 in points.
var DefaultPageSize = models.Size{Width: 595, Height: 842}

// Options configure a new document.
type Options struct {
	ID         string
	Title      string
	Kind       models.DocumentKind
	PageSize   models.Size
	Background models.Background
	Tiles      tilestore.Config
	// TileSource and PersistedTiles feed the tile store of edgeless
	// documents opened from disk.
	TileSource     tilestore.Source
	PersistedTiles []models.TileKey
	// TileExtents holds the saved content bounds of persisted tiles.
	TileExtents map[models.TileKey]models.Rect
	Logger      *slog.Logger
}

// Document is the aggregate root. It is not safe for concurrent use.
type Document struct {
	ID         string
	Title      string
	Kind       models.DocumentKind
	PageSize   models.Size
	Background models.Background
	PDF        models.PDFSource

	pages []*models.Page
	tiles *tilestore.Store
	links *links.Registry
	notes map[string]*models.MarkdownNote

	active map[string]string // surface key -> active layer id

	pageGen gens
	noteGen gens
	meta    gens

	deletedPages map[string]struct{}
	deletedNotes map[string]struct{}

	logger *slog.Logger
	now    func() time.Time
}

// New creates an empty document of the given kind. Paged documents start
// with one page.
func New(opts Options) (*Document, error) {
	if opts.Kind == models.KindPagedPDF {
		return nil, fmt.Errorf("document: paged_pdf needs page sizes, use NewFromPDF: %w", apperr.ErrWrongKind)
	}
	d := newDoc(opts)
	if d.Kind.Paged() {
		d.pages = []*models.Page{d.newPage(d.PageSize, -1)}
		d.pageGen.touch(d.pages[0].ID)
	}
	return d, nil
}

// NewFromPDF creates a paged_pdf document with one page per backing page.
func NewFromPDF(opts Options, src models.PDFSource, sizes []models.Size) (*Document, error) {
	if len(sizes) == 0 {
		return nil, fmt.Errorf("document: pdf has no pages: %w", apperr.ErrFormatInvalid)
	}
	opts.Kind = models.KindPagedPDF
	d := newDoc(opts)
	d.PDF = src
	for i, sz := range sizes {
		p := d.newPage(sz, i)
		d.pages = append(d.pages, p)
		d.pageGen.touch(p.ID)
	}
	return d, nil
}

// Parts is the persisted state a document is rebuilt from.
type Parts struct {
	Options
	PDF   models.PDFSource
	Pages []*models.Page
	Links []models.LinkObject
	Notes []models.MarkdownNote
}

// Restore rebuilds a document from persisted parts. The result is clean.
func Restore(p Parts) (*Document, error) {
	d := newDoc(p.Options)
	d.PDF = p.PDF
	if d.Kind.Paged() {
		if len(p.Pages) == 0 {
			return nil, fmt.Errorf("document: %s document without pages: %w", d.Kind, apperr.ErrFormatInvalid)
		}
		d.pages = p.Pages
	} else if len(p.Pages) > 0 {
		return nil, fmt.Errorf("document: edgeless document with pages: %w", apperr.ErrFormatInvalid)
	}
	reg, err := links.Load(p.Links)
	if err != nil {
		return nil, fmt.Errorf("document: links: %w", err)
	}
	d.links = reg
	for i := range p.Notes {
		n := p.Notes[i]
		d.notes[n.ID] = &n
	}
	d.meta = gens{}
	return d, nil
}

func newDoc(opts Options) *Document {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.PageSize.Width <= 0 || opts.PageSize.Height <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Background.Kind == "" {
		opts.Background.Kind = models.BackgroundNone
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	d := &Document{
		ID:           opts.ID,
		Title:        opts.Title,
		Kind:         opts.Kind,
		PageSize:     opts.PageSize,
		Background:   opts.Background,
		links:        links.New(),
		notes:        make(map[string]*models.MarkdownNote),
		active:       make(map[string]string),
		deletedPages: make(map[string]struct{}),
		deletedNotes: make(map[string]struct{}),
		logger:       opts.Logger,
		now:          time.Now,
	}
	if opts.Kind == models.KindEdgeless {
		d.tiles = tilestore.New(opts.Tiles, opts.TileSource, opts.PersistedTiles, opts.Logger)
		d.tiles.SetExtents(opts.TileExtents)
	}
	// New documents need a first manifest write.
	d.meta.touch("")
	return d
}

func (d *Document) newPage(size models.Size, pdfPage int) *models.Page {
	return &models.Page{
		ID:         uuid.NewString(),
		Size:       size,
		Background: d.Background,
		PDFPage:    pdfPage,
		Layers:     []models.Layer{newLayer("Layer 1")},
	}
}

func newLayer(name string) models.Layer {
	return models.Layer{ID: uuid.NewString(), Name: name, Visible: true}
}

// SetClock overrides the time source used for note timestamps.
func (d *Document) SetClock(now func() time.Time) { d.now = now }

// Tiles returns the tile store of an edgeless document, nil otherwise.
func (d *Document) Tiles() *tilestore.Store { return d.tiles }

// Links returns the link registry.
func (d *Document) Links() *links.Registry { return d.links }

// PageCount returns the number of pages (0 for edgeless documents).
func (d *Document) PageCount() int { return len(d.pages) }

// Page returns page i. The page must not be modified by the caller.
func (d *Document) Page(i int) (*models.Page, error) {
	if !d.Kind.Paged() {
		return nil, fmt.Errorf("document: page %d: %w", i, apperr.ErrWrongKind)
	}
	if i < 0 || i >= len(d.pages) {
		return nil, fmt.Errorf("document: page %d of %d: %w", i, len(d.pages), apperr.ErrNotFound)
	}
	return d.pages[i], nil
}

// Pages returns the live page list. Callers must not modify it.
func (d *Document) Pages() []*models.Page { return d.pages }

// PageIndex returns the index of the page with the given id.
func (d *Document) PageIndex(id string) (int, bool) {
	for i, p := range d.pages {
		if p.ID == id {
			return i, true
		}
	}
	return -1, false
}

// HasPage implements links.Resolver.
func (d *Document) HasPage(id string) bool {
	_, ok := d.PageIndex(id)
	return ok
}

// HasTile implements links.Resolver.
func (d *Document) HasTile(key models.TileKey) bool {
	return d.tiles != nil && d.tiles.Has(key)
}

// HasNote implements links.Resolver.
func (d *Document) HasNote(id string) bool {
	_, ok := d.notes[id]
	return ok
}

// Resolve checks that the link with the given id still points somewhere.
func (d *Document) Resolve(linkID string) (models.LinkObject, error) {
	l, ok := d.links.Get(linkID)
	if !ok {
		return models.LinkObject{}, fmt.Errorf("document: link %s: %w", linkID, apperr.ErrNotFound)
	}
	return l, d.links.Resolve(l, d)
}

// surf is a resolved surface: a page by stable id or a tile by key.
type surf struct {
	pageID string
	tile   *models.TileKey
}

func (s surf) key() string {
	if s.tile != nil {
		return "tile:" + s.tile.String()
	}
	return "page:" + s.pageID
}

func (d *Document) resolve(ref models.Ref) (surf, error) {
	switch ref.Kind {
	case models.RefPage:
		p, err := d.Page(ref.Page)
		if err != nil {
			return surf{}, err
		}
		return surf{pageID: p.ID}, nil
	case models.RefTile:
		if d.tiles == nil {
			return surf{}, fmt.Errorf("document: %s: %w", ref, apperr.ErrWrongKind)
		}
		k := ref.Tile
		return surf{tile: &k}, nil
	}
	return surf{}, fmt.Errorf("document: bad ref %q: %w", ref.Kind, apperr.ErrInvalidSelection)
}

// RefOf converts a surface back into a ref. It fails for pages that no
// longer exist.
func (d *Document) refOf(s surf) (models.Ref, error) {
	if s.tile != nil {
		return models.TileRef(*s.tile), nil
	}
	i, ok := d.PageIndex(s.pageID)
	if !ok {
		return models.Ref{}, fmt.Errorf("document: page %s: %w", s.pageID, apperr.ErrNotFound)
	}
	return models.PageRef(i), nil
}

func (d *Document) layersOf(s surf) []models.Layer {
	if s.tile != nil {
		return d.tiles.Get(*s.tile).Layers
	}
	i, _ := d.PageIndex(s.pageID)
	return d.pages[i].Layers
}

func (d *Document) setLayers(s surf, ls []models.Layer) {
	if s.tile != nil {
		d.tiles.Get(*s.tile).Layers = ls
	} else {
		i, _ := d.PageIndex(s.pageID)
		d.pages[i].Layers = ls
	}
	d.touch(s)
}

func (d *Document) touch(s surf) {
	if s.tile != nil {
		d.tiles.MarkDirty(*s.tile)
		return
	}
	d.pageGen.touch(s.pageID)
}

// Layers returns the live layer list of a surface. Callers must not modify
// it; use Snapshot for a private copy.
func (d *Document) Layers(ref models.Ref) ([]models.Layer, error) {
	s, err := d.resolve(ref)
	if err != nil {
		return nil, err
	}
	return d.layersOf(s), nil
}

// Snapshot returns a deep copy of a surface's layers, safe to hand to
// worker goroutines.
func (d *Document) Snapshot(ref models.Ref) ([]models.Layer, error) {
	ls, err := d.Layers(ref)
	if err != nil {
		return nil, err
	}
	return models.CloneLayers(ls), nil
}

// ActiveLayer returns the index of the layer new strokes go to, or -1 when
// the surface has no layers yet.
func (d *Document) ActiveLayer(ref models.Ref) (int, error) {
	s, err := d.resolve(ref)
	if err != nil {
		return -1, err
	}
	return d.activeIndex(s), nil
}

func (d *Document) activeIndex(s surf) int {
	ls := d.layersOf(s)
	if id, ok := d.active[s.key()]; ok {
		for i, l := range ls {
			if l.ID == id {
				return i
			}
		}
	}
	return len(ls) - 1
}

// SetActiveLayer selects the layer new strokes go to.
func (d *Document) SetActiveLayer(ref models.Ref, index int) error {
	s, err := d.resolve(ref)
	if err != nil {
		return err
	}
	ls := d.layersOf(s)
	if index < 0 || index >= len(ls) {
		return fmt.Errorf("document: active layer %d of %d: %w", index, len(ls), apperr.ErrInvalidSelection)
	}
	d.active[s.key()] = ls[index].ID
	return nil
}

// ContentBounds returns the union of stroke and object bounds over all
// tiles of an edgeless document.
func (d *Document) ContentBounds() models.Rect {
	var r models.Rect
	if d.tiles == nil {
		return r
	}
	for _, k := range d.tiles.Keys() {
		for _, l := range d.tiles.Get(k).Layers {
			for _, s := range l.Strokes {
				r = r.Union(s.Bounds())
			}
			for _, o := range l.Objects {
				r = r.Union(o.Bounds)
			}
		}
	}
	return r
}

// MirrorPDF aligns the page list with a newly linked PDF. Backed pages take
// PDF pages 0..n-1 in order and leftover PDF pages are appended. Blank pages
// keep their place; backed pages past the PDF's end keep their annotations
// and become blank.
func (d *Document) MirrorPDF(src models.PDFSource, sizes []models.Size) error {
	if d.Kind != models.KindPagedPDF {
		return fmt.Errorf("document: mirror pdf: %w", apperr.ErrWrongKind)
	}
	if len(sizes) == 0 {
		return fmt.Errorf("document: pdf has no pages: %w", apperr.ErrFormatInvalid)
	}
	next := 0
	for _, p := range d.pages {
		if p.PDFPage < 0 {
			continue
		}
		backing, size := -1, p.Size
		if next < len(sizes) {
			backing, size = next, sizes[next]
			next++
		}
		if p.PDFPage != backing || p.Size != size {
			p.PDFPage, p.Size = backing, size
			d.pageGen.touch(p.ID)
		}
	}
	for ; next < len(sizes); next++ {
		p := d.newPage(sizes[next], next)
		d.pages = append(d.pages, p)
		d.pageGen.touch(p.ID)
	}
	d.PDF = src
	d.meta.touch("")
	return nil
}

// SetPDFSource records a new backing file identity without touching pages.
func (d *Document) SetPDFSource(src models.PDFSource) {
	d.PDF = src
	d.meta.touch("")
}

// SetTitle renames the document.
func (d *Document) SetTitle(title string) {
	d.Title = title
	d.meta.touch("")
}

// Notes returns copies of all notes ordered by creation time.
func (d *Document) Notes() []models.MarkdownNote {
	out := make([]models.MarkdownNote, 0, len(d.notes))
	for _, n := range d.notes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Note returns a copy of the note with the given id.
func (d *Document) Note(id string) (models.MarkdownNote, error) {
	n, ok := d.notes[id]
	if !ok {
		return models.MarkdownNote{}, fmt.Errorf("document: note %s: %w", id, apperr.ErrNotFound)
	}
	return *n, nil
}

// UpdateNote replaces a note's title and body. Text edits are not part of
// the undo history.
func (d *Document) UpdateNote(id, title, body string) error {
	n, ok := d.notes[id]
	if !ok {
		return fmt.Errorf("document: note %s: %w", id, apperr.ErrNotFound)
	}
	n.Title, n.Body = title, body
	n.UpdatedAt = d.now().UTC()
	d.noteGen.touch(id)
	return nil
}

// BindSlot binds an existing link to a quick-access slot. An occupied slot
// is only rebound when overwrite is set; otherwise ErrSlotOccupied is
// returned together with the occupant.
func (d *Document) BindSlot(slot int, linkID string, overwrite bool) (*models.LinkObject, error) {
	l, ok := d.links.Get(linkID)
	if !ok {
		return nil, fmt.Errorf("document: link %s: %w", linkID, apperr.ErrNotFound)
	}
	if cur, ok := d.links.Slot(slot); ok && cur.ID != linkID && !overwrite {
		return &cur, fmt.Errorf("document: slot %d holds %s: %w", slot, cur.ID, apperr.ErrSlotOccupied)
	}
	prev, err := d.links.Assign(slot, l)
	if err != nil {
		return nil, err
	}
	d.meta.touch("")
	return prev, nil
}
