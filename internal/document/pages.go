package document

import (
	"fmt"

	"github.com/starford/speedynote/internal/apperr"
	"github.com/starford/speedynote/internal/models"
	"github.com/starford/speedynote/internal/undo"
)

// pageCmd inserts or removes one page. The page is kept as a private copy
// so undo puts back exactly what was removed, together with the links whose
// markers sat on it and the notes anchored on it.
type pageCmd struct {
	d      *Document
	label  string
	insert bool
	index  int
	page   *models.Page
	links  []models.LinkObject
	notes  []models.MarkdownNote
}

func (c *pageCmd) Label() string { return c.label }

func (c *pageCmd) Do() error {
	if c.insert {
		return c.add()
	}
	return c.remove()
}

func (c *pageCmd) Undo() error {
	if c.insert {
		return c.remove()
	}
	return c.add()
}

func (c *pageCmd) add() error {
	d := c.d
	if c.index < 0 || c.index > len(d.pages) {
		return fmt.Errorf("document: page index %d of %d: %w", c.index, len(d.pages), apperr.ErrInvalidSelection)
	}
	if _, ok := d.PageIndex(c.page.ID); ok {
		return fmt.Errorf("document: page %s: %w", c.page.ID, apperr.ErrAlreadyExists)
	}
	p := c.page.Clone()
	d.pages = append(d.pages, nil)
	copy(d.pages[c.index+1:], d.pages[c.index:])
	d.pages[c.index] = p
	delete(d.deletedPages, p.ID)
	d.pageGen.touch(p.ID)
	d.meta.touch("")
	for _, l := range c.links {
		if err := d.restoreLink(l); err != nil {
			return err
		}
	}
	for _, n := range c.notes {
		d.restoreNote(n)
	}
	return nil
}

func (c *pageCmd) remove() error {
	d := c.d
	i, ok := d.PageIndex(c.page.ID)
	if !ok {
		return fmt.Errorf("document: page %s: %w", c.page.ID, apperr.ErrNotFound)
	}
	if len(d.pages) == 1 {
		return fmt.Errorf("document: delete page: %w", apperr.ErrLastPage)
	}
	d.pages = append(d.pages[:i:i], d.pages[i+1:]...)
	delete(d.active, surf{pageID: c.page.ID}.key())
	d.deletedPages[c.page.ID] = struct{}{}
	d.meta.touch("")
	for _, l := range c.links {
		d.dropLink(l.ID)
	}
	for _, n := range c.notes {
		d.dropNote(n.ID)
	}
	return nil
}

// AddPage inserts a blank page at index. A zero size uses the document's
// default page size. Added pages have no PDF backing.
func (d *Document) AddPage(index int, size models.Size) (undo.Command, error) {
	if !d.Kind.Paged() {
		return nil, fmt.Errorf("document: add page: %w", apperr.ErrWrongKind)
	}
	if index < 0 || index > len(d.pages) {
		return nil, fmt.Errorf("document: page index %d of %d: %w", index, len(d.pages), apperr.ErrInvalidSelection)
	}
	if size.Width <= 0 || size.Height <= 0 {
		size = d.PageSize
	}
	return &pageCmd{d: d, label: "Add page", insert: true, index: index, page: d.newPage(size, -1)}, nil
}

// DeletePage removes page index with its annotations. The sole remaining
// page cannot be deleted. Links whose markers sit on the page and notes
// anchored on it go with it; links aimed at the page from elsewhere stay
// and become unresolvable.
func (d *Document) DeletePage(index int) (undo.Command, error) {
	p, err := d.Page(index)
	if err != nil {
		return nil, err
	}
	if len(d.pages) == 1 {
		return nil, fmt.Errorf("document: delete page %d: %w", index, apperr.ErrLastPage)
	}
	c := &pageCmd{d: d, label: "Delete page", index: index, page: p.Clone()}
	for _, layer := range p.Layers {
		for _, o := range layer.Objects {
			if o.Kind != models.ObjectLink {
				continue
			}
			if l, ok := d.links.Get(o.LinkID); ok {
				c.links = append(c.links, l)
			}
		}
	}
	for _, id := range sortedKeys(d.notes) {
		if n := d.notes[id]; n.Anchor.PageID == p.ID {
			c.notes = append(c.notes, *n)
		}
	}
	return c, nil
}

type pageBackgroundCmd struct {
	d             *Document
	pageID        string
	before, after models.Background
}

func (c *pageBackgroundCmd) Label() string { return "Change background" }
func (c *pageBackgroundCmd) Do() error     { return c.set(c.after) }
func (c *pageBackgroundCmd) Undo() error   { return c.set(c.before) }

func (c *pageBackgroundCmd) set(bg models.Background) error {
	i, ok := c.d.PageIndex(c.pageID)
	if !ok {
		return fmt.Errorf("document: page %s: %w", c.pageID, apperr.ErrNotFound)
	}
	c.d.pages[i].Background = bg
	c.d.pageGen.touch(c.pageID)
	return nil
}

// SetPageBackground changes the ruling of one page.
func (d *Document) SetPageBackground(index int, bg models.Background) (undo.Command, error) {
	if err := validBackground(bg); err != nil {
		return nil, err
	}
	p, err := d.Page(index)
	if err != nil {
		return nil, err
	}
	return &pageBackgroundCmd{d: d, pageID: p.ID, before: p.Background, after: bg}, nil
}

type docBackgroundCmd struct {
	d             *Document
	before, after models.Background
}

func (c *docBackgroundCmd) Label() string { return "Change default background" }

func (c *docBackgroundCmd) Do() error {
	c.d.Background = c.after
	c.d.meta.touch("")
	return nil
}

func (c *docBackgroundCmd) Undo() error {
	c.d.Background = c.before
	c.d.meta.touch("")
	return nil
}

// SetDocumentBackground changes the default ruling used for new pages and
// for the edgeless canvas.
func (d *Document) SetDocumentBackground(bg models.Background) (undo.Command, error) {
	if err := validBackground(bg); err != nil {
		return nil, err
	}
	return &docBackgroundCmd{d: d, before: d.Background, after: bg}, nil
}

func validBackground(bg models.Background) error {
	switch bg.Kind {
	case models.BackgroundNone:
		return nil
	case models.BackgroundGrid, models.BackgroundLines:
		if bg.Spacing <= 0 {
			return fmt.Errorf("document: background spacing %v: %w", bg.Spacing, apperr.ErrInvalidSelection)
		}
		return nil
	}
	return fmt.Errorf("document: background kind %q: %w", bg.Kind, apperr.ErrFormatInvalid)
}
