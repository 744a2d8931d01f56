package pdfbind

import (
	"context"
	"fmt"
	"io"
	"math"

	"seehuhn.de/go/pdf/pagetree"

	"github.com/starford/speedynote/internal/apperr"
	"github.com/starford/speedynote/internal/models"
)

// Backing is the read-only layer drawn beneath a page's annotations: the
// page's visible box and its decoded content stream, sized for a DPI.
type Backing struct {
	Index  int
	DPI    float64
	Box    models.Rect
	Width  int // pixels at DPI
	Height int
	// Content is the page's concatenated content stream.
	Content []byte
}

type renderKey struct {
	index int
	dpi   float64
}

// Cached returns a render from the cache without doing any work.
func (b *Binding) Cached(index int, dpi float64) (*Backing, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bk, ok := b.cache[renderKey{index, dpi}]
	return bk, ok
}

// RenderPage produces the backing layer of page index at dpi. Results are
// cached per (index, dpi) until the binding changes. ctx is checked between
// decoding steps; a cancelled or outdated render leaves the cache alone.
func (b *Binding) RenderPage(ctx context.Context, index int, dpi float64) (*Backing, error) {
	if dpi <= 0 {
		return nil, fmt.Errorf("pdfbind: dpi %v: %w", dpi, apperr.ErrInvalidSelection)
	}
	if bk, ok := b.Cached(index, dpi); ok {
		return bk, nil
	}
	src, gen, err := b.attachedSource()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r, err := open(src.Path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	n, err := pagetree.NumPages(r)
	if err != nil {
		return nil, fmt.Errorf("pdfbind: page tree: %v: %w", err, apperr.ErrFormatInvalid)
	}
	if index < 0 || index >= n {
		return nil, fmt.Errorf("pdfbind: page %d of %d: %w", index, n, apperr.ErrNotFound)
	}
	_, dict, err := pagetree.GetPage(r, index)
	if err != nil {
		return nil, fmt.Errorf("pdfbind: page %d: %v: %w", index, err, apperr.ErrFormatInvalid)
	}
	box, err := pageBox(r, dict)
	if err != nil {
		return nil, fmt.Errorf("pdfbind: page %d: %w", index, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stm, err := pagetree.ContentStream(r, dict)
	if err != nil {
		return nil, fmt.Errorf("pdfbind: page %d contents: %v: %w", index, err, apperr.ErrFormatInvalid)
	}
	content, err := io.ReadAll(stm)
	if err != nil {
		return nil, fmt.Errorf("pdfbind: page %d contents: %w", index, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	scale := dpi / 72
	bk := &Backing{
		Index:   index,
		DPI:     dpi,
		Box:     box,
		Width:   int(math.Ceil(box.W * scale)),
		Height:  int(math.Ceil(box.H * scale)),
		Content: content,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gen != gen {
		return nil, fmt.Errorf("pdfbind: binding changed during render: %w", apperr.ErrConflict)
	}
	if prev, ok := b.cache[renderKey{index, dpi}]; ok {
		return prev, nil
	}
	b.cache[renderKey{index, dpi}] = bk
	return bk, nil
}
