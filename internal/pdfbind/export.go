package pdfbind

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"

	"seehuhn.de/go/pdf"
	"seehuhn.de/go/pdf/pagetree"
	"seehuhn.de/go/pdf/pdfcopy"

	"github.com/starford/speedynote/internal/apperr"
	"github.com/starford/speedynote/internal/models"
)

// Resolution presets for export.
var Presets = map[string]float64{
	"screen": 96,
	"draft":  150,
	"print":  300,
}

// ResolveDPI returns custom when it is positive, else the DPI of the named
// preset. An empty preset or "custom" requires a positive custom value.
func ResolveDPI(preset string, custom float64) (float64, error) {
	if custom > 0 {
		return custom, nil
	}
	if preset == "" || preset == "custom" {
		return 0, fmt.Errorf("pdfbind: dpi %v: %w", custom, apperr.ErrInvalidSelection)
	}
	dpi, ok := Presets[preset]
	if !ok {
		return 0, fmt.Errorf("pdfbind: unknown preset %q: %w", preset, apperr.ErrInvalidSelection)
	}
	return dpi, nil
}

// ParseRange parses a 1-based page range such as "1-3,5" into sorted,
// distinct 0-based indices below n. An empty range selects every page.
func ParseRange(spec string, n int) ([]int, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" || spec == "all" {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out, nil
	}
	seen := make(map[int]bool)
	for _, part := range strings.Split(spec, ",") {
		lo, hi, isRange := strings.Cut(strings.TrimSpace(part), "-")
		a, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, fmt.Errorf("pdfbind: page range %q: %w", spec, apperr.ErrInvalidSelection)
		}
		b := a
		if isRange {
			if b, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil {
				return nil, fmt.Errorf("pdfbind: page range %q: %w", spec, apperr.ErrInvalidSelection)
			}
		}
		if a < 1 || b < a || b > n {
			return nil, fmt.Errorf("pdfbind: pages %d-%d of %d: %w", a, b, n, apperr.ErrInvalidSelection)
		}
		for i := a; i <= b; i++ {
			seen[i-1] = true
		}
	}
	out := make([]int, 0, len(seen))
	for i := range seen {
		out = append(out, i)
	}
	sort.Ints(out)
	return out, nil
}

// ExportPage is one output page. Layers are in page coordinates (origin
// top left); Origin is subtracted first, which lets an edgeless canvas be
// exported as a single page.
type ExportPage struct {
	Size       models.Size
	Origin     models.Vec
	Background models.Background
	PDFPage    int
	Layers     []models.Layer
}

// ExportOptions control flattening.
type ExportOptions struct {
	DPI float64
}

// Export writes pages as a flattened PDF to out. Pages with a backing PDF
// page get it copied beneath their visible layers; when the binding is not
// attached the backing is left out. The file appears atomically.
func (b *Binding) Export(ctx context.Context, out string, pages []ExportPage, opts ExportOptions) (err error) {
	if len(pages) == 0 {
		return fmt.Errorf("pdfbind: export: no pages: %w", apperr.ErrInvalidSelection)
	}
	if opts.DPI <= 0 {
		return fmt.Errorf("pdfbind: export: dpi %v: %w", opts.DPI, apperr.ErrInvalidSelection)
	}
	tol := 72 / opts.DPI

	var r *pdf.Reader
	if needsBacking(pages) {
		src, _, srcErr := b.attachedSource()
		if srcErr != nil {
			b.logger.Warn("pdfbind: exporting without backing pages", slog.String("error", srcErr.Error()))
		} else {
			if r, err = open(src.Path); err != nil {
				return err
			}
			defer r.Close()
		}
	}

	tmp := out + ".tmp"
	w, err := pdf.Create(tmp, pdf.V1_7, nil)
	if err != nil {
		return fmt.Errorf("pdfbind: create %s: %w", out, err)
	}
	defer func() {
		if err != nil {
			_ = w.Close()
			_ = os.Remove(tmp)
		}
	}()

	rm := pdf.NewResourceManager(w)
	tree := pagetree.NewWriter(w, rm)
	var copier *pdfcopy.Copier
	if r != nil {
		copier = pdfcopy.NewCopier(w, r)
	}

	for i, p := range pages {
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = writePage(w, tree, r, copier, p, tol); err != nil {
			return fmt.Errorf("pdfbind: export page %d: %w", i+1, err)
		}
	}

	ref, err := tree.Close()
	if err != nil {
		return fmt.Errorf("pdfbind: page tree: %w", err)
	}
	w.GetMeta().Catalog.Pages = ref
	if err = rm.Close(); err != nil {
		return fmt.Errorf("pdfbind: resources: %w", err)
	}
	if err = w.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("pdfbind: close %s: %w", out, err)
	}
	if err = os.Rename(tmp, out); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("pdfbind: rename %s: %w", out, err)
	}
	b.logger.Info("pdfbind: exported", slog.String("path", out), slog.Int("pages", len(pages)))
	return nil
}

func needsBacking(pages []ExportPage) bool {
	for _, p := range pages {
		if p.PDFPage >= 0 {
			return true
		}
	}
	return false
}

func writePage(w *pdf.Writer, tree *pagetree.Writer, r *pdf.Reader, copier *pdfcopy.Copier, p ExportPage, tol float64) error {
	res := pdf.Dict{
		"ExtGState": pdf.Dict{
			"GSh": pdf.Dict{
				"Type": pdf.Name("ExtGState"),
				"CA":   pdf.Real(highlighterAlpha),
				"ca":   pdf.Real(highlighterAlpha),
			},
		},
	}
	var o ops
	if r != nil && p.PDFPage >= 0 {
		form, box, err := copyBacking(w, r, copier, p.PDFPage)
		if err != nil {
			return err
		}
		res["XObject"] = pdf.Dict{"Bg": form}
		o.op("q 1 0 0 1 %s %s cm /Bg Do Q", num(-box.X), num(-box.Y))
	}

	// Annotations use a top-left origin with y growing downwards.
	o.op("q 1 0 0 -1 0 %s cm", num(p.Size.Height))
	o.background(p.Background, p.Size.Width, p.Size.Height)
	if p.Origin != (models.Vec{}) {
		o.op("1 0 0 1 %s %s cm", num(-p.Origin.X), num(-p.Origin.Y))
	}
	o.layers(p.Layers, tol)
	o.op("Q")

	contentRef := w.Alloc()
	stm, err := w.OpenStream(contentRef, nil, pdf.FilterCompress{})
	if err != nil {
		return err
	}
	if _, err := stm.Write(o.Bytes()); err != nil {
		return err
	}
	if err := stm.Close(); err != nil {
		return err
	}

	dict := pdf.Dict{
		"Type":      pdf.Name("Page"),
		"MediaBox":  rectArray(models.Rect{W: p.Size.Width, H: p.Size.Height}),
		"Resources": res,
		"Contents":  contentRef,
	}
	return tree.AppendPageDict(w.Alloc(), dict)
}

// copyBacking turns page index of r into a form XObject in w.
func copyBacking(w *pdf.Writer, r *pdf.Reader, copier *pdfcopy.Copier, index int) (pdf.Reference, models.Rect, error) {
	_, dict, err := pagetree.GetPage(r, index)
	if err != nil {
		return 0, models.Rect{}, fmt.Errorf("backing page %d: %v: %w", index, err, apperr.ErrFormatInvalid)
	}
	box, err := pageBox(r, dict)
	if err != nil {
		return 0, models.Rect{}, err
	}
	origRes, err := pdf.GetDict(r, dict["Resources"])
	if err != nil {
		return 0, models.Rect{}, fmt.Errorf("backing resources: %w", err)
	}
	formDict := pdf.Dict{
		"Type":    pdf.Name("XObject"),
		"Subtype": pdf.Name("Form"),
		"BBox":    rectArray(box),
	}
	if origRes != nil {
		copied, err := copier.Copy(origRes)
		if err != nil {
			return 0, models.Rect{}, fmt.Errorf("copy resources: %w", err)
		}
		formDict["Resources"] = copied
	}
	contents, err := pagetree.ContentStream(r, dict)
	if err != nil {
		return 0, models.Rect{}, fmt.Errorf("backing contents: %w", err)
	}

	ref := w.Alloc()
	stm, err := w.OpenStream(ref, formDict, pdf.FilterCompress{})
	if err != nil {
		return 0, models.Rect{}, err
	}
	if _, err := io.Copy(stm, contents); err != nil {
		return 0, models.Rect{}, err
	}
	if err := stm.Close(); err != nil {
		return 0, models.Rect{}, err
	}
	return ref, box, nil
}

func rectArray(r models.Rect) pdf.Array {
	return pdf.Array{pdf.Real(r.X), pdf.Real(r.Y), pdf.Real(r.MaxX()), pdf.Real(r.MaxY())}
}
