package pdfbind

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"seehuhn.de/go/pdf"
	"seehuhn.de/go/pdf/pagetree"

	"github.com/starford/speedynote/internal/apperr"
	"github.com/starford/speedynote/internal/models"
)

// writePDF creates a PDF with one page per size; each page draws a line.
func writePDF(t *testing.T, path string, opt *pdf.WriterOptions, sizes ...models.Size) {
	t.Helper()
	w, err := pdf.Create(path, pdf.V1_7, opt)
	if err != nil {
		t.Fatal(err)
	}
	rm := pdf.NewResourceManager(w)
	tree := pagetree.NewWriter(w, rm)
	for _, sz := range sizes {
		ref := w.Alloc()
		stm, err := w.OpenStream(ref, nil, pdf.FilterCompress{})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := stm.Write([]byte("0 0 m 100 100 l S\n")); err != nil {
			t.Fatal(err)
		}
		if err := stm.Close(); err != nil {
			t.Fatal(err)
		}
		dict := pdf.Dict{
			"Type":      pdf.Name("Page"),
			"MediaBox":  rectArray(models.Rect{W: sz.Width, H: sz.Height}),
			"Resources": pdf.Dict{},
			"Contents":  ref,
		}
		if err := tree.AppendPageDict(w.Alloc(), dict); err != nil {
			t.Fatal(err)
		}
	}
	ref, err := tree.Close()
	if err != nil {
		t.Fatal(err)
	}
	w.GetMeta().Catalog.Pages = ref
	if err := rm.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

var (
	a4     = models.Size{Width: 595, Height: 842}
	letter = models.Size{Width: 612, Height: 792}
)

func TestInspect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.pdf")
	writePDF(t, path, nil, a4, letter)

	info, err := Inspect(path)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if diff := cmp.Diff([]models.Size{a4, letter}, info.Pages); diff != "" {
		t.Errorf("pages (-want +got):\n%s", diff)
	}
}

func TestInspectRejects(t *testing.T) {
	dir := t.TempDir()
	txt := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(txt, []byte("just text"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Inspect(txt); !errors.Is(err, apperr.ErrNotPDF) {
		t.Errorf("text file: %v, want ErrNotPDF", err)
	}
	if _, err := Inspect(filepath.Join(dir, "gone.pdf")); !errors.Is(err, apperr.ErrMissingFile) {
		t.Errorf("missing file: %v, want ErrMissingFile", err)
	}

	locked := filepath.Join(dir, "locked.pdf")
	writePDF(t, locked, &pdf.WriterOptions{UserPassword: "user", OwnerPassword: "owner"}, a4)
	_, err := Inspect(locked)
	if !errors.Is(err, apperr.ErrPasswordProtected) {
		t.Errorf("encrypted file: %v, want ErrPasswordProtected", err)
	}
	if apperr.KindOf(err) != apperr.KindFormatInvalid {
		t.Errorf("kind = %s, want %s", apperr.KindOf(err), apperr.KindFormatInvalid)
	}
}

func TestLinkMismatchNeedsDecision(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.pdf")
	second := filepath.Join(dir, "second.pdf")
	writePDF(t, first, nil, a4)
	writePDF(t, second, nil, a4, a4)

	b := New(nil)
	f1, _, err := b.Link(first, nil)
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if b.State() != Attached {
		t.Fatalf("state = %s, want attached", b.State())
	}

	calls := 0
	cancel := func(m Mismatch) Decision {
		calls++
		if got := b.Source(); got != f1 {
			t.Errorf("binding changed before decision: %+v", got)
		}
		if m.Recorded != f1 || m.Selected.SHA256 == f1.SHA256 {
			t.Errorf("mismatch = %+v", m)
		}
		return Decision{Outcome: Cancel}
	}
	if _, _, err := b.Link(second, cancel); !errors.Is(err, apperr.ErrLinkCancelled) {
		t.Fatalf("Link = %v, want ErrLinkCancelled", err)
	}
	if calls != 1 || b.Source() != f1 {
		t.Errorf("calls = %d, source = %+v", calls, b.Source())
	}

	back := func(Mismatch) Decision { return Decision{Outcome: ChooseDifferent, Path: first} }
	if src, _, err := b.Link(second, back); err != nil || src != f1 {
		t.Errorf("choose different = %+v, %v", src, err)
	}

	use := func(Mismatch) Decision { return Decision{Outcome: UseSelected} }
	f2, info, err := b.Link(second, use)
	if err != nil {
		t.Fatal(err)
	}
	if b.Source() != f2 || len(info.Pages) != 2 {
		t.Errorf("source = %+v, pages = %d", b.Source(), len(info.Pages))
	}
}

func TestReopenMissingIsDetached(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.pdf")
	writePDF(t, path, nil, a4)
	src, err := Fingerprint(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	b := New(nil)
	if err := b.Reopen(src); !errors.Is(err, apperr.ErrMissingFile) {
		t.Fatalf("Reopen = %v, want ErrMissingFile", err)
	}
	if b.State() != Detached {
		t.Fatalf("state = %s, want detached", b.State())
	}
	if _, err := b.RenderPage(context.Background(), 0, 72); !errors.Is(err, apperr.ErrDetached) {
		t.Errorf("RenderPage = %v, want ErrDetached", err)
	}

	writePDF(t, path, nil, a4)
	if _, _, err := b.Link(path, nil); err != nil {
		t.Fatalf("reattach: %v", err)
	}
	if b.State() != Attached {
		t.Errorf("state = %s, want attached", b.State())
	}
}

func TestRenderPageCache(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.pdf")
	writePDF(t, path, nil, a4, letter)
	b := New(nil)
	if _, _, err := b.Link(path, nil); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	bk, err := b.RenderPage(ctx, 1, 144)
	if err != nil {
		t.Fatalf("RenderPage: %v", err)
	}
	if bk.Width != 1224 || bk.Height != 1584 {
		t.Errorf("pixels = %dx%d, want 1224x1584", bk.Width, bk.Height)
	}
	if len(bk.Content) == 0 {
		t.Error("empty content stream")
	}
	again, _ := b.RenderPage(ctx, 1, 144)
	if again != bk {
		t.Error("second render should hit the cache")
	}
	if _, ok := b.Cached(1, 72); ok {
		t.Error("cache is keyed by dpi")
	}
	if _, err := b.RenderPage(ctx, 5, 72); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("page out of range: %v", err)
	}

	b.Detach()
	if _, ok := b.Cached(1, 144); ok {
		t.Error("binding change must clear the cache")
	}
}

func TestRenderPageCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.pdf")
	writePDF(t, path, nil, a4)
	b := New(nil)
	if _, _, err := b.Link(path, nil); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.RenderPage(ctx, 0, 96); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if _, ok := b.Cached(0, 96); ok {
		t.Error("cancelled render must not reach the cache")
	}
}

func TestExport(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.pdf")
	writePDF(t, path, nil, a4)
	b := New(nil)
	if _, _, err := b.Link(path, nil); err != nil {
		t.Fatal(err)
	}

	ink := []models.Layer{{ID: "l", Visible: true, Strokes: []models.Stroke{{
		ID: "s", Tool: models.ToolHighlighter, Color: "#ffee00", Width: 8,
		Points: []models.Point{{X: 10, Y: 10}, {X: 50, Y: 12}, {X: 90, Y: 10}},
	}}}}
	pages := []ExportPage{
		{Size: a4, PDFPage: 0, Layers: ink},
		{Size: letter, PDFPage: -1, Background: models.Background{Kind: models.BackgroundGrid, Spacing: 20}, Layers: ink},
	}
	out := filepath.Join(dir, "out.pdf")
	if err := b.Export(context.Background(), out, pages, ExportOptions{DPI: Presets["draft"]}); err != nil {
		t.Fatalf("Export: %v", err)
	}
	info, err := Inspect(out)
	if err != nil {
		t.Fatalf("Inspect export: %v", err)
	}
	if diff := cmp.Diff([]models.Size{a4, letter}, info.Pages); diff != "" {
		t.Errorf("exported pages (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(out + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		spec string
		want []int
		ok   bool
	}{
		{"", []int{0, 1, 2, 3}, true},
		{"2", []int{1}, true},
		{"1-2, 4", []int{0, 1, 3}, true},
		{"3,1-3", []int{0, 1, 2}, true},
		{"0", nil, false},
		{"3-2", nil, false},
		{"5", nil, false},
		{"x", nil, false},
	}
	for _, tt := range tests {
		got, err := ParseRange(tt.spec, 4)
		if (err == nil) != tt.ok {
			t.Errorf("ParseRange(%q) err = %v", tt.spec, err)
			continue
		}
		if diff := cmp.Diff(tt.want, got); tt.ok && diff != "" {
			t.Errorf("ParseRange(%q) (-want +got):\n%s", tt.spec, diff)
		}
	}
}

func TestResolveDPI(t *testing.T) {
	if dpi, _ := ResolveDPI("print", 0); dpi != 300 {
		t.Errorf("print = %v, want 300", dpi)
	}
	if dpi, _ := ResolveDPI("custom", 220); dpi != 220 {
		t.Errorf("custom = %v, want 220", dpi)
	}
	if dpi, _ := ResolveDPI("print", 72); dpi != 72 {
		t.Errorf("explicit dpi over preset = %v", dpi)
	}
	if _, err := ResolveDPI("custom", 0); !errors.Is(err, apperr.ErrInvalidSelection) {
		t.Errorf("custom without dpi: %v", err)
	}
	if _, err := ResolveDPI("poster", 0); !errors.Is(err, apperr.ErrInvalidSelection) {
		t.Errorf("unknown preset: %v", err)
	}
}

func TestParseOutcome(t *testing.T) {
	for _, o := range []Outcome{Cancel, UseSelected, ChooseDifferent} {
		got, err := ParseOutcome(o.String())
		if err != nil || got != o {
			t.Errorf("ParseOutcome(%q) = %v, %v", o.String(), got, err)
		}
	}
	if _, err := ParseOutcome("keep"); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Errorf("unknown decision err = %v", err)
	}
}
