package internal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/starford/speedynote/internal/apperr"
	"github.com/starford/speedynote/internal/bundle"
	"github.com/starford/speedynote/internal/cache"
	"github.com/starford/speedynote/internal/models"
	"github.com/starford/speedynote/internal/testutil"
)

func testEnv(t *testing.T) (*CommandEnv, string) {
	t.Helper()
	root := t.TempDir()
	cfg := NewDefaultConfig()
	cfg.Document.Path = filepath.Join(root, "book")
	cfg.SQLite.Path = filepath.Join(root, "index.db")
	cfg.Cache.Dir = filepath.Join(root, "cache")
	return NewCommandEnv(cfg, io.Discard), root
}

func TestCreatePackUnpack(t *testing.T) {
	ctx := context.Background()
	e, root := testEnv(t)
	dir := filepath.Join(root, "sketch")

	if err := e.Create(ctx, dir, models.KindEdgeless, "Sketch", ""); err != nil {
		t.Fatal(err)
	}
	if err := e.Create(ctx, dir, models.KindEdgeless, "Again", ""); !errors.Is(err, apperr.ErrAlreadyExists) {
		t.Fatalf("second create err = %v", err)
	}

	out := filepath.Join(root, "sketch.zip")
	if err := e.Pack(ctx, dir, out, true); err != nil {
		t.Fatal(err)
	}
	got, err := e.Unpack(ctx, out, filepath.Join(root, "copy"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(got, "document.json")); err != nil {
		t.Errorf("unpacked bundle has no manifest: %v", err)
	}
	if _, err := e.Unpack(ctx, out, filepath.Join(root, "copy")); !errors.Is(err, apperr.ErrAlreadyExists) {
		t.Errorf("unpack over existing dir err = %v", err)
	}
}

func TestCreateRejects(t *testing.T) {
	ctx := context.Background()
	e, root := testEnv(t)
	err := e.Create(ctx, filepath.Join(root, "a"), models.KindPagedBlank, "", filepath.Join(root, "missing.pdf"))
	if !errors.Is(err, apperr.ErrMissingFile) {
		t.Errorf("missing pdf err = %v", err)
	}
	err = e.Create(ctx, filepath.Join(root, "b"), models.KindPagedPDF, "", "")
	if !errors.Is(err, apperr.ErrWrongKind) {
		t.Errorf("paged_pdf without pdf err = %v", err)
	}
}

func TestOpenWorkspace_CreatesMissingDocument(t *testing.T) {
	ctx := context.Background()
	e, _ := testEnv(t)
	ws, err := openWorkspace(ctx, e.Config, nil, e.Logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()

	info, err := ws.svc.Describe(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if info.Kind != models.KindPagedBlank || len(info.Pages) != 1 {
		t.Errorf("info = %+v", info)
	}
	if _, err := os.Stat(filepath.Join(e.Config.Document.Path, "document.json")); err != nil {
		t.Errorf("bundle not written: %v", err)
	}
}

func TestOpenWorkspace_ArchiveLeasedInCache(t *testing.T) {
	ctx := context.Background()
	e, root := testEnv(t)
	dir := filepath.Join(root, "paper")
	if err := e.Create(ctx, dir, models.KindPagedBlank, "Paper", ""); err != nil {
		t.Fatal(err)
	}
	pkg := filepath.Join(root, "paper.snpkg")
	if err := e.Pack(ctx, dir, pkg, false); err != nil {
		t.Fatal(err)
	}

	scratch, err := cache.Open(e.Config.Cache.Dir, 0, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	cfg := *e.Config
	cfg.Document.Path = pkg
	ws, err := openWorkspace(ctx, &cfg, scratch, e.Logger, nil)
	if err != nil {
		t.Fatal(err)
	}

	info, err := ws.svc.Describe(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if info.Title != "Paper" {
		t.Errorf("title = %q", info.Title)
	}

	// Leased while open, reclaimed after close.
	removed, err := scratch.Cleanup(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 0 {
		t.Errorf("open bundle removed: %v", removed)
	}
	ws.Close()
	removed, err = scratch.Cleanup(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 {
		t.Errorf("removed after close = %v", removed)
	}
}

func TestOpenWorkspace_ArchiveNeedsCache(t *testing.T) {
	e, root := testEnv(t)
	pkg := filepath.Join(root, "x.snpkg")
	if err := os.WriteFile(pkg, []byte("not a zip"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := *e.Config
	cfg.Document.Path = pkg
	if _, err := openWorkspace(context.Background(), &cfg, nil, e.Logger, nil); err == nil {
		t.Fatal("archive opened without cache")
	}
}

func TestRelinkPrompts(t *testing.T) {
	ctx := context.Background()
	e, root := testEnv(t)
	first := filepath.Join(root, "first.pdf")
	second := filepath.Join(root, "second.pdf")
	testutil.WritePDF(t, first, models.Size{Width: 595, Height: 842})
	testutil.WritePDF(t, second, models.Size{Width: 595, Height: 842}, models.Size{Width: 595, Height: 842})
	dir := filepath.Join(root, "doc")
	if err := e.Create(ctx, dir, models.KindPagedPDF, "", first); err != nil {
		t.Fatal(err)
	}
	recorded := func() string {
		t.Helper()
		b, err := bundle.Open(dir, nil)
		if err != nil {
			t.Fatal(err)
		}
		m, err := b.Manifest()
		if err != nil {
			t.Fatal(err)
		}
		return m.PDF.Path
	}

	var out strings.Builder
	if err := e.Relink(ctx, dir, second, strings.NewReader("x\n"), &out); !errors.Is(err, apperr.ErrLinkCancelled) {
		t.Errorf("cancel err = %v", err)
	}
	if !strings.Contains(out.String(), "recorded: "+first) {
		t.Errorf("prompt = %q", out.String())
	}
	if got := recorded(); got != first {
		t.Errorf("after cancel pdf = %q", got)
	}

	if err := e.Relink(ctx, dir, second, strings.NewReader(""), io.Discard); !errors.Is(err, apperr.ErrLinkCancelled) {
		t.Errorf("closed input err = %v", err)
	}
	if err := e.Relink(ctx, dir, second, strings.NewReader("c\n"+first+"\n"), io.Discard); err != nil {
		t.Errorf("choose different: %v", err)
	}
	if got := recorded(); got != first {
		t.Errorf("after choose pdf = %q", got)
	}

	if err := e.Relink(ctx, dir, second, strings.NewReader("u\n"), io.Discard); err != nil {
		t.Fatalf("use selected: %v", err)
	}
	if got := recorded(); got != second {
		t.Errorf("after use pdf = %q, want %q", got, second)
	}
}
