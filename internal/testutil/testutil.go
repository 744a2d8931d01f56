// Package testutil provides shared test helpers for setting up documents,
// sessions and databases.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"seehuhn.de/go/pdf"
	"seehuhn.de/go/pdf/pagetree"

	"github.com/starford/speedynote/internal/document"
	"github.com/starford/speedynote/internal/index"
	"github.com/starford/speedynote/internal/models"
	"github.com/starford/speedynote/internal/viewport"
)

// TestDB creates a temporary SQLite database that is automatically cleaned up.
func TestDB(t *testing.T) *index.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "speedynote-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := index.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestSession creates a saved document of the given kind in a temporary
// bundle and wraps it in a session that is closed on cleanup. The view
// covers the first page (or the origin tile) at zoom 1.
func TestSession(t *testing.T, kind models.DocumentKind, opts ...viewport.Option) (*viewport.Session, string) {
	t.Helper()
	d, err := document.New(document.Options{Title: "test", Kind: kind})
	if err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(t.TempDir(), "doc")
	v, err := viewport.Create(context.Background(), dir, d, opts...)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.SetView(context.Background(), viewport.View{Zoom: 1, Width: 800, Height: 1000}); err != nil {
		t.Fatal(err)
	}
	s := viewport.NewSession(v)
	t.Cleanup(s.Close)
	return s, dir
}

// WritePDF writes an unencrypted PDF with one page per size. Files with
// different sizes have different fingerprints.
func WritePDF(t *testing.T, path string, sizes ...models.Size) {
	t.Helper()
	w, err := pdf.Create(path, pdf.V1_7, nil)
	if err != nil {
		t.Fatal(err)
	}
	rm := pdf.NewResourceManager(w)
	tree := pagetree.NewWriter(w, rm)
	for _, sz := range sizes {
		content := w.Alloc()
		stm, err := w.OpenStream(content, nil, pdf.FilterCompress{})
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
			"MediaBox":  pdf.Array{pdf.Real(0), pdf.Real(0), pdf.Real(sz.Width), pdf.Real(sz.Height)},
			"Resources": pdf.Dict{},
			"Contents":  content,
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
