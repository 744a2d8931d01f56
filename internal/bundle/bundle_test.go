package bundle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/starford/speedynote/internal/apperr"
	"github.com/starford/speedynote/internal/document"
	"github.com/starford/speedynote/internal/models"
	"github.com/starford/speedynote/internal/tilestore"
	"github.com/starford/speedynote/internal/undo"
)

func mustDo(t *testing.T, e *undo.Engine) func(undo.Command, error) {
	t.Helper()
	return func(cmd undo.Command, err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
		if err := e.Perform(cmd); err != nil {
			t.Fatal(err)
		}
	}
}

func save(t *testing.T, b *Bundle, d *document.Document) *Report {
	t.Helper()
	s := Capture(d)
	if s == nil {
		t.Fatal("nothing to save")
	}
	r := b.Write(context.Background(), s)
	Apply(d, r)
	return r
}

func stroke(id string, pts ...models.Point) models.Stroke {
	return models.Stroke{ID: id, Tool: models.ToolPen, Color: "#000000", Width: 2, Points: pts}
}

func TestEdgelessRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "doc")
	b, err := Create(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	d, err := document.New(document.Options{Title: "canvas", Kind: models.KindEdgeless})
	if err != nil {
		t.Fatal(err)
	}
	e := undo.New(0)
	pts := []models.Point{{X: 2050, Y: 10, Pressure: 0.7, Timestamp: 0}, {X: 2080, Y: 40, Pressure: 0.6, Timestamp: 16}}
	key := models.TileKey{X: 2, Y: 0}
	mustDo(t, e)(d.AddStroke(models.TileRef(key), stroke("s1", pts...)))

	r := save(t, b, d)
	if err := r.Err(); err != nil {
		t.Fatalf("save: %v", err)
	}
	if d.Modified() {
		t.Error("document still modified after save")
	}
	if _, err := os.Stat(filepath.Join(dir, "tiles", "2_0.json")); err != nil {
		t.Fatalf("tile file: %v", err)
	}

	b2, err := Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	m, err := b2.Manifest()
	if err != nil {
		t.Fatal(err)
	}
	if ext := m.TileExtents["2_0"]; !ext.Intersects(models.Rect{X: 2050, Y: 10, W: 30, H: 30}) {
		t.Errorf("tile extent = %v", ext)
	}
	got, warnings, err := b2.Load(tilestore.Config{})
	if err != nil || len(warnings) > 0 {
		t.Fatalf("Load: %v %v", err, warnings)
	}
	if !got.HasTile(key) {
		t.Fatal("tile 2_0 not listed")
	}
	ls, err := got.Snapshot(models.TileRef(key))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(pts, ls[0].Strokes[0].Points); diff != "" {
		t.Errorf("points (-want +got):\n%s", diff)
	}
	if got.Modified() {
		t.Error("loaded document is modified")
	}
}

func TestWriteEachSettlesKeysBeforeManifest(t *testing.T) {
	b, _ := Create(t.TempDir(), nil)
	d, _ := document.New(document.Options{Kind: models.KindEdgeless})
	e := undo.New(0)
	for i, k := range []models.TileKey{{X: 0, Y: 0}, {X: 4, Y: 1}} {
		p := models.Point{X: float64(k.X)*1024 + 10, Y: float64(k.Y)*1024 + 10}
		mustDo(t, e)(d.AddStroke(models.TileRef(k), stroke(fmt.Sprint("s", i), p)))
	}
	s := Capture(d)

	var mu sync.Mutex
	var settled []string
	r := b.WriteEach(context.Background(), s, func(key string) {
		mu.Lock()
		defer mu.Unlock()
		settled = append(settled, key)
	})
	if err := r.Err(); err != nil {
		t.Fatal(err)
	}
	if len(settled) != len(s.Keys()) || settled[len(settled)-1] != ManifestKey {
		t.Errorf("settled = %v, want every key with the manifest last", settled)
	}
}

func TestEmptiedTileFileRemoved(t *testing.T) {
	dir := t.TempDir()
	b, _ := Create(dir, nil)
	d, _ := document.New(document.Options{Kind: models.KindEdgeless})
	e := undo.New(0)
	ref := models.TileRef(models.TileKey{X: -1, Y: 3})
	mustDo(t, e)(d.AddStroke(ref, stroke("s", models.Point{X: -10, Y: 3100})))
	save(t, b, d)

	mustDo(t, e)(d.RemoveStrokes(ref, []string{"s"}))
	if err := save(t, b, d).Err(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "tiles", "-1_3.json")); !os.IsNotExist(err) {
		t.Errorf("emptied tile file still present: %v", err)
	}
	m, err := b.Manifest()
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Tiles) != 0 {
		t.Errorf("manifest tiles = %v", m.Tiles)
	}
}

func TestPagedRoundTripWithNotes(t *testing.T) {
	dir := t.TempDir()
	b, _ := Create(dir, nil)
	d, _ := document.New(document.Options{Title: "paper", Kind: models.KindPagedBlank})
	e := undo.New(0)
	mustDo(t, e)(d.AddPage(1, models.Size{Width: 300, Height: 400}))
	mustDo(t, e)(d.AddStroke(models.PageRef(1), stroke("s", models.Point{X: 1, Y: 2}, models.Point{X: 3, Y: 4})))
	cmd, note, err := d.InsertNote(models.PageRef(0), models.Vec{X: 40, Y: 50}, "Todo", "check #figures")
	mustDo(t, e)(cmd, err)
	if _, err := d.BindSlot(2, d.Links().All()[0].ID, false); err != nil {
		t.Fatal(err)
	}
	save(t, b, d)

	got, warnings, err := b.Load(tilestore.Config{})
	if err != nil || len(warnings) > 0 {
		t.Fatalf("Load: %v %v", err, warnings)
	}
	if got.PageCount() != 2 {
		t.Fatalf("pages = %d", got.PageCount())
	}
	for i := 0; i < 2; i++ {
		want, _ := d.Snapshot(models.PageRef(i))
		have, _ := got.Snapshot(models.PageRef(i))
		if diff := cmp.Diff(want, have, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("page %d layers (-want +got):\n%s", i, diff)
		}
	}
	n, err := got.Note(note.ID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(note, n); diff != "" {
		t.Errorf("note (-want +got):\n%s", diff)
	}
	if l, ok := got.Links().Slot(2); !ok || l.Target.NoteID != note.ID {
		t.Errorf("slot 2 = %+v, %v", l, ok)
	}
}

func TestDeletedPageAndNoteFilesRemoved(t *testing.T) {
	dir := t.TempDir()
	b, _ := Create(dir, nil)
	d, _ := document.New(document.Options{Kind: models.KindPagedBlank})
	e := undo.New(0)
	mustDo(t, e)(d.AddPage(1, models.Size{}))
	cmd, note, err := d.InsertNote(models.PageRef(1), models.Vec{}, "n", "")
	mustDo(t, e)(cmd, err)
	save(t, b, d)
	gone := d.Pages()[1].ID

	mustDo(t, e)(d.DeleteNote(note.ID))
	mustDo(t, e)(d.DeletePage(1))
	if err := save(t, b, d).Err(); err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{"pages/" + gone + ".json", "notes/" + note.ID + ".md"} {
		if _, err := os.Stat(filepath.Join(dir, p)); !os.IsNotExist(err) {
			t.Errorf("%s still present", p)
		}
	}
	if d.Modified() {
		t.Error("document still modified")
	}
}

func TestFailedWriteKeepsEditsDirty(t *testing.T) {
	dir := t.TempDir()
	b, _ := Create(dir, nil)
	d, _ := document.New(document.Options{Kind: models.KindPagedBlank})
	e := undo.New(0)
	mustDo(t, e)(d.AddStroke(models.PageRef(0), stroke("s", models.Point{X: 1, Y: 1})))

	// A directory where the page file should go makes its write fail.
	id := d.Pages()[0].ID
	if err := os.MkdirAll(filepath.Join(dir, "pages", id+".json"), 0o755); err != nil {
		t.Fatal(err)
	}
	r := save(t, b, d)
	if r.Err() == nil {
		t.Fatal("want save error")
	}
	if _, ok := r.Failed[ManifestKey]; !ok {
		t.Error("manifest written despite failed content")
	}
	if !d.PageDirty(id) {
		t.Error("failed page marked saved")
	}
	if b.Storage().Exists(ManifestName) {
		t.Error("manifest should not exist yet")
	}

	if err := os.Remove(filepath.Join(dir, "pages", id+".json")); err != nil {
		t.Fatal(err)
	}
	if err := save(t, b, d).Err(); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if d.Modified() {
		t.Error("retry left edits dirty")
	}
}

func TestLoadRecoversCorruptPage(t *testing.T) {
	dir := t.TempDir()
	b, _ := Create(dir, nil)
	d, _ := document.New(document.Options{Kind: models.KindPagedBlank})
	save(t, b, d)
	id := d.Pages()[0].ID
	if err := os.WriteFile(filepath.Join(dir, "pages", id+".json"), []byte("{oops"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, warnings, err := b.Load(tilestore.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 1 || !errors.Is(warnings[0], apperr.ErrIntegrity) {
		t.Fatalf("warnings = %v", warnings)
	}
	if ls, _ := got.Snapshot(models.PageRef(0)); len(ls) != 1 || !ls[0].Empty() {
		t.Errorf("recovered layers = %+v", ls)
	}
}

func TestManifestValidation(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"not json", `{`},
		{"no id", `{"version":1,"kind":"edgeless"}`},
		{"bad version", `{"version":9,"id":"x","kind":"edgeless"}`},
		{"bad kind", `{"version":1,"id":"x","kind":"scroll"}`},
		{"paged without pages", `{"version":1,"id":"x","kind":"paged_blank"}`},
		{"edgeless with pages", `{"version":1,"id":"x","kind":"edgeless","pages":[{"id":"p","width":1,"height":1}]}`},
		{"bad tile key", `{"version":1,"id":"x","kind":"edgeless","tiles":["2-0"]}`},
		{"pdf without source", `{"version":1,"id":"x","kind":"paged_pdf","pages":[{"id":"p","width":1,"height":1}]}`},
		{"bad slot", `{"version":1,"id":"x","kind":"edgeless","links":[{"id":"l","slot":4}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeManifest([]byte(tt.json)); !errors.Is(err, apperr.ErrFormatInvalid) {
				t.Errorf("err = %v, want ErrFormatInvalid", err)
			}
		})
	}
	ok := `{"version":1,"id":"x","kind":"edgeless","tiles":["2_0","-1_-1"]}`
	if _, err := DecodeManifest([]byte(ok)); err != nil {
		t.Errorf("valid manifest: %v", err)
	}
}

func TestOpenRequiresManifest(t *testing.T) {
	if _, err := Open(t.TempDir(), nil); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	dir := t.TempDir()
	b, _ := Create(dir, nil)
	d, _ := document.New(document.Options{Kind: models.KindEdgeless})
	save(t, b, d)
	if _, err := Create(dir, nil); !errors.Is(err, apperr.ErrAlreadyExists) {
		t.Errorf("Create over bundle = %v", err)
	}
}

func TestOpenSweepsInterruptedSave(t *testing.T) {
	dir := t.TempDir()
	b, _ := Create(dir, nil)
	d, _ := document.New(document.Options{Kind: models.KindEdgeless})
	save(t, b, d)
	leftover := filepath.Join(dir, ".speedynote-tmp-42")
	if err := os.WriteFile(leftover, []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(dir, nil); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := os.Stat(leftover); !os.IsNotExist(err) {
		t.Error("leftover temp file survived Open")
	}
}

func TestAssets(t *testing.T) {
	b, _ := Create(t.TempDir(), nil)
	name, err := b.PutAsset("photo.PNG", []byte{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Ext(name) != ".png" {
		t.Errorf("name = %q", name)
	}
	data, err := b.Asset(name)
	if err != nil || len(data) != 3 {
		t.Errorf("Asset = %v, %v", data, err)
	}
	if _, err := b.Asset("../document.json"); !errors.Is(err, apperr.ErrInvalidSelection) {
		t.Errorf("traversal: %v", err)
	}
	if _, err := b.Asset("missing.png"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing: %v", err)
	}
}
