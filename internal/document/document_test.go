package document

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/starford/speedynote/internal/apperr"
	"github.com/starford/speedynote/internal/models"
	"github.com/starford/speedynote/internal/undo"
)

func newBlank(t *testing.T) *Document {
	t.Helper()
	d, err := New(Options{Title: "t", Kind: models.KindPagedBlank})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func pen(id string, pts ...float64) models.Stroke {
	st := models.Stroke{ID: id, Tool: models.ToolPen, Color: "#112233", Width: 2}
	for i := 0; i+1 < len(pts); i += 2 {
		st.Points = append(st.Points, models.Point{X: pts[i], Y: pts[i+1], Pressure: 0.5, Timestamp: int64(i)})
	}
	return st
}

func perform(t *testing.T, e *undo.Engine, cmd undo.Command, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("build command: %v", err)
	}
	if err := e.Perform(cmd); err != nil {
		t.Fatalf("Perform(%s): %v", cmd.Label(), err)
	}
}

func apply(t *testing.T, e *undo.Engine) func(undo.Command, error) {
	t.Helper()
	return func(cmd undo.Command, err error) {
		t.Helper()
		perform(t, e, cmd, err)
	}
}

func snapshot(t *testing.T, d *Document, ref models.Ref) []models.Layer {
	t.Helper()
	ls, err := d.Snapshot(ref)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	return ls
}

var equateEmpty = cmpopts.EquateEmpty()

func TestUndoRedoRestoresContent(t *testing.T) {
	d := newBlank(t)
	e := undo.New(0)
	ref := models.PageRef(0)
	apply(t, e)(d.AddStroke(ref, pen("s1", 0, 0, 10, 10)))
	apply(t, e)(d.AddLayer(ref, 1, ""))

	steps := []func() (undo.Command, error){
		func() (undo.Command, error) { return d.AddStroke(ref, pen("s2", 5, 5, 6, 6)) },
		func() (undo.Command, error) { return d.RemoveStrokes(ref, []string{"s1"}) },
		func() (undo.Command, error) { return d.MoveStrokes(ref, []string{"s2"}, models.Vec{X: 3, Y: 4}) },
		func() (undo.Command, error) { return d.ReorderLayer(ref, 0, 1) },
		func() (undo.Command, error) { return d.SetLayerVisible(ref, 0, false) },
		func() (undo.Command, error) { return d.RenameLayer(ref, 1, "ink") },
		func() (undo.Command, error) { return d.RemoveLayer(ref, 0) },
	}
	for _, step := range steps {
		before := snapshot(t, d, ref)
		cmd, err := step()
		perform(t, e, cmd, err)
		after := snapshot(t, d, ref)

		if _, err := e.Undo(); err != nil {
			t.Fatalf("Undo(%s): %v", cmd.Label(), err)
		}
		if diff := cmp.Diff(before, snapshot(t, d, ref), equateEmpty); diff != "" {
			t.Errorf("%s: undo mismatch (-want +got):\n%s", cmd.Label(), diff)
		}
		if _, err := e.Redo(); err != nil {
			t.Fatalf("Redo(%s): %v", cmd.Label(), err)
		}
		if diff := cmp.Diff(after, snapshot(t, d, ref), equateEmpty); diff != "" {
			t.Errorf("%s: redo mismatch (-want +got):\n%s", cmd.Label(), diff)
		}
	}
}

func TestMergeThenUndo(t *testing.T) {
	d := newBlank(t)
	e := undo.New(0)
	ref := models.PageRef(0)
	apply(t, e)(d.AddStroke(ref, pen("bottom", 0, 0, 1, 1)))
	apply(t, e)(d.AddLayer(ref, 1, "L1"))
	if err := d.SetActiveLayer(ref, 1); err != nil {
		t.Fatal(err)
	}
	apply(t, e)(d.AddStroke(ref, pen("top", 2, 2, 3, 3)))
	before := snapshot(t, d, ref)

	apply(t, e)(d.MergeLayers(ref, []int{0, 1}))
	merged := snapshot(t, d, ref)
	if len(merged) != 1 || len(merged[0].Strokes) != 2 || merged[0].Name != "L1" {
		t.Fatalf("merged = %+v", merged)
	}

	label, err := e.Undo()
	if err != nil {
		t.Fatal(err)
	}
	if label != "Merge layers" {
		t.Errorf("label = %q, want %q", label, "Merge layers")
	}
	got := snapshot(t, d, ref)
	if len(got) != 2 {
		t.Fatalf("layers after undo = %d, want 2", len(got))
	}
	if diff := cmp.Diff(before, got, equateEmpty); diff != "" {
		t.Errorf("undo merge (-want +got):\n%s", diff)
	}
}

func TestMergeNeedsSelection(t *testing.T) {
	d := newBlank(t)
	_, err := d.MergeLayers(models.PageRef(0), []int{0})
	if !errors.Is(err, apperr.ErrInvalidSelection) {
		t.Errorf("err = %v, want ErrInvalidSelection", err)
	}
}

func TestDeleteLastPage(t *testing.T) {
	d := newBlank(t)
	before := d.Pages()[0].Clone()
	if _, err := d.DeletePage(0); !errors.Is(err, apperr.ErrLastPage) {
		t.Fatalf("err = %v, want ErrLastPage", err)
	}
	if d.PageCount() != 1 {
		t.Fatalf("pages = %d, want 1", d.PageCount())
	}
	if diff := cmp.Diff(before, d.Pages()[0], equateEmpty); diff != "" {
		t.Errorf("page changed (-want +got):\n%s", diff)
	}
}

func TestPageAddDeleteUndo(t *testing.T) {
	d := newBlank(t)
	e := undo.New(0)
	apply(t, e)(d.AddPage(1, models.Size{}))
	if d.PageCount() != 2 {
		t.Fatalf("pages = %d, want 2", d.PageCount())
	}
	p1 := d.Pages()[1]
	if p1.Size != DefaultPageSize || p1.PDFPage != -1 {
		t.Errorf("new page = %+v", p1)
	}
	apply(t, e)(d.AddStroke(models.PageRef(1), pen("s", 1, 1, 2, 2)))
	want := d.Pages()[1].Clone()

	apply(t, e)(d.DeletePage(1))
	if got := d.DeletedPages(); len(got) != 1 || got[0] != want.ID {
		t.Errorf("deleted = %v, want [%s]", got, want.ID)
	}
	if _, err := e.Undo(); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, d.Pages()[1], equateEmpty); diff != "" {
		t.Errorf("restored page (-want +got):\n%s", diff)
	}
	if len(d.DeletedPages()) != 0 {
		t.Error("undo should cancel the pending page removal")
	}
}

func TestEdgelessStrokeCreatesDefaultLayer(t *testing.T) {
	d, err := New(Options{Kind: models.KindEdgeless})
	if err != nil {
		t.Fatal(err)
	}
	if d.PageCount() != 0 {
		t.Fatalf("edgeless document has %d pages", d.PageCount())
	}
	e := undo.New(0)
	key := d.Tiles().KeyFor(models.Vec{X: 2050, Y: 10})
	if key != (models.TileKey{X: 2, Y: 0}) {
		t.Fatalf("key = %v, want 2_0", key)
	}
	ref := models.TileRef(key)
	apply(t, e)(d.AddStroke(ref, pen("s", 2050, 10, 2060, 12)))

	ls := snapshot(t, d, ref)
	if len(ls) != 1 || len(ls[0].Strokes) != 1 {
		t.Fatalf("layers = %+v", ls)
	}
	if !d.Tiles().IsDirty(key) || !d.Modified() {
		t.Error("tile should be dirty")
	}
	if _, err := e.Undo(); err != nil {
		t.Fatal(err)
	}
	if ls := snapshot(t, d, ref); len(ls) != 0 {
		t.Errorf("undo should drop the default layer, got %+v", ls)
	}
	if _, err := d.Page(0); !errors.Is(err, apperr.ErrWrongKind) {
		t.Errorf("Page on edgeless: %v, want ErrWrongKind", err)
	}
}

func TestAddStrokeRejectsInvalid(t *testing.T) {
	d := newBlank(t)
	ref := models.PageRef(0)
	if _, err := d.AddStroke(ref, models.Stroke{Width: 1}); !errors.Is(err, apperr.ErrInvalidSelection) {
		t.Errorf("empty stroke: %v", err)
	}
	e := undo.New(0)
	apply(t, e)(d.AddStroke(ref, pen("dup", 0, 0)))
	if _, err := d.AddStroke(ref, pen("dup", 1, 1)); !errors.Is(err, apperr.ErrAlreadyExists) {
		t.Errorf("duplicate stroke: %v", err)
	}
	if _, err := d.AddStroke(models.PageRef(3), pen("x", 1, 1)); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing page: %v", err)
	}
}

func TestDeleteNoteMarkerCascades(t *testing.T) {
	d := newBlank(t)
	e := undo.New(0)
	ref := models.PageRef(0)
	cmd, note, err := d.InsertNote(ref, models.Vec{X: 40, Y: 40}, "todo", "- [ ] check")
	perform(t, e, cmd, err)
	if !d.HasNote(note.ID) {
		t.Fatal("note missing after insert")
	}
	if d.Links().Len() != 1 {
		t.Fatalf("links = %d, want 1", d.Links().Len())
	}

	apply(t, e)(d.DeleteObject(ref, note.ObjectID))
	if d.HasNote(note.ID) || d.Links().Len() != 0 {
		t.Fatal("deleting the marker should delete link and note")
	}
	if got := d.DeletedNotes(); len(got) != 1 || got[0] != note.ID {
		t.Errorf("deleted notes = %v", got)
	}

	if _, err := e.Undo(); err != nil {
		t.Fatal(err)
	}
	got, err := d.Note(note.ID)
	if err != nil {
		t.Fatalf("note not restored: %v", err)
	}
	if diff := cmp.Diff(note, got); diff != "" {
		t.Errorf("restored note (-want +got):\n%s", diff)
	}
	links := d.Links().All()
	if len(links) != 1 {
		t.Fatalf("links = %d after undo", len(links))
	}
	if _, err := d.Resolve(links[0].ID); err != nil {
		t.Errorf("Resolve: %v", err)
	}
}

func TestPositionLinkSurvivesPageDelete(t *testing.T) {
	d := newBlank(t)
	e := undo.New(0)
	apply(t, e)(d.AddPage(1, models.Size{}))
	target := d.Pages()[1].ID
	link := models.LinkObject{Target: models.LinkTarget{
		Kind: models.LinkPosition,
		At:   &models.Anchor{PageID: target, Pos: models.Vec{X: 10, Y: 10}},
	}}
	cmd, link, err := d.InsertLink(models.PageRef(0), models.Rect{W: 10, H: 10}, link)
	perform(t, e, cmd, err)

	apply(t, e)(d.DeletePage(1))
	if _, ok := d.Links().Get(link.ID); !ok {
		t.Fatal("link should outlive its target page")
	}
	if _, err := d.Resolve(link.ID); !errors.Is(err, apperr.ErrUnresolvable) {
		t.Errorf("Resolve = %v, want ErrUnresolvable", err)
	}
	if _, err := e.Undo(); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Resolve(link.ID); err != nil {
		t.Errorf("Resolve after undo: %v", err)
	}
}

func TestDeletePageTakesItsNotes(t *testing.T) {
	d := newBlank(t)
	e := undo.New(0)
	apply(t, e)(d.AddPage(1, models.Size{}))
	ref := models.PageRef(1)
	cmd, note, err := d.InsertNote(ref, models.Vec{X: 20, Y: 20}, "gone", "with the page")
	perform(t, e, cmd, err)
	cmd, kept, err := d.InsertNote(models.PageRef(0), models.Vec{X: 5, Y: 5}, "kept", "")
	perform(t, e, cmd, err)
	markerLink := d.Links().All()[0].ID
	if _, err := d.BindSlot(3, markerLink, false); err != nil {
		t.Fatal(err)
	}

	apply(t, e)(d.DeletePage(1))
	if d.HasNote(note.ID) {
		t.Error("note anchored on the deleted page survived")
	}
	if !d.HasNote(kept.ID) {
		t.Error("note on another page was removed")
	}
	if _, ok := d.Links().Get(markerLink); ok {
		t.Error("marker link of the deleted page survived")
	}
	if got := d.DeletedNotes(); len(got) != 1 || got[0] != note.ID {
		t.Errorf("deleted notes = %v", got)
	}

	if _, err := e.Undo(); err != nil {
		t.Fatal(err)
	}
	got, err := d.Note(note.ID)
	if err != nil {
		t.Fatalf("note not restored: %v", err)
	}
	if diff := cmp.Diff(note, got); diff != "" {
		t.Errorf("restored note (-want +got):\n%s", diff)
	}
	if cur, ok := d.Links().Slot(3); !ok || cur.ID != markerLink {
		t.Errorf("slot 3 = %+v, want %s", cur, markerLink)
	}
	if len(d.DeletedNotes()) != 0 {
		t.Errorf("deleted notes after undo = %v", d.DeletedNotes())
	}

	if _, err := e.Redo(); err != nil {
		t.Fatal(err)
	}
	if d.HasNote(note.ID) || d.Links().Len() != 1 {
		t.Errorf("redo left note=%v links=%d", d.HasNote(note.ID), d.Links().Len())
	}
}

func TestMirrorPDFKeepsBlankPagesInPlace(t *testing.T) {
	a4 := models.Size{Width: 595, Height: 842}
	letter := models.Size{Width: 612, Height: 792}
	d, err := NewFromPDF(Options{Title: "t"}, models.PDFSource{Path: "a.pdf"}, []models.Size{a4, a4})
	if err != nil {
		t.Fatal(err)
	}
	e := undo.New(0)
	apply(t, e)(d.AddPage(1, models.Size{}))
	blank := d.Pages()[1].ID

	backing := func() []int {
		var out []int
		for _, p := range d.Pages() {
			out = append(out, p.PDFPage)
		}
		return out
	}

	if err := d.MirrorPDF(models.PDFSource{Path: "b.pdf"}, []models.Size{letter, letter, letter}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{0, -1, 1, 2}, backing()); diff != "" {
		t.Errorf("backing after longer pdf (-want +got):\n%s", diff)
	}
	if d.Pages()[1].ID != blank {
		t.Error("inserted blank page moved")
	}
	if d.Pages()[3].Size != letter {
		t.Errorf("appended page size = %+v", d.Pages()[3].Size)
	}

	if err := d.MirrorPDF(models.PDFSource{Path: "c.pdf"}, []models.Size{a4}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{0, -1, -1, -1}, backing()); diff != "" {
		t.Errorf("backing after shorter pdf (-want +got):\n%s", diff)
	}
	if len(d.Pages()) != 4 {
		t.Errorf("pages = %d, want 4", len(d.Pages()))
	}
}

func TestBindSlotNeedsOverwrite(t *testing.T) {
	d := newBlank(t)
	e := undo.New(0)
	var ids []string
	for _, u := range []string{"https://a.example", "https://b.example"} {
		cmd, l, err := d.InsertLink(models.PageRef(0), models.Rect{W: 5, H: 5},
			models.LinkObject{Target: models.LinkTarget{Kind: models.LinkURL, URL: u}})
		perform(t, e, cmd, err)
		ids = append(ids, l.ID)
	}
	if _, err := d.BindSlot(2, ids[0], false); err != nil {
		t.Fatal(err)
	}
	occ, err := d.BindSlot(2, ids[1], false)
	if !errors.Is(err, apperr.ErrSlotOccupied) || occ == nil || occ.ID != ids[0] {
		t.Fatalf("BindSlot = %v, %v", occ, err)
	}
	prev, err := d.BindSlot(2, ids[1], true)
	if err != nil || prev == nil || prev.ID != ids[0] {
		t.Fatalf("overwrite = %v, %v", prev, err)
	}
	if cur, _ := d.Links().Slot(2); cur.ID != ids[1] {
		t.Errorf("slot 2 = %s, want %s", cur.ID, ids[1])
	}
}

func TestUndoDeleteKeepsRetakenSlot(t *testing.T) {
	d := newBlank(t)
	e := undo.New(0)
	ref := models.PageRef(0)
	var ids []string
	for _, u := range []string{"https://a.example", "https://b.example"} {
		cmd, l, err := d.InsertLink(ref, models.Rect{W: 5, H: 5},
			models.LinkObject{Target: models.LinkTarget{Kind: models.LinkURL, URL: u}})
		perform(t, e, cmd, err)
		ids = append(ids, l.ID)
	}
	if _, err := d.BindSlot(1, ids[0], false); err != nil {
		t.Fatal(err)
	}

	var objID string
	for _, l := range snapshot(t, d, ref) {
		for _, o := range l.Objects {
			if o.LinkID == ids[0] {
				objID = o.ID
			}
		}
	}
	if objID == "" {
		t.Fatal("link object not found")
	}
	apply(t, e)(d.DeleteObject(ref, objID))
	if _, ok := d.Links().Slot(1); ok {
		t.Fatal("slot 1 should be free after the delete")
	}
	if _, err := d.BindSlot(1, ids[1], false); err != nil {
		t.Fatalf("BindSlot: %v", err)
	}

	if _, err := e.Undo(); err != nil {
		t.Fatal(err)
	}
	if cur, ok := d.Links().Slot(1); !ok || cur.ID != ids[1] {
		t.Errorf("slot 1 = %+v, want %s", cur, ids[1])
	}
	restored, ok := d.Links().Get(ids[0])
	if !ok {
		t.Fatal("deleted link not restored")
	}
	if restored.Slot != 0 {
		t.Errorf("restored slot = %d, want 0", restored.Slot)
	}
}

func TestDirtyPagesAndSave(t *testing.T) {
	d := newBlank(t)
	e := undo.New(0)
	apply(t, e)(d.AddStroke(models.PageRef(0), pen("s", 0, 0, 1, 1)))
	dirty := d.DirtyPages()
	if len(dirty) != 1 {
		t.Fatalf("dirty = %d, want 1", len(dirty))
	}
	// An edit racing the save keeps the page dirty.
	apply(t, e)(d.AddStroke(models.PageRef(0), pen("s2", 0, 0, 1, 1)))
	d.MarkPageSaved(dirty[0].ID, dirty[0].Gen)
	if !d.PageDirty(dirty[0].ID) {
		t.Error("stale generation must not clear dirty state")
	}
	d.MarkPageSaved(dirty[0].ID, d.DirtyPages()[0].Gen)
	gen, _ := d.ManifestGen()
	d.MarkManifestSaved(gen)
	if d.Modified() {
		t.Error("document should be clean after save")
	}
}

func TestBackgroundCommands(t *testing.T) {
	d := newBlank(t)
	e := undo.New(0)
	if _, err := d.SetPageBackground(0, models.Background{Kind: models.BackgroundGrid}); !errors.Is(err, apperr.ErrInvalidSelection) {
		t.Errorf("grid without spacing: %v", err)
	}
	bg := models.Background{Kind: models.BackgroundLines, Spacing: 24, Color: "#cccccc"}
	apply(t, e)(d.SetPageBackground(0, bg))
	if d.Pages()[0].Background != bg {
		t.Errorf("background = %+v", d.Pages()[0].Background)
	}
	_, _ = e.Undo()
	if d.Pages()[0].Background.Kind != models.BackgroundNone {
		t.Errorf("undo background = %+v", d.Pages()[0].Background)
	}
	apply(t, e)(d.SetDocumentBackground(bg))
	apply(t, e)(d.AddPage(1, models.Size{}))
	if d.Pages()[1].Background != bg {
		t.Error("new pages should use the document background")
	}
}
