package viewport

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/starford/speedynote/internal/apperr"
	"github.com/starford/speedynote/internal/bundle"
	"github.com/starford/speedynote/internal/document"
	"github.com/starford/speedynote/internal/models"
)

func blankViewport(t *testing.T, opts ...Option) *Viewport {
	t.Helper()
	d, err := document.New(document.Options{Kind: models.KindPagedBlank})
	if err != nil {
		t.Fatalf("document.New: %v", err)
	}
	return New(d, opts...)
}

func edgelessViewport(t *testing.T, dir string) *Viewport {
	t.Helper()
	d, err := document.New(document.Options{Kind: models.KindEdgeless, Tiles: DefaultConfig().Tiles})
	if err != nil {
		t.Fatalf("document.New: %v", err)
	}
	v, err := Create(context.Background(), dir, d)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return v
}

// drag feeds a press, moves and a release through the active mode.
func drag(t *testing.T, v *Viewport, pts ...models.Vec) {
	t.Helper()
	if err := gestureOf(v, pts...); err != nil {
		t.Fatal(err)
	}
}

func gestureOf(v *Viewport, pts ...models.Vec) error {
	ctx := context.Background()
	for i, p := range pts {
		ev := Event{Kind: Move, Pos: p, Pressure: 0.5, Time: int64(i)}
		if i > 0 {
			ev.Delta = p.Sub(pts[i-1])
		}
		switch i {
		case 0:
			ev.Kind = Press
		case len(pts) - 1:
			ev.Kind = Release
		}
		if _, err := v.Handle(ctx, ev); err != nil {
			return fmt.Errorf("Handle(%s %v): %w", ev.Kind, p, err)
		}
	}
	return nil
}

func layers(t *testing.T, v *Viewport, ref models.Ref) []models.Layer {
	t.Helper()
	ls, err := v.Document().Snapshot(ref)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	return ls
}

func strokeCount(ls []models.Layer) int {
	n := 0
	for _, l := range ls {
		n += len(l.Strokes)
	}
	return n
}

func TestInterpret(t *testing.T) {
	view := View{Origin: models.Vec{X: 100, Y: 50}, Zoom: 2, Width: 800, Height: 600}
	at := models.Vec{X: 20, Y: 40}
	world := models.Point{X: 110, Y: 70}

	tests := []struct {
		name string
		mode Mode
		ev   Event
		want EditIntent
	}{
		{"pen press", ModePen, Event{Kind: Press, Pos: at}, EditIntent{Kind: IntentBegin, Mode: ModePen, Point: world}},
		{"marker move", ModeMarker, Event{Kind: Move, Pos: at}, EditIntent{Kind: IntentExtend, Mode: ModeMarker, Point: world}},
		{"eraser release", ModeEraser, Event{Kind: Release, Pos: at}, EditIntent{Kind: IntentCommit, Mode: ModeEraser, Point: world}},
		{"lasso cancel", ModeLasso, Event{Kind: Abort}, EditIntent{Kind: IntentCancel, Mode: ModeLasso}},
		{"select press", ModeObjectSelect, Event{Kind: Press, Pos: at}, EditIntent{Kind: IntentPick, Mode: ModeObjectSelect, Point: world}},
		{"select move", ModeObjectSelect, Event{Kind: Move, Pos: at, Delta: models.Vec{X: 10, Y: -4}},
			EditIntent{Kind: IntentDrag, Mode: ModeObjectSelect, Point: world, Delta: models.Vec{X: 5, Y: -2}}},
		{"pan move", ModePan, Event{Kind: Move, Pos: at, Delta: models.Vec{X: 10, Y: 20}},
			EditIntent{Kind: IntentPan, Mode: ModePan, Delta: models.Vec{X: -5, Y: -10}}},
		{"pan press", ModePan, Event{Kind: Press, Pos: at}, EditIntent{Kind: IntentNone, Mode: ModePan}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Interpret(tt.mode, tt.ev, view)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Interpret (-want +got):\n%s", diff)
			}
			// Same input, same output.
			if again := Interpret(tt.mode, tt.ev, view); !cmp.Equal(got, again) {
				t.Error("Interpret is not deterministic")
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	if _, err := ParseMode("laser"); !errors.Is(err, apperr.ErrInvalidSelection) {
		t.Errorf("ParseMode(laser) = %v, want ErrInvalidSelection", err)
	}
	for _, m := range Modes {
		if got, err := ParseMode(string(m)); err != nil || got != m {
			t.Errorf("ParseMode(%s) = %v, %v", m, got, err)
		}
	}
}

func TestPenStrokeIsOneCommand(t *testing.T) {
	v := blankViewport(t)
	drag(t, v, models.Vec{X: 100, Y: 100}, models.Vec{X: 120, Y: 110}, models.Vec{X: 140, Y: 130})

	ls := layers(t, v, models.PageRef(0))
	if strokeCount(ls) != 1 {
		t.Fatalf("strokes = %d, want 1", strokeCount(ls))
	}
	if got := len(ls[0].Strokes[0].Points); got != 3 {
		t.Errorf("points = %d, want 3", got)
	}
	undos, _ := v.History().Labels()
	if len(undos) != 1 {
		t.Errorf("history = %v, want one entry", undos)
	}
	if _, err := v.Undo(context.Background()); err != nil {
		t.Fatal(err)
	}
	if strokeCount(layers(t, v, models.PageRef(0))) != 0 {
		t.Error("undo left the stroke")
	}
}

func TestSetModeCommitsOrCancels(t *testing.T) {
	ctx := context.Background()

	t.Run("commits two samples", func(t *testing.T) {
		v := blankViewport(t)
		v.Handle(ctx, Event{Kind: Press, Pos: models.Vec{X: 10, Y: 10}})
		v.Handle(ctx, Event{Kind: Move, Pos: models.Vec{X: 20, Y: 20}})
		if err := v.SetMode(ctx, ModeEraser); err != nil {
			t.Fatal(err)
		}
		if v.Drawing() {
			t.Error("gesture survived mode switch")
		}
		if strokeCount(layers(t, v, models.PageRef(0))) != 1 {
			t.Error("stroke not committed")
		}
	})

	t.Run("drops single sample", func(t *testing.T) {
		v := blankViewport(t)
		v.Handle(ctx, Event{Kind: Press, Pos: models.Vec{X: 10, Y: 10}})
		if err := v.SetMode(ctx, ModePan); err != nil {
			t.Fatal(err)
		}
		if strokeCount(layers(t, v, models.PageRef(0))) != 0 {
			t.Error("single sample committed")
		}
		if v.History().CanUndo() {
			t.Error("history changed")
		}
	})

	t.Run("never undoes", func(t *testing.T) {
		v := blankViewport(t)
		drag(t, v, models.Vec{X: 10, Y: 10}, models.Vec{X: 50, Y: 50})
		v.SetMode(ctx, ModeLasso)
		v.Handle(ctx, Event{Kind: Press, Pos: models.Vec{X: 0, Y: 0}})
		v.SetMode(ctx, ModePen)
		if strokeCount(layers(t, v, models.PageRef(0))) != 1 {
			t.Error("mode switch removed a committed stroke")
		}
	})

	t.Run("rejects unknown", func(t *testing.T) {
		v := blankViewport(t)
		if err := v.SetMode(ctx, Mode("laser")); !errors.Is(err, apperr.ErrInvalidSelection) {
			t.Errorf("SetMode = %v", err)
		}
	})
}

func TestDrawingInGapIsDiscarded(t *testing.T) {
	d, _ := document.New(document.Options{Kind: models.KindPagedBlank})
	v := New(d)
	if err := v.AddPage(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	gapY := d.PageSize.Height + v.cfg.PageGap/2
	drag(t, v, models.Vec{X: 10, Y: gapY}, models.Vec{X: 50, Y: gapY})
	for i := range d.PageCount() {
		if strokeCount(layers(t, v, models.PageRef(i))) != 0 {
			t.Errorf("page %d got a stroke drawn in the gap", i)
		}
	}
}

func TestSecondPageUsesLocalCoordinates(t *testing.T) {
	ctx := context.Background()
	v := blankViewport(t)
	v.AddPage(ctx, 1)
	top := v.Layout()[1].Y
	drag(t, v, models.Vec{X: 10, Y: top + 5}, models.Vec{X: 20, Y: top + 15})

	ls := layers(t, v, models.PageRef(1))
	if strokeCount(ls) != 1 {
		t.Fatalf("second page strokes = %d", strokeCount(ls))
	}
	if p := ls[0].Strokes[0].Points[0]; p.X != 10 || p.Y != 5 {
		t.Errorf("first point = (%v,%v), want (10,5)", p.X, p.Y)
	}
}

func TestEraseIsOneCommand(t *testing.T) {
	ctx := context.Background()
	v := blankViewport(t)
	drag(t, v, models.Vec{X: 100, Y: 100}, models.Vec{X: 300, Y: 100})
	drag(t, v, models.Vec{X: 100, Y: 200}, models.Vec{X: 300, Y: 200})
	drag(t, v, models.Vec{X: 100, Y: 400}, models.Vec{X: 300, Y: 400})

	v.SetMode(ctx, ModeEraser)
	drag(t, v, models.Vec{X: 200, Y: 100}, models.Vec{X: 200, Y: 150}, models.Vec{X: 200, Y: 200})

	if got := strokeCount(layers(t, v, models.PageRef(0))); got != 1 {
		t.Fatalf("strokes after erase = %d, want 1", got)
	}
	undos, _ := v.History().Labels()
	if len(undos) != 4 {
		t.Fatalf("history = %v, want 3 strokes + 1 erase", undos)
	}
	if _, err := v.Undo(ctx); err != nil {
		t.Fatal(err)
	}
	if got := strokeCount(layers(t, v, models.PageRef(0))); got != 3 {
		t.Errorf("strokes after undo = %d, want 3", got)
	}
}

func TestLassoSelectsAndMoves(t *testing.T) {
	ctx := context.Background()
	v := blankViewport(t)
	drag(t, v, models.Vec{X: 100, Y: 100}, models.Vec{X: 120, Y: 120})
	drag(t, v, models.Vec{X: 400, Y: 400}, models.Vec{X: 420, Y: 420})

	v.SetMode(ctx, ModeLasso)
	drag(t, v, models.Vec{X: 50, Y: 50}, models.Vec{X: 200, Y: 50}, models.Vec{X: 200, Y: 200}, models.Vec{X: 50, Y: 200})

	sel := v.Selection()
	if len(sel) != 1 || len(sel[0].Strokes) != 1 {
		t.Fatalf("selection = %+v", sel)
	}
	id := sel[0].Strokes[0]
	if err := v.MoveSelection(ctx, models.Vec{X: 5, Y: 5}); err != nil {
		t.Fatal(err)
	}
	for _, s := range layers(t, v, models.PageRef(0))[0].Strokes {
		if s.ID == id && s.Points[0].X != 105 {
			t.Errorf("moved stroke starts at %v, want 105", s.Points[0].X)
		}
		if s.ID != id && s.Points[0].X != 400 {
			t.Error("unselected stroke moved")
		}
	}

	if err := v.DeleteSelection(ctx); err != nil {
		t.Fatal(err)
	}
	if strokeCount(layers(t, v, models.PageRef(0))) != 1 {
		t.Error("selection not deleted")
	}
	if !v.Selection().Empty() {
		t.Error("selection not cleared")
	}
	if err := v.DeleteSelection(ctx); !errors.Is(err, apperr.ErrInvalidSelection) {
		t.Errorf("empty DeleteSelection = %v", err)
	}
}

func TestDeleteSelectionWithObjectsIsOneEntry(t *testing.T) {
	ctx := context.Background()
	v := blankViewport(t)
	drag(t, v, models.Vec{X: 100, Y: 100}, models.Vec{X: 120, Y: 120})
	link, err := v.InsertLink(ctx, models.PageRef(0), models.Rect{X: 300, Y: 300, W: 20, H: 20},
		models.LinkObject{Target: models.LinkTarget{Kind: models.LinkURL, URL: "https://example.org"}})
	if err != nil {
		t.Fatal(err)
	}
	ls := layers(t, v, models.PageRef(0))
	v.selection = Selection{{
		Ref:     models.PageRef(0),
		Strokes: []string{ls[0].Strokes[0].ID},
		Objects: []string{ls[0].Objects[0].ID},
	}}
	before, _ := v.History().Labels()
	if err := v.DeleteSelection(ctx); err != nil {
		t.Fatal(err)
	}
	after, _ := v.History().Labels()
	if len(after) != len(before)+1 {
		t.Errorf("history grew by %d, want 1", len(after)-len(before))
	}
	if _, ok := v.Document().Links().Get(link.ID); ok {
		t.Error("link of deleted marker kept")
	}
	v.Undo(ctx)
	ls = layers(t, v, models.PageRef(0))
	if len(ls[0].Strokes) != 1 || len(ls[0].Objects) != 1 {
		t.Errorf("undo restored %d strokes %d objects", len(ls[0].Strokes), len(ls[0].Objects))
	}
	if _, ok := v.Document().Links().Get(link.ID); !ok {
		t.Error("undo did not restore the link")
	}
}

func TestObjectDragIsOneMove(t *testing.T) {
	ctx := context.Background()
	v := blankViewport(t)
	_, err := v.InsertLink(ctx, models.PageRef(0), models.Rect{X: 100, Y: 100, W: 40, H: 40},
		models.LinkObject{Target: models.LinkTarget{Kind: models.LinkURL, URL: "https://example.org"}})
	if err != nil {
		t.Fatal(err)
	}
	v.SetMode(ctx, ModeObjectSelect)
	drag(t, v, models.Vec{X: 110, Y: 110}, models.Vec{X: 115, Y: 112}, models.Vec{X: 125, Y: 120}, models.Vec{X: 125, Y: 120})

	o := layers(t, v, models.PageRef(0))[0].Objects[0]
	if o.Bounds.X != 115 || o.Bounds.Y != 110 {
		t.Errorf("object at (%v,%v), want (115,110)", o.Bounds.X, o.Bounds.Y)
	}
	undos, _ := v.History().Labels()
	if len(undos) != 2 || undos[len(undos)-1] != "Move object" {
		t.Errorf("history = %v", undos)
	}
	if sel := v.Selection(); len(sel) != 1 || len(sel[0].Objects) != 1 {
		t.Errorf("selection = %+v", sel)
	}
}

func TestPanMovesView(t *testing.T) {
	ctx := context.Background()
	rec := &Recorder{}
	v := blankViewport(t, WithEmitter(rec))
	v.SetMode(ctx, ModePan)
	drag(t, v, models.Vec{X: 100, Y: 100}, models.Vec{X: 80, Y: 90}, models.Vec{X: 80, Y: 90})
	if got := v.View().Origin; got != (models.Vec{X: 20, Y: 10}) {
		t.Errorf("origin = %v", got)
	}
	if v.History().CanUndo() {
		t.Error("pan recorded in history")
	}
}

func TestDeleteLastPage(t *testing.T) {
	v := blankViewport(t)
	if err := v.DeletePage(context.Background(), 0); !errors.Is(err, apperr.ErrLastPage) {
		t.Errorf("DeletePage = %v, want ErrLastPage", err)
	}
}

func TestEventsOnEdit(t *testing.T) {
	ctx := context.Background()
	rec := &Recorder{}
	v := blankViewport(t, WithEmitter(rec))
	drag(t, v, models.Vec{X: 1, Y: 1}, models.Vec{X: 9, Y: 9})
	v.Undo(ctx)

	want := []string{EventSurfaceDirty, EventHistory, EventSurfaceDirty, EventHistory}
	got := rec.Names()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestFollowPositionLinkCentersView(t *testing.T) {
	ctx := context.Background()
	v := blankViewport(t)
	v.AddPage(ctx, 1)
	p1 := v.Document().Pages()[1]
	link, err := v.InsertLink(ctx, models.PageRef(0), models.Rect{X: 10, Y: 10, W: 10, H: 10}, models.LinkObject{
		Target: models.LinkTarget{Kind: models.LinkPosition, At: &models.Anchor{PageID: p1.ID, Pos: models.Vec{X: 100, Y: 200}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := v.SetView(ctx, View{Zoom: 1, Width: 400, Height: 300}); err != nil {
		t.Fatal(err)
	}
	target, err := v.Follow(ctx, link.ID)
	if err != nil {
		t.Fatal(err)
	}
	if target.Kind != models.LinkPosition {
		t.Errorf("target = %+v", target)
	}
	top := v.Layout()[1].Y
	want := models.Vec{X: 100 - 200, Y: top + 200 - 150}
	if got := v.View().Origin; got != want {
		t.Errorf("origin = %v, want %v", got, want)
	}

	if _, err := v.BindSlot(ctx, 1, link.ID, false); err != nil {
		t.Fatal(err)
	}
	if _, err := v.FollowSlot(ctx, 1); err != nil {
		t.Errorf("FollowSlot: %v", err)
	}
	if _, err := v.FollowSlot(ctx, 2); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("empty slot = %v", err)
	}
}

func TestEdgelessStrokeSurvivesReload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	v := edgelessViewport(t, dir)
	drag(t, v, models.Vec{X: 2050, Y: 10}, models.Vec{X: 2070, Y: 20}, models.Vec{X: 2090, Y: 15})

	ref := models.TileRef(models.TileKey{X: 2, Y: 0})
	want := layers(t, v, ref)
	if strokeCount(want) != 1 {
		t.Fatalf("tile (2,0) strokes = %d", strokeCount(want))
	}
	if err := v.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if v.Document().Modified() {
		t.Error("document still modified after save")
	}

	reopened, warnings, err := Open(ctx, dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %v", warnings)
	}
	got := layers(t, reopened, ref)
	if diff := cmp.Diff(want[0].Strokes[0].Points, got[0].Strokes[0].Points); diff != "" {
		t.Errorf("points after reload (-want +got):\n%s", diff)
	}
}

func TestSaveBlocksEditsOnWrittenKeys(t *testing.T) {
	ctx := context.Background()
	v := edgelessViewport(t, t.TempDir())
	drag(t, v, models.Vec{X: 10, Y: 10}, models.Vec{X: 20, Y: 20})

	p, err := v.BeginSave()
	if err != nil || p == nil {
		t.Fatalf("BeginSave = %v, %v", p, err)
	}
	if _, err := v.BeginSave(); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("second BeginSave = %v, want ErrConflict", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := v.Handle(ctx, Event{Kind: Press, Pos: models.Vec{X: 30, Y: 30}})
		if err == nil {
			_, err = v.Handle(ctx, Event{Kind: Release, Pos: models.Vec{X: 40, Y: 40}})
		}
		done <- err
	}()
	select {
	case <-done:
		t.Fatal("edit on a key being written did not wait")
	case <-time.After(50 * time.Millisecond):
	}

	p.Write(ctx)
	if err := <-done; err != nil {
		t.Fatalf("edit: %v", err)
	}
	if err := v.FinishSave(ctx, p); err != nil {
		t.Fatalf("FinishSave: %v", err)
	}
	key := models.TileKey{X: 0, Y: 0}
	if !v.Document().Tiles().IsDirty(key) {
		t.Error("edit made during the save was marked saved")
	}
	if err := v.Save(ctx); err != nil {
		t.Fatal(err)
	}
	if v.Document().Modified() {
		t.Error("second save left edits dirty")
	}
}

func TestSaveErrorKeepsEditsForRetry(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b, err := bundle.Create(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	rec := &Recorder{}
	v := blankViewport(t, WithBundle(b), WithEmitter(rec))
	drag(t, v, models.Vec{X: 10, Y: 10}, models.Vec{X: 20, Y: 20})

	blocker := filepath.Join(dir, "pages", v.Document().Pages()[0].ID+".json")
	if err := os.MkdirAll(blocker, 0o755); err != nil {
		t.Fatal(err)
	}
	err = v.Save(ctx)
	var se *SaveError
	if !errors.As(err, &se) {
		t.Fatalf("Save = %v, want *SaveError", err)
	}
	if len(se.Failed) == 0 {
		t.Error("SaveError lists no failed keys")
	}
	if !v.Document().Modified() {
		t.Error("failed save cleared edits")
	}
	if strokeCount(layers(t, v, models.PageRef(0))) != 1 {
		t.Error("failed save lost the stroke")
	}

	if err := os.Remove(blocker); err != nil {
		t.Fatal(err)
	}
	if err := v.Save(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	names := rec.Names()
	if !contains(names, EventSaveFailed) || names[len(names)-1] != EventSaved {
		t.Errorf("events = %v", names)
	}
}

func TestDiscardChanges(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	v := edgelessViewport(t, dir)
	drag(t, v, models.Vec{X: 10, Y: 10}, models.Vec{X: 20, Y: 20})
	if err := v.Save(ctx); err != nil {
		t.Fatal(err)
	}
	drag(t, v, models.Vec{X: 50, Y: 50}, models.Vec{X: 60, Y: 60})

	if err := v.DiscardChanges(ctx); err != nil {
		t.Fatal(err)
	}
	if got := strokeCount(layers(t, v, models.TileRef(models.TileKey{}))); got != 1 {
		t.Errorf("strokes after discard = %d, want 1", got)
	}
	if v.History().CanUndo() {
		t.Error("history kept after discard")
	}
	if v.Document().Modified() {
		t.Error("document modified after discard")
	}
}

func TestSaveWithoutBundle(t *testing.T) {
	v := blankViewport(t)
	if err := v.Save(context.Background()); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Save = %v, want ErrNotFound", err)
	}
}

func TestRenderDropsSurfacesOutOfView(t *testing.T) {
	ctx := context.Background()
	v := edgelessViewport(t, t.TempDir())
	if err := v.SetView(ctx, View{Zoom: 1, Width: 400, Height: 300}); err != nil {
		t.Fatal(err)
	}
	drag(t, v, models.Vec{X: 10, Y: 10}, models.Vec{X: 60, Y: 60})

	renderView(t, v)
	origin := models.TileRef(models.TileKey{})
	first, ok := v.Image(origin)
	if !ok {
		t.Fatal("visible tile not rendered")
	}

	drag(t, v, models.Vec{X: 100, Y: 100}, models.Vec{X: 120, Y: 120})
	renderView(t, v)
	second, _ := v.Image(origin)
	if second.Gen <= first.Gen {
		t.Errorf("edit did not re-render: gen %d then %d", first.Gen, second.Gen)
	}

	v.Save(ctx)
	if err := v.SetView(ctx, View{Origin: models.Vec{X: 100000, Y: 100000}, Zoom: 1, Width: 400, Height: 300}); err != nil {
		t.Fatal(err)
	}
	renderView(t, v)
	if _, ok := v.Image(origin); ok {
		t.Error("image of a tile out of view kept")
	}
	for _, k := range v.Document().Tiles().Loaded() {
		if k == (models.TileKey{}) {
			t.Error("clean tile outside the margin not evicted")
		}
	}
}

func renderView(t *testing.T, v *Viewport) {
	t.Helper()
	pass, err := v.Render(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := pass.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestSetViewRejectsExtremeViews(t *testing.T) {
	ctx := context.Background()
	v := edgelessViewport(t, t.TempDir())
	good := View{Zoom: 1, Width: 400, Height: 300}
	if err := v.SetView(ctx, good); err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		name string
		view View
		want error
	}{
		{"tiny zoom", View{Zoom: 1e-6, Width: 400, Height: 300}, apperr.ErrInvalidArgument},
		{"huge zoom", View{Zoom: 1e6, Width: 400, Height: 300}, apperr.ErrInvalidArgument},
		{"negative zoom", View{Zoom: -2, Width: 400, Height: 300}, apperr.ErrInvalidArgument},
		{"huge screen", View{Zoom: 1, Width: 1e7, Height: 300}, apperr.ErrInvalidArgument},
		{"nan origin", View{Origin: models.Vec{X: math.NaN()}, Zoom: 1, Width: 400, Height: 300}, apperr.ErrInvalidArgument},
		{"far origin", View{Origin: models.Vec{Y: 1e12}, Zoom: 1, Width: 400, Height: 300}, apperr.ErrInvalidArgument},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if err := v.SetView(ctx, c.view); !errors.Is(err, c.want) {
				t.Errorf("SetView = %v, want %v", err, c.want)
			}
			if v.View() != good {
				t.Errorf("view changed to %+v", v.View())
			}
		})
	}
}

func TestSession(t *testing.T) {
	ctx := context.Background()
	v := edgelessViewport(t, t.TempDir())
	s := NewSession(v)

	err := s.Do(ctx, func(v *Viewport) error {
		return gestureOf(v, models.Vec{X: 10, Y: 10}, models.Vec{X: 20, Y: 20})
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}
	var modified bool
	s.Do(ctx, func(v *Viewport) error {
		modified = v.Document().Modified()
		return nil
	})
	if modified {
		t.Error("session save left edits dirty")
	}
	if err := s.Render(ctx); err != nil {
		t.Errorf("Render: %v", err)
	}

	s.Close()
	if err := s.Do(ctx, func(*Viewport) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("Do after Close = %v", err)
	}
}

func TestSessionParksEditsOnKeysBeingSaved(t *testing.T) {
	ctx := context.Background()
	s := NewSession(edgelessViewport(t, t.TempDir()))
	defer s.Close()

	tileA := models.TileKey{X: 0, Y: 0}
	tileB := models.TileKey{X: 3, Y: 0}
	if err := s.Do(ctx, func(v *Viewport) error {
		return gestureOf(v, models.Vec{X: 10, Y: 10}, models.Vec{X: 20, Y: 20})
	}); err != nil {
		t.Fatal(err)
	}
	var p *PendingSave
	if err := s.Do(ctx, func(v *Viewport) (err error) {
		p, err = v.BeginSave()
		return err
	}); err != nil || p == nil {
		t.Fatalf("BeginSave = %v, %v", p, err)
	}

	editA := make(chan error, 1)
	go func() {
		editA <- s.Do(ctx, func(v *Viewport) error {
			return gestureOf(v, models.Vec{X: 30, Y: 30}, models.Vec{X: 40, Y: 40})
		})
	}()
	select {
	case err := <-editA:
		t.Fatalf("edit on tile A finished during its save: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	editB := make(chan error, 1)
	go func() {
		editB <- s.Do(ctx, func(v *Viewport) error {
			return gestureOf(v, models.Vec{X: 3100, Y: 10}, models.Vec{X: 3120, Y: 30})
		})
	}()
	select {
	case err := <-editB:
		if err != nil {
			t.Fatalf("edit on tile B: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("edit on tile B waited for the save of tile A")
	}

	p.Write(ctx)
	if err := <-editA; err != nil {
		t.Fatalf("edit on tile A: %v", err)
	}
	if err := s.Do(ctx, func(v *Viewport) error { return v.FinishSave(ctx, p) }); err != nil {
		t.Fatal(err)
	}
	s.Do(ctx, func(v *Viewport) error {
		ts := v.Document().Tiles()
		if !ts.IsDirty(tileA) || !ts.IsDirty(tileB) {
			t.Errorf("dirty A=%v B=%v, want both", ts.IsDirty(tileA), ts.IsDirty(tileB))
		}
		if n := strokeCount(layers(t, v, models.TileRef(tileA))); n != 2 {
			t.Errorf("tile A strokes = %d, want 2", n)
		}
		return nil
	})
}

func TestSessionParkedCallHonoursContext(t *testing.T) {
	s := NewSession(edgelessViewport(t, t.TempDir()))
	defer s.Close()
	ctx := context.Background()
	s.Do(ctx, func(v *Viewport) error {
		return gestureOf(v, models.Vec{X: 10, Y: 10}, models.Vec{X: 20, Y: 20})
	})
	var p *PendingSave
	s.Do(ctx, func(v *Viewport) (err error) {
		p, err = v.BeginSave()
		return err
	})
	defer p.Write(ctx)

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	got := make(chan error, 1)
	go func() {
		got <- s.Do(ctx, func(v *Viewport) error { return v.wait(short, "tile:0_0") })
	}()
	if err := <-got; !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("parked wait = %v, want deadline exceeded", err)
	}
	if err := s.Do(ctx, func(*Viewport) error { return nil }); err != nil {
		t.Errorf("session stuck after cancelled park: %v", err)
	}
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

func TestRenderLoadsStrokesFromEvictedNeighbours(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	v := edgelessViewport(t, dir)
	// The stroke starts in tile (0,0) and runs across most of tile (1,0).
	drag(t, v, models.Vec{X: 1000, Y: 500}, models.Vec{X: 1500, Y: 500}, models.Vec{X: 2000, Y: 500})
	if err := v.Save(ctx); err != nil {
		t.Fatal(err)
	}

	reopened, _, err := Open(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := reopened.SetView(ctx, View{Origin: models.Vec{X: 1500}, Zoom: 1, Width: 1000, Height: 600}); err != nil {
		t.Fatal(err)
	}
	renderView(t, reopened)

	res, ok := reopened.Image(models.TileRef(models.TileKey{X: 1, Y: 0}))
	if !ok {
		t.Fatal("tile (1,0) not rendered")
	}
	if !inkNear(res.Img, 1500-1024, 500) {
		t.Error("stroke from tile (0,0) missing in tile (1,0)")
	}
}

// inkNear reports whether any pixel within two rows of (x, y) is dark.
func inkNear(img *image.RGBA, x, y int) bool {
	for dy := -2; dy <= 2; dy++ {
		r, g, b, _ := img.At(x, y+dy).RGBA()
		if r>>8 < 128 && g>>8 < 128 && b>>8 < 128 {
			return true
		}
	}
	return false
}
