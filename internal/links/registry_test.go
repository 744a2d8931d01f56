package links

import (
	"errors"
	"testing"

	"github.com/starford/speedynote/internal/apperr"
	"github.com/starford/speedynote/internal/models"
)

type fakeDoc struct {
	pages map[string]bool
	tiles map[models.TileKey]bool
	notes map[string]bool
}

func (f fakeDoc) HasPage(id string) bool        { return f.pages[id] }
func (f fakeDoc) HasTile(k models.TileKey) bool { return f.tiles[k] }
func (f fakeDoc) HasNote(id string) bool        { return f.notes[id] }

func urlLink(id string) models.LinkObject {
	return models.LinkObject{ID: id, Target: models.LinkTarget{Kind: models.LinkURL, URL: "https://example.org/" + id}}
}

func TestAssignReturnsPreviousOccupant(t *testing.T) {
	r := New()
	a, b := urlLink("a"), urlLink("b")
	prev, err := r.Assign(2, a)
	if err != nil || prev != nil {
		t.Fatalf("first assign = %v, %v", prev, err)
	}
	prev, err = r.Assign(2, b)
	if err != nil {
		t.Fatal(err)
	}
	if prev == nil || prev.ID != "a" {
		t.Fatalf("prev = %v, want a", prev)
	}
	got, ok := r.Slot(2)
	if !ok || got.ID != "b" {
		t.Errorf("slot 2 = %v, want b", got)
	}
	if old, _ := r.Get("a"); old.Slot != 0 {
		t.Errorf("overwritten link keeps slot %d", old.Slot)
	}
}

func TestAssignMovesLinkBetweenSlots(t *testing.T) {
	r := New()
	a := urlLink("a")
	_, _ = r.Assign(1, a)
	_, _ = r.Assign(3, a)
	if _, ok := r.Slot(1); ok {
		t.Error("slot 1 should be free after moving the link")
	}
	if got, _ := r.Slot(3); got.ID != "a" {
		t.Errorf("slot 3 = %q", got.ID)
	}
}

func TestAssignRejectsBadSlot(t *testing.T) {
	r := New()
	for _, s := range []int{0, 4, -1} {
		if _, err := r.Assign(s, urlLink("x")); !errors.Is(err, apperr.ErrInvalidSelection) {
			t.Errorf("Assign(%d) = %v", s, err)
		}
	}
}

func TestResolve(t *testing.T) {
	k := models.TileKey{X: 2, Y: 0}
	doc := fakeDoc{
		pages: map[string]bool{"p1": true},
		tiles: map[models.TileKey]bool{k: true},
		notes: map[string]bool{"n1": true},
	}
	missing := models.TileKey{X: 9, Y: 9}
	cases := []struct {
		name string
		t    models.LinkTarget
		ok   bool
	}{
		{"url", models.LinkTarget{Kind: models.LinkURL, URL: "https://x"}, true},
		{"page", models.LinkTarget{Kind: models.LinkPosition, At: &models.Anchor{PageID: "p1"}}, true},
		{"gone page", models.LinkTarget{Kind: models.LinkPosition, At: &models.Anchor{PageID: "p2"}}, false},
		{"tile", models.LinkTarget{Kind: models.LinkPosition, At: &models.Anchor{Tile: &k}}, true},
		{"gone tile", models.LinkTarget{Kind: models.LinkPosition, At: &models.Anchor{Tile: &missing}}, false},
		{"note", models.LinkTarget{Kind: models.LinkNote, NoteID: "n1"}, true},
		{"gone note", models.LinkTarget{Kind: models.LinkNote, NoteID: "n2"}, false},
	}
	r := New()
	for _, c := range cases {
		err := r.Resolve(models.LinkObject{ID: c.name, Target: c.t}, doc)
		if c.ok && err != nil {
			t.Errorf("%s: unexpected error %v", c.name, err)
		}
		if !c.ok && !errors.Is(err, apperr.ErrUnresolvable) {
			t.Errorf("%s: err = %v, want ErrUnresolvable", c.name, err)
		}
	}
}

func TestLoadRestoresSlots(t *testing.T) {
	a := urlLink("a")
	a.Slot = 1
	b := urlLink("b")
	r, err := Load([]models.LinkObject{a, b})
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := r.Slot(1); !ok || got.ID != "a" {
		t.Errorf("slot 1 = %v", got)
	}
	if r.Len() != 2 {
		t.Errorf("len = %d", r.Len())
	}
	removed, _ := r.Remove("a")
	if removed.Slot != 1 {
		t.Errorf("removed slot = %d", removed.Slot)
	}
	if _, ok := r.Slot(1); ok {
		t.Error("slot must clear on remove")
	}
}
