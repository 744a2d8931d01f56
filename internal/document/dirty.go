package document

import (
	"sort"

	"github.com/starford/speedynote/internal/models"
)

// gens tracks edit generations per id. An id is dirty while its current
// generation differs from the last saved one.
type gens struct {
	cur   map[string]uint64
	saved map[string]uint64
}

func (g *gens) touch(id string) {
	if g.cur == nil {
		g.cur = make(map[string]uint64)
		g.saved = make(map[string]uint64)
	}
	g.cur[id]++
}

func (g *gens) isDirty(id string) bool {
	return g.cur[id] != g.saved[id]
}

func (g *gens) dirtyIDs() []string {
	var out []string
	for id := range g.cur {
		if g.isDirty(id) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (g *gens) markSaved(id string, gen uint64) {
	if g.cur != nil && g.cur[id] == gen {
		g.saved[id] = gen
	}
}

// settle drops pending state for an id that no longer exists.
func (g *gens) settle(id string) {
	if g.cur != nil {
		g.saved[id] = g.cur[id]
	}
}

// DirtyPage is a snapshot of an unsaved page.
type DirtyPage struct {
	ID   string
	Gen  uint64
	Page *models.Page
}

// DirtyPages returns copies of pages edited since their last save.
func (d *Document) DirtyPages() []DirtyPage {
	var out []DirtyPage
	for _, id := range d.pageGen.dirtyIDs() {
		i, ok := d.PageIndex(id)
		if !ok {
			continue
		}
		out = append(out, DirtyPage{ID: id, Gen: d.pageGen.cur[id], Page: d.pages[i].Clone()})
	}
	return out
}

// PageDirty reports whether the page with the given id has unsaved edits.
func (d *Document) PageDirty(id string) bool { return d.pageGen.isDirty(id) }

// PageGen returns the edit generation of page id.
func (d *Document) PageGen(id string) uint64 { return d.pageGen.cur[id] }

// MarkPageSaved records that gen of page id reached storage.
func (d *Document) MarkPageSaved(id string, gen uint64) { d.pageGen.markSaved(id, gen) }

// DeletedPages returns ids of pages whose files should be removed.
func (d *Document) DeletedPages() []string { return sortedKeys(d.deletedPages) }

// ForgetDeletedPage clears a pending page file removal.
func (d *Document) ForgetDeletedPage(id string) {
	delete(d.deletedPages, id)
	if _, ok := d.PageIndex(id); !ok {
		d.pageGen.settle(id)
	}
}

// DirtyNote is a snapshot of an unsaved note.
type DirtyNote struct {
	ID   string
	Gen  uint64
	Note models.MarkdownNote
}

// DirtyNotes returns copies of notes edited since their last save.
func (d *Document) DirtyNotes() []DirtyNote {
	var out []DirtyNote
	for _, id := range d.noteGen.dirtyIDs() {
		n, ok := d.notes[id]
		if !ok {
			continue
		}
		out = append(out, DirtyNote{ID: id, Gen: d.noteGen.cur[id], Note: *n})
	}
	return out
}

// NoteDirty reports whether note id has unsaved edits.
func (d *Document) NoteDirty(id string) bool { return d.noteGen.isDirty(id) }

// MarkNoteSaved records that gen of note id reached storage.
func (d *Document) MarkNoteSaved(id string, gen uint64) { d.noteGen.markSaved(id, gen) }

// DeletedNotes returns ids of notes whose files should be removed.
func (d *Document) DeletedNotes() []string { return sortedKeys(d.deletedNotes) }

// ForgetDeletedNote clears a pending note file removal.
func (d *Document) ForgetDeletedNote(id string) {
	delete(d.deletedNotes, id)
	if _, ok := d.notes[id]; !ok {
		d.noteGen.settle(id)
	}
}

// ManifestGen returns the manifest generation and whether it is unsaved.
func (d *Document) ManifestGen() (uint64, bool) {
	return d.meta.cur[""], d.meta.isDirty("")
}

// MarkManifestSaved records that gen of the manifest reached storage.
func (d *Document) MarkManifestSaved(gen uint64) { d.meta.markSaved("", gen) }

// Modified reports whether anything awaits saving.
func (d *Document) Modified() bool {
	if d.meta.isDirty("") || len(d.pageGen.dirtyIDs()) > 0 || len(d.noteGen.dirtyIDs()) > 0 {
		return true
	}
	if len(d.deletedPages) > 0 || len(d.deletedNotes) > 0 {
		return true
	}
	return d.tiles != nil && len(d.tiles.Dirty()) > 0
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
