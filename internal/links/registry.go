// Package links stores the link objects of a document and the quick-access
// slots bound to them.
package links

import (
	"fmt"

	"github.com/starford/speedynote/internal/apperr"
	"github.com/starford/speedynote/internal/models"
)

// SlotCount is the number of quick-access slots, numbered from 1.
const SlotCount = 3

// Resolver answers existence queries against the owning document.
type Resolver interface {
	HasPage(id string) bool
	HasTile(key models.TileKey) bool
	HasNote(id string) bool
}

// Registry is the link arena. Links are addressed by id; slots hold ids.
type Registry struct {
	links map[string]*models.LinkObject
	order []string
	slots [SlotCount + 1]string
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{links: make(map[string]*models.LinkObject)}
}

// Load rebuilds a registry from persisted links, restoring slot bindings.
// Later links win when two claim the same slot.
func Load(ls []models.LinkObject) (*Registry, error) {
	r := New()
	for _, l := range ls {
		slot := l.Slot
		l.Slot = 0
		if err := r.Add(l); err != nil {
			return nil, err
		}
		if slot != 0 {
			if _, err := r.Assign(slot, l); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

// Add inserts a new link. Its Slot field is ignored; use Assign.
func (r *Registry) Add(l models.LinkObject) error {
	if l.ID == "" {
		return fmt.Errorf("links: add: empty id: %w", apperr.ErrFormatInvalid)
	}
	if _, ok := r.links[l.ID]; ok {
		return fmt.Errorf("links: add %s: %w", l.ID, apperr.ErrAlreadyExists)
	}
	l.Slot = 0
	r.links[l.ID] = &l
	r.order = append(r.order, l.ID)
	return nil
}

// Get returns a copy of the link with the given id.
func (r *Registry) Get(id string) (models.LinkObject, bool) {
	l, ok := r.links[id]
	if !ok {
		return models.LinkObject{}, false
	}
	return *l, true
}

// Remove deletes a link and frees its slot.
func (r *Registry) Remove(id string) (models.LinkObject, bool) {
	l, ok := r.links[id]
	if !ok {
		return models.LinkObject{}, false
	}
	if l.Slot != 0 {
		r.slots[l.Slot] = ""
	}
	delete(r.links, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return *l, true
}

// All returns the links in insertion order.
func (r *Registry) All() []models.LinkObject {
	out := make([]models.LinkObject, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.links[id])
	}
	return out
}

// Len returns the number of links.
func (r *Registry) Len() int { return len(r.order) }

func checkSlot(slot int) error {
	if slot < 1 || slot > SlotCount {
		return fmt.Errorf("links: slot %d out of range 1..%d: %w", slot, SlotCount, apperr.ErrInvalidSelection)
	}
	return nil
}

// Assign binds l to slot, adding l to the registry if it is new. Any
// previous occupant is unbound (it stays in the registry) and returned so
// the caller can offer to keep it elsewhere.
func (r *Registry) Assign(slot int, l models.LinkObject) (*models.LinkObject, error) {
	if err := checkSlot(slot); err != nil {
		return nil, err
	}
	if _, ok := r.links[l.ID]; !ok {
		if err := r.Add(l); err != nil {
			return nil, err
		}
	}
	cur := r.links[l.ID]
	cur.Target, cur.Description, cur.Color = l.Target, l.Description, l.Color

	var prev *models.LinkObject
	if id := r.slots[slot]; id != "" && id != l.ID {
		old := r.links[id]
		old.Slot = 0
		cp := *old
		prev = &cp
	}
	if cur.Slot != 0 && cur.Slot != slot {
		r.slots[cur.Slot] = ""
	}
	cur.Slot = slot
	r.slots[slot] = l.ID
	return prev, nil
}

// Unassign clears slot and returns the link that held it.
func (r *Registry) Unassign(slot int) (*models.LinkObject, error) {
	if err := checkSlot(slot); err != nil {
		return nil, err
	}
	id := r.slots[slot]
	if id == "" {
		return nil, nil
	}
	r.slots[slot] = ""
	l := r.links[id]
	l.Slot = 0
	cp := *l
	return &cp, nil
}

// Slot returns the link bound to slot.
func (r *Registry) Slot(slot int) (models.LinkObject, bool) {
	if checkSlot(slot) != nil || r.slots[slot] == "" {
		return models.LinkObject{}, false
	}
	return *r.links[r.slots[slot]], true
}

// Resolve checks that l's target still exists. URLs always resolve; the
// caller hands them to an external handler.
func (r *Registry) Resolve(l models.LinkObject, res Resolver) error {
	t := l.Target
	switch t.Kind {
	case models.LinkURL:
		if t.URL == "" {
			return fmt.Errorf("links: resolve %s: empty url: %w", l.ID, apperr.ErrUnresolvable)
		}
		return nil
	case models.LinkNote:
		if !res.HasNote(t.NoteID) {
			return fmt.Errorf("links: resolve %s: note %s: %w", l.ID, t.NoteID, apperr.ErrUnresolvable)
		}
		return nil
	case models.LinkPosition:
		if t.At == nil {
			return fmt.Errorf("links: resolve %s: no position: %w", l.ID, apperr.ErrUnresolvable)
		}
		if t.At.Tile != nil {
			if !res.HasTile(*t.At.Tile) {
				return fmt.Errorf("links: resolve %s: tile %s: %w", l.ID, t.At.Tile, apperr.ErrUnresolvable)
			}
			return nil
		}
		if !res.HasPage(t.At.PageID) {
			return fmt.Errorf("links: resolve %s: page %s: %w", l.ID, t.At.PageID, apperr.ErrUnresolvable)
		}
		return nil
	}
	return fmt.Errorf("links: resolve %s: unknown kind %q: %w", l.ID, t.Kind, apperr.ErrFormatInvalid)
}
