package models

import "time"

// LinkKind is the variant tag of a LinkObject target.
type LinkKind string

const (
	LinkPosition LinkKind = "position"
	LinkURL      LinkKind = "url"
	LinkNote     LinkKind = "markdown_note"
)

// Anchor is a location inside a document: a page (by stable id) or a tile,
// plus a position on that surface.
type Anchor struct {
	PageID string   `json:"page_id,omitempty"`
	Tile   *TileKey `json:"tile,omitempty"`
	Pos    Vec      `json:"pos"`
}

// Key returns the surface key used by the search index ("page:<id>" or
// "tile:<x>_<y>").
func (a Anchor) Key() string {
	if a.Tile != nil {
		return "tile:" + a.Tile.String()
	}
	return "page:" + a.PageID
}

// LinkTarget is the tagged variant a link resolves to. Only the fields of
// the active Kind are meaningful.
type LinkTarget struct {
	Kind   LinkKind `json:"kind"`
	At     *Anchor  `json:"at,omitempty"`
	URL    string   `json:"url,omitempty"`
	NoteID string   `json:"note_id,omitempty"`
}

// LinkObject is a typed reference placed on the canvas.
type LinkObject struct {
	ID          string     `json:"id"`
	Target      LinkTarget `json:"target"`
	Description string     `json:"description,omitempty"`
	Color       string     `json:"color,omitempty"`
	// Slot is the quick-access slot (1..3) the link is bound to, 0 if none.
	Slot int `json:"slot,omitempty"`
}

// MarkdownNote is a note anchored to a link marker on the canvas.
type MarkdownNote struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Anchor    Anchor    `json:"anchor"`
	ObjectID  string    `json:"object_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
