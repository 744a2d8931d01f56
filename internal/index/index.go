package index

import "strings"

const (
	defaultLimit = 20
	maxLimit     = 200
)

// NoteIndex is the index surface the transports depend on.
type NoteIndex interface {
	IndexRef(anchor string, notes []Entry) error
	UpsertNote(n NoteRow, body string, links []string) error
	DeleteNote(id string) error
	GetChecksum(id string) (string, error)
	NotesAt(anchor string) ([]NoteRow, error)
	Search(q Query) ([]SearchResult, error)
	Backlinks(target string) ([]string, error)
	AllChecksums() (map[string]string, error)
	Close() error
}

var _ NoteIndex = (*DB)(nil)

// Query selects notes for Search. Text is required; Anchor and Tag narrow
// the hits to one surface or one inline tag.
type Query struct {
	Text   string
	Anchor string
	Tag    string
	Limit  int
}

func (q Query) limit() int {
	switch {
	case q.Limit <= 0:
		return defaultLimit
	case q.Limit > maxLimit:
		return maxLimit
	}
	return q.Limit
}

// filter returns the WHERE conditions shared by both search backends for
// the notes table aliased as n.
func (q Query) filter() (string, []any) {
	var conds []string
	var args []any
	if q.Anchor != "" {
		conds = append(conds, "n.anchor = ?")
		args = append(args, q.Anchor)
	}
	if tag := strings.TrimPrefix(q.Tag, "#"); tag != "" {
		conds = append(conds, "EXISTS (SELECT 1 FROM json_each(n.tags) WHERE value = ?)")
		args = append(args, tag)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(conds, " AND "), args
}
