package index

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/starford/speedynote/internal/checksum"
	"github.com/starford/speedynote/internal/models"
	"github.com/starford/speedynote/internal/parser"
)

// NoteRow represents a row in the notes table. Anchor is the surface key
// of the note ("page:<id>" or "tile:<x>_<y>").
type NoteRow struct {
	ID        string
	Anchor    string
	Title     string
	Checksum  string
	Tags      []string
	UpdatedAt time.Time
}

// SearchResult represents one search hit.
type SearchResult struct {
	ID      string `json:"id"`
	Anchor  string `json:"anchor"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// Entry is a note ready for indexing.
type Entry struct {
	Row   NoteRow
	Body  string
	Links []string
}

// EntryOf prepares a note for the index. The checksum is that of the
// note's file encoding, so it matches the bundle file on disk.
func EntryOf(n models.MarkdownNote) (Entry, error) {
	data, err := parser.Format(n)
	if err != nil {
		return Entry{}, err
	}
	return entryFrom(n.ID, data)
}

// entryFrom indexes a note file under id, the name of the file.
func entryFrom(id string, data []byte) (Entry, error) {
	res, err := parser.Parse(id, data)
	if err != nil {
		return Entry{}, err
	}
	n := res.Note
	return Entry{
		Row: NoteRow{
			ID:        id,
			Anchor:    n.Anchor.Key(),
			Title:     n.Title,
			Checksum:  checksum.Sum(data),
			Tags:      res.Tags,
			UpdatedAt: n.UpdatedAt,
		},
		Body:  n.Body,
		Links: res.Links,
	}, nil
}

// UpsertNote inserts or replaces a note, its FTS entry, and links within a transaction.
func (db *DB) UpsertNote(n NoteRow, body string, links []string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	if err := upsert(tx, n, body, links); err != nil {
		return err
	}
	return tx.Commit()
}

func upsert(tx *sql.Tx, n NoteRow, body string, links []string) error {
	if n.Tags == nil {
		n.Tags = []string{}
	}
	tagsJSON, _ := json.Marshal(n.Tags)

	// Body is kept in notes too for the LIKE fallback.
	_, err := tx.Exec(`
		INSERT INTO notes (id, anchor, title, checksum, tags, body, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			anchor     = excluded.anchor,
			title      = excluded.title,
			checksum   = excluded.checksum,
			tags       = excluded.tags,
			body       = excluded.body,
			updated_at = excluded.updated_at
	`, n.ID, n.Anchor, n.Title, n.Checksum, string(tagsJSON), body, n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("index: upsert note: %w", err)
	}

	if err := ftsUpsert(tx, n, body); err != nil {
		return err
	}

	_, _ = tx.Exec(`DELETE FROM links WHERE source = ?`, n.ID)
	if len(links) > 0 {
		stmt, err := tx.Prepare(`INSERT OR IGNORE INTO links (source, target) VALUES (?, ?)`)
		if err != nil {
			return fmt.Errorf("index: prepare link insert: %w", err)
		}
		defer stmt.Close()
		for _, target := range links {
			if _, err := stmt.Exec(n.ID, target); err != nil {
				return fmt.Errorf("index: insert link: %w", err)
			}
		}
	}
	return nil
}

// IndexRef replaces the notes anchored on one surface. Notes previously
// indexed under anchor and absent from entries are removed.
func (db *DB) IndexRef(anchor string, entries []Entry) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	keep := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.Row.Anchor != anchor {
			return fmt.Errorf("index: note %s is anchored on %s, not %s", e.Row.ID, e.Row.Anchor, anchor)
		}
		keep[e.Row.ID] = true
		if err := upsert(tx, e.Row, e.Body, e.Links); err != nil {
			return err
		}
	}

	rows, err := tx.Query(`SELECT id FROM notes WHERE anchor = ?`, anchor)
	if err != nil {
		return fmt.Errorf("index: notes at %s: %w", anchor, err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		if !keep[id] {
			stale = append(stale, id)
		}
	}
	rows.Close()
	for _, id := range stale {
		remove(tx, id)
	}
	return tx.Commit()
}

// DeleteNote removes a note, its FTS entry, and outgoing links.
func (db *DB) DeleteNote(id string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	remove(tx, id)
	return tx.Commit()
}

func remove(tx *sql.Tx, id string) {
	ftsDelete(tx, id)
	_, _ = tx.Exec(`DELETE FROM links WHERE source = ?`, id)
	_, _ = tx.Exec(`DELETE FROM notes WHERE id = ?`, id)
}

// GetChecksum returns the stored checksum for a note, or empty string if not found.
func (db *DB) GetChecksum(id string) (string, error) {
	var cs string
	err := db.conn.QueryRow(`SELECT checksum FROM notes WHERE id = ?`, id).Scan(&cs)
	if err != nil {
		return "", nil // not found is fine
	}
	return cs, nil
}

// AllChecksums returns the checksum of every indexed note by id.
func (db *DB) AllChecksums() (map[string]string, error) {
	rows, err := db.conn.Query(`SELECT id, checksum FROM notes`)
	if err != nil {
		return nil, fmt.Errorf("index: all checksums: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var id, cs string
		if err := rows.Scan(&id, &cs); err != nil {
			return nil, err
		}
		out[id] = cs
	}
	return out, rows.Err()
}

// NotesAt lists the notes anchored on one surface, newest first.
func (db *DB) NotesAt(anchor string) ([]NoteRow, error) {
	rows, err := db.conn.Query(`
		SELECT id, anchor, title, checksum, tags, updated_at
		FROM notes WHERE anchor = ?
		ORDER BY updated_at DESC, id
	`, anchor)
	if err != nil {
		return nil, fmt.Errorf("index: notes at %s: %w", anchor, err)
	}
	defer rows.Close()

	var out []NoteRow
	for rows.Next() {
		var r NoteRow
		var tags string
		if err := rows.Scan(&r.ID, &r.Anchor, &r.Title, &r.Checksum, &tags, &r.UpdatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(tags), &r.Tags)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Backlinks returns the ids of notes whose body links to target.
func (db *DB) Backlinks(target string) ([]string, error) {
	rows, err := db.conn.Query(`SELECT source FROM links WHERE target = ? ORDER BY source`, target)
	if err != nil {
		return nil, fmt.Errorf("index: backlinks: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
