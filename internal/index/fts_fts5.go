//go:build sqlite_fts5

package index

import (
	"database/sql"
	"fmt"
	"strings"
)

func initFTS(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS notes_fts USING fts5(
			id UNINDEXED,
			title,
			body,
			tags,
			tokenize = 'unicode61 remove_diacritics 2'
		);
	`)
	return err
}

func ftsUpsert(tx *sql.Tx, n NoteRow, body string) error {
	ftsDelete(tx, n.ID)
	_, err := tx.Exec(`INSERT INTO notes_fts (id, title, body, tags) VALUES (?, ?, ?, ?)`,
		n.ID, n.Title, body, strings.Join(n.Tags, " "))
	if err != nil {
		return fmt.Errorf("index: upsert fts: %w", err)
	}
	return nil
}

func ftsDelete(tx *sql.Tx, id string) {
	_, _ = tx.Exec(`DELETE FROM notes_fts WHERE id = ?`, id)
}

// Search runs q.Text as an FTS5 match and ranks the hits. The snippet
// highlights matches in the body.
func (db *DB) Search(q Query) ([]SearchResult, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, nil
	}
	scope, scopeArgs := q.filter()
	args := append([]any{q.Text}, scopeArgs...)
	args = append(args, q.limit())

	rows, err := db.conn.Query(`
		SELECT n.id, n.anchor, n.title,
		       snippet(notes_fts, 2, '<b>', '</b>', '...', 64)
		FROM notes_fts
		JOIN notes n ON n.id = notes_fts.id
		WHERE notes_fts MATCH ?`+scope+`
		ORDER BY rank
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.ID, &r.Anchor, &r.Title, &r.Snippet); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
