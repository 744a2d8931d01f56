//go:build !sqlite_fts5

package index

import (
	"database/sql"
	"fmt"
	"strings"
)

func initFTS(_ *sql.DB) error { return nil }

func ftsUpsert(_ *sql.Tx, _ NoteRow, _ string) error { return nil }

func ftsDelete(_ *sql.Tx, _ string) {}

// Search matches every whitespace separated term of q.Text against title,
// body or tags with LIKE. Newest notes come first.
func (db *DB) Search(q Query) ([]SearchResult, error) {
	terms := strings.Fields(q.Text)
	if len(terms) == 0 {
		return nil, nil
	}
	var where []string
	var args []any
	for _, t := range terms {
		like := "%" + t + "%"
		where = append(where, "(n.title LIKE ? OR n.body LIKE ? OR n.tags LIKE ?)")
		args = append(args, like, like, like)
	}
	scope, scopeArgs := q.filter()
	args = append(append(args, scopeArgs...), q.limit())

	return scanResults(db.conn.Query(`
		SELECT n.id, n.anchor, n.title, substr(n.body, 1, 200)
		FROM notes n
		WHERE `+strings.Join(where, " AND ")+scope+`
		ORDER BY n.updated_at DESC, n.id
		LIMIT ?`, args...))
}

func scanResults(rows *sql.Rows, err error) ([]SearchResult, error) {
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
