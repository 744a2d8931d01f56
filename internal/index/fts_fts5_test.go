//go:build sqlite_fts5

package index

import (
	"testing"
)

func TestFTS5_TableExists(t *testing.T) {
	db := testDB(t)
	var count int
	if err := db.conn.QueryRow(`SELECT count(*) FROM notes_fts`).Scan(&count); err != nil {
		t.Fatalf("notes_fts table missing: %v", err)
	}
}

func TestFTS5_SearchWithSnippet(t *testing.T) {
	db := testDB(t)
	if err := db.IndexRef("page:p", entries(t, note("fts", "p", "FTS Note", "Annotations get powerful full-text search."))); err != nil {
		t.Fatalf("IndexRef: %v", err)
	}

	results, err := db.Search(Query{Text: "powerful"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].ID != "fts" || results[0].Anchor != "page:p" {
		t.Errorf("result = %+v", results[0])
	}
	if results[0].Snippet == "" {
		t.Error("expected non-empty snippet")
	}
}

func TestFTS5_DeleteRemovesFromFTS(t *testing.T) {
	db := testDB(t)
	db.IndexRef("page:p", entries(t, note("gone", "p", "G", "vanishing content")))
	_ = db.DeleteNote("gone")

	results, _ := db.Search(Query{Text: "vanishing"})
	for _, r := range results {
		if r.ID == "gone" {
			t.Error("deleted note still in FTS index")
		}
	}
}

func TestFTS5_IndexRefDropsStale(t *testing.T) {
	db := testDB(t)
	db.IndexRef("page:p", entries(t, note("evo", "p", "Old", "original text")))
	db.IndexRef("page:p", nil)

	if results, _ := db.Search(Query{Text: "original"}); len(results) != 0 {
		t.Error("stale FTS content should be gone")
	}
}
