package index

import (
	"log/slog"
	"path"
	"strings"

	"github.com/starford/speedynote/internal/bundle"
	"github.com/starford/speedynote/internal/models"
	"github.com/starford/speedynote/internal/storage"
)

// NoteSource lists the notes of an open document.
type NoteSource interface {
	Notes() []models.MarkdownNote
}

// Sync brings the index in line with an open document:
//   - new/changed notes are upserted
//   - notes no longer in the document are deleted
//
// Unchanged notes, by checksum, are skipped.
func Sync(db *DB, src NoteSource, logger *slog.Logger) error {
	checksums, err := db.AllChecksums()
	if err != nil {
		return err
	}
	live := make(map[string]struct{})
	for _, n := range src.Notes() {
		live[n.ID] = struct{}{}
		e, err := EntryOf(n)
		if err != nil {
			logger.Warn("sync: encode failed", slog.String("id", n.ID), slog.String("error", err.Error()))
			continue
		}
		if checksums[n.ID] == e.Row.Checksum {
			continue
		}
		if err := db.UpsertNote(e.Row, e.Body, e.Links); err != nil {
			logger.Warn("sync: index failed", slog.String("id", n.ID), slog.String("error", err.Error()))
		} else {
			logger.Debug("sync: indexed", slog.String("id", n.ID))
		}
	}
	removeStale(db, checksums, live, logger)
	return nil
}

// SyncBundle indexes the note files of a bundle, the same way Sync does
// for an open document.
func SyncBundle(db *DB, store storage.Provider, logger *slog.Logger) error {
	metas, err := store.List(bundle.NotesDir, ".md")
	if err != nil {
		return err
	}
	checksums, err := db.AllChecksums()
	if err != nil {
		return err
	}

	disk := make(map[string]struct{}, len(metas))
	for _, m := range metas {
		id := noteID(m.Path)
		disk[id] = struct{}{}
		if checksums[id] == m.Checksum {
			continue
		}
		if err := indexFile(db, store, m.Path); err != nil {
			logger.Warn("sync: index failed", slog.String("path", m.Path), slog.String("error", err.Error()))
		} else {
			logger.Debug("sync: indexed", slog.String("path", m.Path))
		}
	}
	removeStale(db, checksums, disk, logger)
	return nil
}

func removeStale(db *DB, indexed map[string]string, live map[string]struct{}, logger *slog.Logger) {
	for id := range indexed {
		if _, ok := live[id]; ok {
			continue
		}
		if err := db.DeleteNote(id); err != nil {
			logger.Warn("sync: delete failed", slog.String("id", id), slog.String("error", err.Error()))
		} else {
			logger.Debug("sync: removed stale", slog.String("id", id))
		}
	}
}

// indexFile reads and upserts one note file.
func indexFile(db *DB, store storage.Provider, p string) error {
	data, err := store.Read(p)
	if err != nil {
		return err
	}
	e, err := entryFrom(noteID(p), data)
	if err != nil {
		return err
	}
	return db.UpsertNote(e.Row, e.Body, e.Links)
}

// noteID is the id a note file is named after.
func noteID(p string) string {
	return strings.TrimSuffix(path.Base(p), ".md")
}
