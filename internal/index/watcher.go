package index

import (
	"context"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/speedynote/internal/bundle"
	"github.com/starford/speedynote/internal/storage"
)

// EventCallback is called after a watcher-driven index change.
// kind is one of "created", "updated", "deleted".
type EventCallback func(kind string, id string)

// Watch follows the notes directory of a bundle and keeps the index in
// step with note files edited outside the app, until ctx is cancelled. It
// calls cb (if non-nil) after each successful index mutation.
//
// Rename events trigger a reconciliation pass that removes stale entries
// whose files no longer exist.
func Watch(ctx context.Context, db *DB, store storage.Provider, logger *slog.Logger, cb EventCallback) error {
	dir := filepath.Join(store.Root(), bundle.NotesDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}

	logger.Info("watcher: started", slog.String("dir", dir))

	var reconcileTimer *time.Timer
	var reconcileCh <-chan time.Time
	scheduleReconcile := func() {
		if reconcileTimer == nil {
			reconcileTimer = time.NewTimer(200 * time.Millisecond)
			reconcileCh = reconcileTimer.C
		} else {
			reconcileTimer.Reset(200 * time.Millisecond)
		}
	}
	notify := func(kind, id string) {
		if cb != nil {
			cb(kind, id)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if reconcileTimer != nil {
				reconcileTimer.Stop()
			}
			logger.Info("watcher: stopped")
			return nil

		case <-reconcileCh:
			reconcile(db, store, logger, notify)

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(ev.Name)
			if !strings.HasSuffix(name, ".md") || strings.HasPrefix(name, ".") {
				continue
			}
			rel := path.Join(bundle.NotesDir, name)
			id := noteID(rel)

			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				if err := indexFile(db, store, rel); err != nil {
					logger.Warn("watcher: index failed", slog.String("path", rel), slog.String("error", err.Error()))
					continue
				}
				kind := "updated"
				if ev.Op&fsnotify.Create != 0 {
					kind = "created"
				}
				logger.Debug("watcher: indexed", slog.String("path", rel), slog.String("op", kind))
				notify(kind, id)

			case ev.Op&fsnotify.Remove != 0:
				if err := db.DeleteNote(id); err != nil {
					logger.Warn("watcher: delete failed", slog.String("path", rel), slog.String("error", err.Error()))
					continue
				}
				logger.Debug("watcher: deleted", slog.String("path", rel))
				notify("deleted", id)

			case ev.Op&fsnotify.Rename != 0:
				// Rename fires on the old name only; the new name arrives
				// as a Create if it stays in the directory.
				if err := db.DeleteNote(id); err == nil {
					notify("deleted", id)
				}
				scheduleReconcile()
			}

		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", werr.Error()))
		}
	}
}

// reconcile removes entries without a file and indexes files that are
// missing or stale in the index.
func reconcile(db *DB, store storage.Provider, logger *slog.Logger, notify func(kind, id string)) {
	checksums, err := db.AllChecksums()
	if err != nil {
		logger.Warn("reconcile: all checksums failed", slog.String("error", err.Error()))
		return
	}
	metas, err := store.List(bundle.NotesDir, ".md")
	if err != nil {
		logger.Warn("reconcile: list failed", slog.String("error", err.Error()))
		return
	}
	disk := make(map[string]string, len(metas))
	paths := make(map[string]string, len(metas))
	for _, m := range metas {
		id := noteID(m.Path)
		disk[id] = m.Checksum
		paths[id] = m.Path
	}
	for id := range checksums {
		if _, ok := disk[id]; !ok {
			if err := db.DeleteNote(id); err == nil {
				notify("deleted", id)
			}
		}
	}
	for id, cs := range disk {
		if checksums[id] == cs {
			continue
		}
		if err := indexFile(db, store, paths[id]); err == nil {
			notify("created", id)
		}
	}
}
