package pdfbind

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/speedynote/internal/apperr"
	"github.com/starford/speedynote/internal/models"
)

// EventKind classifies a change to the backing file.
type EventKind string

const (
	EventRemoved  EventKind = "removed"
	EventMismatch EventKind = "mismatch"
	EventRestored EventKind = "restored"
)

// Event reports a change to the backing file seen by Watch.
type Event struct {
	Kind     EventKind
	Mismatch Mismatch
}

// watchDebounce coalesces the burst of events editors emit on save.
const watchDebounce = 200 * time.Millisecond

// Watch follows the attached file until ctx is cancelled. A removed file
// detaches the binding. A rewritten file is re-fingerprinted, reported as a
// mismatch and detached until Link settles it; the recorded fingerprint is
// never replaced here.
func (b *Binding) Watch(ctx context.Context, cb func(Event)) error {
	src := b.Source()
	if src.Path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory so replace-by-rename is seen too.
	if err := w.Add(filepath.Dir(src.Path)); err != nil {
		return err
	}
	b.logger.Info("pdfbind: watching", slog.String("path", src.Path))

	var timer *time.Timer
	var fire <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(watchDebounce)
			fire = timer.C
		} else {
			timer.Reset(watchDebounce)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case <-fire:
			if ev, ok := b.check(src); ok && cb != nil {
				cb(ev)
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(src.Path) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				schedule()
			}

		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			b.logger.Error("pdfbind: watcher error", slog.String("error", werr.Error()))
		}
	}
}

// check compares the file on disk against src after a burst of events.
func (b *Binding) check(src models.PDFSource) (Event, bool) {
	cur, err := Fingerprint(src.Path)
	if errors.Is(err, apperr.ErrMissingFile) {
		if b.State() == Attached {
			b.Detach()
			b.logger.Warn("pdfbind: backing pdf removed", slog.String("path", src.Path))
			return Event{Kind: EventRemoved}, true
		}
		return Event{}, false
	}
	if err != nil {
		b.logger.Warn("pdfbind: fingerprint failed", slog.String("path", src.Path), slog.String("error", err.Error()))
		return Event{}, false
	}
	if cur.SHA256 == src.SHA256 && cur.Size == src.Size {
		if b.State() == Detached {
			if rerr := b.Reopen(src); rerr == nil {
				return Event{Kind: EventRestored}, true
			}
		}
		return Event{}, false
	}
	b.Detach()
	return Event{Kind: EventMismatch, Mismatch: Mismatch{Recorded: src, Selected: cur}}, true
}
