package bundle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/starford/speedynote/internal/document"
	"github.com/starford/speedynote/internal/models"
	"github.com/starford/speedynote/internal/parser"
	"github.com/starford/speedynote/internal/tilestore"
)

// ManifestKey is the save key of document.json.
const ManifestKey = "manifest"

// writeLimit bounds concurrent file writes during a save.
const writeLimit = 4

// Snapshot is an immutable copy of everything a save writes. It is taken
// on the document's owner goroutine and written from any goroutine.
type Snapshot struct {
	Pages        []document.DirtyPage
	Tiles        []tilestore.DirtyTile
	Notes        []document.DirtyNote
	DeletedPages []string
	DeletedNotes []string
	Manifest     *Manifest
	ManifestGen  uint64
}

// Capture snapshots the unsaved state of d. It returns nil when nothing
// needs writing.
func Capture(d *document.Document) *Snapshot {
	if !d.Modified() {
		return nil
	}
	s := &Snapshot{
		Pages:        d.DirtyPages(),
		Notes:        d.DirtyNotes(),
		DeletedPages: d.DeletedPages(),
		DeletedNotes: d.DeletedNotes(),
	}
	skip := make(map[models.TileKey]bool)
	if ts := d.Tiles(); ts != nil {
		s.Tiles = ts.Dirty()
		for _, t := range s.Tiles {
			if t.Tile.Empty() {
				skip[t.Key] = true
			}
		}
	}
	s.ManifestGen, _ = d.ManifestGen()
	s.Manifest = manifestOf(d, skip)
	return s
}

// Keys returns the save keys the snapshot writes, sorted. Edits on these
// keys must wait until the write finishes.
func (s *Snapshot) Keys() []string {
	var out []string
	for _, p := range s.Pages {
		out = append(out, "page:"+p.ID)
	}
	for _, t := range s.Tiles {
		out = append(out, "tile:"+t.Key.String())
	}
	for _, n := range s.Notes {
		out = append(out, "note:"+n.ID)
	}
	out = append(out, ManifestKey)
	sort.Strings(out)
	return out
}

// Report lists what a Write achieved. Failed maps save keys to errors.
type Report struct {
	Written []string
	Failed  map[string]error
	snap    *Snapshot
	ok      map[string]bool
}

// Err summarises the failures, or returns nil.
func (r *Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	keys := make([]string, 0, len(r.Failed))
	for k := range r.Failed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Errorf("bundle: %d file(s) not saved, first %s: %w", len(keys), keys[0], r.Failed[keys[0]])
}

// Write persists a snapshot. Content files are written first; the
// manifest only when they all succeeded, and file removals only after the
// manifest no longer lists them. Individual failures are collected in the
// report rather than aborting the rest.
func (b *Bundle) Write(ctx context.Context, s *Snapshot) *Report {
	return b.WriteEach(ctx, s, nil)
}

// WriteEach is Write with a callback run once per save key as soon as that
// key is settled, written or failed. done may be called concurrently.
func (b *Bundle) WriteEach(ctx context.Context, s *Snapshot, done func(key string)) *Report {
	r := &Report{Failed: make(map[string]error), snap: s, ok: make(map[string]bool)}
	var mu sync.Mutex
	record := func(key string, err error) {
		mu.Lock()
		if err != nil {
			r.Failed[key] = err
		} else {
			r.ok[key] = true
			r.Written = append(r.Written, key)
		}
		mu.Unlock()
		if done != nil {
			done(key)
		}
	}

	var g errgroup.Group
	g.SetLimit(writeLimit)
	for _, p := range s.Pages {
		g.Go(func() error {
			record("page:"+p.ID, b.writeJSON(ctx, pagePath(p.ID), pageFile{ID: p.ID, Layers: p.Page.Layers}))
			return nil
		})
	}
	for _, t := range s.Tiles {
		g.Go(func() error {
			key := "tile:" + t.Key.String()
			if t.Tile.Empty() {
				record(key, b.remove(ctx, tilePath(t.Key)))
				return nil
			}
			data, err := tilestore.Encode(t.Tile)
			if err == nil {
				err = b.write(ctx, tilePath(t.Key), data)
			}
			record(key, err)
			return nil
		})
	}
	for _, n := range s.Notes {
		g.Go(func() error {
			data, err := parser.Format(n.Note)
			if err == nil {
				err = b.write(ctx, notePath(n.ID), data)
			}
			record("note:"+n.ID, err)
			return nil
		})
	}
	_ = g.Wait()

	if len(r.Failed) > 0 {
		record(ManifestKey, fmt.Errorf("bundle: manifest held back: %d content file(s) failed", len(r.Failed)))
	} else {
		record(ManifestKey, b.writeJSON(ctx, ManifestName, s.Manifest))
	}
	if r.ok[ManifestKey] {
		for _, id := range s.DeletedPages {
			record("delete-page:"+id, b.remove(ctx, pagePath(id)))
		}
		for _, id := range s.DeletedNotes {
			record("delete-note:"+id, b.remove(ctx, notePath(id)))
		}
	}
	sort.Strings(r.Written)

	attrs := []any{slog.String("root", b.Root()), slog.Int("written", len(r.Written)), slog.Int("failed", len(r.Failed))}
	if len(r.Failed) > 0 {
		b.logger.Error("bundle: save incomplete", attrs...)
	} else {
		b.logger.Info("bundle: saved", attrs...)
	}
	return r
}

// Apply marks everything the report wrote as saved. It must run on the
// document's owner goroutine. Edits made after Capture stay dirty.
func Apply(d *document.Document, r *Report) {
	s := r.snap
	for _, p := range s.Pages {
		if r.ok["page:"+p.ID] {
			d.MarkPageSaved(p.ID, p.Gen)
		}
	}
	if ts := d.Tiles(); ts != nil {
		for _, t := range s.Tiles {
			if !r.ok["tile:"+t.Key.String()] {
				continue
			}
			if t.Tile.Empty() {
				ts.MarkRemoved(t.Key, t.Gen)
			} else {
				ts.MarkSaved(t.Key, t.Gen, t.Tile.Extent())
			}
		}
	}
	for _, n := range s.Notes {
		if r.ok["note:"+n.ID] {
			d.MarkNoteSaved(n.ID, n.Gen)
		}
	}
	if r.ok[ManifestKey] {
		d.MarkManifestSaved(s.ManifestGen)
	}
	for _, id := range s.DeletedPages {
		if r.ok["delete-page:"+id] {
			d.ForgetDeletedPage(id)
		}
	}
	for _, id := range s.DeletedNotes {
		if r.ok["delete-note:"+id] {
			d.ForgetDeletedNote(id)
		}
	}
}

func (b *Bundle) writeJSON(ctx context.Context, p string, v any) error {
	data, err := json.MarshalIndent(v, "", " ")
	if err != nil {
		return fmt.Errorf("bundle: encode %s: %w", p, err)
	}
	return b.write(ctx, p, data)
}

func (b *Bundle) write(ctx context.Context, p string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.fs.Write(p, data)
}

func (b *Bundle) remove(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.fs.Delete(p)
}
