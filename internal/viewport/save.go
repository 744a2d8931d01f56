package viewport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/starford/speedynote/internal/apperr"
	"github.com/starford/speedynote/internal/bundle"
	"github.com/starford/speedynote/internal/document"
	"github.com/starford/speedynote/internal/models"
)

// SaveError reports a save that left some keys unwritten. The edits stay
// in memory and dirty; calling Save again retries them, DiscardChanges
// drops them.
type SaveError struct {
	Failed map[string]error
	Err    error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("viewport: save: %v", e.Err)
}

func (e *SaveError) Unwrap() error { return e.Err }

// PendingSave is a save between BeginSave and FinishSave. Its keys are
// locked; edits on them wait until Write returns.
type PendingSave struct {
	bundle *bundle.Bundle
	guard  *keyGuard
	snap   *bundle.Snapshot
	keys   []string
	report *bundle.Report
}

// Keys returns the locked save keys.
func (p *PendingSave) Keys() []string { return p.keys }

// Write persists the snapshot, releasing each key as soon as its file is
// written or has failed. It touches no document state and may run on any
// goroutine.
func (p *PendingSave) Write(ctx context.Context) {
	defer p.guard.Unlock(p.keys)
	p.report = p.bundle.WriteEach(ctx, p.snap, func(key string) {
		p.guard.Unlock([]string{key})
	})
}

// BeginSave snapshots the unsaved state and locks its keys. It returns nil
// when there is nothing to save.
func (v *Viewport) BeginSave() (*PendingSave, error) {
	if err := v.requireBundle(); err != nil {
		return nil, err
	}
	snap := bundle.Capture(v.doc)
	if snap == nil {
		return nil, nil
	}
	keys := snap.Keys()
	if !v.guard.TryLock(keys) {
		return nil, fmt.Errorf("viewport: save already running: %w", apperr.ErrConflict)
	}
	return &PendingSave{bundle: v.bundle, guard: &v.guard, snap: snap, keys: keys}, nil
}

// FinishSave records what a written save achieved. Keys edited while the
// save ran stay dirty.
func (v *Viewport) FinishSave(ctx context.Context, p *PendingSave) error {
	if p.report == nil {
		return fmt.Errorf("viewport: finish save before write: %w", apperr.ErrConflict)
	}
	bundle.Apply(v.doc, p.report)
	if err := p.report.Err(); err != nil {
		v.logger.Error("viewport: save failed",
			slog.String("root", v.bundle.Root()),
			slog.Int("failed", len(p.report.Failed)),
			slog.String("error", err.Error()))
		se := &SaveError{Failed: p.report.Failed, Err: err}
		v.emitter.Emit(ctx, EventSaveFailed, failedKeys(p.report.Failed))
		return se
	}
	v.logger.Info("viewport: saved",
		slog.String("root", v.bundle.Root()),
		slog.Int("written", len(p.report.Written)))
	v.emitter.Emit(ctx, EventSaved, p.report.Written)
	return nil
}

// Save writes every dirty page, tile and note plus the manifest on the
// calling goroutine.
func (v *Viewport) Save(ctx context.Context) error {
	p, err := v.BeginSave()
	if err != nil || p == nil {
		return err
	}
	p.Write(ctx)
	return v.FinishSave(ctx, p)
}

// DiscardChanges reloads the document from its bundle, dropping unsaved
// edits and the undo history.
func (v *Viewport) DiscardChanges(ctx context.Context) error {
	if err := v.requireBundle(); err != nil {
		return err
	}
	if err := v.wait(ctx); err != nil {
		return err
	}
	d, warnings, err := v.bundle.Load(v.cfg.Tiles)
	if err != nil {
		return err
	}
	if d.PDF != v.binding.Source() {
		v.reopen(ctx, d.PDF)
	}
	v.doc = d
	v.history.Clear()
	v.gesture = nil
	v.selection = nil
	v.sched.Cancel()
	v.sched.Cache().Retain(nil)
	v.invalidate(nil)
	v.warn(ctx, warnings)
	v.emitter.Emit(ctx, EventDiscarded, d.ID)
	return nil
}

// Open loads the bundle at dir and restores its PDF binding. Recovered
// integrity problems are returned as warnings; a missing or changed
// backing file leaves the binding detached.
func Open(ctx context.Context, dir string, opts ...Option) (*Viewport, []error, error) {
	base := New(nil, opts...)
	b, err := bundle.Open(dir, base.logger)
	if err != nil {
		return nil, nil, err
	}
	d, warnings, err := b.Load(base.cfg.Tiles)
	if err != nil {
		return nil, nil, err
	}
	v := New(d, append(opts, WithBundle(b))...)
	if d.PDF.Path != "" {
		if err := v.reopen(ctx, d.PDF); err != nil {
			warnings = append(warnings, err)
		}
	}
	v.warn(ctx, warnings)
	return v, warnings, nil
}

// Create makes a new bundle at dir holding doc and saves it.
func Create(ctx context.Context, dir string, doc *document.Document, opts ...Option) (*Viewport, error) {
	base := New(nil, opts...)
	b, err := bundle.Create(dir, base.logger)
	if err != nil {
		return nil, err
	}
	v := New(doc, append(opts, WithBundle(b))...)
	if doc.PDF.Path != "" {
		_ = v.reopen(ctx, doc.PDF)
	}
	if err := v.Save(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *Viewport) reopen(ctx context.Context, src models.PDFSource) error {
	err := v.binding.Reopen(src)
	if err != nil {
		v.emitter.Emit(ctx, EventPDFMismatch, map[string]any{
			"path":  src.Path,
			"error": err.Error(),
		})
	}
	v.emitter.Emit(ctx, EventBindingState, v.binding.State())
	return err
}

func (v *Viewport) warn(ctx context.Context, warnings []error) {
	for _, w := range warnings {
		if errors.Is(w, apperr.ErrIntegrity) {
			v.emitter.Emit(ctx, EventIntegrityWarn, w.Error())
		}
	}
}

func failedKeys(m map[string]error) map[string]string {
	out := make(map[string]string, len(m))
	for k, err := range m {
		out[k] = err.Error()
	}
	return out
}
