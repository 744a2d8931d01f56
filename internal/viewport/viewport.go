// Package viewport is the editing surface over one document. It turns
// pointer events into document commands, owns the undo history, schedules
// rendering of the visible tiles or pages and saves dirty state.
//
// A Viewport is not safe for concurrent use. Wrap it in a Session to share
// it between goroutines.
package viewport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/starford/speedynote/internal/apperr"
	"github.com/starford/speedynote/internal/bundle"
	"github.com/starford/speedynote/internal/document"
	"github.com/starford/speedynote/internal/models"
	"github.com/starford/speedynote/internal/pdfbind"
	"github.com/starford/speedynote/internal/render"
	"github.com/starford/speedynote/internal/strokes"
	"github.com/starford/speedynote/internal/tilestore"
	"github.com/starford/speedynote/internal/undo"
)

// Config holds the tunables of a viewport.
type Config struct {
	PageGap          float64
	PenWidth         float64
	MarkerWidth      float64
	HighlighterWidth float64
	PenColor         string
	MarkerColor      string
	HighlighterColor string
	EraserRadius     float64
	HitTolerance     float64
	UndoLimit        int
	RenderWorkers    int
	Tiles            tilestore.Config
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() Config {
	return Config{
		PageGap:          24,
		PenWidth:         2,
		MarkerWidth:      6,
		HighlighterWidth: 14,
		PenColor:         "#1a1a1a",
		MarkerColor:      "#1f4fbf",
		HighlighterColor: "#ffe600",
		EraserRadius:     6,
		HitTolerance:     4,
		UndoLimit:        undo.DefaultCapacity,
		RenderWorkers:    4,
		Tiles:            tilestore.Config{Size: tilestore.DefaultSize, Margin: 256},
	}
}

// Option configures a Viewport.
type Option func(*Viewport)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(v *Viewport) { v.cfg = cfg }
}

// WithBundle sets the directory the document saves to.
func WithBundle(b *bundle.Bundle) Option {
	return func(v *Viewport) { v.bundle = b }
}

// WithBinding sets the backing PDF binding.
func WithBinding(b *pdfbind.Binding) Option {
	return func(v *Viewport) { v.binding = b }
}

// WithEmitter sets the event sink.
func WithEmitter(e Emitter) Option {
	return func(v *Viewport) { v.emitter = e }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Viewport) { v.logger = l }
}

// Selected is the selection on one surface.
type Selected struct {
	Ref     models.Ref `json:"ref"`
	Strokes []string   `json:"strokes,omitempty"`
	Objects []string   `json:"objects,omitempty"`
}

// Selection is the current set of selected strokes and objects, grouped
// by surface.
type Selection []Selected

// Empty reports whether nothing is selected.
func (s Selection) Empty() bool { return len(s) == 0 }

// gesture is the in-progress pointer interaction.
type gesture struct {
	mode    Mode
	ref     models.Ref
	onPage  bool
	origin  models.Vec // page origin in layout space; zero for tiles
	samples []models.Point
	object  string
	delta   models.Vec
}

// Viewport edits one document.
type Viewport struct {
	cfg     Config
	doc     *document.Document
	bundle  *bundle.Bundle
	binding *pdfbind.Binding
	history *undo.Engine
	sched   *render.Scheduler
	emitter Emitter
	logger  *slog.Logger
	guard   keyGuard
	// park, when set, suspends the current call until ch closes without
	// holding up other calls. Session installs it.
	park func(ctx context.Context, ch <-chan struct{}) error

	mode      Mode
	view      View
	gesture   *gesture
	selection Selection

	// Render revisions per surface key; see invalidate.
	clock uint64
	floor uint64
	rev   map[string]uint64
	// extent is the content bounds of each tile as of its last render.
	extent map[models.TileKey]models.Rect
}

// New opens a viewport on doc.
func New(doc *document.Document, opts ...Option) *Viewport {
	v := &Viewport{
		cfg:    DefaultConfig(),
		doc:    doc,
		mode:   ModePen,
		view:   View{Zoom: 1, Width: 1280, Height: 800},
		rev:    make(map[string]uint64),
		extent: make(map[models.TileKey]models.Rect),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	if v.emitter == nil {
		v.emitter = noopEmitter{}
	}
	if v.binding == nil {
		v.binding = pdfbind.New(v.logger)
	}
	v.history = undo.New(v.cfg.UndoLimit)
	v.sched = render.NewScheduler(render.NewCache(), v.cfg.RenderWorkers, v.logger)
	return v
}

// Document returns the edited document.
func (v *Viewport) Document() *document.Document { return v.doc }

// Binding returns the backing PDF binding.
func (v *Viewport) Binding() *pdfbind.Binding { return v.binding }

// Bundle returns the bundle the viewport saves to, or nil.
func (v *Viewport) Bundle() *bundle.Bundle { return v.bundle }

// History returns the undo engine.
func (v *Viewport) History() *undo.Engine { return v.history }

// Cache returns the render cache.
func (v *Viewport) Cache() *render.Cache { return v.sched.Cache() }

// Mode returns the active tool.
func (v *Viewport) Mode() Mode { return v.mode }

// View returns the current view.
func (v *Viewport) View() View { return v.view }

// Selection returns the current selection.
func (v *Viewport) Selection() Selection { return v.selection }

// Drawing reports whether a gesture is in progress.
func (v *Viewport) Drawing() bool { return v.gesture != nil }

// SetView moves or zooms the view. Views that fail Validate, or that would
// cover more than tilestore.MaxVisibleTiles tiles, leave the view unchanged.
func (v *Viewport) SetView(ctx context.Context, view View) error {
	if err := view.Validate(); err != nil {
		return err
	}
	if ts := v.doc.Tiles(); ts != nil {
		if _, err := ts.VisibleKeys(view.Rect()); err != nil {
			return err
		}
	}
	v.view = view
	v.emitter.Emit(ctx, EventViewChanged, view)
	return nil
}

// SetMode switches the active tool. A drawing gesture with at least two
// samples is committed first; any other gesture is dropped. The undo
// history is never rolled back.
func (v *Viewport) SetMode(ctx context.Context, m Mode) error {
	if _, err := ParseMode(string(m)); err != nil {
		return err
	}
	if g := v.gesture; g != nil {
		if g.mode.Drawing() && len(g.samples) >= 2 {
			if err := v.commit(ctx); err != nil {
				v.gesture = nil
				return err
			}
		}
		v.gesture = nil
	}
	if m != v.mode {
		v.mode = m
		v.emitter.Emit(ctx, EventModeChanged, m)
	}
	return nil
}

// Handle feeds one pointer event through Interpret and applies the result.
func (v *Viewport) Handle(ctx context.Context, ev Event) (EditIntent, error) {
	in := Interpret(v.mode, ev, v.view)
	switch in.Kind {
	case IntentBegin:
		v.begin(in)
	case IntentExtend:
		v.extend(in.Point)
	case IntentCommit:
		v.extend(in.Point)
		err := v.commit(ctx)
		v.gesture = nil
		return in, err
	case IntentCancel:
		v.gesture = nil
	case IntentPick:
		v.pick(ctx, in.Point.Pos())
	case IntentDrag:
		if v.gesture != nil {
			v.gesture.delta = v.gesture.delta.Add(in.Delta)
		}
	case IntentDrop:
		err := v.drop(ctx)
		v.gesture = nil
		return in, err
	case IntentPan:
		v.view.Origin = v.view.Origin.Add(in.Delta)
		v.emitter.Emit(ctx, EventViewChanged, v.view)
	}
	return in, nil
}

func (v *Viewport) begin(in EditIntent) {
	g := &gesture{mode: in.Mode}
	if ref, origin, ok := v.locate(in.Point.Pos()); ok {
		g.ref, g.origin, g.onPage = ref, origin, true
	}
	v.gesture = g
	v.extend(in.Point)
}

func (v *Viewport) extend(p models.Point) {
	g := v.gesture
	if g == nil || !g.onPage {
		return
	}
	p.X -= g.origin.X
	p.Y -= g.origin.Y
	g.samples = append(g.samples, p)
}

// commit turns the finished gesture into a command.
func (v *Viewport) commit(ctx context.Context) error {
	g := v.gesture
	if g == nil || !g.onPage || len(g.samples) == 0 {
		return nil
	}
	switch {
	case g.mode.Drawing():
		st := models.Stroke{
			ID:     uuid.NewString(),
			Tool:   g.mode.Tool(),
			Color:  v.color(g.mode),
			Width:  v.width(g.mode),
			Points: g.samples,
		}
		cmd, err := v.doc.AddStroke(g.ref, st)
		if err != nil {
			return err
		}
		return v.perform(ctx, cmd, v.surfaceKey(g.ref))
	case g.mode == ModeEraser:
		return v.erase(ctx, g)
	case g.mode == ModeLasso:
		v.lasso(ctx, g)
	}
	return nil
}

// erase removes every stroke the eraser path touched as one command.
func (v *Viewport) erase(ctx context.Context, g *gesture) error {
	var cmds []undo.Command
	var keys []string
	for _, ref := range v.searchRefs(g.ref) {
		ls, err := v.doc.Layers(ref)
		if err != nil {
			return err
		}
		seen := make(map[string]bool)
		var ids []string
		for _, p := range g.samples {
			for _, id := range strokes.StrokesNear(ls, p.Pos(), v.cfg.EraserRadius) {
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
		}
		if len(ids) == 0 {
			continue
		}
		cmd, err := v.doc.RemoveStrokes(ref, ids)
		if err != nil {
			return err
		}
		cmds = append(cmds, cmd)
		keys = append(keys, v.surfaceKey(ref))
	}
	switch len(cmds) {
	case 0:
		return nil
	case 1:
		return v.perform(ctx, cmds[0], keys...)
	}
	return v.perform(ctx, &undo.Batch{Name: "Erase", Cmds: cmds}, keys...)
}

func (v *Viewport) lasso(ctx context.Context, g *gesture) {
	poly := make([]models.Vec, len(g.samples))
	for i, p := range g.samples {
		poly[i] = p.Pos()
	}
	var sel Selection
	for _, ref := range v.searchRefs(g.ref) {
		ls, err := v.doc.Layers(ref)
		if err != nil {
			continue
		}
		if ids := strokes.Lasso(ls, poly); len(ids) > 0 {
			sel = append(sel, Selected{Ref: ref, Strokes: ids})
		}
	}
	v.setSelection(ctx, sel)
}

// pick starts an object drag at p.
func (v *Viewport) pick(ctx context.Context, p models.Vec) {
	v.gesture = nil
	ref, origin, ok := v.locate(p)
	if !ok {
		v.setSelection(ctx, nil)
		return
	}
	local := p.Sub(origin)
	for _, r := range v.searchRefs(ref) {
		ls, err := v.doc.Layers(r)
		if err != nil {
			continue
		}
		hit, ok := strokes.HitTest(ls, local, v.cfg.HitTolerance/v.view.zoom())
		if !ok || hit.Kind != strokes.HitObject {
			continue
		}
		v.gesture = &gesture{mode: ModeObjectSelect, ref: r, onPage: true, origin: origin, object: hit.ID}
		v.setSelection(ctx, Selection{{Ref: r, Objects: []string{hit.ID}}})
		return
	}
	v.setSelection(ctx, nil)
}

// drop commits an object drag as one MoveObject command.
func (v *Viewport) drop(ctx context.Context) error {
	g := v.gesture
	if g == nil || g.object == "" || g.delta == (models.Vec{}) {
		return nil
	}
	cmd, err := v.doc.MoveObject(g.ref, g.object, g.delta)
	if err != nil {
		return err
	}
	return v.perform(ctx, cmd, v.surfaceKey(g.ref))
}

func (v *Viewport) setSelection(ctx context.Context, s Selection) {
	v.selection = s
	v.emitter.Emit(ctx, EventSelection, s)
}

// searchRefs returns the surfaces a hit test around ref must consider.
// Strokes stay in the tile they started in, so every loaded tile is a
// candidate on the edgeless canvas.
func (v *Viewport) searchRefs(ref models.Ref) []models.Ref {
	if ref.Kind != models.RefTile {
		return []models.Ref{ref}
	}
	out := []models.Ref{ref}
	for _, k := range v.doc.Tiles().Loaded() {
		if k != ref.Tile {
			out = append(out, models.TileRef(k))
		}
	}
	return out
}

func (v *Viewport) width(m Mode) float64 {
	switch m {
	case ModeMarker:
		return v.cfg.MarkerWidth
	case ModeHighlighter:
		return v.cfg.HighlighterWidth
	}
	return v.cfg.PenWidth
}

func (v *Viewport) color(m Mode) string {
	switch m {
	case ModeMarker:
		return v.cfg.MarkerColor
	case ModeHighlighter:
		return v.cfg.HighlighterColor
	}
	return v.cfg.PenColor
}

// perform waits for keys to be free of saves, runs cmd and records it.
func (v *Viewport) perform(ctx context.Context, cmd undo.Command, keys ...string) error {
	if err := v.wait(ctx, keys...); err != nil {
		return err
	}
	if err := v.history.Perform(cmd); err != nil {
		return err
	}
	v.changed(ctx, keys)
	return nil
}

// changed publishes an edit on keys. Nil keys means any surface may have
// changed.
func (v *Viewport) changed(ctx context.Context, keys []string) {
	v.invalidate(keys)
	v.emitter.Emit(ctx, EventSurfaceDirty, keys)
	undoLabels, redoLabels := v.history.Labels()
	v.emitter.Emit(ctx, EventHistory, map[string]any{"undo": undoLabels, "redo": redoLabels})
}

// Undo reverts the last command.
func (v *Viewport) Undo(ctx context.Context) (string, error) {
	if err := v.wait(ctx); err != nil {
		return "", err
	}
	label, err := v.history.Undo()
	if err != nil {
		return label, err
	}
	v.selection = nil
	v.changed(ctx, nil)
	return label, nil
}

// Redo re-applies the last undone command.
func (v *Viewport) Redo(ctx context.Context) (string, error) {
	if err := v.wait(ctx); err != nil {
		return "", err
	}
	label, err := v.history.Redo()
	if err != nil {
		return label, err
	}
	v.selection = nil
	v.changed(ctx, nil)
	return label, nil
}

// surfaceKey is the save key of a surface.
func (v *Viewport) surfaceKey(ref models.Ref) string {
	if ref.Kind == models.RefTile {
		return "tile:" + ref.Tile.String()
	}
	p, err := v.doc.Page(ref.Page)
	if err != nil {
		return ref.String()
	}
	return "page:" + p.ID
}

func (v *Viewport) requireBundle() error {
	if v.bundle == nil {
		return fmt.Errorf("viewport: document has no bundle: %w", apperr.ErrNotFound)
	}
	return nil
}
