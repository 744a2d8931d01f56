package viewport

import (
	"fmt"
	"math"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/speedynote/internal/apperr"
	"github.com/starford/speedynote/internal/models"
)

// Mode is the active tool. Exactly one mode is active at a time.
type Mode string

const (
	ModePen          Mode = "pen"
	ModeMarker       Mode = "marker"
	ModeHighlighter  Mode = "highlighter"
	ModeEraser       Mode = "eraser"
	ModeLasso        Mode = "lasso"
	ModeObjectSelect Mode = "object_select"
	ModePan          Mode = "pan"
)

// Modes lists every mode.
var Modes = []Mode{ModePen, ModeMarker, ModeHighlighter, ModeEraser, ModeLasso, ModeObjectSelect, ModePan}

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	for _, m := range Modes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("viewport: unknown mode %q: %w", s, apperr.ErrInvalidSelection)
}

// Drawing reports whether the mode lays down stroke samples.
func (m Mode) Drawing() bool {
	return m == ModePen || m == ModeMarker || m == ModeHighlighter
}

// Tool returns the stroke tool of a drawing mode.
func (m Mode) Tool() models.ToolType {
	switch m {
	case ModeMarker:
		return models.ToolMarker
	case ModeHighlighter:
		return models.ToolHighlighter
	case ModeEraser:
		return models.ToolEraser
	}
	return models.ToolPen
}

// EventKind is the phase of a pointer event.
type EventKind string

const (
	Press   EventKind = "press"
	Move    EventKind = "move"
	Release EventKind = "release"
	Abort   EventKind = "cancel"
)

// Event is one pointer sample in screen pixels. Delta is the movement since
// the previous event of the same gesture.
type Event struct {
	Kind     EventKind  `json:"kind"`
	Pos      models.Vec `json:"pos"`
	Delta    models.Vec `json:"delta"`
	Pressure float64    `json:"pressure"`
	// Time is milliseconds since an arbitrary epoch.
	Time int64 `json:"time"`
}

// View maps screen pixels to document space: world = Origin + screen/Zoom.
type View struct {
	Origin models.Vec `json:"origin"`
	Zoom   float64    `json:"zoom"`
	Width  float64    `json:"width"`
	Height float64    `json:"height"`
}

// ToWorld converts a screen position.
func (v View) ToWorld(p models.Vec) models.Vec {
	z := v.zoom()
	return models.Vec{X: v.Origin.X + p.X/z, Y: v.Origin.Y + p.Y/z}
}

// Rect returns the visible document region.
func (v View) Rect() models.Rect {
	z := v.zoom()
	return models.Rect{X: v.Origin.X, Y: v.Origin.Y, W: v.Width / z, H: v.Height / z}
}

// View limits. A zero Zoom means 1.
const (
	MinZoom     = 0.1
	MaxZoom     = 64.0
	MaxViewSide = 8192.0
	MaxCoord    = 1e9
)

// Validate rejects views outside the zoom range, oversized screens and
// non-finite or far-out origins.
func (v View) Validate() error {
	finite := validation.By(func(value any) error {
		f, _ := value.(float64)
		if math.IsNaN(f) || math.Abs(f) > MaxCoord {
			return fmt.Errorf("must be a finite number within ±%g", MaxCoord)
		}
		return nil
	})
	err := validation.ValidateStruct(&v,
		validation.Field(&v.Zoom, finite,
			validation.When(v.Zoom != 0, validation.Min(MinZoom), validation.Max(MaxZoom))),
		validation.Field(&v.Width, finite, validation.Min(0.0), validation.Max(MaxViewSide)),
		validation.Field(&v.Height, finite, validation.Min(0.0), validation.Max(MaxViewSide)),
	)
	if err == nil {
		err = validation.Validate(v.Origin.X, finite)
		if err == nil {
			err = validation.Validate(v.Origin.Y, finite)
		}
		if err != nil {
			err = fmt.Errorf("origin: %w", err)
		}
	}
	if err != nil {
		return fmt.Errorf("viewport: view: %w: %v", apperr.ErrInvalidArgument, err)
	}
	return nil
}

func (v View) zoom() float64 {
	if v.Zoom <= 0 || math.IsNaN(v.Zoom) {
		return 1
	}
	return v.Zoom
}

// IntentKind is what an event asks the viewport to do.
type IntentKind string

const (
	IntentNone   IntentKind = "none"
	IntentBegin  IntentKind = "begin"
	IntentExtend IntentKind = "extend"
	IntentCommit IntentKind = "commit"
	IntentCancel IntentKind = "cancel"
	IntentPick   IntentKind = "pick"
	IntentDrag   IntentKind = "drag"
	IntentDrop   IntentKind = "drop"
	IntentPan    IntentKind = "pan"
)

// EditIntent is the interpretation of one event under a mode. Point is in
// document space; Delta is a document space offset for drags and pans.
type EditIntent struct {
	Kind  IntentKind
	Mode  Mode
	Point models.Point
	Delta models.Vec
}

// Interpret maps an event to an intent. It has no side effects; gesture
// state lives in the viewport.
func Interpret(mode Mode, ev Event, view View) EditIntent {
	if ev.Kind == Abort {
		return EditIntent{Kind: IntentCancel, Mode: mode}
	}
	w := view.ToWorld(ev.Pos)
	pt := models.Point{X: w.X, Y: w.Y, Pressure: ev.Pressure, Timestamp: ev.Time}
	z := view.zoom()
	delta := models.Vec{X: ev.Delta.X / z, Y: ev.Delta.Y / z}

	switch mode {
	case ModePen, ModeMarker, ModeHighlighter, ModeEraser, ModeLasso:
		switch ev.Kind {
		case Press:
			return EditIntent{Kind: IntentBegin, Mode: mode, Point: pt}
		case Move:
			return EditIntent{Kind: IntentExtend, Mode: mode, Point: pt}
		case Release:
			return EditIntent{Kind: IntentCommit, Mode: mode, Point: pt}
		}
	case ModeObjectSelect:
		switch ev.Kind {
		case Press:
			return EditIntent{Kind: IntentPick, Mode: mode, Point: pt}
		case Move:
			return EditIntent{Kind: IntentDrag, Mode: mode, Point: pt, Delta: delta}
		case Release:
			return EditIntent{Kind: IntentDrop, Mode: mode, Point: pt}
		}
	case ModePan:
		if ev.Kind == Move {
			return EditIntent{Kind: IntentPan, Mode: mode, Delta: models.Vec{X: -delta.X, Y: -delta.Y}}
		}
	}
	return EditIntent{Kind: IntentNone, Mode: mode}
}
