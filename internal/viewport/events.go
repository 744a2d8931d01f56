package viewport

import (
	"context"
	"sync"
)

// Emitter receives viewport events. Implementations must not block.
type Emitter interface {
	Emit(ctx context.Context, event string, data any)
}

// Event names.
const (
	EventSurfaceDirty  = "surface.dirty"
	EventHistory       = "history.changed"
	EventModeChanged   = "mode.changed"
	EventSelection     = "selection.changed"
	EventViewChanged   = "view.changed"
	EventSaved         = "document.saved"
	EventSaveFailed    = "document.save_failed"
	EventDiscarded     = "document.discarded"
	EventBindingState  = "binding.state"
	EventPDFMismatch   = "binding.mismatch"
	EventIntegrityWarn = "integrity.warning"
)

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, string, any) {}

// Recorder is an Emitter that keeps every event, for tests and replay.
type Recorder struct {
	mu     sync.Mutex
	Events []Emitted
}

// Emitted is one recorded event.
type Emitted struct {
	Event string
	Data  any
}

func (r *Recorder) Emit(_ context.Context, event string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, Emitted{Event: event, Data: data})
}

// Names returns the recorded event names in order.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.Events))
	for i, e := range r.Events {
		out[i] = e.Event
	}
	return out
}
