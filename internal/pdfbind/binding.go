package pdfbind

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/starford/speedynote/internal/apperr"
	"github.com/starford/speedynote/internal/models"
)

// State is the lifecycle state of a binding.
type State string

const (
	// Unbound: no PDF was ever linked.
	Unbound State = "unbound"
	// Attached: the recorded file is present and matches its fingerprint.
	Attached State = "attached"
	// Detached: a PDF is recorded but cannot be used. Annotation keeps
	// working; backing pages are not rendered.
	Detached State = "detached"
)

// Outcome is the caller's answer to a fingerprint mismatch.
type Outcome int

const (
	Cancel Outcome = iota
	UseSelected
	ChooseDifferent
)

var outcomeNames = map[Outcome]string{
	Cancel:          "cancel",
	UseSelected:     "use_selected",
	ChooseDifferent: "choose_different",
}

func (o Outcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// ParseOutcome maps "use_selected", "choose_different" and "cancel" to an
// Outcome.
func ParseOutcome(s string) (Outcome, error) {
	for o, name := range outcomeNames {
		if name == s {
			return o, nil
		}
	}
	return Cancel, fmt.Errorf("pdfbind: unknown decision %q: %w", s, apperr.ErrInvalidArgument)
}

// Mismatch describes a selected file whose identity differs from the one
// recorded at link time.
type Mismatch struct {
	Recorded models.PDFSource `json:"recorded"`
	Selected models.PDFSource `json:"selected"`
}

// Decision answers a Mismatch. Path is the next file to try when Outcome
// is ChooseDifferent.
type Decision struct {
	Outcome Outcome
	Path    string
}

// Decider is consulted on every mismatch. The binding is untouched while it
// runs.
type Decider func(Mismatch) Decision

// Binding associates a document with its backing PDF. Link and Reopen are
// called by the document owner; RenderPage may be called from workers.
type Binding struct {
	mu     sync.Mutex
	state  State
	src    models.PDFSource
	info   Info
	gen    uint64
	cache  map[renderKey]*Backing
	logger *slog.Logger
}

// New returns an unbound binding.
func New(logger *slog.Logger) *Binding {
	if logger == nil {
		logger = slog.Default()
	}
	return &Binding{state: Unbound, cache: make(map[renderKey]*Backing), logger: logger}
}

// State returns the current state.
func (b *Binding) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Source returns the recorded file identity.
func (b *Binding) Source() models.PDFSource {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.src
}

// Info returns the page sizes of the attached file.
func (b *Binding) Info() Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.info
}

// Reopen restores a binding recorded in a saved document. A missing file or
// a file whose fingerprint changed leaves the binding Detached and returns
// the reason; the document stays usable either way.
func (b *Binding) Reopen(src models.PDFSource) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.src = src
	b.reset()
	if src.Path == "" {
		b.state = Unbound
		return nil
	}
	b.state = Detached
	cur, err := Fingerprint(src.Path)
	if err != nil {
		b.logger.Warn("pdfbind: backing pdf unavailable",
			slog.String("path", src.Path),
			slog.String("error", err.Error()))
		return err
	}
	if src.SHA256 != "" && (cur.SHA256 != src.SHA256 || cur.Size != src.Size) {
		b.logger.Warn("pdfbind: backing pdf changed", slog.String("path", src.Path))
		return fmt.Errorf("pdfbind: %s: %w", src.Path, apperr.ErrIdentityMismatch)
	}
	info, err := Inspect(src.Path)
	if err != nil {
		return err
	}
	b.info = info
	b.state = Attached
	return nil
}

// Link attaches the file at path. When a fingerprint is already recorded
// and the file differs, decide chooses what happens; nothing changes until
// it answers UseSelected. Cancel yields ErrLinkCancelled.
func (b *Binding) Link(path string, decide Decider) (models.PDFSource, Info, error) {
	for {
		sel, err := Fingerprint(path)
		if err != nil {
			return models.PDFSource{}, Info{}, err
		}
		info, err := Inspect(path)
		if err != nil {
			return models.PDFSource{}, Info{}, err
		}

		recorded := b.Source()
		if recorded.SHA256 == "" || (recorded.SHA256 == sel.SHA256 && recorded.Size == sel.Size) {
			b.adopt(sel, info)
			return sel, info, nil
		}
		if decide == nil {
			return models.PDFSource{}, Info{}, fmt.Errorf("pdfbind: %s: %w", path, apperr.ErrIdentityMismatch)
		}
		d := decide(Mismatch{Recorded: recorded, Selected: sel})
		switch d.Outcome {
		case UseSelected:
			b.adopt(sel, info)
			return sel, info, nil
		case ChooseDifferent:
			if d.Path == "" {
				return models.PDFSource{}, Info{}, fmt.Errorf("pdfbind: no file chosen: %w", apperr.ErrLinkCancelled)
			}
			path = d.Path
		default:
			return models.PDFSource{}, Info{}, apperr.ErrLinkCancelled
		}
	}
}

func (b *Binding) adopt(src models.PDFSource, info Info) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.src, b.info, b.state = src, info, Attached
	b.reset()
	b.logger.Info("pdfbind: attached",
		slog.String("path", src.Path),
		slog.String("sha256", src.SHA256))
}

// Detach marks the binding unusable, for instance after the file vanished.
func (b *Binding) Detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Attached {
		b.state = Detached
		b.reset()
	}
}

// reset drops cached renders and invalidates renders in flight.
func (b *Binding) reset() {
	b.gen++
	clear(b.cache)
}

// Generation changes whenever the binding does.
func (b *Binding) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gen
}

func (b *Binding) attachedSource() (models.PDFSource, uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Attached:
		return b.src, b.gen, nil
	case Detached:
		return models.PDFSource{}, 0, fmt.Errorf("pdfbind: %s: %w", b.src.Path, apperr.ErrDetached)
	}
	return models.PDFSource{}, 0, fmt.Errorf("pdfbind: no pdf linked: %w", apperr.ErrNotFound)
}
