package api

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/speedynote/internal/apperr"
	"github.com/starford/speedynote/internal/docservice"
	"github.com/starford/speedynote/internal/index"
	"github.com/starford/speedynote/internal/models"
	"github.com/starford/speedynote/internal/pdfbind"
	"github.com/starford/speedynote/internal/viewport"
)

// CreateNoteRequest is the request body for creating a note.
type CreateNoteRequest struct {
	Surface string  `json:"surface" example:"page:0" validate:"required"`
	X       float64 `json:"x" example:"120"`
	Y       float64 `json:"y" example:"80"`
	Title   string  `json:"title" example:"Reading list" validate:"required"`
	Body    string  `json:"body" example:"See [[other-note]]"`
}

// Validate checks the surface reference and the title.
func (r CreateNoteRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Surface, validation.Required, validation.By(isRef)),
		validation.Field(&r.Title, validation.Required),
	)
}

// UpdateNoteRequest is the request body for updating a note.
type UpdateNoteRequest struct {
	Title string `json:"title" example:"Reading list" validate:"required"`
	Body  string `json:"body" example:"Updated text"`
}

// Validate checks the title.
func (r UpdateNoteRequest) Validate() error {
	return validation.ValidateStruct(&r, validation.Field(&r.Title, validation.Required))
}

// NoteDetail is the full note response type (aliased from the domain layer).
type NoteDetail = docservice.NoteDetail

// NoteListResponse wraps note listings.
type NoteListResponse struct {
	Notes []NoteDetail `json:"notes" validate:"required"`
	Total int          `json:"total" example:"42" validate:"required"`
}

// SearchResponse wraps search results.
type SearchResponse struct {
	Results []index.SearchResult `json:"results" validate:"required"`
}

// InputRequest feeds pointer events under a mode.
type InputRequest struct {
	Mode   viewport.Mode    `json:"mode" example:"pen" validate:"required"`
	Events []viewport.Event `json:"events" validate:"required"`
}

// Validate checks the mode name.
func (r InputRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Mode, validation.Required, validation.By(func(v any) error {
			_, err := viewport.ParseMode(string(v.(viewport.Mode)))
			return err
		})),
	)
}

// InputResponse lists the intents the events produced.
type InputResponse struct {
	Intents []viewport.EditIntent `json:"intents"`
}

// ExportRequest asks for a flattened PDF written to Path on the local disk.
type ExportRequest struct {
	Path   string  `json:"path" example:"/tmp/out.pdf" validate:"required"`
	Range  string  `json:"range,omitempty" example:"1-3,5"`
	Preset string  `json:"preset,omitempty" example:"print"`
	DPI    float64 `json:"dpi,omitempty" example:"300"`
}

// Validate checks the output path, preset and DPI.
func (r ExportRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Path, validation.Required),
		validation.Field(&r.Preset, validation.In("screen", "draft", "print", "custom")),
		validation.Field(&r.DPI, validation.Min(0.0)),
	)
}

// LinkRequest links the backing PDF at Path. Decision answers a
// fingerprint mismatch: use_selected, choose_different (with Alternate)
// or cancel. Without one a mismatch is reported with 409.
type LinkRequest struct {
	Path      string `json:"path" example:"/home/me/paper.pdf" validate:"required"`
	Decision  string `json:"decision,omitempty" example:"use_selected"`
	Alternate string `json:"alternate,omitempty" example:"/home/me/paper-v2.pdf"`
}

// Validate checks the path and that choose_different names an alternate.
func (r LinkRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Path, validation.Required),
		validation.Field(&r.Decision, validation.In("use_selected", "choose_different", "cancel")),
		validation.Field(&r.Alternate, validation.When(r.Decision == "choose_different", validation.Required)),
	)
}

// decision converts the request's answer, nil when none was given.
func (r LinkRequest) decision() *pdfbind.Decision {
	if r.Decision == "" {
		return nil
	}
	o, _ := pdfbind.ParseOutcome(r.Decision)
	return &pdfbind.Decision{Outcome: o, Path: r.Alternate}
}

// LinkResponse is the binding after a link.
type LinkResponse = docservice.LinkResult

// LinkConflictResponse is returned with 409 when the file differs from the
// recorded one and no decision was given, or the decision cancelled.
type LinkConflictResponse struct {
	Error    string            `json:"error"`
	Kind     apperr.Kind       `json:"kind"`
	Mismatch *pdfbind.Mismatch `json:"mismatch,omitempty"`
}

// LayerRequest creates a layer.
type LayerRequest struct {
	Name string `json:"name" example:"Ink" validate:"required"`
}

// Validate checks the layer name.
func (r LayerRequest) Validate() error {
	return validation.ValidateStruct(&r, validation.Field(&r.Name, validation.Required, validation.Length(1, 120)))
}

// LayerPatch changes a layer. Absent fields are left alone.
type LayerPatch struct {
	Name    *string `json:"name,omitempty"`
	Visible *bool   `json:"visible,omitempty"`
}

// HistoryResponse reports the label of an undone or redone edit.
type HistoryResponse struct {
	Label string `json:"label" example:"Pen stroke"`
}

// AssetUploadResponse is returned after an image has been placed.
type AssetUploadResponse struct {
	ObjectID string `json:"object_id" validate:"required"`
	Size     int64  `json:"size" example:"12345" validate:"required"`
}

// FollowResponse is the resolved link target.
type FollowResponse = models.LinkTarget

func isRef(v any) error {
	_, err := models.ParseRef(v.(string))
	return err
}
