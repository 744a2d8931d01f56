// Package apperr holds the sentinel errors shared across the engine and a
// classifier that maps any wrapped error onto its taxonomy kind.
package apperr

import "errors"

// Not Found.
var (
	ErrNotFound     = errors.New("not found")
	ErrMissingFile  = errors.New("backing file missing")
	ErrUnresolvable = errors.New("link target unresolvable")
	ErrDetached     = errors.New("pdf binding detached")
)

// Format Invalid.
var (
	ErrFormatInvalid     = errors.New("format invalid")
	ErrNotPDF            = errors.New("not a pdf file")
	ErrPasswordProtected = errors.New("password-protected pdf")
)

// Identity Mismatch.
var ErrIdentityMismatch = errors.New("pdf fingerprint mismatch")

// Resource Exhausted.
var ErrResourceExhausted = errors.New("too many pending converted files")

// Transient Tool Failure.
var (
	ErrToolMissing = errors.New("converter tool missing")
	ErrToolTimeout = errors.New("converter timed out")
	ErrToolFailed  = errors.New("converter exited with error")
	ErrToolEmpty   = errors.New("converter produced no output")
)

// Invalid Argument.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrViewTooLarge    = errors.New("view covers too many tiles")
)

// Integrity Warning.
var ErrIntegrity = errors.New("corrupt data recovered as empty")

// Rejected edits. None of these leave partial state behind.
var (
	ErrInvalidSelection = errors.New("invalid selection")
	ErrLastPage         = errors.New("cannot delete last page")
	ErrLastLayer        = errors.New("cannot remove last layer")
	ErrWrongKind        = errors.New("operation not supported for document kind")
	ErrSlotOccupied     = errors.New("slot occupied")
	ErrTileDirty        = errors.New("tile has unsaved edits")
	ErrTileVisible      = errors.New("tile inside prefetch margin")
	ErrNothingToUndo    = errors.New("nothing to undo")
	ErrNothingToRedo    = errors.New("nothing to redo")
	ErrLinkCancelled    = errors.New("pdf link cancelled")
	ErrConflict         = errors.New("conflict")
	ErrAlreadyExists    = errors.New("already exists")
)

// Kind is a coarse error class used by transports to choose a status.
type Kind string

const (
	KindUnknown          Kind = "unknown"
	KindNotFound         Kind = "not_found"
	KindFormatInvalid    Kind = "format_invalid"
	KindIdentityMismatch Kind = "identity_mismatch"
	KindResource         Kind = "resource_exhausted"
	KindTransientTool    Kind = "transient_tool_failure"
	KindIntegrity        Kind = "integrity_warning"
	KindRejected         Kind = "rejected"
	KindInvalid          Kind = "invalid_argument"
)

var classes = []struct {
	kind Kind
	errs []error
}{
	{KindNotFound, []error{ErrNotFound, ErrMissingFile, ErrUnresolvable, ErrDetached}},
	{KindFormatInvalid, []error{ErrFormatInvalid, ErrNotPDF, ErrPasswordProtected}},
	{KindIdentityMismatch, []error{ErrIdentityMismatch}},
	{KindResource, []error{ErrResourceExhausted}},
	{KindTransientTool, []error{ErrToolMissing, ErrToolTimeout, ErrToolFailed, ErrToolEmpty}},
	{KindIntegrity, []error{ErrIntegrity}},
	{KindInvalid, []error{ErrInvalidArgument, ErrViewTooLarge}},
	{KindRejected, []error{
		ErrInvalidSelection, ErrLastPage, ErrLastLayer, ErrWrongKind, ErrSlotOccupied,
		ErrTileDirty, ErrTileVisible, ErrNothingToUndo, ErrNothingToRedo,
		ErrLinkCancelled, ErrConflict, ErrAlreadyExists,
	}},
}

// KindOf classifies err. Nil maps to the empty Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, c := range classes {
		for _, target := range c.errs {
			if errors.Is(err, target) {
				return c.kind
			}
		}
	}
	return KindUnknown
}
