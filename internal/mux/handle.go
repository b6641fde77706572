package mux

import "github.com/GriffinCanCode/orchflow/internal/shared/id"

// Handle is an opaque per-pane reference owned by the backend that issued
// it. Callers store and pass it back; they never inspect it.
type Handle struct {
	kind Kind
	pane id.PaneID
	ref  any
}

// NewHandle is used by backends to issue a handle
func NewHandle(kind Kind, pane id.PaneID, ref any) Handle {
	return Handle{kind: kind, pane: pane, ref: ref}
}

// Kind returns the issuing backend kind
func (h Handle) Kind() Kind { return h.kind }

// PaneID returns the pane the handle refers to
func (h Handle) PaneID() id.PaneID { return h.pane }

// Ref returns the backend's private reference
func (h Handle) Ref() any { return h.ref }

// IsZero reports whether h was never issued
func (h Handle) IsZero() bool { return h.ref == nil && h.pane == "" }
