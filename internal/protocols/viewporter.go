package protocols

import (
	"github.com/bnema/wlturbo/wl"
)

// Protocol interface names
const (
	ViewporterInterface = "wp_viewporter"
	ViewportInterface   = "wp_viewport"
)

// Viewporter is a bound wp_viewporter.
type Viewporter struct {
	wl.BaseProxy
}

// NewViewporter creates an unbound viewporter proxy for Registry.Bind.
func NewViewporter(ctx *wl.Context) *Viewporter {
	v := &Viewporter{}
	v.SetContext(ctx)
	return v
}

// GetViewport creates a viewport for surface. A surface has at most one.
func (v *Viewporter) GetViewport(surface *Surface) (*Viewport, error) {
	vp := &Viewport{}
	newObject(v.Context(), vp)

	// Opcode 1: get_viewport
	const opcode = 1
	if err := v.Context().SendRequest(v, opcode, vp, surface); err != nil {
		v.Context().Unregister(vp)
		return nil, err
	}
	return vp, nil
}

// Destroy destroys the viewporter
func (v *Viewporter) Destroy() error {
	// Opcode 0: destroy
	const opcode = 0
	err := v.Context().SendRequest(v, opcode)
	v.Context().Unregister(v)
	return err
}

// Dispatch handles incoming events (wp_viewporter has no events)
func (v *Viewporter) Dispatch(_ *wl.Event) {}

// Viewport is a wp_viewport.
type Viewport struct {
	wl.BaseProxy
}

// SetDestination sets the surface size in logical pixels; -1, -1 unsets it
func (vp *Viewport) SetDestination(width, height int32) error {
	// Opcode 2: set_destination
	const opcode = 2
	return vp.Context().SendRequest(vp, opcode, width, height)
}

// Destroy destroys the viewport
func (vp *Viewport) Destroy() error {
	// Opcode 0: destroy
	const opcode = 0
	err := vp.Context().SendRequest(vp, opcode)
	vp.Context().Unregister(vp)
	return err
}

// Dispatch handles incoming events (wp_viewport has no events)
func (vp *Viewport) Dispatch(_ *wl.Event) {}
