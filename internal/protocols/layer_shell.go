package protocols

import (
	"github.com/bnema/wlturbo/wl"
)

// Protocol interface names
const (
	LayerShellInterface   = "zwlr_layer_shell_v1"
	LayerSurfaceInterface = "zwlr_layer_surface_v1"
)

// Layers
const (
	LayerBackground uint32 = 0
	LayerBottom     uint32 = 1
	LayerTop        uint32 = 2
	LayerOverlay    uint32 = 3
)

// Anchor edges
const (
	AnchorTop    uint32 = 1
	AnchorBottom uint32 = 2
	AnchorLeft   uint32 = 4
	AnchorRight  uint32 = 8
	AnchorAll           = AnchorTop | AnchorBottom | AnchorLeft | AnchorRight
)

// Keyboard interactivity
const (
	KeyboardInteractivityNone uint32 = 0
)

// LayerShell is a bound zwlr_layer_shell_v1.
type LayerShell struct {
	wl.BaseProxy
}

// NewLayerShell creates an unbound layer shell proxy for Registry.Bind.
func NewLayerShell(ctx *wl.Context) *LayerShell {
	l := &LayerShell{}
	l.SetContext(ctx)
	return l
}

// GetLayerSurface assigns the layer role to surface on output
func (l *LayerShell) GetLayerSurface(surface *Surface, output *Output, layer uint32, namespace string) (*LayerSurface, error) {
	ls := &LayerSurface{}
	newObject(l.Context(), ls)

	// Opcode 0: get_layer_surface
	const opcode = 0
	var o wl.Proxy
	if output != nil {
		o = output
	}
	if err := l.Context().SendRequest(l, opcode, ls, surface, o, layer, namespace); err != nil {
		l.Context().Unregister(ls)
		return nil, err
	}
	return ls, nil
}

// Destroy destroys the layer shell (v3)
func (l *LayerShell) Destroy() error {
	// Opcode 1: destroy
	const opcode = 1
	err := l.Context().SendRequest(l, opcode)
	l.Context().Unregister(l)
	return err
}

// Dispatch handles incoming events (zwlr_layer_shell_v1 has no events)
func (l *LayerShell) Dispatch(_ *wl.Event) {}

// LayerSurface is a zwlr_layer_surface_v1.
type LayerSurface struct {
	wl.BaseProxy
	configureHandler func(serial, width, height uint32)
	closedHandler    func()
}

// SetConfigureHandler sets the handler for configure events
func (s *LayerSurface) SetConfigureHandler(handler func(serial, width, height uint32)) {
	s.configureHandler = handler
}

// SetClosedHandler sets the handler for closed events
func (s *LayerSurface) SetClosedHandler(handler func()) {
	s.closedHandler = handler
}

// SetSize sets the size; zero along an axis anchored on both edges fills it
func (s *LayerSurface) SetSize(width, height uint32) error {
	// Opcode 0: set_size
	const opcode = 0
	return s.Context().SendRequest(s, opcode, width, height)
}

// SetAnchor anchors the surface to the given edges
func (s *LayerSurface) SetAnchor(anchor uint32) error {
	// Opcode 1: set_anchor
	const opcode = 1
	return s.Context().SendRequest(s, opcode, anchor)
}

// SetExclusiveZone sets the exclusive zone; -1 ignores other surfaces' zones
func (s *LayerSurface) SetExclusiveZone(zone int32) error {
	// Opcode 2: set_exclusive_zone
	const opcode = 2
	return s.Context().SendRequest(s, opcode, zone)
}

// SetKeyboardInteractivity sets keyboard focus behaviour
func (s *LayerSurface) SetKeyboardInteractivity(mode uint32) error {
	// Opcode 4: set_keyboard_interactivity
	const opcode = 4
	return s.Context().SendRequest(s, opcode, mode)
}

// AckConfigure acknowledges a configure event
func (s *LayerSurface) AckConfigure(serial uint32) error {
	// Opcode 6: ack_configure
	const opcode = 6
	return s.Context().SendRequest(s, opcode, serial)
}

// Destroy destroys the layer surface
func (s *LayerSurface) Destroy() error {
	// Opcode 7: destroy
	const opcode = 7
	err := s.Context().SendRequest(s, opcode)
	s.Context().Unregister(s)
	return err
}

// Dispatch handles incoming events
func (s *LayerSurface) Dispatch(event *wl.Event) {
	switch event.Opcode {
	case 0: // configure
		serial := event.Uint32()
		width := event.Uint32()
		height := event.Uint32()
		if s.configureHandler != nil {
			s.configureHandler(serial, width, height)
		}
	case 1: // closed
		if s.closedHandler != nil {
			s.closedHandler()
		}
	}
}
