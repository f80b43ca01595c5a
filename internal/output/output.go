// Package output tracks connected outputs and their surface lifecycle.
package output

import (
	"errors"
	"fmt"
	"sort"

	"github.com/bnema/waybg/internal/display"
)

// State of an output's wallpaper surface.
type State int

const (
	// Unconfigured outputs have no committed buffer yet.
	Unconfigured State = iota
	Ready
	// Resizing outputs changed geometry and wait for a buffer of the new size.
	Resizing
	Removed
)

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case Ready:
		return "ready"
	case Resizing:
		return "resizing"
	case Removed:
		return "removed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrUnknownOutput     = errors.New("unknown output")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Geometry is what wl_output reports about pixels.
type Geometry struct {
	// Current mode in hardware pixels, before the transform.
	Width     int32
	Height    int32
	Scale     int32
	Transform display.Transform
}

// BufferSize returns the pixel size a full-screen buffer needs.
func (g Geometry) BufferSize() (width, height int32) {
	if g.Transform.SwapsAxes() {
		return g.Height, g.Width
	}
	return g.Width, g.Height
}

// Valid reports whether a mode has been received.
func (g Geometry) Valid() bool {
	return g.Width > 0 && g.Height > 0
}

// Output is one wl_output and the surface drawn on it.
type Output struct {
	ID    display.OutputID
	Name  string
	State State

	// Geometry is the last complete configuration applied on done.
	Geometry Geometry

	// Logical size from the latest layer surface configure.
	LogicalWidth  int32
	LogicalHeight int32
	Scaling       display.Scaling
	Surface       display.Surface

	pending     Geometry
	pendingName string
	configured  bool
}

// Configured reports whether at least one done event was applied.
func (o *Output) Configured() bool {
	return o.configured
}

// Change describes what a done event applied.
type Change struct {
	Output *Output
	// First is set for the first done of the output.
	First bool
	// Resized is set when the buffer size or scale changed on a later done.
	Resized bool
}

// Registry holds the outputs by id.
type Registry struct {
	byID map[display.OutputID]*Output
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[display.OutputID]*Output)}
}

// Add registers a newly bound output.
func (r *Registry) Add(id display.OutputID) (*Output, error) {
	if _, ok := r.byID[id]; ok {
		return nil, fmt.Errorf("output %d already registered", id)
	}
	o := &Output{
		ID:      id,
		State:   Unconfigured,
		pending: Geometry{Scale: 1},
	}
	r.byID[id] = o
	return o, nil
}

// Get returns the output with id.
func (r *Registry) Get(id display.OutputID) (*Output, bool) {
	o, ok := r.byID[id]
	return o, ok
}

// Lookup finds an output by connector name.
func (r *Registry) Lookup(name string) (*Output, bool) {
	for _, o := range r.byID {
		if o.Name == name && o.configured {
			return o, true
		}
	}
	return nil, false
}

func (r *Registry) get(id display.OutputID) (*Output, error) {
	o, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownOutput, id)
	}
	return o, nil
}

// SetMode buffers the current mode until the next done.
func (r *Registry) SetMode(id display.OutputID, width, height int32) error {
	o, err := r.get(id)
	if err != nil {
		return err
	}
	o.pending.Width, o.pending.Height = width, height
	return nil
}

// SetScale buffers the scale factor until the next done.
func (r *Registry) SetScale(id display.OutputID, factor int32) error {
	o, err := r.get(id)
	if err != nil {
		return err
	}
	if factor < 1 {
		factor = 1
	}
	o.pending.Scale = factor
	return nil
}

// SetTransform buffers the transform until the next done.
func (r *Registry) SetTransform(id display.OutputID, t display.Transform) error {
	o, err := r.get(id)
	if err != nil {
		return err
	}
	o.pending.Transform = t
	return nil
}

// SetName buffers the connector name until the next done.
func (r *Registry) SetName(id display.OutputID, name string) error {
	o, err := r.get(id)
	if err != nil {
		return err
	}
	o.pendingName = name
	return nil
}

// Done applies the buffered properties at once.
func (r *Registry) Done(id display.OutputID) (Change, error) {
	o, err := r.get(id)
	if err != nil {
		return Change{}, err
	}

	prev := o.Geometry
	first := !o.configured

	o.Geometry = o.pending
	if o.pendingName != "" && (first || o.Name == "") {
		o.Name = o.pendingName
	}
	o.configured = true

	c := Change{Output: o, First: first}
	if !first {
		pw, ph := prev.BufferSize()
		nw, nh := o.Geometry.BufferSize()
		c.Resized = pw != nw || ph != nh || prev.Scale != o.Geometry.Scale
	}
	return c, nil
}

// Transition moves o to state to. Removed is terminal.
func (r *Registry) Transition(o *Output, to State) error {
	if !allowed(o.State, to) {
		return fmt.Errorf("%w: %s from %s to %s", ErrInvalidTransition, o.Name, o.State, to)
	}
	o.State = to
	return nil
}

func allowed(from, to State) bool {
	if from == Removed {
		return false
	}
	switch to {
	case Removed:
		return true
	case Ready:
		return from == Unconfigured || from == Resizing
	case Resizing:
		return from == Ready
	case Unconfigured:
		// the compositor closed the surface
		return from == Ready || from == Resizing
	}
	return false
}

// Remove marks the output Removed and drops it.
func (r *Registry) Remove(id display.OutputID) (*Output, error) {
	o, err := r.get(id)
	if err != nil {
		return nil, err
	}
	o.State = Removed
	delete(r.byID, id)
	return o, nil
}

// All returns the outputs sorted by name, then id.
func (r *Registry) All() []*Output {
	all := make([]*Output, 0, len(r.byID))
	for _, o := range r.byID {
		all = append(all, o)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Name != all[j].Name {
			return all[i].Name < all[j].Name
		}
		return all[i].ID < all[j].ID
	})
	return all
}

// Len returns the number of outputs.
func (r *Registry) Len() int {
	return len(r.byID)
}
