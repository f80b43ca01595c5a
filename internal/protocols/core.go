// Package protocols implements the client side of the Wayland interfaces
// the wallpaper surfaces need, on top of wlturbo's proxy machinery.
package protocols

import (
	"github.com/bnema/wlturbo/wl"
)

// Protocol interface names
const (
	CompositorInterface = "wl_compositor"
	ShmInterface        = "wl_shm"
	OutputInterface     = "wl_output"
)

// Shm formats
const (
	ShmFormatARGB8888 uint32 = 0
	ShmFormatXRGB8888 uint32 = 1
	ShmFormatBGR888   uint32 = 0x34324742
)

type object interface {
	wl.Proxy
	SetContext(ctx *wl.Context)
	SetID(id uint32)
}

// newObject gives p a fresh id and registers it for dispatch.
func newObject(ctx *wl.Context, p object) {
	p.SetContext(ctx)
	p.SetID(ctx.AllocateID())
	ctx.Register(p)
}

// Compositor is a bound wl_compositor.
type Compositor struct {
	wl.BaseProxy
}

// NewCompositor creates an unbound compositor proxy for Registry.Bind.
func NewCompositor(ctx *wl.Context) *Compositor {
	c := &Compositor{}
	c.SetContext(ctx)
	return c
}

// CreateSurface creates a new surface
func (c *Compositor) CreateSurface() (*Surface, error) {
	s := &Surface{}
	newObject(c.Context(), s)

	// Opcode 0: create_surface
	const opcode = 0
	if err := c.Context().SendRequest(c, opcode, s); err != nil {
		c.Context().Unregister(s)
		return nil, err
	}
	return s, nil
}

// CreateRegion creates a new region
func (c *Compositor) CreateRegion() (*Region, error) {
	r := &Region{}
	newObject(c.Context(), r)

	// Opcode 1: create_region
	const opcode = 1
	if err := c.Context().SendRequest(c, opcode, r); err != nil {
		c.Context().Unregister(r)
		return nil, err
	}
	return r, nil
}

// Dispatch handles incoming events (wl_compositor has no events)
func (c *Compositor) Dispatch(_ *wl.Event) {}

// Surface is a wl_surface.
type Surface struct {
	wl.BaseProxy
}

// Attach sets the pending buffer. A nil buffer detaches.
func (s *Surface) Attach(buffer *Buffer, x, y int32) error {
	// Opcode 1: attach
	const opcode = 1
	var b wl.Proxy
	if buffer != nil {
		b = buffer
	}
	return s.Context().SendRequest(s, opcode, b, x, y)
}

// SetInputRegion sets the pending input region. A nil region means infinite.
func (s *Surface) SetInputRegion(region *Region) error {
	// Opcode 5: set_input_region
	const opcode = 5
	var r wl.Proxy
	if region != nil {
		r = region
	}
	return s.Context().SendRequest(s, opcode, r)
}

// Commit applies the pending state
func (s *Surface) Commit() error {
	// Opcode 6: commit
	const opcode = 6
	return s.Context().SendRequest(s, opcode)
}

// SetBufferScale sets the integer scale of attached buffers (v3)
func (s *Surface) SetBufferScale(scale int32) error {
	// Opcode 8: set_buffer_scale
	const opcode = 8
	return s.Context().SendRequest(s, opcode, scale)
}

// DamageBuffer marks a rectangle of the buffer as changed (v4)
func (s *Surface) DamageBuffer(x, y, width, height int32) error {
	// Opcode 9: damage_buffer
	const opcode = 9
	return s.Context().SendRequest(s, opcode, x, y, width, height)
}

// Destroy destroys the surface
func (s *Surface) Destroy() error {
	// Opcode 0: destroy
	const opcode = 0
	err := s.Context().SendRequest(s, opcode)
	s.Context().Unregister(s)
	return err
}

// Dispatch handles enter and leave, which a background surface ignores.
func (s *Surface) Dispatch(_ *wl.Event) {}

// Region is a wl_region.
type Region struct {
	wl.BaseProxy
}

// Add adds a rectangle to the region
func (r *Region) Add(x, y, width, height int32) error {
	// Opcode 1: add
	const opcode = 1
	return r.Context().SendRequest(r, opcode, x, y, width, height)
}

// Destroy destroys the region
func (r *Region) Destroy() error {
	// Opcode 0: destroy
	const opcode = 0
	err := r.Context().SendRequest(r, opcode)
	r.Context().Unregister(r)
	return err
}

// Dispatch handles incoming events (wl_region has no events)
func (r *Region) Dispatch(_ *wl.Event) {}

// Shm is a bound wl_shm.
type Shm struct {
	wl.BaseProxy
	formatHandler func(format uint32)
}

// NewShm creates an unbound shm proxy for Registry.Bind.
func NewShm(ctx *wl.Context) *Shm {
	s := &Shm{}
	s.SetContext(ctx)
	return s
}

// SetFormatHandler sets the handler for announced pixel formats
func (s *Shm) SetFormatHandler(handler func(format uint32)) {
	s.formatHandler = handler
}

// CreatePool creates a pool backed by fd. The fd is sent out of band and
// stays owned by the caller.
func (s *Shm) CreatePool(fd int, size int32) (*ShmPool, error) {
	p := &ShmPool{}
	newObject(s.Context(), p)

	// Opcode 0: create_pool
	const opcode = 0
	if err := s.Context().SendRequestWithFDs(s, opcode, []int{fd}, p, uintptr(fd), size); err != nil {
		s.Context().Unregister(p)
		return nil, err
	}
	return p, nil
}

// Dispatch handles incoming events
func (s *Shm) Dispatch(event *wl.Event) {
	switch event.Opcode {
	case 0: // format
		format := event.Uint32()
		if s.formatHandler != nil {
			s.formatHandler(format)
		}
	}
}

// ShmPool is a wl_shm_pool.
type ShmPool struct {
	wl.BaseProxy
}

// CreateBuffer creates a buffer over a slice of the pool
func (p *ShmPool) CreateBuffer(offset, width, height, stride int32, format uint32) (*Buffer, error) {
	b := &Buffer{}
	newObject(p.Context(), b)

	// Opcode 0: create_buffer
	const opcode = 0
	if err := p.Context().SendRequest(p, opcode, b, offset, width, height, stride, format); err != nil {
		p.Context().Unregister(b)
		return nil, err
	}
	return b, nil
}

// Resize grows the pool to size bytes
func (p *ShmPool) Resize(size int32) error {
	// Opcode 2: resize
	const opcode = 2
	return p.Context().SendRequest(p, opcode, size)
}

// Destroy destroys the pool. Buffers created from it stay valid.
func (p *ShmPool) Destroy() error {
	// Opcode 1: destroy
	const opcode = 1
	err := p.Context().SendRequest(p, opcode)
	p.Context().Unregister(p)
	return err
}

// Dispatch handles incoming events (wl_shm_pool has no events)
func (p *ShmPool) Dispatch(_ *wl.Event) {}

// Buffer is a wl_buffer.
type Buffer struct {
	wl.BaseProxy
	releaseHandler func()
}

// SetReleaseHandler sets the handler called when the compositor no longer reads the buffer
func (b *Buffer) SetReleaseHandler(handler func()) {
	b.releaseHandler = handler
}

// Destroy destroys the buffer
func (b *Buffer) Destroy() error {
	// Opcode 0: destroy
	const opcode = 0
	err := b.Context().SendRequest(b, opcode)
	b.Context().Unregister(b)
	return err
}

// Dispatch handles incoming events
func (b *Buffer) Dispatch(event *wl.Event) {
	switch event.Opcode {
	case 0: // release
		if b.releaseHandler != nil {
			b.releaseHandler()
		}
	}
}

// Output is a bound wl_output.
type Output struct {
	wl.BaseProxy
	geometryHandler func(transform int32)
	modeHandler     func(flags uint32, width, height int32)
	doneHandler     func()
	scaleHandler    func(factor int32)
	nameHandler     func(name string)
}

// Output mode flags
const (
	OutputModeCurrent uint32 = 0x1
)

// NewOutput creates an unbound output proxy for Registry.Bind.
func NewOutput(ctx *wl.Context) *Output {
	o := &Output{}
	o.SetContext(ctx)
	return o
}

// SetGeometryHandler sets the handler for geometry; only the transform is kept
func (o *Output) SetGeometryHandler(handler func(transform int32)) {
	o.geometryHandler = handler
}

// SetModeHandler sets the handler for mode events
func (o *Output) SetModeHandler(handler func(flags uint32, width, height int32)) {
	o.modeHandler = handler
}

// SetDoneHandler sets the handler for done events
func (o *Output) SetDoneHandler(handler func()) {
	o.doneHandler = handler
}

// SetScaleHandler sets the handler for scale events
func (o *Output) SetScaleHandler(handler func(factor int32)) {
	o.scaleHandler = handler
}

// SetNameHandler sets the handler for name events (v4)
func (o *Output) SetNameHandler(handler func(name string)) {
	o.nameHandler = handler
}

// Release releases the output (v3)
func (o *Output) Release() error {
	// Opcode 0: release
	const opcode = 0
	err := o.Context().SendRequest(o, opcode)
	o.Context().Unregister(o)
	return err
}

// Dispatch handles incoming events
func (o *Output) Dispatch(event *wl.Event) {
	switch event.Opcode {
	case 0: // geometry
		_ = event.Int32()  // x
		_ = event.Int32()  // y
		_ = event.Int32()  // physical_width
		_ = event.Int32()  // physical_height
		_ = event.Int32()  // subpixel
		_ = event.String() // make
		_ = event.String() // model
		transform := event.Int32()
		if o.geometryHandler != nil {
			o.geometryHandler(transform)
		}
	case 1: // mode
		flags := event.Uint32()
		width := event.Int32()
		height := event.Int32()
		_ = event.Int32() // refresh
		if o.modeHandler != nil {
			o.modeHandler(flags, width, height)
		}
	case 2: // done
		if o.doneHandler != nil {
			o.doneHandler()
		}
	case 3: // scale
		factor := event.Int32()
		if o.scaleHandler != nil {
			o.scaleHandler(factor)
		}
	case 4: // name
		name := event.String()
		if o.nameHandler != nil {
			o.nameHandler(name)
		}
	}
}
