// Package wayland is the display connection: registry and globals, output
// hotplug, layer surfaces and shm pools. Client implements display.Backend.
package wayland

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bnema/wlturbo/wl"

	"github.com/bnema/waybg/internal/display"
	"github.com/bnema/waybg/internal/logger"
	"github.com/bnema/waybg/internal/protocols"
)

// ErrMissingGlobal is returned when the compositor lacks a required global.
var ErrMissingGlobal = errors.New("required wayland global missing")

const eventBuffer = 256

type global struct {
	name    uint32
	version uint32
}

// requirement is a global the daemon cannot run without.
type requirement struct {
	iface      string
	minVersion uint32
}

var required = []requirement{
	{protocols.CompositorInterface, 4},
	{protocols.ShmInterface, 1},
	{protocols.LayerShellInterface, 1},
}

// checkGlobals reports every missing or too old required global.
func checkGlobals(globals map[string]global) error {
	var errs []error
	for _, r := range required {
		g, ok := globals[r.iface]
		switch {
		case !ok:
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissingGlobal, r.iface))
		case g.version < r.minVersion:
			errs = append(errs, fmt.Errorf("%w: %s v%d (compositor has v%d)", ErrMissingGlobal, r.iface, r.minVersion, g.version))
		}
	}
	return errors.Join(errs...)
}

func bindVersion(offered, max uint32) uint32 {
	return min(offered, max)
}

type boundOutput struct {
	proxy   *protocols.Output
	version uint32
}

// Client is a connection to the Wayland display.
type Client struct {
	display  *wl.Display
	ctx      *wl.Context
	registry *wl.Registry

	globals    map[string]global
	compositor *protocols.Compositor
	shm        *protocols.Shm
	layerShell *protocols.LayerShell
	viewporter *protocols.Viewporter

	mu      sync.Mutex
	outputs map[display.OutputID]*boundOutput

	events  chan display.Event
	backlog []display.Event
	started bool

	done      chan struct{}
	closeOnce sync.Once
}

// Connect connects to $WAYLAND_DISPLAY, binds the globals and collects the
// initial output state. Events are queued until Start.
func Connect() (*Client, error) {
	d, err := wl.Connect("")
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Wayland display: %w", err)
	}

	c := &Client{
		display: d,
		ctx:     d.Context(),
		globals: make(map[string]global),
		outputs: make(map[display.OutputID]*boundOutput),
		events:  make(chan display.Event, eventBuffer),
		done:    make(chan struct{}),
	}

	c.registry = d.GetRegistry()
	c.registry.AddGlobalHandler(c)
	c.registry.AddGlobalRemoveHandler(c)

	if err := d.Roundtrip(); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to get initial globals: %w", err)
	}
	if err := checkGlobals(c.globals); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.bindGlobals(); err != nil {
		c.Close()
		return nil, err
	}

	// formats, then output properties
	for range 2 {
		if err := d.Roundtrip(); err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to collect initial state: %w", err)
		}
	}
	return c, nil
}

func (c *Client) bindGlobals() error {
	g := c.globals[protocols.CompositorInterface]
	c.compositor = protocols.NewCompositor(c.ctx)
	if err := c.registry.Bind(g.name, protocols.CompositorInterface, bindVersion(g.version, 4), c.compositor); err != nil {
		return fmt.Errorf("failed to bind wl_compositor: %w", err)
	}

	g = c.globals[protocols.ShmInterface]
	c.shm = protocols.NewShm(c.ctx)
	c.shm.SetFormatHandler(func(format uint32) {
		c.emit(display.FormatSupported{Format: display.PixelFormat(format)})
	})
	if err := c.registry.Bind(g.name, protocols.ShmInterface, 1, c.shm); err != nil {
		return fmt.Errorf("failed to bind wl_shm: %w", err)
	}

	g = c.globals[protocols.LayerShellInterface]
	c.layerShell = protocols.NewLayerShell(c.ctx)
	if err := c.registry.Bind(g.name, protocols.LayerShellInterface, bindVersion(g.version, 4), c.layerShell); err != nil {
		return fmt.Errorf("failed to bind zwlr_layer_shell_v1: %w", err)
	}

	if g, ok := c.globals[protocols.ViewporterInterface]; ok {
		vp := protocols.NewViewporter(c.ctx)
		if err := c.registry.Bind(g.name, protocols.ViewporterInterface, 1, vp); err != nil {
			logger.Warnf("Failed to bind wp_viewporter, fractional scales will be approximated: %v", err)
		} else {
			c.viewporter = vp
		}
	}
	return nil
}

// HandleRegistryGlobal implements wl.RegistryGlobalHandler
func (c *Client) HandleRegistryGlobal(event wl.RegistryGlobalEvent) {
	switch event.Interface {
	case protocols.OutputInterface:
		c.bindOutput(event)
	case protocols.CompositorInterface, protocols.ShmInterface,
		protocols.LayerShellInterface, protocols.ViewporterInterface:
		if _, ok := c.globals[event.Interface]; !ok {
			c.globals[event.Interface] = global{name: event.Name, version: event.Version}
		}
	}
}

func (c *Client) bindOutput(event wl.RegistryGlobalEvent) {
	id := display.OutputID(event.Name)
	o := protocols.NewOutput(c.ctx)
	o.SetModeHandler(func(flags uint32, width, height int32) {
		if flags&protocols.OutputModeCurrent != 0 {
			c.emit(display.OutputMode{Output: id, Width: width, Height: height})
		}
	})
	o.SetGeometryHandler(func(transform int32) {
		c.emit(display.OutputTransform{Output: id, Transform: display.Transform(transform)})
	})
	o.SetScaleHandler(func(factor int32) {
		c.emit(display.OutputScale{Output: id, Factor: factor})
	})
	o.SetNameHandler(func(name string) {
		c.emit(display.OutputName{Output: id, Name: name})
	})
	o.SetDoneHandler(func() {
		c.emit(display.OutputDone{Output: id})
	})

	version := bindVersion(event.Version, 4)
	if err := c.registry.Bind(event.Name, protocols.OutputInterface, version, o); err != nil {
		logger.Errorf("Failed to bind wl_output %d: %v", event.Name, err)
		return
	}

	c.mu.Lock()
	c.outputs[id] = &boundOutput{proxy: o, version: version}
	c.mu.Unlock()

	logger.Debug("Bound output", "global", event.Name, "version", version)
	c.emit(display.OutputAdded{Output: id})
}

// HandleRegistryGlobalRemove implements wl.RegistryGlobalRemoveHandler
func (c *Client) HandleRegistryGlobalRemove(event wl.RegistryGlobalRemoveEvent) {
	id := display.OutputID(event.Name)
	c.mu.Lock()
	_, isOutput := c.outputs[id]
	c.mu.Unlock()

	if isOutput {
		c.emit(display.OutputRemoved{Output: id})
		return
	}
	for iface, g := range c.globals {
		if g.name == event.Name {
			logger.Warn("Compositor removed a global in use", "interface", iface)
		}
	}
}

// emit hands ev to the control loop. Before Start, events are kept in order
// and flushed by the reader goroutine.
func (c *Client) emit(ev display.Event) {
	if !c.started {
		c.backlog = append(c.backlog, ev)
		return
	}
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// Start launches the reader goroutine. Events become available on Events.
func (c *Client) Start() {
	c.started = true
	backlog := c.backlog
	c.backlog = nil

	go func() {
		for _, ev := range backlog {
			select {
			case c.events <- ev:
			case <-c.done:
				return
			}
		}
		for {
			if err := c.display.Dispatch(); err != nil {
				select {
				case <-c.done:
				default:
					c.emit(display.ConnectionLost{Err: err})
				}
				return
			}
		}
	}()
}

// Events implements display.Backend.
func (c *Client) Events() <-chan display.Event {
	return c.events
}

// HasViewporter implements display.Backend.
func (c *Client) HasViewporter() bool {
	return c.viewporter != nil
}

// CreateSurface implements display.Backend: a background layer surface
// anchored to every edge, with an empty input region, committed without a
// buffer so the compositor sends the first configure.
func (c *Client) CreateSurface(output display.OutputID, namespace string) (display.Surface, error) {
	c.mu.Lock()
	bo, ok := c.outputs[output]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("output %d is not bound", output)
	}

	ws, err := c.compositor.CreateSurface()
	if err != nil {
		return nil, fmt.Errorf("failed to create surface: %w", err)
	}
	s := &surface{client: c, output: output, wl: ws}

	s.layer, err = c.layerShell.GetLayerSurface(ws, bo.proxy, protocols.LayerBackground, namespace)
	if err != nil {
		ws.Destroy()
		return nil, fmt.Errorf("failed to get layer surface: %w", err)
	}
	s.layer.SetConfigureHandler(func(serial, width, height uint32) {
		c.emit(display.SurfaceConfigure{Output: output, Serial: serial, Width: width, Height: height})
	})
	s.layer.SetClosedHandler(func() {
		c.emit(display.SurfaceClosed{Output: output})
	})

	if err := s.setup(); err != nil {
		s.Destroy()
		return nil, err
	}
	return s, nil
}

// CreatePool implements display.Backend.
func (c *Client) CreatePool(fd int, size int32) (display.Pool, error) {
	p, err := c.shm.CreatePool(fd, size)
	if err != nil {
		return nil, fmt.Errorf("failed to create shm pool: %w", err)
	}
	return &pool{client: c, wl: p}, nil
}

// ReleaseOutput implements display.Backend.
func (c *Client) ReleaseOutput(output display.OutputID) error {
	c.mu.Lock()
	bo, ok := c.outputs[output]
	delete(c.outputs, output)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if bo.version < 3 {
		c.ctx.Unregister(bo.proxy)
		return nil
	}
	return bo.proxy.Release()
}

// Close disconnects from the display. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ctx != nil {
			err = c.ctx.Close()
		}
	})
	return err
}
