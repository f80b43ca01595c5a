// Package daemon runs the control loop: it reacts to display and workspace
// events and decides which buffer each output shows.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/bnema/waybg/internal/bufcache"
	"github.com/bnema/waybg/internal/compositor"
	"github.com/bnema/waybg/internal/display"
	"github.com/bnema/waybg/internal/logger"
	"github.com/bnema/waybg/internal/metrics"
	"github.com/bnema/waybg/internal/output"
	"github.com/bnema/waybg/internal/workspace"
)

// Deps are the collaborators of a Daemon.
type Deps struct {
	Backend  display.Backend
	Source   compositor.Source
	Resolver bufcache.Resolver
	Renderer bufcache.Renderer
	// Changes delivers canonical paths of modified wallpapers. Optional.
	Changes <-chan string
	Metrics *metrics.Metrics
	// Allocator overrides shared memory allocation in tests.
	Allocator bufcache.Allocator
}

// Options tune a Daemon.
type Options struct {
	// Baseline sticks to XRGB8888 even when BGR888 is offered.
	Baseline     bool
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// Daemon owns every piece of mutable state. All of it is touched only by the
// goroutine running Run.
type Daemon struct {
	backend  display.Backend
	source   compositor.Source
	cache    *bufcache.Cache
	outputs  *output.Registry
	tracker  *workspace.Tracker
	metrics  *metrics.Metrics
	changes  <-chan string
	baseline bool

	backoff    *backoff
	ipcEvents  <-chan compositor.Event
	ipcErr     <-chan error
	ipcCancel  context.CancelFunc
	ipcHealthy bool
	retry      *time.Timer
	retryC     <-chan time.Time
	resync     chan compositor.Event
}

// New wires a Daemon. Nothing runs until Run.
func New(deps Deps, opts Options) *Daemon {
	cacheOpts := []bufcache.Option{bufcache.WithMetrics(deps.Metrics)}
	if deps.Allocator != nil {
		cacheOpts = append(cacheOpts, bufcache.WithAllocator(deps.Allocator))
	}

	return &Daemon{
		backend:  deps.Backend,
		source:   deps.Source,
		cache:    bufcache.New(deps.Backend, deps.Resolver, deps.Renderer, cacheOpts...),
		outputs:  output.NewRegistry(),
		tracker:  workspace.NewTracker(),
		metrics:  deps.Metrics,
		changes:  deps.Changes,
		baseline: opts.Baseline,
		backoff:  newBackoff(opts.ReconnectMin, opts.ReconnectMax),
		resync:   make(chan compositor.Event, 1),
	}
}

// Run processes events until ctx is done or the display connection fails.
// Cancellation is a clean shutdown and returns nil.
func (d *Daemon) Run(ctx context.Context) error {
	logger.Info("Starting wallpaper daemon", "compositor", d.source.Name())
	d.connectIPC(ctx)
	defer d.shutdown()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down")
			return nil

		case ev, ok := <-d.backend.Events():
			if !ok {
				return errors.New("display event stream closed")
			}
			if err := d.handleDisplay(ctx, ev); err != nil {
				return err
			}

		case ev := <-d.ipcEvents:
			if !d.ipcHealthy {
				d.ipcHealthy = true
				if d.backoff.failures > 0 {
					logger.Info("Reconnected to compositor", "compositor", d.source.Name())
				}
				d.backoff.Reset()
			}
			d.handleWorkspace(ev)

		case err := <-d.ipcErr:
			d.ipcFailed(ctx, err)

		case <-d.retryC:
			d.retryC = nil
			d.connectIPC(ctx)

		case ev := <-d.resync:
			d.handleWorkspace(ev)

		case path := <-d.changes:
			d.reload(path)
		}
	}
}

func (d *Daemon) connectIPC(ctx context.Context) {
	ictx, cancel := context.WithCancel(ctx)
	// unbuffered: every event is consumed before the error that ends the stream
	events := make(chan compositor.Event)
	errc := make(chan error, 1)
	go func() { errc <- d.source.Subscribe(ictx, events) }()

	d.ipcEvents, d.ipcErr, d.ipcCancel = events, errc, cancel
	d.ipcHealthy = false
}

// ipcFailed drops the connection and schedules a reconnect. The tracked
// workspaces are kept so outputs go on showing the right image.
func (d *Daemon) ipcFailed(ctx context.Context, err error) {
	if d.ipcCancel != nil {
		d.ipcCancel()
	}
	d.ipcEvents, d.ipcErr, d.ipcCancel = nil, nil, nil
	if ctx.Err() != nil {
		return
	}

	delay := d.backoff.Next()
	logger.Warn("Compositor IPC lost", "compositor", d.source.Name(), "err", err, "retry_in", delay)
	d.metrics.IPCReconnect()
	if d.retry != nil {
		d.retry.Stop()
	}
	d.retry = time.NewTimer(delay)
	d.retryC = d.retry.C
}

// requery asks the compositor for the full picture, for instance after an
// output went away and workspaces moved.
func (d *Daemon) requery(ctx context.Context) {
	go func() {
		visible, err := d.source.VisibleWorkspaces(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("Failed to query visible workspaces", "err", err)
			}
			return
		}
		select {
		case d.resync <- compositor.Event{Kind: compositor.Snapshot, Visible: visible, Raw: "requery"}:
		case <-ctx.Done():
		}
	}()
}

func (d *Daemon) handleWorkspace(ev compositor.Event) {
	changes := d.tracker.OnEvent(ev)
	if len(changes) == 0 {
		logger.Debug("Workspace event without visible change", "kind", ev.Kind, "event", ev.Raw)
		return
	}
	for _, c := range changes {
		d.metrics.WorkspaceChanged()
		logger.Debug("Active workspace changed", "output", c.Output, "workspace", c.Workspace)
		if o, ok := d.outputs.Lookup(c.Output); ok {
			d.redraw(o, false)
		}
	}
}

func (d *Daemon) handleDisplay(ctx context.Context, ev display.Event) error {
	var err error
	switch e := ev.(type) {
	case display.OutputAdded:
		_, err = d.outputs.Add(e.Output)
		d.metrics.SetOutputs(d.outputs.Len())
	case display.OutputMode:
		err = d.outputs.SetMode(e.Output, e.Width, e.Height)
	case display.OutputScale:
		err = d.outputs.SetScale(e.Output, e.Factor)
	case display.OutputTransform:
		err = d.outputs.SetTransform(e.Output, e.Transform)
	case display.OutputName:
		err = d.outputs.SetName(e.Output, e.Name)
	case display.OutputDone:
		d.outputDone(e.Output)
	case display.OutputRemoved:
		d.removeOutput(ctx, e.Output)
	case display.SurfaceConfigure:
		d.configure(e)
	case display.SurfaceClosed:
		d.closed(e.Output)
	case display.BufferReleased:
		if _, ok := d.cache.Release(e.Buffer); !ok {
			logger.Debug("Release for unknown buffer", "buffer", e.Buffer)
		}
	case display.FormatSupported:
		d.formatSupported(e.Format)
	case display.ConnectionLost:
		return fmt.Errorf("display connection lost: %w", e.Err)
	}
	if err != nil {
		logger.Debug("Ignoring display event", "event", fmt.Sprintf("%T", ev), "err", err)
	}
	return nil
}

func namespace(name string) string {
	return "waybg_wallpaper_" + name
}

func (d *Daemon) outputDone(id display.OutputID) {
	c, err := d.outputs.Done(id)
	if err != nil {
		logger.Debug("Done for unknown output", "global", id)
		return
	}
	o := c.Output

	if o.Name == "" {
		if c.First {
			logger.Error("Output has no name, it will not get a wallpaper", "global", id)
		}
		return
	}
	if !o.Geometry.Valid() {
		return
	}

	if o.Surface == nil {
		if o.State != output.Unconfigured {
			return
		}
		s, err := d.backend.CreateSurface(id, namespace(o.Name))
		if err != nil {
			logger.Error("Failed to create wallpaper surface", "output", o.Name, "err", err)
			return
		}
		o.Surface = s
		w, h := o.Geometry.BufferSize()
		d.cache.SetGeometry(o.Name, w, h)
		logger.Info("Output added", "output", o.Name, "width", w, "height", h, "scale", o.Geometry.Scale)
		return
	}

	if c.Resized {
		d.resize(o)
	}
}

func (d *Daemon) resize(o *output.Output) {
	w, h := o.Geometry.BufferSize()
	logger.Info("Output geometry changed", "output", o.Name, "width", w, "height", h, "scale", o.Geometry.Scale)
	sized := d.cache.SetGeometry(o.Name, w, h)
	if o.State != output.Ready && o.State != output.Resizing {
		// the next configure applies it
		return
	}

	scaling := d.chooseScaling(o)
	if !sized && scaling == o.Scaling && o.State == output.Ready && d.cache.Attached(o.Name) != nil {
		// a scale-only change waits for the configure with the new logical size
		logger.Debug("Attached buffer still fits", "output", o.Name)
		return
	}

	if o.State == output.Ready {
		if err := d.outputs.Transition(o, output.Resizing); err != nil {
			logger.Debug("Resize skipped", "err", err)
			return
		}
	}
	d.applyScaling(o)
	if !d.redraw(o, true) {
		d.commit(o)
	}
}

func (d *Daemon) chooseScaling(o *output.Output) display.Scaling {
	w, h := o.Geometry.BufferSize()
	return output.ChooseScaling(w, h, o.LogicalWidth, o.LogicalHeight, o.Geometry.Scale, d.backend.HasViewporter())
}

func (d *Daemon) applyScaling(o *output.Output) {
	o.Scaling = d.chooseScaling(o)
	if err := o.Surface.SetScaling(o.Scaling); err != nil {
		logger.Warn("Failed to set surface scaling", "output", o.Name, "err", err)
	}
}

func (d *Daemon) configure(e display.SurfaceConfigure) {
	o, ok := d.outputs.Get(e.Output)
	if !ok || o.Surface == nil {
		logger.Debug("Stale configure", "global", e.Output, "serial", e.Serial)
		return
	}
	if err := o.Surface.AckConfigure(e.Serial); err != nil {
		logger.Warn("Failed to ack configure", "output", o.Name, "err", err)
		return
	}

	lw, lh := int32(e.Width), int32(e.Height)
	changed := lw != o.LogicalWidth || lh != o.LogicalHeight
	o.LogicalWidth, o.LogicalHeight = lw, lh

	if o.State == output.Unconfigured {
		d.applyScaling(o)
		w, h := o.Geometry.BufferSize()
		d.cache.SetGeometry(o.Name, w, h)
		if err := d.outputs.Transition(o, output.Ready); err != nil {
			logger.Debug("Configure skipped", "err", err)
			return
		}
		if !d.redraw(o, true) {
			d.commit(o)
		}
		return
	}

	if changed {
		d.applyScaling(o)
		if d.redraw(o, true) {
			return
		}
	}
	d.commit(o)
}

// commit makes an ack take effect when there is nothing new to attach.
func (d *Daemon) commit(o *output.Output) {
	if err := o.Surface.Commit(); err != nil {
		logger.Warn("Failed to commit", "output", o.Name, "err", err)
	}
}

func (d *Daemon) closed(id display.OutputID) {
	o, ok := d.outputs.Get(id)
	if !ok || o.Surface == nil {
		return
	}
	logger.Warn("Compositor closed the wallpaper surface", "output", o.Name)
	if err := o.Surface.Destroy(); err != nil {
		logger.Debug("Surface destroy failed", "output", o.Name, "err", err)
	}
	o.Surface = nil
	if err := d.cache.EvictOutput(o.Name); err != nil {
		logger.Debug("Evict failed", "output", o.Name, "err", err)
	}
	if err := d.outputs.Transition(o, output.Unconfigured); err != nil {
		logger.Debug("Close transition skipped", "err", err)
	}
}

// removeOutput tears down in order: surface, buffers and pool, then the
// wl_output itself.
func (d *Daemon) removeOutput(ctx context.Context, id display.OutputID) {
	o, ok := d.outputs.Get(id)
	if !ok {
		if err := d.backend.ReleaseOutput(id); err != nil {
			logger.Debug("Release of unknown output failed", "global", id, "err", err)
		}
		return
	}

	if o.Surface != nil {
		if err := o.Surface.Destroy(); err != nil {
			logger.Warn("Failed to destroy surface", "output", o.Name, "err", err)
		}
		o.Surface = nil
	}
	if o.Name != "" {
		if err := d.cache.EvictOutput(o.Name); err != nil {
			logger.Warn("Failed to free buffers", "output", o.Name, "err", err)
		}
	}
	if err := d.backend.ReleaseOutput(id); err != nil {
		logger.Warn("Failed to release output", "output", o.Name, "err", err)
	}
	if _, err := d.outputs.Remove(id); err != nil {
		logger.Debug("Remove failed", "err", err)
	}
	if o.Name != "" {
		d.tracker.Forget(o.Name)
	}
	d.metrics.SetOutputs(d.outputs.Len())
	logger.Info("Output removed", "output", o.Name)

	d.requery(ctx)
}

func (d *Daemon) formatSupported(f display.PixelFormat) {
	logger.Debug("Compositor supports format", "format", f)
	if d.baseline || f != display.FormatBGR888 || d.cache.Format() == display.FormatBGR888 {
		return
	}
	d.cache.SetFormat(display.FormatBGR888)
	logger.Debug("Using BGR888 buffers")
	for _, o := range d.outputs.All() {
		d.redraw(o, true)
	}
}

func (d *Daemon) reload(path string) {
	affected := d.cache.Reload(path)
	// a resize that failed to render is retried on any change
	for _, o := range d.outputs.All() {
		if o.State == output.Resizing && !slices.Contains(affected, o.Name) {
			affected = append(affected, o.Name)
		}
	}
	if len(affected) == 0 {
		return
	}
	logger.Info("Wallpaper changed on disk", "path", path, "outputs", len(affected))
	for _, name := range affected {
		if o, ok := d.outputs.Lookup(name); ok {
			d.redraw(o, false)
		}
	}
}

// redraw shows the wallpaper of the active workspace on o. Unless force is
// set, a buffer that is already attached is not committed again. When there
// is nothing to show, the surface keeps its content. It reports whether a
// commit was made.
func (d *Daemon) redraw(o *output.Output, force bool) bool {
	if o.Surface == nil || (o.State != output.Ready && o.State != output.Resizing) {
		return false
	}
	ws, _ := d.tracker.Active(o.Name)
	b, err := d.cache.Ensure(o.Name, ws)
	if err != nil {
		if errors.Is(err, bufcache.ErrNoWallpaper) {
			logger.Debug("No wallpaper", "output", o.Name, "workspace", ws)
			// no buffer of any size will come
			d.settle(o)
		} else {
			// a resizing output stays resizing until a redraw succeeds
			logger.Error("Failed to prepare wallpaper", "output", o.Name, "workspace", ws, "err", err)
		}
		return false
	}

	if !force && d.cache.Attached(o.Name) == b {
		d.metrics.RedrawSuppressed()
		d.settle(o)
		return false
	}

	if err := o.Surface.Attach(b.Handle(), b.Width, b.Height); err != nil {
		logger.Error("Failed to attach buffer", "output", o.Name, "err", err)
		return false
	}
	if err := o.Surface.Commit(); err != nil {
		logger.Error("Failed to commit", "output", o.Name, "err", err)
		return false
	}
	d.cache.MarkAttached(b)
	d.settle(o)
	d.metrics.Committed(o.Name)
	logger.Debug("Wallpaper committed", "output", o.Name, "workspace", ws, "path", b.Path)
	return true
}

// settle ends a resize once o shows a buffer of its new size.
func (d *Daemon) settle(o *output.Output) {
	if o.State != output.Resizing {
		return
	}
	if err := d.outputs.Transition(o, output.Ready); err != nil {
		logger.Warn("Failed to finish resize", "output", o.Name, "err", err)
	}
}

func (d *Daemon) shutdown() {
	if d.ipcCancel != nil {
		d.ipcCancel()
	}
	if d.retry != nil {
		d.retry.Stop()
	}
	for _, o := range d.outputs.All() {
		if o.Surface != nil {
			if err := o.Surface.Destroy(); err != nil {
				logger.Debug("Surface destroy failed", "output", o.Name, "err", err)
			}
			o.Surface = nil
		}
		if o.Name != "" {
			d.cache.EvictOutput(o.Name)
		}
	}
}
