// Package bufcache owns the rendered wallpaper buffers of every output.
//
// Each output has a shared memory pool carved into equally sized slots, one
// per rendered image. A buffer is never destroyed, and its slot never reused,
// while it is attached to a surface or the compositor has not released it.
// A geometry change retires every buffer of the output and starts a new pool;
// the old pool lives until its last buffer is gone.
package bufcache

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/dustin/go-humanize"

	"github.com/bnema/waybg/internal/catalog"
	"github.com/bnema/waybg/internal/display"
	"github.com/bnema/waybg/internal/logger"
	"github.com/bnema/waybg/internal/metrics"
	"github.com/bnema/waybg/internal/render"
	"github.com/bnema/waybg/internal/shm"
)

var (
	ErrNoWallpaper = errors.New("no wallpaper for workspace")
	ErrNoGeometry  = errors.New("output geometry unknown")
)

// Resolver maps (output, workspace) to a wallpaper file.
type Resolver interface {
	Resolve(output, workspace string) (catalog.Entry, bool)
}

// Renderer writes an image file into a buffer.
type Renderer interface {
	Render(path string, dst []byte, t render.Target) error
}

// Region is mapped shared memory. *shm.Region implements it.
type Region interface {
	Fd() int
	Size() int
	Slice(offset, length int) ([]byte, error)
	Grow(size int) error
	Close() error
}

// Allocator creates a Region of size bytes.
type Allocator func(name string, size int) (Region, error)

func defaultAllocator(name string, size int) (Region, error) {
	return shm.New(name, size)
}

// Buffer is one rendered wallpaper in the pool of an output.
type Buffer struct {
	Output string
	// Path is the canonical file the pixels came from.
	Path   string
	Width  int32
	Height int32
	Format display.PixelFormat

	wl   display.Buffer
	pool *pool
	slot int

	attached bool
	// commits still waiting for their wl_buffer.release
	inflight int
	retired  bool
}

// ID returns the wl_buffer id.
func (b *Buffer) ID() display.BufferID {
	return b.wl.ID()
}

// Handle returns the protocol object to attach.
func (b *Buffer) Handle() display.Buffer {
	return b.wl
}

// Busy reports whether the compositor may still read the buffer.
func (b *Buffer) Busy() bool {
	return b.inflight > 0
}

type pool struct {
	region   Region
	wl       display.Pool
	slotSize int
	used     []bool
	live     int
	retired  bool
}

func (p *pool) size() int {
	return p.slotSize * len(p.used)
}

type outputState struct {
	name    string
	width   int32
	height  int32
	stride  int
	current *pool
	// retiring pools still holding buffers the compositor may read
	retiring []*pool
	buffers  map[string]*Buffer
	pending  map[display.BufferID]*Buffer
	attached *Buffer
}

// Cache is not safe for concurrent use; the control loop owns it.
type Cache struct {
	pools    display.PoolFactory
	resolver Resolver
	renderer Renderer
	alloc    Allocator
	metrics  *metrics.Metrics
	format   display.PixelFormat

	outputs map[string]*outputState
	byID    map[display.BufferID]*Buffer
}

// Option configures a Cache.
type Option func(*Cache)

// WithAllocator replaces the memfd allocator.
func WithAllocator(a Allocator) Option {
	return func(c *Cache) { c.alloc = a }
}

// WithMetrics records cache activity.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithFormat sets the initial pixel format.
func WithFormat(f display.PixelFormat) Option {
	return func(c *Cache) { c.format = f }
}

// New creates an empty cache.
func New(pools display.PoolFactory, resolver Resolver, renderer Renderer, opts ...Option) *Cache {
	c := &Cache{
		pools:    pools,
		resolver: resolver,
		renderer: renderer,
		alloc:    defaultAllocator,
		format:   display.FormatXRGB8888,
		outputs:  make(map[string]*outputState),
		byID:     make(map[display.BufferID]*Buffer),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Format returns the pixel format new buffers use.
func (c *Cache) Format() display.PixelFormat {
	return c.format
}

// SetFormat switches the pixel format, retiring every existing buffer.
func (c *Cache) SetFormat(f display.PixelFormat) {
	if f == c.format {
		return
	}
	c.format = f
	for _, st := range c.outputs {
		c.invalidate(st)
		st.stride = display.Stride(f, int(st.width))
	}
}

// SetGeometry records the pixel size of output. It returns true when the size
// changed, in which case every buffer of the output was invalidated.
func (c *Cache) SetGeometry(output string, width, height int32) bool {
	st := c.outputs[output]
	if st == nil {
		st = &outputState{
			name:    output,
			buffers: make(map[string]*Buffer),
			pending: make(map[display.BufferID]*Buffer),
		}
		c.outputs[output] = st
	}
	if st.width == width && st.height == height {
		return false
	}

	c.invalidate(st)
	st.width, st.height = width, height
	st.stride = display.Stride(c.format, int(width))
	logger.Debug("Buffer geometry set", "output", output, "width", width, "height", height, "stride", st.stride)
	return true
}

// Geometry returns the recorded size of output.
func (c *Cache) Geometry(output string) (width, height int32, ok bool) {
	st := c.outputs[output]
	if st == nil || st.width <= 0 || st.height <= 0 {
		return 0, 0, false
	}
	return st.width, st.height, true
}

// Ensure returns the buffer showing the wallpaper of (output, workspace),
// rendering it on a miss. Workspaces resolving to the same file share a
// buffer. Failures are not remembered; the next call tries again.
func (c *Cache) Ensure(output, workspace string) (*Buffer, error) {
	st := c.outputs[output]
	if st == nil || st.width <= 0 || st.height <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoGeometry, output)
	}

	entry, ok := c.resolver.Resolve(output, workspace)
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrNoWallpaper, workspace, output)
	}

	if b := st.buffers[entry.Canonical]; b != nil {
		c.metrics.CacheHit()
		return b, nil
	}

	p, err := c.currentPool(st)
	if err != nil {
		return nil, fmt.Errorf("pool for %s: %w", output, err)
	}
	slot, err := c.acquireSlot(st, p)
	if err != nil {
		return nil, fmt.Errorf("pool for %s: %w", output, err)
	}

	offset := slot * p.slotSize
	dst, err := p.region.Slice(offset, p.slotSize)
	if err == nil {
		err = c.renderer.Render(entry.Canonical, dst, render.Target{
			Width:  int(st.width),
			Height: int(st.height),
			Stride: st.stride,
			Format: c.format,
		})
		c.metrics.Rendered(err)
	}
	if err != nil {
		p.used[slot] = false
		return nil, fmt.Errorf("render %s: %w", entry.Path, err)
	}

	wlbuf, err := p.wl.CreateBuffer(int32(offset), st.width, st.height, int32(st.stride), c.format)
	if err != nil {
		p.used[slot] = false
		return nil, fmt.Errorf("create buffer for %s: %w", output, err)
	}

	b := &Buffer{
		Output: output,
		Path:   entry.Canonical,
		Width:  st.width,
		Height: st.height,
		Format: c.format,
		wl:     wlbuf,
		pool:   p,
		slot:   slot,
	}
	p.live++
	st.buffers[entry.Canonical] = b
	c.byID[b.ID()] = b
	c.metrics.BuffersChanged(1)

	logger.Debug("Rendered wallpaper", "output", output, "workspace", workspace, "path", entry.Path,
		"size", humanize.IBytes(uint64(p.slotSize)))
	return b, nil
}

func (c *Cache) currentPool(st *outputState) (*pool, error) {
	if st.current != nil {
		return st.current, nil
	}

	slotSize := st.stride * int(st.height)
	if slotSize <= 0 || slotSize > math.MaxInt32 {
		return nil, fmt.Errorf("buffer of %dx%d does not fit a pool", st.width, st.height)
	}

	region, err := c.alloc("waybg-"+st.name, slotSize)
	if err != nil {
		return nil, err
	}
	wlpool, err := c.pools.CreatePool(region.Fd(), int32(slotSize))
	if err != nil {
		region.Close()
		return nil, err
	}

	st.current = &pool{
		region:   region,
		wl:       wlpool,
		slotSize: slotSize,
		used:     make([]bool, 1),
	}
	c.metrics.ShmChanged(slotSize)
	return st.current, nil
}

// acquireSlot finds a free slot, growing the pool by one slot if needed.
func (c *Cache) acquireSlot(st *outputState, p *pool) (int, error) {
	for i, used := range p.used {
		if !used {
			p.used[i] = true
			return i, nil
		}
	}

	newSize := p.slotSize * (len(p.used) + 1)
	if newSize > math.MaxInt32 {
		return 0, fmt.Errorf("pool would exceed %s", humanize.IBytes(math.MaxInt32))
	}
	if err := p.region.Grow(newSize); err != nil {
		return 0, err
	}
	if err := p.wl.Resize(int32(newSize)); err != nil {
		return 0, err
	}
	c.metrics.ShmChanged(p.slotSize)
	p.used = append(p.used, true)

	logger.Debug("Grew buffer pool", "output", st.name, "slots", len(p.used), "size", humanize.IBytes(uint64(newSize)))
	return len(p.used) - 1, nil
}

// Invalidate retires every buffer of output. Buffers the compositor may
// still read are destroyed when released.
func (c *Cache) Invalidate(output string) {
	if st := c.outputs[output]; st != nil {
		c.invalidate(st)
	}
}

func (c *Cache) invalidate(st *outputState) {
	for path, b := range st.buffers {
		delete(st.buffers, path)
		c.retire(st, b)
	}
	if st.current != nil {
		p := st.current
		st.current = nil
		p.retired = true
		if p.live == 0 {
			c.closePool(p)
		} else {
			st.retiring = append(st.retiring, p)
		}
	}
}

func (c *Cache) retire(st *outputState, b *Buffer) {
	b.retired = true
	if b.Busy() || b.attached {
		st.pending[b.ID()] = b
		return
	}
	c.destroy(st, b)
}

func (c *Cache) destroy(st *outputState, b *Buffer) {
	id := b.ID()
	if err := b.wl.Destroy(); err != nil {
		logger.Warn("Failed to destroy buffer", "output", st.name, "err", err)
	}
	delete(c.byID, id)
	delete(st.pending, id)
	if st.attached == b {
		st.attached = nil
	}
	c.metrics.BuffersChanged(-1)

	p := b.pool
	p.used[b.slot] = false
	p.live--
	if p.retired && p.live == 0 {
		c.closePool(p)
		for i, rp := range st.retiring {
			if rp == p {
				st.retiring = append(st.retiring[:i], st.retiring[i+1:]...)
				break
			}
		}
	}
}

func (c *Cache) closePool(p *pool) {
	if err := p.wl.Destroy(); err != nil {
		logger.Warn("Failed to destroy pool", "err", err)
	}
	size := p.size()
	if err := p.region.Close(); err != nil {
		logger.Warn("Failed to unmap pool", "err", err)
	}
	c.metrics.ShmChanged(-size)
}

// Release handles wl_buffer.release. It returns the buffer's output, or
// false for unknown ids.
func (c *Cache) Release(id display.BufferID) (string, bool) {
	b := c.byID[id]
	if b == nil {
		return "", false
	}
	if b.inflight > 0 {
		b.inflight--
	}
	if b.retired && !b.attached && b.inflight == 0 {
		c.destroy(c.outputs[b.Output], b)
	}
	return b.Output, true
}

// MarkAttached records that b was attached and committed on its output. Each
// call expects one wl_buffer.release. The previously attached buffer is
// detached.
func (c *Cache) MarkAttached(b *Buffer) {
	st := c.outputs[b.Output]
	if st == nil {
		return
	}
	if prev := st.attached; prev != nil && prev != b {
		prev.attached = false
		if prev.retired && !prev.Busy() {
			c.destroy(st, prev)
		}
	}
	b.attached = true
	b.inflight++
	st.attached = b
}

// Attached returns the buffer currently attached on output.
func (c *Cache) Attached(output string) *Buffer {
	if st := c.outputs[output]; st != nil {
		return st.attached
	}
	return nil
}

// Reload retires every buffer rendered from path and returns the outputs
// that had one.
func (c *Cache) Reload(path string) []string {
	var affected []string
	for name, st := range c.outputs {
		b := st.buffers[path]
		if b == nil {
			continue
		}
		delete(st.buffers, path)
		c.retire(st, b)
		affected = append(affected, name)
	}
	sort.Strings(affected)
	return affected
}

// EvictOutput destroys every buffer and pool of output, in use or not. It
// is meant for outputs that are going away.
func (c *Cache) EvictOutput(output string) error {
	st := c.outputs[output]
	if st == nil {
		return nil
	}
	delete(c.outputs, output)

	var errs []error
	destroyAll := func(bs map[string]*Buffer) {
		for _, b := range bs {
			if err := b.wl.Destroy(); err != nil {
				errs = append(errs, err)
			}
			delete(c.byID, b.ID())
			c.metrics.BuffersChanged(-1)
		}
	}
	destroyAll(st.buffers)
	for _, b := range st.pending {
		if err := b.wl.Destroy(); err != nil {
			errs = append(errs, err)
		}
		delete(c.byID, b.ID())
		c.metrics.BuffersChanged(-1)
	}

	pools := st.retiring
	if st.current != nil {
		pools = append(pools, st.current)
	}
	for _, p := range pools {
		if err := p.wl.Destroy(); err != nil {
			errs = append(errs, err)
		}
		size := p.size()
		if err := p.region.Close(); err != nil {
			errs = append(errs, err)
		}
		c.metrics.ShmChanged(-size)
	}

	st.buffers = nil
	st.pending = nil
	st.retiring = nil
	st.current = nil
	st.attached = nil
	return errors.Join(errs...)
}

// Buffers returns the valid buffers of output.
func (c *Cache) Buffers(output string) []*Buffer {
	st := c.outputs[output]
	if st == nil {
		return nil
	}
	bs := make([]*Buffer, 0, len(st.buffers))
	for _, b := range st.buffers {
		bs = append(bs, b)
	}
	sort.Slice(bs, func(i, j int) bool { return bs[i].Path < bs[j].Path })
	return bs
}

// Pending returns how many retired buffers of output await release.
func (c *Cache) Pending(output string) int {
	if st := c.outputs[output]; st != nil {
		return len(st.pending)
	}
	return 0
}

// Has reports whether the cache holds any state for output.
func (c *Cache) Has(output string) bool {
	_, ok := c.outputs[output]
	return ok
}
