package bufcache

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/waybg/internal/catalog"
	"github.com/bnema/waybg/internal/display"
	"github.com/bnema/waybg/internal/render"
)

type fakeBuffer struct {
	id        display.BufferID
	offset    int32
	width     int32
	height    int32
	stride    int32
	format    display.PixelFormat
	destroyed bool
}

func (b *fakeBuffer) ID() display.BufferID { return b.id }
func (b *fakeBuffer) Destroy() error {
	b.destroyed = true
	return nil
}

type fakePool struct {
	factory   *fakeFactory
	size      int32
	destroyed bool
	buffers   []*fakeBuffer
}

func (p *fakePool) CreateBuffer(offset, width, height, stride int32, format display.PixelFormat) (display.Buffer, error) {
	p.factory.nextID++
	b := &fakeBuffer{id: p.factory.nextID, offset: offset, width: width, height: height, stride: stride, format: format}
	p.buffers = append(p.buffers, b)
	return b, nil
}

func (p *fakePool) Resize(size int32) error {
	if size < p.size {
		return fmt.Errorf("pool shrink from %d to %d", p.size, size)
	}
	p.size = size
	return nil
}

func (p *fakePool) Destroy() error {
	p.destroyed = true
	return nil
}

type fakeFactory struct {
	pools  []*fakePool
	nextID display.BufferID
}

func (f *fakeFactory) CreatePool(fd int, size int32) (display.Pool, error) {
	p := &fakePool{factory: f, size: size}
	f.pools = append(f.pools, p)
	return p, nil
}

type fakeRegion struct {
	data   []byte
	closed bool
}

func (r *fakeRegion) Fd() int   { return 3 }
func (r *fakeRegion) Size() int { return len(r.data) }
func (r *fakeRegion) Slice(offset, length int) ([]byte, error) {
	if offset+length > len(r.data) {
		return nil, errors.New("out of range")
	}
	return r.data[offset : offset+length], nil
}
func (r *fakeRegion) Grow(size int) error {
	if size > len(r.data) {
		r.data = append(r.data, make([]byte, size-len(r.data))...)
	}
	return nil
}
func (r *fakeRegion) Close() error {
	r.closed = true
	return nil
}

type regions struct{ all []*fakeRegion }

func (rs *regions) alloc(_ string, size int) (Region, error) {
	r := &fakeRegion{data: make([]byte, size)}
	rs.all = append(rs.all, r)
	return r, nil
}

// resolver is a catalog stand-in: output -> workspace -> path.
type resolver map[string]map[string]string

func (r resolver) Resolve(output, workspace string) (catalog.Entry, bool) {
	ws := r[output]
	if p, ok := ws[workspace]; ok {
		return catalog.Entry{Output: output, Workspace: workspace, Path: p, Canonical: p}, true
	}
	if p, ok := ws[catalog.DefaultWorkspace]; ok {
		return catalog.Entry{Output: output, Workspace: catalog.DefaultWorkspace, Path: p, Canonical: p}, true
	}
	return catalog.Entry{}, false
}

type countingRenderer struct {
	calls   map[string]int
	fail    map[string]error
	targets []render.Target
}

func newRenderer() *countingRenderer {
	return &countingRenderer{calls: map[string]int{}, fail: map[string]error{}}
}

func (r *countingRenderer) Render(path string, dst []byte, t render.Target) error {
	r.calls[path]++
	r.targets = append(r.targets, t)
	if err := r.fail[path]; err != nil {
		return err
	}
	for i := range dst {
		dst[i] = byte(len(path))
	}
	return nil
}

type fixture struct {
	cache    *Cache
	factory  *fakeFactory
	regions  *regions
	renderer *countingRenderer
}

func newFixture(t *testing.T, res resolver, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{factory: &fakeFactory{}, regions: &regions{}, renderer: newRenderer()}
	opts = append([]Option{WithAllocator(f.regions.alloc)}, opts...)
	f.cache = New(f.factory, res, f.renderer, opts...)
	return f
}

func laptop() resolver {
	return resolver{
		"eDP-1": {
			"1":        "/w/eDP-1/1.jpg",
			"2":        "/w/eDP-1/2.jpg",
			"_default": "/w/eDP-1/_default.jpg",
		},
		"HDMI-A-1": {
			"3": "/w/HDMI-A-1/3.jpg",
		},
	}
}

func TestEnsureRendersOnlyOnMiss(t *testing.T) {
	f := newFixture(t, laptop())
	f.cache.SetGeometry("eDP-1", 1920, 1080)

	one, err := f.cache.Ensure("eDP-1", "1")
	require.NoError(t, err)
	two, err := f.cache.Ensure("eDP-1", "2")
	require.NoError(t, err)
	again, err := f.cache.Ensure("eDP-1", "1")
	require.NoError(t, err)

	assert.Same(t, one, again)
	assert.NotEqual(t, one.ID(), two.ID())
	assert.Equal(t, 1, f.renderer.calls["/w/eDP-1/1.jpg"])
	assert.Equal(t, 1, f.renderer.calls["/w/eDP-1/2.jpg"])
}

func TestWorkspacesSharingAFileShareABuffer(t *testing.T) {
	f := newFixture(t, laptop())
	f.cache.SetGeometry("eDP-1", 800, 600)

	a, err := f.cache.Ensure("eDP-1", "7")
	require.NoError(t, err)
	b, err := f.cache.Ensure("eDP-1", "8")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, "/w/eDP-1/_default.jpg", a.Path)
	assert.Equal(t, 1, f.renderer.calls["/w/eDP-1/_default.jpg"])
}

func TestEnsureErrors(t *testing.T) {
	f := newFixture(t, laptop())

	_, err := f.cache.Ensure("eDP-1", "1")
	assert.ErrorIs(t, err, ErrNoGeometry)

	f.cache.SetGeometry("HDMI-A-1", 1920, 1080)
	_, err = f.cache.Ensure("HDMI-A-1", "1")
	assert.ErrorIs(t, err, ErrNoWallpaper)
	assert.Empty(t, f.factory.pools, "no pool without a wallpaper")
}

func TestRenderFailureIsNotCached(t *testing.T) {
	f := newFixture(t, laptop())
	f.cache.SetGeometry("HDMI-A-1", 640, 480)
	f.renderer.fail["/w/HDMI-A-1/3.jpg"] = errors.New("corrupt jpeg")

	_, err := f.cache.Ensure("HDMI-A-1", "3")
	require.Error(t, err)
	assert.Empty(t, f.cache.Buffers("HDMI-A-1"))

	delete(f.renderer.fail, "/w/HDMI-A-1/3.jpg")
	b, err := f.cache.Ensure("HDMI-A-1", "3")
	require.NoError(t, err)
	assert.Equal(t, 2, f.renderer.calls["/w/HDMI-A-1/3.jpg"])

	// the failed attempt's slot was reused
	require.Len(t, f.factory.pools, 1)
	assert.Equal(t, int32(640*4*480), f.factory.pools[0].size)
	assert.Equal(t, int32(0), b.wl.(*fakeBuffer).offset)
}

func TestPoolGrowsOneSlotPerWallpaper(t *testing.T) {
	f := newFixture(t, laptop(), WithFormat(display.FormatBGR888))
	f.cache.SetGeometry("eDP-1", 1366, 768)
	stride := int32(4100)
	slot := stride * 768

	for _, ws := range []string{"1", "2", "_default"} {
		_, err := f.cache.Ensure("eDP-1", ws)
		require.NoError(t, err)
	}

	require.Len(t, f.factory.pools, 1)
	p := f.factory.pools[0]
	assert.Equal(t, 3*slot, p.size)
	require.Len(t, p.buffers, 3)
	for i, b := range p.buffers {
		assert.Equal(t, int32(i)*slot, b.offset)
		assert.Equal(t, stride, b.stride)
		assert.Equal(t, display.FormatBGR888, b.format)
	}
	assert.Equal(t, int(3*slot), f.regions.all[0].Size())
}

func TestGeometryInvariant(t *testing.T) {
	f := newFixture(t, laptop())

	steps := []struct {
		width, height int32
		workspaces    []string
	}{
		{1920, 1080, []string{"1", "2"}},
		{3840, 2160, []string{"1"}},
		{3840, 2160, []string{"2", "9"}},
		{1080, 1920, []string{"2"}},
		{1920, 1080, []string{"1", "2", "5"}},
	}

	for i, step := range steps {
		f.cache.SetGeometry("eDP-1", step.width, step.height)
		for _, ws := range step.workspaces {
			b, err := f.cache.Ensure("eDP-1", ws)
			require.NoError(t, err)
			assert.Equal(t, step.width, b.Width)
			assert.Equal(t, step.height, b.Height)
		}
		for _, b := range f.cache.Buffers("eDP-1") {
			assert.Equal(t, step.width, b.Width, "step %d", i)
			assert.Equal(t, step.height, b.Height, "step %d", i)
		}
	}
}

func TestSetGeometryReportsChange(t *testing.T) {
	f := newFixture(t, laptop())
	assert.True(t, f.cache.SetGeometry("eDP-1", 100, 100))
	assert.False(t, f.cache.SetGeometry("eDP-1", 100, 100))
	assert.True(t, f.cache.SetGeometry("eDP-1", 200, 100))

	w, h, ok := f.cache.Geometry("eDP-1")
	assert.True(t, ok)
	assert.Equal(t, int32(200), w)
	assert.Equal(t, int32(100), h)
}

func TestInvalidateWaitsForRelease(t *testing.T) {
	f := newFixture(t, laptop())
	f.cache.SetGeometry("eDP-1", 100, 100)

	shown, err := f.cache.Ensure("eDP-1", "1")
	require.NoError(t, err)
	idle, err := f.cache.Ensure("eDP-1", "2")
	require.NoError(t, err)
	f.cache.MarkAttached(shown)

	f.cache.SetGeometry("eDP-1", 200, 200)

	oldPool := f.factory.pools[0]
	oldRegion := f.regions.all[0]
	assert.True(t, idle.wl.(*fakeBuffer).destroyed, "idle buffer is freed at once")
	assert.False(t, shown.wl.(*fakeBuffer).destroyed, "attached buffer survives")
	assert.False(t, oldPool.destroyed)
	assert.False(t, oldRegion.closed)
	assert.Equal(t, 1, f.cache.Pending("eDP-1"))

	fresh, err := f.cache.Ensure("eDP-1", "1")
	require.NoError(t, err)
	assert.NotSame(t, shown, fresh)
	require.Len(t, f.factory.pools, 2)
	f.cache.MarkAttached(fresh)

	// detached but not yet released
	assert.False(t, shown.wl.(*fakeBuffer).destroyed)
	assert.Same(t, fresh, f.cache.Attached("eDP-1"))

	output, ok := f.cache.Release(shown.ID())
	assert.True(t, ok)
	assert.Equal(t, "eDP-1", output)
	assert.True(t, shown.wl.(*fakeBuffer).destroyed)
	assert.True(t, oldPool.destroyed)
	assert.True(t, oldRegion.closed)
	assert.Zero(t, f.cache.Pending("eDP-1"))

	_, ok = f.cache.Release(shown.ID())
	assert.False(t, ok, "stale release is ignored")
}

func TestReleasedAttachedBufferIsFreedOnDetach(t *testing.T) {
	f := newFixture(t, laptop())
	f.cache.SetGeometry("eDP-1", 100, 100)

	shown, err := f.cache.Ensure("eDP-1", "1")
	require.NoError(t, err)
	f.cache.MarkAttached(shown)
	// compositors may release shm buffers right after upload
	f.cache.Release(shown.ID())

	f.cache.SetGeometry("eDP-1", 50, 50)
	assert.False(t, shown.wl.(*fakeBuffer).destroyed, "still attached")

	next, err := f.cache.Ensure("eDP-1", "2")
	require.NoError(t, err)
	f.cache.MarkAttached(next)
	assert.True(t, shown.wl.(*fakeBuffer).destroyed)
	assert.True(t, f.factory.pools[0].destroyed)
}

func TestEvictOutputReleasesEverything(t *testing.T) {
	f := newFixture(t, laptop())
	f.cache.SetGeometry("eDP-1", 100, 100)

	old, err := f.cache.Ensure("eDP-1", "1")
	require.NoError(t, err)
	f.cache.MarkAttached(old)
	f.cache.SetGeometry("eDP-1", 120, 100)
	cur, err := f.cache.Ensure("eDP-1", "2")
	require.NoError(t, err)

	require.NoError(t, f.cache.EvictOutput("eDP-1"))

	assert.True(t, old.wl.(*fakeBuffer).destroyed)
	assert.True(t, cur.wl.(*fakeBuffer).destroyed)
	for _, p := range f.factory.pools {
		assert.True(t, p.destroyed)
	}
	for _, r := range f.regions.all {
		assert.True(t, r.closed)
	}
	assert.False(t, f.cache.Has("eDP-1"))
	_, ok := f.cache.Release(old.ID())
	assert.False(t, ok)

	assert.NoError(t, f.cache.EvictOutput("eDP-1"), "evicting twice is harmless")
}

func TestReloadRetiresOnlyThatFile(t *testing.T) {
	res := laptop()
	res["DP-2"] = map[string]string{"_default": "/w/eDP-1/1.jpg"}
	f := newFixture(t, res)
	f.cache.SetGeometry("eDP-1", 100, 100)
	f.cache.SetGeometry("DP-2", 300, 200)

	one, err := f.cache.Ensure("eDP-1", "1")
	require.NoError(t, err)
	two, err := f.cache.Ensure("eDP-1", "2")
	require.NoError(t, err)
	_, err = f.cache.Ensure("DP-2", "4")
	require.NoError(t, err)

	affected := f.cache.Reload("/w/eDP-1/1.jpg")
	assert.Equal(t, []string{"DP-2", "eDP-1"}, affected)
	assert.True(t, one.wl.(*fakeBuffer).destroyed)
	assert.False(t, two.wl.(*fakeBuffer).destroyed)

	_, err = f.cache.Ensure("eDP-1", "1")
	require.NoError(t, err)
	assert.Equal(t, 3, f.renderer.calls["/w/eDP-1/1.jpg"])
}

func TestSetFormatInvalidates(t *testing.T) {
	f := newFixture(t, laptop())
	f.cache.SetGeometry("eDP-1", 10, 10)

	b, err := f.cache.Ensure("eDP-1", "1")
	require.NoError(t, err)
	assert.Equal(t, display.FormatXRGB8888, b.Format)

	f.cache.SetFormat(display.FormatBGR888)
	assert.True(t, b.wl.(*fakeBuffer).destroyed)

	b, err = f.cache.Ensure("eDP-1", "1")
	require.NoError(t, err)
	assert.Equal(t, display.FormatBGR888, b.Format)
	last := f.renderer.targets[len(f.renderer.targets)-1]
	assert.Equal(t, 32, last.Stride)
}

func TestReattachedBufferNeedsEveryRelease(t *testing.T) {
	tests := []struct {
		name          string
		releases      int
		wantDestroyed bool
	}{
		{name: "one release for two commits keeps the slot", releases: 1, wantDestroyed: false},
		{name: "both commits released", releases: 2, wantDestroyed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, laptop())
			f.cache.SetGeometry("eDP-1", 100, 100)

			a, err := f.cache.Ensure("eDP-1", "1")
			require.NoError(t, err)
			b, err := f.cache.Ensure("eDP-1", "2")
			require.NoError(t, err)

			// A, B, then A again before A's first release arrives
			f.cache.MarkAttached(a)
			f.cache.MarkAttached(b)
			f.cache.MarkAttached(a)
			for i := 0; i < tt.releases; i++ {
				_, ok := f.cache.Release(a.ID())
				require.True(t, ok)
			}
			assert.Equal(t, tt.releases < 2, a.Busy())

			f.cache.Reload(a.Path)
			f.cache.MarkAttached(b)
			assert.Equal(t, tt.wantDestroyed, a.wl.(*fakeBuffer).destroyed)

			c, err := f.cache.Ensure("eDP-1", "1")
			require.NoError(t, err)
			assert.NotSame(t, a, c)
			if !tt.wantDestroyed {
				assert.NotEqual(t, a.wl.(*fakeBuffer).offset, c.wl.(*fakeBuffer).offset,
					"a buffer the compositor may read must not share memory with a new one")

				f.cache.Release(a.ID())
				assert.True(t, a.wl.(*fakeBuffer).destroyed)
			}
		})
	}
}
