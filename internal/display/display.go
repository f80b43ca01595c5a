// Package display describes the slice of the Wayland object model the daemon
// drives: outputs, layer surfaces, shared memory pools and buffers. The
// wayland package implements it over a real connection; tests use doubles.
package display

import "fmt"

// OutputID identifies a wl_output global for the lifetime of the connection.
type OutputID uint32

// BufferID identifies a wl_buffer object.
type BufferID uint32

// PixelFormat is a wl_shm format code.
type PixelFormat uint32

// wl_shm format codes. ARGB8888 and XRGB8888 use legacy small values, the
// others are DRM fourcc codes.
const (
	FormatARGB8888 PixelFormat = 0
	FormatXRGB8888 PixelFormat = 1
	FormatBGR888   PixelFormat = 0x34324742
)

// BytesPerPixel returns the storage size of one pixel.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case FormatBGR888:
		return 3
	default:
		return 4
	}
}

func (f PixelFormat) String() string {
	switch f {
	case FormatARGB8888:
		return "ARGB8888"
	case FormatXRGB8888:
		return "XRGB8888"
	case FormatBGR888:
		return "BGR888"
	default:
		return fmt.Sprintf("format(0x%08x)", uint32(f))
	}
}

// Stride returns the row length in bytes for width pixels, padded to a
// multiple of 4 whatever the format.
func Stride(f PixelFormat, width int) int {
	return (width*f.BytesPerPixel() + 3) &^ 3
}

// Transform is a wl_output transform.
type Transform int32

const (
	TransformNormal Transform = iota
	Transform90
	Transform180
	Transform270
	TransformFlipped
	TransformFlipped90
	TransformFlipped180
	TransformFlipped270
)

// SwapsAxes reports whether the transform rotates by a quarter turn.
func (t Transform) SwapsAxes() bool {
	return t%2 == 1
}

// Scaling says how a surface maps its buffer onto its logical size. Either
// BufferScale is set, or ViewportWidth/Height give a viewport destination.
type Scaling struct {
	BufferScale    int32
	ViewportWidth  int32
	ViewportHeight int32
}

// UsesViewport reports whether the viewport destination is in effect.
func (s Scaling) UsesViewport() bool {
	return s.ViewportWidth > 0 && s.ViewportHeight > 0
}

// Surface is a background layer surface bound to one output.
type Surface interface {
	AckConfigure(serial uint32) error
	SetScaling(s Scaling) error
	// Attach attaches the buffer and damages all of it.
	Attach(b Buffer, width, height int32) error
	Commit() error
	Destroy() error
}

// Pool is a wl_shm_pool.
type Pool interface {
	CreateBuffer(offset, width, height, stride int32, format PixelFormat) (Buffer, error)
	Resize(size int32) error
	Destroy() error
}

// Buffer is a wl_buffer.
type Buffer interface {
	ID() BufferID
	Destroy() error
}

// Backend is the display connection as the daemon sees it.
type Backend interface {
	// Events delivers protocol events in the order they were read.
	Events() <-chan Event
	CreateSurface(output OutputID, namespace string) (Surface, error)
	CreatePool(fd int, size int32) (Pool, error)
	// ReleaseOutput acknowledges an output removal.
	ReleaseOutput(output OutputID) error
	HasViewporter() bool
	Close() error
}

// PoolFactory is the part of a Backend that creates pools.
type PoolFactory interface {
	CreatePool(fd int, size int32) (Pool, error)
}
