// Package shm manages memfd-backed shared memory regions that are handed to
// the compositor as wl_shm pools.
package shm

import (
	"errors"
	"fmt"

	"github.com/bnema/wlturbo/wl"
	"golang.org/x/sys/unix"
)

var ErrClosed = errors.New("shm: region closed")

// Region is a growable, mapped memfd. It is not safe for concurrent use.
type Region struct {
	name string
	fd   int
	data []byte
}

// New creates a region of size bytes.
func New(name string, size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shm: invalid size %d", size)
	}

	// wl.CreateAnonymousFile seals the file against growth, which would
	// make Grow fail, so the memfd is created here.
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate: %w", err)
	}

	data, err := wl.MapMemory(fd, size)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap: %w", err)
	}

	return &Region{name: name, fd: fd, data: data}, nil
}

// Fd returns the file descriptor to pass to wl_shm.create_pool.
func (r *Region) Fd() int {
	return r.fd
}

// Size returns the mapped size in bytes.
func (r *Region) Size() int {
	return len(r.data)
}

// Slice returns the mapped bytes in [offset, offset+length). The slice is
// invalidated by Grow and Close.
func (r *Region) Slice(offset, length int) ([]byte, error) {
	if r.data == nil {
		return nil, ErrClosed
	}
	if offset < 0 || length < 0 || offset+length > len(r.data) {
		return nil, fmt.Errorf("shm: range [%d,%d) outside region of %d bytes", offset, offset+length, len(r.data))
	}
	return r.data[offset : offset+length : offset+length], nil
}

// Grow extends the file and remaps it. Existing contents are preserved.
// Shrinking is not supported since wl_shm_pool.resize can only grow.
func (r *Region) Grow(size int) error {
	if r.data == nil {
		return ErrClosed
	}
	if size <= len(r.data) {
		return nil
	}

	if err := unix.Ftruncate(r.fd, int64(size)); err != nil {
		return fmt.Errorf("ftruncate: %w", err)
	}
	if err := wl.UnmapMemory(r.data); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	data, err := wl.MapMemory(r.fd, size)
	if err != nil {
		r.data = nil
		return fmt.Errorf("mmap: %w", err)
	}
	r.data = data
	return nil
}

// Close unmaps the region and closes the descriptor. The compositor keeps
// its own mapping, so this is safe once no client-side writes are pending.
func (r *Region) Close() error {
	var errs []error
	if r.data != nil {
		if err := wl.UnmapMemory(r.data); err != nil {
			errs = append(errs, fmt.Errorf("munmap: %w", err))
		}
		r.data = nil
	}
	if r.fd >= 0 {
		if err := unix.Close(r.fd); err != nil {
			errs = append(errs, fmt.Errorf("close: %w", err))
		}
		r.fd = -1
	}
	return errors.Join(errs...)
}
