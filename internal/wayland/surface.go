package wayland

import (
	"errors"
	"fmt"

	"github.com/bnema/waybg/internal/display"
	"github.com/bnema/waybg/internal/protocols"
)

type surface struct {
	client   *Client
	output   display.OutputID
	wl       *protocols.Surface
	layer    *protocols.LayerSurface
	viewport *protocols.Viewport
}

func (s *surface) setup() error {
	if err := s.layer.SetSize(0, 0); err != nil {
		return fmt.Errorf("failed to size layer surface: %w", err)
	}
	if err := s.layer.SetAnchor(protocols.AnchorAll); err != nil {
		return fmt.Errorf("failed to anchor layer surface: %w", err)
	}
	if err := s.layer.SetExclusiveZone(-1); err != nil {
		return fmt.Errorf("failed to set exclusive zone: %w", err)
	}
	if err := s.layer.SetKeyboardInteractivity(protocols.KeyboardInteractivityNone); err != nil {
		return fmt.Errorf("failed to set keyboard interactivity: %w", err)
	}

	// input passes through to whatever is below
	region, err := s.client.compositor.CreateRegion()
	if err != nil {
		return fmt.Errorf("failed to create input region: %w", err)
	}
	if err := s.wl.SetInputRegion(region); err != nil {
		region.Destroy()
		return fmt.Errorf("failed to set input region: %w", err)
	}
	if err := region.Destroy(); err != nil {
		return err
	}

	return s.wl.Commit()
}

func (s *surface) AckConfigure(serial uint32) error {
	return s.layer.AckConfigure(serial)
}

func (s *surface) SetScaling(sc display.Scaling) error {
	if sc.UsesViewport() {
		if s.viewport == nil {
			if s.client.viewporter == nil {
				return errors.New("viewport scaling without wp_viewporter")
			}
			vp, err := s.client.viewporter.GetViewport(s.wl)
			if err != nil {
				return fmt.Errorf("failed to get viewport: %w", err)
			}
			s.viewport = vp
		}
		if err := s.viewport.SetDestination(sc.ViewportWidth, sc.ViewportHeight); err != nil {
			return err
		}
		return s.wl.SetBufferScale(1)
	}

	if s.viewport != nil {
		if err := s.viewport.SetDestination(-1, -1); err != nil {
			return err
		}
	}
	scale := sc.BufferScale
	if scale < 1 {
		scale = 1
	}
	return s.wl.SetBufferScale(scale)
}

func (s *surface) Attach(b display.Buffer, width, height int32) error {
	wb, ok := b.(*buffer)
	if !ok {
		return fmt.Errorf("buffer %d was not created by this connection", b.ID())
	}
	if err := s.wl.Attach(wb.wl, 0, 0); err != nil {
		return fmt.Errorf("failed to attach buffer: %w", err)
	}
	return s.wl.DamageBuffer(0, 0, width, height)
}

func (s *surface) Commit() error {
	return s.wl.Commit()
}

// Destroy destroys the role objects before the surface.
func (s *surface) Destroy() error {
	var errs []error
	if s.viewport != nil {
		errs = append(errs, s.viewport.Destroy())
		s.viewport = nil
	}
	if s.layer != nil {
		errs = append(errs, s.layer.Destroy())
		s.layer = nil
	}
	errs = append(errs, s.wl.Destroy())
	return errors.Join(errs...)
}

type pool struct {
	client *Client
	wl     *protocols.ShmPool
}

func (p *pool) CreateBuffer(offset, width, height, stride int32, format display.PixelFormat) (display.Buffer, error) {
	wb, err := p.wl.CreateBuffer(offset, width, height, stride, uint32(format))
	if err != nil {
		return nil, fmt.Errorf("failed to create buffer: %w", err)
	}
	b := &buffer{wl: wb}
	id := b.ID()
	wb.SetReleaseHandler(func() {
		p.client.emit(display.BufferReleased{Buffer: id})
	})
	return b, nil
}

func (p *pool) Resize(size int32) error {
	return p.wl.Resize(size)
}

func (p *pool) Destroy() error {
	return p.wl.Destroy()
}

type buffer struct {
	wl *protocols.Buffer
}

func (b *buffer) ID() display.BufferID {
	return display.BufferID(b.wl.ID())
}

func (b *buffer) Destroy() error {
	return b.wl.Destroy()
}
