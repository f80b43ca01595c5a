// Package render turns wallpaper files into pixel data laid out the way a
// wl_shm buffer expects it.
package render

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/disintegration/gift"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/bnema/waybg/internal/display"
	"github.com/bnema/waybg/internal/logger"
)

var ErrUnsupportedFormat = errors.New("unsupported pixel format")

// Adjust holds the colour adjustments applied before resizing, in percent.
type Adjust struct {
	Contrast   int
	Brightness int
}

// IsZero reports whether no adjustment is configured.
func (a Adjust) IsZero() bool {
	return a.Contrast == 0 && a.Brightness == 0
}

// Target describes the destination buffer.
type Target struct {
	Width  int
	Height int
	Stride int
	Format display.PixelFormat
}

// Size returns the number of bytes the target occupies.
func (t Target) Size() int {
	return t.Stride * t.Height
}

func (t Target) validate(dst []byte) error {
	if t.Width <= 0 || t.Height <= 0 {
		return fmt.Errorf("invalid target size %dx%d", t.Width, t.Height)
	}
	switch t.Format {
	case display.FormatXRGB8888, display.FormatBGR888:
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, t.Format)
	}
	if t.Stride < t.Width*t.Format.BytesPerPixel() || t.Stride%4 != 0 {
		return fmt.Errorf("invalid stride %d for %d pixels of %s", t.Stride, t.Width, t.Format)
	}
	if len(dst) < t.Size() {
		return fmt.Errorf("destination holds %d bytes, need %d", len(dst), t.Size())
	}
	return nil
}

// Renderer decodes, adjusts and fill-resizes images into buffers.
type Renderer struct {
	adjust Adjust
}

// New returns a renderer applying adj to every image.
func New(adj Adjust) *Renderer {
	return &Renderer{adjust: adj}
}

// Decode opens and decodes path. The decoder is picked from the file
// contents, not the extension.
func Decode(path string) (image.Image, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode %s: %w", path, err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, "", fmt.Errorf("image %s has invalid dimensions %dx%d", path, b.Dx(), b.Dy())
	}
	return img, format, nil
}

// Render decodes path and writes it into dst.
func (r *Renderer) Render(path string, dst []byte, t Target) error {
	if err := t.validate(dst); err != nil {
		return err
	}

	img, format, err := Decode(path)
	if err != nil {
		return err
	}
	b := img.Bounds()
	logger.Debug("Decoded image", "path", path, "format", format, "size", fmt.Sprintf("%dx%d", b.Dx(), b.Dy()))

	if o, ok := img.(interface{ Opaque() bool }); ok && !o.Opaque() {
		logger.Warn("Image has an alpha channel which will be ignored", "path", path)
	}

	return r.Draw(img, dst, t)
}

// Draw adjusts and fill-resizes src into dst.
func (r *Renderer) Draw(src image.Image, dst []byte, t Target) error {
	if err := t.validate(dst); err != nil {
		return err
	}

	g := gift.New(r.filters(t)...)
	out := image.NewNRGBA(image.Rect(0, 0, t.Width, t.Height))
	if bounds := g.Bounds(src.Bounds()); bounds.Dx() != t.Width || bounds.Dy() != t.Height {
		return fmt.Errorf("resize produced %dx%d, want %dx%d", bounds.Dx(), bounds.Dy(), t.Width, t.Height)
	}
	g.Draw(out, src)

	pack(out, dst, t)
	return nil
}

func (r *Renderer) filters(t Target) []gift.Filter {
	var filters []gift.Filter
	if r.adjust.Contrast != 0 {
		filters = append(filters, gift.Contrast(float32(r.adjust.Contrast)))
	}
	if r.adjust.Brightness != 0 {
		filters = append(filters, gift.Brightness(float32(r.adjust.Brightness)))
	}
	// Crop to fill, never letterbox
	return append(filters, gift.ResizeToFill(t.Width, t.Height, gift.LanczosResampling, gift.CenterAnchor))
}

// pack writes NRGBA pixels in the wl_shm layout. Alpha is dropped and row
// padding is zeroed.
func pack(src *image.NRGBA, dst []byte, t Target) {
	bpp := t.Format.BytesPerPixel()
	rowLen := t.Width * bpp

	for y := 0; y < t.Height; y++ {
		in := src.Pix[y*src.Stride : y*src.Stride+t.Width*4]
		row := dst[y*t.Stride : (y+1)*t.Stride]

		switch t.Format {
		case display.FormatXRGB8888:
			// little-endian 0xXXRRGGBB
			for x := 0; x < t.Width; x++ {
				i, o := x*4, x*4
				row[o+0] = in[i+2]
				row[o+1] = in[i+1]
				row[o+2] = in[i+0]
				row[o+3] = 0xff
			}
		case display.FormatBGR888:
			// little-endian B:G:R, so bytes are R, G, B
			for x := 0; x < t.Width; x++ {
				i, o := x*4, x*3
				row[o+0] = in[i+0]
				row[o+1] = in[i+1]
				row[o+2] = in[i+2]
			}
		}

		for i := rowLen; i < t.Stride; i++ {
			row[i] = 0
		}
	}
}
