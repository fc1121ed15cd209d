package codec

import (
	"image"
	"image/color"

	"github.com/pkg/errors"
)

// Raster adapts any image.Image to the row-oriented byte access the
// encoders need. Fast paths exist for the stdlib types the decoders in
// this module produce; everything else goes through At().
type Raster struct {
	img    image.Image
	w, h   int
	nrgba  *image.NRGBA
	gray   *image.Gray
	pal    *image.Paletted
	rgba   *image.RGBA
	opaque int8 // -1 unknown, 0 no, 1 yes
}

// NewRaster wraps img. It fails when the image is empty or its palette
// exceeds 256 entries.
func NewRaster(img image.Image) (*Raster, error) {
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, errors.Wrap(ErrInvalidParameter, "raster: empty image")
	}
	r := &Raster{img: img, w: b.Dx(), h: b.Dy(), opaque: -1}
	switch m := img.(type) {
	case *image.NRGBA:
		r.nrgba = m
	case *image.RGBA:
		r.rgba = m
	case *image.Gray:
		r.gray = m
	case *image.Paletted:
		if len(m.Palette) > 256 {
			return nil, errors.Wrap(ErrInvalidParameter, "raster: palette exceeds 256 entries")
		}
		r.pal = m
	}
	return r, nil
}

// Width returns the raster width in pixels.
func (r *Raster) Width() int { return r.w }

// Height returns the raster height in pixels.
func (r *Raster) Height() int { return r.h }

// Paletted returns the underlying paletted image when the caller can use
// indices directly.
func (r *Raster) Paletted() (*image.Paletted, bool) { return r.pal, r.pal != nil }

// Gray returns the underlying grayscale image, if any.
func (r *Raster) Gray() (*image.Gray, bool) { return r.gray, r.gray != nil }

// RowNRGBA writes row y as w*4 non-premultiplied RGBA bytes into dst,
// which must have capacity for Width()*4 bytes, and returns it.
func (r *Raster) RowNRGBA(y int, dst []byte) []byte {
	dst = dst[:4*r.w]
	b := r.img.Bounds()
	switch {
	case r.nrgba != nil:
		copy(dst, r.nrgba.Pix[r.nrgba.PixOffset(b.Min.X, b.Min.Y+y):])
	case r.rgba != nil:
		src := r.rgba.Pix[r.rgba.PixOffset(b.Min.X, b.Min.Y+y):]
		for x := 0; x < r.w; x++ {
			a := src[4*x+3]
			if a == 0 {
				dst[4*x], dst[4*x+1], dst[4*x+2], dst[4*x+3] = 0, 0, 0, 0
				continue
			}
			// Un-premultiply with rounding.
			dst[4*x+0] = uint8((uint32(src[4*x+0])*255 + uint32(a)/2) / uint32(a))
			dst[4*x+1] = uint8((uint32(src[4*x+1])*255 + uint32(a)/2) / uint32(a))
			dst[4*x+2] = uint8((uint32(src[4*x+2])*255 + uint32(a)/2) / uint32(a))
			dst[4*x+3] = a
		}
	case r.gray != nil:
		src := r.gray.Pix[r.gray.PixOffset(b.Min.X, b.Min.Y+y):]
		for x := 0; x < r.w; x++ {
			g := src[x]
			dst[4*x], dst[4*x+1], dst[4*x+2], dst[4*x+3] = g, g, g, 255
		}
	case r.pal != nil:
		src := r.pal.Pix[r.pal.PixOffset(b.Min.X, b.Min.Y+y):]
		for x := 0; x < r.w; x++ {
			c := color.NRGBAModel.Convert(r.pal.Palette[src[x]]).(color.NRGBA)
			dst[4*x+0] = c.R
			dst[4*x+1] = c.G
			dst[4*x+2] = c.B
			dst[4*x+3] = c.A
		}
	default:
		for x := 0; x < r.w; x++ {
			c := color.NRGBAModel.Convert(r.img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			dst[4*x+0] = c.R
			dst[4*x+1] = c.G
			dst[4*x+2] = c.B
			dst[4*x+3] = c.A
		}
	}
	return dst
}

// Opaque reports whether every pixel has alpha 255. The answer is cached.
func (r *Raster) Opaque() bool {
	if r.opaque >= 0 {
		return r.opaque == 1
	}
	res := true
	row := make([]byte, 4*r.w)
	for y := 0; y < r.h && res; y++ {
		r.RowNRGBA(y, row)
		for x := 0; x < r.w; x++ {
			if row[4*x+3] != 255 {
				res = false
				break
			}
		}
	}
	if res {
		r.opaque = 1
	} else {
		r.opaque = 0
	}
	return res
}

// ToNRGBA returns the whole raster as a tightly packed *image.NRGBA,
// reusing the underlying image when it already has that layout.
func (r *Raster) ToNRGBA() *image.NRGBA {
	if r.nrgba != nil && r.nrgba.Rect.Min == (image.Point{}) && r.nrgba.Stride == 4*r.w {
		return r.nrgba
	}
	out := image.NewNRGBA(image.Rect(0, 0, r.w, r.h))
	for y := 0; y < r.h; y++ {
		r.RowNRGBA(y, out.Pix[y*out.Stride:y*out.Stride+4*r.w])
	}
	return out
}
