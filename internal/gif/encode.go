package gif

import (
	"encoding/binary"
	"image/color"
	"math/bits"

	"github.com/pkg/errors"

	"github.com/deepteams/imageio/internal/codec"
	"github.com/deepteams/imageio/internal/lzw"
	"github.com/deepteams/imageio/internal/quant"
)

// Encoder writes GIF89a. Frames are buffered so a global palette can be
// built over their union; GIF permits a variable frame count, so the
// declared count is advisory.
type Encoder struct {
	opts      codec.EncodeOptions
	container codec.Properties
	frames    []*codec.Frame
	done      bool
}

// NewEncoder creates a GIF encoder.
func NewEncoder(_ int, opts *codec.EncodeOptions) (*Encoder, error) {
	return &Encoder{opts: *opts}, nil
}

// AddFrame appends one frame.
func (e *Encoder) AddFrame(f *codec.Frame) error {
	if e.done {
		return errors.Wrap(codec.ErrInvalidParameter, "gif: encoder already finalized")
	}
	r, err := codec.NewRaster(f.Image)
	if err != nil {
		return err
	}
	if len(e.frames) > 0 {
		prev, _ := codec.NewRaster(e.frames[0].Image)
		if r.Width() != prev.Width() || r.Height() != prev.Height() {
			return errors.Wrap(codec.ErrInvalidParameter, "gif: frame dimensions differ")
		}
	}
	e.frames = append(e.frames, f)
	return nil
}

// SetContainerProps records loop count and default delay.
func (e *Encoder) SetContainerProps(p codec.Properties) { e.container = p }

// Finalize assembles the GIF89a byte stream.
func (e *Encoder) Finalize() ([]byte, error) {
	if e.done {
		return nil, errors.Wrap(codec.ErrInvalidParameter, "gif: encoder already finalized")
	}
	e.done = true
	if len(e.frames) == 0 {
		return nil, errors.Wrap(codec.ErrInvalidParameter, "gif: no frames added")
	}

	r0, err := codec.NewRaster(e.frames[0].Image)
	if err != nil {
		return nil, err
	}
	w, h := r0.Width(), r0.Height()

	// Gather all frame pixels once; palette construction and index
	// mapping both need them.
	pixels := make([][]byte, len(e.frames))
	hasTransparent := false
	for i, f := range e.frames {
		r, err := codec.NewRaster(f.Image)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, w*h*4)
		for y := 0; y < h; y++ {
			r.RowNRGBA(y, buf[y*w*4:(y+1)*w*4])
		}
		pixels[i] = buf
		if !hasTransparent {
			for p := 3; p < len(buf); p += 4 {
				if buf[p] < 128 {
					hasTransparent = true
					break
				}
			}
		}
	}

	pal, transIndex := e.buildPalette(pixels, hasTransparent)
	palSize := paddedPaletteSize(len(pal))

	out := make([]byte, 0, w*h/2+1024)
	out = append(out, "GIF89a"...)
	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], uint16(w))
	out = append(out, u16[:]...)
	binary.LittleEndian.PutUint16(u16[:], uint16(h))
	out = append(out, u16[:]...)
	// Global color table flag, 8 bits of color resolution, table size.
	out = append(out, 0x80|0x70|byte(bits.Len(uint(palSize))-2), 0, 0)
	for i := 0; i < palSize; i++ {
		if i < len(pal) {
			out = append(out, pal[i].R, pal[i].G, pal[i].B)
		} else {
			out = append(out, 0, 0, 0)
		}
	}

	if len(e.frames) > 1 {
		out = e.appendLoopExtension(out)
	}

	litWidth := bits.Len(uint(palSize)) - 1
	if litWidth < 2 {
		litWidth = 2
	}

	for i, f := range e.frames {
		// Graphic control extension.
		delay := e.delayFor(f)
		centi := int(delay*100 + 0.5)
		packed := byte(DisposalKeep << 2)
		ti := byte(0)
		if transIndex >= 0 {
			packed |= 0x01
			ti = byte(transIndex)
		}
		out = append(out, blockExtension, extGraphicControl, 4, packed)
		binary.LittleEndian.PutUint16(u16[:], uint16(centi))
		out = append(out, u16[:]...)
		out = append(out, ti, 0)

		// Image descriptor, full canvas, global palette.
		out = append(out, blockImage, 0, 0, 0, 0)
		binary.LittleEndian.PutUint16(u16[:], uint16(w))
		out = append(out, u16[:]...)
		binary.LittleEndian.PutUint16(u16[:], uint16(h))
		out = append(out, u16[:]...)
		out = append(out, 0)

		indices := e.mapIndices(pixels[i], w, h, pal, transIndex)
		compressed, err := lzw.Encode(indices, litWidth, lzw.LSB)
		if err != nil {
			return nil, err
		}
		out = append(out, byte(litWidth))
		out = appendSubBlocks(out, compressed)
	}

	return append(out, blockTrailer), nil
}

// buildPalette constructs the global palette over the union of frames,
// reserving the last slot as the transparent index when needed.
func (e *Encoder) buildPalette(pixels [][]byte, hasTransparent bool) ([]color.NRGBA, int) {
	budget := 256
	if hasTransparent {
		budget = 255
	}
	var all []byte
	if len(pixels) == 1 {
		all = pixels[0]
	} else {
		for _, p := range pixels {
			all = append(all, p...)
		}
	}
	pal := quant.MedianCut(all, budget)
	transIndex := -1
	if hasTransparent {
		transIndex = len(pal)
		pal = append(pal, color.NRGBA{})
	}
	return pal, transIndex
}

func (e *Encoder) mapIndices(px []byte, w, h int, pal []color.NRGBA, transIndex int) []byte {
	// Exclude the transparent slot from nearest-color search.
	search := pal
	if transIndex >= 0 {
		search = pal[:transIndex]
	}
	if e.opts.Dither {
		return quant.Dither(px, w, h, search, transIndex)
	}
	return quant.Map(px, w, h, search, transIndex)
}

func (e *Encoder) delayFor(f *codec.Frame) float64 {
	if f.Props != nil {
		if v, ok := f.Props[codec.KeyDelayTime]; ok {
			if d, ok := v.AsFloat(); ok {
				return d
			}
		}
	}
	if e.opts.Delay > 0 {
		return e.opts.Delay
	}
	if e.container != nil {
		return e.container.GetFloat(codec.OptDelay, 0.1)
	}
	return 0.1
}

func (e *Encoder) appendLoopExtension(out []byte) []byte {
	loop := e.opts.LoopCount
	if e.container != nil {
		loop = int(e.container.GetInt(codec.OptLoopCount, int64(loop)))
	}
	out = append(out, blockExtension, extApplication, 11)
	out = append(out, "NETSCAPE2.0"...)
	out = append(out, 3, 1)
	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], uint16(loop))
	out = append(out, u16[:]...)
	return append(out, 0)
}

// paddedPaletteSize rounds n up to the next power of two in [2, 256],
// the only sizes a GIF color table may have.
func paddedPaletteSize(n int) int {
	size := 2
	for size < n {
		size <<= 1
	}
	return size
}

// appendSubBlocks splits data into length-prefixed sub-blocks of at most
// 255 bytes and appends the 0x00 terminator.
func appendSubBlocks(out, data []byte) []byte {
	for len(data) > 0 {
		n := len(data)
		if n > 255 {
			n = 255
		}
		out = append(out, byte(n))
		out = append(out, data[:n]...)
		data = data[n:]
	}
	return append(out, 0)
}

var _ codec.Encoder = (*Encoder)(nil)
