// Package gif implements the GIF87a/GIF89a decoder and the GIF89a
// encoder. Multi-frame images are composited against the logical screen
// using the per-frame disposal method, yielding full-canvas RGBA frames.
package gif

import (
	"encoding/binary"
	"image"
	"image/color"

	"github.com/pkg/errors"

	"github.com/deepteams/imageio/internal/codec"
	"github.com/deepteams/imageio/internal/lzw"
)

// Block introducers and extension labels.
const (
	blockExtension = 0x21
	blockImage     = 0x2C
	blockTrailer   = 0x3B

	extGraphicControl = 0xF9
	extComment        = 0xFE
	extPlainText      = 0x01
	extApplication    = 0xFF
)

// Disposal methods from the GIF89a specification.
const (
	DisposalNone       = 0
	DisposalKeep       = 1
	DisposalBackground = 2
	DisposalPrevious   = 3
)

type graphicControl struct {
	disposal   int
	delay      float64 // seconds
	transIndex int     // -1 when unset
}

type reader struct {
	data []byte
	pos  int
}

func (r *reader) u8() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, errors.Wrap(codec.ErrTruncated, "gif: unexpected end of stream")
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if r.pos+n > len(r.data) {
		return nil, errors.Wrap(codec.ErrTruncated, "gif: unexpected end of stream")
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) u16() (int, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return int(binary.LittleEndian.Uint16(b)), nil
}

// subBlocks concatenates a sequence of length-prefixed data sub-blocks
// up to the 0x00 terminator.
func (r *reader) subBlocks() ([]byte, error) {
	var out []byte
	for {
		n, err := r.u8()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return out, nil
		}
		b, err := r.bytes(int(n))
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
}

// skipSubBlocks discards sub-blocks up to the terminator.
func (r *reader) skipSubBlocks() error {
	_, err := r.subBlocks()
	return err
}

func readColorTable(r *reader, size int) (color.Palette, error) {
	raw, err := r.bytes(3 * size)
	if err != nil {
		return nil, err
	}
	pal := make(color.Palette, size)
	for i := 0; i < size; i++ {
		pal[i] = color.NRGBA{R: raw[3*i], G: raw[3*i+1], B: raw[3*i+2], A: 255}
	}
	return pal, nil
}

// Decode parses a complete GIF byte stream into a frame sequence.
func Decode(data []byte) (*codec.Sequence, error) {
	r := &reader{data: data}
	hdr, err := r.bytes(6)
	if err != nil {
		return nil, err
	}
	if string(hdr) != "GIF87a" && string(hdr) != "GIF89a" {
		return nil, errors.Wrap(codec.ErrMalformed, "gif: bad header")
	}

	width, err := r.u16()
	if err != nil {
		return nil, err
	}
	height, err := r.u16()
	if err != nil {
		return nil, err
	}
	packed, err := r.u8()
	if err != nil {
		return nil, err
	}
	bgIndex, err := r.u8()
	if err != nil {
		return nil, err
	}
	if _, err := r.u8(); err != nil { // aspect ratio, unused
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, errors.Wrap(codec.ErrMalformed, "gif: bad logical screen size")
	}

	var globalPal color.Palette
	if packed&0x80 != 0 {
		size := 2 << (packed & 0x07)
		globalPal, err = readColorTable(r, size)
		if err != nil {
			return nil, err
		}
	}

	seq := &codec.Sequence{Props: codec.Properties{}}
	canvas := image.NewNRGBA(image.Rect(0, 0, width, height))
	var prevCanvas []byte // snapshot for DisposalPrevious

	gc := graphicControl{disposal: DisposalNone, transIndex: -1}
	gcValid := false
	loopCount := -1

	for {
		introducer, err := r.u8()
		if err != nil {
			return nil, err
		}
		switch introducer {
		case blockTrailer:
			if len(seq.Frames) == 0 {
				return nil, errors.Wrap(codec.ErrMalformed, "gif: no image data")
			}
			if loopCount >= 0 {
				seq.Props[codec.KeyLoopCount] = codec.Int(int64(loopCount))
			}
			return seq, nil

		case blockExtension:
			label, err := r.u8()
			if err != nil {
				return nil, err
			}
			switch label {
			case extGraphicControl:
				body, err := r.subBlocks()
				if err != nil {
					return nil, err
				}
				if len(body) < 4 {
					return nil, errors.Wrap(codec.ErrMalformed, "gif: short graphic control block")
				}
				gc.disposal = int(body[0]>>2) & 0x07
				if gc.disposal > DisposalPrevious {
					gc.disposal = DisposalNone
				}
				gc.delay = float64(binary.LittleEndian.Uint16(body[1:])) / 100
				if body[0]&0x01 != 0 {
					gc.transIndex = int(body[3])
				} else {
					gc.transIndex = -1
				}
				gcValid = true
			case extApplication:
				body, err := r.subBlocks()
				if err != nil {
					return nil, err
				}
				// NETSCAPE2.0 sub-block: 0x01, loop count lo, hi.
				if len(body) >= 14 && string(body[:11]) == "NETSCAPE2.0" && body[11] == 1 {
					loopCount = int(binary.LittleEndian.Uint16(body[12:]))
				}
			default: // comments, plain text
				if err := r.skipSubBlocks(); err != nil {
					return nil, err
				}
			}

		case blockImage:
			if !gcValid {
				gc = graphicControl{disposal: DisposalNone, transIndex: -1}
			}
			frame, err := decodeFrame(r, canvas, &prevCanvas, globalPal, bgIndex, gc, len(seq.Frames) == 0)
			if err != nil {
				return nil, err
			}
			seq.Frames = append(seq.Frames, *frame)
			gcValid = false

		default:
			return nil, errors.Wrapf(codec.ErrMalformed, "gif: unknown block introducer 0x%02x", introducer)
		}
	}
}

// decodeFrame reads one image descriptor plus pixel data and composites
// it onto the canvas, returning the full-canvas frame.
func decodeFrame(r *reader, canvas *image.NRGBA, prevCanvas *[]byte, globalPal color.Palette, bgIndex byte, gc graphicControl, first bool) (*codec.Frame, error) {
	left, err := r.u16()
	if err != nil {
		return nil, err
	}
	top, err := r.u16()
	if err != nil {
		return nil, err
	}
	fw, err := r.u16()
	if err != nil {
		return nil, err
	}
	fh, err := r.u16()
	if err != nil {
		return nil, err
	}
	packed, err := r.u8()
	if err != nil {
		return nil, err
	}

	pal := globalPal
	if packed&0x80 != 0 {
		pal, err = readColorTable(r, 2<<(packed&0x07))
		if err != nil {
			return nil, err
		}
	}
	if pal == nil {
		return nil, errors.Wrap(codec.ErrMalformed, "gif: image without color table")
	}
	interlaced := packed&0x40 != 0

	bounds := canvas.Bounds()
	if left+fw > bounds.Dx() || top+fh > bounds.Dy() {
		return nil, errors.Wrap(codec.ErrOutOfBounds, "gif: frame exceeds logical screen")
	}

	litWidth, err := r.u8()
	if err != nil {
		return nil, err
	}
	if litWidth < 2 || litWidth > 8 {
		return nil, errors.Wrapf(codec.ErrMalformed, "gif: LZW code size %d", litWidth)
	}
	compressed, err := r.subBlocks()
	if err != nil {
		return nil, err
	}
	indices, err := lzw.Decode(compressed, int(litWidth), lzw.LSB, fw*fh)
	if err != nil {
		return nil, err
	}
	if len(indices) < fw*fh {
		return nil, errors.Wrap(codec.ErrTruncated, "gif: pixel data short")
	}
	if interlaced {
		indices = deinterlace(indices, fw, fh)
	}

	// Snapshot for restore-to-previous before drawing.
	if gc.disposal == DisposalPrevious {
		snap := make([]byte, len(canvas.Pix))
		copy(snap, canvas.Pix)
		*prevCanvas = snap
	}

	// Composite the frame rectangle onto the canvas.
	for y := 0; y < fh; y++ {
		for x := 0; x < fw; x++ {
			idx := indices[y*fw+x]
			if int(idx) >= len(pal) {
				return nil, errors.Wrapf(codec.ErrOutOfBounds, "gif: pixel index %d of %d", idx, len(pal))
			}
			if gc.transIndex >= 0 && int(idx) == gc.transIndex {
				continue
			}
			c := pal[idx].(color.NRGBA)
			off := (top+y)*canvas.Stride + (left+x)*4
			canvas.Pix[off+0] = c.R
			canvas.Pix[off+1] = c.G
			canvas.Pix[off+2] = c.B
			canvas.Pix[off+3] = 255
		}
	}

	// Emitted frame: full-canvas copy. The first frame keeps its palette
	// when it covers the whole logical screen, whether or not more
	// frames follow.
	var img image.Image
	if first && left == 0 && top == 0 && fw == bounds.Dx() && fh == bounds.Dy() {
		p := image.NewPaletted(bounds, framePalette(pal, gc.transIndex))
		copy(p.Pix, indices)
		img = p
	} else {
		out := image.NewNRGBA(bounds)
		copy(out.Pix, canvas.Pix)
		img = out
	}

	// Dispose after emitting.
	switch gc.disposal {
	case DisposalBackground:
		// Clear the frame rectangle. With a transparent background
		// index (the common case) this means fully transparent.
		var bg color.NRGBA
		if gc.transIndex < 0 && int(bgIndex) < len(pal) {
			bg = pal[bgIndex].(color.NRGBA)
		}
		for y := 0; y < fh; y++ {
			for x := 0; x < fw; x++ {
				off := (top+y)*canvas.Stride + (left+x)*4
				canvas.Pix[off+0] = bg.R
				canvas.Pix[off+1] = bg.G
				canvas.Pix[off+2] = bg.B
				canvas.Pix[off+3] = bg.A
			}
		}
	case DisposalPrevious:
		if *prevCanvas != nil {
			copy(canvas.Pix, *prevCanvas)
		}
	}

	props := codec.Properties{
		codec.KeyPixelWidth:  codec.Int(int64(bounds.Dx())),
		codec.KeyPixelHeight: codec.Int(int64(bounds.Dy())),
		codec.KeyColorModel:  codec.String("Indexed"),
		codec.KeyDepth:       codec.Int(8),
		codec.KeyDelayTime:   codec.Float(gc.delay),
		codec.KeyDisposal:    codec.Int(int64(gc.disposal)),
		codec.KeyHasAlpha:    codec.Bool(gc.transIndex >= 0),
	}
	return &codec.Frame{Image: img, Props: props}, nil
}

// framePalette copies pal, marking the transparent index fully
// transparent.
func framePalette(pal color.Palette, transIndex int) color.Palette {
	out := make(color.Palette, len(pal))
	copy(out, pal)
	if transIndex >= 0 && transIndex < len(out) {
		c := out[transIndex].(color.NRGBA)
		c.A = 0
		out[transIndex] = c
	}
	return out
}

// deinterlace reorders the four GIF interlace passes into sequential
// rows.
func deinterlace(src []byte, w, h int) []byte {
	out := make([]byte, len(src))
	row := 0
	for _, p := range [4][2]int{{0, 8}, {4, 8}, {2, 4}, {1, 2}} {
		for y := p[0]; y < h; y += p[1] {
			copy(out[y*w:(y+1)*w], src[row*w:(row+1)*w])
			row++
		}
	}
	return out
}
