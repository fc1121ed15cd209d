// Package bmp implements the Windows BMP decoder and encoder for
// uncompressed 24-bit BGR and 32-bit BGRA rasters with v3 (BITMAPINFO),
// v4, and v5 headers.
package bmp

import (
	"encoding/binary"
	"image"

	"github.com/pkg/errors"

	"github.com/deepteams/imageio/internal/codec"
)

const (
	fileHeaderSize = 14
	infoHeaderSize = 40
	v4HeaderSize   = 108
	v5HeaderSize   = 124

	biRGB       = 0
	biBitfields = 3

	lcsSRGB = 0x73524742 // 'sRGB'
)

// Decode parses a BMP byte stream into a single-frame sequence.
func Decode(data []byte) (*codec.Sequence, error) {
	if len(data) < fileHeaderSize+infoHeaderSize {
		return nil, errors.Wrap(codec.ErrTruncated, "bmp: shorter than headers")
	}
	if data[0] != 'B' || data[1] != 'M' {
		return nil, errors.Wrap(codec.ErrMalformed, "bmp: bad magic")
	}
	pixOffset := int(binary.LittleEndian.Uint32(data[10:]))

	hdrSize := int(binary.LittleEndian.Uint32(data[14:]))
	switch hdrSize {
	case infoHeaderSize, v4HeaderSize, v5HeaderSize:
	default:
		return nil, errors.Wrapf(codec.ErrUnsupported, "bmp: header size %d", hdrSize)
	}
	if len(data) < fileHeaderSize+hdrSize {
		return nil, errors.Wrap(codec.ErrTruncated, "bmp: info header")
	}

	width := int(int32(binary.LittleEndian.Uint32(data[18:])))
	rawHeight := int(int32(binary.LittleEndian.Uint32(data[22:])))
	planes := binary.LittleEndian.Uint16(data[26:])
	bitCount := binary.LittleEndian.Uint16(data[28:])
	compression := binary.LittleEndian.Uint32(data[30:])

	topDown := false
	height := rawHeight
	if height < 0 {
		topDown = true
		height = -height
	}
	if width <= 0 || height == 0 {
		return nil, errors.Wrap(codec.ErrMalformed, "bmp: bad dimensions")
	}
	if planes != 1 {
		return nil, errors.Wrap(codec.ErrMalformed, "bmp: planes != 1")
	}
	if bitCount != 24 && bitCount != 32 {
		return nil, errors.Wrapf(codec.ErrUnsupported, "bmp: bit depth %d", bitCount)
	}

	hasAlphaMask := false
	switch compression {
	case biRGB:
	case biBitfields:
		if bitCount != 32 {
			return nil, errors.Wrap(codec.ErrUnsupported, "bmp: bitfields on 24-bit image")
		}
		// Masks live in the v4 header, or right after a v3 header.
		maskOff := fileHeaderSize + infoHeaderSize
		if hdrSize >= v4HeaderSize {
			maskOff = fileHeaderSize + 40
		}
		if len(data) < maskOff+16 {
			return nil, errors.Wrap(codec.ErrTruncated, "bmp: channel masks")
		}
		r := binary.LittleEndian.Uint32(data[maskOff:])
		g := binary.LittleEndian.Uint32(data[maskOff+4:])
		b := binary.LittleEndian.Uint32(data[maskOff+8:])
		a := binary.LittleEndian.Uint32(data[maskOff+12:])
		if r != 0x00FF0000 || g != 0x0000FF00 || b != 0x000000FF {
			return nil, errors.Wrap(codec.ErrUnsupported, "bmp: non-BGRA channel masks")
		}
		hasAlphaMask = a == 0xFF000000
	default:
		return nil, errors.Wrapf(codec.ErrUnsupported, "bmp: compression %d", compression)
	}

	bypp := int(bitCount) / 8
	rowSize := (width*bypp + 3) &^ 3
	if pixOffset < fileHeaderSize+hdrSize || pixOffset+rowSize*height > len(data) {
		return nil, errors.Wrap(codec.ErrTruncated, "bmp: pixel data")
	}

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		srcY := y
		if !topDown {
			srcY = height - 1 - y
		}
		row := data[pixOffset+srcY*rowSize:]
		dst := img.Pix[y*img.Stride:]
		for x := 0; x < width; x++ {
			dst[4*x+0] = row[x*bypp+2]
			dst[4*x+1] = row[x*bypp+1]
			dst[4*x+2] = row[x*bypp+0]
			if bypp == 4 && hasAlphaMask {
				dst[4*x+3] = row[x*bypp+3]
			} else {
				dst[4*x+3] = 255
			}
		}
	}

	props := codec.Properties{
		codec.KeyPixelWidth:  codec.Int(int64(width)),
		codec.KeyPixelHeight: codec.Int(int64(height)),
		codec.KeyColorModel:  codec.String("RGB"),
		codec.KeyDepth:       codec.Int(8),
		codec.KeyHasAlpha:    codec.Bool(bypp == 4 && hasAlphaMask),
	}
	return &codec.Sequence{Frames: []codec.Frame{{Image: img, Props: props}}}, nil
}

// Encoder writes a single-frame BMP. With PreserveAlpha it emits a
// BITMAPV4HEADER carrying 32-bit BGRA with an sRGB color-space tag;
// otherwise a plain BITMAPINFOHEADER with 24-bit BGR.
type Encoder struct {
	opts  codec.EncodeOptions
	frame *codec.Frame
	done  bool
}

// NewEncoder creates a BMP encoder. BMP holds exactly one image.
func NewEncoder(declared int, opts *codec.EncodeOptions) (*Encoder, error) {
	if declared != 1 {
		return nil, errors.Wrapf(codec.ErrInvalidParameter, "bmp: declared frame count %d", declared)
	}
	return &Encoder{opts: *opts}, nil
}

// AddFrame stores the single frame to be written.
func (e *Encoder) AddFrame(f *codec.Frame) error {
	if e.done {
		return errors.Wrap(codec.ErrInvalidParameter, "bmp: encoder already finalized")
	}
	if e.frame != nil {
		return errors.Wrap(codec.ErrInvalidParameter, "bmp: frame count exceeded")
	}
	if _, err := codec.NewRaster(f.Image); err != nil {
		return err
	}
	e.frame = f
	return nil
}

// SetContainerProps is a no-op; BMP has no container-level properties.
func (e *Encoder) SetContainerProps(codec.Properties) {}

// Finalize assembles the BMP byte stream.
func (e *Encoder) Finalize() ([]byte, error) {
	if e.done {
		return nil, errors.Wrap(codec.ErrInvalidParameter, "bmp: encoder already finalized")
	}
	e.done = true
	if e.frame == nil {
		return nil, errors.Wrap(codec.ErrInvalidParameter, "bmp: no frame added")
	}
	r, err := codec.NewRaster(e.frame.Image)
	if err != nil {
		return nil, err
	}
	w, h := r.Width(), r.Height()

	alpha := e.opts.PreserveAlpha
	bypp := 3
	hdrSize := infoHeaderSize
	if alpha {
		bypp = 4
		hdrSize = v4HeaderSize
	}
	rowSize := (w*bypp + 3) &^ 3
	pixOffset := fileHeaderSize + hdrSize
	total := pixOffset + rowSize*h

	out := make([]byte, total)
	out[0], out[1] = 'B', 'M'
	binary.LittleEndian.PutUint32(out[2:], uint32(total))
	binary.LittleEndian.PutUint32(out[10:], uint32(pixOffset))

	binary.LittleEndian.PutUint32(out[14:], uint32(hdrSize))
	binary.LittleEndian.PutUint32(out[18:], uint32(w))
	binary.LittleEndian.PutUint32(out[22:], uint32(h)) // bottom-up
	binary.LittleEndian.PutUint16(out[26:], 1)
	binary.LittleEndian.PutUint16(out[28:], uint16(bypp*8))
	binary.LittleEndian.PutUint32(out[34:], uint32(rowSize*h))
	if alpha {
		binary.LittleEndian.PutUint32(out[30:], biBitfields)
		binary.LittleEndian.PutUint32(out[54:], 0x00FF0000) // R
		binary.LittleEndian.PutUint32(out[58:], 0x0000FF00) // G
		binary.LittleEndian.PutUint32(out[62:], 0x000000FF) // B
		binary.LittleEndian.PutUint32(out[66:], 0xFF000000) // A
		binary.LittleEndian.PutUint32(out[70:], lcsSRGB)
	}

	row := make([]byte, 4*w)
	for y := 0; y < h; y++ {
		r.RowNRGBA(y, row)
		dst := out[pixOffset+(h-1-y)*rowSize:]
		for x := 0; x < w; x++ {
			dst[x*bypp+0] = row[4*x+2]
			dst[x*bypp+1] = row[4*x+1]
			dst[x*bypp+2] = row[4*x+0]
			if alpha {
				dst[x*bypp+3] = row[4*x+3]
			}
		}
	}
	return out, nil
}

var _ codec.Encoder = (*Encoder)(nil)
