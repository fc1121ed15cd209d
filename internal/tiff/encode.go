package tiff

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/deepteams/imageio/internal/codec"
)

// Encoder writes little-endian multi-page TIFF: for each page the pixel
// strip, then auxiliary tag values, then the IFD. TIFF permits a variable
// number of pages, so the declared count is not enforced.
type Encoder struct {
	frames []*codec.Frame
	done   bool
}

// NewEncoder creates a TIFF encoder.
func NewEncoder(_ int, _ *codec.EncodeOptions) (*Encoder, error) {
	return &Encoder{}, nil
}

// AddFrame appends one page.
func (e *Encoder) AddFrame(f *codec.Frame) error {
	if e.done {
		return errors.Wrap(codec.ErrInvalidParameter, "tiff: encoder already finalized")
	}
	if _, err := codec.NewRaster(f.Image); err != nil {
		return err
	}
	e.frames = append(e.frames, f)
	return nil
}

// SetContainerProps is a no-op; TIFF carries its metadata per page.
func (e *Encoder) SetContainerProps(codec.Properties) {}

// ifdEntry is one directory record before serialization.
type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	value uint32 // inline value or offset to out-of-line storage
}

// Finalize assembles the TIFF byte stream.
func (e *Encoder) Finalize() ([]byte, error) {
	if e.done {
		return nil, errors.Wrap(codec.ErrInvalidParameter, "tiff: encoder already finalized")
	}
	e.done = true
	if len(e.frames) == 0 {
		return nil, errors.Wrap(codec.ErrInvalidParameter, "tiff: no pages added")
	}

	out := make([]byte, 8)
	out[0], out[1] = 'I', 'I'
	binary.LittleEndian.PutUint16(out[2:], 42)
	// First IFD offset patched in after the first page's strip is laid out.

	var prevNextPtr int // byte offset of the pointer to patch with the next IFD offset
	for i, f := range e.frames {
		r, err := codec.NewRaster(f.Image)
		if err != nil {
			return nil, err
		}
		w, h := r.Width(), r.Height()
		spp := 3
		if !r.Opaque() {
			spp = 4
		}

		// Pixel strip.
		stripOffset := len(out)
		strip := make([]byte, w*h*spp)
		row := make([]byte, 4*w)
		for y := 0; y < h; y++ {
			r.RowNRGBA(y, row)
			for x := 0; x < w; x++ {
				strip[(y*w+x)*spp+0] = row[4*x+0]
				strip[(y*w+x)*spp+1] = row[4*x+1]
				strip[(y*w+x)*spp+2] = row[4*x+2]
				if spp == 4 {
					strip[(y*w+x)*spp+3] = row[4*x+3]
				}
			}
		}
		out = append(out, strip...)

		// BitsPerSample array (3 or 4 shorts > 4 bytes, stored out of line).
		bitsOffset := len(out)
		for j := 0; j < spp; j++ {
			out = append(out, 8, 0)
		}
		// X/Y resolution rationals.
		dpiX := f.Props.GetFloat(codec.KeyDPIWidth, 72)
		dpiY := f.Props.GetFloat(codec.KeyDPIHeight, 72)
		xResOffset := len(out)
		out = appendRational(out, dpiX)
		yResOffset := len(out)
		out = appendRational(out, dpiY)

		// Word-align the IFD.
		if len(out)%2 == 1 {
			out = append(out, 0)
		}
		ifdOffset := len(out)
		if i == 0 {
			binary.LittleEndian.PutUint32(out[4:], uint32(ifdOffset))
		} else {
			binary.LittleEndian.PutUint32(out[prevNextPtr:], uint32(ifdOffset))
		}

		entries := []ifdEntry{
			{tag: tagImageWidth, typ: typeLong, count: 1, value: uint32(w)},
			{tag: tagImageLength, typ: typeLong, count: 1, value: uint32(h)},
			{tag: tagBitsPerSample, typ: typeShort, count: uint32(spp), value: uint32(bitsOffset)},
			{tag: tagCompression, typ: typeShort, count: 1, value: compressionNone},
			{tag: tagPhotometric, typ: typeShort, count: 1, value: photometricRGB},
			{tag: tagStripOffsets, typ: typeLong, count: 1, value: uint32(stripOffset)},
			{tag: tagSamplesPerPx, typ: typeShort, count: 1, value: uint32(spp)},
			{tag: tagRowsPerStrip, typ: typeLong, count: 1, value: uint32(h)},
			{tag: tagStripByteCount, typ: typeLong, count: 1, value: uint32(len(strip))},
			{tag: tagXResolution, typ: typeRational, count: 1, value: uint32(xResOffset)},
			{tag: tagYResolution, typ: typeRational, count: 1, value: uint32(yResOffset)},
			{tag: tagResolutionUnit, typ: typeShort, count: 1, value: resolutionUnitInch},
		}
		if spp == 4 {
			entries = append(entries, ifdEntry{
				tag: tagExtraSamples, typ: typeShort, count: 1, value: extraUnassociatedAlpha,
			})
		}
		// Tags are already in ascending order by construction; the IFD
		// format requires it.

		var cnt [2]byte
		binary.LittleEndian.PutUint16(cnt[:], uint16(len(entries)))
		out = append(out, cnt[:]...)
		for _, en := range entries {
			var rec [12]byte
			binary.LittleEndian.PutUint16(rec[0:], en.tag)
			binary.LittleEndian.PutUint16(rec[2:], en.typ)
			binary.LittleEndian.PutUint32(rec[4:], en.count)
			if en.typ == typeShort && en.count == 1 {
				binary.LittleEndian.PutUint16(rec[8:], uint16(en.value))
			} else {
				binary.LittleEndian.PutUint32(rec[8:], en.value)
			}
			out = append(out, rec[:]...)
		}
		prevNextPtr = len(out)
		out = append(out, 0, 0, 0, 0) // next IFD offset; last page keeps 0
	}
	return out, nil
}

func appendRational(out []byte, v float64) []byte {
	const den = 100
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:], uint32(v*den+0.5))
	binary.LittleEndian.PutUint32(buf[4:], den)
	return append(out, buf[:]...)
}

var _ codec.Encoder = (*Encoder)(nil)
