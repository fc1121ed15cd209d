package tiff

import (
	"encoding/binary"
	"image"

	"github.com/pkg/errors"

	"github.com/deepteams/imageio/internal/codec"
)

// ifd is one parsed Image File Directory: tag id -> decoded integer
// values (rationals are stored as numerator, denominator pairs).
type ifd struct {
	values map[uint16][]uint32
	next   uint32
}

func (f *ifd) first(tag uint16, def uint32) uint32 {
	if v, ok := f.values[tag]; ok && len(v) > 0 {
		return v[0]
	}
	return def
}

// Decode parses a TIFF byte stream, following the IFD chain into a
// multi-page sequence.
func Decode(data []byte) (*codec.Sequence, error) {
	if len(data) < 8 {
		return nil, errors.Wrap(codec.ErrTruncated, "tiff: shorter than header")
	}
	var bo binary.ByteOrder
	switch {
	case data[0] == 'I' && data[1] == 'I':
		bo = binary.LittleEndian
	case data[0] == 'M' && data[1] == 'M':
		bo = binary.BigEndian
	default:
		return nil, errors.Wrap(codec.ErrMalformed, "tiff: bad byte-order mark")
	}
	if bo.Uint16(data[2:]) != 42 {
		return nil, errors.Wrap(codec.ErrMalformed, "tiff: bad magic")
	}

	seq := &codec.Sequence{}
	offset := bo.Uint32(data[4:])
	// Cycle guard: no well-formed file chains more IFDs than bytes.
	for pages := 0; offset != 0; pages++ {
		if pages > len(data) {
			return nil, errors.Wrap(codec.ErrMalformed, "tiff: IFD chain loop")
		}
		f, err := parseIFD(data, bo, offset)
		if err != nil {
			return nil, err
		}
		frame, err := decodePage(data, f)
		if err != nil {
			return nil, err
		}
		seq.Frames = append(seq.Frames, *frame)
		offset = f.next
	}
	if len(seq.Frames) == 0 {
		return nil, errors.Wrap(codec.ErrMalformed, "tiff: no IFDs")
	}
	return seq, nil
}

func parseIFD(data []byte, bo binary.ByteOrder, offset uint32) (*ifd, error) {
	if int(offset)+2 > len(data) {
		return nil, errors.Wrap(codec.ErrTruncated, "tiff: IFD offset")
	}
	n := int(bo.Uint16(data[offset:]))
	end := int(offset) + 2 + n*12
	if end+4 > len(data) {
		return nil, errors.Wrap(codec.ErrTruncated, "tiff: IFD entries")
	}

	f := &ifd{values: map[uint16][]uint32{}}
	for i := 0; i < n; i++ {
		e := data[int(offset)+2+i*12:]
		tag := bo.Uint16(e[0:])
		typ := bo.Uint16(e[2:])
		count := int(bo.Uint32(e[4:]))

		size := typeSize(typ)
		if size == 0 {
			continue // unknown value type: ignore the tag
		}
		total := size * count
		var raw []byte
		if total <= 4 {
			raw = e[8 : 8+total]
		} else {
			voff := int(bo.Uint32(e[8:]))
			if voff+total > len(data) {
				return nil, errors.Wrapf(codec.ErrTruncated, "tiff: tag %d value", tag)
			}
			raw = data[voff : voff+total]
		}

		vals := make([]uint32, 0, count)
		for j := 0; j < count; j++ {
			switch typ {
			case typeByte:
				vals = append(vals, uint32(raw[j]))
			case typeShort:
				vals = append(vals, uint32(bo.Uint16(raw[j*2:])))
			case typeLong:
				vals = append(vals, bo.Uint32(raw[j*4:]))
			case typeRational:
				vals = append(vals, bo.Uint32(raw[j*8:]), bo.Uint32(raw[j*8+4:]))
			}
		}
		f.values[tag] = vals
	}
	f.next = bo.Uint32(data[end:])
	return f, nil
}

func decodePage(data []byte, f *ifd) (*codec.Frame, error) {
	w := int(f.first(tagImageWidth, 0))
	h := int(f.first(tagImageLength, 0))
	if w <= 0 || h <= 0 {
		return nil, errors.Wrap(codec.ErrMalformed, "tiff: missing dimensions")
	}
	if c := f.first(tagCompression, 1); c != compressionNone {
		return nil, errors.Wrapf(codec.ErrUnsupported, "tiff: compression %d", c)
	}
	if p := f.first(tagPhotometric, photometricRGB); p != photometricRGB {
		return nil, errors.Wrapf(codec.ErrUnsupported, "tiff: photometric interpretation %d", p)
	}
	spp := int(f.first(tagSamplesPerPx, 3))
	if spp != 3 && spp != 4 {
		return nil, errors.Wrapf(codec.ErrUnsupported, "tiff: %d samples per pixel", spp)
	}
	for _, b := range f.values[tagBitsPerSample] {
		if b != 8 {
			return nil, errors.Wrapf(codec.ErrUnsupported, "tiff: %d bits per sample", b)
		}
	}

	offsets := f.values[tagStripOffsets]
	counts := f.values[tagStripByteCount]
	if len(offsets) == 0 || len(offsets) != len(counts) {
		return nil, errors.Wrap(codec.ErrMalformed, "tiff: inconsistent strip tags")
	}
	rowsPerStrip := int(f.first(tagRowsPerStrip, uint32(h)))
	if rowsPerStrip <= 0 {
		rowsPerStrip = h
	}

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	hasAlpha := spp == 4

	row := 0
	for s := range offsets {
		off, cnt := int(offsets[s]), int(counts[s])
		if off+cnt > len(data) {
			return nil, errors.Wrap(codec.ErrTruncated, "tiff: strip data")
		}
		strip := data[off : off+cnt]
		rows := rowsPerStrip
		if row+rows > h {
			rows = h - row
		}
		if cnt < rows*w*spp {
			return nil, errors.Wrap(codec.ErrTruncated, "tiff: strip shorter than declared rows")
		}
		for y := 0; y < rows; y++ {
			src := strip[y*w*spp:]
			dst := img.Pix[(row+y)*img.Stride:]
			for x := 0; x < w; x++ {
				dst[4*x+0] = src[spp*x+0]
				dst[4*x+1] = src[spp*x+1]
				dst[4*x+2] = src[spp*x+2]
				if hasAlpha {
					dst[4*x+3] = src[spp*x+3]
				} else {
					dst[4*x+3] = 255
				}
			}
		}
		row += rows
	}
	if row < h {
		return nil, errors.Wrap(codec.ErrTruncated, "tiff: strips cover fewer rows than ImageLength")
	}

	props := codec.Properties{
		codec.KeyPixelWidth:  codec.Int(int64(w)),
		codec.KeyPixelHeight: codec.Int(int64(h)),
		codec.KeyColorModel:  codec.String("RGB"),
		codec.KeyDepth:       codec.Int(8),
		codec.KeyHasAlpha:    codec.Bool(hasAlpha),
	}
	if r := f.values[tagXResolution]; len(r) == 2 && r[1] != 0 && f.first(tagResolutionUnit, resolutionUnitInch) == resolutionUnitInch {
		props[codec.KeyDPIWidth] = codec.Float(float64(r[0]) / float64(r[1]))
	}
	if r := f.values[tagYResolution]; len(r) == 2 && r[1] != 0 && f.first(tagResolutionUnit, resolutionUnitInch) == resolutionUnitInch {
		props[codec.KeyDPIHeight] = codec.Float(float64(r[0]) / float64(r[1]))
	}
	return &codec.Frame{Image: img, Props: props}, nil
}
