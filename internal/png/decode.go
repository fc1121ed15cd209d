// Package png implements the PNG (RFC 2083) decoder and encoder.
//
// Supported pixel layouts are the five standard color types at bit depth
// 8, plus bit depth 16 on decode (folded to 8 bits). Adam7 interlaced
// images are decoded; the encoder always writes non-interlaced output.
package png

import (
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"

	"github.com/pkg/errors"

	"github.com/deepteams/imageio/internal/codec"
	"github.com/deepteams/imageio/internal/flate"
)

var signature = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}

// Color types from the PNG spec.
const (
	ctGray      = 0
	ctTrueColor = 2
	ctPalette   = 3
	ctGrayAlpha = 4
	ctTrueAlpha = 6
)

type ihdr struct {
	width, height int
	bitDepth      byte
	colorType     byte
	interlace     byte
}

// channels returns the number of samples per pixel for the color type.
func (h *ihdr) channels() int {
	switch h.colorType {
	case ctGray, ctPalette:
		return 1
	case ctGrayAlpha:
		return 2
	case ctTrueColor:
		return 3
	default:
		return 4
	}
}

type decoder struct {
	hdr     ihdr
	palette color.Palette
	trans   []byte // raw tRNS payload
	idat    []byte
	dpiX    float64
	dpiY    float64
}

// Decode parses a complete PNG byte stream into a single-frame sequence.
func Decode(data []byte) (*codec.Sequence, error) {
	if len(data) < len(signature)+12 {
		return nil, errors.Wrap(codec.ErrTruncated, "png: shorter than signature")
	}
	for i, b := range signature {
		if data[i] != b {
			return nil, errors.Wrap(codec.ErrMalformed, "png: bad signature")
		}
	}

	d := &decoder{}
	pos := len(signature)
	sawIHDR, sawIEND := false, false

	for pos < len(data) && !sawIEND {
		if pos+8 > len(data) {
			return nil, errors.Wrap(codec.ErrTruncated, "png: chunk header")
		}
		length := int(binary.BigEndian.Uint32(data[pos:]))
		ctype := string(data[pos+4 : pos+8])
		if pos+12+length > len(data) {
			return nil, errors.Wrapf(codec.ErrTruncated, "png: chunk %s body", ctype)
		}
		body := data[pos+8 : pos+8+length]
		wantCRC := binary.BigEndian.Uint32(data[pos+8+length:])
		if got := crc32.ChecksumIEEE(data[pos+4 : pos+8+length]); got != wantCRC {
			return nil, errors.Wrapf(codec.ErrChecksumMismatch, "png: chunk %s crc %08x != %08x", ctype, got, wantCRC)
		}
		pos += 12 + length

		switch ctype {
		case "IHDR":
			if sawIHDR {
				return nil, errors.Wrap(codec.ErrMalformed, "png: duplicate IHDR")
			}
			if err := d.parseIHDR(body); err != nil {
				return nil, err
			}
			sawIHDR = true
		case "PLTE":
			if len(body)%3 != 0 || len(body) > 256*3 {
				return nil, errors.Wrap(codec.ErrMalformed, "png: bad PLTE length")
			}
			d.palette = make(color.Palette, len(body)/3)
			for i := range d.palette {
				d.palette[i] = color.NRGBA{R: body[3*i], G: body[3*i+1], B: body[3*i+2], A: 255}
			}
		case "tRNS":
			d.trans = body
		case "pHYs":
			if len(body) == 9 && body[8] == 1 { // meters
				d.dpiX = float64(binary.BigEndian.Uint32(body[0:])) * 0.0254
				d.dpiY = float64(binary.BigEndian.Uint32(body[4:])) * 0.0254
			}
		case "IDAT":
			if !sawIHDR {
				return nil, errors.Wrap(codec.ErrMalformed, "png: IDAT before IHDR")
			}
			d.idat = append(d.idat, body...)
		case "IEND":
			sawIEND = true
		default:
			// Ancillary chunks (lowercase first letter) are skippable;
			// unknown critical chunks are fatal.
			if ctype[0] >= 'A' && ctype[0] <= 'Z' {
				return nil, errors.Wrapf(codec.ErrUnsupported, "png: unknown critical chunk %s", ctype)
			}
		}
	}
	if !sawIHDR || !sawIEND {
		return nil, errors.Wrap(codec.ErrMalformed, "png: missing IHDR or IEND")
	}
	if len(d.idat) == 0 {
		return nil, errors.Wrap(codec.ErrMalformed, "png: no image data")
	}
	if d.hdr.colorType == ctPalette && d.palette == nil {
		return nil, errors.Wrap(codec.ErrMalformed, "png: paletted image without PLTE")
	}

	raw, err := flate.InflateZlib(d.idat)
	if err != nil {
		return nil, errors.WithMessage(err, "png: inflating image data")
	}

	img, err := d.reconstruct(raw)
	if err != nil {
		return nil, err
	}

	props := codec.Properties{
		codec.KeyPixelWidth:  codec.Int(int64(d.hdr.width)),
		codec.KeyPixelHeight: codec.Int(int64(d.hdr.height)),
		codec.KeyDepth:       codec.Int(int64(d.hdr.bitDepth)),
		codec.KeyColorModel:  codec.String(colorModelName(d.hdr.colorType)),
		codec.KeyHasAlpha:    codec.Bool(d.hasAlpha()),
	}
	if d.dpiX > 0 {
		props[codec.KeyDPIWidth] = codec.Float(d.dpiX)
		props[codec.KeyDPIHeight] = codec.Float(d.dpiY)
	}
	return &codec.Sequence{Frames: []codec.Frame{{Image: img, Props: props}}}, nil
}

func colorModelName(ct byte) string {
	switch ct {
	case ctGray, ctGrayAlpha:
		return "Gray"
	case ctPalette:
		return "Indexed"
	default:
		return "RGB"
	}
}

func (d *decoder) hasAlpha() bool {
	switch d.hdr.colorType {
	case ctGrayAlpha, ctTrueAlpha:
		return true
	case ctPalette, ctGray, ctTrueColor:
		return len(d.trans) > 0
	}
	return false
}

func (d *decoder) parseIHDR(body []byte) error {
	if len(body) != 13 {
		return errors.Wrap(codec.ErrMalformed, "png: IHDR length")
	}
	d.hdr.width = int(binary.BigEndian.Uint32(body[0:]))
	d.hdr.height = int(binary.BigEndian.Uint32(body[4:]))
	d.hdr.bitDepth = body[8]
	d.hdr.colorType = body[9]
	d.hdr.interlace = body[12]
	if body[10] != 0 || body[11] != 0 {
		return errors.Wrap(codec.ErrMalformed, "png: nonzero compression or filter method")
	}
	if d.hdr.width <= 0 || d.hdr.height <= 0 {
		return errors.Wrap(codec.ErrMalformed, "png: non-positive dimensions")
	}
	switch d.hdr.colorType {
	case ctGray, ctTrueColor, ctPalette, ctGrayAlpha, ctTrueAlpha:
	default:
		return errors.Wrapf(codec.ErrMalformed, "png: color type %d", d.hdr.colorType)
	}
	switch d.hdr.bitDepth {
	case 8:
	case 16:
		if d.hdr.colorType == ctPalette {
			return errors.Wrap(codec.ErrMalformed, "png: 16-bit palette")
		}
	default:
		return errors.Wrapf(codec.ErrUnsupported, "png: bit depth %d", d.hdr.bitDepth)
	}
	if d.hdr.interlace > 1 {
		return errors.Wrapf(codec.ErrMalformed, "png: interlace method %d", d.hdr.interlace)
	}
	return nil
}

// bytesPerPixel returns the filter unit in bytes.
func (d *decoder) bytesPerPixel() int {
	n := d.hdr.channels()
	if d.hdr.bitDepth == 16 {
		n *= 2
	}
	return n
}

// reconstruct defilters the scanline stream and builds the output image.
func (d *decoder) reconstruct(raw []byte) (image.Image, error) {
	w, h := d.hdr.width, d.hdr.height
	bpp := d.bytesPerPixel()

	// Pixel bytes after defiltering, tightly packed, full image.
	pix := make([]byte, w*h*bpp)

	if d.hdr.interlace == 1 {
		if err := d.deinterlace(raw, pix); err != nil {
			return nil, err
		}
	} else {
		rowBytes := w * bpp
		need := h * (rowBytes + 1)
		if len(raw) < need {
			return nil, errors.Wrap(codec.ErrTruncated, "png: scanline stream short")
		}
		if err := defilterPass(raw, pix, w, h, bpp, w*bpp); err != nil {
			return nil, err
		}
	}
	return d.toImage(pix)
}

// Adam7 pass layout: x/y start and step per pass.
var adam7 = [7]struct{ x0, y0, dx, dy int }{
	{0, 0, 8, 8}, {4, 0, 8, 8}, {0, 4, 4, 8}, {2, 0, 4, 4},
	{0, 2, 2, 4}, {1, 0, 2, 2}, {0, 1, 1, 2},
}

func (d *decoder) deinterlace(raw, pix []byte) error {
	w, h := d.hdr.width, d.hdr.height
	bpp := d.bytesPerPixel()
	off := 0
	for _, p := range adam7 {
		pw := 0
		if w > p.x0 {
			pw = (w - p.x0 + p.dx - 1) / p.dx
		}
		ph := 0
		if h > p.y0 {
			ph = (h - p.y0 + p.dy - 1) / p.dy
		}
		if pw == 0 || ph == 0 {
			continue
		}
		passLen := ph * (pw*bpp + 1)
		if off+passLen > len(raw) {
			return errors.Wrap(codec.ErrTruncated, "png: interlace pass short")
		}
		sub := make([]byte, pw*ph*bpp)
		if err := defilterPass(raw[off:off+passLen], sub, pw, ph, bpp, pw*bpp); err != nil {
			return err
		}
		off += passLen
		// Scatter the pass pixels onto the full raster.
		for py := 0; py < ph; py++ {
			for px := 0; px < pw; px++ {
				dst := ((p.y0+py*p.dy)*w + p.x0 + px*p.dx) * bpp
				src := (py*pw + px) * bpp
				copy(pix[dst:dst+bpp], sub[src:src+bpp])
			}
		}
	}
	return nil
}

// defilterPass reconstructs h scanlines of w pixels from the filtered
// stream in src (each row prefixed by its filter type) into dst.
func defilterPass(src, dst []byte, w, h, bpp, stride int) error {
	rowBytes := w * bpp
	for y := 0; y < h; y++ {
		ft := src[y*(rowBytes+1)]
		row := src[y*(rowBytes+1)+1 : y*(rowBytes+1)+1+rowBytes]
		out := dst[y*stride : y*stride+rowBytes]
		var prev []byte
		if y > 0 {
			prev = dst[(y-1)*stride : (y-1)*stride+rowBytes]
		}
		switch ft {
		case 0:
			copy(out, row)
		case 1: // Sub
			copy(out, row)
			for i := bpp; i < rowBytes; i++ {
				out[i] += out[i-bpp]
			}
		case 2: // Up
			if prev == nil {
				copy(out, row)
			} else {
				for i := 0; i < rowBytes; i++ {
					out[i] = row[i] + prev[i]
				}
			}
		case 3: // Average
			for i := 0; i < rowBytes; i++ {
				var left, up int
				if i >= bpp {
					left = int(out[i-bpp])
				}
				if prev != nil {
					up = int(prev[i])
				}
				out[i] = row[i] + byte((left+up)/2)
			}
		case 4: // Paeth
			for i := 0; i < rowBytes; i++ {
				var left, up, ul byte
				if i >= bpp {
					left = out[i-bpp]
				}
				if prev != nil {
					up = prev[i]
					if i >= bpp {
						ul = prev[i-bpp]
					}
				}
				out[i] = row[i] + paeth(left, up, ul)
			}
		default:
			return errors.Wrapf(codec.ErrMalformed, "png: filter type %d", ft)
		}
	}
	return nil
}

// paeth is the RFC 2083 predictor; ties resolve toward a, then b.
func paeth(a, b, c byte) byte {
	p := int(a) + int(b) - int(c)
	pa, pb, pc := abs(p-int(a)), abs(p-int(b)), abs(p-int(c))
	if pa <= pb && pa <= pc {
		return a
	}
	if pb <= pc {
		return b
	}
	return c
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// toImage converts the defiltered pixel bytes into a stdlib image,
// folding 16-bit samples to 8 bits and applying tRNS transparency.
func (d *decoder) toImage(pix []byte) (image.Image, error) {
	w, h := d.hdr.width, d.hdr.height
	sixteen := d.hdr.bitDepth == 16
	ch := d.hdr.channels()

	sample := func(pxIdx, c int) byte {
		if sixteen {
			return pix[(pxIdx*ch+c)*2] // high byte
		}
		return pix[pxIdx*ch+c]
	}

	switch d.hdr.colorType {
	case ctPalette:
		img := image.NewPaletted(image.Rect(0, 0, w, h), d.palette)
		if len(d.trans) > 0 {
			pal := make(color.Palette, len(d.palette))
			copy(pal, d.palette)
			for i, a := range d.trans {
				if i >= len(pal) {
					break
				}
				c := pal[i].(color.NRGBA)
				c.A = a
				pal[i] = c
			}
			img.Palette = pal
		}
		for i := 0; i < w*h; i++ {
			idx := pix[i]
			if int(idx) >= len(img.Palette) {
				return nil, errors.Wrapf(codec.ErrOutOfBounds, "png: palette index %d of %d", idx, len(img.Palette))
			}
			img.Pix[i] = idx
		}
		return img, nil

	case ctGray:
		if len(d.trans) >= 2 && !sixteen {
			// Transparent gray level: expand to NRGBA.
			key := byte(binary.BigEndian.Uint16(d.trans) & 0xFF)
			img := image.NewNRGBA(image.Rect(0, 0, w, h))
			for i := 0; i < w*h; i++ {
				g := sample(i, 0)
				a := byte(255)
				if g == key {
					a = 0
				}
				img.Pix[4*i], img.Pix[4*i+1], img.Pix[4*i+2], img.Pix[4*i+3] = g, g, g, a
			}
			return img, nil
		}
		img := image.NewGray(image.Rect(0, 0, w, h))
		for i := 0; i < w*h; i++ {
			img.Pix[i] = sample(i, 0)
		}
		return img, nil

	case ctGrayAlpha:
		img := image.NewNRGBA(image.Rect(0, 0, w, h))
		for i := 0; i < w*h; i++ {
			g, a := sample(i, 0), sample(i, 1)
			img.Pix[4*i], img.Pix[4*i+1], img.Pix[4*i+2], img.Pix[4*i+3] = g, g, g, a
		}
		return img, nil

	case ctTrueColor:
		img := image.NewNRGBA(image.Rect(0, 0, w, h))
		var keyR, keyG, keyB byte
		hasKey := len(d.trans) >= 6 && !sixteen
		if hasKey {
			keyR = byte(binary.BigEndian.Uint16(d.trans[0:]) & 0xFF)
			keyG = byte(binary.BigEndian.Uint16(d.trans[2:]) & 0xFF)
			keyB = byte(binary.BigEndian.Uint16(d.trans[4:]) & 0xFF)
		}
		for i := 0; i < w*h; i++ {
			r, g, b := sample(i, 0), sample(i, 1), sample(i, 2)
			a := byte(255)
			if hasKey && r == keyR && g == keyG && b == keyB {
				a = 0
			}
			img.Pix[4*i], img.Pix[4*i+1], img.Pix[4*i+2], img.Pix[4*i+3] = r, g, b, a
		}
		return img, nil

	default: // ctTrueAlpha
		img := image.NewNRGBA(image.Rect(0, 0, w, h))
		for i := 0; i < w*h; i++ {
			img.Pix[4*i+0] = sample(i, 0)
			img.Pix[4*i+1] = sample(i, 1)
			img.Pix[4*i+2] = sample(i, 2)
			img.Pix[4*i+3] = sample(i, 3)
		}
		return img, nil
	}
}
