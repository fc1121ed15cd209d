// Package jpeg implements a baseline JFIF (ITU T.81) decoder and
// encoder: 8-bit samples, Huffman entropy coding, 4:4:4 and subsampled
// chroma, restart markers. Progressive and arithmetic-coded streams are
// rejected as unsupported. APP1 XMP packets and APP2/APP11 HDR gain-map
// payloads are surfaced as opaque auxiliary blobs.
package jpeg

import (
	"bytes"
	"encoding/binary"
	"image"

	"github.com/pkg/errors"

	"github.com/deepteams/imageio/internal/bitio"
	"github.com/deepteams/imageio/internal/codec"
)

// Markers.
const (
	mSOI  = 0xD8
	mEOI  = 0xD9
	mSOS  = 0xDA
	mDQT  = 0xDB
	mDNL  = 0xDC
	mDRI  = 0xDD
	mSOF0 = 0xC0
	mSOF1 = 0xC1
	mSOF2 = 0xC2
	mDHT  = 0xC4
	mJPG  = 0xC8
	mDAC  = 0xCC
	mRST0 = 0xD0
	mRST7 = 0xD7
	mAPP0 = 0xE0
	mAPP1 = 0xE1
	mAPP2 = 0xE2
	mAPP11 = 0xEB
	mCOM  = 0xFE
)

var xmpHeader = []byte("http://ns.adobe.com/xap/1.0/\x00")
var mpfHeader = []byte("MPF\x00")

// huffTable is the T.81 canonical decoding form of a DHT table.
type huffTable struct {
	mincode [17]int32
	maxcode [17]int32 // -1 where no codes of that length exist
	valptr  [17]int
	vals    []byte
}

func newHuffTable(count [16]byte, vals []byte) *huffTable {
	h := &huffTable{vals: vals}
	code := int32(0)
	k := 0
	for l := 1; l <= 16; l++ {
		n := int(count[l-1])
		if n == 0 {
			h.mincode[l], h.maxcode[l] = 0, -1
		} else {
			h.valptr[l] = k
			h.mincode[l] = code
			code += int32(n)
			k += n
			h.maxcode[l] = code - 1
		}
		code <<= 1
	}
	return h
}

// decode reads one Huffman-coded symbol from the entropy stream.
func (h *huffTable) decode(r *bitio.MSBReader) (byte, error) {
	code := int32(0)
	for l := 1; l <= 16; l++ {
		b, err := r.Read(1)
		if err != nil {
			return 0, err
		}
		code = code<<1 | int32(b)
		if h.maxcode[l] >= 0 && code <= h.maxcode[l] {
			return h.vals[h.valptr[l]+int(code-h.mincode[l])], nil
		}
	}
	return 0, errors.Wrap(codec.ErrMalformed, "jpeg: invalid Huffman code")
}

// receiveExtend reads an s-bit magnitude and sign-extends it (T.81
// figure F.12).
func receiveExtend(r *bitio.MSBReader, s int) (int32, error) {
	if s == 0 {
		return 0, nil
	}
	v, err := r.Read(uint(s))
	if err != nil {
		return 0, err
	}
	x := int32(v)
	if x < 1<<(s-1) {
		x -= 1<<s - 1
	}
	return x, nil
}

type component struct {
	id     byte
	h, v   int
	tq     byte // quantization table selector
	td, ta byte // DC/AC Huffman selectors
	dcPred int32
	plane  []byte
	pw, ph int // plane dimensions (MCU-aligned)
}

type decoder struct {
	data            []byte
	quant           [4][blockSize]uint16
	huffDC          [4]*huffTable
	huffAC          [4]*huffTable
	comps           []component
	width, height   int
	restartInterval int
	dpiX, dpiY      float64
	aux             map[string]*codec.Auxiliary
}

// Decode parses a complete JPEG byte stream into a single-frame
// sequence.
func Decode(data []byte) (*codec.Sequence, error) {
	if len(data) < 4 || data[0] != 0xFF || data[1] != mSOI {
		return nil, errors.Wrap(codec.ErrMalformed, "jpeg: missing SOI")
	}
	d := &decoder{data: data, aux: map[string]*codec.Auxiliary{}}

	pos := 2
	sawSOF := false
	for {
		if pos+2 > len(data) {
			return nil, errors.Wrap(codec.ErrTruncated, "jpeg: marker")
		}
		if data[pos] != 0xFF {
			return nil, errors.Wrapf(codec.ErrMalformed, "jpeg: expected marker, got 0x%02x", data[pos])
		}
		// Fill bytes before a marker are legal.
		for pos < len(data) && data[pos] == 0xFF {
			pos++
		}
		if pos >= len(data) {
			return nil, errors.Wrap(codec.ErrTruncated, "jpeg: marker")
		}
		marker := data[pos]
		pos++

		switch {
		case marker == mEOI:
			return nil, errors.Wrap(codec.ErrMalformed, "jpeg: EOI before scan data")
		case marker >= mRST0 && marker <= mRST7:
			return nil, errors.Wrap(codec.ErrMalformed, "jpeg: restart marker outside scan")
		}

		if pos+2 > len(data) {
			return nil, errors.Wrap(codec.ErrTruncated, "jpeg: segment length")
		}
		length := int(binary.BigEndian.Uint16(data[pos:]))
		if length < 2 || pos+length > len(data) {
			return nil, errors.Wrap(codec.ErrTruncated, "jpeg: segment body")
		}
		body := data[pos+2 : pos+length]
		pos += length

		switch marker {
		case mSOF0:
			if err := d.parseSOF(body); err != nil {
				return nil, err
			}
			sawSOF = true
		case mSOF1, mSOF2:
			return nil, errors.Wrap(codec.ErrUnsupported, "jpeg: progressive or extended-sequential stream")
		case mDAC:
			return nil, errors.Wrap(codec.ErrUnsupported, "jpeg: arithmetic coding")
		case mDQT:
			if err := d.parseDQT(body); err != nil {
				return nil, err
			}
		case mDHT:
			if err := d.parseDHT(body); err != nil {
				return nil, err
			}
		case mDRI:
			if len(body) < 2 {
				return nil, errors.Wrap(codec.ErrMalformed, "jpeg: short DRI")
			}
			d.restartInterval = int(binary.BigEndian.Uint16(body))
		case mAPP0:
			d.parseAPP0(body)
		case mAPP1:
			if bytes.HasPrefix(body, xmpHeader) {
				d.aux[codec.AuxXMP] = &codec.Auxiliary{
					Data:        body[len(xmpHeader):],
					Description: codec.Properties{"MimeType": codec.String("application/rdf+xml")},
				}
			}
		case mAPP2:
			if bytes.HasPrefix(body, mpfHeader) {
				d.aux[codec.AuxHDRGainMap] = &codec.Auxiliary{
					Data: body[len(mpfHeader):],
					Description: codec.Properties{
						"Type": codec.String("MPF"),
					},
				}
			}
		case mAPP11:
			d.parseAPP11(body)
		case mSOS:
			if !sawSOF {
				return nil, errors.Wrap(codec.ErrMalformed, "jpeg: SOS before SOF")
			}
			return d.decodeScan(body, pos)
		default:
			// Remaining APPn, COM, DNL: skipped.
		}

		if marker >= mSOF0 && marker <= 0xCF && marker != mSOF0 && marker != mDHT && marker != mJPG && marker != mDAC {
			return nil, errors.Wrapf(codec.ErrUnsupported, "jpeg: SOF marker 0x%02x", marker)
		}
	}
}

func (d *decoder) parseAPP0(body []byte) {
	if len(body) < 12 || string(body[:5]) != "JFIF\x00" {
		return
	}
	units := body[7]
	x := float64(binary.BigEndian.Uint16(body[8:]))
	y := float64(binary.BigEndian.Uint16(body[10:]))
	switch units {
	case 1:
		d.dpiX, d.dpiY = x, y
	case 2: // dots per centimeter
		d.dpiX, d.dpiY = x*2.54, y*2.54
	}
}

// parseAPP11 captures an ISO 21496-1 gain-map payload, pulling the
// version fields out of the header without interpreting the map.
func (d *decoder) parseAPP11(body []byte) {
	desc := codec.Properties{"Type": codec.String("ISO21496-1")}
	if len(body) >= 4 {
		desc["Version"] = codec.Int(int64(binary.BigEndian.Uint16(body[2:])))
	}
	d.aux[codec.AuxHDRGainMap] = &codec.Auxiliary{Data: body, Description: desc}
}

func (d *decoder) parseDQT(body []byte) error {
	for len(body) > 0 {
		pq, tq := body[0]>>4, body[0]&0x0F
		if tq > 3 {
			return errors.Wrap(codec.ErrMalformed, "jpeg: quantization table id")
		}
		body = body[1:]
		n := blockSize
		if pq == 1 {
			n *= 2
		} else if pq > 1 {
			return errors.Wrap(codec.ErrMalformed, "jpeg: quantization table precision")
		}
		if len(body) < n {
			return errors.Wrap(codec.ErrTruncated, "jpeg: quantization table")
		}
		for i := 0; i < blockSize; i++ {
			if pq == 1 {
				d.quant[tq][i] = binary.BigEndian.Uint16(body[2*i:])
			} else {
				d.quant[tq][i] = uint16(body[i])
			}
		}
		body = body[n:]
	}
	return nil
}

func (d *decoder) parseDHT(body []byte) error {
	for len(body) > 0 {
		if len(body) < 17 {
			return errors.Wrap(codec.ErrTruncated, "jpeg: Huffman table header")
		}
		tc, th := body[0]>>4, body[0]&0x0F
		if tc > 1 || th > 3 {
			return errors.Wrap(codec.ErrMalformed, "jpeg: Huffman table id")
		}
		var count [16]byte
		total := 0
		for i := 0; i < 16; i++ {
			count[i] = body[1+i]
			total += int(count[i])
		}
		if total > 256 || len(body) < 17+total {
			return errors.Wrap(codec.ErrMalformed, "jpeg: Huffman table values")
		}
		vals := body[17 : 17+total]
		if tc == 0 {
			d.huffDC[th] = newHuffTable(count, vals)
		} else {
			d.huffAC[th] = newHuffTable(count, vals)
		}
		body = body[17+total:]
	}
	return nil
}

func (d *decoder) parseSOF(body []byte) error {
	if len(body) < 6 {
		return errors.Wrap(codec.ErrTruncated, "jpeg: SOF")
	}
	if body[0] != 8 {
		return errors.Wrapf(codec.ErrUnsupported, "jpeg: %d-bit samples", body[0])
	}
	d.height = int(binary.BigEndian.Uint16(body[1:]))
	d.width = int(binary.BigEndian.Uint16(body[3:]))
	n := int(body[5])
	if d.width <= 0 || d.height <= 0 {
		return errors.Wrap(codec.ErrMalformed, "jpeg: bad dimensions")
	}
	if n != 1 && n != 3 {
		return errors.Wrapf(codec.ErrUnsupported, "jpeg: %d components", n)
	}
	if len(body) < 6+3*n {
		return errors.Wrap(codec.ErrTruncated, "jpeg: SOF components")
	}
	d.comps = make([]component, n)
	for i := 0; i < n; i++ {
		c := &d.comps[i]
		c.id = body[6+3*i]
		c.h = int(body[7+3*i] >> 4)
		c.v = int(body[7+3*i] & 0x0F)
		c.tq = body[8+3*i]
		if c.h < 1 || c.h > 2 || c.v < 1 || c.v > 2 || c.tq > 3 {
			return errors.Wrap(codec.ErrUnsupported, "jpeg: sampling factors")
		}
	}
	if n == 3 {
		if d.comps[1].h != 1 || d.comps[1].v != 1 || d.comps[2].h != 1 || d.comps[2].v != 1 {
			return errors.Wrap(codec.ErrUnsupported, "jpeg: chroma sampling factors")
		}
	}
	return nil
}

func (d *decoder) decodeScan(sos []byte, pos int) (*codec.Sequence, error) {
	if len(sos) < 1 {
		return nil, errors.Wrap(codec.ErrTruncated, "jpeg: SOS header")
	}
	ns := int(sos[0])
	if ns != len(d.comps) || len(sos) < 1+2*ns+3 {
		return nil, errors.Wrap(codec.ErrMalformed, "jpeg: SOS component count")
	}
	for i := 0; i < ns; i++ {
		cs := sos[1+2*i]
		sel := sos[2+2*i]
		found := false
		for j := range d.comps {
			if d.comps[j].id == cs {
				d.comps[j].td = sel >> 4
				d.comps[j].ta = sel & 0x0F
				found = true
			}
		}
		if !found {
			return nil, errors.Wrap(codec.ErrMalformed, "jpeg: SOS names unknown component")
		}
	}

	maxH, maxV := 1, 1
	for i := range d.comps {
		if d.comps[i].h > maxH {
			maxH = d.comps[i].h
		}
		if d.comps[i].v > maxV {
			maxV = d.comps[i].v
		}
	}
	mcusX := (d.width + 8*maxH - 1) / (8 * maxH)
	mcusY := (d.height + 8*maxV - 1) / (8 * maxV)
	for i := range d.comps {
		c := &d.comps[i]
		c.pw = mcusX * 8 * c.h
		c.ph = mcusY * 8 * c.v
		c.plane = make([]byte, c.pw*c.ph)
		c.dcPred = 0
	}

	r := bitio.NewStuffedReader(d.data[pos:])
	var block [blockSize]int32
	mcu := 0
	for my := 0; my < mcusY; my++ {
		for mx := 0; mx < mcusX; mx++ {
			if d.restartInterval > 0 && mcu > 0 && mcu%d.restartInterval == 0 {
				if err := d.syncRestart(r, mcu/d.restartInterval-1); err != nil {
					return nil, err
				}
			}
			for i := range d.comps {
				c := &d.comps[i]
				for by := 0; by < c.v; by++ {
					for bx := 0; bx < c.h; bx++ {
						if err := d.decodeBlock(r, c, &block); err != nil {
							return nil, err
						}
						out := idct(&block)
						x0 := (mx*c.h + bx) * 8
						y0 := (my*c.v + by) * 8
						for y := 0; y < 8; y++ {
							row := c.plane[(y0+y)*c.pw+x0:]
							for x := 0; x < 8; x++ {
								row[x] = clampByte(int(out[y*8+x] + 128.5))
							}
						}
					}
				}
			}
			mcu++
		}
	}

	// The stream must close with an EOI marker.
	tail := d.data[pos+r.Pos():]
	if !bytes.Contains(tail, []byte{0xFF, mEOI}) {
		return nil, errors.Wrap(codec.ErrTruncated, "jpeg: missing EOI")
	}

	img := d.assemble(maxH, maxV)
	props := codec.Properties{
		codec.KeyPixelWidth:  codec.Int(int64(d.width)),
		codec.KeyPixelHeight: codec.Int(int64(d.height)),
		codec.KeyDepth:       codec.Int(8),
		codec.KeyHasAlpha:    codec.Bool(false),
	}
	if len(d.comps) == 1 {
		props[codec.KeyColorModel] = codec.String("Gray")
	} else {
		props[codec.KeyColorModel] = codec.String("RGB")
	}
	if d.dpiX > 0 {
		props[codec.KeyDPIWidth] = codec.Float(d.dpiX)
		props[codec.KeyDPIHeight] = codec.Float(d.dpiY)
	}
	frame := codec.Frame{Image: img, Props: props}
	if len(d.aux) > 0 {
		frame.Aux = d.aux
	}
	return &codec.Sequence{Frames: []codec.Frame{frame}}, nil
}

// syncRestart discards padding bits and consumes the expected RSTn
// marker, resetting the DC predictors.
func (d *decoder) syncRestart(r *bitio.MSBReader, n int) error {
	r.DiscardBuffered()
	if r.Marker() == 0 {
		// Force marker discovery; a decodable byte here means the
		// restart marker is missing.
		if _, err := r.Peek(8); err == nil {
			return errors.Wrap(codec.ErrMalformed, "jpeg: expected restart marker")
		}
	}
	m := r.Marker()
	if m < mRST0 || m > mRST7 {
		return errors.Wrapf(codec.ErrMalformed, "jpeg: expected restart marker, got 0x%02x", m)
	}
	if int(m-mRST0) != n%8 {
		return errors.Wrap(codec.ErrMalformed, "jpeg: restart marker out of sequence")
	}
	r.SkipMarker()
	for i := range d.comps {
		d.comps[i].dcPred = 0
	}
	return nil
}

// decodeBlock entropy-decodes and dequantizes one 8x8 block into natural
// order.
func (d *decoder) decodeBlock(r *bitio.MSBReader, c *component, block *[blockSize]int32) error {
	dcTab := d.huffDC[c.td]
	acTab := d.huffAC[c.ta]
	if dcTab == nil || acTab == nil {
		return errors.Wrap(codec.ErrMalformed, "jpeg: scan references undefined Huffman table")
	}
	qt := &d.quant[c.tq]

	for i := range block {
		block[i] = 0
	}

	s, err := dcTab.decode(r)
	if err != nil {
		return err
	}
	if s > 11 {
		return errors.Wrap(codec.ErrMalformed, "jpeg: DC category out of range")
	}
	diff, err := receiveExtend(r, int(s))
	if err != nil {
		return err
	}
	c.dcPred += diff
	block[0] = c.dcPred * int32(qt[0])

	for k := 1; k < blockSize; {
		rs, err := acTab.decode(r)
		if err != nil {
			return err
		}
		run, size := int(rs>>4), int(rs&0x0F)
		if size == 0 {
			if run == 15 { // ZRL
				k += 16
				continue
			}
			break // EOB
		}
		k += run
		if k >= blockSize {
			return errors.Wrap(codec.ErrMalformed, "jpeg: AC run past end of block")
		}
		v, err := receiveExtend(r, size)
		if err != nil {
			return err
		}
		block[zigzag[k]] = v * int32(qt[k])
		k++
	}
	return nil
}

// assemble upsamples chroma and converts to the output image.
func (d *decoder) assemble(maxH, maxV int) image.Image {
	w, h := d.width, d.height
	if len(d.comps) == 1 {
		img := image.NewGray(image.Rect(0, 0, w, h))
		c := &d.comps[0]
		for y := 0; y < h; y++ {
			copy(img.Pix[y*img.Stride:y*img.Stride+w], c.plane[y*c.pw:])
		}
		return img
	}

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	cy, cb, cr := &d.comps[0], &d.comps[1], &d.comps[2]
	sx := maxH / cb.h // chroma subsample factors (nearest-neighbor upsample)
	sy := maxV / cb.v
	for y := 0; y < h; y++ {
		yRow := cy.plane[y*cy.pw:]
		bRow := cb.plane[(y/sy)*cb.pw:]
		rRow := cr.plane[(y/sy)*cr.pw:]
		dst := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			yy := float64(yRow[x])
			pb := float64(bRow[x/sx]) - 128
			pr := float64(rRow[x/sx]) - 128
			dst[4*x+0] = clampByte(int(yy + 1.402*pr + 0.5))
			dst[4*x+1] = clampByte(int(yy - 0.344136*pb - 0.714136*pr + 0.5))
			dst[4*x+2] = clampByte(int(yy + 1.772*pb + 0.5))
			dst[4*x+3] = 255
		}
	}
	return img
}

func clampByte(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
