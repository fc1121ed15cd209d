package jpeg

import (
	"encoding/binary"
	"image"

	"github.com/pkg/errors"

	"github.com/deepteams/imageio/internal/bitio"
	"github.com/deepteams/imageio/internal/codec"
)

// Encoder writes baseline JFIF with the section K tables: 4:2:0 chroma
// for color input, a single-component scan for grayscale. It implements
// codec.Encoder.
type Encoder struct {
	opts  codec.EncodeOptions
	frame *codec.Frame
	done  bool
}

// NewEncoder creates a JPEG encoder. JPEG holds exactly one image.
func NewEncoder(declared int, opts *codec.EncodeOptions) (*Encoder, error) {
	if declared != 1 {
		return nil, errors.Wrapf(codec.ErrInvalidParameter, "jpeg: declared frame count %d", declared)
	}
	return &Encoder{opts: *opts}, nil
}

// AddFrame stores the single frame to be written.
func (e *Encoder) AddFrame(f *codec.Frame) error {
	if e.done {
		return errors.Wrap(codec.ErrInvalidParameter, "jpeg: encoder already finalized")
	}
	if e.frame != nil {
		return errors.Wrap(codec.ErrInvalidParameter, "jpeg: frame count exceeded")
	}
	if _, err := codec.NewRaster(f.Image); err != nil {
		return err
	}
	e.frame = f
	return nil
}

// SetContainerProps is a no-op; JPEG metadata rides in the frame
// properties.
func (e *Encoder) SetContainerProps(codec.Properties) {}

// qualityScale maps quality q in [1,100] to the T.81 table scale factor.
func qualityScale(q int) int {
	if q < 50 {
		return 5000 / q
	}
	return 200 - 2*q
}

// scaledQuantTables derives the two quantization tables for a quality in
// [0,1].
func scaledQuantTables(quality float64) [nQuant][blockSize]byte {
	q := int(quality*100 + 0.5)
	if q < 1 {
		q = 1
	}
	if q > 100 {
		q = 100
	}
	scale := qualityScale(q)
	var out [nQuant][blockSize]byte
	for t := 0; t < nQuant; t++ {
		for i := 0; i < blockSize; i++ {
			v := (int(unscaledQuant[t][i])*scale + 50) / 100
			if v < 1 {
				v = 1
			}
			if v > 255 {
				v = 255
			}
			out[t][i] = byte(v)
		}
	}
	return out
}

type encodeState struct {
	w     *bitio.MSBWriter
	luts  [nHuff]encoderLUT
	quant [nQuant][blockSize]byte
	pred  [3]int32
}

func (s *encodeState) emitHuff(table, symbol int) {
	v := s.luts[table][symbol]
	s.w.Write(v&0xFFFFFF, uint(v>>24))
}

// emitBlock forward-transforms, quantizes, and entropy-codes one 8x8
// block of zero-centered samples. comp selects the DC predictor; dcTab
// and acTab select the Huffman tables.
func (s *encodeState) emitBlock(samples *[blockSize]float64, comp, dcTab, acTab, quantTab int) {
	coefs := fdct(samples)
	qt := &s.quant[quantTab]

	// DC: quantize, difference against the predictor.
	dc := int32(divRound(coefs[0], float64(qt[0])))
	diff := dc - s.pred[comp]
	s.pred[comp] = dc
	size := bitLen(diff)
	s.emitHuff(dcTab, size)
	s.emitAmplitude(diff, size)

	// AC in zig-zag order, run-length coded.
	run := 0
	for k := 1; k < blockSize; k++ {
		v := int32(divRound(coefs[zigzag[k]], float64(qt[k])))
		if v == 0 {
			run++
			continue
		}
		for run > 15 {
			s.emitHuff(acTab, 0xF0) // ZRL
			run -= 16
		}
		size := bitLen(v)
		s.emitHuff(acTab, run<<4|size)
		s.emitAmplitude(v, size)
		run = 0
	}
	if run > 0 {
		s.emitHuff(acTab, 0x00) // EOB
	}
}

// emitAmplitude writes a signed amplitude in the ones-complement form
// T.81 requires.
func (s *encodeState) emitAmplitude(v int32, size int) {
	if size == 0 {
		return
	}
	if v < 0 {
		v += 1<<size - 1
	}
	s.w.Write(uint32(v), uint(size))
}

func divRound(a, b float64) int32 {
	q := a / b
	if q >= 0 {
		return int32(q + 0.5)
	}
	return int32(q - 0.5)
}

// Finalize assembles the JPEG byte stream.
func (e *Encoder) Finalize() ([]byte, error) {
	if e.done {
		return nil, errors.Wrap(codec.ErrInvalidParameter, "jpeg: encoder already finalized")
	}
	e.done = true
	if e.frame == nil {
		return nil, errors.Wrap(codec.ErrInvalidParameter, "jpeg: no frame added")
	}
	r, err := codec.NewRaster(e.frame.Image)
	if err != nil {
		return nil, err
	}
	w, h := r.Width(), r.Height()

	gray, isGray := r.Gray()
	quality := e.opts.EffectiveQuality()
	quant := scaledQuantTables(quality)

	out := []byte{0xFF, mSOI}
	out = e.appendAPP0(out)
	out = appendDQT(out, &quant, isGray)
	out = appendSOF0(out, w, h, isGray)
	out = appendDHT(out, isGray)
	out = appendSOS(out, isGray)

	st := &encodeState{w: bitio.NewStuffedWriter(w * h / 2), quant: quant}
	for i := range st.luts {
		st.luts[i] = buildEncoderLUT(theHuffmanSpec[i])
	}

	if isGray {
		encodeGrayScan(st, gray, w, h)
	} else {
		encodeYCbCr420Scan(st, r, w, h)
	}
	st.w.Flush()
	out = append(out, st.w.Bytes()...)
	return append(out, 0xFF, mEOI), nil
}

func (e *Encoder) appendAPP0(out []byte) []byte {
	dpi := 72
	if e.frame.Props != nil {
		if v := e.frame.Props.GetFloat(codec.KeyDPIWidth, 0); v > 0 {
			dpi = int(v + 0.5)
		}
	}
	seg := make([]byte, 16)
	binary.BigEndian.PutUint16(seg[0:], 16)
	copy(seg[2:], "JFIF\x00")
	seg[7] = 1 // version 1.02
	seg[8] = 2
	seg[9] = 1 // dots per inch
	binary.BigEndian.PutUint16(seg[10:], uint16(dpi))
	binary.BigEndian.PutUint16(seg[12:], uint16(dpi))
	out = append(out, 0xFF, mAPP0)
	return append(out, seg...)
}

func appendDQT(out []byte, quant *[nQuant][blockSize]byte, isGray bool) []byte {
	n := nQuant
	if isGray {
		n = 1
	}
	length := 2 + n*(1+blockSize)
	out = append(out, 0xFF, mDQT, byte(length>>8), byte(length))
	for t := 0; t < n; t++ {
		out = append(out, byte(t))
		out = append(out, quant[t][:]...)
	}
	return out
}

func appendSOF0(out []byte, w, h int, isGray bool) []byte {
	nc := 3
	if isGray {
		nc = 1
	}
	length := 8 + 3*nc
	out = append(out, 0xFF, mSOF0, byte(length>>8), byte(length), 8,
		byte(h>>8), byte(h), byte(w>>8), byte(w), byte(nc))
	if isGray {
		return append(out, 1, 0x11, 0)
	}
	out = append(out, 1, 0x22, 0) // Y, 2x2 sampling
	out = append(out, 2, 0x11, 1) // Cb
	return append(out, 3, 0x11, 1)
}

func appendDHT(out []byte, isGray bool) []byte {
	specs := []struct {
		class, id int
		spec      huffmanSpec
	}{
		{0, 0, theHuffmanSpec[huffLuminanceDC]},
		{1, 0, theHuffmanSpec[huffLuminanceAC]},
	}
	if !isGray {
		specs = append(specs,
			struct {
				class, id int
				spec      huffmanSpec
			}{0, 1, theHuffmanSpec[huffChrominanceDC]},
			struct {
				class, id int
				spec      huffmanSpec
			}{1, 1, theHuffmanSpec[huffChrominanceAC]},
		)
	}
	length := 2
	for _, s := range specs {
		length += 1 + 16 + len(s.spec.value)
	}
	out = append(out, 0xFF, mDHT, byte(length>>8), byte(length))
	for _, s := range specs {
		out = append(out, byte(s.class<<4|s.id))
		out = append(out, s.spec.count[:]...)
		out = append(out, s.spec.value...)
	}
	return out
}

func appendSOS(out []byte, isGray bool) []byte {
	if isGray {
		return append(out, 0xFF, mSOS, 0, 8, 1, 1, 0x00, 0, 63, 0)
	}
	return append(out, 0xFF, mSOS, 0, 12, 3, 1, 0x00, 2, 0x11, 3, 0x11, 0, 63, 0)
}

func encodeGrayScan(st *encodeState, gray *image.Gray, w, h int) {
	var block [blockSize]float64
	for y0 := 0; y0 < h; y0 += 8 {
		for x0 := 0; x0 < w; x0 += 8 {
			loadGrayBlock(&block, gray, x0, y0, w, h)
			st.emitBlock(&block, 0, huffLuminanceDC, huffLuminanceAC, quantLuminance)
		}
	}
}

func loadGrayBlock(block *[blockSize]float64, g *image.Gray, x0, y0, w, h int) {
	for y := 0; y < 8; y++ {
		sy := clampEdge(y0+y, h)
		for x := 0; x < 8; x++ {
			sx := clampEdge(x0+x, w)
			block[y*8+x] = float64(g.Pix[sy*g.Stride+sx]) - 128
		}
	}
}

// encodeYCbCr420Scan converts RGB to BT.601 YCbCr, averages chroma over
// 2x2 neighborhoods, and emits 16x16 MCUs (4 Y blocks + Cb + Cr).
func encodeYCbCr420Scan(st *encodeState, r *codec.Raster, w, h int) {
	// Full-resolution planes, padded by edge replication to multiples
	// of 16.
	pw := (w + 15) &^ 15
	ph := (h + 15) &^ 15
	yp := make([]float64, pw*ph)
	cbp := make([]float64, pw*ph)
	crp := make([]float64, pw*ph)

	row := make([]byte, 4*w)
	for y := 0; y < ph; y++ {
		sy := clampEdge(y, h)
		r.RowNRGBA(sy, row)
		for x := 0; x < pw; x++ {
			sx := clampEdge(x, w)
			rr := float64(row[4*sx+0])
			gg := float64(row[4*sx+1])
			bb := float64(row[4*sx+2])
			yp[y*pw+x] = 0.299*rr + 0.587*gg + 0.114*bb - 128
			cbp[y*pw+x] = -0.1687*rr - 0.3313*gg + 0.5*bb
			crp[y*pw+x] = 0.5*rr - 0.418688*gg - 0.081312*bb
		}
	}

	var block [blockSize]float64
	for my := 0; my < ph; my += 16 {
		for mx := 0; mx < pw; mx += 16 {
			// Four luminance blocks.
			for by := 0; by < 2; by++ {
				for bx := 0; bx < 2; bx++ {
					for y := 0; y < 8; y++ {
						for x := 0; x < 8; x++ {
							block[y*8+x] = yp[(my+by*8+y)*pw+mx+bx*8+x]
						}
					}
					st.emitBlock(&block, 0, huffLuminanceDC, huffLuminanceAC, quantLuminance)
				}
			}
			// Chroma, 2x2 averaged.
			for y := 0; y < 8; y++ {
				for x := 0; x < 8; x++ {
					sy, sx := my+2*y, mx+2*x
					block[y*8+x] = (cbp[sy*pw+sx] + cbp[sy*pw+sx+1] +
						cbp[(sy+1)*pw+sx] + cbp[(sy+1)*pw+sx+1]) / 4
				}
			}
			st.emitBlock(&block, 1, huffChrominanceDC, huffChrominanceAC, quantChrominance)
			for y := 0; y < 8; y++ {
				for x := 0; x < 8; x++ {
					sy, sx := my+2*y, mx+2*x
					block[y*8+x] = (crp[sy*pw+sx] + crp[sy*pw+sx+1] +
						crp[(sy+1)*pw+sx] + crp[(sy+1)*pw+sx+1]) / 4
				}
			}
			st.emitBlock(&block, 2, huffChrominanceDC, huffChrominanceAC, quantChrominance)
		}
	}
}

func clampEdge(v, n int) int {
	if v >= n {
		return n - 1
	}
	return v
}

var _ codec.Encoder = (*Encoder)(nil)
