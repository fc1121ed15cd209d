package webp

import (
	"encoding/binary"
	"image"

	"github.com/pkg/errors"

	"github.com/deepteams/imageio/internal/bitio"
	"github.com/deepteams/imageio/internal/codec"
)

// Mode-coding trees (section 8.2 tree encoding: non-positive entries are
// negated leaf values, positive entries are node indices).
var (
	kfYModeTree   = [8]int8{-predB, 2, 4, 6, -predDC, -predV, -predH, -predTM}
	uvModeTree    = [6]int8{-predDC, 2, -predV, 4, -predH, -predTM}
	bModeTree     = [18]int8{-bDC, 2, -bTM, 4, -bVE, 6, 8, 12, -bHE, 10, -bRD, -bVR, -bLD, 14, -bVL, 16, -bHD, -bHU}
	segmentTree   = [6]int8{2, 4, 0, -1, -2, -3}
)

func treeDecode(r *bitio.BoolReader, tree []int8, probs []uint8) int {
	i := tree[r.ReadBool(probs[0])]
	for i > 0 {
		i = tree[int(i)+r.ReadBool(probs[i>>1])]
	}
	return int(-i)
}

type quantFactors struct {
	y1 [2]int32 // DC, AC
	y2 [2]int32
	uv [2]int32
}

type vp8MB struct {
	ymode  int
	uvmode int
	bmodes [16]int
	seg    int
	skip   bool
}

// nonzero context per macroblock edge.
type mbContext struct {
	y  [4]bool
	u  [2]bool
	v  [2]bool
	y2 bool
}

type vp8Decoder struct {
	w, h     int
	mbw, mbh int

	br    *bitio.BoolReader
	parts []*bitio.BoolReader

	probs    [4][8][3][11]uint8
	useSkip  bool
	skipProb uint8

	segEnabled   bool
	segUpdateMap bool
	segAbs       bool
	segTreeProbs [3]uint8
	segQuant     [4]int
	segFilter    [4]int

	filterSimple bool
	filterLevel  int
	sharpness    int

	quant [4]quantFactors

	// Reconstruction planes with a one-pixel top/left border and a
	// four-pixel right extension for above-right prediction.
	yStride, uvStride int
	yBuf, uBuf, vBuf  []byte

	filterInfo []filterInfo
}

// decodeVP8 decodes a VP8 key frame payload into an opaque NRGBA image.
func decodeVP8(data []byte) (*image.NRGBA, error) {
	if len(data) < 10 {
		return nil, errors.Wrap(codec.ErrTruncated, "webp: VP8 frame tag")
	}
	tag := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16
	keyFrame := tag&1 == 0
	// version := (tag >> 1) & 7
	part0Len := int(tag >> 5)
	if !keyFrame {
		return nil, errors.Wrap(codec.ErrUnsupported, "webp: not a key frame")
	}
	if data[3] != 0x9D || data[4] != 0x01 || data[5] != 0x2A {
		return nil, errors.Wrap(codec.ErrMalformed, "webp: bad VP8 start code")
	}
	w := int(binary.LittleEndian.Uint16(data[6:]) & 0x3FFF)
	h := int(binary.LittleEndian.Uint16(data[8:]) & 0x3FFF)
	if w == 0 || h == 0 {
		return nil, errors.Wrap(codec.ErrMalformed, "webp: zero dimensions")
	}
	if 10+part0Len > len(data) {
		return nil, errors.Wrap(codec.ErrTruncated, "webp: first partition")
	}

	d := &vp8Decoder{
		w: w, h: h,
		mbw: (w + 15) / 16, mbh: (h + 15) / 16,
		br:    bitio.NewBoolReader(data[10 : 10+part0Len]),
		probs: defaultCoeffProbs,
	}
	if err := d.parseFrameHeader(data[10+part0Len:]); err != nil {
		return nil, err
	}
	if err := d.decodeFrame(); err != nil {
		return nil, err
	}
	d.applyLoopFilter()
	return d.output(), nil
}

// parseFrameHeader reads the bool-coded first-partition header and sets
// up the token partitions from rest.
func (d *vp8Decoder) parseFrameHeader(rest []byte) error {
	br := d.br
	br.ReadBool(128) // color space, must be 0
	br.ReadBool(128) // clamping type

	d.segEnabled = br.ReadBool(128) == 1
	if d.segEnabled {
		d.parseSegmentation()
	}

	d.filterSimple = br.ReadBool(128) == 1
	d.filterLevel = int(br.ReadUint(6))
	d.sharpness = int(br.ReadUint(3))
	if br.ReadBool(128) == 1 { // loop filter deltas enabled
		if br.ReadBool(128) == 1 { // deltas updated
			for i := 0; i < 8; i++ { // 4 ref + 4 mode deltas
				br.ReadOptionalSigned(6)
			}
		}
	}

	numParts := 1 << br.ReadUint(2)
	d.parseQuant()

	br.ReadBool(128) // refresh entropy probs

	// Coefficient probability updates.
	for t := 0; t < 4; t++ {
		for b := 0; b < 8; b++ {
			for c := 0; c < 3; c++ {
				for p := 0; p < 11; p++ {
					if br.ReadBool(coeffUpdateProbs[t][b][c][p]) == 1 {
						d.probs[t][b][c][p] = uint8(br.ReadUint(8))
					}
				}
			}
		}
	}

	d.useSkip = br.ReadBool(128) == 1
	if d.useSkip {
		d.skipProb = uint8(br.ReadUint(8))
	}

	// Token partitions: sizes of all but the last precede the data.
	if numParts > 1 {
		if len(rest) < 3*(numParts-1) {
			return errors.Wrap(codec.ErrTruncated, "webp: partition table")
		}
		off := 3 * (numParts - 1)
		for i := 0; i < numParts-1; i++ {
			size := int(rest[3*i]) | int(rest[3*i+1])<<8 | int(rest[3*i+2])<<16
			if off+size > len(rest) {
				return errors.Wrap(codec.ErrTruncated, "webp: token partition")
			}
			d.parts = append(d.parts, bitio.NewBoolReader(rest[off:off+size]))
			off += size
		}
		d.parts = append(d.parts, bitio.NewBoolReader(rest[off:]))
	} else {
		d.parts = []*bitio.BoolReader{bitio.NewBoolReader(rest)}
	}
	return nil
}

func (d *vp8Decoder) parseSegmentation() {
	br := d.br
	d.segUpdateMap = br.ReadBool(128) == 1
	updateData := br.ReadBool(128) == 1
	if updateData {
		d.segAbs = br.ReadBool(128) == 1
		for i := 0; i < 4; i++ {
			d.segQuant[i] = br.ReadOptionalSigned(7)
		}
		for i := 0; i < 4; i++ {
			d.segFilter[i] = br.ReadOptionalSigned(6)
		}
	}
	for i := range d.segTreeProbs {
		d.segTreeProbs[i] = 255
	}
	if d.segUpdateMap {
		for i := 0; i < 3; i++ {
			if br.ReadBool(128) == 1 {
				d.segTreeProbs[i] = uint8(br.ReadUint(8))
			}
		}
	}
}

func (d *vp8Decoder) parseQuant() {
	br := d.br
	baseQ := int(br.ReadUint(7))
	y1dc := br.ReadOptionalSigned(4)
	y2dc := br.ReadOptionalSigned(4)
	y2ac := br.ReadOptionalSigned(4)
	uvdc := br.ReadOptionalSigned(4)
	uvac := br.ReadOptionalSigned(4)

	for s := 0; s < 4; s++ {
		q := baseQ
		if d.segEnabled {
			if d.segAbs {
				q = d.segQuant[s]
			} else {
				q = baseQ + d.segQuant[s]
			}
		}
		m := &d.quant[s]
		m.y1[0] = int32(vp8DcQuant[clamp127(q+y1dc)])
		m.y1[1] = int32(vp8AcQuant[clamp127(q)])
		m.y2[0] = int32(vp8DcQuant[clamp127(q+y2dc)]) * 2
		m.y2[1] = int32(vp8AcQuant[clamp127(q+y2ac)]) * 155 / 100
		if m.y2[1] < 8 {
			m.y2[1] = 8
		}
		m.uv[0] = int32(vp8DcQuant[clamp117(q+uvdc)])
		m.uv[1] = int32(vp8AcQuant[clamp127(q+uvac)])
	}
}

// decodeFrame decodes macroblock modes and residuals and reconstructs
// the planes.
func (d *vp8Decoder) decodeFrame() error {
	d.yStride = d.mbw*16 + 1 + 4
	d.uvStride = d.mbw*8 + 1
	d.yBuf = make([]byte, (d.mbh*16+1)*d.yStride)
	d.uBuf = make([]byte, (d.mbh*8+1)*d.uvStride)
	d.vBuf = make([]byte, (d.mbh*8+1)*d.uvStride)
	for _, p := range []struct {
		buf    []byte
		stride int
	}{{d.yBuf, d.yStride}, {d.uBuf, d.uvStride}, {d.vBuf, d.uvStride}} {
		for i := 0; i < p.stride; i++ {
			p.buf[i] = 127 // above row
		}
		for y := 1; y*p.stride < len(p.buf); y++ {
			p.buf[y*p.stride] = 129 // left column
		}
	}

	d.filterInfo = make([]filterInfo, d.mbw*d.mbh)
	above := make([]mbContext, d.mbw)
	aboveB := make([][4]int, d.mbw) // above sub-block modes
	for i := range aboveB {
		aboveB[i] = [4]int{bDC, bDC, bDC, bDC}
	}

	for my := 0; my < d.mbh; my++ {
		var left mbContext
		leftB := [4]int{bDC, bDC, bDC, bDC}
		part := d.parts[my%len(d.parts)]
		for mx := 0; mx < d.mbw; mx++ {
			mb := d.decodeMBHeader(mx, &aboveB[mx], &leftB)
			if err := d.decodeMB(part, mb, mx, my, &above[mx], &left); err != nil {
				return err
			}
		}
	}
	return nil
}

// decodeMBHeader reads the per-macroblock mode information from the
// first partition.
func (d *vp8Decoder) decodeMBHeader(mx int, aboveB, leftB *[4]int) *vp8MB {
	br := d.br
	mb := &vp8MB{}
	if d.segEnabled && d.segUpdateMap {
		mb.seg = treeDecode(br, segmentTree[:], d.segTreeProbs[:])
	}
	if d.useSkip {
		mb.skip = br.ReadBool(d.skipProb) == 1
	}
	mb.ymode = treeDecode(br, kfYModeTree[:], kfYModeProb[:])
	if mb.ymode == predB {
		for i := 0; i < 16; i++ {
			var a, l int
			if i < 4 {
				a = aboveB[i]
			} else {
				a = mb.bmodes[i-4]
			}
			if i%4 == 0 {
				l = leftB[i/4]
			} else {
				l = mb.bmodes[i-1]
			}
			mb.bmodes[i] = treeDecode(br, bModeTree[:], kfBModeProb[a][l][:])
		}
		for i := 0; i < 4; i++ {
			aboveB[i] = mb.bmodes[12+i]
			leftB[i] = mb.bmodes[4*i+3]
		}
	} else {
		// 16x16 modes set the implied sub-block mode for context.
		implied := map[int]int{predDC: bDC, predV: bVE, predH: bHE, predTM: bTM}[mb.ymode]
		for i := 0; i < 4; i++ {
			aboveB[i] = implied
			leftB[i] = implied
		}
	}
	mb.uvmode = treeDecode(br, uvModeTree[:], kfUVModeProb[:])
	return mb
}

// decodeCoeffs reads one 4x4 coefficient block. Returns whether any
// coefficient was non-zero.
func (d *vp8Decoder) decodeCoeffs(r *bitio.BoolReader, plane, ctx, first int, dq *[2]int32, out *[16]int32) bool {
	for i := range out {
		out[i] = 0
	}
	n := first
	nonzero := false
	expectEOB := true
	for n < 16 {
		probs := &d.probs[plane][vp8Bands[n]][ctx]
		if expectEOB {
			if r.ReadBool(probs[0]) == 0 {
				break
			}
		}
		if r.ReadBool(probs[1]) == 0 {
			ctx = 0
			expectEOB = false
			n++
			continue
		}
		expectEOB = true
		var v int32
		if r.ReadBool(probs[2]) == 0 {
			v = 1
			ctx = 1
		} else {
			ctx = 2
			if r.ReadBool(probs[3]) == 0 {
				if r.ReadBool(probs[4]) == 0 {
					v = 2
				} else {
					v = 3 + int32(r.ReadBool(probs[5]))
				}
			} else {
				var cat int
				if r.ReadBool(probs[6]) == 0 {
					cat = int(r.ReadBool(probs[7]))
				} else if r.ReadBool(probs[8]) == 0 {
					cat = 2 + int(r.ReadBool(probs[9]))
				} else {
					cat = 4 + int(r.ReadBool(probs[10]))
				}
				spec := &catSpecs[cat]
				v = spec.base
				add := int32(0)
				for _, p := range spec.probs {
					add = add<<1 | int32(r.ReadBool(p))
				}
				v += add
			}
		}
		if r.ReadBool(128) == 1 {
			v = -v
		}
		q := dq[1]
		if n == 0 {
			q = dq[0]
		}
		out[vp8Zigzag[n]] = v * q
		nonzero = true
		n++
	}
	return nonzero
}

// decodeMB reads residuals for one macroblock and reconstructs it.
func (d *vp8Decoder) decodeMB(part *bitio.BoolReader, mb *vp8MB, mx, my int, above, left *mbContext) error {
	dq := &d.quant[mb.seg]

	var y2 [16]int32
	var coeffs [24][16]int32 // 16 Y + 4 U + 4 V
	hasY2 := mb.ymode != predB

	if mb.skip {
		// Skipped macroblocks carry no residual; their nonzero contexts
		// clear, except that B_PRED blocks leave the Y2 context alone.
		keepY2a, keepY2l := above.y2, left.y2
		*above = mbContext{}
		*left = mbContext{}
		if !hasY2 {
			above.y2, left.y2 = keepY2a, keepY2l
		}
	} else {
		if hasY2 {
			ctx := b2i(above.y2) + b2i(left.y2)
			nz := d.decodeCoeffs(part, planeY2, ctx, 0, &dq.y2, &y2)
			above.y2, left.y2 = nz, nz
			inverseWHT(&y2)
		}
		plane := planeYNoY2
		first := 0
		if hasY2 {
			plane = planeYAfterY2
			first = 1
		}
		var yNz [16]bool
		for b := 0; b < 16; b++ {
			bx, by := b%4, b/4
			var aN, lN bool
			if by == 0 {
				aN = above.y[bx]
			} else {
				aN = yNz[(by-1)*4+bx]
			}
			if bx == 0 {
				lN = left.y[by]
			} else {
				lN = yNz[by*4+bx-1]
			}
			nz := d.decodeCoeffs(part, plane, b2i(aN)+b2i(lN), first, &dq.y1, &coeffs[b])
			if hasY2 {
				coeffs[b][0] = y2[b]
			}
			yNz[b] = nz
			if by == 3 {
				above.y[bx] = nz
			}
			if bx == 3 {
				left.y[by] = nz
			}
		}
		for c := 0; c < 2; c++ {
			aArr, lArr := &above.u, &left.u
			if c == 1 {
				aArr, lArr = &above.v, &left.v
			}
			var uvNz [4]bool
			for b := 0; b < 4; b++ {
				bx, by := b%2, b/2
				var aN, lN bool
				if by == 0 {
					aN = aArr[bx]
				} else {
					aN = uvNz[bx]
				}
				if bx == 0 {
					lN = lArr[by]
				} else {
					lN = uvNz[2+by]
				}
				nz := d.decodeCoeffs(part, planeUV, b2i(aN)+b2i(lN), 0, &dq.uv, &coeffs[16+4*c+b])
				uvNz[bx] = nz
				uvNz[2+by] = nz
				if by == 1 {
					aArr[bx] = nz
				}
				if bx == 1 {
					lArr[by] = nz
				}
			}
		}
	}

	level := d.filterLevel
	if d.segEnabled {
		if d.segAbs {
			level = d.segFilter[mb.seg]
		} else {
			level += d.segFilter[mb.seg]
		}
		if level < 0 {
			level = 0
		}
		if level > 63 {
			level = 63
		}
	}
	d.filterInfo[my*d.mbw+mx] = filterInfo{
		level: level,
		inner: !mb.skip || mb.ymode == predB,
	}

	d.reconstructMB(mb, mx, my, &coeffs)
	return nil
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
