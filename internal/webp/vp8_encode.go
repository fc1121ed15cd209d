package webp

import (
	"encoding/binary"
	"image"

	"github.com/deepteams/imageio/internal/bitio"
)

// VP8 encoder: key frames with 16x16 intra macroblocks (DC or TM luma
// prediction, whichever leaves the smaller residual), WHT on the luma DC
// array, a dead-zone quantizer driven by the quality factor, and a
// single token partition. Loop filter parameters are written but the
// filter is not applied to the reconstruction.

type vp8Encoder struct {
	w, h     int
	mbw, mbh int
	qi       int
	quant    quantFactors

	yStride, uvStride int
	// Source planes (bordered like the decoder's reconstruction).
	ySrc, uSrc, vSrc []byte
	// Reconstruction planes used for prediction.
	yRec, uRec, vRec []byte

	header *bitio.BoolWriter
	tokens *bitio.BoolWriter

	probs [4][8][3][11]uint8
}

// encodeVP8 encodes an image as a VP8 key frame payload. quality is in
// [0,1].
func encodeVP8(img *image.NRGBA, quality float64) []byte {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	e := &vp8Encoder{
		w: w, h: h,
		mbw: (w + 15) / 16, mbh: (h + 15) / 16,
		probs: defaultCoeffProbs,
	}
	e.qi = int((1 - quality) * 127)
	if e.qi < 0 {
		e.qi = 0
	}
	if e.qi > 127 {
		e.qi = 127
	}
	e.quant.y1[0] = int32(vp8DcQuant[clamp127(e.qi)])
	e.quant.y1[1] = int32(vp8AcQuant[clamp127(e.qi)])
	e.quant.y2[0] = int32(vp8DcQuant[clamp127(e.qi)]) * 2
	e.quant.y2[1] = int32(vp8AcQuant[clamp127(e.qi)]) * 155 / 100
	if e.quant.y2[1] < 8 {
		e.quant.y2[1] = 8
	}
	e.quant.uv[0] = int32(vp8DcQuant[clamp117(e.qi)])
	e.quant.uv[1] = int32(vp8AcQuant[clamp127(e.qi)])

	e.convertPlanes(img)
	e.header = bitio.NewBoolWriter(1024)
	e.tokens = bitio.NewBoolWriter(w * h / 4)
	e.writeHeader()
	e.encodeMacroblocks()

	part0 := e.header.Finish()
	tokens := e.tokens.Finish()

	out := make([]byte, 0, 10+len(part0)+len(tokens))
	tag := uint32(len(part0))<<5 | 1<<4 // key frame, version 0, show frame
	out = append(out, byte(tag), byte(tag>>8), byte(tag>>16))
	out = append(out, 0x9D, 0x01, 0x2A)
	var dim [4]byte
	binary.LittleEndian.PutUint16(dim[0:], uint16(e.w))
	binary.LittleEndian.PutUint16(dim[2:], uint16(e.h))
	out = append(out, dim[:]...)
	out = append(out, part0...)
	return append(out, tokens...)
}

// convertPlanes builds bordered YUV420 planes from RGB with edge
// replication out to macroblock multiples.
func (e *vp8Encoder) convertPlanes(img *image.NRGBA) {
	e.yStride = e.mbw*16 + 1 + 4
	e.uvStride = e.mbw*8 + 1
	ySize := (e.mbh*16 + 1) * e.yStride
	uvSize := (e.mbh*8 + 1) * e.uvStride
	e.ySrc = make([]byte, ySize)
	e.uSrc = make([]byte, uvSize)
	e.vSrc = make([]byte, uvSize)
	e.yRec = make([]byte, ySize)
	e.uRec = make([]byte, uvSize)
	e.vRec = make([]byte, uvSize)

	for _, p := range []struct {
		buf    []byte
		stride int
	}{{e.yRec, e.yStride}, {e.uRec, e.uvStride}, {e.vRec, e.uvStride}} {
		for i := 0; i < p.stride; i++ {
			p.buf[i] = 127
		}
		for y := 1; y*p.stride < len(p.buf); y++ {
			p.buf[y*p.stride] = 129
		}
	}

	fw, fh := e.mbw*16, e.mbh*16
	for y := 0; y < fh; y++ {
		sy := y
		if sy >= e.h {
			sy = e.h - 1
		}
		row := img.Pix[sy*img.Stride:]
		for x := 0; x < fw; x++ {
			sx := x
			if sx >= e.w {
				sx = e.w - 1
			}
			r := float64(row[4*sx+0])
			g := float64(row[4*sx+1])
			b := float64(row[4*sx+2])
			e.ySrc[(y+1)*e.yStride+x+1] = clip255(int32(0.299*r + 0.587*g + 0.114*b + 0.5))
			if x%2 == 0 && y%2 == 0 {
				// 2x2 average of chroma, with replication at the edges.
				var ur, ug, ub float64
				for dy := 0; dy < 2; dy++ {
					ry := sy + dy
					if ry >= e.h {
						ry = e.h - 1
					}
					prow := img.Pix[ry*img.Stride:]
					for dx := 0; dx < 2; dx++ {
						rx := sx + dx
						if rx >= e.w {
							rx = e.w - 1
						}
						ur += float64(prow[4*rx+0])
						ug += float64(prow[4*rx+1])
						ub += float64(prow[4*rx+2])
					}
				}
				ur, ug, ub = ur/4, ug/4, ub/4
				e.uSrc[(y/2+1)*e.uvStride+x/2+1] = clip255(int32(-0.169*ur - 0.331*ug + 0.5*ub + 128.5))
				e.vSrc[(y/2+1)*e.uvStride+x/2+1] = clip255(int32(0.5*ur - 0.419*ug - 0.081*ub + 128.5))
			}
		}
	}
}

func (e *vp8Encoder) writeHeader() {
	w := e.header
	w.PutBool(0, 128) // color space
	w.PutBool(0, 128) // clamping type
	w.PutBool(0, 128) // segmentation disabled
	w.PutBool(0, 128) // normal loop filter
	level := e.qi / 12
	if level > 10 {
		level = 10
	}
	w.PutUint(uint32(level), 6)
	w.PutUint(0, 3)   // sharpness
	w.PutBool(0, 128) // no loop filter deltas
	w.PutUint(0, 2)   // one token partition
	w.PutUint(uint32(e.qi), 7)
	for i := 0; i < 5; i++ {
		w.PutBool(0, 128) // no quantizer deltas
	}
	w.PutBool(1, 128) // refresh entropy probs
	for t := 0; t < 4; t++ {
		for b := 0; b < 8; b++ {
			for c := 0; c < 3; c++ {
				for p := 0; p < 11; p++ {
					w.PutBool(0, coeffUpdateProbs[t][b][c][p])
				}
			}
		}
	}
	w.PutBool(1, 128)   // mb_no_skip_coeff
	w.PutUint(128, 8)   // prob_skip_false
}

func (e *vp8Encoder) encodeMacroblocks() {
	above := make([]mbContext, e.mbw)
	for my := 0; my < e.mbh; my++ {
		var left mbContext
		for mx := 0; mx < e.mbw; mx++ {
			e.encodeMB(mx, my, &above[mx], &left)
		}
	}
}

// quantize applies the dead-zone quantizer to one natural-order block,
// returning levels in natural order.
func quantize(coefs *[16]int32, dq *[2]int32, levels *[16]int32) bool {
	nonzero := false
	for i := 0; i < 16; i++ {
		q := dq[1]
		if i == 0 {
			q = dq[0]
		}
		v := coefs[i]
		neg := v < 0
		if neg {
			v = -v
		}
		l := v / q
		if l > 2047 {
			l = 2047
		}
		if neg {
			l = -l
		}
		levels[i] = l
		if l != 0 {
			nonzero = true
		}
	}
	return nonzero
}

// pickLumaMode predicts the 16x16 luma block with DC and TM and keeps
// the mode whose residual has the smaller sum of absolute differences.
// The winning prediction is left in the reconstruction buffer.
func (e *vp8Encoder) pickLumaMode(yOff int, leftEdge, topEdge bool) int {
	sad := func() int {
		s := 0
		for y := 0; y < 16; y++ {
			row := yOff + y*e.yStride
			for x := 0; x < 16; x++ {
				d := int(e.ySrc[row+x]) - int(e.yRec[row+x])
				if d < 0 {
					d = -d
				}
				s += d
			}
		}
		return s
	}
	predictBlock(e.yRec, e.yStride, yOff, 16, predDC, leftEdge, topEdge)
	dcSAD := sad()
	predictBlock(e.yRec, e.yStride, yOff, 16, predTM, leftEdge, topEdge)
	if sad() < dcSAD {
		return predTM
	}
	predictBlock(e.yRec, e.yStride, yOff, 16, predDC, leftEdge, topEdge)
	return predDC
}

func (e *vp8Encoder) encodeMB(mx, my int, above, left *mbContext) {
	yOff := (my*16+1)*e.yStride + mx*16 + 1
	uvOff := (my*8+1)*e.uvStride + mx*8 + 1

	// Predict from the reconstruction, transform the source residual.
	ymode := e.pickLumaMode(yOff, mx == 0, my == 0)
	predictBlock(e.uRec, e.uvStride, uvOff, 8, predDC, mx == 0, my == 0)
	predictBlock(e.vRec, e.uvStride, uvOff, 8, predDC, mx == 0, my == 0)

	var yLevels [16][16]int32
	var uvLevels [8][16]int32
	var y2Levels [16]int32
	var yDC [16]int32

	var coefs [16]int32
	for b := 0; b < 16; b++ {
		bx, by := b%4, b/4
		off := yOff + by*4*e.yStride + bx*4
		residualDCT(e.ySrc, e.yRec, e.yStride, off, &coefs)
		yDC[b] = coefs[0]
		coefs[0] = 0
		quantize(&coefs, &e.quant.y1, &yLevels[b])
	}
	forwardWHT(&yDC, &coefs)
	quantize(&coefs, &e.quant.y2, &y2Levels)

	for c := 0; c < 2; c++ {
		src, rec := e.uSrc, e.uRec
		if c == 1 {
			src, rec = e.vSrc, e.vRec
		}
		for b := 0; b < 4; b++ {
			bx, by := b%2, b/2
			off := uvOff + by*4*e.uvStride + bx*4
			residualDCT(src, rec, e.uvStride, off, &coefs)
			quantize(&coefs, &e.quant.uv, &uvLevels[4*c+b])
		}
	}

	skip := !anyNonzero(&y2Levels)
	for b := 0; b < 16 && skip; b++ {
		skip = !anyNonzero(&yLevels[b])
	}
	for b := 0; b < 8 && skip; b++ {
		skip = !anyNonzero(&uvLevels[b])
	}

	// Macroblock header bits in the first partition.
	hw := e.header
	hw.PutBool(b2i(skip), 128)
	// Luma mode on the key-frame tree: DC is 1,0,0; TM is 1,1,1.
	hw.PutBool(1, kfYModeProb[0])
	if ymode == predDC {
		hw.PutBool(0, kfYModeProb[1])
		hw.PutBool(0, kfYModeProb[2])
	} else {
		hw.PutBool(1, kfYModeProb[1])
		hw.PutBool(1, kfYModeProb[3])
	}
	// Chroma DC_PRED: 0.
	hw.PutBool(0, kfUVModeProb[0])

	if skip {
		*above = mbContext{}
		*left = mbContext{}
	} else {
		// Token emission, mirroring the decoder's context tracking.
		ctx := b2i(above.y2) + b2i(left.y2)
		nzY2 := e.emitCoeffs(planeY2, ctx, 0, &y2Levels)
		above.y2, left.y2 = nzY2, nzY2

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
			nz := e.emitCoeffs(planeYAfterY2, b2i(aN)+b2i(lN), 1, &yLevels[b])
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
				nz := e.emitCoeffs(planeUV, b2i(aN)+b2i(lN), 0, &uvLevels[4*c+b])
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

	// Reconstruct exactly as the decoder will.
	var y2 [16]int32
	dequantInto(&y2Levels, &e.quant.y2, &y2)
	inverseWHT(&y2)
	for b := 0; b < 16; b++ {
		bx, by := b%4, b/4
		off := yOff + by*4*e.yStride + bx*4
		var res [16]int32
		dequantInto(&yLevels[b], &e.quant.y1, &res)
		res[0] = y2[b]
		inverseDCT4x4(&res)
		addResidual(e.yRec, e.yStride, off, &res, 4)
	}
	for c := 0; c < 2; c++ {
		rec := e.uRec
		if c == 1 {
			rec = e.vRec
		}
		for b := 0; b < 4; b++ {
			bx, by := b%2, b/2
			off := uvOff + by*4*e.uvStride + bx*4
			var res [16]int32
			dequantInto(&uvLevels[4*c+b], &e.quant.uv, &res)
			inverseDCT4x4(&res)
			addResidual(rec, e.uvStride, off, &res, 4)
		}
	}
}

func anyNonzero(levels *[16]int32) bool {
	for _, v := range levels {
		if v != 0 {
			return true
		}
	}
	return false
}

func dequantInto(levels *[16]int32, dq *[2]int32, out *[16]int32) {
	for i := 0; i < 16; i++ {
		q := dq[1]
		if i == 0 {
			q = dq[0]
		}
		out[i] = levels[i] * q
	}
}

// residualDCT computes src-pred for one 4x4 block and forward-transforms
// it.
func residualDCT(src, rec []byte, stride, off int, out *[16]int32) {
	var diff [16]int32
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			p := off + y*stride + x
			diff[4*y+x] = int32(src[p]) - int32(rec[p])
		}
	}
	forwardDCT4x4(&diff, out)
}

// forwardDCT4x4 is the libvpx short fdct, the approximate inverse of
// inverseDCT4x4.
func forwardDCT4x4(in, out *[16]int32) {
	var tmp [16]int32
	for i := 0; i < 4; i++ {
		a1 := (in[4*i+0] + in[4*i+3]) << 3
		b1 := (in[4*i+1] + in[4*i+2]) << 3
		c1 := (in[4*i+1] - in[4*i+2]) << 3
		d1 := (in[4*i+0] - in[4*i+3]) << 3
		tmp[4*i+0] = a1 + b1
		tmp[4*i+2] = a1 - b1
		tmp[4*i+1] = (c1*2217 + d1*5352 + 14500) >> 12
		tmp[4*i+3] = (d1*2217 - c1*5352 + 7500) >> 12
	}
	for i := 0; i < 4; i++ {
		a1 := tmp[i] + tmp[i+12]
		b1 := tmp[i+4] + tmp[i+8]
		c1 := tmp[i+4] - tmp[i+8]
		d1 := tmp[i] - tmp[i+12]
		out[i] = (a1 + b1 + 7) >> 4
		out[i+8] = (a1 - b1 + 7) >> 4
		v := (c1*2217 + d1*5352 + 12000) >> 16
		if d1 != 0 {
			v++
		}
		out[i+4] = v
		out[i+12] = (d1*2217 - c1*5352 + 51000) >> 16
	}
}

// forwardWHT transforms the 16 luma DC values.
func forwardWHT(in, out *[16]int32) {
	var tmp [16]int32
	for i := 0; i < 4; i++ {
		a1 := (in[4*i+0] + in[4*i+2]) << 2
		d1 := (in[4*i+1] + in[4*i+3]) << 2
		c1 := (in[4*i+1] - in[4*i+3]) << 2
		b1 := (in[4*i+0] - in[4*i+2]) << 2
		t := a1 + d1
		if a1 != 0 {
			t++
		}
		tmp[4*i+0] = t
		tmp[4*i+1] = b1 + c1
		tmp[4*i+2] = b1 - c1
		tmp[4*i+3] = a1 - d1
	}
	for i := 0; i < 4; i++ {
		a1 := tmp[i] + tmp[i+8]
		d1 := tmp[i+4] + tmp[i+12]
		c1 := tmp[i+4] - tmp[i+12]
		b1 := tmp[i] - tmp[i+8]
		a2 := a1 + d1
		b2 := b1 + c1
		c2 := b1 - c1
		d2 := a1 - d1
		if a2 < 0 {
			a2++
		}
		if b2 < 0 {
			b2++
		}
		if c2 < 0 {
			c2++
		}
		if d2 < 0 {
			d2++
		}
		out[i] = (a2 + 3) >> 3
		out[i+4] = (b2 + 3) >> 3
		out[i+8] = (c2 + 3) >> 3
		out[i+12] = (d2 + 3) >> 3
	}
}

// emitCoeffs writes the tokens for one block. levels are in natural
// order; emission follows zig-zag order and mirrors decodeCoeffs.
func (e *vp8Encoder) emitCoeffs(plane, ctx, first int, levels *[16]int32) bool {
	w := e.tokens

	last := -1
	for n := first; n < 16; n++ {
		if levels[vp8Zigzag[n]] != 0 {
			last = n
		}
	}
	if last < 0 {
		probs := &e.probs[plane][vp8Bands[first]][ctx]
		w.PutBool(0, probs[0]) // EOB
		return false
	}

	expectEOB := true
	n := first
	for n <= last {
		probs := &e.probs[plane][vp8Bands[n]][ctx]
		v := levels[vp8Zigzag[n]]
		if expectEOB {
			w.PutBool(1, probs[0])
		}
		if v == 0 {
			w.PutBool(0, probs[1])
			ctx = 0
			expectEOB = false
			n++
			continue
		}
		w.PutBool(1, probs[1])
		expectEOB = true
		abs := v
		neg := false
		if abs < 0 {
			abs = -abs
			neg = true
		}
		switch {
		case abs == 1:
			w.PutBool(0, probs[2])
			ctx = 1
		case abs <= 4:
			w.PutBool(1, probs[2])
			ctx = 2
			w.PutBool(0, probs[3])
			if abs == 2 {
				w.PutBool(0, probs[4])
			} else {
				w.PutBool(1, probs[4])
				w.PutBool(b2i(abs == 4), probs[5])
			}
		default:
			w.PutBool(1, probs[2])
			ctx = 2
			w.PutBool(1, probs[3])
			cat := 5
			for c := 0; c < 5; c++ {
				if abs < catSpecs[c+1].base {
					cat = c
					break
				}
			}
			switch cat {
			case 0, 1:
				w.PutBool(0, probs[6])
				w.PutBool(b2i(cat == 1), probs[7])
			case 2, 3:
				w.PutBool(1, probs[6])
				w.PutBool(0, probs[8])
				w.PutBool(b2i(cat == 3), probs[9])
			default:
				w.PutBool(1, probs[6])
				w.PutBool(1, probs[8])
				w.PutBool(b2i(cat == 5), probs[10])
			}
			spec := &catSpecs[cat]
			rem := abs - spec.base
			for i, p := range spec.probs {
				bit := rem >> uint(len(spec.probs)-1-i) & 1
				w.PutBool(int(bit), p)
			}
		}
		w.PutBool(b2i(neg), 128)
		n++
	}
	if last < 15 {
		probs := &e.probs[plane][vp8Bands[n]][ctx]
		w.PutBool(0, probs[0])
	}
	return true
}
