package webp

// Loop filter (section 15). Applied after the whole frame has been
// reconstructed, macroblock by macroblock in raster order.

type filterInfo struct {
	level int
	inner bool // filter sub-block edges
}

func clampS(v int32) int32 {
	if v < -128 {
		return -128
	}
	if v > 127 {
		return 127
	}
	return v
}

func u2s(v byte) int32  { return int32(v) - 128 }
func s2u(v int32) byte  { return byte(clampS(v) + 128) }

// pixel run accessors: pos indexes the edge pixel q0; step is 1 for a
// vertical edge (horizontal filtering) or the stride for a horizontal
// edge.

func absDiff(a, b byte) int32 {
	d := int32(a) - int32(b)
	if d < 0 {
		return -d
	}
	return d
}

func simpleMask(buf []byte, pos, step int, limit int32) bool {
	p1, p0 := buf[pos-2*step], buf[pos-step]
	q0, q1 := buf[pos], buf[pos+step]
	return absDiff(p0, q0)*2+absDiff(p1, q1)/2 <= limit
}

func normalMask(buf []byte, pos, step int, edgeLimit, interior int32) bool {
	p3, p2, p1, p0 := buf[pos-4*step], buf[pos-3*step], buf[pos-2*step], buf[pos-step]
	q0, q1, q2, q3 := buf[pos], buf[pos+step], buf[pos+2*step], buf[pos+3*step]
	return simpleMask(buf, pos, step, edgeLimit) &&
		absDiff(p3, p2) <= interior && absDiff(p2, p1) <= interior &&
		absDiff(p1, p0) <= interior && absDiff(q3, q2) <= interior &&
		absDiff(q2, q1) <= interior && absDiff(q1, q0) <= interior
}

func highEdgeVariance(buf []byte, pos, step int, thresh int32) bool {
	return absDiff(buf[pos-2*step], buf[pos-step]) > thresh ||
		absDiff(buf[pos+step], buf[pos]) > thresh
}

// commonAdjust filters p0/q0 and returns the full adjustment value.
func commonAdjust(buf []byte, pos, step int, useOuter bool) int32 {
	p1 := u2s(buf[pos-2*step])
	p0 := u2s(buf[pos-step])
	q0 := u2s(buf[pos])
	q1 := u2s(buf[pos+step])

	a := 3 * (q0 - p0)
	if useOuter {
		a += clampS(p1 - q1)
	}
	a = clampS(a)
	f := clampS(a+4) >> 3
	e := clampS(a+3) >> 3
	buf[pos] = s2u(q0 - f)
	buf[pos-step] = s2u(p0 + e)
	return f
}

// subblockFilter is the normal filter applied to interior edges.
func subblockFilter(buf []byte, pos, step int, edgeLimit, interior, hevT int32) {
	if !normalMask(buf, pos, step, edgeLimit, interior) {
		return
	}
	hev := highEdgeVariance(buf, pos, step, hevT)
	f := commonAdjust(buf, pos, step, hev)
	if !hev {
		a := (f + 1) >> 1
		buf[pos+step] = s2u(u2s(buf[pos+step]) - a)
		buf[pos-2*step] = s2u(u2s(buf[pos-2*step]) + a)
	}
}

// mbEdgeFilter is the stronger filter applied to macroblock edges.
func mbEdgeFilter(buf []byte, pos, step int, edgeLimit, interior, hevT int32) {
	if !normalMask(buf, pos, step, edgeLimit, interior) {
		return
	}
	if highEdgeVariance(buf, pos, step, hevT) {
		commonAdjust(buf, pos, step, true)
		return
	}
	p2, p1, p0 := u2s(buf[pos-3*step]), u2s(buf[pos-2*step]), u2s(buf[pos-step])
	q0, q1, q2 := u2s(buf[pos]), u2s(buf[pos+step]), u2s(buf[pos+2*step])

	w := clampS(clampS(p1-q1) + 3*(q0-p0))
	a := clampS((27*w + 63) >> 7)
	buf[pos] = s2u(q0 - a)
	buf[pos-step] = s2u(p0 + a)
	a = clampS((18*w + 63) >> 7)
	buf[pos+step] = s2u(q1 - a)
	buf[pos-2*step] = s2u(p1 + a)
	a = clampS((9*w + 63) >> 7)
	buf[pos+2*step] = s2u(q2 - a)
	buf[pos-3*step] = s2u(p2 + a)
}

func simpleFilter(buf []byte, pos, step int, limit int32) {
	if simpleMask(buf, pos, step, limit) {
		commonAdjust(buf, pos, step, true)
	}
}

// applyLoopFilter runs the configured loop filter over all planes.
func (d *vp8Decoder) applyLoopFilter() {
	if d.filterLevel == 0 || d.filterInfo == nil {
		return
	}
	for my := 0; my < d.mbh; my++ {
		for mx := 0; mx < d.mbw; mx++ {
			fi := d.filterInfo[my*d.mbw+mx]
			if fi.level == 0 {
				continue
			}
			level := int32(fi.level)

			interior := level
			if d.sharpness > 0 {
				if d.sharpness > 4 {
					interior >>= 2
				} else {
					interior >>= 1
				}
				if interior > int32(9-d.sharpness) {
					interior = int32(9 - d.sharpness)
				}
			}
			if interior < 1 {
				interior = 1
			}
			mbLimit := (level+2)*2 + interior
			subLimit := level*2 + interior
			var hevT int32
			switch {
			case fi.level >= 40:
				hevT = 2
			case fi.level >= 15:
				hevT = 1
			}

			if d.filterSimple {
				d.filterMBSimple(mx, my, fi, mbLimit, subLimit)
				continue
			}

			yOff := (my*16+1)*d.yStride + mx*16 + 1
			uvOff := (my*8+1)*d.uvStride + mx*8 + 1

			if mx > 0 {
				for i := 0; i < 16; i++ {
					mbEdgeFilter(d.yBuf, yOff+i*d.yStride, 1, mbLimit, interior, hevT)
				}
				for i := 0; i < 8; i++ {
					mbEdgeFilter(d.uBuf, uvOff+i*d.uvStride, 1, mbLimit, interior, hevT)
					mbEdgeFilter(d.vBuf, uvOff+i*d.uvStride, 1, mbLimit, interior, hevT)
				}
			}
			if fi.inner {
				for n := 4; n < 16; n += 4 {
					for i := 0; i < 16; i++ {
						subblockFilter(d.yBuf, yOff+i*d.yStride+n, 1, subLimit, interior, hevT)
					}
				}
				for i := 0; i < 8; i++ {
					subblockFilter(d.uBuf, uvOff+i*d.uvStride+4, 1, subLimit, interior, hevT)
					subblockFilter(d.vBuf, uvOff+i*d.uvStride+4, 1, subLimit, interior, hevT)
				}
			}
			if my > 0 {
				for i := 0; i < 16; i++ {
					mbEdgeFilter(d.yBuf, yOff+i, d.yStride, mbLimit, interior, hevT)
				}
				for i := 0; i < 8; i++ {
					mbEdgeFilter(d.uBuf, uvOff+i, d.uvStride, mbLimit, interior, hevT)
					mbEdgeFilter(d.vBuf, uvOff+i, d.uvStride, mbLimit, interior, hevT)
				}
			}
			if fi.inner {
				for n := 4; n < 16; n += 4 {
					for i := 0; i < 16; i++ {
						subblockFilter(d.yBuf, yOff+n*d.yStride+i, d.yStride, subLimit, interior, hevT)
					}
				}
				for i := 0; i < 8; i++ {
					subblockFilter(d.uBuf, uvOff+4*d.uvStride+i, d.uvStride, subLimit, interior, hevT)
					subblockFilter(d.vBuf, uvOff+4*d.uvStride+i, d.uvStride, subLimit, interior, hevT)
				}
			}
		}
	}
}

// filterMBSimple applies the simple (luma-only) filter to one macroblock.
func (d *vp8Decoder) filterMBSimple(mx, my int, fi filterInfo, mbLimit, subLimit int32) {
	yOff := (my*16+1)*d.yStride + mx*16 + 1
	if mx > 0 {
		for i := 0; i < 16; i++ {
			simpleFilter(d.yBuf, yOff+i*d.yStride, 1, mbLimit)
		}
	}
	if fi.inner {
		for n := 4; n < 16; n += 4 {
			for i := 0; i < 16; i++ {
				simpleFilter(d.yBuf, yOff+i*d.yStride+n, 1, subLimit)
			}
		}
	}
	if my > 0 {
		for i := 0; i < 16; i++ {
			simpleFilter(d.yBuf, yOff+i, d.yStride, mbLimit)
		}
	}
	if fi.inner {
		for n := 4; n < 16; n += 4 {
			for i := 0; i < 16; i++ {
				simpleFilter(d.yBuf, yOff+n*d.yStride+i, d.yStride, subLimit)
			}
		}
	}
}
