package webp

import "image"

// Inverse transforms (section 14).

const (
	cospi8sqrt2minus1 = 20091
	sinpi8sqrt2       = 35468
)

// inverseDCT4x4 transforms coefficients in natural order in place into
// spatial residuals.
func inverseDCT4x4(b *[16]int32) {
	var tmp [16]int32
	for i := 0; i < 4; i++ {
		a1 := b[i] + b[i+8]
		b1 := b[i] - b[i+8]
		t1 := (b[i+4] * sinpi8sqrt2) >> 16
		t2 := b[i+12] + ((b[i+12] * cospi8sqrt2minus1) >> 16)
		c1 := t1 - t2
		t1 = b[i+4] + ((b[i+4] * cospi8sqrt2minus1) >> 16)
		t2 = (b[i+12] * sinpi8sqrt2) >> 16
		d1 := t1 + t2
		tmp[i] = a1 + d1
		tmp[i+12] = a1 - d1
		tmp[i+4] = b1 + c1
		tmp[i+8] = b1 - c1
	}
	for i := 0; i < 4; i++ {
		a1 := tmp[4*i] + tmp[4*i+2]
		b1 := tmp[4*i] - tmp[4*i+2]
		t1 := (tmp[4*i+1] * sinpi8sqrt2) >> 16
		t2 := tmp[4*i+3] + ((tmp[4*i+3] * cospi8sqrt2minus1) >> 16)
		c1 := t1 - t2
		t1 = tmp[4*i+1] + ((tmp[4*i+1] * cospi8sqrt2minus1) >> 16)
		t2 = (tmp[4*i+3] * sinpi8sqrt2) >> 16
		d1 := t1 + t2
		b[4*i] = (a1 + d1 + 4) >> 3
		b[4*i+3] = (a1 - d1 + 4) >> 3
		b[4*i+1] = (b1 + c1 + 4) >> 3
		b[4*i+2] = (b1 - c1 + 4) >> 3
	}
}

// inverseWHT transforms the Y2 block in place; the results become the DC
// coefficients of the 16 luma blocks.
func inverseWHT(b *[16]int32) {
	var tmp [16]int32
	for i := 0; i < 4; i++ {
		a1 := b[i] + b[i+12]
		b1 := b[i+4] + b[i+8]
		c1 := b[i+4] - b[i+8]
		d1 := b[i] - b[i+12]
		tmp[i] = a1 + b1
		tmp[i+4] = c1 + d1
		tmp[i+8] = a1 - b1
		tmp[i+12] = d1 - c1
	}
	for i := 0; i < 4; i++ {
		a1 := tmp[4*i] + tmp[4*i+3]
		b1 := tmp[4*i+1] + tmp[4*i+2]
		c1 := tmp[4*i+1] - tmp[4*i+2]
		d1 := tmp[4*i] - tmp[4*i+3]
		b[4*i] = (a1 + b1 + 3) >> 3
		b[4*i+1] = (c1 + d1 + 3) >> 3
		b[4*i+2] = (a1 - b1 + 3) >> 3
		b[4*i+3] = (d1 - c1 + 3) >> 3
	}
}

func clip255(v int32) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

// reconstructMB predicts and adds residuals for one macroblock.
func (d *vp8Decoder) reconstructMB(mb *vp8MB, mx, my int, coeffs *[24][16]int32) {
	yOff := (my*16+1)*d.yStride + mx*16 + 1
	uvOff := (my*8+1)*d.uvStride + mx*8 + 1

	if mb.ymode == predB {
		for b := 0; b < 16; b++ {
			bx, by := b%4, b/4
			off := yOff + by*4*d.yStride + bx*4
			predict4x4(d.yBuf, d.yStride, off, mb.bmodes[b], mx*16+bx*4, d.mbw*16)
			addResidual(d.yBuf, d.yStride, off, &coeffs[b], 4)
		}
	} else {
		predictBlock(d.yBuf, d.yStride, yOff, 16, mb.ymode, mx == 0, my == 0)
		for b := 0; b < 16; b++ {
			bx, by := b%4, b/4
			addResidual(d.yBuf, d.yStride, yOff+by*4*d.yStride+bx*4, &coeffs[b], 4)
		}
	}

	predictBlock(d.uBuf, d.uvStride, uvOff, 8, mb.uvmode, mx == 0, my == 0)
	predictBlock(d.vBuf, d.uvStride, uvOff, 8, mb.uvmode, mx == 0, my == 0)
	for b := 0; b < 4; b++ {
		bx, by := b%2, b/2
		addResidual(d.uBuf, d.uvStride, uvOff+by*4*d.uvStride+bx*4, &coeffs[16+b], 4)
		addResidual(d.vBuf, d.uvStride, uvOff+by*4*d.uvStride+bx*4, &coeffs[20+b], 4)
	}
}

func addResidual(buf []byte, stride, off int, res *[16]int32, n int) {
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			p := off + y*stride + x
			buf[p] = clip255(int32(buf[p]) + res[4*y+x])
		}
	}
}

// predictBlock fills an n x n block (n = 16 luma, 8 chroma) with the
// DC/V/H/TM prediction from the already-reconstructed border pixels.
func predictBlock(buf []byte, stride, off, n, mode int, leftEdge, topEdge bool) {
	switch mode {
	case predDC:
		sum, count := int32(0), int32(0)
		if !topEdge {
			for x := 0; x < n; x++ {
				sum += int32(buf[off-stride+x])
			}
			count += int32(n)
		}
		if !leftEdge {
			for y := 0; y < n; y++ {
				sum += int32(buf[off+y*stride-1])
			}
			count += int32(n)
		}
		dc := byte(128)
		if count > 0 {
			dc = byte((sum + count/2) / count)
		}
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				buf[off+y*stride+x] = dc
			}
		}
	case predV:
		for y := 0; y < n; y++ {
			copy(buf[off+y*stride:off+y*stride+n], buf[off-stride:off-stride+n])
		}
	case predH:
		for y := 0; y < n; y++ {
			l := buf[off+y*stride-1]
			for x := 0; x < n; x++ {
				buf[off+y*stride+x] = l
			}
		}
	default: // predTM
		tl := int32(buf[off-stride-1])
		for y := 0; y < n; y++ {
			l := int32(buf[off+y*stride-1])
			for x := 0; x < n; x++ {
				buf[off+y*stride+x] = clip255(l + int32(buf[off-stride+x]) - tl)
			}
		}
	}
}

// predict4x4 fills one 4x4 luma sub-block using a B_PRED mode. x is the
// absolute pixel column of the block; frameW bounds the above-right
// fetch.
func predict4x4(buf []byte, stride, off, mode, x, frameW int) {
	var a [8]int32 // above, incl. above-right
	var l [4]int32
	tl := int32(buf[off-stride-1])
	for i := 0; i < 4; i++ {
		a[i] = int32(buf[off-stride+i])
		l[i] = int32(buf[off+i*stride-1])
	}
	for i := 4; i < 8; i++ {
		if x+i < frameW+4 {
			a[i] = int32(buf[off-stride+i])
		} else {
			a[i] = a[3]
		}
	}
	set := func(px, py int, v int32) {
		buf[off+py*stride+px] = clip255(v)
	}
	switch mode {
	case bDC:
		sum := int32(4)
		for i := 0; i < 4; i++ {
			sum += a[i] + l[i]
		}
		dc := sum >> 3
		for py := 0; py < 4; py++ {
			for px := 0; px < 4; px++ {
				set(px, py, dc)
			}
		}
	case bTM:
		for py := 0; py < 4; py++ {
			for px := 0; px < 4; px++ {
				set(px, py, l[py]+a[px]-tl)
			}
		}
	case bVE:
		for px := 0; px < 4; px++ {
			var v int32
			if px == 0 {
				v = avg3i(tl, a[0], a[1])
			} else {
				v = avg3i(a[px-1], a[px], a[px+1])
			}
			for py := 0; py < 4; py++ {
				set(px, py, v)
			}
		}
	case bHE:
		for py := 0; py < 4; py++ {
			var v int32
			switch py {
			case 0:
				v = avg3i(tl, l[0], l[1])
			case 3:
				v = avg3i(l[2], l[3], l[3])
			default:
				v = avg3i(l[py-1], l[py], l[py+1])
			}
			for px := 0; px < 4; px++ {
				set(px, py, v)
			}
		}
	case bLD:
		for py := 0; py < 4; py++ {
			for px := 0; px < 4; px++ {
				i := px + py
				if i < 6 {
					set(px, py, avg3i(a[i], a[i+1], a[i+2]))
				} else {
					set(px, py, avg3i(a[6], a[7], a[7]))
				}
			}
		}
	case bRD:
		for py := 0; py < 4; py++ {
			for px := 0; px < 4; px++ {
				i := px - py
				var v int32
				switch {
				case i > 0:
					v = avg3i(a[i-1], a[i], a[i+1])
				case i == 0:
					v = avg3i(l[0], tl, a[0])
				case i == -1:
					v = avg3i(tl, l[0], l[1])
				default:
					v = avg3i(l[-i-2], l[-i-1], l[-i])
				}
				set(px, py, v)
			}
		}
	case bVR:
		for py := 0; py < 4; py++ {
			for px := 0; px < 4; px++ {
				set(px, py, vrPixel(px, py, tl, a[:], l[:]))
			}
		}
	case bVL:
		for py := 0; py < 4; py++ {
			for px := 0; px < 4; px++ {
				set(px, py, vlPixel(px, py, a[:]))
			}
		}
	case bHD:
		for py := 0; py < 4; py++ {
			for px := 0; px < 4; px++ {
				set(px, py, hdPixel(px, py, tl, a[:], l[:]))
			}
		}
	case bHU:
		for py := 0; py < 4; py++ {
			for px := 0; px < 4; px++ {
				set(px, py, huPixel(px, py, l[:]))
			}
		}
	}
}

func avg3i(p, q, r int32) int32 { return (p + 2*q + r + 2) >> 2 }
func avg2i(p, q int32) int32    { return (p + q + 1) >> 1 }

// vrPixel computes the vertical-right prediction for one pixel.
func vrPixel(px, py int, tl int32, a, l []int32) int32 {
	i := 2*px - py
	switch {
	case i < -2:
		return avg3i(l[py-2-1], l[py-2], l[py-1])
	case i == -2:
		return avg3i(l[py-1-1], l[py-1], tl)
	case i == -1:
		return avg3i(l[py-1], tl, a[0])
	case i%2 == 0:
		if px-py/2 == 0 {
			return avg2i(tl, a[0])
		}
		return avg2i(a[px-py/2-1], a[px-py/2])
	default:
		if px-(py-1)/2-1 == 0 {
			return avg3i(tl, a[0], a[1])
		}
		k := px - (py+1)/2
		return avg3i(a[k-1], a[k], a[k+1])
	}
}

// vlPixel computes the vertical-left prediction for one pixel.
func vlPixel(px, py int, a []int32) int32 {
	i := px + py/2
	if py%2 == 0 {
		return avg2i(a[i], a[i+1])
	}
	if py == 3 && px >= 2 {
		// The two bottom-right pixels reuse the above-right taps.
		return avg3i(a[px+2], a[px+3], a[px+3])
	}
	return avg3i(a[i], a[i+1], a[i+2])
}

// hdPixel computes the horizontal-down prediction for one pixel.
func hdPixel(px, py int, tl int32, a, l []int32) int32 {
	i := 2*py - px
	switch {
	case i < -1:
		return avg3i(a[px-2-1], a[px-2], a[px-1])
	case i == -1:
		return avg3i(a[px-2], a[px-1-0], tl)
	case i == 0:
		if py == 0 {
			return avg2i(tl, l[0])
		}
		return avg2i(l[py-1], l[py])
	case i%2 == 0:
		return avg2i(l[py-px/2-1+0], l[py-px/2])
	default:
		if py-(px+1)/2 == 0 {
			return avg3i(a[0], tl, l[0])
		}
		k := py - (px+1)/2
		return avg3i(l[k-1], l[k], l[k+1])
	}
}

// huPixel computes the horizontal-up prediction for one pixel.
func huPixel(px, py int, l []int32) int32 {
	i := px + 2*py
	switch {
	case i > 4:
		return l[3]
	case i == 4:
		return avg3i(l[2], l[3], l[3])
	case i%2 == 0:
		return avg2i(l[i/2], l[i/2+1])
	default:
		return avg3i(l[i/2], l[i/2+1], l[i/2+2])
	}
}

// output crops the bordered planes and converts YCbCr to RGB.
func (d *vp8Decoder) output() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, d.w, d.h))
	for y := 0; y < d.h; y++ {
		yRow := d.yBuf[(y+1)*d.yStride+1:]
		uRow := d.uBuf[(y/2+1)*d.uvStride+1:]
		vRow := d.vBuf[(y/2+1)*d.uvStride+1:]
		dst := img.Pix[y*img.Stride:]
		for x := 0; x < d.w; x++ {
			yy := float64(yRow[x])
			cb := float64(uRow[x/2]) - 128
			cr := float64(vRow[x/2]) - 128
			dst[4*x+0] = clip255(int32(yy + 1.402*cr + 0.5))
			dst[4*x+1] = clip255(int32(yy - 0.344136*cb - 0.714136*cr + 0.5))
			dst[4*x+2] = clip255(int32(yy + 1.772*cb + 0.5))
			dst[4*x+3] = 255
		}
	}
	return img
}
