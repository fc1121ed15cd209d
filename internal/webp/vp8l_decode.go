package webp

import (
	"image"

	"github.com/pkg/errors"

	"github.com/deepteams/imageio/internal/bitio"
	"github.com/deepteams/imageio/internal/codec"
)

// VP8L transform types.
const (
	transformPredictor = 0
	transformColor     = 1
	transformSubGreen  = 2
	transformColorIdx  = 3
)

const (
	vp8lMagic    = 0x2F
	argbBlack    = 0xFF000000
	cacheHashMul = 0x1E35A7BD
)

// subSampleSize returns ceil(size / 2^bits).
func subSampleSize(size, bits int) int {
	return (size + (1 << bits) - 1) >> bits
}

// transform records one read transform for later inverse application.
type vp8lTransform struct {
	kind   int
	bits   int
	xsize  int // image width at the time the transform was read
	ysize  int
	data   []uint32
}

// treeGroup bundles the five prefix decoders of one meta group.
type treeGroup struct {
	green, red, blue, alpha, dist *prefixDecoder
}

type vp8lDecoder struct {
	r          *bitio.LSBReader
	transforms []vp8lTransform
	seen       uint
}

// decodeVP8L decodes a complete VP8L payload into an NRGBA image.
func decodeVP8L(data []byte) (*image.NRGBA, error) {
	r := bitio.NewLSBReader(data)
	sig, err := r.Read(8)
	if err != nil {
		return nil, err
	}
	if sig != vp8lMagic {
		return nil, errors.Wrap(codec.ErrMalformed, "webp: bad VP8L signature")
	}
	wm1, err := r.Read(14)
	if err != nil {
		return nil, err
	}
	hm1, err := r.Read(14)
	if err != nil {
		return nil, err
	}
	if _, err := r.Read(1); err != nil { // alpha hint
		return nil, err
	}
	version, err := r.Read(3)
	if err != nil {
		return nil, err
	}
	if version != 0 {
		return nil, errors.Wrapf(codec.ErrUnsupported, "webp: VP8L version %d", version)
	}
	width, height := int(wm1)+1, int(hm1)+1

	d := &vp8lDecoder{r: r}
	pixels, err := d.decodeImageStream(width, height, true)
	if err != nil {
		return nil, err
	}

	// Apply inverse transforms in reverse read order.
	for i := len(d.transforms) - 1; i >= 0; i-- {
		pixels = d.inverseTransform(&d.transforms[i], pixels)
	}
	return argbToNRGBA(pixels, width, height), nil
}

// decodeImageStream decodes one entropy-coded ARGB image. Transforms and
// meta prefix codes are only permitted at the top level.
func (d *vp8lDecoder) decodeImageStream(w, h int, top bool) ([]uint32, error) {
	curW := w
	if top {
		for {
			present, err := d.r.Read(1)
			if err != nil {
				return nil, err
			}
			if present == 0 {
				break
			}
			var err2 error
			curW, err2 = d.readTransform(curW, h)
			if err2 != nil {
				return nil, err2
			}
		}
	}

	// Color cache.
	cacheBits := 0
	hasCache, err := d.r.Read(1)
	if err != nil {
		return nil, err
	}
	if hasCache == 1 {
		v, err := d.r.Read(4)
		if err != nil {
			return nil, err
		}
		cacheBits = int(v)
		if cacheBits < 1 || cacheBits > 11 {
			return nil, errors.Wrap(codec.ErrMalformed, "webp: color cache size")
		}
	}

	// Meta prefix image.
	var metaImage []uint32
	metaBits := 0
	numGroups := 1
	if top {
		useMeta, err := d.r.Read(1)
		if err != nil {
			return nil, err
		}
		if useMeta == 1 {
			v, err := d.r.Read(3)
			if err != nil {
				return nil, err
			}
			metaBits = int(v) + 2
			mw, mh := subSampleSize(curW, metaBits), subSampleSize(h, metaBits)
			metaImage, err = d.decodeImageStream(mw, mh, false)
			if err != nil {
				return nil, err
			}
			for _, px := range metaImage {
				g := int(px >> 8 & 0xFFFF)
				if g+1 > numGroups {
					numGroups = g + 1
				}
			}
		}
	}

	groups := make([]treeGroup, numGroups)
	for i := range groups {
		if err := d.readTreeGroup(&groups[i], cacheBits); err != nil {
			return nil, err
		}
	}

	return d.decodePixels(curW, h, cacheBits, metaBits, metaImage, groups)
}

func (d *vp8lDecoder) readTreeGroup(g *treeGroup, cacheBits int) error {
	greenSize := numLiteralCodes + numLengthCodes
	if cacheBits > 0 {
		greenSize += 1 << cacheBits
	}
	var err error
	if g.green, err = readPrefixCode(d.r, greenSize); err != nil {
		return err
	}
	if g.red, err = readPrefixCode(d.r, numLiteralCodes); err != nil {
		return err
	}
	if g.blue, err = readPrefixCode(d.r, numLiteralCodes); err != nil {
		return err
	}
	if g.alpha, err = readPrefixCode(d.r, numLiteralCodes); err != nil {
		return err
	}
	g.dist, err = readPrefixCode(d.r, numDistanceCodes)
	return err
}

func (d *vp8lDecoder) decodePixels(w, h, cacheBits, metaBits int, metaImage []uint32, groups []treeGroup) ([]uint32, error) {
	var cache []uint32
	if cacheBits > 0 {
		cache = make([]uint32, 1<<cacheBits)
	}
	insert := func(px uint32) {
		if cache != nil {
			cache[(px*cacheHashMul)>>(32-uint(cacheBits))] = px
		}
	}

	pixels := make([]uint32, w*h)
	pos := 0
	metaW := 0
	if metaImage != nil {
		metaW = subSampleSize(w, metaBits)
	}
	group := &groups[0]
	lastTileX, lastTileY := -1, -1

	for pos < len(pixels) {
		x, y := pos%w, pos/w
		if metaImage != nil {
			tx, ty := x>>metaBits, y>>metaBits
			if tx != lastTileX || ty != lastTileY {
				idx := int(metaImage[ty*metaW+tx] >> 8 & 0xFFFF)
				if idx >= len(groups) {
					return nil, errors.Wrap(codec.ErrMalformed, "webp: meta group out of range")
				}
				group = &groups[idx]
				lastTileX, lastTileY = tx, ty
			}
		}

		sym, err := group.green.read(d.r)
		if err != nil {
			return nil, err
		}
		switch {
		case sym < numLiteralCodes:
			red, err := group.red.read(d.r)
			if err != nil {
				return nil, err
			}
			blue, err := group.blue.read(d.r)
			if err != nil {
				return nil, err
			}
			alpha, err := group.alpha.read(d.r)
			if err != nil {
				return nil, err
			}
			px := uint32(alpha)<<24 | uint32(red)<<16 | uint32(sym)<<8 | uint32(blue)
			pixels[pos] = px
			insert(px)
			pos++

		case sym < numLiteralCodes+numLengthCodes:
			length, err := prefixDecodeValue(sym-numLiteralCodes, d.r)
			if err != nil {
				return nil, err
			}
			dsym, err := group.dist.read(d.r)
			if err != nil {
				return nil, err
			}
			planeCode, err := prefixDecodeValue(dsym, d.r)
			if err != nil {
				return nil, err
			}
			dist := planeCodeToDistance(w, planeCode)
			if dist > pos || pos+length > len(pixels) {
				return nil, errors.Wrap(codec.ErrMalformed, "webp: back-reference out of range")
			}
			for i := 0; i < length; i++ {
				px := pixels[pos-dist]
				pixels[pos] = px
				insert(px)
				pos++
			}
			lastTileX = -1 // force group refresh after a copy

		default:
			if cache == nil {
				return nil, errors.Wrap(codec.ErrMalformed, "webp: cache symbol without color cache")
			}
			idx := sym - numLiteralCodes - numLengthCodes
			pixels[pos] = cache[idx]
			pos++
		}
	}
	return pixels, nil
}

// codeToPlane maps distance codes 1..120 to packed (yoffset<<4 | 8-xoffset)
// neighborhood offsets.
var codeToPlane = [120]uint8{
	0x18, 0x07, 0x17, 0x19, 0x28, 0x06, 0x27, 0x29, 0x16, 0x1a,
	0x26, 0x2a, 0x38, 0x05, 0x37, 0x39, 0x15, 0x1b, 0x36, 0x3a,
	0x25, 0x2b, 0x48, 0x04, 0x47, 0x49, 0x14, 0x1c, 0x35, 0x3b,
	0x46, 0x4a, 0x24, 0x2c, 0x58, 0x45, 0x4b, 0x34, 0x3c, 0x03,
	0x57, 0x59, 0x13, 0x1d, 0x56, 0x5a, 0x23, 0x2d, 0x44, 0x4c,
	0x55, 0x5b, 0x33, 0x3d, 0x68, 0x02, 0x67, 0x69, 0x12, 0x1e,
	0x66, 0x6a, 0x22, 0x2e, 0x54, 0x5c, 0x43, 0x4d, 0x65, 0x6b,
	0x32, 0x3e, 0x78, 0x01, 0x77, 0x79, 0x53, 0x5d, 0x11, 0x1f,
	0x64, 0x6c, 0x42, 0x4e, 0x76, 0x7a, 0x21, 0x2f, 0x75, 0x7b,
	0x31, 0x3f, 0x63, 0x6d, 0x52, 0x5e, 0x00, 0x74, 0x7c, 0x41,
	0x4f, 0x10, 0x20, 0x62, 0x6e, 0x30, 0x73, 0x7d, 0x51, 0x5f,
	0x40, 0x72, 0x7e, 0x61, 0x6f, 0x50, 0x71, 0x7f, 0x60, 0x70,
}

// planeCodeToDistance converts a distance plane code to a pixel distance.
func planeCodeToDistance(xsize, planeCode int) int {
	if planeCode <= 0 {
		return 1
	}
	if planeCode > len(codeToPlane) {
		return planeCode - len(codeToPlane)
	}
	v := codeToPlane[planeCode-1]
	yoff := int(v >> 4)
	xoff := 8 - int(v&0x0F)
	dist := yoff*xsize + xoff
	if dist < 1 {
		return 1
	}
	return dist
}

func (d *vp8lDecoder) readTransform(xsize, ysize int) (int, error) {
	t, err := d.r.Read(2)
	if err != nil {
		return 0, err
	}
	kind := int(t)
	if d.seen&(1<<kind) != 0 {
		return 0, errors.Wrap(codec.ErrMalformed, "webp: repeated transform")
	}
	d.seen |= 1 << kind

	tr := vp8lTransform{kind: kind, xsize: xsize, ysize: ysize}
	switch kind {
	case transformPredictor, transformColor:
		bits, err := d.r.Read(3)
		if err != nil {
			return 0, err
		}
		tr.bits = int(bits) + 2
		sub, err := d.decodeImageStream(subSampleSize(xsize, tr.bits), subSampleSize(ysize, tr.bits), false)
		if err != nil {
			return 0, err
		}
		tr.data = sub
	case transformColorIdx:
		nc, err := d.r.Read(8)
		if err != nil {
			return 0, err
		}
		numColors := int(nc) + 1
		switch {
		case numColors > 16:
			tr.bits = 0
		case numColors > 4:
			tr.bits = 1
		case numColors > 2:
			tr.bits = 2
		default:
			tr.bits = 3
		}
		pal, err := d.decodeImageStream(numColors, 1, false)
		if err != nil {
			return 0, err
		}
		tr.data = expandColorMap(numColors, tr.bits, pal)
		xsize = subSampleSize(xsize, tr.bits)
	case transformSubGreen:
		// No payload.
	}
	d.transforms = append(d.transforms, tr)
	return xsize, nil
}

// expandColorMap delta-decodes the palette (each channel accumulates
// against the previous entry) and pads it to the full index range.
func expandColorMap(numColors, bits int, pal []uint32) []uint32 {
	out := make([]uint32, 1<<(8>>bits))
	if len(pal) == 0 {
		return out
	}
	out[0] = pal[0]
	for i := 1; i < numColors; i++ {
		prev, cur := out[i-1], pal[i]
		ag := (cur & 0xFF00FF00) + (prev & 0xFF00FF00)
		rb := (cur & 0x00FF00FF) + (prev & 0x00FF00FF)
		out[i] = ag&0xFF00FF00 | rb&0x00FF00FF
	}
	return out
}

func (d *vp8lDecoder) inverseTransform(t *vp8lTransform, in []uint32) []uint32 {
	switch t.kind {
	case transformSubGreen:
		for i, px := range in {
			g := px >> 8 & 0xFF
			r := (px>>16&0xFF + g) & 0xFF
			b := (px&0xFF + g) & 0xFF
			in[i] = px&0xFF00FF00 | r<<16 | b
		}
		return in
	case transformPredictor:
		return predictorInverse(t, in)
	case transformColor:
		return colorInverse(t, in)
	case transformColorIdx:
		return colorIndexInverse(t, in)
	}
	return in
}

func addPixels(a, b uint32) uint32 {
	ag := (a & 0xFF00FF00) + (b & 0xFF00FF00)
	rb := (a & 0x00FF00FF) + (b & 0x00FF00FF)
	return ag&0xFF00FF00 | rb&0x00FF00FF
}

func average2(a, b uint32) uint32 {
	return ((a^b)&0xFEFEFEFE)>>1 + a&b
}

func predictorInverse(t *vp8lTransform, in []uint32) []uint32 {
	w, h := t.xsize, t.ysize
	out := make([]uint32, len(in))
	tilesPerRow := subSampleSize(w, t.bits)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			pos := y*w + x
			var pred uint32
			switch {
			case x == 0 && y == 0:
				pred = argbBlack
			case y == 0:
				pred = out[pos-1]
			case x == 0:
				pred = out[pos-w]
			default:
				mode := int(t.data[(y>>t.bits)*tilesPerRow+(x>>t.bits)] >> 8 & 0x0F)
				left := out[pos-1]
				top := out[pos-w]
				topLeft := out[pos-w-1]
				var topRight uint32
				if x < w-1 {
					topRight = out[pos-w+1]
				} else {
					// The reference reads one past the upper row, which
					// aliases the first pixel of the current row.
					topRight = out[y*w]
				}
				pred = predictPixel(mode, left, top, topLeft, topRight)
			}
			out[pos] = addPixels(in[pos], pred)
		}
	}
	return out
}

func predictPixel(mode int, left, top, topLeft, topRight uint32) uint32 {
	switch mode {
	case 0:
		return argbBlack
	case 1:
		return left
	case 2:
		return top
	case 3:
		return topRight
	case 4:
		return topLeft
	case 5:
		return average2(average2(left, topRight), top)
	case 6:
		return average2(left, topLeft)
	case 7:
		return average2(left, top)
	case 8:
		return average2(topLeft, top)
	case 9:
		return average2(top, topRight)
	case 10:
		return average2(average2(left, topLeft), average2(top, topRight))
	case 11:
		return selectPredictor(left, top, topLeft)
	case 12:
		return clampedAddSubtractFull(left, top, topLeft)
	case 13:
		return clampedAddSubtractHalf(average2(left, top), topLeft)
	}
	return argbBlack
}

func selectPredictor(left, top, topLeft uint32) uint32 {
	pa := int32(0)
	for shift := uint(0); shift < 32; shift += 8 {
		ac := int32(top>>shift&0xFF) - int32(topLeft>>shift&0xFF)
		bc := int32(left>>shift&0xFF) - int32(topLeft>>shift&0xFF)
		if ac < 0 {
			ac = -ac
		}
		if bc < 0 {
			bc = -bc
		}
		pa += ac - bc
	}
	if pa <= 0 {
		return top
	}
	return left
}

func clampedAddSubtractFull(a, b, c uint32) uint32 {
	var out uint32
	for shift := uint(0); shift < 32; shift += 8 {
		v := int32(a>>shift&0xFF) + int32(b>>shift&0xFF) - int32(c>>shift&0xFF)
		if v < 0 {
			v = 0
		} else if v > 255 {
			v = 255
		}
		out |= uint32(v) << shift
	}
	return out
}

func clampedAddSubtractHalf(avg, c uint32) uint32 {
	var out uint32
	for shift := uint(0); shift < 32; shift += 8 {
		va := int32(avg >> shift & 0xFF)
		vc := int32(c >> shift & 0xFF)
		v := va + (va-vc)/2
		if v < 0 {
			v = 0
		} else if v > 255 {
			v = 255
		}
		out |= uint32(v) << shift
	}
	return out
}

func colorInverse(t *vp8lTransform, in []uint32) []uint32 {
	w, h := t.xsize, t.ysize
	tilesPerRow := subSampleSize(w, t.bits)
	delta := func(m uint32, c uint8) int32 {
		return int32(int8(m)) * int32(int8(c)) >> 5
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			pos := y*w + x
			cm := t.data[(y>>t.bits)*tilesPerRow+(x>>t.bits)]
			g2r := cm & 0xFF
			g2b := cm >> 8 & 0xFF
			r2b := cm >> 16 & 0xFF

			px := in[pos]
			g := uint8(px >> 8)
			r := uint32(uint8(px>>16) + uint8(delta(g2r, g)))
			b := uint8(px) + uint8(delta(g2b, g))
			b += uint8(delta(r2b, uint8(r)))
			in[pos] = px&0xFF00FF00 | r<<16 | uint32(b)
		}
	}
	return in
}

func colorIndexInverse(t *vp8lTransform, in []uint32) []uint32 {
	w, h := t.xsize, t.ysize
	out := make([]uint32, w*h)
	bpp := uint(8 >> t.bits)
	packedW := subSampleSize(w, t.bits)
	perByte := 1<<t.bits - 1 // pixels per packed byte, minus one
	mask := uint32(1)<<bpp - 1

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			packed := in[y*packedW+x>>t.bits] >> 8 & 0xFF
			idx := packed >> (uint(x&perByte) * bpp) & mask
			if int(idx) < len(t.data) {
				out[y*w+x] = t.data[idx]
			}
		}
	}
	return out
}

// argbToNRGBA converts an ARGB pixel buffer into the stdlib NRGBA layout.
func argbToNRGBA(pixels []uint32, w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i, px := range pixels {
		img.Pix[4*i+0] = uint8(px >> 16)
		img.Pix[4*i+1] = uint8(px >> 8)
		img.Pix[4*i+2] = uint8(px)
		img.Pix[4*i+3] = uint8(px >> 24)
	}
	return img
}
