// Package quant builds color palettes by median-cut partitioning and maps
// rasters onto them, optionally with Floyd-Steinberg error diffusion.
package quant

import (
	"image/color"
	"sort"
)

// colorCount is one unique RGB color and the number of pixels carrying it.
type colorCount struct {
	r, g, b uint8
	n       int
}

// box is a contiguous range of the sorted unique-color slice together
// with its channel extents and total pixel weight.
type box struct {
	lo, hi int // half-open index range into the color slice
	rmin, rmax, gmin, gmax, bmin, bmax uint8
	weight int
}

func (b *box) update(colors []colorCount) {
	b.rmin, b.gmin, b.bmin = 255, 255, 255
	b.rmax, b.gmax, b.bmax = 0, 0, 0
	b.weight = 0
	for _, c := range colors[b.lo:b.hi] {
		if c.r < b.rmin {
			b.rmin = c.r
		}
		if c.r > b.rmax {
			b.rmax = c.r
		}
		if c.g < b.gmin {
			b.gmin = c.g
		}
		if c.g > b.gmax {
			b.gmax = c.g
		}
		if c.b < b.bmin {
			b.bmin = c.b
		}
		if c.b > b.bmax {
			b.bmax = c.b
		}
		b.weight += c.n
	}
}

func (b *box) volume() int64 {
	return int64(b.rmax-b.rmin+1) * int64(b.gmax-b.gmin+1) * int64(b.bmax-b.bmin+1)
}

func (b *box) splittable() bool { return b.hi-b.lo > 1 }

// longestAxis returns 0/1/2 for R/G/B, ties preferring R over G over B.
func (b *box) longestAxis() int {
	re := int(b.rmax - b.rmin)
	ge := int(b.gmax - b.gmin)
	be := int(b.bmax - b.bmin)
	if re >= ge && re >= be {
		return 0
	}
	if ge >= be {
		return 1
	}
	return 2
}

// MedianCut builds a palette of at most maxColors representative colors
// for the opaque pixels of an RGBA byte stream (4 bytes per pixel; pixels
// with alpha < 128 are excluded). The result has exactly
// min(uniqueColors, maxColors) entries.
func MedianCut(pixels []byte, maxColors int) []color.NRGBA {
	if maxColors < 1 {
		maxColors = 1
	}
	counts := make(map[uint32]int)
	for i := 0; i+3 < len(pixels); i += 4 {
		if pixels[i+3] < 128 {
			continue
		}
		key := uint32(pixels[i])<<16 | uint32(pixels[i+1])<<8 | uint32(pixels[i+2])
		counts[key]++
	}
	if len(counts) == 0 {
		return []color.NRGBA{{A: 255}}
	}

	colors := make([]colorCount, 0, len(counts))
	for key, n := range counts {
		colors = append(colors, colorCount{
			r: uint8(key >> 16), g: uint8(key >> 8), b: uint8(key), n: n,
		})
	}
	// Deterministic starting order regardless of map iteration.
	sort.Slice(colors, func(i, j int) bool {
		a, b := colors[i], colors[j]
		if a.r != b.r {
			return a.r < b.r
		}
		if a.g != b.g {
			return a.g < b.g
		}
		return a.b < b.b
	})

	boxes := make([]*box, 0, maxColors)
	first := &box{lo: 0, hi: len(colors)}
	first.update(colors)
	boxes = append(boxes, first)

	for len(boxes) < maxColors {
		// Pick the splittable box with the largest volume*weight score.
		best := -1
		var bestScore int64
		for i, bx := range boxes {
			if !bx.splittable() {
				continue
			}
			score := bx.volume() * int64(bx.weight)
			if best < 0 || score > bestScore {
				best, bestScore = i, score
			}
		}
		if best < 0 {
			break
		}
		a, b := splitBox(colors, boxes[best])
		boxes[best] = a
		boxes = append(boxes, b)
	}

	palette := make([]color.NRGBA, len(boxes))
	for i, bx := range boxes {
		var rs, gs, bs, w int64
		for _, c := range colors[bx.lo:bx.hi] {
			rs += int64(c.r) * int64(c.n)
			gs += int64(c.g) * int64(c.n)
			bs += int64(c.b) * int64(c.n)
			w += int64(c.n)
		}
		palette[i] = color.NRGBA{
			R: uint8((rs + w/2) / w),
			G: uint8((gs + w/2) / w),
			B: uint8((bs + w/2) / w),
			A: 255,
		}
	}
	return palette
}

// splitBox divides bx at the weighted median of its longest axis and
// returns the two halves, both non-empty.
func splitBox(colors []colorCount, bx *box) (*box, *box) {
	seg := colors[bx.lo:bx.hi]
	switch bx.longestAxis() {
	case 0:
		sort.Slice(seg, func(i, j int) bool { return seg[i].r < seg[j].r })
	case 1:
		sort.Slice(seg, func(i, j int) bool { return seg[i].g < seg[j].g })
	default:
		sort.Slice(seg, func(i, j int) bool { return seg[i].b < seg[j].b })
	}

	// Weighted median, rounding up: the split goes after the first color
	// whose cumulative weight reaches half the total.
	half := (bx.weight + 1) / 2
	acc := 0
	cut := 0
	for i, c := range seg {
		acc += c.n
		if acc >= half {
			cut = i + 1
			break
		}
	}
	// Keep both halves non-empty.
	if cut <= 0 {
		cut = 1
	}
	if cut >= len(seg) {
		cut = len(seg) - 1
	}

	a := &box{lo: bx.lo, hi: bx.lo + cut}
	b := &box{lo: bx.lo + cut, hi: bx.hi}
	a.update(colors)
	b.update(colors)
	return a, b
}
