package quant

import "image/color"

// lookup finds the palette entry nearest to (r,g,b) by squared distance.
func lookup(palette []color.NRGBA, r, g, b int) int {
	best, bestDist := 0, 1<<62
	for i, p := range palette {
		dr := r - int(p.R)
		dg := g - int(p.G)
		db := b - int(p.B)
		d := dr*dr + dg*dg + db*db
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func clamp255(v int) int {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return v
}

// Map assigns each pixel of an RGBA byte stream (4 bytes per pixel, w*h
// pixels) its nearest palette index. Pixels with alpha < 128 receive
// transIndex when it is non-negative, else the nearest opaque entry.
func Map(pixels []byte, w, h int, palette []color.NRGBA, transIndex int) []byte {
	out := make([]byte, w*h)
	for i := 0; i < w*h; i++ {
		p := pixels[4*i : 4*i+4]
		if transIndex >= 0 && p[3] < 128 {
			out[i] = byte(transIndex)
			continue
		}
		out[i] = byte(lookup(palette, int(p[0]), int(p[1]), int(p[2])))
	}
	return out
}

// Dither maps pixels onto the palette with Floyd-Steinberg error
// diffusion: 7/16 right, 3/16 down-left, 5/16 down, 1/16 down-right,
// left-to-right, top-to-bottom. Transparent pixels (alpha < 128) take
// transIndex and neither receive nor propagate error.
func Dither(pixels []byte, w, h int, palette []color.NRGBA, transIndex int) []byte {
	out := make([]byte, w*h)
	// One row of look-ahead error per channel, plus the current row.
	cur := make([][3]int, w)
	next := make([][3]int, w)

	for y := 0; y < h; y++ {
		for i := range next {
			next[i] = [3]int{}
		}
		for x := 0; x < w; x++ {
			i := y*w + x
			p := pixels[4*i : 4*i+4]
			if transIndex >= 0 && p[3] < 128 {
				out[i] = byte(transIndex)
				cur[x] = [3]int{}
				continue
			}
			r := clamp255(int(p[0]) + cur[x][0])
			g := clamp255(int(p[1]) + cur[x][1])
			b := clamp255(int(p[2]) + cur[x][2])
			idx := lookup(palette, r, g, b)
			out[i] = byte(idx)

			pe := palette[idx]
			er := r - int(pe.R)
			eg := g - int(pe.G)
			eb := b - int(pe.B)

			if x+1 < w {
				cur[x+1][0] += er * 7 / 16
				cur[x+1][1] += eg * 7 / 16
				cur[x+1][2] += eb * 7 / 16
			}
			if x > 0 {
				next[x-1][0] += er * 3 / 16
				next[x-1][1] += eg * 3 / 16
				next[x-1][2] += eb * 3 / 16
			}
			next[x][0] += er * 5 / 16
			next[x][1] += eg * 5 / 16
			next[x][2] += eb * 5 / 16
			if x+1 < w {
				next[x+1][0] += er / 16
				next[x+1][1] += eg / 16
				next[x+1][2] += eb / 16
			}
		}
		cur, next = next, cur
	}
	return out
}
