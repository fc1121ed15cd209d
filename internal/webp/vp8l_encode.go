package webp

import (
	"image"

	"github.com/deepteams/imageio/internal/bitio"
)

// VP8L encoder: subtract-green transform, greedy LZ77 over the ARGB
// stream, one prefix-code group per image, no color cache. Simple but
// fully conformant output.

const (
	lzMinLength  = 3
	lzMaxLength  = 4096
	lzHashBits   = 18
	lzHashSize   = 1 << lzHashBits
	lzMaxChain = 64
	// Largest distance whose plane code (distance + 120) still fits the
	// 40-symbol distance alphabet.
	lzWindowSize = 1<<20 - 120
)

type vp8lToken struct {
	length int    // 0 for literals
	dist   int    // back-reference distance in pixels
	argb   uint32 // literal pixel
}

// encodeVP8L encodes an NRGBA image into a VP8L payload.
func encodeVP8L(img *image.NRGBA) []byte {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	pixels := make([]uint32, w*h)
	alphaUsed := false
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			r, g, bl, a := row[4*x], row[4*x+1], row[4*x+2], row[4*x+3]
			if a != 255 {
				alphaUsed = true
			}
			// Subtract-green applied on the fly.
			pixels[y*w+x] = uint32(a)<<24 | uint32(r-g)<<16 | uint32(g)<<8 | uint32(bl-g)
		}
	}

	wr := bitio.NewLSBWriter(w*h/2 + 256)
	wr.Write(vp8lMagic, 8)
	wr.Write(uint32(w-1), 14)
	wr.Write(uint32(h-1), 14)
	if alphaUsed {
		wr.Write(1, 1)
	} else {
		wr.Write(0, 1)
	}
	wr.Write(0, 3) // version

	// Subtract-green transform, then end of transforms.
	wr.Write(1, 1)
	wr.Write(transformSubGreen, 2)
	wr.Write(0, 1)

	wr.Write(0, 1) // no color cache
	wr.Write(0, 1) // no meta prefix image

	tokens := lz77(pixels)

	greenHist := make([]int, numLiteralCodes+numLengthCodes)
	redHist := make([]int, numLiteralCodes)
	blueHist := make([]int, numLiteralCodes)
	alphaHist := make([]int, numLiteralCodes)
	distHist := make([]int, numDistanceCodes)
	for _, t := range tokens {
		if t.length == 0 {
			greenHist[t.argb>>8&0xFF]++
			redHist[t.argb>>16&0xFF]++
			blueHist[t.argb&0xFF]++
			alphaHist[t.argb>>24]++
		} else {
			sym, _, _ := prefixEncode(t.length)
			greenHist[numLiteralCodes+sym]++
			dsym, _, _ := prefixEncode(t.dist + 120)
			distHist[dsym]++
		}
	}

	green := buildPrefixCode(greenHist)
	red := buildPrefixCode(redHist)
	blue := buildPrefixCode(blueHist)
	alpha := buildPrefixCode(alphaHist)
	dist := buildPrefixCode(distHist)

	writePrefixCode(wr, green, greenHist)
	writePrefixCode(wr, red, redHist)
	writePrefixCode(wr, blue, blueHist)
	writePrefixCode(wr, alpha, alphaHist)
	writePrefixCode(wr, dist, distHist)

	for _, t := range tokens {
		if t.length == 0 {
			green.writeSymbol(wr, int(t.argb>>8&0xFF))
			red.writeSymbol(wr, int(t.argb>>16&0xFF))
			blue.writeSymbol(wr, int(t.argb&0xFF))
			alpha.writeSymbol(wr, int(t.argb>>24))
		} else {
			sym, extra, val := prefixEncode(t.length)
			green.writeSymbol(wr, numLiteralCodes+sym)
			wr.Write(val, extra)
			dsym, dextra, dval := prefixEncode(t.dist + 120)
			dist.writeSymbol(wr, dsym)
			wr.Write(dval, dextra)
		}
	}
	return wr.Bytes()
}

func lzHash(px uint32) uint32 {
	return px * 0x9E3779B1 >> (32 - lzHashBits)
}

// lz77 runs greedy hash-chain matching over the pixel stream.
func lz77(pixels []uint32) []vp8lToken {
	head := make([]int, lzHashSize)
	prev := make([]int, len(pixels))
	for i := range head {
		head[i] = -1
	}

	var tokens []vp8lToken
	i := 0
	for i < len(pixels) {
		bestLen, bestDist := 0, 0
		h := lzHash(pixels[i])
		cand := head[h]
		for chain := 0; cand >= 0 && chain < lzMaxChain; chain++ {
			d := i - cand
			if d > lzWindowSize {
				break
			}
			l := pixelMatchLen(pixels, cand, i)
			if l > bestLen {
				bestLen, bestDist = l, d
				if l >= lzMaxLength {
					break
				}
			}
			cand = prev[cand]
		}
		prev[i] = head[h]
		head[h] = i

		if bestLen >= lzMinLength {
			tokens = append(tokens, vp8lToken{length: bestLen, dist: bestDist})
			for j := i + 1; j < i+bestLen && j < len(pixels); j++ {
				hj := lzHash(pixels[j])
				prev[j] = head[hj]
				head[hj] = j
			}
			i += bestLen
		} else {
			tokens = append(tokens, vp8lToken{argb: pixels[i]})
			i++
		}
	}
	return tokens
}

func pixelMatchLen(pixels []uint32, a, b int) int {
	n := 0
	max := len(pixels) - b
	if max > lzMaxLength {
		max = lzMaxLength
	}
	for n < max && pixels[a+n] == pixels[b+n] {
		n++
	}
	return n
}
