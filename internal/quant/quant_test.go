package quant

import (
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rgba(colors ...[4]byte) []byte {
	out := make([]byte, 0, len(colors)*4)
	for _, c := range colors {
		out = append(out, c[0], c[1], c[2], c[3])
	}
	return out
}

func TestMedianCutExactCountFewColors(t *testing.T) {
	// 3 unique colors, palette budget 256 -> exactly 3 entries.
	px := rgba(
		[4]byte{255, 0, 0, 255}, [4]byte{0, 255, 0, 255}, [4]byte{0, 0, 255, 255},
		[4]byte{255, 0, 0, 255}, [4]byte{0, 255, 0, 255},
	)
	pal := MedianCut(px, 256)
	assert.Len(t, pal, 3)
}

func TestMedianCutCapsAtBudget(t *testing.T) {
	// 512 unique grays-ish colors, budget 16.
	px := make([]byte, 0, 512*4)
	for i := 0; i < 512; i++ {
		px = append(px, byte(i), byte(i/2), byte(255-i/2), 255)
	}
	pal := MedianCut(px, 16)
	assert.Len(t, pal, 16)
}

func TestMedianCutMinUniqueBudgetProperty(t *testing.T) {
	for _, tc := range []struct{ unique, budget, want int }{
		{1, 256, 1},
		{2, 1, 1},
		{100, 256, 100},
		{300, 256, 256},
		{256, 256, 256},
	} {
		px := make([]byte, 0, tc.unique*4)
		for i := 0; i < tc.unique; i++ {
			px = append(px, byte(i), byte(i>>3), byte(i>>5), 255)
		}
		pal := MedianCut(px, tc.budget)
		assert.Len(t, pal, tc.want, "unique=%d budget=%d", tc.unique, tc.budget)
	}
}

func TestMedianCutRepresentativeIsWeightedMean(t *testing.T) {
	// A single box (budget 1) over two colors weighted 3:1.
	px := rgba(
		[4]byte{100, 0, 0, 255}, [4]byte{100, 0, 0, 255}, [4]byte{100, 0, 0, 255},
		[4]byte{200, 0, 0, 255},
	)
	pal := MedianCut(px, 1)
	require.Len(t, pal, 1)
	// (3*100 + 200)/4 = 125
	assert.Equal(t, uint8(125), pal[0].R)
	assert.Equal(t, uint8(0), pal[0].G)
}

func TestMedianCutIgnoresTransparent(t *testing.T) {
	px := rgba([4]byte{10, 20, 30, 255}, [4]byte{200, 200, 200, 0})
	pal := MedianCut(px, 256)
	require.Len(t, pal, 1)
	assert.Equal(t, color.NRGBA{R: 10, G: 20, B: 30, A: 255}, pal[0])
}

func TestMapNearest(t *testing.T) {
	pal := []color.NRGBA{{R: 0, A: 255}, {R: 255, A: 255}}
	px := rgba([4]byte{10, 0, 0, 255}, [4]byte{250, 0, 0, 255})
	idx := Map(px, 2, 1, pal, -1)
	assert.Equal(t, []byte{0, 1}, idx)
}

func TestMapTransparentIndex(t *testing.T) {
	pal := []color.NRGBA{{A: 255}, {R: 255, A: 255}, {}}
	px := rgba([4]byte{255, 0, 0, 255}, [4]byte{255, 0, 0, 10})
	idx := Map(px, 2, 1, pal, 2)
	assert.Equal(t, []byte{1, 2}, idx)
}

func TestDitherPreservesExactColors(t *testing.T) {
	// Every input color is in the palette: dithering must be a no-op.
	pal := []color.NRGBA{{R: 255, A: 255}, {G: 255, A: 255}}
	px := rgba([4]byte{255, 0, 0, 255}, [4]byte{0, 255, 0, 255},
		[4]byte{0, 255, 0, 255}, [4]byte{255, 0, 0, 255})
	idx := Dither(px, 2, 2, pal, -1)
	assert.Equal(t, []byte{0, 1, 1, 0}, idx)
}

func TestDitherDiffusesError(t *testing.T) {
	// A 50% gray field with a black/white palette should dither to a mix
	// of both entries, roughly half and half.
	pal := []color.NRGBA{{A: 255}, {R: 255, G: 255, B: 255, A: 255}}
	w, h := 16, 16
	px := make([]byte, 0, w*h*4)
	for i := 0; i < w*h; i++ {
		px = append(px, 128, 128, 128, 255)
	}
	idx := Dither(px, w, h, pal, -1)

	ones := 0
	for _, v := range idx {
		ones += int(v)
	}
	assert.Greater(t, ones, w*h/4)
	assert.Less(t, ones, 3*w*h/4)
}
