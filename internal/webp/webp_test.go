package webp

import (
	"image"
	"image/color"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepteams/imageio/internal/bitio"
	"github.com/deepteams/imageio/internal/codec"
)

func gradient(w, h int, withAlpha bool) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			a := uint8(255)
			if withAlpha && (x+y)%5 == 0 {
				a = uint8(40 + x*3)
			}
			img.SetNRGBA(x, y, color.NRGBA{uint8(x * 7), uint8(y * 11), uint8(x ^ y), a})
		}
	}
	return img
}

func natural(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(100 + 90*x/w),
				G: uint8(60 + 120*y/h),
				B: uint8(80 + 70*(x+y)/(w+h)),
				A: 255,
			})
		}
	}
	return img
}

func encodeOne(t *testing.T, img image.Image, opts codec.EncodeOptions) []byte {
	t.Helper()
	e, err := NewEncoder(1, &opts)
	require.NoError(t, err)
	require.NoError(t, e.AddFrame(&codec.Frame{Image: img}))
	out, err := e.Finalize()
	require.NoError(t, err)
	return out
}

func TestLosslessRoundTripExact(t *testing.T) {
	img := gradient(33, 17, true)
	data := encodeOne(t, img, codec.EncodeOptions{Lossless: true})

	seq, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, 1, seq.Count())
	got := seq.Frames[0].Image.(*image.NRGBA)
	assert.Equal(t, img.Pix, got.Pix)
}

func TestLosslessSolidColor(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 64, 64))
	for i := 0; i < 64*64; i++ {
		img.Pix[4*i+0] = 10
		img.Pix[4*i+1] = 200
		img.Pix[4*i+2] = 30
		img.Pix[4*i+3] = 255
	}
	data := encodeOne(t, img, codec.EncodeOptions{Lossless: true})
	seq, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, img.Pix, seq.Frames[0].Image.(*image.NRGBA).Pix)
}

func TestLosslessLargeRandomish(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 200, 120))
	seed := uint32(1)
	for i := range img.Pix {
		seed = seed*1664525 + 1013904223
		img.Pix[i] = byte(seed >> 24)
	}
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}
	data := encodeOne(t, img, codec.EncodeOptions{Lossless: true})
	seq, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, img.Pix, seq.Frames[0].Image.(*image.NRGBA).Pix)
}

func TestLossyRoundTripTolerance(t *testing.T) {
	img := natural(64, 48)
	data := encodeOne(t, img, codec.EncodeOptions{Quality: 0.8})

	seq, err := Decode(data)
	require.NoError(t, err)
	got := seq.Frames[0].Image.(*image.NRGBA)

	var sum, n int
	for i := 0; i < 64*48; i++ {
		for c := 0; c < 3; c++ {
			d := int(img.Pix[4*i+c]) - int(got.Pix[4*i+c])
			if d < 0 {
				d = -d
			}
			sum += d
			n++
		}
	}
	mean := float64(sum) / float64(n)
	assert.Less(t, mean, 8.0, "mean absolute error %f", mean)
}

func TestLossySolidColor(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 32, 32))
	for i := 0; i < 32*32; i++ {
		img.Pix[4*i+0] = 200
		img.Pix[4*i+1] = 50
		img.Pix[4*i+2] = 50
		img.Pix[4*i+3] = 255
	}
	data := encodeOne(t, img, codec.EncodeOptions{Quality: 0.9})
	seq, err := Decode(data)
	require.NoError(t, err)
	got := seq.Frames[0].Image.(*image.NRGBA)
	for i := 0; i < 32*32; i++ {
		assert.InDelta(t, 200, int(got.Pix[4*i+0]), 8)
		assert.InDelta(t, 50, int(got.Pix[4*i+1]), 8)
		assert.InDelta(t, 50, int(got.Pix[4*i+2]), 8)
	}
}

func TestAnimationRoundTrip(t *testing.T) {
	e, err := NewEncoder(3, &codec.EncodeOptions{Lossless: true, LoopCount: 2})
	require.NoError(t, err)
	var want []*image.NRGBA
	for i := 0; i < 3; i++ {
		img := image.NewNRGBA(image.Rect(0, 0, 20, 20))
		for p := 0; p < 20*20; p++ {
			img.Pix[4*p+0] = byte(80 * i)
			img.Pix[4*p+1] = byte(255 - 80*i)
			img.Pix[4*p+3] = 255
		}
		want = append(want, img)
		require.NoError(t, e.AddFrame(&codec.Frame{
			Image: img,
			Props: codec.Properties{codec.KeyDelayTime: codec.Float(0.1 * float64(i+1))},
		}))
	}
	data, err := e.Finalize()
	require.NoError(t, err)

	seq, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, 3, seq.Count())
	assert.Equal(t, int64(2), seq.Props.GetInt(codec.KeyLoopCount, -1))
	for i, w := range want {
		got := seq.Frames[i].Image.(*image.NRGBA)
		assert.Equal(t, w.Pix, got.Pix, "frame %d", i)
		assert.InDelta(t, 0.1*float64(i+1), seq.Frames[i].Props.GetFloat(codec.KeyDelayTime, -1), 0.01)
	}
}

func TestDeclaredCountEnforced(t *testing.T) {
	e, err := NewEncoder(1, &codec.EncodeOptions{Lossless: true})
	require.NoError(t, err)
	img := gradient(4, 4, false)
	require.NoError(t, e.AddFrame(&codec.Frame{Image: img}))
	err = e.AddFrame(&codec.Frame{Image: img})
	assert.True(t, errors.Is(err, codec.ErrInvalidParameter))
}

func TestUnderDeclaredFails(t *testing.T) {
	e, err := NewEncoder(2, &codec.EncodeOptions{Lossless: true})
	require.NoError(t, err)
	require.NoError(t, e.AddFrame(&codec.Frame{Image: gradient(4, 4, false)}))
	_, err = e.Finalize()
	assert.True(t, errors.Is(err, codec.ErrInvalidParameter))
}

func TestBadRIFF(t *testing.T) {
	_, err := Decode([]byte("RIFFxxxxWAVEdata"))
	assert.True(t, errors.Is(err, codec.ErrMalformed))
}

func TestTruncatedChunk(t *testing.T) {
	data := encodeOne(t, gradient(16, 16, false), codec.EncodeOptions{Lossless: true})
	_, err := Decode(data[:len(data)/2])
	assert.Error(t, err)
}

func TestVP8LPrefixCodeRoundTrip(t *testing.T) {
	// Exercise the prefix-code writer/reader pair over a skewed
	// histogram with many used symbols, which takes the normal-code path.
	hist := make([]int, 280)
	hist[0] = 1000
	hist[17] = 300
	hist[200] = 120
	for i := 40; i < 80; i++ {
		hist[i] = i
	}
	pc := buildPrefixCode(hist)

	w := bitio.NewLSBWriter(256)
	writePrefixCode(w, pc, hist)
	for _, s := range []int{0, 17, 200, 41, 79} {
		pc.writeSymbol(w, s)
	}
	r := bitio.NewLSBReader(w.Bytes())
	dec, err := readPrefixCode(r, len(hist))
	require.NoError(t, err)
	for _, s := range []int{0, 17, 200, 41, 79} {
		got, err := dec.read(r)
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
}

func TestEXIFChunkSurfaced(t *testing.T) {
	data := encodeOne(t, gradient(8, 8, false), codec.EncodeOptions{Lossless: true})
	// Re-frame with an extra EXIF chunk.
	chunks, err := parseRIFF(data)
	require.NoError(t, err)
	exif := []byte{'M', 'M', 0, 42, 1, 2, 3}
	chunks = append(chunks, chunk{fourCC: fccEXIF, payload: exif})
	seq, err := Decode(buildRIFF(chunks))
	require.NoError(t, err)
	require.NotNil(t, seq.Frames[0].Aux)
	assert.Equal(t, exif, seq.Frames[0].Aux[codec.AuxEXIF].Data)
}
