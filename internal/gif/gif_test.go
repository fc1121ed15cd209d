package gif

import (
	"bytes"
	"image"
	"image/color"
	stdgif "image/gif"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepteams/imageio/internal/codec"
)

func solid(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < w*h; i++ {
		img.Pix[4*i+0] = c.R
		img.Pix[4*i+1] = c.G
		img.Pix[4*i+2] = c.B
		img.Pix[4*i+3] = c.A
	}
	return img
}

func encodeFrames(t *testing.T, opts codec.EncodeOptions, frames ...*codec.Frame) []byte {
	t.Helper()
	e, err := NewEncoder(len(frames), &opts)
	require.NoError(t, err)
	for _, f := range frames {
		require.NoError(t, e.AddFrame(f))
	}
	out, err := e.Finalize()
	require.NoError(t, err)
	return out
}

func TestRoundTripFewColors(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 8, 4))
	colors := []color.NRGBA{
		{255, 0, 0, 255}, {0, 255, 0, 255}, {0, 0, 255, 255}, {255, 255, 0, 255},
	}
	for i := 0; i < 8*4; i++ {
		c := colors[i%len(colors)]
		copy(img.Pix[4*i:], []byte{c.R, c.G, c.B, c.A})
	}
	data := encodeFrames(t, codec.EncodeOptions{}, &codec.Frame{Image: img})

	seq, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, 1, seq.Count())

	got, ok := seq.Frames[0].Image.(*image.Paletted)
	require.True(t, ok, "single full-canvas frame should keep its palette")
	for i := 0; i < 8*4; i++ {
		want := colors[i%len(colors)]
		assert.Equal(t, want, got.Palette[got.Pix[i]].(color.NRGBA), "pixel %d", i)
	}
}

// TestGradientPaletteSize is the 256x1 gradient scenario: the decoded
// unique color count must equal the written palette size, at most 256.
func TestGradientPaletteSize(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 256, 1))
	for x := 0; x < 256; x++ {
		img.SetNRGBA(x, 0, color.NRGBA{uint8(x), uint8(x), uint8(x), 255})
	}
	data := encodeFrames(t, codec.EncodeOptions{}, &codec.Frame{Image: img})

	seq, err := Decode(data)
	require.NoError(t, err)
	got := seq.Frames[0].Image.(*image.Paletted)

	unique := map[color.Color]bool{}
	for _, idx := range got.Pix {
		unique[got.Palette[idx]] = true
	}
	assert.LessOrEqual(t, len(unique), 256)
	assert.Equal(t, len(got.Palette), len(unique))
}

func TestMultiFrameDelays(t *testing.T) {
	delays := []float64{0.1, 0.2, 0.3}
	frames := make([]*codec.Frame, 3)
	for i, c := range []color.NRGBA{{255, 0, 0, 255}, {0, 255, 0, 255}, {0, 0, 255, 255}} {
		frames[i] = &codec.Frame{
			Image: solid(10, 10, c),
			Props: codec.Properties{codec.KeyDelayTime: codec.Float(delays[i])},
		}
	}
	data := encodeFrames(t, codec.EncodeOptions{LoopCount: 0}, frames...)

	seq, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, 3, seq.Count())
	for i, want := range delays {
		got := seq.Frames[i].Props.GetFloat(codec.KeyDelayTime, -1)
		assert.InDelta(t, want, got, 0.01, "frame %d", i)
	}
	assert.Equal(t, int64(0), seq.Props.GetInt(codec.KeyLoopCount, -1))
}

// TestStdlibDecodesOurOutput verifies the container against image/gif.
func TestStdlibDecodesOurOutput(t *testing.T) {
	frames := []*codec.Frame{
		{Image: solid(6, 6, color.NRGBA{255, 0, 0, 255})},
		{Image: solid(6, 6, color.NRGBA{0, 0, 255, 255})},
	}
	data := encodeFrames(t, codec.EncodeOptions{Delay: 0.2}, frames...)

	g, err := stdgif.DecodeAll(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, g.Image, 2)
	assert.Equal(t, []int{20, 20}, g.Delay)

	r0, g0, b0, _ := g.Image[0].At(0, 0).RGBA()
	assert.Equal(t, []uint32{0xFFFF, 0, 0}, []uint32{r0, g0, b0})
}

// TestDecodeStdlibOutput verifies against streams image/gif writes.
func TestDecodeStdlibOutput(t *testing.T) {
	pal := color.Palette{
		color.NRGBA{0, 0, 0, 255}, color.NRGBA{255, 255, 255, 255},
	}
	img := image.NewPaletted(image.Rect(0, 0, 7, 7), pal)
	for i := range img.Pix {
		img.Pix[i] = byte(i % 2)
	}
	var buf bytes.Buffer
	require.NoError(t, stdgif.Encode(&buf, img, nil))

	seq, err := Decode(buf.Bytes())
	require.NoError(t, err)
	got := seq.Frames[0].Image.(*image.Paletted)
	assert.Equal(t, img.Pix, got.Pix)
}

func TestTransparency(t *testing.T) {
	img := solid(4, 4, color.NRGBA{255, 0, 0, 255})
	img.SetNRGBA(2, 2, color.NRGBA{0, 0, 0, 0}) // fully transparent pixel
	data := encodeFrames(t, codec.EncodeOptions{}, &codec.Frame{Image: img})

	seq, err := Decode(data)
	require.NoError(t, err)
	got := seq.Frames[0].Image.(*image.Paletted)
	_, _, _, a := got.At(2, 2).RGBA()
	assert.Equal(t, uint32(0), a)
	_, _, _, a = got.At(0, 0).RGBA()
	assert.Equal(t, uint32(0xFFFF), a)
}

func TestDisposalBackgroundCompositing(t *testing.T) {
	// Frame 1 is solid red and disposed to background; frame 2 then
	// paints every pixel green over the cleared canvas.
	var buf bytes.Buffer
	pal := color.Palette{
		color.NRGBA{255, 0, 0, 255}, color.NRGBA{0, 255, 0, 255},
	}
	f1 := image.NewPaletted(image.Rect(0, 0, 4, 4), pal)
	f2 := image.NewPaletted(image.Rect(0, 0, 4, 4), pal)
	for i := range f2.Pix {
		f2.Pix[i] = 1
	}
	require.NoError(t, stdgif.EncodeAll(&buf, &stdgif.GIF{
		Image:    []*image.Paletted{f1, f2},
		Delay:    []int{10, 10},
		Disposal: []byte{stdgif.DisposalBackground, stdgif.DisposalNone},
	}))

	seq, err := Decode(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, 2, seq.Count())

	// Second frame fully green (painted over the cleared canvas).
	g := seq.Frames[1].Image.(*image.NRGBA)
	r, gg, b, _ := g.At(1, 1).RGBA()
	assert.Equal(t, []uint32{0, 0xFFFF, 0}, []uint32{r, gg, b})
}

func TestBadHeader(t *testing.T) {
	_, err := Decode([]byte("JIF89a??????"))
	assert.True(t, errors.Is(err, codec.ErrMalformed))
}

func TestTruncated(t *testing.T) {
	data := encodeFrames(t, codec.EncodeOptions{}, &codec.Frame{Image: solid(10, 10, color.NRGBA{1, 2, 3, 255})})
	_, err := Decode(data[:len(data)/2])
	assert.Error(t, err)
}

func TestMismatchedDimensions(t *testing.T) {
	e, err := NewEncoder(2, &codec.EncodeOptions{})
	require.NoError(t, err)
	require.NoError(t, e.AddFrame(&codec.Frame{Image: solid(4, 4, color.NRGBA{A: 255})}))
	err = e.AddFrame(&codec.Frame{Image: solid(5, 5, color.NRGBA{A: 255})})
	assert.True(t, errors.Is(err, codec.ErrInvalidParameter))
}

func TestDitherOption(t *testing.T) {
	// A 64-level gray gradient: dithering must not produce fewer index
	// transitions than plain mapping.
	img := image.NewNRGBA(image.Rect(0, 0, 64, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 64; x++ {
			img.SetNRGBA(x, y, color.NRGBA{uint8(x * 4), uint8(x * 4), uint8(x * 4), 255})
		}
	}
	plain := encodeFrames(t, codec.EncodeOptions{}, &codec.Frame{Image: img})
	dithered := encodeFrames(t, codec.EncodeOptions{Dither: true}, &codec.Frame{Image: img})

	count := func(data []byte) int {
		seq, err := Decode(data)
		require.NoError(t, err)
		p := seq.Frames[0].Image.(*image.Paletted)
		n := 0
		for i := 1; i < len(p.Pix); i++ {
			if p.Pix[i] != p.Pix[i-1] {
				n++
			}
		}
		return n
	}
	assert.GreaterOrEqual(t, count(dithered), count(plain))
}
