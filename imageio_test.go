package imageio

import (
	"bytes"
	"image"
	"image/color"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, uti string, count int, opts Properties, imgs ...image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	dst, err := NewDestination(&buf, uti, count, opts)
	require.NoError(t, err)
	for _, img := range imgs {
		require.NoError(t, dst.AddImage(img, nil))
	}
	require.NoError(t, dst.Finalize())
	return buf.Bytes()
}

// TestScenarioPNGExactRoundTrip is the 2x2 RGBA scenario.
func TestScenarioPNGExactRoundTrip(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	img.SetNRGBA(0, 0, color.NRGBA{255, 0, 0, 255})
	img.SetNRGBA(1, 0, color.NRGBA{0, 255, 0, 255})
	img.SetNRGBA(0, 1, color.NRGBA{0, 0, 255, 255})
	img.SetNRGBA(1, 1, color.NRGBA{255, 255, 255, 128})

	data := encode(t, UTIPNG, 1, nil, img)
	require.Equal(t, FormatPNG, Sniff(data))

	src, err := NewSource(data)
	require.NoError(t, err)
	got, err := src.ImageAt(0)
	require.NoError(t, err)
	assert.Equal(t, img.Pix, got.(*image.NRGBA).Pix)
}

// TestScenarioGIFGradientPalette checks the 256x1 gradient scenario.
func TestScenarioGIFGradientPalette(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 256, 1))
	for x := 0; x < 256; x++ {
		img.SetNRGBA(x, 0, color.NRGBA{uint8(x), uint8(x), uint8(x), 255})
	}
	data := encode(t, UTIGIF, 1, nil, img)

	src, err := NewSource(data)
	require.NoError(t, err)
	got, err := src.ImageAt(0)
	require.NoError(t, err)
	pal, ok := got.(*image.Paletted)
	require.True(t, ok)

	unique := map[byte]bool{}
	for _, idx := range pal.Pix {
		unique[idx] = true
	}
	assert.LessOrEqual(t, len(unique), 256)
	assert.LessOrEqual(t, len(unique), len(pal.Palette))
}

// TestScenarioJPEGSolidRed checks the 16x16 solid red quality bound.
func TestScenarioJPEGSolidRed(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for i := 0; i < 16*16; i++ {
		img.Pix[4*i], img.Pix[4*i+3] = 255, 255
	}
	opts := Properties{OptLossyQuality: Float(0.8)}
	data := encode(t, UTIJPEG, 1, opts, img)

	src, err := NewSource(data)
	require.NoError(t, err)
	got, err := src.ImageAt(0)
	require.NoError(t, err)
	nrgba := got.(*image.NRGBA)
	for i := 0; i < 16*16; i++ {
		assert.InDelta(t, 255, int(nrgba.Pix[4*i+0]), 4)
		assert.InDelta(t, 0, int(nrgba.Pix[4*i+1]), 4)
		assert.InDelta(t, 0, int(nrgba.Pix[4*i+2]), 4)
	}
}

// TestScenarioTIFFMultiPage checks the 3-page TIFF scenario.
func TestScenarioTIFFMultiPage(t *testing.T) {
	var imgs []image.Image
	for _, n := range []int{10, 20, 30} {
		img := image.NewNRGBA(image.Rect(0, 0, n, n))
		for i := 3; i < len(img.Pix); i += 4 {
			img.Pix[i] = 255
		}
		imgs = append(imgs, img)
	}
	data := encode(t, UTITIFF, 3, nil, imgs...)

	src, err := NewSource(data)
	require.NoError(t, err)
	require.Equal(t, 3, src.Count())
	for i, n := range []int{10, 20, 30} {
		img, err := src.ImageAt(i)
		require.NoError(t, err)
		assert.Equal(t, n, img.Bounds().Dx())
		assert.Equal(t, n, img.Bounds().Dy())
	}
}

// TestScenarioGIFDelays checks the 3-frame delay scenario.
func TestScenarioGIFDelays(t *testing.T) {
	delays := []float64{0.1, 0.2, 0.3}
	var buf bytes.Buffer
	dst, err := NewDestination(&buf, UTIGIF, 3, nil)
	require.NoError(t, err)
	for i, d := range delays {
		img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
		for p := 0; p < 8*8; p++ {
			img.Pix[4*p+0] = byte(80 * i)
			img.Pix[4*p+3] = 255
		}
		require.NoError(t, dst.AddImage(img, Properties{KeyDelayTime: Float(d)}))
	}
	require.NoError(t, dst.Finalize())

	src, err := NewSource(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, 3, src.Count())
	for i, want := range delays {
		props, err := src.PropertiesAt(i)
		require.NoError(t, err)
		assert.InDelta(t, want, props.GetFloat(KeyDelayTime, -1), 0.01, "frame %d", i)
	}
}

// TestScenarioBMPPreserveAlpha checks the 4x4 BGRA scenario.
func TestScenarioBMPPreserveAlpha(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for i := 0; i < 16; i++ {
		img.Pix[4*i+0] = byte(i * 16)
		img.Pix[4*i+1] = byte(255 - i*16)
		img.Pix[4*i+2] = 77
		img.Pix[4*i+3] = byte(50 + i*10)
	}
	opts := Properties{OptPreserveAlpha: Bool(true)}
	data := encode(t, UTIBMP, 1, opts, img)
	// BITMAPV4HEADER size marker.
	assert.Equal(t, byte(108), data[14])

	src, err := NewSource(data)
	require.NoError(t, err)
	got, err := src.ImageAt(0)
	require.NoError(t, err)
	assert.Equal(t, img.Pix, got.(*image.NRGBA).Pix)
}

func TestWebPLosslessThroughDispatcher(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 21, 13))
	for i := range img.Pix {
		img.Pix[i] = byte(i * 3)
	}
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}
	opts := Properties{OptLossless: Bool(true)}
	data := encode(t, UTIWebP, 1, opts, img)
	require.Equal(t, FormatWebP, Sniff(data))

	src, err := NewSource(data)
	require.NoError(t, err)
	got, err := src.ImageAt(0)
	require.NoError(t, err)
	assert.Equal(t, img.Pix, got.(*image.NRGBA).Pix)
}

// TestMultiFrameCountPreserved covers source_count(decode(encode)) for
// every multi-image format.
func TestMultiFrameCountPreserved(t *testing.T) {
	frames := make([]image.Image, 4)
	for i := range frames {
		img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
		for p := 0; p < 16*16; p++ {
			img.Pix[4*p+0] = byte(60 * i)
			img.Pix[4*p+3] = 255
		}
		frames[i] = img
	}
	for _, tc := range []struct {
		uti  string
		opts Properties
	}{
		{UTIGIF, nil},
		{UTITIFF, nil},
		{UTIWebP, Properties{OptLossless: Bool(true)}},
	} {
		data := encode(t, tc.uti, 4, tc.opts, frames...)
		src, err := NewSource(data)
		require.NoError(t, err, tc.uti)
		assert.Equal(t, 4, src.Count(), tc.uti)
	}
}

// TestSniffTotality feeds the sniffer assorted prefixes; it must never
// panic and must return a known tag or FormatUnknown.
func TestSniffTotality(t *testing.T) {
	inputs := [][]byte{
		nil, {}, {0}, {0xFF}, {0xFF, 0xD8}, {0xFF, 0xD8, 0xFF},
		[]byte("GIF8"), []byte("GIF87a"), []byte("GIF89a"), []byte("BM"),
		[]byte("II*\x00"), []byte("MM\x00*"), []byte("II*x"),
		[]byte("RIFF1234WEBP"), []byte("RIFF1234WAVE"),
		{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A},
		bytes.Repeat([]byte{0xA5}, 64),
	}
	seed := uint32(42)
	for i := 0; i < 200; i++ {
		n := int(seed % 24)
		b := make([]byte, n)
		for j := range b {
			seed = seed*1664525 + 1013904223
			b[j] = byte(seed >> 24)
		}
		inputs = append(inputs, b)
	}
	known := map[Format]bool{
		FormatUnknown: true, FormatPNG: true, FormatJPEG: true, FormatGIF: true,
		FormatBMP: true, FormatTIFF: true, FormatWebP: true,
	}
	for _, in := range inputs {
		assert.True(t, known[Sniff(in)])
	}
}

func TestUnknownFormatSource(t *testing.T) {
	_, err := NewSource([]byte("definitely not an image"))
	assert.True(t, errors.Is(err, ErrUnknownFormat))
}

func TestUnknownUTIDestination(t *testing.T) {
	var buf bytes.Buffer
	_, err := NewDestination(&buf, "public.heif", 1, nil)
	assert.True(t, errors.Is(err, ErrInvalidParameter))
}

func TestDestinationStateMachine(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}
	var buf bytes.Buffer
	dst, err := NewDestination(&buf, UTIPNG, 1, nil)
	require.NoError(t, err)

	require.NoError(t, dst.AddImage(img, nil))
	err = dst.AddImage(img, nil)
	assert.True(t, errors.Is(err, ErrInvalidParameter), "frame count exceeded")

	require.NoError(t, dst.Finalize())
	err = dst.Finalize()
	assert.True(t, errors.Is(err, ErrInvalidParameter), "double finalize")
	err = dst.AddImage(img, nil)
	assert.True(t, errors.Is(err, ErrInvalidParameter), "add after finalize")
}

func TestFinalizeWithoutFrames(t *testing.T) {
	var buf bytes.Buffer
	dst, err := NewDestination(&buf, UTIPNG, 1, nil)
	require.NoError(t, err)
	assert.Error(t, dst.Finalize())
}

func TestMislabeledPayload(t *testing.T) {
	// A PNG signature followed by garbage must fail cleanly.
	data := append([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, []byte("garbage")...)
	_, err := NewSource(data)
	assert.Error(t, err)
}

func TestSourcePropertiesBasics(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 7, 5))
	data := encode(t, UTIPNG, 1, nil, img)
	src, err := NewSource(data)
	require.NoError(t, err)
	assert.Equal(t, 0, src.PrimaryIndex())

	props, err := src.PropertiesAt(0)
	require.NoError(t, err)
	assert.Equal(t, int64(7), props.GetInt(KeyPixelWidth, 0))
	assert.Equal(t, int64(5), props.GetInt(KeyPixelHeight, 0))

	_, err = src.ImageAt(3)
	assert.True(t, errors.Is(err, ErrInvalidParameter))
}
