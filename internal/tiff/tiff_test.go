package tiff

import (
	"bytes"
	"image"
	"image/color"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xtiff "golang.org/x/image/tiff"

	"github.com/deepteams/imageio/internal/codec"
)

func page(w, h int, withAlpha bool) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			a := uint8(255)
			if withAlpha {
				a = uint8(255 - x*3)
			}
			img.SetNRGBA(x, y, color.NRGBA{uint8(x * 5), uint8(y * 11), uint8((x + y) * 3), a})
		}
	}
	return img
}

func encodePages(t *testing.T, imgs ...image.Image) []byte {
	t.Helper()
	e, err := NewEncoder(len(imgs), &codec.EncodeOptions{})
	require.NoError(t, err)
	for _, img := range imgs {
		require.NoError(t, e.AddFrame(&codec.Frame{Image: img}))
	}
	out, err := e.Finalize()
	require.NoError(t, err)
	return out
}

func TestRoundTripRGB(t *testing.T) {
	img := page(17, 9, false)
	seq, err := Decode(encodePages(t, img))
	require.NoError(t, err)
	require.Equal(t, 1, seq.Count())
	assert.Equal(t, img.Pix, seq.Frames[0].Image.(*image.NRGBA).Pix)
}

func TestRoundTripRGBA(t *testing.T) {
	img := page(8, 8, true)
	seq, err := Decode(encodePages(t, img))
	require.NoError(t, err)
	got := seq.Frames[0].Image.(*image.NRGBA)
	assert.Equal(t, img.Pix, got.Pix)
	hasAlpha, _ := seq.Frames[0].Props[codec.KeyHasAlpha].AsBool()
	assert.True(t, hasAlpha)
}

func TestMultiPageOrderAndDimensions(t *testing.T) {
	seq, err := Decode(encodePages(t,
		page(10, 10, false), page(20, 20, false), page(30, 30, false)))
	require.NoError(t, err)
	require.Equal(t, 3, seq.Count())
	for i, want := range []int{10, 20, 30} {
		b := seq.Frames[i].Image.Bounds()
		assert.Equal(t, want, b.Dx(), "page %d", i)
		assert.Equal(t, want, b.Dy(), "page %d", i)
	}
}

// TestThirdPartyDecodesOurOutput checks conformance against x/image/tiff.
func TestThirdPartyDecodesOurOutput(t *testing.T) {
	img := page(12, 7, false)
	dec, err := xtiff.Decode(bytes.NewReader(encodePages(t, img)))
	require.NoError(t, err)
	b := dec.Bounds()
	require.Equal(t, 12, b.Dx())
	require.Equal(t, 7, b.Dy())
	for y := 0; y < 7; y++ {
		for x := 0; x < 12; x++ {
			wr, wg, wb, _ := img.At(x, y).RGBA()
			gr, gg, gb, _ := dec.At(b.Min.X+x, b.Min.Y+y).RGBA()
			require.Equal(t, [3]uint32{wr, wg, wb}, [3]uint32{gr, gg, gb}, "pixel %d,%d", x, y)
		}
	}
}

// TestDecodeThirdPartyOutput checks we read x/image/tiff's uncompressed
// output, which uses big-endian-independent little-endian headers.
func TestDecodeThirdPartyOutput(t *testing.T) {
	img := page(9, 4, false)
	var buf bytes.Buffer
	require.NoError(t, xtiff.Encode(&buf, img, &xtiff.Options{Compression: xtiff.Uncompressed}))

	seq, err := Decode(buf.Bytes())
	require.NoError(t, err)
	got := seq.Frames[0].Image.(*image.NRGBA)
	b := img.Bounds()
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			require.Equal(t, img.NRGBAAt(x, y), got.NRGBAAt(x, y))
		}
	}
}

func TestResolutionRoundTrip(t *testing.T) {
	e, err := NewEncoder(1, &codec.EncodeOptions{})
	require.NoError(t, err)
	props := codec.Properties{
		codec.KeyDPIWidth:  codec.Float(300),
		codec.KeyDPIHeight: codec.Float(150),
	}
	require.NoError(t, e.AddFrame(&codec.Frame{Image: page(4, 4, false), Props: props}))
	data, err := e.Finalize()
	require.NoError(t, err)

	seq, err := Decode(data)
	require.NoError(t, err)
	assert.InDelta(t, 300, seq.Frames[0].Props.GetFloat(codec.KeyDPIWidth, 0), 0.01)
	assert.InDelta(t, 150, seq.Frames[0].Props.GetFloat(codec.KeyDPIHeight, 0), 0.01)
}

func TestRejectsCompressed(t *testing.T) {
	img := page(6, 6, false)
	var buf bytes.Buffer
	require.NoError(t, xtiff.Encode(&buf, img, &xtiff.Options{Compression: xtiff.Deflate}))
	_, err := Decode(buf.Bytes())
	assert.True(t, errors.Is(err, codec.ErrUnsupported))
}

func TestRejectsBadMagic(t *testing.T) {
	data := encodePages(t, page(2, 2, false))
	data[2] = 41
	_, err := Decode(data)
	assert.True(t, errors.Is(err, codec.ErrMalformed))
}

func TestTruncatedStrip(t *testing.T) {
	data := encodePages(t, page(16, 16, false))
	// Chop inside the first strip, which precedes the IFD.
	_, err := Decode(data[:200])
	assert.True(t, errors.Is(err, codec.ErrTruncated))
}
