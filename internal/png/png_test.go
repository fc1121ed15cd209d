package png

import (
	"bytes"
	"image"
	"image/color"
	stdpng "image/png"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepteams/imageio/internal/codec"
)

func encodeFrame(t *testing.T, img image.Image) []byte {
	t.Helper()
	e, err := NewEncoder(1, &codec.EncodeOptions{})
	require.NoError(t, err)
	require.NoError(t, e.AddFrame(&codec.Frame{Image: img}))
	out, err := e.Finalize()
	require.NoError(t, err)
	return out
}

func testNRGBA() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	img.SetNRGBA(0, 0, color.NRGBA{255, 0, 0, 255})
	img.SetNRGBA(1, 0, color.NRGBA{0, 255, 0, 255})
	img.SetNRGBA(0, 1, color.NRGBA{0, 0, 255, 255})
	img.SetNRGBA(1, 1, color.NRGBA{255, 255, 255, 128})
	return img
}

func TestRoundTripRGBA(t *testing.T) {
	img := testNRGBA()
	seq, err := Decode(encodeFrame(t, img))
	require.NoError(t, err)
	require.Equal(t, 1, seq.Count())
	got, ok := seq.Frames[0].Image.(*image.NRGBA)
	require.True(t, ok)
	assert.Equal(t, img.Pix, got.Pix)
}

func TestRoundTripOpaqueRGB(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 31, 17))
	for i := range img.Pix {
		img.Pix[i] = byte(i * 7)
	}
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}
	seq, err := Decode(encodeFrame(t, img))
	require.NoError(t, err)
	got := seq.Frames[0].Image.(*image.NRGBA)
	assert.Equal(t, img.Pix, got.Pix)
}

func TestRoundTripGray(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 9, 5))
	for i := range img.Pix {
		img.Pix[i] = byte(i * 13)
	}
	seq, err := Decode(encodeFrame(t, img))
	require.NoError(t, err)
	got, ok := seq.Frames[0].Image.(*image.Gray)
	require.True(t, ok)
	assert.Equal(t, img.Pix, got.Pix)
}

func TestRoundTripPaletted(t *testing.T) {
	pal := color.Palette{
		color.NRGBA{0, 0, 0, 255},
		color.NRGBA{255, 0, 0, 255},
		color.NRGBA{0, 0, 255, 64}, // semi-transparent forces tRNS
	}
	img := image.NewPaletted(image.Rect(0, 0, 8, 8), pal)
	for i := range img.Pix {
		img.Pix[i] = byte(i % 3)
	}
	seq, err := Decode(encodeFrame(t, img))
	require.NoError(t, err)
	got, ok := seq.Frames[0].Image.(*image.Paletted)
	require.True(t, ok)
	assert.Equal(t, img.Pix, got.Pix)
	require.Len(t, got.Palette, 3)
	assert.Equal(t, color.NRGBA{0, 0, 255, 64}, got.Palette[2].(color.NRGBA))
}

// TestDecodeStdlibOutput decodes PNGs produced by image/png, which emits
// dynamic-Huffman zlib streams and its own filter choices.
func TestDecodeStdlibOutput(t *testing.T) {
	img := testNRGBA()
	var buf bytes.Buffer
	require.NoError(t, stdpng.Encode(&buf, img))

	seq, err := Decode(buf.Bytes())
	require.NoError(t, err)
	got := seq.Frames[0].Image.(*image.NRGBA)
	assert.Equal(t, img.Pix, got.Pix)
}

// TestStdlibDecodesOurOutput feeds our encoder's output to image/png.
func TestStdlibDecodesOurOutput(t *testing.T) {
	img := testNRGBA()
	dec, err := stdpng.Decode(bytes.NewReader(encodeFrame(t, img)))
	require.NoError(t, err)
	got, ok := dec.(*image.NRGBA)
	require.True(t, ok)
	assert.Equal(t, img.Pix, got.Pix)
}

func TestDecodeLargeGradient(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 256, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 256; x++ {
			img.SetNRGBA(x, y, color.NRGBA{uint8(x), uint8(y * 4), uint8(x ^ y), 255})
		}
	}
	seq, err := Decode(encodeFrame(t, img))
	require.NoError(t, err)
	assert.Equal(t, img.Pix, seq.Frames[0].Image.(*image.NRGBA).Pix)
}

func TestBadCRC(t *testing.T) {
	data := encodeFrame(t, testNRGBA())
	// Corrupt a byte inside the IHDR chunk body.
	data[len(signature)+8] ^= 0xFF
	_, err := Decode(data)
	assert.True(t, errors.Is(err, codec.ErrChecksumMismatch))
}

func TestTruncated(t *testing.T) {
	data := encodeFrame(t, testNRGBA())
	_, err := Decode(data[:len(data)-8])
	assert.True(t, errors.Is(err, codec.ErrTruncated))
}

func TestBadSignature(t *testing.T) {
	data := encodeFrame(t, testNRGBA())
	data[0] = 'X'
	_, err := Decode(data)
	assert.True(t, errors.Is(err, codec.ErrMalformed))
}

func TestUnknownCriticalChunk(t *testing.T) {
	data := encodeFrame(t, testNRGBA())
	// Rewrite IDAT's type to an unknown critical chunk and fix its CRC.
	idx := bytes.Index(data, []byte("IDAT"))
	require.Greater(t, idx, 0)
	length := int(uint32(data[idx-4])<<24 | uint32(data[idx-3])<<16 | uint32(data[idx-2])<<8 | uint32(data[idx-1]))
	body := data[idx+4 : idx+4+length]
	rebuilt := append([]byte{}, data[:idx-4]...)
	rebuilt = appendChunk(rebuilt, "QDAT", body)
	rebuilt = append(rebuilt, data[idx+8+length:]...)

	_, err := Decode(rebuilt)
	assert.True(t, errors.Is(err, codec.ErrUnsupported))
}

func TestEncoderStateMachine(t *testing.T) {
	e, err := NewEncoder(1, &codec.EncodeOptions{})
	require.NoError(t, err)
	require.NoError(t, e.AddFrame(&codec.Frame{Image: testNRGBA()}))
	err = e.AddFrame(&codec.Frame{Image: testNRGBA()})
	assert.True(t, errors.Is(err, codec.ErrInvalidParameter))
	_, err = e.Finalize()
	require.NoError(t, err)
	_, err = e.Finalize()
	assert.True(t, errors.Is(err, codec.ErrInvalidParameter))
}

func TestDPIRoundTrip(t *testing.T) {
	e, err := NewEncoder(1, &codec.EncodeOptions{})
	require.NoError(t, err)
	props := codec.Properties{
		codec.KeyDPIWidth:  codec.Float(144),
		codec.KeyDPIHeight: codec.Float(144),
	}
	require.NoError(t, e.AddFrame(&codec.Frame{Image: testNRGBA(), Props: props}))
	data, err := e.Finalize()
	require.NoError(t, err)

	seq, err := Decode(data)
	require.NoError(t, err)
	dpi := seq.Frames[0].Props.GetFloat(codec.KeyDPIWidth, 0)
	assert.InDelta(t, 144, dpi, 0.5)
}
