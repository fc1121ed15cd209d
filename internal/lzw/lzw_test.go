package lzw

import (
	"bytes"
	stdlzw "compress/lzw"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tifflzw "golang.org/x/image/tiff/lzw"

	"github.com/deepteams/imageio/internal/codec"
)

func pixelData(n int, alphabet byte) []byte {
	out := make([]byte, n)
	seed := uint32(99)
	for i := range out {
		seed = seed*1664525 + 1013904223
		// Mix runs with noise so matches of many lengths occur.
		if seed&0x7 != 0 {
			out[i] = byte(i/7) % alphabet
		} else {
			out[i] = byte(seed>>24) % alphabet
		}
	}
	return out
}

func TestRoundTripLSB(t *testing.T) {
	for _, litWidth := range []int{2, 4, 8} {
		alphabet := byte(1) << litWidth
		data := pixelData(20000, alphabet)
		enc, err := Encode(data, litWidth, LSB)
		require.NoError(t, err)
		dec, err := Decode(enc, litWidth, LSB, len(data))
		require.NoError(t, err)
		assert.Equal(t, data, dec, "litWidth %d", litWidth)
	}
}

func TestRoundTripMSB(t *testing.T) {
	data := pixelData(20000, 255)
	enc, err := Encode(data, 8, MSB)
	require.NoError(t, err)
	dec, err := Decode(enc, 8, MSB, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, dec)
}

// TestEncodeAgainstStdlib verifies our GIF-order streams decode with the
// standard library's LZW reader.
func TestEncodeAgainstStdlib(t *testing.T) {
	for _, litWidth := range []int{2, 5, 8} {
		data := pixelData(30000, byte(1)<<litWidth)
		enc, err := Encode(data, litWidth, LSB)
		require.NoError(t, err)

		r := stdlzw.NewReader(bytes.NewReader(enc), stdlzw.LSB, litWidth)
		got, err := io.ReadAll(r)
		require.NoError(t, err)
		require.NoError(t, r.Close())
		assert.Equal(t, data, got, "litWidth %d", litWidth)
	}
}

// TestDecodeAgainstStdlib verifies we decode streams produced by the
// standard library's LZW writer.
func TestDecodeAgainstStdlib(t *testing.T) {
	data := pixelData(30000, 16)
	var buf bytes.Buffer
	w := stdlzw.NewWriter(&buf, stdlzw.LSB, 4)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got, err := Decode(buf.Bytes(), 4, LSB, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

// TestEncodeMSBAgainstTIFFReader verifies early-change MSB streams decode
// with the x/image TIFF LZW reader.
func TestEncodeMSBAgainstTIFFReader(t *testing.T) {
	data := pixelData(30000, 255)
	enc, err := Encode(data, 8, MSB)
	require.NoError(t, err)

	r := tifflzw.NewReader(bytes.NewReader(enc), tifflzw.MSB, 8)
	got := make([]byte, len(data))
	_, err = io.ReadFull(r, got)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDictionaryResetOnOverflow(t *testing.T) {
	// Enough distinct material to fill the 4096-entry table several
	// times over, forcing mid-stream Clear codes.
	data := pixelData(1<<18, 255)
	enc, err := Encode(data, 8, LSB)
	require.NoError(t, err)
	dec, err := Decode(enc, 8, LSB, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, dec)
}

func TestDecodeBadCode(t *testing.T) {
	// Hand-built stream: clear=4, then code 7, which is beyond the
	// dictionary. LSB packing at width 3: 100b then 111b -> 0b00111100.
	_, err := Decode([]byte{0x3C}, 2, LSB, 10)
	assert.True(t, errors.Is(err, codec.ErrMalformed))
}

func TestDecodeTruncated(t *testing.T) {
	data := pixelData(1000, 16)
	enc, err := Encode(data, 4, LSB)
	require.NoError(t, err)
	_, err = Decode(enc[:len(enc)/4], 4, LSB, len(data))
	assert.Error(t, err)
}

func TestEncodeRejectsWideLiterals(t *testing.T) {
	_, err := Encode([]byte{9}, 3, LSB)
	assert.True(t, errors.Is(err, codec.ErrOutOfBounds))
}
