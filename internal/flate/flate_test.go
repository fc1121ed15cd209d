package flate

import (
	"bytes"
	"io"
	"testing"

	kflate "github.com/klauspost/compress/flate"
	kzlib "github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepteams/imageio/internal/codec"
)

// prng is a tiny deterministic generator so test inputs are stable.
type prng uint32

func (p *prng) next() byte {
	*p = *p*1664525 + 1013904223
	return byte(*p >> 24)
}

func testPayloads() map[string][]byte {
	p := prng(7)
	random := make([]byte, 1<<16)
	for i := range random {
		random[i] = p.next()
	}
	compressible := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 2000)
	runs := make([]byte, 1<<20)
	for i := range runs {
		runs[i] = byte(i / 4096)
	}
	return map[string][]byte{
		"empty":        {},
		"one byte":     {0x42},
		"short":        []byte("abcabcabcabc"),
		"compressible": compressible,
		"random":       random,
		"runs 1MiB":    runs,
	}
}

func TestDeflateInflateRoundTrip(t *testing.T) {
	for name, data := range testPayloads() {
		t.Run(name, func(t *testing.T) {
			got, err := Inflate(Deflate(data))
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

// TestDeflateThirdPartyInflate feeds our compressor output to an
// independent RFC 1951 implementation.
func TestDeflateThirdPartyInflate(t *testing.T) {
	for name, data := range testPayloads() {
		t.Run(name, func(t *testing.T) {
			r := kflate.NewReader(bytes.NewReader(Deflate(data)))
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			require.NoError(t, r.Close())
			if len(data) == 0 {
				assert.Empty(t, got)
			} else {
				assert.Equal(t, data, got)
			}
		})
	}
}

// TestInflateThirdPartyDeflate checks our inflater against streams made
// by an independent compressor, covering dynamic-Huffman blocks.
func TestInflateThirdPartyDeflate(t *testing.T) {
	for name, data := range testPayloads() {
		for _, level := range []int{kflate.NoCompression, kflate.BestSpeed, kflate.BestCompression} {
			t.Run(name, func(t *testing.T) {
				var buf bytes.Buffer
				w, err := kflate.NewWriter(&buf, level)
				require.NoError(t, err)
				_, err = w.Write(data)
				require.NoError(t, err)
				require.NoError(t, w.Close())

				got, err := Inflate(buf.Bytes())
				require.NoError(t, err)
				if len(data) == 0 {
					assert.Empty(t, got)
				} else {
					assert.Equal(t, data, got)
				}
			})
		}
	}
}

func TestZlibRoundTrip(t *testing.T) {
	data := []byte("zlib framing with adler32 trailer")
	got, err := InflateZlib(DeflateZlib(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestZlibThirdParty(t *testing.T) {
	data := bytes.Repeat([]byte{1, 2, 3, 4, 5}, 1000)

	// Ours -> theirs.
	r, err := kzlib.NewReader(bytes.NewReader(DeflateZlib(data)))
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Theirs -> ours.
	var buf bytes.Buffer
	w := kzlib.NewWriter(&buf)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	got, err = InflateZlib(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestZlibChecksumMismatch(t *testing.T) {
	enc := DeflateZlib([]byte("payload"))
	enc[len(enc)-1] ^= 0xFF
	_, err := InflateZlib(enc)
	assert.True(t, errors.Is(err, codec.ErrChecksumMismatch))
}

func TestInflateTruncated(t *testing.T) {
	enc := Deflate(bytes.Repeat([]byte("abcd"), 100))
	_, err := Inflate(enc[:len(enc)/2])
	assert.Error(t, err)
	assert.True(t, errors.Is(err, codec.ErrTruncated) || errors.Is(err, codec.ErrMalformed))
}

func TestInflateStoredBlock(t *testing.T) {
	// Hand-built stored block: BFINAL=1, BTYPE=00, LEN=5, payload "hello".
	raw := []byte{0x01, 0x05, 0x00, 0xFA, 0xFF, 'h', 'e', 'l', 'l', 'o'}
	got, err := Inflate(raw)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestInflateBadStoredLength(t *testing.T) {
	raw := []byte{0x01, 0x05, 0x00, 0x00, 0x00, 'h', 'e', 'l', 'l', 'o'}
	_, err := Inflate(raw)
	assert.True(t, errors.Is(err, codec.ErrMalformed))
}

func TestAdler32(t *testing.T) {
	// Known value: adler32("Wikipedia") = 0x11E60398.
	assert.Equal(t, uint32(0x11E60398), Adler32([]byte("Wikipedia")))
	assert.Equal(t, uint32(1), Adler32(nil))
}
