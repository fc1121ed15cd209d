package bitio

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepteams/imageio/internal/codec"
)

func TestLSBRoundTrip(t *testing.T) {
	fields := []struct {
		v uint32
		n uint
	}{
		{0x1, 1}, {0x0, 1}, {0x5, 3}, {0xABC, 12}, {0x3FFFF, 18}, {0xFF, 8}, {0x1, 2},
	}

	w := NewLSBWriter(0)
	for _, f := range fields {
		w.Write(f.v, f.n)
	}
	data := w.Bytes()

	r := NewLSBReader(data)
	for _, f := range fields {
		got, err := r.Read(f.n)
		require.NoError(t, err)
		assert.Equal(t, f.v, got)
	}
}

func TestLSBPeekDoesNotConsume(t *testing.T) {
	r := NewLSBReader([]byte{0b10110101})
	p1, err := r.Peek(4)
	require.NoError(t, err)
	p2, err := r.Peek(4)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
	v, err := r.Read(4)
	require.NoError(t, err)
	assert.Equal(t, uint32(0b0101), v)
}

func TestLSBTruncated(t *testing.T) {
	r := NewLSBReader([]byte{0xFF})
	_, err := r.Read(8)
	require.NoError(t, err)
	_, err = r.Read(1)
	assert.True(t, errors.Is(err, codec.ErrTruncated))
}

func TestLSBAlignAndBytes(t *testing.T) {
	r := NewLSBReader([]byte{0xA5, 0x01, 0x02, 0x03})
	_, err := r.Read(3)
	require.NoError(t, err)
	r.AlignToByte()
	b, err := r.ReadBytes(3)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, b)
	assert.Equal(t, 0, r.BytesRemaining())
}

func TestMSBRoundTrip(t *testing.T) {
	w := NewMSBWriter(0)
	w.Write(0b101, 3)
	w.Write(0b0110, 4)
	w.Write(0x1FF, 9)
	w.FlushZero()
	data := w.Bytes()

	r := NewMSBReader(data)
	for _, f := range []struct {
		v uint32
		n uint
	}{{0b101, 3}, {0b0110, 4}, {0x1FF, 9}} {
		got, err := r.Read(f.n)
		require.NoError(t, err)
		assert.Equal(t, f.v, got)
	}
}

func TestStuffedWriterInsertsZero(t *testing.T) {
	w := NewStuffedWriter(0)
	w.Write(0xFF, 8)
	w.Write(0xD9, 8)
	assert.Equal(t, []byte{0xFF, 0x00, 0xD9}, w.Bytes())
}

func TestStuffedReaderDropsZero(t *testing.T) {
	r := NewStuffedReader([]byte{0xFF, 0x00, 0xAB})
	v, err := r.Read(16)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xFFAB), v)
}

func TestStuffedReaderStopsAtMarker(t *testing.T) {
	r := NewStuffedReader([]byte{0x12, 0xFF, 0xD9})
	v, err := r.Read(8)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x12), v)

	_, err = r.Read(8)
	assert.True(t, errors.Is(err, codec.ErrTruncated))
	assert.Equal(t, byte(0xD9), r.Marker())
}

func TestBoolRoundTrip(t *testing.T) {
	// A mix of probabilities and bits, long enough to force several
	// renormalisations and at least one carry.
	var bits []int
	var probs []uint8
	seed := uint32(12345)
	for i := 0; i < 4096; i++ {
		seed = seed*1664525 + 1013904223
		bits = append(bits, int(seed>>31))
		probs = append(probs, uint8(seed>>13)|1)
	}

	w := NewBoolWriter(0)
	for i := range bits {
		w.PutBool(bits[i], probs[i])
	}
	data := w.Finish()

	r := NewBoolReader(data)
	for i := range bits {
		require.Equal(t, bits[i], r.ReadBool(probs[i]), "bit %d", i)
	}
}

func TestBoolLiteralsAndSigned(t *testing.T) {
	w := NewBoolWriter(0)
	w.PutUint(0x2A, 7)
	w.PutSigned(-13, 6)
	w.PutOptionalSigned(0, 4)
	w.PutOptionalSigned(9, 4)
	data := w.Finish()

	r := NewBoolReader(data)
	assert.Equal(t, uint32(0x2A), r.ReadUint(7))
	assert.Equal(t, -13, r.ReadSigned(6))
	assert.Equal(t, 0, r.ReadOptionalSigned(4))
	assert.Equal(t, 9, r.ReadOptionalSigned(4))
}
