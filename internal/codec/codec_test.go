package codec

import (
	"image"
	"image/color"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueKinds(t *testing.T) {
	v := String("hello")
	s, ok := v.AsString()
	assert.True(t, ok)
	assert.Equal(t, "hello", s)
	_, ok = v.AsInt()
	assert.False(t, ok)

	i, ok := Int(42).AsInt()
	assert.True(t, ok)
	assert.Equal(t, int64(42), i)

	// Numeric cross-reads widen or truncate.
	f, ok := Int(3).AsFloat()
	assert.True(t, ok)
	assert.Equal(t, 3.0, f)
	i, ok = Float(2.9).AsInt()
	assert.True(t, ok)
	assert.Equal(t, int64(2), i)

	b, ok := Bool(true).AsBool()
	assert.True(t, ok)
	assert.True(t, b)

	raw, ok := Bytes([]byte{1, 2}).AsBytes()
	assert.True(t, ok)
	assert.Equal(t, []byte{1, 2}, raw)

	lst, ok := List([]Value{Int(1), Int(2)}).AsList()
	assert.True(t, ok)
	assert.Len(t, lst, 2)

	m, ok := Map(Properties{"k": Int(9)}).AsMap()
	assert.True(t, ok)
	assert.Equal(t, int64(9), m.GetInt("k", 0))
}

func TestPropertiesDefaults(t *testing.T) {
	var p Properties // nil map reads fall back to defaults
	assert.Equal(t, 1.5, p.GetFloat("missing", 1.5))
	assert.Equal(t, int64(7), p.GetInt("missing", 7))
	assert.True(t, p.GetBool("missing", true))

	p = Properties{"d": Float(0.25)}
	assert.Equal(t, 0.25, p.GetFloat("d", 0))
}

func TestRasterRowNRGBA(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	img.SetNRGBA(0, 0, color.NRGBA{1, 2, 3, 4})
	img.SetNRGBA(2, 1, color.NRGBA{9, 8, 7, 6})
	r, err := NewRaster(img)
	require.NoError(t, err)

	row := r.RowNRGBA(0, make([]byte, 12))
	assert.Equal(t, []byte{1, 2, 3, 4}, row[:4])
	row = r.RowNRGBA(1, make([]byte, 12))
	assert.Equal(t, []byte{9, 8, 7, 6}, row[8:])
}

func TestRasterGrayAndPalette(t *testing.T) {
	g := image.NewGray(image.Rect(0, 0, 2, 1))
	g.Pix[0], g.Pix[1] = 10, 200
	r, err := NewRaster(g)
	require.NoError(t, err)
	row := r.RowNRGBA(0, make([]byte, 8))
	assert.Equal(t, []byte{10, 10, 10, 255, 200, 200, 200, 255}, row)
	assert.True(t, r.Opaque())

	pal := image.NewPaletted(image.Rect(0, 0, 2, 1), color.Palette{
		color.NRGBA{255, 0, 0, 255}, color.NRGBA{0, 0, 255, 128},
	})
	pal.Pix[1] = 1
	r, err = NewRaster(pal)
	require.NoError(t, err)
	row = r.RowNRGBA(0, make([]byte, 8))
	assert.Equal(t, []byte{255, 0, 0, 255, 0, 0, 255, 128}, row)
	assert.False(t, r.Opaque())
}

func TestRasterUnpremultipliesRGBA(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	// Premultiplied half-transparent red.
	img.SetRGBA(0, 0, color.RGBA{128, 0, 0, 128})
	r, err := NewRaster(img)
	require.NoError(t, err)
	row := r.RowNRGBA(0, make([]byte, 4))
	assert.Equal(t, uint8(128), row[3])
	assert.InDelta(t, 255, int(row[0]), 1)
}

func TestRasterRejectsOversizedPalette(t *testing.T) {
	pal := make(color.Palette, 257)
	for i := range pal {
		pal[i] = color.NRGBA{A: 255}
	}
	img := image.NewPaletted(image.Rect(0, 0, 1, 1), pal)
	_, err := NewRaster(img)
	assert.True(t, errors.Is(err, ErrInvalidParameter))
}

func TestRasterRejectsEmptyImage(t *testing.T) {
	_, err := NewRaster(image.NewNRGBA(image.Rect(0, 0, 0, 5)))
	assert.True(t, errors.Is(err, ErrInvalidParameter))
}

func TestEffectiveQuality(t *testing.T) {
	o := &EncodeOptions{}
	assert.Equal(t, 0.75, o.EffectiveQuality())
	o.Quality = 0.3
	assert.Equal(t, 0.3, o.EffectiveQuality())
	o.Quality = 1.7
	assert.Equal(t, 1.0, o.EffectiveQuality())
}
