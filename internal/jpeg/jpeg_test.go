package jpeg

import (
	"bytes"
	"image"
	"image/color"
	stdjpeg "image/jpeg"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepteams/imageio/internal/codec"
)

func encodeFrame(t *testing.T, img image.Image, quality float64) []byte {
	t.Helper()
	e, err := NewEncoder(1, &codec.EncodeOptions{Quality: quality})
	require.NoError(t, err)
	require.NoError(t, e.AddFrame(&codec.Frame{Image: img}))
	out, err := e.Finalize()
	require.NoError(t, err)
	return out
}

func solidRed(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < w*h; i++ {
		img.Pix[4*i], img.Pix[4*i+3] = 255, 255
	}
	return img
}

// naturalImage synthesizes a smooth image so lossy error bounds are
// meaningful.
func naturalImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(110 + 80*x/w),
				G: uint8(70 + 120*y/h),
				B: uint8(90 + 60*(x+y)/(w+h)),
				A: 255,
			})
		}
	}
	return img
}

func TestSolidRedWithinTolerance(t *testing.T) {
	img := solidRed(16, 16)
	seq, err := Decode(encodeFrame(t, img, 0.8))
	require.NoError(t, err)
	got := seq.Frames[0].Image.(*image.NRGBA)
	for i := 0; i < 16*16; i++ {
		assert.InDelta(t, 255, int(got.Pix[4*i+0]), 4)
		assert.InDelta(t, 0, int(got.Pix[4*i+1]), 4)
		assert.InDelta(t, 0, int(got.Pix[4*i+2]), 4)
	}
}

func TestNaturalImageMeanError(t *testing.T) {
	img := naturalImage(64, 48)
	seq, err := Decode(encodeFrame(t, img, 0.8))
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

func TestGrayRoundTrip(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 24, 24))
	for i := range img.Pix {
		img.Pix[i] = uint8(100 + i%40)
	}
	seq, err := Decode(encodeFrame(t, img, 0.9))
	require.NoError(t, err)
	got, ok := seq.Frames[0].Image.(*image.Gray)
	require.True(t, ok)
	for i := range img.Pix {
		assert.InDelta(t, int(img.Pix[i]), int(got.Pix[i]), 6, "pixel %d", i)
	}
}

// TestStdlibDecodesOurOutput verifies bitstream conformance against
// image/jpeg.
func TestStdlibDecodesOurOutput(t *testing.T) {
	img := naturalImage(40, 30)
	dec, err := stdjpeg.Decode(bytes.NewReader(encodeFrame(t, img, 0.8)))
	require.NoError(t, err)
	b := dec.Bounds()
	require.Equal(t, 40, b.Dx())
	require.Equal(t, 30, b.Dy())

	var sum, n int
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			wr, wg, wb, _ := img.At(x, y).RGBA()
			gr, gg, gb, _ := dec.At(b.Min.X+x, b.Min.Y+y).RGBA()
			for _, d := range []int{
				int(wr>>8) - int(gr>>8), int(wg>>8) - int(gg>>8), int(wb>>8) - int(gb>>8),
			} {
				if d < 0 {
					d = -d
				}
				sum += d
				n++
			}
		}
	}
	assert.Less(t, float64(sum)/float64(n), 8.0)
}

// TestDecodeStdlibOutput decodes image/jpeg's encoder output, which uses
// its own table and filter choices.
func TestDecodeStdlibOutput(t *testing.T) {
	img := naturalImage(33, 25)
	var buf bytes.Buffer
	require.NoError(t, stdjpeg.Encode(&buf, img, &stdjpeg.Options{Quality: 90}))

	seq, err := Decode(buf.Bytes())
	require.NoError(t, err)
	got := seq.Frames[0].Image.(*image.NRGBA)
	var sum, n int
	for i := 0; i < 33*25; i++ {
		for c := 0; c < 3; c++ {
			d := int(img.Pix[4*i+c]) - int(got.Pix[4*i+c])
			if d < 0 {
				d = -d
			}
			sum += d
			n++
		}
	}
	assert.Less(t, float64(sum)/float64(n), 8.0)
}

// TestNoUnescapedFF scans the entropy segment for 0xFF bytes not
// followed by 0x00 or a valid marker.
func TestNoUnescapedFF(t *testing.T) {
	data := encodeFrame(t, naturalImage(64, 64), 0.95)
	// Find SOS, then scan to EOI.
	sos := bytes.Index(data, []byte{0xFF, mSOS})
	require.Greater(t, sos, 0)
	start := sos + 2 + int(data[sos+2])<<8 + int(data[sos+3])
	for i := start; i < len(data)-1; i++ {
		if data[i] == 0xFF {
			next := data[i+1]
			valid := next == 0x00 || (next >= mRST0 && next <= mRST7) || next == mEOI
			require.True(t, valid, "unescaped 0xFF at %d followed by 0x%02x", i, next)
			i++
		}
	}
}

func TestProgressiveRejected(t *testing.T) {
	// Minimal prefix with a SOF2 marker.
	data := []byte{0xFF, 0xD8, 0xFF, mSOF2, 0x00, 0x0B, 8, 0, 16, 0, 16, 1, 1, 0x11, 0}
	_, err := Decode(data)
	assert.True(t, errors.Is(err, codec.ErrUnsupported))
}

func TestTruncatedScan(t *testing.T) {
	data := encodeFrame(t, naturalImage(32, 32), 0.8)
	_, err := Decode(data[:len(data)*3/4])
	assert.Error(t, err)
}

func TestXMPExtraction(t *testing.T) {
	data := encodeFrame(t, solidRed(8, 8), 0.8)
	// Splice an APP1 XMP segment right after SOI.
	packet := []byte("<x:xmpmeta xmlns:x='adobe:ns:meta/'/>")
	seg := append([]byte{}, xmpHeader...)
	seg = append(seg, packet...)
	app1 := []byte{0xFF, mAPP1, byte((len(seg) + 2) >> 8), byte(len(seg) + 2)}
	app1 = append(app1, seg...)

	spliced := append([]byte{0xFF, 0xD8}, app1...)
	spliced = append(spliced, data[2:]...)

	seq, err := Decode(spliced)
	require.NoError(t, err)
	aux := seq.Frames[0].Aux[codec.AuxXMP]
	require.NotNil(t, aux)
	assert.Equal(t, packet, aux.Data)
}

func TestGainMapExtraction(t *testing.T) {
	data := encodeFrame(t, solidRed(8, 8), 0.8)
	payload := []byte{0x00, 0x01, 0x00, 0x02, 0xAA, 0xBB}
	seg := append([]byte{}, mpfHeader...)
	seg = append(seg, payload...)
	app2 := []byte{0xFF, mAPP2, byte((len(seg) + 2) >> 8), byte(len(seg) + 2)}
	app2 = append(app2, seg...)

	spliced := append([]byte{0xFF, 0xD8}, app2...)
	spliced = append(spliced, data[2:]...)

	seq, err := Decode(spliced)
	require.NoError(t, err)
	aux := seq.Frames[0].Aux[codec.AuxHDRGainMap]
	require.NotNil(t, aux)
	assert.Equal(t, payload, aux.Data)
	typ, _ := aux.Description["Type"].AsString()
	assert.Equal(t, "MPF", typ)
}

func TestDPIRoundTrip(t *testing.T) {
	e, err := NewEncoder(1, &codec.EncodeOptions{Quality: 0.8})
	require.NoError(t, err)
	props := codec.Properties{codec.KeyDPIWidth: codec.Float(300)}
	require.NoError(t, e.AddFrame(&codec.Frame{Image: solidRed(8, 8), Props: props}))
	data, err := e.Finalize()
	require.NoError(t, err)

	seq, err := Decode(data)
	require.NoError(t, err)
	assert.InDelta(t, 300, seq.Frames[0].Props.GetFloat(codec.KeyDPIWidth, 0), 0.5)
}

func TestQualityTableScaling(t *testing.T) {
	q50 := scaledQuantTables(0.5)
	q100 := scaledQuantTables(1.0)
	// Quality 50 reproduces the unscaled tables; quality 100 is all ones.
	assert.Equal(t, unscaledQuant[quantLuminance], q50[quantLuminance])
	for _, v := range q100[quantLuminance] {
		assert.Equal(t, byte(1), v)
	}
}
