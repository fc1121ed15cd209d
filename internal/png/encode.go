package png

import (
	"encoding/binary"
	"hash/crc32"
	"image/color"

	"github.com/pkg/errors"

	"github.com/deepteams/imageio/internal/codec"
	"github.com/deepteams/imageio/internal/flate"
)

// Encoder writes a single-frame PNG. It implements codec.Encoder.
type Encoder struct {
	frame     *codec.Frame
	container codec.Properties
	done      bool
}

// NewEncoder creates a PNG encoder. PNG holds exactly one image.
func NewEncoder(declared int, _ *codec.EncodeOptions) (*Encoder, error) {
	if declared != 1 {
		return nil, errors.Wrapf(codec.ErrInvalidParameter, "png: declared frame count %d", declared)
	}
	return &Encoder{}, nil
}

// AddFrame stores the single frame to be written.
func (e *Encoder) AddFrame(f *codec.Frame) error {
	if e.done {
		return errors.Wrap(codec.ErrInvalidParameter, "png: encoder already finalized")
	}
	if e.frame != nil {
		return errors.Wrap(codec.ErrInvalidParameter, "png: frame count exceeded")
	}
	if _, err := codec.NewRaster(f.Image); err != nil {
		return err
	}
	e.frame = f
	return nil
}

// SetContainerProps records container-level properties (DPI).
func (e *Encoder) SetContainerProps(p codec.Properties) { e.container = p }

// Finalize assembles the PNG byte stream.
func (e *Encoder) Finalize() ([]byte, error) {
	if e.done {
		return nil, errors.Wrap(codec.ErrInvalidParameter, "png: encoder already finalized")
	}
	e.done = true
	if e.frame == nil {
		return nil, errors.Wrap(codec.ErrInvalidParameter, "png: no frame added")
	}

	r, err := codec.NewRaster(e.frame.Image)
	if err != nil {
		return nil, err
	}
	w, h := r.Width(), r.Height()

	var colorType byte
	var raw []byte // scanlines without filter prefixes
	var plte, trns []byte

	switch {
	case isGray(r):
		colorType = ctGray
		g, _ := r.Gray()
		raw = make([]byte, w*h)
		for y := 0; y < h; y++ {
			copy(raw[y*w:], g.Pix[y*g.Stride:y*g.Stride+w])
		}
	case isPaletted(r):
		colorType = ctPalette
		p, _ := r.Paletted()
		plte = make([]byte, 3*len(p.Palette))
		alpha := false
		trns = make([]byte, len(p.Palette))
		for i, c := range p.Palette {
			nc := color.NRGBAModel.Convert(c).(color.NRGBA)
			plte[3*i+0] = nc.R
			plte[3*i+1] = nc.G
			plte[3*i+2] = nc.B
			trns[i] = nc.A
			if nc.A != 255 {
				alpha = true
			}
		}
		if !alpha {
			trns = nil
		}
		raw = make([]byte, w*h)
		for y := 0; y < h; y++ {
			copy(raw[y*w:], p.Pix[y*p.Stride:y*p.Stride+w])
		}
	case r.Opaque():
		colorType = ctTrueColor
		raw = make([]byte, w*h*3)
		row := make([]byte, 4*w)
		for y := 0; y < h; y++ {
			r.RowNRGBA(y, row)
			for x := 0; x < w; x++ {
				raw[(y*w+x)*3+0] = row[4*x+0]
				raw[(y*w+x)*3+1] = row[4*x+1]
				raw[(y*w+x)*3+2] = row[4*x+2]
			}
		}
	default:
		colorType = ctTrueAlpha
		raw = make([]byte, w*h*4)
		for y := 0; y < h; y++ {
			r.RowNRGBA(y, raw[y*w*4:(y+1)*w*4])
		}
	}

	bpp := map[byte]int{ctGray: 1, ctPalette: 1, ctTrueColor: 3, ctTrueAlpha: 4}[colorType]
	filtered := filterImage(raw, w, h, bpp, colorType != ctPalette && colorType != ctGray)

	out := make([]byte, 0, len(filtered)/2+256)
	out = append(out, signature...)

	var ih [13]byte
	binary.BigEndian.PutUint32(ih[0:], uint32(w))
	binary.BigEndian.PutUint32(ih[4:], uint32(h))
	ih[8] = 8
	ih[9] = colorType
	out = appendChunk(out, "IHDR", ih[:])

	if plte != nil {
		out = appendChunk(out, "PLTE", plte)
	}
	if trns != nil {
		out = appendChunk(out, "tRNS", trns)
	}
	if dpi := e.dpi(); dpi > 0 {
		var phys [9]byte
		ppm := uint32(dpi/0.0254 + 0.5)
		binary.BigEndian.PutUint32(phys[0:], ppm)
		binary.BigEndian.PutUint32(phys[4:], ppm)
		phys[8] = 1
		out = appendChunk(out, "pHYs", phys[:])
	}
	out = appendChunk(out, "IDAT", flate.DeflateZlib(filtered))
	out = appendChunk(out, "IEND", nil)
	return out, nil
}

func (e *Encoder) dpi() float64 {
	if e.frame.Props != nil {
		if v := e.frame.Props.GetFloat(codec.KeyDPIWidth, 0); v > 0 {
			return v
		}
	}
	if e.container != nil {
		return e.container.GetFloat(codec.KeyDPIWidth, 0)
	}
	return 0
}

func isGray(r *codec.Raster) bool {
	_, ok := r.Gray()
	return ok
}

func isPaletted(r *codec.Raster) bool {
	_, ok := r.Paletted()
	return ok
}

// filterImage prefixes every scanline with a filter type. For indexed and
// gray data filter 0 is used; for true-color data each row takes the
// filter minimizing the sum of absolute differences of the filtered
// bytes.
func filterImage(raw []byte, w, h, bpp int, choose bool) []byte {
	rowBytes := w * bpp
	out := make([]byte, 0, h*(rowBytes+1))
	cand := make([]byte, rowBytes)
	best := make([]byte, rowBytes)

	for y := 0; y < h; y++ {
		row := raw[y*rowBytes : (y+1)*rowBytes]
		var prev []byte
		if y > 0 {
			prev = raw[(y-1)*rowBytes : y*rowBytes]
		}
		if !choose {
			out = append(out, 0)
			out = append(out, row...)
			continue
		}
		bestType, bestSum := byte(0), -1
		for ft := byte(0); ft <= 4; ft++ {
			applyFilter(cand, row, prev, bpp, ft)
			sum := 0
			for _, v := range cand {
				// Sum of absolute values, treating bytes as signed.
				if v < 128 {
					sum += int(v)
				} else {
					sum += 256 - int(v)
				}
			}
			if bestSum < 0 || sum < bestSum {
				bestType, bestSum = ft, sum
				copy(best, cand)
			}
		}
		out = append(out, bestType)
		out = append(out, best...)
	}
	return out
}

// applyFilter computes the filtered bytes for one row.
func applyFilter(dst, row, prev []byte, bpp int, ft byte) {
	for i := range row {
		var left, up, ul byte
		if i >= bpp {
			left = row[i-bpp]
		}
		if prev != nil {
			up = prev[i]
			if i >= bpp {
				ul = prev[i-bpp]
			}
		}
		switch ft {
		case 0:
			dst[i] = row[i]
		case 1:
			dst[i] = row[i] - left
		case 2:
			dst[i] = row[i] - up
		case 3:
			dst[i] = row[i] - byte((int(left)+int(up))/2)
		case 4:
			dst[i] = row[i] - paeth(left, up, ul)
		}
	}
}

func appendChunk(out []byte, ctype string, body []byte) []byte {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:], uint32(len(body)))
	copy(hdr[4:], ctype)
	out = append(out, hdr[:]...)
	out = append(out, body...)
	crc := crc32.NewIEEE()
	crc.Write([]byte(ctype))
	crc.Write(body)
	var tail [4]byte
	binary.BigEndian.PutUint32(tail[:], crc.Sum32())
	return append(out, tail[:]...)
}

var _ codec.Encoder = (*Encoder)(nil)
