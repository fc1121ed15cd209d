package webp

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/deepteams/imageio/internal/codec"
)

// Encoder assembles the RIFF container around VP8 or VP8L payloads and
// emits ANIM/ANMF chunks when more than one frame was declared.
type Encoder struct {
	opts      codec.EncodeOptions
	declared  int
	container codec.Properties
	frames    []*codec.Frame
	done      bool
}

// NewEncoder creates a WebP encoder for the declared number of frames.
func NewEncoder(declared int, opts *codec.EncodeOptions) (*Encoder, error) {
	if declared < 1 {
		return nil, errors.Wrapf(codec.ErrInvalidParameter, "webp: declared frame count %d", declared)
	}
	return &Encoder{opts: *opts, declared: declared}, nil
}

// AddFrame appends one frame, up to the declared count.
func (e *Encoder) AddFrame(f *codec.Frame) error {
	if e.done {
		return errors.Wrap(codec.ErrInvalidParameter, "webp: encoder already finalized")
	}
	if len(e.frames) >= e.declared {
		return errors.Wrap(codec.ErrInvalidParameter, "webp: frame count exceeded")
	}
	if _, err := codec.NewRaster(f.Image); err != nil {
		return err
	}
	e.frames = append(e.frames, f)
	return nil
}

// SetContainerProps records animation properties (loop count, delay).
func (e *Encoder) SetContainerProps(p codec.Properties) { e.container = p }

// Finalize assembles the WebP byte stream.
func (e *Encoder) Finalize() ([]byte, error) {
	if e.done {
		return nil, errors.Wrap(codec.ErrInvalidParameter, "webp: encoder already finalized")
	}
	e.done = true
	if len(e.frames) != e.declared {
		return nil, errors.Wrapf(codec.ErrInvalidParameter,
			"webp: %d frames added, %d declared", len(e.frames), e.declared)
	}

	if e.declared == 1 {
		payload, fourCC, err := e.encodeFrame(e.frames[0])
		if err != nil {
			return nil, err
		}
		return buildRIFF([]chunk{{fourCC: fourCC, payload: payload}}), nil
	}
	return e.finalizeAnimation()
}

func (e *Encoder) encodeFrame(f *codec.Frame) ([]byte, string, error) {
	r, err := codec.NewRaster(f.Image)
	if err != nil {
		return nil, "", err
	}
	img := r.ToNRGBA()
	if e.opts.Lossless {
		return encodeVP8L(img), fccVP8L, nil
	}
	return encodeVP8(img, e.opts.EffectiveQuality()), fccVP8, nil
}

func (e *Encoder) finalizeAnimation() ([]byte, error) {
	var cw, ch int
	for _, f := range e.frames {
		b := f.Image.Bounds()
		cw = maxInt(cw, b.Dx())
		ch = maxInt(ch, b.Dy())
	}

	var chunks []chunk

	// VP8X: animation + alpha flags, canvas size.
	vp8x := make([]byte, 10)
	vp8x[0] = 0x02 // animation
	if e.opts.Lossless {
		vp8x[0] |= 0x10 // alpha may be present
	}
	put24 := func(b []byte, v int) {
		b[0], b[1], b[2] = byte(v), byte(v>>8), byte(v>>16)
	}
	put24(vp8x[4:], cw-1)
	put24(vp8x[7:], ch-1)
	chunks = append(chunks, chunk{fourCC: fccVP8X, payload: vp8x})

	loop := e.opts.LoopCount
	if e.container != nil {
		loop = int(e.container.GetInt(codec.OptLoopCount, int64(loop)))
	}
	anim := make([]byte, 6)
	binary.LittleEndian.PutUint32(anim[0:], 0) // background color
	binary.LittleEndian.PutUint16(anim[4:], uint16(loop))
	chunks = append(chunks, chunk{fourCC: fccANIM, payload: anim})

	for _, f := range e.frames {
		payload, fourCC, err := e.encodeFrame(f)
		if err != nil {
			return nil, err
		}
		b := f.Image.Bounds()

		duration := int(e.frameDelay(f)*1000 + 0.5)
		anmf := make([]byte, 16, 16+8+len(payload))
		put24(anmf[0:], 0) // x offset / 2
		put24(anmf[3:], 0)
		put24(anmf[6:], b.Dx()-1)
		put24(anmf[9:], b.Dy()-1)
		put24(anmf[12:], duration)
		anmf[15] = anmfBlend // overwrite, no blending

		var sub [8]byte
		copy(sub[0:4], fourCC)
		binary.LittleEndian.PutUint32(sub[4:], uint32(len(payload)))
		anmf = append(anmf, sub[:]...)
		anmf = append(anmf, payload...)
		if len(payload)%2 == 1 {
			anmf = append(anmf, 0)
		}
		chunks = append(chunks, chunk{fourCC: fccANMF, payload: anmf})
	}
	return buildRIFF(chunks), nil
}

func (e *Encoder) frameDelay(f *codec.Frame) float64 {
	if f.Props != nil {
		if v, ok := f.Props[codec.KeyDelayTime]; ok {
			if d, ok := v.AsFloat(); ok {
				return d
			}
		}
	}
	if e.opts.Delay > 0 {
		return e.opts.Delay
	}
	if e.container != nil {
		return e.container.GetFloat(codec.OptDelay, 0.1)
	}
	return 0.1
}

// buildRIFF frames the chunks into a RIFF WEBP file.
func buildRIFF(chunks []chunk) []byte {
	size := 4 // "WEBP"
	for _, c := range chunks {
		size += 8 + len(c.payload) + len(c.payload)&1
	}
	out := make([]byte, 0, 8+size)
	out = append(out, fccRIFF...)
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(size))
	out = append(out, u32[:]...)
	out = append(out, fccWEBP...)
	for _, c := range chunks {
		out = append(out, c.fourCC...)
		binary.LittleEndian.PutUint32(u32[:], uint32(len(c.payload)))
		out = append(out, u32[:]...)
		out = append(out, c.payload...)
		if len(c.payload)%2 == 1 {
			out = append(out, 0)
		}
	}
	return out
}

var _ codec.Encoder = (*Encoder)(nil)
