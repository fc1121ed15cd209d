package webp

import (
	"encoding/binary"
	"image"
	"image/draw"

	"github.com/pkg/errors"

	"github.com/deepteams/imageio/internal/codec"
)

// ANMF frame flags.
const (
	anmfBlend   = 0x02 // bit 1: do not blend when set
	anmfDispose = 0x01 // bit 0: dispose to background when set
)

// animDecoder composites ANMF frames against the canvas, emitting
// full-canvas frames like the GIF decoder does.
type animDecoder struct {
	bg        uint32
	loopCount int
	canvas    *image.NRGBA
}

// decodeFrame parses one ANMF chunk and returns the composited frame.
func (a *animDecoder) decodeFrame(payload []byte) (*codec.Frame, error) {
	if len(payload) < 16 {
		return nil, errors.Wrap(codec.ErrTruncated, "webp: ANMF header")
	}
	read24 := func(off int) int {
		return int(payload[off]) | int(payload[off+1])<<8 | int(payload[off+2])<<16
	}
	fx := read24(0) * 2
	fy := read24(3) * 2
	fw := read24(6) + 1
	fh := read24(9) + 1
	duration := read24(12)
	flags := payload[15]

	// Frame image data: sub-chunks (optional ALPH, then VP8/VP8L).
	var alpha []byte
	var img *image.NRGBA
	pos := 16
	for pos+8 <= len(payload) {
		fcc := string(payload[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(payload[pos+4:]))
		pos += 8
		if pos+size > len(payload) {
			return nil, errors.Wrap(codec.ErrTruncated, "webp: ANMF sub-chunk")
		}
		body := payload[pos : pos+size]
		pos += size + size&1
		switch fcc {
		case fccALPH:
			alpha = body
		case fccVP8, fccVP8L:
			var err error
			img, err = decodeFrameChunk(fcc, body, alpha)
			if err != nil {
				return nil, err
			}
		}
	}
	if img == nil {
		return nil, errors.Wrap(codec.ErrMalformed, "webp: ANMF without image data")
	}
	fb := img.Bounds()
	if fb.Dx() != fw || fb.Dy() != fh {
		return nil, errors.Wrap(codec.ErrMalformed, "webp: ANMF size mismatch")
	}

	if a.canvas == nil {
		a.canvas = image.NewNRGBA(image.Rect(0, 0, fx+fw, fy+fh))
	}
	if fx+fw > a.canvas.Bounds().Dx() || fy+fh > a.canvas.Bounds().Dy() {
		grown := image.NewNRGBA(image.Rect(0, 0,
			maxInt(fx+fw, a.canvas.Bounds().Dx()), maxInt(fy+fh, a.canvas.Bounds().Dy())))
		draw.Draw(grown, a.canvas.Bounds(), a.canvas, image.Point{}, draw.Src)
		a.canvas = grown
	}

	dst := image.Rect(fx, fy, fx+fw, fy+fh)
	if flags&anmfBlend == 0 {
		// Alpha-blend the frame over the canvas.
		draw.Draw(a.canvas, dst, img, image.Point{}, draw.Over)
	} else {
		draw.Draw(a.canvas, dst, img, image.Point{}, draw.Src)
	}

	out := image.NewNRGBA(a.canvas.Bounds())
	copy(out.Pix, a.canvas.Pix)

	if flags&anmfDispose != 0 {
		// Dispose to background: clear the frame rectangle.
		draw.Draw(a.canvas, dst, image.Transparent, image.Point{}, draw.Src)
	}

	props := codec.Properties{
		codec.KeyPixelWidth:  codec.Int(int64(out.Bounds().Dx())),
		codec.KeyPixelHeight: codec.Int(int64(out.Bounds().Dy())),
		codec.KeyColorModel:  codec.String("RGB"),
		codec.KeyDepth:       codec.Int(8),
		codec.KeyDelayTime:   codec.Float(float64(duration) / 1000),
		codec.KeyLoopCount:   codec.Int(int64(a.loopCount)),
	}
	return &codec.Frame{Image: out, Props: props}, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
