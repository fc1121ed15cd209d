// Package webp implements the WebP codec: the RIFF container, VP8L
// lossless and VP8 lossy bitstreams, and ANIM/ANMF animation, for both
// decoding and encoding.
package webp

import (
	"encoding/binary"
	"image"

	"github.com/pkg/errors"

	"github.com/deepteams/imageio/internal/codec"
)

// Chunk FourCCs.
const (
	fccRIFF = "RIFF"
	fccWEBP = "WEBP"
	fccVP8  = "VP8 "
	fccVP8L = "VP8L"
	fccVP8X = "VP8X"
	fccANIM = "ANIM"
	fccANMF = "ANMF"
	fccALPH = "ALPH"
	fccEXIF = "EXIF"
	fccXMP  = "XMP "
)

// chunk is one RIFF chunk.
type chunk struct {
	fourCC  string
	payload []byte
}

// parseRIFF splits a WebP file into its chunks, validating the RIFF
// framing.
func parseRIFF(data []byte) ([]chunk, error) {
	if len(data) < 12 {
		return nil, errors.Wrap(codec.ErrTruncated, "webp: shorter than RIFF header")
	}
	if string(data[0:4]) != fccRIFF || string(data[8:12]) != fccWEBP {
		return nil, errors.Wrap(codec.ErrMalformed, "webp: not a RIFF WEBP file")
	}
	end := int(binary.LittleEndian.Uint32(data[4:])) + 8
	if end > len(data) {
		end = len(data)
	}

	var chunks []chunk
	pos := 12
	for pos+8 <= end {
		fcc := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4:]))
		pos += 8
		if pos+size > end {
			return nil, errors.Wrapf(codec.ErrTruncated, "webp: chunk %q body", fcc)
		}
		chunks = append(chunks, chunk{fourCC: fcc, payload: data[pos : pos+size]})
		pos += size + size&1 // chunks are 2-byte aligned
	}
	return chunks, nil
}

// Decode parses a complete WebP byte stream into a frame sequence.
// Animated files are composited frame by frame against the canvas.
func Decode(data []byte) (*codec.Sequence, error) {
	chunks, err := parseRIFF(data)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, errors.Wrap(codec.ErrMalformed, "webp: no chunks")
	}

	seq := &codec.Sequence{Props: codec.Properties{}}
	aux := map[string]*codec.Auxiliary{}
	var anim *animDecoder
	var pendingAlpha []byte

	for _, c := range chunks {
		switch c.fourCC {
		case fccVP8X:
			// Canvas size and feature flags; individual features are
			// re-derived from the image chunks themselves.
			if len(c.payload) < 10 {
				return nil, errors.Wrap(codec.ErrTruncated, "webp: VP8X")
			}
		case fccANIM:
			if len(c.payload) < 6 {
				return nil, errors.Wrap(codec.ErrTruncated, "webp: ANIM")
			}
			anim = &animDecoder{
				bg:        binary.LittleEndian.Uint32(c.payload[0:]),
				loopCount: int(binary.LittleEndian.Uint16(c.payload[4:])),
			}
			seq.Props[codec.KeyLoopCount] = codec.Int(int64(anim.loopCount))
		case fccANMF:
			if anim == nil {
				return nil, errors.Wrap(codec.ErrMalformed, "webp: ANMF without ANIM")
			}
			frame, err := anim.decodeFrame(c.payload)
			if err != nil {
				return nil, err
			}
			seq.Frames = append(seq.Frames, *frame)
		case fccALPH:
			pendingAlpha = c.payload
		case fccVP8, fccVP8L:
			img, err := decodeFrameChunk(c.fourCC, c.payload, pendingAlpha)
			pendingAlpha = nil
			if err != nil {
				return nil, err
			}
			seq.Frames = append(seq.Frames, *stillFrame(img, c.fourCC == fccVP8L))
		case fccEXIF:
			aux[codec.AuxEXIF] = &codec.Auxiliary{Data: c.payload}
		case fccXMP:
			aux[codec.AuxXMP] = &codec.Auxiliary{Data: c.payload}
		default:
			// Unknown chunks are skipped.
		}
	}

	if len(seq.Frames) == 0 {
		return nil, errors.Wrap(codec.ErrMalformed, "webp: no image chunks")
	}
	if len(aux) > 0 {
		for k, v := range aux {
			if seq.Frames[0].Aux == nil {
				seq.Frames[0].Aux = map[string]*codec.Auxiliary{}
			}
			seq.Frames[0].Aux[k] = v
		}
	}
	return seq, nil
}

// decodeFrameChunk decodes a VP8 or VP8L payload, applying a separate
// ALPH plane to lossy frames when present.
func decodeFrameChunk(fourCC string, payload, alpha []byte) (*image.NRGBA, error) {
	if fourCC == fccVP8L {
		return decodeVP8L(payload)
	}
	img, err := decodeVP8(payload)
	if err != nil {
		return nil, err
	}
	if alpha != nil {
		if err := applyAlphaPlane(img, alpha); err != nil {
			return nil, err
		}
	}
	return img, nil
}

func stillFrame(img *image.NRGBA, lossless bool) *codec.Frame {
	b := img.Bounds()
	model := "RGB"
	props := codec.Properties{
		codec.KeyPixelWidth:  codec.Int(int64(b.Dx())),
		codec.KeyPixelHeight: codec.Int(int64(b.Dy())),
		codec.KeyColorModel:  codec.String(model),
		codec.KeyDepth:       codec.Int(8),
		codec.KeyHasAlpha:    codec.Bool(lossless && !nrgbaOpaque(img)),
	}
	return &codec.Frame{Image: img, Props: props}
}

func nrgbaOpaque(img *image.NRGBA) bool {
	for i := 3; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 255 {
			return false
		}
	}
	return true
}

// applyAlphaPlane decodes an ALPH chunk (only the uncompressed filtering
// method 0 subset) onto the image's alpha channel.
func applyAlphaPlane(img *image.NRGBA, alph []byte) error {
	if len(alph) < 1 {
		return errors.Wrap(codec.ErrTruncated, "webp: ALPH header")
	}
	method := (alph[0] >> 0) & 0x03
	if method != 0 {
		return errors.Wrap(codec.ErrUnsupported, "webp: compressed alpha plane")
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if len(alph) < 1+w*h {
		return errors.Wrap(codec.ErrTruncated, "webp: ALPH plane")
	}
	plane := alph[1:]
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Pix[y*img.Stride+4*x+3] = plane[y*w+x]
		}
	}
	return nil
}
