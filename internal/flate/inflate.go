// Package flate implements raw DEFLATE (RFC 1951) decompression and a
// fixed-Huffman compressor, plus the zlib (RFC 1950) framing with
// Adler-32 used by PNG.
package flate

import (
	"github.com/pkg/errors"

	"github.com/deepteams/imageio/internal/bitio"
	"github.com/deepteams/imageio/internal/codec"
)

// maxWindow is the DEFLATE sliding window size.
const maxWindow = 32 * 1024

// RFC 1951 length code base values and extra bits for codes 257..285.
var (
	lengthBase = [29]int{
		3, 4, 5, 6, 7, 8, 9, 10, 11, 13, 15, 17, 19, 23, 27, 31,
		35, 43, 51, 59, 67, 83, 99, 115, 131, 163, 195, 227, 258,
	}
	lengthExtra = [29]uint{
		0, 0, 0, 0, 0, 0, 0, 0, 1, 1, 1, 1, 2, 2, 2, 2,
		3, 3, 3, 3, 4, 4, 4, 4, 5, 5, 5, 5, 0,
	}
	distBase = [30]int{
		1, 2, 3, 4, 5, 7, 9, 13, 17, 25, 33, 49, 65, 97, 129, 193,
		257, 385, 513, 769, 1025, 1537, 2049, 3073, 4097, 6145, 8193,
		12289, 16385, 24577,
	}
	distExtra = [30]uint{
		0, 0, 0, 0, 1, 1, 2, 2, 3, 3, 4, 4, 5, 5, 6, 6,
		7, 7, 8, 8, 9, 9, 10, 10, 11, 11, 12, 12, 13, 13,
	}
	// Order in which code-length code lengths are stored in a dynamic
	// block header.
	clcOrder = [19]int{16, 17, 18, 0, 8, 7, 9, 6, 10, 5, 11, 4, 12, 3, 13, 2, 14, 1, 15}
)

// huffman is a canonical prefix decoder over code lengths, decoded one
// bit at a time against per-length first-code boundaries.
type huffman struct {
	count  [16]int // number of codes per bit length
	symbol []int   // symbols ordered by (length, symbol)
}

func newHuffman(lengths []int) (*huffman, error) {
	h := &huffman{symbol: make([]int, 0, len(lengths))}
	for _, l := range lengths {
		if l < 0 || l > 15 {
			return nil, errors.Wrap(codec.ErrMalformed, "flate: code length out of range")
		}
		h.count[l]++
	}
	if h.count[0] == len(lengths) {
		// No codes at all; tolerated (only legal for an unused distance tree).
		return h, nil
	}
	// Reject an over-subscribed set of lengths; incomplete sets are
	// accepted.
	left := 1
	for l := 1; l <= 15; l++ {
		left <<= 1
		left -= h.count[l]
		if left < 0 {
			return nil, errors.Wrap(codec.ErrMalformed, "flate: over-subscribed code lengths")
		}
	}
	offs := make([]int, 16)
	for l := 1; l < 15; l++ {
		offs[l+1] = offs[l] + h.count[l]
	}
	h.symbol = make([]int, len(lengths))
	for sym, l := range lengths {
		if l != 0 {
			h.symbol[offs[l]] = sym
			offs[l]++
		}
	}
	return h, nil
}

// decode reads bits until a code resolves to a symbol.
func (h *huffman) decode(r *bitio.LSBReader) (int, error) {
	code, first, index := 0, 0, 0
	for l := 1; l <= 15; l++ {
		b, err := r.Read(1)
		if err != nil {
			return 0, err
		}
		code |= int(b)
		count := h.count[l]
		if code-first < count {
			return h.symbol[index+code-first], nil
		}
		index += count
		first = (first + count) << 1
		code <<= 1
	}
	return 0, errors.Wrap(codec.ErrMalformed, "flate: invalid Huffman code")
}

// fixed literal/length and distance decoders, built once.
func fixedDecoders() (*huffman, *huffman) {
	litLen := make([]int, 288)
	for i := range litLen {
		switch {
		case i < 144:
			litLen[i] = 8
		case i < 256:
			litLen[i] = 9
		case i < 280:
			litLen[i] = 7
		default:
			litLen[i] = 8
		}
	}
	dist := make([]int, 30)
	for i := range dist {
		dist[i] = 5
	}
	lh, _ := newHuffman(litLen)
	dh, _ := newHuffman(dist)
	return lh, dh
}

// Inflate decompresses a raw RFC 1951 stream.
func Inflate(data []byte) ([]byte, error) {
	r := bitio.NewLSBReader(data)
	out := []byte{}

	for {
		final, err := r.Read(1)
		if err != nil {
			return nil, err
		}
		btype, err := r.Read(2)
		if err != nil {
			return nil, err
		}

		switch btype {
		case 0:
			out, err = inflateStored(r, out)
		case 1:
			lh, dh := fixedDecoders()
			out, err = inflateBlock(r, out, lh, dh)
		case 2:
			var lh, dh *huffman
			lh, dh, err = readDynamicHeader(r)
			if err == nil {
				out, err = inflateBlock(r, out, lh, dh)
			}
		default:
			err = errors.Wrap(codec.ErrMalformed, "flate: reserved block type")
		}
		if err != nil {
			return nil, err
		}
		if final != 0 {
			return out, nil
		}
	}
}

func inflateStored(r *bitio.LSBReader, out []byte) ([]byte, error) {
	r.AlignToByte()
	hdr, err := r.ReadBytes(4)
	if err != nil {
		return nil, err
	}
	n := int(hdr[0]) | int(hdr[1])<<8
	inv := int(hdr[2]) | int(hdr[3])<<8
	if n != inv^0xFFFF {
		return nil, errors.Wrap(codec.ErrMalformed, "flate: stored block length check failed")
	}
	body, err := r.ReadBytes(n)
	if err != nil {
		return nil, err
	}
	return append(out, body...), nil
}

func readDynamicHeader(r *bitio.LSBReader) (*huffman, *huffman, error) {
	hlit, err := r.Read(5)
	if err != nil {
		return nil, nil, err
	}
	hdist, err := r.Read(5)
	if err != nil {
		return nil, nil, err
	}
	hclen, err := r.Read(4)
	if err != nil {
		return nil, nil, err
	}
	nlit, ndist, nclen := int(hlit)+257, int(hdist)+1, int(hclen)+4
	if nlit > 286 || ndist > 30 {
		return nil, nil, errors.Wrap(codec.ErrMalformed, "flate: too many codes in dynamic header")
	}

	clcLens := make([]int, 19)
	for i := 0; i < nclen; i++ {
		v, err := r.Read(3)
		if err != nil {
			return nil, nil, err
		}
		clcLens[clcOrder[i]] = int(v)
	}
	clc, err := newHuffman(clcLens)
	if err != nil {
		return nil, nil, err
	}

	// Literal/length and distance code lengths share one run-length
	// encoded sequence.
	lens := make([]int, 0, nlit+ndist)
	for len(lens) < nlit+ndist {
		sym, err := clc.decode(r)
		if err != nil {
			return nil, nil, err
		}
		switch {
		case sym < 16:
			lens = append(lens, sym)
		case sym == 16:
			if len(lens) == 0 {
				return nil, nil, errors.Wrap(codec.ErrMalformed, "flate: repeat with no previous length")
			}
			n, err := r.Read(2)
			if err != nil {
				return nil, nil, err
			}
			prev := lens[len(lens)-1]
			for i := 0; i < int(n)+3; i++ {
				lens = append(lens, prev)
			}
		case sym == 17:
			n, err := r.Read(3)
			if err != nil {
				return nil, nil, err
			}
			for i := 0; i < int(n)+3; i++ {
				lens = append(lens, 0)
			}
		default: // 18
			n, err := r.Read(7)
			if err != nil {
				return nil, nil, err
			}
			for i := 0; i < int(n)+11; i++ {
				lens = append(lens, 0)
			}
		}
	}
	if len(lens) != nlit+ndist {
		return nil, nil, errors.Wrap(codec.ErrMalformed, "flate: code length run overflows header counts")
	}
	if lens[256] == 0 {
		return nil, nil, errors.Wrap(codec.ErrMalformed, "flate: missing end-of-block code")
	}

	lh, err := newHuffman(lens[:nlit])
	if err != nil {
		return nil, nil, err
	}
	dh, err := newHuffman(lens[nlit:])
	if err != nil {
		return nil, nil, err
	}
	return lh, dh, nil
}

func inflateBlock(r *bitio.LSBReader, out []byte, lh, dh *huffman) ([]byte, error) {
	for {
		sym, err := lh.decode(r)
		if err != nil {
			return nil, err
		}
		switch {
		case sym < 256:
			out = append(out, byte(sym))
		case sym == 256:
			return out, nil
		case sym <= 285:
			length := lengthBase[sym-257]
			if e := lengthExtra[sym-257]; e > 0 {
				v, err := r.Read(e)
				if err != nil {
					return nil, err
				}
				length += int(v)
			}
			dsym, err := dh.decode(r)
			if err != nil {
				return nil, err
			}
			if dsym >= 30 {
				return nil, errors.Wrap(codec.ErrMalformed, "flate: invalid distance code")
			}
			dist := distBase[dsym]
			if e := distExtra[dsym]; e > 0 {
				v, err := r.Read(e)
				if err != nil {
					return nil, err
				}
				dist += int(v)
			}
			if dist > len(out) || dist > maxWindow {
				return nil, errors.Wrap(codec.ErrMalformed, "flate: distance beyond window")
			}
			// Byte-wise copy: source and destination may overlap.
			start := len(out) - dist
			for i := 0; i < length; i++ {
				out = append(out, out[start+i])
			}
		default:
			return nil, errors.Wrap(codec.ErrMalformed, "flate: invalid literal/length code")
		}
	}
}
