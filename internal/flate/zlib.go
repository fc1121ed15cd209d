package flate

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/deepteams/imageio/internal/codec"
)

// adlerMod is the largest prime smaller than 65536 (RFC 1950).
const adlerMod = 65521

// Adler32 computes the RFC 1950 checksum of p.
func Adler32(p []byte) uint32 {
	s1, s2 := uint32(1), uint32(0)
	for len(p) > 0 {
		// 5552 is the largest n with no uint32 overflow before reduction.
		n := len(p)
		if n > 5552 {
			n = 5552
		}
		for _, b := range p[:n] {
			s1 += uint32(b)
			s2 += s1
		}
		s1 %= adlerMod
		s2 %= adlerMod
		p = p[n:]
	}
	return s2<<16 | s1
}

// InflateZlib decompresses an RFC 1950 stream, verifying the header and
// the Adler-32 trailer.
func InflateZlib(data []byte) ([]byte, error) {
	if len(data) < 6 {
		return nil, errors.Wrap(codec.ErrTruncated, "zlib: stream shorter than header and trailer")
	}
	cmf, flg := data[0], data[1]
	if cmf&0x0F != 8 {
		return nil, errors.Wrap(codec.ErrUnsupported, "zlib: compression method is not deflate")
	}
	if (uint16(cmf)<<8|uint16(flg))%31 != 0 {
		return nil, errors.Wrap(codec.ErrMalformed, "zlib: header check failed")
	}
	if flg&0x20 != 0 {
		return nil, errors.Wrap(codec.ErrUnsupported, "zlib: preset dictionary")
	}

	out, err := Inflate(data[2 : len(data)-4])
	if err != nil {
		return nil, err
	}
	want := binary.BigEndian.Uint32(data[len(data)-4:])
	if got := Adler32(out); got != want {
		return nil, errors.Wrapf(codec.ErrChecksumMismatch, "zlib: adler32 %08x != %08x", got, want)
	}
	return out, nil
}

// DeflateZlib compresses data into an RFC 1950 stream: a 2-byte header,
// the raw deflate body, and the big-endian Adler-32 of the input.
func DeflateZlib(data []byte) []byte {
	body := Deflate(data)
	out := make([]byte, 0, len(body)+6)
	// CM=8, CINFO=7 (32K window), FCHECK making the header a multiple of 31.
	out = append(out, 0x78, 0x9C)
	out = append(out, body...)
	var trailer [4]byte
	binary.BigEndian.PutUint32(trailer[:], Adler32(data))
	return append(out, trailer[:]...)
}
