// Package codec holds the types shared by every format codec in imageio:
// the decoded frame/sequence model, the tagged property value, the common
// error kinds, and the raster accessor used by encoders.
//
// The package is a leaf: it imports nothing from the rest of the module,
// so the per-format packages and the public facade can both depend on it.
package codec

import "errors"

// Error kinds. Codecs wrap these with context via github.com/pkg/errors;
// callers test with errors.Is.
var (
	// ErrUnknownFormat is returned when the sniffer matches no magic bytes.
	ErrUnknownFormat = errors.New("imageio: unknown format")

	// ErrUnsupported is returned when a recognized container requests a
	// feature outside the supported subset (progressive JPEG, compressed
	// TIFF, exotic BMP bit depths, ...).
	ErrUnsupported = errors.New("imageio: unsupported feature")

	// ErrTruncated is returned when a reader reaches end of input in the
	// middle of a structure.
	ErrTruncated = errors.New("imageio: truncated data")

	// ErrMalformed is returned on structural violations: bad chunk CRCs,
	// invalid Huffman trees, markers out of order.
	ErrMalformed = errors.New("imageio: malformed data")

	// ErrChecksumMismatch is returned when a CRC-32 or Adler-32 stored in
	// the stream does not match the computed value.
	ErrChecksumMismatch = errors.New("imageio: checksum mismatch")

	// ErrInvalidParameter is returned on API misuse: adding more frames
	// than declared, finalizing twice, unknown UTIs, oversized palettes.
	ErrInvalidParameter = errors.New("imageio: invalid parameter")

	// ErrOutOfBounds is returned when a pixel index escapes its palette or
	// declared dimensions exceed the backing buffer.
	ErrOutOfBounds = errors.New("imageio: out of bounds")
)
