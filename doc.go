// Package imageio provides a uniform source/destination API for decoding
// and encoding raster images in six container formats: PNG, JPEG, GIF,
// BMP, TIFF, and WebP.
//
// The package is pure Go with no cgo dependencies, targeting constrained
// runtimes (notably WebAssembly) where no host imaging framework is
// available. Every codec, including the compression primitives they
// share (DEFLATE, LZW, median-cut quantization, the VP8 boolean coder),
// is implemented in this module.
//
// Decoding starts from a complete byte slice:
//
//	src, err := imageio.NewSource(data)
//	img, err := src.ImageAt(0)
//
// Encoding writes into a caller-provided buffer, keyed by UTI:
//
//	var buf bytes.Buffer
//	dst, err := imageio.NewDestination(&buf, imageio.UTIPNG, 1, nil)
//	err = dst.AddImage(img, nil)
//	err = dst.Finalize()
//
// All codec objects are single-owner: the API forbids concurrent calls
// against the same Source or Destination, while independent instances
// are safe to use from independent goroutines.
package imageio
