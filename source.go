package imageio

import (
	"image"

	"github.com/pkg/errors"

	"github.com/deepteams/imageio/internal/bmp"
	"github.com/deepteams/imageio/internal/codec"
	"github.com/deepteams/imageio/internal/gif"
	"github.com/deepteams/imageio/internal/jpeg"
	"github.com/deepteams/imageio/internal/png"
	"github.com/deepteams/imageio/internal/tiff"
	"github.com/deepteams/imageio/internal/webp"
)

// Source decodes an image container. It is created from a complete byte
// buffer, decodes all frames eagerly, and must not be shared across
// concurrent calls.
type Source struct {
	format Format
	seq    *codec.Sequence
}

// NewSource sniffs and decodes data. It returns ErrUnknownFormat when no
// magic matches, or the decoder's error for malformed input.
func NewSource(data []byte) (*Source, error) {
	format := Sniff(data)

	var seq *codec.Sequence
	var err error
	switch format {
	case FormatPNG:
		seq, err = png.Decode(data)
	case FormatJPEG:
		seq, err = jpeg.Decode(data)
	case FormatGIF:
		seq, err = gif.Decode(data)
	case FormatBMP:
		seq, err = bmp.Decode(data)
	case FormatTIFF:
		seq, err = tiff.Decode(data)
	case FormatWebP:
		seq, err = webp.Decode(data)
	default:
		return nil, errors.Wrap(ErrUnknownFormat, "imageio: sniff failed")
	}
	if err != nil {
		return nil, err
	}
	return &Source{format: format, seq: seq}, nil
}

// Format returns the sniffed container format.
func (s *Source) Format() Format { return s.format }

// Count returns the number of images in the container.
func (s *Source) Count() int { return s.seq.Count() }

// PrimaryIndex returns the index of the container's primary image,
// which is 0 for every supported format.
func (s *Source) PrimaryIndex() int { return 0 }

// ImageAt returns the decoded raster of image index.
func (s *Source) ImageAt(index int) (image.Image, error) {
	if index < 0 || index >= s.seq.Count() {
		return nil, errors.Wrapf(ErrInvalidParameter, "imageio: image index %d of %d", index, s.seq.Count())
	}
	return s.seq.Frames[index].Image, nil
}

// PropertiesAt returns the per-frame properties of image index.
func (s *Source) PropertiesAt(index int) (Properties, error) {
	if index < 0 || index >= s.seq.Count() {
		return nil, errors.Wrapf(ErrInvalidParameter, "imageio: image index %d of %d", index, s.seq.Count())
	}
	return s.seq.Frames[index].Props, nil
}

// ContainerProperties returns container-level properties: the loop count
// when the container records one. Global palette presence is not reported.
func (s *Source) ContainerProperties() Properties { return s.seq.Props }

// AuxiliaryInfo returns an opaque auxiliary payload of the given kind
// (AuxHDRGainMap, AuxXMP, AuxEXIF) attached to image index, or nil when
// none exists.
func (s *Source) AuxiliaryInfo(index int, kind string) (*AuxiliaryInfo, error) {
	if index < 0 || index >= s.seq.Count() {
		return nil, errors.Wrapf(ErrInvalidParameter, "imageio: image index %d of %d", index, s.seq.Count())
	}
	aux := s.seq.Frames[index].Aux
	if aux == nil {
		return nil, nil
	}
	return aux[kind], nil
}
