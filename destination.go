package imageio

import (
	"bytes"
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

// Encoder option keys recognized in the options map passed to
// NewDestination.
const (
	OptLossyQuality  = codec.OptLossyQuality  // float in [0,1]; JPEG, WebP
	OptLossless      = codec.OptLossless      // bool; WebP
	OptPreserveAlpha = codec.OptPreserveAlpha // bool; BMP
	OptDelay         = codec.OptDelay         // float seconds; GIF, WebP animation
	OptLoopCount     = codec.OptLoopCount     // int, 0 = infinite; GIF, WebP animation
	OptDither        = codec.OptDither        // bool; GIF
)

// destState is the encoder life-cycle state machine.
type destState int

const (
	stateAccepting destState = iota
	stateFinalized
	stateFailed
)

// Destination encodes a sequence of images into a caller-provided
// buffer. It accepts frames one at a time and is consumed by Finalize.
type Destination struct {
	sink     *bytes.Buffer
	enc      codec.Encoder
	declared int
	added    int
	state    destState
}

// NewDestination creates an encoder for the given UTI writing into sink.
// Unknown UTIs yield ErrInvalidParameter.
func NewDestination(sink *bytes.Buffer, uti string, count int, options Properties) (*Destination, error) {
	if sink == nil {
		return nil, errors.Wrap(ErrInvalidParameter, "imageio: nil sink")
	}
	if count < 1 {
		return nil, errors.Wrapf(ErrInvalidParameter, "imageio: declared image count %d", count)
	}
	opts := parseOptions(options)

	var enc codec.Encoder
	var err error
	switch uti {
	case UTIPNG:
		enc, err = png.NewEncoder(count, opts)
	case UTIJPEG:
		enc, err = jpeg.NewEncoder(count, opts)
	case UTIGIF:
		enc, err = gif.NewEncoder(count, opts)
	case UTIBMP:
		enc, err = bmp.NewEncoder(count, opts)
	case UTITIFF:
		enc, err = tiff.NewEncoder(count, opts)
	case UTIWebP:
		enc, err = webp.NewEncoder(count, opts)
	default:
		return nil, errors.Wrapf(ErrInvalidParameter, "imageio: unknown UTI %q", uti)
	}
	if err != nil {
		return nil, err
	}
	return &Destination{sink: sink, enc: enc, declared: count}, nil
}

// parseOptions converts the untyped options map to the codec option
// struct, ignoring unknown keys.
func parseOptions(p Properties) *codec.EncodeOptions {
	o := &codec.EncodeOptions{}
	if p == nil {
		return o
	}
	o.Quality = p.GetFloat(OptLossyQuality, 0)
	o.Lossless = p.GetBool(OptLossless, false)
	o.PreserveAlpha = p.GetBool(OptPreserveAlpha, false)
	o.Delay = p.GetFloat(OptDelay, 0)
	o.LoopCount = int(p.GetInt(OptLoopCount, 0))
	o.Dither = p.GetBool(OptDither, false)
	return o
}

// AddImage appends one frame with optional per-frame properties.
func (d *Destination) AddImage(img image.Image, props Properties) error {
	if d.state != stateAccepting {
		return errors.Wrap(ErrInvalidParameter, "imageio: destination no longer accepts images")
	}
	if img == nil {
		return errors.Wrap(ErrInvalidParameter, "imageio: nil image")
	}
	if d.added >= d.declared {
		return errors.Wrapf(ErrInvalidParameter, "imageio: image count %d exceeded", d.declared)
	}
	if err := d.enc.AddFrame(&codec.Frame{Image: img, Props: props}); err != nil {
		return err
	}
	d.added++
	return nil
}

// SetContainerProperties records container-level properties, e.g.
// {delay, loopCount} for animations.
func (d *Destination) SetContainerProperties(props Properties) {
	if d.state == stateAccepting {
		d.enc.SetContainerProps(props)
	}
}

// Finalize encodes the accepted frames into the sink. After Finalize,
// successful or not, the destination rejects all further calls.
func (d *Destination) Finalize() error {
	if d.state != stateAccepting {
		return errors.Wrap(ErrInvalidParameter, "imageio: destination already finalized")
	}
	out, err := d.enc.Finalize()
	if err != nil {
		d.state = stateFailed
		return err
	}
	if _, err := d.sink.Write(out); err != nil {
		d.state = stateFailed
		return err
	}
	d.state = stateFinalized
	return nil
}
