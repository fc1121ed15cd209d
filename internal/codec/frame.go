package codec

import "image"

// Auxiliary is an opaque payload attached to a frame (JPEG gain maps,
// XMP packets). Data is the raw bytes as stored in the container;
// Description carries whatever key/value header fields the codec parsed
// without interpreting the payload itself.
type Auxiliary struct {
	Data        []byte
	Description Properties
}

// Auxiliary info kinds.
const (
	AuxHDRGainMap = "hdr-gain-map"
	AuxXMP        = "xmp"
	AuxEXIF       = "exif"
)

// Frame is one decoded image in a sequence together with its per-frame
// properties and any auxiliary payloads.
type Frame struct {
	Image image.Image
	Props Properties
	Aux   map[string]*Auxiliary
}

// Sequence is an ordered list of decoded frames plus container-level
// properties. The decoders record only the loop count there; global
// palette presence and RIFF flags are not recorded.
type Sequence struct {
	Frames []Frame
	Props  Properties
}

// Count returns the number of frames in the sequence.
func (s *Sequence) Count() int { return len(s.Frames) }

// EncodeOptions is the typed form of the destination options map. Zero
// value means: quality 0.75, lossy, no alpha preservation, no dithering.
type EncodeOptions struct {
	Quality       float64 // lossy-quality in [0,1]; 0 means default 0.75
	Lossless      bool
	PreserveAlpha bool
	Delay         float64 // per-frame delay, seconds
	LoopCount     int     // 0 = infinite
	Dither        bool
}

// EffectiveQuality returns the quality in [0,1], substituting the default
// when the option was not set.
func (o *EncodeOptions) EffectiveQuality() float64 {
	if o.Quality <= 0 {
		return 0.75
	}
	if o.Quality > 1 {
		return 1
	}
	return o.Quality
}

// Encoder is implemented by every per-format encoder. Frames are appended
// one at a time; Finalize returns the complete container bytes. After
// Finalize (successful or not) the encoder must reject further calls.
type Encoder interface {
	AddFrame(f *Frame) error
	SetContainerProps(p Properties)
	Finalize() ([]byte, error)
}
