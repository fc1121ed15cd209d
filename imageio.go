package imageio

import (
	"github.com/deepteams/imageio/internal/codec"
)

// Error kinds returned by sources and destinations. Wrapped errors are
// matched with errors.Is.
var (
	ErrUnknownFormat    = codec.ErrUnknownFormat
	ErrUnsupported      = codec.ErrUnsupported
	ErrTruncated        = codec.ErrTruncated
	ErrMalformed        = codec.ErrMalformed
	ErrChecksumMismatch = codec.ErrChecksumMismatch
	ErrInvalidParameter = codec.ErrInvalidParameter
	ErrOutOfBounds      = codec.ErrOutOfBounds
)

// Uniform type identifiers accepted by NewDestination.
const (
	UTIPNG  = "public.png"
	UTIJPEG = "public.jpeg"
	UTIGIF  = "com.compuserve.gif"
	UTIBMP  = "com.microsoft.bmp"
	UTITIFF = "public.tiff"
	UTIWebP = "org.webmproject.webp"
)

// Value is the tagged variant carried by property maps.
type Value = codec.Value

// Properties maps property keys to tagged values.
type Properties = codec.Properties

// Typed Value constructors, re-exported from the codec layer.
var (
	String = codec.String
	Int    = codec.Int
	Float  = codec.Float
	Bool   = codec.Bool
	Bytes  = codec.Bytes
	List   = codec.List
	Map    = codec.Map
)

// Property keys produced by decoders.
const (
	KeyPixelWidth  = codec.KeyPixelWidth
	KeyPixelHeight = codec.KeyPixelHeight
	KeyColorModel  = codec.KeyColorModel
	KeyDepth       = codec.KeyDepth
	KeyDPIWidth    = codec.KeyDPIWidth
	KeyDPIHeight   = codec.KeyDPIHeight
	KeyDelayTime   = codec.KeyDelayTime
	KeyDisposal    = codec.KeyDisposal
	KeyLoopCount   = codec.KeyLoopCount
	KeyHasAlpha    = codec.KeyHasAlpha
)

// Auxiliary info kinds for Source.AuxiliaryInfo.
const (
	AuxHDRGainMap = codec.AuxHDRGainMap
	AuxXMP        = codec.AuxXMP
	AuxEXIF       = codec.AuxEXIF
)

// AuxiliaryInfo is an opaque per-image payload (HDR gain map, XMP
// packet) with a parsed description.
type AuxiliaryInfo = codec.Auxiliary
