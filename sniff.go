package imageio

// Format is the sniffed container format of a byte stream.
type Format int

const (
	FormatUnknown Format = iota
	FormatPNG
	FormatJPEG
	FormatGIF
	FormatBMP
	FormatTIFF
	FormatWebP
)

// String returns the format's UTI, or "" for FormatUnknown.
func (f Format) String() string {
	switch f {
	case FormatPNG:
		return UTIPNG
	case FormatJPEG:
		return UTIJPEG
	case FormatGIF:
		return UTIGIF
	case FormatBMP:
		return UTIBMP
	case FormatTIFF:
		return UTITIFF
	case FormatWebP:
		return UTIWebP
	}
	return ""
}

// Sniff inspects up to the first 12 bytes of data and returns the
// detected format. It is total: any input, including an empty slice,
// yields a format tag or FormatUnknown.
func Sniff(data []byte) Format {
	switch {
	case hasPrefix(data, 0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A):
		return FormatPNG
	case hasPrefix(data, 0xFF, 0xD8, 0xFF):
		return FormatJPEG
	case hasPrefix(data, 'G', 'I', 'F', '8', '7', 'a'),
		hasPrefix(data, 'G', 'I', 'F', '8', '9', 'a'):
		return FormatGIF
	case hasPrefix(data, 'B', 'M'):
		return FormatBMP
	case hasPrefix(data, 'I', 'I', 42, 0), hasPrefix(data, 'M', 'M', 0, 42):
		return FormatTIFF
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return FormatWebP
	}
	return FormatUnknown
}

func hasPrefix(data []byte, magic ...byte) bool {
	if len(data) < len(magic) {
		return false
	}
	for i, b := range magic {
		if data[i] != b {
			return false
		}
	}
	return true
}
