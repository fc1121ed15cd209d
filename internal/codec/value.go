package codec

// ValueKind discriminates the variants of Value.
type ValueKind uint8

const (
	KindInvalid ValueKind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindBytes
	KindList
	KindMap
)

// Value is a tagged variant carried by property maps. Decoders produce
// them, encoders consume them; no untyped interface values cross the API.
type Value struct {
	kind  ValueKind
	str   string
	i     int64
	f     float64
	b     bool
	bytes []byte
	list  []Value
	m     map[string]Value
}

// Properties is a heterogeneous key/value map attached to frames and
// containers.
type Properties map[string]Value

// Property keys produced by decoders.
const (
	KeyPixelWidth  = "PixelWidth"
	KeyPixelHeight = "PixelHeight"
	KeyColorModel  = "ColorModel"
	KeyDepth       = "Depth"
	KeyDPIWidth    = "DPIWidth"
	KeyDPIHeight   = "DPIHeight"
	KeyDelayTime   = "DelayTime" // seconds
	KeyDisposal    = "Disposal"
	KeyLoopCount   = "LoopCount"
	KeyHasAlpha    = "HasAlpha"
)

// Encoder option keys recognized by destinations.
const (
	OptLossyQuality  = "lossy-quality"
	OptLossless      = "lossless"
	OptPreserveAlpha = "preserveAlpha"
	OptDelay         = "delay"
	OptLoopCount     = "loopCount"
	OptDither        = "dither"
)

func String(s string) Value  { return Value{kind: KindString, str: s} }
func Int(i int64) Value      { return Value{kind: KindInt, i: i} }
func Float(f float64) Value  { return Value{kind: KindFloat, f: f} }
func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }
func Bytes(p []byte) Value   { return Value{kind: KindBytes, bytes: p} }
func List(v []Value) Value   { return Value{kind: KindList, list: v} }
func Map(m Properties) Value { return Value{kind: KindMap, m: m} }

// Kind returns the variant tag of v.
func (v Value) Kind() ValueKind { return v.kind }

// AsString returns the string payload; ok is false for other kinds.
func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }

// AsInt returns the integer payload. Float values are truncated so that
// callers passing {delay: 0.1} or {loopCount: 3.0} both work.
func (v Value) AsInt() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindFloat:
		return int64(v.f), true
	}
	return 0, false
}

// AsFloat returns the floating-point payload, widening integers.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	}
	return 0, false
}

func (v Value) AsBool() (bool, bool)          { return v.b, v.kind == KindBool }
func (v Value) AsBytes() ([]byte, bool)       { return v.bytes, v.kind == KindBytes }
func (v Value) AsList() ([]Value, bool)       { return v.list, v.kind == KindList }
func (v Value) AsMap() (Properties, bool)     { return v.m, v.kind == KindMap }

// GetFloat reads key from p as a float, returning def when absent or of
// the wrong kind.
func (p Properties) GetFloat(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		if f, ok := v.AsFloat(); ok {
			return f
		}
	}
	return def
}

// GetInt reads key from p as an integer, returning def when absent.
func (p Properties) GetInt(key string, def int64) int64 {
	if v, ok := p[key]; ok {
		if i, ok := v.AsInt(); ok {
			return i
		}
	}
	return def
}

// GetBool reads key from p as a bool, returning def when absent.
func (p Properties) GetBool(key string, def bool) bool {
	if v, ok := p[key]; ok {
		if b, ok := v.AsBool(); ok {
			return b
		}
	}
	return def
}
