package webp

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/deepteams/imageio/internal/bitio"
	"github.com/deepteams/imageio/internal/codec"
)

// VP8L prefix-code constants.
const (
	numLiteralCodes  = 256
	numLengthCodes   = 24
	numDistanceCodes = 40
	numCodeLengthCodes = 19

	maxAllowedCodeLength = 15
	defaultCodeLength    = 8

	// Code-length alphabet special symbols.
	clRepeatPrev  = 16 // repeat previous non-zero length, 2 extra bits + 3
	clRepeatZero  = 17 // repeat zero, 3 extra bits + 3
	clRepeatZero2 = 18 // repeat zero, 7 extra bits + 11
)

// codeLengthCodeOrder is the transmission order of the code-length code
// lengths.
var codeLengthCodeOrder = [numCodeLengthCodes]int{
	17, 18, 0, 1, 2, 3, 4, 5, 16, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15,
}

var clExtraBits = [3]uint{2, 3, 7}
var clRepeatOffsets = [3]int{3, 3, 11}

// prefixDecoder decodes one canonical prefix code bit by bit. Codes are
// canonical in the DEFLATE sense: assigned in (length, symbol) order,
// transmitted most significant bit first.
type prefixDecoder struct {
	count  [maxAllowedCodeLength + 1]int
	symbol []int
	single int // when >= 0, a degenerate one-symbol code: no bits read
}

func newPrefixDecoder(lengths []int) (*prefixDecoder, error) {
	d := &prefixDecoder{single: -1}
	used := 0
	last := -1
	for sym, l := range lengths {
		if l < 0 || l > maxAllowedCodeLength {
			return nil, errors.Wrap(codec.ErrMalformed, "webp: code length out of range")
		}
		if l > 0 {
			used++
			last = sym
		}
		d.count[l]++
	}
	if used == 0 {
		return nil, errors.Wrap(codec.ErrMalformed, "webp: empty prefix code")
	}
	if used == 1 {
		d.single = last
		return d, nil
	}
	// Completeness check.
	left := 1
	for l := 1; l <= maxAllowedCodeLength; l++ {
		left <<= 1
		left -= d.count[l]
		if left < 0 {
			return nil, errors.Wrap(codec.ErrMalformed, "webp: over-subscribed prefix code")
		}
	}
	if left != 0 {
		return nil, errors.Wrap(codec.ErrMalformed, "webp: incomplete prefix code")
	}
	offs := make([]int, maxAllowedCodeLength+2)
	for l := 1; l <= maxAllowedCodeLength; l++ {
		offs[l+1] = offs[l] + d.count[l]
	}
	d.symbol = make([]int, used)
	for sym, l := range lengths {
		if l != 0 {
			d.symbol[offs[l]] = sym
			offs[l]++
		}
	}
	return d, nil
}

func (d *prefixDecoder) read(r *bitio.LSBReader) (int, error) {
	if d.single >= 0 {
		return d.single, nil
	}
	code, first, index := 0, 0, 0
	for l := 1; l <= maxAllowedCodeLength; l++ {
		b, err := r.Read(1)
		if err != nil {
			return 0, err
		}
		code |= int(b)
		if code-first < d.count[l] {
			return d.symbol[index+code-first], nil
		}
		index += d.count[l]
		first = (first + d.count[l]) << 1
		code <<= 1
	}
	return 0, errors.Wrap(codec.ErrMalformed, "webp: invalid prefix code")
}

// readPrefixCode reads one prefix code description (simple or
// length-coded) and returns its decoder.
func readPrefixCode(r *bitio.LSBReader, alphabetSize int) (*prefixDecoder, error) {
	simple, err := r.Read(1)
	if err != nil {
		return nil, err
	}
	lengths := make([]int, alphabetSize)

	if simple == 1 {
		two, err := r.Read(1)
		if err != nil {
			return nil, err
		}
		firstLen, err := r.Read(1)
		if err != nil {
			return nil, err
		}
		bitsFirst := uint(1)
		if firstLen == 1 {
			bitsFirst = 8
		}
		s1, err := r.Read(bitsFirst)
		if err != nil {
			return nil, err
		}
		if int(s1) >= alphabetSize {
			return nil, errors.Wrap(codec.ErrMalformed, "webp: simple code symbol out of range")
		}
		lengths[s1] = 1
		if two == 1 {
			s2, err := r.Read(8)
			if err != nil {
				return nil, err
			}
			if int(s2) >= alphabetSize {
				return nil, errors.Wrap(codec.ErrMalformed, "webp: simple code symbol out of range")
			}
			lengths[s2] = 1
		}
		return newPrefixDecoder(lengths)
	}

	// Normal code: code-length code lengths first.
	var clLengths [numCodeLengthCodes]int
	numCodes, err := r.Read(4)
	if err != nil {
		return nil, err
	}
	n := int(numCodes) + 4
	if n > numCodeLengthCodes {
		n = numCodeLengthCodes
	}
	for i := 0; i < n; i++ {
		v, err := r.Read(3)
		if err != nil {
			return nil, err
		}
		clLengths[codeLengthCodeOrder[i]] = int(v)
	}
	clDec, err := newPrefixDecoder(clLengths[:])
	if err != nil {
		return nil, err
	}

	if err := readCodeLengths(r, clDec, lengths); err != nil {
		return nil, err
	}
	return newPrefixDecoder(lengths)
}

// readCodeLengths decodes the symbol code lengths using the code-length
// code, honoring the optional transmitted symbol count.
func readCodeLengths(r *bitio.LSBReader, clDec *prefixDecoder, lengths []int) error {
	maxSymbol := len(lengths)
	useLength, err := r.Read(1)
	if err != nil {
		return err
	}
	if useLength == 1 {
		nBits, err := r.Read(3)
		if err != nil {
			return err
		}
		v, err := r.Read(uint(2 + 2*nBits))
		if err != nil {
			return err
		}
		maxSymbol = 2 + int(v)
		if maxSymbol > len(lengths) {
			return errors.Wrap(codec.ErrMalformed, "webp: transmitted symbol count too large")
		}
	}

	prev := defaultCodeLength
	symbol := 0
	remaining := maxSymbol
	for symbol < len(lengths) && remaining > 0 {
		remaining--
		sym, err := clDec.read(r)
		if err != nil {
			return err
		}
		switch {
		case sym < clRepeatPrev:
			lengths[symbol] = sym
			symbol++
			if sym != 0 {
				prev = sym
			}
		default:
			slot := sym - clRepeatPrev
			extra, err := r.Read(clExtraBits[slot])
			if err != nil {
				return err
			}
			repeat := int(extra) + clRepeatOffsets[slot]
			if symbol+repeat > len(lengths) {
				return errors.Wrap(codec.ErrMalformed, "webp: code length repeat overflow")
			}
			fill := 0
			if sym == clRepeatPrev {
				fill = prev
			}
			for i := 0; i < repeat; i++ {
				lengths[symbol] = fill
				symbol++
			}
		}
	}
	return nil
}

// ---- Encoder side ----

// prefixCode is a canonical code ready for emission: per-symbol bit
// length and the code value (MSB first).
type prefixCode struct {
	lengths []int
	codes   []uint32
}

// buildPrefixCode constructs a complete canonical prefix code over the
// histogram, capped at maxAllowedCodeLength. Unused alphabets get a
// degenerate one-symbol code.
func buildPrefixCode(hist []int) *prefixCode {
	if len(usedSymbols(hist)) <= 1 {
		// Degenerate one-symbol code: symbols cost zero bits.
		return &prefixCode{lengths: make([]int, len(hist)), codes: make([]uint32, len(hist))}
	}
	lengths := buildCodeLengths(hist, maxAllowedCodeLength)
	return &prefixCode{lengths: lengths, codes: canonicalCodes(lengths)}
}

// buildCodeLengths derives Huffman code lengths from symbol frequencies,
// re-scaling the histogram until the longest code fits maxLen.
func buildCodeLengths(hist []int, maxLen int) []int {
	freqs := make([]int, len(hist))
	copy(freqs, hist)

	for {
		lengths := huffmanLengths(freqs)
		tooLong := false
		for _, l := range lengths {
			if l > maxLen {
				tooLong = true
				break
			}
		}
		if !tooLong {
			return lengths
		}
		// Flatten the distribution and retry.
		for i, f := range freqs {
			if f > 0 {
				freqs[i] = f/2 + 1
			}
		}
	}
}

// huffmanLengths runs plain package-merge-free Huffman construction and
// returns per-symbol code lengths (0 for unused symbols). One- and
// zero-symbol alphabets yield a single length-1 code.
func huffmanLengths(freqs []int) []int {
	type node struct {
		weight      int
		left, right int // indices, -1 for leaves
		symbol      int
	}
	var nodes []node
	var active []int
	for sym, f := range freqs {
		if f > 0 {
			nodes = append(nodes, node{weight: f, left: -1, right: -1, symbol: sym})
			active = append(active, len(nodes)-1)
		}
	}
	lengths := make([]int, len(freqs))
	switch len(active) {
	case 0:
		lengths[0] = 1
		return lengths
	case 1:
		lengths[nodes[active[0]].symbol] = 1
		return lengths
	}

	for len(active) > 1 {
		// Pick the two lightest trees (stable by construction order).
		sort.SliceStable(active, func(i, j int) bool {
			return nodes[active[i]].weight < nodes[active[j]].weight
		})
		a, b := active[0], active[1]
		nodes = append(nodes, node{weight: nodes[a].weight + nodes[b].weight, left: a, right: b, symbol: -1})
		active = append([]int{len(nodes) - 1}, active[2:]...)
	}

	// Depth-first traversal assigns lengths.
	var walk func(idx, depth int)
	walk = func(idx, depth int) {
		n := nodes[idx]
		if n.left < 0 {
			if depth == 0 {
				depth = 1
			}
			lengths[n.symbol] = depth
			return
		}
		walk(n.left, depth+1)
		walk(n.right, depth+1)
	}
	walk(active[0], 0)
	return lengths
}

// canonicalCodes assigns canonical code values for the given lengths.
func canonicalCodes(lengths []int) []uint32 {
	var count [maxAllowedCodeLength + 1]int
	for _, l := range lengths {
		count[l]++
	}
	var next [maxAllowedCodeLength + 2]uint32
	code := uint32(0)
	count[0] = 0
	for l := 1; l <= maxAllowedCodeLength; l++ {
		code = (code + uint32(count[l-1])) << 1
		next[l] = code
	}
	codes := make([]uint32, len(lengths))
	for sym, l := range lengths {
		if l > 0 {
			codes[sym] = next[l]
			next[l]++
		}
	}
	return codes
}

// usedSymbols returns the symbols with non-zero frequency.
func usedSymbols(hist []int) []int {
	var out []int
	for s, f := range hist {
		if f > 0 {
			out = append(out, s)
		}
	}
	return out
}

// writePrefixCode emits a prefix code description: the simple form when
// one or two symbols are used and all are below 256, the code-length
// form otherwise.
func writePrefixCode(w *bitio.LSBWriter, pc *prefixCode, hist []int) {
	used := usedSymbols(hist)
	if len(used) == 0 {
		// Degenerate: transmit a single symbol 0.
		w.Write(1, 1) // simple
		w.Write(0, 1) // one symbol
		w.Write(0, 1) // 1-bit symbol field
		w.Write(0, 1)
		return
	}
	// The simple form carries at most two symbols of at most 8 bits.
	if len(used) <= 2 && used[len(used)-1] < 256 {
		w.Write(1, 1)                   // simple
		w.Write(uint32(len(used)-1), 1) // symbol count - 1
		if used[0] < 2 {
			w.Write(0, 1) // first symbol in 1 bit
			w.Write(uint32(used[0]), 1)
		} else {
			w.Write(1, 1) // first symbol in 8 bits
			w.Write(uint32(used[0]), 8)
		}
		if len(used) == 2 {
			w.Write(uint32(used[1]), 8)
		}
		return
	}

	w.Write(0, 1) // normal code

	// Transmitted lengths. A degenerate one-symbol code still has to
	// announce its symbol, with a nominal length of one bit.
	txLengths := pc.lengths
	if len(used) == 1 {
		txLengths = make([]int, len(pc.lengths))
		txLengths[used[0]] = 1
	}

	// Code-length code over the plain lengths (no repeat codes used).
	var clHist [numCodeLengthCodes]int
	for _, l := range txLengths {
		clHist[l]++
	}
	clLengths := buildCodeLengths(clHist[:], 7)
	clCodes := canonicalCodes(clLengths)
	// A one-symbol code-length alphabet is degenerate on the read side:
	// the decoder consumes no bits per symbol.
	clDegenerate := len(usedSymbols(clHist[:])) <= 1

	// Find how many of the ordered code-length slots must be sent.
	numCodes := numCodeLengthCodes
	for numCodes > 4 && clLengths[codeLengthCodeOrder[numCodes-1]] == 0 {
		numCodes--
	}
	w.Write(uint32(numCodes-4), 4)
	for i := 0; i < numCodes; i++ {
		w.Write(uint32(clLengths[codeLengthCodeOrder[i]]), 3)
	}

	w.Write(0, 1) // no transmitted symbol count: all lengths follow
	if clDegenerate {
		return
	}
	for _, l := range txLengths {
		writeCode(w, clCodes[l], clLengths[l])
	}
}

// writeCode emits a canonical code value MSB first.
func writeCode(w *bitio.LSBWriter, code uint32, length int) {
	for i := length - 1; i >= 0; i-- {
		w.Write(code>>uint(i)&1, 1)
	}
}

// writeSymbol emits symbol sym of pc.
func (pc *prefixCode) writeSymbol(w *bitio.LSBWriter, sym int) {
	writeCode(w, pc.codes[sym], pc.lengths[sym])
}

// prefixEncode maps a 1-based value (length or distance plane code) to
// its prefix symbol, extra bit count, and extra bits value.
func prefixEncode(value int) (sym int, extraBits uint, extraVal uint32) {
	v := value - 1
	if v < 2 {
		return v, 0, 0
	}
	highest := log2Floor(v)
	second := (v >> uint(highest-1)) & 1
	extraBits = uint(highest - 1)
	sym = 2*highest + second
	extraVal = uint32(v) & (1<<extraBits - 1)
	return sym, extraBits, extraVal
}

// prefixDecodeValue is the inverse of prefixEncode: given a symbol, read
// the extra bits and return the 1-based value.
func prefixDecodeValue(sym int, r *bitio.LSBReader) (int, error) {
	if sym < 2 {
		return sym + 1, nil
	}
	extraBits := uint(sym-2) >> 1
	offset := (2 + sym&1) << extraBits
	v, err := r.Read(extraBits)
	if err != nil {
		return 0, err
	}
	return offset + int(v) + 1, nil
}

func log2Floor(n int) int {
	log := 0
	for n > 1 {
		n >>= 1
		log++
	}
	return log
}
