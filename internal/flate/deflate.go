package flate

import "github.com/deepteams/imageio/internal/bitio"

// The compressor emits a single fixed-Huffman block with greedy
// hash-chain matching. That trades ratio for simplicity; the output is
// always valid RFC 1951 and inflates byte-exactly.

const (
	minMatch    = 3
	maxMatch    = 258
	hashBits    = 15
	hashSize    = 1 << hashBits
	maxChainLen = 64
)

// fixedLitCode returns the fixed-Huffman code and bit length for
// literal/length symbol sym, with bits already reversed for LSB-first
// emission.
func fixedLitCode(sym int) (code uint32, n uint) {
	switch {
	case sym < 144:
		return reverseBits(uint32(0x30+sym), 8), 8
	case sym < 256:
		return reverseBits(uint32(0x190+sym-144), 9), 9
	case sym < 280:
		return reverseBits(uint32(sym-256), 7), 7
	default:
		return reverseBits(uint32(0xC0+sym-280), 8), 8
	}
}

func reverseBits(v uint32, n uint) uint32 {
	var out uint32
	for i := uint(0); i < n; i++ {
		out = out<<1 | (v>>i)&1
	}
	return out
}

// lengthSymbol maps a match length (3..258) to (code, extra bits, extra value).
func lengthSymbol(length int) (sym int, extra uint, val uint32) {
	for i := len(lengthBase) - 1; i >= 0; i-- {
		if length >= lengthBase[i] {
			return 257 + i, lengthExtra[i], uint32(length - lengthBase[i])
		}
	}
	return 257, 0, 0
}

// distSymbol maps a match distance (1..32768) to (code, extra bits, extra value).
func distSymbol(dist int) (sym int, extra uint, val uint32) {
	for i := len(distBase) - 1; i >= 0; i-- {
		if dist >= distBase[i] {
			return i, distExtra[i], uint32(dist - distBase[i])
		}
	}
	return 0, 0, 0
}

func hash3(p []byte) uint32 {
	return (uint32(p[0])<<16 | uint32(p[1])<<8 | uint32(p[2])) * 0x9E3779B1 >> (32 - hashBits)
}

// Deflate compresses data into a raw RFC 1951 stream consisting of one
// fixed-Huffman block (or one stored block when the input is empty).
func Deflate(data []byte) []byte {
	w := bitio.NewLSBWriter(len(data)/2 + 64)

	if len(data) == 0 {
		// Final stored block of length zero.
		w.Write(1, 1)
		w.Write(0, 2)
		w.Flush()
		w.WriteBytes([]byte{0x00, 0x00, 0xFF, 0xFF})
		return w.Bytes()
	}

	// Final block, fixed Huffman codes.
	w.Write(1, 1)
	w.Write(1, 2)

	head := make([]int, hashSize)
	prev := make([]int, len(data))
	for i := range head {
		head[i] = -1
	}

	emitLiteral := func(b byte) {
		c, n := fixedLitCode(int(b))
		w.Write(c, n)
	}
	emitMatch := func(length, dist int) {
		sym, extra, val := lengthSymbol(length)
		c, n := fixedLitCode(sym)
		w.Write(c, n)
		if extra > 0 {
			w.Write(val, extra)
		}
		dsym, dextra, dval := distSymbol(dist)
		// Fixed distance codes are 5 bits, MSB-first in code space.
		w.Write(reverseBits(uint32(dsym), 5), 5)
		if dextra > 0 {
			w.Write(dval, dextra)
		}
	}

	i := 0
	for i < len(data) {
		bestLen, bestDist := 0, 0
		if i+minMatch <= len(data) {
			h := hash3(data[i:])
			cand := head[h]
			for chain := 0; cand >= 0 && chain < maxChainLen; chain++ {
				dist := i - cand
				if dist > maxWindow {
					break
				}
				l := matchLen(data, cand, i)
				if l > bestLen {
					bestLen, bestDist = l, dist
					if l >= maxMatch {
						break
					}
				}
				cand = prev[cand]
			}
			prev[i] = head[h]
			head[h] = i
		}
		if bestLen >= minMatch {
			emitMatch(bestLen, bestDist)
			// Insert hash entries for the skipped positions so later
			// matches can still reference them.
			for j := i + 1; j < i+bestLen && j+minMatch <= len(data); j++ {
				h := hash3(data[j:])
				prev[j] = head[h]
				head[h] = j
			}
			i += bestLen
		} else {
			emitLiteral(data[i])
			i++
		}
	}

	// End of block.
	c, n := fixedLitCode(256)
	w.Write(c, n)
	return w.Bytes()
}

func matchLen(data []byte, a, b int) int {
	n := 0
	max := len(data) - b
	if max > maxMatch {
		max = maxMatch
	}
	for n < max && data[a+n] == data[b+n] {
		n++
	}
	return n
}
