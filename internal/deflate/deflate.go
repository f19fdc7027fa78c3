// Package deflate implements the Deflate-style compressor and
// decompressor used for E32 image payload compression. It combines a
// hash-chain LZ77 match finder with two canonical-Huffman alphabets
// (literal/length and distance) from internal/huffman.
package deflate

import (
	"moria.us/elf2e32/internal/bitio"
	"moria.us/elf2e32/internal/errs"
	"moria.us/elf2e32/internal/huffman"
)

const (
	minLength  = 3
	lengthMag  = 8
	maxLength  = minLength - 1 + (1 << lengthMag) // 258
	distMag    = 12
	maxDistance = 1 << distMag // 4096

	hashMultiplier = 0xAC4B9B19
	hashShift      = 24
	hashBits       = 15
	hashSize       = 1 << hashBits

	literals    = 256
	lengthCodes = (lengthMag - 1) * 4 // 28
	specials    = 1                   // end-of-stream
	litLenCodes = literals + lengthCodes + specials
	eosSymbol   = literals + lengthCodes

	distCodes = (distMag - 1) * 4 // 44
)

// groupedCode maps a zero-based value to a (code, extraBits, extraValue)
// triple using groups of 4 codes per octave, each octave twice the size
// of the previous one and so carrying one more extra bit — the shape shared by the length and distance
// code families below, generalized to whatever magnitude is needed.
func groupedCode(value uint32) (code int, extraBits uint, extraValue uint32) {
	group := 0
	base := uint32(0)
	groupSize := uint32(4)
	for {
		if value < base+groupSize {
			offset := value - base
			return group*4 + int(offset>>uint(group)), uint(group), offset & (uint32(1)<<uint(group) - 1)
		}
		base += groupSize
		group++
		groupSize = 4 << uint(group)
	}
}

func groupedValue(code int, extraValue uint32) uint32 {
	group := code / 4
	idx := uint32(code % 4)
	base := uint32(0)
	for g := 0; g < group; g++ {
		base += 4 << uint(g)
	}
	return base + (idx << uint(group)) + extraValue
}

func groupedExtraBits(code int) uint {
	return uint(code / 4)
}

func lengthCode(length int) (code int, extraBits uint, extraValue uint32) {
	return groupedCode(uint32(length - minLength))
}

func lengthFromCode(code int, extraValue uint32) int {
	return int(groupedValue(code, extraValue)) + minLength
}

func distanceCode(dist int) (code int, extraBits uint, extraValue uint32) {
	return groupedCode(uint32(dist - 1))
}

func distanceFromCode(code int, extraValue uint32) int {
	return int(groupedValue(code, extraValue)) + 1
}

func hash3(a, b, c byte) uint32 {
	v := uint32(a) | uint32(b)<<8 | uint32(c)<<16
	return (v * hashMultiplier) >> (32 - hashBits)
}

// token is one literal, or one length/distance match, produced by the
// match finder before Huffman coding is applied.
type token struct {
	lit      bool
	value    byte
	length   int
	distance int
}

func findMatches(data []byte) []token {
	n := len(data)
	head := make([]int32, hashSize)
	for i := range head {
		head[i] = -1
	}
	prev := make([]int32, n)

	var tokens []token
	i := 0
	for i < n {
		bestLen := 0
		bestDist := 0
		if i+3 <= n {
			h := hash3(data[i], data[i+1], data[i+2])
			cand := head[h]
			tries := 0
			for cand >= 0 && tries < 64 {
				dist := i - int(cand)
				if dist > maxDistance {
					break
				}
				l := matchLength(data, int(cand), i)
				if l > bestLen {
					bestLen = l
					bestDist = dist
				}
				cand = prev[cand]
				tries++
			}
			prev[i] = head[h]
			head[h] = int32(i)
		}
		if bestLen >= minLength {
			if bestLen > maxLength {
				bestLen = maxLength
			}
			tokens = append(tokens, token{length: bestLen, distance: bestDist})
			// Insert hash entries for the bytes consumed by the match so
			// later matches can reference into it.
			end := i + bestLen
			for j := i + 1; j < end && j+3 <= n; j++ {
				h := hash3(data[j], data[j+1], data[j+2])
				prev[j] = head[h]
				head[h] = int32(j)
			}
			i = end
		} else {
			tokens = append(tokens, token{lit: true, value: data[i]})
			i++
		}
	}
	return tokens
}

func matchLength(data []byte, a, b int) int {
	n := len(data)
	l := 0
	for b+l < n && data[a+l] == data[b+l] && l < maxLength {
		l++
	}
	return l
}

// Compress produces a Deflate-style bit stream for data: a serialized pair
// of code-length tables followed by the coded token stream and an
// end-of-stream symbol.
func Compress(data []byte) []byte {
	tokens := findMatches(data)

	litLenFreq := make([]uint32, litLenCodes)
	distFreq := make([]uint32, distCodes)
	litLenFreq[eosSymbol] = 1
	for _, t := range tokens {
		if t.lit {
			litLenFreq[t.value]++
			continue
		}
		lc, _, _ := lengthCode(t.length)
		litLenFreq[literals+lc]++
		dc, _, _ := distanceCode(t.distance)
		distFreq[dc]++
	}

	litLenLengths, err := huffman.BuildLengths(litLenFreq)
	if err != nil {
		panic(err)
	}
	distLengths, err := huffman.BuildLengths(distFreq)
	if err != nil {
		panic(err)
	}
	litLenEnc := huffman.BuildEncoding(litLenLengths)
	distEnc := huffman.BuildEncoding(distLengths)

	w := bitio.NewWriter()
	huffman.Externalize(w, litLenLengths)
	huffman.Externalize(w, distLengths)

	for _, t := range tokens {
		if t.lit {
			huffman.WriteCode(w, litLenEnc[t.value])
			continue
		}
		lc, lextra, lval := lengthCode(t.length)
		huffman.WriteCode(w, litLenEnc[literals+lc])
		if lextra > 0 {
			w.Write(lval, lextra)
		}
		dc, dextra, dval := distanceCode(t.distance)
		huffman.WriteCode(w, distEnc[dc])
		if dextra > 0 {
			w.Write(dval, dextra)
		}
	}
	huffman.WriteCode(w, litLenEnc[eosSymbol])
	w.Pad(false)
	return w.Bytes()
}

// Decompress reverses Compress, given the number of output bytes expected
// (the image header's uncompressed-size field).
func Decompress(data []byte, outSize int) ([]byte, error) {
	r := bitio.NewReader(data, len(data)*8, 0)
	litLenLengths := huffman.Internalize(r, litLenCodes)
	distLengths := huffman.Internalize(r, distCodes)

	litLenTree, err := huffman.BuildDecodeTree(litLenLengths, 0)
	if err != nil {
		return nil, errs.Wrap(errs.DomainCompression, errs.KindHuffmanInvalidCoding, "literal/length table", err)
	}
	distTree, err := huffman.BuildDecodeTree(distLengths, 0)
	if err != nil {
		return nil, errs.Wrap(errs.DomainCompression, errs.KindHuffmanInvalidCoding, "distance table", err)
	}

	out := make([]byte, 0, outSize)
	for {
		sym := huffman.ReadCode(r, litLenTree)
		if int(sym) == eosSymbol {
			break
		}
		if int(sym) < literals {
			out = append(out, byte(sym))
			continue
		}
		lc := int(sym) - literals
		lextra := groupedExtraBits(lc)
		var lval uint32
		if lextra > 0 {
			lval = r.Read(int(lextra))
		}
		length := lengthFromCode(lc, lval)

		dc := int(huffman.ReadCode(r, distTree))
		dextra := groupedExtraBits(dc)
		var dval uint32
		if dextra > 0 {
			dval = r.Read(int(dextra))
		}
		dist := distanceFromCode(dc, dval)
		if dist > len(out) {
			return nil, errs.New(errs.DomainCompression, errs.KindHuffmanInvalidCoding, "distance refers before start of buffer")
		}
		start := len(out) - dist
		for i := 0; i < length; i++ {
			out = append(out, out[start+i])
		}
	}
	return out, nil
}
