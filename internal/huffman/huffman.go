// Package huffman implements the canonical-Huffman toolkit used by the
// Deflate-style image compressor: building code lengths from symbol
// frequencies, validating a code-length table, building the canonical
// encode table and decode tree from it, and externalizing/internalizing a
// code-length table itself as a compact bit stream.
package huffman

import (
	"fmt"

	"moria.us/elf2e32/internal/bitio"
	"moria.us/elf2e32/internal/errs"
)

const (
	// MaxCodeLength is the longest code length this toolkit will produce or
	// accept, matching the OS loader's decompressor.
	MaxCodeLength = 27
	// MaxCodes is the largest alphabet size this toolkit supports.
	MaxCodes = 0x8000
	// metaCodes is the number of distinct code lengths (0..MaxCodeLength),
	// the size of the move-to-front list used to externalize/internalize a
	// code-length table. The fixed meta-Huffman alphabet has metaCodes+1
	// symbols: the run-length-zero pair plus one per list position 1..27.
	metaCodes = MaxCodeLength + 1
)

// leaf marks a node-array entry as a leaf, as opposed to an internal-node
// index, in BuildLengths' combine loop.
const leaf = 1 << 30

type node struct {
	count uint32
	left  int32
	right int32
}

// insertInOrder inserts a new node with the given count into the first
// size entries of nodes, which are kept sorted by decreasing count, via
// binary search plus a block move (an insertion sort).
func insertInOrder(nodes []node, size int, count uint32, val int32) {
	l, r := 0, size
	for l < r {
		m := (l + r) >> 1
		if nodes[m].count < count {
			r = m
		} else {
			l = m + 1
		}
	}
	copy(nodes[l+1:size+1], nodes[l:size])
	nodes[l] = node{count: count, right: val}
}

func lengthsFromTree(lengths []uint32, nodes []node, idx int, depth int) error {
	depth++
	if depth > MaxCodeLength {
		return errs.New(errs.DomainCompression, errs.KindHuffmanOverflow, "code length exceeds maximum")
	}
	n := nodes[idx]
	if n.left&leaf != 0 {
		lengths[n.left&^leaf] = uint32(depth)
	} else if err := lengthsFromTree(lengths, nodes, int(n.left), depth); err != nil {
		return err
	}
	if n.right&leaf != 0 {
		lengths[n.right&^leaf] = uint32(depth)
	} else if err := lengthsFromTree(lengths, nodes, int(n.right), depth); err != nil {
		return err
	}
	return nil
}

// BuildLengths produces code lengths that form a valid canonical Huffman
// coding for the given symbol frequencies. Symbols with zero frequency get
// length 0 (unencoded); a single non-zero-frequency symbol gets length 1.
func BuildLengths(freq []uint32) ([]uint32, error) {
	numCodes := len(freq)
	if numCodes > MaxCodes {
		return nil, errs.New(errs.DomainCompression, errs.KindHuffmanOverflow,
			fmt.Sprintf("%d codes exceeds maximum of %d", numCodes, MaxCodes))
	}
	lengths := make([]uint32, numCodes)
	nodes := make([]node, numCodes)
	count := 0
	for i, c := range freq {
		if c != 0 {
			insertInOrder(nodes, count, c, int32(i)|leaf)
			count++
		}
	}
	switch {
	case count == 0:
		// no encoded symbols
	case count == 1:
		lengths[nodes[0].right&^leaf] = 1
	default:
		for count > 1 {
			count--
			c := nodes[count].count + nodes[count-1].count
			nodes[count].left = nodes[count-1].right
			insertInOrder(nodes, count-1, c, int32(count))
		}
		if err := lengthsFromTree(lengths, nodes, 1, 0); err != nil {
			return nil, err
		}
	}
	if !Validate(lengths) {
		return nil, errs.New(errs.DomainCompression, errs.KindHuffmanInvalidCoding, "")
	}
	return lengths, nil
}

// Validate reports whether a code-length table describes a valid canonical
// Huffman coding: either the code space is exactly filled, or there is at
// most one encoded symbol.
func Validate(lengths []uint32) bool {
	var remain uint64 = 1 << MaxCodeLength
	var total uint32
	for _, ln := range lengths {
		if ln == 0 {
			continue
		}
		total += ln
		if ln > MaxCodeLength {
			return false
		}
		c := uint64(1) << (MaxCodeLength - ln)
		if c > remain {
			return false
		}
		remain -= c
	}
	return remain == 0 || total <= 1
}

// BuildEncoding builds the canonical encode table from a validated
// code-length table. Each entry packs the code into the high bits of a
// 32-bit word with the code length stored in the top 5 bits, matching the
// layout WriteCode expects.
func BuildEncoding(lengths []uint32) []uint32 {
	var lenCount [MaxCodeLength]uint32
	for _, ln := range lengths {
		if ln > 0 {
			lenCount[ln-1]++
		}
	}
	var nextCode [MaxCodeLength]uint32
	var code uint32
	for i := 0; i < MaxCodeLength; i++ {
		code <<= 1
		nextCode[i] = code
		code += lenCount[i]
	}
	enc := make([]uint32, len(lengths))
	for i, ln := range lengths {
		if ln == 0 {
			continue
		}
		enc[i] = (nextCode[ln-1] << (MaxCodeLength - ln)) | (ln << MaxCodeLength)
		nextCode[ln-1]++
	}
	return enc
}

// WriteCode writes a single Huffman code, as produced by BuildEncoding, to
// the bit stream.
func WriteCode(w *bitio.Writer, code uint32) {
	length := code >> MaxCodeLength
	w.Write((code<<(32-MaxCodeLength))>>(32-length), uint(length))
}

// Tree is a canonical-Huffman decoding table as built by BuildDecodeTree.
// Because the coding is canonical, decoding does not require an explicit
// binary tree: codes of a given length occupy a contiguous range, and
// within that range symbols appear in ascending original-index order, so a
// bit-by-bit range check suffices.
type Tree struct {
	single     bool
	singleSym  uint32
	firstCode  [MaxCodeLength + 1]uint32
	count      [MaxCodeLength + 1]int
	symbols    [MaxCodeLength + 1][]uint32
	symbolBase uint32
}

// BuildDecodeTree builds a decoding table from a validated code-length
// table. symbolBase is added to every decoded symbol, letting a caller
// concatenate several alphabets (e.g. literal/length then distance) behind
// a single decode call site if desired.
func BuildDecodeTree(lengths []uint32, symbolBase int) (*Tree, error) {
	if !Validate(lengths) {
		return nil, errs.New(errs.DomainCompression, errs.KindHuffmanInvalidCoding, "")
	}
	t := &Tree{symbolBase: uint32(symbolBase)}
	var lenCount [MaxCodeLength]uint32
	codes := 0
	for _, ln := range lengths {
		if ln > 0 {
			lenCount[ln-1]++
			codes++
		}
	}
	if codes == 0 {
		t.single = true
		return t, nil
	}
	if codes == 1 {
		for i, ln := range lengths {
			if ln > 0 {
				t.single = true
				t.singleSym = uint32(i) + t.symbolBase
				break
			}
		}
		return t, nil
	}
	var code uint32
	for length := 1; length <= MaxCodeLength; length++ {
		code <<= 1
		t.firstCode[length] = code
		t.count[length] = int(lenCount[length-1])
		code += lenCount[length-1]
	}
	for i, ln := range lengths {
		if ln == 0 {
			continue
		}
		t.symbols[ln] = append(t.symbols[ln], uint32(i))
	}
	return t, nil
}

// ReadCode decodes a single symbol from r using tree.
func ReadCode(r *bitio.Reader, tree *Tree) uint32 {
	if tree.single {
		r.ReadBit()
		return tree.singleSym
	}
	var code uint32
	for length := 1; length <= MaxCodeLength; length++ {
		code = (code << 1) | r.ReadBit()
		n := tree.count[length]
		if n == 0 {
			continue
		}
		off := int(code) - int(tree.firstCode[length])
		if off >= 0 && off < n {
			return tree.symbols[length][off] + tree.symbolBase
		}
	}
	panic(bitio.ErrUnderflow{})
}

// metaEncoding is the fixed encode table for the meta-Huffman coding used
// by Externalize/Internalize to compress a code-length table itself. It is
// a hard-coded constant shared by every encoder and decoder.
var metaEncoding = [metaCodes + 1]uint32{
	0x10000000, 0x1c000000, 0x12000000, 0x1d000000, 0x26000000,
	0x26800000, 0x2f000000, 0x37400000, 0x37600000, 0x37800000,
	0x3fa00000, 0x3fb00000, 0x3fc00000, 0x3fd00000, 0x47e00000,
	0x47e80000, 0x47f00000, 0x4ff80000, 0x57fc0000, 0x5ffe0000,
	0x67ff0000, 0x77ff8000, 0x7fffa000, 0x7fffb000, 0x7fffc000,
	0x7fffd000, 0x7fffe000, 0x87fff000, 0x87fff800,
}

// metaDecodeTree rebuilds the decode side of metaEncoding: each entry's
// code length lives in its top 5 bits, so the length table falls out of
// metaEncoding directly.
func metaDecodeTree() *Tree {
	lengths := make([]uint32, len(metaEncoding))
	for i, e := range metaEncoding {
		lengths[i] = e >> MaxCodeLength
	}
	t, err := BuildDecodeTree(lengths, 0)
	if err != nil {
		// metaEncoding is a fixed, known-valid table.
		panic(err)
	}
	return t
}

var cachedMetaDecodeTree *Tree

func metaTree() *Tree {
	if cachedMetaDecodeTree == nil {
		cachedMetaDecodeTree = metaDecodeTree()
	}
	return cachedMetaDecodeTree
}

// encodeRunLength emits a run of length repeats of the previous symbol as
// a sequence of the two RLE-zero meta symbols (0a/0b), most significant
// digit first.
func encodeRunLength(w *bitio.Writer, length int) {
	if length <= 0 {
		return
	}
	encodeRunLength(w, (length-1)>>1)
	WriteCode(w, metaEncoding[1-(length&1)])
}

// Externalize stores a canonical Huffman encoding in compact form: a
// move-to-front transform over symbol positions, run-length-zero coding of
// the result, and encoding via the fixed meta-Huffman coding.
func Externalize(w *bitio.Writer, lengths []uint32) {
	var list [metaCodes]uint8
	for i := range list {
		list[i] = uint8(i)
	}
	last := 0
	rl := 0
	for _, ln := range lengths {
		c := int(ln)
		if c == last {
			rl++
			continue
		}
		encodeRunLength(w, rl)
		rl = 0
		j := 1
		for list[j] != uint8(c) {
			j++
		}
		WriteCode(w, metaEncoding[j+1])
		for ; j > 0; j-- {
			list[j] = list[j-1]
		}
		list[1] = uint8(last)
		last = c
	}
	encodeRunLength(w, rl)
}

// Internalize restores a code-length table stored by Externalize.
func Internalize(r *bitio.Reader, numCodes int) []uint32 {
	tree := metaTree()
	var list [metaCodes]uint8
	for i := range list {
		list[i] = uint8(i)
	}
	last := 0
	lengths := make([]uint32, numCodes)
	p := 0
	rl := 0
	for p+rl < numCodes {
		c := int(ReadCode(r, tree))
		if c < 2 {
			rl += rl + c + 1
			continue
		}
		for rl > 0 && p < numCodes {
			lengths[p] = uint32(last)
			p++
			rl--
		}
		c--
		list[0] = uint8(last)
		last = int(list[c])
		copy(list[1:c+1], list[0:c])
		if p < numCodes {
			lengths[p] = uint32(last)
			p++
		}
	}
	for rl > 0 && p < numCodes {
		lengths[p] = uint32(last)
		p++
		rl--
	}
	return lengths
}
