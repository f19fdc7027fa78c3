package e32

import (
	"encoding/binary"

	"moria.us/elf2e32/internal/deflate"
	"moria.us/elf2e32/internal/errs"
	"moria.us/elf2e32/internal/reloc"
)

// Chunk is one piece of the output image: a tagged byte slice with a
// fixed destination offset, used both to assemble the final buffer and
// to assert that no two pieces overlap.
type Chunk struct {
	Tag    string
	Offset uint32
	Data   []byte
}

func align4(n uint32) uint32 { return (n + 3) &^ 3 }

// ImportBlock is one DLL's entry in the import section: the imports
// resolved against it, in the order elfmodel collected them.
type ImportBlock struct {
	DLLName string
	// Entries holds, per format: ELF-style code-section offsets that
	// receive the resolved address, or PE-style ordinals. PE2-style
	// omits this list entirely (ordinals already live in the code
	// section via internal/dso's ordinal table).
	Entries []uint32
}

// BuildImportSection serializes the import section: a 4-byte total size
// followed by one block per DLL, each naming the DLL (by offset into this
// section's own string area) and, for ELF/PE formats, its import-list
// entries.
func BuildImportSection(blocks []ImportBlock, format ImportFormat) []byte {
	// Header: 4-byte size, then dll-ref-count blocks of
	// {name-offset:4, count:4, [entries...]}. Names are appended after
	// all blocks; name-offset is relative to the start of the section.
	headerLen := 4
	blockHeaderLen := 8
	fixedLen := headerLen + blockHeaderLen*len(blocks)
	for _, b := range blocks {
		if format != ImportPE2 {
			fixedLen += 4 * len(b.Entries)
		}
	}
	var names []byte
	nameOffsets := make([]uint32, len(blocks))
	for i, b := range blocks {
		nameOffsets[i] = uint32(fixedLen + len(names))
		names = append(names, []byte(b.DLLName)...)
		names = append(names, 0)
	}
	total := fixedLen + len(names)
	buf := make([]byte, total)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], uint32(total))
	pos := headerLen
	for i, b := range blocks {
		le.PutUint32(buf[pos:], nameOffsets[i])
		le.PutUint32(buf[pos+4:], uint32(len(b.Entries)))
		pos += blockHeaderLen
		if format != ImportPE2 {
			for _, e := range b.Entries {
				le.PutUint32(buf[pos:], e)
				pos += 4
			}
		}
	}
	copy(buf[fixedLen:], names)
	return buf
}

// BuildRelocSection serializes a code- or data-relocation section: a
// 4-byte total size, followed by one {page-offset:4, block-size:2,
// words...} record per page, in ascending offset order.
func BuildRelocSection(pages []reloc.Page) []byte {
	size := 4
	for _, p := range pages {
		size += 6 + 2*len(p.Words)
	}
	buf := make([]byte, size)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], uint32(size))
	pos := 4
	for _, p := range pages {
		blockSize := uint16(6 + 2*len(p.Words))
		le.PutUint32(buf[pos:], p.Offset)
		le.PutUint16(buf[pos+4:], blockSize)
		pos += 6
		for _, w := range p.Words {
			le.PutUint16(buf[pos:], w)
			pos += 2
		}
	}
	return buf
}

// Image is a fully laid-out, filled E32 image ready for CRC stamping and
// emission.
type Image struct {
	Header *Header
	Chunks []Chunk
	buf    []byte
}

// Builder assembles an Image's chunks in the fixed layout order: header;
// code (absent-export jump table, import-address table, text, const
// data, export directory); data; import section; code relocations; data
// relocations.
type Builder struct {
	header *Header
	chunks []Chunk
	cursor uint32
}

func NewBuilder(h *Header) *Builder {
	return &Builder{header: h}
}

// place appends a chunk at the next 4-byte-aligned cursor position and
// advances the cursor.
func (b *Builder) place(tag string, data []byte) uint32 {
	off := align4(b.cursor)
	b.chunks = append(b.chunks, Chunk{Tag: tag, Offset: off, Data: data})
	b.cursor = off + uint32(len(data))
	return off
}

// PlaceHeader reserves space for the header itself. Its bytes are filled in
// last, once the CRC is known, but its size must be reserved first so
// every later offset is correct.
func (b *Builder) PlaceHeader(size int) {
	b.place("header", make([]byte, size))
}

// PlaceCode lays out the code block: absent-export jump table, import
// address table, text, const data, and export directory, returning the
// offsets the header needs (export-dir offset and the text size, which
// is the IAT's starting offset within the code section — the offset
// where the load-time-relocatable part of code ends and text begins).
// For the ELF import format iat is empty: imports are resolved directly
// into text, so there is no separate IAT chunk and textSize is just
// len(jumpTable).
func (b *Builder) PlaceCode(jumpTable, iat, text, constData, exportDir []byte) (codeOffset, exportDirOffset, textSize uint32) {
	codeOffset = align4(b.cursor)
	b.place("jump-table", jumpTable)
	textSize = uint32(len(jumpTable))
	b.place("iat", iat)
	b.place("text", text)
	b.place("const-data", constData)
	exportDirOffset = b.place("export-dir", exportDir)
	return codeOffset, exportDirOffset, textSize
}

func (b *Builder) PlaceData(data []byte) uint32 {
	if len(data) == 0 {
		return b.cursor
	}
	return b.place("data", data)
}

func (b *Builder) PlaceImports(data []byte) uint32   { return b.place("imports", data) }
func (b *Builder) PlaceCodeRelocs(data []byte) uint32 { return b.place("code-relocs", data) }
func (b *Builder) PlaceDataRelocs(data []byte) uint32 { return b.place("data-relocs", data) }

// Size is the image size accumulated so far.
func (b *Builder) Size() uint32 { return b.cursor }

// Chunks returns the assembled chunk list, sorted by offset, for overlap
// checking and final emission.
func (b *Builder) Chunks() []Chunk { return b.chunks }

// CheckNoOverlap verifies the testable invariant that chunks never
// overlap and that their cumulative length, with each chunk starting at
// the next 4-byte boundary as place puts it, equals the image size.
// chunks must be in placement order.
func CheckNoOverlap(chunks []Chunk, totalSize uint32) error {
	var sum uint32
	for i, c := range chunks {
		end := c.Offset + uint32(len(c.Data))
		for j, d := range chunks {
			if i == j {
				continue
			}
			dend := d.Offset + uint32(len(d.Data))
			if c.Offset < dend && d.Offset < end {
				return errs.New(errs.DomainE32, errs.KindSectionMissing,
					"chunks "+c.Tag+" and "+d.Tag+" overlap")
			}
		}
		sum = align4(sum) + uint32(len(c.Data))
	}
	if sum != totalSize {
		return errs.New(errs.DomainE32, errs.KindSectionMissing, "chunk sizes do not sum to total image size")
	}
	return nil
}

// Assemble concatenates chunks (already placed at increasing, aligned
// offsets with no gaps other than alignment padding) into one byte
// buffer representing the image past its header.
func Assemble(chunks []Chunk, totalSize uint32) []byte {
	buf := make([]byte, totalSize)
	for _, c := range chunks {
		copy(buf[c.Offset:], c.Data)
	}
	return buf
}

// CompressResult holds a payload after optional compression.
type CompressResult struct {
	Data             []byte
	UncompressedSize uint32
	Compressed       bool
}

// DeflateUID is the compression-method UID stamped into the header's
// compression-type field when a payload is Deflate-compressed.
const DeflateUID = 0x101F7AFC

// Compress compresses payload (everything in the image after the
// header) with the Deflate-style codec, when requested.
func Compress(payload []byte, enabled bool) CompressResult {
	if !enabled {
		return CompressResult{Data: payload}
	}
	return CompressResult{
		Data:             deflate.Compress(payload),
		UncompressedSize: uint32(len(payload)),
		Compressed:       true,
	}
}

// Finalize fills in the header's CRC and UID-checksum fields given the
// fully assembled header bytes, and returns the final header bytes.
func Finalize(h *Header) []byte {
	h.UIDChecksum = UIDChecksum(h.UID1, h.UID2, h.UID3)
	marshaled := h.Marshal()
	h.HeaderCRC = ComputeCRC(marshaled)
	binary.LittleEndian.PutUint32(marshaled[20:], h.HeaderCRC)
	return marshaled
}

// entryStubEka2 and entryStubEka2Corrupt are the two known first-8-byte
// patterns for an Eka2 entry-point stub: a valid prologue, and a known
// corrupted variant. Any other pattern is reported as unsupported rather
// than corrupt, per the format's undocumented validator.
var (
	entryStubEka2         = [8]byte{0x00, 0x00, 0x8f, 0xe2, 0x00, 0xf0, 0x9f, 0xe5}
	entryStubEka2Corrupt  = [8]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
)

// EntryStubStatus is the result of validating an entry point's first 8
// bytes against the known Eka2 stub patterns.
type EntryStubStatus int

const (
	EntryStubOK EntryStubStatus = iota
	EntryStubCorrupt
	EntryStubUnsupported
)

// ValidateEntryStub inspects the first 8 bytes at the entry-point offset.
func ValidateEntryStub(first8 [8]byte) EntryStubStatus {
	if first8 == entryStubEka2 {
		return EntryStubOK
	}
	if first8 == entryStubEka2Corrupt {
		return EntryStubCorrupt
	}
	return EntryStubUnsupported
}
