// Package e32 lays out, fills, optionally compresses, and CRC-stamps an
// E32 image: the fixed binary header, the code/data/import/relocation
// sections, and the checksum and flag encodings the OS loader expects.
package e32

import (
	"encoding/binary"
	"hash/crc32"

	"moria.us/elf2e32/internal/errs"
)

// Signature is the fixed 4-byte magic at the start of every E32 image.
var Signature = [4]byte{'E', 'P', 'O', 'C'}

// crcInitial is the seed the header CRC-32 is computed with, matching the
// OS loader's own checksum routine rather than the zero seed of a
// standard CRC-32.
const crcInitial = 0xC90FDAA2

// HeaderFormat identifies which header layout a flags word describes.
type HeaderFormat uint32

const (
	HeaderOriginal HeaderFormat = 0
	HeaderJ        HeaderFormat = 1
	HeaderV        HeaderFormat = 2
)

// ImportFormat identifies how the import section encodes resolved
// imports.
type ImportFormat uint32

const (
	ImportPE  ImportFormat = 0
	ImportELF ImportFormat = 1
	ImportPE2 ImportFormat = 2
)

// ABI identifies the calling convention the image targets.
type ABI uint32

const (
	ABIGCC98r2 ABI = 0
	ABIEABI    ABI = 1
)

// EntryPointFormat identifies which loader-stub protocol the image's
// entry point follows.
type EntryPointFormat uint32

const (
	EntryEka1 EntryPointFormat = 0
	EntryEka2 EntryPointFormat = 1
)

// FPU identifies the floating-point unit the image was compiled for.
type FPU uint32

const (
	FPUNone  FPU = 0
	FPUVFPv2 FPU = 1
)

// Flags is the packed bitfield word stored in the header.
type Flags struct {
	DLL              bool
	FixedAddressExe  bool
	ABI              ABI
	EntryPointFormat EntryPointFormat
	FPU              FPU
	HeaderFormat     HeaderFormat
	ImportFormat     ImportFormat

	// Legacy compatibility, consulted only when HeaderFormat is
	// HeaderOriginal: whether the image predates the header-format field
	// and encodes its import/compression scheme in these two bits
	// instead.
	LegacyOldElfImport bool
	LegacyOldJFormat   bool
}

// Encode packs Flags into the 32-bit header flags word.
func (f Flags) Encode() uint32 {
	var v uint32
	if f.DLL {
		v |= 1 << 0
	}
	if f.FixedAddressExe {
		v |= 1 << 2
	}
	v |= uint32(f.ABI&0x3) << 3
	v |= uint32(f.EntryPointFormat&0x7) << 5
	v |= uint32(f.FPU&0xf) << 20
	v |= uint32(f.HeaderFormat&0xf) << 24
	v |= uint32(f.ImportFormat&0xf) << 28
	if f.HeaderFormat == HeaderOriginal {
		if f.LegacyOldElfImport {
			v |= 1 << 3
		}
		if f.LegacyOldJFormat {
			v |= 1 << 4
		}
	}
	return v
}

// DecodeFlags unpacks a header flags word, resolving the legacy bits when
// the header format is the original (pre-format-field) layout.
func DecodeFlags(v uint32) Flags {
	f := Flags{
		DLL:              v&(1<<0) != 0,
		FixedAddressExe:  v&(1<<2) != 0,
		ABI:              ABI((v >> 3) & 0x3),
		EntryPointFormat: EntryPointFormat((v >> 5) & 0x7),
		FPU:              FPU((v >> 20) & 0xf),
		HeaderFormat:     HeaderFormat((v >> 24) & 0xf),
		ImportFormat:     ImportFormat((v >> 28) & 0xf),
	}
	if f.HeaderFormat == HeaderOriginal {
		f.LegacyOldElfImport = v&(1<<3) != 0
		f.LegacyOldJFormat = v&(1<<4) != 0
		if f.LegacyOldElfImport {
			f.ABI = ABIEABI
			f.ImportFormat = ImportELF
		}
		if f.LegacyOldJFormat {
			f.EntryPointFormat = EntryEka2
			f.HeaderFormat = HeaderJ
		}
	}
	return f
}

// SecurityInfo holds the platform-security identity carried by the
// extended (V-format) header.
type SecurityInfo struct {
	SecureID     uint32
	VendorID     uint32
	Capabilities [2]uint32
}

// Header is the full E32 header this implementation always emits in the
// extended V-format layout: the base fields plus security info, exception
// descriptor offset, and inline export-description bytes.
type Header struct {
	UID1, UID2, UID3 uint32
	UIDChecksum      uint32

	HeaderCRC        uint32
	ModuleVersion    uint32
	CompressionType  uint32
	ToolsVersion     uint32
	TimeLo, TimeHi   uint32
	Flags            uint32

	CodeSize    uint32
	DataSize    uint32
	HeapMin     uint32
	HeapMax     uint32
	StackSize   uint32
	BSSSize     uint32

	EntryPoint uint32
	CodeBase   uint32
	DataBase   uint32

	DllRefTableCount uint32
	ExportDirOffset  uint32
	ExportDirCount   uint32
	TextSize         uint32

	CodeOffset      uint32
	DataOffset      uint32
	ImportOffset    uint32
	CodeRelocOffset uint32
	DataRelocOffset uint32

	Priority uint16
	CPU      uint16

	Security          SecurityInfo
	ExceptionDescOff  uint32
	ExportDescType    byte
	ExportDescSize    uint16
	ExportDescBytes   []byte
	UncompressedSize  uint32
}

// baseHeaderSize is the byte length of the header up to (but not
// including) the extended V-format fields.
const baseHeaderSize = 4*3 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 4 +
	4*6 + 4*3 + 4*4 + 4*5 + 2 + 2

// Marshal serializes the header, including the inline export-description
// bytes, in little-endian byte order.
func (h *Header) Marshal() []byte {
	buf := make([]byte, baseHeaderSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], h.UID1)
	le.PutUint32(buf[4:], h.UID2)
	le.PutUint32(buf[8:], h.UID3)
	le.PutUint32(buf[12:], h.UIDChecksum)
	copy(buf[16:20], Signature[:])
	le.PutUint32(buf[20:], h.HeaderCRC)
	le.PutUint32(buf[24:], h.ModuleVersion)
	le.PutUint32(buf[28:], h.CompressionType)
	le.PutUint32(buf[32:], h.ToolsVersion)
	le.PutUint32(buf[36:], h.TimeLo)
	le.PutUint32(buf[40:], h.TimeHi)
	le.PutUint32(buf[44:], h.Flags)
	le.PutUint32(buf[48:], h.CodeSize)
	le.PutUint32(buf[52:], h.DataSize)
	le.PutUint32(buf[56:], h.HeapMin)
	le.PutUint32(buf[60:], h.HeapMax)
	le.PutUint32(buf[64:], h.StackSize)
	le.PutUint32(buf[68:], h.BSSSize)
	le.PutUint32(buf[72:], h.EntryPoint)
	le.PutUint32(buf[76:], h.CodeBase)
	le.PutUint32(buf[80:], h.DataBase)
	le.PutUint32(buf[84:], h.DllRefTableCount)
	le.PutUint32(buf[88:], h.ExportDirOffset)
	le.PutUint32(buf[92:], h.ExportDirCount)
	le.PutUint32(buf[96:], h.TextSize)
	le.PutUint32(buf[100:], h.CodeOffset)
	le.PutUint32(buf[104:], h.DataOffset)
	le.PutUint32(buf[108:], h.ImportOffset)
	le.PutUint32(buf[112:], h.CodeRelocOffset)
	le.PutUint32(buf[116:], h.DataRelocOffset)
	le.PutUint16(buf[120:], h.Priority)
	le.PutUint16(buf[122:], h.CPU)

	ext := make([]byte, 0, 4*4+1+2+len(h.ExportDescBytes)+4)
	var tmp [4]byte
	le.PutUint32(tmp[:], h.Security.SecureID)
	ext = append(ext, tmp[:]...)
	le.PutUint32(tmp[:], h.Security.VendorID)
	ext = append(ext, tmp[:]...)
	le.PutUint32(tmp[:], h.Security.Capabilities[0])
	ext = append(ext, tmp[:]...)
	le.PutUint32(tmp[:], h.Security.Capabilities[1])
	ext = append(ext, tmp[:]...)
	le.PutUint32(tmp[:], h.ExceptionDescOff)
	ext = append(ext, tmp[:]...)
	ext = append(ext, h.ExportDescType)
	var szbuf [2]byte
	le.PutUint16(szbuf[:], h.ExportDescSize)
	ext = append(ext, szbuf[:]...)
	ext = append(ext, h.ExportDescBytes...)
	le.PutUint32(tmp[:], h.UncompressedSize)
	ext = append(ext, tmp[:]...)

	return append(buf, ext...)
}

// UnmarshalHeader parses a header previously produced by Marshal.
func UnmarshalHeader(data []byte) (*Header, error) {
	if len(data) < baseHeaderSize {
		return nil, errs.New(errs.DomainE32, errs.KindFileRead, "header too short")
	}
	le := binary.LittleEndian
	h := &Header{
		UID1:             le.Uint32(data[0:]),
		UID2:             le.Uint32(data[4:]),
		UID3:             le.Uint32(data[8:]),
		UIDChecksum:      le.Uint32(data[12:]),
		HeaderCRC:        le.Uint32(data[20:]),
		ModuleVersion:    le.Uint32(data[24:]),
		CompressionType:  le.Uint32(data[28:]),
		ToolsVersion:     le.Uint32(data[32:]),
		TimeLo:           le.Uint32(data[36:]),
		TimeHi:           le.Uint32(data[40:]),
		Flags:            le.Uint32(data[44:]),
		CodeSize:         le.Uint32(data[48:]),
		DataSize:         le.Uint32(data[52:]),
		HeapMin:          le.Uint32(data[56:]),
		HeapMax:          le.Uint32(data[60:]),
		StackSize:        le.Uint32(data[64:]),
		BSSSize:          le.Uint32(data[68:]),
		EntryPoint:       le.Uint32(data[72:]),
		CodeBase:         le.Uint32(data[76:]),
		DataBase:         le.Uint32(data[80:]),
		DllRefTableCount: le.Uint32(data[84:]),
		ExportDirOffset:  le.Uint32(data[88:]),
		ExportDirCount:   le.Uint32(data[92:]),
		TextSize:         le.Uint32(data[96:]),
		CodeOffset:       le.Uint32(data[100:]),
		DataOffset:       le.Uint32(data[104:]),
		ImportOffset:     le.Uint32(data[108:]),
		CodeRelocOffset:  le.Uint32(data[112:]),
		DataRelocOffset:  le.Uint32(data[116:]),
		Priority:         le.Uint16(data[120:]),
		CPU:              le.Uint16(data[122:]),
	}
	if string(data[16:20]) != string(Signature[:]) {
		return nil, errs.New(errs.DomainE32, errs.KindMagic, "bad E32 signature")
	}
	rest := data[baseHeaderSize:]
	if len(rest) < 4*5+1+2 {
		return nil, errs.New(errs.DomainE32, errs.KindFileRead, "extended header too short")
	}
	h.Security.SecureID = le.Uint32(rest[0:])
	h.Security.VendorID = le.Uint32(rest[4:])
	h.Security.Capabilities[0] = le.Uint32(rest[8:])
	h.Security.Capabilities[1] = le.Uint32(rest[12:])
	h.ExceptionDescOff = le.Uint32(rest[16:])
	h.ExportDescType = rest[20]
	h.ExportDescSize = le.Uint16(rest[21:])
	descEnd := 23 + int(h.ExportDescSize)
	if len(rest) < descEnd+4 {
		return nil, errs.New(errs.DomainE32, errs.KindFileRead, "export description overruns header")
	}
	h.ExportDescBytes = append([]byte(nil), rest[23:descEnd]...)
	h.UncompressedSize = le.Uint32(rest[descEnd:])
	return h, nil
}

// ComputeCRC computes the header CRC-32 over marshaled bytes, with the
// CRC field itself zeroed, using the loader's non-zero seed rather than
// the standard CRC-32 zero seed.
func ComputeCRC(marshaled []byte) uint32 {
	buf := append([]byte(nil), marshaled...)
	binary.LittleEndian.PutUint32(buf[20:], 0)
	table := crc32.MakeTable(crc32.IEEE)
	return crc32.Update(crcInitial, table, buf)
}

// UIDChecksum computes the interleaved-XOR checksum of the three UID
// words: each word's odd and even bytes are swapped (byte 0 with byte 1,
// byte 2 with byte 3) before the words are XOR-folded. As an XOR fold,
// the result does not depend on the order of the three words.
func UIDChecksum(uid1, uid2, uid3 uint32) uint32 {
	swap := func(v uint32) uint32 {
		b0 := byte(v)
		b1 := byte(v >> 8)
		b2 := byte(v >> 16)
		b3 := byte(v >> 24)
		return uint32(b1) | uint32(b0)<<8 | uint32(b3)<<16 | uint32(b2)<<24
	}
	return swap(uid1) ^ swap(uid2) ^ swap(uid3)
}
