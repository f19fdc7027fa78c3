// Package elfmodel reads an ELF32 little-endian ARM dynamic object or
// executable and builds the in-memory model the rest of the toolchain
// operates on: segment classification, exported and imported dynamic
// symbols, version records, and the accepted relocation set partitioned
// by target segment.
package elfmodel

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"strings"

	"moria.us/elf2e32/internal/errs"
)

// wrapError attaches location context to an error, the same chaining shape
// used throughout this program's error reporting.
type wrappedError struct {
	location string
	inner    error
}

func (e *wrappedError) Error() string { return fmt.Sprintf("%s: %v", e.location, e.inner) }
func (e *wrappedError) Unwrap() error { return e.inner }

func wrapError(e error, loc string) error {
	if we, ok := e.(*wrappedError); ok {
		return &wrappedError{location: loc + ": " + we.location, inner: we.inner}
	}
	return &wrappedError{location: loc, inner: e}
}

func wrapErrorf(e error, f string, a ...interface{}) error {
	return wrapError(e, fmt.Sprintf(f, a...))
}

// rARMGotBrel is R_ARM_GOT_BREL per the ARM ELF ABI relocation-type table
// (type number 26). The Go standard library's debug/elf names this same
// numeric value R_ARM_GOT32, following the older BSD relocation table
// naming rather than the ARM ABI's; the number is what matters here.
const rARMGotBrel = elf.R_ARM_GOT32

// SegmentKind classifies a virtual address by which program segment
// contains it.
type SegmentKind int

const (
	SegmentUndefined SegmentKind = iota
	SegmentCode
	SegmentData
)

func (k SegmentKind) String() string {
	switch k {
	case SegmentCode:
		return "code"
	case SegmentData:
		return "data"
	default:
		return "undefined"
	}
}

// addrRange is a range of addresses in the ELF file's address space.
type addrRange struct {
	addr uint32
	size uint32
}

func (r addrRange) contains(addr uint32) bool {
	return r.addr <= addr && addr < r.addr+r.size
}

// SymbolKind distinguishes function symbols from data symbols.
type SymbolKind int

const (
	SymbolCode SymbolKind = iota
	SymbolData
)

// VersionCategory is the classification of a dynamic symbol's version
// record: whether it originates from this object's own version
// definitions, from a needed library's version requirements, or is absent.
type VersionCategory int

const (
	VersionNone VersionCategory = iota
	VersionDefined
	VersionNeeded
)

// Symbol is an exported or imported dynamic symbol, resolved to the
// segment it belongs to (for exports) or the DLL it must be resolved
// against (for imports).
type Symbol struct {
	Name     string
	Kind     SymbolKind
	Ordinal  int
	Size     uint32
	Addr     uint32
	LinkAs   string
	Absent   bool
	Weak     bool
	Segment  SegmentKind
}

// Relocation is one accepted ELF relocation, resolved against the model's
// dynamic symbol table.
type Relocation struct {
	TargetAddr uint32
	Addend     int32
	SymIndex   int
	Type       elf.R_ARM
	Segment    SegmentKind
	Symbol     *Symbol // referenced exported or imported symbol; nil if none
}

// Model is the fully decoded ELF input: segment ranges, the classified
// dynamic symbol table, and every accepted relocation, partitioned into
// local fixups (by target segment) and imports (by link-as DLL name).
type Model struct {
	File *elf.File

	CodeSeg addrRange
	DataSeg addrRange
	codeProg *elf.Prog
	dataProg *elf.Prog

	// Exported holds every exported dynamic symbol in ELF-observed order.
	Exported []*Symbol
	// Imported holds every imported dynamic symbol in ELF-observed order.
	Imported []*Symbol

	LocalCode []Relocation
	LocalData []Relocation
	// Imports groups relocations against imported symbols by the
	// symbol's link-as DLL name.
	Imports map[string][]Relocation

	EntryAddr uint32
}

// hasFlag reports whether a program header's flags contain all of want.
func hasFlag(p elf.ProgFlag, want elf.ProgFlag) bool { return p&want == want }

// hasAnyFlag reports whether a program header's flags contain any of want.
func hasAnyFlag(p elf.ProgFlag, want elf.ProgFlag) bool { return p&want != 0 }

// progFlagARMEntry is the ARM-specific program header flag bit marking the
// segment that holds the entry point, distinct from PF_X.
const progFlagARMEntry elf.ProgFlag = 0x80000000

// Load reads and validates an ELF32 ARM dynamic object or executable and
// builds its Model.
func Load(f *elf.File) (*Model, error) {
	if f.Class != elf.ELFCLASS32 {
		return nil, errs.New(errs.DomainELF, errs.KindClass, fmt.Sprintf("class %s, expected ELFCLASS32", f.Class))
	}
	if f.Data != elf.ELFDATA2LSB {
		return nil, errs.New(errs.DomainELF, errs.KindEndianness, fmt.Sprintf("data %s, expected little-endian", f.Data))
	}
	if f.Type != elf.ET_DYN && f.Type != elf.ET_EXEC {
		return nil, errs.New(errs.DomainELF, errs.KindMagic, fmt.Sprintf("type %s, expected ET_DYN or ET_EXEC", f.Type))
	}

	m := &Model{File: f, Imports: make(map[string][]Relocation)}
	if err := m.classifySegments(); err != nil {
		return nil, err
	}
	m.EntryAddr = uint32(f.Entry)

	syms, err := f.DynamicSymbols()
	if err != nil {
		return nil, wrapError(err, "dynamic symbols")
	}
	symByIndex := make([]*Symbol, len(syms)+1) // 1-based, index 0 unused
	if err := m.classifySymbols(syms, symByIndex); err != nil {
		return nil, err
	}
	if err := m.readRelocations(symByIndex); err != nil {
		return nil, err
	}
	if err := m.applyVeneerWorkaround(symByIndex); err != nil {
		return nil, err
	}
	return m, nil
}

// classifySegments finds the code and data program segments: the first
// loadable segment with the executable flag or the ARM entry-point flag
// is code, the first loadable segment with read+write is data.
func (m *Model) classifySegments() error {
	for _, p := range m.File.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		r := addrRange{addr: uint32(p.Vaddr), size: uint32(p.Memsz)}
		if m.CodeSeg.size == 0 && hasAnyFlag(p.Flags, elf.PF_X|progFlagARMEntry) {
			m.CodeSeg = r
			m.codeProg = p
			continue
		}
		if m.DataSeg.size == 0 && hasFlag(p.Flags, elf.PF_R|elf.PF_W) {
			m.DataSeg = r
			m.dataProg = p
		}
	}
	return nil
}

// segmentBytes reads a program segment's full in-memory image: file
// bytes for the first Filesz bytes, zero-filled out to Memsz for any
// trailing bss.
func segmentBytes(p *elf.Prog) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	buf := make([]byte, p.Memsz)
	if p.Filesz > 0 {
		if _, err := p.ReadAt(buf[:p.Filesz], 0); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// CodeBase returns the code segment's virtual base address.
func (m *Model) CodeBase() uint32 { return m.CodeSeg.addr }

// CodeSize returns the code segment's in-memory size.
func (m *Model) CodeSize() uint32 { return m.CodeSeg.size }

// DataBase returns the data segment's virtual base address.
func (m *Model) DataBase() uint32 { return m.DataSeg.addr }

// DataSize returns the data segment's in-memory size.
func (m *Model) DataSize() uint32 { return m.DataSeg.size }

// CodeBytes returns the code segment's full in-memory image.
func (m *Model) CodeBytes() ([]byte, error) { return segmentBytes(m.codeProg) }

// DataBytes returns the data segment's full in-memory image.
func (m *Model) DataBytes() ([]byte, error) { return segmentBytes(m.dataProg) }

// classify resolves a virtual address to the segment that contains it.
func (m *Model) classify(addr uint32) SegmentKind {
	switch {
	case m.CodeSeg.contains(addr):
		return SegmentCode
	case m.DataSeg.contains(addr):
		return SegmentData
	default:
		return SegmentUndefined
	}
}

// classifySymbols walks the dynamic symbol table and sorts each symbol
// into Exported or Imported, per the binding/visibility/section rules.
// symByIndex is filled in so relocation records can be resolved by
// 1-based dynamic symbol index.
func (m *Model) classifySymbols(syms []elf.Symbol, symByIndex []*Symbol) error {
	for i, s := range syms {
		bind := elf.ST_BIND(s.Info)
		typ := elf.ST_TYPE(s.Info)
		vis := elf.ST_VISIBILITY(s.Other)

		exported := bind == elf.STB_GLOBAL &&
			(vis == elf.STV_DEFAULT || vis == elf.STV_PROTECTED) &&
			s.Section != elf.SHN_UNDEF && s.Section < elf.SHN_ABS &&
			(typ == elf.STT_FUNC || typ == elf.STT_OBJECT)

		imported := s.Section == elf.SHN_UNDEF &&
			bind == elf.STB_GLOBAL &&
			(vis == elf.STV_DEFAULT || vis == elf.STV_PROTECTED)

		if !exported && !imported {
			continue
		}

		kind := SymbolCode
		if typ == elf.STT_OBJECT {
			kind = SymbolData
		}
		sym := &Symbol{
			Name: s.Name,
			Kind: kind,
			Size: uint32(s.Size),
			Addr: uint32(s.Value),
			Weak: bind == elf.STB_WEAK,
		}

		if imported {
			if s.Library == "" {
				return errs.New(errs.DomainSymbol, errs.KindUndefinedSymbol,
					fmt.Sprintf("imported symbol %q has no needed version record", s.Name))
			}
			sym.LinkAs = s.Library
			m.Imported = append(m.Imported, sym)
			symByIndex[i+1] = sym
			continue
		}

		sym.Segment = m.classify(sym.Addr)
		if s.Library != "" {
			sym.LinkAs = s.Library
		}
		m.Exported = append(m.Exported, sym)
		symByIndex[i+1] = sym
	}
	return nil
}

// acceptedType reports whether an ARM relocation type is forwarded to the
// E32 image, per the accepted-relocation-type set.
func acceptedType(t elf.R_ARM) bool {
	switch t {
	case elf.R_ARM_ABS32, elf.R_ARM_GLOB_DAT, elf.R_ARM_JUMP_SLOT, elf.R_ARM_RELATIVE, rARMGotBrel:
		return true
	default:
		return false
	}
}

// readRelocations walks REL, RELA, and their PLT counterparts, dropping
// R_ARM_NONE, rejecting any type outside the accepted set, and otherwise
// classifying each entry as local or import.
func (m *Model) readRelocations(symByIndex []*Symbol) error {
	seen := make(map[uint32]bool) // dedup offsets covered by PLT/JMPREL overlap
	for i, s := range m.File.Sections {
		switch s.Type {
		case elf.SHT_REL:
			data, err := s.Data()
			if err != nil {
				return wrapErrorf(err, "section %d %q", i, s.Name)
			}
			if err := m.readRelSection(data, symByIndex, seen); err != nil {
				return wrapErrorf(err, "section %d %q", i, s.Name)
			}
		case elf.SHT_RELA:
			data, err := s.Data()
			if err != nil {
				return wrapErrorf(err, "section %d %q", i, s.Name)
			}
			if err := m.readRelaSection(data, symByIndex, seen); err != nil {
				return wrapErrorf(err, "section %d %q", i, s.Name)
			}
		}
	}
	return nil
}

func (m *Model) readRelSection(data []byte, symByIndex []*Symbol, seen map[uint32]bool) error {
	if len(data)%8 != 0 {
		return errs.New(errs.DomainELF, errs.KindSectionMissing, "REL section length is not a multiple of 8")
	}
	for off := 0; off < len(data); off += 8 {
		var rel elf.Rel32
		rel.Off = binary.LittleEndian.Uint32(data[off:])
		rel.Info = binary.LittleEndian.Uint32(data[off+4:])
		if seen[rel.Off] {
			continue
		}
		seen[rel.Off] = true
		rtype := elf.R_ARM(elf.R_TYPE32(rel.Info))
		symIdx := int(elf.R_SYM32(rel.Info))
		if rtype == elf.R_ARM_NONE {
			continue
		}
		if !acceptedType(rtype) {
			return errs.New(errs.DomainELF, errs.KindUnknownRelocation,
				fmt.Sprintf("unsupported relocation type %s at 0x%x", rtype, rel.Off))
		}
		addend, err := m.readAddend(rel.Off)
		if err != nil {
			return err
		}
		if err := m.addRelocation(rel.Off, addend, symIdx, rtype, symByIndex); err != nil {
			return err
		}
	}
	return nil
}

func (m *Model) readRelaSection(data []byte, symByIndex []*Symbol, seen map[uint32]bool) error {
	if len(data)%12 != 0 {
		return errs.New(errs.DomainELF, errs.KindSectionMissing, "RELA section length is not a multiple of 12")
	}
	for off := 0; off < len(data); off += 12 {
		voff := binary.LittleEndian.Uint32(data[off:])
		info := binary.LittleEndian.Uint32(data[off+4:])
		addend := int32(binary.LittleEndian.Uint32(data[off+8:]))
		if seen[voff] {
			continue
		}
		seen[voff] = true
		rtype := elf.R_ARM(elf.R_TYPE32(info))
		symIdx := int(elf.R_SYM32(info))
		if rtype == elf.R_ARM_NONE {
			continue
		}
		if !acceptedType(rtype) {
			return errs.New(errs.DomainELF, errs.KindUnknownRelocation,
				fmt.Sprintf("unsupported relocation type %s at 0x%x", rtype, voff))
		}
		if err := m.addRelocation(voff, addend, symIdx, rtype, symByIndex); err != nil {
			return err
		}
	}
	return nil
}

// readAddend reads the implicit addend for a REL-style relocation: the
// 32-bit word currently stored at the target address.
func (m *Model) readAddend(addr uint32) (int32, error) {
	data, err := m.bytesAt(addr, 4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(data)), nil
}

// bytesAt reads size bytes at a virtual address from whichever program
// segment contains it.
func (m *Model) bytesAt(addr uint32, size uint32) ([]byte, error) {
	for _, p := range m.File.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		lo, hi := uint32(p.Vaddr), uint32(p.Vaddr)+uint32(p.Filesz)
		if addr >= lo && addr+size <= hi {
			buf := make([]byte, size)
			if _, err := p.ReadAt(buf, int64(addr-lo)); err != nil {
				return nil, err
			}
			return buf, nil
		}
	}
	return nil, errs.New(errs.DomainELF, errs.KindSectionMissing,
		fmt.Sprintf("address 0x%x not within any loadable segment", addr))
}

func (m *Model) addRelocation(addr uint32, addend int32, symIdx int, rtype elf.R_ARM, symByIndex []*Symbol) error {
	seg := m.classify(addr)
	if seg == SegmentUndefined {
		// Relocation lies outside both tracked segments (e.g. discarded
		// exception-handling data); ignore it.
		return nil
	}
	var sym *Symbol
	if symIdx > 0 {
		if symIdx >= len(symByIndex) {
			return errs.New(errs.DomainSymbol, errs.KindSymbolCountMismatch,
				fmt.Sprintf("symbol index %d out of bounds", symIdx))
		}
		sym = symByIndex[symIdx]
	}
	rel := Relocation{TargetAddr: addr, Addend: addend, SymIndex: symIdx, Type: rtype, Segment: seg, Symbol: sym}
	if sym != nil && sym.LinkAs != "" {
		m.Imports[sym.LinkAs] = append(m.Imports[sym.LinkAs], rel)
		return nil
	}
	switch seg {
	case SegmentCode:
		m.LocalCode = append(m.LocalCode, rel)
	case SegmentData:
		m.LocalData = append(m.LocalData, rel)
	}
	return nil
}

// veneerBuildThreshold is the RVCT 2.2 build number below which the linker
// is known to omit fix-up entries for long ARM-to-Thumb veneers.
const veneerBuildThreshold = 616

const veneerPrefix = "$Ven$AT$L$$"

// veneerInstruction is the ARM instruction "LDR pc, [pc, #-4]", used by
// long veneers to branch via a following data word.
const veneerInstruction = 0xE51FF004

// applyVeneerWorkaround compensates for a known RVCT 2.2 linker defect: it
// scans static veneer symbols for the long-branch pattern and, when no
// existing local relocation already covers the target word, synthesizes
// one so the E32 image contains the fix-up the loader needs.
func (m *Model) applyVeneerWorkaround(symByIndex []*Symbol) error {
	build, ok := m.rvctBuildNumber()
	if !ok || build >= veneerBuildThreshold {
		return nil
	}
	syms, err := m.File.Symbols()
	if err != nil {
		return nil // no static symbol table; nothing to scan
	}
	existing := make(map[uint32]bool, len(m.LocalCode))
	for _, r := range m.LocalCode {
		existing[r.TargetAddr] = true
	}
	for _, s := range syms {
		if !strings.HasPrefix(s.Name, veneerPrefix) {
			continue
		}
		addr := uint32(s.Value)
		insn, err := m.bytesAt(addr, 4)
		if err != nil {
			continue
		}
		if binary.LittleEndian.Uint32(insn) != veneerInstruction {
			continue
		}
		targetWord, err := m.bytesAt(addr+4, 4)
		if err != nil {
			continue
		}
		target := binary.LittleEndian.Uint32(targetWord)
		if target&1 == 0 {
			continue // not a Thumb target
		}
		if existing[addr+4] {
			continue
		}
		addend, err := m.readAddend(addr + 4)
		if err != nil {
			continue
		}
		m.LocalCode = append(m.LocalCode, Relocation{
			TargetAddr: addr + 4,
			Addend:     addend,
			Type:       elf.R_ARM_ABS32,
			Segment:    SegmentCode,
		})
		existing[addr+4] = true
	}
	return nil
}

// rvctBuildNumber reports the RVCT linker build number recorded in the
// .comment section, if the section identifies the ARM RVCT 2.2 linker.
func (m *Model) rvctBuildNumber() (int, bool) {
	s := m.File.Section(".comment")
	if s == nil {
		return 0, false
	}
	data, err := s.Data()
	if err != nil {
		return 0, false
	}
	text := string(data)
	const marker = "RVCT2.2 [Build "
	idx := strings.Index(text, marker)
	if idx < 0 {
		return 0, false
	}
	rest := text[idx+len(marker):]
	end := strings.IndexByte(rest, ']')
	if end < 0 {
		return 0, false
	}
	var build int
	if _, err := fmt.Sscanf(rest[:end], "%d", &build); err != nil {
		return 0, false
	}
	return build, true
}
