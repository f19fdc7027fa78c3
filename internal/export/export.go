// Package export builds the ordinal-indexed export directory and its
// compact "holes" description for an E32 image, either assigning
// ordinals fresh from an ELF's observed symbol order or reconciling
// against a DEF file's canonical ordering when rebuilding.
package export

import (
	"sort"

	"moria.us/elf2e32/internal/elfmodel"
	"moria.us/elf2e32/internal/errs"
)

// Entry is one ordinal slot in the export directory.
type Entry struct {
	Ordinal int
	Symbol  *elfmodel.Symbol // nil when Absent
	Absent  bool
}

// DefExport is one export line parsed from a DEF file, used when
// rebuilding against a prior ordinal assignment.
type DefExport struct {
	Name    string
	Ordinal int
	Absent  bool
}

// AssignFirstBuild orders exported symbols by ELF-observed order,
// assigning ordinals 1..N.
func AssignFirstBuild(syms []*elfmodel.Symbol) []Entry {
	entries := make([]Entry, len(syms))
	for i, s := range syms {
		entries[i] = Entry{Ordinal: i + 1, Symbol: s}
	}
	return entries
}

// AssignFromDef reconciles the ELF's exported symbols against a DEF
// file's canonical ordinal assignment. Symbols present in the DEF but
// missing from the ELF become absent entries that still occupy their
// ordinal slot. Symbols present in the ELF but absent from the DEF are an
// error unless allowExtra is set, in which case they are appended after
// the highest DEF ordinal.
func AssignFromDef(syms []*elfmodel.Symbol, def []DefExport, allowExtra bool) ([]Entry, error) {
	byName := make(map[string]*elfmodel.Symbol, len(syms))
	for _, s := range syms {
		byName[s.Name] = s
	}
	seen := make(map[string]bool, len(def))
	maxOrdinal := 0
	entries := make(map[int]Entry, len(def))
	for _, d := range def {
		seen[d.Name] = true
		if d.Ordinal > maxOrdinal {
			maxOrdinal = d.Ordinal
		}
		sym, ok := byName[d.Name]
		if !ok || d.Absent {
			entries[d.Ordinal] = Entry{Ordinal: d.Ordinal, Absent: true}
			continue
		}
		entries[d.Ordinal] = Entry{Ordinal: d.Ordinal, Symbol: sym}
	}
	var extra []*elfmodel.Symbol
	for _, s := range syms {
		if !seen[s.Name] {
			extra = append(extra, s)
		}
	}
	if len(extra) > 0 && !allowExtra {
		return nil, errs.New(errs.DomainDEF, errs.KindSymbolCountMismatch,
			"ELF exports symbols absent from the DEF file: "+extra[0].Name)
	}
	for _, s := range extra {
		maxOrdinal++
		entries[maxOrdinal] = Entry{Ordinal: maxOrdinal, Symbol: s}
	}
	out := make([]Entry, 0, maxOrdinal)
	for ord := 1; ord <= maxOrdinal; ord++ {
		e, ok := entries[ord]
		if !ok {
			out = append(out, Entry{Ordinal: ord, Absent: true})
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Directory builds the dense ordinal-indexed export directory: the
// code-segment offset of each export, with absent entries stamped to the
// entry-point veneer's code-segment offset so an accidental call through
// a missing export traps there instead of jumping to garbage. codeBase is
// the code segment's virtual base address; veneerAddr is the (virtual)
// entry-point veneer address, both converted to code-segment-relative
// offsets here.
func Directory(entries []Entry, codeBase, veneerAddr uint32) []uint32 {
	dir := make([]uint32, len(entries))
	for i, e := range entries {
		if e.Absent || e.Symbol == nil {
			dir[i] = veneerAddr - codeBase
			continue
		}
		dir[i] = e.Symbol.Addr - codeBase
	}
	return dir
}

// DescriptionType identifies which encoding the export-description bitmap
// uses.
type DescriptionType byte

const (
	DescriptionNoHoles       DescriptionType = 0x00
	DescriptionFullBitmap    DescriptionType = 0x01
	DescriptionSparseBitmap8 DescriptionType = 0x02
	// DescriptionXip is defined by the image format but never emitted:
	// this toolchain never targets execute-in-place ROM images.
	DescriptionXip DescriptionType = 0xFF
)

// BuildDescription builds the export-description bitmap for entries. When
// every ordinal is present, the description is empty (no-holes). When the
// full bitmap's non-full bytes are sparse enough that an 8-bit
// (byte-index, mask) encoding is smaller, that encoding is used;
// otherwise the full bitmap is emitted.
func BuildDescription(entries []Entry) (DescriptionType, []byte) {
	n := len(entries)
	full := true
	bitmap := make([]byte, (n+7)/8)
	for i, e := range entries {
		if e.Absent {
			full = false
			continue
		}
		bitmap[i/8] |= 1 << uint(i%8)
	}
	if full {
		return DescriptionNoHoles, nil
	}

	var sparse []byte
	for i, b := range bitmap {
		if b != 0xff {
			sparse = append(sparse, byte(i), b)
		}
	}
	if len(sparse) < len(bitmap) {
		return DescriptionSparseBitmap8, sparse
	}
	return DescriptionFullBitmap, bitmap
}

// SortByOrdinal is a convenience for callers assembling DEF output, which
// requires ordinals in ascending order.
func SortByOrdinal(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Ordinal < entries[j].Ordinal })
}
