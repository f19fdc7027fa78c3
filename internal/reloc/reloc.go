// Package reloc translates the relocation records collected by elfmodel
// into the E32 image's 16-bit relocation word format and clusters them by
// 4 KiB page for the code- and data-relocation sections.
package reloc

import (
	"debug/elf"
	"sort"

	"moria.us/elf2e32/internal/elfmodel"
	"moria.us/elf2e32/internal/errs"
)

const pageSize = 0x1000

// Kind is the high-nibble relocation kind stamped into each 16-bit E32
// relocation word.
type Kind uint16

const (
	KindReserved Kind = 0
	KindText     Kind = 1 // fix-up target lies in the code segment
	KindData     Kind = 2 // fix-up target lies in the data segment
)

// Word packs a relocation's kind into the high 4 bits and its
// within-page byte offset into the low 12 bits.
func Word(kind Kind, pageOffset uint32) uint16 {
	return uint16(kind)<<12 | uint16(pageOffset&0x0fff)
}

// Page is one page's worth of relocations: its virtual offset from the
// start of the containing segment, and the relocation words for every
// fix-up inside it, in ascending offset order.
type Page struct {
	Offset uint32
	Words  []uint16
}

// Translate maps a segment's local relocations (already filtered to the
// accepted ARM types by elfmodel) into E32 relocation pages. base is the
// segment's virtual address, used to compute each relocation's
// segment-relative offset.
func Translate(base uint32, rels []elfmodel.Relocation, kind Kind) ([]Page, error) {
	byPage := make(map[uint32][]uint32) // page index -> offsets within segment
	for _, r := range rels {
		if !acceptedType(r.Type) {
			return nil, errs.New(errs.DomainELF, errs.KindUnknownRelocation, "unsupported relocation")
		}
		segOff := r.TargetAddr - base
		pageIdx := segOff / pageSize
		byPage[pageIdx] = append(byPage[pageIdx], segOff)
	}
	var pageIdxs []uint32
	for p := range byPage {
		pageIdxs = append(pageIdxs, p)
	}
	sort.Slice(pageIdxs, func(i, j int) bool { return pageIdxs[i] < pageIdxs[j] })

	pages := make([]Page, 0, len(pageIdxs))
	for _, p := range pageIdxs {
		offs := byPage[p]
		sort.Slice(offs, func(i, j int) bool { return offs[i] < offs[j] })
		words := make([]uint16, len(offs))
		for i, off := range offs {
			words[i] = Word(kind, off%pageSize)
		}
		pages = append(pages, Page{Offset: p * pageSize, Words: words})
	}
	return pages, nil
}

func acceptedType(t elf.R_ARM) bool {
	switch t {
	case elf.R_ARM_ABS32, elf.R_ARM_GLOB_DAT, elf.R_ARM_JUMP_SLOT, elf.R_ARM_RELATIVE, elf.R_ARM_GOT32:
		return true
	default:
		return false
	}
}
