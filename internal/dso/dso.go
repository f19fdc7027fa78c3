// Package dso resolves imported symbols against previously produced DSO
// ("Direct Shared Object") files, and builds the ordinal-encoded code
// section a DSO exposes to later resolutions. A DSO is a stripped ELF
// dynamic object whose exported dynamic symbols carry 1-based ordinals as
// the 32-bit word at each symbol's code-segment offset; emitting the
// container ELF itself (section headers, string tables) is left to the
// external DSO ELF emitter collaborator this package feeds.
package dso

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"moria.us/elf2e32/internal/errs"
)

// Resolver looks up ordinals in an already-opened DSO file.
type Resolver struct {
	file *elf.File
	syms map[string]elf.Symbol
}

// Open loads a DSO file for resolution. The caller is responsible for
// closing the returned Resolver's underlying file via Close.
func Open(name string) (*Resolver, error) {
	f, err := elf.Open(name)
	if err != nil {
		return nil, errs.Wrap(errs.DomainDSO, errs.KindFileOpen, name, err)
	}
	syms, err := f.DynamicSymbols()
	if err != nil {
		f.Close()
		return nil, errs.Wrap(errs.DomainDSO, errs.KindFileRead, name, err)
	}
	index := make(map[string]elf.Symbol, len(syms))
	for _, s := range syms {
		if elf.ST_BIND(s.Info) == elf.STB_GLOBAL && s.Section != elf.SHN_UNDEF {
			index[s.Name] = s
		}
	}
	return &Resolver{file: f, syms: index}, nil
}

func (r *Resolver) Close() error { return r.file.Close() }

// Ordinal returns the 1-based ordinal for name, read from the 32-bit word
// stored at the symbol's code-segment offset.
func (r *Resolver) Ordinal(name string) (uint32, error) {
	sym, ok := r.syms[name]
	if !ok {
		return 0, errs.New(errs.DomainDSO, errs.KindUndefinedSymbol, fmt.Sprintf("symbol %q not exported by DSO", name))
	}
	for _, p := range r.file.Progs {
		if p.Type != elf.PT_LOAD || p.Flags&elf.PF_X == 0 {
			continue
		}
		if uint64(sym.Value) < p.Vaddr || uint64(sym.Value)+4 > p.Vaddr+p.Filesz {
			continue
		}
		buf := make([]byte, 4)
		if _, err := p.ReadAt(buf, int64(uint64(sym.Value)-p.Vaddr)); err != nil {
			return 0, errs.Wrap(errs.DomainDSO, errs.KindFileRead, name, err)
		}
		return binary.LittleEndian.Uint32(buf), nil
	}
	return 0, errs.New(errs.DomainDSO, errs.KindSectionMissing, fmt.Sprintf("symbol %q not within a code segment", name))
}

// Export is one entry a DSO's ordinal table must encode.
type Export struct {
	Name    string
	Ordinal uint32
}

// BuildOrdinalTable produces the raw code-section bytes a DSO exposes:
// one little-endian 32-bit ordinal word per export, in the order the
// exports are given, plus the byte offset assigned to each export's word so the ELF emitter
// can place its dynamic symbol at that offset.
func BuildOrdinalTable(exports []Export) (data []byte, offsets map[string]uint32) {
	offsets = make(map[string]uint32, len(exports))
	data = make([]byte, len(exports)*4)
	for i, e := range exports {
		off := uint32(i * 4)
		binary.LittleEndian.PutUint32(data[off:], e.Ordinal)
		offsets[e.Name] = off
	}
	return data, offsets
}
