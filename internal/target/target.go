// Package target is the use-case dispatcher: it selects the pipeline for
// a target kind (library, DLL, EXE, poly-DLL, exported-exe, std-exe; each
// in a first-build or DEF-rebuild flavor) and drives ELF read, import
// resolution, export construction, image layout, and emission. Pipeline
// errors are returned from Run unchanged; cmd/elf2e32 reports them.
package target

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"sort"

	"moria.us/elf2e32/internal/deffile"
	"moria.us/elf2e32/internal/dso"
	"moria.us/elf2e32/internal/e32"
	"moria.us/elf2e32/internal/elfmodel"
	"moria.us/elf2e32/internal/errs"
	"moria.us/elf2e32/internal/export"
	"moria.us/elf2e32/internal/options"
	"moria.us/elf2e32/internal/reloc"
)

// Result is everything a run may produce; unset outputs are nil.
type Result struct {
	E32      []byte
	DEF      []byte
	DSO      []byte
	Warnings []string
}

// Run executes the pipeline selected by opts.Target: LoadElf →
// ResolveImports → BuildExports → Layout → Fill → Compress? → CRC →
// Emit, with the single branch being optional compression.
func Run(opts *options.Options) (*Result, error) {
	if missing := opts.RequiredOptionMatrix(); len(missing) > 0 {
		return nil, errs.New(errs.DomainParameter, errs.KindMissingOption,
			"missing required option(s): "+joinStrings(missing))
	}

	if opts.Target == options.TargetLibrary {
		return runLibrary(opts)
	}
	return runImage(opts)
}

func joinStrings(ss []string) string {
	var b bytes.Buffer
	for i, s := range ss {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(s)
	}
	return b.String()
}

// runLibrary builds a DSO from a DEF file without reading an ELF input:
// each DEF export's ordinal is written into the DSO's code-section
// ordinal table.
func runLibrary(opts *options.Options) (*Result, error) {
	f, err := os.Open(opts.DefInput)
	if err != nil {
		return nil, errs.Wrap(errs.DomainDEF, errs.KindFileOpen, opts.DefInput, err)
	}
	defer f.Close()
	defExports, err := deffile.Parse(f)
	if err != nil {
		return nil, err
	}
	sort.Slice(defExports, func(i, j int) bool { return defExports[i].Ordinal < defExports[j].Ordinal })
	exports := make([]dso.Export, 0, len(defExports))
	for _, e := range defExports {
		if e.Absent {
			continue
		}
		exports = append(exports, dso.Export{Name: e.Name, Ordinal: uint32(e.Ordinal)})
	}
	data, _ := dso.BuildOrdinalTable(exports)
	return &Result{DSO: data}, nil
}

// runImage is the shared pipeline for every non-library target. Behavior
// that varies per target kind (export processing, entry-point veneer
// handling) is selected by plain field checks rather than virtual
// dispatch across a class hierarchy.
func runImage(opts *options.Options) (*Result, error) {
	f, err := elf.Open(opts.ElfInput)
	if err != nil {
		return nil, errs.Wrap(errs.DomainELF, errs.KindFileOpen, opts.ElfInput, err)
	}
	defer f.Close()

	model, err := elfmodel.Load(f)
	if err != nil {
		return nil, err
	}

	var result Result

	entries, err := buildExports(opts, model)
	if err != nil {
		return nil, err
	}
	if err := checkSysdef(opts, entries); err != nil {
		return nil, err
	}

	codeBytes, err := model.CodeBytes()
	if err != nil {
		return nil, errs.Wrap(errs.DomainELF, errs.KindFileRead, "code segment", err)
	}
	dataBytes, err := model.DataBytes()
	if err != nil {
		return nil, errs.Wrap(errs.DomainELF, errs.KindFileRead, "data segment", err)
	}

	importBlocks, err := resolveImports(model, codeBytes)
	if err != nil {
		return nil, err
	}

	if opts.UID1 != 0 && opts.UID1 != opts.ExpectedUID1() {
		result.Warnings = append(result.Warnings,
			"UID1 does not match the expected value for this target kind")
	}

	header, payload, err := layoutImage(opts, model, entries, importBlocks, codeBytes, dataBytes)
	if err != nil {
		return nil, err
	}
	if err := validateEntryStub(header, payload); err != nil {
		return nil, err
	}

	compressed := e32.Compress(payload, opts.Compression == options.CompressionDeflate)
	header.CompressionType = 0
	header.UncompressedSize = 0
	if compressed.Compressed {
		header.CompressionType = e32.DeflateUID
		header.UncompressedSize = compressed.UncompressedSize
	}

	headerBytes := e32.Finalize(header)
	result.E32 = append(headerBytes, compressed.Data...)

	if opts.DefOutput != "" {
		var buf bytes.Buffer
		dataSyms := make(map[string]bool)
		for _, s := range model.Exported {
			if s.Kind == elfmodel.SymbolData {
				dataSyms[s.Name] = true
			}
		}
		if err := deffile.Write(&buf, entries, dataSyms); err != nil {
			return nil, errs.Wrap(errs.DomainDEF, errs.KindFileWrite, opts.DefOutput, err)
		}
		result.DEF = buf.Bytes()
	}
	if opts.DSOOutput != "" {
		exports := make([]dso.Export, 0, len(entries))
		for _, e := range entries {
			if !e.Absent && e.Symbol != nil {
				exports = append(exports, dso.Export{Name: e.Symbol.Name, Ordinal: uint32(e.Ordinal)})
			}
		}
		data, _ := dso.BuildOrdinalTable(exports)
		result.DSO = data
	}

	return &result, nil
}

func buildExports(opts *options.Options, model *elfmodel.Model) ([]export.Entry, error) {
	if !opts.Rebuild {
		return export.AssignFirstBuild(model.Exported), nil
	}
	f, err := os.Open(opts.DefInput)
	if err != nil {
		return nil, errs.Wrap(errs.DomainDEF, errs.KindFileOpen, opts.DefInput, err)
	}
	defer f.Close()
	defExports, err := deffile.Parse(f)
	if err != nil {
		return nil, err
	}
	entries, err := export.AssignFromDef(model.Exported, deffile.ToExportEntries(defExports), opts.AllowExtraExports)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// checkSysdef validates --sysdef pins: the named export must land at the
// pinned ordinal.
func checkSysdef(opts *options.Options, entries []export.Entry) error {
	byName := make(map[string]int, len(entries))
	for _, e := range entries {
		if e.Symbol != nil {
			byName[e.Symbol.Name] = e.Ordinal
		}
	}
	for _, s := range opts.Sysdef {
		ord, ok := byName[s.Name]
		if !ok || ord != s.Ordinal {
			return errs.New(errs.DomainDEF, errs.KindSysdefMismatch,
				"sysdef pin for "+s.Name+" does not match the DEF ordinal assignment")
		}
	}
	return nil
}

// resolveImports opens each imported DLL's DSO file ("<linkas>.dso" in
// the current working directory) and resolves every relocation against it
// to an ordinal. For the ELF import format, each import block entry names
// the code-segment offset that receives the resolved address, and the
// ordinal itself is patched directly into codeBytes at that offset, so
// the loader can later walk the block and fix up each slot in place.
func resolveImports(model *elfmodel.Model, codeBytes []byte) ([]e32.ImportBlock, error) {
	var names []string
	for name := range model.Imports {
		names = append(names, name)
	}
	sort.Strings(names)

	var blocks []e32.ImportBlock
	for _, name := range names {
		r, err := dso.Open(name + ".dso")
		if err != nil {
			return nil, err
		}
		rels := model.Imports[name]
		entries := make([]uint32, len(rels))
		for i, rel := range rels {
			ord, err := r.Ordinal(rel.Symbol.Name)
			if err != nil {
				r.Close()
				return nil, err
			}
			offset := rel.TargetAddr - model.CodeBase()
			entries[i] = offset
			binary.LittleEndian.PutUint32(codeBytes[offset:], ord)
		}
		r.Close()
		blocks = append(blocks, e32.ImportBlock{DLLName: name, Entries: entries})
	}
	return blocks, nil
}

// layoutImage assembles the header and the post-header payload bytes.
func layoutImage(opts *options.Options, model *elfmodel.Model, entries []export.Entry, importBlocks []e32.ImportBlock, codeBytes, dataBytes []byte) (*e32.Header, []byte, error) {
	veneerAddr := model.EntryAddr
	dir := export.Directory(entries, model.CodeBase(), veneerAddr)
	descType, descBytes := export.BuildDescription(entries)

	dirBytes := make([]byte, 4*len(dir))
	for i, off := range dir {
		binary.LittleEndian.PutUint32(dirBytes[i*4:], off)
	}

	// The ELF import format resolves every import directly into codeBytes
	// (see resolveImports): there is no load-time import address table to
	// place, so the IAT chunk is empty and textSize is just the jump
	// table's length.
	importFormat := e32.ImportELF

	capBits, err := options.CapabilityBits(opts.Capability)
	if err != nil {
		return nil, nil, err
	}

	headerSizePlaceholder := len((&e32.Header{ExportDescBytes: descBytes}).Marshal())

	builder := e32.NewBuilder(nil)
	builder.PlaceHeader(headerSizePlaceholder)
	codeOffset, exportDirOffset, textSize := builder.PlaceCode(nil, nil, codeBytes, nil, dirBytes)
	dataOffset := builder.PlaceData(dataBytes)
	importSection := e32.BuildImportSection(importBlocks, importFormat)
	importOffset := builder.PlaceImports(importSection)

	codePages, err := reloc.Translate(model.CodeBase(), model.LocalCode, reloc.KindText)
	if err != nil {
		return nil, nil, err
	}
	dataPages, err := reloc.Translate(model.DataBase(), model.LocalData, reloc.KindData)
	if err != nil {
		return nil, nil, err
	}
	codeRelocOffset := builder.PlaceCodeRelocs(e32.BuildRelocSection(codePages))
	dataRelocOffset := builder.PlaceDataRelocs(e32.BuildRelocSection(dataPages))

	if err := e32.CheckNoOverlap(builder.Chunks(), builder.Size()); err != nil {
		return nil, nil, err
	}
	// The header chunk is not part of the payload; drop it before
	// assembling the post-header bytes.
	payloadChunks := builder.Chunks()[1:]
	headerSize := builder.Chunks()[0].Offset + uint32(len(builder.Chunks()[0].Data))
	payload := e32.Assemble(rebase(payloadChunks, headerSize), builder.Size()-headerSize)

	h := &e32.Header{
		UID1: opts.UID1, UID2: opts.UID2, UID3: opts.UID3,
		ToolsVersion:     1,
		CodeSize:         uint32(len(codeBytes)),
		DataSize:         uint32(len(dataBytes)),
		HeapMin:          opts.HeapMin,
		HeapMax:          opts.HeapMax,
		StackSize:        opts.StackSize,
		EntryPoint:       model.EntryAddr - model.CodeBase(),
		CodeBase:         model.CodeBase(),
		DataBase:         model.DataBase(),
		DllRefTableCount: uint32(len(importBlocks)),
		ExportDirOffset:  exportDirOffset,
		ExportDirCount:   uint32(len(entries)),
		TextSize:         textSize,
		CodeOffset:       codeOffset,
		DataOffset:       dataOffset,
		ImportOffset:     importOffset,
		CodeRelocOffset:  codeRelocOffset,
		DataRelocOffset:  dataRelocOffset,
		Priority:         opts.Priority,
		ExportDescType:   byte(descType),
		ExportDescSize:   uint16(len(descBytes)),
		ExportDescBytes:  descBytes,
		Security: e32.SecurityInfo{
			SecureID:     opts.SID,
			VendorID:     opts.VID,
			Capabilities: capBits,
		},
	}
	h.Flags = e32.Flags{
		DLL:              opts.Target == options.TargetDLL || opts.Target == options.TargetPolyDLL,
		ABI:              e32.ABIEABI,
		EntryPointFormat: e32.EntryEka2,
		ImportFormat:     importFormat,
		HeaderFormat:     e32.HeaderV,
		FPU:              e32.FPU(opts.FPU),
	}.Encode()

	return h, payload, nil
}

// rebase shifts a set of chunks so offsets are relative to a new base
// (the start of the payload rather than the start of the image).
func rebase(chunks []e32.Chunk, base uint32) []e32.Chunk {
	out := make([]e32.Chunk, len(chunks))
	for i, c := range chunks {
		out[i] = e32.Chunk{Tag: c.Tag, Offset: c.Offset - base, Data: c.Data}
	}
	return out
}

// validateEntryStub inspects the entry point's first 8 bytes, per the
// Eka2 stub validation rule. h.EntryPoint is a code-segment offset. The
// code section starts h.CodeOffset bytes into the image, which is past
// the header plus the padding to the next 4-byte boundary; for the ELF
// import format it carries no jump table or IAT prefix ahead of text.
func validateEntryStub(h *e32.Header, payload []byte) error {
	off := h.CodeOffset - uint32(len(h.Marshal())) + h.EntryPoint
	if int(off)+8 > len(payload) {
		return nil // entry point outside this payload view (e.g. legacy header); best-effort only
	}
	var first8 [8]byte
	copy(first8[:], payload[off:off+8])
	switch e32.ValidateEntryStub(first8) {
	case e32.EntryStubCorrupt:
		return errs.New(errs.DomainE32, errs.KindEntryPointCorrupt, "entry-point stub is corrupt")
	case e32.EntryStubUnsupported:
		return nil // unsupported stubs are tolerated, not fatal, per the format's undocumented validator
	}
	return nil
}
