// Command elf2e32 is the post-linker CLI: it reads an ELF32 ARM dynamic
// object or executable (or a DEF file, for library mode) and emits an E32
// image and its companion DEF/DSO artifacts.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"moria.us/elf2e32/internal/errs"
	"moria.us/elf2e32/internal/options"
	"moria.us/elf2e32/internal/target"
)

type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }
func (l *stringList) Set(v string) error {
	*l = append(*l, strings.Split(v, ",")...)
	return nil
}

func parseUID(s string) (uint32, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// parseSysdef pairs up the --sysdef values. stringList.Set splits each
// flag value on commas, so NAME and ORDINAL arrive as consecutive entries.
func parseSysdef(entries []string) ([]options.SysdefEntry, error) {
	if len(entries)%2 != 0 {
		return nil, fmt.Errorf("--sysdef entries %q must be NAME,ORDINAL pairs", strings.Join(entries, ","))
	}
	var out []options.SysdefEntry
	for i := 0; i < len(entries); i += 2 {
		name, ordStr := entries[i], entries[i+1]
		ord, err := strconv.Atoi(ordStr)
		if err != nil {
			return nil, fmt.Errorf("--sysdef entry %q has a non-numeric ordinal: %w", name+","+ordStr, err)
		}
		out = append(out, options.SysdefEntry{Name: name, Ordinal: ord})
	}
	return out, nil
}

func parseTarget(s string) (options.TargetKind, error) {
	switch strings.ToLower(s) {
	case "", "stdexe":
		return options.TargetStdExe, nil
	case "exe":
		return options.TargetExe, nil
	case "dll":
		return options.TargetDLL, nil
	case "polydll":
		return options.TargetPolyDLL, nil
	case "exexp":
		return options.TargetExexp, nil
	case "library", "lib":
		return options.TargetLibrary, nil
	default:
		return 0, fmt.Errorf("unknown --targettype %q", s)
	}
}

func mainE() error {
	var (
		elfInput, defInput, e32Input string
		output, defOutput, dsoOutput string
		uid1, uid2, uid3             string
		sid, vid                     string
		capability                   stringList
		linkAs                       string
		targetType                   string
		compressionMethod            string
		fpu                          string
		paged, debuggable, smpSafe   bool
		priority                     uint
		heapMin, heapMax, stackSize  uint
		versionStr                   string
		sysdef                      stringList
		dumpFlags                   string
		dumpMessageFile             string
		allowExtraExports           bool
	)
	flag.StringVar(&elfInput, "elfinput", "", "ELF32 input file")
	flag.StringVar(&defInput, "definput", "", "DEF input file")
	flag.StringVar(&e32Input, "e32input", "", "E32 input file, for dump mode")
	flag.StringVar(&output, "output", "", "E32 output file")
	flag.StringVar(&defOutput, "defoutput", "", "DEF output file")
	flag.StringVar(&dsoOutput, "dso", "", "DSO output file")
	flag.StringVar(&uid1, "uid1", "", "UID1 (hex)")
	flag.StringVar(&uid2, "uid2", "", "UID2 (hex)")
	flag.StringVar(&uid3, "uid3", "", "UID3 (hex)")
	flag.StringVar(&sid, "sid", "", "Secure ID (hex)")
	flag.StringVar(&vid, "vid", "", "Vendor ID (hex)")
	flag.Var(&capability, "capability", "Capability name, may repeat or be comma-separated")
	flag.StringVar(&linkAs, "linkas", "", "Link-as DLL name")
	flag.StringVar(&targetType, "targettype", "", "Target kind: exe, dll, polydll, exexp, library, stdexe")
	flag.StringVar(&compressionMethod, "compressionmethod", "", "Compression method: none, deflate")
	flag.StringVar(&fpu, "fpu", "", "FPU: none, vfpv2")
	flag.BoolVar(&paged, "paged", false, "Paged image (accepted; not written to the image header)")
	flag.BoolVar(&debuggable, "debuggable", false, "Debuggable image (accepted; not written to the image header)")
	flag.BoolVar(&smpSafe, "smpsafe", false, "SMP-safe image (accepted; not written to the image header)")
	flag.UintVar(&priority, "priority", 0, "Process priority")
	flag.UintVar(&heapMin, "heap", 0, "Minimum heap size")
	flag.UintVar(&heapMax, "heapmax", 0, "Maximum heap size")
	flag.UintVar(&stackSize, "stack", 0, "Stack size")
	flag.StringVar(&versionStr, "version", "", "Module version, MAJOR.MINOR (parsed; not written to the image header)")
	flag.Var(&sysdef, "sysdef", "NAME,ORDINAL pin, may repeat")
	flag.StringVar(&dumpFlags, "dump", "", "Dump mode flags: h (header), s (security), e (export description); other letters are ignored")
	flag.StringVar(&dumpMessageFile, "dumpmessagefile", "", "In dump mode, write the dump to this file instead of stdout")
	flag.BoolVar(&allowExtraExports, "allowextraexports", false, "Allow ELF exports absent from the DEF file when rebuilding")
	rebuild := flag.Bool("rebuild", false, "Rebuild from an existing DEF file's ordinal assignment")
	flag.Parse()

	if dumpFlags != "" {
		return runDump(e32Input, dumpFlags, dumpMessageFile)
	}

	opts := &options.Options{
		Rebuild:           *rebuild,
		ElfInput:          elfInput,
		DefInput:          defInput,
		E32Input:          e32Input,
		Output:            output,
		DefOutput:         defOutput,
		DSOOutput:         dsoOutput,
		Capability:        capability,
		LinkAs:            linkAs,
		Paged:             paged,
		Debuggable:        debuggable,
		SMPSafe:           smpSafe,
		Priority:          uint16(priority),
		HeapMin:           uint32(heapMin),
		HeapMax:           uint32(heapMax),
		StackSize:         uint32(stackSize),
		AllowExtraExports: allowExtraExports,
		DumpMessageFile:   dumpMessageFile,
	}

	var err error
	if opts.UID1, err = parseUID(uid1); err != nil {
		return err
	}
	if opts.UID2, err = parseUID(uid2); err != nil {
		return err
	}
	if opts.UID3, err = parseUID(uid3); err != nil {
		return err
	}
	if opts.SID, err = parseUID(sid); err != nil {
		return err
	}
	if opts.VID, err = parseUID(vid); err != nil {
		return err
	}
	if opts.Target, err = parseTarget(targetType); err != nil {
		return err
	}
	if opts.Sysdef, err = parseSysdef(sysdef); err != nil {
		return err
	}
	switch strings.ToLower(compressionMethod) {
	case "", "none":
		opts.Compression = options.CompressionNone
	case "deflate":
		opts.Compression = options.CompressionDeflate
	default:
		return fmt.Errorf("unknown --compressionmethod %q", compressionMethod)
	}
	switch strings.ToLower(fpu) {
	case "", "none":
		opts.FPU = options.FPUNone
	case "vfpv2":
		opts.FPU = options.FPUVFPv2
	default:
		return fmt.Errorf("unknown --fpu %q", fpu)
	}
	if versionStr != "" {
		parts := strings.SplitN(versionStr, ".", 2)
		opts.VersionMajor, _ = strconv.Atoi(parts[0])
		if len(parts) == 2 {
			opts.VersionMinor, _ = strconv.Atoi(parts[1])
		}
	}

	result, err := target.Run(opts)
	if err != nil {
		return err
	}
	for _, w := range result.Warnings {
		fmt.Fprintln(os.Stderr, "warning:", w)
	}
	if result.E32 != nil {
		if err := os.WriteFile(output, result.E32, 0666); err != nil {
			return errs.Wrap(errs.DomainE32, errs.KindFileWrite, output, err)
		}
	}
	if result.DEF != nil {
		if err := os.WriteFile(defOutput, result.DEF, 0666); err != nil {
			return errs.Wrap(errs.DomainDEF, errs.KindFileWrite, defOutput, err)
		}
	}
	if result.DSO != nil {
		if err := os.WriteFile(dsoOutput, result.DSO, 0666); err != nil {
			return errs.Wrap(errs.DomainDSO, errs.KindFileWrite, dsoOutput, err)
		}
	}
	return nil
}

func main() {
	if err := mainE(); err != nil {
		diagnosticOutput := os.Stderr
		fmt.Fprintln(diagnosticOutput, "Error:", err)
		var e *errs.Error
		if errors.As(err, &e) && e.Recoverable() {
			flag.Usage()
		}
		os.Exit(1)
	}
}
