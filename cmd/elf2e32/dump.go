package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"moria.us/elf2e32/internal/e32"
)

const hexDigits = "0123456789abcdef"

type field struct {
	name string
	data interface{}
}

// dumpFields writes a column-aligned "name: value" block, the same shape
// the rest of this toolchain's pretty-printers use.
func dumpFields(w *bufio.Writer, fields []field) {
	maxName := 0
	for _, f := range fields {
		if len(f.name) > maxName {
			maxName = len(f.name)
		}
	}
	for _, f := range fields {
		w.WriteString(f.name)
		w.WriteByte(':')
		w.WriteString(strings.Repeat(" ", maxName+2-len(f.name)))
		switch v := f.data.(type) {
		case uint16:
			fmt.Fprintf(w, "0x%04x", v)
		case uint32:
			fmt.Fprintf(w, "0x%08x", v)
		case byte:
			fmt.Fprintf(w, "0x%02x", v)
		case string:
			w.WriteString(v)
		default:
			fmt.Fprintf(w, "%v", v)
		}
		w.WriteByte('\n')
	}
}

// runDump implements the pretty-printed "dump" mode: selected letters in
// flags control which sections of an E32 image are printed. Currently
// supported: h (header), s (security info), e (export description type
// and size). The dump goes to stdout, or to dumpMessageFile when it is
// set; error and warning lines always go to stderr.
func runDump(e32Input, flags, dumpMessageFile string) error {
	data, err := os.ReadFile(e32Input)
	if err != nil {
		return err
	}
	h, err := e32.UnmarshalHeader(data)
	if err != nil {
		return err
	}

	out := os.Stdout
	if dumpMessageFile != "" {
		f, err := os.Create(dumpMessageFile)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	w := bufio.NewWriter(out)
	defer w.Flush()

	if strings.ContainsRune(flags, 'h') {
		fmt.Fprintln(w, "Header:")
		dumpFields(w, []field{
			{"uid1", h.UID1}, {"uid2", h.UID2}, {"uid3", h.UID3},
			{"uidchecksum", h.UIDChecksum}, {"headercrc", h.HeaderCRC},
			{"flags", h.Flags}, {"codesize", h.CodeSize}, {"datasize", h.DataSize},
			{"entrypoint", h.EntryPoint}, {"codebase", h.CodeBase}, {"database", h.DataBase},
			{"exportdiroffset", h.ExportDirOffset}, {"exportdircount", h.ExportDirCount},
		})
	}
	if strings.ContainsRune(flags, 's') {
		fmt.Fprintln(w, "Security:")
		dumpFields(w, []field{
			{"secureid", h.Security.SecureID}, {"vendorid", h.Security.VendorID},
			{"cap0", h.Security.Capabilities[0]}, {"cap1", h.Security.Capabilities[1]},
		})
	}
	if strings.ContainsRune(flags, 'e') {
		fmt.Fprintln(w, "Export description:")
		dumpFields(w, []field{
			{"type", h.ExportDescType}, {"size", h.ExportDescSize},
		})
	}
	return nil
}
