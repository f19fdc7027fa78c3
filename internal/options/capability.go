package options

import "moria.us/elf2e32/internal/errs"

// capabilityBits maps a platform-security capability name to its bit
// index within the 64-bit capability set (low word first, as stored in
// e32.SecurityInfo.Capabilities).
var capabilityBits = map[string]uint{
	"TCB":                0,
	"CommDD":             1,
	"PowerMgmt":          2,
	"MultimediaDD":       3,
	"ReadDeviceData":     4,
	"WriteDeviceData":    5,
	"DRM":                6,
	"TrustedUI":          7,
	"ProtServ":           8,
	"DiskAdmin":          9,
	"NetworkControl":     10,
	"AllFiles":           11,
	"SwEvent":            12,
	"NetworkServices":    13,
	"LocalServices":      14,
	"ReadUserData":       15,
	"WriteUserData":      16,
	"Location":           17,
	"SurroundingsDD":     18,
	"UserEnvironment":    19,
}

// CapabilityBits resolves a list of capability names (as accepted by
// --capability) into the packed two-word capability set the header
// stores. An unrecognised name is a capability-domain invalid-argument
// error.
func CapabilityBits(names []string) ([2]uint32, error) {
	var bits [2]uint32
	for _, name := range names {
		bit, ok := capabilityBits[name]
		if !ok {
			return bits, errs.New(errs.DomainCapability, errs.KindInvalidArgument,
				"unrecognised capability name: "+name)
		}
		bits[bit/32] |= 1 << (bit % 32)
	}
	return bits, nil
}
