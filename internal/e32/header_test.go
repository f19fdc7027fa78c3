package e32_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"moria.us/elf2e32/internal/e32"
)

func TestHeaderMarshalRoundTrip(t *testing.T) {
	h := &e32.Header{
		UID1: 0x10000079, UID2: 0x20000001, UID3: 0x30000002,
		Flags:           e32.Flags{DLL: true, ABI: e32.ABIEABI, HeaderFormat: e32.HeaderV}.Encode(),
		CodeSize:        0x100,
		DataSize:        0x40,
		ExportDirCount:  3,
		ExportDescBytes: []byte{1, 2, 3},
		ExportDescSize:  3,
	}
	h.UIDChecksum = e32.UIDChecksum(h.UID1, h.UID2, h.UID3)
	marshaled := h.Marshal()
	h.HeaderCRC = e32.ComputeCRC(marshaled)

	full := h.Marshal()
	got, err := e32.UnmarshalHeader(full)
	require.NoError(t, err)
	require.Equal(t, h.UID1, got.UID1)
	require.Equal(t, h.Flags, got.Flags)
	require.Equal(t, h.CodeSize, got.CodeSize)
	require.Equal(t, h.ExportDescBytes, got.ExportDescBytes)
	require.Equal(t, h.HeaderCRC, got.HeaderCRC)
}

func TestComputeCRCZeroedFieldInvariant(t *testing.T) {
	h := &e32.Header{UID1: 1, UID2: 2, UID3: 3}
	marshaled := h.Marshal()
	crc := e32.ComputeCRC(marshaled)
	// The CRC field itself must not affect the computed value: recomputing
	// after stamping it in produces the same result.
	h.HeaderCRC = crc
	require.Equal(t, crc, e32.ComputeCRC(h.Marshal()))
}

func TestUIDChecksumIsXorOfSwappedWords(t *testing.T) {
	// 0x00107900 ^ 0x00200100 ^ 0x00300200 after the byte swap.
	require.Equal(t, uint32(0x00007a00), e32.UIDChecksum(0x10000079, 0x20000001, 0x30000002))
	a := e32.UIDChecksum(1, 2, 3)
	b := e32.UIDChecksum(3, 2, 1)
	require.Equal(t, a, b)
}

func TestFlagsEncodeDecode(t *testing.T) {
	f := e32.Flags{
		DLL:              true,
		ABI:              e32.ABIEABI,
		EntryPointFormat: e32.EntryEka2,
		FPU:              e32.FPUVFPv2,
		HeaderFormat:     e32.HeaderV,
		ImportFormat:     e32.ImportPE2,
	}
	got := e32.DecodeFlags(f.Encode())
	require.Equal(t, f, got)
}

func TestValidateEntryStub(t *testing.T) {
	var corrupt [8]byte
	for i := range corrupt {
		corrupt[i] = 0xff
	}
	require.Equal(t, e32.EntryStubCorrupt, e32.ValidateEntryStub(corrupt))

	var unknown [8]byte
	require.Equal(t, e32.EntryStubUnsupported, e32.ValidateEntryStub(unknown))
}
