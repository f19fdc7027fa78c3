package reloc_test

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/require"

	"moria.us/elf2e32/internal/elfmodel"
	"moria.us/elf2e32/internal/reloc"
)

func TestWordPacksKindAndOffset(t *testing.T) {
	w := reloc.Word(reloc.KindText, 0x345)
	require.Equal(t, uint16(1)<<12|0x345, w)
}

func TestTranslateClustersByPage(t *testing.T) {
	rels := []elfmodel.Relocation{
		{TargetAddr: 0x1004, Type: elf.R_ARM_ABS32},
		{TargetAddr: 0x1000, Type: elf.R_ARM_ABS32},
		{TargetAddr: 0x2008, Type: elf.R_ARM_RELATIVE},
	}
	pages, err := reloc.Translate(0x1000, rels, reloc.KindText)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	require.Equal(t, uint32(0), pages[0].Offset)
	require.Equal(t, []uint16{reloc.Word(reloc.KindText, 0), reloc.Word(reloc.KindText, 4)}, pages[0].Words)
	require.Equal(t, uint32(0x1000), pages[1].Offset)
	require.Equal(t, []uint16{reloc.Word(reloc.KindText, 8)}, pages[1].Words)
}
