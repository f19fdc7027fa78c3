package export_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"moria.us/elf2e32/internal/elfmodel"
	"moria.us/elf2e32/internal/export"
)

func syms(names ...string) []*elfmodel.Symbol {
	out := make([]*elfmodel.Symbol, len(names))
	for i, n := range names {
		out[i] = &elfmodel.Symbol{Name: n, Addr: uint32(0x1000 + i*4)}
	}
	return out
}

func TestAssignFirstBuild(t *testing.T) {
	entries := export.AssignFirstBuild(syms("f", "g", "h"))
	require.Len(t, entries, 3)
	for i, e := range entries {
		require.Equal(t, i+1, e.Ordinal)
		require.False(t, e.Absent)
	}
}

func TestBuildDescriptionNoHoles(t *testing.T) {
	entries := export.AssignFirstBuild(syms("f", "g", "h"))
	typ, data := export.BuildDescription(entries)
	require.Equal(t, export.DescriptionNoHoles, typ)
	require.Nil(t, data)
}

func TestBuildDescriptionWithHoles(t *testing.T) {
	entries := []export.Entry{
		{Ordinal: 1, Symbol: syms("f")[0]},
		{Ordinal: 2, Absent: true},
		{Ordinal: 3, Symbol: syms("h")[0]},
	}
	typ, data := export.BuildDescription(entries)
	require.NotEqual(t, export.DescriptionNoHoles, typ)
	require.NotEmpty(t, data)
}

func TestAssignFromDefAbsentAndExtra(t *testing.T) {
	s := syms("f", "g")
	def := []export.DefExport{
		{Name: "f", Ordinal: 1},
		{Name: "missing", Ordinal: 2, Absent: false},
	}
	_, err := export.AssignFromDef(s, def, false)
	require.Error(t, err) // "g" is in the ELF but not the DEF

	entries, err := export.AssignFromDef(s, def, true)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.True(t, entries[1].Absent) // ordinal 2, missing from ELF
	require.Equal(t, "g", entries[2].Symbol.Name)
}

func TestDirectoryStampsAbsentWithVeneer(t *testing.T) {
	entries := []export.Entry{
		{Ordinal: 1, Symbol: &elfmodel.Symbol{Name: "f", Addr: 0x100}},
		{Ordinal: 2, Absent: true},
	}
	dir := export.Directory(entries, 0x80, 0xdead)
	require.Equal(t, []uint32{0x100 - 0x80, 0xdead - 0x80}, dir)
}
