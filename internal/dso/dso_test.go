package dso_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"moria.us/elf2e32/internal/dso"
)

func TestBuildOrdinalTable(t *testing.T) {
	data, offsets := dso.BuildOrdinalTable([]dso.Export{
		{Name: "f", Ordinal: 1},
		{Name: "g", Ordinal: 2},
	})
	require.Len(t, data, 8)
	require.Equal(t, uint32(0), offsets["f"])
	require.Equal(t, uint32(4), offsets["g"])
	require.Equal(t, uint32(1), binary.LittleEndian.Uint32(data[0:4]))
	require.Equal(t, uint32(2), binary.LittleEndian.Uint32(data[4:8]))
}

func TestBuildOrdinalTableEmpty(t *testing.T) {
	data, offsets := dso.BuildOrdinalTable(nil)
	require.Empty(t, data)
	require.Empty(t, offsets)
}
