package huffman_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"moria.us/elf2e32/internal/bitio"
	"moria.us/elf2e32/internal/huffman"
)

func TestBuildLengthsSingleSymbol(t *testing.T) {
	freq := make([]uint32, 4)
	freq[2] = 7
	lengths, err := huffman.BuildLengths(freq)
	require.NoError(t, err)
	require.Equal(t, uint32(1), lengths[2])
	require.Equal(t, uint32(0), lengths[0])
	require.True(t, huffman.Validate(lengths))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	freq := []uint32{5, 1, 1, 0, 3, 8, 2, 1}
	lengths, err := huffman.BuildLengths(freq)
	require.NoError(t, err)
	enc := huffman.BuildEncoding(lengths)

	var msg []int
	for sym, ln := range lengths {
		if ln > 0 {
			msg = append(msg, sym, sym, sym)
		}
	}

	w := bitio.NewWriter()
	for _, sym := range msg {
		huffman.WriteCode(w, enc[sym])
	}
	w.Pad(false)

	tree, err := huffman.BuildDecodeTree(lengths, 0)
	require.NoError(t, err)

	r := bitio.NewReader(w.Bytes(), w.Len()*8, 0)
	for _, want := range msg {
		got := huffman.ReadCode(r, tree)
		require.Equal(t, uint32(want), got)
	}
}

func TestExternalizeInternalizeIdentity(t *testing.T) {
	freq := make([]uint32, 40)
	for i := range freq {
		if i%3 == 0 {
			freq[i] = uint32(i + 1)
		}
	}
	lengths, err := huffman.BuildLengths(freq)
	require.NoError(t, err)

	w := bitio.NewWriter()
	huffman.Externalize(w, lengths)
	w.Pad(false)

	r := bitio.NewReader(w.Bytes(), w.Len()*8, 0)
	got := huffman.Internalize(r, len(lengths))
	require.Equal(t, lengths, got)
}
