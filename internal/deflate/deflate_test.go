package deflate_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"moria.us/elf2e32/internal/deflate"
)

func TestRoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte(""),
		[]byte("a"),
		[]byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
		bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 40),
		{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
	}
	for _, want := range cases {
		compressed := deflate.Compress(want)
		got, err := deflate.Decompress(compressed, len(want))
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}
