package deffile_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"moria.us/elf2e32/internal/deffile"
)

func TestParse(t *testing.T) {
	text := `EXPORTS
	; a comment line
	f @1
	g @2 DATA
	h @3 NONAME ABSENT
`
	exports, err := deffile.Parse(strings.NewReader(text))
	require.NoError(t, err)
	require.Len(t, exports, 3)
	require.Equal(t, deffile.Export{Name: "f", Ordinal: 1}, exports[0])
	require.Equal(t, deffile.Export{Name: "g", Ordinal: 2, Data: true}, exports[1])
	require.Equal(t, deffile.Export{Name: "h", Ordinal: 3, NoName: true, Absent: true}, exports[2])
}

func TestParseRejectsUnknownQualifier(t *testing.T) {
	_, err := deffile.Parse(strings.NewReader("f @1 BOGUS\n"))
	require.Error(t, err)
}

func TestParseRejectsMissingOrdinal(t *testing.T) {
	_, err := deffile.Parse(strings.NewReader("f\n"))
	require.Error(t, err)
}
