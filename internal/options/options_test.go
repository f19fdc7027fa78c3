package options_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"moria.us/elf2e32/internal/options"
)

func TestRequiredOptionMatrixLibrary(t *testing.T) {
	o := &options.Options{Target: options.TargetLibrary}
	require.ElementsMatch(t, []string{"--definput", "--linkas", "--dso"}, o.RequiredOptionMatrix())

	o = &options.Options{Target: options.TargetLibrary, DefInput: "x.def", LinkAs: "foo", DSOOutput: "x.dso"}
	require.Empty(t, o.RequiredOptionMatrix())
}

func TestRequiredOptionMatrixRebuild(t *testing.T) {
	o := &options.Options{Target: options.TargetDLL, Rebuild: true}
	require.ElementsMatch(t, []string{"--elfinput", "--definput"}, o.RequiredOptionMatrix())
}

func TestRequiredOptionMatrixFirstBuild(t *testing.T) {
	o := &options.Options{Target: options.TargetExe}
	require.ElementsMatch(t, []string{"--elfinput", "--output", "--uid1"}, o.RequiredOptionMatrix())

	o = &options.Options{Target: options.TargetExe, ElfInput: "a.elf", Output: "a.exe", UID1: 1}
	require.Empty(t, o.RequiredOptionMatrix())
}

func TestExpectedUID1(t *testing.T) {
	require.Equal(t, uint32(0x10000079), (&options.Options{Target: options.TargetDLL}).ExpectedUID1())
	require.Equal(t, uint32(0x10000079), (&options.Options{Target: options.TargetLibrary}).ExpectedUID1())
	require.Equal(t, uint32(0x1000007A), (&options.Options{Target: options.TargetExe}).ExpectedUID1())
}

func TestTargetKindString(t *testing.T) {
	require.Equal(t, "dll", options.TargetDLL.String())
	require.Equal(t, "unknown", options.TargetKind(99).String())
}

func TestCapabilityBits(t *testing.T) {
	bits, err := options.CapabilityBits([]string{"TCB", "NetworkServices"})
	require.NoError(t, err)
	require.Equal(t, [2]uint32{1<<0 | 1<<13, 0}, bits)

	bits, err = options.CapabilityBits([]string{"Location"})
	require.NoError(t, err)
	require.Equal(t, [2]uint32{1 << 17, 0}, bits)

	_, err = options.CapabilityBits([]string{"NotACapability"})
	require.Error(t, err)
}
