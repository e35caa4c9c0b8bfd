package unwind

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGoVersion(t *testing.T) {
	v, err := parseGoVersion("go1.21.4")
	require.NoError(t, err)
	assert.Equal(t, "1.21.4", v.String())

	_, err = parseGoVersion("not-a-version")
	assert.Error(t, err)
}

func TestGoFramePointerFloor(t *testing.T) {
	older, err := parseGoVersion("go1.11.13")
	require.NoError(t, err)
	assert.True(t, older.LessThan(goFramePointerFloor))

	newer, err := parseGoVersion("go1.22.0")
	require.NoError(t, err)
	assert.False(t, newer.LessThan(goFramePointerFloor))
}

func TestPolicyString(t *testing.T) {
	assert.Equal(t, "dwarf_only", DwarfOnly.String())
	assert.Equal(t, "dwarf_or_fp", DwarfOrFp.String())
	assert.Equal(t, "fp_only", FpOnly.String())
	assert.Equal(t, "unknown", Policy(99).String())
}

func TestDetectPolicyNonELFFallsBackToDwarfOnly(t *testing.T) {
	assert.Equal(t, DwarfOnly, DetectPolicy("/nonexistent/path/to/binary"))
}
