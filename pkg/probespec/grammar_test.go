package probespec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProfile(t *testing.T) {
	spec, err := Parse("profile:hz:99")
	require.NoError(t, err)
	assert.Equal(t, KindProfile, spec.Kind)
	assert.EqualValues(t, 99, spec.FrequencyHz)

	_, err = Parse("profile:hz:0")
	assert.Error(t, err)

	_, err = Parse("profile:notbz:99")
	assert.Error(t, err)
}

func TestParseUprobe(t *testing.T) {
	spec, err := Parse("uprobe:/bin/app:main.work")
	require.NoError(t, err)
	assert.Equal(t, KindUprobe, spec.Kind)
	assert.Equal(t, "/bin/app", spec.Path)
	assert.Equal(t, "main.work", spec.Symbol)
	assert.EqualValues(t, 0, spec.Offset)

	spec, err = Parse("uprobe:/bin/app:main.work+0x10")
	require.NoError(t, err)
	assert.EqualValues(t, 0x10, spec.Offset)

	_, err = Parse("uretprobe:/bin/app:main.work+0x10")
	assert.Error(t, err, "uretprobe does not accept an offset")

	_, err = Parse("uprobe:/bin/app:")
	assert.Error(t, err)
}

func TestParseKprobe(t *testing.T) {
	spec, err := Parse("kprobe:do_exit")
	require.NoError(t, err)
	assert.Equal(t, KindKprobe, spec.Kind)
	assert.Equal(t, "do_exit", spec.Function)

	_, err = Parse("kretprobe:")
	assert.Error(t, err)
}

func TestParseTracepoint(t *testing.T) {
	spec, err := Parse("tracepoint:sched:sched_process_exit")
	require.NoError(t, err)
	assert.Equal(t, KindTracepoint, spec.Kind)
	assert.Equal(t, "sched", spec.Category)
	assert.Equal(t, "sched_process_exit", spec.Name)
}

func TestParseUnknownKind(t *testing.T) {
	_, err := Parse("bogus:1:2")
	assert.Error(t, err)
}

func TestParseMissingColon(t *testing.T) {
	_, err := Parse("profile")
	assert.Error(t, err)
}

func TestParseAll(t *testing.T) {
	specs, err := ParseAll([]string{"profile:hz:19", "kprobe:do_exit"})
	require.NoError(t, err)
	require.Len(t, specs, 2)

	_, err = ParseAll([]string{"profile:hz:19", "garbage"})
	assert.Error(t, err)
}
