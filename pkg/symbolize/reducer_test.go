package symbolize

import (
	"bytes"
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSymbolTableLookup(t *testing.T) {
	l := &symbolTableLookup{syms: []elf.Symbol{
		{Name: "main", Value: 0x1000, Size: 0x100},
		{Name: "helper", Value: 0x1100, Size: 0x50},
	}}

	name, off, ok := l.lookup(0x1050)
	require.True(t, ok)
	assert.Equal(t, "main", name)
	assert.Equal(t, uint64(0x50), off)

	name, off, ok = l.lookup(0x1120)
	require.True(t, ok)
	assert.Equal(t, "helper", name)
	assert.Equal(t, uint64(0x20), off)

	_, _, ok = l.lookup(0x2000)
	assert.False(t, ok)

	_, _, ok = l.lookup(0x0fff)
	assert.False(t, ok)
}

func TestSplitKallsymsLine(t *testing.T) {
	fields := splitKallsymsLine("ffffffff81000000 T startup_64")
	assert.Equal(t, []string{"ffffffff81000000", "T", "startup_64"}, fields)
}

func TestReverseAndBaseName(t *testing.T) {
	s := []string{"root", "mid", "leaf"}
	reverse(s)
	assert.Equal(t, []string{"leaf", "mid", "root"}, s)

	assert.Equal(t, "libc.so.6", baseName("/usr/lib/x86_64-linux-gnu/libc.so.6"))
	assert.Equal(t, "app", baseName("app"))
}

func TestWriteFolded(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFolded(&buf, []FoldedStack{
		{Frames: []string{"main", "work", "leaf"}, Count: 7},
		{Frames: []string{"main"}, Count: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, "main;work;leaf 7\nmain 1\n", buf.String())
}
