package unwind

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintTable(t *testing.T) {
	table := Table{
		{PCStart: 0x10, PCEnd: 0x20, CFA: CFARule{Register: RegisterRBP, Offset: 16},
			RBP: RBPRule{Kind: RBPCFAPlus, Offset: -16}, RA: RARule{Kind: RACFAPlus, Offset: -8}},
		{PCStart: 0x20, PCEnd: 0x30, Unsupported: true},
	}

	var buf bytes.Buffer
	require.NoError(t, PrintTable(&buf, table))

	out := buf.String()
	assert.Contains(t, out, "cfa=rbp+16")
	assert.Contains(t, out, "rbp=cfa-16")
	assert.Contains(t, out, "ra=cfa-8")
	assert.Contains(t, out, "unsupported")
}
