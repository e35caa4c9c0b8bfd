package unwind

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTableLookupPC(t *testing.T) {
	table := Table{
		{PCStart: 0x10, PCEnd: 0x20, CFA: CFARule{Register: RegisterRSP, Offset: 8}},
		{PCStart: 0x20, PCEnd: 0x30, CFA: CFARule{Register: RegisterRBP, Offset: 16}},
	}

	row, ok := table.LookupPC(0x15)
	assert.True(t, ok)
	assert.Equal(t, RegisterRSP, row.CFA.Register)

	row, ok = table.LookupPC(0x25)
	assert.True(t, ok)
	assert.Equal(t, RegisterRBP, row.CFA.Register)

	_, ok = table.LookupPC(0x30)
	assert.False(t, ok, "hi bound is exclusive")

	_, ok = table.LookupPC(0x05)
	assert.False(t, ok)
}

func TestCoalesceMergesAdjacentIdenticalRows(t *testing.T) {
	table := Table{
		{PCStart: 0x10, PCEnd: 0x20, CFA: CFARule{Register: RegisterRSP, Offset: 8}},
		{PCStart: 0x20, PCEnd: 0x30, CFA: CFARule{Register: RegisterRSP, Offset: 8}},
		{PCStart: 0x30, PCEnd: 0x40, CFA: CFARule{Register: RegisterRBP, Offset: 16}},
	}

	out := coalesce(table)
	assert.Len(t, out, 2)
	assert.Equal(t, uint64(0x10), out[0].PCStart)
	assert.Equal(t, uint64(0x30), out[0].PCEnd)
	assert.Equal(t, uint64(0x30), out[1].PCStart)
}

func TestCoalesceKeepsDistinctRulesSeparate(t *testing.T) {
	table := Table{
		{PCStart: 0x10, PCEnd: 0x20, Unsupported: true},
		{PCStart: 0x20, PCEnd: 0x30, CFA: CFARule{Register: RegisterRSP, Offset: 8}},
	}
	out := coalesce(table)
	assert.Len(t, out, 2)
}

func TestRegisterString(t *testing.T) {
	assert.Equal(t, "rsp", RegisterRSP.String())
	assert.Equal(t, "rbp", RegisterRBP.String())
	assert.Equal(t, "reg(3)", Register(3).String())
}
