package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeCIE() *CommonInformationEntry {
	return &CommonInformationEntry{
		Version:               1,
		CodeAlignmentFactor:    1,
		DataAlignmentFactor:    -8,
		ReturnAddressRegister:  X86_64ReturnAddressCol,
		InitialInstructions: []byte{
			dwCFADefCFA, 7, 8, // DW_CFA_def_cfa: rsp+8
			byte(dwCFAOffsetExtended), X86_64ReturnAddressCol, 1, // ra at cfa-8
		},
	}
}

func TestExecuteDWARFProgramPrologue(t *testing.T) {
	cie := makeCIE()
	fde := &DescriptionEntry{
		CIE:   cie,
		begin: 0x1000,
		size:  0x20,
		// push %rbp; (advance 1) def_cfa_offset 16; (advance 3) offset rbp at cfa-16
		Instructions: []byte{
			dwCFAAdvanceLoc | 1,
			dwCFADefCFAOffset, 16,
			dwCFAAdvanceLoc | 3,
			dwCFAOffset | X86_64FramePointer, 2, // offset = 2 * dataAlignment(-8) = -16
		},
	}

	ctx, err := ExecuteDWARFProgram(fde, nil)
	require.NoError(t, err)

	var rows []*InstructionContext
	for ctx.HasNext() {
		ic, err := ctx.Next()
		require.NoError(t, err)
		rows = append(rows, ic)
	}
	require.Len(t, rows, 3)

	assert.Equal(t, uint64(0x1000), rows[0].Loc())
	assert.Equal(t, RuleCFA, rows[0].CFA.Rule)
	assert.EqualValues(t, X86_64StackPointer, rows[0].CFA.Register)
	assert.EqualValues(t, 8, rows[0].CFA.Offset)
	assert.Equal(t, RuleOffset, rows[0].ReturnAddr.Rule)
	assert.EqualValues(t, -8, rows[0].ReturnAddr.Offset)
	assert.Equal(t, RuleUndefined, rows[0].FramePtr.Rule)

	assert.Equal(t, uint64(0x1001), rows[1].Loc())
	assert.EqualValues(t, 16, rows[1].CFA.Offset)

	assert.Equal(t, uint64(0x1004), rows[2].Loc())
	assert.Equal(t, RuleOffset, rows[2].FramePtr.Rule)
	assert.EqualValues(t, -16, rows[2].FramePtr.Offset)
}

func TestRestoreFallsBackToInitialRow(t *testing.T) {
	cie := makeCIE()
	fde := &DescriptionEntry{
		CIE:   cie,
		begin: 0x2000,
		size:  0x10,
		Instructions: []byte{
			dwCFAAdvanceLoc | 1,
			dwCFAOffset | X86_64FramePointer, 2,
			dwCFAAdvanceLoc | 1,
			dwCFARestore | X86_64FramePointer,
		},
	}

	ctx, err := ExecuteDWARFProgram(fde, nil)
	require.NoError(t, err)

	var last *InstructionContext
	for ctx.HasNext() {
		ic, err := ctx.Next()
		require.NoError(t, err)
		last = ic
	}
	require.NotNil(t, last)
	assert.Equal(t, RuleUndefined, last.FramePtr.Rule, "restore with no prior CIE rule for rbp falls back to undefined")
}

func TestDescriptionEntryCover(t *testing.T) {
	fde := &DescriptionEntry{begin: 0x1000, size: 0x100}
	assert.True(t, fde.Cover(0x1000))
	assert.True(t, fde.Cover(0x10ff))
	assert.False(t, fde.Cover(0x1100))
	assert.False(t, fde.Cover(0x0fff))
}

func TestFDEForPC(t *testing.T) {
	fdes := FrameDescriptionEntries{
		{begin: 0x3000, size: 0x100},
		{begin: 0x1000, size: 0x100},
		{begin: 0x2000, size: 0x100},
	}
	for i := range fdes {
		fdes[i] = &DescriptionEntry{begin: fdes[i].begin, size: fdes[i].size}
	}
	// sort like Parse would.
	for i := 0; i < len(fdes); i++ {
		for j := i + 1; j < len(fdes); j++ {
			if fdes[j].Begin() < fdes[i].Begin() {
				fdes[i], fdes[j] = fdes[j], fdes[i]
			}
		}
	}

	fde, ok := fdes.FDEForPC(0x2050)
	require.True(t, ok)
	assert.Equal(t, uint64(0x2000), fde.Begin())

	_, ok = fdes.FDEForPC(0x500)
	assert.False(t, ok)
}
