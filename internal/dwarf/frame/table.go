// Package frame implements just enough of the DWARF Call Frame Information
// state machine to materialize, for every machine-instruction boundary in a
// function, the rule needed to compute its Canonical Frame Address, its
// saved return address and its saved frame pointer. It intentionally does
// not expose or evaluate general DWARF expressions: any CFI that needs one
// is surfaced as RuleExpression and the caller treats it as unsupported.
package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/stackprobe/stackprobe/internal/dwarf/util"
)

// Rule describes how to compute the value of a register (or the CFA) in a
// particular instruction range.
type Rule byte

const (
	RuleUndefined Rule = iota
	RuleSameVal        // register keeps the value it had in the caller.
	RuleOffset         // value is stored at CFA+Offset.
	RuleRegister       // value is found in another register.
	RuleExpression      // value requires evaluating a DWARF expression.
	RuleCFA            // (CFA only) value is Reg+Offset.
)

// DWRule is the rule in effect for one register (or the CFA pseudo
// register) at a given program counter.
type DWRule struct {
	Rule       Rule
	Register   uint64
	Offset     int64
	Expression []byte
}

// x86_64 DWARF register numbers relevant to this package. Other
// architectures are out of scope: this package applies the same numbers
// to them, and the compiler in pkg/unwind marks every row of a
// non-x86_64 object unsupported, so the walk terminates at the object
// boundary.
const (
	X86_64FramePointer      = 6
	X86_64StackPointer      = 7
	X86_64ReturnAddressCol  = 16
)

// instructionRow is the rule set in effect for one instruction-address
// range within a function.
type instructionRow struct {
	loc           uint64
	cfa           DWRule
	regs          map[uint64]DWRule
	initialRegs   map[uint64]DWRule
	rememberedRegs map[uint64]DWRule
	retAddrReg    uint64
	codeAlignment uint64
	dataAlignment int64
}

func (r *instructionRow) clone(loc uint64) *instructionRow {
	regs := make(map[uint64]DWRule, len(r.regs))
	for k, v := range r.regs {
		regs[k] = v
	}
	return &instructionRow{
		loc:           loc,
		cfa:           r.cfa,
		regs:          regs,
		initialRegs:   r.initialRegs,
		retAddrReg:    r.retAddrReg,
		codeAlignment: r.codeAlignment,
		dataAlignment: r.dataAlignment,
	}
}

// InstructionContext is one materialized row of the unwind table, exposed
// to callers in terms of the three registers this tool cares about.
type InstructionContext struct {
	loc        uint64
	CFA        DWRule
	FramePtr   DWRule
	ReturnAddr DWRule
}

func (ic *InstructionContext) Loc() uint64 { return ic.loc }

// FrameContext replays the DWARF CFA program for a single FDE, producing
// one InstructionContext per DW_CFA_advance_loc boundary.
type FrameContext struct {
	rows  []*instructionRow
	order binary.ByteOrder
	buf   *bytes.Buffer
	pos   int
}

// NewContext returns an empty, reusable interpreter context.
func NewContext() *FrameContext {
	return &FrameContext{}
}

func cieInitialRow(cie *CommonInformationEntry) *instructionRow {
	return &instructionRow{
		regs:          make(map[uint64]DWRule),
		initialRegs:   make(map[uint64]DWRule),
		retAddrReg:    cie.ReturnAddressRegister,
		codeAlignment: cie.CodeAlignmentFactor,
		dataAlignment: cie.DataAlignmentFactor,
	}
}

// ExecuteDWARFProgram runs a FDE's CIE initial instructions followed by its
// own instructions, returning a context whose Next()/HasNext() iterate over
// every materialized row. ctx may be a shared, reusable *FrameContext
// (its previous rows are discarded) or nil.
func ExecuteDWARFProgram(fde *DescriptionEntry, ctx *FrameContext) (*FrameContext, error) {
	if ctx == nil {
		ctx = NewContext()
	}
	ctx.rows = ctx.rows[:0]
	ctx.pos = 0
	ctx.order = fde.order

	initial := cieInitialRow(fde.CIE)
	initial.loc = fde.Begin()
	frame := &FrameContext{order: fde.order, rows: []*instructionRow{initial}}

	if err := frame.execute(fde.CIE.InitialInstructions); err != nil {
		return nil, fmt.Errorf("execute CIE instructions: %w", err)
	}
	// The rules established by the CIE program are the "initial" rules
	// DW_CFA_restore(_extended) fall back to.
	last := frame.rows[len(frame.rows)-1]
	for k, v := range last.regs {
		last.initialRegs[k] = v
	}
	if err := frame.execute(fde.Instructions); err != nil {
		return nil, fmt.Errorf("execute FDE instructions: %w", err)
	}

	ctx.rows = frame.rows
	ctx.pos = 0
	return ctx, nil
}

// HasNext reports whether Next has another row to return.
func (fc *FrameContext) HasNext() bool {
	return fc.pos < len(fc.rows)
}

// Next returns the next materialized row, translated to the three
// registers this package tracks.
func (fc *FrameContext) Next() (*InstructionContext, error) {
	if fc.pos >= len(fc.rows) {
		return nil, fmt.Errorf("no more rows")
	}
	row := fc.rows[fc.pos]
	fc.pos++

	ic := &InstructionContext{
		loc: row.loc,
		CFA: row.cfa,
	}
	if fp, ok := row.regs[X86_64FramePointer]; ok {
		ic.FramePtr = fp
	} else {
		ic.FramePtr = DWRule{Rule: RuleUndefined}
	}
	if ra, ok := row.regs[row.retAddrReg]; ok {
		ic.ReturnAddr = ra
	} else {
		ic.ReturnAddr = DWRule{Rule: RuleUndefined}
	}
	return ic, nil
}

func (fc *FrameContext) current() *instructionRow {
	return fc.rows[len(fc.rows)-1]
}

// execute runs a sequence of CFA instructions, appending a new row for
// every DW_CFA_advance_loc* (and DW_CFA_set_loc) boundary.
func (fc *FrameContext) execute(instructions []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed CFI program: %v", r)
		}
	}()

	buf := bytes.NewBuffer(instructions)
	for buf.Len() > 0 {
		op, err := buf.ReadByte()
		if err != nil {
			return nil
		}
		if op == dwCFANop {
			continue
		}
		if err := fc.step(op, buf); err != nil {
			return err
		}
	}
	return nil
}

const (
	dwCFANop          = 0x0
	dwCFAAdvanceLoc   = 0x1 << 6
	dwCFAOffset       = 0x2 << 6
	dwCFARestore      = 0x3 << 6
	lowSixBits        = 0x3f

	dwCFASetLoc            = 0x01
	dwCFAAdvanceLoc1       = 0x02
	dwCFAAdvanceLoc2       = 0x03
	dwCFAAdvanceLoc4       = 0x04
	dwCFAOffsetExtended    = 0x05
	dwCFARestoreExtended   = 0x06
	dwCFAUndefined         = 0x07
	dwCFASameValue         = 0x08
	dwCFARegister          = 0x09
	dwCFARememberState     = 0x0a
	dwCFARestoreState      = 0x0b
	dwCFADefCFA            = 0x0c
	dwCFADefCFARegister    = 0x0d
	dwCFADefCFAOffset      = 0x0e
	dwCFADefCFAExpression  = 0x0f
	dwCFAExpression        = 0x10
	dwCFAOffsetExtendedSF  = 0x11
	dwCFADefCFASF          = 0x12
	dwCFADefCFAOffsetSF    = 0x13
	dwCFAValOffset         = 0x14
	dwCFAValOffsetSF       = 0x15
	dwCFAValExpression     = 0x16
	dwCFAGNUArgsSize       = 0x2e
)

// step executes one CFA opcode against the current row (appending a new
// row first if the opcode advances the location).
func (fc *FrameContext) step(op byte, buf *bytes.Buffer) error {
	const highTwoBits = 0xc0
	switch op & highTwoBits {
	case dwCFAAdvanceLoc:
		delta := op & lowSixBits
		fc.advance(uint64(delta))
		return nil
	case dwCFAOffset:
		reg := uint64(op & lowSixBits)
		offset, _ := util.DecodeULEB128(buf)
		fc.current().regs[reg] = DWRule{Rule: RuleOffset, Offset: int64(offset) * fc.current().dataAlignment}
		return nil
	case dwCFARestore:
		reg := uint64(op & lowSixBits)
		fc.restore(reg)
		return nil
	}

	switch op {
	case dwCFASetLoc:
		var loc uint64
		if err := binary.Read(buf, fc.order, &loc); err != nil {
			return err
		}
		row := fc.current()
		fc.rows = append(fc.rows, row.clone(loc))
	case dwCFAAdvanceLoc1:
		b, err := buf.ReadByte()
		if err != nil {
			return err
		}
		fc.advance(uint64(b))
	case dwCFAAdvanceLoc2:
		var d uint16
		if err := binary.Read(buf, fc.order, &d); err != nil {
			return err
		}
		fc.advance(uint64(d))
	case dwCFAAdvanceLoc4:
		var d uint32
		if err := binary.Read(buf, fc.order, &d); err != nil {
			return err
		}
		fc.advance(uint64(d))
	case dwCFAOffsetExtended:
		reg, _ := util.DecodeULEB128(buf)
		offset, _ := util.DecodeULEB128(buf)
		fc.current().regs[reg] = DWRule{Rule: RuleOffset, Offset: int64(offset) * fc.current().dataAlignment}
	case dwCFAOffsetExtendedSF:
		reg, _ := util.DecodeULEB128(buf)
		offset, _ := util.DecodeSLEB128(buf)
		fc.current().regs[reg] = DWRule{Rule: RuleOffset, Offset: offset * fc.current().dataAlignment}
	case dwCFARestoreExtended:
		reg, _ := util.DecodeULEB128(buf)
		fc.restore(reg)
	case dwCFAUndefined:
		reg, _ := util.DecodeULEB128(buf)
		fc.current().regs[reg] = DWRule{Rule: RuleUndefined}
	case dwCFASameValue:
		reg, _ := util.DecodeULEB128(buf)
		fc.current().regs[reg] = DWRule{Rule: RuleSameVal}
	case dwCFARegister:
		reg1, _ := util.DecodeULEB128(buf)
		reg2, _ := util.DecodeULEB128(buf)
		fc.current().regs[reg1] = DWRule{Rule: RuleRegister, Register: reg2}
	case dwCFARememberState:
		row := fc.current()
		saved := make(map[uint64]DWRule, len(row.regs))
		for k, v := range row.regs {
			saved[k] = v
		}
		row.rememberedRegs = saved
	case dwCFARestoreState:
		row := fc.current()
		if row.rememberedRegs != nil {
			row.regs = row.rememberedRegs
		}
	case dwCFADefCFA:
		reg, _ := util.DecodeULEB128(buf)
		offset, _ := util.DecodeULEB128(buf)
		fc.current().cfa = DWRule{Rule: RuleCFA, Register: reg, Offset: int64(offset)}
	case dwCFADefCFASF:
		reg, _ := util.DecodeULEB128(buf)
		offset, _ := util.DecodeSLEB128(buf)
		fc.current().cfa = DWRule{Rule: RuleCFA, Register: reg, Offset: offset * fc.current().dataAlignment}
	case dwCFADefCFARegister:
		reg, _ := util.DecodeULEB128(buf)
		row := fc.current()
		row.cfa.Register = reg
	case dwCFADefCFAOffset:
		offset, _ := util.DecodeULEB128(buf)
		fc.current().cfa.Offset = int64(offset)
	case dwCFADefCFAOffsetSF:
		offset, _ := util.DecodeSLEB128(buf)
		fc.current().cfa.Offset = offset * fc.current().dataAlignment
	case dwCFADefCFAExpression:
		l, _ := util.DecodeULEB128(buf)
		expr := buf.Next(int(l))
		fc.current().cfa = DWRule{Rule: RuleExpression, Expression: expr}
	case dwCFAExpression:
		reg, _ := util.DecodeULEB128(buf)
		l, _ := util.DecodeULEB128(buf)
		expr := buf.Next(int(l))
		fc.current().regs[reg] = DWRule{Rule: RuleExpression, Expression: expr}
	case dwCFAValOffset:
		reg, _ := util.DecodeULEB128(buf)
		offset, _ := util.DecodeULEB128(buf)
		fc.current().regs[reg] = DWRule{Rule: RuleExpression, Offset: int64(offset)}
	case dwCFAValOffsetSF:
		reg, _ := util.DecodeULEB128(buf)
		offset, _ := util.DecodeSLEB128(buf)
		fc.current().regs[reg] = DWRule{Rule: RuleExpression, Offset: offset}
	case dwCFAValExpression:
		reg, _ := util.DecodeULEB128(buf)
		l, _ := util.DecodeULEB128(buf)
		expr := buf.Next(int(l))
		fc.current().regs[reg] = DWRule{Rule: RuleExpression, Expression: expr}
	case dwCFAGNUArgsSize:
		_, _ = util.DecodeULEB128(buf)
	default:
		if op >= 0x1c && op <= 0x3f {
			// Vendor/reserved range (DW_CFA_lo_user..DW_CFA_hi_user): skip
			// conservatively, we don't know the operand shape.
			return nil
		}
		return fmt.Errorf("unexpected DWARF CFA opcode: %#x", op)
	}
	return nil
}

func (fc *FrameContext) advance(delta uint64) {
	row := fc.current()
	newLoc := row.loc + delta*row.codeAlignment
	fc.rows = append(fc.rows, row.clone(newLoc))
}

func (fc *FrameContext) restore(reg uint64) {
	row := fc.current()
	if old, ok := row.initialRegs[reg]; ok {
		row.regs[reg] = old
	} else {
		row.regs[reg] = DWRule{Rule: RuleUndefined}
	}
}
