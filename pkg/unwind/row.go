// Package unwind compiles an ELF object's DWARF Call Frame Information
// into the small, fixed-vocabulary row format the in-kernel unwinder can
// interpret without executing arbitrary expressions or looping unboundedly.
package unwind

import "fmt"

// Register is one of the two base registers this tool's CFA vocabulary can
// reference, using their x86_64 DWARF register numbers.
type Register uint8

const (
	RegisterRSP Register = 7
	RegisterRBP Register = 6
)

func (r Register) String() string {
	switch r {
	case RegisterRSP:
		return "rsp"
	case RegisterRBP:
		return "rbp"
	default:
		return fmt.Sprintf("reg(%d)", uint8(r))
	}
}

// CFARule computes the Canonical Frame Address as Register's value plus
// Offset.
type CFARule struct {
	Register Register
	Offset   int32
}

// RBPRuleKind enumerates the representable ways a row can describe the
// value rbp held in the caller's frame.
type RBPRuleKind uint8

const (
	RBPUnchanged RBPRuleKind = iota
	RBPCFAPlus
	RBPSameAsPrev
)

type RBPRule struct {
	Kind   RBPRuleKind
	Offset int32
}

// RARuleKind enumerates the representable ways a row can describe the
// saved return address.
type RARuleKind uint8

const (
	RACFAPlus RARuleKind = iota
	RARegister
	RAUndefined
)

type RARule struct {
	Kind     RARuleKind
	Offset   int32
	Register uint8
}

// Row is one compacted unwind-table entry, covering the object-relative
// instruction range [PCStart, PCEnd).
type Row struct {
	PCStart, PCEnd uint64
	CFA            CFARule
	RBP            RBPRule
	RA             RARule

	// Unsupported rows terminate the walk: the original CFI for this
	// range used a DWARF expression or a base register outside
	// {rsp, rbp}, which the in-kernel unwinder cannot evaluate.
	Unsupported bool
}

// Table is an object's full compacted unwind table, sorted by PCStart with
// disjoint, coverage-complete ranges.
type Table []Row

func (t Table) Len() int           { return len(t) }
func (t Table) Less(i, j int) bool { return t[i].PCStart < t[j].PCStart }
func (t Table) Swap(i, j int)      { t[i], t[j] = t[j], t[i] }

// sameRule reports whether two rows describe identical unwind behavior,
// ignoring their PC ranges; adjacent rows for which this holds are
// coalesced by the compiler.
func sameRule(a, b Row) bool {
	return a.Unsupported == b.Unsupported && a.CFA == b.CFA && a.RBP == b.RBP && a.RA == b.RA
}

// LookupPC binary searches the table for the row covering rpc, mirroring
// the bounded search the in-kernel unwinder performs against its own
// array-encoded copy of this table (§4.4.c).
func (t Table) LookupPC(rpc uint64) (Row, bool) {
	lo, hi := 0, len(t)
	for lo < hi {
		mid := (lo + hi) / 2
		if t[mid].PCStart <= rpc {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return Row{}, false
	}
	row := t[lo-1]
	if rpc < row.PCStart || rpc >= row.PCEnd {
		return Row{}, false
	}
	return row, true
}
