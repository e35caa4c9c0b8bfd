package unwind

import (
	"fmt"
	"io"
)

// PrintTable writes one line per row of t, for the `stackprobe eh-frame`
// debug subcommand — a direct analog of the teacher's PlanTableBuilder's
// PrintTable, adapted to this tool's compact row format instead of the
// raw DWARF CFI program.
func PrintTable(w io.Writer, t Table) error {
	for _, row := range t {
		if row.Unsupported {
			if _, err := fmt.Fprintf(w, "[%#016x, %#016x) unsupported\n", row.PCStart, row.PCEnd); err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintf(w, "[%#016x, %#016x) cfa=%s%+d rbp=%s ra=%s\n",
			row.PCStart, row.PCEnd, row.CFA.Register, row.CFA.Offset,
			formatRBP(row.RBP), formatRA(row.RA)); err != nil {
			return err
		}
	}
	return nil
}

func formatRBP(r RBPRule) string {
	switch r.Kind {
	case RBPCFAPlus:
		return fmt.Sprintf("cfa%+d", r.Offset)
	case RBPSameAsPrev:
		return "same_as_prev"
	default:
		return "unchanged"
	}
}

func formatRA(r RARule) string {
	switch r.Kind {
	case RACFAPlus:
		return fmt.Sprintf("cfa%+d", r.Offset)
	case RARegister:
		return fmt.Sprintf("reg(%d)", r.Register)
	default:
		return "undefined"
	}
}
