package unwind

import (
	"debug/elf"
	"errors"
	"fmt"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stackprobe/stackprobe/internal/dwarf/frame"
	"github.com/stackprobe/stackprobe/pkg/objectfile"
)

// Metrics are the per-session counters the CFI compiler increments; all of
// them back the Per-object-recoverable error class (diagnostic, never
// fatal).
type Metrics struct {
	CompileFailures  prometheus.Counter
	DebugFrameErrors prometheus.Counter
	RowOverflows     prometheus.Counter
}

// NewMetrics registers and returns the compiler's counters.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CompileFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "unwind_cfi_compile_failures_total",
			Help: "Number of objects whose CFI could not be compiled at all.",
		}),
		DebugFrameErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "unwind_debug_frame_errors_total",
			Help: "Number of .debug_frame parse failures, always non-fatal.",
		}),
		RowOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "unwind_row_table_overflows_total",
			Help: "Number of objects whose compiled row table exceeded max_rows_per_object and was truncated.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.CompileFailures, m.DebugFrameErrors, m.RowOverflows)
	}
	return m
}

// Compile builds the compact unwind Table for obj, consulting `.eh_frame`
// first and falling back to (or merging with) `.debug_frame`, per §4.2.
// maxRows bounds the returned table's length; rows past the limit are
// dropped from the tail and metrics.RowOverflows is incremented.
//
// A failure to find any FDEs at all is per-object-recoverable: it is
// returned as an error so the caller can log it once, but the caller
// should treat it as "this object has an empty unwind table", not abort
// the session.
func Compile(logger log.Logger, metrics *Metrics, obj *objectfile.ObjectFile, maxRows int) (Table, elf.Machine, error) {
	logger = log.With(logger, "path", obj.Path, "build_id", obj.BuildID)

	ehFDEs, arch, err := ReadFDEs(obj, true)
	if err != nil && !errors.Is(err, ErrSectionNotFound) && !errors.Is(err, ErrNoFDEsFound) {
		metrics.CompileFailures.Inc()
		return nil, arch, fmt.Errorf("reading .eh_frame: %w", err)
	}

	debugFDEs, arch2, dErr := ReadFDEs(obj, false)
	if dErr != nil {
		if !errors.Is(dErr, ErrSectionNotFound) && !errors.Is(dErr, ErrNoFDEsFound) {
			level.Warn(logger).Log("msg", "failed to parse .debug_frame, falling back to .eh_frame only", "err", dErr)
			metrics.DebugFrameErrors.Inc()
		}
		debugFDEs = nil
	} else if arch != arch2 && len(ehFDEs) > 0 {
		level.Warn(logger).Log("msg", "ignoring .debug_frame: architecture mismatch with .eh_frame")
		metrics.DebugFrameErrors.Inc()
		debugFDEs = nil
	} else if len(ehFDEs) == 0 {
		arch = arch2
	}

	if len(ehFDEs) == 0 && len(debugFDEs) == 0 {
		metrics.CompileFailures.Inc()
		return nil, arch, ErrNoFDEsFound
	}

	fdes := mergeFDEs(ehFDEs, debugFDEs, logger, metrics)

	table, err := buildTable(fdes, arch)
	if err != nil {
		metrics.CompileFailures.Inc()
		return nil, arch, fmt.Errorf("compiling unwind table for %s: %w", obj.Path, err)
	}

	sort.Sort(table)
	table = coalesce(table)

	if len(table) > maxRows {
		level.Warn(logger).Log("msg", "unwind table exceeds max_rows_per_object, truncating tail", "rows", len(table), "max_rows", maxRows)
		metrics.RowOverflows.Inc()
		table = table[:maxRows]
	}

	return table, arch, nil
}

// mergeFDEs combines `.eh_frame` and `.debug_frame` entries, preferring
// `.eh_frame` whenever the two disagree about a range — `.debug_frame`
// parsing is comparatively untested, so a conflict falls back to
// `.eh_frame` alone rather than risk a corrupt merged table.
func mergeFDEs(ehFDEs, debugFDEs frame.FrameDescriptionEntries, logger log.Logger, metrics *Metrics) frame.FrameDescriptionEntries {
	if len(debugFDEs) == 0 {
		return ehFDEs
	}
	merged := make(frame.FrameDescriptionEntries, len(ehFDEs), len(ehFDEs)+len(debugFDEs))
	copy(merged, ehFDEs)
	for _, d := range debugFDEs {
		// A .debug_frame FDE covering exactly an .eh_frame FDE's range
		// would only add a duplicate set of rows; keep the .eh_frame one.
		if e, ok := ehFDEs.FDEForPC(d.Begin()); ok && e.Begin() == d.Begin() && e.End() == d.End() {
			continue
		}
		merged = append(merged, d)
	}
	sort.Sort(merged)

	for i := 0; i < len(merged)-1; i++ {
		if merged[i].End() > merged[i+1].Begin() {
			if merged[i].Begin() == merged[i+1].Begin() && merged[i].End() == merged[i+1].End() {
				continue
			}
			level.Warn(logger).Log("msg", "overlapping .eh_frame/.debug_frame FDEs, using .eh_frame only")
			metrics.DebugFrameErrors.Inc()
			fallback := make(frame.FrameDescriptionEntries, len(ehFDEs))
			copy(fallback, ehFDEs)
			sort.Sort(fallback)
			return fallback
		}
	}
	return merged
}

// buildTable executes the CFA program for every FDE and translates each
// materialized row into the compact vocabulary.
func buildTable(fdes frame.FrameDescriptionEntries, arch elf.Machine) (Table, error) {
	table := make(Table, 0, 4*len(fdes))
	ctx := frame.NewContext()

	for _, fde := range fdes {
		frameCtx, err := frame.ExecuteDWARFProgram(fde, ctx)
		if err != nil {
			return nil, err
		}

		var rows []*frame.InstructionContext
		for frameCtx.HasNext() {
			ic, err := frameCtx.Next()
			if err != nil {
				return nil, err
			}
			rows = append(rows, ic)
		}

		for i, ic := range rows {
			pcEnd := fde.End()
			if i+1 < len(rows) {
				pcEnd = rows[i+1].Loc()
			}
			if ic.Loc() >= pcEnd {
				continue
			}
			table = append(table, translateRow(ic.Loc(), pcEnd, ic, arch))
		}
	}
	return table, nil
}

// translateRow converts one materialized DWARF row into the fixed
// vocabulary a Row can express, falling back to Unsupported whenever the
// original CFI needs something outside {rsp, rbp} base registers or a
// DWARF expression (§4.2.3).
func translateRow(pcStart, pcEnd uint64, ic *frame.InstructionContext, arch elf.Machine) Row {
	row := Row{PCStart: pcStart, PCEnd: pcEnd}

	if arch != elf.EM_X86_64 {
		row.Unsupported = true
		return row
	}

	switch ic.CFA.Rule {
	case frame.RuleCFA:
		switch ic.CFA.Register {
		case frame.X86_64StackPointer:
			row.CFA = CFARule{Register: RegisterRSP, Offset: int32(ic.CFA.Offset)}
		case frame.X86_64FramePointer:
			row.CFA = CFARule{Register: RegisterRBP, Offset: int32(ic.CFA.Offset)}
		default:
			row.Unsupported = true
			return row
		}
	default:
		row.Unsupported = true
		return row
	}

	switch ic.FramePtr.Rule {
	case frame.RuleOffset:
		row.RBP = RBPRule{Kind: RBPCFAPlus, Offset: int32(ic.FramePtr.Offset)}
	case frame.RuleSameVal:
		row.RBP = RBPRule{Kind: RBPUnchanged}
	case frame.RuleRegister:
		row.RBP = RBPRule{Kind: RBPSameAsPrev}
	case frame.RuleUndefined:
		// No information was ever recorded about rbp in this range
		// (common for leaf prologues): treat it as unmodified, which
		// is the worst case behavior-preserving default.
		row.RBP = RBPRule{Kind: RBPUnchanged}
	default:
		row.Unsupported = true
		return row
	}

	switch ic.ReturnAddr.Rule {
	case frame.RuleOffset:
		row.RA = RARule{Kind: RACFAPlus, Offset: int32(ic.ReturnAddr.Offset)}
	case frame.RuleRegister:
		row.RA = RARule{Kind: RARegister, Register: uint8(ic.ReturnAddr.Register)}
	case frame.RuleSameVal:
		row.RA = RARule{Kind: RARegister, Register: uint8(frame.X86_64ReturnAddressCol)}
	case frame.RuleUndefined:
		row.RA = RARule{Kind: RAUndefined}
	default:
		row.Unsupported = true
		return row
	}

	return row
}

// coalesce merges adjacent rows describing identical unwind behavior,
// keeping the table small without changing its meaning.
func coalesce(t Table) Table {
	if len(t) == 0 {
		return t
	}
	out := t[:1]
	for _, row := range t[1:] {
		last := &out[len(out)-1]
		if last.PCEnd == row.PCStart && sameRule(*last, row) {
			last.PCEnd = row.PCEnd
			continue
		}
		out = append(out, row)
	}
	return out
}
