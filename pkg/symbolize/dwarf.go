package symbolize

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
)

// sourceLine is a resolved (function, file, line) triple; file and line
// are zero-valued when only the function name could be determined.
type sourceLine struct {
	Function string
	File     string
	Line     int
}

// dwarfLookup answers §4.6 step 2: if debug info is present, resolve rpc
// to a function name and source location straight from DWARF rather than
// falling back to the symbol table.
type dwarfLookup struct {
	data *dwarf.Data
}

func newDWARFLookup(ef *elf.File) (*dwarfLookup, error) {
	data, err := ef.DWARF()
	if err != nil {
		return nil, err
	}
	return &dwarfLookup{data: data}, nil
}

// lookup walks every compile unit's subprogram tree for the one whose
// [low_pc, high_pc) covers rpc, then consults that unit's line table for
// the closest row at or before rpc.
func (l *dwarfLookup) lookup(rpc uint64) (sourceLine, bool) {
	r := l.data.Reader()
	for {
		entry, err := r.Next()
		if err != nil || entry == nil {
			return sourceLine{}, false
		}
		if entry.Tag != dwarf.TagCompileUnit {
			continue
		}

		cuEntry := entry
		fn, ok := findSubprogram(r, rpc)
		if !ok {
			continue
		}

		line, _ := l.lineForPC(cuEntry, rpc)
		line.Function = fn
		return line, true
	}
}

// findSubprogram scans the children of the compile unit entry last read
// from r for a DW_TAG_subprogram entry whose range covers pc. Every entry
// it doesn't descend into is explicitly skipped past its own children, so
// a Tag == 0 terminator is only ever seen at the end of the CU's direct
// children, not after a subprogram's (or any other entry's) own nested
// lexical blocks and variables.
func findSubprogram(r *dwarf.Reader, pc uint64) (string, bool) {
	for {
		entry, err := r.Next()
		if err != nil || entry == nil {
			return "", false
		}
		if entry.Tag == 0 {
			// End of the compile unit's direct children.
			return "", false
		}
		if entry.Tag != dwarf.TagSubprogram {
			if entry.Children {
				r.SkipChildren()
			}
			continue
		}
		low, lok := entry.Val(dwarf.AttrLowpc).(uint64)
		if !lok {
			if entry.Children {
				r.SkipChildren()
			}
			continue
		}
		high, hok := highPC(entry, low)
		if !hok || pc < low || pc >= high {
			if entry.Children {
				r.SkipChildren()
			}
			continue
		}
		name, _ := entry.Val(dwarf.AttrName).(string)
		if name == "" {
			name = fmt.Sprintf("fn_%#x", low)
		}
		return name, true
	}
}

// highPC interprets DW_AT_high_pc, which DWARF4+ encodes as an offset
// from low_pc rather than an absolute address.
func highPC(entry *dwarf.Entry, low uint64) (uint64, bool) {
	switch v := entry.Val(dwarf.AttrHighpc).(type) {
	case uint64:
		if v < low {
			return low + v, true
		}
		return v, true
	case int64:
		return low + uint64(v), true
	default:
		return 0, false
	}
}

// lineForPC finds the source file and line of the last line-table row at
// or before pc within cuEntry's compile unit.
func (l *dwarfLookup) lineForPC(cuEntry *dwarf.Entry, pc uint64) (sourceLine, bool) {
	lr, err := l.data.LineReader(cuEntry)
	if err != nil || lr == nil {
		return sourceLine{}, false
	}

	var best dwarf.LineEntry
	found := false
	var row dwarf.LineEntry
	for {
		if err := lr.Next(&row); err != nil {
			break
		}
		if row.Address > pc {
			continue
		}
		if !found || row.Address > best.Address {
			best = row
			found = true
		}
	}
	if !found {
		return sourceLine{}, false
	}
	file := ""
	if best.File != nil {
		file = best.File.Name
	}
	return sourceLine{File: file, Line: best.Line}, true
}
