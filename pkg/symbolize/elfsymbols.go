package symbolize

import (
	"debug/elf"
	"sort"
)

// symbolTableLookup answers §4.6 step 3: scan an object's `.symtab` (or
// `.dynsym` when stripped) for the largest symbol whose value is ≤ rpc and
// whose size covers it, i.e. the innermost enclosing function symbol.
type symbolTableLookup struct {
	syms []elf.Symbol
}

// newSymbolTableLookup builds the lookup once per object file; ef.Symbols
// returns elf.ErrNoSymbols on a stripped binary, in which case the
// dynamic symbol table is used instead.
func newSymbolTableLookup(ef *elf.File) (*symbolTableLookup, error) {
	syms, err := ef.Symbols()
	if err != nil {
		syms, err = ef.DynamicSymbols()
		if err != nil {
			return nil, err
		}
	}

	funcs := make([]elf.Symbol, 0, len(syms))
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC {
			continue
		}
		funcs = append(funcs, s)
	}
	sortSymbolsByValue(funcs)
	return &symbolTableLookup{syms: funcs}, nil
}

// lookup returns the enclosing function symbol's name and rpc's offset
// into it, or ok=false if rpc falls outside every symbol's [value,
// value+size) range.
func (l *symbolTableLookup) lookup(rpc uint64) (name string, offset uint64, ok bool) {
	// syms is sorted by Value ascending; find the last symbol with
	// Value <= rpc, then check it actually covers rpc.
	lo, hi := 0, len(l.syms)
	for lo < hi {
		mid := (lo + hi) / 2
		if l.syms[mid].Value <= rpc {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return "", 0, false
	}
	sym := l.syms[lo-1]
	if sym.Size != 0 && rpc >= sym.Value+sym.Size {
		return "", 0, false
	}
	return sym.Name, rpc - sym.Value, true
}

func sortSymbolsByValue(syms []elf.Symbol) {
	sort.Slice(syms, func(i, j int) bool { return syms[i].Value < syms[j].Value })
}
