// Package symbolize implements the Symbolizer/Reducer (C6): after the
// target exits, it walks the kernel's aggregation map and resolves each
// recorded instruction-pointer vector to a folded stack of function
// names, per §4.6.
package symbolize

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/stackprobe/stackprobe/pkg/objectfile"
	"github.com/stackprobe/stackprobe/pkg/registry"
)

// Reducer resolves raw IP vectors pulled from the kernel STACKS/COUNTS
// maps into folded stacks, reading C1 (read-only, per §2) for the
// object owning each address.
type Reducer struct {
	logger   log.Logger
	registry *registry.Registry
	objPool  *objectfile.Pool

	mtx  sync.Mutex
	byID map[registry.ObjectID]*objectResolver
}

// objectResolver caches the DWARF and symbol-table lookups for one
// object, built lazily the first time one of its addresses is resolved.
type objectResolver struct {
	dwarf *dwarfLookup
	syms  *symbolTableLookup
	err   error
}

// NewReducer returns a Reducer reading object data through pool and
// address-to-object data through reg.
func NewReducer(logger log.Logger, reg *registry.Registry, pool *objectfile.Pool) *Reducer {
	return &Reducer{
		logger:   logger,
		registry: reg,
		objPool:  pool,
		byID:     make(map[registry.ObjectID]*objectResolver),
	}
}

// FoldedStack is one observed call stack and how many times it was
// sampled.
type FoldedStack struct {
	Frames []string
	Count  uint64
}

// StackSource answers the kernel map reads this package needs without
// coupling it to the kernelmaps package directly.
type StackSource interface {
	ReadCounts() (map[uint32]uint64, error)
	ReadStack(stackID uint32) ([]uint64, error)
}

// Reduce drains counts and their backing IP vectors from src and resolves
// every stack to its folded frame list, innermost frame last (§4.6).
func (r *Reducer) Reduce(src StackSource) ([]FoldedStack, error) {
	counts, err := src.ReadCounts()
	if err != nil {
		return nil, fmt.Errorf("reading counts: %w", err)
	}

	out := make([]FoldedStack, 0, len(counts))
	for stackID, count := range counts {
		ips, err := src.ReadStack(stackID)
		if err != nil {
			level.Warn(r.logger).Log("msg", "failed to read stack", "stack_id", stackID, "err", err)
			continue
		}

		frames := make([]string, len(ips))
		for i, ip := range ips {
			frames[i] = r.resolveFrame(ip)
		}
		// The kernel records ips with the interrupted frame first and
		// the root frame last; folded-stack format wants innermost last.
		reverse(frames)

		out = append(out, FoldedStack{Frames: frames, Count: count})
	}

	sort.Slice(out, func(i, j int) bool {
		return strings.Join(out[i].Frames, ";") < strings.Join(out[j].Frames, ";")
	})
	return out, nil
}

// resolveFrame implements §4.6's per-IP resolution algorithm.
func (r *Reducer) resolveFrame(ip uint64) string {
	obj, rpc, ok := r.registry.LookupByVAddr(ip)
	if !ok {
		return "[unknown]"
	}
	if obj.Opaque {
		return fmt.Sprintf("%s+%#x", baseName(obj.Path), rpc)
	}

	res := r.resolverFor(obj)
	if res == nil || res.err != nil {
		return fmt.Sprintf("%s+%#x", baseName(obj.Path), rpc)
	}

	if res.dwarf != nil {
		if line, ok := res.dwarf.lookup(rpc); ok {
			if line.File != "" {
				return fmt.Sprintf("%s (%s:%d)", line.Function, line.File, line.Line)
			}
			return line.Function
		}
	}
	if res.syms != nil {
		if name, off, ok := res.syms.lookup(rpc); ok {
			if off == 0 {
				return name
			}
			return fmt.Sprintf("%s+%#x", name, off)
		}
	}
	return fmt.Sprintf("%s+%#x", baseName(obj.Path), rpc)
}

func (r *Reducer) resolverFor(obj *registry.Object) *objectResolver {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if res, ok := r.byID[obj.ID]; ok {
		return res
	}

	res := &objectResolver{}
	of, err := r.objPool.Open(obj.Path)
	if err != nil {
		res.err = err
		r.byID[obj.ID] = res
		return res
	}

	if dw, err := newDWARFLookup(of.ElfFile); err == nil {
		res.dwarf = dw
	}
	if syms, err := newSymbolTableLookup(of.ElfFile); err == nil {
		res.syms = syms
	} else if res.dwarf == nil {
		res.err = err
	}

	r.byID[obj.ID] = res
	return res
}

func baseName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// WriteFolded emits one folded stack per line: semicolon-joined frames,
// innermost last, followed by the sample count, matching the de-facto
// flamegraph-input format (§4.6).
func WriteFolded(w io.Writer, stacks []FoldedStack) error {
	for _, s := range stacks {
		if _, err := fmt.Fprintf(w, "%s %d\n", strings.Join(s.Frames, ";"), s.Count); err != nil {
			return err
		}
	}
	return nil
}
