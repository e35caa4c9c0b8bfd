package symbolize

import (
	"bufio"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"sync"
)

// KallsymsResolver resolves kernel instruction pointers against
// /proc/kallsyms, per §4.6 step 4. The in-kernel unwinder this tool builds
// only ever walks user stacks (kernel stacks are delivered through a
// separate bpf_get_stack path the spec calls out of scope), so nothing in
// the STACKS pipeline currently feeds this resolver an address; it exists
// so a kernel-IP vector handed in from outside this session's stacks map
// can still be symbolized the way §4.6 describes.
type KallsymsResolver struct {
	open func(string) (fs.File, error)

	once sync.Once
	syms []kallsym
	err  error
}

type kallsym struct {
	addr uint64
	name string
}

// NewKallsymsResolver returns a resolver reading /proc/kallsyms lazily, on
// first Resolve call.
func NewKallsymsResolver() *KallsymsResolver {
	return &KallsymsResolver{open: func(name string) (fs.File, error) { return os.Open(name) }}
}

// Resolve returns the function name whose symbol covers addr, or "" if
// none is found or /proc/kallsyms could not be read.
func (r *KallsymsResolver) Resolve(addr uint64) (string, error) {
	r.once.Do(r.load)
	if r.err != nil {
		return "", r.err
	}
	i := sort.Search(len(r.syms), func(i int) bool { return r.syms[i].addr > addr })
	if i == 0 {
		return "", nil
	}
	return r.syms[i-1].name, nil
}

func (r *KallsymsResolver) load() {
	f, err := r.open("/proc/kallsyms")
	if err != nil {
		r.err = err
		return
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	for s.Scan() {
		fields := splitKallsymsLine(s.Text())
		if len(fields) < 3 {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			continue
		}
		r.syms = append(r.syms, kallsym{addr: addr, name: fields[2]})
	}
	if err := s.Err(); err != nil {
		r.err = err
		return
	}
	sort.Slice(r.syms, func(i, j int) bool { return r.syms[i].addr < r.syms[j].addr })
}

// splitKallsymsLine splits a "ffffffffaa000000 T symbol_name" line on
// whitespace without the allocations of strings.Fields's general case.
func splitKallsymsLine(line string) []string {
	var fields []string
	start := -1
	for i, c := range line {
		if c == ' ' || c == '\t' {
			if start >= 0 {
				fields = append(fields, line[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		fields = append(fields, line[start:])
	}
	return fields
}
