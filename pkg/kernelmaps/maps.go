// Package kernelmaps implements the Kernel Map Surface (C3): typed
// handles over the eBPF maps that carry address maps, compiled unwind
// tables, aggregated stacks and counts between user space and the
// in-kernel unwinder, plus the probe-attachment glue described in §6.
package kernelmaps

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"unsafe"

	bpf "github.com/aquasecurity/libbpfgo"
	"github.com/aquasecurity/libbpfgo/helpers"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"github.com/stackprobe/stackprobe/pkg/probespec"
	"github.com/stackprobe/stackprobe/pkg/registry"
	"github.com/stackprobe/stackprobe/pkg/rlimit"
	"github.com/stackprobe/stackprobe/pkg/unwind"
)

const (
	addressMapsName   = "address_maps"
	unwindTablesName  = "unwind_tables"
	stacksMapName     = "stacks"
	countsMapName     = "counts"
	eventsMapName     = "events"
	unwinderProgName  = "unwind_on_probe"

	// addressMapEntrySize mirrors the naturally-aligned
	// address_map_entry the BPF program defines in bpf/native.bpf.c:
	// vaddr_lo(8) + vaddr_hi(8) + load_base(8) + object_id(4), padded to
	// 32 by the struct's 8-byte alignment (from its u64 members) so the
	// kernel program can index it as a flat array (§4.3/§6).
	addressMapEntrySize = 32
	// unwindRowSize mirrors the naturally-aligned stack_unwind_row the
	// BPF program defines in bpf/native.bpf.c: pc(8) + cfa_type(1) +
	// cfa_reg(1) + rbp_kind(1) + ra_kind(1) + cfa_offset(4) +
	// rbp_offset(4) + ra_offset(4) + ra_register(1), padded to 32.
	unwindRowSize = 32
)

// Capacities bounds every kernel map's size at load time (§4.3, §6's
// `max_objects`/`max_rows_per_object`/`max_stacks` configuration options).
type Capacities struct {
	MaxObjects       uint32
	MaxRowsPerObject uint32
	MaxDepth         uint32
	MaxStacks        uint32
	MemlockCur       uint64
	MemlockMax       uint64
}

// Maps owns the loaded BPF module and every map/program handle the rest of
// the session needs.
type Maps struct {
	logger log.Logger
	module *bpf.Module
	cap    Capacities

	addressMaps  *bpf.BPFMap
	unwindTables *bpf.BPFMap
	stacks       *bpf.BPFMap
	counts       *bpf.BPFMap
	events       *bpf.BPFMap

	attached []*bpf.BPFLink
	perfFDs  []int
	eventsPB *bpf.PerfBuffer
}

// Load reads the embedded, precompiled unwinder program, bumps
// RLIMIT_MEMLOCK, creates every kernel map sized per cap, and loads the
// program into the kernel. It is a setup-fatal operation end to end
// (§7): any failure here aborts the session.
func Load(logger log.Logger, reg prometheus.Registerer, programBytes []byte, cap Capacities) (*Maps, error) {
	bpf.SetLoggerCbs(bpf.Callbacks{
		Log: func(_ int, msg string) { level.Debug(logger).Log("msg", msg, "component", "libbpf") },
	})

	if _, err := rlimit.BumpMemlock(cap.MemlockCur, cap.MemlockMax); err != nil {
		return nil, fmt.Errorf("bump memlock: %w", err)
	}

	module, err := bpf.NewModuleFromBufferArgs(bpf.NewModuleArgs{
		BPFObjBuff: programBytes,
		BPFObjName: "stackprobe",
	})
	if err != nil {
		return nil, fmt.Errorf("new bpf module: %w", err)
	}

	m := &Maps{logger: logger, module: module, cap: cap}

	for _, spec := range []struct {
		name string
		max  uint32
	}{
		{addressMapsName, cap.MaxObjects}, // one entry per active PID in practice, sized generously.
		{unwindTablesName, cap.MaxObjects},
		{stacksMapName, cap.MaxStacks},
		{countsMapName, cap.MaxStacks},
	} {
		bpfMap, err := module.GetMap(spec.name)
		if err != nil {
			module.Close()
			return nil, fmt.Errorf("get map %s: %w", spec.name, err)
		}
		if err := bpfMap.Resize(spec.max); err != nil {
			module.Close()
			return nil, fmt.Errorf("resize map %s to %d: %w", spec.name, spec.max, err)
		}
	}

	if err := module.BPFLoadObject(); err != nil {
		module.Close()
		return nil, fmt.Errorf("load bpf object: %w", err)
	}

	for name, dst := range map[string]**bpf.BPFMap{
		addressMapsName:  &m.addressMaps,
		unwindTablesName: &m.unwindTables,
		stacksMapName:    &m.stacks,
		countsMapName:    &m.counts,
	} {
		bpfMap, err := module.GetMap(name)
		if err != nil {
			module.Close()
			return nil, fmt.Errorf("get map %s after load: %w", name, err)
		}
		*dst = bpfMap
	}

	// The diagnostic events channel is optional: its absence from the
	// program is not fatal, only the EVENTS-reader thread is disabled.
	if bpfMap, err := module.GetMap(eventsMapName); err == nil {
		m.events = bpfMap
	} else {
		level.Debug(logger).Log("msg", "no events map in bpf program, diagnostic channel disabled", "err", err)
	}

	return m, nil
}

// WriteAddressMap uploads pid's sorted, disjoint address-map entries into
// ADDRESS_MAPS (§4.3/§6).
func (m *Maps) WriteAddressMap(pid uint32, entries []registry.AddressMapEntry) error {
	if len(entries) > int(m.cap.MaxObjects) {
		level.Warn(m.logger).Log("msg", "address map entries exceed capacity, truncating", "count", len(entries), "max", m.cap.MaxObjects)
		entries = entries[:m.cap.MaxObjects]
	}

	buf := make([]byte, len(entries)*addressMapEntrySize)
	for i, e := range entries {
		off := i * addressMapEntrySize
		binary.LittleEndian.PutUint64(buf[off:], e.VAddrLo)
		binary.LittleEndian.PutUint64(buf[off+8:], e.VAddrHi)
		binary.LittleEndian.PutUint64(buf[off+16:], e.LoadBase)
		binary.LittleEndian.PutUint32(buf[off+24:], uint32(e.ObjectID))
	}
	if len(buf) == 0 {
		buf = []byte{0} // avoid a nil pointer Update call for an empty target.
	}
	if err := m.addressMaps.Update(unsafe.Pointer(&pid), unsafe.Pointer(&buf[0])); err != nil {
		return fmt.Errorf("update address_maps[%d]: %w", pid, err)
	}
	return nil
}

// WriteUnwindTable uploads object id's compiled row table into
// UNWIND_TABLES.
func (m *Maps) WriteUnwindTable(id registry.ObjectID, table unwind.Table) error {
	if len(table) > int(m.cap.MaxRowsPerObject) {
		level.Warn(m.logger).Log("msg", "unwind table exceeds capacity, truncating tail", "object_id", id, "rows", len(table), "max", m.cap.MaxRowsPerObject)
		table = table[:m.cap.MaxRowsPerObject]
	}

	buf := make([]byte, len(table)*unwindRowSize)
	for i, row := range table {
		encodeRow(buf[i*unwindRowSize:], row)
	}
	if len(buf) == 0 {
		buf = []byte{0}
	}
	key := uint32(id)
	if err := m.unwindTables.Update(unsafe.Pointer(&key), unsafe.Pointer(&buf[0])); err != nil {
		return fmt.Errorf("update unwind_tables[%d]: %w", id, err)
	}
	return nil
}

func encodeRow(dst []byte, row unwind.Row) {
	binary.LittleEndian.PutUint64(dst[0:], row.PCStart)
	if row.Unsupported {
		dst[8] = 0xff // cfa_type sentinel the in-kernel walker treats as unsupported.
		return
	}
	dst[8] = 1 // cfa_type: defined.
	dst[9] = byte(row.CFA.Register)
	dst[10] = byte(row.RBP.Kind)
	dst[11] = byte(row.RA.Kind)
	binary.LittleEndian.PutUint32(dst[12:], uint32(row.CFA.Offset))
	binary.LittleEndian.PutUint32(dst[16:], uint32(row.RBP.Offset))
	binary.LittleEndian.PutUint32(dst[20:], uint32(row.RA.Offset))
	dst[24] = row.RA.Register
}

// ReadCounts snapshots COUNTS, keyed by stack id (§4.6 input).
func (m *Maps) ReadCounts() (map[uint32]uint64, error) {
	out := make(map[uint32]uint64)
	it := m.counts.Iterator()
	for it.Next() {
		keyBytes := it.Key()
		if len(keyBytes) < 4 {
			continue
		}
		stackID := binary.LittleEndian.Uint32(keyBytes)
		valBytes, err := m.counts.GetValue(unsafe.Pointer(&keyBytes[0]))
		if err != nil {
			return nil, fmt.Errorf("read counts[%d]: %w", stackID, err)
		}
		if len(valBytes) < 8 {
			continue
		}
		out[stackID] = binary.LittleEndian.Uint64(valBytes)
	}
	return out, nil
}

// ReadStack returns the IP vector recorded for stackID.
func (m *Maps) ReadStack(stackID uint32) ([]uint64, error) {
	valBytes, err := m.stacks.GetValue(unsafe.Pointer(&stackID))
	if err != nil {
		return nil, fmt.Errorf("read stacks[%d]: %w", stackID, err)
	}
	ips := make([]uint64, 0, len(valBytes)/8)
	for off := 0; off+8 <= len(valBytes); off += 8 {
		ip := binary.LittleEndian.Uint64(valBytes[off:])
		if ip == 0 {
			break
		}
		ips = append(ips, ip)
	}
	return ips, nil
}

// Attach binds spec to the in-kernel unwinder program, per the probe
// grammar of §6.
func (m *Maps) Attach(spec *probespec.Spec, pid int) error {
	prog, err := m.module.GetProgram(unwinderProgName)
	if err != nil {
		return fmt.Errorf("get program %s: %w", unwinderProgName, err)
	}

	switch spec.Kind {
	case probespec.KindProfile:
		return m.attachProfile(prog, pid, spec.FrequencyHz)
	case probespec.KindUprobe:
		off, err := symbolOffset(spec.Path, spec.Symbol, spec.Offset)
		if err != nil {
			return fmt.Errorf("resolve uprobe symbol %s:%s: %w", spec.Path, spec.Symbol, err)
		}
		link, err := prog.AttachUprobe(pid, spec.Path, off)
		if err != nil {
			return fmt.Errorf("attach uprobe %s:%s: %w", spec.Path, spec.Symbol, err)
		}
		m.attached = append(m.attached, link)
		return nil
	case probespec.KindUretprobe:
		off, err := symbolOffset(spec.Path, spec.Symbol, 0)
		if err != nil {
			return fmt.Errorf("resolve uretprobe symbol %s:%s: %w", spec.Path, spec.Symbol, err)
		}
		link, err := prog.AttachURetprobe(pid, spec.Path, off)
		if err != nil {
			return fmt.Errorf("attach uretprobe %s:%s: %w", spec.Path, spec.Symbol, err)
		}
		m.attached = append(m.attached, link)
		return nil
	case probespec.KindKprobe:
		link, err := prog.AttachKprobe(spec.Function)
		if err != nil {
			return fmt.Errorf("attach kprobe %s: %w", spec.Function, err)
		}
		m.attached = append(m.attached, link)
		return nil
	case probespec.KindKretprobe:
		link, err := prog.AttachKretprobe(spec.Function)
		if err != nil {
			return fmt.Errorf("attach kretprobe %s: %w", spec.Function, err)
		}
		m.attached = append(m.attached, link)
		return nil
	case probespec.KindTracepoint:
		link, err := prog.AttachTracepoint(spec.Category, spec.Name)
		if err != nil {
			return fmt.Errorf("attach tracepoint %s:%s: %w", spec.Category, spec.Name, err)
		}
		m.attached = append(m.attached, link)
		return nil
	default:
		return fmt.Errorf("unhandled probe kind %q", spec.Kind)
	}
}

// symbolOffset resolves symbol's file offset within path via libbpfgo's
// own ELF-symbol-table helper — AttachUprobe/AttachURetprobe take a raw
// file offset, not a symbol name, so the `uprobe:<path>:<symbol>` grammar
// (§6) has to go through this before attaching. extra is the `+<offset>`
// suffix the grammar allows, added on top of the resolved symbol address.
func symbolOffset(path, symbol string, extra uint64) (uint64, error) {
	off, err := helpers.SymbolToOffset(path, symbol)
	if err != nil {
		return 0, fmt.Errorf("symbol %s not found in %s: %w", symbol, path, err)
	}
	return uint64(off) + extra, nil
}

// attachProfile opens one CPU-clock perf event per CPU, bound to pid, and
// attaches the unwinder program to each — the `profile:hz:<N>` grammar.
func (m *Maps) attachProfile(prog *bpf.BPFProg, pid int, hz uint64) error {
	ncpu := runtime.NumCPU()
	for cpu := 0; cpu < ncpu; cpu++ {
		fd, err := unix.PerfEventOpen(&unix.PerfEventAttr{
			Type:   unix.PERF_TYPE_SOFTWARE,
			Config: unix.PERF_COUNT_SW_CPU_CLOCK,
			Size:   uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
			Sample: hz,
			Bits:   unix.PerfBitDisabled | unix.PerfBitFreq,
		}, pid, cpu, -1, 0)
		if err != nil {
			return fmt.Errorf("open perf event (cpu %d): %w", cpu, err)
		}
		m.perfFDs = append(m.perfFDs, fd)

		if _, err := prog.AttachPerfEvent(fd); err != nil {
			return fmt.Errorf("attach perf event (cpu %d): %w", cpu, err)
		}
	}
	return nil
}

// Close detaches every probe and unloads the module, releasing every file
// descriptor the session holds (§5's resource policy).
func (m *Maps) Close() error {
	if m.eventsPB != nil {
		m.eventsPB.Stop()
		m.eventsPB.Close()
	}
	for _, fd := range m.perfFDs {
		_ = unix.Close(fd)
	}
	if m.module != nil {
		m.module.Close()
	}
	return nil
}

// ErrEventsMapNotPresent is returned by StartEvents when the loaded probe
// program has no EVENTS map, per its optional-diagnostics status (§5/§7).
var ErrEventsMapNotPresent = fmt.Errorf("kernelmaps: program has no %s map", eventsMapName)

// StartEvents opens the EVENTS perf buffer and begins polling it,
// returning a channel of decoded Diagnostic records and a channel of lost
// sample counts. Diagnostic decoding is best-effort: a record this tool
// can't parse is dropped rather than torn down the channel.
func (m *Maps) StartEvents(bufPages int) (<-chan Diagnostic, <-chan uint64, error) {
	if m.events == nil {
		return nil, nil, ErrEventsMapNotPresent
	}

	raw := make(chan []byte)
	lost := make(chan uint64)
	pb, err := m.module.InitPerfBuf(eventsMapName, raw, lost, bufPages)
	if err != nil {
		return nil, nil, fmt.Errorf("init perf buffer for %s: %w", eventsMapName, err)
	}
	m.eventsPB = pb
	pb.Poll(50)

	out := make(chan Diagnostic)
	go func() {
		defer close(out)
		for b := range raw {
			recs, err := decodeDiagnostics(b)
			if err != nil {
				level.Debug(m.logger).Log("msg", "dropping malformed diagnostic record", "err", err)
				continue
			}
			for _, r := range recs {
				out <- r
			}
		}
	}()
	return out, lost, nil
}
