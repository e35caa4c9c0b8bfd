package addressmap

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/procfs"

	"github.com/stackprobe/stackprobe/pkg/kernelmaps"
	"github.com/stackprobe/stackprobe/pkg/objectfile"
	"github.com/stackprobe/stackprobe/pkg/registry"
	"github.com/stackprobe/stackprobe/pkg/unwind"
)

// ErrDiedBeforeMapped signals a failure in SPAWNED, AT_ENTRY or MAPPED, which
// §4.5 treats as fatal for the whole session.
var ErrDiedBeforeMapped = errors.New("target exited before reaching _start")

// Tracker drives one target process through the C5 state machine. It is
// not safe for concurrent use: ptrace is bound to the OS thread that
// issues PTRACE_ATTACH/TRACEME, so a Tracker must live out its life on a
// single goroutine with its OS thread locked.
type Tracker struct {
	logger log.Logger

	objPool       *objectfile.Pool
	registry      *registry.Registry
	unwindMetrics *unwind.Metrics
	maps          *kernelmaps.Maps
	procfs        procfs.FS

	maxRowsPerObject int

	mtx       sync.Mutex
	state     State
	pid       int
	exePath   string
	entryAddr uint64
	origWord  [8]byte
	ptraced   bool
}

// New returns a Tracker wired to the session's C1/C2/C3 collaborators.
func New(
	logger log.Logger,
	reg *registry.Registry,
	objPool *objectfile.Pool,
	unwindMetrics *unwind.Metrics,
	maps *kernelmaps.Maps,
	maxRowsPerObject int,
) (*Tracker, error) {
	pfs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("opening procfs: %w", err)
	}
	return &Tracker{
		logger:           log.With(logger, "component", "addressmap"),
		objPool:          objPool,
		registry:         reg,
		unwindMetrics:    unwindMetrics,
		maps:             maps,
		procfs:           pfs,
		maxRowsPerObject: maxRowsPerObject,
		state:            Spawned,
	}, nil
}

// State returns the tracker's current state machine position.
func (t *Tracker) State() State {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.state
}

func (t *Tracker) setState(s State) {
	t.mtx.Lock()
	t.state = s
	t.mtx.Unlock()
	level.Debug(t.logger).Log("msg", "state transition", "state", s.String())
}

// Run drives exePath through SPAWNED -> AT_ENTRY -> MAPPED, populating the
// registry, CFI tables and kernel address map for every symbolizable
// mapping the dynamic loader produced, and returns the stopped pid. Any
// error returned here is fatal for the session per §4.5.
func (t *Tracker) Run(exePath string, args []string) (int, error) {
	pid, err := t.spawn(exePath, args)
	if err != nil {
		return 0, fmt.Errorf("spawning target: %w", err)
	}
	if err := t.armEntryBreakpoint(); err != nil {
		return 0, fmt.Errorf("arming entry breakpoint: %w", err)
	}
	if err := t.waitForEntryBreak(); err != nil {
		return 0, fmt.Errorf("waiting for target to reach _start: %w", err)
	}
	if err := t.populate(); err != nil {
		return 0, fmt.Errorf("populating address map: %w", err)
	}
	return pid, nil
}

// AttachExisting skips SPAWNED/AT_ENTRY and populates the address map for
// an already-running pid, going straight to MAPPED. Any mappings the
// dynamic loader produced before this call are still captured, but
// anything mapped between target startup and this call and already
// unmapped again is lost — an inherent limitation of attaching after the
// fact rather than at `_start`, consistent with this tool's no
// post-`_start` shared-library tracking.
func (t *Tracker) AttachExisting(pid int) (int, error) {
	t.pid = pid
	t.setState(Mapped)
	if err := t.populate(); err != nil {
		return 0, fmt.Errorf("populating address map for existing pid %d: %w", pid, err)
	}
	return pid, nil
}

// spawn forks and execs exePath under ptrace, stopping it at the kernel's
// post-execve trap (SPAWNED -> AT_ENTRY).
func (t *Tracker) spawn(exePath string, args []string) (int, error) {
	// ptrace requests are per-thread; the tracer thread must never change
	// for the life of this process.
	runtime.LockOSThread()

	cmd := exec.Command(exePath, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting %s: %w", exePath, err)
	}
	pid := cmd.Process.Pid

	var ws syscall.WaitStatus
	if _, err := syscall.Wait4(pid, &ws, 0, nil); err != nil {
		return 0, fmt.Errorf("waiting for post-execve trap: %w", err)
	}
	if !ws.Stopped() || ws.StopSignal() != syscall.SIGTRAP {
		return 0, fmt.Errorf("%w: unexpected wait status %v", ErrDiedBeforeMapped, ws)
	}

	t.pid = pid
	t.exePath = exePath
	t.ptraced = true
	t.setState(AtEntry)
	return pid, nil
}

// armEntryBreakpoint patches a single int3 (0xCC) byte over the
// executable's ELF entry point, saving the original word so it can be
// restored once the breakpoint fires.
func (t *Tracker) armEntryBreakpoint() error {
	ef, err := elf.Open(t.exePath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", t.exePath, err)
	}
	defer ef.Close()

	entry := ef.Entry
	if ef.Type == elf.ET_DYN {
		loadBase, err := t.findExecutableLoadBase()
		if err != nil {
			return fmt.Errorf("finding load base of PIE executable: %w", err)
		}
		entry += loadBase
	}
	t.entryAddr = entry

	word, err := ptracePeekWord(t.pid, entry)
	if err != nil {
		return fmt.Errorf("reading entry word at %#x: %w", entry, err)
	}
	t.origWord = word

	patched := word
	patched[0] = 0xCC
	if err := ptracePokeWord(t.pid, entry, patched); err != nil {
		return fmt.Errorf("writing breakpoint at %#x: %w", entry, err)
	}
	return nil
}

// findExecutableLoadBase reads /proc/<pid>/exe and /proc/<pid>/maps to
// find the lowest address the kernel mapped the main executable at, which
// for a PIE binary is the bias to add to every entry from its ELF header.
func (t *Tracker) findExecutableLoadBase() (uint64, error) {
	canonical, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", t.pid))
	if err != nil {
		return 0, fmt.Errorf("reading /proc/%d/exe: %w", t.pid, err)
	}

	proc, err := t.procfs.Proc(t.pid)
	if err != nil {
		return 0, fmt.Errorf("opening proc %d: %w", t.pid, err)
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return 0, fmt.Errorf("reading proc maps for %d: %w", t.pid, err)
	}

	var lowest uint64 = ^uint64(0)
	found := false
	for _, m := range maps {
		if m.Pathname != canonical {
			continue
		}
		if start := uint64(m.StartAddr); start < lowest {
			lowest = start
			found = true
		}
	}
	if !found {
		return 0, fmt.Errorf("no mapping of %s found for pid %d", canonical, t.pid)
	}
	return lowest, nil
}

// waitForEntryBreak resumes the target and waits for it to trap on the
// entry breakpoint (AT_ENTRY -> MAPPED), tolerating and re-delivering any
// unrelated signal the target receives first. A target that dies or
// fails to reach _start within the retry budget is a fatal session error.
func (t *Tracker) waitForEntryBreak() error {
	expBackOff := backoff.NewExponentialBackOff()
	expBackOff.InitialInterval = 10 * time.Millisecond
	expBackOff.MaxElapsedTime = 30 * time.Second

	// sig is the unrelated signal, if any, to deliver on the next resume.
	sig := 0
	err := backoff.Retry(func() error {
		if err := syscall.PtraceCont(t.pid, sig); err != nil {
			return backoff.Permanent(fmt.Errorf("resuming target: %w", err))
		}
		sig = 0

		var ws syscall.WaitStatus
		if _, err := syscall.Wait4(t.pid, &ws, 0, nil); err != nil {
			return backoff.Permanent(fmt.Errorf("waiting for target: %w", err))
		}

		if ws.Exited() || ws.Signaled() {
			return backoff.Permanent(fmt.Errorf("%w: status %v", ErrDiedBeforeMapped, ws))
		}
		if !ws.Stopped() {
			return fmt.Errorf("unexpected wait status %v, retrying", ws)
		}
		if ws.StopSignal() != syscall.SIGTRAP {
			// A signal unrelated to our breakpoint arrived first (e.g. a
			// handler installed before _start runs); re-deliver it with
			// the next resume and keep waiting for the real trap.
			sig = int(ws.StopSignal())
			return errRetryWait
		}

		var regs syscall.PtraceRegs
		if err := syscall.PtraceGetRegs(t.pid, &regs); err != nil {
			return backoff.Permanent(fmt.Errorf("reading registers: %w", err))
		}
		// int3 leaves rip one byte past the breakpoint.
		if regs.Rip-1 != t.entryAddr {
			return errRetryWait
		}
		regs.Rip = t.entryAddr
		if err := syscall.PtraceSetRegs(t.pid, &regs); err != nil {
			return backoff.Permanent(fmt.Errorf("rewinding rip: %w", err))
		}
		return nil
	}, expBackOff)
	if err != nil {
		return err
	}

	if err := ptracePokeWord(t.pid, t.entryAddr, t.origWord); err != nil {
		return fmt.Errorf("restoring entry word: %w", err)
	}
	t.setState(Mapped)
	return nil
}

var errRetryWait = errors.New("addressmap: unrelated trap, retrying")

// populate implements the MAPPED state's work: snapshot /proc/<pid>/maps,
// register every executable mapping backed by a regular file with C1,
// compile its CFI with C2, and push the resulting tables and address map
// into C3. A per-object compile failure is logged and the object is kept
// registered with an empty unwind table (§4.5's non-fatal case); nothing
// here past this point is allowed to be fatal.
func (t *Tracker) populate() error {
	proc, err := t.procfs.Proc(t.pid)
	if err != nil {
		return fmt.Errorf("opening proc %d: %w", t.pid, err)
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return fmt.Errorf("reading proc maps for %d: %w", t.pid, err)
	}

	for _, m := range maps {
		if !m.Perms.Execute || !refersToRegularFile(m.Pathname) {
			continue
		}

		absPath := path.Join("/proc", strconv.Itoa(t.pid), "root", m.Pathname)
		lo, hi := uint64(m.StartAddr), uint64(m.EndAddr)
		// The compiled unwind table and the DWARF/symtab the reducer
		// consults both key off file virtual addresses. A mapping's
		// start address only equals its object's file vaddr 0 when the
		// mapping's file offset is 0 — true for the first LOAD segment,
		// false for every other one (the executable segment of a modern
		// PIE binary is essentially never the first). loadBias backs
		// out that offset so object-relative lookups land on the right
		// row/symbol regardless of which LOAD segment this mapping is.
		loadBias := lo - uint64(m.Offset)

		obj, err := t.objPool.Open(absPath)
		if err != nil {
			level.Warn(t.logger).Log("msg", "failed to open mapped object, registering opaque", "path", m.Pathname, "err", err)
			id := t.registry.Register(m.Pathname, loadBias, "", true, registry.UnwindPolicyDwarfOnly)
			t.registry.AddMapping(lo, hi, id)
			continue
		}

		policy := detectRegistryPolicy(absPath)
		id := t.registry.Register(absPath, loadBias, obj.BuildID, false, policy)
		t.registry.AddMapping(lo, hi, id)

		if !obj.HasTextSection() {
			continue
		}

		table, err := t.compileUnwindTable(obj, policy)
		if err != nil {
			level.Warn(t.logger).Log("msg", "failed to compile CFI for mapped object, stacks through it will be truncated", "path", m.Pathname, "err", err)
			continue
		}
		if err := t.maps.WriteUnwindTable(id, table); err != nil {
			level.Warn(t.logger).Log("msg", "failed to upload unwind table", "path", m.Pathname, "err", err)
		}
	}

	if err := t.maps.WriteAddressMap(uint32(t.pid), t.registry.Entries()); err != nil {
		return fmt.Errorf("uploading address map for pid %d: %w", t.pid, err)
	}
	return nil
}

// detectRegistryPolicy runs unwind.DetectPolicy and translates its result
// into the registry's copy of the Policy enum (kept separate so package
// registry doesn't have to import package unwind).
func detectRegistryPolicy(path string) registry.UnwindPolicy {
	switch unwind.DetectPolicy(path) {
	case unwind.FpOnly:
		return registry.UnwindPolicyFPOnly
	case unwind.DwarfOrFp:
		return registry.UnwindPolicyDwarfOrFP
	default:
		return registry.UnwindPolicyDwarfOnly
	}
}

// compileUnwindTable builds obj's CFI table according to policy: FpOnly
// skips `.eh_frame`/`.debug_frame` entirely in favor of a synthetic
// frame-pointer table, DwarfOrFp tries DWARF CFI first and falls back to
// one if that produced nothing, and DwarfOnly (the default) never
// synthesizes frame-pointer rows at all.
func (t *Tracker) compileUnwindTable(obj *objectfile.ObjectFile, policy registry.UnwindPolicy) (unwind.Table, error) {
	if policy == registry.UnwindPolicyFPOnly {
		return unwind.FramePointerTable(obj)
	}

	table, _, err := unwind.Compile(t.logger, t.unwindMetrics, obj, t.maxRowsPerObject)
	if err == nil || policy != registry.UnwindPolicyDwarfOrFP {
		return table, err
	}

	fp, fpErr := unwind.FramePointerTable(obj)
	if fpErr != nil {
		return nil, err
	}
	level.Debug(t.logger).Log("msg", "falling back to frame-pointer unwind table", "path", obj.Path, "dwarf_err", err)
	return fp, nil
}

// refersToRegularFile reports whether pathname is a real on-disk path
// rather than a pseudo-mapping such as [heap], [vdso] or an anonymous or
// deleted backing file; only these are symbolizable and worth C1/C2 work.
func refersToRegularFile(pathname string) bool {
	if pathname == "" {
		return false
	}
	if pathname[0] == '[' {
		return false
	}
	for _, bad := range []string{"(deleted)", "memfd:", "anon_inode:"} {
		if containsSubstr(pathname, bad) {
			return false
		}
	}
	return true
}

func containsSubstr(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

// Release resumes the target for real tracing (MAPPED -> RUNNING). Probe
// installation (kernelmaps.Maps.Attach) must happen before this call so
// no sample window is missed. A target reached via AttachExisting was
// never ptrace-attached, so there is nothing to detach.
func (t *Tracker) Release() error {
	if t.ptraced {
		if err := syscall.PtraceDetach(t.pid); err != nil {
			return fmt.Errorf("detaching from pid %d: %w", t.pid, err)
		}
	}
	t.setState(Running)
	return nil
}

// ExitStatus is what Wait reports once the target leaves RUNNING.
type ExitStatus struct {
	ExitCode int
	Signaled bool
	Signal   syscall.Signal
}

// Wait blocks until the target exits or is killed by a signal (RUNNING ->
// EXITED), matching §4.5's "any RUNNING -> EXITED or terminal signal"
// transition.
func (t *Tracker) Wait() (ExitStatus, error) {
	var ws syscall.WaitStatus
	for {
		_, err := syscall.Wait4(t.pid, &ws, 0, nil)
		if err != nil {
			return ExitStatus{}, fmt.Errorf("waiting for pid %d: %w", t.pid, err)
		}
		if ws.Exited() || ws.Signaled() {
			break
		}
		// Detached tracees stop delivering ptrace events to us, but a
		// PTRACE_DETACH child can still briefly report group-stop style
		// waits; keep draining until a terminal status arrives.
	}
	t.setState(Exited)
	if ws.Signaled() {
		return ExitStatus{Signaled: true, Signal: ws.Signal()}, nil
	}
	return ExitStatus{ExitCode: ws.ExitStatus()}, nil
}

func ptracePeekWord(pid int, addr uint64) ([8]byte, error) {
	var word [8]byte
	n, err := syscall.PtracePeekText(pid, uintptr(addr), word[:])
	if err != nil {
		return word, err
	}
	if n != len(word) {
		return word, fmt.Errorf("short peek at %#x: got %d bytes", addr, n)
	}
	return word, nil
}

func ptracePokeWord(pid int, addr uint64, word [8]byte) error {
	n, err := syscall.PtracePokeText(pid, uintptr(addr), word[:])
	if err != nil {
		return err
	}
	if n != len(word) {
		return fmt.Errorf("short poke at %#x: wrote %d bytes", addr, n)
	}
	return nil
}
