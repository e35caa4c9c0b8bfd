// Package registry implements the Object Registry (C1): it assigns a
// stable small integer id to each ELF object mapped into a traced
// process, and answers the unwinder's reverse lookup from a virtual
// address back to (object, object-relative address).
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/stackprobe/stackprobe/pkg/cache"
)

// ObjectID is a small integer, unique within a session, identifying one
// mapped ELF object (or one opaque, non-symbolizable region).
type ObjectID uint32

// Object is the C1 record for one mapped object. It is immutable once
// constructed; the registry only ever appends new Objects.
type Object struct {
	ID ObjectID

	// Path is the backing file's path as seen from the tracer, or one
	// of the synthetic pseudo-paths ("[anon]", "[vdso]", "[vsyscall]")
	// for opaque mappings.
	Path string

	BuildID string

	// LoadBase is the virtual address at which the object's first
	// mapped segment sits in the traced process.
	LoadBase uint64

	// Opaque objects (anonymous memory, [vdso], [vsyscall]) have no
	// backing ELF file and therefore no CFI table; unwinding into one
	// always terminates the walk.
	Opaque bool

	// UnwindPolicy records which CFI source this object's unwind table
	// was (or should be) compiled from. It is informational for opaque
	// objects.
	UnwindPolicy UnwindPolicy
}

// UnwindPolicy mirrors unwind.Policy without importing package unwind,
// which itself depends on package objectfile rather than registry.
type UnwindPolicy uint8

const (
	UnwindPolicyDwarfOnly UnwindPolicy = iota
	UnwindPolicyDwarfOrFP
	UnwindPolicyFPOnly
)

// entry is one address-map record: [Lo, Hi) maps to Object.
type entry struct {
	lo, hi uint64
	object ObjectID
}

// Registry owns every Object observed in one session, plus the sorted,
// disjoint address-map used for lookup_by_vaddr.
type Registry struct {
	logger log.Logger
	warned *cache.SeenSet

	mtx       sync.RWMutex
	byPath    map[string]ObjectID
	objects   []*Object
	entries   []entry // kept sorted by lo; overlap resolution keeps it disjoint.
	sorted    bool
}

// New returns an empty Registry.
func New(logger log.Logger) *Registry {
	return &Registry{
		logger:  logger,
		warned:  cache.NewSeenSet(),
		byPath:  make(map[string]ObjectID),
		sorted:  true,
	}
}

// Register assigns the next id to path/loadBase, or returns the id already
// assigned to path if it was registered earlier in this session — an
// object is uniquely identified by its on-disk path within a session
// (§4.1).
func (r *Registry) Register(path string, loadBase uint64, buildID string, opaque bool, policy UnwindPolicy) ObjectID {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if id, ok := r.byPath[path]; ok {
		return id
	}

	id := ObjectID(len(r.objects))
	obj := &Object{
		ID:           id,
		Path:         path,
		BuildID:      buildID,
		LoadBase:     loadBase,
		Opaque:       opaque,
		UnwindPolicy: policy,
	}
	r.objects = append(r.objects, obj)
	r.byPath[path] = id
	return id
}

// AddMapping records that [lo, hi) in the traced process's address space
// belongs to object id, resolving overlaps in favor of the later entry
// per §4.1's edge-case policy and logging at most one warning per
// (new object, existing object) pair.
func (r *Registry) AddMapping(lo, hi uint64, id ObjectID) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if !r.sorted {
		r.resort()
	}

	i := sort.Search(len(r.entries), func(i int) bool { return r.entries[i].lo >= lo })

	// The entry immediately before i can still extend past lo (its hi
	// wasn't constrained by the search predicate), so it must be checked
	// too, not just entries[i].
	if i > 0 && overlaps(r.entries[i-1], lo, hi) {
		i--
	}

	if i < len(r.entries) && overlaps(r.entries[i], lo, hi) {
		key := []byte(fmt.Sprintf("overlap:%d:%d", id, r.entries[i].object))
		if !r.warned.CheckAndMark(key) {
			level.Warn(r.logger).Log("msg", "overlapping address-map entries, later mapping wins",
				"new_object", id, "existing_object", r.entries[i].object, "lo", lo, "hi", hi)
		}
		r.entries[i] = entry{lo: lo, hi: hi, object: id}
		r.sorted = false
		return
	}

	r.entries = append(r.entries, entry{lo: lo, hi: hi, object: id})
	r.sorted = false
}

func overlaps(e entry, lo, hi uint64) bool {
	return lo < e.hi && hi > e.lo
}

func (r *Registry) resort() {
	sort.Slice(r.entries, func(i, j int) bool { return r.entries[i].lo < r.entries[j].lo })
	r.sorted = true
}

// LookupByVAddr performs the C1.lookup_by_vaddr(va) operation: a binary
// search over the address-map entries, returning the owning object and
// va translated to an object-relative address.
func (r *Registry) LookupByVAddr(va uint64) (*Object, uint64, bool) {
	r.mtx.Lock()
	if !r.sorted {
		r.resort()
	}
	entries := r.entries
	objects := r.objects
	r.mtx.Unlock()

	i := sort.Search(len(entries), func(i int) bool { return entries[i].lo > va })
	if i == 0 {
		return nil, 0, false
	}
	e := entries[i-1]
	if va < e.lo || va >= e.hi {
		return nil, 0, false
	}
	obj := objects[e.object]
	return obj, va - obj.LoadBase, true
}

// Object returns the registered object for id.
func (r *Registry) Object(id ObjectID) *Object {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	if int(id) >= len(r.objects) {
		return nil
	}
	return r.objects[id]
}

// Objects returns every registered object, in registration order.
func (r *Registry) Objects() []*Object {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	out := make([]*Object, len(r.objects))
	copy(out, r.objects)
	return out
}

// Entries returns the current, sorted, disjoint address-map — the
// kernel-visible form this tool pushes into ADDRESS_MAPS (§4.3).
func (r *Registry) Entries() []AddressMapEntry {
	r.mtx.Lock()
	if !r.sorted {
		r.resort()
	}
	entries := r.entries
	objects := r.objects
	r.mtx.Unlock()

	out := make([]AddressMapEntry, len(entries))
	for i, e := range entries {
		out[i] = AddressMapEntry{VAddrLo: e.lo, VAddrHi: e.hi, LoadBase: objects[e.object].LoadBase, ObjectID: e.object}
	}
	return out
}

// AddressMapEntry is the kernel-visible form of one address-map record.
// VAddrLo/VAddrHi bound containment (the mapping the entry covers);
// LoadBase is the object's load bias — StartAddr minus the mapping's file
// offset — and is what the kernel subtracts from a PC to get an
// object-relative address. The two are not the same value whenever an
// object's executable segment isn't the first LOAD at file vaddr 0 (true
// of essentially every PIE/`-z separate-code` binary), so LoadBase must
// be carried on the entry rather than derived from VAddrLo in the kernel.
type AddressMapEntry struct {
	VAddrLo, VAddrHi uint64
	LoadBase         uint64
	ObjectID         ObjectID
}
