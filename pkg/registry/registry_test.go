package registry

import (
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIsIdempotentByPath(t *testing.T) {
	r := New(log.NewNopLogger())

	id1 := r.Register("/usr/bin/app", 0x1000, "build-a", false, UnwindPolicyDwarfOnly)
	id2 := r.Register("/usr/bin/app", 0x2000, "build-a", false, UnwindPolicyDwarfOnly)
	assert.Equal(t, id1, id2)

	obj := r.Object(id1)
	require.NotNil(t, obj)
	assert.Equal(t, uint64(0x1000), obj.LoadBase, "second Register call for the same path must not overwrite the first")
}

func TestRegisterAssignsSequentialIDs(t *testing.T) {
	r := New(log.NewNopLogger())

	id1 := r.Register("/lib/a.so", 0, "a", false, UnwindPolicyDwarfOnly)
	id2 := r.Register("/lib/b.so", 0, "b", false, UnwindPolicyFPOnly)
	assert.Equal(t, ObjectID(0), id1)
	assert.Equal(t, ObjectID(1), id2)
	assert.Equal(t, UnwindPolicyFPOnly, r.Object(id2).UnwindPolicy)
}

func TestLookupByVAddr(t *testing.T) {
	r := New(log.NewNopLogger())
	id := r.Register("/usr/bin/app", 0x1000, "build-a", false, UnwindPolicyDwarfOnly)
	r.AddMapping(0x1000, 0x2000, id)

	obj, rpc, ok := r.LookupByVAddr(0x1500)
	require.True(t, ok)
	assert.Equal(t, id, obj.ID)
	assert.Equal(t, uint64(0x500), rpc)

	_, _, ok = r.LookupByVAddr(0x2000)
	assert.False(t, ok, "hi bound is exclusive")

	_, _, ok = r.LookupByVAddr(0x0fff)
	assert.False(t, ok)
}

func TestAddMappingOverlapLaterWins(t *testing.T) {
	r := New(log.NewNopLogger())
	first := r.Register("/lib/a.so", 0, "a", false, UnwindPolicyDwarfOnly)
	second := r.Register("/lib/b.so", 0, "b", false, UnwindPolicyDwarfOnly)

	r.AddMapping(0x1000, 0x2000, first)
	r.AddMapping(0x1000, 0x2000, second)

	entries := r.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, second, entries[0].ObjectID)
}

func TestAddMappingOverlapWithPrecedingEntry(t *testing.T) {
	r := New(log.NewNopLogger())
	first := r.Register("/lib/a.so", 0, "a", false, UnwindPolicyDwarfOnly)
	second := r.Register("/lib/b.so", 0, "b", false, UnwindPolicyDwarfOnly)

	r.AddMapping(10, 30, first)
	// second's lo (20) starts inside first's range, so sort.Search lands on
	// an index past first; the preceding entry must still be checked.
	r.AddMapping(20, 40, second)

	entries := r.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, second, entries[0].ObjectID)
	assert.Equal(t, uint64(20), entries[0].VAddrLo)
	assert.Equal(t, uint64(40), entries[0].VAddrHi)
}

func TestEntriesStaysSortedAndDisjoint(t *testing.T) {
	r := New(log.NewNopLogger())
	a := r.Register("/lib/a.so", 0, "a", false, UnwindPolicyDwarfOnly)
	b := r.Register("/lib/b.so", 0, "b", false, UnwindPolicyDwarfOnly)
	c := r.Register("/lib/c.so", 0, "c", false, UnwindPolicyDwarfOnly)

	r.AddMapping(0x3000, 0x4000, c)
	r.AddMapping(0x1000, 0x2000, a)
	r.AddMapping(0x2000, 0x3000, b)

	entries := r.Entries()
	require.Len(t, entries, 3)
	for i := 1; i < len(entries); i++ {
		assert.LessOrEqual(t, entries[i-1].VAddrHi, entries[i].VAddrLo, "entries must stay sorted and disjoint")
	}
}

func TestObjectUnknownID(t *testing.T) {
	r := New(log.NewNopLogger())
	assert.Nil(t, r.Object(42))
}
