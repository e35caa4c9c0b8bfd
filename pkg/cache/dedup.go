package cache

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// SeenSet records whether a given byte-derived key has already been
// observed, used by the single-diagnostic-per-condition policy: the
// registry logs its address-map overlap warning at most once per pair of
// objects. Per-sample unwind failure reasons are deduplicated in the
// kernel, not here.
type SeenSet struct {
	mtx  sync.Mutex
	seen map[uint64]struct{}
}

// NewSeenSet returns an empty SeenSet.
func NewSeenSet() *SeenSet {
	return &SeenSet{seen: make(map[uint64]struct{})}
}

// CheckAndMark reports whether key was already seen, and records it as
// seen if not.
func (s *SeenSet) CheckAndMark(key []byte) (alreadySeen bool) {
	h := xxhash.Sum64(key)

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if _, ok := s.seen[h]; ok {
		return true
	}
	s.seen[h] = struct{}{}
	return false
}

// Reset clears every recorded key.
func (s *SeenSet) Reset() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.seen = make(map[uint64]struct{})
}
