// Package cache provides a small generic, size-bounded LRU used anywhere
// this tool needs to keep a bounded number of expensive-to-recompute
// values around; the object-file pool's open files are its one user.
package cache

import (
	"container/list"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// OnEvict is called, outside the cache's lock, whenever a value is evicted
// to make room for a new one.
type OnEvict[K comparable, V any] func(key K, value V)

// LRU is a fixed-capacity, least-recently-used cache safe for concurrent
// use.
type LRU[K comparable, V any] struct {
	mtx sync.Mutex

	capacity int
	ll       *list.List
	items    map[K]*list.Element
	onEvict  OnEvict[K, V]

	hits   prometheus.Counter
	misses prometheus.Counter
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

// New returns an LRU that holds at most capacity entries. name is used to
// label the hit/miss counters registered against reg; reg may be nil, in
// which case metrics are tracked but not exported.
func New[K comparable, V any](reg prometheus.Registerer, name string, capacity int, onEvict OnEvict[K, V]) *LRU[K, V] {
	c := &LRU[K, V]{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[K]*list.Element, capacity),
		onEvict:  onEvict,
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "cache_hits_total",
			Help:        "Number of cache hits.",
			ConstLabels: prometheus.Labels{"cache": name},
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "cache_misses_total",
			Help:        "Number of cache misses.",
			ConstLabels: prometheus.Labels{"cache": name},
		}),
	}
	if reg != nil {
		reg.MustRegister(c.hits, c.misses)
	}
	return c
}

// Get returns the value for key, promoting it to most-recently-used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses.Inc()
		var zero V
		return zero, false
	}
	c.hits.Inc()
	c.ll.MoveToFront(el)
	return el.Value.(*entry[K, V]).value, true
}

// Put inserts or updates key's value, evicting the least-recently-used
// entry if the cache is at capacity.
func (c *LRU[K, V]) Put(key K, value V) {
	c.mtx.Lock()

	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*entry[K, V]).value = value
		c.mtx.Unlock()
		return
	}

	el := c.ll.PushFront(&entry[K, V]{key: key, value: value})
	c.items[key] = el

	var evicted *entry[K, V]
	if c.ll.Len() > c.capacity {
		back := c.ll.Back()
		if back != nil {
			evicted = back.Value.(*entry[K, V])
			c.ll.Remove(back)
			delete(c.items, evicted.key)
		}
	}
	c.mtx.Unlock()

	if evicted != nil && c.onEvict != nil {
		c.onEvict(evicted.key, evicted.value)
	}
}

// Remove deletes key from the cache, if present, invoking onEvict.
func (c *LRU[K, V]) Remove(key K) {
	c.mtx.Lock()
	el, ok := c.items[key]
	if !ok {
		c.mtx.Unlock()
		return
	}
	e := el.Value.(*entry[K, V])
	c.ll.Remove(el)
	delete(c.items, key)
	c.mtx.Unlock()

	if c.onEvict != nil {
		c.onEvict(e.key, e.value)
	}
}

// Len returns the number of entries currently cached.
func (c *LRU[K, V]) Len() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.ll.Len()
}

// Close evicts every remaining entry, invoking onEvict for each.
func (c *LRU[K, V]) Close() {
	c.mtx.Lock()
	var evicted []*entry[K, V]
	for el := c.ll.Front(); el != nil; el = el.Next() {
		evicted = append(evicted, el.Value.(*entry[K, V]))
	}
	c.ll = list.New()
	c.items = make(map[K]*list.Element)
	c.mtx.Unlock()

	if c.onEvict != nil {
		for _, e := range evicted {
			c.onEvict(e.key, e.value)
		}
	}
}
