// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package handlemap provides a concurrent map keyed by (class, id) handle
// keys.
//
// Unlike a lock-free CAS-chained index over arbitrary byte-slice keys, this
// map exploits the fixed, comparable shape of a handle key: each bucket is
// guarded by its own mutex rather than built from atomic pointer chains.
// Per-bucket locking keeps writers from blocking on unrelated buckets while
// avoiding the complexity of a lock-free design the key shape does not
// require.
package handlemap

import (
	"sync"
	"sync/atomic"
)

// Key identifies a handle by its class tag and numeric identity.
type Key struct {
	Class string
	ID    uintptr
}

type node struct {
	key   Key
	value any
	next  *node
}

type bucket struct {
	mu   sync.Mutex
	head *node
	size int
}

// Map is a concurrent, dynamically growing map of Key to any value.
type Map struct {
	buckets    []*bucket
	mask       uint64
	entryCount atomic.Int64

	// resizeMu protects buckets and mask. Ordinary lookups take the read
	// lock, so they only ever contend with an in-progress resize, not with
	// each other; resize takes the write lock to swap both fields in one
	// step.
	resizeMu sync.RWMutex
	// maxLoad is the average bucket chain length that triggers a grow.
	maxLoad float64
}

// New creates a Map with the given initial bucket count, rounded up to the
// next power of two. bucketCount must be greater than zero.
func New(bucketCount int) *Map {
	if bucketCount < 1 {
		bucketCount = 1
	}
	n := nextPowerOfTwo(bucketCount)
	m := &Map{
		buckets: make([]*bucket, n),
		mask:    uint64(n - 1),
		maxLoad: 4.0,
	}
	for i := range m.buckets {
		m.buckets[i] = &bucket{}
	}
	return m
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// bucketFor selects the bucket for k. buckets and mask are read together
// under resizeMu's read lock, so a concurrent resize is seen as an atomic
// jump from the old (slice, mask) pair to the new one, never a mix of the
// two, while any number of lookups can still proceed concurrently with
// each other.
func (m *Map) bucketFor(k Key) *bucket {
	h := hash(k)
	m.resizeMu.RLock()
	idx := h & m.mask
	b := m.buckets[idx]
	m.resizeMu.RUnlock()
	return b
}

// bucketsSnapshot returns the current bucket slice. Resize swaps this slice
// wholesale under resizeMu's write lock, so readers racing a resize see
// either the old or new slice consistently, never a half-migrated one.
func (m *Map) bucketsSnapshot() []*bucket {
	m.resizeMu.RLock()
	b := m.buckets
	m.resizeMu.RUnlock()
	return b
}

// Get returns the value stored for k, if any.
func (m *Map) Get(k Key) (any, bool) {
	b := m.bucketFor(k)
	b.mu.Lock()
	defer b.mu.Unlock()
	for n := b.head; n != nil; n = n.next {
		if n.key == k {
			return n.value, true
		}
	}
	return nil, false
}

// GetOrInsert returns the existing value for k, or inserts newValue and
// returns it if k was absent. inserted reports which case occurred.
func (m *Map) GetOrInsert(k Key, newValue any) (value any, inserted bool) {
	b := m.bucketFor(k)
	b.mu.Lock()
	for n := b.head; n != nil; n = n.next {
		if n.key == k {
			v := n.value
			b.mu.Unlock()
			return v, false
		}
	}
	b.head = &node{key: k, value: newValue, next: b.head}
	b.size++
	grown := b.size
	b.mu.Unlock()
	m.entryCount.Add(1)
	if float64(grown) > m.maxLoad {
		m.maybeGrow()
	}
	return newValue, true
}

// Delete removes k and reports whether it was present.
func (m *Map) Delete(k Key) bool {
	b := m.bucketFor(k)
	b.mu.Lock()
	defer b.mu.Unlock()
	var prev *node
	for n := b.head; n != nil; n = n.next {
		if n.key == k {
			if prev == nil {
				b.head = n.next
			} else {
				prev.next = n.next
			}
			b.size--
			m.entryCount.Add(-1)
			return true
		}
		prev = n
	}
	return false
}

// Upsert applies fn to the current value of k (nil, false if absent) while
// holding the bucket lock, stores the result, and returns it. Unlike
// GetOrInsert, the caller computes the value to insert from scratch via fn
// rather than supplying it up front; unlike UpdateIfExists, it always
// inserts when k is absent.
func (m *Map) Upsert(k Key, fn func(cur any, found bool) any) any {
	b := m.bucketFor(k)
	b.mu.Lock()
	for n := b.head; n != nil; n = n.next {
		if n.key == k {
			n.value = fn(n.value, true)
			v := n.value
			b.mu.Unlock()
			return v
		}
	}
	v := fn(nil, false)
	b.head = &node{key: k, value: v, next: b.head}
	b.size++
	grown := b.size
	b.mu.Unlock()
	m.entryCount.Add(1)
	if float64(grown) > m.maxLoad {
		m.maybeGrow()
	}
	return v
}

// UpdateIfExists applies fn to the current value of k while holding the
// bucket lock and stores the result, returning true. If k is absent, fn is
// not called and UpdateIfExists returns false. Use this for atomic
// read-modify-write sequences, such as refcount adjustments, that must not
// silently create the entry they expected to find.
func (m *Map) UpdateIfExists(k Key, fn func(cur any) any) bool {
	b := m.bucketFor(k)
	b.mu.Lock()
	defer b.mu.Unlock()
	for n := b.head; n != nil; n = n.next {
		if n.key == k {
			n.value = fn(n.value)
			return true
		}
	}
	return false
}

// Size returns the number of entries currently stored.
func (m *Map) Size() int64 {
	return m.entryCount.Load()
}

// BucketCount returns the current number of buckets.
func (m *Map) BucketCount() int {
	return len(m.bucketsSnapshot())
}

// ForEach calls fn for every entry. fn must not call back into the Map.
// Iteration takes a per-bucket lock in turn, so it is consistent per-bucket
// but not a whole-map snapshot.
func (m *Map) ForEach(fn func(k Key, v any)) {
	for _, b := range m.bucketsSnapshot() {
		b.mu.Lock()
		for n := b.head; n != nil; n = n.next {
			fn(n.key, n.value)
		}
		b.mu.Unlock()
	}
}

// maybeGrow doubles the bucket count if the average chain length still
// exceeds maxLoad once the resize lock is held: every entry is rehashed
// into a fresh, larger bucket array, which is then swapped in atomically.
func (m *Map) maybeGrow() {
	m.resizeMu.Lock()
	defer m.resizeMu.Unlock()

	cur := m.buckets
	avg := float64(m.entryCount.Load()) / float64(len(cur))
	if avg <= m.maxLoad {
		return
	}

	next := make([]*bucket, len(cur)*2)
	for i := range next {
		next[i] = &bucket{}
	}
	newMask := uint64(len(next) - 1)

	for _, b := range cur {
		b.mu.Lock()
		for n := b.head; n != nil; n = n.next {
			idx := hash(n.key) & newMask
			nb := next[idx]
			nb.head = &node{key: n.key, value: n.value, next: nb.head}
			nb.size++
		}
		b.mu.Unlock()
	}

	m.buckets = next
	m.mask = newMask
}
