// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package inflight tracks handle keys that are currently mid-destruction.
//
// A handle stays in the handle map, with a refcount of zero, while its
// destructor runs, and is removed only afterward; Register's revival check
// covers that window, so nothing needs to consult this tracker to stay
// correct. It exists purely as a diagnostic count, exposed by Metrics as
// the active-destructions gauge.
package inflight

import (
	"sync"

	"github.com/kianostad/handlelife/internal/storage/handlemap"
)

// Tracker tracks the set of handle keys currently undergoing destruction.
type Tracker struct {
	active map[handlemap.Key]int
	mu     sync.RWMutex
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{active: make(map[handlemap.Key]int)}
}

// Begin marks k as entering destruction. It must be paired with a later End.
func (t *Tracker) Begin(k handlemap.Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[k]++
}

// End marks k as having finished destruction.
func (t *Tracker) End(k handlemap.Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if count, ok := t.active[k]; ok {
		if count <= 1 {
			delete(t.active, k)
		} else {
			t.active[k] = count - 1
		}
	}
}

// InProgress reports whether k is currently undergoing destruction.
func (t *Tracker) InProgress(k handlemap.Key) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.active[k]
	return ok
}

// Count returns the number of keys currently undergoing destruction.
func (t *Tracker) Count() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return uint64(len(t.active))
}
