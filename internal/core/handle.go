// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"sync"
	"sync/atomic"

	"github.com/kianostad/handlelife/internal/storage/handlemap"
)

// HandleKey identifies a registered handle by its class tag and numeric
// identity. Two keys are equal only if both fields match; the same ID under
// a different Class names a distinct handle.
type HandleKey = handlemap.Key

// Destructor releases the resources owned by a handle's value. It is called
// at most once per handle, on the background agent, once the handle's
// reference count reaches zero. The handle's own dependency edges are
// released afterward, regardless of whether the destructor returns an error.
type Destructor func(key HandleKey, value any) error

// handleContext is the internal bookkeeping record for one registered
// handle: its value, destructor, live reference count, and the set of
// handles it depends on.
//
// refcount is mutated with atomic ops independent of the handle map's
// bucket lock, since Register's revival check (see registry.go) must be
// able to bump a context it found via a plain Get, without re-entering the
// map's own insert/delete machinery. value and destructor are still
// ordinary fields, guarded by fieldsMu, since only Register's reuse path
// writes them outside of a bucket-locked callback.
type handleContext struct {
	fieldsMu   sync.Mutex
	value      any
	destructor Destructor

	// refcount is the number of live references to this handle: one for
	// the initial Register call plus one for every AddDependency edge that
	// targets it, plus one for every additional Register of the same key
	// while it is still live. It reaches zero exactly when the handle
	// should be destroyed.
	refcount int64

	deps *dependencySet
}

func newHandleContext(value any, destructor Destructor) *handleContext {
	return &handleContext{
		value:      value,
		destructor: destructor,
		refcount:   1,
		deps:       newDependencySet(),
	}
}

// addRef atomically increments the refcount and returns the new value.
func (hc *handleContext) addRef() int64 {
	return atomic.AddInt64(&hc.refcount, 1)
}

// decRef atomically decrements the refcount and returns the new value.
func (hc *handleContext) decRef() int64 {
	return atomic.AddInt64(&hc.refcount, -1)
}

// loadRefcount atomically reads the current refcount.
func (hc *handleContext) loadRefcount() int64 {
	return atomic.LoadInt64(&hc.refcount)
}

// setFields overwrites value and destructor under fieldsMu, for Register's
// reuse path, which runs outside the handle map's bucket lock.
func (hc *handleContext) setFields(value any, destructor Destructor) {
	hc.fieldsMu.Lock()
	hc.value = value
	hc.destructor = destructor
	hc.fieldsMu.Unlock()
}

func (hc *handleContext) loadFields() (any, Destructor) {
	hc.fieldsMu.Lock()
	defer hc.fieldsMu.Unlock()
	return hc.value, hc.destructor
}
