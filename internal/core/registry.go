// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package core provides the Registry: a concurrent handle lifetime
// manager keyed by (class, id) pairs.
//
// A Registry tracks a reference count per handle. Register establishes the
// handle with an initial count of one. AddDependency lets one handle hold
// another alive by adding a dependency edge, which increments the target's
// count. Unregister and RemoveDependency both release a reference by
// enqueuing a release request onto a background agent rather than acting on
// the caller's own goroutine: the agent looks the key up, decrements its
// count, and once it reaches zero runs the destructor and cascades into
// releasing that handle's own dependency edges the same way. Register and
// AddDependency remain synchronous, since their errors are the caller's to
// act on; Unregister and RemoveDependency report their release's outcome
// only to the error sink, never to the call that triggered it.
//
// # Usage Examples
//
//	reg := core.NewRegistry()
//	defer reg.Close()
//
//	key := core.HandleKey{Class: "socket", ID: 1}
//	reg.Register(key, conn, func(k core.HandleKey, v any) error {
//	    return v.(net.Conn).Close()
//	})
//
//	dep := core.HandleKey{Class: "socket-buffer", ID: 1}
//	reg.Register(dep, buf, releaseBuf)
//	reg.AddDependency(key, dep) // buf now stays alive as long as key does
//	reg.Unregister(dep)         // drops the caller's own reference; the edge still holds buf
//
//	reg.Unregister(key) // key's refcount hits zero: socket destroys, then releasing its edge destroys buf
//
// # Thread Safety
//
// All Registry methods are safe for concurrent use. Destructors run on a
// single background goroutine in submission order; they never run
// concurrently with each other.
package core

import (
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/kianostad/handlelife/internal/concurrency/agent"
	"github.com/kianostad/handlelife/internal/concurrency/inflight"
	"github.com/kianostad/handlelife/internal/errs"
	"github.com/kianostad/handlelife/internal/monitoring/metrics"
	"github.com/kianostad/handlelife/internal/storage/handlemap"
)

// revivalSpinWarnThreshold is the number of failed revival-check iterations
// after which Register logs a warning. It does not bound the spin itself:
// the destroying thread is guaranteed to eventually remove the context, so
// giving up here would violate the registration protocol.
const revivalSpinWarnThreshold = 10000

// Registry is a concurrent handle lifetime manager.
type Registry struct {
	handles   *handlemap.Map
	inflight  *inflight.Tracker
	agent     *agent.Agent
	metrics   *metrics.Metrics
	logger    *slog.Logger
	errorSink ErrorSink

	ownsMetrics bool
}

// ErrorSink receives every error encountered during asynchronous
// destruction, alongside the key that triggered it. It is invoked on the
// background agent's goroutine, so it must not block or call back into the
// Registry. If nil, such errors are only logged.
type ErrorSink func(r *Registry, err error, key HandleKey)

// NewRegistry creates a Registry and starts its background destruction
// agent. Close must be called to stop it.
func NewRegistry(opts ...Option) *Registry {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	ownsMetrics := o.Metrics == nil
	m := o.Metrics
	if ownsMetrics {
		m = metrics.New()
	}

	r := &Registry{
		handles:     handlemap.New(o.BucketCount),
		inflight:    inflight.NewTracker(),
		metrics:     m,
		logger:      o.Logger,
		errorSink:   o.ErrorSink,
		ownsMetrics: ownsMetrics,
	}
	r.agent = agent.New(r.dequeueRelease, agent.WithQueueCapacity(o.AgentQueueSize))
	m.SetActiveDestructionsFunc(r.inflight.Count)
	m.SetQueueDepthFunc(r.agent.QueueDepth)
	return r
}

// Register establishes key with the given value and destructor, contributing
// one strong reference. If key is already registered, Register instead adds
// an additional reference to the existing handle and overwrites its value
// and destructor in place: the most recently registered destructor always
// wins, including a nil one, which clears any previously registered one.
// Either way, each successful Register call must be balanced by a later
// Unregister.
//
// If deps is non-empty, Register also establishes a dependency edge from key
// onto each of them, exactly as AddDependency would; a missing dependency
// target is reported as ObjectNotFound, and any dependency edges already
// recorded before the failing one are left in place.
func (r *Registry) Register(key HandleKey, value any, destructor Destructor, deps ...HandleKey) error {
	start := time.Now()
	defer func() { r.metrics.RecordRegister(time.Since(start)) }()

	for {
		candidate := newHandleContext(value, destructor)
		if _, inserted := r.handles.GetOrInsert(key, candidate); inserted {
			return r.applyRegisterDeps(key, deps)
		}

		cur, ok := r.handles.Get(key)
		if !ok {
			// Removed between the failed insert and this lookup: retry.
			continue
		}
		existing := cur.(*handleContext)
		newCount := existing.addRef()

		switch {
		case newCount <= 0:
			r.metrics.RecordError("invalid_refcount")
			return errs.InvalidRefCount(key.Class, key.ID, newCount)

		case newCount == 1:
			// existing was transitioning through zero on another thread:
			// our increment revived a context the destroyer has already
			// committed to destroying. Don't use it; wait for it to leave
			// the map, then retry from the top.
			r.waitForRemoval(key, existing)
			continue

		default:
			existing.setFields(value, destructor)
			return r.applyRegisterDeps(key, deps)
		}
	}
}

// waitForRemoval spins with cooperative yields until key no longer maps to
// existing, i.e. until the destroyer that already decided to remove it has
// done so. The destroyer holds no lock the spinner needs, so this always
// makes progress.
func (r *Registry) waitForRemoval(key HandleKey, existing *handleContext) {
	for i := 0; ; i++ {
		cur, ok := r.handles.Get(key)
		if !ok || cur.(*handleContext) != existing {
			return
		}
		if i == revivalSpinWarnThreshold {
			r.logger.Warn("register: revival spin exceeded warn threshold", "key", key)
		}
		runtime.Gosched()
	}
}

// applyRegisterDeps records a dependency edge from key onto each of deps,
// exactly as AddDependency would. It returns the first error encountered.
func (r *Registry) applyRegisterDeps(key HandleKey, deps []HandleKey) error {
	var firstErr error
	for _, d := range deps {
		if err := r.AddDependency(key, d); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Unregister enqueues a release request for key onto the background agent
// and returns immediately; it does not look key up itself. A key that turns
// out to be missing, or whose reference count is already invalid, surfaces
// that error only to the error sink once the agent drains the request, never
// to this call's return value.
func (r *Registry) Unregister(key HandleKey) error {
	start := time.Now()
	defer func() { r.metrics.RecordUnregister(time.Since(start)) }()

	r.enqueueRelease(key)
	return nil
}

// AddDependency makes dependency a prerequisite of depender: dependency's
// reference count is incremented, and it will not be destroyed until
// depender releases the edge via RemoveDependency or is itself destroyed.
// Adding an edge that already exists is a no-op. Both keys must already be
// registered.
func (r *Registry) AddDependency(depender, dependency HandleKey) error {
	defer r.metrics.RecordAddDependency()

	var alreadyPresent bool
	found := r.handles.UpdateIfExists(depender, func(cur any) any {
		hc := cur.(*handleContext)
		if hc.deps.has(dependency) {
			alreadyPresent = true
		} else {
			hc.deps.add(dependency)
		}
		return hc
	})
	if !found {
		r.metrics.RecordError("object_not_found")
		return errs.ObjectNotFound(depender.Class, depender.ID)
	}
	if alreadyPresent {
		return nil
	}

	if !r.addRef(dependency) {
		// dependency does not exist: roll back the edge we just recorded.
		r.handles.UpdateIfExists(depender, func(cur any) any {
			cur.(*handleContext).deps.remove(dependency)
			return cur
		})
		r.metrics.RecordError("object_not_found")
		return errs.ObjectNotFound(dependency.Class, dependency.ID)
	}
	return nil
}

// RemoveDependency removes a previously added dependency edge from depender
// to dependency and enqueues a release request for dependency, the same way
// Unregister would: the decrement and any resulting destruction happen
// asynchronously on the background agent, not on this call's goroutine.
func (r *Registry) RemoveDependency(depender, dependency HandleKey) error {
	defer r.metrics.RecordRemoveDependency()

	var hadEdge bool
	found := r.handles.UpdateIfExists(depender, func(cur any) any {
		hc := cur.(*handleContext)
		hadEdge = hc.deps.remove(dependency)
		return hc
	})
	if !found {
		r.metrics.RecordError("object_not_found")
		return errs.ObjectNotFound(depender.Class, depender.ID)
	}
	if !hadEdge {
		r.metrics.RecordError("dependency_not_found")
		return errs.DependencyNotFound(dependency.Class, dependency.ID)
	}
	r.enqueueRelease(dependency)
	return nil
}

// RemoveAndDestroyHandle is the algorithm the background agent runs for
// every key it dequeues: look key up, release the reference that triggered
// the request, and act on the resulting count. A positive result means the
// handle is still live and there is nothing further to do. A negative
// result means the reference was already invalid. A result of exactly zero
// means this was the last reference: the destructor runs while key is still
// present in the map (a transient, refcount-zero state other readers may
// briefly observe), each dependency edge is then released in turn, and key
// is finally removed from the map regardless of how the destructor or the
// dependency releases fared.
func (r *Registry) RemoveAndDestroyHandle(key HandleKey) error {
	v, ok := r.handles.Get(key)
	if !ok {
		r.metrics.RecordError("object_not_found")
		return errs.ObjectNotFound(key.Class, key.ID)
	}
	hc := v.(*handleContext)

	switch n := hc.decRef(); {
	case n > 0:
		return nil
	case n < 0:
		r.metrics.RecordError("invalid_refcount")
		return errs.InvalidRefCount(key.Class, key.ID, n)
	}

	// Copy the edge set out under the bucket lock before the destructor runs.
	var deps []HandleKey
	r.handles.UpdateIfExists(key, func(cur any) any {
		deps = cur.(*handleContext).deps.snapshot()
		return cur
	})

	start := time.Now()
	r.inflight.Begin(key)
	value, destructor := hc.loadFields()
	if destructor == nil {
		destructor = func(HandleKey, any) error { return nil }
	}
	r.runDestructor(key, value, destructor)
	r.inflight.End(key)
	r.metrics.RecordDestroy(time.Since(start))

	for _, dep := range deps {
		r.cascadeRelease(dep)
	}

	if !r.handles.Delete(key) {
		r.metrics.RecordError("failed_removal")
		return errs.FailedObjectRemoval(key.Class, key.ID)
	}
	return nil
}

// addRef increments the reference count of an existing key. It reports
// whether key was found.
func (r *Registry) addRef(key HandleKey) bool {
	return r.handles.UpdateIfExists(key, func(cur any) any {
		cur.(*handleContext).addRef()
		return cur
	})
}

// enqueueRelease submits a release request for key to the background agent.
// It is how Unregister and RemoveDependency reach RemoveAndDestroyHandle.
func (r *Registry) enqueueRelease(key HandleKey) {
	req := agent.AcquireRequest()
	req.Key = key
	r.agent.Submit(req)
}

// dequeueRelease is the Agent's Handler: invoked once per dequeued key, on
// the agent's single background goroutine. Any error RemoveAndDestroyHandle
// returns here never reaches a caller, since by construction nothing is
// waiting on this request synchronously; it goes to the log and the error
// sink instead.
func (r *Registry) dequeueRelease(req *agent.Request) {
	key := req.Key
	agent.ReleaseRequest(req)
	r.reportIfFailed(key, r.RemoveAndDestroyHandle(key))
}

// cascadeRelease drives a dependency's release directly on the current
// goroutine rather than through the agent's queue. It is called only from
// within RemoveAndDestroyHandle, which itself only ever runs on the agent's
// single consumer goroutine: resubmitting to that same queue from inside its
// own consumer could deadlock the queue shut once its buffer fills, so the
// cascade must not round-trip through Submit.
func (r *Registry) cascadeRelease(key HandleKey) {
	r.reportIfFailed(key, r.RemoveAndDestroyHandle(key))
}

func (r *Registry) reportIfFailed(key HandleKey, err error) {
	if err == nil {
		return
	}
	r.logger.Warn("release failed", "key", key, "error", err)
	if r.errorSink != nil {
		r.errorSink(r, err, key)
	}
}

func (r *Registry) runDestructor(key HandleKey, value any, destructor func(HandleKey, any) error) {
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("destructor panicked: %v", p)
			}
		}()
		return destructor(key, value)
	}()
	if err != nil {
		wrapped := errs.DestructorFailure(key.Class, key.ID, err)
		r.metrics.RecordError("destructor_failure")
		r.logger.Error("destructor failed", "key", key, "error", wrapped)
		if r.errorSink != nil {
			r.errorSink(r, wrapped, key)
		}
	}
}

// StopAgent stops the background destruction agent once it has drained
// every request already submitted to it. Requests submitted concurrently
// with StopAgent are not supported: callers must stop issuing Unregister,
// RemoveDependency, and RemoveAndDestroyHandle calls before calling
// StopAgent.
func (r *Registry) StopAgent() {
	r.agent.Stop()
}

// Close stops the background agent and, if the Registry constructed its
// own Metrics instance (the caller did not supply one via WithMetrics),
// releases it too.
func (r *Registry) Close() {
	r.StopAgent()
	if r.ownsMetrics {
		r.metrics.Close()
	}
}

// Stats reports point-in-time registry statistics alongside the underlying
// operation counters and latencies.
type Stats struct {
	metrics.Snapshot
	HandleCount int64
	BucketCount int
}

// Stats returns a snapshot of registry-wide statistics.
func (r *Registry) Stats() Stats {
	return Stats{
		Snapshot:    r.metrics.Snapshot(),
		HandleCount: r.handles.Size(),
		BucketCount: r.handles.BucketCount(),
	}
}

// refcountOf returns the current reference count of key, for tests and
// diagnostics. It returns 0, false if key is absent.
func (r *Registry) refcountOf(key HandleKey) (int64, bool) {
	v, ok := r.handles.Get(key)
	if !ok {
		return 0, false
	}
	return v.(*handleContext).loadRefcount(), true
}
