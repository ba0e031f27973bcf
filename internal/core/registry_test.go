// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/goleak"

	"github.com/kianostad/handlelife/internal/errs"
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	deadline := time.After(timeout)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for condition")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestRegistryBasicLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a new registry", t, func() {
		reg := NewRegistry()
		defer reg.Close()

		Convey("When a handle is registered and immediately unregistered", func() {
			var destroyed atomic.Bool
			key := HandleKey{Class: "widget", ID: 1}
			reg.Register(key, "payload", func(k HandleKey, v any) error {
				destroyed.Store(true)
				return nil
			})

			rc, ok := reg.refcountOf(key)
			So(ok, ShouldBeTrue)
			So(rc, ShouldEqual, int64(1))

			err := reg.Unregister(key)
			So(err, ShouldBeNil)

			Convey("Then its destructor eventually runs exactly once", func() {
				waitUntil(t, time.Second, destroyed.Load)
				_, ok := reg.refcountOf(key)
				So(ok, ShouldBeFalse)
			})
		})

		Convey("When unregistering an unknown key", func() {
			err := reg.Unregister(HandleKey{Class: "ghost", ID: 99})
			Convey("Then it returns nil immediately, since Unregister never looks the key up itself", func() {
				So(err, ShouldBeNil)
			})
		})
	})
}

func TestRegistryUnregisterUnknownKeyReachesOnlyTheErrorSink(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a registry with an error sink installed", t, func() {
		var sunk atomic.Int32
		var sunkErr atomic.Value
		reg := NewRegistry(WithErrorSink(func(r *Registry, err error, key HandleKey) {
			sunk.Add(1)
			sunkErr.Store(err)
		}))
		defer reg.Close()

		Convey("When Unregister targets a key that was never registered", func() {
			err := reg.Unregister(HandleKey{Class: "ghost", ID: 99})

			Convey("Then the call itself returns nil", func() {
				So(err, ShouldBeNil)
			})

			Convey("Then ObjectNotFound reaches only the error sink, once the agent drains the request", func() {
				waitUntil(t, time.Second, func() bool { return sunk.Load() == 1 })
				So(errors.Is(sunkErr.Load().(error), errs.ErrObjectNotFound), ShouldBeTrue)
			})
		})
	})
}

func TestRegistryDependencyCascade(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a handle with a dependency", t, func() {
		reg := NewRegistry()
		defer reg.Close()

		var parentDone, childDone atomic.Bool
		parent := HandleKey{Class: "parent", ID: 1}
		child := HandleKey{Class: "child", ID: 1}

		reg.Register(parent, nil, func(k HandleKey, v any) error {
			parentDone.Store(true)
			return nil
		})
		reg.Register(child, nil, func(k HandleKey, v any) error {
			childDone.Store(true)
			return nil
		})

		err := reg.AddDependency(parent, child)
		So(err, ShouldBeNil)

		childRC, _ := reg.refcountOf(child)
		So(childRC, ShouldEqual, int64(2))

		Convey("When the child's own reference and then the parent are unregistered", func() {
			So(reg.Unregister(child), ShouldBeNil)
			So(reg.Unregister(parent), ShouldBeNil)

			Convey("Then both parent and child are eventually destroyed", func() {
				waitUntil(t, time.Second, func() bool {
					return parentDone.Load() && childDone.Load()
				})
			})
		})

		Convey("When the dependency edge and the child's own reference are released before the parent is", func() {
			So(reg.RemoveDependency(parent, child), ShouldBeNil)
			So(reg.Unregister(child), ShouldBeNil)

			Convey("Then the child is destroyed on its own", func() {
				waitUntil(t, time.Second, childDone.Load)
				So(parentDone.Load(), ShouldBeFalse)
			})
		})
	})
}

func TestRegistryAddDependencyRollsBackOnMissingTarget(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a registered handle and a missing dependency target", t, func() {
		reg := NewRegistry()
		defer reg.Close()

		depender := HandleKey{Class: "widget", ID: 1}
		reg.Register(depender, nil, nil)

		err := reg.AddDependency(depender, HandleKey{Class: "ghost", ID: 1})

		Convey("Then AddDependency fails and leaves no edge behind", func() {
			So(errors.Is(err, errs.ErrObjectNotFound), ShouldBeTrue)

			// The edge must not have been recorded: removing it should
			// report DependencyNotFound, not succeed.
			err = reg.RemoveDependency(depender, HandleKey{Class: "ghost", ID: 1})
			So(errors.Is(err, errs.ErrDependencyNotFound), ShouldBeTrue)
		})
	})
}

func TestRegistryDestructorFailureStillReleasesDependencies(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a parent whose destructor fails", t, func() {
		reg := NewRegistry()
		defer reg.Close()

		var childDone atomic.Bool
		parent := HandleKey{Class: "parent", ID: 1}
		child := HandleKey{Class: "child", ID: 1}

		reg.Register(parent, nil, func(k HandleKey, v any) error {
			return errors.New("boom")
		})
		reg.Register(child, nil, func(k HandleKey, v any) error {
			childDone.Store(true)
			return nil
		})
		So(reg.AddDependency(parent, child), ShouldBeNil)

		Convey("When the child's own reference and then the parent are unregistered", func() {
			So(reg.Unregister(child), ShouldBeNil)
			So(reg.Unregister(parent), ShouldBeNil)

			Convey("Then the child is still destroyed despite the failure", func() {
				waitUntil(t, time.Second, childDone.Load)
			})
		})
	})
}

func TestRegistryErrorSinkReceivesDestructorFailures(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a registry with an error sink installed", t, func() {
		var sunk atomic.Int32
		var sunkKey atomic.Value
		reg := NewRegistry(WithErrorSink(func(r *Registry, err error, key HandleKey) {
			sunk.Add(1)
			sunkKey.Store(key)
		}))
		defer reg.Close()

		key := HandleKey{Class: "flaky", ID: 1}
		reg.Register(key, nil, func(HandleKey, any) error {
			return errors.New("boom")
		})

		Convey("When its destructor fails", func() {
			So(reg.Unregister(key), ShouldBeNil)

			Convey("Then the sink observes the error and the failing key", func() {
				waitUntil(t, time.Second, func() bool { return sunk.Load() == 1 })
				So(sunkKey.Load().(HandleKey), ShouldResemble, key)
			})
		})
	})
}

func TestRegistryErrorSinkNotCalledOnSuccess(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a registry with an error sink installed", t, func() {
		var sunk atomic.Int32
		reg := NewRegistry(WithErrorSink(func(r *Registry, err error, key HandleKey) {
			sunk.Add(1)
		}))
		defer reg.Close()

		key := HandleKey{Class: "clean", ID: 1}
		var destroyed atomic.Bool
		reg.Register(key, nil, func(HandleKey, any) error {
			destroyed.Store(true)
			return nil
		})

		Convey("When its destructor succeeds", func() {
			So(reg.Unregister(key), ShouldBeNil)

			Convey("Then the sink is never invoked", func() {
				waitUntil(t, time.Second, destroyed.Load)
				time.Sleep(10 * time.Millisecond)
				So(sunk.Load(), ShouldEqual, int32(0))
			})
		})
	})
}

func TestRegistryRegisterOverwritesDestructorLatestWriterWins(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a handle registered with a destructor", t, func() {
		reg := NewRegistry()
		defer reg.Close()

		key := HandleKey{Class: "widget", ID: 1}
		var firstCalled atomic.Bool
		reg.Register(key, "v1", func(k HandleKey, v any) error {
			firstCalled.Store(true)
			return nil
		})

		Convey("When Register is called again with a nil destructor", func() {
			err := reg.Register(key, "v2", nil)
			So(err, ShouldBeNil)

			Convey("Then the nil destructor wins and refcount gains the new reference", func() {
				rc, ok := reg.refcountOf(key)
				So(ok, ShouldBeTrue)
				So(rc, ShouldEqual, int64(2))

				Convey("Releasing only the first reference leaves the handle alive", func() {
					So(reg.Unregister(key), ShouldBeNil)
					// Unregister only enqueues the release; wait for the agent
					// to apply it before reading the count.
					waitUntil(t, time.Second, func() bool {
						rc, _ := reg.refcountOf(key)
						return rc < 2
					})
					rc, ok := reg.refcountOf(key)
					So(ok, ShouldBeTrue)
					So(rc, ShouldEqual, int64(1))

					Convey("Releasing the second reference destroys it, without the stale destructor", func() {
						So(reg.Unregister(key), ShouldBeNil)
						waitUntil(t, time.Second, func() bool {
							_, ok := reg.refcountOf(key)
							return !ok
						})
						So(firstCalled.Load(), ShouldBeFalse)
					})
				})
			})
		})
	})
}

func TestRegistryRevivalAfterDestructionIsIndependent(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a handle that has been unregistered down to zero", t, func() {
		reg := NewRegistry()
		defer reg.Close()

		key := HandleKey{Class: "widget", ID: 1}
		destroyCount := atomic.Int64{}
		reg.Register(key, "original", func(k HandleKey, v any) error {
			destroyCount.Add(1)
			return nil
		})
		So(reg.Unregister(key), ShouldBeNil)

		Convey("When the same key is re-registered before or after destruction completes", func() {
			reg.Register(key, "revived", func(k HandleKey, v any) error {
				return nil
			})

			Convey("Then the new registration is unaffected and the original destructor ran at most once", func() {
				// The first Unregister may still be queued, in which case the
				// re-registration reused the live context; wait for the agent
				// to apply that release before reading the count.
				waitUntil(t, time.Second, func() bool {
					rc, _ := reg.refcountOf(key)
					return rc < 2
				})
				rc, ok := reg.refcountOf(key)
				So(ok, ShouldBeTrue)
				So(rc, ShouldEqual, int64(1))

				So(reg.Unregister(key), ShouldBeNil)
				waitUntil(t, time.Second, func() bool {
					_, ok := reg.refcountOf(key)
					return !ok
				})
				So(destroyCount.Load(), ShouldBeLessThanOrEqualTo, int64(1))
			})
		})
	})
}

func TestRegistryRegisterWithDepsEstablishesEdges(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given two already-registered handles", t, func() {
		reg := NewRegistry()
		defer reg.Close()

		dep := HandleKey{Class: "buffer", ID: 1}
		reg.Register(dep, nil, nil)

		Convey("When a new handle is registered depending on it", func() {
			key := HandleKey{Class: "socket", ID: 1}
			err := reg.Register(key, nil, nil, dep)
			So(err, ShouldBeNil)

			Convey("Then the dependency's refcount reflects the new edge", func() {
				rc, ok := reg.refcountOf(dep)
				So(ok, ShouldBeTrue)
				So(rc, ShouldEqual, int64(2))
			})
		})

		Convey("When Register names a dependency that does not exist", func() {
			key := HandleKey{Class: "socket", ID: 2}
			err := reg.Register(key, nil, nil, HandleKey{Class: "ghost", ID: 1})

			Convey("Then it reports ObjectNotFound but the handle is still registered", func() {
				So(errors.Is(err, errs.ErrObjectNotFound), ShouldBeTrue)
				_, ok := reg.refcountOf(key)
				So(ok, ShouldBeTrue)
			})
		})
	})
}

// TestRegistryRegisterRacesFinalRelease exercises the revival protocol (P4):
// each round starts a handle at refcount 1, then races an Unregister against
// a concurrent Register of the same key. Per the spec's revival scenario,
// either the original destructor runs and the race's Register produced a
// fresh context, or the increment superseded the release and the original
// destructor never ran; either way the key must survive the race with
// refcount >= 1, and its destructor must never run more than once per
// context that held it.
func TestRegistryRegisterRacesFinalRelease(t *testing.T) {
	defer goleak.VerifyNone(t)

	reg := NewRegistry()
	defer reg.Close()

	key := HandleKey{Class: "widget", ID: 1}
	const rounds = 300

	for round := 0; round < rounds; round++ {
		var destroyCount atomic.Int64
		destructor := func(HandleKey, any) error {
			destroyCount.Add(1)
			return nil
		}

		if err := reg.Register(key, round, destructor); err != nil {
			t.Fatalf("round %d: unexpected Register error: %v", round, err)
		}
		if rc, ok := reg.refcountOf(key); !ok || rc != 1 {
			t.Fatalf("round %d: expected fresh refcount 1, got %d (ok=%v)", round, rc, ok)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := reg.Unregister(key); err != nil {
				t.Errorf("round %d: unexpected Unregister error: %v", round, err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := reg.Register(key, round, destructor); err != nil {
				t.Errorf("round %d: unexpected Register error: %v", round, err)
			}
		}()
		wg.Wait()

		waitUntil(t, time.Second, func() bool {
			rc, ok := reg.refcountOf(key)
			return ok && rc >= 1
		})

		rc, _ := reg.refcountOf(key)
		for i := int64(0); i < rc; i++ {
			if err := reg.Unregister(key); err != nil {
				t.Fatalf("round %d: unexpected drain Unregister error: %v", round, err)
			}
		}
		waitUntil(t, time.Second, func() bool {
			_, ok := reg.refcountOf(key)
			return !ok
		})

		if got := destroyCount.Load(); got > 2 {
			t.Fatalf("round %d: destructor ran %d times, want at most 2 (old and new context)", round, got)
		}
	}
}

func TestRegistryConcurrentRegisterUnregister(t *testing.T) {
	defer goleak.VerifyNone(t)

	reg := NewRegistry()
	defer reg.Close()

	var wg sync.WaitGroup
	const goroutines = 16
	const perGoroutine = 200

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				key := HandleKey{Class: "widget", ID: uintptr(g*perGoroutine + i)}
				reg.Register(key, g, func(HandleKey, any) error { return nil })
				if err := reg.Unregister(key); err != nil {
					t.Errorf("unexpected Unregister error: %v", err)
				}
			}
		}(g)
	}
	wg.Wait()

	waitUntil(t, 5*time.Second, func() bool {
		return reg.Stats().HandleCount == 0
	})
}

func TestRegistryRemoveAndDestroyHandleReleasesExactlyOneReference(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a handle with more than one live reference", t, func() {
		reg := NewRegistry()
		defer reg.Close()

		var destroyed atomic.Bool
		key := HandleKey{Class: "widget", ID: 1}
		other := HandleKey{Class: "other", ID: 1}
		reg.Register(key, nil, func(HandleKey, any) error {
			destroyed.Store(true)
			return nil
		})
		reg.Register(other, nil, nil)
		So(reg.AddDependency(other, key), ShouldBeNil)

		Convey("When RemoveAndDestroyHandle releases the first of its two references", func() {
			So(reg.RemoveAndDestroyHandle(key), ShouldBeNil)

			Convey("Then it stays alive: another reference still holds it", func() {
				rc, ok := reg.refcountOf(key)
				So(ok, ShouldBeTrue)
				So(rc, ShouldEqual, int64(1))
				So(destroyed.Load(), ShouldBeFalse)

				Convey("Releasing the remaining reference destroys it immediately", func() {
					So(reg.RemoveAndDestroyHandle(key), ShouldBeNil)
					So(destroyed.Load(), ShouldBeTrue)
					_, ok := reg.refcountOf(key)
					So(ok, ShouldBeFalse)
				})
			})
		})
	})
}

func TestRegistryRemoveAndDestroyHandleUnknownKey(t *testing.T) {
	defer goleak.VerifyNone(t)

	reg := NewRegistry()
	defer reg.Close()

	err := reg.RemoveAndDestroyHandle(HandleKey{Class: "ghost", ID: 1})
	if !errors.Is(err, errs.ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
}

// TestRegistryRemoveAndDestroyHandleNegativeRefcount simulates the
// invariant violation a double release would produce: a context whose
// refcount already reached zero but has not yet been removed from the map
// (the transient window RemoveAndDestroyHandle itself creates between its
// decrement and its final Delete). Released again in that state, it must
// report InvalidRefCount rather than running the destructor a second time.
func TestRegistryRemoveAndDestroyHandleNegativeRefcount(t *testing.T) {
	defer goleak.VerifyNone(t)

	reg := NewRegistry()
	defer reg.Close()

	key := HandleKey{Class: "widget", ID: 1}
	hc := newHandleContext(nil, nil)
	hc.decRef() // 1 -> 0, as if a destroyer already decided to remove this context
	reg.handles.GetOrInsert(key, hc)

	err := reg.RemoveAndDestroyHandle(key)
	if !errors.Is(err, errs.ErrInvalidRefCount) {
		t.Fatalf("expected ErrInvalidRefCount, got %v", err)
	}
}
