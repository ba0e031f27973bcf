// Licensed under the MIT License. See LICENSE file in the project root for details.

package handlelife

import (
	"bytes"
	"errors"
	"sync/atomic"
	"testing"
	"time"

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

func TestPublicAPIRegisterUnregister(t *testing.T) {
	reg := NewRegistry()
	defer reg.Close()

	var destroyed atomic.Bool
	key := HandleKey{Class: "widget", ID: 1}
	reg.Register(key, "payload", func(k HandleKey, v any) error {
		if v.(string) != "payload" {
			t.Errorf("unexpected value passed to destructor: %v", v)
		}
		destroyed.Store(true)
		return nil
	})

	if err := reg.Unregister(key); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitUntil(t, time.Second, destroyed.Load)
}

func TestPublicAPIUnknownKey(t *testing.T) {
	var sunkErr atomic.Value
	reg := NewRegistry(WithErrorSink(func(r *Registry, err error, key HandleKey) {
		sunkErr.Store(err)
	}))
	defer reg.Close()

	// Unregister only enqueues the release; the missing key is reported to
	// the error sink once the agent drains the request.
	if err := reg.Unregister(HandleKey{Class: "ghost", ID: 1}); err != nil {
		t.Fatalf("expected Unregister to return nil, got %v", err)
	}
	waitUntil(t, time.Second, func() bool { return sunkErr.Load() != nil })
	if err := sunkErr.Load().(error); !errors.Is(err, errs.ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestPublicAPIStringRegistry(t *testing.T) {
	reg := NewRegistry()
	defer reg.Close()

	var closed atomic.Bool
	strs := NewStringRegistry(reg, "session")
	strs.Register("alice", "session-data", func(HandleKey, any) error {
		closed.Store(true)
		return nil
	})

	if err := strs.Unregister("alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitUntil(t, time.Second, closed.Load)
}

func TestPublicAPIBatch(t *testing.T) {
	reg := NewRegistry()
	defer reg.Close()

	b := NewBatch()
	keys := []HandleKey{
		{Class: "widget", ID: 1},
		{Class: "widget", ID: 2},
		{Class: "widget", ID: 3},
	}
	for _, k := range keys {
		b.Register(k, nil, func(HandleKey, any) error { return nil })
	}
	results := reg.Execute(b)
	for _, res := range results {
		if res.Error != nil {
			t.Fatalf("unexpected batch error for %v: %v", res.Key, res.Error)
		}
	}

	if got := reg.Stats().HandleCount; got != int64(len(keys)) {
		t.Fatalf("expected %d live handles, got %d", len(keys), got)
	}
}

func TestPublicAPIErrorSink(t *testing.T) {
	var sunk atomic.Int32
	reg := NewRegistry(WithErrorSink(func(r *Registry, err error, key HandleKey) {
		sunk.Add(1)
	}))
	defer reg.Close()

	key := HandleKey{Class: "flaky", ID: 1}
	reg.Register(key, nil, func(HandleKey, any) error {
		return errors.New("boom")
	})

	if err := reg.Unregister(key); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return sunk.Load() == 1 })
}

func TestPublicAPIDebugDump(t *testing.T) {
	reg := NewRegistry()
	defer reg.Close()

	reg.Register(HandleKey{Class: "widget", ID: 1}, nil, nil)

	var buf bytes.Buffer
	if err := reg.DebugDump(&buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("expected a non-empty dump")
	}
}
