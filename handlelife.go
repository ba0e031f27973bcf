// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package handlelife is the public API for the handle lifetime manager: a
// concurrent registry of reference-counted handles identified by a
// (class, id) key, with cascading dependency unregistration and
// asynchronous, exactly-once destruction.
//
// # Quick Start
//
//	import "github.com/kianostad/handlelife"
//
//	reg := handlelife.NewRegistry()
//	defer reg.Close()
//
//	key := handlelife.HandleKey{Class: "socket", ID: 1}
//	reg.Register(key, conn, func(k handlelife.HandleKey, v any) error {
//	    return v.(net.Conn).Close()
//	})
//	reg.Unregister(key)
//
// String-identified handles, for callers that don't want to mint their own
// numeric ids:
//
//	strs := handlelife.NewStringRegistry(reg, "session")
//	strs.Register("alice", session, closeSession)
//	strs.Unregister("alice")
//
// # Key Features
//
//   - Per-bucket-locked concurrent handle map
//   - Reference counting with cascading dependency unregistration
//   - A dedicated background agent that destroys unreferenced handles,
//     never dropping a queued destruction
//   - Structured metrics and logging
//
// # Thread Safety
//
// Registry and StringRegistry are safe for concurrent use. Batch is not
// synchronized: its queuing methods append to an unguarded slice.
package handlelife

import (
	"github.com/kianostad/handlelife/internal/core"
)

// HandleKey identifies a registered handle by its class tag and numeric
// identity.
type HandleKey = core.HandleKey

// Destructor releases the resources owned by a handle's value.
type Destructor = core.Destructor

// Registry is a concurrent handle lifetime manager.
type Registry = core.Registry

// Option configures a Registry at construction time.
type Option = core.Option

// Stats reports point-in-time registry statistics.
type Stats = core.Stats

// Batch groups several Registry operations for convenient batch submission.
type Batch = core.Batch

// BatchResult reports the outcome of one operation within an executed Batch.
type BatchResult = core.BatchResult

// StringRegistry provides a string-identified facade over a Registry.
type StringRegistry = core.StringRegistry

// DumpEntry is one handle's diagnostic state as reported by DebugDump.
type DumpEntry = core.DumpEntry

// NewRegistry creates a Registry and starts its background destruction agent.
func NewRegistry(opts ...Option) *Registry {
	return core.NewRegistry(opts...)
}

// NewBatch creates an empty Batch.
func NewBatch() *Batch {
	return core.NewBatch()
}

// NewStringRegistry creates a StringRegistry backed by reg, scoping every
// handle it creates under class.
func NewStringRegistry(reg *Registry, class string) *StringRegistry {
	return core.NewStringRegistry(reg, class)
}

// WithBucketCount sets the handle map's initial bucket count.
func WithBucketCount(n int) Option { return core.WithBucketCount(n) }

// WithAgentQueueSize sets the background agent's internal buffer size.
func WithAgentQueueSize(n int) Option { return core.WithAgentQueueSize(n) }

// ErrorSink receives every error encountered during asynchronous
// destruction, alongside the key that triggered it.
type ErrorSink = core.ErrorSink

// WithErrorSink installs a callback invoked for every error encountered
// during asynchronous destruction, in addition to the Registry's own logging.
func WithErrorSink(fn ErrorSink) Option { return core.WithErrorSink(fn) }
