// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package metrics provides background, channel-driven performance counters
// for the handle lifetime manager.
//
// Operation latencies are recorded through a buffered channel and folded
// into bounded ring buffers by a single background goroutine, so hot-path
// callers never block or contend on a shared mutex to record a sample.
package metrics

import (
	"context"
	"sort"
	"sync"
	"time"
)

// LatencyStats summarizes a ring buffer of recent latency samples.
type LatencyStats struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
}

// OperationCounts tracks counts for every public Registry operation.
type OperationCounts struct {
	Register         uint64
	Unregister       uint64
	Destroy          uint64
	AddDependency    uint64
	RemoveDependency uint64
}

// ErrorCounts tracks error counts by kind, keyed by the same names used in
// the errs package.
type ErrorCounts struct {
	ObjectNotFound      uint64
	InvalidRefCount     uint64
	DependencyNotFound  uint64
	FailedObjectRemoval uint64
	DestructorFailure   uint64
}

// LatencyMetrics tracks latency data for the operations worth timing.
type LatencyMetrics struct {
	Register   LatencyStats
	Unregister LatencyStats
	Destroy    LatencyStats
}

// Snapshot is a point-in-time read of all tracked metrics.
type Snapshot struct {
	Operations         OperationCounts
	Errors             ErrorCounts
	Latency            LatencyMetrics
	ActiveDestructions uint64
	QueueDepth         uint64
}

type event struct {
	kind     string
	duration time.Duration
}

// ringBuffer is a thread-safe bounded ring buffer of durations.
type ringBuffer struct {
	buf   []time.Duration
	head  int
	tail  int
	count int
	mu    sync.RWMutex
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{buf: make([]time.Duration, capacity)}
}

func (r *ringBuffer) push(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) == 0 {
		return
	}
	r.buf[r.tail] = d
	r.tail = (r.tail + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	} else {
		r.head = (r.head + 1) % len(r.buf)
	}
}

func (r *ringBuffer) stats() LatencyStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.count == 0 {
		return LatencyStats{}
	}
	values := make([]time.Duration, r.count)
	for i := 0; i < r.count; i++ {
		values[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	var total time.Duration
	for _, v := range values {
		total += v
	}
	pick := func(p float64) time.Duration {
		idx := int(float64(len(values)-1) * p)
		if idx >= len(values) {
			idx = len(values) - 1
		}
		return values[idx]
	}
	return LatencyStats{
		Count: uint64(r.count),
		Min:   values[0],
		Max:   values[len(values)-1],
		Mean:  total / time.Duration(len(values)),
		P50:   pick(0.50),
		P95:   pick(0.95),
		P99:   pick(0.99),
	}
}

// Config controls buffer sizing for a Metrics instance.
type Config struct {
	EventBufferSize   int
	LatencyBufferSize int
}

// DefaultConfig returns sane defaults for production use.
func DefaultConfig() Config {
	return Config{
		EventBufferSize:   4096,
		LatencyBufferSize: 1024,
	}
}

// Metrics accumulates counters and latency samples off the hot path.
type Metrics struct {
	cfg Config

	events chan event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	operations OperationCounts
	errors     ErrorCounts

	registerLatency   *ringBuffer
	unregisterLatency *ringBuffer
	destroyLatency    *ringBuffer

	activeDestructions func() uint64
	queueDepth         func() uint64
}

// New creates a Metrics instance with default buffer sizes and starts its
// background event processor. Close must be called to stop it.
func New() *Metrics {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a Metrics instance with the given buffer sizes.
func NewWithConfig(cfg Config) *Metrics {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Metrics{
		cfg:               cfg,
		events:            make(chan event, cfg.EventBufferSize),
		ctx:               ctx,
		cancel:            cancel,
		registerLatency:   newRingBuffer(cfg.LatencyBufferSize),
		unregisterLatency: newRingBuffer(cfg.LatencyBufferSize),
		destroyLatency:    newRingBuffer(cfg.LatencyBufferSize),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

// SetActiveDestructionsFunc wires a gauge function, typically backed by an
// inflight.Tracker, so Snapshot can report how many keys are mid-destruction.
func (m *Metrics) SetActiveDestructionsFunc(fn func() uint64) {
	m.activeDestructions = fn
}

// SetQueueDepthFunc wires a gauge function reporting the Agent's current
// queue depth.
func (m *Metrics) SetQueueDepthFunc(fn func() uint64) {
	m.queueDepth = fn
}

func (m *Metrics) run() {
	defer m.wg.Done()
	for {
		select {
		case e := <-m.events:
			m.apply(e)
		case <-m.ctx.Done():
			// Drain whatever is already buffered before exiting so a Close
			// racing with in-flight RecordX calls does not lose samples
			// that already made it into the channel.
			for {
				select {
				case e := <-m.events:
					m.apply(e)
				default:
					return
				}
			}
		}
	}
}

func (m *Metrics) apply(e event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch e.kind {
	case "register":
		m.operations.Register++
		m.registerLatency.push(e.duration)
	case "unregister":
		m.operations.Unregister++
		m.unregisterLatency.push(e.duration)
	case "destroy":
		m.operations.Destroy++
		m.destroyLatency.push(e.duration)
	case "add_dependency":
		m.operations.AddDependency++
	case "remove_dependency":
		m.operations.RemoveDependency++
	case "err_object_not_found":
		m.errors.ObjectNotFound++
	case "err_invalid_refcount":
		m.errors.InvalidRefCount++
	case "err_dependency_not_found":
		m.errors.DependencyNotFound++
	case "err_failed_removal":
		m.errors.FailedObjectRemoval++
	case "err_destructor_failure":
		m.errors.DestructorFailure++
	}
}

func (m *Metrics) send(e event) {
	select {
	case m.events <- e:
	default:
		// The event channel only carries metrics samples, never
		// correctness-bearing work (that is the Agent's queue, which never
		// drops). Dropping a sample under extreme backpressure is
		// acceptable; dropping an unregistration request would not be.
	}
}

// RecordRegister records the latency of a Register call.
func (m *Metrics) RecordRegister(d time.Duration) { m.send(event{kind: "register", duration: d}) }

// RecordUnregister records the latency of an Unregister call.
func (m *Metrics) RecordUnregister(d time.Duration) { m.send(event{kind: "unregister", duration: d}) }

// RecordDestroy records the latency of one RemoveAndDestroyHandle call.
func (m *Metrics) RecordDestroy(d time.Duration) { m.send(event{kind: "destroy", duration: d}) }

// RecordAddDependency records an AddDependency call.
func (m *Metrics) RecordAddDependency() { m.send(event{kind: "add_dependency"}) }

// RecordRemoveDependency records a RemoveDependency call.
func (m *Metrics) RecordRemoveDependency() { m.send(event{kind: "remove_dependency"}) }

// RecordError records an occurrence of the named error kind. kind is one of
// object_not_found, invalid_refcount, dependency_not_found, failed_removal
// or destructor_failure; any other kind is not counted.
func (m *Metrics) RecordError(kind string) {
	m.send(event{kind: "err_" + kind})
}

// Snapshot returns a point-in-time read of all counters and latencies.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	ops := m.operations
	errs := m.errors
	m.mu.Unlock()

	s := Snapshot{
		Operations: ops,
		Errors:     errs,
		Latency: LatencyMetrics{
			Register:   m.registerLatency.stats(),
			Unregister: m.unregisterLatency.stats(),
			Destroy:    m.destroyLatency.stats(),
		},
	}
	if m.activeDestructions != nil {
		s.ActiveDestructions = m.activeDestructions()
	}
	if m.queueDepth != nil {
		s.QueueDepth = m.queueDepth()
	}
	return s
}

// Close stops the background processor and waits for it to drain.
func (m *Metrics) Close() {
	m.cancel()
	m.wg.Wait()
}
