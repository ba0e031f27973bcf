// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

// Batch groups several Registry operations so callers can submit them
// together and inspect per-operation results in one place. It adds no new
// ordering or atomicity guarantee beyond what calling each operation
// individually would provide: operations still execute one at a time,
// in the order they were added, and a failure in one does not roll back
// the others. It exists purely to cut down on boilerplate when a caller
// wants to issue many registrations or unregistrations and collect their
// outcomes.
type Batch struct {
	ops []batchOp
}

type batchOpKind int

const (
	batchOpRegister batchOpKind = iota
	batchOpUnregister
	batchOpAddDependency
	batchOpRemoveDependency
)

type batchOp struct {
	kind       batchOpKind
	key        HandleKey
	value      any
	destructor Destructor
	deps       []HandleKey
	other      HandleKey
}

// BatchResult reports the outcome of one operation within an executed Batch.
type BatchResult struct {
	Key   HandleKey
	Error error
}

// NewBatch creates an empty Batch.
func NewBatch() *Batch {
	return &Batch{ops: make([]batchOp, 0, 16)}
}

// Register queues a Register call. deps, if non-empty, is applied as in
// Registry.Register.
func (b *Batch) Register(key HandleKey, value any, destructor Destructor, deps ...HandleKey) {
	b.ops = append(b.ops, batchOp{kind: batchOpRegister, key: key, value: value, destructor: destructor, deps: deps})
}

// Unregister queues an Unregister call.
func (b *Batch) Unregister(key HandleKey) {
	b.ops = append(b.ops, batchOp{kind: batchOpUnregister, key: key})
}

// AddDependency queues an AddDependency call.
func (b *Batch) AddDependency(depender, dependency HandleKey) {
	b.ops = append(b.ops, batchOp{kind: batchOpAddDependency, key: depender, other: dependency})
}

// RemoveDependency queues a RemoveDependency call.
func (b *Batch) RemoveDependency(depender, dependency HandleKey) {
	b.ops = append(b.ops, batchOp{kind: batchOpRemoveDependency, key: depender, other: dependency})
}

// Size returns the number of queued operations.
func (b *Batch) Size() int {
	return len(b.ops)
}

// Execute runs every queued operation against reg in order and returns one
// BatchResult per operation.
func (reg *Registry) Execute(b *Batch) []BatchResult {
	results := make([]BatchResult, len(b.ops))
	for i, op := range b.ops {
		switch op.kind {
		case batchOpRegister:
			results[i] = BatchResult{Key: op.key, Error: reg.Register(op.key, op.value, op.destructor, op.deps...)}
		case batchOpUnregister:
			results[i] = BatchResult{Key: op.key, Error: reg.Unregister(op.key)}
		case batchOpAddDependency:
			results[i] = BatchResult{Key: op.key, Error: reg.AddDependency(op.key, op.other)}
		case batchOpRemoveDependency:
			results[i] = BatchResult{Key: op.key, Error: reg.RemoveDependency(op.key, op.other)}
		}
	}
	return results
}
