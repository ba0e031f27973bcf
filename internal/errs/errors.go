// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package errs defines the closed set of error kinds the Registry can
// return or deliver to its error sink.
//
// Each kind is a sentinel wrapped with the offending key so callers can
// both errors.Is against the kind and read the class/id that triggered it.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Compare with errors.Is, never with ==, since every
// returned error wraps one of these with per-call context.
var (
	// ErrObjectNotFound indicates a lookup of a required key failed.
	ErrObjectNotFound = errors.New("handlelife: object not found")

	// ErrInvalidRefCount indicates a refcount was observed in an illegal state.
	ErrInvalidRefCount = errors.New("handlelife: invalid refcount")

	// ErrDependencyNotFound indicates a dependency edge removal targeted an
	// edge that does not exist.
	ErrDependencyNotFound = errors.New("handlelife: dependency not found")

	// ErrFailedObjectRemoval indicates the map's remove step reported the
	// entry missing when invariants require it to be present.
	ErrFailedObjectRemoval = errors.New("handlelife: failed object removal")

	// ErrDestructorFailure wraps any error raised by a caller-supplied destructor.
	ErrDestructorFailure = errors.New("handlelife: destructor failure")
)

// KeyError is an error associated with a specific (class, id) handle key.
type KeyError struct {
	Kind  error
	Class string
	ID    uintptr
	// Value carries extra diagnostic payload, e.g. the illegal refcount
	// value for ErrInvalidRefCount, or the wrapped destructor error for
	// ErrDestructorFailure.
	Value any
}

func (e *KeyError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("%v: class=%q id=%d (%v)", e.Kind, e.Class, e.ID, e.Value)
	}
	return fmt.Sprintf("%v: class=%q id=%d", e.Kind, e.Class, e.ID)
}

func (e *KeyError) Unwrap() error {
	return e.Kind
}

// ObjectNotFound builds an ErrObjectNotFound for the given key.
func ObjectNotFound(class string, id uintptr) error {
	return &KeyError{Kind: ErrObjectNotFound, Class: class, ID: id}
}

// InvalidRefCount builds an ErrInvalidRefCount for the given key and the
// illegal value observed.
func InvalidRefCount(class string, id uintptr, value int64) error {
	return &KeyError{Kind: ErrInvalidRefCount, Class: class, ID: id, Value: value}
}

// DependencyNotFound builds an ErrDependencyNotFound for the given edge.
func DependencyNotFound(class string, id uintptr) error {
	return &KeyError{Kind: ErrDependencyNotFound, Class: class, ID: id}
}

// FailedObjectRemoval builds an ErrFailedObjectRemoval for the given key.
func FailedObjectRemoval(class string, id uintptr) error {
	return &KeyError{Kind: ErrFailedObjectRemoval, Class: class, ID: id}
}

// DestructorFailure wraps the error a destructor raised for the given key.
func DestructorFailure(class string, id uintptr, cause error) error {
	return &KeyError{Kind: ErrDestructorFailure, Class: class, ID: id, Value: cause}
}
