// Package crdt holds the Set and Singleton models driven by the reference-mode engine and
// the operation shapes they accept.
package crdt

import (
	"fmt"

	"github.com/devrev/pairdb/refstore/internal/model"
)

// OpKind tags an Operation
type OpKind int

const (
	OpAdd OpKind = iota
	OpRemove
	OpUpdate
	OpClear
	OpFastForward
)

func (k OpKind) String() string {
	switch k {
	case OpAdd:
		return "Add"
	case OpRemove:
		return "Remove"
	case OpUpdate:
		return "Update"
	case OpClear:
		return "Clear"
	case OpFastForward:
		return "FastForward"
	default:
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
}

// HasValue reports whether operations of this kind carry a Value
func (k OpKind) HasValue() bool {
	return k == OpAdd || k == OpRemove || k == OpUpdate
}

// Operation is a single CRDT mutation. Value is the added, removed or updated item and is
// the zero T for Clear and FastForward.
type Operation[T model.Referencable] struct {
	Kind  OpKind
	Actor model.Actor
	Clock model.VersionMap
	Value T

	// FastForward only.
	OldClock model.VersionMap
	Added    []DataValue[T]
	Removed  []T
}

// NewAdd creates a set Add
func NewAdd[T model.Referencable](actor model.Actor, clock model.VersionMap, added T) Operation[T] {
	return Operation[T]{Kind: OpAdd, Actor: actor, Clock: clock.Copy(), Value: added}
}

// NewRemove creates a set Remove
func NewRemove[T model.Referencable](actor model.Actor, clock model.VersionMap, removed T) Operation[T] {
	return Operation[T]{Kind: OpRemove, Actor: actor, Clock: clock.Copy(), Value: removed}
}

// NewUpdate creates a singleton Update
func NewUpdate[T model.Referencable](actor model.Actor, clock model.VersionMap, value T) Operation[T] {
	return Operation[T]{Kind: OpUpdate, Actor: actor, Clock: clock.Copy(), Value: value}
}

// NewClear creates a Clear, valid on both sets and singletons
func NewClear[T model.Referencable](actor model.Actor, clock model.VersionMap) Operation[T] {
	return Operation[T]{Kind: OpClear, Actor: actor, Clock: clock.Copy()}
}

// NewFastForward creates a FastForward from oldClock to newClock
func NewFastForward[T model.Referencable](oldClock, newClock model.VersionMap, added []DataValue[T], removed []T) Operation[T] {
	return Operation[T]{
		Kind:     OpFastForward,
		Clock:    newClock.Copy(),
		OldClock: oldClock.Copy(),
		Added:    added,
		Removed:  removed,
	}
}

// ValueID returns the id of the value carried by the op, or "" if it has none
func (op Operation[T]) ValueID() model.ReferenceID {
	if !op.Kind.HasValue() {
		return ""
	}
	return op.Value.GetID()
}

func (op Operation[T]) String() string {
	if op.Kind.HasValue() {
		return fmt.Sprintf("%s(%s, %s, %s)", op.Kind, op.Clock, op.Actor, op.Value.GetID())
	}
	return fmt.Sprintf("%s(%s, %s)", op.Kind, op.Clock, op.Actor)
}
