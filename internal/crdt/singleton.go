package crdt

import (
	"sort"

	"github.com/devrev/pairdb/refstore/internal/model"
)

// Singleton holds at most one logical value. Concurrent updates leave several candidates
// in the data; readers consistently see the one with the lowest id.
type Singleton[T model.Referencable] struct {
	data Data[T]
}

// NewSingleton creates an empty singleton
func NewSingleton[T model.Referencable]() *Singleton[T] {
	return &Singleton[T]{data: NewData[T]()}
}

// NewSingletonWithData creates a singleton from existing data
func NewSingletonWithData[T model.Referencable](data Data[T]) *Singleton[T] {
	return &Singleton[T]{data: data.Copy()}
}

// Version returns a copy of the singleton clock
func (s *Singleton[T]) Version() model.VersionMap {
	return s.data.Version.Copy()
}

// Data returns a copy of the singleton state
func (s *Singleton[T]) Data() Data[T] {
	return s.data.Copy()
}

// UpdateData replaces the singleton state
func (s *Singleton[T]) UpdateData(data Data[T]) {
	s.data = data.Copy()
}

// ConsumerView returns the current value, if any
func (s *Singleton[T]) ConsumerView() (T, bool) {
	var zero T
	if len(s.data.Values) == 0 {
		return zero, false
	}
	ids := make([]model.ReferenceID, 0, len(s.data.Values))
	for id := range s.data.Values {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return s.data.Values[ids[0]].Value, true
}

// ApplyOperation applies an Update or Clear and reports whether it was accepted
func (s *Singleton[T]) ApplyOperation(op Operation[T]) bool {
	switch op.Kind {
	case OpUpdate:
		return s.applyUpdate(op)
	case OpClear:
		return applyClear(&s.data, op)
	default:
		return false
	}
}

// DryRun reports whether op would be accepted and which values it would drop
func (s *Singleton[T]) DryRun(op Operation[T]) (bool, []model.ReferenceID) {
	next := NewSingletonWithData(s.data)
	if !next.ApplyOperation(op) {
		return false, nil
	}
	return true, removedIDs(s.data, next.data)
}

// applyUpdate drops every value the op clock has seen, then adds the new one
func (s *Singleton[T]) applyUpdate(op Operation[T]) bool {
	if op.Clock.Get(op.Actor) != s.data.Version.Get(op.Actor)+1 {
		return false
	}
	for id, v := range s.data.Values {
		if id != op.Value.GetID() && op.Clock.Dominates(v.Version) {
			delete(s.data.Values, id)
		}
	}
	return applyAdd(&s.data, NewAdd(op.Actor, op.Clock, op.Value))
}

// Merge folds other into the singleton using set merge semantics
func (s *Singleton[T]) Merge(other Data[T]) MergeChanges[T] {
	merged, changes := mergeSetData(s.data, other)
	s.data = merged
	return changes
}
