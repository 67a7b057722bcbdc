package crdt

import (
	"sort"

	"github.com/devrev/pairdb/refstore/internal/model"
)

// Set is an optimized OR-set of Referencable items.
// It is not safe for concurrent use; owners serialize access.
type Set[T model.Referencable] struct {
	data Data[T]
}

// NewSet creates an empty set
func NewSet[T model.Referencable]() *Set[T] {
	return &Set[T]{data: NewData[T]()}
}

// NewSetWithData creates a set from existing data
func NewSetWithData[T model.Referencable](data Data[T]) *Set[T] {
	return &Set[T]{data: data.Copy()}
}

// Version returns a copy of the set clock
func (s *Set[T]) Version() model.VersionMap {
	return s.data.Version.Copy()
}

// Data returns a copy of the set state
func (s *Set[T]) Data() Data[T] {
	return s.data.Copy()
}

// UpdateData replaces the set state
func (s *Set[T]) UpdateData(data Data[T]) {
	s.data = data.Copy()
}

// ConsumerView returns the members sorted by id
func (s *Set[T]) ConsumerView() []T {
	ids := make([]model.ReferenceID, 0, len(s.data.Values))
	for id := range s.data.Values {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.data.Values[id].Value)
	}
	return out
}

// ApplyOperation applies op and reports whether it was accepted. Rejected ops leave the
// set untouched.
func (s *Set[T]) ApplyOperation(op Operation[T]) bool {
	return applySetOp(&s.data, op)
}

// DryRun reports whether op would be accepted and which members it would remove,
// leaving the set untouched
func (s *Set[T]) DryRun(op Operation[T]) (bool, []model.ReferenceID) {
	next := s.data.Copy()
	if !applySetOp(&next, op) {
		return false, nil
	}
	return true, removedIDs(s.data, next)
}

func applySetOp[T model.Referencable](data *Data[T], op Operation[T]) bool {
	switch op.Kind {
	case OpAdd:
		return applyAdd(data, op)
	case OpRemove:
		return applyRemove(data, op)
	case OpClear:
		return applyClear(data, op)
	case OpFastForward:
		return applyFastForward(data, op)
	default:
		return false
	}
}

// applyAdd only accepts an add immediately consecutive to the actor's clock
func applyAdd[T model.Referencable](data *Data[T], op Operation[T]) bool {
	if op.Clock.Get(op.Actor) != data.Version.Get(op.Actor)+1 {
		return false
	}
	data.Version.Set(op.Actor, op.Clock.Get(op.Actor))

	id := op.Value.GetID()
	previous := model.VersionMap{}
	if existing, ok := data.Values[id]; ok {
		previous = existing.Version
	}
	data.Values[id] = DataValue[T]{Version: op.Clock.Merge(previous), Value: op.Value}
	return true
}

// applyRemove requires the item to exist, the clock not to advance, and the clock to
// dominate the item's version
func applyRemove[T model.Referencable](data *Data[T], op Operation[T]) bool {
	existing, ok := data.Values[op.Value.GetID()]
	if !ok {
		return false
	}
	if op.Clock.Get(op.Actor) != data.Version.Get(op.Actor) {
		return false
	}
	if op.Clock.DoesNotDominate(existing.Version) {
		return false
	}
	delete(data.Values, op.Value.GetID())
	return true
}

// applyClear drops every member the op clock has seen
func applyClear[T model.Referencable](data *Data[T], op Operation[T]) bool {
	if op.Clock.Get(op.Actor) != data.Version.Get(op.Actor) {
		return false
	}
	for id, v := range data.Values {
		if op.Clock.Dominates(v.Version) {
			delete(data.Values, id)
		}
	}
	return true
}

func applyFastForward[T model.Referencable](data *Data[T], op Operation[T]) bool {
	if data.Version.DoesNotDominate(op.OldClock) {
		return false
	}
	if data.Version.Dominates(op.Clock) {
		return true
	}

	for _, added := range op.Added {
		id := added.Value.GetID()
		if existing, ok := data.Values[id]; ok {
			data.Values[id] = DataValue[T]{Version: added.Version.Merge(existing.Version), Value: existing.Value}
		} else if data.Version.DoesNotDominate(added.Version) {
			data.Values[id] = DataValue[T]{Version: added.Version.Copy(), Value: added.Value}
		}
	}
	for _, removed := range op.Removed {
		id := removed.GetID()
		if existing, ok := data.Values[id]; ok && op.Clock.Dominates(existing.Version) {
			delete(data.Values, id)
		}
	}
	data.Version.MergeInPlace(op.Clock)
	return true
}

// Merge folds other into the set and returns the FastForward the other side needs
func (s *Set[T]) Merge(other Data[T]) MergeChanges[T] {
	merged, changes := mergeSetData(s.data, other)
	s.data = merged
	return changes
}

func mergeSetData[T model.Referencable](mine, other Data[T]) (Data[T], MergeChanges[T]) {
	newClock := mine.Version.Merge(other.Version)
	merged := Data[T]{Version: newClock, Values: make(map[model.ReferenceID]DataValue[T])}

	var added []DataValue[T]
	var removed []T

	for id, theirs := range other.Values {
		if ours, ok := mine.Values[id]; ok {
			if ours.Version.Equal(theirs.Version) {
				merged.Values[id] = ours
				continue
			}
			v := DataValue[T]{Version: ours.Version.Merge(theirs.Version), Value: ours.Value}
			merged.Values[id] = v
			added = append(added, v)
		} else if mine.Version.Dominates(theirs.Version) {
			// Removed on this side.
			removed = append(removed, theirs.Value)
		} else {
			merged.Values[id] = DataValue[T]{Version: theirs.Version.Copy(), Value: theirs.Value}
		}
	}

	for id, ours := range mine.Values {
		if _, ok := other.Values[id]; !ok && other.Version.DoesNotDominate(ours.Version) {
			merged.Values[id] = ours
			added = append(added, ours)
		}
	}

	changes := MergeChanges[T]{ModelChanged: !merged.Equal(mine)}
	if len(added) > 0 || len(removed) > 0 || other.Version.DoesNotDominate(newClock) {
		changes.OtherOps = []Operation[T]{NewFastForward(other.Version, newClock, added, removed)}
	}
	return merged, changes
}
