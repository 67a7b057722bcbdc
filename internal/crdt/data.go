package crdt

import (
	"sort"

	"github.com/devrev/pairdb/refstore/internal/model"
)

// DataValue is one member of a Set: the item and the version at which it was added
type DataValue[T model.Referencable] struct {
	Version model.VersionMap
	Value   T
}

// Data is the state shared by Set and Singleton
type Data[T model.Referencable] struct {
	Version model.VersionMap
	Values  map[model.ReferenceID]DataValue[T]
}

// NewData creates empty data
func NewData[T model.Referencable]() Data[T] {
	return Data[T]{
		Version: model.VersionMap{},
		Values:  make(map[model.ReferenceID]DataValue[T]),
	}
}

// Copy returns a copy with fresh maps; items themselves are shared
func (d Data[T]) Copy() Data[T] {
	out := Data[T]{
		Version: d.Version.Copy(),
		Values:  make(map[model.ReferenceID]DataValue[T], len(d.Values)),
	}
	for id, v := range d.Values {
		out.Values[id] = DataValue[T]{Version: v.Version.Copy(), Value: v.Value}
	}
	return out
}

// Equal compares clocks and member versions. Items are compared by id only.
func (d Data[T]) Equal(other Data[T]) bool {
	if !d.Version.Equal(other.Version) || len(d.Values) != len(other.Values) {
		return false
	}
	for id, v := range d.Values {
		ov, ok := other.Values[id]
		if !ok || !v.Version.Equal(ov.Version) || v.Value.GetID() != ov.Value.GetID() {
			return false
		}
	}
	return true
}

// removedIDs lists the ids present in before and missing from after, sorted
func removedIDs[T model.Referencable](before, after Data[T]) []model.ReferenceID {
	var ids []model.ReferenceID
	for id := range before.Values {
		if _, ok := after.Values[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// MergeChanges describes the result of a merge: whether the local model changed and the
// operations the other side needs to catch up.
type MergeChanges[T model.Referencable] struct {
	ModelChanged bool
	OtherOps     []Operation[T]
}
