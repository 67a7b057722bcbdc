package model

import (
	"slices"
	"sort"
)

// RawEntity is the full value a client reads and writes. The backing store exclusively owns it.
type RawEntity struct {
	ID          ReferenceID         `json:"id"`
	Singletons  map[string]string   `json:"singletons,omitempty"`
	Collections map[string][]string `json:"collections,omitempty"`
}

// GetID implements Referencable
func (e RawEntity) GetID() ReferenceID {
	return e.ID
}

// NewRawEntity creates an entity with no fields
func NewRawEntity(id ReferenceID) RawEntity {
	return RawEntity{
		ID:          id,
		Singletons:  make(map[string]string),
		Collections: make(map[string][]string),
	}
}

// Copy returns a deep copy
func (e RawEntity) Copy() RawEntity {
	out := NewRawEntity(e.ID)
	for k, v := range e.Singletons {
		out.Singletons[k] = v
	}
	for k, v := range e.Collections {
		out.Collections[k] = slices.Clone(v)
	}
	return out
}

// IsEmpty reports whether the entity has no field values
func (e RawEntity) IsEmpty() bool {
	return len(e.Singletons) == 0 && len(e.Collections) == 0
}

// FieldNames returns every singleton and collection field name, sorted
func (e RawEntity) FieldNames() []string {
	names := make([]string, 0, len(e.Singletons)+len(e.Collections))
	for k := range e.Singletons {
		names = append(names, k)
	}
	for k := range e.Collections {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Equal compares ids and field values; collection order is ignored
func (e RawEntity) Equal(other RawEntity) bool {
	if e.ID != other.ID || len(e.Singletons) != len(other.Singletons) || len(e.Collections) != len(other.Collections) {
		return false
	}
	for k, v := range e.Singletons {
		if ov, ok := other.Singletons[k]; !ok || ov != v {
			return false
		}
	}
	for k, v := range e.Collections {
		ov, ok := other.Collections[k]
		if !ok || len(ov) != len(v) {
			return false
		}
		a, b := slices.Clone(v), slices.Clone(ov)
		sort.Strings(a)
		sort.Strings(b)
		if !slices.Equal(a, b) {
			return false
		}
	}
	return true
}
