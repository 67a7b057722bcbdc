package model

import (
	"fmt"
	"sort"
	"strings"
)

// Actor identifies a writer in a VersionMap
type Actor = string

// VersionMap tracks causality across actors. Absent actors have counter 0.
type VersionMap map[Actor]int64

// VersionMapComparison represents the result of comparing two version maps
type VersionMapComparison int

const (
	// Identical means both version maps agree on every actor
	Identical VersionMapComparison = iota
	// Before means the first happens before the second
	Before
	// After means the first happens after the second
	After
	// Concurrent means neither dominates the other
	Concurrent
)

func (c VersionMapComparison) String() string {
	switch c {
	case Identical:
		return "identical"
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

// NewVersionMap creates a version map from entries
func NewVersionMap(entries ...VersionEntry) VersionMap {
	vm := make(VersionMap, len(entries))
	for _, e := range entries {
		vm[e.Actor] = e.Counter
	}
	return vm
}

// VersionEntry is a single actor counter, used for ordered output and persistence
type VersionEntry struct {
	Actor   Actor `json:"actor"`
	Counter int64 `json:"counter"`
}

// Get returns the counter for an actor (0 if absent)
func (vm VersionMap) Get(actor Actor) int64 {
	return vm[actor]
}

// Set sets the counter for an actor
func (vm VersionMap) Set(actor Actor, counter int64) {
	vm[actor] = counter
}

// Increment bumps the counter for an actor and returns the new value
func (vm VersionMap) Increment(actor Actor) int64 {
	vm[actor]++
	return vm[actor]
}

// Copy returns a deep copy. A nil map copies to an empty one.
func (vm VersionMap) Copy() VersionMap {
	out := make(VersionMap, len(vm))
	for actor, counter := range vm {
		out[actor] = counter
	}
	return out
}

// Merge returns the pointwise maximum of vm and other
func (vm VersionMap) Merge(other VersionMap) VersionMap {
	merged := vm.Copy()
	merged.MergeInPlace(other)
	return merged
}

// MergeInPlace raises every counter of vm to at least other's
func (vm VersionMap) MergeInPlace(other VersionMap) {
	for actor, counter := range other {
		if existing, ok := vm[actor]; !ok || counter > existing {
			vm[actor] = counter
		}
	}
}

// Dominates reports whether vm is at or above other for every actor present in other
func (vm VersionMap) Dominates(other VersionMap) bool {
	for actor, counter := range other {
		if vm[actor] < counter {
			return false
		}
	}
	return true
}

// DoesNotDominate is the negation of Dominates
func (vm VersionMap) DoesNotDominate(other VersionMap) bool {
	return !vm.Dominates(other)
}

// Equal reports whether both maps agree on the union of their actors
func (vm VersionMap) Equal(other VersionMap) bool {
	return vm.Dominates(other) && other.Dominates(vm)
}

// Compare compares two version maps
func (vm VersionMap) Compare(other VersionMap) VersionMapComparison {
	ahead := !other.Dominates(vm)
	behind := !vm.Dominates(other)

	switch {
	case !ahead && !behind:
		return Identical
	case behind && !ahead:
		return Before
	case ahead && !behind:
		return After
	default:
		return Concurrent
	}
}

// IsEmpty reports whether no actor has a positive counter
func (vm VersionMap) IsEmpty() bool {
	for _, counter := range vm {
		if counter != 0 {
			return false
		}
	}
	return true
}

// Actors returns the actors of vm in sorted order
func (vm VersionMap) Actors() []Actor {
	actors := make([]Actor, 0, len(vm))
	for actor := range vm {
		actors = append(actors, actor)
	}
	sort.Strings(actors)
	return actors
}

// Entries returns the map as actor-sorted entries
func (vm VersionMap) Entries() []VersionEntry {
	entries := make([]VersionEntry, 0, len(vm))
	for _, actor := range vm.Actors() {
		entries = append(entries, VersionEntry{Actor: actor, Counter: vm[actor]})
	}
	return entries
}

// String renders the map deterministically, e.g. {a:1, b:2}
func (vm VersionMap) String() string {
	parts := make([]string, 0, len(vm))
	for _, e := range vm.Entries() {
		parts = append(parts, fmt.Sprintf("%s:%d", e.Actor, e.Counter))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
