// Package syncutil holds the locking helper shared by the registry and the queues.
//
// Every component that runs caller-supplied closures follows the same discipline: take the
// lock, mutate state and copy out what the closures need, release the lock, then invoke.
// Guard makes the first half of that explicit so nothing can be invoked while the lock is held.
package syncutil

import "sync"

// Guard owns a value of type T and only exposes it under its mutex
type Guard[T any] struct {
	mu    sync.Mutex
	state T
}

// NewGuard wraps state
func NewGuard[T any](state T) *Guard[T] {
	return &Guard[T]{state: state}
}

// Do runs fn with the state locked. fn must not call back into user code.
func (g *Guard[T]) Do(fn func(state *T)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(&g.state)
}

// Extract runs fn with the state locked and returns what fn copied out, for use after the
// lock is released
func Extract[T, R any](g *Guard[T], fn func(state *T) R) R {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn(&g.state)
}
