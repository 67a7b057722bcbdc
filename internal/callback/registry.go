// Package callback implements the observer registry shared by the container store, the
// backing store and the reference-mode store.
package callback

import (
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/devrev/pairdb/refstore/internal/util/syncutil"
	"go.uber.org/zap"
)

// Callback receives a message and returns false to reject it
type Callback[M any] func(message M) bool

// MuxCallback additionally receives the id of the sub-store the message belongs to
type MuxCallback[M any] func(message M, muxID string) bool

// NoToken is never handed out and means "no callback" in exceptTo arguments
const NoToken = 0

type registryState[M any] struct {
	callbacks  map[int]MuxCallback[M]
	order      []int
	used       mapset.Set[int]
	everActive bool
}

// Registry maps tokens to callbacks. Mutation happens under a lock; delivery works on a
// snapshot taken under the lock and runs outside it, so callbacks may register or
// unregister (themselves included) while being invoked.
type Registry[M any] struct {
	name   string
	state  *syncutil.Guard[registryState[M]]
	tokens TokenGenerator
	logger *zap.Logger
}

// NewRegistry creates a registry. A nil generator defaults to MonotonicTokens.
func NewRegistry[M any](name string, tokens TokenGenerator, logger *zap.Logger) *Registry[M] {
	if tokens == nil {
		tokens = MonotonicTokens()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry[M]{
		name: name,
		state: syncutil.NewGuard(registryState[M]{
			callbacks: make(map[int]MuxCallback[M]),
			used:      mapset.NewThreadUnsafeSet[int](),
		}),
		tokens: tokens,
		logger: logger,
	}
}

// Register adds a plain callback and returns its token
func (r *Registry[M]) Register(cb Callback[M]) int {
	return r.RegisterMultiplexed(func(message M, _ string) bool { return cb(message) })
}

// RegisterMultiplexed adds a callback that receives the mux id and returns its token
func (r *Registry[M]) RegisterMultiplexed(cb MuxCallback[M]) int {
	token := syncutil.Extract(r.state, func(s *registryState[M]) int {
		token := r.tokens(s.used)
		s.callbacks[token] = cb
		s.order = append(s.order, token)
		s.used.Add(token)
		s.everActive = true
		return token
	})

	r.logger.Debug("Callback registered",
		zap.String("registry", r.name),
		zap.Int("token", token))
	return token
}

// Unregister removes the callback for token. Unknown tokens are ignored.
func (r *Registry[M]) Unregister(token int) {
	r.state.Do(func(s *registryState[M]) {
		if _, ok := s.callbacks[token]; !ok {
			return
		}
		delete(s.callbacks, token)
		s.used.Remove(token)
		s.order = slices.DeleteFunc(s.order, func(t int) bool { return t == token })
	})
}

// GetCallback returns the callback for token, or nil
func (r *Registry[M]) GetCallback(token int) MuxCallback[M] {
	return syncutil.Extract(r.state, func(s *registryState[M]) MuxCallback[M] {
		return s.callbacks[token]
	})
}

// Send delivers message to every callback except exceptTo and returns true only if every
// callback accepted it
func (r *Registry[M]) Send(message M, exceptTo int) bool {
	return r.SendMultiplexed(message, "", exceptTo)
}

// SendMultiplexed is Send with a mux id threaded through to the callbacks
func (r *Registry[M]) SendMultiplexed(message M, muxID string, exceptTo int) bool {
	snapshot := syncutil.Extract(r.state, func(s *registryState[M]) []MuxCallback[M] {
		out := make([]MuxCallback[M], 0, len(s.order))
		for _, token := range s.order {
			if token != exceptTo {
				out = append(out, s.callbacks[token])
			}
		}
		return out
	})

	ok := true
	for _, cb := range snapshot {
		if !cb(message, muxID) {
			ok = false
		}
	}
	if !ok {
		r.logger.Debug("Message rejected by at least one callback",
			zap.String("registry", r.name),
			zap.String("mux_id", muxID))
	}
	return ok
}

// IsEmpty reports whether no callbacks are registered
func (r *Registry[M]) IsEmpty() bool {
	return r.Len() == 0
}

// HasBecomeEmpty reports whether the registry once had callbacks and now has none
func (r *Registry[M]) HasBecomeEmpty() bool {
	return syncutil.Extract(r.state, func(s *registryState[M]) bool {
		return s.everActive && len(s.callbacks) == 0
	})
}

// Len returns the number of registered callbacks
func (r *Registry[M]) Len() int {
	return syncutil.Extract(r.state, func(s *registryState[M]) int {
		return len(s.callbacks)
	})
}
