package callback

import (
	"math/rand/v2"
	"sync"
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func TestRegistry_RegisterAndSend(t *testing.T) {
	r := NewRegistry[string]("test", nil, zap.NewNop())
	assert.True(t, r.IsEmpty())
	assert.False(t, r.HasBecomeEmpty())

	var got []string
	a := r.Register(func(m string) bool { got = append(got, "a:"+m); return true })
	b := r.Register(func(m string) bool { got = append(got, "b:"+m); return true })
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, NoToken, a)

	assert.True(t, r.Send("1", NoToken))
	assert.True(t, r.Send("2", a))
	assert.Equal(t, []string{"a:1", "b:1", "b:2"}, got)

	r.Unregister(a)
	r.Unregister(a)
	assert.Nil(t, r.GetCallback(a))
	assert.NotNil(t, r.GetCallback(b))
	assert.False(t, r.HasBecomeEmpty())

	r.Unregister(b)
	assert.True(t, r.IsEmpty())
	assert.True(t, r.HasBecomeEmpty())
}

func TestRegistry_SendIsLogicalAnd(t *testing.T) {
	r := NewRegistry[int]("test", nil, nil)

	var calls int
	r.Register(func(int) bool { calls++; return false })
	r.Register(func(int) bool { calls++; return true })

	assert.False(t, r.Send(1, NoToken))
	assert.Equal(t, 2, calls, "every callback still receives the message")
}

func TestRegistry_SendMultiplexedThreadsMuxID(t *testing.T) {
	r := NewRegistry[string]("test", nil, nil)

	var gotMux []string
	r.RegisterMultiplexed(func(m string, muxID string) bool {
		gotMux = append(gotMux, muxID+"/"+m)
		return true
	})
	r.Register(func(m string) bool { return true })

	assert.True(t, r.SendMultiplexed("msg", "entity-1", NoToken))
	assert.Equal(t, []string{"entity-1/msg"}, gotMux)
}

func TestRegistry_ReentrantRegisterDuringSend(t *testing.T) {
	r := NewRegistry[string]("test", nil, nil)

	var first, second []string
	registered := false
	r.Register(func(m string) bool {
		first = append(first, m)
		if !registered {
			registered = true
			r.Register(func(m string) bool {
				second = append(second, m)
				return true
			})
		}
		return true
	})

	require.True(t, r.Send("msg1", NoToken))
	assert.Equal(t, []string{"msg1"}, first)
	assert.Empty(t, second, "a callback registered during send misses that send")

	require.True(t, r.Send("msg2", NoToken))
	assert.Equal(t, []string{"msg1", "msg2"}, first)
	assert.Equal(t, []string{"msg2"}, second)
}

func TestRegistry_UnregisterSelfDuringSend(t *testing.T) {
	r := NewRegistry[string]("test", nil, nil)

	var token int
	var calls int
	token = r.Register(func(string) bool {
		calls++
		r.Unregister(token)
		return true
	})

	r.Send("a", NoToken)
	r.Send("b", NoToken)
	assert.Equal(t, 1, calls)
	assert.True(t, r.HasBecomeEmpty())
}

func TestRegistry_ConcurrentRegistrationYieldsDistinctTokens(t *testing.T) {
	generators := map[string]TokenGenerator{
		"monotonic": MonotonicTokens(),
		"random":    RandomTokens("host-a", nil),
	}

	for name, gen := range generators {
		t.Run(name, func(t *testing.T) {
			r := NewRegistry[int](name, gen, nil)

			var mu sync.Mutex
			tokens := mapset.NewSet[int]()

			var g errgroup.Group
			for i := 0; i < 200; i++ {
				g.Go(func() error {
					token := r.Register(func(int) bool { return true })
					mu.Lock()
					tokens.Add(token)
					mu.Unlock()
					return nil
				})
			}
			require.NoError(t, g.Wait())

			assert.Equal(t, 200, tokens.Cardinality())
			assert.Equal(t, 200, r.Len())
			assert.False(t, tokens.Contains(NoToken))
		})
	}
}

func TestRandomTokens_RetriesOnCollision(t *testing.T) {
	// Two generators seeded identically produce the same first draw; the second must skip
	// it when it is already in use.
	first := RandomTokens("salt", rand.NewPCG(1, 2))
	second := RandomTokens("salt", rand.NewPCG(1, 2))

	used := mapset.NewThreadUnsafeSet[int]()
	a := first(used)
	used.Add(a)
	b := second(used)

	assert.NotEqual(t, a, b)
	assert.NotZero(t, b)
}

func TestRandomTokens_SaltChangesTokenSpace(t *testing.T) {
	a := RandomTokens("host-a", rand.NewPCG(7, 7))
	b := RandomTokens("host-b", rand.NewPCG(7, 7))

	used := mapset.NewThreadUnsafeSet[int]()
	assert.NotEqual(t, a(used), b(used))
}

func TestMonotonicTokens_SkipsUsed(t *testing.T) {
	gen := MonotonicTokens()
	used := mapset.NewThreadUnsafeSet(2)

	assert.Equal(t, 1, gen(used))
	assert.Equal(t, 3, gen(used))
}

func TestExcluding_SkipsReservedToken(t *testing.T) {
	gen := Excluding(MonotonicTokens(), func() int { return 1 })
	used := mapset.NewThreadUnsafeSet[int]()

	assert.Equal(t, 2, gen(used))
	assert.Equal(t, 3, gen(used))
}
