package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/devrev/pairdb/refstore/internal/callback"
	"github.com/devrev/pairdb/refstore/internal/crdt"
	"github.com/devrev/pairdb/refstore/internal/errors"
	"github.com/devrev/pairdb/refstore/internal/metrics"
	"github.com/devrev/pairdb/refstore/internal/model"
	"github.com/devrev/pairdb/refstore/internal/refmode"
	"github.com/devrev/pairdb/refstore/internal/store"
	"github.com/devrev/pairdb/refstore/internal/util/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// proxy records the messages a storage proxy receives
type proxy struct {
	mu   sync.Mutex
	msgs []refmode.EntityMessage
}

func (p *proxy) callback(msg refmode.EntityMessage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return true
}

func (p *proxy) messages() []refmode.EntityMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]refmode.EntityMessage(nil), p.msgs...)
}

// gatedStore holds every Put until release is closed
type gatedStore struct {
	*store.MemoryStore
	release chan struct{}
}

func (g *gatedStore) Put(ctx context.Context, record *store.Record) error {
	<-g.release
	return g.MemoryStore.Put(ctx, record)
}

type fixture struct {
	store     *ReferenceModeStore
	container *ContainerStore
	backing   *store.BackingStore
	entities  *store.MemoryStore
}

func newFixture(t *testing.T, kind refmode.ContainerKind, cfg *Config) *fixture {
	t.Helper()
	entities := store.NewMemoryStore(nil)
	container := NewContainerStore(kind, containerKey, nil, nil)
	backing := store.NewBackingStore(entities, &store.BackingStoreConfig{StorageKey: backingKey})
	return &fixture{
		store:     NewReferenceModeStore(container, backing, cfg),
		container: container,
		backing:   backing,
		entities:  entities,
	}
}

// handle sends msg and waits until the store has forwarded everything it caused
func (f *fixture) handle(t *testing.T, msg refmode.EntityMessage) (bool, error) {
	t.Helper()
	ok, err := f.handle(t, msg)
	require.NoError(t, f.store.Idle(context.Background()))
	return ok, err
}

func person(id, name string) model.RawEntity {
	e := model.NewRawEntity(id)
	e.Singletons["name"] = name
	return e
}

func operations(id int, ops ...crdt.Operation[model.RawEntity]) refmode.EntityMessage {
	return refmode.NewOperations(ops, id)
}

func TestReferenceModeStore_AddDeliveredToOtherProxies(t *testing.T) {
	f := newFixture(t, refmode.KindSet, nil)
	var a, b proxy
	aToken := f.store.On(a.callback)
	f.store.On(b.callback)

	ctx := context.Background()
	ok, err := f.handle(t, operations(aToken,
		crdt.NewAdd("A", model.VersionMap{"A": 1}, person("x", "bob"))))
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Empty(t, a.messages())
	msgs := b.messages()
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Operations, 1)
	op := msgs[0].Operations[0]
	assert.Equal(t, crdt.OpAdd, op.Kind)
	assert.Equal(t, "A", op.Actor)
	assert.Equal(t, model.VersionMap{"A": 1}, op.Clock)
	assert.Equal(t, "bob", op.Value.Singletons["name"])

	// The container only holds a reference, pinned to the backing-store version.
	data := f.container.LocalData()
	require.Contains(t, data.Values, "x")
	r := data.Values["x"].Value
	assert.Equal(t, backingKey, r.StorageKey)
	assert.Equal(t, model.VersionMap{f.store.CrdtKey(): 1}, r.Version)

	rec, err := f.entities.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "bob", rec.Entity.Singletons["name"])
	assert.Equal(t, r.Version, rec.Version)
}

func TestReferenceModeStore_MonotonicTokensSkipContainerToken(t *testing.T) {
	f := newFixture(t, refmode.KindSet, &Config{Tokens: callback.MonotonicTokens()})
	var a, b proxy
	aToken := f.store.On(a.callback)
	f.store.On(b.callback)
	assert.NotEqual(t, 1, aToken, "container registry hands the store token 1")

	ok, err := f.handle(t, operations(aToken,
		crdt.NewAdd("A", model.VersionMap{"A": 1}, person("x", "bob"))))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, b.messages(), 1)
}

func TestReferenceModeStore_HoldsSendUntilBackingConfirms(t *testing.T) {
	gated := &gatedStore{MemoryStore: store.NewMemoryStore(nil), release: make(chan struct{})}
	pool := workerpool.NewWorkerPool(&workerpool.Config{Name: "backing", MaxWorkers: 2})
	defer pool.Stop(context.Background())

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("test", reg)
	backing := store.NewBackingStore(gated, &store.BackingStoreConfig{StorageKey: backingKey, Pool: pool, Metrics: m})
	container := NewContainerStore(refmode.KindSet, containerKey, m, nil)
	s := NewReferenceModeStore(container, backing, &Config{Metrics: m, Logger: zap.NewNop()})

	var a, b proxy
	aToken := s.On(a.callback)
	s.On(b.callback)

	ctx := context.Background()
	ok, err := s.OnProxyMessage(ctx, operations(aToken,
		crdt.NewAdd("A", model.VersionMap{"A": 1}, person("x", "bob"))))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.receive.Idle(ctx))
	assert.Empty(t, b.messages(), "reference not yet confirmed")
	assert.Equal(t, 1, s.PendingSends())

	close(gated.release)
	assert.Eventually(t, func() bool { return len(b.messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "bob", b.messages()[0].Operations[0].Value.Singletons["name"])
	assert.Equal(t, 0, s.PendingSends())

	idleCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, s.Idle(idleCtx))
}

func TestReferenceModeStore_RejectedOperation(t *testing.T) {
	f := newFixture(t, refmode.KindSet, nil)
	var b proxy
	f.store.On(b.callback)

	ok, err := f.handle(t, operations(callback.NoToken,
		crdt.NewAdd("A", model.VersionMap{"A": 2}, person("x", "bob"))))
	require.NoError(t, err)
	assert.False(t, ok, "clock skips a version")
	assert.Empty(t, f.container.LocalData().Values)
	assert.Empty(t, b.messages())
}

func TestReferenceModeStore_InvalidMessages(t *testing.T) {
	tests := []struct {
		name string
		kind refmode.ContainerKind
		msg  refmode.EntityMessage
		want errors.ErrorCode
	}{
		{
			name: "fast forward",
			kind: refmode.KindSet,
			msg: operations(1, crdt.NewFastForward[model.RawEntity](
				model.VersionMap{}, model.VersionMap{"A": 1}, nil, nil)),
			want: errors.ErrCodeUnsupportedOperation,
		},
		{
			name: "set op on singleton",
			kind: refmode.KindSingleton,
			msg:  operations(1, crdt.NewAdd("A", model.VersionMap{"A": 1}, person("x", "bob"))),
			want: errors.ErrCodeInvalidStoreType,
		},
		{
			name: "empty entity id",
			kind: refmode.KindSet,
			msg:  operations(1, crdt.NewAdd("A", model.VersionMap{"A": 1}, person("", "bob"))),
			want: errors.ErrCodeInvalidArgument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.kind, nil)
			ok, err := f.handle(t, tt.msg)
			assert.False(t, ok)
			require.Error(t, err)
			assert.Equal(t, tt.want, errors.GetCode(err))
			assert.Equal(t, 0, f.entities.Len(), "nothing written")
		})
	}
}

func TestReferenceModeStore_ProxyMessageMetricsCarryStatusCode(t *testing.T) {
	m := metrics.NewMetrics("test", prometheus.NewRegistry())
	f := newFixture(t, refmode.KindSet, &Config{Metrics: m})

	_, err := f.handle(t, operations(callback.NoToken,
		crdt.NewAdd("A", model.VersionMap{"A": 1}, person("x", "bob"))))
	require.NoError(t, err)
	_, err = f.handle(t, operations(callback.NoToken, crdt.NewFastForward[model.RawEntity](
		model.VersionMap{}, model.VersionMap{"A": 1}, nil, nil)))
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProxyMessagesTotal.WithLabelValues("Operations", "success", "OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProxyMessagesTotal.WithLabelValues("Operations", "failure", "Unimplemented")))
}

func TestReferenceModeStore_Remove(t *testing.T) {
	f := newFixture(t, refmode.KindSet, nil)
	var a, b proxy
	aToken := f.store.On(a.callback)
	f.store.On(b.callback)

	ctx := context.Background()
	x := person("x", "bob")
	ok, err := f.handle(t, operations(aToken, crdt.NewAdd("A", model.VersionMap{"A": 1}, x)))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.handle(t, operations(aToken, crdt.NewRemove("A", model.VersionMap{"A": 1}, x)))
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Empty(t, f.container.LocalData().Values)
	rec, err := f.entities.Get(ctx, "x")
	require.NoError(t, err)
	assert.True(t, rec.Entity.IsEmpty(), "entity cleared in the backing store")
	assert.Equal(t, model.VersionMap{f.store.CrdtKey(): 2}, rec.Version)

	msgs := b.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, crdt.OpRemove, msgs[1].Operations[0].Kind)
	assert.Equal(t, "x", msgs[1].Operations[0].Value.ID)
}

func TestReferenceModeStore_SetClear(t *testing.T) {
	f := newFixture(t, refmode.KindSet, nil)
	var b proxy
	f.store.On(b.callback)

	ctx := context.Background()
	ok, err := f.handle(t, operations(callback.NoToken,
		crdt.NewAdd("A", model.VersionMap{"A": 1}, person("x", "bob")),
		crdt.NewAdd("A", model.VersionMap{"A": 2}, person("y", "alice")),
		crdt.NewClear[model.RawEntity]("A", model.VersionMap{"A": 2}),
	))
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Empty(t, f.container.LocalData().Values)
	for _, id := range []string{"x", "y"} {
		rec, err := f.entities.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, rec.Entity.IsEmpty(), id)
	}

	msgs := b.messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, crdt.OpClear, msgs[2].Operations[0].Kind)
}

func TestReferenceModeStore_ConcurrentClearKeepsUnseenEntities(t *testing.T) {
	f := newFixture(t, refmode.KindSet, nil)
	ctx := context.Background()

	ok, err := f.handle(t, operations(callback.NoToken,
		crdt.NewAdd("A", model.VersionMap{"A": 1}, person("x", "bob"))))
	require.NoError(t, err)
	require.True(t, ok)

	// B has not seen x, so its clear leaves x in place.
	ok, err = f.handle(t, operations(callback.NoToken,
		crdt.NewClear[model.RawEntity]("B", model.VersionMap{})))
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Contains(t, f.container.LocalData().Values, "x")
	rec, err := f.entities.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "bob", rec.Entity.Singletons["name"])
}

func TestReferenceModeStore_RejectedRemoveKeepsEntity(t *testing.T) {
	f := newFixture(t, refmode.KindSet, nil)
	ctx := context.Background()
	y := person("y", "alice")

	ok, err := f.handle(t, operations(callback.NoToken,
		crdt.NewAdd("A", model.VersionMap{"A": 1}, y)))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.handle(t, operations(callback.NoToken,
		crdt.NewRemove("A", model.VersionMap{"A": 9}, y)))
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Contains(t, f.container.LocalData().Values, "y")
	rec, err := f.entities.Get(ctx, "y")
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.Entity.Singletons["name"])
	assert.Equal(t, model.VersionMap{f.store.CrdtKey(): 1}, rec.Version)
}

func TestReferenceModeStore_SingletonUpdate(t *testing.T) {
	f := newFixture(t, refmode.KindSingleton, nil)
	var a, b proxy
	aToken := f.store.On(a.callback)
	f.store.On(b.callback)

	ok, err := f.handle(t, operations(aToken,
		crdt.NewUpdate("A", model.VersionMap{"A": 1}, person("x", "bob"))))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.handle(t, operations(aToken,
		crdt.NewUpdate("A", model.VersionMap{"A": 2}, person("y", "alice"))))
	require.NoError(t, err)
	require.True(t, ok)

	singleton := crdt.NewSingletonWithData(f.container.LocalData().Data)
	current, found := singleton.ConsumerView()
	require.True(t, found)
	assert.Equal(t, "y", current.ID)

	msgs := b.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, crdt.OpUpdate, msgs[1].Operations[0].Kind)
	assert.Equal(t, "alice", msgs[1].Operations[0].Value.Singletons["name"])
}

func TestReferenceModeStore_ModelUpdate(t *testing.T) {
	f := newFixture(t, refmode.KindSet, nil)
	var a, b proxy
	aToken := f.store.On(a.callback)
	f.store.On(b.callback)

	data := crdt.NewData[model.RawEntity]()
	data.Version = model.VersionMap{"A": 2}
	data.Values["x"] = crdt.DataValue[model.RawEntity]{Version: model.VersionMap{"A": 1}, Value: person("x", "bob")}
	data.Values["y"] = crdt.DataValue[model.RawEntity]{Version: model.VersionMap{"A": 2}, Value: person("y", "alice")}

	ok, err := f.handle(t, refmode.NewModelUpdate(refmode.NewData(refmode.KindSet, data), aToken))
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, 2, f.entities.Len())
	container := f.container.LocalData()
	assert.Equal(t, model.VersionMap{"A": 2}, container.Version)
	for _, id := range []string{"x", "y"} {
		require.Contains(t, container.Values, id)
		assert.Equal(t, model.VersionMap{f.store.CrdtKey(): 1}, container.Values[id].Value.Version)
	}

	// B sees the echoed model and then the merged model; A only the merged one.
	bMsgs := b.messages()
	require.Len(t, bMsgs, 2)
	for _, msg := range bMsgs {
		assert.Equal(t, refmode.MessageModelUpdate, msg.Type)
		assert.Equal(t, "alice", msg.Model.Values["y"].Value.Singletons["name"])
	}
	require.Len(t, a.messages(), 1)
}

func TestReferenceModeStore_SyncRequest(t *testing.T) {
	f := newFixture(t, refmode.KindSet, nil)
	var a, c proxy
	aToken := f.store.On(a.callback)

	ok, err := f.handle(t, operations(aToken,
		crdt.NewAdd("A", model.VersionMap{"A": 1}, person("x", "bob"))))
	require.NoError(t, err)
	require.True(t, ok)

	cToken := f.store.On(c.callback)
	ok, err = f.handle(t, refmode.NewSyncRequest[model.RawEntity](cToken))
	require.NoError(t, err)
	assert.True(t, ok)

	msgs := c.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, refmode.MessageModelUpdate, msgs[0].Type)
	assert.Equal(t, cToken, msgs[0].ID)
	assert.Equal(t, "bob", msgs[0].Model.Values["x"].Value.Singletons["name"])
	assert.Empty(t, a.messages())
}

func TestReferenceModeStore_SyncTimeoutClearsContainer(t *testing.T) {
	entities := store.NewMemoryStore(nil)
	container := NewContainerStore(refmode.KindSet, containerKey, nil, nil)
	backing := store.NewBackingStore(entities, &store.BackingStoreConfig{StorageKey: backingKey})

	// The container refers to an entity the backing store never received.
	orphan := crdt.NewData[model.Reference]()
	orphan.Version = model.VersionMap{"W": 1}
	orphan.Values["x"] = crdt.DataValue[model.Reference]{
		Version: model.VersionMap{"W": 1},
		Value:   ref("x", model.VersionMap{"W": 1}),
	}
	_, err := container.OnProxyMessage(context.Background(),
		refmode.NewModelUpdate(refmode.NewData(refmode.KindSet, orphan), callback.NoToken))
	require.NoError(t, err)

	s := NewReferenceModeStore(container, backing, &Config{SyncTimeout: 20 * time.Millisecond})
	var p proxy
	token := s.On(p.callback)

	ok, err := s.OnProxyMessage(context.Background(), refmode.NewSyncRequest[model.RawEntity](token))
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, s.Idle(context.Background()))

	assert.Empty(t, container.LocalData().Values)
	msgs := p.messages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, refmode.MessageModelUpdate, msgs[0].Type)
	assert.Empty(t, msgs[0].Model.Values)
	assert.Equal(t, 0, s.PendingSends())
}

func TestReferenceModeStore_ConcurrentProxies(t *testing.T) {
	f := newFixture(t, refmode.KindSet, nil)
	var observer proxy
	f.store.On(observer.callback)

	const writers = 20
	var g errgroup.Group
	for i := 0; i < writers; i++ {
		g.Go(func() error {
			actor := fmt.Sprintf("A%d", i)
			ok, err := f.store.OnProxyMessage(context.Background(), operations(callback.NoToken,
				crdt.NewAdd(actor, model.VersionMap{actor: 1}, person(fmt.Sprintf("e%d", i), actor))))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("operation from %s rejected", actor)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, f.store.Idle(context.Background()))

	assert.Len(t, f.container.LocalData().Values, writers)
	assert.Equal(t, writers, f.entities.Len())
	assert.Len(t, observer.messages(), writers)
}

func TestReferenceModeStore_Close(t *testing.T) {
	f := newFixture(t, refmode.KindSet, nil)
	require.NoError(t, f.store.Close(context.Background()))
	require.NoError(t, f.store.Close(context.Background()))

	ok, err := f.store.OnProxyMessage(context.Background(), refmode.NewSyncRequest[model.RawEntity](1))
	assert.False(t, ok)
	assert.ErrorIs(t, err, errors.ErrClosed)
}
