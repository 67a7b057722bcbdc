package store

import (
	"context"
	"errors"
	"time"

	"github.com/devrev/pairdb/refstore/internal/callback"
	refErrors "github.com/devrev/pairdb/refstore/internal/errors"
	"github.com/devrev/pairdb/refstore/internal/metrics"
	"github.com/devrev/pairdb/refstore/internal/model"
	"github.com/devrev/pairdb/refstore/internal/util/syncutil"
	"github.com/devrev/pairdb/refstore/internal/util/workerpool"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Confirmation is sent to backing store observers with the entity id as mux id: the
// entity is now durably stored at Version
type Confirmation = model.VersionMap

// BackingStoreConfig holds backing store configuration
type BackingStoreConfig struct {
	StorageKey model.StorageKey
	// Pool runs durable writes in the background; nil writes in the caller's goroutine
	Pool    *workerpool.WorkerPool
	Cache   *EntityCache
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// writeSlot serializes durable writes of one entity. current is being written; next is
// the newest write that arrived meanwhile and replaces any older waiting one.
type writeSlot struct {
	current *Record
	next    *Record
}

type backingState struct {
	confirmed map[model.ReferenceID]model.VersionMap
	slots     map[model.ReferenceID]*writeSlot
	waiters   []chan struct{}
	closed    bool
}

// BackingStore owns the entity values behind every reference. Writes land in the local
// cache immediately and in the EntityStore synchronously or through the worker pool; once
// a write is durable its version is recorded as confirmed and observers are notified.
type BackingStore struct {
	key       model.StorageKey
	store     EntityStore
	cache     *EntityCache
	pool      *workerpool.WorkerPool
	callbacks *callback.Registry[Confirmation]
	state     *syncutil.Guard[backingState]
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewBackingStore wraps an entity store
func NewBackingStore(store EntityStore, cfg *BackingStoreConfig) *BackingStore {
	if cfg == nil {
		cfg = &BackingStoreConfig{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cache := cfg.Cache
	if cache == nil {
		cache = NewEntityCache(nil, logger)
	}
	return &BackingStore{
		key:       cfg.StorageKey,
		store:     store,
		cache:     cache,
		pool:      cfg.Pool,
		callbacks: callback.NewRegistry[Confirmation]("backing", nil, logger),
		state: syncutil.NewGuard(backingState{
			confirmed: make(map[model.ReferenceID]model.VersionMap),
			slots:     make(map[model.ReferenceID]*writeSlot),
		}),
		metrics: cfg.Metrics,
		logger:  logger,
	}
}

// StorageKey returns the location references to this store carry
func (b *BackingStore) StorageKey() model.StorageKey {
	return b.key
}

// On registers an observer for confirmations. The mux id is the entity id.
func (b *BackingStore) On(cb callback.MuxCallback[Confirmation]) int {
	return b.callbacks.RegisterMultiplexed(cb)
}

// Off unregisters an observer
func (b *BackingStore) Off(token int) {
	b.callbacks.Unregister(token)
}

// Write stores entity at version. Without a pool the returned error is the durable write's
// and a failed write is dropped from the local cache; with a pool it reports a closed store
// or a submit that gave up, and write failures surface in logs and metrics.
func (b *BackingStore) Write(ctx context.Context, entity model.RawEntity, version model.VersionMap) error {
	rec := &Record{Entity: entity.Copy(), Version: version.Copy(), UpdatedAt: time.Now()}
	b.cache.Put(rec)
	b.updateCacheMetrics()

	if b.pool == nil {
		if b.isClosed() {
			return refErrors.Closed("backing store")
		}
		if err := b.persist(ctx, rec); err != nil {
			// The local copy must not outlive a write that never landed.
			b.cache.Remove(rec.Entity.ID)
			b.updateCacheMetrics()
			return err
		}
		return nil
	}
	return b.enqueueWrite(ctx, rec)
}

// Clear empties the entity's fields at version
func (b *BackingStore) Clear(ctx context.Context, id model.ReferenceID, version model.VersionMap) error {
	return b.Write(ctx, model.NewRawEntity(id), version)
}

func (b *BackingStore) persist(ctx context.Context, rec *Record) error {
	start := time.Now()
	err := b.store.Put(ctx, rec)
	b.metrics.RecordBackingWrite(err == nil, time.Since(start).Seconds())
	if err != nil {
		b.logger.Error("Backing write failed",
			zap.String("entity_id", rec.Entity.ID),
			zap.String("version", rec.Version.String()),
			zap.Error(err))
		return refErrors.BackingStoreFailed(rec.Entity.ID, err)
	}

	confirmed := syncutil.Extract(b.state, func(s *backingState) model.VersionMap {
		v, ok := s.confirmed[rec.Entity.ID]
		if !ok {
			v = model.VersionMap{}
			s.confirmed[rec.Entity.ID] = v
		}
		v.MergeInPlace(rec.Version)
		return v.Copy()
	})

	b.logger.Debug("Backing write confirmed",
		zap.String("entity_id", rec.Entity.ID),
		zap.String("version", confirmed.String()))
	b.callbacks.SendMultiplexed(confirmed, rec.Entity.ID, callback.NoToken)
	return nil
}

func (b *BackingStore) enqueueWrite(ctx context.Context, rec *Record) error {
	id := rec.Entity.ID
	var closed bool
	start := syncutil.Extract(b.state, func(s *backingState) bool {
		if s.closed {
			closed = true
			return false
		}
		if slot, ok := s.slots[id]; ok {
			slot.next = rec
			return false
		}
		s.slots[id] = &writeSlot{current: rec}
		return true
	})
	if closed {
		return refErrors.Closed("backing store")
	}
	if !start {
		return nil
	}

	task := workerpool.Task{
		ID:      id,
		Context: context.WithoutCancel(ctx),
		Fn:      func(ctx context.Context) error { return b.runWrites(ctx, id) },
	}
	if err := b.pool.SubmitWithContext(ctx, task); err != nil {
		// The slot is already claimed, so it is drained here rather than left behind.
		b.logger.Warn("Write pool did not take task, writing inline",
			zap.String("entity_id", id),
			zap.Error(err))
		return b.runWrites(task.Context, id)
	}
	return nil
}

// runWrites drains the write slot for id, newest write last
func (b *BackingStore) runWrites(ctx context.Context, id model.ReferenceID) error {
	var errs error
	for {
		rec := syncutil.Extract(b.state, func(s *backingState) *Record {
			return s.slots[id].current
		})
		errs = multierr.Append(errs, b.persist(ctx, rec))

		var waiters []chan struct{}
		done := syncutil.Extract(b.state, func(s *backingState) bool {
			slot := s.slots[id]
			if slot.next != nil {
				slot.current, slot.next = slot.next, nil
				return false
			}
			delete(s.slots, id)
			if len(s.slots) == 0 {
				waiters, s.waiters = s.waiters, nil
			}
			return true
		})
		for _, w := range waiters {
			close(w)
		}
		if done {
			return errs
		}
	}
}

// Local returns the newest known copy of id: a pending write, the cache, then the durable
// store. It returns ErrNotFound when the entity was never written.
func (b *BackingStore) Local(ctx context.Context, id model.ReferenceID) (*Record, error) {
	pending := syncutil.Extract(b.state, func(s *backingState) *Record {
		slot, ok := s.slots[id]
		if !ok {
			return nil
		}
		if slot.next != nil {
			return slot.next.Copy()
		}
		return slot.current.Copy()
	})
	if pending != nil {
		b.metrics.RecordBackingLoad("pending")
		return pending, nil
	}

	if rec, ok := b.cache.Get(id); ok {
		b.metrics.RecordBackingLoad("cache")
		return rec, nil
	}

	rec, err := b.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		b.metrics.RecordBackingLoad("missing")
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, refErrors.Unavailable("failed to load entity "+id, err)
	}
	b.metrics.RecordBackingLoad("store")

	b.cache.Put(rec)
	b.state.Do(func(s *backingState) {
		v, ok := s.confirmed[id]
		if !ok {
			v = model.VersionMap{}
			s.confirmed[id] = v
		}
		v.MergeInPlace(rec.Version)
	})
	return rec, nil
}

// ConfirmedVersion returns the newest durably written version of id, empty if none
func (b *BackingStore) ConfirmedVersion(id model.ReferenceID) model.VersionMap {
	return syncutil.Extract(b.state, func(s *backingState) model.VersionMap {
		return s.confirmed[id].Copy()
	})
}

// ClearCache drops the local copies; durable data is untouched
func (b *BackingStore) ClearCache() {
	b.cache.Clear()
	b.updateCacheMetrics()
}

// Idle waits until no durable write is pending
func (b *BackingStore) Idle(ctx context.Context) error {
	wait := syncutil.Extract(b.state, func(s *backingState) chan struct{} {
		if len(s.slots) == 0 {
			return nil
		}
		w := make(chan struct{})
		s.waiters = append(s.waiters, w)
		return w
	})
	if wait == nil {
		return nil
	}
	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects new writes, waits for pending ones and closes the entity store
func (b *BackingStore) Close(ctx context.Context) error {
	b.state.Do(func(s *backingState) { s.closed = true })
	err := b.Idle(ctx)
	return multierr.Append(err, b.store.Close())
}

// Ping checks the entity store
func (b *BackingStore) Ping(ctx context.Context) error {
	return b.store.Ping(ctx)
}

func (b *BackingStore) isClosed() bool {
	return syncutil.Extract(b.state, func(s *backingState) bool { return s.closed })
}

func (b *BackingStore) updateCacheMetrics() {
	if b.metrics == nil {
		return
	}
	stats := b.cache.Stats()
	b.metrics.UpdateCacheStats(stats.Size, stats.EntryCount, stats.Evictions)
}
