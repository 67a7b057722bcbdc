// Package service contains the container store and the reference-mode store that keeps it
// consistent with the backing store.
package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/refstore/internal/callback"
	"github.com/devrev/pairdb/refstore/internal/crdt"
	"github.com/devrev/pairdb/refstore/internal/errors"
	"github.com/devrev/pairdb/refstore/internal/metrics"
	"github.com/devrev/pairdb/refstore/internal/model"
	"github.com/devrev/pairdb/refstore/internal/queue"
	"github.com/devrev/pairdb/refstore/internal/refmode"
	"github.com/devrev/pairdb/refstore/internal/store"
	"github.com/devrev/pairdb/refstore/internal/util/syncutil"
	"github.com/devrev/pairdb/refstore/internal/validation"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultSyncTimeout bounds how long a sync request waits for the backing store before
	// the container is assumed corrupt and cleared
	DefaultSyncTimeout = 30 * time.Second

	// DefaultModelUpdateConcurrency bounds concurrent backing writes for one model update
	DefaultModelUpdateConcurrency = 8
)

// Config holds reference-mode store configuration
type Config struct {
	SyncTimeout            time.Duration
	ModelUpdateConcurrency int
	// Tokens generates proxy callback tokens; nil uses RandomTokens salted with the store key
	Tokens    callback.TokenGenerator
	Validator *validation.Validator
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// ReferenceModeStore presents a container of entities to storage proxies while keeping only
// references in the container and the entities themselves in the backing store.
//
// Proxy messages, and container notifications, are handled one at a time on a receive queue.
// OnProxyMessage returns once its own message was handled; the deliveries it caused may
// still be queued, and Idle waits for them. Outbound messages go through a send queue that holds back any message whose references
// are not yet confirmed by the backing store.
//
// Callbacks registered with On run on whichever goroutine delivers the message and must not
// call OnProxyMessage on the same store synchronously.
type ReferenceModeStore struct {
	key        model.ReferenceModeStorageKey
	kind       refmode.ContainerKind
	crdtKey    model.Actor
	clearActor model.Actor

	container      *ContainerStore
	containerToken int
	backing        *store.BackingStore
	backingToken   int

	callbacks *callback.Registry[refmode.EntityMessage]
	receive   *queue.OperationQueue
	send      *queue.SendQueue
	versions  *syncutil.Guard[map[model.ReferenceID]int64]
	validator *validation.Validator

	syncTimeout time.Duration
	concurrency int
	closed      atomic.Bool

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewReferenceModeStore wires a reference-mode store on top of a container and a backing store
func NewReferenceModeStore(container *ContainerStore, backing *store.BackingStore, cfg *Config) *ReferenceModeStore {
	if cfg == nil {
		cfg = &Config{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	key := model.ReferenceModeStorageKey{BackingKey: backing.StorageKey(), StorageKey: container.StorageKey()}
	logger = logger.With(zap.String("storage_key", key.String()))

	syncTimeout := cfg.SyncTimeout
	if syncTimeout <= 0 {
		syncTimeout = DefaultSyncTimeout
	}
	concurrency := cfg.ModelUpdateConcurrency
	if concurrency <= 0 {
		concurrency = DefaultModelUpdateConcurrency
	}
	tokens := cfg.Tokens
	if tokens == nil {
		tokens = callback.RandomTokens(key.String(), nil)
	}
	validator := cfg.Validator
	if validator == nil {
		validator = validation.NewValidator()
	}

	crdtKey := uuid.NewString()
	var r *ReferenceModeStore
	// Proxy tokens travel to the container as message IDs, which the container excludes
	// from notification; a proxy must never share the store's own container token.
	tokens = callback.Excluding(tokens, func() int { return r.containerToken })
	r = &ReferenceModeStore{
		key:         key,
		kind:        container.Kind(),
		crdtKey:     crdtKey,
		clearActor:  fmt.Sprintf("ReferenceModeStore(%s)", crdtKey),
		container:   container,
		backing:     backing,
		callbacks:   callback.NewRegistry[refmode.EntityMessage]("reference", tokens, logger),
		send:        queue.NewSendQueue(&queue.SendQueueConfig{HoldOptions: []queue.HoldOption{queue.RetainUnsatisfied()}, Logger: logger}),
		versions:    syncutil.NewGuard(make(map[model.ReferenceID]int64)),
		validator:   validator,
		syncTimeout: syncTimeout,
		concurrency: concurrency,
		metrics:     cfg.Metrics,
		logger:      logger,
	}
	r.receive = queue.NewOperationQueue("reference-mode", logger, queue.WithOnEmpty(func(context.Context) error {
		r.releaseCaches()
		return nil
	}))

	r.containerToken = container.On(func(msg refmode.ReferenceMessage) bool {
		r.enqueueContainerMessage(msg)
		return true
	})
	// Confirmations bypass the receive queue: a sync request blocks that queue while it
	// waits for them.
	r.backingToken = backing.On(func(version store.Confirmation, id string) bool {
		if err := r.send.NotifyReferenceHold(id, version); err != nil {
			r.logger.Warn("Released send failed", zap.String("reference_id", id), zap.Error(err))
		}
		return true
	})

	logger.Info("Reference-mode store created",
		zap.String("kind", r.kind.String()),
		zap.String("crdt_key", crdtKey))
	return r
}

// StorageKey returns the combined backing and container key
func (r *ReferenceModeStore) StorageKey() model.ReferenceModeStorageKey {
	return r.key
}

// CrdtKey returns the actor used for synthesized backing-store versions
func (r *ReferenceModeStore) CrdtKey() model.Actor {
	return r.crdtKey
}

// On registers a storage proxy callback and returns its token
func (r *ReferenceModeStore) On(cb callback.Callback[refmode.EntityMessage]) int {
	token := r.callbacks.Register(cb)
	r.metrics.UpdateCallbacks(r.callbacks.Len())
	return token
}

// Off unregisters a storage proxy callback. Once the last proxy is gone and no message is
// queued, local entity copies are dropped.
func (r *ReferenceModeStore) Off(token int) {
	r.callbacks.Unregister(token)
	r.metrics.UpdateCallbacks(r.callbacks.Len())
	if r.receive.Len() == 0 {
		r.releaseCaches()
	}
}

func (r *ReferenceModeStore) releaseCaches() {
	if r.callbacks.HasBecomeEmpty() {
		r.backing.ClearCache()
	}
}

// OnProxyMessage handles a message from a storage proxy and returns false when the proxy
// should request a sync: some operation was rejected by the container.
func (r *ReferenceModeStore) OnProxyMessage(ctx context.Context, msg refmode.EntityMessage) (bool, error) {
	start := time.Now()
	accepted, err := r.onProxyMessage(ctx, msg)
	code := errors.GRPCCode(err)
	r.metrics.RecordProxyMessage(msg.Type.String(), accepted && err == nil, code.String(), time.Since(start).Seconds())
	if err != nil {
		r.logger.Warn("Proxy message failed",
			zap.String("message", msg.String()),
			zap.Stringer("code", code),
			zap.Error(err))
	}
	return accepted, err
}

func (r *ReferenceModeStore) onProxyMessage(ctx context.Context, msg refmode.EntityMessage) (bool, error) {
	if r.closed.Load() {
		return false, errors.Closed("reference-mode store")
	}
	if err := refmode.Sanitize(msg, r.kind); err != nil {
		return false, err
	}
	if err := r.validator.ValidateMessage(msg); err != nil {
		return false, err
	}

	r.logger.Debug("Proxy message", zap.String("message", msg.String()))
	return queue.EnqueueAndWait(ctx, r.receive, func(ctx context.Context) (bool, error) {
		return r.handleProxyMessage(ctx, msg)
	})
}

// handleProxyMessage writes entities to the backing store first and then updates the
// container with references pinned to the written versions
func (r *ReferenceModeStore) handleProxyMessage(ctx context.Context, msg refmode.EntityMessage) (bool, error) {
	switch msg.Type {
	case refmode.MessageOperations:
		return r.handleProxyOperations(ctx, msg)
	case refmode.MessageModelUpdate:
		return r.handleProxyModel(ctx, msg)
	case refmode.MessageSyncRequest:
		return r.handleSyncRequest(ctx, msg)
	default:
		return false, errors.InvalidArgument("unknown message type "+msg.Type.String(), nil)
	}
}

func (r *ReferenceModeStore) handleProxyOperations(ctx context.Context, msg refmode.EntityMessage) (bool, error) {
	ops, err := refmode.ToBridgingOps(msg.Operations, r.kind, r.key.BackingKey)
	if err != nil {
		return false, err
	}

	for _, op := range ops {
		// The backing store is only touched for ops the container will take, and a clear
		// only empties the entities the container actually drops.
		accepted, removed := r.container.DryRun(op.ContainerOp)
		if !accepted {
			r.metrics.RecordContainerOp(false)
			r.logger.Warn("Container would reject operation",
				zap.Int("callback_id", msg.ID),
				zap.String("operation", op.ContainerOp.String()))
			return false, nil
		}
		op, err := r.updateBacking(ctx, op, removed)
		if err != nil {
			return false, err
		}
		containerMsg := refmode.NewOperations([]crdt.Operation[model.Reference]{op.ContainerOp}, msg.ID)
		ok, err := r.container.OnProxyMessage(ctx, containerMsg)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// updateBacking performs the backing-store half of op and returns op with its reference
// pinned to the written version. removed lists the references the container drops for op.
func (r *ReferenceModeStore) updateBacking(ctx context.Context, op refmode.BridgingOperation, removed []model.ReferenceID) (refmode.BridgingOperation, error) {
	switch op.Kind() {
	case crdt.OpUpdate:
		// A singleton holds one entity; the previous one is no longer needed locally.
		r.backing.ClearCache()
		version, err := r.writeEntity(ctx, *op.EntityValue)
		return op.Pinned(version), err
	case crdt.OpAdd:
		version, err := r.writeEntity(ctx, *op.EntityValue)
		return op.Pinned(version), err
	case crdt.OpRemove:
		version, err := r.clearEntity(ctx, op.EntityValue.ID)
		return op.Pinned(version), err
	case crdt.OpClear:
		if op.IsSetClear() {
			return op, r.clearEntities(ctx, removed)
		}
		r.backing.ClearCache()
		return op, nil
	default:
		return op, errors.UnsupportedOperation(op.Kind().String(), "not a reference-mode operation")
	}
}

func (r *ReferenceModeStore) writeEntity(ctx context.Context, entity model.RawEntity) (model.VersionMap, error) {
	version := r.entityVersion(entity.ID)
	return version, r.backing.Write(ctx, entity, version)
}

func (r *ReferenceModeStore) clearEntity(ctx context.Context, id model.ReferenceID) (model.VersionMap, error) {
	version := r.entityVersion(id)
	return version, r.backing.Clear(ctx, id, version)
}

// clearEntities clears the given entities in the backing store
func (r *ReferenceModeStore) clearEntities(ctx context.Context, ids []model.ReferenceID) error {
	var errs error
	for _, id := range ids {
		_, err := r.clearEntity(ctx, id)
		errs = multierr.Append(errs, err)
	}
	return errs
}

// entityVersion synthesizes the next backing-store version of id under the store's own actor
func (r *ReferenceModeStore) entityVersion(id model.ReferenceID) model.VersionMap {
	counter := syncutil.Extract(r.versions, func(versions *map[model.ReferenceID]int64) int64 {
		(*versions)[id]++
		return (*versions)[id]
	})
	return model.VersionMap{r.crdtKey: counter}
}

func (r *ReferenceModeStore) handleProxyModel(ctx context.Context, msg refmode.EntityMessage) (bool, error) {
	versions := make(map[model.ReferenceID]model.VersionMap, len(msg.Model.Values))
	for id := range msg.Model.Values {
		versions[id] = r.entityVersion(id)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for id, dv := range msg.Model.Values {
		entity, version := dv.Value, versions[id]
		g.Go(func() error {
			return r.backing.Write(gctx, entity, version)
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}

	refData := refmode.ToReferenceData(msg.Model, r.key.BackingKey, func(entity model.RawEntity) model.VersionMap {
		return versions[entity.ID]
	})
	if _, err := r.container.OnProxyMessage(ctx, refmode.NewModelUpdate(refData, msg.ID)); err != nil {
		return false, err
	}

	echo := refmode.NewModelUpdate(msg.Model.Copy(), msg.ID)
	r.metrics.RecordSend(false)
	r.logDeliveryError(r.send.Enqueue(func() error {
		r.callbacks.Send(echo, msg.ID)
		return nil
	}))
	return true, nil
}

// handleSyncRequest answers the requesting proxy with the full entity model. If the
// references it needs are not confirmed within the sync timeout the backing store is
// assumed corrupt: the container is cleared and the sync retried once.
func (r *ReferenceModeStore) handleSyncRequest(ctx context.Context, msg refmode.EntityMessage) (bool, error) {
	sendCtx := context.WithoutCancel(ctx)
	for attempt := 0; ; attempt++ {
		data := r.container.LocalData()
		sender := func() error {
			cb := r.callbacks.GetCallback(msg.ID)
			if cb == nil {
				r.logger.Debug("Sync requester is gone", zap.Int("callback_id", msg.ID))
				return nil
			}
			cb(refmode.NewModelUpdate(r.entityModel(sendCtx, data), msg.ID), "")
			return nil
		}

		pending := r.pendingReferences(ctx, data)
		if len(pending) == 0 {
			r.metrics.RecordSend(false)
			r.logDeliveryError(r.send.Enqueue(sender))
			return true, nil
		}

		p := r.enqueueBlocking(pending, sender)
		timer := time.NewTimer(r.syncTimeout)
		select {
		case <-p.Done():
			timer.Stop()
			return true, nil
		case <-ctx.Done():
			timer.Stop()
			if p.Cancel() {
				r.metrics.RecordHoldAbandoned()
			}
			return false, ctx.Err()
		case <-timer.C:
		}

		if !p.Cancel() {
			// Released just as the timer fired.
			<-p.Done()
			return true, nil
		}
		r.metrics.RecordHoldAbandoned()
		r.metrics.RecordSyncTimeout()

		if attempt > 0 {
			return false, errors.SyncTimeout(len(pending))
		}
		r.logger.Info("Sync request timed out, backing store is likely corrupted; clearing container",
			zap.Duration("timeout", r.syncTimeout),
			zap.Int("pending", len(pending)))
		if err := r.clearContainer(ctx, data.Version); err != nil {
			return false, err
		}
	}
}

// clearContainer drops every container entry seen by clock
func (r *ReferenceModeStore) clearContainer(ctx context.Context, clock model.VersionMap) error {
	op := crdt.NewClear[model.Reference](r.clearActor, clock)
	r.logger.Debug("Clearing container", zap.String("operation", op.String()))
	_, err := r.container.OnProxyMessage(ctx, refmode.NewOperations([]crdt.Operation[model.Reference]{op}, callback.NoToken))
	return err
}

// enqueueContainerMessage queues a container notification behind the message that caused it
func (r *ReferenceModeStore) enqueueContainerMessage(msg refmode.ReferenceMessage) {
	err := r.receive.Enqueue(context.Background(), func(ctx context.Context) error {
		return r.handleContainerMessage(ctx, msg)
	})
	if err != nil {
		r.logger.Warn("Container message handling failed", zap.Error(err))
	}
}

// handleContainerMessage forwards container changes to the proxies, holding back anything
// that refers to an entity the backing store has not confirmed yet
func (r *ReferenceModeStore) handleContainerMessage(ctx context.Context, msg refmode.ReferenceMessage) error {
	sendCtx := context.WithoutCancel(ctx)

	switch msg.Type {
	case refmode.MessageOperations:
		for _, op := range msg.Operations {
			deliver := r.operationSender(sendCtx, op, msg.ID)
			if ref, gated := gatedReference(op); gated && refmode.IsPending(ref, r.confirmedVersion(ctx, ref.ID)) {
				r.enqueueBlocking([]model.Reference{ref}, deliver)
				continue
			}
			r.metrics.RecordSend(false)
			r.logDeliveryError(r.send.Enqueue(deliver))
		}
	case refmode.MessageModelUpdate:
		data := msg.Model
		sender := func() error {
			r.callbacks.Send(refmode.NewModelUpdate(r.entityModel(sendCtx, data), msg.ID), callback.NoToken)
			return nil
		}
		if pending := r.pendingReferences(ctx, data); len(pending) > 0 {
			r.enqueueBlocking(pending, sender)
			return nil
		}
		r.metrics.RecordSend(false)
		r.logDeliveryError(r.send.Enqueue(sender))
	case refmode.MessageSyncRequest:
		r.metrics.RecordSend(false)
		r.logDeliveryError(r.send.Enqueue(func() error {
			r.callbacks.Send(refmode.NewSyncRequest[model.RawEntity](msg.ID), callback.NoToken)
			return nil
		}))
	}
	return nil
}

// gatedReference returns the reference an op must not be delivered before. Removals are
// never held back: the proxy only needs the id.
func gatedReference(op crdt.Operation[model.Reference]) (model.Reference, bool) {
	switch op.Kind {
	case crdt.OpAdd, crdt.OpUpdate:
		return op.Value, true
	default:
		return model.Reference{}, false
	}
}

// operationSender delivers op to every proxy but from, resolving its entity at send time
func (r *ReferenceModeStore) operationSender(ctx context.Context, op crdt.Operation[model.Reference], from int) queue.Action {
	return func() error {
		var value *model.RawEntity
		if op.Kind.HasValue() {
			rec, err := r.backing.Local(ctx, op.Value.ID)
			switch {
			case err == nil:
				value = &rec.Entity
			case stderrors.Is(err, store.ErrNotFound) && op.Kind == crdt.OpRemove:
				empty := model.NewRawEntity(op.Value.ID)
				value = &empty
			case stderrors.Is(err, store.ErrNotFound):
				return errors.EntityNotFound(op.Value.ID)
			default:
				return err
			}
		}

		b, err := refmode.ToBridgingOp(op, r.kind, value)
		if err != nil {
			return err
		}
		r.callbacks.Send(refmode.NewOperations([]crdt.Operation[model.RawEntity]{b.EntityOp}, from), from)
		return nil
	}
}

// enqueueBlocking holds action until every ref is confirmed
func (r *ReferenceModeStore) enqueueBlocking(refs []model.Reference, action queue.Action) *queue.Pending {
	r.metrics.RecordSend(true)
	p, err := r.send.EnqueueBlocking(refs, func() error {
		r.metrics.RecordHoldRelease()
		return action()
	})
	r.logDeliveryError(err)

	r.logger.Debug("Send held for references",
		zap.String("block_id", p.BlockID()),
		zap.Int("references", len(refs)))

	// A confirmation may have arrived between the pending check and the hold.
	for _, ref := range refs {
		if confirmed := r.backing.ConfirmedVersion(ref.ID); !confirmed.IsEmpty() {
			r.logDeliveryError(r.send.NotifyReferenceHold(ref.ID, confirmed))
		}
	}
	return p
}

// confirmedVersion returns the backing store's confirmed version of id, loading it from the
// durable store when nothing is known locally
func (r *ReferenceModeStore) confirmedVersion(ctx context.Context, id model.ReferenceID) model.VersionMap {
	version := r.backing.ConfirmedVersion(id)
	if !version.IsEmpty() {
		return version
	}
	if _, err := r.backing.Local(ctx, id); err != nil && !stderrors.Is(err, store.ErrNotFound) {
		r.logger.Warn("Failed to load entity", zap.String("reference_id", id), zap.Error(err))
	}
	return r.backing.ConfirmedVersion(id)
}

func (r *ReferenceModeStore) pendingReferences(ctx context.Context, data *refmode.Data[model.Reference]) []model.Reference {
	return refmode.PendingReferences(data, func(id model.ReferenceID) model.VersionMap {
		return r.confirmedVersion(ctx, id)
	})
}

// entityModel resolves every reference in data through the backing store
func (r *ReferenceModeStore) entityModel(ctx context.Context, data *refmode.Data[model.Reference]) *refmode.Data[model.RawEntity] {
	return refmode.ToEntityData(data, func(id model.ReferenceID) (model.RawEntity, bool) {
		rec, err := r.backing.Local(ctx, id)
		if err != nil {
			return model.RawEntity{}, false
		}
		return rec.Entity, true
	})
}

func (r *ReferenceModeStore) logDeliveryError(err error) {
	if err != nil {
		r.logger.Warn("Send to proxies failed", zap.Error(err))
	}
}

// PendingSends returns the number of sends held back for unconfirmed references
func (r *ReferenceModeStore) PendingSends() int {
	return r.send.PendingHolds()
}

// Idle waits until every queued message is handled and every backing write is durable
func (r *ReferenceModeStore) Idle(ctx context.Context) error {
	if err := r.receive.Idle(ctx); err != nil {
		return err
	}
	if err := r.backing.Idle(ctx); err != nil {
		return err
	}
	return r.container.Idle(ctx)
}

// Close stops accepting proxy messages, detaches from the container and backing store and
// waits for in-flight work. The container and backing store stay open.
func (r *ReferenceModeStore) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := r.Idle(ctx)
	r.container.Off(r.containerToken)
	r.backing.Off(r.backingToken)

	if pending := r.send.PendingHolds(); pending > 0 {
		r.logger.Warn("Closing with held sends", zap.Int("pending", pending))
	}
	r.logger.Info("Reference-mode store closed")
	return err
}
