package service

import (
	"context"

	"github.com/devrev/pairdb/refstore/internal/callback"
	"github.com/devrev/pairdb/refstore/internal/crdt"
	"github.com/devrev/pairdb/refstore/internal/errors"
	"github.com/devrev/pairdb/refstore/internal/metrics"
	"github.com/devrev/pairdb/refstore/internal/model"
	"github.com/devrev/pairdb/refstore/internal/refmode"
	"github.com/devrev/pairdb/refstore/internal/util/syncutil"
	"go.uber.org/zap"
)

// referenceModel is the part of crdt.Set and crdt.Singleton the container drives
type referenceModel interface {
	ApplyOperation(op crdt.Operation[model.Reference]) bool
	DryRun(op crdt.Operation[model.Reference]) (bool, []model.ReferenceID)
	Merge(other crdt.Data[model.Reference]) crdt.MergeChanges[model.Reference]
	Data() crdt.Data[model.Reference]
}

// ContainerStore holds the references of a reference-mode store in a Set or Singleton CRDT
// and tells its observers about every change
type ContainerStore struct {
	kind      refmode.ContainerKind
	key       model.StorageKey
	model     *syncutil.Guard[referenceModel]
	callbacks *callback.Registry[refmode.ReferenceMessage]
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewContainerStore creates an empty container of the given kind
func NewContainerStore(kind refmode.ContainerKind, key model.StorageKey, m *metrics.Metrics, logger *zap.Logger) *ContainerStore {
	if logger == nil {
		logger = zap.NewNop()
	}

	var crdtModel referenceModel
	if kind == refmode.KindSingleton {
		crdtModel = crdt.NewSingleton[model.Reference]()
	} else {
		crdtModel = crdt.NewSet[model.Reference]()
	}

	return &ContainerStore{
		kind:      kind,
		key:       key,
		model:     syncutil.NewGuard(crdtModel),
		callbacks: callback.NewRegistry[refmode.ReferenceMessage]("container", callback.MonotonicTokens(), logger),
		metrics:   m,
		logger:    logger.With(zap.String("storage_key", string(key))),
	}
}

// Kind returns whether the container is a Set or a Singleton
func (c *ContainerStore) Kind() refmode.ContainerKind {
	return c.kind
}

// StorageKey returns the container location
func (c *ContainerStore) StorageKey() model.StorageKey {
	return c.key
}

// On registers an observer and returns its token
func (c *ContainerStore) On(cb callback.Callback[refmode.ReferenceMessage]) int {
	return c.callbacks.Register(cb)
}

// Off unregisters an observer
func (c *ContainerStore) Off(token int) {
	c.callbacks.Unregister(token)
}

// LocalData returns a copy of the container data
func (c *ContainerStore) LocalData() *refmode.Data[model.Reference] {
	data := syncutil.Extract(c.model, func(m *referenceModel) crdt.Data[model.Reference] {
		return (*m).Data()
	})
	return refmode.NewData(c.kind, data)
}

// DryRun reports whether the container would accept op right now and which references it
// would drop, without applying it
func (c *ContainerStore) DryRun(op crdt.Operation[model.Reference]) (bool, []model.ReferenceID) {
	var removed []model.ReferenceID
	accepted := syncutil.Extract(c.model, func(m *referenceModel) bool {
		var ok bool
		ok, removed = (*m).DryRun(op)
		return ok
	})
	return accepted, removed
}

// OnProxyMessage applies msg. Operations are applied in order and stop at the first
// rejected one; accepted operations are forwarded to every observer except msg.ID. The
// result is false when an operation was rejected.
func (c *ContainerStore) OnProxyMessage(ctx context.Context, msg refmode.ReferenceMessage) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	switch msg.Type {
	case refmode.MessageOperations:
		return c.applyOperations(msg), nil
	case refmode.MessageModelUpdate:
		if msg.Model == nil {
			return false, errors.MissingValue(refmode.MessageModelUpdate.String())
		}
		if msg.Model.Kind != c.kind {
			return false, errors.InvalidStoreType(c.kind.String(), msg.Model.Kind.String())
		}
		c.mergeModel(msg)
		return true, nil
	case refmode.MessageSyncRequest:
		cb := c.callbacks.GetCallback(msg.ID)
		if cb == nil {
			c.logger.Warn("Sync request from unknown callback", zap.Int("callback_id", msg.ID))
			return false, nil
		}
		return cb(refmode.NewModelUpdate(c.LocalData(), msg.ID), ""), nil
	default:
		return false, errors.InvalidArgument("unknown message type "+msg.Type.String(), nil)
	}
}

func (c *ContainerStore) applyOperations(msg refmode.ReferenceMessage) bool {
	applied := make([]crdt.Operation[model.Reference], 0, len(msg.Operations))
	accepted := syncutil.Extract(c.model, func(m *referenceModel) bool {
		for _, op := range msg.Operations {
			if !(*m).ApplyOperation(op) {
				return false
			}
			applied = append(applied, op)
		}
		return true
	})

	for range applied {
		c.metrics.RecordContainerOp(true)
	}
	if !accepted {
		c.metrics.RecordContainerOp(false)
		c.logger.Warn("Container rejected operation",
			zap.Int("callback_id", msg.ID),
			zap.String("operation", msg.Operations[len(applied)].String()))
	}

	if len(applied) > 0 {
		c.callbacks.Send(refmode.NewOperations(applied, msg.ID), msg.ID)
	}
	return accepted
}

func (c *ContainerStore) mergeModel(msg refmode.ReferenceMessage) {
	var changed bool
	data := syncutil.Extract(c.model, func(m *referenceModel) crdt.Data[model.Reference] {
		changed = (*m).Merge(msg.Model.Data).ModelChanged
		return (*m).Data()
	})

	c.logger.Debug("Merged model",
		zap.Int("callback_id", msg.ID),
		zap.Bool("changed", changed),
		zap.Int("values", len(data.Values)))

	if changed {
		c.callbacks.Send(refmode.NewModelUpdate(refmode.NewData(c.kind, data), msg.ID), msg.ID)
	}
}

// Idle returns immediately; the container applies messages synchronously
func (c *ContainerStore) Idle(ctx context.Context) error {
	return ctx.Err()
}
