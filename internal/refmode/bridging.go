package refmode

import (
	"github.com/devrev/pairdb/refstore/internal/crdt"
	"github.com/devrev/pairdb/refstore/internal/errors"
	"github.com/devrev/pairdb/refstore/internal/model"
)

// BridgingOperation is one logical mutation seen from both sides: the entity-typed op the
// proxies exchange and the reference-typed op applied to the container. EntityValue and
// ReferenceValue are nil for Clear.
type BridgingOperation struct {
	Container      ContainerKind
	EntityValue    *model.RawEntity
	ReferenceValue *model.Reference
	ContainerOp    crdt.Operation[model.Reference]
	EntityOp       crdt.Operation[model.RawEntity]
}

// Kind returns the operation kind shared by both sides
func (b BridgingOperation) Kind() crdt.OpKind {
	return b.ContainerOp.Kind
}

// IsSetClear reports whether this clears a whole set
func (b BridgingOperation) IsSetClear() bool {
	return b.Container == KindSet && b.Kind() == crdt.OpClear
}

// Pinned returns a copy whose reference points at version instead of the op clock
func (b BridgingOperation) Pinned(version model.VersionMap) BridgingOperation {
	if b.ReferenceValue == nil {
		return b
	}
	ref := model.NewReference(b.ReferenceValue.ID, b.ReferenceValue.StorageKey, version)
	b.ReferenceValue = &ref
	b.ContainerOp.Value = ref
	return b
}

type referenceOptions struct {
	version model.VersionMap
}

// ReferenceOption customizes ToReferenceOp
type ReferenceOption func(*referenceOptions)

// WithVersion sets the version carried by the reference. By default it is the op clock.
func WithVersion(version model.VersionMap) ReferenceOption {
	return func(o *referenceOptions) { o.version = version }
}

// ToReferenceOp converts an entity-typed op into its bridged form. The container op keeps
// the actor and clock of the input operation. FastForward is rejected: the container only merges
// references and cannot see the values a fast-forward carries.
func ToReferenceOp(
	op crdt.Operation[model.RawEntity],
	kind ContainerKind,
	storageKey model.StorageKey,
	opts ...ReferenceOption,
) (BridgingOperation, error) {
	if err := checkOpKind(kind, op.Kind); err != nil {
		return BridgingOperation{}, err
	}

	if op.Kind == crdt.OpClear {
		return BridgingOperation{
			Container:   kind,
			ContainerOp: crdt.NewClear[model.Reference](op.Actor, op.Clock),
			EntityOp:    crdt.NewClear[model.RawEntity](op.Actor, op.Clock),
		}, nil
	}

	if op.Value.ID == "" {
		return BridgingOperation{}, errors.MissingValue(op.Kind.String())
	}

	o := referenceOptions{version: op.Clock}
	for _, opt := range opts {
		opt(&o)
	}

	entity := op.Value.Copy()
	ref := model.NewReference(entity.ID, storageKey, o.version)
	return BridgingOperation{
		Container:      kind,
		EntityValue:    &entity,
		ReferenceValue: &ref,
		ContainerOp: crdt.Operation[model.Reference]{
			Kind:  op.Kind,
			Actor: op.Actor,
			Clock: op.Clock.Copy(),
			Value: ref,
		},
		EntityOp: crdt.Operation[model.RawEntity]{
			Kind:  op.Kind,
			Actor: op.Actor,
			Clock: op.Clock.Copy(),
			Value: entity,
		},
	}, nil
}

// ToBridgingOps converts a batch of proxy ops, failing on the first invalid one
func ToBridgingOps(
	ops []crdt.Operation[model.RawEntity],
	kind ContainerKind,
	storageKey model.StorageKey,
) ([]BridgingOperation, error) {
	out := make([]BridgingOperation, 0, len(ops))
	for _, op := range ops {
		b, err := ToReferenceOp(op, kind, storageKey)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// ToEntityOp produces the entity-typed op for an op already applied to the container, given
// the value resolved from the backing store. Actor and clock are carried over unchanged.
func ToEntityOp(op crdt.Operation[model.Reference], value *model.RawEntity) (crdt.Operation[model.RawEntity], error) {
	switch op.Kind {
	case crdt.OpFastForward:
		return crdt.Operation[model.RawEntity]{}, fastForwardUnsupported()
	case crdt.OpClear:
		return crdt.NewClear[model.RawEntity](op.Actor, op.Clock), nil
	}

	if value == nil {
		return crdt.Operation[model.RawEntity]{}, errors.MissingValue(op.Kind.String()).
			WithDetail("reference_id", op.Value.ID)
	}
	if value.ID != op.Value.ID {
		return crdt.Operation[model.RawEntity]{}, errors.ValueMismatch(op.Value.ID, value.ID)
	}

	return crdt.Operation[model.RawEntity]{
		Kind:  op.Kind,
		Actor: op.Actor,
		Clock: op.Clock.Copy(),
		Value: value.Copy(),
	}, nil
}

// ToBridgingOp pairs a container op with the entity value it refers to, so one object can
// drive both the container apply and the delivery to proxies
func ToBridgingOp(
	containerOp crdt.Operation[model.Reference],
	kind ContainerKind,
	value *model.RawEntity,
) (BridgingOperation, error) {
	if err := checkOpKind(kind, containerOp.Kind); err != nil {
		return BridgingOperation{}, err
	}
	entityOp, err := ToEntityOp(containerOp, value)
	if err != nil {
		return BridgingOperation{}, err
	}

	b := BridgingOperation{
		Container:   kind,
		ContainerOp: containerOp,
		EntityOp:    entityOp,
	}
	if containerOp.Kind.HasValue() {
		ref := containerOp.Value
		entity := entityOp.Value
		b.ReferenceValue = &ref
		b.EntityValue = &entity
	}
	return b, nil
}

// Sanitize checks that an entity message fits a container of the given kind
func Sanitize(msg EntityMessage, kind ContainerKind) error {
	switch msg.Type {
	case MessageModelUpdate:
		if msg.Model == nil {
			return errors.MissingValue(MessageModelUpdate.String())
		}
		if msg.Model.Kind != kind {
			return errors.InvalidStoreType(kind.String(), msg.Model.Kind.String())
		}
	case MessageOperations:
		for _, op := range msg.Operations {
			if err := checkOpKind(kind, op.Kind); err != nil {
				return err
			}
		}
	case MessageSyncRequest:
	default:
		return errors.InvalidArgument("unknown message type "+msg.Type.String(), nil)
	}
	return nil
}

func checkOpKind(kind ContainerKind, op crdt.OpKind) error {
	switch op {
	case crdt.OpFastForward:
		return fastForwardUnsupported()
	case crdt.OpAdd, crdt.OpRemove:
		if kind != KindSet {
			return errors.InvalidStoreType(kind.String(), KindSet.String())
		}
	case crdt.OpUpdate:
		if kind != KindSingleton {
			return errors.InvalidStoreType(kind.String(), KindSingleton.String())
		}
	case crdt.OpClear:
	default:
		return errors.InvalidArgument("unknown operation "+op.String(), nil)
	}
	return nil
}

func fastForwardUnsupported() error {
	return errors.UnsupportedOperation(crdt.OpFastForward.String(),
		"reference-mode stores merge references and cannot see fast-forwarded values")
}
