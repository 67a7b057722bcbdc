// Package refmode translates between the entity-typed messages exchanged with storage
// proxies and the reference-typed operations held by the container CRDT.
package refmode

import (
	"fmt"

	"github.com/devrev/pairdb/refstore/internal/crdt"
	"github.com/devrev/pairdb/refstore/internal/model"
)

// ContainerKind is the shape of the container: a Set or a Singleton
type ContainerKind int

const (
	KindSet ContainerKind = iota
	KindSingleton
)

func (k ContainerKind) String() string {
	switch k {
	case KindSet:
		return "Set"
	case KindSingleton:
		return "Singleton"
	default:
		return fmt.Sprintf("ContainerKind(%d)", int(k))
	}
}

// ParseContainerKind accepts "set" or "singleton"
func ParseContainerKind(s string) (ContainerKind, error) {
	switch s {
	case "set", "Set", "collection":
		return KindSet, nil
	case "singleton", "Singleton":
		return KindSingleton, nil
	default:
		return 0, fmt.Errorf("unknown container kind %q", s)
	}
}

// Data is container data tagged with its kind
type Data[T model.Referencable] struct {
	Kind ContainerKind
	crdt.Data[T]
}

// NewData wraps data with a kind
func NewData[T model.Referencable](kind ContainerKind, data crdt.Data[T]) *Data[T] {
	return &Data[T]{Kind: kind, Data: data}
}

// Copy returns a deep copy of the maps
func (d *Data[T]) Copy() *Data[T] {
	if d == nil {
		return nil
	}
	return &Data[T]{Kind: d.Kind, Data: d.Data.Copy()}
}

// MessageType tags a ProxyMessage
type MessageType int

const (
	MessageModelUpdate MessageType = iota
	MessageOperations
	MessageSyncRequest
)

func (t MessageType) String() string {
	switch t {
	case MessageModelUpdate:
		return "ModelUpdate"
	case MessageOperations:
		return "Operations"
	case MessageSyncRequest:
		return "SyncRequest"
	default:
		return fmt.Sprintf("MessageType(%d)", int(t))
	}
}

// ProxyMessage is exchanged between a store and its observers. ID is the sender's callback
// token (0 when not sent on behalf of a registered observer). MuxID names the entity a
// backing-store message is about.
type ProxyMessage[T model.Referencable] struct {
	Type       MessageType
	Model      *Data[T]
	Operations []crdt.Operation[T]
	ID         int
	MuxID      string
}

// EntityMessage is what storage proxies send and receive
type EntityMessage = ProxyMessage[model.RawEntity]

// ReferenceMessage is what the container store sends and receives
type ReferenceMessage = ProxyMessage[model.Reference]

// NewModelUpdate creates a ModelUpdate message
func NewModelUpdate[T model.Referencable](data *Data[T], id int) ProxyMessage[T] {
	return ProxyMessage[T]{Type: MessageModelUpdate, Model: data, ID: id}
}

// NewOperations creates an Operations message
func NewOperations[T model.Referencable](ops []crdt.Operation[T], id int) ProxyMessage[T] {
	return ProxyMessage[T]{Type: MessageOperations, Operations: ops, ID: id}
}

// NewSyncRequest creates a SyncRequest message
func NewSyncRequest[T model.Referencable](id int) ProxyMessage[T] {
	return ProxyMessage[T]{Type: MessageSyncRequest, ID: id}
}

func (m ProxyMessage[T]) String() string {
	switch m.Type {
	case MessageModelUpdate:
		size := 0
		if m.Model != nil {
			size = len(m.Model.Values)
		}
		return fmt.Sprintf("ModelUpdate(id=%d, values=%d)", m.ID, size)
	case MessageOperations:
		return fmt.Sprintf("Operations(id=%d, %v)", m.ID, m.Operations)
	default:
		return fmt.Sprintf("%s(id=%d)", m.Type, m.ID)
	}
}
