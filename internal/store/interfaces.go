// Package store is the backing-store boundary: durable entity stores and the muxer that
// tracks which entity versions they have confirmed.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/devrev/pairdb/refstore/internal/model"
)

// ErrNotFound is returned when an entity is not stored
var ErrNotFound = errors.New("not found")

// Record is an entity together with the version it was written at
type Record struct {
	Entity    model.RawEntity  `json:"entity"`
	Version   model.VersionMap `json:"version"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Copy returns a deep copy
func (r *Record) Copy() *Record {
	if r == nil {
		return nil
	}
	return &Record{Entity: r.Entity.Copy(), Version: r.Version.Copy(), UpdatedAt: r.UpdatedAt}
}

// EntityStore persists entities by id
type EntityStore interface {
	// Put stores the record, replacing any earlier one for the same id
	Put(ctx context.Context, record *Record) error
	// Get returns ErrNotFound when nothing is stored for id
	Get(ctx context.Context, id model.ReferenceID) (*Record, error)
	Delete(ctx context.Context, id model.ReferenceID) error
	Ping(ctx context.Context) error
	Close() error
}
