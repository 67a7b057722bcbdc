package store

import (
	"context"
	"sync"
	"time"

	"github.com/devrev/pairdb/refstore/internal/model"
	"go.uber.org/zap"
)

// MemoryStore implements EntityStore with an in-process map
type MemoryStore struct {
	data   map[model.ReferenceID]*Record
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewMemoryStore creates an empty memory store
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		data:   make(map[model.ReferenceID]*Record),
		logger: logger,
	}
}

// Put stores a copy of record
func (s *MemoryStore) Put(ctx context.Context, record *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec := record.Copy()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[rec.Entity.ID] = rec
	return nil
}

// Get returns a copy of the stored record
func (s *MemoryStore) Get(ctx context.Context, id model.ReferenceID) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Copy(), nil
}

// Delete removes id; unknown ids are ignored
func (s *MemoryStore) Delete(ctx context.Context, id model.ReferenceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, id)
	return nil
}

// Len returns the number of stored entities
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Ping always succeeds
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
