package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/devrev/pairdb/refstore/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createEntitiesTable = `
	CREATE TABLE IF NOT EXISTS refmode_entities (
		entity_id   TEXT PRIMARY KEY,
		entity      JSONB NOT NULL,
		version     JSONB NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)
`

// PostgresStore implements EntityStore on PostgreSQL
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store on an existing pool
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool: pool,
	}
}

// ConnectPostgres opens a pool for dsn and ensures the entity table exists
func ConnectPostgres(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	s := NewPostgresStore(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the entity table if needed
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createEntitiesTable); err != nil {
		return fmt.Errorf("failed to create entity table: %w", err)
	}
	return nil
}

// Put upserts a record
func (s *PostgresStore) Put(ctx context.Context, record *Record) error {
	query := `
		INSERT INTO refmode_entities (entity_id, entity, version, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (entity_id) DO UPDATE
		SET entity = EXCLUDED.entity,
		    version = EXCLUDED.version,
		    updated_at = EXCLUDED.updated_at
	`

	entity, err := json.Marshal(record.Entity)
	if err != nil {
		return fmt.Errorf("failed to marshal entity: %w", err)
	}
	version, err := json.Marshal(record.Version)
	if err != nil {
		return fmt.Errorf("failed to marshal version: %w", err)
	}
	updatedAt := record.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	if _, err := s.pool.Exec(ctx, query, record.Entity.ID, entity, version, updatedAt); err != nil {
		return fmt.Errorf("failed to store entity %s: %w", record.Entity.ID, err)
	}
	return nil
}

// Get loads a record
func (s *PostgresStore) Get(ctx context.Context, id model.ReferenceID) (*Record, error) {
	query := `
		SELECT entity, version, updated_at
		FROM refmode_entities
		WHERE entity_id = $1
	`

	var entity, version []byte
	var rec Record
	err := s.pool.QueryRow(ctx, query, id).Scan(&entity, &version, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity %s: %w", id, err)
	}

	rec.Entity = model.NewRawEntity(id)
	if err := json.Unmarshal(entity, &rec.Entity); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entity %s: %w", id, err)
	}
	rec.Version = model.VersionMap{}
	if err := json.Unmarshal(version, &rec.Version); err != nil {
		return nil, fmt.Errorf("failed to unmarshal version of %s: %w", id, err)
	}
	return &rec, nil
}

// Delete removes an entity; unknown ids are ignored
func (s *PostgresStore) Delete(ctx context.Context, id model.ReferenceID) error {
	query := `DELETE FROM refmode_entities WHERE entity_id = $1`

	if _, err := s.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete entity %s: %w", id, err)
	}
	return nil
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
