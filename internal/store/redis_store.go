package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devrev/pairdb/refstore/internal/model"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore implements EntityStore on Redis, one checksummed JSON value per entity
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	logger    *zap.Logger
}

// RedisOptions configures a RedisStore
type RedisOptions struct {
	Host      string
	Port      int
	Password  string
	DB        int
	KeyPrefix string
	// TTL of 0 keeps entities forever
	TTL      time.Duration
	PoolSize int
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(opts RedisOptions, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStoreWithClient(client, opts.KeyPrefix, opts.TTL, logger), nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string, ttl time.Duration, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keyPrefix == "" {
		keyPrefix = "refstore:entity:"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		logger:    logger,
	}
}

func (s *RedisStore) key(id model.ReferenceID) string {
	return s.keyPrefix + id
}

// Put stores record as checksummed JSON
func (s *RedisStore) Put(ctx context.Context, record *Record) error {
	rec := record.Copy()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	if err := s.client.Set(ctx, s.key(rec.Entity.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store entity %s: %w", rec.Entity.ID, err)
	}
	return nil
}

// Get loads a record
func (s *RedisStore) Get(ctx context.Context, id model.ReferenceID) (*Record, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec, err := decodeRecord(id, data)
	if err != nil {
		s.logger.Warn("Unreadable entity record", zap.String("entity_id", id), zap.Error(err))
		return nil, err
	}
	return rec, nil
}

// Delete removes an entity
func (s *RedisStore) Delete(ctx context.Context, id model.ReferenceID) error {
	return s.client.Del(ctx, s.key(id)).Err()
}

// Ping checks the Redis connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
