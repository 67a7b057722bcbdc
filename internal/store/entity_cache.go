package store

import (
	"sync"
	"time"

	"github.com/devrev/pairdb/refstore/internal/model"
	"go.uber.org/zap"
)

// cacheEntry is a locally known copy of an entity
type cacheEntry struct {
	record      *Record
	size        int64
	accessCount int64
	lastAccess  time.Time
	score       float64
}

// EntityCache is an adaptive LRU/LFU cache of entity records
type EntityCache struct {
	config          *CacheConfig
	cache           map[model.ReferenceID]*cacheEntry
	logger          *zap.Logger
	mu              sync.Mutex
	currentSize     int64
	evictions       int64
	frequencyWeight float64
	recencyWeight   float64
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	// MaxSize is the approximate byte budget; 0 means unbounded
	MaxSize         int64
	FrequencyWeight float64
	RecencyWeight   float64
	AdaptiveWindow  time.Duration
}

// DefaultCacheConfig returns a balanced 64 MiB cache
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		MaxSize:         64 << 20,
		FrequencyWeight: 0.5,
		RecencyWeight:   0.5,
		AdaptiveWindow:  time.Minute,
	}
}

// NewEntityCache creates an empty cache
func NewEntityCache(cfg *CacheConfig, logger *zap.Logger) *EntityCache {
	if cfg == nil {
		cfg = DefaultCacheConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EntityCache{
		config:          cfg,
		cache:           make(map[model.ReferenceID]*cacheEntry),
		logger:          logger,
		frequencyWeight: cfg.FrequencyWeight,
		recencyWeight:   cfg.RecencyWeight,
	}
}

// Get returns a copy of the cached record
func (c *EntityCache) Get(id model.ReferenceID) (*Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, found := c.cache[id]
	if !found {
		return nil, false
	}

	entry.accessCount++
	entry.lastAccess = time.Now()
	entry.score = c.calculateScore(entry)

	return entry.record.Copy(), true
}

// Put adds or replaces the record for its entity
func (c *EntityCache) Put(record *Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := record.Entity.ID
	size := recordSize(record)

	if existing, found := c.cache[id]; found {
		c.currentSize += size - existing.size
		existing.record = record.Copy()
		existing.size = size
		existing.accessCount++
		existing.lastAccess = time.Now()
		existing.score = c.calculateScore(existing)
		return
	}

	for c.config.MaxSize > 0 && len(c.cache) > 0 && c.currentSize+size > c.config.MaxSize {
		c.evictLowestScore()
	}

	entry := &cacheEntry{
		record:      record.Copy(),
		size:        size,
		accessCount: 1,
		lastAccess:  time.Now(),
	}
	entry.score = c.calculateScore(entry)

	c.cache[id] = entry
	c.currentSize += size
}

// Remove drops id from the cache
func (c *EntityCache) Remove(id model.ReferenceID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, found := c.cache[id]; found {
		delete(c.cache, id)
		c.currentSize -= entry.size
	}
}

// Clear drops every entry
func (c *EntityCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache = make(map[model.ReferenceID]*cacheEntry)
	c.currentSize = 0
}

// recordSize approximates the memory held by a record
func recordSize(r *Record) int64 {
	size := int64(len(r.Entity.ID) + 64)
	for k, v := range r.Entity.Singletons {
		size += int64(len(k) + len(v))
	}
	for k, vs := range r.Entity.Collections {
		size += int64(len(k))
		for _, v := range vs {
			size += int64(len(v))
		}
	}
	for actor := range r.Version {
		size += int64(len(actor) + 8)
	}
	return size
}

// calculateScore computes adaptive score for eviction (higher is better)
func (c *EntityCache) calculateScore(entry *cacheEntry) float64 {
	frequencyScore := float64(entry.accessCount)
	recencyScore := time.Since(entry.lastAccess).Seconds()
	return c.frequencyWeight*frequencyScore - c.recencyWeight*recencyScore
}

func (c *EntityCache) evictLowestScore() {
	var lowestID model.ReferenceID
	var lowest *cacheEntry

	for id, entry := range c.cache {
		if lowest == nil || entry.score < lowest.score {
			lowest = entry
			lowestID = id
		}
	}
	if lowest == nil {
		return
	}

	delete(c.cache, lowestID)
	c.currentSize -= lowest.size
	c.evictions++

	c.logger.Debug("Evicted cache entry",
		zap.String("entity_id", lowestID),
		zap.Float64("score", lowest.score))
}

// AdjustWeights shifts between LRU and LFU behaviour based on how many entries were
// touched within the adaptive window
func (c *EntityCache) AdjustWeights() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.cache) == 0 {
		return
	}

	var recent int
	recentThreshold := time.Now().Add(-c.config.AdaptiveWindow)
	for _, entry := range c.cache {
		if entry.lastAccess.After(recentThreshold) {
			recent++
		}
	}

	hotnessRatio := float64(recent) / float64(len(c.cache))
	switch {
	case hotnessRatio > 0.7:
		c.recencyWeight, c.frequencyWeight = 0.7, 0.3
	case hotnessRatio < 0.3:
		c.recencyWeight, c.frequencyWeight = 0.3, 0.7
	default:
		c.recencyWeight, c.frequencyWeight = 0.5, 0.5
	}

	c.logger.Debug("Adjusted cache weights",
		zap.Float64("recency_weight", c.recencyWeight),
		zap.Float64("frequency_weight", c.frequencyWeight),
		zap.Float64("hotness_ratio", hotnessRatio))
}

// Stats returns cache statistics
func (c *EntityCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Size:       c.currentSize,
		MaxSize:    c.config.MaxSize,
		EntryCount: len(c.cache),
		Evictions:  c.evictions,
	}
	if c.config.MaxSize > 0 {
		stats.UsagePercent = float64(c.currentSize) / float64(c.config.MaxSize) * 100
	}
	return stats
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size         int64
	MaxSize      int64
	EntryCount   int
	Evictions    int64
	UsagePercent float64
}
