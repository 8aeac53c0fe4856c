// internal/cache/view_cache.go
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/pkg/redis"
)

// Remote is the shared second layer. *redis.Client satisfies it.
type Remote interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// ViewCache holds read views (wallet balances, loan summaries) in process
// memory backed by Redis. Entries are dropped by the writer after every
// commit that changes them, TTL only bounds staleness from other writers.
type ViewCache struct {
	remote   Remote
	logger   *zap.Logger
	memCache *MemoryCache
	ttl      time.Duration

	// gens counts invalidations per key; guarded by genMu.
	genMu sync.Mutex
	gens  map[string]uint64
}

// MemoryCache is the in-process layer.
type MemoryCache struct {
	mu     sync.RWMutex
	data   map[string]*CacheEntry
	maxAge time.Duration
	stop   chan struct{}
	once   sync.Once
}

type CacheEntry struct {
	Value    []byte
	CachedAt time.Time
}

func WalletBalanceKey(walletID uuid.UUID) string {
	return fmt.Sprintf("wallet:balance:%s", walletID)
}

func LoanKey(loanID uuid.UUID) string {
	return fmt.Sprintf("loan:%s", loanID)
}

func LoanSchedulesKey(loanID uuid.UUID) string {
	return fmt.Sprintf("loan:%s:schedules", loanID)
}

func ScheduleKey(scheduleID uuid.UUID) string {
	return fmt.Sprintf("schedule:%s", scheduleID)
}

// NewViewCache builds the cache. remote may be nil, which leaves only the
// memory layer.
func NewViewCache(remote Remote, ttl time.Duration, logger *zap.Logger) *ViewCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &ViewCache{
		remote:   remote,
		logger:   logger,
		memCache: NewMemoryCache(ttl),
		ttl:      ttl,
		gens:     make(map[string]uint64),
	}
}

// NewRedisViewCache is NewViewCache with a possibly nil *redis.Client.
func NewRedisViewCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *ViewCache {
	if client == nil {
		return NewViewCache(nil, ttl, logger)
	}
	return NewViewCache(client, ttl, logger)
}

func NewMemoryCache(maxAge time.Duration) *MemoryCache {
	cache := &MemoryCache{
		data:   make(map[string]*CacheEntry),
		maxAge: maxAge,
		stop:   make(chan struct{}),
	}

	go cache.cleanup()

	return cache
}

// Get decodes the cached value for key into dest, checking memory first and
// then Redis. It reports whether a value was found.
func (vc *ViewCache) Get(ctx context.Context, key string, dest interface{}) bool {
	if data := vc.memCache.Get(key); data != nil {
		if err := json.Unmarshal(data, dest); err == nil {
			vc.logger.Debug("cache hit (memory)", zap.String("key", key))
			return true
		}
	}

	if vc.remote == nil {
		return false
	}

	data, err := vc.remote.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, redis.ErrKeyNotFound) {
			vc.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return false
	}

	vc.logger.Debug("cache hit (redis)", zap.String("key", key))
	vc.memCache.Set(key, []byte(data))
	return true
}

// Generation returns the invalidation generation of key. Read it before
// loading a view from the database and hand it to SetIfCurrent.
func (vc *ViewCache) Generation(key string) uint64 {
	vc.genMu.Lock()
	defer vc.genMu.Unlock()
	return vc.gens[key]
}

// SetIfCurrent stores value only if key has not been invalidated since gen
// was read, so a view loaded before a commit cannot outlive it. It reports
// whether the value was kept.
func (vc *ViewCache) SetIfCurrent(ctx context.Context, key string, value interface{}, gen uint64) bool {
	data, err := json.Marshal(value)
	if err != nil {
		vc.logger.Error("failed to encode cache value", zap.String("key", key), zap.Error(err))
		return false
	}

	vc.genMu.Lock()
	if vc.gens[key] != gen {
		vc.genMu.Unlock()
		return false
	}
	vc.memCache.Set(key, data)
	vc.genMu.Unlock()

	if vc.remote == nil {
		return true
	}
	if err := vc.remote.Set(ctx, key, data, vc.ttl); err != nil {
		vc.logger.Warn("failed to cache value in redis", zap.String("key", key), zap.Error(err))
		return true
	}
	// An invalidation may have deleted the remote key before this write.
	if vc.Generation(key) != gen {
		if err := vc.remote.Delete(ctx, key); err != nil {
			vc.logger.Warn("failed to drop stale cache value", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	return true
}

// Invalidate drops exactly the given keys from both layers and bumps their
// generations.
func (vc *ViewCache) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	vc.genMu.Lock()
	for _, key := range keys {
		vc.gens[key]++
		vc.memCache.Delete(key)
	}
	vc.genMu.Unlock()
	if vc.remote == nil {
		return nil
	}
	if err := vc.remote.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("failed to invalidate %d cache keys: %w", len(keys), err)
	}
	return nil
}

func (vc *ViewCache) Stats() map[string]interface{} {
	return map[string]interface{}{
		"memory_cache_size": vc.memCache.Len(),
		"memory_cache_ttl":  vc.memCache.maxAge.String(),
		"redis_enabled":     vc.remote != nil,
		"redis_ttl":         vc.ttl.String(),
	}
}

// Close stops the memory layer's sweeper.
func (vc *ViewCache) Close() {
	vc.memCache.Close()
}

func (mc *MemoryCache) Get(key string) []byte {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	entry, exists := mc.data[key]
	if !exists {
		return nil
	}

	if time.Since(entry.CachedAt) > mc.maxAge {
		return nil
	}

	return entry.Value
}

func (mc *MemoryCache) Set(key string, value []byte) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.data[key] = &CacheEntry{
		Value:    value,
		CachedAt: time.Now(),
	}
}

func (mc *MemoryCache) Delete(key string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	delete(mc.data, key)
}

func (mc *MemoryCache) Len() int {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return len(mc.data)
}

func (mc *MemoryCache) Close() {
	mc.once.Do(func() { close(mc.stop) })
}

// cleanup periodically removes expired entries
func (mc *MemoryCache) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-mc.stop:
			return
		case <-ticker.C:
			mc.mu.Lock()
			now := time.Now()
			for key, entry := range mc.data {
				if now.Sub(entry.CachedAt) > mc.maxAge {
					delete(mc.data, key)
				}
			}
			mc.mu.Unlock()
		}
	}
}
