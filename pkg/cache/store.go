package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisClient is the slice of redis.Client the store actually uses.
// *redis.Client satisfies it; tests substitute a fake.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Keys(ctx context.Context, pattern string) *redis.StringSliceCmd
	DBSize(ctx context.Context) *redis.IntCmd
	FlushDB(ctx context.Context) *redis.StatusCmd
}

type fallbackEntry struct {
	value    []byte
	storedAt time.Time
	ttl      time.Duration
}

// a zero ttl never expires
func (e fallbackEntry) expired() bool {
	return e.ttl > 0 && time.Since(e.storedAt) > e.ttl
}

// Store is a two-tier cache: Redis first, then a bounded in-process map
// with FIFO eviction. Primary-store failures degrade to the local tier
// and are logged at warn; no operation returns an error to the caller.
type Store struct {
	primary RedisClient
	logger  *zap.Logger

	mu          sync.Mutex
	fallback    map[string]fallbackEntry
	order       []string
	maxFallback int
}

const defaultMaxFallback = 100

func New(primary RedisClient, maxFallback int, logger *zap.Logger) *Store {
	if maxFallback <= 0 {
		maxFallback = defaultMaxFallback
	}
	return &Store{
		primary:     primary,
		logger:      logger,
		fallback:    make(map[string]fallbackEntry),
		maxFallback: maxFallback,
	}
}

// Set writes to the primary store, falling back to the local map when
// the primary is unavailable.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if s.primary != nil {
		err := s.primary.Set(ctx, key, value, ttl).Err()
		if err == nil {
			return
		}
		s.logger.Warn("primary cache set failed, using fallback", zap.String("key", key), zap.Error(err))
	}
	s.setFallback(key, value, ttl)
}

func (s *Store) setFallback(key string, value []byte, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.fallback[key]; !exists {
		for len(s.fallback) >= s.maxFallback && len(s.order) > 0 {
			oldest := s.order[0]
			s.order = s.order[1:]
			delete(s.fallback, oldest)
		}
		s.order = append(s.order, key)
	}
	s.fallback[key] = fallbackEntry{value: value, storedAt: time.Now(), ttl: ttl}
}

// Get reads the primary store first; on a primary miss or failure it
// falls through to the local map, honoring the entry TTL.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool) {
	if s.primary != nil {
		value, err := s.primary.Get(ctx, key).Bytes()
		if err == nil {
			return value, true
		}
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("primary cache get failed, checking fallback", zap.String("key", key), zap.Error(err))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.fallback[key]
	if !ok {
		return nil, false
	}
	if entry.expired() {
		s.removeFallbackLocked(key)
		return nil, false
	}
	return entry.value, true
}

// Delete is best-effort on both tiers.
func (s *Store) Delete(ctx context.Context, key string) {
	if s.primary != nil {
		if err := s.primary.Del(ctx, key).Err(); err != nil {
			s.logger.Warn("primary cache delete failed", zap.String("key", key), zap.Error(err))
		}
	}
	s.mu.Lock()
	s.removeFallbackLocked(key)
	s.mu.Unlock()
}

// DeletePattern removes every key matching a redis glob pattern from the
// primary, and every key sharing the pattern's literal prefix from the
// fallback map.
func (s *Store) DeletePattern(ctx context.Context, pattern string) {
	if s.primary != nil {
		keys, err := s.primary.Keys(ctx, pattern).Result()
		if err != nil {
			s.logger.Warn("primary cache pattern scan failed", zap.String("pattern", pattern), zap.Error(err))
		} else if len(keys) > 0 {
			if err := s.primary.Del(ctx, keys...).Err(); err != nil {
				s.logger.Warn("primary cache pattern delete failed", zap.String("pattern", pattern), zap.Error(err))
			}
		}
	}

	prefix := pattern
	if i := strings.IndexAny(pattern, "*?["); i >= 0 {
		prefix = pattern[:i]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.fallback {
		if strings.HasPrefix(key, prefix) {
			s.removeFallbackLocked(key)
		}
	}
}

// Clear empties both tiers best-effort.
func (s *Store) Clear(ctx context.Context) {
	if s.primary != nil {
		if err := s.primary.FlushDB(ctx).Err(); err != nil {
			s.logger.Warn("primary cache clear failed", zap.Error(err))
		}
	}
	s.mu.Lock()
	s.fallback = make(map[string]fallbackEntry)
	s.order = nil
	s.mu.Unlock()
}

// Cleanup sweeps expired entries out of the fallback map. The primary
// store expires its own keys.
func (s *Store) Cleanup(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.fallback {
		if entry.expired() {
			s.removeFallbackLocked(key)
		}
	}
}

type Statistics struct {
	PrimaryAvailable bool  `json:"primaryAvailable"`
	PrimarySize      int64 `json:"primarySize"`
	FallbackSize     int   `json:"fallbackSize"`
	FallbackMaxSize  int   `json:"fallbackMaxSize"`
}

// Stats folds in primary-store sizing when the primary answers.
func (s *Store) Stats(ctx context.Context) *Statistics {
	stats := &Statistics{FallbackMaxSize: s.maxFallback}
	s.mu.Lock()
	stats.FallbackSize = len(s.fallback)
	s.mu.Unlock()

	if s.primary != nil {
		size, err := s.primary.DBSize(ctx).Result()
		if err == nil {
			stats.PrimaryAvailable = true
			stats.PrimarySize = size
		} else {
			s.logger.Warn("primary cache stats unavailable", zap.Error(err))
		}
	}
	return stats
}

func (s *Store) removeFallbackLocked(key string) {
	if _, ok := s.fallback[key]; !ok {
		return
	}
	delete(s.fallback, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}
