package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRedisEntry struct {
	value     []byte
	expiresAt time.Time
}

// fakeRedis implements RedisClient in memory; flipping failing simulates
// a primary-store outage.
type fakeRedis struct {
	mu      sync.Mutex
	data    map[string]fakeRedisEntry
	failing bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]fakeRedisEntry)}
}

var errRedisDown = errors.New("connection refused")

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return redis.NewStringResult("", errRedisDown)
	}
	entry, ok := f.data[key]
	if !ok || (!entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt)) {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(entry.value), nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return redis.NewStatusResult("", errRedisDown)
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		raw = []byte(fmt.Sprint(v))
	}
	entry := fakeRedisEntry{value: raw}
	if expiration > 0 {
		entry.expiresAt = time.Now().Add(expiration)
	}
	f.data[key] = entry
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return redis.NewIntResult(0, errRedisDown)
	}
	var deleted int64
	for _, key := range keys {
		if _, ok := f.data[key]; ok {
			delete(f.data, key)
			deleted++
		}
	}
	return redis.NewIntResult(deleted, nil)
}

func (f *fakeRedis) Keys(_ context.Context, pattern string) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return redis.NewStringSliceResult(nil, errRedisDown)
	}
	prefix := strings.TrimSuffix(pattern, "*")
	keys := []string{}
	for key := range f.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return redis.NewStringSliceResult(keys, nil)
}

func (f *fakeRedis) DBSize(_ context.Context) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return redis.NewIntResult(0, errRedisDown)
	}
	return redis.NewIntResult(int64(len(f.data)), nil)
}

func (f *fakeRedis) FlushDB(_ context.Context) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return redis.NewStatusResult("", errRedisDown)
	}
	f.data = make(map[string]fakeRedisEntry)
	return redis.NewStatusResult("OK", nil)
}

func TestSetThenGetThroughPrimary(t *testing.T) {
	primary := newFakeRedis()
	store := New(primary, 10, zap.NewNop())
	ctx := context.Background()

	store.Set(ctx, "user:1", []byte(`{"id":"1"}`), time.Second*300)
	value, ok := store.Get(ctx, "user:1")
	require.True(t, ok)
	require.Equal(t, []byte(`{"id":"1"}`), value)
}

func TestGetMissesReturnNotFound(t *testing.T) {
	store := New(newFakeRedis(), 10, zap.NewNop())
	_, ok := store.Get(context.Background(), "nope")
	require.False(t, ok)
}

func TestPrimaryFailureDegradesToFallback(t *testing.T) {
	primary := newFakeRedis()
	primary.failing = true
	store := New(primary, 10, zap.NewNop())
	ctx := context.Background()

	store.Set(ctx, "user:1", []byte(`{"id":"1"}`), time.Second*300)
	value, ok := store.Get(ctx, "user:1")
	require.True(t, ok)
	require.Equal(t, []byte(`{"id":"1"}`), value)
}

func TestFallbackHonorsTTL(t *testing.T) {
	primary := newFakeRedis()
	primary.failing = true
	store := New(primary, 10, zap.NewNop())
	ctx := context.Background()

	store.Set(ctx, "short", []byte("v"), time.Millisecond*30)
	_, ok := store.Get(ctx, "short")
	require.True(t, ok)

	time.Sleep(time.Millisecond * 60)
	_, ok = store.Get(ctx, "short")
	require.False(t, ok)
}

func TestFallbackEvictsOldestFirst(t *testing.T) {
	primary := newFakeRedis()
	primary.failing = true
	store := New(primary, 3, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		store.Set(ctx, fmt.Sprintf("key-%d", i), []byte("v"), time.Minute)
	}

	_, ok := store.Get(ctx, "key-0")
	require.False(t, ok, "oldest inserted key should be evicted")
	for i := 1; i < 4; i++ {
		_, ok := store.Get(ctx, fmt.Sprintf("key-%d", i))
		require.True(t, ok)
	}
}

func TestOverwriteDoesNotEvict(t *testing.T) {
	primary := newFakeRedis()
	primary.failing = true
	store := New(primary, 2, zap.NewNop())
	ctx := context.Background()

	store.Set(ctx, "a", []byte("1"), time.Minute)
	store.Set(ctx, "b", []byte("1"), time.Minute)
	store.Set(ctx, "a", []byte("2"), time.Minute)

	value, ok := store.Get(ctx, "a")
	require.True(t, ok)
	require.Equal(t, []byte("2"), value)
	_, ok = store.Get(ctx, "b")
	require.True(t, ok)
}

func TestDeleteRemovesBothTiers(t *testing.T) {
	primary := newFakeRedis()
	store := New(primary, 10, zap.NewNop())
	ctx := context.Background()

	store.Set(ctx, "k", []byte("v"), time.Minute)
	primary.failing = true
	store.Set(ctx, "k2", []byte("v"), time.Minute)
	primary.failing = false

	store.Delete(ctx, "k")
	store.Delete(ctx, "k2")
	_, ok := store.Get(ctx, "k")
	require.False(t, ok)
	_, ok = store.Get(ctx, "k2")
	require.False(t, ok)
}

func TestDeletePattern(t *testing.T) {
	primary := newFakeRedis()
	store := New(primary, 10, zap.NewNop())
	ctx := context.Background()

	store.Set(ctx, "response:abc", []byte("v"), time.Minute)
	store.Set(ctx, "session:xyz", []byte("v"), time.Minute)
	primary.failing = true
	store.Set(ctx, "response:local", []byte("v"), time.Minute)
	primary.failing = false

	store.DeletePattern(ctx, "response:*")
	_, ok := store.Get(ctx, "response:abc")
	require.False(t, ok)
	_, ok = store.Get(ctx, "response:local")
	require.False(t, ok)
	_, ok = store.Get(ctx, "session:xyz")
	require.True(t, ok)
}

func TestClear(t *testing.T) {
	primary := newFakeRedis()
	store := New(primary, 10, zap.NewNop())
	ctx := context.Background()

	store.Set(ctx, "k", []byte("v"), time.Minute)
	store.Clear(ctx)
	_, ok := store.Get(ctx, "k")
	require.False(t, ok)
}

func TestCleanupPurgesExpiredFallbackEntries(t *testing.T) {
	primary := newFakeRedis()
	primary.failing = true
	store := New(primary, 10, zap.NewNop())
	ctx := context.Background()

	store.Set(ctx, "stale", []byte("v"), time.Millisecond*10)
	store.Set(ctx, "fresh", []byte("v"), time.Minute)
	time.Sleep(time.Millisecond * 30)
	store.Cleanup(ctx)

	stats := store.Stats(ctx)
	require.Equal(t, 1, stats.FallbackSize)
}

func TestStatsFoldsInPrimary(t *testing.T) {
	primary := newFakeRedis()
	store := New(primary, 10, zap.NewNop())
	ctx := context.Background()

	store.Set(ctx, "k", []byte("v"), time.Minute)
	stats := store.Stats(ctx)
	require.True(t, stats.PrimaryAvailable)
	require.Equal(t, int64(1), stats.PrimarySize)
	require.Equal(t, 10, stats.FallbackMaxSize)

	primary.failing = true
	stats = store.Stats(ctx)
	require.False(t, stats.PrimaryAvailable)
}

func TestNilPrimaryUsesFallbackOnly(t *testing.T) {
	store := New(nil, 10, zap.NewNop())
	ctx := context.Background()

	store.Set(ctx, "k", []byte("v"), time.Minute)
	value, ok := store.Get(ctx, "k")
	require.True(t, ok)
	require.Equal(t, []byte("v"), value)
}
