package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/conneroisu/strata/internal/errors"
	"github.com/conneroisu/strata/internal/logging"
)

// DefaultTTL is the lifetime of cached responses.
const DefaultTTL = 300 * time.Second

// Tier names reported in Entry.Source.
const (
	SourceMemory  = "memory"
	SourceRedis   = "redis"
	SourceCompute = "compute"
)

// Entry is a cached response payload.
type Entry struct {
	Data   []byte
	ETag   string
	Source string
}

// ComputeFunc produces a fresh value on a cache miss. The value is encoded
// as JSON before it is stored.
type ComputeFunc func(ctx context.Context) (interface{}, error)

// Options configures a Layered cache.
type Options struct {
	TTL           time.Duration
	MemoryEntries int
	// Redis is nil when the distributed tier is disabled
	Redis *RedisCache
}

// Stats is a point-in-time view of the layered cache.
type Stats struct {
	Memory       MemoryStats `json:"memory"`
	RedisEnabled bool        `json:"redis_enabled"`
	RedisHits    int64       `json:"redis_hits"`
	RedisErrors  int64       `json:"redis_errors"`
	Computed     int64       `json:"computed"`
}

// Layered is the cache-aside front for read endpoints.
type Layered struct {
	memory *MemoryCache
	redis  *RedisCache
	ttl    time.Duration
	logger logging.Logger
	group  singleflight.Group

	genMu       sync.Mutex
	generations map[string]uint64

	redisHits   int64
	redisErrors int64
	computed    int64
}

// NewLayered creates a layered cache.
func NewLayered(opts Options, logger logging.Logger) *Layered {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MemoryEntries <= 0 {
		opts.MemoryEntries = 1024
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Layered{
		memory: NewMemoryCache(opts.MemoryEntries),
		redis:  opts.Redis,
		ttl:    opts.TTL,
		logger: logger.WithComponent("cache"),

		generations: make(map[string]uint64),
	}
}

// GetOrCompute returns the cached payload for key, computing and storing it
// on a miss. Concurrent misses for the same key share one computation.
//
// With the Redis tier enabled it is consulted first, so an invalidation on
// any instance is seen by every other one. The memory tier then only serves
// while Redis is failing.
func (l *Layered) GetOrCompute(ctx context.Context, key string, fn ComputeFunc) (*Entry, error) {
	gen := l.generation(key)

	useMemory := l.redis == nil
	if l.redis != nil {
		data, ok, err := l.redis.Get(ctx, key)
		switch {
		case err != nil:
			l.redisFailed(ctx, "get", key, err)
			useMemory = true
		case ok:
			atomic.AddInt64(&l.redisHits, 1)
			l.storeMemory(key, data, gen)
			return &Entry{Data: data, ETag: ETag(data), Source: SourceRedis}, nil
		}
	}
	if useMemory {
		if data, ok := l.memory.Get(key); ok {
			return &Entry{Data: data, ETag: ETag(data), Source: SourceMemory}, nil
		}
	}

	// A flight started before an invalidation is never joined after it.
	flight := key + "@" + strconv.FormatUint(gen, 10)
	v, err, _ := l.group.Do(flight, func() (interface{}, error) {
		value, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(value)
		if err != nil {
			return nil, errors.NewInternalError(errors.ErrCodeInternalError, "encode response", err)
		}
		atomic.AddInt64(&l.computed, 1)

		if !l.storeMemory(key, data, gen) {
			l.logger.Debug(ctx, "Discarded result computed before invalidation", "key", key)
			return data, nil
		}
		l.storeRedis(ctx, key, data, gen)
		return data, nil
	})
	if err != nil {
		return nil, err
	}

	data := v.([]byte)
	return &Entry{Data: data, ETag: ETag(data), Source: SourceCompute}, nil
}

// generation sums the invalidation counters of every pattern matching key.
func (l *Layered) generation(key string) uint64 {
	l.genMu.Lock()
	defer l.genMu.Unlock()
	return l.generationLocked(key)
}

func (l *Layered) generationLocked(key string) uint64 {
	var gen uint64
	for pattern, n := range l.generations {
		if MatchPattern(pattern, key) {
			gen += n
		}
	}
	return gen
}

// storeMemory writes data unless key was invalidated since gen was read.
func (l *Layered) storeMemory(key string, data []byte, gen uint64) bool {
	l.genMu.Lock()
	defer l.genMu.Unlock()
	if l.generationLocked(key) != gen {
		return false
	}
	l.memory.Set(key, data, l.ttl)
	return true
}

// storeRedis writes data to the distributed tier. An invalidation racing the
// write is detected afterwards and the key is deleted again.
func (l *Layered) storeRedis(ctx context.Context, key string, data []byte, gen uint64) {
	if l.redis == nil {
		return
	}
	if err := l.redis.Set(ctx, key, data, l.ttl); err != nil {
		l.redisFailed(ctx, "set", key, err)
		return
	}
	if l.generation(key) != gen {
		if err := l.redis.Delete(ctx, key); err != nil {
			l.redisFailed(ctx, "del", key, err)
		}
	}
}

// Invalidate removes every key matching pattern from both tiers. A Redis
// failure is returned as a CacheError after the memory tier is cleared.
// Computations already running for matching keys do not store their results.
func (l *Layered) Invalidate(ctx context.Context, pattern string) error {
	l.genMu.Lock()
	l.generations[pattern]++
	removed := l.memory.Invalidate(pattern)
	l.genMu.Unlock()
	l.logger.Debug(ctx, "Cache invalidated", "pattern", pattern, "memory_removed", removed)

	if l.redis == nil {
		return nil
	}
	n, err := l.redis.Invalidate(ctx, pattern)
	if err != nil {
		atomic.AddInt64(&l.redisErrors, 1)
		return errors.NewCacheError("invalidate", err).WithContext("pattern", pattern)
	}
	l.logger.Debug(ctx, "Redis keys invalidated", "pattern", pattern, "removed", n)
	return nil
}

// Ping checks the distributed tier. It returns nil when the tier is disabled.
func (l *Layered) Ping(ctx context.Context) error {
	if l.redis == nil {
		return nil
	}
	if err := l.redis.Ping(ctx); err != nil {
		return errors.NewCacheError("ping", err)
	}
	return nil
}

// Stats returns cache statistics.
func (l *Layered) Stats() Stats {
	return Stats{
		Memory:       l.memory.Stats(),
		RedisEnabled: l.redis != nil,
		RedisHits:    atomic.LoadInt64(&l.redisHits),
		RedisErrors:  atomic.LoadInt64(&l.redisErrors),
		Computed:     atomic.LoadInt64(&l.computed),
	}
}

// Close releases the distributed tier.
func (l *Layered) Close() error {
	if l.redis == nil {
		return nil
	}
	return l.redis.Close()
}

func (l *Layered) redisFailed(ctx context.Context, op, key string, err error) {
	atomic.AddInt64(&l.redisErrors, 1)
	l.logger.Warn(ctx, errors.NewCacheError(op, err), "Redis tier bypassed", "key", key)
}
