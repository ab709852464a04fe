// Package cache provides the key/value layer in front of the AI service:
// TTL storage, glob-pattern invalidation, atomic counters for rate limiting,
// and a compute-if-absent wrapper.
//
// The backing tier is chosen once at construction: Redis when reachable,
// otherwise a process-local store with the same call contract. Caching is
// strictly an optimization, so backing-store failures are swallowed and
// reported as misses/no-ops, never raised to callers. A Redis that keeps
// failing past the reconnect cap is considered gone for the process lifetime.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Echo-Sols-Ltd/AITaskM-backend/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// Config controls the cache tier.
type Config struct {
	// Addr is the Redis address. Empty selects the local tier outright.
	Addr     string
	Password string
	DB       int

	// DefaultTTL applies when Set/Wrap is called with a non-positive TTL.
	DefaultTTL time.Duration

	// OpTimeout bounds every round trip to Redis so a slow store cannot
	// stall callers.
	OpTimeout time.Duration

	// MaxReconnectAttempts caps consecutive failed operations before the
	// shared store is considered permanently unavailable.
	MaxReconnectAttempts int
}

// Stats is a snapshot of cache health and usage.
type Stats struct {
	Mode      string `json:"mode"` // "redis" or "local"
	Connected bool   `json:"connected"`
	KeyCount  int64  `json:"keyCount"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Failures  uint64 `json:"failures"`
}

// flight tracks an in-progress Wrap computation so concurrent misses for the
// same key share one compute call.
type flight struct {
	wg    sync.WaitGroup
	value string
	err   error
}

// Cache is safe for concurrent use. Construct once at startup with New and
// tear down with Close.
type Cache struct {
	cfg   Config
	rdb   *redis.Client // nil in local mode
	local *localStore   // nil in shared mode

	mu          sync.Mutex
	failures    int
	unavailable bool // shared store gone for good

	inflightMu sync.Mutex
	inflight   map[string]*flight

	hits       uint64
	misses     uint64
	opFailures uint64
}

// New builds a cache. If cfg.Addr is set, Redis is pinged once; on success
// the shared tier is used, otherwise the cache silently runs process-local.
func New(cfg Config) *Cache {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 300 * time.Second
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 500 * time.Millisecond
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}

	c := &Cache{
		cfg:      cfg,
		inflight: make(map[string]*flight),
	}

	if cfg.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), cfg.OpTimeout)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err == nil {
			c.rdb = rdb
			logger.Log.Info().Str("addr", cfg.Addr).Msg("Cache connected to Redis")
			return c
		}
		rdb.Close()
		logger.Log.Warn().Err(err).Str("addr", cfg.Addr).
			Msg("Redis unreachable, cache falling back to local store")
	}

	c.local = newLocalStore()
	return c
}

// NewLocal builds a cache that never touches Redis. Intended for tests and
// single-process deployments.
func NewLocal(cfg Config) *Cache {
	cfg.Addr = ""
	return New(cfg)
}

// opCtx derives a bounded context for one Redis round trip.
func (c *Cache) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.OpTimeout)
}

// sharedUp reports whether the Redis tier should still be attempted.
func (c *Cache) sharedUp() bool {
	if c.rdb == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.unavailable
}

// noteFailure counts a failed Redis operation. Past the cap the shared store
// is written off for the rest of the process lifetime.
func (c *Cache) noteFailure(err error) {
	atomic.AddUint64(&c.opFailures, 1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unavailable {
		return
	}
	c.failures++
	logger.Log.Warn().Err(err).Int("failures", c.failures).Msg("Cache operation failed")
	if c.failures >= c.cfg.MaxReconnectAttempts {
		c.unavailable = true
		logger.Log.Error().
			Int("attempts", c.failures).
			Msg("Redis considered permanently unavailable, cache degraded to no-op")
	}
}

// noteSuccess resets the consecutive-failure counter.
func (c *Cache) noteSuccess() {
	c.mu.Lock()
	if c.failures != 0 && !c.unavailable {
		c.failures = 0
	}
	c.mu.Unlock()
}

// Get returns the stored value for key, or ok=false on miss, expiry, or an
// unavailable backing store.
func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	if c.local != nil {
		value, ok := c.local.get(key)
		c.track(ok)
		return value, ok
	}
	if !c.sharedUp() {
		c.track(false)
		return "", false
	}

	octx, cancel := c.opCtx(ctx)
	defer cancel()
	value, err := c.rdb.Get(octx, key).Result()
	if err == redis.Nil {
		c.noteSuccess()
		c.track(false)
		return "", false
	}
	if err != nil {
		c.noteFailure(err)
		c.track(false)
		return "", false
	}
	c.noteSuccess()
	c.track(true)
	return value, true
}

func (c *Cache) track(hit bool) {
	if hit {
		atomic.AddUint64(&c.hits, 1)
	} else {
		atomic.AddUint64(&c.misses, 1)
	}
}

// Set stores value under key for ttl (DefaultTTL when non-positive),
// overwriting any prior entry.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	if c.local != nil {
		c.local.set(key, value, ttl)
		return
	}
	if !c.sharedUp() {
		return
	}

	octx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.rdb.SetEx(octx, key, value, ttl).Err(); err != nil {
		c.noteFailure(err)
		return
	}
	c.noteSuccess()
}

// Del removes a single key.
func (c *Cache) Del(ctx context.Context, key string) {
	if c.local != nil {
		c.local.del(key)
		return
	}
	if !c.sharedUp() {
		return
	}

	octx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.rdb.Del(octx, key).Err(); err != nil {
		c.noteFailure(err)
		return
	}
	c.noteSuccess()
}

// DelPattern removes every key matching a Redis-style glob pattern and
// returns the number removed. The matching set is deleted in one pipeline so
// callers never observe a half-deleted set.
func (c *Cache) DelPattern(ctx context.Context, pattern string) int64 {
	if c.local != nil {
		return c.local.delPattern(pattern)
	}
	if !c.sharedUp() {
		return 0
	}

	octx, cancel := c.opCtx(ctx)
	defer cancel()
	keys, err := c.rdb.Keys(octx, pattern).Result()
	if err != nil {
		c.noteFailure(err)
		return 0
	}
	if len(keys) == 0 {
		c.noteSuccess()
		return 0
	}

	removed, err := c.rdb.Del(octx, keys...).Result()
	if err != nil {
		c.noteFailure(err)
		return 0
	}
	c.noteSuccess()
	logger.Log.Debug().Str("pattern", pattern).Int64("removed", removed).Msg("Cache pattern delete")
	return removed
}

// Exists reports whether key is present and unexpired.
func (c *Cache) Exists(ctx context.Context, key string) bool {
	if c.local != nil {
		_, ok := c.local.get(key)
		return ok
	}
	if !c.sharedUp() {
		return false
	}

	octx, cancel := c.opCtx(ctx)
	defer cancel()
	n, err := c.rdb.Exists(octx, key).Result()
	if err != nil {
		c.noteFailure(err)
		return false
	}
	c.noteSuccess()
	return n > 0
}

// Incr atomically increments the counter at key, starting from 0. When this
// increment creates the key, ttlOnFirstSet is attached as its expiry. The
// second return reports whether the backing store served the increment;
// callers needing hard guarantees (the rate limiter) fall back on false.
func (c *Cache) Incr(ctx context.Context, key string, ttlOnFirstSet time.Duration) (int64, bool) {
	if c.local != nil {
		return c.local.incr(key, ttlOnFirstSet), true
	}
	if !c.sharedUp() {
		return 0, false
	}

	octx, cancel := c.opCtx(ctx)
	defer cancel()
	count, err := c.rdb.Incr(octx, key).Result()
	if err != nil {
		c.noteFailure(err)
		return 0, false
	}
	if count == 1 {
		if err := c.rdb.Expire(octx, key, ttlOnFirstSet).Err(); err != nil {
			c.noteFailure(err)
			return count, true
		}
	}
	c.noteSuccess()
	return count, true
}

// Wrap returns the cached value for key, or invokes compute exactly once per
// in-process miss window, stores the result for ttl and returns it.
// Concurrent callers missing on the same key share a single compute call.
// Only compute's own error is ever returned.
func (c *Cache) Wrap(ctx context.Context, key string, ttl time.Duration, compute func() (string, error)) (string, error) {
	if value, ok := c.Get(ctx, key); ok {
		return value, nil
	}

	c.inflightMu.Lock()
	if f, ok := c.inflight[key]; ok {
		c.inflightMu.Unlock()
		f.wg.Wait()
		return f.value, f.err
	}
	f := &flight{}
	f.wg.Add(1)
	c.inflight[key] = f
	c.inflightMu.Unlock()

	// Re-check after winning the flight: another process may have filled
	// the shared store while we queued on the mutex.
	if value, ok := c.Get(ctx, key); ok {
		f.value = value
		c.finish(key, f)
		return value, nil
	}

	f.value, f.err = compute()
	if f.err == nil {
		c.Set(ctx, key, f.value, ttl)
	}
	c.finish(key, f)
	return f.value, f.err
}

func (c *Cache) finish(key string, f *flight) {
	c.inflightMu.Lock()
	delete(c.inflight, key)
	c.inflightMu.Unlock()
	f.wg.Done()
}

// GetStats returns a snapshot of cache health and hit counters.
func (c *Cache) GetStats(ctx context.Context) Stats {
	stats := Stats{
		Hits:     atomic.LoadUint64(&c.hits),
		Misses:   atomic.LoadUint64(&c.misses),
		Failures: atomic.LoadUint64(&c.opFailures),
	}

	if c.local != nil {
		stats.Mode = "local"
		stats.Connected = true
		stats.KeyCount = c.local.keyCount()
		return stats
	}

	stats.Mode = "redis"
	stats.Connected = c.sharedUp()
	if stats.Connected {
		octx, cancel := c.opCtx(ctx)
		defer cancel()
		if n, err := c.rdb.DBSize(octx).Result(); err == nil {
			stats.KeyCount = n
		}
	}
	return stats
}

// Close releases the backing store connection.
func (c *Cache) Close() error {
	if c.local != nil {
		c.local.close()
		return nil
	}
	return c.rdb.Close()
}
