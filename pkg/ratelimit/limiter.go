// Package ratelimit bounds request rate per key within a sliding window.
// Counters live in the shared cache (Redis INCR + EXPIRE) for cross-process
// consistency, with an in-process fallback when the store is unavailable.
// A background sampler scales the effective ceiling down under memory
// pressure and back up toward the configured base as pressure subsides.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Echo-Sols-Ltd/AITaskM-backend/pkg/cache"
	"github.com/Echo-Sols-Ltd/AITaskM-backend/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
)

var (
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aitaskm_ratelimit_decisions_total",
		Help: "Rate limit decisions by outcome",
	}, []string{"allowed"})

	effectiveCeiling = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aitaskm_ratelimit_effective_max",
		Help: "Current adaptive request ceiling per window",
	})
)

// Config controls the limiter.
type Config struct {
	// Window is the sliding window length.
	Window time.Duration

	// Max is the base ceiling of requests per key per window.
	Max int64

	// MinMax is the floor the adaptive ceiling never drops below.
	MinMax int64

	// MemoryHighWater and MemoryLowWater are fractions of the memory limit.
	// Above high the ceiling is scaled down, below low it recovers.
	MemoryHighWater float64
	MemoryLowWater  float64

	// SampleInterval is how often memory pressure is sampled.
	SampleInterval time.Duration

	// MemoryLimitBytes is the denominator for pressure. Zero derives it
	// from GOMEMLIMIT, falling back to total runtime-managed memory.
	MemoryLimitBytes uint64
}

// Decision is the outcome of an Allow call.
type Decision struct {
	Allowed bool `json:"allowed"`

	// RetryAfter is the remaining window time; only meaningful when the
	// request was denied.
	RetryAfter time.Duration `json:"retryAfter"`

	// Remaining is how many requests are left in the window (0 when denied).
	Remaining int64 `json:"remaining"`
}

type localCounter struct {
	count       int64
	windowStart time.Time
}

// Limiter is safe for concurrent use. Construct one per process and share it.
type Limiter struct {
	cfg   Config
	cache *cache.Cache

	// effectiveMax is the adaptive ceiling, mutated only by the sampler.
	effectiveMax atomic.Int64

	cron *cron.Cron

	// In-process counters, used only when the shared store cannot serve
	// the increment. Per-process semantics, same window arithmetic.
	mu     sync.Mutex
	counts map[string]*localCounter
}

// New creates a limiter backed by the given cache tier.
func New(cfg Config, store *cache.Cache) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Max <= 0 {
		cfg.Max = 100
	}
	if cfg.MinMax <= 0 {
		cfg.MinMax = 10
	}
	if cfg.MemoryHighWater <= 0 {
		cfg.MemoryHighWater = 0.85
	}
	if cfg.MemoryLowWater <= 0 {
		cfg.MemoryLowWater = 0.60
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 60 * time.Second
	}

	l := &Limiter{
		cfg:    cfg,
		cache:  store,
		cron:   cron.New(cron.WithSeconds()),
		counts: make(map[string]*localCounter),
	}
	l.effectiveMax.Store(cfg.Max)
	effectiveCeiling.Set(float64(cfg.Max))
	return l
}

// Start launches the periodic memory sampler.
func (l *Limiter) Start() error {
	spec := fmt.Sprintf("@every %s", l.cfg.SampleInterval)
	if _, err := l.cron.AddFunc(spec, l.sample); err != nil {
		return fmt.Errorf("failed to schedule memory sampler: %w", err)
	}
	l.cron.Start()
	logger.Log.Info().Str("interval", l.cfg.SampleInterval.String()).Msg("Rate limiter memory sampler started")
	return nil
}

// Stop halts the sampler. In-flight Allow calls are unaffected.
func (l *Limiter) Stop() {
	l.cron.Stop()
}

// Allow records one request for key and decides whether it is under the
// current effective ceiling. Denials carry the remaining window time as a
// backoff hint. Allow never fails: if the shared store cannot serve the
// increment, an in-process counter takes over.
func (l *Limiter) Allow(ctx context.Context, key string) Decision {
	now := time.Now()
	windowStart := now.Truncate(l.cfg.Window)
	retryAfter := windowStart.Add(l.cfg.Window).Sub(now)

	bucket := fmt.Sprintf("ratelimit:%s:%d", key, windowStart.UnixMilli())
	count, ok := l.cache.Incr(ctx, bucket, l.cfg.Window)
	if !ok {
		count = l.localIncr(key, windowStart)
	}

	max := l.effectiveMax.Load()
	if count > max {
		decisionsTotal.WithLabelValues("false").Inc()
		logger.Log.Debug().
			Str("key", key).
			Int64("count", count).
			Int64("max", max).
			Dur("retry_after", retryAfter).
			Msg("Rate limit exceeded")
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}

	decisionsTotal.WithLabelValues("true").Inc()
	return Decision{Allowed: true, Remaining: max - count}
}

// localIncr is the in-process counterpart of the shared INCR. The counter
// resets exactly when the window boundary is crossed.
func (l *Limiter) localIncr(key string, windowStart time.Time) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counts[key]
	if !ok || c.windowStart.Before(windowStart) {
		c = &localCounter{windowStart: windowStart}
		l.counts[key] = c
	}
	c.count++
	return c.count
}

// EffectiveMax returns the current adaptive ceiling.
func (l *Limiter) EffectiveMax() int64 {
	return l.effectiveMax.Load()
}

// sample reads current memory pressure and adjusts the ceiling.
func (l *Limiter) sample() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	limit := l.cfg.MemoryLimitBytes
	if limit == 0 {
		// A negative input reads GOMEMLIMIT without changing it.
		if lim := debug.SetMemoryLimit(-1); lim > 0 && lim < math.MaxInt64 {
			limit = uint64(lim)
		} else {
			limit = m.Sys
		}
	}
	if limit == 0 {
		return
	}

	l.adjust(float64(m.HeapAlloc) / float64(limit))
}

// adjust scales the effective ceiling for the observed memory usage ratio.
// The adjustment is global; it has no per-key scoping.
func (l *Limiter) adjust(usage float64) {
	current := l.effectiveMax.Load()
	next := current

	switch {
	case usage > l.cfg.MemoryHighWater:
		next = current / 2
		if next < l.cfg.MinMax {
			next = l.cfg.MinMax
		}
	case usage < l.cfg.MemoryLowWater:
		next = int64(math.Ceil(float64(current) * 1.2))
		if next > l.cfg.Max {
			next = l.cfg.Max
		}
	}

	if next != current {
		l.effectiveMax.Store(next)
		effectiveCeiling.Set(float64(next))
		logger.Log.Info().
			Float64("memory_usage", usage).
			Int64("from", current).
			Int64("to", next).
			Msg("Adaptive rate limit ceiling adjusted")
	}
}
