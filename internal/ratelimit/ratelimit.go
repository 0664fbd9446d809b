// Package ratelimit implements the Rate Limiter (spec §4.5): a token
// bucket per (group, tool) pair, created lazily on first use. Unlike
// golang.org/x/time/rate, this bucket exposes its fractional token count
// so Check can compute the exact retry_after_ms the spec's formula
// requires — x/time/rate deliberately hides that state.
package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Config is the per-group (or default) bucket configuration.
type Config struct {
	RequestsPerMinute float64
	BurstSize         float64
}

// DefaultConfig is used for any group without an explicit override.
var DefaultConfig = Config{RequestsPerMinute: 60, BurstSize: 10}

type bucketKey struct {
	group string
	tool  string
}

type bucket struct {
	mu            sync.Mutex
	capacity      float64
	refillPerMin  float64
	tokens        float64
	lastRefillTS  time.Time
}

// Decision is the outcome of a Check call.
type Decision struct {
	Allowed      bool
	RetryAfterMs int64
}

// Limiter is the single owner of every (group, tool) bucket.
type Limiter struct {
	now func() time.Time

	mu       sync.Mutex
	buckets  map[bucketKey]*bucket
	overrides map[string]Config
	defaultConfig Config
}

// New creates a Limiter. If defaultConfig is the zero value, DefaultConfig
// is used instead.
func New(defaultConfig Config) *Limiter {
	if defaultConfig == (Config{}) {
		defaultConfig = DefaultConfig
	}
	return &Limiter{
		now:           time.Now,
		buckets:       make(map[bucketKey]*bucket),
		overrides:     make(map[string]Config),
		defaultConfig: defaultConfig,
	}
}

// SetGroupOverride replaces the bucket configuration used for every bucket
// belonging to group, for buckets created from now on. Existing buckets
// for that group keep their current capacity/refill until they're
// recreated (a group override is expected to be set at startup, before
// traffic begins).
func (l *Limiter) SetGroupOverride(group string, cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrides[group] = cfg
}

func (l *Limiter) configFor(group string) Config {
	if cfg, ok := l.overrides[group]; ok {
		return cfg
	}
	return l.defaultConfig
}

// Check refills the (group, tool) bucket based on elapsed wall time, then
// either consumes one token and allows, or denies with a retry_after_ms
// hint computed per spec §4.5's exact formula.
func (l *Limiter) Check(group, tool string) Decision {
	key := bucketKey{group: group, tool: tool}

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		cfg := l.configFor(group)
		b = &bucket{
			capacity:     cfg.BurstSize,
			refillPerMin: cfg.RequestsPerMinute,
			tokens:       cfg.BurstSize,
			lastRefillTS: l.now(),
		}
		l.buckets[key] = b
	}
	l.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(b.lastRefillTS).Seconds()
	if elapsed > 0 {
		refill := elapsed * (b.refillPerMin / 60.0)
		b.tokens = math.Min(b.capacity, b.tokens+refill)
		b.lastRefillTS = now
	}

	if b.tokens >= 1 {
		b.tokens -= 1
		return Decision{Allowed: true}
	}

	retryAfterMs := int64(math.Ceil((1 - b.tokens) * 60000 / b.refillPerMin))
	return Decision{Allowed: false, RetryAfterMs: retryAfterMs}
}

// Reap removes buckets that have sat full and idle past threshold, per
// spec §5's "reaped periodically when idle" resource policy.
func (l *Limiter) Reap(idleThreshold time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, b := range l.buckets {
		b.mu.Lock()
		idle := now.Sub(b.lastRefillTS) > idleThreshold
		full := b.tokens >= b.capacity
		b.mu.Unlock()
		if idle && full {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

func (l *Limiter) String() string {
	return fmt.Sprintf("ratelimit.Limiter{buckets=%d}", len(l.buckets))
}
