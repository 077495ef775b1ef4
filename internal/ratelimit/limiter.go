package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"
)

// DefaultLimits carries the per-channel bucket sizing tuned to each
// platform's published API limits.
func DefaultLimits() map[string]BucketConfig {
	return map[string]BucketConfig{
		"telegram": {Capacity: 30, RefillRate: 1.0, Burst: 5, CooldownMS: 35},
		"whatsapp": {Capacity: 80, RefillRate: 2.0, Burst: 10, CooldownMS: 50},
		"discord":  {Capacity: 5, RefillRate: 0.2, Burst: 2, CooldownMS: 500},
		"slack":    {Capacity: 1, RefillRate: 1.0, Burst: 1, CooldownMS: 1000},
		"email":    {Capacity: 10, RefillRate: 0.5, Burst: 3, CooldownMS: 200},
		"webhook":  {Capacity: 100, RefillRate: 10.0, Burst: 20, CooldownMS: 10},
	}
}

func globalConfig() BucketConfig {
	return BucketConfig{Capacity: 200, RefillRate: 20.0, Burst: 50, CooldownMS: 0}
}

// Limiter runs a two-level admission check: a global bucket shared by all
// traffic, a bucket per channel, and optionally a bucket per target keyed
// "channel:target". Target buckets inherit the channel's config.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*TokenBucket
	limits  map[string]BucketConfig
	global  *TokenBucket
}

// NewLimiter builds a limiter; custom entries override the defaults
// per channel.
func NewLimiter(custom map[string]BucketConfig) *Limiter {
	limits := DefaultLimits()
	for k, v := range custom {
		limits[k] = v
	}
	return &Limiter{
		buckets: make(map[string]*TokenBucket),
		limits:  limits,
		global:  NewTokenBucket(globalConfig()),
	}
}

// bucketFor returns the bucket for key, creating it on first use. Target
// keys ("channel:target") fall back to the channel's config.
func (l *Limiter) bucketFor(key string) *TokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	channel := key
	if i := strings.Index(key, ":"); i >= 0 {
		channel = key[:i]
	}
	cfg, ok := l.limits[channel]
	if !ok {
		cfg = DefaultBucketConfig()
	}
	b := NewTokenBucket(cfg)
	l.buckets[key] = b
	return b
}

// Check consumes from global, channel, and (when target is set) target
// buckets in that order. A rejection short-circuits; earlier consumptions
// are not refunded.
func (l *Limiter) Check(channel, target string) bool {
	if !l.global.TryConsume(1) {
		return false
	}
	if !l.bucketFor(channel).TryConsume(1) {
		return false
	}
	if target != "" {
		if !l.bucketFor(channel + ":" + target).TryConsume(1) {
			return false
		}
	}
	return true
}

// Wait is the blocking variant of Check. Each level gets the full timeout.
func (l *Limiter) Wait(ctx context.Context, channel, target string, timeout time.Duration) bool {
	if !l.global.Consume(ctx, 1, timeout) {
		return false
	}
	if !l.bucketFor(channel).Consume(ctx, 1, timeout) {
		return false
	}
	if target != "" {
		if !l.bucketFor(channel+":"+target).Consume(ctx, 1, timeout) {
			return false
		}
	}
	return true
}

// EstimatedWait reports how long the next send on channel would block,
// whichever of the global or channel bucket is worse.
func (l *Limiter) EstimatedWait(channel string) time.Duration {
	global := l.global.WaitTime(1)
	ch := l.bucketFor(channel).WaitTime(1)
	if global > ch {
		return global
	}
	return ch
}

// Stats reports the global bucket plus every channel-level bucket that has
// seen traffic. Target buckets stay out of the listing.
func (l *Limiter) Stats() map[string]interface{} {
	channels := make(map[string]BucketStats)
	l.mu.Lock()
	keys := make([]string, 0, len(l.buckets))
	for k := range l.buckets {
		if !strings.Contains(k, ":") {
			keys = append(keys, k)
		}
	}
	l.mu.Unlock()
	for _, k := range keys {
		channels[k] = l.bucketFor(k).Stats()
	}
	return map[string]interface{}{
		"global":   l.global.Stats(),
		"channels": channels,
	}
}

// Reset drops the named channel's bucket along with all of its target
// buckets, or every bucket when channel is empty. The global bucket is
// left untouched.
func (l *Limiter) Reset(channel string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if channel == "" {
		l.buckets = make(map[string]*TokenBucket)
		return
	}
	for k := range l.buckets {
		if k == channel || strings.HasPrefix(k, channel+":") {
			delete(l.buckets, k)
		}
	}
}
