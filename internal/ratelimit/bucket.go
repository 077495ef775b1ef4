// Package ratelimit implements per-channel token bucket admission control.
// Every channel gets its own bucket, optionally subdivided per target, with
// a shared global bucket in front of all of them.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// BucketConfig sizes one token bucket. Burst is extra headroom above
// capacity that accumulates while the bucket sits idle; CooldownMS is the
// minimum spacing between two consumptions.
type BucketConfig struct {
	Capacity   float64 `json:"capacity"`
	RefillRate float64 `json:"refill_rate"`
	Burst      float64 `json:"burst"`
	CooldownMS int     `json:"cooldown_ms"`
}

// DefaultBucketConfig is used for channels without an explicit entry.
func DefaultBucketConfig() BucketConfig {
	return BucketConfig{Capacity: 30, RefillRate: 1.0, Burst: 10, CooldownMS: 100}
}

// pollInterval is how often a blocking Consume re-checks the bucket.
const pollInterval = 50 * time.Millisecond

// maxWait stands in for an unbounded wait when the refill rate is zero.
const maxWait = 365 * 24 * time.Hour

// BucketStats is a point-in-time snapshot of one bucket's counters.
type BucketStats struct {
	AvailableTokens float64 `json:"available_tokens"`
	Capacity        float64 `json:"capacity"`
	RefillRate      float64 `json:"refill_rate"`
	TotalConsumed   int64   `json:"total_consumed"`
	TotalRejected   int64   `json:"total_rejected"`
	TotalWaitedMS   float64 `json:"total_waited_ms"`
	RejectionRate   float64 `json:"rejection_rate"`
}

// TokenBucket is a thread-safe token bucket. Fresh buckets start at
// Capacity; Burst headroom only builds up afterwards.
type TokenBucket struct {
	mu          sync.Mutex
	cfg         BucketConfig
	tokens      float64
	lastRefill  time.Time
	lastConsume time.Time
	consumed    int64
	rejected    int64
	waitedMS    float64

	nowFn func() time.Time
}

// NewTokenBucket builds a bucket sized by cfg.
func NewTokenBucket(cfg BucketConfig) *TokenBucket {
	b := &TokenBucket{cfg: cfg, tokens: cfg.Capacity, nowFn: time.Now}
	b.lastRefill = b.nowFn()
	return b
}

// refill advances the token count; callers must hold the lock.
func (b *TokenBucket) refill() {
	now := b.nowFn()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = math.Min(b.cfg.Capacity+b.cfg.Burst, b.tokens+elapsed*b.cfg.RefillRate)
	b.lastRefill = now
}

// TryConsume takes n tokens without blocking; failed attempts (cooldown or
// empty bucket) count as rejections.
func (b *TokenBucket) TryConsume(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()

	now := b.nowFn()
	if !b.lastConsume.IsZero() && b.cfg.CooldownMS > 0 {
		elapsedMS := float64(now.Sub(b.lastConsume)) / float64(time.Millisecond)
		if elapsedMS < float64(b.cfg.CooldownMS) {
			b.rejected++
			return false
		}
	}

	if b.tokens >= n {
		b.tokens -= n
		b.lastConsume = now
		b.consumed++
		return true
	}
	b.rejected++
	return false
}

// Consume blocks until n tokens are available, the timeout lapses, or ctx is
// cancelled. Time spent waiting accumulates in the stats.
func (b *TokenBucket) Consume(ctx context.Context, n float64, timeout time.Duration) bool {
	start := b.nowFn()
	deadline := start.Add(timeout)

	for b.nowFn().Before(deadline) {
		if b.TryConsume(n) {
			waited := float64(b.nowFn().Sub(start)) / float64(time.Millisecond)
			b.mu.Lock()
			b.waitedMS += waited
			b.mu.Unlock()
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(pollInterval):
		}
	}
	return false
}

// WaitTime estimates how long until n tokens become available.
func (b *TokenBucket) WaitTime(n float64) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.tokens >= n {
		return 0
	}
	if b.cfg.RefillRate <= 0 {
		return maxWait
	}
	deficit := n - b.tokens
	return time.Duration(deficit / b.cfg.RefillRate * float64(time.Second))
}

// Available reports the current token count after refill.
func (b *TokenBucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// Stats snapshots the bucket counters.
func (b *TokenBucket) Stats() BucketStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	attempts := b.consumed + b.rejected
	var rate float64
	if attempts > 0 {
		rate = float64(b.rejected) / float64(attempts) * 100
	}
	return BucketStats{
		AvailableTokens: round2(b.tokens),
		Capacity:        b.cfg.Capacity,
		RefillRate:      b.cfg.RefillRate,
		TotalConsumed:   b.consumed,
		TotalRejected:   b.rejected,
		TotalWaitedMS:   round2(b.waitedMS),
		RejectionRate:   round2(rate),
	}
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
