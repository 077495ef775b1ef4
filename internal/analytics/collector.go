// Package analytics tracks delivery outcomes: success rates, latency
// percentiles over a sliding window, per-channel counters, error classes,
// and per-minute trend series.
package analytics

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultWindow bounds how long latency samples stay relevant.
const DefaultWindow = time.Hour

// LatencyStats summarizes the samples currently inside the window.
type LatencyStats struct {
	AvgMS   float64 `json:"avg_ms"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
	P99MS   float64 `json:"p99_ms"`
	MaxMS   float64 `json:"max_ms"`
	Samples int     `json:"samples"`
}

// ChannelStats counts outcomes for one channel.
type ChannelStats struct {
	Sent        int64   `json:"sent"`
	Failed      int64   `json:"failed"`
	Total       int64   `json:"total"`
	SuccessRate float64 `json:"success_rate"`
}

// TrendPoint is one minute bucket in a trend series.
type TrendPoint struct {
	Time   string `json:"time"`
	Sent   int64  `json:"sent"`
	Failed int64  `json:"failed"`
}

// Trend is a per-minute series covering the requested period.
type Trend struct {
	PeriodMinutes int          `json:"period_minutes"`
	Data          []TrendPoint `json:"data"`
}

// TargetCount ranks one delivery target by volume.
type TargetCount struct {
	Target string `json:"target"`
	Count  int64  `json:"count"`
}

// Summary is the full analytics snapshot.
type Summary struct {
	TotalSent    int64                   `json:"total_sent"`
	TotalFailed  int64                   `json:"total_failed"`
	TotalRetried int64                   `json:"total_retried"`
	SuccessRate  float64                 `json:"success_rate"`
	Latency      LatencyStats            `json:"latency"`
	ByChannel    map[string]ChannelStats `json:"by_channel"`
	Errors       map[string]int64        `json:"errors"`
	TopTargets   []TargetCount           `json:"top_targets"`
}

type latencySample struct {
	at time.Time
	ms float64
}

// Collector accumulates delivery metrics. All methods are safe for
// concurrent use.
type Collector struct {
	mu     sync.Mutex
	window time.Duration

	totalSent    int64
	totalFailed  int64
	totalRetried int64

	channelSent   map[string]int64
	channelFailed map[string]int64

	latencies []latencySample

	errorCounts map[string]int64

	minuteSent   map[string]int64
	minuteFailed map[string]int64

	targetCounts map[string]int64

	nowFn func() time.Time
}

// NewCollector builds a collector with the given latency window;
// zero means DefaultWindow.
func NewCollector(window time.Duration) *Collector {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Collector{
		window:        window,
		channelSent:   make(map[string]int64),
		channelFailed: make(map[string]int64),
		errorCounts:   make(map[string]int64),
		minuteSent:    make(map[string]int64),
		minuteFailed:  make(map[string]int64),
		targetCounts:  make(map[string]int64),
		nowFn:         time.Now,
	}
}

const minuteLayout = "2006-01-02 15:04"

// RecordSent tracks one successful delivery. latencyMS measures creation to
// send; zero and negative samples are dropped.
func (c *Collector) RecordSent(channel string, latencyMS float64, target string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalSent++
	c.channelSent[channel]++

	now := c.nowFn()
	if latencyMS > 0 {
		c.latencies = append(c.latencies, latencySample{at: now, ms: latencyMS})
	}
	c.minuteSent[now.UTC().Format(minuteLayout)]++
	if target != "" {
		c.targetCounts[target]++
	}
}

// RecordFailed tracks one terminal delivery failure.
func (c *Collector) RecordFailed(channel, errText string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalFailed++
	c.channelFailed[channel]++
	if errText != "" {
		c.errorCounts[classifyError(errText)]++
	}
	c.minuteFailed[c.nowFn().UTC().Format(minuteLayout)]++
}

// RecordRetry tracks one retry attempt.
func (c *Collector) RecordRetry(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetried++
}

// classifyError maps raw error text onto a coarse class. Checks run in
// order; the first match wins.
func classifyError(errText string) string {
	s := strings.ToLower(errText)
	switch {
	case strings.Contains(s, "timeout"):
		return "timeout"
	case strings.Contains(s, "rate") || strings.Contains(s, "429") || strings.Contains(s, "limit"):
		return "rate_limited"
	case strings.Contains(s, "auth") || strings.Contains(s, "401") || strings.Contains(s, "403"):
		return "auth_error"
	case strings.Contains(s, "not found") || strings.Contains(s, "404"):
		return "not_found"
	case strings.Contains(s, "connection") || strings.Contains(s, "connect"):
		return "connection_error"
	case strings.Contains(s, "500") || strings.Contains(s, "502") || strings.Contains(s, "503"):
		return "server_error"
	}
	return "other"
}

// pruneLatencies drops samples older than the window; callers hold the lock.
func (c *Collector) pruneLatencies() {
	cutoff := c.nowFn().Add(-c.window)
	kept := c.latencies[:0]
	for _, s := range c.latencies {
		if !s.at.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	c.latencies = kept
}

// SuccessRate reports sent/(sent+failed) as a percentage rounded to two
// decimals; channel "" means overall. No traffic reports zero.
func (c *Collector) SuccessRate(channel string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sent, failed int64
	if channel != "" {
		sent, failed = c.channelSent[channel], c.channelFailed[channel]
	} else {
		sent, failed = c.totalSent, c.totalFailed
	}
	total := sent + failed
	if total == 0 {
		return 0
	}
	return round2(float64(sent) / float64(total) * 100)
}

// LatencyStats computes percentiles over the in-window samples.
func (c *Collector) LatencyStats() LatencyStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLatencies()
	if len(c.latencies) == 0 {
		return LatencyStats{}
	}
	sorted := make([]float64, len(c.latencies))
	for i, s := range c.latencies {
		sorted[i] = s.ms
	}
	sort.Float64s(sorted)
	n := len(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	p99 := int(float64(n) * 0.99)
	if p99 > n-1 {
		p99 = n - 1
	}
	return LatencyStats{
		AvgMS:   round2(sum / float64(n)),
		P50MS:   round2(sorted[int(float64(n)*0.5)]),
		P95MS:   round2(sorted[int(float64(n)*0.95)]),
		P99MS:   round2(sorted[p99]),
		MaxMS:   round2(sorted[n-1]),
		Samples: n,
	}
}

// ChannelStats reports per-channel outcome counts.
func (c *Collector) ChannelStats() map[string]ChannelStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]ChannelStats)
	for ch := range c.channelSent {
		out[ch] = ChannelStats{}
	}
	for ch := range c.channelFailed {
		out[ch] = ChannelStats{}
	}
	for ch := range out {
		sent, failed := c.channelSent[ch], c.channelFailed[ch]
		total := sent + failed
		var rate float64
		if total > 0 {
			rate = round2(float64(sent) / float64(total) * 100)
		}
		out[ch] = ChannelStats{Sent: sent, Failed: failed, Total: total, SuccessRate: rate}
	}
	return out
}

// ErrorBreakdown reports counts per error class.
func (c *Collector) ErrorBreakdown() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.errorCounts))
	for k, v := range c.errorCounts {
		out[k] = v
	}
	return out
}

// Trend returns one point per minute covering the last period, endpoints
// inclusive.
func (c *Collector) Trend(minutes int) Trend {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.nowFn().UTC()
	start := now.Add(-time.Duration(minutes) * time.Minute)
	data := make([]TrendPoint, 0, minutes+1)
	for i := 0; i <= minutes; i++ {
		key := start.Add(time.Duration(i) * time.Minute).Format(minuteLayout)
		data = append(data, TrendPoint{
			Time:   key,
			Sent:   c.minuteSent[key],
			Failed: c.minuteFailed[key],
		})
	}
	return Trend{PeriodMinutes: minutes, Data: data}
}

// TopTargets ranks targets by send volume, ties broken by name for a
// stable order.
func (c *Collector) TopTargets(limit int) []TargetCount {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TargetCount, 0, len(c.targetCounts))
	for t, n := range c.targetCounts {
		out = append(out, TargetCount{Target: t, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Target < out[j].Target
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Summary assembles the full snapshot.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	sent, failed, retried := c.totalSent, c.totalFailed, c.totalRetried
	c.mu.Unlock()
	return Summary{
		TotalSent:    sent,
		TotalFailed:  failed,
		TotalRetried: retried,
		SuccessRate:  c.SuccessRate(""),
		Latency:      c.LatencyStats(),
		ByChannel:    c.ChannelStats(),
		Errors:       c.ErrorBreakdown(),
		TopTargets:   c.TopTargets(5),
	}
}

// Reset clears every counter and sample.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalSent, c.totalFailed, c.totalRetried = 0, 0, 0
	c.channelSent = make(map[string]int64)
	c.channelFailed = make(map[string]int64)
	c.latencies = nil
	c.errorCounts = make(map[string]int64)
	c.minuteSent = make(map[string]int64)
	c.minuteFailed = make(map[string]int64)
	c.targetCounts = make(map[string]int64)
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
