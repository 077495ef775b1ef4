package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestDefaultLimitsCoverChannels(t *testing.T) {
	limits := DefaultLimits()
	for _, ch := range []string{"telegram", "whatsapp", "discord", "slack", "email", "webhook"} {
		if _, ok := limits[ch]; !ok {
			t.Errorf("missing default limit for %q", ch)
		}
	}
}

func TestCheckAllowsInitial(t *testing.T) {
	l := NewLimiter(nil)
	if !l.Check("webhook", "") {
		t.Error("first check should pass")
	}
}

func TestCheckRespectsChannelLimit(t *testing.T) {
	l := NewLimiter(map[string]BucketConfig{
		"test": {Capacity: 2, RefillRate: 0},
	})
	results := []bool{l.Check("test", ""), l.Check("test", ""), l.Check("test", "")}
	want := []bool{true, true, false}
	for i := range want {
		if results[i] != want[i] {
			t.Errorf("check %d = %v, want %v", i, results[i], want[i])
		}
	}
}

func TestTargetBucketsAreIndependent(t *testing.T) {
	l := NewLimiter(map[string]BucketConfig{
		"test": {Capacity: 5, RefillRate: 0},
	})
	if !l.Check("test", "user1") {
		t.Error("user1 should pass")
	}
	if !l.Check("test", "user2") {
		t.Error("user2 should pass on its own bucket")
	}
}

func TestTargetInheritsChannelConfig(t *testing.T) {
	l := NewLimiter(map[string]BucketConfig{
		"test": {Capacity: 1, RefillRate: 0},
	})
	b := l.bucketFor("test:room")
	if b.cfg.Capacity != 1 {
		t.Errorf("target bucket capacity = %v, want channel's 1", b.cfg.Capacity)
	}
	unknown := l.bucketFor("mystery")
	if unknown.cfg.Capacity != DefaultBucketConfig().Capacity {
		t.Errorf("unknown channel capacity = %v, want default", unknown.cfg.Capacity)
	}
}

func TestWaitBlocksForRefill(t *testing.T) {
	l := NewLimiter(map[string]BucketConfig{
		"fast": {Capacity: 1, RefillRate: 100.0},
	})
	l.Check("fast", "")
	if !l.Wait(context.Background(), "fast", "", time.Second) {
		t.Error("expected wait to succeed once tokens refill")
	}
}

func TestEstimatedWait(t *testing.T) {
	l := NewLimiter(nil)
	if got := l.EstimatedWait("telegram"); got < 0 {
		t.Errorf("EstimatedWait = %v, want >= 0", got)
	}
}

func TestStatsHidesTargetBuckets(t *testing.T) {
	l := NewLimiter(nil)
	l.Check("telegram", "chat42")
	stats := l.Stats()
	if _, ok := stats["global"]; !ok {
		t.Error("stats missing global")
	}
	channels, ok := stats["channels"].(map[string]BucketStats)
	if !ok {
		t.Fatalf("channels has wrong type: %T", stats["channels"])
	}
	if _, ok := channels["telegram"]; !ok {
		t.Error("stats missing telegram channel")
	}
	if _, ok := channels["telegram:chat42"]; ok {
		t.Error("target bucket must not appear in stats")
	}
}

func TestResetChannel(t *testing.T) {
	l := NewLimiter(map[string]BucketConfig{
		"test": {Capacity: 2, RefillRate: 0},
	})
	l.Check("test", "room")
	l.Check("test", "room")
	if l.Check("test", "room") {
		t.Fatal("expected channel to be exhausted")
	}
	l.Reset("test")
	if !l.Check("test", "room") {
		t.Error("expected fresh bucket after reset")
	}
}

func TestResetAll(t *testing.T) {
	l := NewLimiter(nil)
	l.Check("telegram", "")
	l.Check("discord", "")
	l.Reset("")
	channels := l.Stats()["channels"].(map[string]BucketStats)
	if len(channels) != 0 {
		t.Errorf("channels after reset = %v, want empty", channels)
	}
}

func TestGlobalBucketCapsThroughput(t *testing.T) {
	l := NewLimiter(map[string]BucketConfig{
		"unlimited": {Capacity: 10000, RefillRate: 1000},
	})
	count := 0
	for i := 0; i < 250; i++ {
		if l.Check("unlimited", "") {
			count++
		}
	}
	if count > 201 {
		t.Errorf("global bucket admitted %d sends, want <= 201", count)
	}
}
