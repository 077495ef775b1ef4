package router

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/omnigate/internal/analytics"
	"github.com/nextlevelbuilder/omnigate/internal/bus"
	"github.com/nextlevelbuilder/omnigate/internal/channels"
	"github.com/nextlevelbuilder/omnigate/internal/message"
	"github.com/nextlevelbuilder/omnigate/internal/ratelimit"
	"github.com/nextlevelbuilder/omnigate/pkg/protocol"
)

type fakeAdapter struct {
	name    message.Channel
	enabled bool

	mu       sync.Mutex
	calls    int
	failures int   // fail the first N attempts
	errText  string
	abortErr error // returned as the error value on every call when set
	last     *message.Message
}

func (f *fakeAdapter) Name() message.Channel            { return f.name }
func (f *fakeAdapter) Enabled() bool                    { return f.enabled }
func (f *fakeAdapter) Validate(_ context.Context) error { return nil }

func (f *fakeAdapter) Send(_ context.Context, m *message.Message) (*message.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = m
	if f.abortErr != nil {
		return nil, f.abortErr
	}
	if f.calls <= f.failures {
		return message.Failure(m, f.errText), nil
	}
	return &message.SendResult{Success: true, MessageID: m.ID, Channel: f.name}, nil
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeAdapter) lastMessage() *message.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func newTestEngine(adapters ...*fakeAdapter) *Engine {
	reg := channels.NewRegistry()
	for _, a := range adapters {
		reg.Register(a)
	}
	return NewEngine(reg, 3, time.Millisecond)
}

type sinkRecorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (s *sinkRecorder) Broadcast(ev bus.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *sinkRecorder) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Name
	}
	return out
}

func TestDispatchSuccess(t *testing.T) {
	tg := &fakeAdapter{name: message.ChannelTelegram, enabled: true}
	e := newTestEngine(tg)

	msg := message.New(message.ChannelTelegram, "hi", "12345")
	res := e.Dispatch(context.Background(), msg)

	if !res.Success {
		t.Fatalf("dispatch failed: %s", res.Error)
	}
	if res.MessageID != msg.ID {
		t.Errorf("message id = %q, want %q", res.MessageID, msg.ID)
	}
	if res.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", res.RetryCount)
	}
	if msg.Status != message.StatusSent {
		t.Errorf("status = %q, want %q", msg.Status, message.StatusSent)
	}
	if msg.SentAt == nil {
		t.Error("sent_at not stamped")
	}
	if tg.callCount() != 1 {
		t.Errorf("adapter calls = %d, want 1", tg.callCount())
	}

	stats := e.Stats()
	if got := stats["total"].(int); got != 1 {
		t.Errorf("total = %d, want 1", got)
	}
	if got := stats["sent"].(int); got != 1 {
		t.Errorf("sent = %d, want 1", got)
	}
	if got := stats["by_channel"].(map[string]int)["telegram"]; got != 1 {
		t.Errorf("by_channel[telegram] = %d, want 1", got)
	}
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	tg := &fakeAdapter{name: message.ChannelTelegram, enabled: true, failures: 2, errText: "flaky"}
	e := newTestEngine(tg)

	msg := message.New(message.ChannelTelegram, "hi", "12345")
	start := time.Now()
	res := e.Dispatch(context.Background(), msg)

	if !res.Success {
		t.Fatalf("dispatch failed: %s", res.Error)
	}
	if res.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", res.RetryCount)
	}
	// Two backoff sleeps: delay*2^0 + delay*2^1 with delay = 1ms.
	if elapsed := time.Since(start); elapsed < 3*time.Millisecond {
		t.Errorf("elapsed = %v, want at least 3ms of backoff", elapsed)
	}
	if tg.callCount() != 3 {
		t.Errorf("adapter calls = %d, want 3", tg.callCount())
	}
	if msg.Status != message.StatusSent {
		t.Errorf("status = %q, want %q", msg.Status, message.StatusSent)
	}
}

func TestDispatchExhaustionDeadLetters(t *testing.T) {
	tg := &fakeAdapter{name: message.ChannelTelegram, enabled: true, failures: 10, errText: "boom"}
	e := newTestEngine(tg)

	msg := message.New(message.ChannelTelegram, "hi", "12345")
	msg.MaxRetries = 2
	res := e.Dispatch(context.Background(), msg)

	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error != "All 3 attempts failed: boom" {
		t.Errorf("error = %q, want %q", res.Error, "All 3 attempts failed: boom")
	}
	if res.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", res.RetryCount)
	}
	if tg.callCount() != 3 {
		t.Errorf("adapter calls = %d, want 3", tg.callCount())
	}
	if msg.Status != message.StatusDead {
		t.Errorf("status = %q, want %q", msg.Status, message.StatusDead)
	}
	if msg.LastError != "boom" {
		t.Errorf("last error = %q, want %q", msg.LastError, "boom")
	}

	dead := e.DeadLetters(0)
	if len(dead) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dead))
	}
	if dead[0].Error != "boom" {
		t.Errorf("entry error = %q, want %q", dead[0].Error, "boom")
	}
	if dead[0].RetryCount != 2 {
		t.Errorf("entry retry count = %d, want 2", dead[0].RetryCount)
	}
	if dead[0].FailedAt.IsZero() {
		t.Error("entry failed_at not stamped")
	}

	stats := e.Stats()
	if got := stats["errors"].(int); got != 1 {
		t.Errorf("errors = %d, want 1", got)
	}
	if got := stats["dead_letters"].(int); got != 1 {
		t.Errorf("dead_letters = %d, want 1", got)
	}
}

func TestDispatchEmptyErrorBecomesUnknown(t *testing.T) {
	tg := &fakeAdapter{name: message.ChannelTelegram, enabled: true, failures: 10}
	e := newTestEngine(tg)

	msg := message.New(message.ChannelTelegram, "hi", "12345")
	msg.MaxRetries = 1
	res := e.Dispatch(context.Background(), msg)

	if res.Error != "All 2 attempts failed: Unknown error" {
		t.Errorf("error = %q, want %q", res.Error, "All 2 attempts failed: Unknown error")
	}
}

func TestDispatchNoHandler(t *testing.T) {
	e := newTestEngine() // empty registry

	msg := message.New(message.ChannelSlack, "hi", "#general")
	res := e.Dispatch(context.Background(), msg)

	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error != "No handler for channel: slack" {
		t.Errorf("error = %q, want %q", res.Error, "No handler for channel: slack")
	}
	if len(e.DeadLetters(0)) != 0 {
		t.Error("missing handler must not dead-letter")
	}
	if got := e.Stats()["errors"].(int); got != 1 {
		t.Errorf("errors = %d, want 1", got)
	}
}

func TestDispatchAbortSkipsDeadLetterQueue(t *testing.T) {
	tg := &fakeAdapter{name: message.ChannelTelegram, enabled: true, abortErr: context.Canceled}
	e := newTestEngine(tg)

	msg := message.New(message.ChannelTelegram, "hi", "12345")
	res := e.Dispatch(context.Background(), msg)

	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error != "context canceled" {
		t.Errorf("error = %q, want %q", res.Error, "context canceled")
	}
	if len(e.DeadLetters(0)) != 0 {
		t.Error("aborted send must not dead-letter")
	}
	if msg.Status == message.StatusDead {
		t.Error("aborted message must not be marked dead")
	}
}

func TestRuleOverridesChannel(t *testing.T) {
	tg := &fakeAdapter{name: message.ChannelTelegram, enabled: true}
	sl := &fakeAdapter{name: message.ChannelSlack, enabled: true}
	e := newTestEngine(tg, sl)

	e.AddRule(&Rule{
		Name:      "urgent-to-telegram",
		Condition: func(m *message.Message) bool { return m.Priority >= message.PriorityHigh },
		Target:    message.ChannelTelegram,
		Priority:  10,
	})

	msg := message.New(message.ChannelSlack, "page", "#oncall")
	msg.Priority = message.PriorityCritical
	res := e.Dispatch(context.Background(), msg)

	if !res.Success {
		t.Fatalf("dispatch failed: %s", res.Error)
	}
	if res.Channel != message.ChannelTelegram {
		t.Errorf("channel = %q, want %q", res.Channel, message.ChannelTelegram)
	}
	if tg.callCount() != 1 || sl.callCount() != 0 {
		t.Errorf("calls = tg %d sl %d, want tg 1 sl 0", tg.callCount(), sl.callCount())
	}

	// Normal priority misses the rule and stays on slack.
	calm := message.New(message.ChannelSlack, "fyi", "#general")
	if res := e.Dispatch(context.Background(), calm); res.Channel != message.ChannelSlack {
		t.Errorf("channel = %q, want %q", res.Channel, message.ChannelSlack)
	}
}

func TestRulePriorityOrder(t *testing.T) {
	e := newTestEngine()
	always := func(*message.Message) bool { return true }

	e.AddRule(&Rule{Name: "low", Condition: always, Target: message.ChannelSlack, Priority: 1})
	e.AddRule(&Rule{Name: "high", Condition: always, Target: message.ChannelTelegram, Priority: 9})

	msg := message.New(message.ChannelEmail, "x", "a@b.c")
	if r := e.MatchRule(msg); r == nil || r.Name != "high" {
		t.Fatalf("matched %+v, want rule high", r)
	}

	all := e.MatchAllRules(msg)
	if len(all) != 2 || all[0].Name != "high" || all[1].Name != "low" {
		t.Fatalf("match all = %d rules, want [high low]", len(all))
	}
}

func TestDisabledAndPanickingRulesSkipped(t *testing.T) {
	e := newTestEngine()
	always := func(*message.Message) bool { return true }

	e.AddRule(&Rule{Name: "off", Condition: always, Target: message.ChannelTelegram, Priority: 10, Disabled: true})
	e.AddRule(&Rule{Name: "panics", Condition: func(*message.Message) bool { panic("boom") }, Target: message.ChannelTelegram, Priority: 5})
	e.AddRule(&Rule{Name: "fallback", Condition: always, Target: message.ChannelSlack, Priority: 1})

	msg := message.New(message.ChannelEmail, "x", "a@b.c")
	r := e.MatchRule(msg)
	if r == nil || r.Name != "fallback" {
		t.Fatalf("matched %+v, want rule fallback", r)
	}
}

func TestRemoveRule(t *testing.T) {
	e := newTestEngine()
	always := func(*message.Message) bool { return true }
	e.AddRule(&Rule{Name: "a", Condition: always, Target: message.ChannelSlack, Priority: 1})

	if !e.RemoveRule("a") {
		t.Error("expected removal")
	}
	if e.RemoveRule("a") {
		t.Error("second removal should report false")
	}
	if got := e.Stats()["rules_count"].(int); got != 0 {
		t.Errorf("rules_count = %d, want 0", got)
	}
}

func TestRuleTransform(t *testing.T) {
	tg := &fakeAdapter{name: message.ChannelTelegram, enabled: true}
	e := newTestEngine(tg)

	e.AddRule(&Rule{
		Name:      "tag-urgent",
		Condition: func(m *message.Message) bool { return m.Priority >= message.PriorityHigh },
		Target:    message.ChannelTelegram,
		Priority:  5,
		Transform: func(m *message.Message) *message.Message {
			m.Content = "[URGENT] " + m.Content
			return m
		},
	})

	msg := message.New(message.ChannelTelegram, "disk full", "12345")
	msg.Priority = message.PriorityHigh
	if res := e.Dispatch(context.Background(), msg); !res.Success {
		t.Fatalf("dispatch failed: %s", res.Error)
	}
	if got := tg.lastMessage().Content; got != "[URGENT] disk full" {
		t.Errorf("content = %q, want %q", got, "[URGENT] disk full")
	}
}

func TestMiddlewareChain(t *testing.T) {
	tg := &fakeAdapter{name: message.ChannelTelegram, enabled: true}
	e := newTestEngine(tg)

	// In-place edit returning nil keeps the current message.
	e.Use(func(_ context.Context, m *message.Message) *message.Message {
		m.Content = strings.ToUpper(m.Content)
		return nil
	})
	// Replacement is carried forward.
	e.Use(func(_ context.Context, m *message.Message) *message.Message {
		c := *m
		c.Content += "!"
		return &c
	})

	msg := message.New(message.ChannelTelegram, "hi", "12345")
	if res := e.Dispatch(context.Background(), msg); !res.Success {
		t.Fatalf("dispatch failed: %s", res.Error)
	}
	if got := tg.lastMessage().Content; got != "HI!" {
		t.Errorf("content = %q, want %q", got, "HI!")
	}
}

func TestBroadcastFansOut(t *testing.T) {
	tg := &fakeAdapter{name: message.ChannelTelegram, enabled: true}
	sl := &fakeAdapter{name: message.ChannelSlack, enabled: true}
	e := newTestEngine(tg, sl)

	msg := message.New(message.ChannelTelegram, "fanout", "12345")
	msg.Metadata = map[string]interface{}{"target:slack": "#general"}

	chs := []message.Channel{message.ChannelTelegram, message.ChannelSlack, message.ChannelDiscord}
	results := e.Broadcast(context.Background(), msg, chs)

	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	if !results[0].Success || !results[1].Success {
		t.Errorf("expected telegram and slack to succeed: %+v %+v", results[0], results[1])
	}
	if results[2].Success || results[2].Error != "No handler for channel: discord" {
		t.Errorf("discord result = %+v, want missing handler failure", results[2])
	}

	if got := tg.lastMessage().Target; got != "12345" {
		t.Errorf("telegram target = %q, want %q", got, "12345")
	}
	if got := sl.lastMessage().Target; got != "#general" {
		t.Errorf("slack target = %q, want %q", got, "#general")
	}
	if tg.lastMessage().ID == msg.ID {
		t.Error("broadcast copies must get fresh ids")
	}
	if got := e.Stats()["total"].(int); got != 3 {
		t.Errorf("total = %d, want 3", got)
	}
}

func TestRetryDeadLetter(t *testing.T) {
	// Fails the first two calls: both original attempts die, the replay lands.
	tg := &fakeAdapter{name: message.ChannelTelegram, enabled: true, failures: 2, errText: "later"}
	e := newTestEngine(tg)

	msg := message.New(message.ChannelTelegram, "hi", "12345")
	msg.MaxRetries = 1
	if res := e.Dispatch(context.Background(), msg); res.Success {
		t.Fatal("expected initial dispatch to dead-letter")
	}
	if len(e.DeadLetters(0)) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(e.DeadLetters(0)))
	}

	res := e.RetryDeadLetter(context.Background(), 0)
	if res == nil || !res.Success {
		t.Fatalf("replay result = %+v, want success", res)
	}
	if res.MessageID != msg.ID {
		t.Errorf("replayed id = %q, want original %q", res.MessageID, msg.ID)
	}
	if len(e.DeadLetters(0)) != 0 {
		t.Error("replayed entry should leave the queue")
	}

	if res := e.RetryDeadLetter(context.Background(), 5); res != nil {
		t.Errorf("out-of-range replay = %+v, want nil", res)
	}
}

func TestDeadLettersLimitAndClear(t *testing.T) {
	tg := &fakeAdapter{name: message.ChannelTelegram, enabled: true, failures: 100, errText: "down"}
	e := newTestEngine(tg)

	for _, content := range []string{"one", "two", "three"} {
		msg := message.New(message.ChannelTelegram, content, "12345")
		msg.MaxRetries = 1
		e.Dispatch(context.Background(), msg)
	}

	dead := e.DeadLetters(2)
	if len(dead) != 2 {
		t.Fatalf("dead letters = %d, want 2", len(dead))
	}
	if dead[0].Message.Content != "two" || dead[1].Message.Content != "three" {
		t.Errorf("limited view = [%s %s], want newest two oldest-first",
			dead[0].Message.Content, dead[1].Message.Content)
	}

	if n := e.ClearDeadLetters(); n != 3 {
		t.Errorf("cleared = %d, want 3", n)
	}
	if n := e.ClearDeadLetters(); n != 0 {
		t.Errorf("second clear = %d, want 0", n)
	}
}

func TestRateLimitDenialIsTerminal(t *testing.T) {
	sl := &fakeAdapter{name: message.ChannelSlack, enabled: true}
	e := newTestEngine(sl)
	e.SetLimiter(ratelimit.NewLimiter(map[string]ratelimit.BucketConfig{
		"slack": {Capacity: 1, RefillRate: 0},
	}), time.Millisecond)

	first := e.Dispatch(context.Background(), message.New(message.ChannelSlack, "one", "#general"))
	if !first.Success {
		t.Fatalf("first dispatch failed: %s", first.Error)
	}

	msg := message.New(message.ChannelSlack, "two", "#general")
	second := e.Dispatch(context.Background(), msg)
	if second.Success {
		t.Fatal("expected rate-limit denial")
	}
	if second.Error != "Rate limited: slack" {
		t.Errorf("error = %q, want %q", second.Error, "Rate limited: slack")
	}
	if msg.Status != message.StatusFailed {
		t.Errorf("status = %q, want %q", msg.Status, message.StatusFailed)
	}
	if len(e.DeadLetters(0)) != 0 {
		t.Error("rate-limited message must not dead-letter")
	}
	if sl.callCount() != 1 {
		t.Errorf("adapter calls = %d, want 1", sl.callCount())
	}
}

func TestDispatchPublishesLifecycleEvents(t *testing.T) {
	t.Run("sent", func(t *testing.T) {
		tg := &fakeAdapter{name: message.ChannelTelegram, enabled: true}
		e := newTestEngine(tg)
		sink := &sinkRecorder{}
		e.SetEventSink(sink)

		e.Dispatch(context.Background(), message.New(message.ChannelTelegram, "hi", "12345"))

		names := sink.names()
		if len(names) != 1 || names[0] != protocol.EventMessageSent {
			t.Errorf("events = %v, want [%s]", names, protocol.EventMessageSent)
		}
	})

	t.Run("dead", func(t *testing.T) {
		tg := &fakeAdapter{name: message.ChannelTelegram, enabled: true, failures: 10, errText: "boom"}
		e := newTestEngine(tg)
		sink := &sinkRecorder{}
		e.SetEventSink(sink)

		msg := message.New(message.ChannelTelegram, "hi", "12345")
		msg.MaxRetries = 1
		e.Dispatch(context.Background(), msg)

		names := sink.names()
		want := []string{protocol.EventMessageRetrying, protocol.EventMessageDead, protocol.EventDLQChanged}
		for i := range want {
			if i >= len(names) || names[i] != want[i] {
				t.Fatalf("events = %v, want %v", names, want)
			}
		}
		if len(names) != len(want) {
			t.Fatalf("events = %v, want %v", names, want)
		}
	})

	t.Run("failed", func(t *testing.T) {
		e := newTestEngine()
		sink := &sinkRecorder{}
		e.SetEventSink(sink)

		e.Dispatch(context.Background(), message.New(message.ChannelSlack, "hi", "#general"))

		names := sink.names()
		if len(names) != 1 || names[0] != protocol.EventMessageFailed {
			t.Errorf("events = %v, want [%s]", names, protocol.EventMessageFailed)
		}
	})
}

func TestDispatchRecordsAnalytics(t *testing.T) {
	tg := &fakeAdapter{name: message.ChannelTelegram, enabled: true}
	sl := &fakeAdapter{name: message.ChannelSlack, enabled: true, failures: 10, errText: "down"}
	e := newTestEngine(tg, sl)
	c := analytics.NewCollector(time.Hour)
	e.SetCollector(c)

	e.Dispatch(context.Background(), message.New(message.ChannelTelegram, "hi", "12345"))

	msg := message.New(message.ChannelSlack, "hi", "#general")
	msg.MaxRetries = 1
	e.Dispatch(context.Background(), msg)

	byChannel := c.ChannelStats()
	if got := byChannel["telegram"].Sent; got != 1 {
		t.Errorf("telegram sent = %d, want 1", got)
	}
	if got := byChannel["slack"].Failed; got != 1 {
		t.Errorf("slack failed = %d, want 1", got)
	}
	if got := c.Summary().TotalRetried; got != 1 {
		t.Errorf("retried = %d, want 1", got)
	}
}

func TestRestoreDeadLetter(t *testing.T) {
	e := newTestEngine()
	msg := message.New(message.ChannelTelegram, "hi", "12345")
	e.RestoreDeadLetter(DeadLetterEntry{Message: msg, Error: "boom", FailedAt: time.Now().UTC(), RetryCount: 3})

	dead := e.DeadLetters(0)
	if len(dead) != 1 || dead[0].Message.ID != msg.ID {
		t.Fatalf("dead letters = %+v, want restored entry", dead)
	}
	if got := e.Stats()["dead_letters"].(int); got != 1 {
		t.Errorf("dead_letters = %d, want 1", got)
	}
}
