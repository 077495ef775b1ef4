// Package router matches messages to channels and drives delivery:
// first-match rules pick the channel, a token-bucket gate admits the send,
// and failed attempts back off exponentially before the message is
// dead-lettered.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/omnigate/internal/analytics"
	"github.com/nextlevelbuilder/omnigate/internal/bus"
	"github.com/nextlevelbuilder/omnigate/internal/channels"
	"github.com/nextlevelbuilder/omnigate/internal/message"
	"github.com/nextlevelbuilder/omnigate/internal/ratelimit"
	"github.com/nextlevelbuilder/omnigate/pkg/protocol"
)

var tracer = otel.Tracer("omnigate/router")

// Defaults applied when a message carries no retry budget of its own.
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
)

// Middleware inspects or rewrites a message before routing. Returning nil
// keeps the current message.
type Middleware func(context.Context, *message.Message) *message.Message

// EventSink receives dispatch lifecycle events. *bus.Hub satisfies it.
type EventSink interface {
	Broadcast(bus.Event)
}

// DeadLetterEntry is one exhausted message with its terminal error.
type DeadLetterEntry struct {
	Message    *message.Message `json:"message"`
	Error      string           `json:"error"`
	FailedAt   time.Time        `json:"failed_at"`
	RetryCount int              `json:"retry_count"`
}

// Engine is the routing core. All methods are safe for concurrent use;
// each Dispatch runs independently on the caller's goroutine.
type Engine struct {
	registry *channels.Registry

	mu         sync.RWMutex
	rules      []*Rule
	middleware []Middleware

	stateMu sync.Mutex
	counts  map[string]int
	dlq     []DeadLetterEntry

	maxRetries int
	retryDelay time.Duration

	limiter          *ratelimit.Limiter
	admissionTimeout time.Duration

	collector *analytics.Collector
	events    EventSink
	onDead    func(DeadLetterEntry)
}

// NewEngine creates an engine dispatching through the given registry.
// maxRetries and retryDelay apply to messages that carry no budget of
// their own; non-positive values fall back to the defaults.
func NewEngine(reg *channels.Registry, maxRetries int, retryDelay time.Duration) *Engine {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	return &Engine{
		registry:   reg,
		counts:     make(map[string]int),
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

// SetLimiter installs a rate-limit admission gate. Every dispatch then
// blocks up to timeout for global, channel, and target tokens; denial is a
// terminal failure that never reaches the dead letter queue.
func (e *Engine) SetLimiter(l *ratelimit.Limiter, timeout time.Duration) {
	e.limiter = l
	e.admissionTimeout = timeout
}

// SetCollector wires delivery metrics recording.
func (e *Engine) SetCollector(c *analytics.Collector) { e.collector = c }

// SetEventSink wires lifecycle event broadcasting.
func (e *Engine) SetEventSink(s EventSink) { e.events = s }

// SetDeadLetterSink registers a callback invoked after every dead-letter
// append, e.g. to mirror the entry into the store.
func (e *Engine) SetDeadLetterSink(fn func(DeadLetterEntry)) { e.onDead = fn }

// Use appends a middleware to the chain. Middleware run in registration
// order on every dispatch, before rule matching.
func (e *Engine) Use(mw Middleware) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.middleware = append(e.middleware, mw)
}

// AddRule inserts a rule and keeps the list sorted by descending priority.
// Insertion order breaks ties.
func (e *Engine) AddRule(r *Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, r)
	sort.SliceStable(e.rules, func(i, j int) bool { return e.rules[i].Priority > e.rules[j].Priority })
	slog.Info("routing rule added", "rule", r.Name, "priority", r.Priority)
}

// RemoveRule drops all rules with the given name.
func (e *Engine) RemoveRule(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.rules[:0]
	removed := false
	for _, r := range e.rules {
		if r.Name == name {
			removed = true
			continue
		}
		kept = append(kept, r)
	}
	e.rules = kept
	return removed
}

// MatchRule returns the first rule accepting the message, or nil.
func (e *Engine) MatchRule(msg *message.Message) *Rule {
	for _, r := range e.snapshotRules() {
		if r.matches(msg) {
			return r
		}
	}
	return nil
}

// MatchAllRules returns every rule accepting the message, highest
// priority first.
func (e *Engine) MatchAllRules(msg *message.Message) []*Rule {
	var out []*Rule
	for _, r := range e.snapshotRules() {
		if r.matches(msg) {
			out = append(out, r)
		}
	}
	return out
}

func (e *Engine) snapshotRules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*Rule(nil), e.rules...)
}

// Dispatch routes one message and always returns a result; failures are
// reported inside it. Cancelling ctx aborts in-flight retries without
// dead-lettering.
func (e *Engine) Dispatch(ctx context.Context, msg *message.Message) *message.SendResult {
	e.count("total", 1)

	ctx, span := tracer.Start(ctx, "omnigate.dispatch")
	defer span.End()

	msg = e.applyMiddleware(ctx, msg)

	target := msg.ToChannel
	if rule := e.MatchRule(msg); rule != nil {
		slog.Info("message matched rule", "id", msg.ID, "rule", rule.Name)
		if rule.Transform != nil {
			if next := rule.Transform(msg); next != nil {
				msg = next
			}
		}
		target = rule.Target
	}
	span.SetAttributes(attribute.String("channel", string(target)))

	var res *message.SendResult
	adapter, ok := e.registry.Get(target)
	switch {
	case !ok:
		res = e.terminalFailure(msg, target, fmt.Sprintf("No handler for channel: %s", target))
	case e.limiter != nil && !e.limiter.Wait(ctx, string(target), msg.Target, e.admissionTimeout):
		msg.Status = message.StatusFailed
		msg.LastError = fmt.Sprintf("Rate limited: %s", target)
		res = e.terminalFailure(msg, target, msg.LastError)
	default:
		res = e.sendWithRetry(ctx, adapter, msg, target)
	}

	span.SetAttributes(
		attribute.Bool("success", res.Success),
		attribute.Int("retry_count", res.RetryCount),
	)
	if !res.Success {
		span.SetStatus(codes.Error, res.Error)
	}
	return res
}

// terminalFailure accounts, records, and publishes a failure that bypasses
// the retry loop (missing handler, rate-limit denial, shutdown abort).
func (e *Engine) terminalFailure(msg *message.Message, target message.Channel, errText string) *message.SendResult {
	slog.Error("dispatch failed", "id", msg.ID, "channel", target, "error", errText)
	e.count("errors", 1)
	e.recordFailed(string(target), errText)
	e.publish(protocol.EventMessageFailed, map[string]interface{}{
		"id":      msg.ID,
		"channel": string(target),
		"target":  msg.Target,
		"error":   errText,
	})
	res := message.Failure(msg, errText)
	res.Channel = target
	return res
}

// sendWithRetry attempts delivery up to budget+1 times with exponential
// backoff, dead-lettering the message when the budget runs out.
func (e *Engine) sendWithRetry(ctx context.Context, adapter channels.Adapter, msg *message.Message, target message.Channel) *message.SendResult {
	budget := msg.MaxRetries
	if budget <= 0 {
		budget = e.maxRetries
	}

	lastError := ""
	for attempt := 0; attempt <= budget; attempt++ {
		msg.RetryCount = attempt
		if attempt == 0 {
			msg.Status = message.StatusSending
		} else {
			msg.Status = message.StatusRetrying
		}

		start := time.Now()
		res, err := adapter.Send(ctx, msg)
		if err != nil {
			// ctx ended mid-send: report failure, skip the DLQ.
			return e.terminalFailure(msg, target, err.Error())
		}

		if res.Success {
			now := time.Now().UTC()
			msg.Status = message.StatusSent
			msg.SentAt = &now
			e.count("sent", 1)
			e.count("sent:"+string(target), 1)
			res.RetryCount = attempt
			e.recordSent(string(target), time.Since(start), msg.Target)
			e.publish(protocol.EventMessageSent, map[string]interface{}{
				"id":          msg.ID,
				"channel":     string(target),
				"target":      msg.Target,
				"retry_count": attempt,
			})
			return res
		}

		lastError = res.Error
		if lastError == "" {
			lastError = "Unknown error"
		}
		slog.Warn("send failed", "id", msg.ID, "channel", target,
			"attempt", attempt+1, "attempts", budget+1, "error", lastError)

		if attempt < budget {
			e.recordRetry(string(target))
			e.publish(protocol.EventMessageRetrying, map[string]interface{}{
				"id":      msg.ID,
				"channel": string(target),
				"attempt": attempt + 1,
				"error":   lastError,
			})
			select {
			case <-ctx.Done():
				return e.terminalFailure(msg, target, ctx.Err().Error())
			case <-time.After(e.retryDelay << attempt):
			}
		}
	}

	msg.Status = message.StatusDead
	msg.LastError = lastError
	e.count("dead", 1)
	e.count("errors", 1)

	entry := DeadLetterEntry{
		Message:    msg,
		Error:      lastError,
		FailedAt:   time.Now().UTC(),
		RetryCount: budget,
	}
	e.stateMu.Lock()
	e.dlq = append(e.dlq, entry)
	size := len(e.dlq)
	e.stateMu.Unlock()

	slog.Error("message dead-lettered", "id", msg.ID, "channel", target, "attempts", budget+1)
	e.recordFailed(string(target), lastError)
	e.publish(protocol.EventMessageDead, map[string]interface{}{
		"id":       msg.ID,
		"channel":  string(target),
		"error":    lastError,
		"attempts": budget + 1,
	})
	e.publish(protocol.EventDLQChanged, map[string]interface{}{"size": size})
	if e.onDead != nil {
		e.onDead(entry)
	}

	return &message.SendResult{
		MessageID:  msg.ID,
		Channel:    target,
		Error:      fmt.Sprintf("All %d attempts failed: %s", budget+1, lastError),
		RetryCount: budget,
	}
}

// Broadcast fans one message out to several channels concurrently. Each
// channel gets its own copy with a fresh ID and a per-channel target when
// metadata carries one. Results are positional with chs.
func (e *Engine) Broadcast(ctx context.Context, msg *message.Message, chs []message.Channel) []*message.SendResult {
	results := make([]*message.SendResult, len(chs))
	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range chs {
		clone := msg.CloneFor(ch, msg.TargetFor(ch))
		g.Go(func() error {
			results[i] = e.Dispatch(gctx, clone)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// DeadLetters returns the newest entries, oldest first, up to limit
// (non-positive means all).
func (e *Engine) DeadLetters(limit int) []DeadLetterEntry {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if limit <= 0 || limit > len(e.dlq) {
		limit = len(e.dlq)
	}
	out := make([]DeadLetterEntry, limit)
	copy(out, e.dlq[len(e.dlq)-limit:])
	return out
}

// ClearDeadLetters empties the queue and returns how many entries it had.
func (e *Engine) ClearDeadLetters() int {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	n := len(e.dlq)
	e.dlq = nil
	if n > 0 {
		e.publish(protocol.EventDLQChanged, map[string]interface{}{"size": 0})
	}
	return n
}

// RetryDeadLetter pops the entry at index and re-dispatches its message
// with a reset status and retry counter. Out-of-range indexes return nil.
func (e *Engine) RetryDeadLetter(ctx context.Context, index int) *message.SendResult {
	e.stateMu.Lock()
	if index < 0 || index >= len(e.dlq) {
		e.stateMu.Unlock()
		return nil
	}
	entry := e.dlq[index]
	e.dlq = append(e.dlq[:index], e.dlq[index+1:]...)
	size := len(e.dlq)
	e.stateMu.Unlock()

	e.publish(protocol.EventDLQChanged, map[string]interface{}{"size": size})
	entry.Message.Status = message.StatusPending
	entry.Message.RetryCount = 0
	return e.Dispatch(ctx, entry.Message)
}

// RestoreDeadLetter appends an entry without dispatching, used to rebuild
// the queue from the store at startup.
func (e *Engine) RestoreDeadLetter(entry DeadLetterEntry) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.dlq = append(e.dlq, entry)
}

// Stats reports dispatch counters, per-channel sent counts, and the
// registered channel names.
func (e *Engine) Stats() map[string]interface{} {
	e.stateMu.Lock()
	byChannel := make(map[string]int)
	for k, v := range e.counts {
		if strings.HasPrefix(k, "sent:") {
			byChannel[strings.TrimPrefix(k, "sent:")] = v
		}
	}
	stats := map[string]interface{}{
		"total":        e.counts["total"],
		"sent":         e.counts["sent"],
		"errors":       e.counts["errors"],
		"dead_letters": len(e.dlq),
		"by_channel":   byChannel,
	}
	e.stateMu.Unlock()

	e.mu.RLock()
	stats["rules_count"] = len(e.rules)
	e.mu.RUnlock()

	names := make([]string, 0)
	for _, a := range e.registry.All() {
		names = append(names, string(a.Name()))
	}
	stats["channels"] = names
	return stats
}

func (e *Engine) applyMiddleware(ctx context.Context, msg *message.Message) *message.Message {
	e.mu.RLock()
	chain := append([]Middleware(nil), e.middleware...)
	e.mu.RUnlock()

	for _, mw := range chain {
		if next := mw(ctx, msg); next != nil {
			msg = next
		}
	}
	return msg
}

func (e *Engine) count(key string, n int) {
	e.stateMu.Lock()
	e.counts[key] += n
	e.stateMu.Unlock()
}

func (e *Engine) recordSent(channel string, latency time.Duration, target string) {
	if e.collector != nil {
		e.collector.RecordSent(channel, float64(latency)/float64(time.Millisecond), target)
	}
}

func (e *Engine) recordFailed(channel, errText string) {
	if e.collector != nil {
		e.collector.RecordFailed(channel, errText)
	}
}

func (e *Engine) recordRetry(channel string) {
	if e.collector != nil {
		e.collector.RecordRetry(channel)
	}
}

func (e *Engine) publish(name string, payload map[string]interface{}) {
	if e.events != nil {
		e.events.Broadcast(bus.Event{Name: name, Payload: payload})
	}
}
