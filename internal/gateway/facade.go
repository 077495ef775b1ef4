// Package gateway assembles the dispatch pipeline behind one facade and
// serves it over REST and WebSocket. The facade owns the channel registry,
// routing engine, template engine, rate limiter, analytics collector,
// scheduler, and the optional persistent store.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/omnigate/internal/analytics"
	"github.com/nextlevelbuilder/omnigate/internal/bus"
	"github.com/nextlevelbuilder/omnigate/internal/channels"
	"github.com/nextlevelbuilder/omnigate/internal/channels/discord"
	"github.com/nextlevelbuilder/omnigate/internal/channels/email"
	"github.com/nextlevelbuilder/omnigate/internal/channels/slack"
	"github.com/nextlevelbuilder/omnigate/internal/channels/telegram"
	"github.com/nextlevelbuilder/omnigate/internal/channels/webhook"
	"github.com/nextlevelbuilder/omnigate/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/omnigate/internal/config"
	"github.com/nextlevelbuilder/omnigate/internal/message"
	"github.com/nextlevelbuilder/omnigate/internal/ratelimit"
	"github.com/nextlevelbuilder/omnigate/internal/router"
	"github.com/nextlevelbuilder/omnigate/internal/scheduler"
	"github.com/nextlevelbuilder/omnigate/internal/store"
	"github.com/nextlevelbuilder/omnigate/internal/template"
	"github.com/nextlevelbuilder/omnigate/pkg/protocol"
)

// Version is reported by Stats, /health, and the version command.
// Overridable at build time via -ldflags "-X ...gateway.Version=...".
var Version = "2.0.0"

// Gateway is the dispatch facade: template rendering, routing, scheduling,
// and bookkeeping behind a single Send entry point.
type Gateway struct {
	cfg       *config.Config
	registry  *channels.Registry
	engine    *router.Engine
	templates *template.Engine
	limiter   *ratelimit.Limiter
	collector *analytics.Collector
	hub       *bus.Hub
	sched     *scheduler.Scheduler

	// st is optional and set once before serving starts; all writes to it
	// are best-effort audit and never block a delivery.
	st store.Store
}

// NewGateway builds the facade from config: six adapters registered on the
// routing engine, template engine, analytics, rate limiter (unless
// disabled), and the scheduler wired back into Send.
func NewGateway(cfg *config.Config) (*Gateway, error) {
	g := &Gateway{
		cfg:      cfg,
		hub:      bus.NewHub(),
		registry: channels.NewRegistry(),
	}

	tg, err := telegram.New(cfg.Channels.Telegram)
	if err != nil {
		return nil, fmt.Errorf("telegram channel: %w", err)
	}
	g.registry.Register(tg)
	g.registry.Register(whatsapp.New(cfg.Channels.WhatsApp))
	g.registry.Register(discord.New(cfg.Channels.Discord))
	g.registry.Register(slack.New(cfg.Channels.Slack))
	g.registry.Register(email.New(cfg.Channels.Email))
	g.registry.Register(webhook.New(cfg.Channels.Webhook))
	for _, a := range g.registry.All() {
		state := "disabled"
		if a.Enabled() {
			state = "enabled"
		}
		slog.Info("channel registered", "channel", a.Name(), "state", state)
	}

	tpl, err := template.NewEngine(cfg.Templates.Dir)
	if err != nil {
		return nil, fmt.Errorf("template engine: %w", err)
	}
	g.templates = tpl

	g.engine = router.NewEngine(g.registry, cfg.Dispatch.MaxRetries, cfg.Dispatch.RetryDelay())
	g.engine.SetEventSink(g.hub)

	g.collector = analytics.NewCollector(cfg.Analytics.Window())
	g.engine.SetCollector(g.collector)

	if cfg.RateLimit.IsEnabled() {
		g.limiter = ratelimit.NewLimiter(cfg.RateLimit.Channels)
		g.engine.SetLimiter(g.limiter, cfg.RateLimit.AdmissionTimeout())
	}

	g.sched = scheduler.New(g.scheduledSend, cfg.Scheduler.PollInterval())
	g.sched.OnExecute(g.onScheduleExecuted)
	return g, nil
}

// SetStore attaches the persistence backend and enables the durable DLQ
// mirror. Must be called before the gateway starts serving.
func (g *Gateway) SetStore(st store.Store) {
	g.st = st
	g.engine.SetDeadLetterSink(g.mirrorDeadLetter)
}

// Send renders the template when one is named, then routes the message.
// A render failure is immediately terminal: the router never runs, nothing
// counts toward dispatch totals, and no retries follow.
func (g *Gateway) Send(ctx context.Context, msg *message.Message) *message.SendResult {
	if msg.Template != "" {
		content, err := g.templates.Render(msg.Template, msg.TemplateVars)
		if err == nil && content == "" {
			err = fmt.Errorf("template %q rendered empty content", msg.Template)
		}
		if err != nil {
			slog.Error("template render failed", "template", msg.Template, "error", err)
			msg.Status = message.StatusFailed
			msg.LastError = fmt.Sprintf("Template render failed: %v", err)
			res := message.Failure(msg, msg.LastError)
			g.recordRenderFailure(ctx, msg, res)
			return res
		}
		msg.Content = content
	}

	g.saveIngress(ctx, msg)
	res := g.engine.Dispatch(ctx, msg)
	g.recordOutcome(ctx, msg, res)
	return res
}

// Broadcast sends content to several channels at once. Channels with no
// entry in targets are skipped; the surviving copies dispatch concurrently
// and results are positional.
func (g *Gateway) Broadcast(ctx context.Context, content string, chans []message.Channel, targets map[string]string, metadata map[string]interface{}, priority message.Priority) []*message.SendResult {
	kept := make([]message.Channel, 0, len(chans))
	for _, ch := range chans {
		if targets[string(ch)] == "" {
			continue
		}
		kept = append(kept, ch)
	}

	results := make([]*message.SendResult, len(kept))
	grp, gctx := errgroup.WithContext(ctx)
	for i, ch := range kept {
		grp.Go(func() error {
			msg := message.New(ch, content, targets[string(ch)])
			// Each copy gets its own metadata map so rule transforms
			// cannot race across goroutines.
			msg.Metadata = make(map[string]interface{}, len(metadata))
			for k, v := range metadata {
				msg.Metadata[k] = v
			}
			msg.Priority = priority
			results[i] = g.Send(gctx, msg)
			return nil
		})
	}
	_ = grp.Wait()

	sent := 0
	for _, r := range results {
		if r != nil && r.Success {
			sent++
		}
	}
	g.hub.Broadcast(bus.Event{Name: protocol.EventBroadcastDone, Payload: map[string]interface{}{
		"channels": len(kept),
		"sent":     sent,
		"failed":   len(kept) - sent,
	}})
	return results
}

// AddRule installs a routing rule.
func (g *Gateway) AddRule(r *router.Rule) { g.engine.AddRule(r) }

// RemoveRule uninstalls a routing rule by name.
func (g *Gateway) RemoveRule(name string) bool { return g.engine.RemoveRule(name) }

// RegisterTemplate adds or replaces a memory template.
func (g *Gateway) RegisterTemplate(name, text string) error {
	if err := g.templates.Register(name, text); err != nil {
		return err
	}
	g.hub.Broadcast(bus.Event{Name: protocol.EventTemplateChanged, Payload: map[string]interface{}{
		"name":   name,
		"source": "memory",
	}})
	return nil
}

// RemoveTemplate drops a memory template.
func (g *Gateway) RemoveTemplate(name string) bool {
	removed := g.templates.Unregister(name)
	if removed {
		g.hub.Broadcast(bus.Event{Name: protocol.EventTemplateChanged, Payload: map[string]interface{}{
			"name":   name,
			"source": "memory",
		}})
	}
	return removed
}

// ListTemplates reports the memory and file template names.
func (g *Gateway) ListTemplates() (memory, files []string) { return g.templates.List() }

// ActiveChannels lists the channels able to send right now.
func (g *Gateway) ActiveChannels() []string {
	enabled := g.registry.Enabled()
	out := make([]string, len(enabled))
	for i, ch := range enabled {
		out[i] = string(ch)
	}
	return out
}

// ChannelStatus maps every registered channel to its enabled flag.
func (g *Gateway) ChannelStatus() map[string]bool { return g.registry.Status() }

// Stats reports the facade view: version, active channels, routing
// counters, and the template inventory.
func (g *Gateway) Stats() map[string]interface{} {
	memory, files := g.templates.List()
	return map[string]interface{}{
		"version":         Version,
		"active_channels": g.ActiveChannels(),
		"routing":         g.engine.Stats(),
		"templates": map[string]interface{}{
			"memory": memory,
			"files":  files,
		},
	}
}

// DeadLetters returns up to limit entries from the queue tail, oldest
// first (everything when limit <= 0).
func (g *Gateway) DeadLetters(limit int) []router.DeadLetterEntry {
	return g.engine.DeadLetters(limit)
}

// DeadLetterCount reports the full queue length.
func (g *Gateway) DeadLetterCount() int { return len(g.engine.DeadLetters(0)) }

// RetryDeadLetter replays the queue entry at index. The mirrored store row
// is removed unless the replay dead-lettered the message again.
func (g *Gateway) RetryDeadLetter(ctx context.Context, index int) *message.SendResult {
	res := g.engine.RetryDeadLetter(ctx, index)
	if res == nil || g.st == nil {
		return res
	}

	stillDead := false
	for _, e := range g.engine.DeadLetters(0) {
		if e.Message.ID == res.MessageID {
			stillDead = true
			break
		}
	}
	if !stillDead {
		if err := g.st.DeleteDeadLetter(ctx, res.MessageID); err != nil {
			slog.Warn("dead letter cleanup failed", "id", res.MessageID, "error", err)
		}
	}
	if err := g.st.LogEvent(ctx, res.MessageID, protocol.DeliveryRequeued, string(res.Channel), "dead letter retry"); err != nil {
		slog.Warn("store event failed", "id", res.MessageID, "error", err)
	}
	return res
}

// ClearDeadLetters empties the queue and its durable mirror, returning the
// number of in-memory entries dropped.
func (g *Gateway) ClearDeadLetters(ctx context.Context) int {
	n := g.engine.ClearDeadLetters()
	if g.st != nil {
		if _, err := g.st.ClearDeadLetters(ctx); err != nil {
			slog.Warn("dead letter clear failed", "error", err)
		}
	}
	return n
}

// ScheduleAt queues a one-shot delivery, mirroring it durably when a store
// is attached.
func (g *Gateway) ScheduleAt(ctx context.Context, data map[string]interface{}, at time.Time) string {
	id := g.sched.ScheduleAt(data, at)
	g.persistSchedule(ctx, id, data)
	return id
}

// ScheduleDelay queues a one-shot delivery after the given delay.
func (g *Gateway) ScheduleDelay(ctx context.Context, data map[string]interface{}, delay time.Duration) string {
	id := g.sched.ScheduleDelay(data, delay)
	g.persistSchedule(ctx, id, data)
	return id
}

// ScheduleRecurring queues an interval schedule. Recurring entries live in
// memory only and do not survive a restart.
func (g *Gateway) ScheduleRecurring(data map[string]interface{}, interval time.Duration, start time.Time, maxRuns int) string {
	return g.sched.ScheduleRecurring(data, interval, start, maxRuns)
}

// ScheduleCron queues a cron-expression schedule (in memory only).
func (g *Gateway) ScheduleCron(data map[string]interface{}, expr string, maxRuns int) (string, error) {
	return g.sched.ScheduleCron(data, expr, maxRuns)
}

// CancelSchedule cancels a pending entry and deletes its mirror row.
func (g *Gateway) CancelSchedule(ctx context.Context, id string) bool {
	ok := g.sched.Cancel(id)
	if ok && g.st != nil {
		if _, err := g.st.DeleteScheduled(ctx, id); err != nil {
			slog.Warn("schedule mirror delete failed", "id", id, "error", err)
		}
	}
	return ok
}

// Schedules lists schedule entries, optionally filtered by status.
func (g *Gateway) Schedules(status string) []scheduler.Entry {
	return g.sched.List(status)
}

// SweepScheduled imports due pending rows written by other processes (the
// CLI schedules straight into the store) so they fire without a restart.
// Rows already known to the scheduler are skipped; executed entries keep
// their in-memory record, so nothing is imported twice.
func (g *Gateway) SweepScheduled(ctx context.Context) int {
	if g.st == nil {
		return 0
	}
	due, err := g.st.GetDueScheduled(ctx, time.Now().UTC())
	if err != nil {
		slog.Warn("schedule sweep failed", "error", err)
		return 0
	}

	n := 0
	for _, rec := range due {
		if _, ok := g.sched.Get(rec.ID); ok {
			continue
		}
		g.sched.Restore(scheduler.Entry{
			ID:          rec.ID,
			MessageData: rec.MessageData,
			ScheduledAt: rec.ScheduledAt,
			Status:      scheduler.StatusPending,
			CreatedAt:   rec.CreatedAt,
		})
		n++
	}
	if n > 0 {
		slog.Info("schedules imported from store", "count", n)
	}
	return n
}

// StartScheduleSweep runs SweepScheduled on the scheduler poll cadence
// until ctx ends. A no-op without a store.
func (g *Gateway) StartScheduleSweep(ctx context.Context) {
	if g.st == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(g.cfg.Scheduler.PollInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.SweepScheduled(ctx)
			}
		}
	}()
}

// RestoreState rehydrates the in-memory DLQ and pending one-shot schedules
// from the store after a restart.
func (g *Gateway) RestoreState(ctx context.Context) error {
	if g.st == nil {
		return nil
	}

	letters, err := g.st.ListDeadLetters(ctx, 0)
	if err != nil {
		return fmt.Errorf("load dead letters: %w", err)
	}
	for _, rec := range letters {
		msg, err := message.FromMap(rec.Message)
		if err != nil {
			slog.Warn("skipping unreadable dead letter", "id", rec.MessageID, "error", err)
			continue
		}
		g.engine.RestoreDeadLetter(router.DeadLetterEntry{
			Message:    msg,
			Error:      rec.Error,
			FailedAt:   rec.FailedAt,
			RetryCount: rec.RetryCount,
		})
	}

	pending, err := g.st.GetScheduled(ctx, "pending", 0)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	for _, rec := range pending {
		g.sched.Restore(scheduler.Entry{
			ID:          rec.ID,
			MessageData: rec.MessageData,
			ScheduledAt: rec.ScheduledAt,
			Status:      scheduler.StatusPending,
			CreatedAt:   rec.CreatedAt,
		})
	}

	if len(letters) > 0 || len(pending) > 0 {
		slog.Info("state restored", "dead_letters", len(letters), "schedules", len(pending))
	}
	return nil
}

// Accessors for the server, HTTP handlers, and CLI commands.

func (g *Gateway) Config() *config.Config          { return g.cfg }
func (g *Gateway) Engine() *router.Engine          { return g.engine }
func (g *Gateway) Templates() *template.Engine     { return g.templates }
func (g *Gateway) Scheduler() *scheduler.Scheduler { return g.sched }
func (g *Gateway) Hub() *bus.Hub                   { return g.hub }
func (g *Gateway) Registry() *channels.Registry    { return g.registry }
func (g *Gateway) Collector() *analytics.Collector { return g.collector }
func (g *Gateway) Store() store.Store              { return g.st }

// scheduledSend is the scheduler's SendFunc: rebuild the message and run it
// through the full dispatch path, bookkeeping included.
func (g *Gateway) scheduledSend(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
	msg, err := message.FromMap(data)
	if err != nil {
		return nil, fmt.Errorf("scheduled message: %w", err)
	}
	res := g.Send(ctx, msg)

	out := map[string]interface{}{
		"success":     res.Success,
		"message_id":  res.MessageID,
		"channel":     string(res.Channel),
		"retry_count": res.RetryCount,
	}
	if res.Error != "" {
		out["error"] = res.Error
	}
	return out, nil
}

func (g *Gateway) onScheduleExecuted(e scheduler.Entry) {
	g.hub.Broadcast(bus.Event{Name: protocol.EventScheduleExecuted, Payload: map[string]interface{}{
		"id":        e.ID,
		"run_count": e.RunCount,
		"status":    e.Status,
		"result":    e.LastResult,
	}})
	if g.st == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Only one-shot entries have mirror rows; for recurring entries this
	// updates zero rows.
	if err := g.st.MarkScheduledDone(ctx, e.ID, e.LastResult); err != nil {
		slog.Warn("schedule mirror update failed", "id", e.ID, "error", err)
	}
}

func (g *Gateway) persistSchedule(ctx context.Context, id string, data map[string]interface{}) {
	if g.st == nil {
		return
	}
	entry, ok := g.sched.Get(id)
	if !ok {
		return
	}
	err := g.st.SaveScheduled(ctx, store.ScheduledRecord{
		ID:          id,
		MessageData: data,
		ScheduledAt: entry.ScheduledAt,
		CreatedAt:   entry.CreatedAt,
	})
	if err != nil {
		slog.Warn("schedule mirror failed", "id", id, "error", err)
		return
	}
	if msgID, _ := data["id"].(string); msgID != "" {
		channel, _ := data["to_channel"].(string)
		if err := g.st.LogEvent(ctx, msgID, protocol.DeliveryScheduled, channel, ""); err != nil {
			slog.Warn("store event failed", "id", msgID, "error", err)
		}
	}
}

func (g *Gateway) saveIngress(ctx context.Context, msg *message.Message) {
	if g.st == nil {
		return
	}
	if err := g.st.SaveMessage(ctx, store.RecordFromMessage(msg)); err != nil {
		slog.Warn("store save failed", "id", msg.ID, "error", err)
		return
	}
	if err := g.st.LogEvent(ctx, msg.ID, protocol.DeliveryCreated, string(msg.ToChannel), ""); err != nil {
		slog.Warn("store event failed", "id", msg.ID, "error", err)
	}
}

func (g *Gateway) recordOutcome(ctx context.Context, msg *message.Message, res *message.SendResult) {
	if g.st == nil {
		return
	}
	if res.Success {
		if err := g.st.UpdateStatus(ctx, msg.ID, string(message.StatusSent), ""); err != nil {
			slog.Warn("store update failed", "id", msg.ID, "error", err)
		}
		if err := g.st.LogEvent(ctx, msg.ID, protocol.DeliverySent, string(res.Channel), ""); err != nil {
			slog.Warn("store event failed", "id", msg.ID, "error", err)
		}
		return
	}

	if err := g.st.UpdateStatus(ctx, msg.ID, string(msg.Status), msg.LastError); err != nil {
		slog.Warn("store update failed", "id", msg.ID, "error", err)
	}
	event := protocol.DeliveryFailed
	if msg.Status == message.StatusDead {
		event = protocol.DeliveryDead
	}
	if err := g.st.LogEvent(ctx, msg.ID, event, string(res.Channel), res.Error); err != nil {
		slog.Warn("store event failed", "id", msg.ID, "error", err)
	}
}

// recordRenderFailure persists a template failure that never reached the
// router.
func (g *Gateway) recordRenderFailure(ctx context.Context, msg *message.Message, res *message.SendResult) {
	if g.st == nil {
		return
	}
	if err := g.st.SaveMessage(ctx, store.RecordFromMessage(msg)); err != nil {
		slog.Warn("store save failed", "id", msg.ID, "error", err)
		return
	}
	if err := g.st.LogEvent(ctx, msg.ID, protocol.DeliveryFailed, string(msg.ToChannel), res.Error); err != nil {
		slog.Warn("store event failed", "id", msg.ID, "error", err)
	}
}

func (g *Gateway) mirrorDeadLetter(entry router.DeadLetterEntry) {
	if g.st == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec := store.DeadLetterRecord{
		MessageID:  entry.Message.ID,
		Message:    entry.Message.ToMap(),
		Error:      entry.Error,
		RetryCount: entry.RetryCount,
		FailedAt:   entry.FailedAt,
	}
	if err := g.st.SaveDeadLetter(ctx, rec); err != nil {
		slog.Warn("dead letter mirror failed", "id", entry.Message.ID, "error", err)
	}
}
