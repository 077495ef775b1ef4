// Package scheduler queues messages for later delivery: fixed-time, delayed,
// fixed-interval, and cron-timed. A background worker polls for due entries
// and hands their message data to a caller-supplied send function.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// SendFunc delivers one due entry's message data and returns the dispatch
// outcome recorded as the entry's last result.
type SendFunc func(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error)

// DefaultPollInterval is how often the worker scans for due entries.
const DefaultPollInterval = 5 * time.Second

// Scheduler holds schedule entries and runs the polling worker. All methods
// are safe for concurrent use.
type Scheduler struct {
	mu        sync.Mutex
	entries   map[string]*Entry
	callbacks []func(Entry)

	sendFn       SendFunc
	pollInterval time.Duration

	running  bool
	stopChan chan struct{}
	stopped  chan struct{}
}

// New builds a scheduler. fn may be nil; due entries then complete with a
// "no_send_fn" result. Non-positive pollInterval falls back to the default.
func New(fn SendFunc, pollInterval time.Duration) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Scheduler{
		entries:      make(map[string]*Entry),
		sendFn:       fn,
		pollInterval: pollInterval,
	}
}

// ScheduleAt queues data for delivery at a fixed time.
func (s *Scheduler) ScheduleAt(data map[string]interface{}, at time.Time) string {
	e := &Entry{
		ID:          uuid.NewString(),
		MessageData: data,
		ScheduledAt: at.UTC(),
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	s.insert(e)
	slog.Info("message scheduled", "id", e.ID, "at", e.ScheduledAt.Format(time.RFC3339))
	return e.ID
}

// ScheduleDelay queues data for delivery after the given delay.
func (s *Scheduler) ScheduleDelay(data map[string]interface{}, delay time.Duration) string {
	return s.ScheduleAt(data, time.Now().UTC().Add(delay))
}

// ScheduleRecurring queues data for repeated delivery every interval,
// starting at start (zero time means now). maxRuns of 0 repeats forever.
func (s *Scheduler) ScheduleRecurring(data map[string]interface{}, interval time.Duration, start time.Time, maxRuns int) string {
	if start.IsZero() {
		start = time.Now().UTC()
	}
	e := &Entry{
		ID:              uuid.NewString(),
		MessageData:     data,
		ScheduledAt:     start.UTC(),
		Recurring:       true,
		IntervalSeconds: int(interval / time.Second),
		MaxRuns:         maxRuns,
		Status:          StatusPending,
		CreatedAt:       time.Now().UTC(),
	}
	s.insert(e)
	slog.Info("recurring message scheduled", "id", e.ID, "interval", interval, "max_runs", maxRuns)
	return e.ID
}

// ScheduleCron queues data on a cron expression; the first run lands on the
// next tick. maxRuns of 0 repeats forever.
func (s *Scheduler) ScheduleCron(data map[string]interface{}, expr string, maxRuns int) (string, error) {
	next, err := gronx.NextTickAfter(expr, time.Now().UTC(), false)
	if err != nil {
		return "", fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	e := &Entry{
		ID:          uuid.NewString(),
		MessageData: data,
		ScheduledAt: next,
		Recurring:   true,
		CronExpr:    expr,
		MaxRuns:     maxRuns,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	s.insert(e)
	slog.Info("cron message scheduled", "id", e.ID, "expr", expr, "next", next.Format(time.RFC3339))
	return e.ID, nil
}

// Restore inserts a previously persisted entry as-is, keeping its id and
// counters.
func (s *Scheduler) Restore(e Entry) {
	cp := e
	s.insert(&cp)
}

func (s *Scheduler) insert(e *Entry) {
	s.mu.Lock()
	s.entries[e.ID] = e
	s.mu.Unlock()
}

// Cancel marks an entry cancelled so it never fires again.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	e.Status = StatusCancelled
	return true
}

// Get returns a snapshot of one entry.
func (s *Scheduler) Get(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns entry snapshots sorted by scheduled time, optionally
// filtered by status ("" keeps all).
func (s *Scheduler) List(status string) []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if status != "" && e.Status != status {
			continue
		}
		out = append(out, *e)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out
}

// Due returns snapshots of the entries ready to fire.
func (s *Scheduler) Due() []Entry {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if e.Due(now) {
			out = append(out, *e)
		}
	}
	return out
}

// OnExecute registers a callback invoked with an entry snapshot after every
// run. Panicking callbacks are recovered and logged.
func (s *Scheduler) OnExecute(cb func(Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// ProcessDue executes every due entry concurrently and reports how many
// fired. The worker calls this on each poll; tests call it directly.
func (s *Scheduler) ProcessDue(ctx context.Context) int {
	now := time.Now().UTC()
	s.mu.Lock()
	var due []*Entry
	for _, e := range s.entries {
		if e.Due(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	if len(due) == 0 {
		return 0
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range due {
		g.Go(func() error {
			s.execute(gctx, e)
			return nil
		})
	}
	_ = g.Wait()
	return len(due)
}

// execute runs the send function and advances the entry. Send errors are
// recorded on the entry and never halt the worker.
func (s *Scheduler) execute(ctx context.Context, e *Entry) {
	var result string
	var sendErr error
	if s.sendFn == nil {
		result = "no_send_fn"
	} else if out, err := s.sendFn(ctx, e.MessageData); err != nil {
		sendErr = err
		result = "error: " + err.Error()
	} else if out != nil {
		if b, merr := json.Marshal(out); merr == nil {
			result = string(b)
		}
	}

	s.mu.Lock()
	e.LastResult = result
	e.advance(time.Now().UTC())
	snapshot := *e
	callbacks := append(([]func(Entry))(nil), s.callbacks...)
	s.mu.Unlock()

	if sendErr != nil {
		slog.Error("scheduled send failed", "id", snapshot.ID, "run", snapshot.RunCount, "error", sendErr)
	} else {
		slog.Info("scheduled message executed", "id", snapshot.ID, "run", snapshot.RunCount)
	}

	for _, cb := range callbacks {
		runCallback(cb, snapshot)
	}
}

func runCallback(cb func(Entry), e Entry) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("schedule callback panic", "id", e.ID, "panic", r)
		}
	}()
	cb(e)
}

// Start launches the polling worker. Starting a running scheduler is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.stopped = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)
	slog.Info("scheduler started", "poll_interval", s.pollInterval)
}

// Stop halts the worker and waits for it to exit. Stopping a stopped
// scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	stopped := s.stopped
	s.mu.Unlock()

	<-stopped
	slog.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.stopped)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.ProcessDue(ctx); n > 0 {
				slog.Info("processed scheduled messages", "count", n)
			}
		}
	}
}

// Stats summarizes the entry table and worker state.
func (s *Scheduler) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	byStatus := make(map[string]int)
	for _, e := range s.entries {
		byStatus[e.Status]++
	}
	return map[string]interface{}{
		"total":         len(s.entries),
		"by_status":     byStatus,
		"running":       s.running,
		"poll_interval": s.pollInterval.Seconds(),
	}
}
