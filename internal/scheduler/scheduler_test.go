package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func msgData(content string) map[string]interface{} {
	return map[string]interface{}{"to_channel": "telegram", "target": "123", "content": content}
}

type recordingSender struct {
	mu    sync.Mutex
	calls []map[string]interface{}
	err   error
}

func (r *recordingSender) send(_ context.Context, data map[string]interface{}) (map[string]interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, data)
	if r.err != nil {
		return nil, r.err
	}
	return map[string]interface{}{"success": true}, nil
}

func (r *recordingSender) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestScheduleAtExecutesWhenDue(t *testing.T) {
	rec := &recordingSender{}
	s := New(rec.send, time.Second)

	id := s.ScheduleAt(msgData("hi"), time.Now().Add(-time.Second))
	if n := s.ProcessDue(context.Background()); n != 1 {
		t.Fatalf("processed = %d, want 1", n)
	}

	e, ok := s.Get(id)
	if !ok {
		t.Fatal("entry missing")
	}
	if e.Status != StatusCompleted {
		t.Errorf("status = %q, want %q", e.Status, StatusCompleted)
	}
	if e.RunCount != 1 {
		t.Errorf("run count = %d, want 1", e.RunCount)
	}
	if e.LastRunAt == nil {
		t.Error("last_run_at not stamped")
	}
	if e.LastResult != `{"success":true}` {
		t.Errorf("last result = %q, want %q", e.LastResult, `{"success":true}`)
	}
	if rec.callCount() != 1 {
		t.Fatalf("send calls = %d, want 1", rec.callCount())
	}
	if got := rec.calls[0]["content"]; got != "hi" {
		t.Errorf("sent content = %v, want %q", got, "hi")
	}
}

func TestNotDueUntilScheduledTime(t *testing.T) {
	rec := &recordingSender{}
	s := New(rec.send, time.Second)

	id := s.ScheduleDelay(msgData("later"), time.Hour)
	if got := s.Due(); len(got) != 0 {
		t.Fatalf("due = %d entries, want 0", len(got))
	}
	if n := s.ProcessDue(context.Background()); n != 0 {
		t.Fatalf("processed = %d, want 0", n)
	}
	if e, _ := s.Get(id); e.Status != StatusPending {
		t.Errorf("status = %q, want %q", e.Status, StatusPending)
	}
}

func TestRecurringAdvancesWithoutDrift(t *testing.T) {
	rec := &recordingSender{}
	s := New(rec.send, time.Second)

	start := time.Now().UTC().Add(-2 * time.Second)
	id := s.ScheduleRecurring(msgData("tick"), time.Minute, start, 0)

	if n := s.ProcessDue(context.Background()); n != 1 {
		t.Fatalf("processed = %d, want 1", n)
	}

	e, _ := s.Get(id)
	if e.Status != StatusPending {
		t.Errorf("status = %q, want pending after first run", e.Status)
	}
	if e.RunCount != 1 {
		t.Errorf("run count = %d, want 1", e.RunCount)
	}
	if want := start.Add(time.Minute); !e.ScheduledAt.Equal(want) {
		t.Errorf("next run = %v, want %v (previous slot + interval)", e.ScheduledAt, want)
	}
}

func TestRecurringMaxRunsCompletes(t *testing.T) {
	rec := &recordingSender{}
	s := New(rec.send, time.Second)

	// Zero interval keeps the entry due until the run budget is spent.
	past := time.Now().UTC().Add(-time.Second)
	id := s.ScheduleRecurring(msgData("twice"), 0, past, 2)

	if n := s.ProcessDue(context.Background()); n != 1 {
		t.Fatalf("first pass processed = %d, want 1", n)
	}
	if e, _ := s.Get(id); e.Status != StatusPending {
		t.Fatalf("status after run 1 = %q, want pending", e.Status)
	}

	if n := s.ProcessDue(context.Background()); n != 1 {
		t.Fatalf("second pass processed = %d, want 1", n)
	}
	e, _ := s.Get(id)
	if e.Status != StatusCompleted {
		t.Errorf("status after run 2 = %q, want completed", e.Status)
	}
	if e.RunCount != 2 {
		t.Errorf("run count = %d, want 2", e.RunCount)
	}

	if n := s.ProcessDue(context.Background()); n != 0 {
		t.Errorf("third pass processed = %d, want 0", n)
	}
}

func TestSendErrorRecordedAndEntryAdvances(t *testing.T) {
	rec := &recordingSender{err: errors.New("smtp down")}
	s := New(rec.send, time.Second)

	id := s.ScheduleAt(msgData("doomed"), time.Now().Add(-time.Second))
	if n := s.ProcessDue(context.Background()); n != 1 {
		t.Fatalf("processed = %d, want 1", n)
	}

	e, _ := s.Get(id)
	if e.LastResult != "error: smtp down" {
		t.Errorf("last result = %q, want %q", e.LastResult, "error: smtp down")
	}
	if e.Status != StatusCompleted {
		t.Errorf("status = %q, want completed despite the error", e.Status)
	}
}

func TestNilSendFunc(t *testing.T) {
	s := New(nil, time.Second)
	id := s.ScheduleAt(msgData("nowhere"), time.Now().Add(-time.Second))
	s.ProcessDue(context.Background())

	if e, _ := s.Get(id); e.LastResult != "no_send_fn" {
		t.Errorf("last result = %q, want %q", e.LastResult, "no_send_fn")
	}
}

func TestCancel(t *testing.T) {
	s := New(nil, time.Second)
	id := s.ScheduleDelay(msgData("x"), time.Hour)

	if !s.Cancel(id) {
		t.Fatal("cancel returned false for known entry")
	}
	if e, _ := s.Get(id); e.Status != StatusCancelled {
		t.Errorf("status = %q, want cancelled", e.Status)
	}
	if got := s.Due(); len(got) != 0 {
		t.Error("cancelled entry must never be due")
	}
	if s.Cancel("missing") {
		t.Error("cancel returned true for unknown entry")
	}
}

func TestScheduleCron(t *testing.T) {
	s := New(nil, time.Second)

	id, err := s.ScheduleCron(msgData("cron"), "*/5 * * * *", 0)
	if err != nil {
		t.Fatalf("schedule cron: %v", err)
	}
	e, ok := s.Get(id)
	if !ok {
		t.Fatal("entry missing")
	}
	if e.CronExpr != "*/5 * * * *" {
		t.Errorf("cron expr = %q", e.CronExpr)
	}
	now := time.Now().UTC()
	if e.ScheduledAt.Before(now.Add(-time.Second)) || e.ScheduledAt.After(now.Add(5*time.Minute+time.Second)) {
		t.Errorf("first tick = %v, want within the next five minutes", e.ScheduledAt)
	}

	if _, err := s.ScheduleCron(msgData("bad"), "not a cron", 0); err == nil {
		t.Error("expected error for invalid expression")
	}
}

func TestCronAdvanceTakesNextTick(t *testing.T) {
	rec := &recordingSender{}
	s := New(rec.send, time.Second)

	id, err := s.ScheduleCron(msgData("minutely"), "* * * * *", 0)
	if err != nil {
		t.Fatalf("schedule cron: %v", err)
	}

	// Force the entry due instead of waiting out the first tick.
	s.mu.Lock()
	s.entries[id].ScheduledAt = time.Now().UTC().Add(-time.Second)
	s.mu.Unlock()

	if n := s.ProcessDue(context.Background()); n != 1 {
		t.Fatalf("processed = %d, want 1", n)
	}

	e, _ := s.Get(id)
	if e.Status != StatusPending {
		t.Errorf("status = %q, want pending", e.Status)
	}
	if !e.ScheduledAt.After(time.Now().UTC()) {
		t.Errorf("next tick = %v, want in the future", e.ScheduledAt)
	}
}

func TestCronMaxRunsCompletes(t *testing.T) {
	rec := &recordingSender{}
	s := New(rec.send, time.Second)

	id, err := s.ScheduleCron(msgData("once"), "* * * * *", 1)
	if err != nil {
		t.Fatalf("schedule cron: %v", err)
	}
	s.mu.Lock()
	s.entries[id].ScheduledAt = time.Now().UTC().Add(-time.Second)
	s.mu.Unlock()

	s.ProcessDue(context.Background())
	if e, _ := s.Get(id); e.Status != StatusCompleted {
		t.Errorf("status = %q, want completed after single budgeted run", e.Status)
	}
}

func TestListSortedAndFiltered(t *testing.T) {
	s := New(nil, time.Second)
	now := time.Now().UTC()

	s.ScheduleAt(msgData("third"), now.Add(3*time.Hour))
	first := s.ScheduleAt(msgData("first"), now.Add(time.Hour))
	second := s.ScheduleAt(msgData("second"), now.Add(2*time.Hour))

	all := s.List("")
	if len(all) != 3 {
		t.Fatalf("list = %d entries, want 3", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].ScheduledAt.Before(all[i-1].ScheduledAt) {
			t.Fatalf("list not sorted by scheduled time: %v after %v", all[i].ScheduledAt, all[i-1].ScheduledAt)
		}
	}
	if all[0].ID != first || all[1].ID != second {
		t.Errorf("order = [%s %s], want [%s %s]", all[0].ID, all[1].ID, first, second)
	}

	s.Cancel(second)
	cancelled := s.List(StatusCancelled)
	if len(cancelled) != 1 || cancelled[0].ID != second {
		t.Errorf("cancelled filter = %d entries, want just %s", len(cancelled), second)
	}
}

func TestCallbacksRunAndPanicsAreRecovered(t *testing.T) {
	rec := &recordingSender{}
	s := New(rec.send, time.Second)

	var mu sync.Mutex
	var seen []Entry
	s.OnExecute(func(Entry) { panic("callback boom") })
	s.OnExecute(func(e Entry) {
		mu.Lock()
		seen = append(seen, e)
		mu.Unlock()
	})

	s.ScheduleAt(msgData("observed"), time.Now().Add(-time.Second))
	s.ProcessDue(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 {
		t.Fatalf("callback saw %d entries, want 1", len(seen))
	}
	if seen[0].RunCount != 1 {
		t.Errorf("callback run count = %d, want 1", seen[0].RunCount)
	}
}

func TestProcessDueRunsConcurrently(t *testing.T) {
	var calls atomic.Int64
	fn := func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		calls.Add(1)
		return map[string]interface{}{"success": true}, nil
	}
	s := New(fn, time.Second)

	past := time.Now().Add(-time.Second)
	for i := 0; i < 3; i++ {
		s.ScheduleAt(msgData("burst"), past)
	}

	if n := s.ProcessDue(context.Background()); n != 3 {
		t.Fatalf("processed = %d, want 3", n)
	}
	if calls.Load() != 3 {
		t.Errorf("send calls = %d, want 3", calls.Load())
	}
}

func TestWorkerStartStop(t *testing.T) {
	fired := make(chan struct{}, 1)
	fn := func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		select {
		case fired <- struct{}{}:
		default:
		}
		return map[string]interface{}{"success": true}, nil
	}
	s := New(fn, 10*time.Millisecond)
	s.ScheduleAt(msgData("soon"), time.Now().Add(-time.Second))

	s.Start(context.Background())
	s.Start(context.Background()) // second start is a no-op

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never executed the due entry")
	}

	s.Stop()
	s.Stop() // second stop is a no-op

	if got := s.Stats()["running"].(bool); got {
		t.Error("running = true after stop")
	}

	// The scheduler restarts cleanly.
	s.Start(context.Background())
	s.Stop()
}

func TestRestoreKeepsIdentity(t *testing.T) {
	s := New(nil, time.Second)
	s.Restore(Entry{
		ID:          "persisted-1",
		MessageData: msgData("old"),
		ScheduledAt: time.Now().UTC().Add(time.Hour),
		Status:      StatusPending,
		RunCount:    7,
		CreatedAt:   time.Now().UTC().Add(-24 * time.Hour),
	})

	e, ok := s.Get("persisted-1")
	if !ok {
		t.Fatal("restored entry missing")
	}
	if e.RunCount != 7 {
		t.Errorf("run count = %d, want 7", e.RunCount)
	}
}

func TestStats(t *testing.T) {
	s := New(nil, 0)
	s.ScheduleDelay(msgData("a"), time.Hour)
	s.ScheduleDelay(msgData("b"), time.Hour)
	id := s.ScheduleDelay(msgData("c"), time.Hour)
	s.Cancel(id)

	stats := s.Stats()
	if got := stats["total"].(int); got != 3 {
		t.Errorf("total = %d, want 3", got)
	}
	byStatus := stats["by_status"].(map[string]int)
	if byStatus[StatusPending] != 2 || byStatus[StatusCancelled] != 1 {
		t.Errorf("by_status = %v, want 2 pending / 1 cancelled", byStatus)
	}
	if got := stats["poll_interval"].(float64); got != 5 {
		t.Errorf("poll_interval = %v, want default 5", got)
	}
}
