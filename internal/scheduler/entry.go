package scheduler

import (
	"time"

	"github.com/adhocore/gronx"
)

// Entry statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Entry is one scheduled delivery. MessageData holds the flattened message
// fields handed to the send function when the entry fires.
type Entry struct {
	ID              string                 `json:"id"`
	MessageData     map[string]interface{} `json:"message_data"`
	ScheduledAt     time.Time              `json:"scheduled_at"`
	Recurring       bool                   `json:"recurring"`
	IntervalSeconds int                    `json:"interval_seconds"`
	CronExpr        string                 `json:"cron_expr,omitempty"`
	MaxRuns         int                    `json:"max_runs"`
	RunCount        int                    `json:"run_count"`
	Status          string                 `json:"status"`
	CreatedAt       time.Time              `json:"created_at"`
	LastRunAt       *time.Time             `json:"last_run_at,omitempty"`
	LastResult      string                 `json:"last_result,omitempty"`
}

// Due reports whether the entry should fire at now.
func (e *Entry) Due(now time.Time) bool {
	return e.Status == StatusPending && !now.Before(e.ScheduledAt)
}

// advance records one run and either reschedules the entry or completes it.
// Interval entries step from the previous slot so the cadence never drifts;
// cron entries take the next tick after now.
func (e *Entry) advance(now time.Time) {
	e.RunCount++
	t := now
	e.LastRunAt = &t

	budgetLeft := e.MaxRuns == 0 || e.RunCount < e.MaxRuns
	switch {
	case e.CronExpr != "" && budgetLeft:
		next, err := gronx.NextTickAfter(e.CronExpr, now, false)
		if err != nil {
			e.Status = StatusCompleted
			return
		}
		e.ScheduledAt = next
	case e.Recurring && budgetLeft:
		e.ScheduledAt = e.ScheduledAt.Add(time.Duration(e.IntervalSeconds) * time.Second)
	default:
		e.Status = StatusCompleted
	}
}
