// Package store defines the persistence contract for the gateway: message
// history, delivery events, scheduled sends, and the dead-letter mirror.
// Two backends implement it, sqlite for standalone deployments and pg for
// managed ones. Callers treat writes as best-effort audit; a store failure
// never blocks a delivery.
package store

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/omnigate/internal/message"
)

// MessageRecord is the persisted form of a message. Timestamps are stored
// as UTC ISO-8601 text in both backends so time-range filters and hour
// bucketing behave identically.
type MessageRecord struct {
	ID           string                 `json:"id"`
	FromChannel  string                 `json:"from_channel"`
	ToChannel    string                 `json:"to_channel"`
	Content      string                 `json:"content"`
	Target       string                 `json:"target"`
	Template     string                 `json:"template,omitempty"`
	TemplateVars map[string]interface{} `json:"template_vars,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Priority     int                    `json:"priority"`
	Status       string                 `json:"status"`
	RetryCount   int                    `json:"retry_count"`
	MaxRetries   int                    `json:"max_retries"`
	LastError    string                 `json:"last_error,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	SentAt       *time.Time             `json:"sent_at,omitempty"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// RecordFromMessage snapshots a message for persistence.
func RecordFromMessage(m *message.Message) MessageRecord {
	return MessageRecord{
		ID:           m.ID,
		FromChannel:  string(m.FromChannel),
		ToChannel:    string(m.ToChannel),
		Content:      m.Content,
		Target:       m.Target,
		Template:     m.Template,
		TemplateVars: m.TemplateVars,
		Metadata:     m.Metadata,
		Priority:     int(m.Priority),
		Status:       string(m.Status),
		RetryCount:   m.RetryCount,
		MaxRetries:   m.MaxRetries,
		LastError:    m.LastError,
		CreatedAt:    m.CreatedAt,
		SentAt:       m.SentAt,
	}
}

// DeliveryEvent is one audit row in a message's delivery timeline.
type DeliveryEvent struct {
	ID        int64     `json:"id"`
	MessageID string    `json:"message_id"`
	Event     string    `json:"event"`
	Channel   string    `json:"channel,omitempty"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ScheduledRecord mirrors a one-shot scheduled send so pending work
// survives a restart.
type ScheduledRecord struct {
	ID          string                 `json:"id"`
	MessageData map[string]interface{} `json:"message_data"`
	ScheduledAt time.Time              `json:"scheduled_at"`
	Status      string                 `json:"status"`
	ExecutedAt  *time.Time             `json:"executed_at,omitempty"`
	Result      string                 `json:"result,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// DeadLetterRecord mirrors one dead-letter queue entry. MessageID is the
// primary key; re-dying after a replay overwrites the previous row.
type DeadLetterRecord struct {
	MessageID  string                 `json:"message_id"`
	Message    map[string]interface{} `json:"message"`
	Error      string                 `json:"error,omitempty"`
	RetryCount int                    `json:"retry_count"`
	FailedAt   time.Time              `json:"failed_at"`
}

// QueryFilter narrows a message history query. Zero values are ignored.
type QueryFilter struct {
	Channel string
	Status  string
	Target  string
	Since   time.Time
	Until   time.Time
	Limit   int
	Offset  int
}

// Stats aggregates delivery outcomes over a trailing window.
type Stats struct {
	PeriodHours int            `json:"period_hours"`
	Total       int            `json:"total"`
	ByStatus    map[string]int `json:"by_status"`
	ByChannel   map[string]int `json:"by_channel"`
	ByHour      map[string]int `json:"by_hour"`
	SuccessRate float64        `json:"success_rate"`
}

// Store persists gateway state. GetMessage returns (nil, nil) on a miss so
// callers can 404 without classifying driver errors.
type Store interface {
	SaveMessage(ctx context.Context, rec MessageRecord) error
	UpdateStatus(ctx context.Context, id, status, errText string) error
	GetMessage(ctx context.Context, id string) (*MessageRecord, error)
	QueryMessages(ctx context.Context, f QueryFilter) ([]MessageRecord, error)
	CountMessages(ctx context.Context, f QueryFilter) (int, error)
	GetStats(ctx context.Context, hours int) (*Stats, error)

	LogEvent(ctx context.Context, messageID, event, channel, details string) error
	GetEvents(ctx context.Context, messageID string) ([]DeliveryEvent, error)

	SaveScheduled(ctx context.Context, rec ScheduledRecord) error
	GetDueScheduled(ctx context.Context, now time.Time) ([]ScheduledRecord, error)
	MarkScheduledDone(ctx context.Context, id, result string) error
	GetScheduled(ctx context.Context, status string, limit int) ([]ScheduledRecord, error)
	// DeleteScheduled reports whether a row was actually removed.
	DeleteScheduled(ctx context.Context, id string) (bool, error)

	SaveDeadLetter(ctx context.Context, rec DeadLetterRecord) error
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetterRecord, error)
	DeleteDeadLetter(ctx context.Context, messageID string) error
	ClearDeadLetters(ctx context.Context) (int, error)

	Close() error
}
