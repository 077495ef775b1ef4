// Package message defines the unified message model shared by every
// delivery channel, the router, the scheduler, and the store.
package message

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Channel identifies a delivery backend.
type Channel string

const (
	ChannelTelegram Channel = "telegram"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelDiscord  Channel = "discord"
	ChannelSlack    Channel = "slack"
	ChannelEmail    Channel = "email"
	ChannelWebhook  Channel = "webhook"
)

// Channels lists every known channel in display order.
func Channels() []Channel {
	return []Channel{ChannelTelegram, ChannelWhatsApp, ChannelDiscord, ChannelSlack, ChannelEmail, ChannelWebhook}
}

// ParseChannel validates a channel name.
func ParseChannel(s string) (Channel, error) {
	c := Channel(s)
	switch c {
	case ChannelTelegram, ChannelWhatsApp, ChannelDiscord, ChannelSlack, ChannelEmail, ChannelWebhook:
		return c, nil
	}
	return "", fmt.Errorf("unknown channel: %q", s)
}

// Status tracks a message through its delivery lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
	StatusDead      Status = "dead"
)

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	switch st {
	case StatusPending, StatusSending, StatusSent, StatusDelivered, StatusFailed, StatusRetrying, StatusDead:
		return st, nil
	}
	return "", fmt.Errorf("unknown status: %q", s)
}

// Terminal reports whether no further delivery attempts may follow.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusDead
}

// Priority orders messages for routing rules. Values match the wire format.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 5
	PriorityHigh     Priority = 8
	PriorityCritical Priority = 10
)

// ParsePriority validates a numeric priority.
func ParsePriority(n int) (Priority, error) {
	p := Priority(n)
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return p, nil
	}
	return 0, fmt.Errorf("unknown priority: %d", n)
}

// Attachment is a file carried with a message. Raw bytes never leave the
// process; maps and JSON carry only the descriptor fields.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	URL         string `json:"url,omitempty"`
	Data        []byte `json:"-"`
	Size        int    `json:"size"`
}

// Message is a single outbound delivery request.
type Message struct {
	ID           string                 `json:"id"`
	FromChannel  Channel                `json:"from_channel"`
	ToChannel    Channel                `json:"to_channel"`
	Content      string                 `json:"content"`
	Target       string                 `json:"target"`
	Attachments  []Attachment           `json:"attachments,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Priority     Priority               `json:"priority"`
	Status       Status                 `json:"status"`
	Template     string                 `json:"template,omitempty"`
	TemplateVars map[string]interface{} `json:"template_vars,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	SentAt       *time.Time             `json:"sent_at,omitempty"`
	RetryCount   int                    `json:"retry_count"`
	MaxRetries   int                    `json:"max_retries"`
	LastError    string                 `json:"last_error,omitempty"`
}

// New builds a pending message with a fresh ID and creation timestamp.
func New(to Channel, content, target string) *Message {
	return &Message{
		ID:          uuid.NewString(),
		FromChannel: ChannelWebhook,
		ToChannel:   to,
		Content:     content,
		Target:      target,
		Priority:    PriorityNormal,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
		MaxRetries:  3,
	}
}

// Equal reports whether two messages are the same logical message. Identity
// follows the ID, so a map round-trip stays equal while CloneFor copies,
// which get fresh IDs, do not.
func (m *Message) Equal(other *Message) bool {
	return other != nil && m.ID == other.ID
}

// TargetFor returns the per-channel target override from metadata
// ("target:<channel>"), falling back to the message target.
func (m *Message) TargetFor(ch Channel) string {
	if m.Metadata != nil {
		if v, ok := m.Metadata["target:"+string(ch)]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return m.Target
}

// MetaString returns a string metadata value, or "" when absent or not a string.
func (m *Message) MetaString(key string) string {
	if m.Metadata == nil {
		return ""
	}
	v, _ := m.Metadata[key].(string)
	return v
}

// MetaBool returns a boolean metadata value. JSON bodies carry real booleans;
// CLI flags arrive as the string "true".
func (m *Message) MetaBool(key string) bool {
	if m.Metadata == nil {
		return false
	}
	switch v := m.Metadata[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}

// CloneFor copies the message for delivery on another channel. The copy gets
// a fresh ID, pending status, and zeroed retry counter; content, attachments,
// metadata, priority, and template fields carry over.
func (m *Message) CloneFor(ch Channel, target string) *Message {
	c := &Message{
		ID:          uuid.NewString(),
		FromChannel: m.FromChannel,
		ToChannel:   ch,
		Content:     m.Content,
		Target:      target,
		Attachments: append([]Attachment(nil), m.Attachments...),
		Priority:    m.Priority,
		Status:      StatusPending,
		Template:    m.Template,
		CreatedAt:   time.Now().UTC(),
		MaxRetries:  m.MaxRetries,
	}
	if m.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	if m.TemplateVars != nil {
		c.TemplateVars = make(map[string]interface{}, len(m.TemplateVars))
		for k, v := range m.TemplateVars {
			c.TemplateVars[k] = v
		}
	}
	return c
}

// ToMap flattens the message for storage and transport. Timestamps are
// RFC 3339 UTC strings; attachments carry descriptors only.
func (m *Message) ToMap() map[string]interface{} {
	atts := make([]map[string]interface{}, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		atts = append(atts, map[string]interface{}{
			"filename":     a.Filename,
			"content_type": a.ContentType,
			"url":          a.URL,
			"size":         a.Size,
		})
	}
	out := map[string]interface{}{
		"id":            m.ID,
		"from_channel":  string(m.FromChannel),
		"to_channel":    string(m.ToChannel),
		"content":       m.Content,
		"target":        m.Target,
		"attachments":   atts,
		"metadata":      m.Metadata,
		"priority":      int(m.Priority),
		"status":        string(m.Status),
		"template":      m.Template,
		"template_vars": m.TemplateVars,
		"created_at":    FormatTime(m.CreatedAt),
		"sent_at":       nil,
		"retry_count":   m.RetryCount,
		"max_retries":   m.MaxRetries,
		"last_error":    m.LastError,
	}
	if m.SentAt != nil {
		out["sent_at"] = FormatTime(*m.SentAt)
	}
	return out
}

// FromMap rebuilds a message from its map form. Missing fields fall back to
// the same defaults New applies; unknown channel or status values are errors.
func FromMap(data map[string]interface{}) (*Message, error) {
	m := &Message{
		ID:         asString(data["id"]),
		Content:    asString(data["content"]),
		Target:     asString(data["target"]),
		Template:   asString(data["template"]),
		LastError:  asString(data["last_error"]),
		Priority:   PriorityNormal,
		Status:     StatusPending,
		MaxRetries: 3,
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	if v := asString(data["from_channel"]); v != "" {
		ch, err := ParseChannel(v)
		if err != nil {
			return nil, err
		}
		m.FromChannel = ch
	} else {
		m.FromChannel = ChannelWebhook
	}
	if v := asString(data["to_channel"]); v != "" {
		ch, err := ParseChannel(v)
		if err != nil {
			return nil, err
		}
		m.ToChannel = ch
	} else {
		m.ToChannel = ChannelWebhook
	}
	if v := asString(data["status"]); v != "" {
		st, err := ParseStatus(v)
		if err != nil {
			return nil, err
		}
		m.Status = st
	}
	if v, ok := data["priority"]; ok {
		p, err := ParsePriority(asInt(v))
		if err != nil {
			return nil, err
		}
		m.Priority = p
	}
	if v, ok := data["metadata"].(map[string]interface{}); ok {
		m.Metadata = v
	}
	if v, ok := data["template_vars"].(map[string]interface{}); ok {
		m.TemplateVars = v
	}
	if v, ok := data["attachments"].([]interface{}); ok {
		for _, raw := range v {
			am, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			m.Attachments = append(m.Attachments, Attachment{
				Filename:    asString(am["filename"]),
				ContentType: asString(am["content_type"]),
				URL:         asString(am["url"]),
				Size:        asInt(am["size"]),
			})
		}
	}
	if v := asString(data["created_at"]); v != "" {
		t, err := ParseTime(v)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		m.CreatedAt = t
	} else {
		m.CreatedAt = time.Now().UTC()
	}
	if v := asString(data["sent_at"]); v != "" {
		t, err := ParseTime(v)
		if err != nil {
			return nil, fmt.Errorf("parse sent_at: %w", err)
		}
		m.SentAt = &t
	}
	m.RetryCount = asInt(data["retry_count"])
	if v, ok := data["max_retries"]; ok {
		m.MaxRetries = asInt(v)
	}
	return m, nil
}

// timeLayout keeps stored timestamps fixed-width so lexicographic order
// matches chronological order in SQL range filters.
const timeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders a timestamp in the canonical stored form.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime accepts the canonical form plus plain RFC 3339 variants.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
