package message

// SendResult reports the outcome of one dispatch, successful or not.
// Response holds channel-specific payload such as provider message IDs.
type SendResult struct {
	Success    bool                   `json:"success"`
	MessageID  string                 `json:"message_id"`
	Channel    Channel                `json:"channel"`
	Response   map[string]interface{} `json:"response,omitempty"`
	Error      string                 `json:"error,omitempty"`
	RetryCount int                    `json:"retry_count"`
}

// Failure builds an unsuccessful result for the given message.
func Failure(m *Message, errText string) *SendResult {
	return &SendResult{
		MessageID:  m.ID,
		Channel:    m.ToChannel,
		Error:      errText,
		RetryCount: m.RetryCount,
	}
}
