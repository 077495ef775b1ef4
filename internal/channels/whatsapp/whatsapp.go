// Package whatsapp delivers messages through the WhatsApp Cloud API.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/omnigate/internal/config"
	"github.com/nextlevelbuilder/omnigate/internal/message"
)

const (
	defaultAPIVersion = "v19.0"
	defaultBaseURL    = "https://graph.facebook.com"
	requestTimeout    = 15 * time.Second
)

// Channel sends text or template messages via the Cloud API /messages
// endpoint of a business phone number.
type Channel struct {
	cfg    config.WhatsAppConfig
	client *http.Client
}

// New creates the WhatsApp channel from config, filling in Cloud API
// defaults for the version and base URL.
func New(cfg config.WhatsAppConfig) *Channel {
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Channel{
		cfg:    cfg,
		client: &http.Client{Timeout: requestTimeout},
	}
}

func (c *Channel) Name() message.Channel { return message.ChannelWhatsApp }

func (c *Channel) Enabled() bool { return c.cfg.Token != "" && c.cfg.PhoneID != "" }

// Send posts a text message to the target phone number. A "wa_template"
// metadata entry switches the payload to a pre-approved template send.
func (c *Channel) Send(ctx context.Context, msg *message.Message) (*message.SendResult, error) {
	if !c.Enabled() {
		return message.Failure(msg, "WhatsApp not configured: missing token or phone_id"), nil
	}

	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"to":                msg.Target,
		"type":              "text",
		"text":              map[string]string{"body": msg.Content},
	}
	if tpl, ok := msg.Metadata["wa_template"]; ok && tpl != nil {
		payload = map[string]interface{}{
			"messaging_product": "whatsapp",
			"to":                msg.Target,
			"type":              "template",
			"template":          tpl,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return message.Failure(msg, err.Error()), nil
	}

	url := fmt.Sprintf("%s/%s/%s/messages", c.cfg.BaseURL, c.cfg.APIVersion, c.cfg.PhoneID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return message.Failure(msg, err.Error()), nil
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return message.Failure(msg, err.Error()), nil
	}
	defer resp.Body.Close()

	var data map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return message.Failure(msg, fmt.Sprintf("invalid Cloud API response: %s", err)), nil
	}

	// The Cloud API confirms acceptance with a "messages" array.
	if _, ok := data["messages"]; ok {
		return &message.SendResult{
			Success:   true,
			MessageID: msg.ID,
			Channel:   message.ChannelWhatsApp,
			Response:  data,
		}, nil
	}

	res := message.Failure(msg, apiError(data))
	res.Response = data
	return res, nil
}

// Validate only checks configuration; the Cloud API has no cheap probe
// endpoint that does not consume quota.
func (c *Channel) Validate(_ context.Context) error {
	if !c.Enabled() {
		return errors.New("whatsapp: token or phone_id not set")
	}
	return nil
}

func apiError(data map[string]interface{}) string {
	if e, ok := data["error"].(map[string]interface{}); ok {
		if m, ok := e["message"].(string); ok && m != "" {
			return m
		}
	}
	return "Unknown error"
}
