// Package webhook delivers messages as signed HTTP callbacks to arbitrary
// endpoints. It is the only channel that is always enabled.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/omnigate/internal/config"
	"github.com/nextlevelbuilder/omnigate/internal/message"
)

const (
	userAgent       = "OmniMessage-Gateway/2.0"
	signatureHeader = "X-Signature-256"
	defaultTimeout  = 30 * time.Second
	maxBodyEcho     = 500
)

// callbackBody is the JSON document posted to the target. Field order is
// part of the contract because the HMAC signature covers the exact bytes.
type callbackBody struct {
	Event     string                 `json:"event"`
	Content   string                 `json:"content"`
	MessageID string                 `json:"message_id"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// Channel posts callbacks to the message target URL.
type Channel struct {
	cfg    config.WebhookConfig
	client *http.Client
}

// New creates the webhook channel from config.
func New(cfg config.WebhookConfig) *Channel {
	timeout := defaultTimeout
	if cfg.TimeoutSecs > 0 {
		timeout = time.Duration(cfg.TimeoutSecs) * time.Second
	}
	return &Channel{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (c *Channel) Name() message.Channel { return message.ChannelWebhook }

func (c *Channel) Enabled() bool { return true }

// Validate always passes; there is no fixed endpoint to probe.
func (c *Channel) Validate(_ context.Context) error { return nil }

// Send posts the callback body to the target URL. Metadata keys: "event"
// names the callback event, "method" switches to GET (signature headers
// still cover the would-be body), and "headers" adds custom headers.
func (c *Channel) Send(ctx context.Context, msg *message.Message) (*message.SendResult, error) {
	url := msg.Target
	if url == "" {
		return message.Failure(msg, "Webhook target URL is required"), nil
	}

	event := msg.MetaString("event")
	if event == "" {
		event = "message"
	}
	body, err := json.Marshal(callbackBody{
		Event:     event,
		Content:   msg.Content,
		MessageID: msg.ID,
		Metadata:  msg.Metadata,
	})
	if err != nil {
		return message.Failure(msg, err.Error()), nil
	}

	method := strings.ToUpper(msg.MetaString("method"))
	if method == "" {
		method = http.MethodPost
	}

	var reqBody io.Reader
	if method != http.MethodGet {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return message.Failure(msg, err.Error()), nil
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if sig := c.sign(body); sig != "" {
		req.Header.Set(signatureHeader, "sha256="+sig)
	}
	if extra, ok := msg.Metadata["headers"].(map[string]interface{}); ok {
		for k, v := range extra {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return message.Failure(msg, err.Error()), nil
	}
	defer resp.Body.Close()

	echo, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyEcho))
	response := map[string]interface{}{
		"status_code": resp.StatusCode,
		"body":        string(echo),
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		res := message.Failure(msg, fmt.Sprintf("HTTP %d", resp.StatusCode))
		res.Response = response
		return res, nil
	}

	return &message.SendResult{
		Success:   true,
		MessageID: msg.ID,
		Channel:   message.ChannelWebhook,
		Response:  response,
	}, nil
}

// sign computes the hex HMAC-SHA256 of the body, or "" without a secret.
func (c *Channel) sign(body []byte) string {
	if c.cfg.Secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(c.cfg.Secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
