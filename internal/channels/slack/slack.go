// Package slack delivers messages to Slack incoming webhooks.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/slack-go/slack"

	"github.com/nextlevelbuilder/omnigate/internal/config"
	"github.com/nextlevelbuilder/omnigate/internal/message"
)

const requestTimeout = 15 * time.Second

// Channel posts webhook messages. Slack acknowledges with a plain 200 "ok";
// anything else is a rejection.
type Channel struct {
	cfg    config.SlackConfig
	client *http.Client
}

// New creates the Slack channel from config.
func New(cfg config.SlackConfig) *Channel {
	return &Channel{
		cfg:    cfg,
		client: &http.Client{Timeout: requestTimeout},
	}
}

func (c *Channel) Name() message.Channel { return message.ChannelSlack }

func (c *Channel) Enabled() bool { return c.cfg.WebhookURL != "" }

// Send posts the message text. Metadata may carry a "blocks" array for
// Block Kit layouts, a "channel" override, and a per-message "webhook_url".
func (c *Channel) Send(ctx context.Context, msg *message.Message) (*message.SendResult, error) {
	url := msg.MetaString("webhook_url")
	if url == "" {
		url = c.cfg.WebhookURL
	}
	if url == "" {
		return message.Failure(msg, "Slack not configured: missing webhook URL"), nil
	}

	wm := &slack.WebhookMessage{
		Text:    msg.Content,
		Channel: msg.MetaString("channel"),
	}
	if raw, ok := msg.Metadata["blocks"]; ok && raw != nil {
		blocks, err := decodeBlocks(raw)
		if err != nil {
			return message.Failure(msg, err.Error()), nil
		}
		wm.Blocks = blocks
	}

	if err := slack.PostWebhookCustomHTTPContext(ctx, url, c.client, wm); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return message.Failure(msg, err.Error()), nil
	}

	return &message.SendResult{
		Success:   true,
		MessageID: msg.ID,
		Channel:   message.ChannelSlack,
		Response:  map[string]interface{}{"text": "ok", "status_code": http.StatusOK},
	}, nil
}

// Validate only checks configuration; webhook URLs cannot be probed without
// posting a visible message.
func (c *Channel) Validate(_ context.Context) error {
	if c.cfg.WebhookURL == "" {
		return errors.New("slack: webhook URL not set")
	}
	return nil
}

// decodeBlocks coerces a loose metadata array into typed Block Kit blocks
// so malformed layouts fail here instead of at Slack.
func decodeBlocks(raw interface{}) (*slack.Blocks, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid Slack blocks: %w", err)
	}
	var blocks slack.Blocks
	if err := blocks.UnmarshalJSON(b); err != nil {
		return nil, fmt.Errorf("invalid Slack blocks: %w", err)
	}
	return &blocks, nil
}
