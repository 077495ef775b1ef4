// Package discord delivers messages to Discord webhooks.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/omnigate/internal/config"
	"github.com/nextlevelbuilder/omnigate/internal/message"
)

const (
	defaultUsername = "OmniMessage"
	requestTimeout  = 15 * time.Second
)

// Channel posts webhook executions. The webhook URL embeds its own token,
// so no further auth is involved.
type Channel struct {
	cfg    config.DiscordConfig
	client *http.Client
}

// New creates the Discord channel from config.
func New(cfg config.DiscordConfig) *Channel {
	return &Channel{
		cfg:    cfg,
		client: &http.Client{Timeout: requestTimeout},
	}
}

func (c *Channel) Name() message.Channel { return message.ChannelDiscord }

func (c *Channel) Enabled() bool { return c.cfg.WebhookURL != "" }

// Send executes the webhook with the message content. Metadata may override
// the webhook URL and username per message, and an "embed" object is passed
// through as a single rich embed.
func (c *Channel) Send(ctx context.Context, msg *message.Message) (*message.SendResult, error) {
	url := msg.MetaString("webhook_url")
	if url == "" {
		url = c.cfg.WebhookURL
	}
	if url == "" {
		return message.Failure(msg, "Discord not configured: missing webhook URL"), nil
	}

	params := &discordgo.WebhookParams{
		Content:  msg.Content,
		Username: c.username(msg),
	}
	if raw, ok := msg.Metadata["embed"]; ok && raw != nil {
		embed, err := decodeEmbed(raw)
		if err != nil {
			return message.Failure(msg, err.Error()), nil
		}
		params.Embeds = []*discordgo.MessageEmbed{embed}
	}

	body, err := json.Marshal(params)
	if err != nil {
		return message.Failure(msg, err.Error()), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return message.Failure(msg, err.Error()), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return message.Failure(msg, err.Error()), nil
	}
	defer resp.Body.Close()

	// Discord answers 204 without ?wait=true and 200 with it.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		res := message.Failure(msg, fmt.Sprintf("HTTP %d", resp.StatusCode))
		res.Response = map[string]interface{}{"status_code": resp.StatusCode}
		return res, nil
	}

	return &message.SendResult{
		Success:   true,
		MessageID: msg.ID,
		Channel:   message.ChannelDiscord,
		Response:  map[string]interface{}{"status_code": resp.StatusCode},
	}, nil
}

// Validate fetches the webhook object, which Discord serves on GET for
// valid webhook URLs.
func (c *Channel) Validate(ctx context.Context) error {
	if c.cfg.WebhookURL == "" {
		return errors.New("discord: webhook URL not set")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.WebhookURL, nil)
	if err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("discord: webhook probe returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func (c *Channel) username(msg *message.Message) string {
	if v := msg.MetaString("username"); v != "" {
		return v
	}
	if c.cfg.Username != "" {
		return c.cfg.Username
	}
	return defaultUsername
}

// decodeEmbed coerces a loose metadata object into a typed embed so invalid
// shapes fail here instead of at Discord.
func decodeEmbed(raw interface{}) (*discordgo.MessageEmbed, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid Discord embed: %w", err)
	}
	var embed discordgo.MessageEmbed
	if err := json.Unmarshal(b, &embed); err != nil {
		return nil, fmt.Errorf("invalid Discord embed: %w", err)
	}
	return &embed, nil
}
