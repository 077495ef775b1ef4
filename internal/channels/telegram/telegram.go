// Package telegram delivers messages through the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/omnigate/internal/config"
	"github.com/nextlevelbuilder/omnigate/internal/message"
)

const defaultParseMode = "Markdown"

// Channel sends messages via the Bot API sendMessage method.
type Channel struct {
	cfg config.TelegramConfig
	bot *telego.Bot
}

// New creates the Telegram channel. The bot client is only constructed when
// a token is present; without one the channel stays registered but answers
// every Send with a not-configured failure.
func New(cfg config.TelegramConfig) (*Channel, error) {
	c := &Channel{cfg: cfg}
	if cfg.Token == "" {
		return c, nil
	}

	var opts []telego.BotOption
	if cfg.APIServer != "" {
		opts = append(opts, telego.WithAPIServer(cfg.APIServer))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	c.bot = bot
	return c, nil
}

func (c *Channel) Name() message.Channel { return message.ChannelTelegram }

func (c *Channel) Enabled() bool { return c.cfg.Token != "" }

// Send posts the message content to the target chat. Telegram rejections
// come back inside the result; the error return fires only when ctx ended
// before the API answered.
func (c *Channel) Send(ctx context.Context, msg *message.Message) (*message.SendResult, error) {
	if c.bot == nil {
		return message.Failure(msg, "Telegram not configured: missing token"), nil
	}

	chatID, err := parseChatID(msg.Target)
	if err != nil {
		return message.Failure(msg, err.Error()), nil
	}

	params := tu.Message(chatID, msg.Content)

	mode := c.cfg.ParseMode
	if mode == "" {
		mode = defaultParseMode
	}
	if v := msg.MetaString("parse_mode"); v != "" {
		mode = v
	}
	params.ParseMode = mode

	if c.cfg.PreviewDisabled() {
		params.LinkPreviewOptions = &telego.LinkPreviewOptions{IsDisabled: true}
	}

	sent, err := c.bot.SendMessage(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return message.Failure(msg, err.Error()), nil
	}

	return &message.SendResult{
		Success:   true,
		MessageID: msg.ID,
		Channel:   message.ChannelTelegram,
		Response: map[string]interface{}{
			"message_id": sent.MessageID,
			"chat_id":    sent.Chat.ID,
		},
	}, nil
}

// Validate calls getMe to confirm the token is accepted.
func (c *Channel) Validate(ctx context.Context) error {
	if c.bot == nil {
		return errors.New("telegram: token not set")
	}
	if _, err := c.bot.GetMe(ctx); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	return nil
}

// parseChatID accepts a numeric chat id or a public @channel username.
func parseChatID(target string) (telego.ChatID, error) {
	if target == "" {
		return telego.ChatID{}, errors.New("Telegram chat id is required")
	}
	if strings.HasPrefix(target, "@") {
		return tu.Username(target), nil
	}
	id, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return telego.ChatID{}, fmt.Errorf("invalid Telegram chat id %q", target)
	}
	return tu.ID(id), nil
}
