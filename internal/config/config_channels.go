package config

// ChannelsConfig groups per-channel delivery settings. Tokens, webhook URLs,
// and passwords are env-only and never persist in the config file.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram,omitempty"`
	WhatsApp WhatsAppConfig `json:"whatsapp,omitempty"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
	Slack    SlackConfig    `json:"slack,omitempty"`
	Email    EmailConfig    `json:"email,omitempty"`
	Webhook  WebhookConfig  `json:"webhook,omitempty"`
}

// TelegramConfig configures the Telegram Bot API channel.
// Token comes from env TELEGRAM_TOKEN only.
type TelegramConfig struct {
	Enabled        bool   `json:"enabled,omitempty"`
	Token          string `json:"-"`
	ParseMode      string `json:"parse_mode,omitempty"`      // "Markdown" (default), "MarkdownV2", "HTML"
	DisablePreview *bool  `json:"disable_preview,omitempty"` // default true
	APIServer      string `json:"api_server,omitempty"`      // override for self-hosted Bot API
}

// PreviewDisabled resolves the tri-state DisablePreview flag (nil means on).
func (t TelegramConfig) PreviewDisabled() bool {
	return t.DisablePreview == nil || *t.DisablePreview
}

// WhatsAppConfig configures the WhatsApp Cloud API channel.
// Token comes from env WHATSAPP_TOKEN only.
type WhatsAppConfig struct {
	Enabled    bool   `json:"enabled,omitempty"`
	Token      string `json:"-"`
	PhoneID    string `json:"phone_id,omitempty"`
	APIVersion string `json:"api_version,omitempty"` // default "v19.0"
	BaseURL    string `json:"base_url,omitempty"`    // default "https://graph.facebook.com"
}

// DiscordConfig configures Discord webhook delivery.
// WebhookURL embeds the webhook token, so it comes from env DISCORD_WEBHOOK only.
type DiscordConfig struct {
	Enabled    bool   `json:"enabled,omitempty"`
	WebhookURL string `json:"-"`
	Username   string `json:"username,omitempty"` // default "OmniMessage"
}

// SlackConfig configures Slack incoming-webhook delivery.
// WebhookURL comes from env SLACK_WEBHOOK only.
type SlackConfig struct {
	Enabled    bool   `json:"enabled,omitempty"`
	WebhookURL string `json:"-"`
}

// EmailConfig configures SMTP delivery.
// Password comes from env SMTP_PASS only.
type EmailConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	SMTPHost string `json:"smtp_host,omitempty"`
	SMTPPort int    `json:"smtp_port,omitempty"` // default 587
	Username string `json:"username,omitempty"`
	Password string `json:"-"`
	From     string `json:"from,omitempty"`
	UseTLS   *bool  `json:"use_tls,omitempty"` // default true
}

// TLSEnabled resolves the tri-state UseTLS flag (nil means on).
func (e EmailConfig) TLSEnabled() bool {
	return e.UseTLS == nil || *e.UseTLS
}

// WebhookConfig configures generic HTTP webhook delivery. This channel is
// always available; Secret (env WEBHOOK_SECRET only) enables HMAC signing.
type WebhookConfig struct {
	Secret      string `json:"-"`
	TimeoutSecs int    `json:"timeout,omitempty"` // default 30
}
