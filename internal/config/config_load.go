package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			APIKey: "change-me",
			Host:   "0.0.0.0",
			Port:   8900,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{ParseMode: "Markdown"},
			WhatsApp: WhatsAppConfig{APIVersion: "v19.0", BaseURL: "https://graph.facebook.com"},
			Discord:  DiscordConfig{Username: "OmniMessage"},
			Email:    EmailConfig{SMTPPort: 587},
			Webhook:  WebhookConfig{TimeoutSecs: 30},
		},
		Dispatch: DispatchConfig{
			MaxRetries:     3,
			RetryDelaySecs: 1.0,
		},
		Templates: TemplatesConfig{Dir: "templates"},
		Database:  DatabaseConfig{Mode: "standalone", Path: "omni_messages.db"},
		Telemetry: TelemetryConfig{ServiceName: "omnigate"},
	}
}

// Load reads config from a JSON file, then overlays env vars.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, cfg.Validate()
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	// Gateway
	envStr("OMNI_API_KEY", &c.Gateway.APIKey)
	envStr("OMNI_HOST", &c.Gateway.Host)
	envInt("OMNI_PORT", &c.Gateway.Port)
	envBool("OMNI_DEBUG", &c.Gateway.Debug)

	// Dispatch
	envInt("OMNI_MAX_RETRIES", &c.Dispatch.MaxRetries)
	if v := os.Getenv("OMNI_RETRY_DELAY"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			c.Dispatch.RetryDelaySecs = f
		}
	}

	// Templates
	envStr("OMNI_TEMPLATE_DIR", &c.Templates.Dir)

	// Channel secrets
	envStr("TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("TELEGRAM_PARSE_MODE", &c.Channels.Telegram.ParseMode)
	if v := os.Getenv("TELEGRAM_DISABLE_PREVIEW"); v != "" {
		b := v == "true" || v == "1"
		c.Channels.Telegram.DisablePreview = &b
	}
	envStr("WHATSAPP_TOKEN", &c.Channels.WhatsApp.Token)
	envStr("WHATSAPP_PHONE_ID", &c.Channels.WhatsApp.PhoneID)
	envStr("WHATSAPP_API_VERSION", &c.Channels.WhatsApp.APIVersion)
	envStr("DISCORD_WEBHOOK", &c.Channels.Discord.WebhookURL)
	envStr("SLACK_WEBHOOK", &c.Channels.Slack.WebhookURL)
	envStr("SMTP_HOST", &c.Channels.Email.SMTPHost)
	envInt("SMTP_PORT", &c.Channels.Email.SMTPPort)
	envStr("SMTP_USER", &c.Channels.Email.Username)
	envStr("SMTP_PASS", &c.Channels.Email.Password)
	envStr("SMTP_FROM", &c.Channels.Email.From)
	if v := os.Getenv("SMTP_USE_TLS"); v != "" {
		b := v == "true" || v == "1"
		c.Channels.Email.UseTLS = &b
	}
	envStr("WEBHOOK_SECRET", &c.Channels.Webhook.Secret)
	envInt("WEBHOOK_TIMEOUT", &c.Channels.Webhook.TimeoutSecs)

	// Auto-enable channels when credentials arrive via env
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.WhatsApp.Token != "" && c.Channels.WhatsApp.PhoneID != "" {
		c.Channels.WhatsApp.Enabled = true
	}
	if c.Channels.Discord.WebhookURL != "" {
		c.Channels.Discord.Enabled = true
	}
	if c.Channels.Slack.WebhookURL != "" {
		c.Channels.Slack.Enabled = true
	}
	if c.Channels.Email.SMTPHost != "" {
		c.Channels.Email.Enabled = true
	}

	// Database
	envStr("OMNI_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("OMNI_MODE", &c.Database.Mode)
	envStr("OMNI_DB", &c.Database.Path)

	// Telemetry
	envStr("OMNI_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("OMNI_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("OMNI_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("OMNI_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("OMNI_TELEMETRY_INSECURE", &c.Telemetry.Insecure)
}

// ApplyEnvOverrides re-applies environment variable overrides onto the config.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// Save writes the config to a JSON file. Secret fields carry the json:"-"
// tag, so they never reach disk.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields masked.
// Used when printing effective configuration.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Deep copy via JSON round-trip; json:"-" secrets are re-applied masked.
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	cp.Gateway.APIKey = masked(c.Gateway.APIKey)
	cp.Channels.Telegram.Token = masked(c.Channels.Telegram.Token)
	cp.Channels.WhatsApp.Token = masked(c.Channels.WhatsApp.Token)
	cp.Channels.Discord.WebhookURL = masked(c.Channels.Discord.WebhookURL)
	cp.Channels.Slack.WebhookURL = masked(c.Channels.Slack.WebhookURL)
	cp.Channels.Email.Password = masked(c.Channels.Email.Password)
	cp.Channels.Webhook.Secret = masked(c.Channels.Webhook.Secret)
	cp.Database.PostgresDSN = masked(c.Database.PostgresDSN)

	return cp
}

func masked(s string) string {
	if s == "" {
		return ""
	}
	return secretMask
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
