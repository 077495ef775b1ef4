package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Gateway.Port != 8900 {
		t.Errorf("port = %d, want 8900", cfg.Gateway.Port)
	}
	if cfg.Gateway.APIKey != "change-me" {
		t.Errorf("api key = %q", cfg.Gateway.APIKey)
	}
	if cfg.Dispatch.MaxRetries != 3 || cfg.Dispatch.RetryDelaySecs != 1.0 {
		t.Errorf("dispatch = %+v", cfg.Dispatch)
	}
	if !cfg.RateLimit.IsEnabled() {
		t.Error("rate limit should default on")
	}
	if cfg.Channels.Telegram.ParseMode != "Markdown" {
		t.Errorf("telegram parse mode = %q", cfg.Channels.Telegram.ParseMode)
	}
	if !cfg.Channels.Telegram.PreviewDisabled() {
		t.Error("telegram preview should default disabled")
	}
	if cfg.Channels.Webhook.TimeoutSecs != 30 {
		t.Errorf("webhook timeout = %d", cfg.Channels.Webhook.TimeoutSecs)
	}
	if cfg.Database.Mode != "standalone" || cfg.Database.Path != "omni_messages.db" {
		t.Errorf("database = %+v", cfg.Database)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Port != 8900 {
		t.Errorf("port = %d", cfg.Gateway.Port)
	}
}

func TestLoadJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		// comments are allowed
		gateway: { host: "127.0.0.1", port: 9100 },
		dispatch: { max_retries: 5, retry_delay: 0.5 },
		channels: { telegram: { parse_mode: "HTML" } },
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Host != "127.0.0.1" || cfg.Gateway.Port != 9100 {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if cfg.Dispatch.MaxRetries != 5 || cfg.Dispatch.RetryDelaySecs != 0.5 {
		t.Errorf("dispatch = %+v", cfg.Dispatch)
	}
	if cfg.Channels.Telegram.ParseMode != "HTML" {
		t.Errorf("parse mode = %q", cfg.Channels.Telegram.ParseMode)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OMNI_API_KEY", "sekret")
	t.Setenv("OMNI_PORT", "9999")
	t.Setenv("TELEGRAM_TOKEN", "123:abc")
	t.Setenv("TELEGRAM_DISABLE_PREVIEW", "false")
	t.Setenv("SLACK_WEBHOOK", "https://hooks.slack.com/services/T/B/X")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.APIKey != "sekret" {
		t.Errorf("api key = %q", cfg.Gateway.APIKey)
	}
	if cfg.Gateway.Port != 9999 {
		t.Errorf("port = %d", cfg.Gateway.Port)
	}
	if !cfg.Channels.Telegram.Enabled {
		t.Error("telegram should auto-enable when token set")
	}
	if cfg.Channels.Telegram.PreviewDisabled() {
		t.Error("preview override should stick")
	}
	if !cfg.Channels.Slack.Enabled {
		t.Error("slack should auto-enable when webhook set")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults ok", func(*Config) {}, false},
		{"bad port", func(c *Config) { c.Gateway.Port = 0 }, true},
		{"negative retries", func(c *Config) { c.Dispatch.MaxRetries = -1 }, true},
		{"unknown mode", func(c *Config) { c.Database.Mode = "cluster" }, true},
		{"managed without dsn", func(c *Config) { c.Database.Mode = "managed" }, true},
		{"managed with dsn", func(c *Config) {
			c.Database.Mode = "managed"
			c.Database.PostgresDSN = "postgres://u:p@localhost/omni"
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSaveOmitsSecrets(t *testing.T) {
	cfg := Default()
	cfg.Gateway.APIKey = "super-secret"
	cfg.Channels.Telegram.Token = "123:abc"
	cfg.Channels.Email.Password = "hunter2"

	path := filepath.Join(t.TempDir(), "config.json")
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, secret := range []string{"super-secret", "123:abc", "hunter2"} {
		if strings.Contains(string(raw), secret) {
			t.Errorf("saved config leaks %q", secret)
		}
	}
}

func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	cfg.Channels.Slack.WebhookURL = "https://hooks.slack.com/services/secret"
	cfg.Channels.Discord.WebhookURL = ""

	cp := cfg.MaskedCopy()
	if cp.Channels.Slack.WebhookURL != "***" {
		t.Errorf("slack webhook = %q, want masked", cp.Channels.Slack.WebhookURL)
	}
	if cp.Channels.Discord.WebhookURL != "" {
		t.Errorf("empty secret should stay empty, got %q", cp.Channels.Discord.WebhookURL)
	}
	if cp.Gateway.Port != cfg.Gateway.Port {
		t.Error("non-secret fields must survive the copy")
	}
}
