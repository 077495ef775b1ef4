package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/omnigate/internal/ratelimit"
)

// Config is the root configuration for the OmniMessage gateway.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Channels  ChannelsConfig  `json:"channels"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Templates TemplatesConfig `json:"templates"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Analytics AnalyticsConfig `json:"analytics"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// GatewayConfig configures the REST + WebSocket listener.
// APIKey is NEVER read from the config file, only from env OMNI_API_KEY.
type GatewayConfig struct {
	APIKey         string   `json:"-"`
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Debug          bool     `json:"debug,omitempty"`
	RateLimitRPM   int      `json:"rate_limit_rpm,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// DispatchConfig tunes the retry loop applied to every delivery.
type DispatchConfig struct {
	MaxRetries     int     `json:"max_retries"`
	RetryDelaySecs float64 `json:"retry_delay"`
}

// RetryDelay returns the configured base delay as a duration.
func (d DispatchConfig) RetryDelay() time.Duration {
	return time.Duration(d.RetryDelaySecs * float64(time.Second))
}

// RateLimitConfig controls outbound admission. Enabled defaults to true;
// Channels entries override the built-in per-channel bucket sizing.
type RateLimitConfig struct {
	Enabled              *bool                             `json:"enabled,omitempty"`
	AdmissionTimeoutSecs float64                           `json:"admission_timeout,omitempty"`
	Channels             map[string]ratelimit.BucketConfig `json:"channels,omitempty"`
}

// IsEnabled resolves the tri-state Enabled flag (nil means on).
func (r RateLimitConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// AdmissionTimeout returns the blocking admission timeout, defaulting to 30s.
func (r RateLimitConfig) AdmissionTimeout() time.Duration {
	if r.AdmissionTimeoutSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(r.AdmissionTimeoutSecs * float64(time.Second))
}

// TemplatesConfig locates the template directory.
type TemplatesConfig struct {
	Dir   string `json:"dir"`
	Watch *bool  `json:"watch,omitempty"`
}

// WatchEnabled resolves the tri-state Watch flag (nil means on).
func (t TemplatesConfig) WatchEnabled() bool {
	return t.Watch == nil || *t.Watch
}

// SchedulerConfig tunes the background scheduler.
type SchedulerConfig struct {
	PollIntervalSecs float64 `json:"poll_interval,omitempty"`
}

// PollInterval returns the worker poll interval, defaulting to 5s.
func (s SchedulerConfig) PollInterval() time.Duration {
	if s.PollIntervalSecs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.PollIntervalSecs * float64(time.Second))
}

// AnalyticsConfig sizes the latency sliding window.
type AnalyticsConfig struct {
	WindowSecs int `json:"window_seconds,omitempty"`
}

// Window returns the latency window, defaulting to one hour.
func (a AnalyticsConfig) Window() time.Duration {
	if a.WindowSecs <= 0 {
		return time.Hour
	}
	return time.Duration(a.WindowSecs) * time.Second
}

// DatabaseConfig selects the message store backend.
// PostgresDSN is NEVER read from the config file (secret), only from env
// OMNI_POSTGRES_DSN.
type DatabaseConfig struct {
	Mode        string `json:"mode,omitempty"` // "standalone" (default) or "managed"
	Path        string `json:"path,omitempty"` // SQLite file for standalone mode
	PostgresDSN string `json:"-"`
}

// IsManagedMode returns true when the gateway persists to Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// TelemetryConfig configures OpenTelemetry export for dispatch traces.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS (local dev)
	ServiceName string            `json:"service_name,omitempty"` // default "omnigate"
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (auth tokens)
}

// Validate rejects configurations that cannot start.
func (c *Config) Validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway port %d out of range", c.Gateway.Port)
	}
	if c.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("dispatch max_retries must not be negative")
	}
	if c.Dispatch.RetryDelaySecs < 0 {
		return fmt.Errorf("dispatch retry_delay must not be negative")
	}
	switch c.Database.Mode {
	case "", "standalone", "managed":
	default:
		return fmt.Errorf("database mode %q not recognized (standalone or managed)", c.Database.Mode)
	}
	if c.Database.Mode == "managed" && c.Database.PostgresDSN == "" {
		return fmt.Errorf("managed mode requires OMNI_POSTGRES_DSN")
	}
	return nil
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = src.Gateway
	c.Channels = src.Channels
	c.Dispatch = src.Dispatch
	c.RateLimit = src.RateLimit
	c.Templates = src.Templates
	c.Scheduler = src.Scheduler
	c.Analytics = src.Analytics
	c.Database = src.Database
	c.Telemetry = src.Telemetry
}
