package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
// Phone numbers in allowlists are often written unquoted.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Duration is a time.Duration written as a Go duration string ("30s", "24h").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(v)
	return nil
}

// Config is the root configuration for the wacoder service.
type Config struct {
	Gateway    GatewayConfig    `json:"gateway"`
	Webhook    WebhookConfig    `json:"webhook"`
	Auth       AuthConfig       `json:"auth"`
	RateLimit  RateLimitConfig  `json:"rate_limit"`
	Sessions   SessionsConfig   `json:"sessions"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	MCP        MCPConfig        `json:"mcp"`
	Pipeline   PipelineConfig   `json:"pipeline"`
	Twilio     TwilioConfig     `json:"twilio"`
	Channels   ChannelsConfig   `json:"channels"`
	Database   DatabaseConfig   `json:"database,omitempty"`
	Telemetry  TelemetryConfig  `json:"telemetry,omitempty"`
	Tailscale  TailscaleConfig  `json:"tailscale,omitempty"`
	Log        LogConfig        `json:"log"`
	mu         sync.RWMutex
}

// GatewayConfig controls the HTTP listener.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// WebhookConfig controls inbound webhook handling.
type WebhookConfig struct {
	PublicURL       string `json:"public_url,omitempty"`       // externally visible base URL used for signature checks
	SignatureScheme string `json:"signature_scheme,omitempty"` // "twilio" (default) or "hmac-sha256"
	Secret          string `json:"-"`                          // from env WACODER_WEBHOOK_SECRET only (hmac-sha256 scheme)
	Async           bool   `json:"async,omitempty"`            // ack immediately, deliver replies via Twilio REST
	MaxBodyBytes    int64  `json:"max_body_bytes,omitempty"`
}

// AuthConfig lists senders permitted to use the bridge.
type AuthConfig struct {
	AllowFrom FlexibleStringSlice `json:"allow_from"`
	AllowAll  bool                `json:"allow_all,omitempty"` // accept any verified sender; off by default
}

// RateLimitConfig configures the fixed-window limiter.
type RateLimitConfig struct {
	Enabled   bool     `json:"enabled"`
	PerSender int      `json:"per_sender"`
	Global    int      `json:"global"`
	Window    Duration `json:"window"`
}

// SessionsConfig selects the session backend and its retention.
type SessionsConfig struct {
	Backend       string   `json:"backend"` // "memory", "sqlite" (default), "postgres", "redis"
	TTL           Duration `json:"ttl"`
	HistoryWindow int      `json:"history_window"`
	SQLitePath    string   `json:"sqlite_path,omitempty"`
	SweepCron     string   `json:"sweep_cron,omitempty"` // purge schedule for SQL backends, empty = disabled
	AutoMigrate   bool     `json:"auto_migrate,omitempty"`
}

// DispatcherConfig bounds remote tool calls.
type DispatcherConfig struct {
	CallTimeout      Duration `json:"call_timeout"`
	MaxAttempts      int      `json:"max_attempts"`
	InitialBackoff   Duration `json:"initial_backoff"`
	MaxBackoff       Duration `json:"max_backoff"`
	BreakerThreshold int      `json:"breaker_threshold"`
	BreakerCooldown  Duration `json:"breaker_cooldown"`
}

// MCPConfig configures the connection to the coding-agent MCP server.
type MCPConfig struct {
	Name      string            `json:"name,omitempty"`
	Transport string            `json:"transport"`         // "stdio", "sse", "streamable-http"
	Command   string            `json:"command,omitempty"` // stdio: command to spawn
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"` // sse/http: server URL
	Headers   map[string]string `json:"headers,omitempty"`
	APIKey    string            `json:"-"` // from env WACODER_MCP_API_KEY only, sent as bearer token
}

// PipelineConfig tunes per-message processing.
type PipelineConfig struct {
	RequestTimeout Duration `json:"request_timeout"`
	MaxChunkChars  int      `json:"max_chunk_chars"`
	Welcome        bool     `json:"welcome"`
	ForwardMedia   bool     `json:"forward_media,omitempty"`
	HistoryHints   int      `json:"history_hints"` // history turns forwarded with free-form tasks
}

// TwilioConfig holds REST credentials for asynchronous delivery.
// Account SID and auth token are NEVER read from config.json.
type TwilioConfig struct {
	AccountSID string  `json:"-"` // from env WACODER_TWILIO_ACCOUNT_SID only
	AuthToken  string  `json:"-"` // from env WACODER_TWILIO_AUTH_TOKEN only
	FromNumber string  `json:"from_number,omitempty"`
	APIBase    string  `json:"api_base,omitempty"`
	SendRPS    float64 `json:"send_rps,omitempty"`
}

// DatabaseConfig carries backend connection strings. Env only.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"` // from env WACODER_POSTGRES_DSN only
	RedisURL    string `json:"-"` // from env WACODER_REDIS_URL only
}

// TelemetryConfig configures OpenTelemetry OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"` // default "wacoder"
	Headers     map[string]string `json:"headers,omitempty"`
}

// TailscaleConfig configures the optional Tailscale tsnet listener.
// Requires building with -tags tsnet. Auth key from env only (never persisted).
type TailscaleConfig struct {
	Hostname  string `json:"hostname"`
	StateDir  string `json:"state_dir,omitempty"`
	AuthKey   string `json:"-"` // from env WACODER_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`
	EnableTLS bool   `json:"enable_tls,omitempty"`
}

// LogConfig selects log level and handler.
type LogConfig struct {
	Level  string `json:"level,omitempty"`  // "debug", "info" (default), "warn", "error"
	Format string `json:"format,omitempty"` // "text" (default) or "json"
}

// AllowList returns a copy of the configured sender allowlist.
func (c *Config) AllowList() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.Auth.AllowFrom))
	copy(out, c.Auth.AllowFrom)
	return out
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = src.Gateway
	c.Webhook = src.Webhook
	c.Auth = src.Auth
	c.RateLimit = src.RateLimit
	c.Sessions = src.Sessions
	c.Dispatcher = src.Dispatcher
	c.MCP = src.MCP
	c.Pipeline = src.Pipeline
	c.Twilio = src.Twilio
	c.Channels = src.Channels
	c.Database = src.Database
	c.Telemetry = src.Telemetry
	c.Tailscale = src.Tailscale
	c.Log = src.Log
}
