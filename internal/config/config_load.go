package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Webhook: WebhookConfig{
			SignatureScheme: "twilio",
			MaxBodyBytes:    1 << 20,
		},
		RateLimit: RateLimitConfig{
			Enabled:   true,
			PerSender: 10,
			Global:    100,
			Window:    Duration(time.Minute),
		},
		Sessions: SessionsConfig{
			Backend:       "sqlite",
			TTL:           Duration(24 * time.Hour),
			HistoryWindow: 20,
			SQLitePath:    "~/.wacoder/sessions.db",
			SweepCron:     "*/15 * * * *",
		},
		Dispatcher: DispatcherConfig{
			CallTimeout:      Duration(3 * time.Second),
			MaxAttempts:      3,
			InitialBackoff:   Duration(500 * time.Millisecond),
			MaxBackoff:       Duration(5 * time.Second),
			BreakerThreshold: 5,
			BreakerCooldown:  Duration(30 * time.Second),
		},
		MCP: MCPConfig{
			Name:      "autocoder",
			Transport: "streamable-http",
			URL:       "http://localhost:8080/mcp",
		},
		Pipeline: PipelineConfig{
			RequestTimeout: Duration(12 * time.Second),
			MaxChunkChars:  1600,
			Welcome:        true,
			HistoryHints:   6,
		},
		Twilio: TwilioConfig{
			APIBase: "https://api.twilio.com",
			SendRPS: 1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
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

	// Secrets
	envStr("WACODER_TWILIO_ACCOUNT_SID", &c.Twilio.AccountSID)
	envStr("WACODER_TWILIO_AUTH_TOKEN", &c.Twilio.AuthToken)
	envStr("WACODER_TWILIO_PHONE_NUMBER", &c.Twilio.FromNumber)
	envStr("WACODER_WEBHOOK_SECRET", &c.Webhook.Secret)
	envStr("WACODER_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("WACODER_REDIS_URL", &c.Database.RedisURL)
	envStr("WACODER_MCP_API_KEY", &c.MCP.APIKey)
	envStr("WACODER_BRIDGE_TOKEN", &c.Channels.WhatsAppBridge.Token)
	envStr("WACODER_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)

	// Gateway
	envStr("WACODER_HOST", &c.Gateway.Host)
	envInt("WACODER_PORT", &c.Gateway.Port)
	envStr("WACODER_PUBLIC_URL", &c.Webhook.PublicURL)
	envBool("WACODER_WEBHOOK_ASYNC", &c.Webhook.Async)

	// Allowlist from env (comma-separated), replaces the file list.
	if v := os.Getenv("WACODER_ALLOW_FROM"); v != "" {
		var list []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				list = append(list, s)
			}
		}
		c.Auth.AllowFrom = list
	}

	// Feature flags
	envBool("WACODER_ENABLE_RATE_LIMITING", &c.RateLimit.Enabled)
	envBool("WACODER_ENABLE_VISION_SUPPORT", &c.Pipeline.ForwardMedia)
	envInt("WACODER_RATE_LIMIT_PER_SENDER", &c.RateLimit.PerSender)
	envInt("WACODER_RATE_LIMIT_GLOBAL", &c.RateLimit.Global)
	envInt("WACODER_MAX_MESSAGE_LENGTH", &c.Pipeline.MaxChunkChars)
	if v := os.Getenv("WACODER_SESSION_TTL_HOURS"); v != "" {
		if h, err := strconv.Atoi(v); err == nil && h > 0 {
			c.Sessions.TTL = Duration(time.Duration(h) * time.Hour)
		}
	}

	// Sessions backend
	envStr("WACODER_SESSIONS_BACKEND", &c.Sessions.Backend)
	envStr("WACODER_SQLITE_PATH", &c.Sessions.SQLitePath)

	// MCP
	envStr("WACODER_MCP_URL", &c.MCP.URL)
	envStr("WACODER_MCP_TRANSPORT", &c.MCP.Transport)

	// Bridge
	envStr("WACODER_BRIDGE_URL", &c.Channels.WhatsAppBridge.BridgeURL)
	if c.Channels.WhatsAppBridge.BridgeURL != "" && os.Getenv("WACODER_BRIDGE_URL") != "" {
		c.Channels.WhatsAppBridge.Enabled = true
	}

	// Telemetry
	envStr("WACODER_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("WACODER_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("WACODER_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("WACODER_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("WACODER_TELEMETRY_INSECURE", &c.Telemetry.Insecure)

	// Tailscale (tsnet)
	envStr("WACODER_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("WACODER_TSNET_DIR", &c.Tailscale.StateDir)

	// Logging
	envStr("WACODER_LOG_LEVEL", &c.Log.Level)
	envStr("WACODER_LOG_FORMAT", &c.Log.Format)
}

// ApplyEnvOverrides re-applies environment variable overrides onto the config.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// Validate checks values the service cannot run without.
func (c *Config) Validate() error {
	switch c.Sessions.Backend {
	case "memory", "sqlite":
	case "postgres":
		if c.Database.PostgresDSN == "" {
			return fmt.Errorf("sessions.backend=postgres requires WACODER_POSTGRES_DSN")
		}
	case "redis":
		if c.Database.RedisURL == "" {
			return fmt.Errorf("sessions.backend=redis requires WACODER_REDIS_URL")
		}
	default:
		return fmt.Errorf("unknown sessions.backend %q", c.Sessions.Backend)
	}
	switch c.Webhook.SignatureScheme {
	case "twilio", "hmac-sha256":
	default:
		return fmt.Errorf("unknown webhook.signature_scheme %q", c.Webhook.SignatureScheme)
	}
	if c.Pipeline.MaxChunkChars <= 0 {
		return fmt.Errorf("pipeline.max_chunk_chars must be positive")
	}
	if c.Sessions.HistoryWindow <= 0 {
		return fmt.Errorf("sessions.history_window must be positive")
	}
	if c.Dispatcher.MaxAttempts <= 0 {
		return fmt.Errorf("dispatcher.max_attempts must be positive")
	}
	if budget, limit := c.Dispatcher.RetryBudget(), c.Pipeline.RequestTimeout.Std(); limit > 0 && budget >= limit {
		return fmt.Errorf("dispatcher retries can take %s, which does not fit in pipeline.request_timeout %s; lower call_timeout or max_attempts", budget, limit)
	}
	return nil
}

// RetryBudget is the longest a single tool invocation can run: every attempt
// hitting call_timeout, plus the largest jittered backoff between attempts.
func (d DispatcherConfig) RetryBudget() time.Duration {
	total := time.Duration(d.MaxAttempts) * d.CallTimeout.Std()
	wait := d.InitialBackoff.Std()
	for i := 1; i < d.MaxAttempts; i++ {
		if d.MaxBackoff.Std() > 0 && wait > d.MaxBackoff.Std() {
			wait = d.MaxBackoff.Std()
		}
		total += wait + wait/5 // dispatcher jitter is ±20%
		wait *= 2
	}
	return total
}

// Save writes the config to a JSON file. Secret fields are never serialized.
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

// MaskedCopy returns a copy of the config with all secret fields masked.
// Used by doctor output.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	// json:"-" fields do not survive the round-trip; restore them masked.
	cp.Twilio.AccountSID = c.Twilio.AccountSID
	cp.Twilio.AuthToken = c.Twilio.AuthToken
	cp.Webhook.Secret = c.Webhook.Secret
	cp.Database = c.Database
	cp.MCP.APIKey = c.MCP.APIKey
	cp.Channels.WhatsAppBridge.Token = c.Channels.WhatsAppBridge.Token
	cp.Tailscale.AuthKey = c.Tailscale.AuthKey

	maskNonEmpty(&cp.Twilio.AccountSID)
	maskNonEmpty(&cp.Twilio.AuthToken)
	maskNonEmpty(&cp.Webhook.Secret)
	maskNonEmpty(&cp.Database.PostgresDSN)
	maskNonEmpty(&cp.Database.RedisURL)
	maskNonEmpty(&cp.MCP.APIKey)
	maskNonEmpty(&cp.Channels.WhatsAppBridge.Token)
	maskNonEmpty(&cp.Tailscale.AuthKey)

	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
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
