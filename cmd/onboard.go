package cmd

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/wacoder/internal/config"
	"github.com/nextlevelbuilder/wacoder/internal/sessions"
)

func onboardCmd() *cobra.Command {
	var nonInteractive bool
	cmd := &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup wizard that writes the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath()
			if nonInteractive {
				return runAutoOnboard(path)
			}
			return runOnboard(path)
		},
	}
	cmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "write defaults plus WACODER_* environment overrides without prompting")
	return cmd
}

// runAutoOnboard writes defaults overlaid with the environment (Docker / CI).
func runAutoOnboard(path string) error {
	cfg := config.Default()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config from environment: %w", err)
	}
	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Printf("Config written to %s\n", path)
	printSecretHints(cfg)
	return nil
}

func runOnboard(path string) error {
	cfg := config.Default()
	if existing, err := config.Load(path); err == nil {
		cfg = existing
	}

	var (
		port      = fmt.Sprint(cfg.Gateway.Port)
		allowFrom = strings.Join(cfg.AllowList(), ", ")
		mcpTarget = cfg.MCP.URL
	)
	if cfg.MCP.Transport == "stdio" {
		mcpTarget = strings.TrimSpace(cfg.MCP.Command + " " + strings.Join(cfg.MCP.Args, " "))
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("wacoder setup").
				Description("Secrets (Twilio token, database URLs, API keys) are read from WACODER_* environment variables and never written to the config file."),
			huh.NewInput().
				Title("Public webhook base URL").
				Description("The URL Twilio calls, used to verify signatures. Leave empty to derive it from each request.").
				Placeholder("https://bot.example.com").
				Value(&cfg.Webhook.PublicURL).
				Validate(validatePublicURL),
			huh.NewInput().
				Title("Listen port").
				Value(&port).
				Validate(validatePort),
			huh.NewSelect[string]().
				Title("Webhook signature scheme").
				Options(
					huh.NewOption("Twilio (X-Twilio-Signature)", "twilio"),
					huh.NewOption("HMAC-SHA256 (X-Signature-256)", "hmac-sha256"),
				).
				Value(&cfg.Webhook.SignatureScheme),
			huh.NewInput().
				Title("Allowed WhatsApp numbers").
				Description("Comma-separated E.164 numbers, e.g. +15551234567").
				Value(&allowFrom).
				Validate(func(s string) error {
					_, err := parseNumbers(s)
					return err
				}),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Session backend").
				Options(
					huh.NewOption("SQLite file", "sqlite"),
					huh.NewOption("PostgreSQL (WACODER_POSTGRES_DSN)", "postgres"),
					huh.NewOption("Redis (WACODER_REDIS_URL)", "redis"),
					huh.NewOption("In-memory (lost on restart)", "memory"),
				).
				Value(&cfg.Sessions.Backend),
			huh.NewConfirm().
				Title("Enable rate limiting?").
				Value(&cfg.RateLimit.Enabled),
			huh.NewConfirm().
				Title("Reply asynchronously through the Twilio REST API?").
				Description("Requires WACODER_TWILIO_ACCOUNT_SID, WACODER_TWILIO_AUTH_TOKEN and a from number.").
				Value(&cfg.Webhook.Async),
			huh.NewInput().
				Title("Twilio WhatsApp from number").
				Placeholder("+14155238886").
				Value(&cfg.Twilio.FromNumber),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Coding-agent MCP transport").
				Options(
					huh.NewOption("Streamable HTTP", "streamable-http"),
					huh.NewOption("SSE", "sse"),
					huh.NewOption("stdio (spawn a command)", "stdio"),
				).
				Value(&cfg.MCP.Transport),
			huh.NewInput().
				Title("MCP server URL or command").
				Value(&mcpTarget).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("required")
					}
					return nil
				}),
		),
	)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("Setup cancelled.")
			return nil
		}
		return err
	}

	fmt.Sscan(port, &cfg.Gateway.Port)
	numbers, _ := parseNumbers(allowFrom)
	cfg.Auth.AllowFrom = numbers
	if cfg.MCP.Transport == "stdio" {
		fields := strings.Fields(mcpTarget)
		cfg.MCP.Command, cfg.MCP.Args, cfg.MCP.URL = fields[0], fields[1:], ""
	} else {
		cfg.MCP.URL, cfg.MCP.Command, cfg.MCP.Args = strings.TrimSpace(mcpTarget), "", nil
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Println()
	fmt.Printf("Config written to %s\n", path)
	printSecretHints(cfg)
	fmt.Println()
	fmt.Println("Next: wacoder doctor, then wacoder")
	return nil
}

// printSecretHints lists the env-only secrets the chosen config still needs.
func printSecretHints(cfg *config.Config) {
	var need []string
	if cfg.Webhook.SignatureScheme == "hmac-sha256" {
		need = append(need, "WACODER_WEBHOOK_SECRET")
	} else {
		need = append(need, "WACODER_TWILIO_AUTH_TOKEN")
	}
	if cfg.Webhook.Async {
		need = append(need, "WACODER_TWILIO_ACCOUNT_SID", "WACODER_TWILIO_AUTH_TOKEN")
	}
	switch cfg.Sessions.Backend {
	case "postgres":
		need = append(need, "WACODER_POSTGRES_DSN")
	case "redis":
		need = append(need, "WACODER_REDIS_URL")
	}

	seen := map[string]bool{}
	var missing []string
	for _, k := range need {
		if !seen[k] && os.Getenv(k) == "" {
			missing = append(missing, k)
		}
		seen[k] = true
	}
	if len(missing) == 0 {
		return
	}
	fmt.Println("Set these environment variables before starting:")
	for _, k := range missing {
		fmt.Printf("  export %s=...\n", k)
	}
}

// parseNumbers splits a comma-separated allowlist into normalized senders.
func parseNumbers(s string) ([]string, error) {
	var out []string
	for _, part := range strings.Split(s, ",") {
		n := sessions.NormalizeSender(part)
		if n == "" {
			continue
		}
		if !strings.HasPrefix(n, "+") || len(n) < 8 {
			return nil, fmt.Errorf("%q is not an E.164 number", n)
		}
		for _, r := range n[1:] {
			if r < '0' || r > '9' {
				return nil, fmt.Errorf("%q is not an E.164 number", n)
			}
		}
		out = append(out, n)
	}
	return out, nil
}

func validatePublicURL(s string) error {
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("must be an absolute http(s) URL")
	}
	return nil
}

func validatePort(s string) error {
	var p int
	if _, err := fmt.Sscan(s, &p); err != nil || p <= 0 || p > 65535 {
		return errors.New("must be a port number")
	}
	return nil
}
