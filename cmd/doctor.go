package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/wacoder/internal/config"
	"github.com/nextlevelbuilder/wacoder/internal/mcp"
	"github.com/nextlevelbuilder/wacoder/internal/store/pg"
	"github.com/nextlevelbuilder/wacoder/internal/tools"
	"github.com/nextlevelbuilder/wacoder/internal/upgrade"
	"github.com/nextlevelbuilder/wacoder/pkg/protocol"
)

const doctorTimeout = 10 * time.Second

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(cmd.Context())
		},
	}
}

func runDoctor(ctx context.Context) {
	fmt.Println("wacoder doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Config invalid: %s\n", err)
	}

	// Secrets are shown masked, only to confirm presence.
	masked := cfg.MaskedCopy()
	fmt.Println()
	fmt.Println("  Secrets:")
	checkSecret("Twilio SID", masked.Twilio.AccountSID)
	checkSecret("Twilio token", masked.Twilio.AuthToken)
	checkSecret("Webhook key", masked.Webhook.Secret)
	checkSecret("Postgres", masked.Database.PostgresDSN)
	checkSecret("Redis", masked.Database.RedisURL)
	checkSecret("MCP API key", masked.MCP.APIKey)
	checkSecret("Bridge token", masked.Channels.WhatsAppBridge.Token)

	fmt.Println()
	fmt.Println("  Webhook:")
	fmt.Printf("    %-14s %s\n", "Scheme:", cfg.Webhook.SignatureScheme)
	fmt.Printf("    %-14s %s\n", "Public URL:", valueOr(cfg.Webhook.PublicURL, "(derived from request)"))
	fmt.Printf("    %-14s %v\n", "Async:", cfg.Webhook.Async)
	fmt.Printf("    %-14s %d sender(s), allow_all=%v\n", "Allowlist:", len(cfg.Auth.AllowFrom), cfg.Auth.AllowAll)

	// Store
	fmt.Println()
	fmt.Println("  Sessions:")
	fmt.Printf("    %-14s %s\n", "Backend:", cfg.Sessions.Backend)
	fmt.Printf("    %-14s %s (history %d)\n", "TTL:", cfg.Sessions.TTL.Std(), cfg.Sessions.HistoryWindow)
	checkStore(ctx, cfg)

	// Platform
	fmt.Println()
	fmt.Println("  Platform:")
	checkPlatform(ctx, cfg)

	fmt.Println()
	fmt.Println("  Dispatcher:")
	d := cfg.Dispatcher
	fmt.Printf("    %-14s %s x%d (backoff %s..%s)\n", "Calls:", d.CallTimeout.Std(), d.MaxAttempts, d.InitialBackoff.Std(), d.MaxBackoff.Std())
	fmt.Printf("    %-14s opens after %d failures, cooldown %s\n", "Breaker:", d.BreakerThreshold, d.BreakerCooldown.Std())

	// Channels
	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("Twilio", true, cfg.Twilio.HasCredentials())
	checkChannel("WA bridge", cfg.Channels.WhatsAppBridge.Enabled, cfg.Channels.WhatsAppBridge.BridgeURL != "")

	if cfg.MCP.Transport == "stdio" {
		fmt.Println()
		fmt.Println("  External Tools:")
		checkBinary(cfg.MCP.Command)
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkStore(ctx context.Context, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(ctx, doctorTimeout)
	defer cancel()

	if cfg.Sessions.Backend == "postgres" && cfg.Database.PostgresDSN != "" {
		checkPostgresSchema(ctx, cfg.Database.PostgresDSN)
		return
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Printf("    %-14s OPEN FAILED (%s)\n", "Status:", err)
		return
	}
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		fmt.Printf("    %-14s PING FAILED (%s)\n", "Status:", err)
		return
	}
	fmt.Printf("    %-14s OK\n", "Status:")
}

func checkPostgresSchema(ctx context.Context, dsn string) {
	db, err := pg.OpenDB(dsn)
	if err != nil {
		fmt.Printf("    %-14s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		fmt.Printf("    %-14s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	fmt.Printf("    %-14s OK\n", "Status:")

	s, err := upgrade.CheckSchema(ctx, db)
	switch {
	case err != nil:
		fmt.Printf("    %-14s CHECK FAILED (%s)\n", "Schema:", err)
	case s.Dirty:
		fmt.Printf("    %-14s v%d (DIRTY, run: wacoder migrate force %d)\n", "Schema:", s.CurrentVersion, max(int(s.CurrentVersion)-1, 0))
	case s.Compatible:
		fmt.Printf("    %-14s v%d (up to date)\n", "Schema:", s.CurrentVersion)
	case s.CurrentVersion > s.RequiredVersion:
		fmt.Printf("    %-14s v%d (binary too old, requires v%d)\n", "Schema:", s.CurrentVersion, s.RequiredVersion)
	default:
		fmt.Printf("    %-14s v%d (upgrade needed, run: wacoder migrate up)\n", "Schema:", s.CurrentVersion)
	}
}

func checkPlatform(ctx context.Context, cfg *config.Config) {
	fmt.Printf("    %-14s %s %s\n", "Transport:", cfg.MCP.Transport, valueOr(cfg.MCP.URL, cfg.MCP.Command))

	ctx, cancel := context.WithTimeout(ctx, doctorTimeout)
	defer cancel()

	client := mcp.New(cfg.MCP, mcp.WithVersion(Version))
	if err := client.Connect(ctx); err != nil {
		fmt.Printf("    %-14s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer client.Close()

	d := tools.NewDispatcher(client, tools.Options{CallTimeout: doctorTimeout})
	if err := d.Health(ctx); err != nil {
		fmt.Printf("    %-14s UNHEALTHY (%s)\n", "Status:", err)
	} else {
		fmt.Printf("    %-14s OK\n", "Status:")
	}

	st := client.Status()
	for _, name := range tools.AllTools {
		mark := "missing"
		if client.HasTool(string(name)) {
			mark = "ok"
		}
		fmt.Printf("    %-24s %s\n", string(name)+":", mark)
	}
	extra := extraTools(st.Tools)
	if len(extra) > 0 {
		fmt.Printf("    %-24s %d more\n", "other tools:", len(extra))
	}
}

// extraTools lists advertised tools the bridge does not call.
func extraTools(advertised []string) []string {
	known := make(map[string]bool)
	for _, n := range tools.AllTools {
		known[string(n)] = true
	}
	var out []string
	for _, n := range advertised {
		if !known[n] {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

func checkSecret(name, masked string) {
	if masked == "" {
		fmt.Printf("    %-14s (not set)\n", name+":")
		return
	}
	fmt.Printf("    %-14s %s\n", name+":", masked)
}

func checkChannel(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-14s %s\n", name+":", status)
}

func checkBinary(name string) {
	if name == "" {
		fmt.Printf("    %-14s (no command configured)\n", "mcp.command:")
		return
	}
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-14s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-14s %s\n", name+":", path)
	}
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
