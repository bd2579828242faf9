package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/wacoder/internal/auth"
	"github.com/nextlevelbuilder/wacoder/internal/bus"
	"github.com/nextlevelbuilder/wacoder/internal/channels"
	"github.com/nextlevelbuilder/wacoder/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/wacoder/internal/config"
	"github.com/nextlevelbuilder/wacoder/internal/gateway"
	httpapi "github.com/nextlevelbuilder/wacoder/internal/http"
	"github.com/nextlevelbuilder/wacoder/internal/mcp"
	"github.com/nextlevelbuilder/wacoder/internal/pipeline"
	"github.com/nextlevelbuilder/wacoder/internal/ratelimit"
	"github.com/nextlevelbuilder/wacoder/internal/reply"
	"github.com/nextlevelbuilder/wacoder/internal/sessions"
	"github.com/nextlevelbuilder/wacoder/internal/store"
	"github.com/nextlevelbuilder/wacoder/internal/sweeper"
	"github.com/nextlevelbuilder/wacoder/internal/tools"
	"github.com/nextlevelbuilder/wacoder/internal/tracing"
	"github.com/nextlevelbuilder/wacoder/internal/twilio"
	"github.com/nextlevelbuilder/wacoder/pkg/protocol"
)

const stopTimeout = 5 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server (default when no command is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("tracing shutdown", "error", err)
		}
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	// Platform connection
	platform := mcp.New(cfg.MCP, mcp.WithVersion(Version))
	if err := platform.Connect(ctx); err != nil {
		return fmt.Errorf("connect coding-agent platform: %w", err)
	}
	defer platform.Close()

	dispatcher := tools.NewDispatcher(platform, tools.Options{
		CallTimeout:      cfg.Dispatcher.CallTimeout.Std(),
		MaxAttempts:      cfg.Dispatcher.MaxAttempts,
		InitialBackoff:   cfg.Dispatcher.InitialBackoff.Std(),
		MaxBackoff:       cfg.Dispatcher.MaxBackoff.Std(),
		BreakerThreshold: cfg.Dispatcher.BreakerThreshold,
		BreakerCooldown:  cfg.Dispatcher.BreakerCooldown.Std(),
	})

	// Ingress checks
	verifier, err := auth.NewVerifier(cfg.Webhook.SignatureScheme, cfg.SignatureSecret())
	if err != nil {
		return err
	}
	if cfg.SignatureSecret() == "" {
		slog.Warn("no signature secret configured; every webhook request will be rejected",
			"scheme", cfg.Webhook.SignatureScheme)
	}
	allow := auth.NewAllowlist(cfg.AllowList(), cfg.Auth.AllowAll)
	if allow.Len() == 0 && !cfg.Auth.AllowAll {
		slog.Warn("auth.allow_from is empty; every sender will be refused")
	}

	var limiter pipeline.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(st, ratelimit.Limits{
			PerSender: cfg.RateLimit.PerSender,
			Global:    cfg.RateLimit.Global,
			Window:    cfg.RateLimit.Window.Std(),
		})
	}

	pipe := pipeline.New(pipeline.Deps{
		Verifier:  verifier,
		Allowlist: allow,
		Limiter:   limiter,
		Sessions:  sessions.NewManager(st, cfg.Sessions.TTL.Std()),
		Tools:     dispatcher,
		Formatter: reply.NewFormatter(cfg.Pipeline.MaxChunkChars),
	}, pipeline.Options{
		RequestTimeout: cfg.Pipeline.RequestTimeout.Std(),
		HistoryWindow:  cfg.Sessions.HistoryWindow,
		HistoryHints:   cfg.Pipeline.HistoryHints,
		Welcome:        cfg.Pipeline.Welcome,
		ForwardMedia:   cfg.Pipeline.ForwardMedia,
	})

	// Outbound delivery for async webhook mode.
	var sender bus.Sender
	if cfg.Twilio.HasCredentials() {
		tc, err := twilio.New(cfg.Twilio)
		if err != nil {
			return err
		}
		sender = tc
	} else if cfg.Webhook.Async {
		slog.Warn("webhook.async requires Twilio credentials; replying inline instead")
	}

	webhook := httpapi.NewWebhookHandler(pipe, verifier, sender, httpapi.WebhookOptions{
		PublicURL: cfg.Webhook.PublicURL,
		Async:     cfg.Webhook.Async,
		MaxBody:   cfg.Webhook.MaxBodyBytes,
	})
	health := httpapi.NewHealthHandler(st, dispatcher, protocol.ProtocolVersion)
	server := gateway.NewServer(cfg.Gateway, webhook, health)

	channelMgr := channels.NewManager()
	if bc := cfg.Channels.WhatsAppBridge; bc.Enabled {
		ch, err := whatsapp.New(bc, pipe.Handle)
		if err != nil {
			return err
		}
		channelMgr.Register(ch)
	}

	// Backends with native expiry (redis) are not Purgers.
	var sw *sweeper.Sweeper
	if purger, ok := st.(store.Purger); ok && cfg.Sessions.SweepCron != "" {
		if sw, err = sweeper.New(purger, cfg.Sessions.SweepCron); err != nil {
			return err
		}
	}

	slog.Info("wacoder starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"addr", server.Addr(),
		"backend", cfg.Sessions.Backend,
		"signature_scheme", cfg.Webhook.SignatureScheme,
		"async", cfg.Webhook.Async && sender != nil,
		"rate_limit", cfg.RateLimit.Enabled,
		"channels", channelMgr.Len(),
	)

	g, gctx := errgroup.WithContext(ctx)

	// Tailscale listener shares the mux. Compiled via `go build -tags tsnet`.
	mux := server.BuildMux()
	if tsCleanup := initTailscale(gctx, cfg, mux); tsCleanup != nil {
		defer tsCleanup()
	}
	if cfg.Tailscale.Hostname != "" && cfg.Gateway.Host == "0.0.0.0" {
		slog.Info("Tailscale enabled. Consider setting WACODER_HOST=127.0.0.1 for localhost-only + Tailscale access")
	}

	if channelMgr.Len() > 0 {
		if err := channelMgr.StartAll(gctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			return channelMgr.StopAll(sctx)
		})
	}

	g.Go(func() error {
		return server.Start(gctx)
	})

	if sw != nil {
		g.Go(func() error { return sw.Run(gctx) })
	}

	if path := resolveConfigPath(); fileExists(path) {
		g.Go(func() error {
			err := config.Watch(gctx, path, func(next *config.Config) {
				cfg.ReplaceFrom(next)
				allow.Replace(next.AllowList(), next.Auth.AllowAll)
				slog.Info("allowlist reloaded", "senders", allow.Len(), "allow_all", next.Auth.AllowAll)
			})
			if err != nil {
				slog.Warn("config hot reload disabled", "error", err)
			}
			return nil
		})
	}

	err = g.Wait()
	slog.Info("wacoder stopped")
	return err
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
