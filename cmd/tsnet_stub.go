//go:build !tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/wacoder/internal/config"
)

func initTailscale(_ context.Context, cfg *config.Config, _ http.Handler) func() {
	if cfg.Tailscale.Hostname != "" {
		slog.Warn("tailscale.hostname is set but this binary was built without -tags tsnet")
	}
	return nil
}
