//go:build tsnet

package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/wacoder/internal/config"
)

// initTailscale serves mux on the tailnet when tailscale.hostname is set.
// The returned cleanup shuts the node down; nil means nothing was started.
func initTailscale(ctx context.Context, cfg *config.Config, mux http.Handler) func() {
	tc := cfg.Tailscale
	if tc.Hostname == "" {
		return nil
	}

	srv := &tsnet.Server{
		Hostname:  tc.Hostname,
		Dir:       config.ExpandHome(tc.StateDir),
		AuthKey:   tc.AuthKey,
		Ephemeral: tc.Ephemeral,
	}
	if err := srv.Start(); err != nil {
		slog.Error("tailscale start failed", "error", err)
		return nil
	}

	var (
		ln  net.Listener
		err error
	)
	if tc.EnableTLS {
		ln, err = srv.ListenTLS("tcp", ":443")
	} else {
		ln, err = srv.Listen("tcp", ":80")
	}
	if err != nil {
		slog.Error("tailscale listen failed", "error", err)
		_ = srv.Close()
		return nil
	}

	hs := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("tailscale listener stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = hs.Shutdown(sctx)
	}()

	slog.Info("tailscale listener started", "hostname", tc.Hostname, "tls", tc.EnableTLS)
	return func() {
		_ = srv.Close()
	}
}
